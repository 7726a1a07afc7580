// Package reliable implements the optional reliable-delivery layer of
// spec.md §4.I: sequence numbers, acknowledgement, retry with backoff,
// and a bounded dedup window, built entirely on top of a
// meshpool.NodePool's enqueue_message/message_received surface. The
// core mesh has no notion of this layer; its packets travel inside the
// Bytes payload the pool already forwards.
package reliable

import (
	"encoding/binary"
	"fmt"

	"github.com/jabolina/go-meshnet/pkg/meshnet/id"
)

// MessageID identifies one reliable-layer message, the msgid of
// spec.md §4.I, reusing NodeId's 128-bit opaque representation per
// spec.md §3.
type MessageID = id.NodeId

// Kind tags the reliable-layer packet carried inside a core
// DirectData/GatewayData payload.
type Kind byte

const (
	KindPayload Kind = 1
	KindReport  Kind = 2
	KindAck     Kind = 3
)

// ErrMalformed is returned when a reliable-layer packet cannot be
// decoded.
var ErrMalformed = fmt.Errorf("reliable: malformed packet")

// PayloadPacket carries one application message, tracked by Seq for
// per-peer ordering and by MsgID for acknowledgement.
type PayloadPacket struct {
	MsgID    MessageID
	Seq      uint64
	Priority uint8
	Bytes    []byte
}

// ReportPacket carries a one-shot, unacknowledged message — delivered
// best-effort, never retried, never stored as pending.
type ReportPacket struct {
	Bytes []byte
}

// AckPacket acknowledges receipt of the PayloadPacket named by MsgID.
type AckPacket struct {
	MsgID MessageID
}

// MarshalPayload encodes a PayloadPacket.
func MarshalPayload(p PayloadPacket) []byte {
	buf := make([]byte, 0, 1+16+8+1+len(p.Bytes))
	buf = append(buf, byte(KindPayload))
	buf = append(buf, p.MsgID.Bytes()...)
	buf = binary.BigEndian.AppendUint64(buf, p.Seq)
	buf = append(buf, p.Priority)
	buf = append(buf, p.Bytes...)
	return buf
}

// MarshalReport encodes a ReportPacket.
func MarshalReport(r ReportPacket) []byte {
	buf := make([]byte, 0, 1+len(r.Bytes))
	buf = append(buf, byte(KindReport))
	return append(buf, r.Bytes...)
}

// MarshalAck encodes an AckPacket.
func MarshalAck(a AckPacket) []byte {
	buf := make([]byte, 0, 1+16)
	buf = append(buf, byte(KindAck))
	return append(buf, a.MsgID.Bytes()...)
}

// Unmarshal decodes the leading kind byte of b and returns the
// corresponding typed packet as one of PayloadPacket, ReportPacket or
// AckPacket.
func Unmarshal(b []byte) (Kind, any, error) {
	if len(b) < 1 {
		return 0, nil, ErrMalformed
	}
	switch Kind(b[0]) {
	case KindPayload:
		if len(b) < 1+16+8+1 {
			return 0, nil, ErrMalformed
		}
		msgid, err := id.FromBytes(b[1:17])
		if err != nil {
			return 0, nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		seq := binary.BigEndian.Uint64(b[17:25])
		priority := b[25]
		bytes := append([]byte(nil), b[26:]...)
		return KindPayload, PayloadPacket{MsgID: msgid, Seq: seq, Priority: priority, Bytes: bytes}, nil
	case KindReport:
		return KindReport, ReportPacket{Bytes: append([]byte(nil), b[1:]...)}, nil
	case KindAck:
		if len(b) < 17 {
			return 0, nil, ErrMalformed
		}
		msgid, err := id.FromBytes(b[1:17])
		if err != nil {
			return 0, nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		return KindAck, AckPacket{MsgID: msgid}, nil
	default:
		return 0, nil, ErrMalformed
	}
}
