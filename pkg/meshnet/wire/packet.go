package wire

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"

	"github.com/jabolina/go-meshnet/pkg/meshnet/id"
)

// Tag identifies the packet kind carried in a frame body, per spec.md §4.F.
type Tag byte

const (
	TagHandshake   Tag = 1
	TagHeartbeat   Tag = 2
	TagAlive       Tag = 3
	TagUnreachable Tag = 4
	TagRoute       Tag = 5
	TagDirectData  Tag = 6
	TagGatewayData Tag = 7
)

// HandshakeWay distinguishes the two sides of a handshake exchange.
type HandshakeWay uint8

const (
	WayRequest HandshakeWay = iota
	WayResponse
)

// Handshake carries the peer-identification payload of §4.F's Handshake packet.
type Handshake struct {
	PeerID    id.NodeId
	IsGateway bool
	BehindNAT bool
	Way       HandshakeWay
}

// Heartbeat is the periodic liveness packet of §4.E.
type Heartbeat struct {
	HealthData uint8
}

// Alive is the gossip announcement packet of §4.H. Hops extends the
// minimal {peer_id} payload named in §4.F's wire table with the hop
// count §4.H's text requires receivers compare ("install ... only if
// ... the new entry is strictly better (smaller hops...)"); the field is
// appended after PeerID so the documented wire prefix is unchanged.
type Alive struct {
	PeerID id.NodeId
	Hops   uint16
}

// Unreachable is the diagnostic packet sent back along the source when no
// further hop exists, per §4.H.4.
type Unreachable struct {
	Gateway  id.NodeId
	Sender   id.NodeId
	Receiver id.NodeId
}

// Route is the optional path-discovery packet of §4.H.5.
type Route struct {
	Way       HandshakeWay
	Initiator id.NodeId
	Responder id.NodeId
	Gateways  []id.NodeId
}

// DirectData carries a payload addressed to a direct peer.
type DirectData struct {
	ForceChecksum bool
	Checksum      uint32
	Bytes         []byte
}

// GatewayData carries a payload relayed on behalf of sender to receiver.
type GatewayData struct {
	Sender        id.NodeId
	Receiver      id.NodeId
	ForceChecksum bool
	Checksum      uint32
	Bytes         []byte
}

func putBool(buf []byte, v bool) {
	if v {
		buf[0] = 1
	} else {
		buf[0] = 0
	}
}

func getBool(b byte) bool { return b != 0 }

// MarshalHandshake encodes a Handshake body (tag excluded).
func MarshalHandshake(h Handshake) []byte {
	buf := make([]byte, 16+1+1+1)
	copy(buf[0:16], h.PeerID.Bytes())
	putBool(buf[16:17], h.IsGateway)
	putBool(buf[17:18], h.BehindNAT)
	buf[18] = byte(h.Way)
	return buf
}

// UnmarshalHandshake decodes a Handshake body.
func UnmarshalHandshake(b []byte) (Handshake, error) {
	if len(b) < 19 {
		return Handshake{}, fmt.Errorf("%w: short handshake body", ErrProtocol)
	}
	peer, err := id.FromBytes(b[0:16])
	if err != nil {
		return Handshake{}, fmt.Errorf("%w: %v", ErrProtocol, err)
	}
	return Handshake{
		PeerID:    peer,
		IsGateway: getBool(b[16]),
		BehindNAT: getBool(b[17]),
		Way:       HandshakeWay(b[18]),
	}, nil
}

// MarshalHeartbeat encodes a Heartbeat body.
func MarshalHeartbeat(h Heartbeat) []byte { return []byte{h.HealthData} }

// UnmarshalHeartbeat decodes a Heartbeat body.
func UnmarshalHeartbeat(b []byte) (Heartbeat, error) {
	if len(b) < 1 {
		return Heartbeat{}, fmt.Errorf("%w: short heartbeat body", ErrProtocol)
	}
	return Heartbeat{HealthData: b[0]}, nil
}

// MarshalAlive encodes an Alive body.
func MarshalAlive(a Alive) []byte {
	buf := make([]byte, 0, 18)
	buf = append(buf, a.PeerID.Bytes()...)
	buf = binary.BigEndian.AppendUint16(buf, a.Hops)
	return buf
}

// UnmarshalAlive decodes an Alive body.
func UnmarshalAlive(b []byte) (Alive, error) {
	if len(b) < 18 {
		return Alive{}, fmt.Errorf("%w: short alive body", ErrProtocol)
	}
	peer, err := id.FromBytes(b[0:16])
	if err != nil {
		return Alive{}, fmt.Errorf("%w: %v", ErrProtocol, err)
	}
	return Alive{PeerID: peer, Hops: binary.BigEndian.Uint16(b[16:18])}, nil
}

// MarshalUnreachable encodes an Unreachable body.
func MarshalUnreachable(u Unreachable) []byte {
	buf := make([]byte, 0, 48)
	buf = append(buf, u.Gateway.Bytes()...)
	buf = append(buf, u.Sender.Bytes()...)
	buf = append(buf, u.Receiver.Bytes()...)
	return buf
}

// UnmarshalUnreachable decodes an Unreachable body.
func UnmarshalUnreachable(b []byte) (Unreachable, error) {
	if len(b) < 48 {
		return Unreachable{}, fmt.Errorf("%w: short unreachable body", ErrProtocol)
	}
	gw, err := id.FromBytes(b[0:16])
	if err != nil {
		return Unreachable{}, fmt.Errorf("%w: %v", ErrProtocol, err)
	}
	sender, err := id.FromBytes(b[16:32])
	if err != nil {
		return Unreachable{}, fmt.Errorf("%w: %v", ErrProtocol, err)
	}
	receiver, err := id.FromBytes(b[32:48])
	if err != nil {
		return Unreachable{}, fmt.Errorf("%w: %v", ErrProtocol, err)
	}
	return Unreachable{Gateway: gw, Sender: sender, Receiver: receiver}, nil
}

// MarshalRoute encodes a Route body. Gateways is length-prefixed with a
// u16 count per spec.md §6 ("Variable-length sequences are length-prefixed
// with a u16").
func MarshalRoute(r Route) []byte {
	buf := make([]byte, 0, 1+16+16+2+16*len(r.Gateways))
	buf = append(buf, byte(r.Way))
	buf = append(buf, r.Initiator.Bytes()...)
	buf = append(buf, r.Responder.Bytes()...)
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(r.Gateways)))
	for _, gw := range r.Gateways {
		buf = append(buf, gw.Bytes()...)
	}
	return buf
}

// UnmarshalRoute decodes a Route body.
func UnmarshalRoute(b []byte) (Route, error) {
	if len(b) < 1+16+16+2 {
		return Route{}, fmt.Errorf("%w: short route body", ErrProtocol)
	}
	way := HandshakeWay(b[0])
	initiator, err := id.FromBytes(b[1:17])
	if err != nil {
		return Route{}, fmt.Errorf("%w: %v", ErrProtocol, err)
	}
	responder, err := id.FromBytes(b[17:33])
	if err != nil {
		return Route{}, fmt.Errorf("%w: %v", ErrProtocol, err)
	}
	count := binary.BigEndian.Uint16(b[33:35])
	want := 35 + int(count)*16
	if len(b) < want {
		return Route{}, fmt.Errorf("%w: truncated route gateway list", ErrProtocol)
	}
	gateways := make([]id.NodeId, 0, count)
	for i := 0; i < int(count); i++ {
		off := 35 + i*16
		gw, err := id.FromBytes(b[off : off+16])
		if err != nil {
			return Route{}, fmt.Errorf("%w: %v", ErrProtocol, err)
		}
		gateways = append(gateways, gw)
	}
	return Route{Way: way, Initiator: initiator, Responder: responder, Gateways: gateways}, nil
}

// MarshalDirectData encodes a DirectData body, computing the CRC-32
// checksum when ForceChecksum is set.
func MarshalDirectData(d DirectData) []byte {
	checksum := d.Checksum
	if d.ForceChecksum && checksum == 0 {
		checksum = crc32.ChecksumIEEE(d.Bytes)
	}
	buf := make([]byte, 0, 1+4+len(d.Bytes))
	buf = append(buf, boolByte(d.ForceChecksum))
	if d.ForceChecksum {
		buf = binary.BigEndian.AppendUint32(buf, checksum)
	}
	buf = append(buf, d.Bytes...)
	return buf
}

// UnmarshalDirectData decodes a DirectData body and, when a checksum is
// present, verifies it — a mismatch is a ProtocolError per spec.md §8.
func UnmarshalDirectData(b []byte) (DirectData, error) {
	if len(b) < 1 {
		return DirectData{}, fmt.Errorf("%w: short direct-data body", ErrProtocol)
	}
	forced := getBool(b[0])
	rest := b[1:]
	var checksum uint32
	if forced {
		if len(rest) < 4 {
			return DirectData{}, fmt.Errorf("%w: short direct-data checksum", ErrProtocol)
		}
		checksum = binary.BigEndian.Uint32(rest[0:4])
		rest = rest[4:]
	}
	payload := append([]byte(nil), rest...)
	if forced {
		if actual := crc32.ChecksumIEEE(payload); actual != checksum {
			return DirectData{}, fmt.Errorf("%w: checksum mismatch, want %08x got %08x", ErrProtocol, checksum, actual)
		}
	}
	return DirectData{ForceChecksum: forced, Checksum: checksum, Bytes: payload}, nil
}

// MarshalGatewayData encodes a GatewayData body.
func MarshalGatewayData(g GatewayData) []byte {
	checksum := g.Checksum
	if g.ForceChecksum && checksum == 0 {
		checksum = crc32.ChecksumIEEE(g.Bytes)
	}
	buf := make([]byte, 0, 32+1+4+len(g.Bytes))
	buf = append(buf, g.Sender.Bytes()...)
	buf = append(buf, g.Receiver.Bytes()...)
	buf = append(buf, boolByte(g.ForceChecksum))
	if g.ForceChecksum {
		buf = binary.BigEndian.AppendUint32(buf, checksum)
	}
	buf = append(buf, g.Bytes...)
	return buf
}

// UnmarshalGatewayData decodes a GatewayData body, verifying the
// checksum when present.
func UnmarshalGatewayData(b []byte) (GatewayData, error) {
	if len(b) < 33 {
		return GatewayData{}, fmt.Errorf("%w: short gateway-data body", ErrProtocol)
	}
	sender, err := id.FromBytes(b[0:16])
	if err != nil {
		return GatewayData{}, fmt.Errorf("%w: %v", ErrProtocol, err)
	}
	receiver, err := id.FromBytes(b[16:32])
	if err != nil {
		return GatewayData{}, fmt.Errorf("%w: %v", ErrProtocol, err)
	}
	forced := getBool(b[32])
	rest := b[33:]
	var checksum uint32
	if forced {
		if len(rest) < 4 {
			return GatewayData{}, fmt.Errorf("%w: short gateway-data checksum", ErrProtocol)
		}
		checksum = binary.BigEndian.Uint32(rest[0:4])
		rest = rest[4:]
	}
	payload := append([]byte(nil), rest...)
	if forced {
		if actual := crc32.ChecksumIEEE(payload); actual != checksum {
			return GatewayData{}, fmt.Errorf("%w: checksum mismatch, want %08x got %08x", ErrProtocol, checksum, actual)
		}
	}
	return GatewayData{Sender: sender, Receiver: receiver, ForceChecksum: forced, Checksum: checksum, Bytes: payload}, nil
}

func boolByte(v bool) byte {
	if v {
		return 1
	}
	return 0
}

// PackBody prefixes a marshalled packet body with its tag byte, ready to
// be handed to PackPriority.
func PackBody(tag Tag, body []byte) []byte {
	out := make([]byte, 0, 1+len(body))
	out = append(out, byte(tag))
	return append(out, body...)
}

// SplitTag separates the leading tag byte from a frame body.
func SplitTag(body []byte) (Tag, []byte, error) {
	if len(body) < 1 {
		return 0, nil, fmt.Errorf("%w: empty packet body", ErrProtocol)
	}
	return Tag(body[0]), body[1:], nil
}
