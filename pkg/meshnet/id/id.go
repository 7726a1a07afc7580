// Package id defines the opaque identifiers used across the mesh: the
// 128-bit NodeId that names a peer and the IPv4 socket address type used
// to reach it.
package id

import (
	"encoding/binary"
	"fmt"

	"github.com/google/uuid"
)

// NodeId is an opaque, totally ordered, 128-bit identifier for a peer.
// It is serialised on the wire as exactly 16 bytes.
type NodeId [16]byte

// Nil is the zero NodeId, reserved and never assigned to a real peer.
var Nil NodeId

// New allocates a random NodeId.
func New() NodeId {
	return NodeId(uuid.New())
}

// FromBytes interprets b as a NodeId. b must be exactly 16 bytes.
func FromBytes(b []byte) (NodeId, error) {
	var n NodeId
	if len(b) != len(n) {
		return n, fmt.Errorf("id: expected %d bytes, got %d", len(n), len(b))
	}
	copy(n[:], b)
	return n, nil
}

// Bytes returns the 16-byte wire representation.
func (n NodeId) Bytes() []byte {
	out := make([]byte, len(n))
	copy(out, n[:])
	return out
}

// String renders the id in canonical UUID form.
func (n NodeId) String() string {
	return uuid.UUID(n).String()
}

// IsNil reports whether n is the zero id.
func (n NodeId) IsNil() bool {
	return n == Nil
}

// Compare returns -1, 0 or 1, establishing the total order required by
// §3 (used for the tie-break between equal-hop routes).
func (n NodeId) Compare(other NodeId) int {
	for i := range n {
		if n[i] != other[i] {
			if n[i] < other[i] {
				return -1
			}
			return 1
		}
	}
	return 0
}

// Less reports whether n sorts before other; convenience over Compare.
func (n NodeId) Less(other NodeId) bool {
	return n.Compare(other) < 0
}

// SocketAddress4 is an IPv4 address and port, stored host-order as
// specified by §3 ("addr: u32 host-order, port: u16").
type SocketAddress4 struct {
	Addr uint32
	Port uint16
}

// NewSocketAddress4 builds a SocketAddress4 from four octets and a port.
func NewSocketAddress4(a, b, c, d byte, port uint16) SocketAddress4 {
	return SocketAddress4{
		Addr: uint32(a)<<24 | uint32(b)<<16 | uint32(c)<<8 | uint32(d),
		Port: port,
	}
}

// Octets decomposes Addr into its four network-order bytes.
func (s SocketAddress4) Octets() [4]byte {
	return [4]byte{
		byte(s.Addr >> 24),
		byte(s.Addr >> 16),
		byte(s.Addr >> 8),
		byte(s.Addr),
	}
}

// String renders the address as "a.b.c.d:port".
func (s SocketAddress4) String() string {
	o := s.Octets()
	return fmt.Sprintf("%d.%d.%d.%d:%d", o[0], o[1], o[2], o[3], s.Port)
}

// MarshalBinary writes the big-endian wire form: 4-byte addr, 2-byte port.
func (s SocketAddress4) MarshalBinary() []byte {
	buf := make([]byte, 6)
	binary.BigEndian.PutUint32(buf[0:4], s.Addr)
	binary.BigEndian.PutUint16(buf[4:6], s.Port)
	return buf
}

// UnmarshalSocketAddress4 reads the wire form produced by MarshalBinary.
func UnmarshalSocketAddress4(b []byte) (SocketAddress4, error) {
	if len(b) < 6 {
		return SocketAddress4{}, fmt.Errorf("id: short socket address, need 6 bytes got %d", len(b))
	}
	return SocketAddress4{
		Addr: binary.BigEndian.Uint32(b[0:4]),
		Port: binary.BigEndian.Uint16(b[4:6]),
	}, nil
}
