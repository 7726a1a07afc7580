package channel

import (
	"github.com/jabolina/go-meshnet/pkg/meshnet/id"
	"github.com/jabolina/go-meshnet/pkg/meshnet/wire"
)

// Callbacks is the input-processor dispatch surface of spec.md §4.F,
// invoked synchronously on the pool's thread as each frame is parsed.
// A nil method is never called: NoopCallbacks supplies every slot with
// a do-nothing default, matching the without_* convention named in
// spec.md §9.
type Callbacks interface {
	OnHandshake(ch *Channel, h wire.Handshake)
	OnHeartbeat(ch *Channel, h wire.Heartbeat)
	OnAlive(ch *Channel, a wire.Alive)
	OnUnreachable(ch *Channel, u wire.Unreachable)
	OnRoute(ch *Channel, r wire.Route)
	OnDirectData(ch *Channel, priority uint8, bytes []byte)
	OnGatewayData(ch *Channel, priority uint8, sender, receiver id.NodeId, bytes []byte)
	// OnEstablished fires once, edge-triggered on channel install (§4.G).
	OnEstablished(ch *Channel)
	// OnDestroyed fires once the channel reaches Closed.
	OnDestroyed(ch *Channel)
}

// NoopCallbacks implements Callbacks by doing nothing, the default
// until a caller wires its own, mirroring original_source's
// without_callbacks.hpp.
type NoopCallbacks struct{}

func (NoopCallbacks) OnHandshake(*Channel, wire.Handshake) {}
func (NoopCallbacks) OnHeartbeat(*Channel, wire.Heartbeat) {}
func (NoopCallbacks) OnAlive(*Channel, wire.Alive) {}
func (NoopCallbacks) OnUnreachable(*Channel, wire.Unreachable) {}
func (NoopCallbacks) OnRoute(*Channel, wire.Route) {}
func (NoopCallbacks) OnDirectData(*Channel, uint8, []byte) {}
func (NoopCallbacks) OnGatewayData(*Channel, uint8, id.NodeId, id.NodeId, []byte) {}
func (NoopCallbacks) OnEstablished(*Channel) {}
func (NoopCallbacks) OnDestroyed(*Channel) {}

// Dispatch parses a frame's body (priority + tagged payload) and routes
// it to the matching Callbacks method. It is the InputProcessor of
// spec.md §4.F.
func Dispatch(ch *Channel, priority uint8, body []byte, cb Callbacks) error {
	tag, rest, err := wire.SplitTag(body)
	if err != nil {
		return err
	}
	switch tag {
	case wire.TagHandshake:
		h, err := wire.UnmarshalHandshake(rest)
		if err != nil {
			return err
		}
		cb.OnHandshake(ch, h)
	case wire.TagHeartbeat:
		h, err := wire.UnmarshalHeartbeat(rest)
		if err != nil {
			return err
		}
		cb.OnHeartbeat(ch, h)
	case wire.TagAlive:
		a, err := wire.UnmarshalAlive(rest)
		if err != nil {
			return err
		}
		cb.OnAlive(ch, a)
	case wire.TagUnreachable:
		u, err := wire.UnmarshalUnreachable(rest)
		if err != nil {
			return err
		}
		cb.OnUnreachable(ch, u)
	case wire.TagRoute:
		r, err := wire.UnmarshalRoute(rest)
		if err != nil {
			return err
		}
		cb.OnRoute(ch, r)
	case wire.TagDirectData:
		d, err := wire.UnmarshalDirectData(rest)
		if err != nil {
			return err
		}
		cb.OnDirectData(ch, priority, d.Bytes)
	case wire.TagGatewayData:
		g, err := wire.UnmarshalGatewayData(rest)
		if err != nil {
			return err
		}
		cb.OnGatewayData(ch, priority, g.Sender, g.Receiver, g.Bytes)
	default:
		return wire.ErrProtocol
	}
	return nil
}
