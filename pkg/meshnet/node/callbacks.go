// Package node implements a single node of spec.md §4.G: one local
// listener address (or several), its pollers/pools, and the set of
// peer channels reachable from it.
package node

import (
	"github.com/jabolina/go-meshnet/pkg/meshnet/channel"
	"github.com/jabolina/go-meshnet/pkg/meshnet/id"
	"github.com/jabolina/go-meshnet/pkg/meshnet/wire"
)

// Callbacks is the upward-facing surface a Node reports to its owner
// (ordinarily a meshpool.NodePool), matching spec.md §4.G.
type Callbacks interface {
	ChannelEstablished(n *Node, ch *channel.Channel, peer id.NodeId, isGateway bool)
	ChannelDestroyed(n *Node, peer id.NodeId)
	MessageReceived(n *Node, from id.NodeId, priority uint8, bytes []byte)
	GatewayDataReceived(n *Node, via *channel.Channel, sender, receiver id.NodeId, priority uint8, bytes []byte)
	AliveReceived(n *Node, via *channel.Channel, peer id.NodeId, hops uint16)
	UnreachableReceived(n *Node, via *channel.Channel, u wire.Unreachable)
	RouteReceived(n *Node, via *channel.Channel, r wire.Route)
}

// NoopCallbacks discards every event, the default until the owner wires
// its own implementation.
type NoopCallbacks struct{}

func (NoopCallbacks) ChannelEstablished(*Node, *channel.Channel, id.NodeId, bool) {}
func (NoopCallbacks) ChannelDestroyed(*Node, id.NodeId) {}
func (NoopCallbacks) MessageReceived(*Node, id.NodeId, uint8, []byte) {}
func (NoopCallbacks) GatewayDataReceived(*Node, *channel.Channel, id.NodeId, id.NodeId, uint8, []byte) {
}
func (NoopCallbacks) AliveReceived(*Node, *channel.Channel, id.NodeId, uint16) {}
func (NoopCallbacks) UnreachableReceived(*Node, *channel.Channel, wire.Unreachable) {}
func (NoopCallbacks) RouteReceived(*Node, *channel.Channel, wire.Route) {}
