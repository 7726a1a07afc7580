// Package meshpool implements the node pool and routing layer of
// spec.md §4.H: one or more Node instances sharing a single self
// identity and routing table, gossip-driven route maintenance across
// gateway relays, message forwarding, and unreachable-notification
// rate limiting.
package meshpool

import "github.com/jabolina/go-meshnet/pkg/meshnet/id"

// Callbacks is the embedder-facing surface of a NodePool, matching the
// registration points named in spec.md §6.
type Callbacks interface {
	ChannelEstablished(peer id.NodeId, isGateway bool)
	ChannelDestroyed(peer id.NodeId)
	NodeAlive(peer id.NodeId)
	NodeExpired(peer id.NodeId)
	MessageReceived(from id.NodeId, priority uint8, bytes []byte)
}

// NoopCallbacks discards every event, the default until the embedder
// wires its own implementation.
type NoopCallbacks struct{}

func (NoopCallbacks) ChannelEstablished(id.NodeId, bool) {}
func (NoopCallbacks) ChannelDestroyed(id.NodeId) {}
func (NoopCallbacks) NodeAlive(id.NodeId) {}
func (NoopCallbacks) NodeExpired(id.NodeId) {}
func (NoopCallbacks) MessageReceived(id.NodeId, uint8, []byte) {}
