package meshpool

import (
	"time"

	"github.com/jabolina/go-meshnet/pkg/meshnet/channel"
	"github.com/jabolina/go-meshnet/pkg/meshnet/id"
	"github.com/jabolina/go-meshnet/pkg/meshnet/node"
	"github.com/jabolina/go-meshnet/pkg/meshnet/wire"
)

// NodePool implements node.Callbacks, receiving every event each owned
// Node reports and translating it into routing-table maintenance and
// the pool's own Callbacks surface.

func (p *NodePool) ChannelEstablished(_ *node.Node, ch *channel.Channel, peer id.NodeId, isGateway bool) {
	now := time.Now()
	p.mu.Lock()
	p.routing.InsertDirect(peer, now)
	p.routing.SetFlags(peer, PeerFlags{IsGateway: isGateway, BehindNAT: ch.BehindNAT()})
	p.mu.Unlock()
	p.metrics.RouteInstalled()
	if p.log != nil {
		p.log.Infof("meshnet: channel established with %s (gateway=%v)", peer, isGateway)
	}
	p.callbacks.ChannelEstablished(peer, isGateway)
}

func (p *NodePool) ChannelDestroyed(_ *node.Node, peer id.NodeId) {
	p.mu.Lock()
	removed := p.routing.RemoveViaPeer(peer)
	p.mu.Unlock()
	if p.log != nil {
		p.log.Infof("meshnet: channel destroyed with %s", peer)
	}
	p.callbacks.ChannelDestroyed(peer)
	for _, dest := range removed {
		if dest == peer {
			continue
		}
		p.metrics.RouteExpired()
		p.callbacks.NodeExpired(dest)
	}
}

func (p *NodePool) MessageReceived(_ *node.Node, from id.NodeId, priority uint8, bytes []byte) {
	p.callbacks.MessageReceived(from, priority, bytes)
}

// GatewayDataReceived implements the gateway re-forward logic of spec.md
// §4.H.4: data addressed to us is delivered upward, otherwise it is
// relayed toward the real receiver (always carrying the original
// sender/receiver, even on the final hop, so the eventual recipient's
// MessageReceived still names the true sender rather than the relay).
func (p *NodePool) GatewayDataReceived(_ *node.Node, _ *channel.Channel, sender, receiver id.NodeId, priority uint8, bytes []byte) {
	if receiver == p.selfID {
		p.callbacks.MessageReceived(sender, priority, bytes)
		return
	}

	route, ok := p.lookupRoute(receiver)
	if !ok {
		p.relayUnreachable(p.selfID, sender, receiver)
		return
	}
	ch, n, ok := p.channelTo(route.NextHop)
	if !ok {
		p.relayUnreachable(p.selfID, sender, receiver)
		return
	}
	if err := n.EnqueueGatewayData(ch, priority, sender, receiver, false, bytes); err != nil && p.log != nil {
		p.log.Errorf("meshnet: gateway re-forward to %s via %s failed: %v", receiver, route.NextHop, err)
	}
}

func (p *NodePool) AliveReceived(_ *node.Node, via *channel.Channel, origin id.NodeId, hops uint16) {
	if origin == p.selfID {
		return
	}
	neighbor := via.PeerID()
	p.mu.Lock()
	installed, firstSeen := p.routing.ObserveAlive(origin, neighbor, hops, time.Now())
	p.mu.Unlock()
	if installed {
		p.metrics.RouteInstalled()
	}
	if firstSeen {
		p.callbacks.NodeAlive(origin)
	}
}

func (p *NodePool) UnreachableReceived(_ *node.Node, _ *channel.Channel, u wire.Unreachable) {
	if u.Sender == p.selfID {
		if p.log != nil {
			p.log.Warnf("meshnet: %s reports %s unreachable from us", u.Gateway, u.Receiver)
		}
		return
	}
	p.relayUnreachable(u.Gateway, u.Sender, u.Receiver)
}

// RouteReceived implements the optional on-demand route-discovery
// protocol of spec.md §4.H.5: a request is either answered (if we are
// the named responder) or forwarded one hop closer using our own
// routing table, appending ourselves to the path; a response addressed
// to us installs a route to the responder with hops equal to the path
// length travelled.
func (p *NodePool) RouteReceived(_ *node.Node, via *channel.Channel, r wire.Route) {
	switch r.Way {
	case wire.WayRequest:
		if r.Responder == p.selfID {
			resp := wire.Route{
				Way:       wire.WayResponse,
				Initiator: r.Initiator,
				Responder: p.selfID,
				Gateways:  append(append([]id.NodeId(nil), r.Gateways...), p.selfID),
			}
			if err := via.SendRoute(resp); err != nil && p.log != nil {
				p.log.Errorf("meshnet: route response to %s failed: %v", r.Initiator, err)
			}
			return
		}
		route, ok := p.lookupRoute(r.Responder)
		if !ok {
			return
		}
		ch, _, ok := p.channelTo(route.NextHop)
		if !ok {
			return
		}
		fwd := wire.Route{
			Way:       wire.WayRequest,
			Initiator: r.Initiator,
			Responder: r.Responder,
			Gateways:  append(append([]id.NodeId(nil), r.Gateways...), p.selfID),
		}
		if err := ch.SendRoute(fwd); err != nil && p.log != nil {
			p.log.Errorf("meshnet: route request forward to %s failed: %v", route.NextHop, err)
		}

	case wire.WayResponse:
		if r.Initiator != p.selfID {
			route, ok := p.lookupRoute(r.Initiator)
			if !ok {
				return
			}
			ch, _, ok := p.channelTo(route.NextHop)
			if !ok {
				return
			}
			if err := ch.SendRoute(r); err != nil && p.log != nil {
				p.log.Errorf("meshnet: route response forward to %s failed: %v", route.NextHop, err)
			}
			return
		}
		hops := uint16(len(r.Gateways))
		p.mu.Lock()
		installed, _ := p.routing.ObserveAlive(r.Responder, via.PeerID(), hops, time.Now())
		p.mu.Unlock()
		if installed {
			p.metrics.RouteInstalled()
		}
	}
}

// DiscoverRoute emits an on-demand Route request toward responder over
// every established channel this pool owns, per spec.md §4.H.5. It does
// not block for the response: a successful reply arrives later via
// RouteReceived and installs the route as a side effect.
func (p *NodePool) DiscoverRoute(responder id.NodeId) {
	p.mu.Lock()
	nodes := append([]*node.Node(nil), p.nodes...)
	p.mu.Unlock()
	req := wire.Route{Way: wire.WayRequest, Initiator: p.selfID, Responder: responder, Gateways: nil}
	for _, n := range nodes {
		for _, ch := range n.EstablishedChannels() {
			if err := ch.SendRoute(req); err != nil && p.log != nil {
				p.log.Errorf("meshnet: route discovery to %s failed: %v", ch.PeerID(), err)
			}
		}
	}
}
