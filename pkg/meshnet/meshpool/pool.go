package meshpool

import (
	"fmt"
	"sync"
	"time"

	"github.com/jabolina/go-meshnet/pkg/meshnet/channel"
	"github.com/jabolina/go-meshnet/pkg/meshnet/config"
	"github.com/jabolina/go-meshnet/pkg/meshnet/id"
	"github.com/jabolina/go-meshnet/pkg/meshnet/logging"
	"github.com/jabolina/go-meshnet/pkg/meshnet/metrics"
	"github.com/jabolina/go-meshnet/pkg/meshnet/node"
	"github.com/jabolina/go-meshnet/pkg/meshnet/wire"
)

// EnqueueResult reports whether EnqueueMessage accepted a message for
// transmission, matching spec.md §6's enqueue_message -> {Enqueued,
// Unreachable}.
type EnqueueResult int

const (
	Enqueued EnqueueResult = iota
	Unreachable
)

func (r EnqueueResult) String() string {
	if r == Enqueued {
		return "Enqueued"
	}
	return "Unreachable"
}

type unreachableKey struct {
	sender, receiver id.NodeId
}

// NodePool owns one or more Node instances sharing a single self_id and
// routing table, per spec.md §4.H. It implements node.Callbacks to
// receive every event its owned Nodes report and drives route
// maintenance, gossip and forwarding from there.
type NodePool struct {
	mu sync.Mutex

	selfID    id.NodeId
	isGateway bool
	cfg       config.Config
	log       logging.Logger
	metrics   metrics.Sink
	callbacks Callbacks
	strategy  channel.HandshakeStrategy

	nodes   []*node.Node
	routing *RoutingTable

	lastAliveBroadcast time.Time
	unreachableSentAt  map[unreachableKey]time.Time

	interrupted bool
}

// Option configures a NodePool at construction.
type Option func(*NodePool)

// WithHandshakeStrategy sets the handshake strategy the pool reports in
// its construction log line. Defaults to channel.SingleLink(). The
// strategy is not passed to the Nodes this pool adds: every Node
// performs the single-link handshake.
func WithHandshakeStrategy(s channel.HandshakeStrategy) Option {
	return func(p *NodePool) { p.strategy = s }
}

// WithMetrics attaches a telemetry sink. Defaults to metrics.NewNoop().
func WithMetrics(sink metrics.Sink) Option {
	return func(p *NodePool) { p.metrics = sink }
}

// WithLogger attaches a diagnostics logger.
func WithLogger(log logging.Logger) Option {
	return func(p *NodePool) { p.log = log }
}

// New constructs a NodePool for selfID, matching spec.md §6's
// new(self_id, is_gateway).
func New(selfID id.NodeId, isGateway bool, cfg config.Config, callbacks Callbacks, opts ...Option) *NodePool {
	if callbacks == nil {
		callbacks = NoopCallbacks{}
	}
	cfg = cfg.Normalize()
	p := &NodePool{
		selfID:            selfID,
		isGateway:         isGateway,
		cfg:               cfg,
		callbacks:         callbacks,
		strategy:          channel.SingleLink(),
		metrics:           metrics.NewNoop(),
		routing:           NewRoutingTable(cfg.MaxHops),
		unreachableSentAt: make(map[unreachableKey]time.Time),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.log != nil {
		p.log.Infof("meshnet: node pool %s starting (gateway=%v, handshake=%v)", selfID, isGateway, p.strategy.Mode())
	}
	return p
}

// SelfID returns this pool's node identity.
func (p *NodePool) SelfID() id.NodeId { return p.selfID }

// AddNode binds a new Node to addrs and returns its node_index, per
// spec.md §6's add_node.
func (p *NodePool) AddNode(addrs []id.SocketAddress4) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	idx := len(p.nodes)
	n, err := node.New(idx, p.selfID, p.isGateway, addrs, p.cfg, p, p.metrics, p.log)
	if err != nil {
		return 0, err
	}
	p.nodes = append(p.nodes, n)
	return idx, nil
}

func (p *NodePool) nodeAt(idx int) (*node.Node, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if idx < 0 || idx >= len(p.nodes) {
		return nil, fmt.Errorf("meshpool: no such node index %d", idx)
	}
	return p.nodes[idx], nil
}

// Listen starts node idx's bound listeners.
func (p *NodePool) Listen(idx int, backlog int) error {
	n, err := p.nodeAt(idx)
	if err != nil {
		return err
	}
	return n.Listen(backlog)
}

// ConnectHost opens an outbound channel from node idx to saddr.
func (p *NodePool) ConnectHost(idx int, saddr id.SocketAddress4, behindNAT bool) error {
	n, err := p.nodeAt(idx)
	if err != nil {
		return err
	}
	return n.ConnectHost(saddr, behindNAT)
}

// RoutingSnapshot exposes the current routing table for diagnostics.
func (p *NodePool) RoutingSnapshot() []RouteEntry {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.routing.Snapshot()
}

// EnqueueMessage implements the forwarding logic of spec.md §4.H.3:
// direct delivery when a route is zero-hop, gateway relay otherwise,
// and an Unreachable notification (rate-limited) when no route exists.
func (p *NodePool) EnqueueMessage(dst id.NodeId, priority uint8, bytes []byte) EnqueueResult {
	if dst == p.selfID {
		if p.log != nil {
			p.log.Errorf("meshnet: enqueue_message to self (%s) rejected", dst)
		}
		return Unreachable
	}

	route, ok := p.lookupRoute(dst)
	if !ok {
		if !p.rateLimited(p.selfID, dst) && p.log != nil {
			p.log.Warnf("meshnet: no route to %s, message dropped", dst)
		}
		return Unreachable
	}

	ch, n, ok := p.channelTo(route.NextHop)
	if !ok {
		return Unreachable
	}

	var err error
	if route.Hops == 0 {
		err = n.EnqueueDirectData(ch, priority, false, bytes)
	} else {
		err = n.EnqueueGatewayData(ch, priority, p.selfID, dst, false, bytes)
	}
	if err != nil {
		if p.log != nil {
			p.log.Errorf("meshnet: enqueue to %s via %s failed: %v", dst, route.NextHop, err)
		}
		return Unreachable
	}
	return Enqueued
}

func (p *NodePool) lookupRoute(dst id.NodeId) (RouteEntry, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.routing.Lookup(dst)
}

// channelTo finds the Established channel (and owning Node) for peer
// across every node this pool owns.
func (p *NodePool) channelTo(peer id.NodeId) (*channel.Channel, *node.Node, bool) {
	p.mu.Lock()
	nodes := append([]*node.Node(nil), p.nodes...)
	p.mu.Unlock()
	for _, n := range nodes {
		if ch, ok := n.ChannelFor(peer); ok {
			return ch, n, true
		}
	}
	return nil, nil, false
}

func (p *NodePool) rateLimited(sender, receiver id.NodeId) bool {
	key := unreachableKey{sender, receiver}
	now := time.Now()
	p.mu.Lock()
	defer p.mu.Unlock()
	if last, ok := p.unreachableSentAt[key]; ok && now.Sub(last) < p.cfg.UnreachableBackoff {
		return true
	}
	p.unreachableSentAt[key] = now
	return false
}

// relayUnreachable sends Unreachable{gw, sender, receiver} back toward
// sender over this pool's own routing, per spec.md §4.H.4.
func (p *NodePool) relayUnreachable(gw, sender, receiver id.NodeId) {
	if p.rateLimited(sender, receiver) {
		return
	}
	route, ok := p.lookupRoute(sender)
	if !ok {
		if p.log != nil {
			p.log.Warnf("meshnet: cannot relay unreachable(%s) to %s: no route", receiver, sender)
		}
		return
	}
	ch, _, ok := p.channelTo(route.NextHop)
	if !ok {
		return
	}
	u := wire.Unreachable{Gateway: gw, Sender: sender, Receiver: receiver}
	if err := ch.SendUnreachable(u); err != nil && p.log != nil {
		p.log.Errorf("meshnet: send unreachable to %s failed: %v", route.NextHop, err)
	}
}

// Step advances every owned Node by one poll quantum, then runs the
// pool-level periodic work: Alive gossip broadcast and route expiry
// sweep. maxWait bounds the first node's poll; subsequent nodes poll
// without blocking so the total call never waits longer than maxWait.
func (p *NodePool) Step(maxWait time.Duration) (int, error) {
	p.mu.Lock()
	if p.interrupted {
		p.mu.Unlock()
		return 0, nil
	}
	nodes := append([]*node.Node(nil), p.nodes...)
	p.mu.Unlock()

	total := 0
	for i, n := range nodes {
		wait := time.Duration(0)
		if i == 0 {
			wait = maxWait
		}
		c, err := n.Step(wait)
		if err != nil {
			return total, err
		}
		total += c
	}
	p.maybeBroadcastAlive()
	p.sweepExpired()
	return total, nil
}

// Run drives Step in a loop, polling every interval, until Interrupt is
// called.
func (p *NodePool) Run(interval time.Duration) error {
	for {
		p.mu.Lock()
		stop := p.interrupted
		p.mu.Unlock()
		if stop {
			return nil
		}
		if _, err := p.Step(interval); err != nil {
			return err
		}
	}
}

// Interrupt stops a running Run loop and further Step calls.
func (p *NodePool) Interrupt() {
	p.mu.Lock()
	p.interrupted = true
	p.mu.Unlock()
}

// Close shuts down every owned Node.
func (p *NodePool) Close() error {
	p.mu.Lock()
	nodes := append([]*node.Node(nil), p.nodes...)
	p.mu.Unlock()
	var first error
	for _, n := range nodes {
		if err := n.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// maybeBroadcastAlive announces self-liveness to every direct peer on
// alive_interval, and — for gateway pools — re-advertises every other
// known route with its hop count incremented, up to max_hops, applying
// split horizon (never advertise a route back to the peer it came
// from), per spec.md §4.H.1.
func (p *NodePool) maybeBroadcastAlive() {
	p.mu.Lock()
	if time.Since(p.lastAliveBroadcast) < p.cfg.AliveInterval {
		p.mu.Unlock()
		return
	}
	p.lastAliveBroadcast = time.Now()
	isGateway := p.isGateway
	var snapshot []RouteEntry
	if isGateway {
		snapshot = p.routing.Snapshot()
	}
	nodes := append([]*node.Node(nil), p.nodes...)
	p.mu.Unlock()

	for _, n := range nodes {
		for _, ch := range n.EstablishedChannels() {
			peer := ch.PeerID()
			if err := ch.SendAlive(p.selfID, 0); err != nil && p.log != nil {
				p.log.Errorf("meshnet: alive broadcast to %s failed: %v", peer, err)
			}
			if !isGateway {
				continue
			}
			for _, entry := range snapshot {
				if entry.Destination == p.selfID || entry.Destination == peer || entry.NextHop == peer {
					continue
				}
				nextHops := entry.Hops + 1
				if nextHops > p.cfg.MaxHops {
					continue
				}
				if err := ch.SendAlive(entry.Destination, nextHops); err != nil && p.log != nil {
					p.log.Errorf("meshnet: alive relay to %s failed: %v", peer, err)
				}
			}
		}
	}
}

func (p *NodePool) sweepExpired() {
	p.mu.Lock()
	expired := p.routing.ExpireStale(p.cfg.AliveTimeout, time.Now())
	p.mu.Unlock()
	for _, dest := range expired {
		p.metrics.RouteExpired()
		p.callbacks.NodeExpired(dest)
	}
}
