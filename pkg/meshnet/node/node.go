package node

import (
	"sync"
	"time"

	"github.com/jabolina/go-meshnet/pkg/meshnet/channel"
	"github.com/jabolina/go-meshnet/pkg/meshnet/config"
	"github.com/jabolina/go-meshnet/pkg/meshnet/id"
	"github.com/jabolina/go-meshnet/pkg/meshnet/logging"
	"github.com/jabolina/go-meshnet/pkg/meshnet/metrics"
	"github.com/jabolina/go-meshnet/pkg/meshnet/poller"
	"github.com/jabolina/go-meshnet/pkg/meshnet/pool"
	"github.com/jabolina/go-meshnet/pkg/meshnet/socket"
	"github.com/jabolina/go-meshnet/pkg/meshnet/wire"
)

// Node owns one local index, its bound listeners, its own pools, and
// the set of peer channels reachable from it, per spec.md §4.G. It
// implements every pool callback interface and channel.Callbacks
// itself, acting as the glue between the transport layers below and
// the Callbacks it reports upward (ordinarily a meshpool.NodePool).
type Node struct {
	mu sync.Mutex

	index     int
	selfID    id.NodeId
	isGateway bool
	cfg       config.Config
	log       logging.Logger
	metrics   metrics.Sink
	callbacks Callbacks

	channels *channel.Map

	connecting *pool.ConnectingPool
	listeners  *pool.ListenerPool
	readers    *pool.ReaderPool
	writers    *pool.WriterPool

	listenerAddrs []id.SocketAddress4

	// pendingNAT tracks the behind-NAT flag an outbound connect should
	// announce once it completes, keyed by destination address
	// (sockets aren't allocated yet when ConnectHost is called).
	pendingNAT map[id.SocketAddress4]bool

	// draining holds channels that have started a graceful close and
	// are waiting for their writer queue to empty, keyed by outbound
	// socket id.
	draining map[socket.ID]*channel.Channel
}

// New constructs a Node bound to the given listener addresses (not yet
// listening; call Listen to start accepting).
func New(index int, selfID id.NodeId, isGateway bool, addrs []id.SocketAddress4, cfg config.Config, callbacks Callbacks, sink metrics.Sink, log logging.Logger) (*Node, error) {
	if callbacks == nil {
		callbacks = NoopCallbacks{}
	}
	if sink == nil {
		sink = metrics.NewNoop()
	}
	cfg = cfg.Normalize()
	n := &Node{
		index:         index,
		selfID:        selfID,
		isGateway:     isGateway,
		cfg:           cfg,
		log:           log,
		metrics:       sink,
		callbacks:     callbacks,
		channels:      channel.NewMap(),
		listenerAddrs: addrs,
		pendingNAT:    make(map[id.SocketAddress4]bool),
		draining:      make(map[socket.ID]*channel.Channel),
	}

	var err error
	n.connecting, err = pool.New(n, pool.NewTimeoutReconnectionPolicy(cfg.ReconnectAttempts, cfg.ReconnectTimeout), log)
	if err != nil {
		return nil, err
	}
	n.listeners, err = pool.NewListenerPool(n, log)
	if err != nil {
		return nil, err
	}
	n.readers, err = pool.NewReaderPool(n, log)
	if err != nil {
		return nil, err
	}
	n.writers, err = pool.NewWriterPool(int(cfg.FrameMTU), cfg.PriorityCount, 0, sink, log)
	if err != nil {
		return nil, err
	}
	n.writers.SetCallbacks(n)
	return n, nil
}

// Index returns the node's local index.
func (n *Node) Index() int { return n.index }

// SelfID returns the local node identity.
func (n *Node) SelfID() id.NodeId { return n.selfID }

// Listen starts every bound listener address with the given backlog.
func (n *Node) Listen(backlog int) error {
	for _, addr := range n.listenerAddrs {
		l, err := socket.NewListener(addr)
		if err != nil {
			return err
		}
		if err := n.listeners.AddListener(l, backlog); err != nil {
			return err
		}
	}
	return nil
}

// ConnectHost opens an outbound channel to addr. behindNAT is announced
// during the handshake.
func (n *Node) ConnectHost(addr id.SocketAddress4, behindNAT bool) error {
	n.mu.Lock()
	n.pendingNAT[addr] = behindNAT
	n.mu.Unlock()
	if _, err := n.connecting.Connect(addr); err != nil {
		n.mu.Lock()
		delete(n.pendingNAT, addr)
		n.mu.Unlock()
		return err
	}
	return nil
}

func (n *Node) takePendingNAT(addr id.SocketAddress4) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	behindNAT := n.pendingNAT[addr]
	delete(n.pendingNAT, addr)
	return behindNAT
}

// Step advances every pool by a single poll quantum and runs heartbeat /
// reconnection timers. It returns the number of events processed.
func (n *Node) Step(maxWait time.Duration) (int, error) {
	total := 0
	if c, err := n.connecting.Poll(0); err != nil {
		return total, err
	} else {
		total += c
	}
	if c, err := n.listeners.Poll(0); err != nil {
		return total, err
	} else {
		total += c
	}
	if c, err := n.readers.Poll(maxWait); err != nil {
		return total, err
	} else {
		total += c
	}
	if c, err := n.writers.Poll(0); err != nil {
		return total, err
	} else {
		total += c
	}
	total += n.connecting.Step(time.Now())
	n.runHeartbeats()
	return total, nil
}

func (n *Node) runHeartbeats() {
	now := time.Now()
	for _, ch := range n.channels.Established() {
		if ch.State() != channel.Established {
			continue
		}
		if ch.HeartbeatExpired(now, n.cfg.HeartbeatTimeout) {
			if n.log != nil {
				n.log.Warnf("meshnet: heartbeat timeout for peer %s, closing channel", ch.PeerID())
			}
			n.CloseChannel(ch)
			continue
		}
		if ch.DueForHeartbeat(now, n.cfg.HeartbeatInterval) {
			if err := ch.SendHeartbeat(0); err != nil && n.log != nil {
				n.log.Errorf("meshnet: send heartbeat to %s failed: %v", ch.PeerID(), err)
			}
		}
	}
}

// Close shuts down every pool owned by this node.
func (n *Node) Close() error {
	n.connecting.Close()
	n.listeners.Close()
	n.readers.Close()
	n.writers.Close()
	return nil
}

// EnqueueDirectData frames and enqueues a data payload on ch at the
// given priority. Fragmentation across multiple frames when bytes
// exceeds the MTU is handled by the writer queue's AcquireFrame loop,
// not here: each call to SendDirectData/SendGatewayData produces one
// logical packet whose body may itself span several frames once packed.
func (n *Node) EnqueueDirectData(ch *channel.Channel, priority uint8, forceChecksum bool, bytes []byte) error {
	if err := ch.SendDirectData(priority, forceChecksum, bytes); err != nil {
		return err
	}
	n.metrics.FrameSent(priority, len(bytes))
	return nil
}

// EnqueueGatewayData frames and enqueues a relayed payload on ch.
func (n *Node) EnqueueGatewayData(ch *channel.Channel, priority uint8, sender, receiver id.NodeId, forceChecksum bool, bytes []byte) error {
	if err := ch.SendGatewayData(priority, sender, receiver, forceChecksum, bytes); err != nil {
		return err
	}
	n.metrics.FrameSent(priority, len(bytes))
	return nil
}

// ChannelFor looks up the Established channel for peer, if any.
func (n *Node) ChannelFor(peer id.NodeId) (*channel.Channel, bool) {
	return n.channels.ByPeer(peer)
}

// EstablishedChannels returns a snapshot of every Established channel
// this node currently owns, used by meshpool for Alive gossip broadcast.
func (n *Node) EstablishedChannels() []*channel.Channel {
	return n.channels.Established()
}

// CloseChannel begins a graceful teardown of ch: queued writes are
// allowed to drain before the underlying sockets are released. Used for
// ordinary disconnects (heartbeat timeout, caller-initiated removal) as
// opposed to the abrupt close used on I/O failure.
func (n *Node) CloseChannel(ch *channel.Channel) {
	ch.Drain()
	n.channels.Remove(ch)
	if n.writers.QueueEmpty(ch.OutboundID()) {
		ch.Close()
		return
	}
	n.mu.Lock()
	n.draining[ch.OutboundID()] = ch
	n.mu.Unlock()
}

func (n *Node) newChannel(addr id.SocketAddress4, outboundID, inboundID socket.ID, behindNAT bool) *channel.Channel {
	return channel.New(n.index, addr, outboundID, inboundID, n.selfID, n.writers, n,
		channel.WithGatewayFlag(n.isGateway),
		channel.WithBehindNAT(behindNAT))
}

// --- pool.ConnectingCallbacks ---

// OnConnected fires once a non-blocking outbound connect completes. The
// connecting side always sends the initial handshake Request (spec.md
// §4.E).
func (n *Node) OnConnected(sock *socket.Socket) {
	addr := sock.PeerAddress()
	behindNAT := n.takePendingNAT(addr)

	n.readers.Add(sock)
	n.writers.Add(sock)

	ch := n.newChannel(addr, sock.ID(), sock.ID(), behindNAT)
	n.channels.TrackPending(ch)
	ch.MarkHandshaking()

	if err := ch.SendHandshake(wire.WayRequest); err != nil && n.log != nil {
		n.log.Errorf("meshnet: send handshake request to %s failed: %v", addr, err)
	}
}

// OnRefused fires once the reconnection policy exhausts its attempts
// for an outbound connect.
func (n *Node) OnRefused(addr id.SocketAddress4, reason poller.RefusedReason) {
	n.mu.Lock()
	delete(n.pendingNAT, addr)
	n.mu.Unlock()
	if n.log != nil {
		n.log.Warnf("meshnet: connect to %s refused, giving up (%v)", addr, reason)
	}
}

// --- pool.ListenerCallbacks ---

// OnAccepted fires once a listener accepts an inbound socket. The
// accepting side waits for the peer's handshake Request before
// replying, per spec.md §4.E.
func (n *Node) OnAccepted(sock *socket.Socket) {
	addr := sock.PeerAddress()

	n.readers.Add(sock)
	n.writers.Add(sock)

	ch := n.newChannel(addr, sock.ID(), sock.ID(), false)
	n.channels.TrackPending(ch)
	ch.MarkHandshaking()
}

// --- pool.ReaderCallbacks ---

// OnFrame routes a parsed frame to the channel owning id.
func (n *Node) OnFrame(sid socket.ID, priority uint8, body []byte) {
	ch, ok := n.channels.ByEitherSocket(sid)
	if !ok {
		return
	}
	if err := ch.HandleFrame(priority, body); err != nil {
		n.onProtocolFailure(ch, err)
	}
}

// OnDisconnected fires when a peer closed its socket gracefully.
func (n *Node) OnDisconnected(sid socket.ID) {
	if ch, ok := n.channels.ByEitherSocket(sid); ok {
		ch.Close()
	}
}

// OnProtocolError fires when a frame fails to parse, per spec.md §7
// requiring the owning channel be closed.
func (n *Node) OnProtocolError(sid socket.ID, err error) {
	if ch, ok := n.channels.ByEitherSocket(sid); ok {
		n.onProtocolFailure(ch, err)
	}
}

func (n *Node) onProtocolFailure(ch *channel.Channel, err error) {
	if n.log != nil {
		n.log.Errorf("meshnet: protocol error on channel to %s: %v", ch.PeerAddress(), err)
	}
	ch.Close()
}

// OnFailed reports a non-recoverable OS error on sid. It satisfies
// ListenerCallbacks, ReaderCallbacks and WriterCallbacks at once: all
// three share this exact signature, and a socket id is enough on its
// own to find (or fail to find) the owning channel regardless of which
// pool raised it.
func (n *Node) OnFailed(sid socket.ID, err error) {
	ch, ok := n.channels.ByEitherSocket(sid)
	if !ok {
		if n.log != nil {
			n.log.Errorf("meshnet: socket %d failed: %v", sid, err)
		}
		return
	}
	if n.log != nil {
		n.log.Errorf("meshnet: socket to %s failed: %v", ch.PeerAddress(), err)
	}
	ch.Close()
}

// --- pool.WriterCallbacks ---

// OnDrained completes a channel's graceful teardown once its queue has
// emptied, per the Draining state of spec.md §4.E.
func (n *Node) OnDrained(sid socket.ID) {
	n.mu.Lock()
	ch, ok := n.draining[sid]
	if ok {
		delete(n.draining, sid)
	}
	n.mu.Unlock()
	if ok {
		ch.Close()
	}
}

// --- channel.Callbacks ---

// OnHandshake negotiates the single-link handshake: the responder
// answers a Request with a Response, and whichever side sees the
// exchange complete installs the channel into the ChannelMap.
func (n *Node) OnHandshake(ch *channel.Channel, h wire.Handshake) {
	if ch.State() == channel.Established {
		return
	}
	if h.Way == wire.WayRequest {
		if err := ch.SendHandshake(wire.WayResponse); err != nil && n.log != nil {
			n.log.Errorf("meshnet: send handshake response to %s failed: %v", ch.PeerAddress(), err)
		}
	}

	if err := n.channels.Install(ch, h.PeerID, h.IsGateway, h.BehindNAT); err != nil {
		if n.log != nil {
			n.log.Warnf("meshnet: refusing duplicate link to %s: %v", h.PeerID, err)
		}
		ch.Close()
	}
}

// OnHeartbeat is a no-op: liveness bookkeeping already happened in
// Channel.HandleFrame before dispatch reached here.
func (n *Node) OnHeartbeat(ch *channel.Channel, h wire.Heartbeat) {}

func (n *Node) OnAlive(ch *channel.Channel, a wire.Alive) {
	n.callbacks.AliveReceived(n, ch, a.PeerID, a.Hops)
}

func (n *Node) OnUnreachable(ch *channel.Channel, u wire.Unreachable) {
	n.callbacks.UnreachableReceived(n, ch, u)
}

func (n *Node) OnRoute(ch *channel.Channel, r wire.Route) {
	n.callbacks.RouteReceived(n, ch, r)
}

func (n *Node) OnDirectData(ch *channel.Channel, priority uint8, bytes []byte) {
	peer := ch.PeerID()
	if peer.IsNil() {
		return
	}
	n.callbacks.MessageReceived(n, peer, priority, bytes)
}

func (n *Node) OnGatewayData(ch *channel.Channel, priority uint8, sender, receiver id.NodeId, bytes []byte) {
	n.callbacks.GatewayDataReceived(n, ch, sender, receiver, priority, bytes)
}

// OnEstablished fires exactly once, edge-triggered when the ChannelMap
// installs ch (spec.md §4.G).
func (n *Node) OnEstablished(ch *channel.Channel) {
	n.metrics.ChannelEstablished()
	n.callbacks.ChannelEstablished(n, ch, ch.PeerID(), ch.IsGateway())
}

// OnDestroyed releases ch's pooled resources and, if it ever reached
// Established, reports the loss upward. It is the single place every
// teardown path (abrupt close, graceful drain, duplicate-link refusal)
// converges on.
func (n *Node) OnDestroyed(ch *channel.Channel) {
	n.channels.Remove(ch)
	n.mu.Lock()
	delete(n.draining, ch.OutboundID())
	n.mu.Unlock()

	n.readers.Remove(ch.InboundID())
	n.writers.Remove(ch.OutboundID())
	if ch.InboundID() != ch.OutboundID() {
		n.readers.Remove(ch.OutboundID())
	}

	peer := ch.PeerID()
	if !peer.IsNil() {
		n.metrics.ChannelDestroyed()
		n.callbacks.ChannelDestroyed(n, peer)
	}
}
