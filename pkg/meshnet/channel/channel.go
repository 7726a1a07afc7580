package channel

import (
	"fmt"
	"sync"
	"time"

	"github.com/jabolina/go-meshnet/pkg/meshnet/id"
	"github.com/jabolina/go-meshnet/pkg/meshnet/socket"
	"github.com/jabolina/go-meshnet/pkg/meshnet/wire"
)

// ErrDuplicateLink is the HandshakeError raised when a second
// Established channel attempt arrives for a peer already established,
// per spec.md §4.E.
var ErrDuplicateLink = fmt.Errorf("channel: duplicate link")

// FrameSender is the subset of pool.WriterPool a Channel needs to emit
// control and data frames. Kept as a narrow interface so channel does
// not import pool directly (avoiding a cycle: pool is a lower layer).
type FrameSender interface {
	Enqueue(id socket.ID, priority uint8, bytes []byte) error
}

// Channel is the per-peer runtime object of spec.md §3/§4.E.
type Channel struct {
	mu sync.Mutex

	localIndex int
	peerAddr   id.SocketAddress4
	peerID     id.NodeId

	outboundID socket.ID
	inboundID  socket.ID // equals outboundID in single-link mode

	state     State
	isGateway bool
	behindNAT bool
	selfID    id.NodeId
	selfIsGW  bool
	selfNAT   bool

	lastHeartbeatSent time.Time
	lastHeartbeatRecv time.Time

	sender FrameSender
	cb     Callbacks

	dualLinkResponderConfirmed bool
	dualLinkInitiatorConfirmed bool
}

// Option configures a Channel at construction time.
type Option func(*Channel)

// WithGatewayFlag marks the local node as a gateway for handshake
// announcement.
func WithGatewayFlag(isGateway bool) Option {
	return func(c *Channel) { c.selfIsGW = isGateway }
}

// WithBehindNAT announces the local side as reachable only through a NAT,
// carried in the Handshake packet per spec.md §4.E.
func WithBehindNAT(behindNAT bool) Option {
	return func(c *Channel) { c.selfNAT = behindNAT }
}

// New constructs a Channel in the Connecting state for an outbound or
// inbound socket. selfID is the local node's identity, announced during
// handshake.
func New(localIndex int, peerAddr id.SocketAddress4, outboundID, inboundID socket.ID, selfID id.NodeId, sender FrameSender, cb Callbacks, opts ...Option) *Channel {
	if cb == nil {
		cb = NoopCallbacks{}
	}
	c := &Channel{
		localIndex: localIndex,
		peerAddr:   peerAddr,
		outboundID: outboundID,
		inboundID:  inboundID,
		state:      Connecting,
		selfID:     selfID,
		sender:     sender,
		cb:         cb,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Channel) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// PeerID returns the peer's identity, known only once Handshaking
// completes.
func (c *Channel) PeerID() id.NodeId {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.peerID
}

// IsGateway reports whether the peer announced itself as a gateway.
func (c *Channel) IsGateway() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.isGateway
}

// BehindNAT reports whether the peer announced itself as behind NAT.
func (c *Channel) BehindNAT() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.behindNAT
}

// OutboundID is the socket used to send data to the peer.
func (c *Channel) OutboundID() socket.ID { return c.outboundID }

// InboundID is the socket used to receive data from the peer (equal to
// OutboundID in single-link mode).
func (c *Channel) InboundID() socket.ID { return c.inboundID }

// PeerAddress returns the peer's socket address.
func (c *Channel) PeerAddress() id.SocketAddress4 { return c.peerAddr }

// LocalIndex returns the owning node's local index.
func (c *Channel) LocalIndex() int { return c.localIndex }

// MarkHandshaking transitions Connecting -> Handshaking on TCP readiness.
func (c *Channel) MarkHandshaking() { c.setState(Handshaking) }

// send packs tag+body into a priority frame and hands it to the writer
// pool for the outbound socket.
func (c *Channel) send(priority uint8, tag wire.Tag, body []byte) error {
	return c.sender.Enqueue(c.outboundID, priority, wire.PackBody(tag, body))
}

// SendHandshake emits a Handshake packet, always on priority 0 per
// spec.md §4.E.
func (c *Channel) SendHandshake(way wire.HandshakeWay) error {
	h := wire.Handshake{PeerID: c.selfID, IsGateway: c.selfIsGW, BehindNAT: c.selfNAT, Way: way}
	return c.send(0, wire.TagHandshake, wire.MarshalHandshake(h))
}

// SendHeartbeat emits a Heartbeat packet and records the send time.
func (c *Channel) SendHeartbeat(healthData uint8) error {
	c.mu.Lock()
	c.lastHeartbeatSent = time.Now()
	c.mu.Unlock()
	return c.send(0, wire.TagHeartbeat, wire.MarshalHeartbeat(wire.Heartbeat{HealthData: healthData}))
}

// SendAlive emits an Alive gossip packet announcing peerID reachable in
// hops hops from the sender.
func (c *Channel) SendAlive(peerID id.NodeId, hops uint16) error {
	return c.send(0, wire.TagAlive, wire.MarshalAlive(wire.Alive{PeerID: peerID, Hops: hops}))
}

// SendUnreachable emits an Unreachable diagnostic packet.
func (c *Channel) SendUnreachable(u wire.Unreachable) error {
	return c.send(0, wire.TagUnreachable, wire.MarshalUnreachable(u))
}

// SendRoute emits a Route discovery packet.
func (c *Channel) SendRoute(r wire.Route) error {
	return c.send(0, wire.TagRoute, wire.MarshalRoute(r))
}

// SendDirectData emits a DirectData packet at the given priority.
func (c *Channel) SendDirectData(priority uint8, forceChecksum bool, bytes []byte) error {
	d := wire.DirectData{ForceChecksum: forceChecksum, Bytes: bytes}
	return c.send(priority, wire.TagDirectData, wire.MarshalDirectData(d))
}

// SendGatewayData emits a GatewayData packet at the given priority.
func (c *Channel) SendGatewayData(priority uint8, sender, receiver id.NodeId, forceChecksum bool, bytes []byte) error {
	g := wire.GatewayData{Sender: sender, Receiver: receiver, ForceChecksum: forceChecksum, Bytes: bytes}
	return c.send(priority, wire.TagGatewayData, wire.MarshalGatewayData(g))
}

// HandleFrame dispatches one parsed frame to the registered Callbacks,
// tracking heartbeat liveness as a side effect.
func (c *Channel) HandleFrame(priority uint8, body []byte) error {
	tag, _, err := wire.SplitTag(body)
	if err == nil && tag == wire.TagHeartbeat {
		c.mu.Lock()
		c.lastHeartbeatRecv = time.Now()
		c.mu.Unlock()
	}
	return Dispatch(c, priority, body, c.cb)
}

// HeartbeatExpired reports whether no heartbeat has been received within
// timeout of now, the peer-dead condition of spec.md §4.E.
func (c *Channel) HeartbeatExpired(now time.Time, timeout time.Duration) bool {
	c.mu.Lock()
	last := c.lastHeartbeatRecv
	c.mu.Unlock()
	if last.IsZero() {
		return false
	}
	return now.Sub(last) > timeout
}

// DueForHeartbeat reports whether interval has elapsed since the last
// heartbeat was sent (or none has been sent yet).
func (c *Channel) DueForHeartbeat(now time.Time, interval time.Duration) bool {
	c.mu.Lock()
	last := c.lastHeartbeatSent
	c.mu.Unlock()
	if last.IsZero() {
		return true
	}
	return now.Sub(last) >= interval
}

// installEstablished finishes the Handshaking->Established transition
// once the peer's identity is known, firing OnEstablished exactly once
// (edge-triggered on channel install, per spec.md §9).
func (c *Channel) installEstablished(peerID id.NodeId, isGateway, behindNAT bool) {
	c.mu.Lock()
	c.peerID = peerID
	c.isGateway = isGateway
	c.behindNAT = behindNAT
	c.state = Established
	c.lastHeartbeatRecv = time.Now()
	c.mu.Unlock()
	c.cb.OnEstablished(c)
}

// Drain moves the channel to Draining, flushing queued writes
// best-effort before Close is eventually called.
func (c *Channel) Drain() { c.setState(Draining) }

// Close moves the channel to Closed and fires OnDestroyed exactly once.
func (c *Channel) Close() {
	c.mu.Lock()
	if c.state == Closed {
		c.mu.Unlock()
		return
	}
	c.state = Closed
	c.mu.Unlock()
	c.cb.OnDestroyed(c)
}
