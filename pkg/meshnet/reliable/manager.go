package reliable

import (
	"sync"
	"time"

	"github.com/jabolina/go-meshnet/pkg/meshnet/id"
	"github.com/jabolina/go-meshnet/pkg/meshnet/logging"
	"github.com/jabolina/go-meshnet/pkg/meshnet/meshpool"
	"github.com/jabolina/go-meshnet/pkg/meshnet/metrics"
)

// Default retry tunables for spec.md §4.I's retry_timeout: the first
// retry fires after DefaultRetryTimeout, doubling on each subsequent
// attempt up to DefaultMaxRetryTimeout.
const (
	DefaultRetryTimeout    = 2 * time.Second
	DefaultMaxRetryTimeout = 30 * time.Second
	DefaultMaxAttempts     = 5
	defaultDedupWindow     = 4096
)

// Callbacks is the reliable layer's upward-facing surface, matching
// spec.md §6's on_message_received/on_message_delivered/on_message_lost.
type Callbacks interface {
	MessageReceived(from id.NodeId, msgid MessageID, priority uint8, bytes []byte)
	MessageDelivered(to id.NodeId, msgid MessageID)
	MessageLost(to id.NodeId, msgid MessageID)
}

// NoopCallbacks discards every event.
type NoopCallbacks struct{}

func (NoopCallbacks) MessageReceived(id.NodeId, MessageID, uint8, []byte) {}
func (NoopCallbacks) MessageDelivered(id.NodeId, MessageID) {}
func (NoopCallbacks) MessageLost(id.NodeId, MessageID) {}

type inboundState struct {
	dedup *dedupWindow
}

// Manager is the reliable delivery layer of spec.md §4.I. It sits above
// a meshpool.NodePool and drives it solely through EnqueueMessage and
// the MessageReceived events the embedder forwards to OnMessageReceived
// — the "uses only its enqueue_message / message_received surface"
// constraint named in the spec.
type Manager struct {
	mu sync.Mutex

	pool      *meshpool.NodePool
	store     Store
	callbacks Callbacks
	log       logging.Logger
	metrics   metrics.Sink

	retryTimeout time.Duration
	maxRetry     time.Duration
	maxAttempts  uint32

	outSeq  map[id.NodeId]uint64
	inbound map[id.NodeId]*inboundState
}

// Option configures a Manager at construction.
type Option func(*Manager)

// WithStore selects the pending-message store. Defaults to a
// NewMemoryStore(); pass an *OpenBoltStore result for durability.
func WithStore(s Store) Option { return func(m *Manager) { m.store = s } }

// WithRetryTimeout overrides the initial retry delay.
func WithRetryTimeout(d time.Duration) Option { return func(m *Manager) { m.retryTimeout = d } }

// WithMaxRetryTimeout caps the exponential retry backoff.
func WithMaxRetryTimeout(d time.Duration) Option { return func(m *Manager) { m.maxRetry = d } }

// WithMaxAttempts caps how many times a message is sent in total, the
// first send included, before MessageLost fires.
func WithMaxAttempts(n uint32) Option { return func(m *Manager) { m.maxAttempts = n } }

// WithLogger attaches a diagnostics logger.
func WithLogger(log logging.Logger) Option { return func(m *Manager) { m.log = log } }

// WithMetrics attaches a telemetry sink.
func WithMetrics(sink metrics.Sink) Option { return func(m *Manager) { m.metrics = sink } }

// New builds a Manager driving pool. The embedder is responsible for
// routing pool's MessageReceived events into OnMessageReceived — kept
// external so this package's only dependency on meshpool is the narrow
// EnqueueMessage surface spec.md §4.I names.
func New(pool *meshpool.NodePool, callbacks Callbacks, opts ...Option) *Manager {
	if callbacks == nil {
		callbacks = NoopCallbacks{}
	}
	m := &Manager{
		pool:         pool,
		store:        NewMemoryStore(),
		callbacks:    callbacks,
		metrics:      metrics.NewNoop(),
		retryTimeout: DefaultRetryTimeout,
		maxRetry:     DefaultMaxRetryTimeout,
		maxAttempts:  DefaultMaxAttempts,
		outSeq:       make(map[id.NodeId]uint64),
		inbound:      make(map[id.NodeId]*inboundState),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Manager) retryDelay(attempt uint32) time.Duration {
	d := m.retryTimeout
	for i := uint32(1); i < attempt; i++ {
		d *= 2
		if d >= m.maxRetry {
			return m.maxRetry
		}
	}
	return d
}

// EnqueuePayload implements spec.md §4.I's enqueue_payload: records a
// pending entry keyed by a fresh msgid, sends the PayloadPacket through
// the pool, and schedules its first retry.
func (m *Manager) EnqueuePayload(dst id.NodeId, priority uint8, bytes []byte) (MessageID, error) {
	msgid := id.New()

	m.mu.Lock()
	seq := m.outSeq[dst]
	m.outSeq[dst] = seq + 1
	m.mu.Unlock()

	payload := MarshalPayload(PayloadPacket{MsgID: msgid, Seq: seq, Priority: priority, Bytes: bytes})
	msg := PendingMessage{
		Dest:      dst,
		MsgID:     msgid,
		Priority:  priority,
		Payload:   payload,
		Attempts:  1,
		NextRetry: time.Now().Add(m.retryDelay(1)),
	}
	if err := m.store.Insert(dst, msg); err != nil {
		return msgid, err
	}
	m.pool.EnqueueMessage(dst, priority, payload)
	return msgid, nil
}

// EnqueueReport sends a one-shot, unacknowledged message: never stored
// as pending, never retried.
func (m *Manager) EnqueueReport(dst id.NodeId, priority uint8, bytes []byte) {
	m.pool.EnqueueMessage(dst, priority, MarshalReport(ReportPacket{Bytes: bytes}))
}

// OnMessageReceived is the hook the embedder wires to meshpool.Callbacks'
// MessageReceived, dispatching PayloadPacket/ReportPacket/AckPacket
// frames carried inside the bytes the core mesh delivered.
func (m *Manager) OnMessageReceived(from id.NodeId, priority uint8, bytes []byte) {
	kind, parsed, err := Unmarshal(bytes)
	if err != nil {
		if m.log != nil {
			m.log.Errorf("meshnet: reliable: malformed packet from %s: %v", from, err)
		}
		return
	}
	switch kind {
	case KindPayload:
		m.handlePayload(from, parsed.(PayloadPacket))
	case KindReport:
		m.callbacks.MessageReceived(from, MessageID{}, priority, parsed.(ReportPacket).Bytes)
	case KindAck:
		m.handleAck(from, parsed.(AckPacket))
	}
}

func (m *Manager) handlePayload(from id.NodeId, p PayloadPacket) {
	m.mu.Lock()
	state, ok := m.inbound[from]
	if !ok {
		state = &inboundState{dedup: newDedupWindow(defaultDedupWindow)}
		m.inbound[from] = state
	}
	alreadyDelivered := state.dedup.Seen(p.MsgID)
	if !alreadyDelivered {
		state.dedup.Mark(p.MsgID)
	}
	m.mu.Unlock()

	// Always ack, even on a duplicate: the original ack may have been
	// lost, which is exactly why the sender retried.
	m.pool.EnqueueMessage(from, 0, MarshalAck(AckPacket{MsgID: p.MsgID}))
	if alreadyDelivered {
		return
	}
	m.callbacks.MessageReceived(from, p.MsgID, p.Priority, p.Bytes)
}

func (m *Manager) handleAck(from id.NodeId, a AckPacket) {
	_, ok, err := m.store.Ack(from, a.MsgID)
	if err != nil {
		if m.log != nil {
			m.log.Errorf("meshnet: reliable: ack store error for %s: %v", from, err)
		}
		return
	}
	if !ok {
		return
	}
	m.metrics.ReliableDelivered()
	m.callbacks.MessageDelivered(from, a.MsgID)
}

// Step re-sends any pending message whose retry deadline has passed,
// doubling its backoff up to the configured cap, and declares
// on_message_lost for any that exceeded max_attempts. Call once per
// meshpool.NodePool.Step tick. Per spec.md §4.I, a destroyed channel
// does not drop pending messages: they keep retrying here and may reach
// the destination via a different gateway route on a later attempt.
func (m *Manager) Step(now time.Time) {
	type lostEntry struct {
		dest  id.NodeId
		msgid MessageID
	}
	var lost []lostEntry

	err := m.store.IterateDue(now, func(dest id.NodeId, msg PendingMessage) (PendingMessage, bool) {
		if msg.Attempts >= m.maxAttempts {
			lost = append(lost, lostEntry{dest, msg.MsgID})
			return msg, false
		}
		m.pool.EnqueueMessage(dest, msg.Priority, msg.Payload)
		m.metrics.ReliableRetry()
		msg.Attempts++
		msg.NextRetry = now.Add(m.retryDelay(msg.Attempts))
		return msg, true
	})
	if err != nil && m.log != nil {
		m.log.Errorf("meshnet: reliable: retry sweep failed: %v", err)
	}
	for _, l := range lost {
		m.metrics.ReliableLost()
		m.callbacks.MessageLost(l.dest, l.msgid)
	}
}

// Close releases the pending-message store.
func (m *Manager) Close() error { return m.store.Close() }
