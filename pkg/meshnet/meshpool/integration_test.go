package meshpool

import (
	"sync"
	"testing"
	"time"

	"github.com/jabolina/go-meshnet/pkg/meshnet/config"
	"github.com/jabolina/go-meshnet/pkg/meshnet/id"
)

// recordingCallbacks captures NodePool events for assertions, mirroring
// scenario 1 of spec.md §8 ("Two-node direct exchange").
type recordingCallbacks struct {
	mu        sync.Mutex
	established []id.NodeId
	received    []receivedMessage
}

type receivedMessage struct {
	from     id.NodeId
	priority uint8
	bytes    []byte
}

func (r *recordingCallbacks) ChannelEstablished(peer id.NodeId, _ bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.established = append(r.established, peer)
}
func (r *recordingCallbacks) ChannelDestroyed(id.NodeId) {}
func (r *recordingCallbacks) NodeAlive(id.NodeId) {}
func (r *recordingCallbacks) NodeExpired(id.NodeId) {}
func (r *recordingCallbacks) MessageReceived(from id.NodeId, priority uint8, bytes []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.received = append(r.received, receivedMessage{from: from, priority: priority, bytes: append([]byte(nil), bytes...)})
}

func (r *recordingCallbacks) establishedCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.established)
}

func (r *recordingCallbacks) receivedCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.received)
}

func (r *recordingCallbacks) firstReceived() receivedMessage {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.received[0]
}

// driveUntil steps both pools in a tight loop until cond reports true or
// the deadline elapses, returning whether cond was satisfied.
func driveUntil(pools []*NodePool, timeout time.Duration, cond func() bool) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		for _, p := range pools {
			_, _ = p.Step(10 * time.Millisecond)
		}
		if cond() {
			return true
		}
	}
	return cond()
}

// TestTwoNodeDirectExchange implements spec.md §8 scenario 1: two nodes
// connect, both sides fire ChannelEstablished, and a message enqueued by
// one arrives at the other's MessageReceived.
func TestTwoNodeDirectExchange(t *testing.T) {
	aID, bID := id.New(), id.New()
	aCB, bCB := &recordingCallbacks{}, &recordingCallbacks{}

	cfg := config.Default()
	cfg.HeartbeatInterval = time.Hour // avoid heartbeat traffic interfering with the assertions below
	cfg.AliveInterval = time.Hour

	a := New(aID, false, cfg, aCB)
	b := New(bID, false, cfg, bCB)
	defer a.Close()
	defer b.Close()

	addrA := id.NewSocketAddress4(127, 0, 0, 1, 19101)
	addrB := id.NewSocketAddress4(127, 0, 0, 1, 19102)

	idxA, err := a.AddNode([]id.SocketAddress4{addrA})
	if err != nil {
		t.Fatalf("AddNode A: %v", err)
	}
	idxB, err := b.AddNode([]id.SocketAddress4{addrB})
	if err != nil {
		t.Fatalf("AddNode B: %v", err)
	}
	if err := a.Listen(idxA, 8); err != nil {
		t.Fatalf("Listen A: %v", err)
	}
	if err := b.Listen(idxB, 8); err != nil {
		t.Fatalf("Listen B: %v", err)
	}

	if err := a.ConnectHost(idxA, addrB, false); err != nil {
		t.Fatalf("ConnectHost: %v", err)
	}

	pools := []*NodePool{a, b}
	if !driveUntil(pools, 5*time.Second, func() bool {
		return aCB.establishedCount() == 1 && bCB.establishedCount() == 1
	}) {
		t.Fatalf("expected both sides to establish a channel, got A=%d B=%d",
			aCB.establishedCount(), bCB.establishedCount())
	}

	if got := a.EnqueueMessage(bID, 1, []byte("hi")); got != Enqueued {
		t.Fatalf("expected EnqueueMessage to report Enqueued, got %v", got)
	}

	if !driveUntil(pools, 5*time.Second, func() bool { return bCB.receivedCount() == 1 }) {
		t.Fatal("expected B to receive the message sent by A")
	}

	msg := bCB.firstReceived()
	if msg.from != aID {
		t.Fatalf("expected the message to be reported as from A, got %v", msg.from)
	}
	if msg.priority != 1 {
		t.Fatalf("expected priority 1, got %d", msg.priority)
	}
	if string(msg.bytes) != "hi" {
		t.Fatalf("expected payload %q, got %q", "hi", msg.bytes)
	}
}
