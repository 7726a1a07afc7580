package pool

import (
	"sync"
	"testing"
	"time"

	"github.com/jabolina/go-meshnet/pkg/meshnet/id"
	"github.com/jabolina/go-meshnet/pkg/meshnet/metrics"
	"github.com/jabolina/go-meshnet/pkg/meshnet/poller"
	"github.com/jabolina/go-meshnet/pkg/meshnet/socket"
	"github.com/jabolina/go-meshnet/pkg/meshnet/wire"
	"golang.org/x/sys/unix"
)

func ephemeralAddr(t *testing.T) (*socket.Listener, id.SocketAddress4) {
	t.Helper()
	l, err := socket.NewListener(id.NewSocketAddress4(127, 0, 0, 1, 0))
	if err != nil {
		t.Fatalf("NewListener: %v", err)
	}
	t.Cleanup(func() { _ = l.Close() })
	sa, err := unix.Getsockname(l.FD())
	if err != nil {
		t.Fatalf("getsockname: %v", err)
	}
	v4 := sa.(*unix.SockaddrInet4)
	return l, id.NewSocketAddress4(127, 0, 0, 1, uint16(v4.Port))
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	if !cond() {
		t.Fatal("condition not met before deadline")
	}
}

type recordingListenerCallbacks struct {
	mu       sync.Mutex
	accepted []*socket.Socket
}

func (r *recordingListenerCallbacks) OnAccepted(s *socket.Socket) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.accepted = append(r.accepted, s)
}
func (r *recordingListenerCallbacks) OnFailed(socket.ID, error) {}

func (r *recordingListenerCallbacks) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.accepted)
}

func TestListenerPoolAcceptsConnection(t *testing.T) {
	raw, addr := ephemeralAddr(t)
	raw.Close() // free the port; ListenerPool will bind its own listener

	cb := &recordingListenerCallbacks{}
	lp, err := NewListenerPool(cb, nil)
	if err != nil {
		t.Fatalf("NewListenerPool: %v", err)
	}
	defer lp.Close()

	l, err := socket.NewListener(addr)
	if err != nil {
		t.Fatalf("NewListener: %v", err)
	}
	if err := lp.AddListener(l, 8); err != nil {
		t.Fatalf("AddListener: %v", err)
	}
	if lp.Empty() {
		t.Fatal("expected non-empty after AddListener")
	}

	client, err := socket.New()
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer client.Close()
	client.Connect(addr)

	waitFor(t, 2*time.Second, func() bool {
		_, _ = lp.Poll(50 * time.Millisecond)
		return cb.count() == 1
	})
}

type recordingConnectingCallbacks struct {
	mu       sync.Mutex
	ok       []*socket.Socket
	refused  []id.SocketAddress4
}

func (r *recordingConnectingCallbacks) OnConnected(s *socket.Socket) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ok = append(r.ok, s)
}
func (r *recordingConnectingCallbacks) OnRefused(addr id.SocketAddress4, _ poller.RefusedReason) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.refused = append(r.refused, addr)
}

func (r *recordingConnectingCallbacks) connectedCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.ok)
}

func (r *recordingConnectingCallbacks) refusedCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.refused)
}

func TestConnectingPoolSucceedsWithoutRetry(t *testing.T) {
	raw, addr := ephemeralAddr(t)
	if err := raw.Listen(8); err != nil {
		t.Fatalf("Listen: %v", err)
	}

	cb := &recordingConnectingCallbacks{}
	cp, err := New(cb, NoReconnectionPolicy{}, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer cp.Close()

	if _, err := cp.Connect(addr); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	waitFor(t, 2*time.Second, func() bool {
		_, _, _ = raw.AcceptNonBlocking()
		_, _ = cp.Poll(50 * time.Millisecond)
		return cb.connectedCount() == 1
	})
}

func TestConnectingPoolGivesUpUnderNoReconnectionPolicy(t *testing.T) {
	raw, addr := ephemeralAddr(t)
	raw.Close() // nothing listens: connect should eventually be refused

	cb := &recordingConnectingCallbacks{}
	cp, err := New(cb, NoReconnectionPolicy{}, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer cp.Close()

	if _, err := cp.Connect(addr); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	waitFor(t, 2*time.Second, func() bool {
		_, _ = cp.Poll(50 * time.Millisecond)
		return cb.refusedCount() == 1 || cb.connectedCount() == 1
	})
	if cb.connectedCount() != 0 {
		t.Fatalf("expected no successful connect, got %d", cb.connectedCount())
	}
}

func TestConnectingPoolEmptyReflectsPendingAndDeferred(t *testing.T) {
	cp, err := New(&recordingConnectingCallbacks{}, NoReconnectionPolicy{}, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer cp.Close()
	if !cp.Empty() {
		t.Fatal("expected a freshly built pool to be empty")
	}
	cp.ConnectTimeout(time.Hour, id.NewSocketAddress4(127, 0, 0, 1, 9999))
	if cp.Empty() {
		t.Fatal("expected a deferred reconnect to count against Empty")
	}
}

func TestTimeoutReconnectionPolicyDoublesAndGivesUpAfterBound(t *testing.T) {
	p := NewTimeoutReconnectionPolicy(3, 10*time.Millisecond)
	if p.Attempts() != 3 {
		t.Fatalf("expected Attempts()=3, got %d", p.Attempts())
	}
	first := p.TimeoutAfter(1)
	second := p.TimeoutAfter(2)
	third := p.TimeoutAfter(3)
	if first != 10*time.Millisecond {
		t.Fatalf("expected the first attempt to wait the initial interval, got %v", first)
	}
	if second < first {
		t.Fatalf("expected the wait to grow with attempt count, got first=%v second=%v", first, second)
	}
	if third < second {
		t.Fatalf("expected the wait to keep growing, got second=%v third=%v", second, third)
	}

	if p.GiveUp(3) {
		t.Fatal("expected attempt 3 to still be allowed")
	}
	if !p.GiveUp(4) {
		t.Fatal("expected attempt 4 to exceed the bound")
	}
}

func TestNoReconnectionPolicyAlwaysGivesUp(t *testing.T) {
	p := NoReconnectionPolicy{}
	if !p.GiveUp(1) {
		t.Fatal("expected NoReconnectionPolicy to give up on the first attempt")
	}
	if p.Attempts() != 0 {
		t.Fatalf("expected Attempts()=0, got %d", p.Attempts())
	}
}

type recordingReaderCallbacks struct {
	mu           sync.Mutex
	frames       [][]byte
	disconnected int
	protocolErrs int
}

func (r *recordingReaderCallbacks) OnFrame(_ socket.ID, _ uint8, body []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frames = append(r.frames, append([]byte(nil), body...))
}
func (r *recordingReaderCallbacks) OnDisconnected(socket.ID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.disconnected++
}
func (r *recordingReaderCallbacks) OnProtocolError(socket.ID, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.protocolErrs++
}
func (r *recordingReaderCallbacks) OnFailed(socket.ID, error) {}

func (r *recordingReaderCallbacks) frameCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.frames)
}

func (r *recordingReaderCallbacks) disconnectCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.disconnected
}

func connectedPair(t *testing.T) (client, server *socket.Socket) {
	t.Helper()
	raw, addr := ephemeralAddr(t)
	if err := raw.Listen(8); err != nil {
		t.Fatalf("Listen: %v", err)
	}
	c, err := socket.New()
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	c.Connect(addr)

	var s *socket.Socket
	waitFor(t, 2*time.Second, func() bool {
		got, ok, _ := raw.AcceptNonBlocking()
		if ok {
			s = got
			return true
		}
		return false
	})
	return c, s
}

func TestReaderPoolExtractsFramesFromWire(t *testing.T) {
	client, server := connectedPair(t)
	defer client.Close()
	defer server.Close()

	cb := &recordingReaderCallbacks{}
	rp, err := NewReaderPool(cb, nil)
	if err != nil {
		t.Fatalf("NewReaderPool: %v", err)
	}
	defer rp.Close()
	if err := rp.Add(server); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if rp.Empty() {
		t.Fatal("expected non-empty after Add")
	}

	frame, err := wire.PackPriority(0, []byte("hello"))
	if err != nil {
		t.Fatalf("PackPriority: %v", err)
	}
	if n, sr := client.Send(frame); sr != socket.SendGood || n != len(frame) {
		t.Fatalf("Send: n=%d sr=%v", n, sr)
	}

	waitFor(t, 2*time.Second, func() bool {
		_, _ = rp.Poll(50 * time.Millisecond)
		return cb.frameCount() == 1
	})
	if string(cb.frames[0]) != "hello" {
		t.Fatalf("expected body %q, got %q", "hello", cb.frames[0])
	}

	rp.Remove(server.ID())
	if !rp.Empty() {
		t.Fatal("expected empty after Remove")
	}
}

func TestReaderPoolReportsDisconnectOnPeerClose(t *testing.T) {
	client, server := connectedPair(t)
	defer server.Close()

	cb := &recordingReaderCallbacks{}
	rp, err := NewReaderPool(cb, nil)
	if err != nil {
		t.Fatalf("NewReaderPool: %v", err)
	}
	defer rp.Close()
	if err := rp.Add(server); err != nil {
		t.Fatalf("Add: %v", err)
	}

	client.Close()

	waitFor(t, 2*time.Second, func() bool {
		_, _ = rp.Poll(50 * time.Millisecond)
		return cb.disconnectCount() == 1
	})
}

type recordingWriterCallbacks struct {
	mu      sync.Mutex
	drained []socket.ID
}

func (r *recordingWriterCallbacks) OnDrained(id socket.ID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.drained = append(r.drained, id)
}
func (r *recordingWriterCallbacks) OnFailed(socket.ID, error) {}

func (r *recordingWriterCallbacks) drainedCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.drained)
}

func TestWriterPoolFlushesEnqueuedFrameAndDrains(t *testing.T) {
	client, server := connectedPair(t)
	defer client.Close()
	defer server.Close()

	wcb := &recordingWriterCallbacks{}
	wp, err := NewWriterPool(4096, 4, 0, metrics.NewNoop(), nil)
	if err != nil {
		t.Fatalf("NewWriterPool: %v", err)
	}
	wp.SetCallbacks(wcb)
	defer wp.Close()

	wp.Add(client)
	if wp.Empty() {
		t.Fatal("expected non-empty after Add")
	}
	if !wp.QueueEmpty(client.ID()) {
		t.Fatal("expected a freshly added socket to have an empty queue")
	}

	if err := wp.Enqueue(client.ID(), 0, []byte("payload")); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	waitFor(t, 2*time.Second, func() bool {
		_, _ = wp.Poll(50 * time.Millisecond)
		return wcb.drainedCount() == 1
	})
	if !wp.QueueEmpty(client.ID()) {
		t.Fatal("expected the queue to be empty once drained")
	}

	rcb := &recordingReaderCallbacks{}
	rp, err := NewReaderPool(rcb, nil)
	if err != nil {
		t.Fatalf("NewReaderPool: %v", err)
	}
	defer rp.Close()
	if err := rp.Add(server); err != nil {
		t.Fatalf("Add: %v", err)
	}
	waitFor(t, 2*time.Second, func() bool {
		_, _ = rp.Poll(50 * time.Millisecond)
		return rcb.frameCount() == 1
	})
	if string(rcb.frames[0]) != "payload" {
		t.Fatalf("expected body %q, got %q", "payload", rcb.frames[0])
	}
}

func TestWriterPoolEnqueueRejectsUnknownSocket(t *testing.T) {
	wp, err := NewWriterPool(4096, 4, 0, nil, nil)
	if err != nil {
		t.Fatalf("NewWriterPool: %v", err)
	}
	defer wp.Close()
	if err := wp.Enqueue(socket.ID(99999), 0, []byte("x")); err == nil {
		t.Fatal("expected Enqueue on an untracked socket to fail")
	}
}
