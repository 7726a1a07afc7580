package pool

import (
	"sync"
	"time"

	"github.com/jabolina/go-meshnet/pkg/meshnet/id"
	"github.com/jabolina/go-meshnet/pkg/meshnet/logging"
	"github.com/jabolina/go-meshnet/pkg/meshnet/poller"
	"github.com/jabolina/go-meshnet/pkg/meshnet/socket"
)

// ConnectingCallbacks receives the outcomes named in spec.md §4.A's
// ConnectingPoller row and §4.D's ConnectingPool responsibility.
type ConnectingCallbacks interface {
	// OnConnected fires once a non-blocking connect completes. The
	// socket is transferred out of ConnectingPool to the caller, who is
	// expected to hand it to the reader and writer pools.
	OnConnected(sock *socket.Socket)
	// OnRefused fires on a terminal connect failure (after the
	// reconnection policy gives up, or immediately under
	// NoReconnectionPolicy).
	OnRefused(addr id.SocketAddress4, reason poller.RefusedReason)
}

type pendingConnect struct {
	sock    *socket.Socket
	addr    id.SocketAddress4
	attempt uint32
}

type deferredConnect struct {
	addr    id.SocketAddress4
	attempt uint32
	at      time.Time
}

// ConnectingPool owns sockets mid non-blocking-connect, per spec.md
// §4.D.
type ConnectingPool struct {
	mu        sync.Mutex
	poll      *poller.ConnectingPoller
	callbacks ConnectingCallbacks
	policy    ReconnectionPolicy
	log       logging.Logger

	pending  map[socket.ID]*pendingConnect
	deferred []deferredConnect
}

// New builds a ConnectingPool backed by a fresh ConnectingPoller.
func New(callbacks ConnectingCallbacks, policy ReconnectionPolicy, log logging.Logger) (*ConnectingPool, error) {
	p, err := poller.NewConnectingPoller()
	if err != nil {
		return nil, err
	}
	if policy == nil {
		policy = NoReconnectionPolicy{}
	}
	return &ConnectingPool{
		poll:      p,
		callbacks: callbacks,
		policy:    policy,
		log:       log,
		pending:   make(map[socket.ID]*pendingConnect),
	}, nil
}

// Connect begins a non-blocking connect to addr and registers it for
// completion notification. Returns the socket id.
func (cp *ConnectingPool) Connect(addr id.SocketAddress4) (socket.ID, error) {
	return cp.connectAttempt(addr, 1)
}

func (cp *ConnectingPool) connectAttempt(addr id.SocketAddress4, attempt uint32) (socket.ID, error) {
	sock, err := socket.New()
	if err != nil {
		return 0, err
	}
	result := sock.Connect(addr)
	cp.mu.Lock()
	defer cp.mu.Unlock()
	switch result {
	case socket.ConnectGood:
		// Completed synchronously (rare, usually loopback); still route
		// through the normal completion path for uniform handling.
		cp.pending[sock.ID()] = &pendingConnect{sock: sock, addr: addr, attempt: attempt}
		if err := cp.poll.Add(sock); err != nil {
			return 0, err
		}
	case socket.ConnectInProgress:
		cp.pending[sock.ID()] = &pendingConnect{sock: sock, addr: addr, attempt: attempt}
		if err := cp.poll.Add(sock); err != nil {
			return 0, err
		}
	case socket.ConnectFailed:
		sock.Close()
		cp.scheduleRetryLocked(addr, attempt)
	}
	return sock.ID(), nil
}

// ConnectTimeout schedules a deferred reconnection attempt, per spec.md
// §4.D's connect_timeout(after, saddr).
func (cp *ConnectingPool) ConnectTimeout(after time.Duration, addr id.SocketAddress4) {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	cp.deferred = append(cp.deferred, deferredConnect{addr: addr, attempt: 1, at: time.Now().Add(after)})
}

func (cp *ConnectingPool) scheduleRetryLocked(addr id.SocketAddress4, attempt uint32) {
	if cp.policy.GiveUp(attempt) {
		if cp.callbacks != nil {
			cp.callbacks.OnRefused(addr, poller.ReasonOther)
		}
		return
	}
	wait := cp.policy.TimeoutAfter(attempt)
	cp.deferred = append(cp.deferred, deferredConnect{addr: addr, attempt: attempt + 1, at: time.Now().Add(wait)})
}

// Step advances deferred reconnections whose deadline has passed. Call
// this once per poll quantum, per spec.md §4.D's step(now).
func (cp *ConnectingPool) Step(now time.Time) int {
	cp.mu.Lock()
	due := cp.deferred[:0]
	var fire []deferredConnect
	for _, d := range cp.deferred {
		if !now.Before(d.at) {
			fire = append(fire, d)
		} else {
			due = append(due, d)
		}
	}
	cp.deferred = due
	cp.mu.Unlock()

	for _, d := range fire {
		if _, err := cp.connectAttempt(d.addr, d.attempt); err != nil && cp.log != nil {
			cp.log.Errorf("meshnet: reconnect to %s failed: %v", d.addr, err)
		}
	}
	return len(fire)
}

// Empty reports whether no connects are in flight or deferred.
func (cp *ConnectingPool) Empty() bool {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	return cp.poll.Empty() && len(cp.deferred) == 0
}

// Close releases the underlying poller.
func (cp *ConnectingPool) Close() error { return cp.poll.Close() }

// Poll advances the pool by one poll quantum, returning the number of
// events processed.
func (cp *ConnectingPool) Poll(timeout time.Duration) (int, error) {
	events, err := cp.poll.Poll(timeout)
	if err != nil {
		return 0, err
	}
	for _, ev := range events {
		cp.handle(ev)
	}
	return len(events), nil
}

func (cp *ConnectingPool) handle(ev poller.Event) {
	cp.mu.Lock()
	pc, ok := cp.pending[ev.ID]
	if !ok {
		cp.mu.Unlock()
		return
	}
	delete(cp.pending, ev.ID)
	cp.poll.Remove(ev.ID)
	cp.mu.Unlock()

	switch ev.Kind {
	case poller.EventConnected:
		if err := pc.sock.ConnectError(); err != nil {
			cp.mu.Lock()
			cp.scheduleRetryLocked(pc.addr, pc.attempt)
			cp.mu.Unlock()
			pc.sock.Close()
			return
		}
		if cp.callbacks != nil {
			cp.callbacks.OnConnected(pc.sock)
		}
	case poller.EventRefused:
		pc.sock.Close()
		cp.mu.Lock()
		cp.scheduleRetryLocked(pc.addr, pc.attempt)
		cp.mu.Unlock()
	}
}
