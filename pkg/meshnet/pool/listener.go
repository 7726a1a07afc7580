package pool

import (
	"sync"
	"time"

	"github.com/jabolina/go-meshnet/pkg/meshnet/logging"
	"github.com/jabolina/go-meshnet/pkg/meshnet/poller"
	"github.com/jabolina/go-meshnet/pkg/meshnet/socket"
)

// ListenerCallbacks receives accepted sockets and listener failures.
type ListenerCallbacks interface {
	OnAccepted(sock *socket.Socket)
	OnFailed(id socket.ID, err error)
}

// ListenerPool owns bound listeners and accepts inbound connections, per
// spec.md §4.D.
type ListenerPool struct {
	mu        sync.Mutex
	poll      *poller.ListenerPoller
	callbacks ListenerCallbacks
	log       logging.Logger
	listeners map[socket.ID]*socket.Listener
}

// NewListenerPool builds a ListenerPool.
func NewListenerPool(callbacks ListenerCallbacks, log logging.Logger) (*ListenerPool, error) {
	p, err := poller.NewListenerPoller()
	if err != nil {
		return nil, err
	}
	return &ListenerPool{
		poll:      p,
		callbacks: callbacks,
		log:       log,
		listeners: make(map[socket.ID]*socket.Listener),
	}, nil
}

// AddListener starts l listening with the given backlog and registers it
// for accept-readiness.
func (lp *ListenerPool) AddListener(l *socket.Listener, backlog int) error {
	if err := l.Listen(backlog); err != nil {
		return err
	}
	lp.mu.Lock()
	lp.listeners[l.ID()] = l
	lp.mu.Unlock()
	return lp.poll.Add(l)
}

// Empty reports whether no listeners are registered.
func (lp *ListenerPool) Empty() bool {
	lp.mu.Lock()
	defer lp.mu.Unlock()
	return len(lp.listeners) == 0
}

// Close closes every listener and releases the poller.
func (lp *ListenerPool) Close() error {
	lp.mu.Lock()
	for _, l := range lp.listeners {
		l.Close()
	}
	lp.mu.Unlock()
	return lp.poll.Close()
}

// Poll advances the pool by one poll quantum.
func (lp *ListenerPool) Poll(timeout time.Duration) (int, error) {
	events, err := lp.poll.Poll(timeout)
	if err != nil {
		return 0, err
	}
	for _, ev := range events {
		lp.handle(ev)
	}
	return len(events), nil
}

func (lp *ListenerPool) handle(ev poller.Event) {
	lp.mu.Lock()
	l, ok := lp.listeners[ev.ID]
	lp.mu.Unlock()
	if !ok {
		return
	}
	switch ev.Kind {
	case poller.EventFailed:
		if lp.callbacks != nil {
			lp.callbacks.OnFailed(ev.ID, ev.Err)
		}
	case poller.EventAcceptReady:
		for {
			sock, ok, err := l.AcceptNonBlocking()
			if err != nil {
				if lp.log != nil {
					lp.log.Errorf("meshnet: accept on %s failed: %v", l.LocalAddress(), err)
				}
				return
			}
			if !ok {
				return
			}
			if lp.callbacks != nil {
				lp.callbacks.OnAccepted(sock)
			}
		}
	}
}
