package poller

import (
	"time"

	"github.com/jabolina/go-meshnet/pkg/meshnet/socket"
	"golang.org/x/sys/unix"
)

// ListenerPoller watches bound listeners for accept-readiness, per
// spec.md §4.A: readable ∪ error, emitting AcceptReady or Failed.
type ListenerPoller struct {
	base
	buf []unix.EpollEvent
}

// NewListenerPoller creates a ListenerPoller with its own epoll instance.
func NewListenerPoller() (*ListenerPoller, error) {
	b, err := newBase()
	if err != nil {
		return nil, err
	}
	return &ListenerPoller{base: b, buf: make([]unix.EpollEvent, 16)}, nil
}

// Add registers l for accept-readiness notification.
func (p *ListenerPoller) Add(l *socket.Listener) error {
	return p.add(l.ID(), unix.EPOLLIN|unix.EPOLLERR)
}

// Remove stops watching id.
func (p *ListenerPoller) Remove(id socket.ID) error { return p.remove(id) }

// Empty reports whether no listeners are being watched.
func (p *ListenerPoller) Empty() bool { return p.empty() }

// Close releases the underlying epoll instance.
func (p *ListenerPoller) Close() error { return p.close() }

// Poll blocks up to timeout waiting for accept-readiness.
func (p *ListenerPoller) Poll(timeout time.Duration) ([]Event, error) {
	raw, err := p.wait(timeoutMillis(timeout.Milliseconds()), p.buf)
	if err != nil {
		return nil, err
	}
	events := make([]Event, 0, len(raw))
	for _, e := range raw {
		id := socket.ID(e.Fd)
		switch {
		case e.Events&unix.EPOLLERR != 0:
			events = append(events, Event{Kind: EventFailed, ID: id})
		case e.Events&unix.EPOLLIN != 0:
			events = append(events, Event{Kind: EventAcceptReady, ID: id})
		}
	}
	return events, nil
}
