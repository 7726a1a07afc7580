package poller

import (
	"time"

	"github.com/jabolina/go-meshnet/pkg/meshnet/socket"
	"golang.org/x/sys/unix"
)

// ReaderPoller watches established sockets for read-readiness, per
// spec.md §4.A: readable ∪ error ∪ hangup, emitting ReadyRead,
// Disconnected or Failed.
type ReaderPoller struct {
	base
	buf []unix.EpollEvent
}

// NewReaderPoller creates a ReaderPoller with its own epoll instance.
func NewReaderPoller() (*ReaderPoller, error) {
	b, err := newBase()
	if err != nil {
		return nil, err
	}
	return &ReaderPoller{base: b, buf: make([]unix.EpollEvent, 256)}, nil
}

// Add registers sock for read-readiness notification.
func (p *ReaderPoller) Add(sock *socket.Socket) error {
	return p.add(sock.ID(), unix.EPOLLIN|unix.EPOLLERR|unix.EPOLLHUP|unix.EPOLLRDHUP)
}

// Remove stops watching id.
func (p *ReaderPoller) Remove(id socket.ID) error { return p.remove(id) }

// Empty reports whether no sockets are being watched.
func (p *ReaderPoller) Empty() bool { return p.empty() }

// Close releases the underlying epoll instance.
func (p *ReaderPoller) Close() error { return p.close() }

// Poll blocks up to timeout waiting for read-readiness. A hangup with no
// read data is reported as Disconnected; the pool still attempts a read
// to drain any final bytes before tearing the socket down.
func (p *ReaderPoller) Poll(timeout time.Duration) ([]Event, error) {
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
		case e.Events&(unix.EPOLLHUP|unix.EPOLLRDHUP) != 0 && e.Events&unix.EPOLLIN == 0:
			events = append(events, Event{Kind: EventDisconnected, ID: id})
		case e.Events&unix.EPOLLIN != 0:
			events = append(events, Event{Kind: EventReadyRead, ID: id})
		}
	}
	return events, nil
}
