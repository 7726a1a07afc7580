package poller

import (
	"time"

	"github.com/jabolina/go-meshnet/pkg/meshnet/socket"
	"golang.org/x/sys/unix"
)

// WriterPoller watches established sockets for write-readiness, per
// spec.md §4.A: writable ∪ error, emitting CanWrite or Failed. An error
// condition is reported as Failed; no Disconnected event is emitted.
type WriterPoller struct {
	base
	buf []unix.EpollEvent
}

// NewWriterPoller creates a WriterPoller with its own epoll instance.
func NewWriterPoller() (*WriterPoller, error) {
	b, err := newBase()
	if err != nil {
		return nil, err
	}
	return &WriterPoller{base: b, buf: make([]unix.EpollEvent, 256)}, nil
}

// Add registers sock for write-readiness notification. Per spec.md
// §4.D, the WriterPool only keeps a socket registered while it has
// queued data; callers add/remove around Queue.Empty() transitions.
func (p *WriterPoller) Add(sock *socket.Socket) error {
	return p.add(sock.ID(), unix.EPOLLOUT|unix.EPOLLERR)
}

// Remove stops watching id.
func (p *WriterPoller) Remove(id socket.ID) error { return p.remove(id) }

// Empty reports whether no sockets are being watched.
func (p *WriterPoller) Empty() bool { return p.empty() }

// Close releases the underlying epoll instance.
func (p *WriterPoller) Close() error { return p.close() }

// Poll blocks up to timeout waiting for write-readiness.
func (p *WriterPoller) Poll(timeout time.Duration) ([]Event, error) {
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
		case e.Events&unix.EPOLLOUT != 0:
			events = append(events, Event{Kind: EventCanWrite, ID: id})
		}
	}
	return events, nil
}
