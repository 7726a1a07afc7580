package poller

import (
	"time"

	"github.com/jabolina/go-meshnet/pkg/meshnet/socket"
	"golang.org/x/sys/unix"
)

// ConnectingPoller watches in-flight non-blocking connects, per the
// table in spec.md §4.A: writable ∪ error ∪ hangup, emitting Connected
// or Refused. Every error or hangup is reported as Refused with a
// classified Reason; no Failed event is emitted.
type ConnectingPoller struct {
	base
	buf []unix.EpollEvent
}

// NewConnectingPoller creates a ConnectingPoller with its own epoll instance.
func NewConnectingPoller() (*ConnectingPoller, error) {
	b, err := newBase()
	if err != nil {
		return nil, err
	}
	return &ConnectingPoller{base: b, buf: make([]unix.EpollEvent, 64)}, nil
}

// Add registers sock for connect-completion notification.
func (p *ConnectingPoller) Add(sock *socket.Socket) error {
	return p.add(sock.ID(), unix.EPOLLOUT|unix.EPOLLERR|unix.EPOLLHUP)
}

// Remove stops watching id.
func (p *ConnectingPoller) Remove(id socket.ID) error { return p.remove(id) }

// Empty reports whether no sockets are being watched.
func (p *ConnectingPoller) Empty() bool { return p.empty() }

// Close releases the underlying epoll instance.
func (p *ConnectingPoller) Close() error { return p.close() }

// Poll blocks up to timeout waiting for connect completions. A Refused
// event's Reason is classified here from the socket's pending errno
// (SO_ERROR).
func (p *ConnectingPoller) Poll(timeout time.Duration) ([]Event, error) {
	raw, err := p.wait(timeoutMillis(timeout.Milliseconds()), p.buf)
	if err != nil {
		return nil, err
	}
	events := make([]Event, 0, len(raw))
	for _, e := range raw {
		id := socket.ID(e.Fd)
		switch {
		case e.Events&(unix.EPOLLERR|unix.EPOLLHUP) != 0:
			events = append(events, Event{Kind: EventRefused, ID: id, Reason: classifyRefusal(id)})
		case e.Events&unix.EPOLLOUT != 0:
			events = append(events, Event{Kind: EventConnected, ID: id})
		}
	}
	return events, nil
}

func classifyRefusal(id socket.ID) RefusedReason {
	errno, getErr := unix.GetsockoptInt(int(id), unix.SOL_SOCKET, unix.SO_ERROR)
	var err error
	if getErr == nil && errno != 0 {
		err = unix.Errno(errno)
	}
	switch err {
	case unix.ECONNREFUSED:
		return ReasonRefused
	case unix.ECONNRESET:
		return ReasonReset
	case unix.ETIMEDOUT:
		return ReasonTimeout
	case unix.EHOSTUNREACH, unix.ENETUNREACH:
		return ReasonUnreachable
	default:
		return ReasonOther
	}
}
