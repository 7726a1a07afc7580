// Package socket wraps non-blocking TCP sockets and listeners directly
// over golang.org/x/sys/unix, grounded in the raw-epoll pattern shown in
// _examples/other_examples's go_raw_epoll_http_server: plain net.Conn
// hides the file descriptor a poller needs to register, so the core
// talks to the kernel socket API itself instead.
package socket

import (
	"fmt"
	"sync"

	"github.com/jabolina/go-meshnet/pkg/meshnet/id"
	"golang.org/x/sys/unix"
)

// ID identifies a socket by its OS file descriptor, unique within this
// process for the socket's lifetime (spec.md §9: "Sockets are addressed
// by OS id, which is unique within a process").
type ID int

// State models the Socket invariant from spec.md §3: the handle is valid
// iff the socket is Constructed.
type State int

const (
	Constructed State = iota
	Closed
)

// ConnectResult is the outcome of a non-blocking connect attempt.
type ConnectResult int

const (
	ConnectInProgress ConnectResult = iota
	ConnectGood
	ConnectFailed
)

// SendResult is the outcome of a non-blocking send.
type SendResult int

const (
	SendGood SendResult = iota
	SendAgain
	SendFailure
)

// Socket is a non-blocking stream socket. It owns an OS handle that is
// shut down and closed exactly once, on Close.
type Socket struct {
	mu      sync.Mutex
	fd      int
	state   State
	peer    id.SocketAddress4
	isLocal bool // not set by any method of this package; Listener keeps its own state
}

func setCommonOpts(fd int) error {
	if err := unix.SetNonblock(fd, true); err != nil {
		return fmt.Errorf("socket: set nonblock: %w", err)
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		return fmt.Errorf("socket: set reuseaddr: %w", err)
	}
	return nil
}

func toSockaddr(addr id.SocketAddress4) *unix.SockaddrInet4 {
	sa := &unix.SockaddrInet4{Port: int(addr.Port)}
	sa.Addr = addr.Octets()
	return sa
}

func fromSockaddr(sa unix.Sockaddr) id.SocketAddress4 {
	if v4, ok := sa.(*unix.SockaddrInet4); ok {
		o := v4.Addr
		return id.NewSocketAddress4(o[0], o[1], o[2], o[3], uint16(v4.Port))
	}
	return id.SocketAddress4{}
}

// New creates a non-blocking TCP/IPv4 socket, not yet connected or bound.
func New() (*Socket, error) {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM, 0)
	if err != nil {
		return nil, fmt.Errorf("socket: create: %w", err)
	}
	if err := setCommonOpts(fd); err != nil {
		unix.Close(fd)
		return nil, err
	}
	return &Socket{fd: fd, state: Constructed}, nil
}

// FromFD wraps an already-open non-blocking fd (used by Listener.Accept).
func FromFD(fd int, peer id.SocketAddress4) *Socket {
	return &Socket{fd: fd, state: Constructed, peer: peer}
}

// FD returns the OS file descriptor, valid while State() == Constructed.
func (s *Socket) FD() int { return s.fd }

// ID returns the socket's pool-facing identifier.
func (s *Socket) ID() ID { return ID(s.fd) }

// State reports whether the handle is still valid.
func (s *Socket) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// PeerAddress returns the bound/connected peer address recorded at
// connect or accept time.
func (s *Socket) PeerAddress() id.SocketAddress4 { return s.peer }

// Connect attempts a non-blocking connect to addr.
func (s *Socket) Connect(addr id.SocketAddress4) ConnectResult {
	s.peer = addr
	err := unix.Connect(s.fd, toSockaddr(addr))
	if err == nil {
		return ConnectGood
	}
	if err == unix.EINPROGRESS {
		return ConnectInProgress
	}
	return ConnectFailed
}

// ConnectError returns the pending error on a socket whose connect
// completed via the poller, used to distinguish refused/reset/timeout.
func (s *Socket) ConnectError() error {
	errno, err := unix.GetsockoptInt(s.fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil {
		return err
	}
	if errno == 0 {
		return nil
	}
	return unix.Errno(errno)
}

// Send writes bytes to the socket. A partial write (n < len(bytes)) is
// allowed and is not an error, per spec.md §4.B.
func (s *Socket) Send(bytes []byte) (int, SendResult) {
	n, err := unix.Write(s.fd, bytes)
	if err != nil {
		if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
			return 0, SendAgain
		}
		return 0, SendFailure
	}
	return n, SendGood
}

// Recv reads into buf. A return of 0 denotes the peer closed the
// connection gracefully; "would block" is translated to 0 with ok=true
// as required by spec.md §4.B, and other errors are returned.
func (s *Socket) Recv(buf []byte) (n int, ok bool, err error) {
	n, err = unix.Read(s.fd, buf)
	if err != nil {
		if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
			return 0, true, nil
		}
		return 0, false, err
	}
	return n, true, nil
}

// SetKeepAlive enables or disables TCP keep-alive on the socket.
func (s *Socket) SetKeepAlive(enabled bool) error {
	v := 0
	if enabled {
		v = 1
	}
	return unix.SetsockoptInt(s.fd, unix.SOL_SOCKET, unix.SO_KEEPALIVE, v)
}

// Close shuts down and closes the OS handle exactly once.
func (s *Socket) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == Closed {
		return nil
	}
	s.state = Closed
	_ = unix.Shutdown(s.fd, unix.SHUT_RDWR)
	return unix.Close(s.fd)
}

// Listener owns an OS handle bound to a local address and listening for
// inbound connections.
type Listener struct {
	mu        sync.Mutex
	fd        int
	state     State
	listening bool
	local     id.SocketAddress4
}

// NewListener creates a non-blocking listening socket bound to addr.
func NewListener(addr id.SocketAddress4) (*Listener, error) {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM, 0)
	if err != nil {
		return nil, fmt.Errorf("listener: create: %w", err)
	}
	if err := setCommonOpts(fd); err != nil {
		unix.Close(fd)
		return nil, err
	}
	if err := unix.Bind(fd, toSockaddr(addr)); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("listener: bind %s: %w", addr, err)
	}
	return &Listener{fd: fd, state: Constructed, local: addr}, nil
}

// FD returns the listening file descriptor.
func (l *Listener) FD() int { return l.fd }

// ID returns the listener's pool-facing identifier.
func (l *Listener) ID() ID { return ID(l.fd) }

// LocalAddress returns the address the listener was bound to.
func (l *Listener) LocalAddress() id.SocketAddress4 { return l.local }

// Listen transitions the listener into the Listening state; Accept is
// only valid afterward (spec.md §4.B invariant).
func (l *Listener) Listen(backlog int) error {
	if err := unix.Listen(l.fd, backlog); err != nil {
		return fmt.Errorf("listener: listen: %w", err)
	}
	l.listening = true
	return nil
}

// AcceptNonBlocking yields a new non-blocking Socket, or ok=false when
// the OS would block (no pending connection). It never blocks.
func (l *Listener) AcceptNonBlocking() (sock *Socket, ok bool, err error) {
	if !l.listening {
		return nil, false, fmt.Errorf("listener: accept before listen")
	}
	nfd, sa, err := unix.Accept4(l.fd, unix.SOCK_NONBLOCK)
	if err != nil {
		if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("listener: accept: %w", err)
	}
	peer := fromSockaddr(sa)
	return FromFD(nfd, peer), true, nil
}

// Close shuts down and closes the OS handle exactly once.
func (l *Listener) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state == Closed {
		return nil
	}
	l.state = Closed
	return unix.Close(l.fd)
}
