// Package poller implements the four specialised event multiplexers of
// spec.md §4.A over a Linux epoll instance, grounded in the
// EpollCreate1/EpollCtl/EpollWait pattern shown in
// _examples/other_examples's go_raw_epoll_http_server and generalised
// with golang.org/x/sys/unix (the pack's declared syscall library) in
// place of the stdlib syscall package, which lacks Accept4 and several
// of the flags used here.
package poller

import (
	"fmt"

	"github.com/jabolina/go-meshnet/pkg/meshnet/socket"
	"golang.org/x/sys/unix"
)

// RefusedReason classifies why a connect attempt did not succeed,
// matching the ConnectingPoller's refused(sid, reason) event in §4.A.
type RefusedReason int

const (
	ReasonRefused RefusedReason = iota
	ReasonReset
	ReasonTimeout
	ReasonUnreachable
	ReasonOther
)

// EventKind tags the union of events a poller can emit.
type EventKind int

const (
	EventConnected EventKind = iota
	EventRefused
	EventAcceptReady
	EventReadyRead
	EventCanWrite
	EventDisconnected
	EventFailed
)

// Event is the uniform event value every poller emits from Poll. Not
// every field is populated for every Kind; see the table in spec.md
// §4.A for which poller emits which Kind.
type Event struct {
	Kind   EventKind
	ID     socket.ID
	Reason RefusedReason
	Err    error
}

// base is the shared epoll bookkeeping every specialised poller embeds.
// Each specialised poller owns its own epoll instance — per §4.A's
// rationale, splitting by phase keeps error semantics honest — so base
// is not itself exported.
type base struct {
	epfd    int
	members map[socket.ID]struct{}
}

func newBase() (base, error) {
	epfd, err := unix.EpollCreate1(0)
	if err != nil {
		return base{}, fmt.Errorf("poller: epoll_create1: %w", err)
	}
	return base{epfd: epfd, members: make(map[socket.ID]struct{})}, nil
}

func (b *base) add(id socket.ID, events uint32) error {
	ev := unix.EpollEvent{Events: events, Fd: int32(id)}
	if err := unix.EpollCtl(b.epfd, unix.EPOLL_CTL_ADD, int(id), &ev); err != nil {
		return fmt.Errorf("poller: epoll_ctl add: %w", err)
	}
	b.members[id] = struct{}{}
	return nil
}

func (b *base) remove(id socket.ID) error {
	if _, ok := b.members[id]; !ok {
		return nil
	}
	delete(b.members, id)
	// EPOLL_CTL_DEL on a closed fd returns EBADF; that is expected when
	// the caller already closed the socket and is just tidying up the
	// poller's view, so it is not treated as an error here.
	_ = unix.EpollCtl(b.epfd, unix.EPOLL_CTL_DEL, int(id), nil)
	return nil
}

func (b *base) empty() bool { return len(b.members) == 0 }

func (b *base) close() error { return unix.Close(b.epfd) }

// wait runs one epoll_wait call, absorbing EINTR as zero events per
// §4.A's "transient EINTR is absorbed as zero events".
func (b *base) wait(timeoutMillis int, buf []unix.EpollEvent) ([]unix.EpollEvent, error) {
	for {
		n, err := unix.EpollWait(b.epfd, buf, timeoutMillis)
		if err != nil {
			if err == unix.EINTR {
				return nil, nil
			}
			return nil, fmt.Errorf("poller: epoll_wait: %w", err)
		}
		return buf[:n], nil
	}
}

func timeoutMillis(d int64) int {
	if d < 0 {
		return -1
	}
	return int(d)
}
