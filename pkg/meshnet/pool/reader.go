package pool

import (
	"sync"
	"time"

	"github.com/jabolina/go-meshnet/pkg/meshnet/logging"
	"github.com/jabolina/go-meshnet/pkg/meshnet/poller"
	"github.com/jabolina/go-meshnet/pkg/meshnet/socket"
	"github.com/jabolina/go-meshnet/pkg/meshnet/wire"
)

// ReaderCallbacks receives parsed frames and connection-lifecycle events
// from the ReaderPool.
type ReaderCallbacks interface {
	// OnFrame is invoked once per completed priority frame extracted
	// from the socket's input buffer.
	OnFrame(id socket.ID, priority uint8, body []byte)
	// OnDisconnected fires when the peer closed gracefully (recv
	// returned 0).
	OnDisconnected(id socket.ID)
	// OnProtocolError fires when a frame fails to parse; the channel
	// owning this socket must be closed per spec.md §7.
	OnProtocolError(id socket.ID, err error)
	// OnFailed fires on a non-recoverable OS error on this socket.
	OnFailed(id socket.ID, err error)
}

const readChunkSize = 64 * 1024

type inbound struct {
	sock *socket.Socket
	buf  []byte
}

// ReaderPool owns the per-socket inbound buffer and frame extraction
// described in spec.md §4.D.
type ReaderPool struct {
	mu        sync.Mutex
	poll      *poller.ReaderPoller
	callbacks ReaderCallbacks
	log       logging.Logger
	sockets   map[socket.ID]*inbound
}

// NewReaderPool builds a ReaderPool.
func NewReaderPool(callbacks ReaderCallbacks, log logging.Logger) (*ReaderPool, error) {
	p, err := poller.NewReaderPoller()
	if err != nil {
		return nil, err
	}
	return &ReaderPool{
		poll:      p,
		callbacks: callbacks,
		log:       log,
		sockets:   make(map[socket.ID]*inbound),
	}, nil
}

// Add registers sock for read-readiness and starts tracking its input buffer.
func (rp *ReaderPool) Add(sock *socket.Socket) error {
	rp.mu.Lock()
	rp.sockets[sock.ID()] = &inbound{sock: sock}
	rp.mu.Unlock()
	return rp.poll.Add(sock)
}

// Remove stops tracking id, used when a channel is torn down.
func (rp *ReaderPool) Remove(id socket.ID) {
	rp.mu.Lock()
	delete(rp.sockets, id)
	rp.mu.Unlock()
	rp.poll.Remove(id)
}

// Empty reports whether no sockets are tracked.
func (rp *ReaderPool) Empty() bool {
	rp.mu.Lock()
	defer rp.mu.Unlock()
	return len(rp.sockets) == 0
}

// Close releases the underlying poller.
func (rp *ReaderPool) Close() error { return rp.poll.Close() }

// Poll advances the pool by one poll quantum.
func (rp *ReaderPool) Poll(timeout time.Duration) (int, error) {
	events, err := rp.poll.Poll(timeout)
	if err != nil {
		return 0, err
	}
	for _, ev := range events {
		rp.handle(ev)
	}
	return len(events), nil
}

func (rp *ReaderPool) handle(ev poller.Event) {
	rp.mu.Lock()
	in, ok := rp.sockets[ev.ID]
	rp.mu.Unlock()
	if !ok {
		return
	}

	switch ev.Kind {
	case poller.EventFailed:
		if rp.callbacks != nil {
			rp.callbacks.OnFailed(ev.ID, ev.Err)
		}
	case poller.EventDisconnected:
		if rp.callbacks != nil {
			rp.callbacks.OnDisconnected(ev.ID)
		}
	case poller.EventReadyRead:
		rp.drain(ev.ID, in)
	}
}

// drain reads until the socket would block or the peer disconnects,
// extracting every complete frame as it becomes available, per spec.md
// §4.D's ReaderPool description.
func (rp *ReaderPool) drain(id socket.ID, in *inbound) {
	chunk := make([]byte, readChunkSize)
	for {
		n, ok, err := in.sock.Recv(chunk)
		if err != nil {
			if rp.callbacks != nil {
				rp.callbacks.OnFailed(id, err)
			}
			return
		}
		if !ok {
			return
		}
		if n == 0 {
			if rp.callbacks != nil {
				rp.callbacks.OnDisconnected(id)
			}
			return
		}
		in.buf = append(in.buf, chunk[:n]...)
		rp.extractFrames(id, in)
		if n < readChunkSize {
			// Short read: the socket would have blocked on the next
			// recv, level-triggering will notify us again later.
			return
		}
	}
}

func (rp *ReaderPool) extractFrames(id socket.ID, in *inbound) {
	for {
		priority, body, consumed, ok, err := wire.ParsePriority(in.buf)
		if err != nil {
			if rp.callbacks != nil {
				rp.callbacks.OnProtocolError(id, err)
			}
			in.buf = nil
			return
		}
		if !ok {
			return
		}
		in.buf = in.buf[consumed:]
		if rp.callbacks != nil {
			rp.callbacks.OnFrame(id, priority, body)
		}
	}
}
