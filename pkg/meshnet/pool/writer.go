package pool

import (
	"sync"
	"time"

	"github.com/jabolina/go-meshnet/pkg/meshnet/logging"
	"github.com/jabolina/go-meshnet/pkg/meshnet/metrics"
	"github.com/jabolina/go-meshnet/pkg/meshnet/poller"
	"github.com/jabolina/go-meshnet/pkg/meshnet/queue"
	"github.com/jabolina/go-meshnet/pkg/meshnet/socket"
)

// WriterCallbacks receives write-side failures and drain notifications.
type WriterCallbacks interface {
	// OnDrained fires once a socket's queue becomes empty after having
	// had data in flight — used by the channel state machine to
	// complete a Draining teardown.
	OnDrained(id socket.ID)
	OnFailed(id socket.ID, err error)
}

type outbound struct {
	sock  *socket.Socket
	queue *queue.Queue
	armed bool // true while registered with the WriterPoller
}

// WriterPool owns the per-socket priority queue and drives frame
// transmission on write-readiness, per spec.md §4.D.
type WriterPool struct {
	mu          sync.Mutex
	poll        *poller.WriterPoller
	callbacks   WriterCallbacks
	log         logging.Logger
	metrics     metrics.Sink
	frameMTU    int
	priorityCnt int
	highWater   int
	sockets     map[socket.ID]*outbound
}

// NewWriterPool builds a WriterPool. frameMTU bounds the wire size of
// packed frames (spec.md §6's frame_mtu); priorityCount is the compile
// time lane count (§6's priority_count); highWater bounds queued bytes
// per socket (0 = unbounded).
func NewWriterPool(frameMTU int, priorityCount int, highWater int, sink metrics.Sink, log logging.Logger) (*WriterPool, error) {
	p, err := poller.NewWriterPoller()
	if err != nil {
		return nil, err
	}
	if sink == nil {
		sink = metrics.NewNoop()
	}
	return &WriterPool{
		poll:        p,
		log:         log,
		metrics:     sink,
		frameMTU:    frameMTU,
		priorityCnt: priorityCount,
		highWater:   highWater,
		sockets:     make(map[socket.ID]*outbound),
	}, nil
}

// SetCallbacks wires the owner's callback implementation. Split from the
// constructor so NodePool-level wiring can reference the pool before its
// callbacks object (which often references the pool back) exists.
func (wp *WriterPool) SetCallbacks(cb WriterCallbacks) { wp.callbacks = cb }

// Add registers sock with its own priority queue, not yet watched for
// write-readiness (the socket is only armed once data is enqueued).
func (wp *WriterPool) Add(sock *socket.Socket) {
	wp.mu.Lock()
	defer wp.mu.Unlock()
	wp.sockets[sock.ID()] = &outbound{sock: sock, queue: queue.New(wp.priorityCnt, wp.highWater)}
}

// Remove stops tracking id.
func (wp *WriterPool) Remove(id socket.ID) {
	wp.mu.Lock()
	defer wp.mu.Unlock()
	if ob, ok := wp.sockets[id]; ok && ob.armed {
		wp.poll.Remove(id)
	}
	delete(wp.sockets, id)
}

// Enqueue appends bytes to the named socket's priority lane and arms the
// socket for write-readiness if it was idle.
func (wp *WriterPool) Enqueue(id socket.ID, priority uint8, bytes []byte) error {
	wp.mu.Lock()
	defer wp.mu.Unlock()
	ob, ok := wp.sockets[id]
	if !ok {
		return errNoSuchSocket
	}
	if err := ob.queue.Enqueue(priority, bytes); err != nil {
		wp.metrics.QueueRejected()
		return err
	}
	if !ob.armed {
		if err := wp.poll.Add(ob.sock); err != nil {
			return err
		}
		ob.armed = true
	}
	return nil
}

// QueueEmpty reports whether id's queue has nothing left to send.
func (wp *WriterPool) QueueEmpty(id socket.ID) bool {
	wp.mu.Lock()
	defer wp.mu.Unlock()
	ob, ok := wp.sockets[id]
	if !ok {
		return true
	}
	return ob.queue.Empty()
}

// Empty reports whether no sockets are tracked.
func (wp *WriterPool) Empty() bool {
	wp.mu.Lock()
	defer wp.mu.Unlock()
	return len(wp.sockets) == 0
}

// Close releases the underlying poller.
func (wp *WriterPool) Close() error { return wp.poll.Close() }

// Poll advances the pool by one poll quantum.
func (wp *WriterPool) Poll(timeout time.Duration) (int, error) {
	events, err := wp.poll.Poll(timeout)
	if err != nil {
		return 0, err
	}
	for _, ev := range events {
		wp.handle(ev)
	}
	return len(events), nil
}

func (wp *WriterPool) handle(ev poller.Event) {
	wp.mu.Lock()
	ob, ok := wp.sockets[ev.ID]
	wp.mu.Unlock()
	if !ok {
		return
	}

	switch ev.Kind {
	case poller.EventFailed:
		if wp.callbacks != nil {
			wp.callbacks.OnFailed(ev.ID, ev.Err)
		}
	case poller.EventCanWrite:
		wp.flush(ev.ID, ob)
	}
}

// flush calls acquire_frame/send/shift in a loop until the socket would
// block, the queue empties, or a send fails, per spec.md §4.D's
// WriterPool description.
func (wp *WriterPool) flush(id socket.ID, ob *outbound) {
	for {
		frame, has := ob.queue.AcquireFrame(wp.frameMTU)
		if !has {
			break
		}
		n, result := ob.sock.Send(frame)
		if n > 0 {
			ob.queue.Shift(n)
		}
		switch result {
		case socket.SendFailure:
			if wp.callbacks != nil {
				wp.callbacks.OnFailed(id, errSendFailed)
			}
			return
		case socket.SendAgain:
			return
		case socket.SendGood:
			if n < len(frame) {
				// Partial write; wait for the next writability event to
				// resume this exact frame (the queue already remembers
				// where it left off).
				return
			}
		}
	}

	wp.mu.Lock()
	empty := ob.queue.Empty()
	if empty && ob.armed {
		wp.poll.Remove(id)
		ob.armed = false
	}
	wp.mu.Unlock()

	if empty && wp.callbacks != nil {
		wp.callbacks.OnDrained(id)
	}
}
