// Package queue implements the per-socket priority writer queue and
// frame packing described in spec.md §4.C.
package queue

import (
	"fmt"

	"github.com/jabolina/go-meshnet/pkg/meshnet/wire"
)

// chunk is one enqueued payload awaiting transmission within a lane.
type chunk struct {
	bytes []byte
}

// lane is a FIFO of chunks for one priority level.
type lane struct {
	chunks []chunk
}

func (l *lane) empty() bool { return len(l.chunks) == 0 }

func (l *lane) pushBack(b []byte) {
	l.chunks = append(l.chunks, chunk{bytes: b})
}

func (l *lane) front() []byte {
	if l.empty() {
		return nil
	}
	return l.chunks[0].bytes
}

// dropFront removes the first n bytes of the front chunk, dropping the
// chunk entirely once it is exhausted.
func (l *lane) dropFront(n int) {
	if l.empty() {
		return
	}
	front := l.chunks[0].bytes
	if n >= len(front) {
		l.chunks = l.chunks[1:]
		return
	}
	l.chunks[0].bytes = front[n:]
}

// currentFrame holds a frame acquired from a lane but not yet fully sent.
type currentFrame struct {
	priority uint8
	framed   []byte // full wire bytes, header+payload+footer
	sourceLn int     // payload bytes drawn from the lane for this frame
	sent     int     // bytes of framed already confirmed sent
}

// Queue is the per-socket priority writer queue of spec.md §4.C. It is
// not safe for concurrent use; callers (the writer pool) own one queue
// per socket and drive it from a single goroutine.
type Queue struct {
	lanes   []lane
	current *currentFrame
	// rejectAbove is the high-water mark (total queued bytes across all
	// lanes) beyond which Enqueue returns ErrHighWaterMark, realising
	// spec.md §7's ResourceExhausted kind.
	rejectAbove int
	queuedBytes int
}

// New builds a Queue with priorityCount lanes (spec.md's N_PRIORITY).
// highWaterMark caps total queued bytes; zero means unbounded.
func New(priorityCount int, highWaterMark int) *Queue {
	if priorityCount <= 0 {
		priorityCount = 1
	}
	return &Queue{
		lanes:       make([]lane, priorityCount),
		rejectAbove: highWaterMark,
	}
}

// PriorityCount returns the compile-time lane count, per §4.C.
func (q *Queue) PriorityCount() int { return len(q.lanes) }

// ErrHighWaterMark is ResourceExhausted: the queue has reached its
// configured high-water mark and further Enqueue calls are rejected.
var ErrHighWaterMark = fmt.Errorf("queue: resource exhausted, high-water mark reached")

// Enqueue appends bytes to the named priority lane. priority must be in
// [0, PriorityCount).
func (q *Queue) Enqueue(priority uint8, bytes []byte) error {
	if int(priority) >= len(q.lanes) {
		return fmt.Errorf("queue: priority %d out of range [0,%d)", priority, len(q.lanes))
	}
	if q.rejectAbove > 0 && q.queuedBytes+len(bytes) > q.rejectAbove {
		return ErrHighWaterMark
	}
	q.lanes[priority].pushBack(bytes)
	q.queuedBytes += len(bytes)
	return nil
}

// Empty reports whether every lane is empty and no frame is in flight.
func (q *Queue) Empty() bool {
	if q.current != nil {
		return false
	}
	for i := range q.lanes {
		if !q.lanes[i].empty() {
			return false
		}
	}
	return true
}

// QueuedBytes returns the total bytes queued across all lanes. The
// payload bytes of an in-flight current frame stay counted until Shift
// has confirmed the whole frame.
func (q *Queue) QueuedBytes() int { return q.queuedBytes }

// highestNonEmpty returns the index of the highest-priority (lowest
// index number wins — priority 0 is the convention used throughout this
// codebase's callers, which treat lower numeric values as higher
// priority, matching spec.md §5's "higher priority is strictly
// preferred") non-empty lane, or -1 if all lanes are empty.
func (q *Queue) highestNonEmpty() int {
	for i := range q.lanes {
		if !q.lanes[i].empty() {
			return i
		}
	}
	return -1
}

// AcquireFrame returns the wire bytes of the frame currently being sent.
// If a partial send is in progress the same frame is returned unchanged
// (resumption, per spec.md §4.C); otherwise the highest-priority
// non-empty lane is drained into a new frame sized at most maxFrameBytes
// total (including header/footer). Returns nil, false when nothing is
// queued.
func (q *Queue) AcquireFrame(maxFrameBytes int) ([]byte, bool) {
	if q.current != nil {
		return q.current.framed[q.current.sent:], true
	}
	idx := q.highestNonEmpty()
	if idx < 0 {
		return nil, false
	}
	front := q.lanes[idx].front()
	overhead := wire.FrameSize(0)
	budget := maxFrameBytes - overhead
	if budget <= 0 {
		budget = 1
	}
	n := len(front)
	if n > budget {
		n = budget
	}
	payload := front[:n]
	framed, err := wire.PackPriority(uint8(idx), payload)
	if err != nil {
		// Only reachable if budget computation above is wrong; treat as
		// a single-byte minimal frame to make forward progress instead
		// of wedging the socket.
		framed, _ = wire.PackPriority(uint8(idx), front[:1])
		n = 1
	}
	q.current = &currentFrame{priority: uint8(idx), framed: framed, sourceLn: n}
	return q.current.framed, true
}

// Shift confirms that n bytes of the in-flight frame were transmitted by
// the socket. Once the whole frame (header, payload and footer) has been
// confirmed, the source lane is advanced and the current frame is
// cleared so the next AcquireFrame call drains a new one. Frame
// boundaries are never crossed: n is clamped to the remaining bytes of
// the current frame.
func (q *Queue) Shift(n int) {
	if q.current == nil || n <= 0 {
		return
	}
	remaining := len(q.current.framed) - q.current.sent
	if n > remaining {
		n = remaining
	}
	q.current.sent += n
	if q.current.sent < len(q.current.framed) {
		return
	}
	q.lanes[q.current.priority].dropFront(q.current.sourceLn)
	q.queuedBytes -= q.current.sourceLn
	if q.queuedBytes < 0 {
		q.queuedBytes = 0
	}
	q.current = nil
}
