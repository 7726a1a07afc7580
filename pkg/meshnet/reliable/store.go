package reliable

import (
	"sync"
	"time"

	"github.com/jabolina/go-meshnet/pkg/meshnet/id"
)

// PendingMessage is one outstanding, unacknowledged send, per spec.md
// §4.I: the exact wire-ready PayloadPacket bytes are kept so a retry
// resends them unchanged rather than re-deriving anything.
type PendingMessage struct {
	Dest      id.NodeId
	MsgID     MessageID
	Priority  uint8
	Payload   []byte
	Attempts  uint32
	NextRetry time.Time
}

// Store is the pending-message persistence contract of spec.md §4.I's
// closing paragraph: insert, ack and iterate_due, realised by an
// in-memory store (default) or a durable one (optional).
type Store interface {
	// Insert records msg as pending delivery to dest.
	Insert(dest id.NodeId, msg PendingMessage) error
	// Ack removes and returns the pending message for (dest, msgid), if
	// any was outstanding.
	Ack(dest id.NodeId, msgid MessageID) (PendingMessage, bool, error)
	// IterateDue visits every pending message whose NextRetry is at or
	// before now. fn returns the (possibly updated) message and whether
	// to keep it pending; returning keep=false removes it.
	IterateDue(now time.Time, fn func(dest id.NodeId, msg PendingMessage) (PendingMessage, bool)) error
	Close() error
}

// MemoryStore is the default in-memory pending-message store. Pending
// messages do not survive process restart.
type MemoryStore struct {
	mu      sync.Mutex
	pending map[id.NodeId]map[MessageID]PendingMessage
}

// NewMemoryStore builds an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{pending: make(map[id.NodeId]map[MessageID]PendingMessage)}
}

func (s *MemoryStore) Insert(dest id.NodeId, msg PendingMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	bucket, ok := s.pending[dest]
	if !ok {
		bucket = make(map[MessageID]PendingMessage)
		s.pending[dest] = bucket
	}
	bucket[msg.MsgID] = msg
	return nil
}

func (s *MemoryStore) Ack(dest id.NodeId, msgid MessageID) (PendingMessage, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	bucket, ok := s.pending[dest]
	if !ok {
		return PendingMessage{}, false, nil
	}
	msg, ok := bucket[msgid]
	if !ok {
		return PendingMessage{}, false, nil
	}
	delete(bucket, msgid)
	if len(bucket) == 0 {
		delete(s.pending, dest)
	}
	return msg, true, nil
}

func (s *MemoryStore) IterateDue(now time.Time, fn func(dest id.NodeId, msg PendingMessage) (PendingMessage, bool)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for dest, bucket := range s.pending {
		for msgid, msg := range bucket {
			if msg.NextRetry.After(now) {
				continue
			}
			updated, keep := fn(dest, msg)
			if !keep {
				delete(bucket, msgid)
				continue
			}
			bucket[msgid] = updated
		}
		if len(bucket) == 0 {
			delete(s.pending, dest)
		}
	}
	return nil
}

func (s *MemoryStore) Close() error { return nil }
