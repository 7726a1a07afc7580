package reliable

import (
	"encoding/binary"
	"time"

	"go.etcd.io/bbolt"

	"github.com/jabolina/go-meshnet/pkg/meshnet/id"
)

var pendingBucket = []byte("pending")

// BoltStore is the durable pending-message store spec.md §4.I's closing
// paragraph allows as an alternative to MemoryStore, backed by
// go.etcd.io/bbolt so outstanding sends survive a process restart.
type BoltStore struct {
	db *bbolt.DB
}

// OpenBoltStore opens (creating if absent) a bbolt-backed pending-message
// store at path.
func OpenBoltStore(path string) (*BoltStore, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, err
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(pendingBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &BoltStore{db: db}, nil
}

func pendingKey(dest id.NodeId, msgid MessageID) []byte {
	key := make([]byte, 0, 32)
	key = append(key, dest.Bytes()...)
	key = append(key, msgid.Bytes()...)
	return key
}

func encodePending(msg PendingMessage) []byte {
	buf := make([]byte, 0, 16+16+1+4+8+len(msg.Payload))
	buf = append(buf, msg.Dest.Bytes()...)
	buf = append(buf, msg.MsgID.Bytes()...)
	buf = append(buf, msg.Priority)
	buf = binary.BigEndian.AppendUint32(buf, msg.Attempts)
	buf = binary.BigEndian.AppendUint64(buf, uint64(msg.NextRetry.UnixNano()))
	buf = append(buf, msg.Payload...)
	return buf
}

func decodePending(b []byte) (PendingMessage, error) {
	const headerLen = 16 + 16 + 1 + 4 + 8
	if len(b) < headerLen {
		return PendingMessage{}, ErrMalformed
	}
	dest, err := id.FromBytes(b[0:16])
	if err != nil {
		return PendingMessage{}, err
	}
	msgid, err := id.FromBytes(b[16:32])
	if err != nil {
		return PendingMessage{}, err
	}
	priority := b[32]
	attempts := binary.BigEndian.Uint32(b[33:37])
	nanos := int64(binary.BigEndian.Uint64(b[37:45]))
	payload := append([]byte(nil), b[45:]...)
	return PendingMessage{
		Dest:      dest,
		MsgID:     msgid,
		Priority:  priority,
		Attempts:  attempts,
		NextRetry: time.Unix(0, nanos),
		Payload:   payload,
	}, nil
}

func (s *BoltStore) Insert(dest id.NodeId, msg PendingMessage) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(pendingBucket).Put(pendingKey(dest, msg.MsgID), encodePending(msg))
	})
}

func (s *BoltStore) Ack(dest id.NodeId, msgid MessageID) (PendingMessage, bool, error) {
	var found PendingMessage
	var ok bool
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(pendingBucket)
		key := pendingKey(dest, msgid)
		v := b.Get(key)
		if v == nil {
			return nil
		}
		msg, err := decodePending(v)
		if err != nil {
			return err
		}
		found, ok = msg, true
		return b.Delete(key)
	})
	return found, ok, err
}

func (s *BoltStore) IterateDue(now time.Time, fn func(dest id.NodeId, msg PendingMessage) (PendingMessage, bool)) error {
	type mutation struct {
		key     []byte
		keep    bool
		updated PendingMessage
	}

	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(pendingBucket)

		// bbolt's ForEach forbids mutating the bucket while it walks the
		// B+tree, so the due keys are only collected here; every
		// Put/Delete happens in a second pass once ForEach has returned.
		var mutations []mutation
		err := b.ForEach(func(k, v []byte) error {
			msg, err := decodePending(v)
			if err != nil {
				return err
			}
			if msg.NextRetry.After(now) {
				return nil
			}
			updated, keep := fn(msg.Dest, msg)
			mutations = append(mutations, mutation{key: append([]byte(nil), k...), keep: keep, updated: updated})
			return nil
		})
		if err != nil {
			return err
		}

		for _, m := range mutations {
			if !m.keep {
				if err := b.Delete(m.key); err != nil {
					return err
				}
				continue
			}
			if err := b.Put(m.key, encodePending(m.updated)); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *BoltStore) Close() error { return s.db.Close() }
