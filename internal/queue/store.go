package queue

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Klingon-tech/dragonnet-node/internal/log"
	"github.com/Klingon-tech/dragonnet-node/internal/storage"
)

var (
	prefixIncoming   = []byte("i")
	prefixProcessing = []byte("p")
)

// seqOrigin is the first sequence number. Recover prepends below it, Enqueue
// appends above it, so both directions have room.
const seqOrigin = uint64(1) << 63

var errStopIteration = errors.New("stop iteration")

// Store is a Queue persisted in a storage.DB. Keys are a one-byte list tag
// followed by a big-endian sequence number, so ForEach yields FIFO order.
type Store struct {
	db    storage.DB
	mu    sync.Mutex
	head  uint64 // Sequence of the first incoming item.
	tail  uint64 // Sequence the next Enqueue uses.
	guard drainGuard
	now   func() time.Time
}

// NewStore opens a queue over db and recovers any in-flight items.
func NewStore(ctx context.Context, db storage.DB) (*Store, error) {
	s := &Store{db: db, head: seqOrigin, tail: seqOrigin, now: time.Now}

	first := true
	err := db.ForEach(prefixIncoming, func(key, _ []byte) error {
		seq := binary.BigEndian.Uint64(key[1:])
		if first {
			s.head = seq
			first = false
		}
		s.tail = seq + 1
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan queue: %w", err)
	}
	if err := s.Recover(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func seqKey(prefix []byte, seq uint64) []byte {
	key := make([]byte, 1+8)
	key[0] = prefix[0]
	binary.BigEndian.PutUint64(key[1:], seq)
	return key
}

// Enqueue appends item to the incoming list.
func (s *Store) Enqueue(_ context.Context, item *Item) error {
	if err := item.validate(); err != nil {
		return err
	}
	data, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("encode item: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.db.Put(seqKey(prefixIncoming, s.tail), data); err != nil {
		return fmt.Errorf("enqueue: %w", err)
	}
	s.tail++
	return nil
}

// DrainForBlock moves up to limit items into the processing list and
// returns them oldest first. Expired block items are dropped.
func (s *Store) DrainForBlock(ctx context.Context, limit int) ([]*Item, error) {
	if err := s.guard.acquire(); err != nil {
		return nil, err
	}
	items, err := s.drain(ctx, limit)
	if err != nil || len(items) == 0 {
		s.guard.release()
	}
	return items, err
}

func (s *Store) drain(_ context.Context, limit int) ([]*Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.recoverLocked(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		return nil, nil
	}

	now := s.now()
	batch := s.db.NewBatch()
	defer batch.Discard()

	var items []*Item
	last := s.head
	err := s.db.ForEach(prefixIncoming, func(key, value []byte) error {
		seq := binary.BigEndian.Uint64(key[1:])
		last = seq + 1
		if err := batch.Delete(key); err != nil {
			return err
		}

		var item Item
		if err := json.Unmarshal(value, &item); err != nil {
			log.Queue.Warn().Err(err).Uint64("seq", seq).Msg("Dropping undecodable queue item")
			return nil
		}
		if item.Expired(now) {
			log.Queue.Warn().Str("item", item.ID()).Msg("Dropping expired verification request")
			return nil
		}
		if err := batch.Put(seqKey(prefixProcessing, seq), value); err != nil {
			return err
		}
		items = append(items, &item)
		if len(items) == limit {
			return errStopIteration
		}
		return nil
	})
	if err != nil && !errors.Is(err, errStopIteration) {
		return nil, fmt.Errorf("drain: %w", err)
	}
	if err := batch.Commit(); err != nil {
		return nil, fmt.Errorf("drain commit: %w", err)
	}
	s.head = last
	if s.head > s.tail {
		s.tail = s.head
	}
	return items, nil
}

// ClearProcessing deletes the processing list after the block is committed
// and ends the drain.
func (s *Store) ClearProcessing(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	batch := s.db.NewBatch()
	defer batch.Discard()
	err := s.db.ForEach(prefixProcessing, func(key, _ []byte) error {
		return batch.Delete(key)
	})
	if err != nil {
		return fmt.Errorf("clear processing: %w", err)
	}
	if err := batch.Commit(); err != nil {
		return fmt.Errorf("clear processing: %w", err)
	}
	s.guard.release()
	return nil
}

// Ack deletes the n oldest processing items.
func (s *Store) Ack(_ context.Context, n int) error {
	if n <= 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	batch := s.db.NewBatch()
	defer batch.Discard()
	deleted := 0
	err := s.db.ForEach(prefixProcessing, func(key, _ []byte) error {
		if err := batch.Delete(key); err != nil {
			return err
		}
		deleted++
		if deleted == n {
			return errStopIteration
		}
		return nil
	})
	if err != nil && !errors.Is(err, errStopIteration) {
		return fmt.Errorf("ack: %w", err)
	}
	if err := batch.Commit(); err != nil {
		return fmt.Errorf("ack commit: %w", err)
	}
	return nil
}

// Requeue returns the processing list to the head of the queue and ends
// the drain. Used when the block could not be committed.
func (s *Store) Requeue(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	defer s.guard.release()
	return s.recoverLocked()
}

// Recover moves items left in the processing list back to the head of the
// incoming list, preserving their order.
func (s *Store) Recover(_ context.Context) error {
	if s.guard.busy() {
		return ErrDrainInProgress
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.recoverLocked()
}

func (s *Store) recoverLocked() error {
	var keys, values [][]byte
	err := s.db.ForEach(prefixProcessing, func(key, value []byte) error {
		keys = append(keys, key)
		values = append(values, value)
		return nil
	})
	if err != nil {
		return fmt.Errorf("recover: %w", err)
	}
	if len(keys) == 0 {
		return nil
	}

	batch := s.db.NewBatch()
	defer batch.Discard()
	head := s.head - uint64(len(keys))
	for i := range keys {
		if err := batch.Delete(keys[i]); err != nil {
			return err
		}
		if err := batch.Put(seqKey(prefixIncoming, head+uint64(i)), values[i]); err != nil {
			return err
		}
	}
	if err := batch.Commit(); err != nil {
		return fmt.Errorf("recover commit: %w", err)
	}
	s.head = head
	log.Queue.Info().Int("items", len(keys)).Msg("Recovered in-flight queue items")
	return nil
}

// Len returns the number of incoming items.
func (s *Store) Len(_ context.Context) (int, error) {
	n := 0
	err := s.db.ForEach(prefixIncoming, func(_, _ []byte) error {
		n++
		return nil
	})
	return n, err
}

// Close is a no-op; the DB is owned by the node.
func (s *Store) Close() error {
	return nil
}
