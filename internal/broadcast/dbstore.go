package broadcast

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/Klingon-tech/dragonnet-node/internal/storage"
	"github.com/Klingon-tech/dragonnet-node/pkg/block"
	"github.com/Klingon-tech/dragonnet-node/pkg/types"
)

// Key layout inside the store's keyspace:
//
//	s<chain><id>                 -> State JSON
//	d<deadline><chain><id>       -> empty, pending states only
//	v<chain><id><level><chain>   -> Verification JSON
//
// Integers are big-endian so ForEach over "d" yields deadline order.
var (
	prefixState  = []byte("s")
	prefixDue    = []byte("d")
	prefixVerify = []byte("v")
)

var errStop = errors.New("stop")

// DBStore is a Store over storage.DB. Every Put is one batch.
type DBStore struct {
	db storage.DB
}

// NewDBStore creates a store in db. Callers normally pass a PrefixDB.
func NewDBStore(db storage.DB) *DBStore {
	return &DBStore{db: db}
}

func originKey(o block.Origin) []byte {
	key := make([]byte, len(o.ChainID)+8)
	copy(key, o.ChainID)
	binary.BigEndian.PutUint64(key[len(o.ChainID):], o.BlockID)
	return key
}

func parseOriginKey(key []byte) (block.Origin, error) {
	if len(key) <= 8 {
		return block.Origin{}, fmt.Errorf("broadcast: short origin key %x", key)
	}
	n := len(key) - 8
	return block.Origin{ChainID: types.ChainID(key[:n]), BlockID: binary.BigEndian.Uint64(key[n:])}, nil
}

func stateKey(o block.Origin) []byte {
	return append([]byte{prefixState[0]}, originKey(o)...)
}

func dueKey(deadline int64, o block.Origin) []byte {
	key := make([]byte, 1+8, 1+8+len(o.ChainID)+8)
	key[0] = prefixDue[0]
	binary.BigEndian.PutUint64(key[1:], uint64(max(deadline, 0)))
	return append(key, originKey(o)...)
}

func verifyPrefix(o block.Origin, level types.Level) []byte {
	key := append([]byte{prefixVerify[0]}, originKey(o)...)
	return append(key, byte(level))
}

func verifyKey(v *block.Verification) []byte {
	return append(verifyPrefix(v.Origin, v.Level), v.Verifier...)
}

// Get loads the state for origin.
func (s *DBStore) Get(origin block.Origin) (*State, error) {
	data, err := s.db.Get(stateKey(origin))
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrUnknownBlock
	}
	if err != nil {
		return nil, fmt.Errorf("load state %s: %w", origin, err)
	}
	var st State
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("decode state %s: %w", origin, err)
	}
	st.normalize()
	return &st, nil
}

// Put writes st, its index entry and vs in one batch.
func (s *DBStore) Put(st *State, vs ...*block.Verification) error {
	old, err := s.Get(st.Origin)
	if err != nil && !errors.Is(err, ErrUnknownBlock) {
		return err
	}
	data, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("encode state %s: %w", st.Origin, err)
	}

	b := s.db.NewBatch()
	defer b.Discard()

	if old != nil && !old.Status.Terminal() && (old.Deadline != st.Deadline || st.Status.Terminal()) {
		if err := b.Delete(dueKey(old.Deadline, old.Origin)); err != nil {
			return err
		}
	}
	if !st.Status.Terminal() {
		if err := b.Put(dueKey(st.Deadline, st.Origin), []byte{}); err != nil {
			return err
		}
	}
	if err := b.Put(stateKey(st.Origin), data); err != nil {
		return err
	}
	for _, v := range vs {
		vdata, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("encode verification: %w", err)
		}
		if err := b.Put(verifyKey(v), vdata); err != nil {
			return err
		}
	}
	if err := b.Commit(); err != nil {
		return fmt.Errorf("save state %s: %w", st.Origin, err)
	}
	return nil
}

// Due scans the deadline index up to now.
func (s *DBStore) Due(now int64, limit int) ([]block.Origin, error) {
	var out []block.Origin
	err := s.db.ForEach(prefixDue, func(key, _ []byte) error {
		if int64(binary.BigEndian.Uint64(key[1:9])) > now || (limit > 0 && len(out) >= limit) {
			return errStop
		}
		o, err := parseOriginKey(key[9:])
		if err != nil {
			return err
		}
		out = append(out, o)
		return nil
	})
	if err != nil && !errors.Is(err, errStop) {
		return nil, fmt.Errorf("scan due index: %w", err)
	}
	return out, nil
}

// Verifications loads the records for origin at level.
func (s *DBStore) Verifications(origin block.Origin, level types.Level) ([]*block.Verification, error) {
	var out []*block.Verification
	err := s.db.ForEach(verifyPrefix(origin, level), func(_, value []byte) error {
		var v block.Verification
		if err := json.Unmarshal(value, &v); err != nil {
			return err
		}
		out = append(out, &v)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("load verifications %s %s: %w", origin, level, err)
	}
	return out, nil
}

// Pending counts the deadline index.
func (s *DBStore) Pending() (int, error) {
	n := 0
	err := s.db.ForEach(prefixDue, func(_, _ []byte) error {
		n++
		return nil
	})
	return n, err
}

// Recover drops the deadline index and rebuilds it from the states.
func (s *DBStore) Recover() error {
	b := s.db.NewBatch()
	defer b.Discard()

	err := s.db.ForEach(prefixDue, func(key, _ []byte) error {
		return b.Delete(key)
	})
	if err != nil {
		return fmt.Errorf("clear due index: %w", err)
	}
	err = s.db.ForEach(prefixState, func(_, value []byte) error {
		var st State
		if err := json.Unmarshal(value, &st); err != nil {
			return err
		}
		if st.Status.Terminal() {
			return nil
		}
		return b.Put(dueKey(st.Deadline, st.Origin), []byte{})
	})
	if err != nil {
		return fmt.Errorf("rebuild due index: %w", err)
	}
	return b.Commit()
}
