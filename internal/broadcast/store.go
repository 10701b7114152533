package broadcast

import (
	"cmp"
	"errors"
	"slices"
	"sync"

	"github.com/Klingon-tech/dragonnet-node/pkg/block"
	"github.com/Klingon-tech/dragonnet-node/pkg/types"
)

// ErrUnknownBlock is returned for blocks the scheduler never saw.
var ErrUnknownBlock = errors.New("broadcast: unknown block")

// Store persists verification states, the deadline index and the
// verification records collected for each block.
//
// Put writes the state, moves its index entry (pending states are indexed
// by Deadline, terminal ones are not) and stores vs in one atomic update.
type Store interface {
	Get(origin block.Origin) (*State, error)
	Put(st *State, vs ...*block.Verification) error
	// Due returns up to limit pending origins with Deadline <= now,
	// earliest first.
	Due(now int64, limit int) ([]block.Origin, error)
	// Verifications returns the stored records for origin at level.
	Verifications(origin block.Origin, level types.Level) ([]*block.Verification, error)
	// Pending returns the number of indexed states.
	Pending() (int, error)
	// Recover rebuilds the deadline index from the stored states.
	Recover() error
}

type dueEntry struct {
	deadline int64
	origin   block.Origin
}

func compareDue(a, b dueEntry) int {
	if c := cmp.Compare(a.deadline, b.deadline); c != 0 {
		return c
	}
	if c := cmp.Compare(a.origin.ChainID, b.origin.ChainID); c != 0 {
		return c
	}
	return cmp.Compare(a.origin.BlockID, b.origin.BlockID)
}

// MemoryStore keeps everything in process memory. The deadline index is a
// slice kept sorted by (deadline, origin).
type MemoryStore struct {
	mu     sync.Mutex
	states map[block.Origin]*State
	due    []dueEntry
	vs     map[block.Origin]map[types.Level][]*block.Verification
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		states: make(map[block.Origin]*State),
		vs:     make(map[block.Origin]map[types.Level][]*block.Verification),
	}
}

// Get returns a copy of the state for origin.
func (m *MemoryStore) Get(origin block.Origin) (*State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.states[origin]
	if !ok {
		return nil, ErrUnknownBlock
	}
	return st.Clone(), nil
}

// Put stores st and vs.
func (m *MemoryStore) Put(st *State, vs ...*block.Verification) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if old, ok := m.states[st.Origin]; ok && !old.Status.Terminal() {
		m.unindex(dueEntry{deadline: old.Deadline, origin: old.Origin})
	}
	m.states[st.Origin] = st.Clone()
	if !st.Status.Terminal() {
		m.index(dueEntry{deadline: st.Deadline, origin: st.Origin})
	}

	for _, v := range vs {
		byLevel := m.vs[v.Origin]
		if byLevel == nil {
			byLevel = make(map[types.Level][]*block.Verification)
			m.vs[v.Origin] = byLevel
		}
		i := slices.IndexFunc(byLevel[v.Level], func(x *block.Verification) bool { return x.Verifier == v.Verifier })
		if i >= 0 {
			byLevel[v.Level][i] = v
		} else {
			byLevel[v.Level] = append(byLevel[v.Level], v)
		}
	}
	return nil
}

func (m *MemoryStore) index(e dueEntry) {
	i, found := slices.BinarySearchFunc(m.due, e, compareDue)
	if !found {
		m.due = slices.Insert(m.due, i, e)
	}
}

func (m *MemoryStore) unindex(e dueEntry) {
	if i, found := slices.BinarySearchFunc(m.due, e, compareDue); found {
		m.due = slices.Delete(m.due, i, i+1)
	}
}

// Due returns the origins whose deadline has passed.
func (m *MemoryStore) Due(now int64, limit int) ([]block.Origin, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []block.Origin
	for _, e := range m.due {
		if e.deadline > now || (limit > 0 && len(out) >= limit) {
			break
		}
		out = append(out, e.origin)
	}
	return out, nil
}

// Verifications returns the records for origin at level.
func (m *MemoryStore) Verifications(origin block.Origin, level types.Level) ([]*block.Verification, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.vs[origin][level]), nil
}

// Pending returns the size of the deadline index.
func (m *MemoryStore) Pending() (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.due), nil
}

// Recover rebuilds the index from the states.
func (m *MemoryStore) Recover() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.due = m.due[:0]
	for _, st := range m.states {
		if !st.Status.Terminal() {
			m.due = append(m.due, dueEntry{deadline: st.Deadline, origin: st.Origin})
		}
	}
	slices.SortFunc(m.due, compareDue)
	return nil
}
