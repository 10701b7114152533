// Package broadcast drives this chain's L1 blocks through the higher
// verification levels: it picks verifiers, sends requests with deadlines,
// collects receipts and finalizes or fails each block.
package broadcast

import (
	"slices"
	"strconv"

	"github.com/Klingon-tech/dragonnet-node/pkg/block"
	"github.com/Klingon-tech/dragonnet-node/pkg/types"
)

// Status is the lifecycle position of a block in the scheduler.
type Status string

const (
	StatusPending   Status = "pending"
	StatusFinalized Status = "finalized"
	StatusFailed    Status = "failed"
)

// Terminal reports whether the status leaves the due index.
func (s Status) Terminal() bool {
	return s == StatusFinalized || s == StatusFailed
}

// Outcome is the result of handing a receipt to the scheduler.
type Outcome int

const (
	Accepted         Outcome = iota // Counted toward its level
	Duplicate                       // Verifier already counted at that level
	AlreadySatisfied                // Level already had enough verifiers
)

func (o Outcome) String() string {
	switch o {
	case Accepted:
		return "accepted"
	case Duplicate:
		return "duplicate"
	case AlreadySatisfied:
		return "already_satisfied"
	default:
		return "outcome(" + strconv.Itoa(int(o)) + ")"
	}
}

// State is the verification progress of one L1 block.
type State struct {
	Origin   block.Origin `json:"origin"`
	Level    types.Level  `json:"level"` // Level currently being collected
	Status   Status       `json:"status"`
	Deadline int64        `json:"deadline"` // Next check, unix seconds
	Retries  int          `json:"retries"`  // Broadcast rounds at Level
	TxCount  int          `json:"tx_count"`

	Tried    map[types.Level][]types.ChainID `json:"tried"`
	Verified map[types.Level][]types.ChainID `json:"verified"`
	// Extras are verifiers that answered after their level was satisfied.
	Extras map[types.Level][]types.ChainID `json:"extras,omitempty"`

	LastError string `json:"last_error,omitempty"`
	Created   int64  `json:"created"`
	Updated   int64  `json:"updated"`
}

func newState(origin block.Origin, txCount int, now int64) *State {
	return &State{
		Origin:   origin,
		Level:    types.L2,
		Status:   StatusPending,
		Deadline: now,
		TxCount:  txCount,
		Tried:    make(map[types.Level][]types.ChainID),
		Verified: make(map[types.Level][]types.ChainID),
		Extras:   make(map[types.Level][]types.ChainID),
		Created:  now,
		Updated:  now,
	}
}

// Count returns the number of distinct verifiers at level.
func (s *State) Count(level types.Level) int {
	return len(s.Verified[level])
}

// HasVerified reports whether id is counted at level.
func (s *State) HasVerified(level types.Level, id types.ChainID) bool {
	return slices.Contains(s.Verified[level], id)
}

// exclude lists the chains not to ask again at level.
func (s *State) exclude(level types.Level) []types.ChainID {
	out := slices.Clone(s.Tried[level])
	for _, id := range s.Verified[level] {
		if !slices.Contains(out, id) {
			out = append(out, id)
		}
	}
	return out
}

func (s *State) addTried(level types.Level, id types.ChainID) {
	if !slices.Contains(s.Tried[level], id) {
		s.Tried[level] = append(s.Tried[level], id)
	}
}

func (s *State) addExtra(level types.Level, id types.ChainID) bool {
	if s.HasVerified(level, id) || slices.Contains(s.Extras[level], id) {
		return false
	}
	s.Extras[level] = append(s.Extras[level], id)
	return true
}

// Clone returns a deep copy for callers outside the scheduler.
func (s *State) Clone() *State {
	c := *s
	c.Tried = cloneLevels(s.Tried)
	c.Verified = cloneLevels(s.Verified)
	c.Extras = cloneLevels(s.Extras)
	return &c
}

func cloneLevels(m map[types.Level][]types.ChainID) map[types.Level][]types.ChainID {
	out := make(map[types.Level][]types.ChainID, len(m))
	for l, ids := range m {
		out[l] = slices.Clone(ids)
	}
	return out
}

// normalize fills maps left nil by decoding.
func (s *State) normalize() {
	if s.Tried == nil {
		s.Tried = make(map[types.Level][]types.ChainID)
	}
	if s.Verified == nil {
		s.Verified = make(map[types.Level][]types.ChainID)
	}
	if s.Extras == nil {
		s.Extras = make(map[types.Level][]types.ChainID)
	}
}
