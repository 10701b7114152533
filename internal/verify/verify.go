// Package verify implements the L2-L5 verification engines, the request
// gate that admits peer requests into the queue, and the processor that
// turns queued requests into signed verification blocks.
package verify

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/Klingon-tech/dragonnet-node/internal/log"
	"github.com/Klingon-tech/dragonnet-node/internal/metrics"
	"github.com/Klingon-tech/dragonnet-node/pkg/block"
	"github.com/Klingon-tech/dragonnet-node/pkg/types"
)

// Verification errors. The first four are the explicit rejections a peer
// receives for its request.
var (
	ErrDeadlineExpired = errors.New("verify: request deadline expired")
	ErrUnauthorized    = &types.Category{Kind: types.ErrAuthorization, Err: errors.New("verify: unauthorized request")}
	ErrMalformed       = errors.New("verify: malformed request")
	ErrNotAccepting    = errors.New("verify: not accepting requests for this level")

	ErrNoValidProofs = errors.New("verify: no valid lower-level proofs")
	// ErrStaged is returned by an L5 engine: the request is parked until
	// its checkpoint confirms.
	ErrStaged = errors.New("verify: staged for checkpoint")
)

// State is the verification progress of one origin block.
type State int

const (
	Idle       State = iota // Not seen, or finished and forgotten
	Validating              // Checking the carried material
	Aggregated              // Payload built, not yet signed
	Signed                  // Verification block sealed and stored
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Validating:
		return "validating"
	case Aggregated:
		return "aggregated"
	case Signed:
		return "signed"
	default:
		return "state(" + strconv.Itoa(int(s)) + ")"
	}
}

// Sealer signs and stores a verification block on top of this chain's
// tail for the payload's level.
type Sealer interface {
	Extend(ctx context.Context, payload block.Payload) (*block.Block, error)
}

// aggregator builds the level-specific payload for a request.
type aggregator interface {
	aggregate(ctx context.Context, req *block.Request) (block.Payload, error)
}

// Config selects and tunes an engine.
type Config struct {
	Level       types.Level
	Validator   ContractValidator // L2 only; nil accepts everything
	TxTimeout   time.Duration     // L2 per-transaction validation budget
	Concurrency int               // L2 parallel validations
	Region      string
	Cloud       string
	DDSS        uint64
}

// recentStates bounds how many finished origins keep a queryable state.
const recentStates = 1024

// Engine verifies requests for one level.
type Engine struct {
	level       types.Level
	agg         aggregator
	sealer      Sealer
	checkpoints *Checkpointer
	now         func() time.Time

	mu     sync.Mutex
	states map[block.Origin]State
	done   []block.Origin
}

// New creates the engine for cfg.Level. L5 engines stage requests into
// checkpoints instead of sealing directly; checkpoints must be non-nil for
// them.
func New(cfg Config, sealer Sealer, checkpoints *Checkpointer) (*Engine, error) {
	e := &Engine{
		level:       cfg.Level,
		sealer:      sealer,
		checkpoints: checkpoints,
		now:         time.Now,
		states:      make(map[block.Origin]State),
	}
	switch cfg.Level {
	case types.L2:
		e.agg = newL2(cfg)
	case types.L3:
		e.agg = l3{}
	case types.L4:
		e.agg = l4{}
	case types.L5:
		if checkpoints == nil {
			return nil, errors.New("verify: l5 engine requires a checkpointer")
		}
		e.agg = checkpoints
	default:
		return nil, fmt.Errorf("verify: no engine for level %s", cfg.Level)
	}
	return e, nil
}

// Level returns the level this engine verifies.
func (e *Engine) Level() types.Level {
	return e.level
}

// StateOf returns the verification state of origin.
func (e *Engine) StateOf(origin block.Origin) State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.states[origin]
}

func (e *Engine) setState(origin block.Origin, s State) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if s == Idle {
		delete(e.states, origin)
		return
	}
	e.states[origin] = s
	if s == Signed {
		e.done = append(e.done, origin)
		if len(e.done) > recentStates {
			delete(e.states, e.done[0])
			e.done = e.done[1:]
		}
	}
}

// Verify checks req and produces this chain's verification of its origin
// block. L5 engines return ErrStaged; the verification is produced by the
// checkpointer once the public transaction confirms.
func (e *Engine) Verify(ctx context.Context, req *block.Request) (*block.Verification, error) {
	if req.Level != e.level {
		return nil, fmt.Errorf("%w: got %s, serving %s", ErrNotAccepting, req.Level, e.level)
	}
	if req.Expired(e.now()) {
		return nil, ErrDeadlineExpired
	}
	origin := req.Origin()

	e.setState(origin, Validating)
	if err := checkOrigin(req); err != nil {
		e.setState(origin, Idle)
		return nil, err
	}

	payload, err := e.agg.aggregate(ctx, req)
	if err != nil {
		e.setState(origin, Idle)
		return nil, err
	}
	e.setState(origin, Aggregated)

	if e.level == types.L5 {
		return nil, ErrStaged
	}

	blk, err := e.sealer.Extend(ctx, payload)
	if err != nil {
		e.setState(origin, Idle)
		return nil, fmt.Errorf("seal %s verification of %s: %w", e.level, origin, err)
	}
	e.setState(origin, Signed)

	metrics.VerificationsProduced.WithLabelValues(strconv.Itoa(int(e.level))).Inc()
	log.Verify.Info().
		Str("chain_level", e.level.String()).
		Str("origin", origin.String()).
		Uint64("block_id", blk.Header.BlockID).
		Int("items", payload.ItemCount()).
		Msg("Verification signed")
	return block.NewVerification(blk, origin), nil
}

// checkOrigin validates the request shape and the L1 block it carries.
func checkOrigin(req *block.Request) error {
	if err := req.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if err := req.Block.Validate(); err != nil {
		return fmt.Errorf("%w: l1 block: %v", ErrMalformed, err)
	}
	if err := req.Block.VerifySignature(); err != nil {
		return fmt.Errorf("%w: l1 block: %v", ErrMalformed, err)
	}
	return nil
}
