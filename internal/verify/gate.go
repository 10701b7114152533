package verify

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Klingon-tech/dragonnet-node/internal/log"
	"github.com/Klingon-tech/dragonnet-node/internal/matchmaking"
	"github.com/Klingon-tech/dragonnet-node/internal/metrics"
	"github.com/Klingon-tech/dragonnet-node/internal/queue"
	"github.com/Klingon-tech/dragonnet-node/pkg/block"
	"github.com/Klingon-tech/dragonnet-node/pkg/types"
)

// Directory resolves registered chains.
type Directory interface {
	LookupChain(ctx context.Context, id types.ChainID) (*matchmaking.Chain, error)
}

// Gate admits verification requests from peers into the local queue.
// Rejected requests leave no state behind.
type Gate struct {
	level types.Level
	dir   Directory
	queue queue.Queue
	now   func() time.Time
}

// NewGate creates a gate for a chain verifying at level.
func NewGate(level types.Level, dir Directory, q queue.Queue) *Gate {
	return &Gate{level: level, dir: dir, queue: q, now: time.Now}
}

// Accept checks req and queues it for the verification loop. Checks run in
// order: deadline, sender authorization, request shape, then level.
func (g *Gate) Accept(ctx context.Context, req *block.Request) error {
	if err := g.check(ctx, req); err != nil {
		metrics.RequestsRejected.WithLabelValues(RejectReason(err)).Inc()
		log.Verify.Debug().Err(err).Str("sender", req.Sender.String()).Str("origin", req.Origin().String()).Msg("Request rejected")
		return err
	}
	if err := g.queue.Enqueue(ctx, queue.NewRequestItem(req)); err != nil {
		return fmt.Errorf("queue request: %w", err)
	}
	metrics.QueueEnqueued.WithLabelValues(string(queue.KindBlock)).Inc()
	log.Verify.Debug().Str("origin", req.Origin().String()).Str("chain_level", req.Level.String()).Msg("Request accepted")
	return nil
}

func (g *Gate) check(ctx context.Context, req *block.Request) error {
	if req.Expired(g.now()) {
		return ErrDeadlineExpired
	}
	if err := g.authorize(ctx, req); err != nil {
		return err
	}
	if err := req.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if req.Level != g.level {
		return fmt.Errorf("%w: got %s, serving %s", ErrNotAccepting, req.Level, g.level)
	}
	return nil
}

// authorize requires a valid signature from a registered chain whose
// directory key matches, and that the sender is the origin chain.
func (g *Gate) authorize(ctx context.Context, req *block.Request) error {
	if err := req.VerifySignature(); err != nil {
		return fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}
	if req.Sender != req.Origin().ChainID {
		return fmt.Errorf("%w: sender %s is not origin %s", ErrUnauthorized, req.Sender, req.Origin().ChainID)
	}
	chain, err := g.dir.LookupChain(ctx, req.Sender)
	if errors.Is(err, matchmaking.ErrNotFound) {
		return fmt.Errorf("%w: %s not registered", ErrUnauthorized, req.Sender)
	}
	if err != nil {
		return fmt.Errorf("lookup sender %s: %w", req.Sender, err)
	}
	if !chain.Registered {
		return fmt.Errorf("%w: %s registration lapsed", ErrUnauthorized, req.Sender)
	}
	if !strings.EqualFold(chain.PublicKey, req.PublicKey) {
		return fmt.Errorf("%w: %s key does not match directory", ErrUnauthorized, req.Sender)
	}
	return nil
}

// Reject reasons, as reported to peers and in metrics.
const (
	ReasonUnauthorized = "unauthorized"
	ReasonExpired      = "expired_deadline"
	ReasonMalformed    = "malformed"
	ReasonNotAccepting = "not_accepting"
	ReasonUnavailable  = "unavailable"
)

// RejectReason maps a Gate error to its rejection reason.
func RejectReason(err error) string {
	switch {
	case errors.Is(err, ErrUnauthorized):
		return ReasonUnauthorized
	case errors.Is(err, ErrDeadlineExpired):
		return ReasonExpired
	case errors.Is(err, ErrMalformed):
		return ReasonMalformed
	case errors.Is(err, ErrNotAccepting):
		return ReasonNotAccepting
	default:
		return ReasonUnavailable
	}
}
