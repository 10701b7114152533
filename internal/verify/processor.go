package verify

import (
	"context"
	"errors"
	"sync"

	"github.com/Klingon-tech/dragonnet-node/internal/log"
	"github.com/Klingon-tech/dragonnet-node/internal/queue"
	"github.com/Klingon-tech/dragonnet-node/pkg/block"
	"github.com/Klingon-tech/dragonnet-node/pkg/types"
)

// ErrProcessInProgress is returned when a processing pass is already running.
var ErrProcessInProgress = errors.New("verify: processing already in progress")

// Deliverer sends a verification back to the chains it covers.
type Deliverer interface {
	Deliver(ctx context.Context, v *block.Verification) error
}

// Processor drains queued requests through the engine and hands each
// verification to the notifier.
type Processor struct {
	engine *Engine
	queue  queue.Queue
	out    Deliverer
	limit  int

	running sync.Mutex
}

// NewProcessor creates a processor that handles up to limit requests per
// pass.
func NewProcessor(engine *Engine, q queue.Queue, out Deliverer, limit int) *Processor {
	return &Processor{engine: engine, queue: q, out: out, limit: limit}
}

// Process runs one pass and returns the number of verifications produced.
// Failures of a single request are logged and the request dropped. An
// integrity failure or a cancelled pass puts the requests not yet handled
// back for the next pass.
func (p *Processor) Process(ctx context.Context) (int, error) {
	if !p.running.TryLock() {
		return 0, ErrProcessInProgress
	}
	defer p.running.Unlock()

	items, err := p.queue.DrainForBlock(ctx, p.limit)
	if err != nil {
		return 0, err
	}
	if len(items) == 0 {
		return 0, p.queue.ClearProcessing(ctx)
	}

	produced := 0
	for i, item := range items {
		if item.Kind != queue.KindBlock || item.Request == nil {
			log.Verify.Warn().Str("item", item.ID()).Msg("Dropping non-request queue item")
			continue
		}
		v, err := p.engine.Verify(ctx, item.Request)
		switch {
		case err == nil:
		case errors.Is(err, ErrStaged):
			continue
		case ctx.Err() != nil:
			p.requeueFrom(ctx, i, len(items))
			return produced, ctx.Err()
		case errors.Is(err, types.ErrIntegrity):
			log.Verify.Error().Err(err).Msg("Verification chain integrity failure, requeueing unhandled requests")
			p.requeueFrom(ctx, i, len(items))
			return produced, err
		default:
			log.Verify.Warn().Err(err).Str("origin", item.ID()).Msg("Verification failed")
			continue
		}

		produced++
		p.deliver(ctx, v)
	}
	return produced, p.queue.ClearProcessing(ctx)
}

// requeueFrom keeps the first handled items of the drain and puts the rest
// back at the head of the queue.
func (p *Processor) requeueFrom(ctx context.Context, handled, total int) {
	ctx = context.WithoutCancel(ctx)
	if err := p.queue.Ack(ctx, handled); err != nil {
		log.Verify.Error().Err(err).Msg("Failed to ack handled requests")
	}
	if err := p.queue.Requeue(ctx); err != nil {
		log.Verify.Error().Err(err).Msg("Failed to requeue requests")
		return
	}
	log.Verify.Info().Int("handled", handled).Int("requeued", total-handled).Msg("Requests returned to queue")
}

// Poll advances L5 checkpoints and delivers the verifications of the ones
// that confirmed.
func (p *Processor) Poll(ctx context.Context) (int, error) {
	if p.engine.checkpoints == nil {
		return 0, nil
	}
	vs, err := p.engine.checkpoints.Poll(ctx)
	for _, v := range vs {
		p.deliver(ctx, v)
	}
	return len(vs), err
}

func (p *Processor) deliver(ctx context.Context, v *block.Verification) {
	if err := p.out.Deliver(ctx, v); err != nil {
		log.Verify.Warn().Err(err).Str("origin", v.Origin.String()).Msg("Receipt delivery failed")
	}
}
