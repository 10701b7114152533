// Package assembler turns queued work into signed, stored blocks.
package assembler

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/Klingon-tech/dragonnet-node/internal/log"
	"github.com/Klingon-tech/dragonnet-node/internal/metrics"
	"github.com/Klingon-tech/dragonnet-node/internal/queue"
	"github.com/Klingon-tech/dragonnet-node/pkg/block"
	"github.com/Klingon-tech/dragonnet-node/pkg/crypto"
	"github.com/Klingon-tech/dragonnet-node/pkg/tx"
	"github.com/Klingon-tech/dragonnet-node/pkg/types"
)

// Assembler errors.
var (
	ErrChainIntegrity     = &types.Category{Kind: types.ErrIntegrity, Err: errors.New("chain integrity violation")}
	ErrAssemblyInProgress = errors.New("assembly already in progress")
	ErrNothingToAssemble  = errors.New("no includable items")
)

// Scheduler receives freshly sealed L1 blocks for broadcast.
type Scheduler interface {
	Schedule(ctx context.Context, blk *block.Block) error
}

// Assembler seals blocks for one chain. Seal is level-generic and is also
// used by the verification engines; Produce runs the L1 loop.
type Assembler struct {
	store   *BlockStore
	signer  crypto.Signer
	queue   queue.Queue
	sched   Scheduler
	itemCap int

	mu    sync.Mutex // Held for a whole Produce call.
	sealM sync.Mutex // Serializes tail reads and commits across levels.
	now   func() time.Time
}

// New creates an assembler. q and sched may be nil on verifier nodes that
// only call Seal.
func New(store *BlockStore, signer crypto.Signer, q queue.Queue, sched Scheduler, itemCap int) *Assembler {
	return &Assembler{
		store:   store,
		signer:  signer,
		queue:   q,
		sched:   sched,
		itemCap: itemCap,
		now:     time.Now,
	}
}

// Store returns the block store.
func (a *Assembler) Store() *BlockStore {
	return a.store
}

// ChainID returns the id of the chain this assembler signs for.
func (a *Assembler) ChainID() types.ChainID {
	return a.signer.ChainID()
}

// Seal builds the next block at payload's level, signs it and commits it
// together with txs and the new tail. prevHash must equal the stored tail.
func (a *Assembler) Seal(_ context.Context, payload block.Payload, prevHash types.Hash, txs []*tx.Transaction) (*block.Block, error) {
	a.sealM.Lock()
	defer a.sealM.Unlock()
	return a.seal(payload, prevHash, txs)
}

// Extend seals payload on top of the current tail of its level. Verifier
// chains use it for their L2+ blocks.
func (a *Assembler) Extend(_ context.Context, payload block.Payload) (*block.Block, error) {
	a.sealM.Lock()
	defer a.sealM.Unlock()
	tail, err := a.store.Tail(payload.Level())
	if err != nil {
		return nil, err
	}
	return a.seal(payload, tail.Proof, nil)
}

func (a *Assembler) seal(payload block.Payload, prevHash types.Hash, txs []*tx.Transaction) (*block.Block, error) {
	level := payload.Level()
	tail, err := a.store.Tail(level)
	if err != nil {
		return nil, err
	}
	if prevHash != tail.Proof {
		return nil, fmt.Errorf("%w: %s prev hash %s, tail %s", ErrChainIntegrity, level, prevHash.Short(), tail.Proof.Short())
	}
	next := tail.BlockID + 1
	exists, err := a.store.HasBlock(level, next)
	if err != nil {
		return nil, err
	}
	if exists {
		return nil, fmt.Errorf("%w: %s block %d already stored", ErrChainIntegrity, level, next)
	}

	blk := block.New(&block.Header{
		Version:   block.CurrentVersion,
		ChainID:   a.signer.ChainID(),
		BlockID:   next,
		Timestamp: a.now().Unix(),
		PrevProof: tail.Proof,
	}, payload)
	if err := blk.Validate(); err != nil {
		return nil, fmt.Errorf("assembled invalid block: %w", err)
	}
	if err := blk.Sign(a.signer); err != nil {
		return nil, err
	}
	if err := a.store.CommitBlock(blk, txs); err != nil {
		return nil, err
	}

	lvl := strconv.Itoa(int(level))
	metrics.BlocksAssembled.WithLabelValues(lvl).Inc()
	metrics.BlockItems.WithLabelValues(lvl).Observe(float64(payload.ItemCount()))
	log.Assembler.Info().
		Str("chain_level", level.String()).
		Uint64("block_id", next).
		Int("items", payload.ItemCount()).
		Str("proof", blk.Proof().Short()).
		Msg("Block sealed")
	return blk, nil
}

// Assemble builds the next L1 block from txs. Transactions that are invalid
// or already included are skipped. Transactions beyond the item cap are
// returned as overflow.
func (a *Assembler) Assemble(_ context.Context, txs []*tx.Transaction, prevHash types.Hash) (*block.Block, []*tx.Transaction, error) {
	a.sealM.Lock()
	defer a.sealM.Unlock()

	included := make([]*tx.Transaction, 0, min(len(txs), a.itemCap))
	var overflow []*tx.Transaction
	seen := make(map[string]bool, len(txs))

	for _, t := range txs {
		if len(included) == a.itemCap {
			overflow = append(overflow, t)
			continue
		}
		if seen[t.ID] {
			log.Assembler.Warn().Str("txn_id", t.ID).Msg("Duplicate transaction in drain, skipping")
			continue
		}
		if err := t.Validate(); err != nil {
			log.Assembler.Warn().Err(err).Str("txn_id", t.ID).Msg("Invalid transaction, skipping")
			continue
		}
		done, err := a.store.Included(t.ID)
		if err != nil {
			return nil, nil, err
		}
		if done {
			log.Assembler.Warn().Str("txn_id", t.ID).Msg("Transaction already in a block, skipping")
			continue
		}
		seen[t.ID] = true
		included = append(included, t)
	}
	if len(included) == 0 {
		return nil, overflow, ErrNothingToAssemble
	}

	tail, err := a.store.Tail(types.L1)
	if err != nil {
		return nil, nil, err
	}
	blockID := tail.BlockID + 1

	// Records are copied so a failed commit leaves the caller's items untouched.
	records := make([]*tx.Transaction, len(included))
	hashes := make([]types.Hash, len(included))
	for i, t := range included {
		rec := *t
		rec.Advance(tx.StatusPending, blockID)
		if err := rec.Sign(a.signer); err != nil {
			return nil, nil, fmt.Errorf("sign tx %s: %w", t.ID, err)
		}
		records[i] = &rec
		hashes[i] = rec.Hash()
	}

	payload := &block.L1Payload{
		MerkleRoot:   block.ComputeMerkleRoot(hashes),
		Transactions: records,
	}
	blk, err := a.seal(payload, prevHash, records)
	if err != nil {
		return nil, nil, err
	}
	return blk, overflow, nil
}

// Produce runs one L1 assembly: drain the queue, seal a block, clear the
// processing list and hand the block to the scheduler. It returns nil, nil
// when there is nothing to do.
func (a *Assembler) Produce(ctx context.Context) (*block.Block, error) {
	if !a.mu.TryLock() {
		return nil, ErrAssemblyInProgress
	}
	defer a.mu.Unlock()

	items, err := a.queue.DrainForBlock(ctx, a.itemCap)
	if err != nil {
		return nil, fmt.Errorf("drain: %w", err)
	}
	if len(items) == 0 {
		return nil, nil
	}

	txs := make([]*tx.Transaction, 0, len(items))
	for _, item := range items {
		if item.Kind != queue.KindTransaction || item.Transaction == nil {
			log.Assembler.Warn().Str("kind", string(item.Kind)).Msg("Non-transaction item in L1 queue, dropping")
			continue
		}
		txs = append(txs, item.Transaction)
	}

	tail, err := a.store.Tail(types.L1)
	if err != nil {
		a.requeue(ctx)
		return nil, err
	}

	blk, overflow, err := a.Assemble(ctx, txs, tail.Proof)
	if errors.Is(err, ErrNothingToAssemble) {
		return nil, a.queue.ClearProcessing(ctx)
	}
	if err != nil {
		metrics.AssemblyErrors.WithLabelValues(types.Classify(err)).Inc()
		a.requeue(ctx)
		return nil, err
	}

	if err := a.release(ctx, items, overflow); err != nil {
		// The block is committed; a replay is rejected as duplicate.
		log.Assembler.Error().Err(err).Msg("Failed to clear processing list")
	}

	if a.sched != nil {
		if err := a.sched.Schedule(ctx, blk); err != nil {
			log.Assembler.Error().Err(err).Uint64("block_id", blk.Header.BlockID).Msg("Failed to schedule block broadcast")
		}
	}
	return blk, nil
}

// release ends the drain after a commit. Overflow is a suffix of the drained
// items; it goes back to the head of the queue so it keeps its position.
func (a *Assembler) release(ctx context.Context, items []*queue.Item, overflow []*tx.Transaction) error {
	if len(overflow) == 0 {
		return a.queue.ClearProcessing(ctx)
	}
	first := slices.IndexFunc(items, func(item *queue.Item) bool {
		return item.Transaction == overflow[0]
	})
	if first < 0 {
		return a.queue.ClearProcessing(ctx)
	}
	if err := a.queue.Ack(ctx, first); err != nil {
		return err
	}
	log.Assembler.Info().Int("overflow", len(items)-first).Msg("Returning overflow to queue head")
	return a.queue.Requeue(ctx)
}

func (a *Assembler) requeue(ctx context.Context) {
	if err := a.queue.Requeue(ctx); err != nil {
		log.Assembler.Error().Err(err).Msg("Failed to requeue processing items")
	}
}
