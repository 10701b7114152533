package verify

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"slices"
	"sync"
	"time"

	"github.com/Klingon-tech/dragonnet-node/config"
	"github.com/Klingon-tech/dragonnet-node/internal/interchain"
	"github.com/Klingon-tech/dragonnet-node/internal/log"
	"github.com/Klingon-tech/dragonnet-node/internal/metrics"
	"github.com/Klingon-tech/dragonnet-node/internal/storage"
	"github.com/Klingon-tech/dragonnet-node/pkg/block"
	"github.com/Klingon-tech/dragonnet-node/pkg/crypto"
	"github.com/Klingon-tech/dragonnet-node/pkg/types"
)

// ErrInsufficientFunds is returned when the checkpoint wallet cannot cover
// feeBuffer checkpoints at the current fee estimate.
var ErrInsufficientFunds = errors.New("verify: checkpoint wallet balance too low")

// feeBuffer is how many checkpoint fees the wallet must hold before a
// checkpoint is sent.
const feeBuffer = 5

var (
	prefixStaged  = []byte("s")
	prefixPending = []byte("p")
	keyLast       = []byte("l")
)

// staged is an origin waiting for the next checkpoint.
type staged struct {
	Origin block.Origin       `json:"origin"`
	L4     []block.LowerProof `json:"l4"`
}

// PendingCheckpoint is a submitted checkpoint awaiting confirmation.
// It is keyed by digest, so resubmissions replace it in place.
type PendingCheckpoint struct {
	Digest   types.Hash         `json:"digest"`
	TxID     string             `json:"tx_id"`
	Previous []string           `json:"previous,omitempty"` // Earlier submissions of this digest
	SentAt   uint64             `json:"sent_at"`            // Network height at submission
	L4Blocks []block.LowerProof `json:"l4_blocks"`
	Covered  []block.Origin     `json:"covered"`
}

// Checkpointer batches L4 verifications into public-chain checkpoints. It
// is the L5 engine's aggregator: requests are staged, and Poll submits
// batches and seals L5 blocks once their transactions confirm.
type Checkpointer struct {
	db       storage.DB
	adapter  interchain.Adapter
	sealer   Sealer
	interval time.Duration
	now      func() time.Time

	mu   sync.Mutex
	seq  uint64
	last time.Time
}

// NewCheckpointer opens the checkpoint index in db. A batch is sent at most
// once per interval.
func NewCheckpointer(db storage.DB, adapter interchain.Adapter, sealer Sealer, interval time.Duration) (*Checkpointer, error) {
	c := &Checkpointer{db: db, adapter: adapter, sealer: sealer, interval: interval, now: time.Now}

	err := db.ForEach(prefixStaged, func(key, _ []byte) error {
		c.seq = binary.BigEndian.Uint64(key[1:]) + 1
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan staged checkpoints: %w", err)
	}
	data, err := db.Get(keyLast)
	switch {
	case err == nil && len(data) == 8:
		c.last = time.Unix(int64(binary.BigEndian.Uint64(data)), 0)
	case err != nil && !errors.Is(err, storage.ErrNotFound):
		return nil, fmt.Errorf("load last checkpoint time: %w", err)
	}
	return c, nil
}

// aggregate stages the valid L4 verifications of the request's origin.
func (c *Checkpointer) aggregate(_ context.Context, req *block.Request) (block.Payload, error) {
	origin, l1Proof := req.Origin(), req.Block.Proof()

	var refs []block.LowerProof
	for _, lb := range req.Lower {
		if err := checkLower(lb, types.L4, origin, l1Proof); err != nil {
			log.Verify.Warn().Err(err).Str("origin", origin.String()).Msg("Skipping l4 verification")
			continue
		}
		if ref := lb.LowerProof(); !slices.Contains(refs, ref) {
			refs = append(refs, ref)
		}
	}
	if len(refs) == 0 {
		return nil, ErrNoValidProofs
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	known, err := c.knownOrigin(origin)
	if err != nil {
		return nil, err
	}
	if known {
		log.Verify.Debug().Str("origin", origin.String()).Msg("Origin already awaiting checkpoint")
		return nil, nil
	}

	data, err := json.Marshal(staged{Origin: origin, L4: refs})
	if err != nil {
		return nil, err
	}
	if err := c.db.Put(seqKey(prefixStaged, c.seq), data); err != nil {
		return nil, fmt.Errorf("stage %s: %w", origin, err)
	}
	c.seq++
	log.Verify.Info().Str("origin", origin.String()).Int("l4_blocks", len(refs)).Msg("Staged for checkpoint")
	return nil, nil
}

func (c *Checkpointer) knownOrigin(origin block.Origin) (bool, error) {
	found := false
	err := c.db.ForEach(prefixStaged, func(_, value []byte) error {
		var s staged
		if json.Unmarshal(value, &s) == nil && s.Origin == origin {
			found = true
		}
		return nil
	})
	if err != nil || found {
		return found, err
	}
	err = c.db.ForEach(prefixPending, func(_, value []byte) error {
		var p PendingCheckpoint
		if json.Unmarshal(value, &p) == nil && slices.Contains(p.Covered, origin) {
			found = true
		}
		return nil
	})
	return found, err
}

// Staged returns the number of origins waiting for a checkpoint.
func (c *Checkpointer) Staged() (int, error) {
	n := 0
	err := c.db.ForEach(prefixStaged, func(_, _ []byte) error {
		n++
		return nil
	})
	return n, err
}

// Pending returns the submitted checkpoints awaiting confirmation.
func (c *Checkpointer) Pending() ([]PendingCheckpoint, error) {
	var out []PendingCheckpoint
	err := c.db.ForEach(prefixPending, func(_, value []byte) error {
		var p PendingCheckpoint
		if err := json.Unmarshal(value, &p); err != nil {
			return err
		}
		out = append(out, p)
		return nil
	})
	return out, err
}

// Poll checks pending checkpoints, sealing the confirmed ones, and submits
// the staged batch when the interval has passed. It returns one
// verification per origin covered by each newly sealed L5 block.
func (c *Checkpointer) Poll(ctx context.Context) ([]*block.Verification, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	pend, err := c.Pending()
	if err != nil {
		return nil, fmt.Errorf("load pending checkpoints: %w", err)
	}
	var out []*block.Verification
	for i := range pend {
		vs, err := c.check(ctx, &pend[i])
		if err != nil {
			log.Verify.Warn().Err(err).Str("tx", pend[i].TxID).Msg("Checkpoint check failed")
			continue
		}
		out = append(out, vs...)
	}

	if err := c.submitStaged(ctx); err != nil {
		return out, err
	}
	return out, nil
}

func (c *Checkpointer) check(ctx context.Context, p *PendingCheckpoint) ([]*block.Verification, error) {
	ok, err := c.adapter.IsConfirmed(ctx, p.TxID)
	if errors.Is(err, interchain.ErrTxNotFound) {
		log.Verify.Warn().Str("tx", p.TxID).Msg("Checkpoint transaction dropped, resubmitting")
		return nil, c.resubmit(ctx, p)
	}
	if err != nil {
		return nil, err
	}
	if !ok {
		again, err := c.adapter.ShouldRebroadcast(ctx, p.SentAt)
		if err != nil {
			return nil, err
		}
		if again {
			log.Verify.Warn().Str("tx", p.TxID).Uint64("sent_at", p.SentAt).Msg("Checkpoint unconfirmed too long, resubmitting")
			return nil, c.resubmit(ctx, p)
		}
		return nil, nil
	}

	blk, err := c.sealer.Extend(ctx, &block.L5Payload{
		Network:    c.adapter.Network(),
		ExternalTx: p.TxID,
		Digest:     p.Digest,
		L4Blocks:   p.L4Blocks,
		Covered:    p.Covered,
	})
	if err != nil {
		return nil, fmt.Errorf("seal l5 block: %w", err)
	}
	if err := c.db.Delete(pendingKey(p.Digest)); err != nil {
		return nil, fmt.Errorf("clear pending checkpoint: %w", err)
	}

	metrics.CheckpointsSubmitted.WithLabelValues(c.adapter.Network(), "confirmed").Inc()
	metrics.VerificationsProduced.WithLabelValues("5").Inc()
	log.Verify.Info().
		Str("network", c.adapter.Network()).
		Str("tx", p.TxID).
		Uint64("block_id", blk.Header.BlockID).
		Int("covered", len(p.Covered)).
		Msg("Checkpoint confirmed")

	out := make([]*block.Verification, len(p.Covered))
	for i, origin := range p.Covered {
		out[i] = block.NewVerification(blk, origin)
	}
	return out, nil
}

func (c *Checkpointer) resubmit(ctx context.Context, p *PendingCheckpoint) error {
	txID, err := c.adapter.Submit(ctx, p.Digest)
	if err != nil {
		metrics.CheckpointsSubmitted.WithLabelValues(c.adapter.Network(), "failed").Inc()
		return err
	}
	metrics.CheckpointsSubmitted.WithLabelValues(c.adapter.Network(), "resubmitted").Inc()
	p.Previous = append(p.Previous, p.TxID)
	p.TxID = txID
	p.SentAt = c.height(ctx)
	return c.putPending(p)
}

func (c *Checkpointer) submitStaged(ctx context.Context) error {
	now := c.now()
	if now.Sub(c.last) < c.interval {
		return nil
	}

	var (
		keys  [][]byte
		batch []staged
		count int
	)
	err := c.db.ForEach(prefixStaged, func(key, value []byte) error {
		var s staged
		if err := json.Unmarshal(value, &s); err != nil {
			return err
		}
		if count+len(s.L4) > config.MaxBlockItems {
			return errStop
		}
		keys = append(keys, key)
		batch = append(batch, s)
		count += len(s.L4)
		return nil
	})
	if err != nil && !errors.Is(err, errStop) {
		return fmt.Errorf("load staged checkpoints: %w", err)
	}
	if len(batch) == 0 {
		return nil
	}

	if err := c.checkFunds(ctx); err != nil {
		metrics.CheckpointsSubmitted.WithLabelValues(c.adapter.Network(), "insufficient_funds").Inc()
		return err
	}

	p := &PendingCheckpoint{}
	var proofs []types.Hash
	for _, s := range batch {
		p.Covered = append(p.Covered, s.Origin)
		for _, ref := range s.L4 {
			p.L4Blocks = append(p.L4Blocks, ref)
			proofs = append(proofs, ref.Proof)
		}
	}
	p.Digest = crypto.HashSequence(proofs...)

	txID, err := c.adapter.Submit(ctx, p.Digest)
	if err != nil {
		metrics.CheckpointsSubmitted.WithLabelValues(c.adapter.Network(), "failed").Inc()
		return fmt.Errorf("submit checkpoint: %w", err)
	}
	p.TxID = txID
	p.SentAt = c.height(ctx)

	data, err := json.Marshal(p)
	if err != nil {
		return err
	}
	var last [8]byte
	binary.BigEndian.PutUint64(last[:], uint64(now.Unix()))

	b := c.db.NewBatch()
	defer b.Discard()
	if err := b.Put(pendingKey(p.Digest), data); err != nil {
		return err
	}
	for _, k := range keys {
		if err := b.Delete(k); err != nil {
			return err
		}
	}
	if err := b.Put(keyLast, last[:]); err != nil {
		return err
	}
	if err := b.Commit(); err != nil {
		return fmt.Errorf("record pending checkpoint %s: %w", txID, err)
	}
	c.last = now

	metrics.CheckpointsSubmitted.WithLabelValues(c.adapter.Network(), "submitted").Inc()
	log.Verify.Info().
		Str("network", c.adapter.Network()).
		Str("tx", txID).
		Str("digest", p.Digest.Short()).
		Int("covered", len(p.Covered)).
		Msg("Checkpoint submitted")
	return nil
}

// checkFunds requires the wallet to hold feeBuffer times the fee estimate.
func (c *Checkpointer) checkFunds(ctx context.Context) error {
	fee, err := c.adapter.FeeEstimate(ctx)
	if err != nil {
		return err
	}
	balance, err := c.adapter.Balance(ctx)
	if err != nil {
		return err
	}
	need := new(big.Int).Mul(fee, big.NewInt(feeBuffer))
	if balance.Cmp(need) < 0 {
		log.Verify.Error().Str("network", c.adapter.Network()).
			Str("balance", balance.String()).Str("need", need.String()).
			Msg("Checkpoint wallet needs funds")
		return fmt.Errorf("%w: have %s, need %s", ErrInsufficientFunds, balance, need)
	}
	return nil
}

// height returns the network height, or 0 when it cannot be read.
func (c *Checkpointer) height(ctx context.Context) uint64 {
	h, err := c.adapter.CurrentBlock(ctx)
	if err != nil {
		log.Verify.Warn().Err(err).Msg("Could not read checkpoint network height")
		return 0
	}
	return h
}

func (c *Checkpointer) putPending(p *PendingCheckpoint) error {
	data, err := json.Marshal(p)
	if err != nil {
		return err
	}
	return c.db.Put(pendingKey(p.Digest), data)
}

var errStop = errors.New("stop")

func seqKey(prefix []byte, seq uint64) []byte {
	key := make([]byte, 1+8)
	key[0] = prefix[0]
	binary.BigEndian.PutUint64(key[1:], seq)
	return key
}

func pendingKey(digest types.Hash) []byte {
	return append([]byte{prefixPending[0]}, digest[:]...)
}
