package broadcast

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/Klingon-tech/dragonnet-node/config"
	"github.com/Klingon-tech/dragonnet-node/internal/log"
	"github.com/Klingon-tech/dragonnet-node/internal/matchmaking"
	"github.com/Klingon-tech/dragonnet-node/internal/metrics"
	"github.com/Klingon-tech/dragonnet-node/pkg/block"
	"github.com/Klingon-tech/dragonnet-node/pkg/crypto"
	"github.com/Klingon-tech/dragonnet-node/pkg/tx"
	"github.com/Klingon-tech/dragonnet-node/pkg/types"
)

// Scheduler errors.
var (
	ErrTickInProgress = errors.New("broadcast: tick already in progress")
	ErrNotAccepting   = errors.New("broadcast: block not accepting verifications at this level")
	ErrInvalidReceipt = &types.Category{Kind: types.ErrAuthorization, Err: errors.New("broadcast: invalid verification receipt")}
	ErrMissingLower   = errors.New("broadcast: lower-level verifications missing from store")
)

const (
	stripes   = 64
	dueBatch  = 1000
	fundsWait = 30 * time.Minute // Directory reports our account is out of funds
	faultWait = time.Second
)

// Directory selects verifier chains.
type Directory interface {
	FindCandidates(ctx context.Context, level types.Level, criteria matchmaking.Criteria) ([]*matchmaking.Chain, error)
}

// Transport delivers verification requests to peers.
type Transport interface {
	SendRequest(ctx context.Context, to *matchmaking.Chain, req *block.Request) error
}

// Blocks reads this chain's L1 blocks and moves their transactions along.
type Blocks interface {
	GetBlock(level types.Level, id uint64) (*block.Block, error)
	AdvanceTransactions(blockID uint64, status tx.Status) (int, error)
}

// Notifier is told about counted receipts and finalized blocks. Calls run
// on their own goroutine.
type Notifier interface {
	Verified(ctx context.Context, v *block.Verification)
	Finalized(ctx context.Context, st *State, blk *block.Block)
}

// Config tunes the scheduler.
type Config struct {
	MaxLevel        types.Level
	Required        [6]int // Indexed by level
	MaxRetries      int
	RequestDeadline time.Duration
	Backoff         func(types.Level) time.Duration
	FaultToleration int
}

// ConfigFrom maps the node's broadcast settings.
func ConfigFrom(b config.BroadcastConfig) Config {
	return Config{
		MaxLevel:        types.Level(b.MaxLevel),
		Required:        b.Required,
		MaxRetries:      b.MaxRetries,
		RequestDeadline: b.RequestDeadline,
		Backoff:         func(l types.Level) time.Duration { return b.Backoff(int(l)) },
		FaultToleration: config.FaultToleration,
	}
}

func (c Config) required(level types.Level) int {
	if int(level) >= len(c.Required) {
		return 1
	}
	return max(c.Required[level], 1)
}

// Scheduler tracks this chain's blocks through verification.
type Scheduler struct {
	cfg    Config
	self   types.ChainID
	signer crypto.Signer
	store  Store
	blocks Blocks
	dir    Directory
	out    Transport
	notify Notifier
	now    func() time.Time

	ticking sync.Mutex
	locks   [stripes]sync.Mutex

	faultMu sync.Mutex
	faults  map[block.Origin]int

	wg sync.WaitGroup // In-flight sends and notifications
}

// New creates a scheduler for the chain owned by signer.
func New(cfg Config, signer crypto.Signer, store Store, blocks Blocks, dir Directory, out Transport) *Scheduler {
	if cfg.Backoff == nil {
		cfg.Backoff = func(types.Level) time.Duration { return 35 * time.Second }
	}
	if cfg.RequestDeadline <= 0 {
		cfg.RequestDeadline = 30 * time.Second
	}
	if cfg.FaultToleration <= 0 {
		cfg.FaultToleration = config.FaultToleration
	}
	return &Scheduler{
		cfg:    cfg,
		self:   signer.ChainID(),
		signer: signer,
		store:  store,
		blocks: blocks,
		dir:    dir,
		out:    out,
		now:    time.Now,
		faults: make(map[block.Origin]int),
	}
}

// SetNotifier installs the receipt notifier.
func (s *Scheduler) SetNotifier(n Notifier) {
	s.notify = n
}

func (s *Scheduler) lock(origin block.Origin) *sync.Mutex {
	return &s.locks[xxhash.Sum64String(origin.String())%stripes]
}

// Schedule starts tracking a freshly sealed L1 block. It is due at once.
// Scheduling a block twice is a no-op.
func (s *Scheduler) Schedule(_ context.Context, blk *block.Block) error {
	if blk.Header.Level != types.L1 || blk.Header.ChainID != s.self {
		return fmt.Errorf("broadcast: cannot schedule %s block of chain %s", blk.Header.Level, blk.Header.ChainID)
	}
	if s.cfg.MaxLevel < types.L2 {
		return nil
	}
	origin := blk.Origin()
	mu := s.lock(origin)
	mu.Lock()
	defer mu.Unlock()

	_, err := s.store.Get(origin)
	if err == nil {
		return nil
	}
	if !errors.Is(err, ErrUnknownBlock) {
		return err
	}
	st := newState(origin, len(blk.L1.Transactions), s.now().Unix())
	if err := s.store.Put(st); err != nil {
		return err
	}
	metrics.PendingBlocks.Inc()
	log.Broadcast.Info().Uint64("block_id", origin.BlockID).Int("txs", st.TxCount).Msg("Block scheduled for verification")
	return nil
}

// Status returns a snapshot of the block's verification state.
func (s *Scheduler) Status(chainID types.ChainID, blockID uint64) (*State, error) {
	return s.store.Get(block.Origin{ChainID: chainID, BlockID: blockID})
}

// Pending returns the number of blocks still being verified.
func (s *Scheduler) Pending() (int, error) {
	return s.store.Pending()
}

// Recover rebuilds the deadline index after a restart.
func (s *Scheduler) Recover(_ context.Context) error {
	if err := s.store.Recover(); err != nil {
		return fmt.Errorf("recover broadcast index: %w", err)
	}
	n, err := s.store.Pending()
	if err != nil {
		return err
	}
	metrics.PendingBlocks.Set(float64(n))
	log.Broadcast.Info().Int("pending", n).Msg("Broadcast state recovered")
	return nil
}

// Resume schedules committed L1 blocks that never reached the scheduler,
// as when the node stopped between sealing a block and scheduling it. It
// walks back from tailID and stops at the first block already tracked.
func (s *Scheduler) Resume(ctx context.Context, tailID uint64) (int, error) {
	if s.cfg.MaxLevel < types.L2 {
		return 0, nil
	}
	var orphans []*block.Block
	for id := tailID; id > 0; id-- {
		_, err := s.store.Get(block.Origin{ChainID: s.self, BlockID: id})
		if err == nil {
			break
		}
		if !errors.Is(err, ErrUnknownBlock) {
			return 0, err
		}
		blk, err := s.blocks.GetBlock(types.L1, id)
		if err != nil {
			return 0, fmt.Errorf("load block %d: %w", id, err)
		}
		orphans = append(orphans, blk)
	}
	slices.Reverse(orphans)
	for _, blk := range orphans {
		if err := s.Schedule(ctx, blk); err != nil {
			return 0, err
		}
	}
	if len(orphans) > 0 {
		log.Broadcast.Warn().
			Int("blocks", len(orphans)).
			Uint64("from_block", orphans[0].Header.BlockID).
			Msg("Scheduled blocks committed before shutdown")
	}
	return len(orphans), nil
}

// Run ticks every interval until ctx is cancelled, then waits for
// in-flight sends.
func (s *Scheduler) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	defer s.wg.Wait()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if err := s.Tick(ctx, now); err != nil && !errors.Is(err, ErrTickInProgress) && ctx.Err() == nil {
				log.Broadcast.Error().Err(err).Msg("Broadcast tick failed")
			}
		}
	}
}

// Wait blocks until in-flight sends and notifications have returned.
func (s *Scheduler) Wait() {
	s.wg.Wait()
}

// Tick processes every pending block whose deadline is at or before now,
// earliest first. Overlapping ticks return ErrTickInProgress.
func (s *Scheduler) Tick(ctx context.Context, now time.Time) error {
	if !s.ticking.TryLock() {
		return ErrTickInProgress
	}
	defer s.ticking.Unlock()

	started := time.Now()
	defer func() {
		metrics.BroadcastTicks.Inc()
		metrics.BroadcastTickLatency.Observe(time.Since(started).Seconds())
	}()

	due, err := s.store.Due(now.Unix(), dueBatch)
	if err != nil {
		return err
	}
	for _, origin := range due {
		if err := ctx.Err(); err != nil {
			return err
		}
		s.process(ctx, origin, now)
	}

	if n, err := s.store.Pending(); err == nil {
		metrics.PendingBlocks.Set(float64(n))
	}
	return nil
}

func (s *Scheduler) process(ctx context.Context, origin block.Origin, now time.Time) {
	mu := s.lock(origin)
	mu.Lock()
	defer mu.Unlock()

	st, err := s.store.Get(origin)
	if err != nil {
		log.Broadcast.Error().Err(err).Str("origin", origin.String()).Msg("Failed to load broadcast state")
		return
	}
	if st.Status.Terminal() {
		return
	}

	for st.Count(st.Level) >= s.cfg.required(st.Level) {
		if st.Level >= s.cfg.MaxLevel {
			s.finalize(ctx, st, now)
			return
		}
		s.promote(st)
	}
	s.broadcast(ctx, st, now)
}

// promote moves st to the next level after its current one is satisfied.
func (s *Scheduler) promote(st *State) {
	log.Broadcast.Info().
		Uint64("block_id", st.Origin.BlockID).
		Str("chain_level", st.Level.String()).
		Int("verifiers", st.Count(st.Level)).
		Msg("Level satisfied")
	if st.Level == types.L2 {
		s.advance(st.Origin.BlockID, tx.StatusApproved)
	}
	st.Level = st.Level.Next()
	st.Retries = 0
	st.LastError = ""
	s.clearFaults(st.Origin)
}

func (s *Scheduler) finalize(ctx context.Context, st *State, now time.Time) {
	st.Status = StatusFinalized
	st.Deadline = 0
	st.LastError = ""
	st.Updated = now.Unix()
	if err := s.save(st); err != nil {
		return
	}
	s.clearFaults(st.Origin)
	s.advance(st.Origin.BlockID, tx.StatusComplete)

	metrics.BlocksFinalized.Inc()
	log.Broadcast.Info().
		Uint64("block_id", st.Origin.BlockID).
		Str("chain_level", st.Level.String()).
		Msg("Block finalized")

	if s.notify != nil {
		blk, err := s.blocks.GetBlock(types.L1, st.Origin.BlockID)
		if err != nil {
			log.Broadcast.Warn().Err(err).Uint64("block_id", st.Origin.BlockID).Msg("Finalized block not readable for notification")
			return
		}
		snapshot := st.Clone()
		s.async(func() { s.notify.Finalized(context.WithoutCancel(ctx), snapshot, blk) })
	}
}

func (s *Scheduler) fail(st *State, now time.Time, reason string) {
	st.Status = StatusFailed
	st.Deadline = 0
	st.LastError = reason
	st.Updated = now.Unix()
	if err := s.save(st); err != nil {
		return
	}
	s.clearFaults(st.Origin)

	metrics.BlocksFailed.WithLabelValues(levelLabel(st.Level)).Inc()
	log.Broadcast.Error().
		Uint64("block_id", st.Origin.BlockID).
		Str("chain_level", st.Level.String()).
		Int("verifiers", st.Count(st.Level)).
		Int("required", s.cfg.required(st.Level)).
		Str("reason", reason).
		Msg("Block verification failed")
}

// broadcast asks new candidates to verify st at its current level.
func (s *Scheduler) broadcast(ctx context.Context, st *State, now time.Time) {
	level := st.Level
	if st.Retries > s.cfg.MaxRetries {
		s.fail(st, now, fmt.Sprintf("retries exhausted at %s", level))
		return
	}

	req, err := s.request(st, now)
	if err != nil {
		s.fault(st, now, err)
		return
	}

	need := s.cfg.required(level) - st.Count(level)
	exclude := st.exclude(level)
	chains, err := s.dir.FindCandidates(ctx, level, matchmaking.Criteria{
		Exclude:          exclude,
		Count:            need,
		ChainID:          s.self,
		BlockID:          st.Origin.BlockID,
		TransactionCount: st.TxCount,
	})
	switch {
	case errors.Is(err, matchmaking.ErrNoCandidates):
		s.fail(st, now, err.Error())
		return
	case errors.Is(err, matchmaking.ErrInsufficientFunds):
		log.Broadcast.Warn().Err(err).Uint64("block_id", st.Origin.BlockID).Msg("Directory account out of funds, pausing block")
		st.LastError = err.Error()
		st.Deadline = now.Add(fundsWait).Unix()
		s.save(st)
		return
	case err != nil:
		log.Broadcast.Warn().Err(err).Uint64("block_id", st.Origin.BlockID).Str("chain_level", level.String()).Msg("Candidate lookup failed")
		st.Retries++
		st.LastError = err.Error()
		st.Deadline = now.Add(s.cfg.Backoff(level)).Unix()
		s.save(st)
		return
	}

	var targets []*matchmaking.Chain
	for _, ch := range chains {
		if ch.ID == s.self || slices.Contains(exclude, ch.ID) || slices.ContainsFunc(targets, func(t *matchmaking.Chain) bool { return t.ID == ch.ID }) {
			continue
		}
		targets = append(targets, ch)
		if len(targets) == need {
			break
		}
	}
	if len(targets) == 0 {
		s.fail(st, now, fmt.Sprintf("candidates exhausted at %s", level))
		return
	}

	for _, ch := range targets {
		st.addTried(level, ch.ID)
	}
	st.Retries++
	st.LastError = ""
	st.Deadline = now.Add(s.cfg.Backoff(level)).Unix()
	st.Updated = now.Unix()
	if err := s.save(st); err != nil {
		return
	}

	log.Broadcast.Info().
		Uint64("block_id", st.Origin.BlockID).
		Str("chain_level", level.String()).
		Int("targets", len(targets)).
		Int("round", st.Retries).
		Msg("Broadcasting verification request")
	for _, ch := range targets {
		s.send(ch, req)
	}
}

// request builds the signed request for st's current level. Levels above
// L2 carry the verification blocks counted at the level below.
func (s *Scheduler) request(st *State, now time.Time) (*block.Request, error) {
	blk, err := s.blocks.GetBlock(types.L1, st.Origin.BlockID)
	if err != nil {
		return nil, fmt.Errorf("load block %d: %w", st.Origin.BlockID, err)
	}
	req := &block.Request{
		Level:    st.Level,
		Deadline: now.Add(s.cfg.RequestDeadline).Unix(),
		Block:    blk,
	}
	if st.Level > types.L2 {
		below := st.Level - 1
		vs, err := s.store.Verifications(st.Origin, below)
		if err != nil {
			return nil, err
		}
		for _, v := range vs {
			if st.HasVerified(below, v.Verifier) {
				req.Lower = append(req.Lower, v.Block)
			}
		}
		if len(req.Lower) < s.cfg.required(below) {
			return nil, fmt.Errorf("%w: %d of %d at %s", ErrMissingLower, len(req.Lower), s.cfg.required(below), below)
		}
	}
	if err := req.Sign(s.signer); err != nil {
		return nil, err
	}
	return req, nil
}

// send fires one request on its own goroutine with a deadline detached
// from the tick.
func (s *Scheduler) send(to *matchmaking.Chain, req *block.Request) {
	s.async(func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.RequestDeadline)
		defer cancel()
		status := "sent"
		if err := s.out.SendRequest(ctx, to, req); err != nil {
			status = "failed"
			log.Broadcast.Warn().Err(err).
				Str("chain_id", to.ID.String()).
				Uint64("block_id", req.Origin().BlockID).
				Str("chain_level", req.Level.String()).
				Msg("Verification request not delivered")
		}
		metrics.BroadcastRequests.WithLabelValues(levelLabel(req.Level), status).Inc()
	})
}

func (s *Scheduler) async(fn func()) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		fn()
	}()
}

// ReceiveVerification records a verifier's receipt for one of this chain's
// blocks. Only chains asked at the receipt's level are heard. Receipts for
// the current or a lower level are counted until the block is finalized. Meeting the current level's requirement makes the
// block due at once.
func (s *Scheduler) ReceiveVerification(ctx context.Context, v *block.Verification) (Outcome, error) {
	if err := v.Validate(); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrInvalidReceipt, err)
	}
	if v.Origin.ChainID != s.self {
		return 0, fmt.Errorf("%w: %s belongs to another chain", ErrUnknownBlock, v.Origin)
	}
	level := v.Level
	if level < types.L2 || level > s.cfg.MaxLevel {
		return 0, fmt.Errorf("%w: %s", ErrNotAccepting, level)
	}

	mu := s.lock(v.Origin)
	mu.Lock()
	defer mu.Unlock()

	st, err := s.store.Get(v.Origin)
	if err != nil {
		return 0, err
	}
	if level > st.Level {
		return 0, fmt.Errorf("%w: got %s, collecting %s", ErrNotAccepting, level, st.Level)
	}
	now := s.now()

	outcome, err := s.record(st, v, now)
	if err != nil {
		return 0, err
	}
	metrics.ReceiptsReceived.WithLabelValues(levelLabel(level), outcome.String()).Inc()
	log.Broadcast.Debug().
		Uint64("block_id", v.Origin.BlockID).
		Str("chain_level", level.String()).
		Str("verifier", v.Verifier.String()).
		Str("outcome", outcome.String()).
		Msg("Receipt")

	if outcome == Accepted && s.notify != nil {
		s.async(func() { s.notify.Verified(context.WithoutCancel(ctx), v) })
	}
	return outcome, nil
}

func (s *Scheduler) record(st *State, v *block.Verification, now time.Time) (Outcome, error) {
	level := v.Level
	if !slices.Contains(st.Tried[level], v.Verifier) {
		return 0, fmt.Errorf("%w: %s was not asked at %s", ErrNotAccepting, v.Verifier, level)
	}
	if st.Status == StatusFinalized || st.Count(level) >= s.cfg.required(level) {
		if st.addExtra(level, v.Verifier) {
			st.Updated = now.Unix()
			if err := s.save(st); err != nil {
				return 0, err
			}
		}
		return AlreadySatisfied, nil
	}
	if st.HasVerified(level, v.Verifier) {
		return Duplicate, nil
	}
	if err := s.covers(v); err != nil {
		return 0, err
	}

	st.Verified[level] = append(st.Verified[level], v.Verifier)
	st.Updated = now.Unix()
	if level == st.Level && st.Count(level) >= s.cfg.required(level) {
		st.Deadline = now.Unix()
		if st.Status == StatusFailed {
			log.Broadcast.Info().Uint64("block_id", st.Origin.BlockID).Str("chain_level", level.String()).Msg("Late receipt revived failed block")
			st.Status = StatusPending
			st.LastError = ""
		}
	}
	if err := s.save(st, v); err != nil {
		return 0, err
	}
	return Accepted, nil
}

// covers checks that a verification below L5 vouches for the stored block.
func (s *Scheduler) covers(v *block.Verification) error {
	var proof types.Hash
	switch p := v.Block.Payload().(type) {
	case *block.L2Payload:
		proof = p.L1Proof
	case *block.L3Payload:
		proof = p.L1Proof
	case *block.L4Payload:
		proof = p.L1Proof
	default:
		return nil
	}
	blk, err := s.blocks.GetBlock(types.L1, v.Origin.BlockID)
	if err != nil {
		return fmt.Errorf("load block %d: %w", v.Origin.BlockID, err)
	}
	if blk.Proof() != proof {
		return fmt.Errorf("%w: proof does not match block %d", ErrInvalidReceipt, v.Origin.BlockID)
	}
	return nil
}

// save writes st, counting failures toward the block's fault toleration.
func (s *Scheduler) save(st *State, vs ...*block.Verification) error {
	err := s.store.Put(st, vs...)
	if err != nil {
		n := s.addFault(st.Origin)
		log.Broadcast.Error().Err(err).Uint64("block_id", st.Origin.BlockID).Int("faults", n).Msg("Failed to save broadcast state")
	}
	return err
}

// fault handles a storage failure while preparing st. Past the fault
// toleration a block above L2 is rolled back one level, keeping only the
// lower verifiers whose records are actually stored. An L2 block has
// nothing to roll back to and fails instead.
func (s *Scheduler) fault(st *State, now time.Time, cause error) {
	n := s.addFault(st.Origin)
	log.Broadcast.Warn().Err(cause).Uint64("block_id", st.Origin.BlockID).Int("faults", n).Msg("Broadcast storage fault")

	if n >= s.cfg.FaultToleration && st.Level <= types.L2 {
		s.fail(st, now, fmt.Sprintf("storage faults at %s: %v", st.Level, cause))
		return
	}
	if n < s.cfg.FaultToleration {
		st.LastError = cause.Error()
		st.Deadline = now.Add(faultWait).Unix()
		s.save(st)
		return
	}

	below := st.Level - 1
	var keep []types.ChainID
	vs, err := s.store.Verifications(st.Origin, below)
	if err == nil {
		for _, v := range vs {
			if st.HasVerified(below, v.Verifier) {
				keep = append(keep, v.Verifier)
			}
		}
	}
	log.Broadcast.Warn().
		Uint64("block_id", st.Origin.BlockID).
		Str("from", st.Level.String()).
		Int("kept", len(keep)).
		Int("dropped", st.Count(below)-len(keep)).
		Msg("Rolling block back one level")

	st.Verified[below] = keep
	st.Level = below
	st.Retries = 0
	st.LastError = fmt.Sprintf("rolled back to %s: %v", below, cause)
	st.Deadline = now.Unix()
	st.Updated = now.Unix()
	s.clearFaults(st.Origin)
	s.save(st)
}

func (s *Scheduler) addFault(origin block.Origin) int {
	s.faultMu.Lock()
	defer s.faultMu.Unlock()
	s.faults[origin]++
	return s.faults[origin]
}

func (s *Scheduler) clearFaults(origin block.Origin) {
	s.faultMu.Lock()
	defer s.faultMu.Unlock()
	delete(s.faults, origin)
}

func (s *Scheduler) advance(blockID uint64, status tx.Status) {
	if _, err := s.blocks.AdvanceTransactions(blockID, status); err != nil {
		log.Broadcast.Warn().Err(err).Uint64("block_id", blockID).Str("status", string(status)).Msg("Failed to update transaction status")
	}
}

func levelLabel(l types.Level) string {
	return strconv.Itoa(int(l))
}
