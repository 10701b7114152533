package broadcast

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/Klingon-tech/dragonnet-node/internal/assembler"
	"github.com/Klingon-tech/dragonnet-node/internal/matchmaking"
	"github.com/Klingon-tech/dragonnet-node/internal/storage"
	"github.com/Klingon-tech/dragonnet-node/pkg/block"
	"github.com/Klingon-tech/dragonnet-node/pkg/crypto"
	"github.com/Klingon-tech/dragonnet-node/pkg/tx"
	"github.com/Klingon-tech/dragonnet-node/pkg/types"
)

// --- Fakes ---

// fakeDirectory hands out verifiers per level, honoring Exclude and Count.
type fakeDirectory struct {
	mu      sync.Mutex
	pool    map[types.Level][]*matchmaking.Chain
	err     error
	lookups []matchmaking.Criteria
}

func (d *fakeDirectory) FindCandidates(_ context.Context, level types.Level, c matchmaking.Criteria) ([]*matchmaking.Chain, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.lookups = append(d.lookups, c)
	if d.err != nil {
		return nil, d.err
	}
	var out []*matchmaking.Chain
	for _, ch := range d.pool[level] {
		if slices.Contains(c.Exclude, ch.ID) {
			continue
		}
		out = append(out, ch)
		if len(out) == c.Count {
			break
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: level %s", matchmaking.ErrNoCandidates, level)
	}
	return out, nil
}

func (d *fakeDirectory) setErr(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.err = err
}

type sent struct {
	to  types.ChainID
	req *block.Request
}

type fakeTransport struct {
	mu   sync.Mutex
	sent []sent
	err  error
}

func (tr *fakeTransport) SendRequest(_ context.Context, to *matchmaking.Chain, req *block.Request) error {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	tr.sent = append(tr.sent, sent{to: to.ID, req: req})
	return tr.err
}

func (tr *fakeTransport) targets() []types.ChainID {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	out := make([]types.ChainID, len(tr.sent))
	for i, s := range tr.sent {
		out[i] = s.to
	}
	return out
}

func (tr *fakeTransport) last() *block.Request {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	return tr.sent[len(tr.sent)-1].req
}

type recordingNotifier struct {
	mu        sync.Mutex
	verified  []*block.Verification
	finalized []*State
}

func (n *recordingNotifier) Verified(_ context.Context, v *block.Verification) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.verified = append(n.verified, v)
}

func (n *recordingNotifier) Finalized(_ context.Context, st *State, _ *block.Block) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.finalized = append(n.finalized, st)
}

func (n *recordingNotifier) counts() (int, int) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.verified), len(n.finalized)
}

// --- Fixture ---

type fixture struct {
	t         *testing.T
	sched     *Scheduler
	store     Store
	blocks    *assembler.BlockStore
	dir       *fakeDirectory
	net       *fakeTransport
	notes     *recordingNotifier
	now       time.Time
	blk       *block.Block
	keys      map[types.ChainID]*crypto.PrivateKey
	verifiers map[types.Level][]types.ChainID
}

func newFixture(t *testing.T, cfg Config, store Store) *fixture {
	t.Helper()
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatal(err)
	}
	f := &fixture{
		t:         t,
		store:     store,
		blocks:    assembler.NewBlockStore(storage.NewMemory()),
		dir:       &fakeDirectory{pool: make(map[types.Level][]*matchmaking.Chain)},
		net:       &fakeTransport{},
		notes:     &recordingNotifier{},
		now:       time.Unix(1_700_000_000, 0),
		keys:      make(map[types.ChainID]*crypto.PrivateKey),
		verifiers: make(map[types.Level][]types.ChainID),
	}
	for level := types.L2; level <= types.L5; level++ {
		for i := 0; i < 4; i++ {
			vk, err := crypto.GenerateKey()
			if err != nil {
				t.Fatal(err)
			}
			f.keys[vk.ChainID()] = vk
			f.verifiers[level] = append(f.verifiers[level], vk.ChainID())
			f.dir.pool[level] = append(f.dir.pool[level], &matchmaking.Chain{ID: vk.ChainID(), URL: "http://" + vk.ChainID().String(), Level: level, Registered: true})
		}
	}

	asm := assembler.New(f.blocks, key, nil, nil, 100)
	f.blk, _, err = asm.Assemble(context.Background(), []*tx.Transaction{
		tx.New("transfer", "", json.RawMessage(`{"amount":1}`)),
		tx.New("transfer", "", json.RawMessage(`{"amount":2}`)),
	}, types.Hash{})
	if err != nil {
		t.Fatal(err)
	}

	f.sched = New(cfg, key, store, f.blocks, f.dir, f.net)
	f.sched.SetNotifier(f.notes)
	f.sched.now = func() time.Time { return f.now }
	if err := f.sched.Schedule(context.Background(), f.blk); err != nil {
		t.Fatal(err)
	}
	return f
}

func testConfig(maxLevel types.Level, required ...int) Config {
	cfg := Config{
		MaxLevel:        maxLevel,
		MaxRetries:      3,
		RequestDeadline: 30 * time.Second,
		Backoff:         func(types.Level) time.Duration { return 35 * time.Second },
		FaultToleration: 3,
	}
	for i, n := range required {
		cfg.Required[int(types.L2)+i] = n
	}
	return cfg
}

func (f *fixture) tick() {
	f.t.Helper()
	if err := f.sched.Tick(context.Background(), f.now); err != nil {
		f.t.Fatalf("Tick: %v", err)
	}
	f.sched.Wait()
}

func (f *fixture) advance(d time.Duration) {
	f.now = f.now.Add(d)
}

func (f *fixture) state() *State {
	f.t.Helper()
	st, err := f.sched.Status(f.blk.Header.ChainID, f.blk.Header.BlockID)
	if err != nil {
		f.t.Fatalf("Status: %v", err)
	}
	return st
}

// verification builds verifier's signed attestation of the fixture block
// at level.
func (f *fixture) verification(verifier types.ChainID, level types.Level) *block.Verification {
	f.t.Helper()
	origin := f.blk.Origin()
	ref := block.LowerProof{ChainID: verifier, BlockID: 1, Proof: crypto.Hash([]byte(verifier))}
	var payload block.Payload
	switch level {
	case types.L2:
		payload = &block.L2Payload{L1: origin, L1Proof: f.blk.Proof(), Valid: []string{f.blk.L1.Transactions[0].ID}}
	case types.L3:
		payload = &block.L3Payload{L1: origin, L1Proof: f.blk.Proof(), L2Proofs: []block.LowerProof{ref}, L2Count: 1}
	case types.L4:
		payload = &block.L4Payload{L1: origin, L1Proof: f.blk.Proof(), Validations: []block.L3Validation{{LowerProof: ref, Valid: true}}}
	case types.L5:
		payload = &block.L5Payload{Network: "bitcoin", ExternalTx: "abc", L4Blocks: []block.LowerProof{ref}, Covered: []block.Origin{origin}}
	}
	vb := block.New(&block.Header{
		Version:   block.CurrentVersion,
		ChainID:   verifier,
		BlockID:   1,
		Timestamp: f.now.Unix(),
	}, payload)
	if err := vb.Sign(f.keys[verifier]); err != nil {
		f.t.Fatal(err)
	}
	return block.NewVerification(vb, origin)
}

func (f *fixture) receive(verifier types.ChainID, level types.Level) Outcome {
	f.t.Helper()
	out, err := f.sched.ReceiveVerification(context.Background(), f.verification(verifier, level))
	if err != nil {
		f.t.Fatalf("ReceiveVerification(%s, %s): %v", verifier.String()[:8], level, err)
	}
	return out
}

// --- Scheduling and broadcast ---

func TestSchedule_FirstTickBroadcasts(t *testing.T) {
	f := newFixture(t, testConfig(types.L2, 2), NewMemoryStore())
	f.tick()

	targets := f.net.targets()
	if len(targets) != 2 {
		t.Fatalf("sent %d requests, want 2", len(targets))
	}
	req := f.net.last()
	if req.Level != types.L2 || req.Deadline != f.now.Add(30*time.Second).Unix() {
		t.Errorf("request level %s deadline %d", req.Level, req.Deadline)
	}
	if err := req.VerifySignature(); err != nil {
		t.Errorf("request signature: %v", err)
	}
	if req.Block.Proof() != f.blk.Proof() || len(req.Lower) != 0 {
		t.Error("l2 request does not carry the l1 block alone")
	}

	st := f.state()
	if st.Retries != 1 || st.Deadline != f.now.Add(35*time.Second).Unix() {
		t.Errorf("retries=%d deadline=%d", st.Retries, st.Deadline)
	}
	if len(st.Tried[types.L2]) != 2 {
		t.Errorf("tried = %v", st.Tried[types.L2])
	}

	// Not due again until the backoff passes.
	f.advance(10 * time.Second)
	f.tick()
	if len(f.net.targets()) != 2 {
		t.Error("block rebroadcast before its deadline")
	}
}

func TestSchedule_Idempotent(t *testing.T) {
	f := newFixture(t, testConfig(types.L2, 1), NewMemoryStore())
	f.tick()
	if err := f.sched.Schedule(context.Background(), f.blk); err != nil {
		t.Fatal(err)
	}
	if st := f.state(); st.Retries != 1 {
		t.Errorf("rescheduling reset the state: %+v", st)
	}
}

func TestSchedule_RejectsForeignBlock(t *testing.T) {
	f := newFixture(t, testConfig(types.L2, 1), NewMemoryStore())
	other := *f.blk
	hdr := *f.blk.Header
	hdr.ChainID = f.verifiers[types.L2][0]
	other.Header = &hdr
	if err := f.sched.Schedule(context.Background(), &other); err == nil {
		t.Error("scheduled another chain's block")
	}
}

// --- Receipts ---

func TestReceive_DuplicateThenSatisfied(t *testing.T) {
	f := newFixture(t, testConfig(types.L2, 2), NewMemoryStore())
	f.tick()
	a, b := f.verifiers[types.L2][0], f.verifiers[types.L2][1]

	if got := f.receive(a, types.L2); got != Accepted {
		t.Fatalf("A: %s", got)
	}
	before := f.state()
	if got := f.receive(a, types.L2); got != Duplicate {
		t.Fatalf("A again: %s, want duplicate", got)
	}
	after := f.state()
	if after.Count(types.L2) != before.Count(types.L2) || after.Updated != before.Updated {
		t.Error("duplicate changed state")
	}

	if got := f.receive(b, types.L2); got != Accepted {
		t.Fatalf("B: %s", got)
	}
	if got := f.receive(a, types.L2); got != AlreadySatisfied {
		t.Fatalf("A after satisfied: %s, want already_satisfied", got)
	}

	// Meeting the requirement makes the block due now.
	if st := f.state(); st.Deadline != f.now.Unix() {
		t.Errorf("deadline = %d, want now", st.Deadline)
	}
	f.tick()
	f.sched.Wait()

	st := f.state()
	if st.Status != StatusFinalized {
		t.Fatalf("status = %s, want finalized", st.Status)
	}
	if st.Count(types.L2) != 2 {
		t.Errorf("verifiers = %d, want 2", st.Count(types.L2))
	}
	verified, finalized := f.notes.counts()
	if verified != 2 || finalized != 1 {
		t.Errorf("notifications: verified=%d finalized=%d", verified, finalized)
	}
	if n, _ := f.store.Pending(); n != 0 {
		t.Errorf("finalized block still indexed")
	}
}

func TestReceive_ExtrasRecorded(t *testing.T) {
	f := newFixture(t, testConfig(types.L2, 1), NewMemoryStore())
	x, y, z := f.verifiers[types.L2][0], f.verifiers[types.L2][1], f.verifiers[types.L2][2]

	// X misses its deadline, the retry asks Y, and both answer.
	f.tick()
	f.advance(36 * time.Second)
	f.tick()
	f.receive(y, types.L2)

	if got := f.receive(x, types.L2); got != AlreadySatisfied {
		t.Fatalf("extra: %s", got)
	}
	st := f.state()
	if st.Count(types.L2) != 1 || !slices.Contains(st.Extras[types.L2], x) {
		t.Errorf("verified=%v extras=%v", st.Verified[types.L2], st.Extras[types.L2])
	}

	f.tick()
	f.sched.Wait()
	if got := f.receive(x, types.L2); got != AlreadySatisfied {
		t.Errorf("receipt after finalization: %s", got)
	}
	if _, err := f.sched.ReceiveVerification(context.Background(), f.verification(z, types.L2)); !errors.Is(err, ErrNotAccepting) {
		t.Errorf("unasked chain after finalization: got %v", err)
	}
	if verified, finalized := f.notes.counts(); verified != 1 || finalized != 1 {
		t.Errorf("extras notified: verified=%d finalized=%d", verified, finalized)
	}
}

func TestReceive_Rejections(t *testing.T) {
	f := newFixture(t, testConfig(types.L3, 2, 1), NewMemoryStore())
	f.tick()
	ctx := context.Background()

	if _, err := f.sched.ReceiveVerification(ctx, f.verification(f.verifiers[types.L3][0], types.L3)); !errors.Is(err, ErrNotAccepting) {
		t.Errorf("level above target: got %v", err)
	}
	if _, err := f.sched.ReceiveVerification(ctx, f.verification(f.verifiers[types.L4][0], types.L4)); !errors.Is(err, ErrNotAccepting) {
		t.Errorf("level above max: got %v", err)
	}

	unknown := f.verification(f.verifiers[types.L2][0], types.L2)
	unknown.Origin.BlockID = 99
	unknown.Block.L2.L1.BlockID = 99
	unknown.Block.Sign(f.keys[unknown.Verifier])
	if _, err := f.sched.ReceiveVerification(ctx, unknown); !errors.Is(err, ErrUnknownBlock) {
		t.Errorf("unknown block: got %v", err)
	}

	forged := f.verification(f.verifiers[types.L2][0], types.L2)
	forged.Block.L2.Valid = append(forged.Block.L2.Valid, "extra")
	if _, err := f.sched.ReceiveVerification(ctx, forged); !errors.Is(err, ErrInvalidReceipt) {
		t.Errorf("tampered verification: got %v", err)
	}

	wrongProof := f.verification(f.verifiers[types.L2][1], types.L2)
	wrongProof.Block.L2.L1Proof = crypto.Hash([]byte("other"))
	wrongProof.Block.Sign(f.keys[wrongProof.Verifier])
	if _, err := f.sched.ReceiveVerification(ctx, wrongProof); !errors.Is(err, ErrInvalidReceipt) || !errors.Is(err, types.ErrAuthorization) {
		t.Errorf("wrong l1 proof: got %v", err)
	}

	if st := f.state(); st.Count(types.L2) != 0 {
		t.Errorf("rejected receipts counted: %v", st.Verified[types.L2])
	}
}

func TestReceive_OnlyAskedChainsCount(t *testing.T) {
	f := newFixture(t, testConfig(types.L2, 2), NewMemoryStore())
	f.tick()
	ctx := context.Background()

	asked := f.state().Tried[types.L2]
	if len(asked) != 2 {
		t.Fatalf("asked = %v", asked)
	}

	// Chains from other pools and an unasked L2 chain are all refused.
	strangers := []types.ChainID{f.verifiers[types.L5][0], f.verifiers[types.L5][1], f.verifiers[types.L2][3]}
	for _, id := range strangers {
		if slices.Contains(asked, id) {
			t.Fatalf("%s unexpectedly asked", id)
		}
		if _, err := f.sched.ReceiveVerification(ctx, f.verification(id, types.L2)); !errors.Is(err, ErrNotAccepting) {
			t.Errorf("unasked %s: got %v", id.String()[:8], err)
		}
	}

	f.tick()
	st := f.state()
	if st.Status != StatusPending || st.Count(types.L2) != 0 || len(st.Extras[types.L2]) != 0 {
		t.Fatalf("unasked receipts changed state: status=%s verified=%v extras=%v", st.Status, st.Verified[types.L2], st.Extras[types.L2])
	}
	if verified, _ := f.notes.counts(); verified != 0 {
		t.Errorf("unasked receipts notified: %d", verified)
	}

	for _, id := range asked {
		if got := f.receive(id, types.L2); got != Accepted {
			t.Fatalf("asked %s: %s", id.String()[:8], got)
		}
	}
	f.tick()
	if st := f.state(); st.Status != StatusFinalized {
		t.Errorf("status = %s, want finalized", st.Status)
	}
}

func TestReceive_LateReceiptCounted(t *testing.T) {
	cfg := testConfig(types.L2, 1)
	f := newFixture(t, cfg, NewMemoryStore())
	f.dir.pool[types.L2] = f.dir.pool[types.L2][:2]
	x, y := f.verifiers[types.L2][0], f.verifiers[types.L2][1]

	f.tick()
	if got := f.net.targets(); len(got) != 1 || got[0] != x {
		t.Fatalf("first round sent to %v, want X", got)
	}

	// X misses its deadline; the retry goes to Y.
	f.advance(36 * time.Second)
	f.tick()
	if got := f.net.targets(); len(got) != 2 || got[1] != y {
		t.Fatalf("retry sent to %v, want Y", got)
	}
	if st := f.state(); !slices.Contains(f.dir.lookups[1].Exclude, x) || st.Retries != 2 {
		t.Errorf("retry did not exclude X: %+v", f.dir.lookups[1])
	}

	// X answers late, before finalization.
	f.advance(5 * time.Second)
	if got := f.receive(x, types.L2); got != Accepted {
		t.Fatalf("late receipt: %s", got)
	}
	f.tick()
	if st := f.state(); st.Status != StatusFinalized || !st.HasVerified(types.L2, x) {
		t.Errorf("late receipt not counted: %+v", st)
	}
}

// --- Level progression ---

func TestFinalize_RequiresEveryLevel(t *testing.T) {
	f := newFixture(t, testConfig(types.L4, 2, 1, 1), NewMemoryStore())
	f.tick()

	f.receive(f.verifiers[types.L2][0], types.L2)
	f.tick()
	if st := f.state(); st.Level != types.L2 || st.Status != StatusPending {
		t.Fatalf("promoted with one of two l2 verifiers: %+v", st)
	}

	f.receive(f.verifiers[types.L2][1], types.L2)
	f.tick()
	st := f.state()
	if st.Level != types.L3 || st.Retries != 1 {
		t.Fatalf("after l2: level=%s retries=%d", st.Level, st.Retries)
	}
	req := f.net.last()
	if req.Level != types.L3 || len(req.Lower) != 2 {
		t.Fatalf("l3 request carries %d lower blocks", len(req.Lower))
	}
	if err := req.Validate(); err != nil {
		t.Errorf("l3 request invalid: %v", err)
	}

	tr, err := f.blocks.GetTransaction(f.blk.L1.Transactions[0].ID)
	if err != nil {
		t.Fatal(err)
	}
	if tr.Status != tx.StatusApproved {
		t.Errorf("tx status after l2 = %s, want APPROVED", tr.Status)
	}

	f.receive(f.verifiers[types.L3][0], types.L3)
	f.tick()
	if st := f.state(); st.Level != types.L4 || st.Status != StatusPending {
		t.Fatalf("after l3: %+v", st)
	}
	// A repeated L2 receipt below the target is still acknowledged.
	if got := f.receive(f.verifiers[types.L2][0], types.L2); got != AlreadySatisfied {
		t.Errorf("late l2: %s", got)
	}

	f.receive(f.verifiers[types.L4][0], types.L4)
	f.tick()
	if st := f.state(); st.Status != StatusFinalized {
		t.Fatalf("not finalized after l4: %+v", st)
	}
	tr, _ = f.blocks.GetTransaction(f.blk.L1.Transactions[1].ID)
	if tr.Status != tx.StatusComplete {
		t.Errorf("tx status after finalization = %s, want COMPLETE", tr.Status)
	}
}

func TestFinalize_L5Receipt(t *testing.T) {
	f := newFixture(t, testConfig(types.L5, 1, 1, 1, 1), NewMemoryStore())
	for level := types.L2; level <= types.L5; level++ {
		f.tick()
		f.receive(f.verifiers[level][0], level)
	}
	f.tick()
	if st := f.state(); st.Status != StatusFinalized || st.Level != types.L5 {
		t.Fatalf("state = %+v", st)
	}
}

// --- Failure ---

func TestFail_CandidatesExhausted(t *testing.T) {
	f := newFixture(t, testConfig(types.L2, 3), NewMemoryStore())
	f.dir.pool[types.L2] = f.dir.pool[types.L2][:2]

	f.tick()
	f.receive(f.verifiers[types.L2][0], types.L2)
	f.advance(36 * time.Second)
	f.tick()

	st := f.state()
	if st.Status != StatusFailed {
		t.Fatalf("status = %s, want failed", st.Status)
	}
	if st.LastError == "" || st.Count(types.L2) != 1 {
		t.Errorf("failed state: %+v", st)
	}
	if n, _ := f.store.Pending(); n != 0 {
		t.Error("failed block still indexed")
	}

	// The block and its transactions stay queryable.
	if _, err := f.blocks.GetBlock(types.L1, f.blk.Header.BlockID); err != nil {
		t.Errorf("block lost: %v", err)
	}
	for _, bt := range f.blk.L1.Transactions {
		tr, err := f.blocks.GetTransaction(bt.ID)
		if err != nil || tr.Status != tx.StatusPending {
			t.Errorf("tx %s: %v %v", bt.ID, tr, err)
		}
	}
}

func TestFail_RetriesExhausted(t *testing.T) {
	cfg := testConfig(types.L2, 1)
	cfg.MaxRetries = 1
	f := newFixture(t, cfg, NewMemoryStore())

	f.tick()
	f.advance(36 * time.Second)
	f.tick()
	f.advance(36 * time.Second)
	f.tick()

	st := f.state()
	if st.Status != StatusFailed || len(f.net.targets()) != 2 {
		t.Fatalf("status=%s sent=%d", st.Status, len(f.net.targets()))
	}
}

func TestFail_LateReceiptRevives(t *testing.T) {
	f := newFixture(t, testConfig(types.L2, 1), NewMemoryStore())
	f.dir.pool[types.L2] = f.dir.pool[types.L2][:1]
	f.tick()
	f.advance(36 * time.Second)
	f.tick()
	if st := f.state(); st.Status != StatusFailed {
		t.Fatalf("status = %s", st.Status)
	}
	if got := f.receive(f.verifiers[types.L2][0], types.L2); got != Accepted {
		t.Fatalf("late receipt on failed block: %s", got)
	}
	f.tick()
	if st := f.state(); st.Status != StatusFinalized {
		t.Errorf("status = %s, want finalized", st.Status)
	}
}

func TestDirectoryErrors(t *testing.T) {
	f := newFixture(t, testConfig(types.L2, 1), NewMemoryStore())

	f.dir.setErr(matchmaking.ErrUnavailable)
	f.tick()
	st := f.state()
	if st.Status != StatusPending || st.Retries != 1 || st.Deadline != f.now.Add(35*time.Second).Unix() {
		t.Errorf("transient: %+v", st)
	}

	f.advance(time.Minute)
	f.dir.setErr(matchmaking.ErrInsufficientFunds)
	f.tick()
	st = f.state()
	if st.Retries != 1 || st.Deadline != f.now.Add(fundsWait).Unix() {
		t.Errorf("insufficient funds: %+v", st)
	}
	if len(f.net.targets()) != 0 {
		t.Error("requests sent without candidates")
	}
}

// --- Concurrency ---

type blockingDirectory struct {
	entered chan struct{}
	release chan struct{}
}

func (d *blockingDirectory) FindCandidates(context.Context, types.Level, matchmaking.Criteria) ([]*matchmaking.Chain, error) {
	d.entered <- struct{}{}
	<-d.release
	return nil, matchmaking.ErrNoCandidates
}

func TestTick_NoOverlap(t *testing.T) {
	f := newFixture(t, testConfig(types.L2, 1), NewMemoryStore())
	dir := &blockingDirectory{entered: make(chan struct{}, 1), release: make(chan struct{})}
	f.sched.dir = dir

	done := make(chan error, 1)
	go func() { done <- f.sched.Tick(context.Background(), f.now) }()
	<-dir.entered

	if err := f.sched.Tick(context.Background(), f.now); !errors.Is(err, ErrTickInProgress) {
		t.Errorf("overlapping tick: got %v", err)
	}
	close(dir.release)
	if err := <-done; err != nil {
		t.Fatalf("first tick: %v", err)
	}
}

func TestReceive_Concurrent(t *testing.T) {
	f := newFixture(t, testConfig(types.L2, 4), NewMemoryStore())
	f.tick()

	vs := make([]*block.Verification, 0, 8)
	for _, id := range f.verifiers[types.L2] {
		vs = append(vs, f.verification(id, types.L2), f.verification(id, types.L2))
	}
	var wg sync.WaitGroup
	for _, v := range vs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			f.sched.ReceiveVerification(context.Background(), v)
		}()
	}
	wg.Wait()
	if st := f.state(); st.Count(types.L2) != 4 {
		t.Errorf("verifiers = %d, want 4", st.Count(types.L2))
	}
}

// --- Fault toleration ---

// lossyStore forgets stored verifications, as after a partial write.
type lossyStore struct {
	*MemoryStore
}

func (lossyStore) Verifications(block.Origin, types.Level) ([]*block.Verification, error) {
	return nil, nil
}

func TestFault_RollsBackOneLevel(t *testing.T) {
	f := newFixture(t, testConfig(types.L3, 1, 1), lossyStore{NewMemoryStore()})
	f.tick()
	f.receive(f.verifiers[types.L2][0], types.L2)

	// Three ticks: two faults reschedule, the third rolls back.
	for i := 0; i < 2; i++ {
		f.tick()
		st := f.state()
		if st.Level != types.L3 || st.LastError == "" {
			t.Fatalf("fault %d: %+v", i, st)
		}
		f.advance(faultWait)
	}
	f.tick()

	st := f.state()
	if st.Level != types.L2 || st.Count(types.L2) != 0 || st.Retries != 0 {
		t.Fatalf("after rollback: level=%s verified=%v retries=%d", st.Level, st.Verified[types.L2], st.Retries)
	}
	if st.Status != StatusPending || st.Deadline != f.now.Unix() {
		t.Errorf("rolled back block not due: %+v", st)
	}
	if len(f.net.targets()) != 1 {
		t.Errorf("l3 requests sent without lower verifications")
	}
}

// --- Recovery ---

func TestRecover_DBStore(t *testing.T) {
	db := storage.NewMemory()
	f := newFixture(t, testConfig(types.L2, 2), NewDBStore(storage.NewPrefixDB(db, []byte("bc/"))))
	f.tick()
	f.receive(f.verifiers[types.L2][0], types.L2)

	// Restart on the same database.
	store := NewDBStore(storage.NewPrefixDB(db, []byte("bc/")))
	sched := New(f.sched.cfg, f.sched.signer, store, f.blocks, f.dir, f.net)
	sched.now = func() time.Time { return f.now }
	if err := sched.Recover(context.Background()); err != nil {
		t.Fatal(err)
	}
	if n, _ := store.Pending(); n != 1 {
		t.Fatalf("pending after recover = %d", n)
	}
	f.sched = sched
	f.store = store

	f.receive(f.verifiers[types.L2][1], types.L2)
	f.tick()
	if st := f.state(); st.Status != StatusFinalized {
		t.Errorf("status after restart = %s", st.Status)
	}
	vs, err := store.Verifications(f.blk.Origin(), types.L2)
	if err != nil || len(vs) != 2 {
		t.Errorf("stored verifications = %d, %v", len(vs), err)
	}
}

func TestResume_SchedulesBlocksCommittedBeforeRestart(t *testing.T) {
	db := storage.NewMemory()
	f := newFixture(t, testConfig(types.L2, 1), NewDBStore(storage.NewPrefixDB(db, []byte("bc/"))))
	f.tick()

	// Blocks 2 and 3 are committed but the node stops before scheduling them.
	asm := assembler.New(f.blocks, f.sched.signer, nil, nil, 100)
	prev := f.blk.Proof()
	for i := 0; i < 2; i++ {
		blk, _, err := asm.Assemble(context.Background(), []*tx.Transaction{
			tx.New("transfer", "", json.RawMessage(fmt.Sprintf(`{"amount":%d}`, 10+i))),
		}, prev)
		if err != nil {
			t.Fatal(err)
		}
		prev = blk.Proof()
	}

	store := NewDBStore(storage.NewPrefixDB(db, []byte("bc/")))
	sched := New(f.sched.cfg, f.sched.signer, store, f.blocks, f.dir, f.net)
	sched.now = func() time.Time { return f.now }
	if err := sched.Recover(context.Background()); err != nil {
		t.Fatal(err)
	}
	n, err := sched.Resume(context.Background(), 3)
	if err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if n != 2 {
		t.Fatalf("resumed %d blocks, want 2", n)
	}
	for id := uint64(2); id <= 3; id++ {
		st, err := sched.Status(f.blk.Header.ChainID, id)
		if err != nil {
			t.Fatalf("block %d after restart: %v", id, err)
		}
		if st.Status != StatusPending || st.TxCount != 1 {
			t.Errorf("block %d state: %+v", id, st)
		}
	}
	if st, _ := sched.Status(f.blk.Header.ChainID, 1); st.Retries != 1 {
		t.Errorf("tracked block 1 was reset: %+v", st)
	}

	if err := sched.Tick(context.Background(), f.now); err != nil {
		t.Fatal(err)
	}
	sched.Wait()
	if st, _ := sched.Status(f.blk.Header.ChainID, 3); st.Retries != 1 || len(st.Tried[types.L2]) != 1 {
		t.Errorf("resumed block not broadcast: %+v", st)
	}

	// Nothing left to resume.
	if n, err := sched.Resume(context.Background(), 3); err != nil || n != 0 {
		t.Errorf("second Resume = %d, %v", n, err)
	}
}
