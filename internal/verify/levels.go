package verify

import (
	"context"
	"slices"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/Klingon-tech/dragonnet-node/internal/log"
	"github.com/Klingon-tech/dragonnet-node/pkg/block"
	"github.com/Klingon-tech/dragonnet-node/pkg/crypto"
	"github.com/Klingon-tech/dragonnet-node/pkg/tx"
	"github.com/Klingon-tech/dragonnet-node/pkg/types"
)

const (
	defaultTxTimeout   = 10 * time.Second
	defaultConcurrency = 8
)

// --- L2: business verification ---

type l2 struct {
	validator   ContractValidator
	timeout     time.Duration
	concurrency int
	region      string
	cloud       string
	ddss        uint64
}

func newL2(cfg Config) *l2 {
	v := &l2{
		validator:   cfg.Validator,
		timeout:     cfg.TxTimeout,
		concurrency: cfg.Concurrency,
		region:      cfg.Region,
		cloud:       cfg.Cloud,
		ddss:        cfg.DDSS,
	}
	if v.validator == nil {
		v.validator = AcceptAll{}
	}
	if v.timeout <= 0 {
		v.timeout = defaultTxTimeout
	}
	if v.concurrency <= 0 {
		v.concurrency = defaultConcurrency
	}
	return v
}

// aggregate runs every transaction through the contract validator and
// partitions the ids, keeping block order in both lists.
func (v *l2) aggregate(ctx context.Context, req *block.Request) (block.Payload, error) {
	txs := req.Block.L1.Transactions
	ok := make([]bool, len(txs))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(v.concurrency)
	for i, t := range txs {
		g.Go(func() error {
			err := v.validate(gctx, t)
			if err != nil {
				log.Verify.Debug().Err(err).Str("txn_id", t.ID).Msg("Transaction marked invalid")
			}
			ok[i] = err == nil
			return nil
		})
	}
	g.Wait()
	// A cancelled pass says nothing about the transactions.
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	p := &block.L2Payload{
		L1:      req.Origin(),
		L1Proof: req.Block.Proof(),
		Valid:   []string{},
		Invalid: []string{},
		Region:  v.region,
		Cloud:   v.cloud,
		DDSS:    v.ddss,
	}
	for i, t := range txs {
		if ok[i] {
			p.Valid = append(p.Valid, t.ID)
		} else {
			p.Invalid = append(p.Invalid, t.ID)
		}
	}
	return p, nil
}

// validate bounds one validation by the per-transaction timeout, even if
// the validator ignores its context.
func (v *l2) validate(ctx context.Context, t *tx.Transaction) error {
	ctx, cancel := context.WithTimeout(ctx, v.timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- v.validator.Validate(ctx, t) }()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// --- L3: diversity verification ---

type l3 struct{}

// aggregate collects the distinct, valid L2 verifications of the origin in
// the order they were received.
func (l3) aggregate(_ context.Context, req *block.Request) (block.Payload, error) {
	origin, l1Proof := req.Origin(), req.Block.Proof()
	p := &block.L3Payload{L1: origin, L1Proof: l1Proof, Regions: []string{}, Clouds: []string{}}

	seen := make(map[block.LowerProof]bool)
	var proofs []types.Hash
	for _, lb := range req.Lower {
		if err := checkLower(lb, types.L2, origin, l1Proof); err != nil {
			log.Verify.Warn().Err(err).Str("origin", origin.String()).Msg("Skipping l2 verification")
			continue
		}
		ref := lb.LowerProof()
		if seen[ref] {
			continue
		}
		seen[ref] = true

		p.L2Proofs = append(p.L2Proofs, ref)
		p.DDSS += lb.L2.DDSS
		if lb.L2.Region != "" && !slices.Contains(p.Regions, lb.L2.Region) {
			p.Regions = append(p.Regions, lb.L2.Region)
		}
		if lb.L2.Cloud != "" && !slices.Contains(p.Clouds, lb.L2.Cloud) {
			p.Clouds = append(p.Clouds, lb.L2.Cloud)
		}
		proofs = append(proofs, ref.Proof)
	}
	if len(p.L2Proofs) == 0 {
		return nil, ErrNoValidProofs
	}
	p.L2Count = len(p.L2Proofs)
	p.Digest = crypto.HashSequence(proofs...)
	return p, nil
}

// --- L4: external notarization ---

type l4 struct{}

// aggregate records the validity of every distinct L3 verification.
func (l4) aggregate(_ context.Context, req *block.Request) (block.Payload, error) {
	origin, l1Proof := req.Origin(), req.Block.Proof()
	p := &block.L4Payload{L1: origin, L1Proof: l1Proof}

	seen := make(map[block.LowerProof]bool)
	var proofs []types.Hash
	for _, lb := range req.Lower {
		ref := lb.LowerProof()
		if seen[ref] {
			continue
		}
		seen[ref] = true
		err := checkLower(lb, types.L3, origin, l1Proof)
		if err != nil {
			log.Verify.Warn().Err(err).Str("origin", origin.String()).Msg("Invalid l3 verification")
		}
		p.Validations = append(p.Validations, block.L3Validation{LowerProof: ref, Valid: err == nil})
		proofs = append(proofs, ref.Proof)
	}
	p.Digest = crypto.HashSequence(proofs...)
	return p, nil
}

// checkLower verifies that lb is a signed level block vouching for origin
// at l1Proof.
func checkLower(lb *block.Block, level types.Level, origin block.Origin, l1Proof types.Hash) error {
	if err := lb.Validate(); err != nil {
		return err
	}
	if lb.Header.Level != level {
		return block.ErrBadLevel
	}
	if err := lb.VerifySignature(); err != nil {
		return err
	}
	var covered block.Origin
	var proof types.Hash
	switch p := lb.Payload().(type) {
	case *block.L2Payload:
		covered, proof = p.L1, p.L1Proof
	case *block.L3Payload:
		covered, proof = p.L1, p.L1Proof
	case *block.L4Payload:
		covered, proof = p.L1, p.L1Proof
	}
	if covered != origin || proof != l1Proof {
		return block.ErrNotCovered
	}
	return nil
}
