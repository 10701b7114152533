package block

import (
	"errors"
	"fmt"
	"slices"

	"github.com/Klingon-tech/dragonnet-node/pkg/types"
)

// Verification errors.
var (
	ErrNilVerification = errors.New("verification has no block")
	ErrLevelMismatch   = errors.New("verification level does not match block level")
	ErrVerifierID      = errors.New("verification block not produced by verifier")
	ErrNotCovered      = errors.New("verification block does not cover origin")
)

// Verification is a verifying chain's signed attestation that it processed
// an L1 block at a given level. The attestation is the verifier's own block.
type Verification struct {
	Verifier types.ChainID `json:"verifier"`
	Level    types.Level   `json:"level"`
	Origin   Origin        `json:"origin"`
	Block    *Block        `json:"block"`
}

// NewVerification wraps a verifier block as the attestation for origin.
func NewVerification(blk *Block, origin Origin) *Verification {
	return &Verification{
		Verifier: blk.Header.ChainID,
		Level:    blk.Header.Level,
		Origin:   origin,
		Block:    blk,
	}
}

// Proof returns the verifier block's signed hash.
func (v *Verification) Proof() types.Hash {
	if v.Block == nil {
		return types.Hash{}
	}
	return v.Block.Proof()
}

// Validate checks that the verification is self-consistent and signed by
// the verifier it claims to come from.
func (v *Verification) Validate() error {
	if v.Block == nil || v.Block.Header == nil {
		return ErrNilVerification
	}
	if v.Block.Header.Level != v.Level {
		return fmt.Errorf("%w: record %s, block %s", ErrLevelMismatch, v.Level, v.Block.Header.Level)
	}
	if v.Block.Header.ChainID != v.Verifier {
		return ErrVerifierID
	}
	if err := v.Block.Validate(); err != nil {
		return err
	}
	if err := v.Block.VerifySignature(); err != nil {
		return err
	}
	if !slices.Contains(v.Block.Payload().Origins(), v.Origin) {
		return fmt.Errorf("%w: %s", ErrNotCovered, v.Origin)
	}
	return nil
}
