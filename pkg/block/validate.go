package block

import (
	"errors"
	"fmt"

	"github.com/Klingon-tech/dragonnet-node/config"
	"github.com/Klingon-tech/dragonnet-node/pkg/types"
)

// Validation errors.
var (
	ErrNilHeader      = errors.New("block has nil header")
	ErrBadVersion     = errors.New("unsupported block version")
	ErrBadLevel       = errors.New("invalid block level")
	ErrMissingPayload = errors.New("block payload does not match level")
	ErrExtraPayload   = errors.New("block carries payload for another level")
	ErrZeroTimestamp  = errors.New("block timestamp is zero")
	ErrNoItems        = errors.New("block has no items")
	ErrTooManyItems   = errors.New("too many items in block")
	ErrBadMerkleRoot  = errors.New("merkle root mismatch")
	ErrUnsigned       = errors.New("block is not signed")
	ErrBadSignature   = errors.New("invalid block signature")
	ErrHashMismatch   = errors.New("signature hash does not match block content")
	ErrWrongSigner    = errors.New("block signed by a key that does not own its chain id")
)

// Validate checks block structure and internal consistency.
func (b *Block) Validate() error {
	if b.Header == nil {
		return ErrNilHeader
	}
	if b.Header.Version != CurrentVersion {
		return fmt.Errorf("%w: got %d, want %d", ErrBadVersion, b.Header.Version, CurrentVersion)
	}
	if !b.Header.Level.Valid() {
		return fmt.Errorf("%w: %d", ErrBadLevel, b.Header.Level)
	}
	if b.Header.Timestamp == 0 {
		return ErrZeroTimestamp
	}
	p := b.Payload()
	if p == nil {
		return fmt.Errorf("%w: level %s", ErrMissingPayload, b.Header.Level)
	}
	if b.payloadCount() != 1 {
		return ErrExtraPayload
	}
	if p.ItemCount() == 0 {
		return ErrNoItems
	}
	if p.ItemCount() > config.MaxBlockItems {
		return fmt.Errorf("%w: %d items, max %d", ErrTooManyItems, p.ItemCount(), config.MaxBlockItems)
	}

	if b.Header.Level == types.L1 {
		hashes := make([]types.Hash, len(b.L1.Transactions))
		for i, t := range b.L1.Transactions {
			if t == nil {
				return fmt.Errorf("tx %d: %w", i, ErrNoItems)
			}
			if err := t.Validate(); err != nil {
				return fmt.Errorf("tx %d: %w", i, err)
			}
			hashes[i] = t.Hash()
		}
		if root := ComputeMerkleRoot(hashes); root != b.L1.MerkleRoot {
			return fmt.Errorf("%w: header=%s computed=%s", ErrBadMerkleRoot, b.L1.MerkleRoot, root)
		}
	}
	return nil
}

// VerifySignature checks that the block is signed over its current content
// by the key that owns Header.ChainID.
func (b *Block) VerifySignature() error {
	if b.Header == nil {
		return ErrNilHeader
	}
	if b.Signature == nil {
		return ErrUnsigned
	}
	if b.Hash() != b.Signature.Hash {
		return ErrHashMismatch
	}
	if !b.Signature.Verify() {
		return ErrBadSignature
	}
	inner := b.Signature
	for inner.Child != nil {
		inner = inner.Child
	}
	if inner.Signer() != b.Header.ChainID {
		return ErrWrongSigner
	}
	return nil
}

func (b *Block) payloadCount() int {
	n := 0
	for _, set := range []bool{b.L1 != nil, b.L2 != nil, b.L3 != nil, b.L4 != nil, b.L5 != nil} {
		if set {
			n++
		}
	}
	return n
}
