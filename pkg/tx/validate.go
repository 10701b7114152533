package tx

import (
	"errors"
	"fmt"

	"github.com/Klingon-tech/dragonnet-node/config"
	"github.com/Klingon-tech/dragonnet-node/pkg/crypto"
	"github.com/google/uuid"
)

// Validation errors.
var (
	ErrBadID           = errors.New("transaction id is not a uuid")
	ErrMissingType     = errors.New("transaction type is required")
	ErrTypeTooLong     = errors.New("transaction type too long")
	ErrTagTooLong      = errors.New("transaction tag too long")
	ErrPayloadTooLarge = errors.New("transaction payload too large")
	ErrZeroTimestamp   = errors.New("transaction timestamp is zero")
	ErrMissingProof    = errors.New("transaction has no proof")
	ErrBadProof        = errors.New("transaction proof does not match content")
	ErrInvalidSig      = errors.New("invalid transaction signature")
)

// Validate checks transaction structure. Business rules are evaluated by the
// contract validator at L2, not here.
func (t *Transaction) Validate() error {
	if _, err := uuid.Parse(t.ID); err != nil {
		return fmt.Errorf("%w: %q", ErrBadID, t.ID)
	}
	if t.Type == "" {
		return ErrMissingType
	}
	if len(t.Type) > config.MaxTxnTypeLength {
		return fmt.Errorf("%w: %d chars, max %d", ErrTypeTooLong, len(t.Type), config.MaxTxnTypeLength)
	}
	if len(t.Tag) > config.MaxTagLength {
		return fmt.Errorf("%w: %d chars, max %d", ErrTagTooLong, len(t.Tag), config.MaxTagLength)
	}
	if len(t.Payload) > config.MaxPayloadSize {
		return fmt.Errorf("%w: %d bytes, max %d", ErrPayloadTooLarge, len(t.Payload), config.MaxPayloadSize)
	}
	if t.Timestamp == 0 {
		return ErrZeroTimestamp
	}
	return nil
}

// VerifyProof checks that the proof covers the current content and was
// signed by publicKey.
func (t *Transaction) VerifyProof(publicKey []byte) error {
	if t.Proof == nil {
		return ErrMissingProof
	}
	h := t.Hash()
	if h != t.Proof.Full {
		return ErrBadProof
	}
	if !crypto.VerifySignature(h[:], t.Proof.Signature, publicKey) {
		return ErrInvalidSig
	}
	return nil
}
