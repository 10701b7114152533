package types

import (
	"encoding/hex"
	"fmt"
)

// ChainIDSize is the length of a chain identifier in bytes.
const ChainIDSize = 20

// ChainID identifies a chain on Dragon Net. It is the hex encoding of the
// first 20 bytes of the BLAKE3 hash of the chain's compressed public key.
type ChainID string

// String returns the chain ID as a string.
func (c ChainID) String() string {
	return string(c)
}

// IsZero returns true if the chain ID is empty.
func (c ChainID) IsZero() bool {
	return c == ""
}

// Validate checks that the chain ID is well formed.
func (c ChainID) Validate() error {
	b, err := hex.DecodeString(string(c))
	if err != nil {
		return fmt.Errorf("invalid chain id hex: %w", err)
	}
	if len(b) != ChainIDSize {
		return fmt.Errorf("chain id must be %d bytes, got %d", ChainIDSize, len(b))
	}
	return nil
}

// Level is a Dragon Net verification tier.
type Level uint8

// Verification levels.
const (
	L1 Level = iota + 1 // Business chain; originates transactions.
	L2                  // Business verification.
	L3                  // Diversity verification.
	L4                  // External notarization.
	L5                  // Public checkpoint.
)

// MinLevel and MaxLevel bound the valid levels.
const (
	MinLevel = L1
	MaxLevel = L5
)

// Valid reports whether l is within L1..L5.
func (l Level) Valid() bool {
	return l >= MinLevel && l <= MaxLevel
}

// Next returns the level above l.
func (l Level) Next() Level {
	return l + 1
}

// String returns "l1".."l5".
func (l Level) String() string {
	return fmt.Sprintf("l%d", uint8(l))
}
