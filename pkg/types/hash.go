// Package types defines core primitive types shared by the Dragon Net node.
package types

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// Hash is a 32-byte BLAKE3 digest. Block proofs, level tails and
// checkpoint payloads are all Hashes and travel as lowercase hex.
type Hash [32]byte

// ParseHash decodes 64 hex characters.
func ParseHash(s string) (Hash, error) {
	var h Hash
	if hex.DecodedLen(len(s)) != len(h) {
		return h, fmt.Errorf("hash %q: want %d hex chars, got %d", s, 2*len(h), len(s))
	}
	if _, err := hex.Decode(h[:], []byte(s)); err != nil {
		return Hash{}, fmt.Errorf("hash %q: %w", s, err)
	}
	return h, nil
}

// IsZero reports whether h is unset, as for the first block at a level.
func (h Hash) IsZero() bool { return h == Hash{} }

func (h Hash) String() string { return hex.EncodeToString(h[:]) }

// Short is the 16-char prefix used in log lines.
func (h Hash) Short() string { return h.String()[:16] }

func (h Hash) MarshalJSON() ([]byte, error) {
	return json.Marshal(h.String())
}

// UnmarshalJSON accepts "" as the zero hash.
func (h *Hash) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	if s == "" {
		*h = Hash{}
		return nil
	}
	parsed, err := ParseHash(s)
	if err != nil {
		return err
	}
	*h = parsed
	return nil
}
