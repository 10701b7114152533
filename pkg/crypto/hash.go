// Package crypto provides the hashing and signing primitives used for blocks,
// verification proofs and peer authentication.
package crypto

import (
	"encoding/hex"

	"github.com/Klingon-tech/dragonnet-node/pkg/types"
	"github.com/zeebo/blake3"
)

// Hash computes a BLAKE3-256 hash of the input data.
func Hash(data []byte) types.Hash {
	return blake3.Sum256(data)
}

// HashSequence hashes the concatenation of hashes in the given order.
// The result is order-sensitive: permuting the inputs changes the output.
func HashSequence(hashes ...types.Hash) types.Hash {
	h := blake3.New()
	for _, x := range hashes {
		h.Write(x[:])
	}
	var out types.Hash
	copy(out[:], h.Sum(nil))
	return out
}

// ChainIDFromPubKey derives a chain ID from a compressed public key.
// ChainID = hex(BLAKE3(compressed_pubkey)[:20]).
func ChainIDFromPubKey(pubKey []byte) types.ChainID {
	h := Hash(pubKey)
	return types.ChainID(hex.EncodeToString(h[:types.ChainIDSize]))
}
