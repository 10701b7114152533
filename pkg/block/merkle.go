package block

import (
	"github.com/Klingon-tech/dragonnet-node/pkg/crypto"
	"github.com/Klingon-tech/dragonnet-node/pkg/types"
)

// ComputeMerkleRoot calculates the merkle root of L1 transaction hashes.
// Leaves keep their received order; the last leaf of an odd layer is paired
// with itself.
func ComputeMerkleRoot(leaves []types.Hash) types.Hash {
	switch len(leaves) {
	case 0:
		return types.Hash{}
	case 1:
		return leaves[0]
	}

	layer := make([]types.Hash, len(leaves))
	copy(layer, leaves)

	for len(layer) > 1 {
		if len(layer)%2 != 0 {
			layer = append(layer, layer[len(layer)-1])
		}
		next := make([]types.Hash, len(layer)/2)
		for i := 0; i < len(layer); i += 2 {
			next[i/2] = crypto.HashSequence(layer[i], layer[i+1])
		}
		layer = next
	}
	return layer[0]
}
