package keystore

import (
	"fmt"

	"github.com/tyler-smith/go-bip32"

	"github.com/Klingon-tech/dragonnet-node/pkg/crypto"
)

// Derivation path m/44'/8888'/account'/0/0.
const (
	purpose  = bip32.FirstHardenedChild + 44
	coinType = bip32.FirstHardenedChild + 8888
)

// DeriveChainKey derives the chain key for account from a seed. Account 0
// is the node's own chain; other accounts let one mnemonic back several
// chains.
func DeriveChainKey(seed []byte, account uint32) (*crypto.PrivateKey, error) {
	if len(seed) != SeedSize {
		return nil, fmt.Errorf("seed must be %d bytes, got %d", SeedSize, len(seed))
	}
	if account >= bip32.FirstHardenedChild {
		return nil, fmt.Errorf("account %d out of range", account)
	}
	key, err := bip32.NewMasterKey(seed)
	if err != nil {
		return nil, fmt.Errorf("create master key: %w", err)
	}
	for _, idx := range []uint32{purpose, coinType, bip32.FirstHardenedChild + account, 0, 0} {
		if key, err = key.NewChildKey(idx); err != nil {
			return nil, fmt.Errorf("derive child %d: %w", idx, err)
		}
	}

	// bip32 prefixes private keys with a zero byte.
	raw := key.Key
	if len(raw) == 33 && raw[0] == 0 {
		raw = raw[1:]
	}
	return crypto.PrivateKeyFromBytes(raw)
}
