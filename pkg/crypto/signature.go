package crypto

import (
	"encoding/hex"
	"fmt"

	"github.com/Klingon-tech/dragonnet-node/pkg/types"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/decred/dcrd/dcrec/secp256k1/v4/schnorr"
)

// Signer is the chain key as seen by the assembler, the verification
// engine, the scheduler and every signed outbound call. Signatures are
// BIP-340 Schnorr over a 32-byte digest.
type Signer interface {
	Sign(digest []byte) ([]byte, error)
	PublicKey() []byte // compressed, 33 bytes
	ChainID() types.ChainID
}

// PrivateKey is a secp256k1 chain key.
type PrivateKey struct {
	key *secp256k1.PrivateKey
}

// GenerateKey returns a fresh random chain key.
func GenerateKey() (*PrivateKey, error) {
	key, err := secp256k1.GeneratePrivateKey()
	if err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}
	return &PrivateKey{key: key}, nil
}

// PrivateKeyFromBytes wraps a 32-byte scalar, as produced by HD derivation.
func PrivateKeyFromBytes(secret []byte) (*PrivateKey, error) {
	if len(secret) != secp256k1.PrivKeyBytesLen {
		return nil, fmt.Errorf("private key: want %d bytes, got %d", secp256k1.PrivKeyBytesLen, len(secret))
	}
	return &PrivateKey{key: secp256k1.PrivKeyFromBytes(secret)}, nil
}

func (pk *PrivateKey) Sign(digest []byte) ([]byte, error) {
	if len(digest) != len(types.Hash{}) {
		return nil, fmt.Errorf("sign: digest must be %d bytes, got %d", len(types.Hash{}), len(digest))
	}
	sig, err := schnorr.Sign(pk.key, digest)
	if err != nil {
		return nil, fmt.Errorf("schnorr sign: %w", err)
	}
	return sig.Serialize(), nil
}

func (pk *PrivateKey) PublicKey() []byte {
	return pk.key.PubKey().SerializeCompressed()
}

func (pk *PrivateKey) ChainID() types.ChainID {
	return ChainIDFromPubKey(pk.PublicKey())
}

// Zero wipes the scalar. The key must not be used afterwards.
func (pk *PrivateKey) Zero() {
	pk.key.Zero()
}

// VerifySignature reports whether sig is a valid Schnorr signature of
// digest by the compressed publicKey. Malformed input verifies false.
func VerifySignature(digest, sig, publicKey []byte) bool {
	pub, err := secp256k1.ParsePubKey(publicKey)
	if err != nil {
		return false
	}
	parsed, err := schnorr.ParseSignature(sig)
	if err != nil {
		return false
	}
	return parsed.Verify(digest, pub)
}

// VerifyHex is VerifySignature for the hex forms carried by block
// signatures, request headers and directory records.
func VerifyHex(digest types.Hash, sigHex, pubKeyHex string) bool {
	sig, err := hex.DecodeString(sigHex)
	if err != nil {
		return false
	}
	pub, err := hex.DecodeString(pubKeyHex)
	if err != nil {
		return false
	}
	return VerifySignature(digest[:], sig, pub)
}
