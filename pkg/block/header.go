package block

import (
	"encoding/hex"
	"encoding/json"

	"github.com/Klingon-tech/dragonnet-node/pkg/crypto"
	"github.com/Klingon-tech/dragonnet-node/pkg/types"
)

// Header contains the level-independent block metadata.
type Header struct {
	Version   uint32        `json:"version"`
	Level     types.Level   `json:"level"`
	ChainID   types.ChainID `json:"dc_id"`
	BlockID   uint64        `json:"block_id"`
	Timestamp int64         `json:"timestamp"`
	// PrevProof is the proof of the previous block at this level, so
	// consecutive blocks and the order of their verifications are chained.
	PrevProof types.Hash `json:"prev_proof"`
}

// Signature is a chain's attestation over a block hash. Child holds a
// nested signature when custody of the block passed through more than one
// key.
type Signature struct {
	Hash      types.Hash
	PublicKey []byte
	Sig       []byte
	Child     *Signature
}

type signatureJSON struct {
	Hash      types.Hash `json:"hash"`
	PublicKey string     `json:"public_key"`
	Sig       string     `json:"signature"`
	Child     *Signature `json:"child,omitempty"`
}

// MarshalJSON encodes the signature with hex-encoded key and signature bytes.
func (s *Signature) MarshalJSON() ([]byte, error) {
	return json.Marshal(signatureJSON{
		Hash:      s.Hash,
		PublicKey: hex.EncodeToString(s.PublicKey),
		Sig:       hex.EncodeToString(s.Sig),
		Child:     s.Child,
	})
}

// UnmarshalJSON decodes a signature with hex-encoded key and signature bytes.
func (s *Signature) UnmarshalJSON(data []byte) error {
	var j signatureJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return err
	}
	pub, err := hex.DecodeString(j.PublicKey)
	if err != nil {
		return err
	}
	sig, err := hex.DecodeString(j.Sig)
	if err != nil {
		return err
	}
	s.Hash = j.Hash
	s.PublicKey = pub
	s.Sig = sig
	s.Child = j.Child
	return nil
}

// Verify checks the signature, and any nested child signature, over its hash.
func (s *Signature) Verify() bool {
	if s == nil {
		return false
	}
	if !crypto.VerifySignature(s.Hash[:], s.Sig, s.PublicKey) {
		return false
	}
	if s.Child != nil {
		return s.Child.Verify()
	}
	return true
}

// Signer returns the chain ID that owns the signing key.
func (s *Signature) Signer() types.ChainID {
	return crypto.ChainIDFromPubKey(s.PublicKey)
}
