// Package block defines the per-level Dragon Net block and the verification
// record exchanged between chains.
package block

import (
	"encoding/json"
	"fmt"

	"github.com/Klingon-tech/dragonnet-node/pkg/crypto"
	"github.com/Klingon-tech/dragonnet-node/pkg/tx"
	"github.com/Klingon-tech/dragonnet-node/pkg/types"
)

// CurrentVersion is the block version produced by this software.
const CurrentVersion = 1

// Block is a tagged variant: Header.Level selects which payload is set.
type Block struct {
	Header    *Header    `json:"header"`
	L1        *L1Payload `json:"l1,omitempty"`
	L2        *L2Payload `json:"l2,omitempty"`
	L3        *L3Payload `json:"l3,omitempty"`
	L4        *L4Payload `json:"l4,omitempty"`
	L5        *L5Payload `json:"l5,omitempty"`
	Signature *Signature `json:"signature,omitempty"`
}

// Payload is the level-specific content of a block.
type Payload interface {
	Level() types.Level
	// ItemCount is the number of entries counted against block_item_cap.
	ItemCount() int
	// Origins lists the L1 blocks this payload verifies.
	Origins() []Origin
}

// Origin identifies an L1 block that a higher-level block vouches for.
type Origin struct {
	ChainID types.ChainID `json:"dc_id"`
	BlockID uint64        `json:"block_id"`
}

// String returns "chain/block" for log lines and keys.
func (o Origin) String() string {
	return fmt.Sprintf("%s/%d", o.ChainID, o.BlockID)
}

// LowerProof references a verification block at the level below.
type LowerProof struct {
	ChainID types.ChainID `json:"dc_id"`
	BlockID uint64        `json:"block_id"`
	Proof   types.Hash    `json:"proof"`
}

// L1Payload carries business transactions in received order.
type L1Payload struct {
	MerkleRoot   types.Hash        `json:"merkle_root"`
	Transactions []*tx.Transaction `json:"transactions"`
}

// L2Payload partitions an L1 block's transactions by business-rule outcome.
type L2Payload struct {
	L1       Origin     `json:"l1"`
	L1Proof  types.Hash `json:"l1_proof"`
	Valid    []string   `json:"valid"`
	Invalid  []string   `json:"invalid"`
	Region   string     `json:"region,omitempty"`
	Cloud    string     `json:"cloud,omitempty"`
	DDSS     uint64     `json:"current_ddss"`
	Scheme   string     `json:"scheme,omitempty"`
	Deployer string     `json:"deployer,omitempty"`
}

// L3Payload aggregates the L2 verifications of one L1 block.
type L3Payload struct {
	L1       Origin       `json:"l1"`
	L1Proof  types.Hash   `json:"l1_proof"`
	L2Proofs []LowerProof `json:"l2_proofs"`
	L2Count  int          `json:"l2_count"`
	DDSS     uint64       `json:"ddss"`
	Regions  []string     `json:"regions"`
	Clouds   []string     `json:"clouds"`
	Digest   types.Hash   `json:"digest"`
}

// L3Validation records whether one L3 block checked out.
type L3Validation struct {
	LowerProof
	Valid bool `json:"valid"`
}

// L4Payload is the notarization of the L3 verifications of one L1 block.
type L4Payload struct {
	L1          Origin         `json:"l1"`
	L1Proof     types.Hash     `json:"l1_proof"`
	Validations []L3Validation `json:"validations"`
	Digest      types.Hash     `json:"digest"`
}

// L5Payload checkpoints a batch of L4 verifications to a public chain.
type L5Payload struct {
	Network    string       `json:"network"`
	ExternalTx string       `json:"transaction_hash"`
	Digest     types.Hash   `json:"digest"`
	L4Blocks   []LowerProof `json:"l4_blocks"`
	Covered    []Origin     `json:"covered"`
}

func (p *L1Payload) Level() types.Level { return types.L1 }
func (p *L2Payload) Level() types.Level { return types.L2 }
func (p *L3Payload) Level() types.Level { return types.L3 }
func (p *L4Payload) Level() types.Level { return types.L4 }
func (p *L5Payload) Level() types.Level { return types.L5 }

func (p *L1Payload) ItemCount() int { return len(p.Transactions) }
func (p *L2Payload) ItemCount() int { return len(p.Valid) + len(p.Invalid) }
func (p *L3Payload) ItemCount() int { return len(p.L2Proofs) }
func (p *L4Payload) ItemCount() int { return len(p.Validations) }
func (p *L5Payload) ItemCount() int { return len(p.L4Blocks) }

func (p *L1Payload) Origins() []Origin { return nil }
func (p *L2Payload) Origins() []Origin { return []Origin{p.L1} }
func (p *L3Payload) Origins() []Origin { return []Origin{p.L1} }
func (p *L4Payload) Origins() []Origin { return []Origin{p.L1} }
func (p *L5Payload) Origins() []Origin { return p.Covered }

// New creates an unsigned block holding payload.
func New(header *Header, payload Payload) *Block {
	header.Level = payload.Level()
	b := &Block{Header: header}
	switch p := payload.(type) {
	case *L1Payload:
		b.L1 = p
	case *L2Payload:
		b.L2 = p
	case *L3Payload:
		b.L3 = p
	case *L4Payload:
		b.L4 = p
	case *L5Payload:
		b.L5 = p
	}
	return b
}

// Payload returns the payload selected by the header level, or nil.
func (b *Block) Payload() Payload {
	if b.Header == nil {
		return nil
	}
	switch b.Header.Level {
	case types.L1:
		if b.L1 != nil {
			return b.L1
		}
	case types.L2:
		if b.L2 != nil {
			return b.L2
		}
	case types.L3:
		if b.L3 != nil {
			return b.L3
		}
	case types.L4:
		if b.L4 != nil {
			return b.L4
		}
	case types.L5:
		if b.L5 != nil {
			return b.L5
		}
	}
	return nil
}

// Origin returns the identity of this block as an L1 origin.
func (b *Block) Origin() Origin {
	return Origin{ChainID: b.Header.ChainID, BlockID: b.Header.BlockID}
}

// signingView is the block without its signature.
type signingView struct {
	Header *Header    `json:"header"`
	L1     *L1Payload `json:"l1,omitempty"`
	L2     *L2Payload `json:"l2,omitempty"`
	L3     *L3Payload `json:"l3,omitempty"`
	L4     *L4Payload `json:"l4,omitempty"`
	L5     *L5Payload `json:"l5,omitempty"`
}

// SigningBytes returns the canonical bytes for hashing and signing. Struct
// field order fixes the encoding, so the same block always yields the same
// bytes.
func (b *Block) SigningBytes() []byte {
	data, _ := json.Marshal(signingView{
		Header: b.Header,
		L1:     b.L1,
		L2:     b.L2,
		L3:     b.L3,
		L4:     b.L4,
		L5:     b.L5,
	})
	return data
}

// Hash computes the block content hash. The signature is excluded.
func (b *Block) Hash() types.Hash {
	if b.Header == nil {
		return types.Hash{}
	}
	return crypto.Hash(b.SigningBytes())
}

// Proof returns the signed block hash, or the zero hash if unsigned.
func (b *Block) Proof() types.Hash {
	if b.Signature == nil {
		return types.Hash{}
	}
	return b.Signature.Hash
}

// Sign hashes the block and attaches the signer's signature.
func (b *Block) Sign(signer crypto.Signer) error {
	h := b.Hash()
	sig, err := signer.Sign(h[:])
	if err != nil {
		return fmt.Errorf("sign block %d: %w", b.Header.BlockID, err)
	}
	b.Signature = &Signature{Hash: h, PublicKey: signer.PublicKey(), Sig: sig}
	return nil
}

// Countersign wraps the current signature as a child of a new signature by
// signer over the same hash.
func (b *Block) Countersign(signer crypto.Signer) error {
	if b.Signature == nil {
		return ErrUnsigned
	}
	h := b.Signature.Hash
	sig, err := signer.Sign(h[:])
	if err != nil {
		return fmt.Errorf("countersign block %d: %w", b.Header.BlockID, err)
	}
	b.Signature = &Signature{Hash: h, PublicKey: signer.PublicKey(), Sig: sig, Child: b.Signature}
	return nil
}

// LowerProof returns a reference to this block for the level above.
func (b *Block) LowerProof() LowerProof {
	return LowerProof{ChainID: b.Header.ChainID, BlockID: b.Header.BlockID, Proof: b.Proof()}
}
