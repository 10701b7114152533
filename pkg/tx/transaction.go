// Package tx defines the business transaction record carried by L1 blocks.
package tx

import (
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/Klingon-tech/dragonnet-node/pkg/crypto"
	"github.com/Klingon-tech/dragonnet-node/pkg/types"
	"github.com/google/uuid"
)

// Status is the lifecycle state of a transaction.
type Status string

// Transaction statuses. A transaction only moves forward through these.
const (
	StatusNew      Status = "NEW"      // Accepted into the queue.
	StatusPending  Status = "PENDING"  // Included in an L1 block, awaiting verification.
	StatusApproved Status = "APPROVED" // L2 verification received.
	StatusComplete Status = "COMPLETE" // Final configured level reached.
)

var statusOrder = map[Status]int{
	StatusNew:      0,
	StatusPending:  1,
	StatusApproved: 2,
	StatusComplete: 3,
}

// Transaction is an immutable business record. Only Status, BlockID and
// Proof change after submission.
type Transaction struct {
	ID        string          `json:"txn_id"`
	Type      string          `json:"txn_type"`
	Tag       string          `json:"tag,omitempty"`
	Timestamp int64           `json:"timestamp"`
	Invoker   string          `json:"invoker,omitempty"`
	Payload   json.RawMessage `json:"payload"`

	Status  Status `json:"status"`
	BlockID uint64 `json:"block_id,omitempty"`
	Proof   *Proof `json:"proof,omitempty"`
}

// Proof is the L1 chain's signature over a transaction's content hash.
type Proof struct {
	Full      types.Hash `json:"full"`
	Signature []byte     `json:"-"`
}

type proofJSON struct {
	Full      types.Hash `json:"full"`
	Signature string     `json:"stripped"`
}

// MarshalJSON encodes the proof with a hex signature.
func (p Proof) MarshalJSON() ([]byte, error) {
	return json.Marshal(proofJSON{Full: p.Full, Signature: hex.EncodeToString(p.Signature)})
}

// UnmarshalJSON decodes a proof with a hex signature.
func (p *Proof) UnmarshalJSON(data []byte) error {
	var j proofJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return err
	}
	sig, err := hex.DecodeString(j.Signature)
	if err != nil {
		return err
	}
	p.Full = j.Full
	p.Signature = sig
	return nil
}

// New creates a transaction with a fresh UUID and the current timestamp.
func New(txnType, tag string, payload json.RawMessage) *Transaction {
	return &Transaction{
		ID:        uuid.NewString(),
		Type:      txnType,
		Tag:       tag,
		Timestamp: time.Now().Unix(),
		Payload:   payload,
		Status:    StatusNew,
	}
}

// signingView is the immutable subset of a transaction that is hashed.
type signingView struct {
	ID        string          `json:"txn_id"`
	Type      string          `json:"txn_type"`
	Tag       string          `json:"tag"`
	Timestamp int64           `json:"timestamp"`
	Invoker   string          `json:"invoker"`
	Payload   json.RawMessage `json:"payload"`
}

// SigningBytes returns the canonical bytes for hashing and signing.
// Status, BlockID and Proof are excluded since they change after submission.
func (t *Transaction) SigningBytes() []byte {
	payload := t.Payload
	if len(payload) == 0 || !json.Valid(payload) {
		payload = json.RawMessage("null")
	}
	b, _ := json.Marshal(signingView{
		ID:        t.ID,
		Type:      t.Type,
		Tag:       t.Tag,
		Timestamp: t.Timestamp,
		Invoker:   t.Invoker,
		Payload:   payload,
	})
	return b
}

// Hash returns the content hash of the transaction.
func (t *Transaction) Hash() types.Hash {
	return crypto.Hash(t.SigningBytes())
}

// Sign attaches the chain's proof over the transaction hash.
func (t *Transaction) Sign(signer crypto.Signer) error {
	h := t.Hash()
	sig, err := signer.Sign(h[:])
	if err != nil {
		return err
	}
	t.Proof = &Proof{Full: h, Signature: sig}
	return nil
}

// Advance moves the transaction to status s if s is later than the current
// status. It returns false when the status would move backwards.
func (t *Transaction) Advance(s Status, blockID uint64) bool {
	if statusOrder[s] < statusOrder[t.Status] {
		return false
	}
	t.Status = s
	if blockID != 0 {
		t.BlockID = blockID
	}
	return true
}
