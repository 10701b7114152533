package block

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/Klingon-tech/dragonnet-node/config"
	"github.com/Klingon-tech/dragonnet-node/pkg/crypto"
	"github.com/Klingon-tech/dragonnet-node/pkg/types"
)

// Request errors.
var (
	ErrRequestLevel    = errors.New("request level must be l2..l5")
	ErrRequestNoBlock  = errors.New("request carries no l1 block")
	ErrRequestDeadline = errors.New("request has no deadline")
	ErrRequestLower    = errors.New("request lower-level blocks do not match level")
	ErrRequestTooLarge = errors.New("request bundles too many blocks")
	ErrRequestUnsigned = errors.New("request is not signed")
	ErrRequestSender   = errors.New("request signed by a key that does not own the sender id")
	ErrRequestBadSig   = errors.New("invalid request signature")
)

// Request asks a verifier at Level to verify the L1 block Block. For L3 and
// above, Lower holds the verification blocks from the level below that the
// verifier aggregates.
type Request struct {
	Sender    types.ChainID `json:"sender"`
	Level     types.Level   `json:"level"`
	Deadline  int64         `json:"deadline"` // unix seconds
	Block     *Block        `json:"block"`
	Lower     []*Block      `json:"lower,omitempty"`
	PublicKey string        `json:"public_key,omitempty"`
	Signature string        `json:"signature,omitempty"`
}

// Origin returns the L1 block under verification.
func (r *Request) Origin() Origin {
	if r.Block == nil || r.Block.Header == nil {
		return Origin{}
	}
	return r.Block.Origin()
}

// Expired reports whether the deadline has passed at now.
func (r *Request) Expired(now time.Time) bool {
	return now.Unix() > r.Deadline
}

// SigningBytes returns the request encoded without its signature.
func (r *Request) SigningBytes() []byte {
	view := *r
	view.Signature = ""
	data, _ := json.Marshal(&view)
	return data
}

// Hash returns the hash the sender signs.
func (r *Request) Hash() types.Hash {
	return crypto.Hash(r.SigningBytes())
}

// Sign sets the sender fields from signer and signs the request.
func (r *Request) Sign(signer crypto.Signer) error {
	r.Sender = signer.ChainID()
	r.PublicKey = hex.EncodeToString(signer.PublicKey())
	r.Signature = ""
	h := r.Hash()
	sig, err := signer.Sign(h[:])
	if err != nil {
		return fmt.Errorf("sign request: %w", err)
	}
	r.Signature = hex.EncodeToString(sig)
	return nil
}

// VerifySignature checks that the request was signed by the owner of Sender.
func (r *Request) VerifySignature() error {
	if r.Signature == "" || r.PublicKey == "" {
		return ErrRequestUnsigned
	}
	pub, err := hex.DecodeString(r.PublicKey)
	if err != nil {
		return ErrRequestBadSig
	}
	if crypto.ChainIDFromPubKey(pub) != r.Sender {
		return ErrRequestSender
	}
	if !crypto.VerifyHex(r.Hash(), r.Signature, r.PublicKey) {
		return ErrRequestBadSig
	}
	return nil
}

// Validate checks request structure. Signatures of the carried blocks are
// checked by the verifier.
func (r *Request) Validate() error {
	if r.Level < types.L2 || r.Level > types.L5 {
		return fmt.Errorf("%w: got %d", ErrRequestLevel, r.Level)
	}
	if r.Deadline <= 0 {
		return ErrRequestDeadline
	}
	if r.Block == nil || r.Block.Header == nil || r.Block.Header.Level != types.L1 {
		return ErrRequestNoBlock
	}
	if err := r.Sender.Validate(); err != nil {
		return err
	}
	if len(r.Lower) > config.MaxRequestBlocks {
		return fmt.Errorf("%w: %d", ErrRequestTooLarge, len(r.Lower))
	}
	if r.Level == types.L2 {
		if len(r.Lower) != 0 {
			return fmt.Errorf("%w: l2 takes no lower blocks", ErrRequestLower)
		}
		return nil
	}
	if len(r.Lower) == 0 {
		return fmt.Errorf("%w: none for %s", ErrRequestLower, r.Level)
	}
	origin := r.Origin()
	for i, lb := range r.Lower {
		if lb == nil || lb.Header == nil || lb.Header.Level != r.Level-1 {
			return fmt.Errorf("%w: block %d", ErrRequestLower, i)
		}
		p := lb.Payload()
		if p == nil || !slices.Contains(p.Origins(), origin) {
			return fmt.Errorf("%w: block %d does not cover %s", ErrRequestLower, i, origin)
		}
	}
	return nil
}
