package notify

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"

	"github.com/Klingon-tech/dragonnet-node/internal/storage"
	"github.com/Klingon-tech/dragonnet-node/pkg/types"
)

const (
	callbackKeyPrefix = "cb/"
	failedKeyPrefix   = "nf/"
)

// ErrBadCallback is returned for callback URLs that are not absolute http(s).
var ErrBadCallback = errors.New("notify: callback url must be absolute http or https")

// Target kinds for deliveries and the metrics label.
const (
	TargetReceipt  = "receipt"  // Verification back to an origin chain
	TargetWebhook  = "webhook"  // Configured verification notification URL
	TargetCallback = "callback" // Per-transaction callback URL
)

// Failure is a delivery that ran out of attempts and waits in the failed
// set for the retry loop.
type Failure struct {
	ID        string          `json:"id"`
	Target    string          `json:"target"`
	URL       string          `json:"url,omitempty"`
	ChainID   types.ChainID   `json:"dc_id,omitempty"`
	Body      json.RawMessage `json:"body"`
	Passes    int             `json:"passes"`
	LastError string          `json:"last_error"`
	Created   int64           `json:"created"`
}

// Store persists callback registrations and the failed-delivery set.
type Store struct {
	db storage.DB
}

// NewStore creates a Store in db. Callers normally pass a PrefixDB.
func NewStore(db storage.DB) *Store {
	return &Store{db: db}
}

// RegisterCallback records the URL to call once txnID's block is final.
func (s *Store) RegisterCallback(txnID, rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("%w: %q", ErrBadCallback, rawURL)
	}
	return s.db.Put([]byte(callbackKeyPrefix+txnID), []byte(u.String()))
}

// Callback returns the URL registered for txnID, or "" when there is none.
func (s *Store) Callback(txnID string) (string, error) {
	data, err := s.db.Get([]byte(callbackKeyPrefix + txnID))
	if errors.Is(err, storage.ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("load callback %s: %w", txnID, err)
	}
	return string(data), nil
}

// ClearCallback removes the registration for txnID.
func (s *Store) ClearCallback(txnID string) error {
	return s.db.Delete([]byte(callbackKeyPrefix + txnID))
}

// PutFailure adds or replaces a failed delivery.
func (s *Store) PutFailure(f *Failure) error {
	data, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("marshal failure: %w", err)
	}
	return s.db.Put([]byte(failedKeyPrefix+f.ID), data)
}

// DeleteFailure removes a failed delivery.
func (s *Store) DeleteFailure(id string) error {
	return s.db.Delete([]byte(failedKeyPrefix + id))
}

// Failures returns the failed-delivery set. Corrupt records are skipped.
func (s *Store) Failures() ([]*Failure, error) {
	var out []*Failure
	err := s.db.ForEach([]byte(failedKeyPrefix), func(_, value []byte) error {
		var f Failure
		if err := json.Unmarshal(value, &f); err != nil {
			return nil
		}
		out = append(out, &f)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("iterate failures: %w", err)
	}
	return out, nil
}
