package verify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/Klingon-tech/dragonnet-node/internal/metrics"
	"github.com/Klingon-tech/dragonnet-node/pkg/tx"
)

// ErrRejected is returned by a ContractValidator that evaluated a
// transaction and found it breaks a business rule.
var ErrRejected = errors.New("transaction rejected by contract")

// ContractValidator applies business rules to one transaction. A nil error
// means the transaction is valid.
type ContractValidator interface {
	Validate(ctx context.Context, t *tx.Transaction) error
}

// AcceptAll treats every transaction as valid. Used when no contract
// runner is configured.
type AcceptAll struct{}

// Validate always succeeds.
func (AcceptAll) Validate(context.Context, *tx.Transaction) error { return nil }

// HTTPValidator asks an external contract runner about each transaction.
// It POSTs the transaction to <base>/<txn_type>; 2xx accepts, 4xx rejects.
type HTTPValidator struct {
	base    string
	http    *http.Client
	metrics metrics.Client
}

// NewHTTPValidator creates a validator for the runner at baseURL.
func NewHTTPValidator(baseURL string, timeout time.Duration) *HTTPValidator {
	if timeout <= 0 {
		timeout = defaultTxTimeout
	}
	return &HTTPValidator{
		base:    strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
		metrics: metrics.NewClient("contract"),
	}
}

// Validate sends t to the runner.
func (v *HTTPValidator) Validate(ctx context.Context, t *tx.Transaction) (err error) {
	started := time.Now()
	defer func() { v.metrics.Observe("validate", err, started) }()

	body, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("encode transaction: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, v.base+"/"+url.PathEscape(t.Type), bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := v.http.Do(req)
	if err != nil {
		return fmt.Errorf("contract runner: %w", err)
	}
	defer resp.Body.Close()
	msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return fmt.Errorf("%w: %s", ErrRejected, strings.TrimSpace(string(msg)))
	default:
		return fmt.Errorf("contract runner: http %d", resp.StatusCode)
	}
}
