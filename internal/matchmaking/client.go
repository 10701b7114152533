// Package matchmaking is the client for the Dragon Net peer directory:
// registration of this chain, candidate selection for verification, and
// lookup of peer descriptors for request authorization.
package matchmaking

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/Klingon-tech/dragonnet-node/internal/log"
	"github.com/Klingon-tech/dragonnet-node/internal/metrics"
	"github.com/Klingon-tech/dragonnet-node/pkg/crypto"
	"github.com/Klingon-tech/dragonnet-node/pkg/types"
	"github.com/multiformats/go-multiaddr"
)

// Directory errors.
var (
	ErrInsufficientFunds = errors.New("matchmaking: insufficient funds")
	ErrNotFound          = errors.New("matchmaking: not found")
	ErrNoCandidates      = &types.Category{Kind: types.ErrExhaustion, Err: errors.New("matchmaking: no candidates available")}
	ErrUnavailable       = &types.Category{Kind: types.ErrTransient, Err: errors.New("matchmaking: service unavailable")}
	ErrUnauthorized      = &types.Category{Kind: types.ErrAuthorization, Err: errors.New("matchmaking: unauthorized")}
)

// RegistrationError is returned when the directory rejects this chain's
// registration.
type RegistrationError struct {
	Status  int
	Message string
}

func (e *RegistrationError) Error() string {
	return fmt.Sprintf("matchmaking: registration rejected (%d): %s", e.Status, e.Message)
}

// Chain describes a registered chain.
type Chain struct {
	ID         types.ChainID `json:"id"`
	URL        string        `json:"url"`
	P2PAddr    string        `json:"p2pAddress,omitempty"`
	PublicKey  string        `json:"publicKey"`
	Owner      string        `json:"owner,omitempty"`
	Level      types.Level   `json:"level"`
	Region     string        `json:"region,omitempty"`
	Cloud      string        `json:"cloud,omitempty"`
	Network    string        `json:"network,omitempty"` // L5 checkpoint network
	Registered bool          `json:"registered"`
}

// Multiaddr parses P2PAddr. It returns nil when the chain has no p2p address.
func (c *Chain) Multiaddr() (multiaddr.Multiaddr, error) {
	if c.P2PAddr == "" {
		return nil, nil
	}
	return multiaddr.NewMultiaddr(c.P2PAddr)
}

// PublicKeyBytes decodes the hex public key.
func (c *Chain) PublicKeyBytes() ([]byte, error) {
	return hex.DecodeString(c.PublicKey)
}

// Criteria narrows a candidate search.
type Criteria struct {
	Exclude          []types.ChainID `json:"exclude"`
	Count            int             `json:"count"`
	ChainID          types.ChainID   `json:"chainId"`
	BlockID          uint64          `json:"blockId"`
	TransactionCount int             `json:"transactionCount,omitempty"`
}

// Config holds directory client settings.
type Config struct {
	URL      string
	Token    string // Optional bearer for directories that issue one
	Timeout  time.Duration
	CacheTTL time.Duration
}

type cacheEntry struct {
	chain   *Chain
	expires time.Time
}

// Client talks to the matchmaking REST API.
type Client struct {
	baseURL string
	token   string
	signer  crypto.Signer
	self    *Chain
	http    *http.Client
	metrics metrics.Client

	mu    sync.Mutex
	cache map[types.ChainID]cacheEntry
	ttl   time.Duration
	now   func() time.Time
}

// New creates a directory client. self is the descriptor registered for
// this chain; its ID and PublicKey are filled from signer.
func New(cfg Config, signer crypto.Signer, self Chain) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = 10 * time.Minute
	}
	self.ID = signer.ChainID()
	self.PublicKey = hex.EncodeToString(signer.PublicKey())
	return &Client{
		baseURL: strings.TrimRight(cfg.URL, "/"),
		token:   cfg.Token,
		signer:  signer,
		self:    &self,
		http:    &http.Client{Timeout: cfg.Timeout},
		metrics: metrics.NewClient("matchmaking"),
		cache:   make(map[types.ChainID]cacheEntry),
		ttl:     cfg.CacheTTL,
		now:     time.Now,
	}
}

// Self returns this chain's descriptor.
func (c *Client) Self() Chain {
	return *c.self
}

// RegisterSelf registers or refreshes this chain's descriptor.
func (c *Client) RegisterSelf(ctx context.Context) error {
	status, body, err := c.do(ctx, http.MethodPost, "/registration", c.self)
	if err != nil {
		return err
	}
	switch {
	case status == http.StatusOK || status == http.StatusCreated:
		log.Matchmaking.Info().Str("chain_id", c.self.ID.String()).Str("chain_level", c.self.Level.String()).Msg("Registered with matchmaking")
		return nil
	case status == http.StatusBadRequest || status == http.StatusConflict:
		return &RegistrationError{Status: status, Message: errorMessage(body)}
	default:
		return statusError(status, body)
	}
}

// VerifyRegistration reports whether the directory still lists this chain.
func (c *Client) VerifyRegistration(ctx context.Context) (bool, error) {
	chain, err := c.fetchChain(ctx, c.self.ID)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return chain.Registered, nil
}

// FindCandidates asks the directory for chains at level to verify a block.
func (c *Client) FindCandidates(ctx context.Context, level types.Level, criteria Criteria) ([]*Chain, error) {
	body := struct {
		Level types.Level `json:"level"`
		Criteria
	}{Level: level, Criteria: criteria}

	var chains []*Chain
	err := c.withReauth(ctx, func() error {
		status, data, err := c.do(ctx, http.MethodPost, "/candidates", body)
		if err != nil {
			return err
		}
		switch status {
		case http.StatusOK:
			return json.Unmarshal(data, &chains)
		case http.StatusConflict:
			return fmt.Errorf("%w: %s", ErrNoCandidates, errorMessage(data))
		default:
			return statusError(status, data)
		}
	})
	if err != nil {
		return nil, err
	}

	for _, ch := range chains {
		c.remember(ch)
	}
	return chains, nil
}

// LookupChain returns the descriptor for id, served from cache while fresh.
func (c *Client) LookupChain(ctx context.Context, id types.ChainID) (*Chain, error) {
	c.mu.Lock()
	entry, ok := c.cache[id]
	c.mu.Unlock()
	if ok && c.now().Before(entry.expires) {
		return entry.chain, nil
	}

	var chain *Chain
	err := c.withReauth(ctx, func() error {
		var err error
		chain, err = c.fetchChain(ctx, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	c.remember(chain)
	return chain, nil
}

func (c *Client) fetchChain(ctx context.Context, id types.ChainID) (*Chain, error) {
	status, data, err := c.do(ctx, http.MethodGet, "/registration/"+id.String(), nil)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, statusError(status, data)
	}
	var chain Chain
	if err := json.Unmarshal(data, &chain); err != nil {
		return nil, fmt.Errorf("decode chain %s: %w", id, err)
	}
	if chain.ID != id {
		return nil, fmt.Errorf("matchmaking returned chain %s for %s", chain.ID, id)
	}
	return &chain, nil
}

func (c *Client) remember(ch *Chain) {
	if ch == nil || ch.ID.IsZero() {
		return
	}
	c.mu.Lock()
	c.cache[ch.ID] = cacheEntry{chain: ch, expires: c.now().Add(c.ttl)}
	c.mu.Unlock()
}

// withReauth runs fn, and if the directory rejects our credentials,
// registers again and retries once.
func (c *Client) withReauth(ctx context.Context, fn func() error) error {
	err := fn()
	if !errors.Is(err, ErrUnauthorized) {
		return err
	}
	log.Matchmaking.Warn().Err(err).Msg("Matchmaking rejected credentials, re-registering")
	if rerr := c.RegisterSelf(ctx); rerr != nil {
		return fmt.Errorf("re-register: %w", rerr)
	}
	return fn()
}

// do sends a signed request and returns the status and body.
func (c *Client) do(ctx context.Context, method, path string, payload interface{}) (status int, data []byte, err error) {
	started := time.Now()
	defer func() { c.metrics.Observe(method+" "+routeName(path), err, started) }()

	var body []byte
	if payload != nil {
		body, err = json.Marshal(payload)
		if err != nil {
			return 0, nil, fmt.Errorf("marshal %s: %w", path, err)
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	auth, err := Authorization(c.signer, method, path, body)
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Authorization", auth)
	if c.token != "" {
		req.Header.Set("X-Matchmaking-Token", c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	data, err = io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return 0, nil, fmt.Errorf("%w: read body: %v", ErrUnavailable, err)
	}
	return resp.StatusCode, data, nil
}

// Authorization builds the header value "DN <chain_id>:<hex sig>" where the
// signature covers blake3(method|path|body).
func Authorization(signer crypto.Signer, method, path string, body []byte) (string, error) {
	h := authHash(method, path, body)
	sig, err := signer.Sign(h[:])
	if err != nil {
		return "", fmt.Errorf("sign request: %w", err)
	}
	return "DN " + signer.ChainID().String() + ":" + hex.EncodeToString(sig), nil
}

// VerifyAuthorization checks an Authorization header against the public key
// of the chain it names and returns that chain id.
func VerifyAuthorization(header, method, path string, body []byte, publicKey []byte) (types.ChainID, error) {
	rest, ok := strings.CutPrefix(header, "DN ")
	if !ok {
		return "", ErrUnauthorized
	}
	id, sigHex, ok := strings.Cut(rest, ":")
	if !ok {
		return "", ErrUnauthorized
	}
	chainID := types.ChainID(id)
	if crypto.ChainIDFromPubKey(publicKey) != chainID {
		return "", ErrUnauthorized
	}
	h := authHash(method, path, body)
	if !crypto.VerifyHex(h, sigHex, hex.EncodeToString(publicKey)) {
		return "", ErrUnauthorized
	}
	return chainID, nil
}

func authHash(method, path string, body []byte) types.Hash {
	buf := make([]byte, 0, len(method)+len(path)+len(body)+2)
	buf = append(buf, method...)
	buf = append(buf, '|')
	buf = append(buf, path...)
	buf = append(buf, '|')
	buf = append(buf, body...)
	return crypto.Hash(buf)
}

func statusError(status int, body []byte) error {
	msg := errorMessage(body)
	switch {
	case status == http.StatusPaymentRequired:
		return fmt.Errorf("%w: %s", ErrInsufficientFunds, msg)
	case status == http.StatusNotFound:
		return fmt.Errorf("%w: %s", ErrNotFound, msg)
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return fmt.Errorf("%w: %s", ErrUnauthorized, msg)
	case status >= 500:
		return fmt.Errorf("%w: http %d: %s", ErrUnavailable, status, msg)
	default:
		return fmt.Errorf("matchmaking: unexpected status %d: %s", status, msg)
	}
}

func errorMessage(body []byte) string {
	var e struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if json.Unmarshal(body, &e) == nil {
		if e.Message != "" {
			return e.Message
		}
		if e.Error != "" {
			return e.Error
		}
	}
	if len(body) > 200 {
		body = body[:200]
	}
	return strings.TrimSpace(string(body))
}

func routeName(path string) string {
	if strings.HasPrefix(path, "/registration/") {
		return "/registration/{id}"
	}
	return path
}
