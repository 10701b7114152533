// Package notify delivers verification receipts back to the chains that
// asked for them and fires the HTTP notifications configured on this node.
package notify

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/Klingon-tech/dragonnet-node/config"
	"github.com/Klingon-tech/dragonnet-node/internal/broadcast"
	"github.com/Klingon-tech/dragonnet-node/internal/log"
	"github.com/Klingon-tech/dragonnet-node/internal/matchmaking"
	"github.com/Klingon-tech/dragonnet-node/internal/metrics"
	"github.com/Klingon-tech/dragonnet-node/internal/rpcclient"
	"github.com/Klingon-tech/dragonnet-node/internal/verify"
	"github.com/Klingon-tech/dragonnet-node/pkg/block"
	"github.com/Klingon-tech/dragonnet-node/pkg/crypto"
	"github.com/Klingon-tech/dragonnet-node/pkg/tx"
	"github.com/Klingon-tech/dragonnet-node/pkg/types"
)

// ErrRetryInProgress is returned when a retry pass is already running.
var ErrRetryInProgress = errors.New("notify: retry already in progress")

var errRejected = errors.New("delivery rejected")

const (
	fanout         = 8
	maxDelay       = 30 * time.Second
	maxRetryPasses = 48
	maxReplyRead   = 64 << 10
)

// SignatureHeader carries "<chain_id>:<hex sig>" over blake3 of the body.
const SignatureHeader = "Signature"

// Sender delivers receipts to a peer chain.
type Sender interface {
	SendReceipt(ctx context.Context, to *matchmaking.Chain, v *block.Verification) error
}

// Resolver looks up a chain's endpoints.
type Resolver interface {
	LookupChain(ctx context.Context, id types.ChainID) (*matchmaking.Chain, error)
}

// Transactions reads the current record of a transaction.
type Transactions interface {
	GetTransaction(id string) (*tx.Transaction, error)
}

// Config tunes delivery.
type Config struct {
	MaxAttempts int
	BaseDelay   time.Duration
	Timeout     time.Duration
	// VerificationURLs maps "all" or "l2".."l5" to webhook URLs.
	VerificationURLs map[string][]string
}

// ConfigFrom maps the node's notify settings.
func ConfigFrom(c config.NotifyConfig) Config {
	return Config{
		MaxAttempts:      c.MaxAttempts,
		BaseDelay:        time.Second,
		Timeout:          10 * time.Second,
		VerificationURLs: c.VerificationURLs,
	}
}

// Notifier sends receipts and notifications with bounded retries. Deliveries
// that run out of attempts go to the failed set, which Retry works through.
// A failed delivery never touches verification state.
type Notifier struct {
	cfg    Config
	signer crypto.Signer
	self   types.ChainID
	store  *Store
	peers  Sender
	dir    Resolver
	txs    Transactions
	http   *http.Client

	retrying sync.Mutex
}

var (
	_ broadcast.Notifier = (*Notifier)(nil)
	_ verify.Deliverer   = (*Notifier)(nil)
)

// New creates a notifier.
func New(cfg Config, signer crypto.Signer, store *Store, peers Sender, dir Resolver, txs Transactions) *Notifier {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &Notifier{
		cfg:    cfg,
		signer: signer,
		self:   signer.ChainID(),
		store:  store,
		peers:  peers,
		dir:    dir,
		txs:    txs,
		http:   &http.Client{},
	}
}

// Store returns the callback and failure store.
func (n *Notifier) Store() *Store {
	return n.store
}

// --- Receipts ---

// Deliver sends v to every origin its block covers. An L5 block covers many
// L1 blocks, each gets its own receipt, concurrently.
func (n *Notifier) Deliver(ctx context.Context, v *block.Verification) error {
	var origins []block.Origin
	for _, o := range v.Block.Payload().Origins() {
		if o.ChainID != n.self && !slices.Contains(origins, o) {
			origins = append(origins, o)
		}
	}

	var g errgroup.Group
	g.SetLimit(fanout)
	for _, o := range origins {
		rec := v
		if o != v.Origin {
			rec = block.NewVerification(v.Block, o)
		}
		g.Go(func() error { return n.receipt(ctx, rec) })
	}
	return g.Wait()
}

func (n *Notifier) receipt(ctx context.Context, v *block.Verification) error {
	err := n.attempt(ctx, func(ctx context.Context) error { return n.sendReceipt(ctx, v) })
	if err == nil {
		n.settle(nil, TargetReceipt, v.Origin.String(), nil)
		return nil
	}
	body, merr := json.Marshal(v)
	if merr != nil {
		return merr
	}
	n.settle(err, TargetReceipt, v.Origin.String(), &Failure{Target: TargetReceipt, ChainID: v.Origin.ChainID, Body: body})
	return fmt.Errorf("receipt for %s: %w", v.Origin, err)
}

func (n *Notifier) sendReceipt(ctx context.Context, v *block.Verification) error {
	ch, err := n.dir.LookupChain(ctx, v.Origin.ChainID)
	if errors.Is(err, matchmaking.ErrNotFound) {
		return fmt.Errorf("%w: %v", errRejected, err)
	}
	if err != nil {
		return err
	}
	err = n.peers.SendReceipt(ctx, ch, v)
	var rpcErr *rpcclient.RPCError
	if errors.As(err, &rpcErr) && rpcErr.Code != rpcclient.CodeUnavailable {
		return fmt.Errorf("%w: %v", errRejected, err)
	}
	return err
}

// --- Webhooks and callbacks ---

// Verified posts v to the URLs configured for "all" and for its level.
func (n *Notifier) Verified(ctx context.Context, v *block.Verification) {
	urls := slices.Clone(n.cfg.VerificationURLs["all"])
	for _, u := range n.cfg.VerificationURLs[v.Level.String()] {
		if !slices.Contains(urls, u) {
			urls = append(urls, u)
		}
	}
	if len(urls) == 0 {
		return
	}
	body, err := json.Marshal(v)
	if err != nil {
		log.Notify.Error().Err(err).Msg("Failed to encode verification")
		return
	}

	var g errgroup.Group
	g.SetLimit(fanout)
	for _, u := range urls {
		g.Go(func() error { return n.hook(ctx, TargetWebhook, u, body) })
	}
	g.Wait()
}

// Finalized fires the callbacks registered for the block's transactions.
// Each callback fires once and is then cleared.
func (n *Notifier) Finalized(ctx context.Context, st *broadcast.State, blk *block.Block) {
	var g errgroup.Group
	g.SetLimit(fanout)
	fired := 0
	for _, t := range blk.L1.Transactions {
		u, err := n.store.Callback(t.ID)
		if err != nil {
			log.Notify.Warn().Err(err).Str("txn_id", t.ID).Msg("Failed to load callback")
			continue
		}
		if u == "" {
			continue
		}
		rec := t
		if cur, err := n.txs.GetTransaction(t.ID); err == nil {
			rec = cur
		}
		body, err := json.Marshal(rec)
		if err != nil {
			continue
		}
		if err := n.store.ClearCallback(t.ID); err != nil {
			log.Notify.Warn().Err(err).Str("txn_id", t.ID).Msg("Failed to clear callback")
		}
		fired++
		g.Go(func() error { return n.hook(ctx, TargetCallback, u, body) })
	}
	g.Wait()
	if fired > 0 {
		log.Notify.Debug().
			Uint64("block_id", st.Origin.BlockID).
			Str("chain_level", st.Level.String()).
			Int("callbacks", fired).
			Msg("Fired transaction callbacks")
	}
}

func (n *Notifier) hook(ctx context.Context, target, url string, body []byte) error {
	err := n.attempt(ctx, func(ctx context.Context) error { return n.post(ctx, url, body) })
	if err != nil {
		n.settle(err, target, url, &Failure{Target: target, URL: url, Body: body})
		return err
	}
	n.settle(nil, target, url, nil)
	return nil
}

// post sends body signed with the node key. 5xx and 429 are retried, other
// non-2xx answers are final.
func (n *Notifier) post(ctx context.Context, url string, body []byte) error {
	sig, err := n.sign(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("%w: %v", errRejected, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(SignatureHeader, sig)

	resp, err := n.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, maxReplyRead))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return fmt.Errorf("http %d", resp.StatusCode)
	default:
		return fmt.Errorf("%w: http %d", errRejected, resp.StatusCode)
	}
}

func (n *Notifier) sign(body []byte) (string, error) {
	h := crypto.Hash(body)
	sig, err := n.signer.Sign(h[:])
	if err != nil {
		return "", fmt.Errorf("sign notification: %w", err)
	}
	return n.self.String() + ":" + hex.EncodeToString(sig), nil
}

// VerifySignature checks a SignatureHeader value against body and the
// public key of the chain it names.
func VerifySignature(header string, body, publicKey []byte) (types.ChainID, error) {
	id, sig, ok := bytes.Cut([]byte(header), []byte(":"))
	if !ok {
		return "", errors.New("notify: malformed signature header")
	}
	chainID := types.ChainID(id)
	if crypto.ChainIDFromPubKey(publicKey) != chainID {
		return "", errors.New("notify: signature key does not own chain id")
	}
	if !crypto.VerifyHex(crypto.Hash(body), string(sig), hex.EncodeToString(publicKey)) {
		return "", errors.New("notify: bad signature")
	}
	return chainID, nil
}

// --- Retry ---

// attempt calls fn up to MaxAttempts times with exponential backoff.
// Rejections are not retried.
func (n *Notifier) attempt(ctx context.Context, fn func(context.Context) error) error {
	delay := n.cfg.BaseDelay
	var err error
	for i := 0; i < n.cfg.MaxAttempts; i++ {
		if i > 0 {
			t := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				t.Stop()
				return errors.Join(err, ctx.Err())
			case <-t.C:
			}
			delay = min(delay*2, maxDelay)
		}
		callCtx, cancel := context.WithTimeout(ctx, n.cfg.Timeout)
		err = fn(callCtx)
		cancel()
		if err == nil || errors.Is(err, errRejected) {
			return err
		}
	}
	return err
}

// settle records the outcome of a delivery. Rejections are dropped, other
// failures join the failed set.
func (n *Notifier) settle(err error, target, dest string, f *Failure) {
	switch {
	case err == nil:
		metrics.NotificationsSent.WithLabelValues(target, "sent").Inc()
	case errors.Is(err, errRejected):
		metrics.NotificationsSent.WithLabelValues(target, "rejected").Inc()
		log.Notify.Warn().Err(err).Str("target", target).Str("to", dest).Msg("Delivery rejected")
	default:
		metrics.NotificationsSent.WithLabelValues(target, "failed").Inc()
		f.ID = uuid.NewString()
		f.LastError = err.Error()
		f.Created = time.Now().Unix()
		if perr := n.store.PutFailure(f); perr != nil {
			log.Notify.Error().Err(perr).Str("target", target).Str("to", dest).Msg("Failed to record failed delivery")
			return
		}
		log.Notify.Warn().Err(err).Str("target", target).Str("to", dest).Int("attempts", n.cfg.MaxAttempts).Msg("Delivery failed, queued for retry")
	}
}

// Retry makes one attempt at every failed delivery and returns how many
// went through. Deliveries still failing after maxRetryPasses are dropped.
func (n *Notifier) Retry(ctx context.Context) (int, error) {
	if !n.retrying.TryLock() {
		return 0, ErrRetryInProgress
	}
	defer n.retrying.Unlock()

	failures, err := n.store.Failures()
	if err != nil {
		return 0, err
	}
	delivered := 0
	for _, f := range failures {
		if err := ctx.Err(); err != nil {
			return delivered, err
		}
		callCtx, cancel := context.WithTimeout(ctx, n.cfg.Timeout)
		err := n.redeliver(callCtx, f)
		cancel()

		switch {
		case err == nil:
			delivered++
			metrics.NotificationsSent.WithLabelValues(f.Target, "sent").Inc()
			n.store.DeleteFailure(f.ID)
		case errors.Is(err, errRejected):
			metrics.NotificationsSent.WithLabelValues(f.Target, "rejected").Inc()
			log.Notify.Warn().Err(err).Str("id", f.ID).Str("target", f.Target).Msg("Retried delivery rejected")
			n.store.DeleteFailure(f.ID)
		case f.Passes+1 >= maxRetryPasses:
			metrics.NotificationsSent.WithLabelValues(f.Target, "dropped").Inc()
			log.Notify.Error().Err(err).Str("id", f.ID).Str("target", f.Target).Int("passes", f.Passes+1).Msg("Giving up on delivery")
			n.store.DeleteFailure(f.ID)
		default:
			f.Passes++
			f.LastError = err.Error()
			if err := n.store.PutFailure(f); err != nil {
				log.Notify.Error().Err(err).Str("id", f.ID).Msg("Failed to update failed delivery")
			}
		}
	}
	if len(failures) > 0 {
		log.Notify.Info().Int("pending", len(failures)).Int("delivered", delivered).Msg("Retried failed deliveries")
	}
	return delivered, nil
}

func (n *Notifier) redeliver(ctx context.Context, f *Failure) error {
	switch f.Target {
	case TargetReceipt:
		var v block.Verification
		if err := json.Unmarshal(f.Body, &v); err != nil {
			return fmt.Errorf("%w: decode receipt: %v", errRejected, err)
		}
		return n.sendReceipt(ctx, &v)
	case TargetWebhook, TargetCallback:
		return n.post(ctx, f.URL, f.Body)
	default:
		return fmt.Errorf("%w: unknown target %q", errRejected, f.Target)
	}
}

// Run retries the failed set every interval until ctx is cancelled.
func (n *Notifier) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := n.Retry(ctx); err != nil && !errors.Is(err, ErrRetryInProgress) && ctx.Err() == nil {
				log.Notify.Error().Err(err).Msg("Notification retry failed")
			}
		}
	}
}
