package rpcclient

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/Klingon-tech/dragonnet-node/internal/matchmaking"
	"github.com/Klingon-tech/dragonnet-node/pkg/block"
)

// Dragon Net peer methods.
const (
	MethodVerify  = "dragonnet_verify"
	MethodReceipt = "dragonnet_receipt"
)

// Error codes a Dragon Net node answers with, beyond the JSON-RPC 2.0 set.
// CodeUnavailable is the only one worth retrying.
const (
	CodeNotFound     = -32000
	CodeUnauthorized = -32001
	CodeRejected     = -32002
	CodeUnavailable  = -32003
)

// Ack is the result of dragonnet_verify and dragonnet_receipt.
type Ack struct {
	Accepted bool   `json:"accepted"`
	Outcome  string `json:"outcome,omitempty"`
}

// Peer sends verification traffic to other chains over JSON-RPC. Clients
// are kept per endpoint.
type Peer struct {
	timeout time.Duration

	mu      sync.Mutex
	clients map[string]*Client
}

// NewPeer creates a peer transport with the given per-call timeout.
func NewPeer(timeout time.Duration) *Peer {
	return &Peer{timeout: timeout, clients: make(map[string]*Client)}
}

func (p *Peer) client(url string) *Client {
	p.mu.Lock()
	defer p.mu.Unlock()
	c, ok := p.clients[url]
	if !ok {
		c = NewWithTimeout(url, p.timeout)
		p.clients[url] = c
	}
	return c
}

// SendRequest delivers a verification request to a verifier.
func (p *Peer) SendRequest(ctx context.Context, to *matchmaking.Chain, req *block.Request) error {
	if to.URL == "" {
		return fmt.Errorf("%w: chain %s has no url", ErrUnavailable, to.ID)
	}
	var ack Ack
	if err := p.client(to.URL).Call(ctx, MethodVerify, req, &ack); err != nil {
		return err
	}
	if !ack.Accepted {
		return fmt.Errorf("chain %s refused request for %s", to.ID, req.Origin())
	}
	return nil
}

// SendReceipt delivers a verification back to the chain that asked for it.
func (p *Peer) SendReceipt(ctx context.Context, to *matchmaking.Chain, v *block.Verification) error {
	if to.URL == "" {
		return fmt.Errorf("%w: chain %s has no url", ErrUnavailable, to.ID)
	}
	var ack Ack
	return p.client(to.URL).Call(ctx, MethodReceipt, v, &ack)
}
