package node

import (
	"context"
	"errors"

	klog "github.com/Klingon-tech/dragonnet-node/internal/log"
	"github.com/Klingon-tech/dragonnet-node/internal/matchmaking"
	"github.com/Klingon-tech/dragonnet-node/internal/p2p"
	"github.com/Klingon-tech/dragonnet-node/internal/rpcclient"
	"github.com/Klingon-tech/dragonnet-node/pkg/block"
)

// peerSender is one transport of the verification protocol.
type peerSender interface {
	SendRequest(ctx context.Context, to *matchmaking.Chain, req *block.Request) error
	SendReceipt(ctx context.Context, to *matchmaking.Chain, v *block.Verification) error
}

// transport picks libp2p for chains that advertise a multiaddr and
// JSON-RPC over HTTP otherwise. An unreachable p2p peer with a URL is
// retried over HTTP.
type transport struct {
	http peerSender
	p2p  peerSender // nil when p2p is disabled
}

func newTransport(http *rpcclient.Peer, p2pNode *p2p.Node) *transport {
	t := &transport{http: http}
	if p2pNode != nil {
		t.p2p = p2pNode
	}
	return t
}

func (t *transport) SendRequest(ctx context.Context, to *matchmaking.Chain, req *block.Request) error {
	return t.send(to, func(s peerSender) error { return s.SendRequest(ctx, to, req) })
}

func (t *transport) SendReceipt(ctx context.Context, to *matchmaking.Chain, v *block.Verification) error {
	return t.send(to, func(s peerSender) error { return s.SendReceipt(ctx, to, v) })
}

func (t *transport) send(to *matchmaking.Chain, call func(peerSender) error) error {
	if t.p2p == nil || to.P2PAddr == "" {
		return call(t.http)
	}
	err := call(t.p2p)
	if err == nil || to.URL == "" || !errors.Is(err, rpcclient.ErrUnavailable) {
		return err
	}
	klog.P2P.Debug().Err(err).Str("chain_id", string(to.ID)).Msg("P2P unreachable, falling back to HTTP")
	return call(t.http)
}
