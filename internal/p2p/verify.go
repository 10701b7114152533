package p2p

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/Klingon-tech/dragonnet-node/internal/matchmaking"
	"github.com/Klingon-tech/dragonnet-node/internal/rpcclient"
	"github.com/Klingon-tech/dragonnet-node/pkg/block"
	"github.com/libp2p/go-libp2p/core/network"
)

const (
	// maxFrameBytes matches the JSON-RPC server's body limit.
	maxFrameBytes = 8 << 20

	// maxReplyBytes limits a reply; results are acks.
	maxReplyBytes = 64 << 10

	// streamTimeout is the max time for one call on a stream.
	streamTimeout = 30 * time.Second
)

// Dispatcher serves inbound verification calls. Errors carrying a
// *rpcclient.RPCError are returned to the caller with their code; any
// other error is reported as unavailable.
type Dispatcher interface {
	DispatchPeer(ctx context.Context, method string, params json.RawMessage) (interface{}, error)
}

// SendRequest delivers a verification request to a verifier's multiaddr.
func (n *Node) SendRequest(ctx context.Context, to *matchmaking.Chain, req *block.Request) error {
	var ack rpcclient.Ack
	if err := n.call(ctx, to, rpcclient.MethodVerify, req, &ack); err != nil {
		return err
	}
	if !ack.Accepted {
		return fmt.Errorf("chain %s refused request for %s", to.ID, req.Origin())
	}
	return nil
}

// SendReceipt delivers a verification back to the chain that asked for it.
func (n *Node) SendReceipt(ctx context.Context, to *matchmaking.Chain, v *block.Verification) error {
	var ack rpcclient.Ack
	return n.call(ctx, to, rpcclient.MethodReceipt, v, &ack)
}

// call opens one stream, writes a frame and reads the reply. Connection
// and stream failures wrap rpcclient.ErrUnavailable; remote errors are
// returned as *rpcclient.RPCError so both transports classify alike.
func (n *Node) call(ctx context.Context, to *matchmaking.Chain, method string, params, result interface{}) error {
	if to.P2PAddr == "" {
		return fmt.Errorf("%w: chain %s has no p2p address", rpcclient.ErrUnavailable, to.ID)
	}
	raw, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("marshal %s params: %w", method, err)
	}

	pid, err := n.connect(ctx, to.P2PAddr)
	if err != nil {
		return fmt.Errorf("%w: dial %s: %v", rpcclient.ErrUnavailable, to.ID, err)
	}
	stream, err := n.host.NewStream(ctx, pid, VerifyProtocol)
	if err != nil {
		return fmt.Errorf("%w: open verify stream: %v", rpcclient.ErrUnavailable, err)
	}
	defer stream.Close()

	deadline := time.Now().Add(streamTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = stream.SetDeadline(deadline)

	if err := json.NewEncoder(stream).Encode(&frame{Method: method, Params: raw}); err != nil {
		stream.Reset()
		return fmt.Errorf("%w: write %s: %v", rpcclient.ErrUnavailable, method, err)
	}
	// Signal we're done writing.
	stream.CloseWrite()

	var rep reply
	if err := json.NewDecoder(io.LimitReader(stream, maxReplyBytes)).Decode(&rep); err != nil {
		return fmt.Errorf("%w: read %s reply: %v", rpcclient.ErrUnavailable, method, err)
	}
	if rep.Error != nil {
		return &rpcclient.RPCError{Code: rep.Error.Code, Message: rep.Error.Message}
	}
	if result != nil && len(rep.Result) > 0 {
		if err := json.Unmarshal(rep.Result, result); err != nil {
			return fmt.Errorf("unmarshal %s result: %w", method, err)
		}
	}
	return nil
}

// registerVerifyHandler serves inbound calls through the dispatcher.
func (n *Node) registerVerifyHandler() {
	n.host.SetStreamHandler(VerifyProtocol, func(stream network.Stream) {
		defer stream.Close()

		remotePeer := stream.Conn().RemotePeer()
		_ = stream.SetDeadline(time.Now().Add(streamTimeout))

		var f frame
		if err := json.NewDecoder(io.LimitReader(stream, maxFrameBytes)).Decode(&f); err != nil {
			n.logger.Debug().Err(err).Str("peer", shortID(remotePeer)).Msg("Malformed verify frame")
			n.BanManager.RecordOffense(remotePeer, PenaltyMalformed, "malformed verify frame")
			stream.Reset()
			return
		}

		rep := n.serve(remotePeer.String(), f)
		if rep.Error != nil && rep.Error.Code == rpcclient.CodeUnauthorized {
			n.BanManager.RecordOffense(remotePeer, PenaltyUnauthorized, rep.Error.Message)
		}
		if err := json.NewEncoder(stream).Encode(&rep); err != nil {
			n.logger.Debug().Err(err).Str("peer", shortID(remotePeer)).Msg("Verify reply write failed")
		}
	})
}

func (n *Node) serve(from string, f frame) reply {
	if f.Method != rpcclient.MethodVerify && f.Method != rpcclient.MethodReceipt {
		return reply{Error: &replyError{Code: rpcclient.CodeRejected, Message: fmt.Sprintf("method %q not served over p2p", f.Method)}}
	}
	n.mu.RLock()
	d := n.dispatcher
	n.mu.RUnlock()
	if d == nil {
		return reply{Error: &replyError{Code: rpcclient.CodeUnavailable, Message: "verification not served"}}
	}

	ctx, cancel := context.WithTimeout(n.ctx, streamTimeout)
	defer cancel()
	result, err := d.DispatchPeer(ctx, f.Method, f.Params)
	if err != nil {
		var rpcErr *rpcclient.RPCError
		if errors.As(err, &rpcErr) {
			return reply{Error: &replyError{Code: rpcErr.Code, Message: rpcErr.Message}}
		}
		n.logger.Warn().Err(err).Str("peer", from).Str("method", f.Method).Msg("Verify call failed")
		return reply{Error: &replyError{Code: rpcclient.CodeUnavailable, Message: "call failed"}}
	}
	raw, err := json.Marshal(result)
	if err != nil {
		return reply{Error: &replyError{Code: rpcclient.CodeUnavailable, Message: "encode result"}}
	}
	return reply{Result: raw}
}
