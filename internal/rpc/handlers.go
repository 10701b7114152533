package rpc

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/Klingon-tech/dragonnet-node/internal/broadcast"
	"github.com/Klingon-tech/dragonnet-node/internal/matchmaking"
	"github.com/Klingon-tech/dragonnet-node/internal/metrics"
	"github.com/Klingon-tech/dragonnet-node/internal/p2p"
	"github.com/Klingon-tech/dragonnet-node/internal/queue"
	"github.com/Klingon-tech/dragonnet-node/internal/rpcclient"
	"github.com/Klingon-tech/dragonnet-node/internal/storage"
	"github.com/Klingon-tech/dragonnet-node/internal/verify"
	"github.com/Klingon-tech/dragonnet-node/pkg/block"
	"github.com/Klingon-tech/dragonnet-node/pkg/tx"
	"github.com/Klingon-tech/dragonnet-node/pkg/types"
)

// ── Transactions ────────────────────────────────────────────────────────

func (s *Server) handleSubmitTransaction(ctx context.Context, req *Request) (interface{}, *Error) {
	if s.queue == nil {
		return nil, notServed(req.Method, s.info.Level)
	}
	var params SubmitParam
	if err := parseParams(req, &params); err != nil {
		return nil, err
	}
	if len(params.Payload) == 0 {
		params.Payload = []byte("{}")
	}
	if params.CallbackURL != "" && s.callbacks == nil {
		return nil, &Error{Code: CodeInvalidParams, Message: "callbacks are not enabled on this node"}
	}

	t := tx.New(params.Type, params.Tag, params.Payload)
	t.Invoker = params.Invoker
	if err := t.Validate(); err != nil {
		return nil, &Error{Code: CodeInvalidParams, Message: fmt.Sprintf("invalid transaction: %v", err)}
	}
	if params.CallbackURL != "" {
		if err := s.callbacks.RegisterCallback(t.ID, params.CallbackURL); err != nil {
			return nil, &Error{Code: CodeInvalidParams, Message: err.Error()}
		}
	}
	if err := s.queue.Enqueue(ctx, queue.NewTransactionItem(t)); err != nil {
		s.logger.Error().Err(err).Str("txn_id", t.ID).Msg("Failed to enqueue transaction")
		return nil, &Error{Code: CodeUnavailable, Message: "transaction queue unavailable"}
	}
	metrics.QueueEnqueued.WithLabelValues(string(queue.KindTransaction)).Inc()
	s.logger.Debug().Str("txn_id", t.ID).Str("txn_type", t.Type).Msg("Transaction queued")
	return &SubmitResult{ID: t.ID}, nil
}

func (s *Server) handleGetTransaction(req *Request) (interface{}, *Error) {
	if s.blocks == nil {
		return nil, notServed(req.Method, s.info.Level)
	}
	var params TxParam
	if err := parseParams(req, &params); err != nil {
		return nil, err
	}
	if params.ID == "" {
		return nil, &Error{Code: CodeInvalidParams, Message: "txn_id is required"}
	}
	t, err := s.blocks.GetTransaction(params.ID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, &Error{Code: CodeNotFound, Message: "transaction not found"}
	}
	if err != nil {
		return nil, &Error{Code: CodeInternalError, Message: err.Error()}
	}
	return t, nil
}

// ── Blocks ──────────────────────────────────────────────────────────────

func (s *Server) handleGetBlock(req *Request) (interface{}, *Error) {
	if s.blocks == nil {
		return nil, notServed(req.Method, s.info.Level)
	}
	var params BlockParam
	if err := parseParams(req, &params); err != nil {
		return nil, err
	}
	if params.Level == 0 {
		params.Level = types.L1
	}
	if !params.Level.Valid() {
		return nil, &Error{Code: CodeInvalidParams, Message: fmt.Sprintf("invalid level %d", params.Level)}
	}
	blk, err := s.blocks.GetBlock(params.Level, params.BlockID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, &Error{Code: CodeNotFound, Message: fmt.Sprintf("block %s/%d not found", params.Level, params.BlockID)}
	}
	if err != nil {
		return nil, &Error{Code: CodeInternalError, Message: err.Error()}
	}
	return blk, nil
}

func (s *Server) handleBlockStatus(req *Request) (interface{}, *Error) {
	if s.receipts == nil {
		return nil, notServed(req.Method, s.info.Level)
	}
	var params BlockParam
	if err := parseParams(req, &params); err != nil {
		return nil, err
	}
	st, err := s.receipts.Status(s.info.ChainID, params.BlockID)
	if errors.Is(err, broadcast.ErrUnknownBlock) {
		return nil, &Error{Code: CodeNotFound, Message: fmt.Sprintf("block %d is not being verified", params.BlockID)}
	}
	if err != nil {
		return nil, &Error{Code: CodeInternalError, Message: err.Error()}
	}
	return st, nil
}

// ── Peer protocol ───────────────────────────────────────────────────────

func (s *Server) handleVerify(ctx context.Context, req *Request) (interface{}, *Error) {
	if s.requests == nil {
		return nil, notServed(req.Method, s.info.Level)
	}
	var vreq block.Request
	if err := parseParams(req, &vreq); err != nil {
		return nil, err
	}
	if vreq.Block == nil || vreq.Block.Header == nil {
		return nil, reject(CodeRejected, verify.ReasonMalformed, "request carries no block")
	}
	if err := s.requests.Accept(ctx, &vreq); err != nil {
		reason := verify.RejectReason(err)
		switch reason {
		case verify.ReasonUnauthorized:
			return nil, reject(CodeUnauthorized, reason, err.Error())
		case verify.ReasonUnavailable:
			return nil, reject(CodeUnavailable, reason, err.Error())
		default:
			return nil, reject(CodeRejected, reason, err.Error())
		}
	}
	return &rpcclient.Ack{Accepted: true}, nil
}

func (s *Server) handleReceipt(ctx context.Context, req *Request) (interface{}, *Error) {
	if s.receipts == nil {
		return nil, notServed(req.Method, s.info.Level)
	}
	var v block.Verification
	if err := parseParams(req, &v); err != nil {
		return nil, err
	}
	if v.Block == nil || v.Block.Header == nil {
		return nil, reject(CodeRejected, verify.ReasonMalformed, "receipt carries no block")
	}
	if s.directory != nil {
		if rpcErr := s.checkVerifier(ctx, &v); rpcErr != nil {
			return nil, rpcErr
		}
	}

	outcome, err := s.receipts.ReceiveVerification(ctx, &v)
	switch {
	case err == nil:
		return &rpcclient.Ack{Accepted: true, Outcome: outcome.String()}, nil
	case errors.Is(err, broadcast.ErrInvalidReceipt):
		return nil, reject(CodeUnauthorized, verify.ReasonUnauthorized, err.Error())
	case errors.Is(err, broadcast.ErrUnknownBlock):
		return nil, &Error{Code: CodeNotFound, Message: err.Error()}
	case errors.Is(err, broadcast.ErrNotAccepting):
		return nil, reject(CodeRejected, verify.ReasonNotAccepting, err.Error())
	default:
		s.logger.Error().Err(err).Str("origin", v.Origin.String()).Msg("Failed to record receipt")
		return nil, reject(CodeUnavailable, verify.ReasonUnavailable, "receipt not recorded")
	}
}

// checkVerifier requires the verifier to be registered in the directory at
// the level it attests.
func (s *Server) checkVerifier(ctx context.Context, v *block.Verification) *Error {
	ch, err := s.directory.LookupChain(ctx, v.Verifier)
	switch {
	case errors.Is(err, matchmaking.ErrNotFound):
		return reject(CodeUnauthorized, verify.ReasonUnauthorized, fmt.Sprintf("verifier %s not registered", v.Verifier))
	case err != nil:
		return reject(CodeUnavailable, verify.ReasonUnavailable, "directory unavailable")
	case !ch.Registered:
		return reject(CodeUnauthorized, verify.ReasonUnauthorized, fmt.Sprintf("verifier %s registration lapsed", v.Verifier))
	case ch.Level != v.Level:
		return reject(CodeUnauthorized, verify.ReasonUnauthorized, fmt.Sprintf("verifier %s is registered at %s, not %s", v.Verifier, ch.Level, v.Level))
	}
	return nil
}

func reject(code int, reason, msg string) *Error {
	return &Error{Code: code, Message: msg, Data: RejectData{Reason: reason}}
}

// ── Node ────────────────────────────────────────────────────────────────

func (s *Server) handleStatus(ctx context.Context) (interface{}, *Error) {
	res := &StatusResult{
		ChainID: s.info.ChainID,
		Level:   s.info.Level,
		Version: s.info.Version,
		Uptime:  int64(time.Since(s.started).Seconds()),
	}
	if s.blocks != nil {
		if tail, err := s.blocks.Tail(s.info.Level); err == nil {
			res.TailBlockID = tail.BlockID
		}
	}
	if s.queue != nil {
		if n, err := s.queue.Len(ctx); err == nil {
			res.Queued = n
		}
	}
	if s.receipts != nil {
		if n, err := s.receipts.Pending(); err == nil {
			res.PendingBlocks = n
		}
	}
	if s.peers != nil {
		res.Peers = s.peers.PeerCount()
	}
	return res, nil
}

func (s *Server) handlePeers() (interface{}, *Error) {
	res := &PeersResult{Peers: []PeerInfo{}, Bans: []p2p.BanRecord{}}
	if s.peers == nil {
		return res, nil
	}
	for _, p := range s.peers.PeerList() {
		res.Peers = append(res.Peers, PeerInfo{
			ID:          p.ID.String(),
			ChainID:     p.ChainID,
			Level:       p.Level,
			ConnectedAt: p.ConnectedAt.Unix(),
		})
	}
	sort.Slice(res.Peers, func(i, j int) bool {
		a, b := res.Peers[i], res.Peers[j]
		if a.ChainID != b.ChainID {
			return a.ChainID < b.ChainID
		}
		return a.ID < b.ID
	})
	res.Count = len(res.Peers)
	if bans := s.peers.Bans(); bans != nil {
		res.Bans = bans
	}
	return res, nil
}
