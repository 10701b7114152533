package rpc

import (
	"encoding/json"

	"github.com/Klingon-tech/dragonnet-node/internal/p2p"
	"github.com/Klingon-tech/dragonnet-node/internal/rpcclient"
	"github.com/Klingon-tech/dragonnet-node/pkg/types"
)

// JSON-RPC 2.0 error codes.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603

	CodeNotFound     = rpcclient.CodeNotFound
	CodeUnauthorized = rpcclient.CodeUnauthorized
	CodeRejected     = rpcclient.CodeRejected
	CodeUnavailable  = rpcclient.CodeUnavailable
)

// Method names.
const (
	MethodSubmitTransaction = "dragonnet_submitTransaction"
	MethodGetTransaction    = "dragonnet_getTransaction"
	MethodGetBlock          = "dragonnet_getBlock"
	MethodBlockStatus       = "dragonnet_blockStatus"
	MethodVerify            = rpcclient.MethodVerify
	MethodReceipt           = rpcclient.MethodReceipt
	MethodStatus            = "dragonnet_status"
	MethodPeers             = "dragonnet_peers"
)

// Request is a JSON-RPC 2.0 request.
type Request struct {
	JSONRPC string      `json:"jsonrpc"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params"`
	ID      interface{} `json:"id"`
}

// Response is a JSON-RPC 2.0 response.
type Response struct {
	JSONRPC string      `json:"jsonrpc"`
	Result  interface{} `json:"result,omitempty"`
	Error   *Error      `json:"error,omitempty"`
	ID      interface{} `json:"id"`
}

// Error is a JSON-RPC 2.0 error object.
type Error struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// ── Param types ─────────────────────────────────────────────────────────

// SubmitParam is used by dragonnet_submitTransaction.
type SubmitParam struct {
	Type        string          `json:"txn_type"`
	Tag         string          `json:"tag,omitempty"`
	Invoker     string          `json:"invoker,omitempty"`
	Payload     json.RawMessage `json:"payload"`
	CallbackURL string          `json:"callback_url,omitempty"`
}

// TxParam is used by dragonnet_getTransaction.
type TxParam struct {
	ID string `json:"txn_id"`
}

// BlockParam is used by dragonnet_getBlock and dragonnet_blockStatus.
// Level defaults to 1.
type BlockParam struct {
	Level   types.Level `json:"level,omitempty"`
	BlockID uint64      `json:"block_id"`
}

// ── Result types ────────────────────────────────────────────────────────

// SubmitResult is returned by dragonnet_submitTransaction.
type SubmitResult struct {
	ID string `json:"txn_id"`
}

// RejectData accompanies CodeRejected and CodeUnauthorized errors.
type RejectData struct {
	Reason string `json:"reason"`
}

// StatusResult is returned by dragonnet_status.
type StatusResult struct {
	ChainID       types.ChainID `json:"dc_id"`
	Level         types.Level   `json:"level"`
	Version       string        `json:"version"`
	TailBlockID   uint64        `json:"tail_block_id"`
	Queued        int           `json:"queued"`
	PendingBlocks int           `json:"pending_blocks"`
	Peers         int           `json:"peers"`
	Uptime        int64         `json:"uptime_seconds"`
}

// PeerInfo is one connected p2p peer.
type PeerInfo struct {
	ID          string        `json:"peer_id"`
	ChainID     types.ChainID `json:"dc_id,omitempty"` // Empty until the handshake completes
	Level       types.Level   `json:"level,omitempty"`
	ConnectedAt int64         `json:"connected_at"`
}

// PeersResult is returned by dragonnet_peers. Both lists are empty when
// the p2p transport is disabled.
type PeersResult struct {
	Count int             `json:"count"`
	Peers []PeerInfo      `json:"peers"`
	Bans  []p2p.BanRecord `json:"bans"`
}
