package p2p

import (
	"encoding/json"

	"github.com/libp2p/go-libp2p/core/protocol"
)

// Stream protocol IDs.
const (
	// VerifyProtocol carries dragonnet_verify and dragonnet_receipt calls,
	// one call per stream.
	VerifyProtocol = protocol.ID("/dragonnet/verify/1.0.0")

	// HandshakeProtocol is the stream protocol ID for peer compatibility checking.
	HandshakeProtocol = protocol.ID("/dragonnet/handshake/1.0.0")
)

const (
	// ProtocolVersion is the current protocol version advertised during handshake.
	ProtocolVersion uint32 = 1

	// MinProtocolVersion is the minimum protocol version we accept from peers.
	MinProtocolVersion uint32 = 1
)

// frame is one call written by the dialer.
type frame struct {
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
}

// reply answers a frame. Exactly one of Result and Error is set.
type reply struct {
	Result json.RawMessage `json:"result,omitempty"`
	Error  *replyError     `json:"error,omitempty"`
}

type replyError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}
