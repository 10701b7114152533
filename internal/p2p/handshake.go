package p2p

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/Klingon-tech/dragonnet-node/pkg/types"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
)

const (
	// handshakeTimeout is the max time for a complete handshake exchange.
	handshakeTimeout = 10 * time.Second

	// maxHandshakeBytes limits handshake message size.
	maxHandshakeBytes = 4096
)

// HandshakeMessage is exchanged between peers to verify compatibility.
type HandshakeMessage struct {
	ProtocolVersion uint32        `json:"protocol_version"`
	NetworkID       string        `json:"network_id"`
	ChainID         types.ChainID `json:"dc_id"`
	Level           types.Level   `json:"level"`
}

// registerHandshakeHandler sets up the stream handler for incoming handshakes.
func (n *Node) registerHandshakeHandler() {
	n.host.SetStreamHandler(HandshakeProtocol, func(stream network.Stream) {
		defer stream.Close()

		remotePeer := stream.Conn().RemotePeer()
		_ = stream.SetReadDeadline(time.Now().Add(handshakeTimeout))

		var peerMsg HandshakeMessage
		if err := json.NewDecoder(io.LimitReader(stream, maxHandshakeBytes)).Decode(&peerMsg); err != nil {
			n.logger.Debug().Err(err).Str("peer", shortID(remotePeer)).Msg("Handshake read failed")
			return
		}

		ourMsg := n.buildHandshakeMessage()
		if err := json.NewEncoder(stream).Encode(&ourMsg); err != nil {
			n.logger.Debug().Err(err).Str("peer", shortID(remotePeer)).Msg("Handshake write failed")
			return
		}

		n.completeHandshake(remotePeer, peerMsg)
	})
}

// doHandshake initiates a handshake with a remote peer (dialer side).
func (n *Node) doHandshake(peerID peer.ID) {
	stream, err := n.host.NewStream(n.ctx, peerID, HandshakeProtocol)
	if err != nil {
		n.logger.Debug().Str("peer", shortID(peerID)).Msg("Peer does not support handshake protocol")
		return
	}
	defer stream.Close()

	_ = stream.SetDeadline(time.Now().Add(handshakeTimeout))

	ourMsg := n.buildHandshakeMessage()
	if err := json.NewEncoder(stream).Encode(&ourMsg); err != nil {
		n.logger.Debug().Err(err).Str("peer", shortID(peerID)).Msg("Handshake send failed")
		return
	}
	stream.CloseWrite()

	var peerMsg HandshakeMessage
	if err := json.NewDecoder(io.LimitReader(stream, maxHandshakeBytes)).Decode(&peerMsg); err != nil {
		n.logger.Debug().Err(err).Str("peer", shortID(peerID)).Msg("Handshake response read failed")
		return
	}

	n.completeHandshake(peerID, peerMsg)
}

func (n *Node) completeHandshake(id peer.ID, msg HandshakeMessage) {
	if reason := n.validateHandshake(msg); reason != "" {
		n.logger.Warn().
			Str("peer", shortID(id)).
			Str("reason", reason).
			Msg("Handshake rejected, banning peer")
		n.BanManager.RecordOffense(id, PenaltyHandshakeFail, reason)
		n.DisconnectPeer(id)
		return
	}
	n.identifyPeer(id, msg.ChainID, msg.Level)
	n.logger.Debug().
		Str("peer", shortID(id)).
		Str("chain_id", msg.ChainID.String()).
		Str("chain_level", msg.Level.String()).
		Msg("Handshake complete")
}

// validateHandshake checks a peer's handshake message for compatibility.
// Returns an empty string on success, or a reason string on failure.
func (n *Node) validateHandshake(msg HandshakeMessage) string {
	if msg.ProtocolVersion < MinProtocolVersion {
		return fmt.Sprintf("protocol version too low: peer=%d min=%d",
			msg.ProtocolVersion, MinProtocolVersion)
	}
	if msg.NetworkID != n.config.NetworkID {
		return fmt.Sprintf("network mismatch: peer=%q local=%q", msg.NetworkID, n.config.NetworkID)
	}
	if !msg.Level.Valid() {
		return fmt.Sprintf("invalid level %d", msg.Level)
	}
	if msg.ChainID == "" {
		return "missing chain id"
	}
	return ""
}

func (n *Node) buildHandshakeMessage() HandshakeMessage {
	return HandshakeMessage{
		ProtocolVersion: ProtocolVersion,
		NetworkID:       n.config.NetworkID,
		ChainID:         n.config.ChainID,
		Level:           n.config.Level,
	}
}

func shortID(id peer.ID) string {
	s := id.String()
	if len(s) > 16 {
		return s[:16]
	}
	return s
}
