package p2p

import (
	"time"

	"github.com/Klingon-tech/dragonnet-node/pkg/types"
	"github.com/libp2p/go-libp2p/core/peer"
)

// Peer represents a connected peer. ChainID and Level are known once the
// handshake completes.
type Peer struct {
	ID          peer.ID
	ConnectedAt time.Time
	ChainID     types.ChainID
	Level       types.Level
}
