// Package p2p implements the libp2p verification transport. Chains that
// publish a p2p multiaddr in the directory are reached over a direct stream
// instead of JSON-RPC; there is no gossip and no peer discovery beyond the
// directory.
package p2p

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	klog "github.com/Klingon-tech/dragonnet-node/internal/log"
	"github.com/Klingon-tech/dragonnet-node/internal/storage"
	"github.com/Klingon-tech/dragonnet-node/pkg/types"
	"github.com/libp2p/go-libp2p"
	libp2pcrypto "github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	ma "github.com/multiformats/go-multiaddr"
	"github.com/rs/zerolog"
)

const (
	// peerConnectTimeout bounds dialing a chain's multiaddr.
	peerConnectTimeout = 10 * time.Second
)

// ErrNotStarted is returned when the host is used before Start.
var ErrNotStarted = errors.New("p2p: node not started")

// Config holds P2P node configuration.
type Config struct {
	ListenAddr string
	Port       int
	DB         storage.DB // Ban persistence (nil = disabled, for tests)
	DataDir    string     // Data directory for persisting node identity
	NetworkID  string     // e.g. "mainnet"; peers on other networks are refused
	ChainID    types.ChainID
	Level      types.Level
}

// Node is a libp2p host serving the verification protocol.
type Node struct {
	host   host.Host
	config Config
	ctx    context.Context
	cancel context.CancelFunc
	logger zerolog.Logger

	mu    sync.RWMutex
	peers map[peer.ID]*Peer

	BanManager *BanManager // set by Start
	connNotify *connNotifier
	dispatcher Dispatcher
}

// New creates a new P2P node with the given config.
func New(cfg Config) *Node {
	ctx, cancel := context.WithCancel(context.Background())
	return &Node{
		config: cfg,
		ctx:    ctx,
		cancel: cancel,
		logger: klog.WithComponent("p2p"),
		peers:  make(map[peer.ID]*Peer),
	}
}

// SetDispatcher sets the backend for inbound verification calls. Without
// one, inbound calls are answered as unavailable.
func (n *Node) SetDispatcher(d Dispatcher) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.dispatcher = d
}

// Start initializes the libp2p host and registers the stream handlers.
func (n *Node) Start() error {
	addr := fmt.Sprintf("/ip4/%s/tcp/%d", n.config.ListenAddr, n.config.Port)

	// The gater references the ban manager, so it exists before the host.
	if n.config.DB != nil {
		n.BanManager = NewBanManager(NewBanStore(n.config.DB), n)
		n.BanManager.LoadBans()
	} else {
		n.BanManager = NewBanManager(nil, n)
	}

	opts := []libp2p.Option{
		libp2p.ListenAddrStrings(addr),
		libp2p.ConnectionGater(&banGater{banMgr: n.BanManager}),
	}

	// Load or generate persistent identity so peer ID survives restarts.
	if n.config.DataDir != "" {
		privKey, err := loadOrCreateIdentity(n.config.DataDir)
		if err != nil {
			return fmt.Errorf("load p2p identity: %w", err)
		}
		opts = append(opts, libp2p.Identity(privKey))
	}

	h, err := libp2p.New(opts...)
	if err != nil {
		return fmt.Errorf("create libp2p host: %w", err)
	}
	n.host = h

	n.connNotify = &connNotifier{node: n}
	h.Network().Notify(n.connNotify)

	n.registerHandshakeHandler()
	n.registerVerifyHandler()

	go n.BanManager.RunPruneLoop(n.ctx.Done())

	n.logger.Info().Strs("addrs", n.Addrs()).Msg("P2P transport listening")
	return nil
}

// Stop shuts down the P2P node.
func (n *Node) Stop() error {
	n.cancel()
	if n.host != nil {
		return n.host.Close()
	}
	return nil
}

// Host returns the underlying libp2p host (nil before Start).
func (n *Node) Host() host.Host {
	return n.host
}

// ID returns the peer ID of this node.
func (n *Node) ID() peer.ID {
	if n.host == nil {
		return ""
	}
	return n.host.ID()
}

// Addrs returns the full multiaddrs of this node.
func (n *Node) Addrs() []string {
	if n.host == nil {
		return nil
	}
	var addrs []string
	for _, a := range n.host.Addrs() {
		addrs = append(addrs, fmt.Sprintf("%s/p2p/%s", a, n.host.ID()))
	}
	return addrs
}

// DisconnectPeer closes all connections to a peer and removes it from the peer list.
func (n *Node) DisconnectPeer(id peer.ID) error {
	if n.host == nil {
		return ErrNotStarted
	}
	n.removePeer(id)
	return n.host.Network().ClosePeer(id)
}

// PeerCount returns the number of connected peers.
func (n *Node) PeerCount() int {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return len(n.peers)
}

// PeerList returns a snapshot of connected peers.
func (n *Node) PeerList() []Peer {
	n.mu.RLock()
	defer n.mu.RUnlock()
	out := make([]Peer, 0, len(n.peers))
	for _, p := range n.peers {
		out = append(out, *p)
	}
	return out
}

// Bans returns the active bans, or nil before Start.
func (n *Node) Bans() []BanRecord {
	if n.BanManager == nil {
		return nil
	}
	return n.BanManager.BanList()
}

func (n *Node) chainOf(id peer.ID) types.ChainID {
	n.mu.RLock()
	defer n.mu.RUnlock()
	if p, ok := n.peers[id]; ok {
		return p.ChainID
	}
	return ""
}

func (n *Node) addPeer(id peer.ID) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if _, exists := n.peers[id]; !exists {
		n.peers[id] = &Peer{
			ID:          id,
			ConnectedAt: time.Now(),
		}
	}
}

// identifyPeer records the chain a peer proved in the handshake.
func (n *Node) identifyPeer(id peer.ID, chainID types.ChainID, level types.Level) {
	n.mu.Lock()
	defer n.mu.Unlock()
	p, ok := n.peers[id]
	if !ok {
		p = &Peer{ID: id, ConnectedAt: time.Now()}
		n.peers[id] = p
	}
	p.ChainID = chainID
	p.Level = level
}

func (n *Node) removePeer(id peer.ID) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.peers, id)
}

// connect dials a directory multiaddr, which must carry a /p2p/ component.
func (n *Node) connect(ctx context.Context, addr string) (peer.ID, error) {
	if n.host == nil {
		return "", ErrNotStarted
	}
	maddr, err := ma.NewMultiaddr(addr)
	if err != nil {
		return "", fmt.Errorf("parse multiaddr %q: %w", addr, err)
	}
	info, err := peer.AddrInfoFromP2pAddr(maddr)
	if err != nil {
		return "", fmt.Errorf("multiaddr %q has no peer id: %w", addr, err)
	}
	if n.host.Network().Connectedness(info.ID) == network.Connected {
		return info.ID, nil
	}

	dialCtx, cancel := context.WithTimeout(ctx, peerConnectTimeout)
	defer cancel()
	if err := n.host.Connect(dialCtx, *info); err != nil {
		return "", err
	}
	return info.ID, nil
}

// loadOrCreateIdentity loads a persisted libp2p identity key from dataDir,
// or generates a new one and saves it. This keeps the peer ID, and so the
// multiaddr registered in the directory, stable.
func loadOrCreateIdentity(dataDir string) (libp2pcrypto.PrivKey, error) {
	keyPath := filepath.Join(dataDir, "p2p.key")

	data, err := os.ReadFile(keyPath)
	if err == nil {
		keyBytes, err := hex.DecodeString(string(data))
		if err != nil {
			return nil, fmt.Errorf("decode node key: %w", err)
		}
		return libp2pcrypto.UnmarshalEd25519PrivateKey(keyBytes)
	}

	priv, _, err := libp2pcrypto.GenerateEd25519Key(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}

	raw, err := priv.Raw()
	if err != nil {
		return nil, fmt.Errorf("marshal key: %w", err)
	}
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	if err := os.WriteFile(keyPath, []byte(hex.EncodeToString(raw)), 0600); err != nil {
		return nil, fmt.Errorf("save node key: %w", err)
	}

	return priv, nil
}
