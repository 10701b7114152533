package p2p

import (
	"sync"
	"time"

	klog "github.com/Klingon-tech/dragonnet-node/internal/log"
	"github.com/Klingon-tech/dragonnet-node/pkg/types"
	"github.com/libp2p/go-libp2p/core/peer"
)

// Ban thresholds and durations.
const (
	BanThreshold = 100 // Score at which a peer gets banned.
	BanDuration  = 24 * time.Hour
	pruneEvery   = 10 * time.Minute
)

// Penalty values for verification protocol offenses. Expired or
// not-accepting rejections are honest races and carry no penalty.
const (
	PenaltyMalformed     = 20  // Undecodable frame.
	PenaltyUnauthorized  = 25  // Unsigned, unregistered or foreign request.
	PenaltyHandshakeFail = 100 // Instant ban (network or version mismatch).
)

// peerTable is the part of Node the ban manager needs.
type peerTable interface {
	DisconnectPeer(id peer.ID) error
	chainOf(id peer.ID) types.ChainID
}

// BanManager tracks peer offense scores and manages bans.
type BanManager struct {
	mu     sync.RWMutex
	scores map[peer.ID]int
	bans   map[peer.ID]*BanRecord
	store  *BanStore    // nil disables persistence
	node   peerTable    // nil in unit tests
	now    func() time.Time
}

// NewBanManager creates a new BanManager. store and node may be nil.
func NewBanManager(store *BanStore, node peerTable) *BanManager {
	return &BanManager{
		scores: make(map[peer.ID]int),
		bans:   make(map[peer.ID]*BanRecord),
		store:  store,
		node:   node,
		now:    time.Now,
	}
}

// LoadBans restores unexpired persisted bans.
func (bm *BanManager) LoadBans() {
	if bm.store == nil {
		return
	}
	now := bm.now()
	bm.store.PruneExpired(now)

	bm.mu.Lock()
	defer bm.mu.Unlock()
	bm.store.ForEach(func(rec *BanRecord) error {
		if rec.ExpiredAt(now) {
			return nil
		}
		id, err := peer.Decode(rec.ID)
		if err != nil {
			return nil
		}
		bm.bans[id] = rec
		return nil
	})
}

// RecordOffense adds a penalty score to a peer. If the cumulative score
// reaches BanThreshold, the peer is banned and disconnected.
func (bm *BanManager) RecordOffense(id peer.ID, penalty int, reason string) {
	now := bm.now()
	chainID := bm.chainOf(id)
	bm.mu.Lock()
	defer bm.mu.Unlock()

	if rec, ok := bm.bans[id]; ok && !rec.ExpiredAt(now) {
		return
	}

	bm.scores[id] += penalty
	if bm.scores[id] < BanThreshold {
		return
	}

	rec := &BanRecord{
		ID:        id.String(),
		ChainID:   chainID,
		Reason:    reason,
		Score:     bm.scores[id],
		BannedAt:  now.Unix(),
		ExpiresAt: now.Add(BanDuration).Unix(),
	}
	bm.bans[id] = rec
	delete(bm.scores, id)

	if bm.store != nil {
		if err := bm.store.Put(rec); err != nil {
			klog.P2P.Warn().Err(err).Str("peer", shortID(id)).Msg("Failed to persist ban")
		}
	}

	klog.P2P.Warn().
		Str("peer", shortID(id)).
		Str("chain_id", string(rec.ChainID)).
		Str("reason", reason).
		Int("score", rec.Score).
		Msg("Peer banned")

	if bm.node != nil {
		go bm.node.DisconnectPeer(id)
	}
}

// chainOf names the chain behind id when the handshake has identified it.
func (bm *BanManager) chainOf(id peer.ID) types.ChainID {
	if bm.node == nil {
		return ""
	}
	return bm.node.chainOf(id)
}

// Score returns a peer's offense score below the ban threshold.
func (bm *BanManager) Score(id peer.ID) int {
	bm.mu.RLock()
	defer bm.mu.RUnlock()
	return bm.scores[id]
}

// IsBanned returns true if the peer is currently banned.
func (bm *BanManager) IsBanned(id peer.ID) bool {
	bm.mu.RLock()
	rec, ok := bm.bans[id]
	bm.mu.RUnlock()
	if !ok {
		return false
	}
	if !rec.ExpiredAt(bm.now()) {
		return true
	}

	bm.mu.Lock()
	delete(bm.bans, id)
	bm.mu.Unlock()
	if bm.store != nil {
		bm.store.Delete(id)
	}
	return false
}

// Unban manually removes a ban.
func (bm *BanManager) Unban(id peer.ID) {
	bm.mu.Lock()
	delete(bm.bans, id)
	delete(bm.scores, id)
	bm.mu.Unlock()

	if bm.store != nil {
		bm.store.Delete(id)
	}
}

// BanList returns a snapshot of all active bans.
func (bm *BanManager) BanList() []BanRecord {
	now := bm.now()
	bm.mu.RLock()
	defer bm.mu.RUnlock()

	var list []BanRecord
	for _, rec := range bm.bans {
		if !rec.ExpiredAt(now) {
			list = append(list, *rec)
		}
	}
	return list
}

// RunPruneLoop periodically prunes expired bans until done is closed.
func (bm *BanManager) RunPruneLoop(done <-chan struct{}) {
	ticker := time.NewTicker(pruneEvery)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			bm.pruneExpired()
		}
	}
}

func (bm *BanManager) pruneExpired() {
	now := bm.now()
	bm.mu.Lock()
	for id, rec := range bm.bans {
		if rec.ExpiredAt(now) {
			delete(bm.bans, id)
		}
	}
	bm.mu.Unlock()

	if bm.store != nil {
		bm.store.PruneExpired(now)
	}
}
