package p2p

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/Klingon-tech/dragonnet-node/internal/storage"
	"github.com/Klingon-tech/dragonnet-node/pkg/types"
	"github.com/libp2p/go-libp2p/core/peer"
)

const banKeyPrefix = "ban/"

// BanRecord is a persisted ban entry.
type BanRecord struct {
	ID        string        `json:"id"`              // base58 peer ID
	ChainID   types.ChainID `json:"dc_id,omitempty"` // Empty if banned before the handshake
	Reason    string        `json:"reason"`
	Score     int           `json:"score"`      // Accumulated score at ban time
	BannedAt  int64         `json:"banned_at"`  // Unix timestamp
	ExpiresAt int64         `json:"expires_at"` // Unix timestamp (0 = permanent)
}

// ExpiredAt reports whether the ban has a non-zero expiry at or before now.
func (r *BanRecord) ExpiredAt(now time.Time) bool {
	return r.ExpiresAt > 0 && now.Unix() >= r.ExpiresAt
}

// BanStore persists ban records in a storage.DB under the "ban/" prefix.
type BanStore struct {
	db storage.DB
}

// NewBanStore creates a new BanStore backed by the given DB.
func NewBanStore(db storage.DB) *BanStore {
	return &BanStore{db: db}
}

func banKey(id string) []byte {
	return []byte(banKeyPrefix + id)
}

// Get retrieves a ban record by peer ID.
func (bs *BanStore) Get(id peer.ID) (*BanRecord, error) {
	data, err := bs.db.Get(banKey(id.String()))
	if err != nil {
		return nil, err
	}
	var rec BanRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("unmarshal ban record: %w", err)
	}
	return &rec, nil
}

// Put persists a ban record.
func (bs *BanStore) Put(rec *BanRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal ban record: %w", err)
	}
	return bs.db.Put(banKey(rec.ID), data)
}

// Delete removes a ban record.
func (bs *BanStore) Delete(id peer.ID) error {
	return bs.db.Delete(banKey(id.String()))
}

// ForEach iterates over all readable ban records.
func (bs *BanStore) ForEach(fn func(*BanRecord) error) error {
	return bs.db.ForEach([]byte(banKeyPrefix), func(_, value []byte) error {
		var rec BanRecord
		if err := json.Unmarshal(value, &rec); err != nil {
			return nil
		}
		return fn(&rec)
	})
}

// PruneExpired removes expired and corrupt records. Returns the number pruned.
func (bs *BanStore) PruneExpired(now time.Time) (int, error) {
	var toDelete [][]byte
	err := bs.db.ForEach([]byte(banKeyPrefix), func(key, value []byte) error {
		var rec BanRecord
		if err := json.Unmarshal(value, &rec); err != nil || rec.ExpiredAt(now) {
			toDelete = append(toDelete, append([]byte(nil), key...))
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("iterate for prune: %w", err)
	}

	batch := bs.db.NewBatch()
	for _, k := range toDelete {
		if err := batch.Delete(k); err != nil {
			batch.Discard()
			return 0, fmt.Errorf("delete expired ban: %w", err)
		}
	}
	if err := batch.Commit(); err != nil {
		return 0, fmt.Errorf("commit prune: %w", err)
	}
	return len(toDelete), nil
}
