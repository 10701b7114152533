package assembler

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/Klingon-tech/dragonnet-node/internal/storage"
	"github.com/Klingon-tech/dragonnet-node/pkg/block"
	"github.com/Klingon-tech/dragonnet-node/pkg/tx"
	"github.com/Klingon-tech/dragonnet-node/pkg/types"
)

// Key prefixes for the block store.
var (
	prefixBlock = []byte("b/") // b/<level(1)><block_id(8)> -> block JSON
	prefixTx    = []byte("t/") // t/<txn_id> -> transaction JSON
	prefixTail  = []byte("s/tail/")
)

// Tail is the last block stored at a level. Its proof is the prior-block
// hash the next block at that level must link to.
type Tail struct {
	BlockID uint64     `json:"block_id"`
	Proof   types.Hash `json:"proof"`
}

// BlockStore persists this chain's blocks, its transaction records and the
// per-level tails.
type BlockStore struct {
	db storage.DB
}

// NewBlockStore creates a block store backed by the given database.
func NewBlockStore(db storage.DB) *BlockStore {
	return &BlockStore{db: db}
}

// CommitBlock stores blk, the updated transaction records and the new tail
// for the block's level in one batch.
func (bs *BlockStore) CommitBlock(blk *block.Block, txs []*tx.Transaction) error {
	data, err := json.Marshal(blk)
	if err != nil {
		return fmt.Errorf("block marshal: %w", err)
	}
	tail, err := json.Marshal(Tail{BlockID: blk.Header.BlockID, Proof: blk.Proof()})
	if err != nil {
		return fmt.Errorf("tail marshal: %w", err)
	}

	batch := bs.db.NewBatch()
	defer batch.Discard()

	if err := batch.Put(blockKey(blk.Header.Level, blk.Header.BlockID), data); err != nil {
		return fmt.Errorf("block put: %w", err)
	}
	for _, t := range txs {
		td, err := json.Marshal(t)
		if err != nil {
			return fmt.Errorf("tx marshal %s: %w", t.ID, err)
		}
		if err := batch.Put(txKey(t.ID), td); err != nil {
			return fmt.Errorf("tx index put %s: %w", t.ID, err)
		}
	}
	if err := batch.Put(tailKey(blk.Header.Level), tail); err != nil {
		return fmt.Errorf("tail put: %w", err)
	}
	if err := batch.Commit(); err != nil {
		return fmt.Errorf("block commit: %w", err)
	}
	return nil
}

// GetBlock retrieves this chain's block at level by id.
func (bs *BlockStore) GetBlock(level types.Level, id uint64) (*block.Block, error) {
	data, err := bs.db.Get(blockKey(level, id))
	if err != nil {
		return nil, fmt.Errorf("block get: %w", err)
	}
	var blk block.Block
	if err := json.Unmarshal(data, &blk); err != nil {
		return nil, fmt.Errorf("block unmarshal: %w", err)
	}
	return &blk, nil
}

// HasBlock checks if a block exists at level.
func (bs *BlockStore) HasBlock(level types.Level, id uint64) (bool, error) {
	return bs.db.Has(blockKey(level, id))
}

// Tail returns the last block at level, or the zero Tail on a fresh chain.
func (bs *BlockStore) Tail(level types.Level) (Tail, error) {
	data, err := bs.db.Get(tailKey(level))
	if errors.Is(err, storage.ErrNotFound) {
		return Tail{}, nil
	}
	if err != nil {
		return Tail{}, fmt.Errorf("tail get: %w", err)
	}
	var t Tail
	if err := json.Unmarshal(data, &t); err != nil {
		return Tail{}, fmt.Errorf("corrupt tail: %w", err)
	}
	return t, nil
}

// PutTransaction records a submitted transaction.
func (bs *BlockStore) PutTransaction(t *tx.Transaction) error {
	data, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("tx marshal: %w", err)
	}
	return bs.db.Put(txKey(t.ID), data)
}

// GetTransaction returns the transaction record for id.
func (bs *BlockStore) GetTransaction(id string) (*tx.Transaction, error) {
	data, err := bs.db.Get(txKey(id))
	if err != nil {
		return nil, fmt.Errorf("tx get: %w", err)
	}
	var t tx.Transaction
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("tx unmarshal: %w", err)
	}
	return &t, nil
}

// Included reports whether transaction id is already part of a block.
func (bs *BlockStore) Included(id string) (bool, error) {
	t, err := bs.GetTransaction(id)
	if errors.Is(err, storage.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return t.BlockID != 0, nil
}

// AdvanceTransactions moves the transactions of L1 block blockID to status.
// Transactions already past status are left alone.
func (bs *BlockStore) AdvanceTransactions(blockID uint64, status tx.Status) (int, error) {
	blk, err := bs.GetBlock(types.L1, blockID)
	if err != nil {
		return 0, err
	}
	batch := bs.db.NewBatch()
	defer batch.Discard()

	n := 0
	for _, bt := range blk.L1.Transactions {
		t, err := bs.GetTransaction(bt.ID)
		if err != nil {
			return 0, err
		}
		if t.Status == status || !t.Advance(status, 0) {
			continue
		}
		data, err := json.Marshal(t)
		if err != nil {
			return 0, err
		}
		if err := batch.Put(txKey(t.ID), data); err != nil {
			return 0, err
		}
		n++
	}
	if err := batch.Commit(); err != nil {
		return 0, fmt.Errorf("advance transactions: %w", err)
	}
	return n, nil
}

func blockKey(level types.Level, id uint64) []byte {
	key := make([]byte, len(prefixBlock)+1+8)
	copy(key, prefixBlock)
	key[len(prefixBlock)] = byte(level)
	binary.BigEndian.PutUint64(key[len(prefixBlock)+1:], id)
	return key
}

func txKey(id string) []byte {
	return append(append([]byte{}, prefixTx...), id...)
}

func tailKey(level types.Level) []byte {
	return append(append([]byte{}, prefixTail...), byte(level))
}
