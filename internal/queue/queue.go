// Package queue holds work waiting for the next block: business
// transactions on L1, verification requests on L2 and above.
package queue

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/Klingon-tech/dragonnet-node/pkg/block"
	"github.com/Klingon-tech/dragonnet-node/pkg/tx"
)

// Queue errors.
var (
	ErrDrainInProgress = errors.New("drain already in progress")
	ErrInvalidItem     = errors.New("invalid queue item")
)

// Kind distinguishes L1 transactions from L2+ verification requests.
type Kind string

const (
	KindTransaction Kind = "transaction"
	KindBlock       Kind = "block"
)

// Item is one unit of queued work.
type Item struct {
	Kind        Kind            `json:"kind"`
	Transaction *tx.Transaction `json:"transaction,omitempty"`
	Request     *block.Request  `json:"request,omitempty"`
}

// NewTransactionItem wraps a transaction for the L1 queue.
func NewTransactionItem(t *tx.Transaction) *Item {
	return &Item{Kind: KindTransaction, Transaction: t}
}

// NewRequestItem wraps a verification request for an L2+ queue.
func NewRequestItem(r *block.Request) *Item {
	return &Item{Kind: KindBlock, Request: r}
}

// ID identifies the item in logs: the transaction id or the origin block.
func (i *Item) ID() string {
	switch i.Kind {
	case KindTransaction:
		if i.Transaction != nil {
			return i.Transaction.ID
		}
	case KindBlock:
		if i.Request != nil {
			return i.Request.Origin().String()
		}
	}
	return ""
}

// Expired reports whether a block item's deadline has passed at now.
// Transactions never expire.
func (i *Item) Expired(now time.Time) bool {
	return i.Kind == KindBlock && i.Request != nil && i.Request.Expired(now)
}

func (i *Item) validate() error {
	switch i.Kind {
	case KindTransaction:
		if i.Transaction == nil {
			return fmt.Errorf("%w: transaction item without transaction", ErrInvalidItem)
		}
	case KindBlock:
		if i.Request == nil {
			return fmt.Errorf("%w: block item without request", ErrInvalidItem)
		}
	default:
		return fmt.Errorf("%w: kind %q", ErrInvalidItem, i.Kind)
	}
	return nil
}

// Queue is a durable FIFO with a processing list.
//
// DrainForBlock moves items into the processing list and holds the drain
// until ClearProcessing (block committed) or Requeue (block abandoned).
// Ack drops the first n drained items from the processing list without
// ending the drain, so a later Requeue returns only the rest.
// Recover puts any processing items left by a crash back at the head of the
// queue; it runs on open and inside every drain.
type Queue interface {
	Enqueue(ctx context.Context, item *Item) error
	DrainForBlock(ctx context.Context, limit int) ([]*Item, error)
	ClearProcessing(ctx context.Context) error
	Ack(ctx context.Context, n int) error
	Requeue(ctx context.Context) error
	Recover(ctx context.Context) error
	Len(ctx context.Context) (int, error)
	Close() error
}

// drainGuard allows one outstanding drain at a time.
type drainGuard struct {
	held atomic.Bool
}

func (g *drainGuard) acquire() error {
	if !g.held.CompareAndSwap(false, true) {
		return ErrDrainInProgress
	}
	return nil
}

func (g *drainGuard) release() {
	g.held.Store(false)
}

func (g *drainGuard) busy() bool {
	return g.held.Load()
}
