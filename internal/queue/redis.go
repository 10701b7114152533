package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/Klingon-tech/dragonnet-node/internal/log"
	"github.com/redis/go-redis/v9"
)

// DefaultRedisNamespace is the key prefix for the incoming and processing
// lists.
const DefaultRedisNamespace = "dc:tx"

// Redis is a Queue backed by two Redis lists. Items move between them with
// LMOVE, which is atomic per item, so a crash mid-drain leaves every item
// in exactly one list.
type Redis struct {
	client     *redis.Client
	incoming   string
	processing string
	guard      drainGuard
	now        func() time.Time
}

// NewRedis connects to url and recovers any in-flight items. An empty
// namespace uses DefaultRedisNamespace.
func NewRedis(ctx context.Context, url, namespace string) (*Redis, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	if namespace == "" {
		namespace = DefaultRedisNamespace
	}
	q := &Redis{
		client:     client,
		incoming:   namespace + ":incoming",
		processing: namespace + ":processing",
		now:        time.Now,
	}
	if err := q.Recover(ctx); err != nil {
		client.Close()
		return nil, err
	}
	return q, nil
}

// Enqueue appends item to the incoming list.
func (q *Redis) Enqueue(ctx context.Context, item *Item) error {
	if err := item.validate(); err != nil {
		return err
	}
	data, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("encode item: %w", err)
	}
	if err := q.client.RPush(ctx, q.incoming, data).Err(); err != nil {
		return fmt.Errorf("enqueue: %w", err)
	}
	return nil
}

// DrainForBlock moves up to limit items into the processing list. The
// number of items to move is fixed by LLEN before the first move, so items
// pushed during the drain stay queued.
func (q *Redis) DrainForBlock(ctx context.Context, limit int) ([]*Item, error) {
	if err := q.guard.acquire(); err != nil {
		return nil, err
	}
	items, err := q.drain(ctx, limit)
	if err != nil || len(items) == 0 {
		q.guard.release()
	}
	return items, err
}

func (q *Redis) drain(ctx context.Context, limit int) ([]*Item, error) {
	if err := q.recover(ctx); err != nil {
		return nil, err
	}
	if limit <= 0 {
		return nil, nil
	}

	n, err := q.client.LLen(ctx, q.incoming).Result()
	if err != nil {
		return nil, fmt.Errorf("drain: %w", err)
	}

	now := q.now()
	var items []*Item
	for moved := int64(0); moved < n && len(items) < limit; moved++ {
		raw, err := q.client.LMove(ctx, q.incoming, q.processing, "LEFT", "RIGHT").Result()
		if errors.Is(err, redis.Nil) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("drain: %w", err)
		}

		var item Item
		if err := json.Unmarshal([]byte(raw), &item); err != nil {
			log.Queue.Warn().Err(err).Msg("Dropping undecodable queue item")
			q.client.LRem(ctx, q.processing, 1, raw)
			continue
		}
		if item.Expired(now) {
			log.Queue.Warn().Str("item", item.ID()).Msg("Dropping expired verification request")
			q.client.LRem(ctx, q.processing, 1, raw)
			continue
		}
		items = append(items, &item)
	}
	return items, nil
}

// ClearProcessing deletes the processing list and ends the drain.
func (q *Redis) ClearProcessing(ctx context.Context) error {
	if err := q.client.Del(ctx, q.processing).Err(); err != nil {
		return fmt.Errorf("clear processing: %w", err)
	}
	q.guard.release()
	return nil
}

// Ack trims the n oldest items off the processing list. Drained items are
// appended in order, so they are the ones returned first by the drain.
func (q *Redis) Ack(ctx context.Context, n int) error {
	if n <= 0 {
		return nil
	}
	if err := q.client.LTrim(ctx, q.processing, int64(n), -1).Err(); err != nil {
		return fmt.Errorf("ack: %w", err)
	}
	return nil
}

// Requeue returns the processing list to the head of the queue and ends
// the drain.
func (q *Redis) Requeue(ctx context.Context) error {
	defer q.guard.release()
	return q.recover(ctx)
}

// Recover moves items left in the processing list back to the head of the
// incoming list, preserving their order.
func (q *Redis) Recover(ctx context.Context) error {
	if q.guard.busy() {
		return ErrDrainInProgress
	}
	return q.recover(ctx)
}

func (q *Redis) recover(ctx context.Context) error {
	moved := 0
	for {
		// Taking from the tail and pushing to the head keeps the order.
		err := q.client.LMove(ctx, q.processing, q.incoming, "RIGHT", "LEFT").Err()
		if errors.Is(err, redis.Nil) {
			break
		}
		if err != nil {
			return fmt.Errorf("recover: %w", err)
		}
		moved++
	}
	if moved > 0 {
		log.Queue.Info().Int("items", moved).Msg("Recovered in-flight queue items")
	}
	return nil
}

// Len returns the number of incoming items.
func (q *Redis) Len(ctx context.Context) (int, error) {
	n, err := q.client.LLen(ctx, q.incoming).Result()
	return int(n), err
}

// Close closes the Redis client.
func (q *Redis) Close() error {
	return q.client.Close()
}
