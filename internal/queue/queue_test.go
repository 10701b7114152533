package queue

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/Klingon-tech/dragonnet-node/internal/storage"
	"github.com/Klingon-tech/dragonnet-node/pkg/block"
	"github.com/Klingon-tech/dragonnet-node/pkg/tx"
	"github.com/google/uuid"
)

// opener returns a fresh queue; reopen returns a second handle on the same
// backing data, as after a restart.
type opener func(t *testing.T) (q Queue, reopen func() Queue)

func txItem(id string) *Item {
	return NewTransactionItem(&tx.Transaction{ID: id, Type: "test", Timestamp: 1, Status: tx.StatusNew})
}

func ids(items []*Item) []string {
	out := make([]string, len(items))
	for i, it := range items {
		out[i] = it.ID()
	}
	return out
}

func expectIDs(t *testing.T, items []*Item, want ...string) {
	t.Helper()
	got := ids(items)
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Fatalf("items = %v, want %v", got, want)
	}
}

func enqueueAll(t *testing.T, q Queue, names ...string) {
	t.Helper()
	for _, n := range names {
		if err := q.Enqueue(context.Background(), txItem(n)); err != nil {
			t.Fatalf("Enqueue(%s): %v", n, err)
		}
	}
}

// testQueue runs the shared test suite against a Queue implementation.
func testQueue(t *testing.T, open opener) {
	t.Helper()
	ctx := context.Background()

	t.Run("DrainCapAndOrder", func(t *testing.T) {
		q, _ := open(t)
		enqueueAll(t, q, "A", "B", "C")

		items, err := q.DrainForBlock(ctx, 2)
		if err != nil {
			t.Fatalf("DrainForBlock: %v", err)
		}
		expectIDs(t, items, "A", "B")

		if _, err := q.DrainForBlock(ctx, 2); !errors.Is(err, ErrDrainInProgress) {
			t.Fatalf("second drain: got %v, want ErrDrainInProgress", err)
		}

		// Enqueued after the snapshot: not part of the first drain.
		enqueueAll(t, q, "D")
		if err := q.ClearProcessing(ctx); err != nil {
			t.Fatalf("ClearProcessing: %v", err)
		}

		items, err = q.DrainForBlock(ctx, 10)
		if err != nil {
			t.Fatalf("DrainForBlock: %v", err)
		}
		expectIDs(t, items, "C", "D")
		if err := q.ClearProcessing(ctx); err != nil {
			t.Fatal(err)
		}
		if n, _ := q.Len(ctx); n != 0 {
			t.Errorf("Len = %d, want 0", n)
		}
	})

	t.Run("EmptyDrainReleases", func(t *testing.T) {
		q, _ := open(t)
		items, err := q.DrainForBlock(ctx, 5)
		if err != nil || len(items) != 0 {
			t.Fatalf("empty drain = %v, %v", items, err)
		}
		enqueueAll(t, q, "A")
		items, err = q.DrainForBlock(ctx, 5)
		if err != nil {
			t.Fatalf("drain after empty drain: %v", err)
		}
		expectIDs(t, items, "A")
	})

	t.Run("RequeueRestoresHead", func(t *testing.T) {
		q, _ := open(t)
		enqueueAll(t, q, "A", "B", "C")
		if _, err := q.DrainForBlock(ctx, 2); err != nil {
			t.Fatal(err)
		}
		if err := q.Recover(ctx); !errors.Is(err, ErrDrainInProgress) {
			t.Fatalf("Recover during drain: got %v, want ErrDrainInProgress", err)
		}
		if err := q.Requeue(ctx); err != nil {
			t.Fatalf("Requeue: %v", err)
		}
		items, err := q.DrainForBlock(ctx, 10)
		if err != nil {
			t.Fatal(err)
		}
		expectIDs(t, items, "A", "B", "C")
	})

	t.Run("AckThenRequeue", func(t *testing.T) {
		q, _ := open(t)
		enqueueAll(t, q, "A", "B", "C", "D")
		if _, err := q.DrainForBlock(ctx, 3); err != nil {
			t.Fatal(err)
		}
		if err := q.Ack(ctx, 2); err != nil {
			t.Fatalf("Ack: %v", err)
		}
		if _, err := q.DrainForBlock(ctx, 1); !errors.Is(err, ErrDrainInProgress) {
			t.Fatalf("drain after Ack: got %v, want ErrDrainInProgress", err)
		}
		if err := q.Requeue(ctx); err != nil {
			t.Fatalf("Requeue: %v", err)
		}
		items, err := q.DrainForBlock(ctx, 10)
		if err != nil {
			t.Fatal(err)
		}
		expectIDs(t, items, "C", "D")
	})

	t.Run("CrashRecovery", func(t *testing.T) {
		q, reopen := open(t)
		enqueueAll(t, q, "A", "B", "C")
		if _, err := q.DrainForBlock(ctx, 2); err != nil {
			t.Fatal(err)
		}

		// Restart without ClearProcessing: nothing may be lost.
		q2 := reopen()
		items, err := q2.DrainForBlock(ctx, 10)
		if err != nil {
			t.Fatalf("drain after restart: %v", err)
		}
		expectIDs(t, items, "A", "B", "C")
	})

	t.Run("ExpiredRequestsDropped", func(t *testing.T) {
		q, _ := open(t)
		expired := NewRequestItem(&block.Request{Deadline: time.Now().Add(-time.Hour).Unix()})
		if err := q.Enqueue(ctx, expired); err != nil {
			t.Fatal(err)
		}
		live := NewRequestItem(&block.Request{Deadline: time.Now().Add(time.Hour).Unix()})
		if err := q.Enqueue(ctx, live); err != nil {
			t.Fatal(err)
		}
		enqueueAll(t, q, "A")

		items, err := q.DrainForBlock(ctx, 2)
		if err != nil {
			t.Fatal(err)
		}
		if len(items) != 2 || items[0].Kind != KindBlock || items[1].ID() != "A" {
			t.Fatalf("items = %v", ids(items))
		}
	})

	t.Run("RejectsInvalidItem", func(t *testing.T) {
		q, _ := open(t)
		if err := q.Enqueue(ctx, &Item{Kind: KindBlock}); !errors.Is(err, ErrInvalidItem) {
			t.Errorf("got %v, want ErrInvalidItem", err)
		}
		if err := q.Enqueue(ctx, &Item{Kind: "other"}); !errors.Is(err, ErrInvalidItem) {
			t.Errorf("got %v, want ErrInvalidItem", err)
		}
	})
}

func TestStore_Memory(t *testing.T) {
	testQueue(t, func(t *testing.T) (Queue, func() Queue) {
		db := storage.NewMemory()
		return openStore(t, db), func() Queue { return openStore(t, db) }
	})
}

func TestStore_Badger(t *testing.T) {
	testQueue(t, func(t *testing.T) (Queue, func() Queue) {
		db, err := storage.NewBadger(t.TempDir())
		if err != nil {
			t.Fatalf("NewBadger: %v", err)
		}
		t.Cleanup(func() { db.Close() })
		pdb := storage.NewPrefixDB(db, []byte("queue/"))
		return openStore(t, pdb), func() Queue { return openStore(t, pdb) }
	})
}

func openStore(t *testing.T, db storage.DB) *Store {
	t.Helper()
	s, err := NewStore(context.Background(), db)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	return s
}

// TestRedis needs a disposable server: DRAGONNET_TEST_REDIS=redis://localhost:6379/15
func TestRedis(t *testing.T) {
	url := os.Getenv("DRAGONNET_TEST_REDIS")
	if url == "" {
		t.Skip("DRAGONNET_TEST_REDIS not set")
	}
	testQueue(t, func(t *testing.T) (Queue, func() Queue) {
		ns := "dctest:" + uuid.NewString()
		open := func() Queue {
			q, err := NewRedis(context.Background(), url, ns)
			if err != nil {
				t.Fatalf("NewRedis: %v", err)
			}
			t.Cleanup(func() {
				q.client.Del(context.Background(), q.incoming, q.processing)
				q.Close()
			})
			return q
		}
		return open(), open
	})
}

func TestItem_Expired(t *testing.T) {
	now := time.Unix(1000, 0)
	if txItem("A").Expired(now) {
		t.Error("transactions never expire")
	}
	item := NewRequestItem(&block.Request{Deadline: 999})
	if !item.Expired(now) {
		t.Error("request past its deadline should be expired")
	}
}
