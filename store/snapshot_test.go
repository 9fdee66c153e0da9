package store

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"boardsync/domain"
)

func newTestSnapshot(t *testing.T, ttl time.Duration) (*Snapshot, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewSnapshot(client, ttl), mr
}

func TestSnapshotRoundTrip(t *testing.T) {
	snap, _ := newTestSnapshot(t, time.Hour)
	ctx := context.Background()

	tasks := []domain.Task{
		{ID: "a", Title: "one", Status: domain.StatusTodo, Priority: domain.PriorityHigh},
		{ID: "b", Title: "two", Status: domain.StatusDone, Priority: domain.PriorityLow},
	}
	snap.Save(ctx, "ws1", tasks)

	got, ok := snap.Load(ctx, "ws1")
	if !ok {
		t.Fatal("expected cached snapshot")
	}
	if len(got) != 2 || got[0].ID != "a" || got[1].Status != domain.StatusDone {
		t.Fatalf("unexpected snapshot: %+v", got)
	}
}

func TestSnapshotMissIsNotError(t *testing.T) {
	snap, _ := newTestSnapshot(t, time.Hour)
	if _, ok := snap.Load(context.Background(), "nope"); ok {
		t.Fatal("expected miss")
	}
}

func TestSnapshotCorruptEntryEvicted(t *testing.T) {
	snap, mr := newTestSnapshot(t, time.Hour)
	ctx := context.Background()
	if err := mr.Set(snapshotKey("ws1"), "{not json"); err != nil {
		t.Fatalf("seed: %v", err)
	}

	if _, ok := snap.Load(ctx, "ws1"); ok {
		t.Fatal("corrupt entry should miss")
	}
	if mr.Exists(snapshotKey("ws1")) {
		t.Fatal("corrupt entry should be deleted")
	}
}

func TestSnapshotNilClientDisabled(t *testing.T) {
	snap := NewSnapshot(nil, time.Hour)
	ctx := context.Background()
	snap.Save(ctx, "ws1", []domain.Task{{ID: "a"}})
	if _, ok := snap.Load(ctx, "ws1"); ok {
		t.Fatal("nil client must never hit")
	}
	snap.Evict(ctx, "ws1")
}

func TestSnapshotEvict(t *testing.T) {
	snap, mr := newTestSnapshot(t, time.Hour)
	ctx := context.Background()
	snap.Save(ctx, "ws1", []domain.Task{{ID: "a"}})

	snap.Evict(ctx, "ws1")

	if mr.Exists(snapshotKey("ws1")) {
		t.Fatal("snapshot not evicted")
	}
}
