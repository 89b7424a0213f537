package kvstore_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"floortrader/internal/kvstore"
)

// ============================================================================
// Test: Memory store
// ============================================================================

func TestMemory_CreateOnlyIfAbsent(t *testing.T) {
	ctx := context.Background()
	m := kvstore.NewMemory(0)

	rev, err := m.Create(ctx, "lock.publisher.req-1", []byte("worker-1"))
	if err != nil {
		t.Fatal(err)
	}
	if rev == 0 {
		t.Error("create should return a non-zero revision")
	}

	if _, err := m.Create(ctx, "lock.publisher.req-1", []byte("worker-2")); !errors.Is(err, kvstore.ErrExists) {
		t.Errorf("got %v, want ErrExists", err)
	}

	value, gotRev, err := m.Get(ctx, "lock.publisher.req-1")
	if err != nil {
		t.Fatal(err)
	}
	if string(value) != "worker-1" || gotRev != rev {
		t.Errorf("got %q rev %d, want the first writer's value", value, gotRev)
	}
}

func TestMemory_UpdateRequiresMatchingRevision(t *testing.T) {
	ctx := context.Background()
	m := kvstore.NewMemory(0)

	rev, err := m.Create(ctx, "k", []byte("v1"))
	if err != nil {
		t.Fatal(err)
	}

	if _, err := m.Update(ctx, "k", []byte("v2"), rev+100); !errors.Is(err, kvstore.ErrRevisionMismatch) {
		t.Errorf("got %v, want ErrRevisionMismatch", err)
	}

	rev2, err := m.Update(ctx, "k", []byte("v2"), rev)
	if err != nil {
		t.Fatal(err)
	}
	if rev2 <= rev {
		t.Errorf("revision did not advance: %d -> %d", rev, rev2)
	}
	// The old revision is now stale.
	if _, err := m.Update(ctx, "k", []byte("v3"), rev); !errors.Is(err, kvstore.ErrRevisionMismatch) {
		t.Errorf("got %v, want ErrRevisionMismatch on the stale revision", err)
	}

	if _, err := m.Update(ctx, "missing", []byte("v"), 1); !errors.Is(err, kvstore.ErrNotFound) {
		t.Errorf("got %v, want ErrNotFound", err)
	}
}

func TestMemory_GetMissing(t *testing.T) {
	m := kvstore.NewMemory(0)
	if _, _, err := m.Get(context.Background(), "missing"); !errors.Is(err, kvstore.ErrNotFound) {
		t.Errorf("got %v, want ErrNotFound", err)
	}
}

func TestMemory_DeleteIsIdempotent(t *testing.T) {
	ctx := context.Background()
	m := kvstore.NewMemory(0)
	if _, err := m.Put(ctx, "k", []byte("v")); err != nil {
		t.Fatal(err)
	}
	if err := m.Delete(ctx, "k", 0); err != nil {
		t.Fatal(err)
	}
	if err := m.Delete(ctx, "k", 0); err != nil {
		t.Error("deleting an absent key should not fail")
	}
}

func TestMemory_DeleteRevisionGuard(t *testing.T) {
	ctx := context.Background()
	m := kvstore.NewMemory(0)
	rev, err := m.Create(ctx, "lock", []byte("worker-1"))
	if err != nil {
		t.Fatal(err)
	}

	// A stale revision must not remove the current holder's entry.
	if err := m.Delete(ctx, "lock", rev+100); !errors.Is(err, kvstore.ErrRevisionMismatch) {
		t.Errorf("got %v, want ErrRevisionMismatch", err)
	}
	if _, _, err := m.Get(ctx, "lock"); err != nil {
		t.Fatalf("entry should survive the guarded delete: %v", err)
	}

	if err := m.Delete(ctx, "lock", rev); err != nil {
		t.Fatal(err)
	}
	if _, _, err := m.Get(ctx, "lock"); !errors.Is(err, kvstore.ErrNotFound) {
		t.Errorf("got %v, want ErrNotFound after the matching delete", err)
	}

	// Guarded delete of an absent key stays idempotent.
	if err := m.Delete(ctx, "lock", rev); err != nil {
		t.Errorf("guarded delete of an absent key should not fail: %v", err)
	}
}

func TestMemory_ValueIsCopied(t *testing.T) {
	ctx := context.Background()
	m := kvstore.NewMemory(0)
	buf := []byte("worker-1")
	if _, err := m.Put(ctx, "k", buf); err != nil {
		t.Fatal(err)
	}
	buf[0] = 'x'
	value, _, _ := m.Get(ctx, "k")
	if string(value) != "worker-1" {
		t.Error("store must not alias the caller's buffer")
	}
}

// ============================================================================
// Test: TTL expiry
// ============================================================================

func TestMemory_TTLExpiry(t *testing.T) {
	ctx := context.Background()
	m := kvstore.NewMemory(30 * time.Second)
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	m.SetClock(func() time.Time { return now })

	rev, err := m.Create(ctx, "lock", []byte("worker-1"))
	if err != nil {
		t.Fatal(err)
	}

	now = now.Add(29 * time.Second)
	if _, _, err := m.Get(ctx, "lock"); err != nil {
		t.Errorf("entry inside the TTL should be live: %v", err)
	}

	now = now.Add(2 * time.Second)
	if _, _, err := m.Get(ctx, "lock"); !errors.Is(err, kvstore.ErrNotFound) {
		t.Errorf("got %v, want expiry after the TTL", err)
	}

	// The key is free again: another writer may create it.
	if _, err := m.Create(ctx, "lock", []byte("worker-2")); err != nil {
		t.Errorf("expired key should be creatable: %v", err)
	}
	// The old holder's revision no longer matches anything.
	if _, err := m.Update(ctx, "lock", []byte("worker-1"), rev); !errors.Is(err, kvstore.ErrRevisionMismatch) {
		t.Errorf("got %v, want ErrRevisionMismatch for the evicted holder", err)
	}
}

func TestMemory_UpdateRefreshesTTL(t *testing.T) {
	ctx := context.Background()
	m := kvstore.NewMemory(30 * time.Second)
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	m.SetClock(func() time.Time { return now })

	rev, err := m.Create(ctx, "lock", []byte("worker-1"))
	if err != nil {
		t.Fatal(err)
	}

	// Refresh at 20s pushes expiry out to 50s.
	now = now.Add(20 * time.Second)
	if rev, err = m.Update(ctx, "lock", []byte("worker-1"), rev); err != nil {
		t.Fatal(err)
	}
	now = now.Add(25 * time.Second)
	if _, err := m.Update(ctx, "lock", []byte("worker-1"), rev); err != nil {
		t.Errorf("refreshed lock should still be live: %v", err)
	}
}

func TestMemory_ZeroTTLNeverExpires(t *testing.T) {
	ctx := context.Background()
	m := kvstore.NewMemory(0)
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	m.SetClock(func() time.Time { return now })

	if _, err := m.Create(ctx, "k", []byte("v")); err != nil {
		t.Fatal(err)
	}
	now = now.Add(24 * time.Hour)
	if _, _, err := m.Get(ctx, "k"); err != nil {
		t.Errorf("zero TTL should disable expiry: %v", err)
	}
}
