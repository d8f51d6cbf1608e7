package lease

import (
	"context"
	"testing"
	"time"

	"github.com/R3E-Network/accountpool/internal/cache"
)

func newStore(t *testing.T) (*Store, *cache.Memory) {
	t.Helper()
	mem := cache.NewMemory()
	return NewStore(mem, cache.NewKeys("")), mem
}

func TestAcquireMutualExclusion(t *testing.T) {
	ctx := context.Background()
	store, _ := newStore(t)

	ok, err := store.Acquire(ctx, "acct-1", "invite-service", 30*time.Minute)
	if err != nil || !ok {
		t.Fatalf("first acquire: ok=%v err=%v", ok, err)
	}
	ok, err = store.Acquire(ctx, "acct-1", "parser-service", 30*time.Minute)
	if err != nil {
		t.Fatalf("second acquire: %v", err)
	}
	if ok {
		t.Fatalf("a second owner must not acquire a held lease")
	}

	owner, err := store.Owner(ctx, "acct-1")
	if err != nil || owner != "invite-service" {
		t.Fatalf("owner=%q err=%v", owner, err)
	}
}

func TestAcquireRefreshesOwnLease(t *testing.T) {
	ctx := context.Background()
	mem := cache.NewMemory()
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	mem.SetClock(func() time.Time { return now })
	store := NewStore(mem, cache.NewKeys(""))
	store.SetClock(func() time.Time { return now })

	if ok, _ := store.Acquire(ctx, "acct-1", "invite-service", 10*time.Minute); !ok {
		t.Fatalf("initial acquire failed")
	}

	// Re-acquire just before expiry; the TTL must restart from here.
	now = now.Add(9 * time.Minute)
	if ok, err := store.Acquire(ctx, "acct-1", "invite-service", 10*time.Minute); err != nil || !ok {
		t.Fatalf("re-acquire: ok=%v err=%v", ok, err)
	}

	now = now.Add(9 * time.Minute)
	owner, err := store.Owner(ctx, "acct-1")
	if err != nil || owner != "invite-service" {
		t.Fatalf("lease should still be held after refresh, owner=%q err=%v", owner, err)
	}
}

func TestLeaseExpiryReclaims(t *testing.T) {
	ctx := context.Background()
	mem := cache.NewMemory()
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	mem.SetClock(func() time.Time { return now })
	store := NewStore(mem, cache.NewKeys(""))

	if ok, _ := store.Acquire(ctx, "acct-1", "invite-service", 10*time.Minute); !ok {
		t.Fatalf("acquire failed")
	}
	now = now.Add(11 * time.Minute)
	if ok, err := store.Acquire(ctx, "acct-1", "parser-service", 10*time.Minute); err != nil || !ok {
		t.Fatalf("expired lease must be reclaimable: ok=%v err=%v", ok, err)
	}
}

func TestReleaseOwnershipSafety(t *testing.T) {
	ctx := context.Background()
	store, _ := newStore(t)

	if ok, _ := store.Acquire(ctx, "acct-1", "serviceA", 30*time.Minute); !ok {
		t.Fatalf("acquire failed")
	}

	// Release by a non-owner must not delete serviceA's lock and must not error.
	if err := store.Release(ctx, "acct-1", "serviceB"); err != nil {
		t.Fatalf("foreign release must be a no-op, got %v", err)
	}
	if owner, _ := store.Owner(ctx, "acct-1"); owner != "serviceA" {
		t.Fatalf("lock must remain with serviceA, got %q", owner)
	}

	// Owner release, then a second release, are both safe.
	if err := store.Release(ctx, "acct-1", "serviceA"); err != nil {
		t.Fatalf("release: %v", err)
	}
	if err := store.Release(ctx, "acct-1", "serviceA"); err != nil {
		t.Fatalf("double release must be a no-op, got %v", err)
	}
	if owner, _ := store.Owner(ctx, "acct-1"); owner != "" {
		t.Fatalf("lease should be gone, got %q", owner)
	}
}

func TestReleaseAll(t *testing.T) {
	ctx := context.Background()
	store, _ := newStore(t)

	for _, id := range []string{"a1", "a2", "a3"} {
		if ok, _ := store.Acquire(ctx, id, "serviceA", time.Hour); !ok {
			t.Fatalf("acquire %s failed", id)
		}
	}
	if ok, _ := store.Acquire(ctx, "b1", "serviceB", time.Hour); !ok {
		t.Fatalf("acquire b1 failed")
	}

	released, failures, err := store.ReleaseAll(ctx, "serviceA")
	if err != nil {
		t.Fatalf("release all: %v", err)
	}
	if len(released) != 3 || len(failures) != 0 {
		t.Fatalf("expected 3 released and no failures, got %v / %v", released, failures)
	}
	if owner, _ := store.Owner(ctx, "b1"); owner != "serviceB" {
		t.Fatalf("other owners must be untouched, got %q", owner)
	}
}
