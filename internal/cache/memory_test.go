package cache

import (
	"context"
	"testing"
	"time"
)

func TestMemorySetNXAndTTL(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	mem := NewMemory()
	mem.SetClock(func() time.Time { return now })

	ok, err := mem.SetNX(ctx, "k", "a", time.Minute)
	if err != nil || !ok {
		t.Fatalf("first SetNX should win: ok=%v err=%v", ok, err)
	}
	ok, err = mem.SetNX(ctx, "k", "b", time.Minute)
	if err != nil || ok {
		t.Fatalf("second SetNX must lose: ok=%v err=%v", ok, err)
	}

	now = now.Add(2 * time.Minute)
	if _, err := mem.Get(ctx, "k"); err != ErrMiss {
		t.Fatalf("expected miss after expiry, got %v", err)
	}
	ok, _ = mem.SetNX(ctx, "k", "c", time.Minute)
	if !ok {
		t.Fatalf("SetNX must win once the previous value expired")
	}
}

func TestMemoryIncr(t *testing.T) {
	ctx := context.Background()
	mem := NewMemory()
	for want := int64(1); want <= 3; want++ {
		got, err := mem.Incr(ctx, "counter", time.Hour)
		if err != nil {
			t.Fatalf("incr: %v", err)
		}
		if got != want {
			t.Fatalf("expected %d, got %d", want, got)
		}
	}
}

func TestMemoryZPopMinOrder(t *testing.T) {
	ctx := context.Background()
	mem := NewMemory()
	_ = mem.ZAdd(ctx, "q", 30, "c")
	_ = mem.ZAdd(ctx, "q", 10, "a")
	_ = mem.ZAdd(ctx, "q", 20, "b")

	for _, want := range []string{"a", "b", "c"} {
		entry, ok, err := mem.ZPopMin(ctx, "q")
		if err != nil || !ok {
			t.Fatalf("pop: ok=%v err=%v", ok, err)
		}
		if entry.Member != want {
			t.Fatalf("expected %s, got %s", want, entry.Member)
		}
	}
	if _, ok, _ := mem.ZPopMin(ctx, "q"); ok {
		t.Fatalf("queue should be drained")
	}
}

func TestMemoryScan(t *testing.T) {
	ctx := context.Background()
	mem := NewMemory()
	_ = mem.Set(ctx, "accountpool:lease:a1", "svc", 0)
	_ = mem.Set(ctx, "accountpool:lease:a2", "svc", 0)
	_ = mem.Set(ctx, "accountpool:cooldown:a1:invite", "x", 0)

	keys, err := mem.Scan(ctx, "accountpool:lease:*")
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if len(keys) != 2 {
		t.Fatalf("expected 2 lease keys, got %v", keys)
	}
}

func TestKeysSchema(t *testing.T) {
	keys := NewKeys("")
	if got := keys.Lease("a1"); got != "accountpool:lease:a1" {
		t.Fatalf("lease key: %s", got)
	}
	if got := keys.LeaseAccountID("accountpool:lease:a1"); got != "a1" {
		t.Fatalf("lease account id: %s", got)
	}
	if got := keys.LeaseAccountID("accountpool:cooldown:a1:invite"); got != "" {
		t.Fatalf("non-lease key must not parse, got %s", got)
	}
	at := time.Date(2026, 3, 10, 14, 5, 0, 0, time.UTC)
	if got := keys.Hourly("a1", "invite", at); got != "accountpool:hourly:a1:invite:2026-03-10-14" {
		t.Fatalf("hourly key: %s", got)
	}
}
