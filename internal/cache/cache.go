// Package cache defines the shared cache abstraction used for distributed
// leases, short-window rate counters and the recovery queue, together with a
// Redis implementation and an in-memory fake for tests.
package cache

import (
	"context"
	"errors"
	"time"
)

// ErrMiss is returned when a key does not exist.
var ErrMiss = errors.New("cache: key not found")

// ZEntry is one member of a time-ordered set.
type ZEntry struct {
	Member string
	Score  float64
}

// Cache is the minimal contract the pool components need from the shared
// cache. All operations are blocking and honour the context.
type Cache interface {
	// Get returns the value for key, or ErrMiss.
	Get(ctx context.Context, key string) (string, error)

	// Set stores value under key with the given TTL (0 means no expiry).
	Set(ctx context.Context, key, value string, ttl time.Duration) error

	// SetNX stores value only if key is absent. Returns true when stored.
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)

	// Del removes key. Removing an absent key is not an error.
	Del(ctx context.Context, key string) error

	// Incr atomically increments the integer at key, creating it at 1 with
	// the given TTL. The TTL is refreshed on every increment.
	Incr(ctx context.Context, key string, ttl time.Duration) (int64, error)

	// ZAdd inserts member with score into the sorted set at key.
	ZAdd(ctx context.Context, key string, score float64, member string) error

	// ZPopMin atomically removes and returns the lowest-scored member.
	// The boolean is false when the set is empty.
	ZPopMin(ctx context.Context, key string) (ZEntry, bool, error)

	// ZCard returns the number of members in the sorted set at key.
	ZCard(ctx context.Context, key string) (int64, error)

	// Scan returns keys matching the glob pattern.
	Scan(ctx context.Context, pattern string) ([]string, error)

	// Ping verifies connectivity.
	Ping(ctx context.Context) error

	// Close releases the underlying connection.
	Close() error
}
