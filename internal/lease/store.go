// Package lease implements distributed account leases on top of the shared
// cache. The cache's atomic set-if-absent is the sole serialization point:
// at most one owner holds a non-expired lease for an account at any instant.
package lease

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/R3E-Network/accountpool/internal/cache"
)

// ErrNotOwner is returned when an operation requires lease ownership that the
// caller does not hold.
var ErrNotOwner = errors.New("lease: held by another owner")

// Record is the serialized lease value stored in the cache.
type Record struct {
	Owner      string    `json:"owner"`
	AcquiredAt time.Time `json:"acquired_at"`
}

// Store manages account leases.
type Store struct {
	cache cache.Cache
	keys  cache.Keys
	now   func() time.Time
}

// NewStore creates a lease store over the given cache.
func NewStore(c cache.Cache, keys cache.Keys) *Store {
	return &Store{cache: c, keys: keys, now: time.Now}
}

// SetClock overrides the time source. Intended for tests.
func (s *Store) SetClock(now func() time.Time) { s.now = now }

// Acquire attempts to take the lease for accountID on behalf of owner.
// If owner already holds the lease, the TTL is refreshed and the call
// succeeds. Returns false when a different owner holds it.
func (s *Store) Acquire(ctx context.Context, accountID, owner string, ttl time.Duration) (bool, error) {
	record, err := json.Marshal(Record{Owner: owner, AcquiredAt: s.now().UTC()})
	if err != nil {
		return false, err
	}
	key := s.keys.Lease(accountID)

	ok, err := s.cache.SetNX(ctx, key, string(record), ttl)
	if err != nil {
		return false, fmt.Errorf("acquire lease: %w", err)
	}
	if ok {
		return true, nil
	}

	current, err := s.Owner(ctx, accountID)
	if err != nil {
		return false, err
	}
	if current != owner {
		return false, nil
	}
	// Re-acquisition by the same owner refreshes the TTL.
	if err := s.cache.Set(ctx, key, string(record), ttl); err != nil {
		return false, fmt.Errorf("refresh lease: %w", err)
	}
	return true, nil
}

// Owner returns the current lease owner for accountID, "" when unleased.
func (s *Store) Owner(ctx context.Context, accountID string) (string, error) {
	raw, err := s.cache.Get(ctx, s.keys.Lease(accountID))
	if errors.Is(err, cache.ErrMiss) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("read lease: %w", err)
	}
	var record Record
	if err := json.Unmarshal([]byte(raw), &record); err != nil {
		return "", fmt.Errorf("decode lease: %w", err)
	}
	return record.Owner, nil
}

// Release removes the lease for accountID if it is held by owner. Releasing
// an absent lease or one held by somebody else is a no-op: the operation is
// idempotent and never steals another owner's lock. Contention on release is
// low enough that read-then-conditional-delete is acceptable here.
func (s *Store) Release(ctx context.Context, accountID, owner string) error {
	current, err := s.Owner(ctx, accountID)
	if err != nil {
		return err
	}
	if current == "" || current != owner {
		return nil
	}
	if err := s.cache.Del(ctx, s.keys.Lease(accountID)); err != nil {
		return fmt.Errorf("release lease: %w", err)
	}
	return nil
}

// ReleaseAll removes every lease held by owner and returns the released
// account ids. Per-account failures are collected rather than aborting the
// sweep.
func (s *Store) ReleaseAll(ctx context.Context, owner string) ([]string, map[string]error, error) {
	keys, err := s.cache.Scan(ctx, s.keys.LeasePattern())
	if err != nil {
		return nil, nil, fmt.Errorf("scan leases: %w", err)
	}

	var released []string
	failures := make(map[string]error)
	for _, key := range keys {
		accountID := s.keys.LeaseAccountID(key)
		if accountID == "" {
			continue
		}
		current, err := s.Owner(ctx, accountID)
		if err != nil {
			failures[accountID] = err
			continue
		}
		if current != owner {
			continue
		}
		if err := s.cache.Del(ctx, key); err != nil {
			failures[accountID] = err
			continue
		}
		released = append(released, accountID)
	}
	return released, failures, nil
}
