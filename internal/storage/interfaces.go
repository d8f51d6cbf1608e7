// Package storage defines the persistence contract for pool accounts.
// The interface is deliberately narrow and named by intent so the core logic
// stays storage-agnostic and unit-testable with the in-memory fake.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/R3E-Network/accountpool/internal/domain/account"
)

// ErrNotFound is returned when an account does not exist.
var ErrNotFound = errors.New("storage: account not found")

// AccountRepository persists pool accounts and their counters.
type AccountRepository interface {
	// CreateAccount inserts a new pool account.
	CreateAccount(ctx context.Context, acct account.Account) (account.Account, error)

	// GetAccount returns the account by id, or ErrNotFound.
	GetAccount(ctx context.Context, id string) (account.Account, error)

	// GetEligibleAccounts returns the user's accounts that are not disabled.
	// Stale restriction states and overdue daily counters are returned as
	// stored; callers normalize the snapshots.
	GetEligibleAccounts(ctx context.Context, userID string) ([]account.Account, error)

	// UpdateAccount overwrites the account's mutable state (status,
	// restriction timestamps, counters, reset boundary).
	UpdateAccount(ctx context.Context, acct account.Account) error

	// IncrementUsage folds a usage delta into the daily and per-target
	// counters. Counters never decrement.
	IncrementUsage(ctx context.Context, id string, delta account.UsageDelta) error

	// TouchLastUsed records when the account was last handed out or used.
	TouchLastUsed(ctx context.Context, id string, at time.Time) error

	// SetStatus atomically writes the lifecycle status and restriction
	// timestamps, optionally bumping the error counter.
	SetStatus(ctx context.Context, id string, status account.Status, floodWaitUntil, blockedUntil *time.Time, bumpErrorCount bool) error

	// ResetErrorCount zeroes the account's consecutive error counter.
	ResetErrorCount(ctx context.Context, id string) error

	// ListDueForReset returns non-disabled accounts whose reset boundary is
	// at or before asOf.
	ListDueForReset(ctx context.Context, asOf time.Time) ([]account.Account, error)
}
