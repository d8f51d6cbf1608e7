// Package memory provides an in-memory AccountRepository. It is safe for
// concurrent use and is primarily intended for tests and local development.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/R3E-Network/accountpool/internal/domain/account"
	"github.com/R3E-Network/accountpool/internal/storage"
)

// Repository is the in-memory implementation of storage.AccountRepository.
type Repository struct {
	mu       sync.RWMutex
	accounts map[string]account.Account
}

var _ storage.AccountRepository = (*Repository)(nil)

// New creates an empty repository.
func New() *Repository {
	return &Repository{accounts: make(map[string]account.Account)}
}

func cloneAccount(a account.Account) account.Account {
	if a.TargetUsage != nil {
		usage := make(map[string]account.TargetUsage, len(a.TargetUsage))
		for id, tu := range a.TargetUsage {
			usage[id] = tu
		}
		a.TargetUsage = usage
	}
	return a
}

func (r *Repository) CreateAccount(_ context.Context, acct account.Account) (account.Account, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if acct.ID == "" {
		acct.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	acct.CreatedAt = now
	acct.UpdatedAt = now
	if acct.Status == "" {
		acct.Status = account.StatusActive
	}
	if acct.ResetAt.IsZero() {
		acct.ResetAt = account.NextReset(now)
	}

	r.accounts[acct.ID] = cloneAccount(acct)
	return cloneAccount(acct), nil
}

func (r *Repository) GetAccount(_ context.Context, id string) (account.Account, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	acct, ok := r.accounts[id]
	if !ok {
		return account.Account{}, storage.ErrNotFound
	}
	return cloneAccount(acct), nil
}

func (r *Repository) GetEligibleAccounts(_ context.Context, userID string) ([]account.Account, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var result []account.Account
	for _, acct := range r.accounts {
		if acct.UserID != userID || acct.Status == account.StatusDisabled {
			continue
		}
		result = append(result, cloneAccount(acct))
	}
	return result, nil
}

func (r *Repository) UpdateAccount(_ context.Context, acct account.Account) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	existing, ok := r.accounts[acct.ID]
	if !ok {
		return storage.ErrNotFound
	}
	acct.CreatedAt = existing.CreatedAt
	acct.UpdatedAt = time.Now().UTC()
	r.accounts[acct.ID] = cloneAccount(acct)
	return nil
}

func (r *Repository) IncrementUsage(_ context.Context, id string, delta account.UsageDelta) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	acct, ok := r.accounts[id]
	if !ok {
		return storage.ErrNotFound
	}
	acct = account.ApplyUsage(acct, delta)
	acct.UpdatedAt = time.Now().UTC()
	r.accounts[id] = acct
	return nil
}

func (r *Repository) TouchLastUsed(_ context.Context, id string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	acct, ok := r.accounts[id]
	if !ok {
		return storage.ErrNotFound
	}
	acct.LastUsedAt = at
	acct.UpdatedAt = time.Now().UTC()
	r.accounts[id] = acct
	return nil
}

func (r *Repository) SetStatus(_ context.Context, id string, status account.Status, floodWaitUntil, blockedUntil *time.Time, bumpErrorCount bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	acct, ok := r.accounts[id]
	if !ok {
		return storage.ErrNotFound
	}
	acct.Status = status
	acct.FloodWaitUntil = floodWaitUntil
	acct.BlockedUntil = blockedUntil
	if bumpErrorCount {
		acct.ErrorCount++
	}
	acct.UpdatedAt = time.Now().UTC()
	r.accounts[id] = acct
	return nil
}

func (r *Repository) ResetErrorCount(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	acct, ok := r.accounts[id]
	if !ok {
		return storage.ErrNotFound
	}
	acct.ErrorCount = 0
	acct.UpdatedAt = time.Now().UTC()
	r.accounts[id] = acct
	return nil
}

func (r *Repository) ListDueForReset(_ context.Context, asOf time.Time) ([]account.Account, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var result []account.Account
	for _, acct := range r.accounts {
		if acct.Status == account.StatusDisabled {
			continue
		}
		if !acct.ResetAt.IsZero() && !acct.ResetAt.After(asOf) {
			result = append(result, cloneAccount(acct))
		}
	}
	return result, nil
}
