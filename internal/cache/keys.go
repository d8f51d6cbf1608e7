package cache

import (
	"fmt"
	"time"

	"github.com/R3E-Network/accountpool/internal/domain/account"
)

// Keys builds every cache key the pool uses. Centralizing the schema keeps
// the namespaces consistent across the allocator, rate limiter and recovery
// manager.
type Keys struct {
	prefix string
}

// NewKeys returns a key builder with the given namespace prefix.
// An empty prefix defaults to "accountpool".
func NewKeys(prefix string) Keys {
	if prefix == "" {
		prefix = "accountpool"
	}
	return Keys{prefix: prefix}
}

// Lease is the distributed lock key for an account.
func (k Keys) Lease(accountID string) string {
	return fmt.Sprintf("%s:lease:%s", k.prefix, accountID)
}

// LeasePattern matches every lease key in the namespace.
func (k Keys) LeasePattern() string {
	return fmt.Sprintf("%s:lease:*", k.prefix)
}

// LeaseAccountID extracts the account id from a lease key, "" if it is not one.
func (k Keys) LeaseAccountID(key string) string {
	prefix := fmt.Sprintf("%s:lease:", k.prefix)
	if len(key) <= len(prefix) || key[:len(prefix)] != prefix {
		return ""
	}
	return key[len(prefix):]
}

// Hourly is the per-hour counter key for an account and action kind.
func (k Keys) Hourly(accountID string, action account.Action, at time.Time) string {
	return fmt.Sprintf("%s:hourly:%s:%s:%s", k.prefix, accountID, action, at.Format("2006-01-02-15"))
}

// Cooldown is the last-action marker key for an account and action kind.
func (k Keys) Cooldown(accountID string, action account.Action) string {
	return fmt.Sprintf("%s:cooldown:%s:%s", k.prefix, accountID, action)
}

// Burst is the burst-window marker key for an account and action kind.
func (k Keys) Burst(accountID string, action account.Action) string {
	return fmt.Sprintf("%s:burst:%s:%s", k.prefix, accountID, action)
}

// RecoveryQueue is the time-ordered recovery set.
func (k Keys) RecoveryQueue() string {
	return fmt.Sprintf("%s:recovery:queue", k.prefix)
}

// RecoveryEntry is the companion record for a scheduled recovery.
func (k Keys) RecoveryEntry(accountID string) string {
	return fmt.Sprintf("%s:recovery:entry:%s", k.prefix, accountID)
}
