package ratelimit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/R3E-Network/accountpool/internal/cache"
	"github.com/R3E-Network/accountpool/internal/domain/account"
	"github.com/R3E-Network/accountpool/internal/storage"
	"github.com/R3E-Network/accountpool/pkg/logger"
)

// Denial dimensions reported in decisions.
const (
	DimensionEligibility    = "eligibility"
	DimensionDaily          = "daily"
	DimensionTargetDaily    = "target_daily"
	DimensionTargetLifetime = "target_lifetime"
	DimensionHourly         = "hourly"
	DimensionCooldown       = "cooldown"
	DimensionBurst          = "burst"
	DimensionInternal       = "internal"
)

// Decision is the outcome of a quota check. A denial names the violated
// dimension and, when the violation is time-bound, how long to back off.
type Decision struct {
	Allowed    bool          `json:"allowed"`
	Dimension  string        `json:"dimension,omitempty"`
	Reason     string        `json:"reason,omitempty"`
	RetryAfter time.Duration `json:"retry_after,omitempty"`
	Used       int           `json:"used,omitempty"`
	Limit      int           `json:"limit,omitempty"`
}

func allowed() Decision { return Decision{Allowed: true} }

func denied(dimension, reason string, retryAfter time.Duration, used, limit int) Decision {
	return Decision{
		Allowed:    false,
		Dimension:  dimension,
		Reason:     reason,
		RetryAfter: retryAfter,
		Used:       used,
		Limit:      limit,
	}
}

// burstMarker is the cached burst-window state for one (account, action).
type burstMarker struct {
	Count       int       `json:"count"`
	WindowStart time.Time `json:"window_start"`
}

// Service evaluates and records account usage against the quota table.
type Service struct {
	repo   storage.AccountRepository
	cache  cache.Cache
	keys   cache.Keys
	limits Limits
	log    *logger.Logger
	now    func() time.Time
}

// NewService creates a rate limiter over the given stores.
func NewService(repo storage.AccountRepository, c cache.Cache, keys cache.Keys, limits Limits, log *logger.Logger) *Service {
	if limits == nil {
		limits = DefaultLimits()
	}
	if log == nil {
		log = logger.NewDefault("ratelimit")
	}
	return &Service{repo: repo, cache: c, keys: keys, limits: limits, log: log, now: time.Now}
}

// SetClock overrides the time source. Intended for tests.
func (s *Service) SetClock(now func() time.Time) { s.now = now }

// Limits returns the active quota table.
func (s *Service) Limits() Limits { return s.limits }

// CheckAndReserve evaluates every quota dimension for one prospective action,
// short-circuiting on the first violation. It never blocks waiting for a
// window to clear. Infrastructure failures deny rather than allow: a check
// that cannot reach the cache or repository must not let an action through
// that could trip the platform's real limits.
func (s *Service) CheckAndReserve(ctx context.Context, accountID string, action account.Action, targetID string) (Decision, error) {
	now := s.now()
	limit := s.limits.For(action)

	acct, err := s.repo.GetAccount(ctx, accountID)
	if errors.Is(err, storage.ErrNotFound) {
		return denied(DimensionEligibility, "account not found", 0, 0, 0), nil
	}
	if err != nil {
		s.log.WithError(err).Warnf("quota check failing closed: repository unavailable for account %s", accountID)
		return denied(DimensionInternal, "storage unavailable", 0, 0, 0), nil
	}

	// 1. Eligibility. Stale restriction states are normalized and persisted
	// back so every later reader sees the account as active.
	acct, changed := account.Normalize(acct, now)
	if changed {
		if err := s.repo.UpdateAccount(ctx, acct); err != nil {
			s.log.WithError(err).Warnf("persisting normalized state for account %s", accountID)
		}
	}
	switch acct.Status {
	case account.StatusActive:
	case account.StatusDisabled:
		return denied(DimensionEligibility, "account disabled", 0, 0, 0), nil
	case account.StatusFloodWait:
		return denied(DimensionEligibility, "account in flood wait", restrictionRetry(acct.FloodWaitUntil, now), 0, 0), nil
	case account.StatusBlocked:
		return denied(DimensionEligibility, "account blocked", restrictionRetry(acct.BlockedUntil, now), 0, 0), nil
	default:
		return denied(DimensionEligibility, fmt.Sprintf("unknown status %q", acct.Status), 0, 0, 0), nil
	}

	// 2. Daily ceiling.
	if limit.Daily > 0 {
		if used := acct.UsedToday(action); used >= limit.Daily {
			return denied(DimensionDaily, "daily limit exceeded", acct.ResetAt.Sub(now), used, limit.Daily), nil
		}
	}

	// 3. Per-target ceilings. Lifetime exhaustion is permanent for the
	// (account, target) pair and carries no retry hint.
	if targetID != "" {
		usage := acct.TargetUsageFor(targetID)
		if limit.PerTargetLifetime > 0 && usage.Lifetime >= limit.PerTargetLifetime {
			return denied(DimensionTargetLifetime, "lifetime target limit exhausted", 0, usage.Lifetime, limit.PerTargetLifetime), nil
		}
		if limit.PerTargetDaily > 0 && usage.Today >= limit.PerTargetDaily {
			return denied(DimensionTargetDaily, "daily target limit exceeded", acct.ResetAt.Sub(now), usage.Today, limit.PerTargetDaily), nil
		}
	}

	// 4. Hourly ceiling.
	if limit.Hourly > 0 {
		decision, ok := s.checkHourly(ctx, accountID, action, limit, now)
		if !ok {
			return decision, nil
		}
	}

	// 5. Cooldown.
	if limit.Cooldown > 0 {
		decision, ok := s.checkCooldown(ctx, accountID, action, limit, now)
		if !ok {
			return decision, nil
		}
	}

	// 6. Burst ceiling.
	if limit.Burst > 0 {
		decision, ok := s.checkBurst(ctx, accountID, action, limit, now)
		if !ok {
			return decision, nil
		}
	}

	return allowed(), nil
}

func restrictionRetry(until *time.Time, now time.Time) time.Duration {
	if until == nil || until.Before(now) {
		return 0
	}
	return until.Sub(now)
}

func (s *Service) checkHourly(ctx context.Context, accountID string, action account.Action, limit Limit, now time.Time) (Decision, bool) {
	raw, err := s.cache.Get(ctx, s.keys.Hourly(accountID, action, now))
	if errors.Is(err, cache.ErrMiss) {
		return allowed(), true
	}
	if err != nil {
		s.log.WithError(err).Warnf("quota check failing closed: hourly counter unreadable for account %s", accountID)
		return denied(DimensionInternal, "cache unavailable", 0, 0, 0), false
	}
	used, err := strconv.Atoi(raw)
	if err != nil {
		s.log.Warnf("hourly counter for account %s holds %q, treating as full", accountID, raw)
		used = limit.Hourly
	}
	if used >= limit.Hourly {
		nextHour := now.Truncate(time.Hour).Add(time.Hour)
		return denied(DimensionHourly, "hourly limit exceeded", nextHour.Sub(now), used, limit.Hourly), false
	}
	return allowed(), true
}

func (s *Service) checkCooldown(ctx context.Context, accountID string, action account.Action, limit Limit, now time.Time) (Decision, bool) {
	raw, err := s.cache.Get(ctx, s.keys.Cooldown(accountID, action))
	if errors.Is(err, cache.ErrMiss) {
		return allowed(), true
	}
	if err != nil {
		s.log.WithError(err).Warnf("quota check failing closed: cooldown marker unreadable for account %s", accountID)
		return denied(DimensionInternal, "cache unavailable", 0, 0, 0), false
	}
	last, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		// Unreadable marker: the TTL still bounds the wait.
		return denied(DimensionCooldown, "cooldown in effect", limit.Cooldown, 0, 0), false
	}
	if elapsed := now.Sub(last); elapsed < limit.Cooldown {
		return denied(DimensionCooldown, "cooldown in effect", limit.Cooldown-elapsed, 0, 0), false
	}
	return allowed(), true
}

func (s *Service) checkBurst(ctx context.Context, accountID string, action account.Action, limit Limit, now time.Time) (Decision, bool) {
	raw, err := s.cache.Get(ctx, s.keys.Burst(accountID, action))
	if errors.Is(err, cache.ErrMiss) {
		return allowed(), true
	}
	if err != nil {
		s.log.WithError(err).Warnf("quota check failing closed: burst marker unreadable for account %s", accountID)
		return denied(DimensionInternal, "cache unavailable", 0, 0, 0), false
	}
	var marker burstMarker
	if err := json.Unmarshal([]byte(raw), &marker); err != nil {
		return denied(DimensionBurst, "burst limit in effect", limit.BurstCooldown, 0, 0), false
	}
	if marker.Count >= limit.Burst {
		resume := marker.WindowStart.Add(limit.BurstCooldown)
		if now.Before(resume) {
			return denied(DimensionBurst, "burst limit exceeded", resume.Sub(now), marker.Count, limit.Burst), false
		}
	}
	return allowed(), true
}

// Record counts one attempted action. Attempts increment the durable daily
// and per-target counters whether or not the platform accepted the action:
// the platform counts attempts toward its own limits regardless of outcome.
// Cache window updates are best-effort; losing one under-counts a short
// window but never corrupts durable state.
func (s *Service) Record(ctx context.Context, accountID string, action account.Action, targetID string, success bool) error {
	now := s.now()
	limit := s.limits.For(action)

	// An attempt just past the reset boundary belongs to the new window;
	// normalize first so the increment does not land on counters the next
	// Normalize would zero.
	if acct, err := s.repo.GetAccount(ctx, accountID); err == nil {
		if normalized, changed := account.Normalize(acct, now); changed {
			if err := s.repo.UpdateAccount(ctx, normalized); err != nil {
				s.log.WithError(err).Warnf("persisting normalized state for account %s", accountID)
			}
		}
	}

	delta := usageDelta(action, targetID, limit)
	if !delta.IsZero() {
		if err := s.repo.IncrementUsage(ctx, accountID, delta); err != nil {
			return fmt.Errorf("record usage: %w", err)
		}
	}
	if err := s.repo.TouchLastUsed(ctx, accountID, now); err != nil && !errors.Is(err, storage.ErrNotFound) {
		s.log.WithError(err).Warnf("updating last_used_at for account %s", accountID)
	}
	if success {
		if err := s.repo.ResetErrorCount(ctx, accountID); err != nil && !errors.Is(err, storage.ErrNotFound) {
			s.log.WithError(err).Warnf("resetting error count for account %s", accountID)
		}
	}

	if limit.Hourly > 0 {
		if _, err := s.cache.Incr(ctx, s.keys.Hourly(accountID, action, now), time.Hour); err != nil {
			s.log.WithError(err).Warnf("bumping hourly counter for account %s", accountID)
		}
	}
	if limit.Cooldown > 0 {
		value := now.UTC().Format(time.RFC3339Nano)
		if err := s.cache.Set(ctx, s.keys.Cooldown(accountID, action), value, limit.Cooldown); err != nil {
			s.log.WithError(err).Warnf("setting cooldown marker for account %s", accountID)
		}
	}
	if limit.Burst > 0 {
		s.bumpBurst(ctx, accountID, action, limit, now)
	}
	return nil
}

func usageDelta(action account.Action, targetID string, limit Limit) account.UsageDelta {
	var delta account.UsageDelta
	switch action {
	case account.ActionInvite:
		delta.Invites = 1
	case account.ActionMessage:
		delta.Messages = 1
	case account.ActionContact:
		delta.Contacts = 1
	}
	if targetID != "" && (limit.PerTargetDaily > 0 || limit.PerTargetLifetime > 0) {
		delta.Targets = map[string]int{targetID: 1}
	}
	return delta
}

func (s *Service) bumpBurst(ctx context.Context, accountID string, action account.Action, limit Limit, now time.Time) {
	key := s.keys.Burst(accountID, action)
	marker := burstMarker{Count: 1, WindowStart: now.UTC()}

	raw, err := s.cache.Get(ctx, key)
	if err == nil {
		var existing burstMarker
		if json.Unmarshal([]byte(raw), &existing) == nil {
			// A window that already served its burst cooldown starts over.
			if existing.Count >= limit.Burst && !now.Before(existing.WindowStart.Add(limit.BurstCooldown)) {
				existing = burstMarker{WindowStart: now.UTC()}
			}
			existing.Count++
			if existing.WindowStart.IsZero() {
				existing.WindowStart = now.UTC()
			}
			marker = existing
		}
	} else if !errors.Is(err, cache.ErrMiss) {
		s.log.WithError(err).Warnf("reading burst marker for account %s", accountID)
		return
	}

	encoded, err := json.Marshal(marker)
	if err != nil {
		return
	}
	if err := s.cache.Set(ctx, key, string(encoded), limit.BurstCooldown); err != nil {
		s.log.WithError(err).Warnf("setting burst marker for account %s", accountID)
	}
}

// ResetDailyCounters zeroes overdue daily counters and advances each
// account's reset boundary. Idempotent: a second invocation after the
// boundary finds nothing due and affects zero rows.
func (s *Service) ResetDailyCounters(ctx context.Context, asOf time.Time) (int, error) {
	due, err := s.repo.ListDueForReset(ctx, asOf)
	if err != nil {
		return 0, fmt.Errorf("list due for reset: %w", err)
	}

	affected := 0
	for _, acct := range due {
		normalized, changed := account.Normalize(acct, asOf)
		if !changed {
			continue
		}
		if err := s.repo.UpdateAccount(ctx, normalized); err != nil {
			s.log.WithError(err).Warnf("resetting daily counters for account %s", acct.ID)
			continue
		}
		affected++
	}
	return affected, nil
}
