// Package allocator hands out pool accounts to client services. It combines
// the repository's durable candidate state with the distributed lease store,
// scores candidates to spread load, and returns self-expiring leases.
package allocator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/R3E-Network/accountpool/internal/domain/account"
	"github.com/R3E-Network/accountpool/internal/floodban"
	"github.com/R3E-Network/accountpool/internal/lease"
	"github.com/R3E-Network/accountpool/internal/ratelimit"
	"github.com/R3E-Network/accountpool/internal/storage"
	"github.com/R3E-Network/accountpool/pkg/logger"
)

// ErrNoAccounts is returned when no eligible account can be leased right now.
// Callers should treat it as "try later", not as a failure.
var ErrNoAccounts = errors.New("allocator: no accounts available")

const (
	// DefaultLeaseTTL applies when the caller does not specify a timeout.
	DefaultLeaseTTL = 30 * time.Minute

	// maxAcquireAttempts bounds the lock-acquisition retry when concurrent
	// allocators race for the same candidates.
	maxAcquireAttempts = 3
)

// Request describes one allocation attempt.
type Request struct {
	UserID      string
	Purpose     account.Action
	Service     string
	LeaseTTL    time.Duration
	PreferredID string
	TargetID    string
}

// Lease is the snapshot handed to the caller on successful allocation.
type Lease struct {
	AccountID   string              `json:"account_id"`
	Handle      string              `json:"handle"`
	AllocatedAt time.Time           `json:"allocated_at"`
	ExpiresAt   time.Time           `json:"expires_at"`
	Ceilings    ratelimit.Limit     `json:"ceilings"`
	UsedToday   int                 `json:"used_today"`
	TotalToday  int                 `json:"total_today"`
	TargetUsage account.TargetUsage `json:"target_usage,omitempty"`
}

// ErrorReport attaches a platform error classification to a release.
type ErrorReport struct {
	Kind    floodban.ErrorKind
	Message string
	Context floodban.ErrorContext
}

// Service allocates and releases pool accounts.
type Service struct {
	repo   storage.AccountRepository
	leases *lease.Store
	limits ratelimit.Limits
	flood  *floodban.Service
	log    *logger.Logger
	now    func() time.Time
}

// NewService creates an allocator over the given collaborators.
func NewService(repo storage.AccountRepository, leases *lease.Store, limits ratelimit.Limits, flood *floodban.Service, log *logger.Logger) *Service {
	if limits == nil {
		limits = ratelimit.DefaultLimits()
	}
	if log == nil {
		log = logger.NewDefault("allocator")
	}
	return &Service{repo: repo, leases: leases, limits: limits, flood: flood, log: log, now: time.Now}
}

// SetClock overrides the time source. Intended for tests.
func (s *Service) SetClock(now func() time.Time) { s.now = now }

// Allocate finds the best eligible account for the request, acquires its
// lease and returns a snapshot. Returns ErrNoAccounts when nothing can be
// leased; races on individual locks are retried against the remaining
// candidates a bounded number of times first.
func (s *Service) Allocate(ctx context.Context, req Request) (Lease, error) {
	if req.LeaseTTL <= 0 {
		req.LeaseTTL = DefaultLeaseTTL
	}
	now := s.now()

	if req.PreferredID != "" {
		if snapshot, ok, err := s.tryPreferred(ctx, req, now); err != nil {
			return Lease{}, err
		} else if ok {
			return snapshot, nil
		}
	}

	candidates, err := s.eligibleCandidates(ctx, req, now)
	if err != nil {
		return Lease{}, err
	}
	if len(candidates) == 0 {
		s.log.Infof("no eligible accounts for user %s purpose %s", req.UserID, req.Purpose)
		return Lease{}, ErrNoAccounts
	}

	s.rank(candidates, req.Purpose, now)

	attempts := 0
	for _, candidate := range candidates {
		if attempts >= maxAcquireAttempts {
			break
		}
		attempts++
		ok, err := s.leases.Acquire(ctx, candidate.ID, req.Service, req.LeaseTTL)
		if err != nil {
			return Lease{}, fmt.Errorf("acquire lease: %w", err)
		}
		if !ok {
			// Raced by a concurrent allocator; move on to the next candidate.
			continue
		}
		return s.issueLease(ctx, candidate, req, now), nil
	}

	s.log.Infof("allocation for user %s lost %d lock races", req.UserID, attempts)
	return Lease{}, ErrNoAccounts
}

// tryPreferred short-circuits allocation when the caller already owns the
// preferred account's lease, letting a long-running operation keep the
// account it was granted.
func (s *Service) tryPreferred(ctx context.Context, req Request, now time.Time) (Lease, bool, error) {
	owner, err := s.leases.Owner(ctx, req.PreferredID)
	if err != nil {
		return Lease{}, false, err
	}
	if owner != req.Service {
		return Lease{}, false, nil
	}

	acct, err := s.repo.GetAccount(ctx, req.PreferredID)
	if errors.Is(err, storage.ErrNotFound) {
		return Lease{}, false, nil
	}
	if err != nil {
		return Lease{}, false, err
	}

	acct = s.normalize(ctx, acct, now)
	if acct.UserID != req.UserID || acct.Status != account.StatusActive {
		return Lease{}, false, nil
	}
	if !s.limits.HasDailyCapacity(acct, req.Purpose, req.TargetID) {
		return Lease{}, false, nil
	}

	ok, err := s.leases.Acquire(ctx, acct.ID, req.Service, req.LeaseTTL)
	if err != nil || !ok {
		return Lease{}, false, err
	}
	return s.issueLease(ctx, acct, req, now), true, nil
}

// eligibleCandidates returns the user's normalized, active, under-quota
// accounts that are not locked by another owner.
func (s *Service) eligibleCandidates(ctx context.Context, req Request, now time.Time) ([]account.Account, error) {
	accounts, err := s.repo.GetEligibleAccounts(ctx, req.UserID)
	if err != nil {
		return nil, fmt.Errorf("query candidates: %w", err)
	}

	candidates := make([]account.Account, 0, len(accounts))
	for _, acct := range accounts {
		acct = s.normalize(ctx, acct, now)
		if acct.Status != account.StatusActive {
			continue
		}
		if !s.limits.HasDailyCapacity(acct, req.Purpose, req.TargetID) {
			continue
		}
		owner, err := s.leases.Owner(ctx, acct.ID)
		if err != nil {
			return nil, fmt.Errorf("check lease owner: %w", err)
		}
		if owner != "" && owner != req.Service {
			continue
		}
		candidates = append(candidates, acct)
	}
	return candidates, nil
}

// normalize applies the lazy staleness rule and persists the cleaned state
// back, best-effort.
func (s *Service) normalize(ctx context.Context, acct account.Account, now time.Time) account.Account {
	normalized, changed := account.Normalize(acct, now)
	if changed {
		if err := s.repo.UpdateAccount(ctx, normalized); err != nil {
			s.log.WithError(err).Warnf("persisting normalized state for account %s", acct.ID)
		}
	}
	return normalized
}

// rank orders candidates best-first: highest score, then lowest cumulative
// usage, then longest idle.
func (s *Service) rank(candidates []account.Account, purpose account.Action, now time.Time) {
	sort.SliceStable(candidates, func(i, j int) bool {
		si, sj := s.score(candidates[i], purpose, now), s.score(candidates[j], purpose, now)
		if si != sj {
			return si > sj
		}
		ti, tj := candidates[i].TotalUsedToday(), candidates[j].TotalUsedToday()
		if ti != tj {
			return ti < tj
		}
		return idleHours(candidates[i], now) > idleHours(candidates[j], now)
	})
}

// score biases selection toward least-loaded, error-free, long-idle accounts.
func (s *Service) score(acct account.Account, purpose account.Action, now time.Time) float64 {
	limit := s.limits.For(purpose)

	usageRatio := 0.0
	if limit.Daily > 0 {
		usageRatio = float64(acct.UsedToday(purpose)) / float64(limit.Daily)
	}

	healthBonus := 0.0
	if acct.ErrorCount == 0 {
		healthBonus = 10
	}

	return (1-usageRatio)*100 + healthBonus + idleHours(acct, now)
}

func idleHours(acct account.Account, now time.Time) float64 {
	if acct.LastUsedAt.IsZero() {
		return 24
	}
	hours := now.Sub(acct.LastUsedAt).Hours()
	if hours > 24 {
		return 24
	}
	if hours < 0 {
		return 0
	}
	return hours
}

// issueLease records last_used_at best-effort and builds the caller snapshot.
// A repository failure here must not cost the caller the lock they just won.
func (s *Service) issueLease(ctx context.Context, acct account.Account, req Request, now time.Time) Lease {
	if err := s.repo.TouchLastUsed(ctx, acct.ID, now); err != nil {
		s.log.WithError(err).Warnf("updating last_used_at for account %s", acct.ID)
	}
	return Lease{
		AccountID:   acct.ID,
		Handle:      acct.Handle,
		AllocatedAt: now,
		ExpiresAt:   now.Add(req.LeaseTTL),
		Ceilings:    s.limits.For(req.Purpose),
		UsedToday:   acct.UsedToday(req.Purpose),
		TotalToday:  acct.TotalUsedToday(),
		TargetUsage: acct.TargetUsageFor(req.TargetID),
	}
}

// Release folds the caller's usage into the durable counters, forwards any
// platform error classification, and finally gives back the lease. The lock
// release always runs, is ownership-checked and idempotent: releasing an
// absent or foreign lock is a no-op.
func (s *Service) Release(ctx context.Context, accountID, service string, delta account.UsageDelta, report *ErrorReport) error {
	defer func() {
		if err := s.leases.Release(ctx, accountID, service); err != nil {
			s.log.WithError(err).Warnf("releasing lease for account %s", accountID)
		}
	}()

	if _, err := s.repo.GetAccount(ctx, accountID); err != nil {
		return err
	}
	if !delta.IsZero() {
		if err := s.repo.IncrementUsage(ctx, accountID, delta); err != nil {
			return fmt.Errorf("record usage on release: %w", err)
		}
	}
	if err := s.repo.TouchLastUsed(ctx, accountID, s.now()); err != nil {
		s.log.WithError(err).Warnf("updating last_used_at for account %s", accountID)
	}

	if report != nil {
		if _, err := s.flood.HandleAccountError(ctx, accountID, report.Kind, report.Message, report.Context); err != nil {
			return fmt.Errorf("handle release error report: %w", err)
		}
	}
	return nil
}

// HandleAccountError forwards a platform error to the flood/ban manager.
func (s *Service) HandleAccountError(ctx context.Context, accountID string, kind floodban.ErrorKind, message string, errCtx floodban.ErrorContext) (floodban.Result, error) {
	return s.flood.HandleAccountError(ctx, accountID, kind, message, errCtx)
}

// ReleaseAll gives back every lease the service holds. Best-effort: per
// account failures are reported, not fatal.
func (s *Service) ReleaseAll(ctx context.Context, service string) ([]string, map[string]error, error) {
	released, failures, err := s.leases.ReleaseAll(ctx, service)
	if err != nil {
		return nil, nil, err
	}
	if len(released) > 0 {
		s.log.Infof("released %d leases for service %s", len(released), service)
	}
	return released, failures, nil
}
