package floodban

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/R3E-Network/accountpool/internal/cache"
	"github.com/R3E-Network/accountpool/internal/domain/account"
	"github.com/R3E-Network/accountpool/internal/ratelimit"
	"github.com/R3E-Network/accountpool/internal/storage"
	"github.com/R3E-Network/accountpool/pkg/logger"
)

const (
	// waitBuffer is added on top of the platform-reported flood wait.
	waitBuffer = 60 * time.Second

	// defaultWait applies when a flood-wait message carries no parseable
	// duration.
	defaultWait = time.Hour

	// blockDuration is how long a peer-flood or temporary ban sidelines
	// an account.
	blockDuration = 24 * time.Hour

	// unknownRetry is the re-check delay for unclassified errors.
	unknownRetry = 30 * time.Minute

	// errorCountWarn is the consecutive-error threshold flagged by health
	// checks.
	errorCountWarn = 3
)

// ErrorContext carries structured caller context for an error report.
type ErrorContext struct {
	Service   string `json:"service,omitempty"`
	Operation string `json:"operation,omitempty"`
	TargetID  string `json:"target_id,omitempty"`
}

// Result describes what HandleAccountError did with the account.
type Result struct {
	NewStatus    account.Status `json:"new_status"`
	RecoveryTime *time.Time     `json:"recovery_time,omitempty"`
	ActionTaken  string         `json:"action_taken"`
	ShouldRetry  bool           `json:"should_retry"`
}

// HealthReport is the read-side diagnostic for one account.
type HealthReport struct {
	Healthy     bool       `json:"healthy"`
	Issues      []string   `json:"issues,omitempty"`
	RecoveryETA *time.Time `json:"recovery_eta,omitempty"`
}

// queueEntry is the recovery queue member payload.
type queueEntry struct {
	AccountID string       `json:"account_id"`
	Kind      RecoveryKind `json:"kind"`
}

// entryRecord is the companion record kept alongside a queue entry.
type entryRecord struct {
	AccountID    string       `json:"account_id"`
	RecoveryTime time.Time    `json:"recovery_time"`
	Kind         RecoveryKind `json:"kind"`
}

// Service classifies platform errors and runs scheduled recoveries.
type Service struct {
	repo   storage.AccountRepository
	cache  cache.Cache
	keys   cache.Keys
	limits ratelimit.Limits
	log    *logger.Logger
	now    func() time.Time
}

// NewService creates a flood/ban manager over the given stores.
func NewService(repo storage.AccountRepository, c cache.Cache, keys cache.Keys, limits ratelimit.Limits, log *logger.Logger) *Service {
	if limits == nil {
		limits = ratelimit.DefaultLimits()
	}
	if log == nil {
		log = logger.NewDefault("floodban")
	}
	return &Service{repo: repo, cache: c, keys: keys, limits: limits, log: log, now: time.Now}
}

// SetClock overrides the time source. Intended for tests.
func (s *Service) SetClock(now func() time.Time) { s.now = now }

// HandleAccountError applies the recovery policy for one classified platform
// error: it writes the new status and restriction timestamp, bumps the error
// counter, and schedules recovery for non-terminal outcomes.
func (s *Service) HandleAccountError(ctx context.Context, accountID string, kind ErrorKind, message string, errCtx ErrorContext) (Result, error) {
	now := s.now()

	acct, err := s.repo.GetAccount(ctx, accountID)
	if err != nil {
		return Result{}, err
	}

	switch kind {
	case ErrorFloodWait:
		wait := parseWaitSeconds(message, defaultWait)
		until := now.Add(wait + waitBuffer)
		if err := s.repo.SetStatus(ctx, accountID, account.StatusFloodWait, &until, nil, true); err != nil {
			return Result{}, fmt.Errorf("set flood wait: %w", err)
		}
		s.scheduleBestEffort(ctx, accountID, until, RecoveryFloodWait)
		s.log.Infof("account %s entering flood wait for %s (service=%s)", accountID, wait+waitBuffer, errCtx.Service)
		return Result{
			NewStatus:    account.StatusFloodWait,
			RecoveryTime: &until,
			ActionTaken:  "flood wait applied",
			ShouldRetry:  true,
		}, nil

	case ErrorPeerFlood, ErrorTempBan:
		until := now.Add(blockDuration)
		if err := s.repo.SetStatus(ctx, accountID, account.StatusBlocked, nil, &until, true); err != nil {
			return Result{}, fmt.Errorf("set blocked: %w", err)
		}
		s.scheduleBestEffort(ctx, accountID, until, RecoveryBlocked)
		s.log.Infof("account %s blocked until %s after %s", accountID, until.Format(time.RFC3339), kind)
		return Result{
			NewStatus:    account.StatusBlocked,
			RecoveryTime: &until,
			ActionTaken:  "account blocked",
			ShouldRetry:  false,
		}, nil

	case ErrorPermBan, ErrorDeactivated, ErrorAuthInvalid:
		if err := s.repo.SetStatus(ctx, accountID, account.StatusDisabled, nil, nil, true); err != nil {
			return Result{}, fmt.Errorf("disable account: %w", err)
		}
		s.log.Warnf("account %s permanently disabled after %s", accountID, kind)
		return Result{
			NewStatus:   account.StatusDisabled,
			ActionTaken: "account disabled",
			ShouldRetry: false,
		}, nil

	default:
		// Unknown errors are treated as transient: bump the counter and keep
		// the account in whatever state it already is. Disabled stays
		// terminal and in-force restriction timestamps stay in force.
		if err := s.repo.SetStatus(ctx, accountID, acct.Status, acct.FloodWaitUntil, acct.BlockedUntil, true); err != nil {
			return Result{}, fmt.Errorf("record unknown error: %w", err)
		}
		result := Result{NewStatus: acct.Status, ActionTaken: "error recorded"}
		if acct.Status == account.StatusActive {
			retryAt := now.Add(unknownRetry)
			s.scheduleBestEffort(ctx, accountID, retryAt, RecoveryAutoMonitoring)
			result.RecoveryTime = &retryAt
			result.ShouldRetry = true
			s.log.Infof("account %s hit unclassified error %q, re-checking in %s", accountID, message, unknownRetry)
		} else {
			s.log.Infof("account %s hit unclassified error %q while %s", accountID, message, acct.Status)
		}
		return result, nil
	}
}

func (s *Service) scheduleBestEffort(ctx context.Context, accountID string, at time.Time, kind RecoveryKind) {
	if err := s.ScheduleAccountRecovery(ctx, accountID, at, kind); err != nil {
		s.log.WithError(err).Warnf("scheduling recovery for account %s", accountID)
	}
}

// ScheduleAccountRecovery enqueues one recovery entry at the given instant,
// plus a companion record for idempotent replay.
func (s *Service) ScheduleAccountRecovery(ctx context.Context, accountID string, at time.Time, kind RecoveryKind) error {
	member, err := json.Marshal(queueEntry{AccountID: accountID, Kind: kind})
	if err != nil {
		return err
	}
	if err := s.cache.ZAdd(ctx, s.keys.RecoveryQueue(), float64(at.Unix()), string(member)); err != nil {
		return fmt.Errorf("enqueue recovery: %w", err)
	}

	record, err := json.Marshal(entryRecord{AccountID: accountID, RecoveryTime: at.UTC(), Kind: kind})
	if err != nil {
		return err
	}
	ttl := at.Sub(s.now()) + time.Hour
	if ttl < time.Hour {
		ttl = time.Hour
	}
	if err := s.cache.Set(ctx, s.keys.RecoveryEntry(accountID), string(record), ttl); err != nil {
		s.log.WithError(err).Warnf("writing recovery record for account %s", accountID)
	}
	return nil
}

// ProcessDueRecoveries pops up to limit due entries and attempts recovery on
// each. The atomic pop guarantees each entry is acted on exactly once even
// when multiple triggers run concurrently. A failed recovery is logged and
// never blocks the rest of the batch; the entry is not re-enqueued, the
// account heals lazily on its next read instead.
func (s *Service) ProcessDueRecoveries(ctx context.Context, limit int) (int, error) {
	now := s.now()
	processed := 0

	for processed < limit {
		entry, ok, err := s.cache.ZPopMin(ctx, s.keys.RecoveryQueue())
		if err != nil {
			return processed, fmt.Errorf("pop recovery queue: %w", err)
		}
		if !ok {
			break
		}
		if entry.Score > float64(now.Unix()) {
			// Not due yet: put it back and stop.
			if err := s.cache.ZAdd(ctx, s.keys.RecoveryQueue(), entry.Score, entry.Member); err != nil {
				s.log.WithError(err).Errorf("re-enqueueing undue recovery entry")
			}
			break
		}
		processed++

		var item queueEntry
		if err := json.Unmarshal([]byte(entry.Member), &item); err != nil {
			s.log.WithError(err).Warnf("dropping malformed recovery entry %q", entry.Member)
			continue
		}
		if err := s.recover(ctx, item, now); err != nil {
			s.log.WithError(err).Warnf("recovering account %s", item.AccountID)
		}
	}
	return processed, nil
}

// recover re-reads the account and transitions it back to active only when
// every restriction timestamp has cleared.
func (s *Service) recover(ctx context.Context, item queueEntry, now time.Time) error {
	defer func() {
		if err := s.cache.Del(ctx, s.keys.RecoveryEntry(item.AccountID)); err != nil {
			s.log.WithError(err).Warnf("removing recovery record for account %s", item.AccountID)
		}
	}()

	acct, err := s.repo.GetAccount(ctx, item.AccountID)
	if err != nil {
		return err
	}
	if acct.Status == account.StatusDisabled {
		return nil
	}

	normalized, _ := account.Normalize(acct, now)
	if normalized.Status != account.StatusActive {
		// A restriction timestamp is still in the future; leave the account
		// alone. It will heal lazily or via a fresh schedule.
		return nil
	}
	if err := s.repo.UpdateAccount(ctx, normalized); err != nil {
		return fmt.Errorf("restore account: %w", err)
	}
	if item.Kind != RecoveryManual {
		if err := s.repo.ResetErrorCount(ctx, item.AccountID); err != nil {
			return fmt.Errorf("reset error count: %w", err)
		}
	}
	s.log.Infof("account %s recovered (%s)", item.AccountID, item.Kind)
	return nil
}

// PendingRecoveries returns the recovery queue depth.
func (s *Service) PendingRecoveries(ctx context.Context) (int64, error) {
	return s.cache.ZCard(ctx, s.keys.RecoveryQueue())
}

// CheckAccountHealth builds a read-side diagnostic for one account. It never
// mutates state: stale restrictions are evaluated against a normalized view
// without persisting it.
func (s *Service) CheckAccountHealth(ctx context.Context, accountID string) (HealthReport, error) {
	acct, err := s.repo.GetAccount(ctx, accountID)
	if err != nil {
		return HealthReport{}, err
	}
	now := s.now()
	normalized, _ := account.Normalize(acct, now)

	var report HealthReport
	switch normalized.Status {
	case account.StatusDisabled:
		report.Issues = append(report.Issues, "account permanently disabled")
	case account.StatusFloodWait:
		report.Issues = append(report.Issues, "account in flood wait")
		report.RecoveryETA = normalized.FloodWaitUntil
	case account.StatusBlocked:
		report.Issues = append(report.Issues, "account blocked")
		report.RecoveryETA = normalized.BlockedUntil
	}

	if normalized.ErrorCount >= errorCountWarn {
		report.Issues = append(report.Issues, fmt.Sprintf("%d consecutive errors", normalized.ErrorCount))
	}
	for _, action := range account.Actions() {
		limit := s.limits.For(action)
		if limit.Daily <= 0 {
			continue
		}
		used := normalized.UsedToday(action)
		if used*10 >= limit.Daily*9 {
			report.Issues = append(report.Issues, fmt.Sprintf("%s usage at %d/%d today", action, used, limit.Daily))
		}
	}

	report.Healthy = len(report.Issues) == 0
	return report, nil
}
