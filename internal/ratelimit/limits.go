// Package ratelimit enforces the multi-window quotas the remote platform
// imposes on pool accounts: daily and per-target ceilings live in the
// repository, hour/cooldown/burst windows live in the shared cache.
package ratelimit

import (
	"time"

	"gopkg.in/yaml.v3"

	"github.com/R3E-Network/accountpool/internal/domain/account"
)

// Limit is the quota tuple for one action kind. A zero value in any dimension
// disables that dimension.
type Limit struct {
	Daily             int           `yaml:"daily" json:"daily"`
	Hourly            int           `yaml:"hourly" json:"hourly"`
	PerTargetDaily    int           `yaml:"per_target_daily" json:"per_target_daily"`
	PerTargetLifetime int           `yaml:"per_target_lifetime" json:"per_target_lifetime"`
	Cooldown          time.Duration `yaml:"cooldown" json:"cooldown"`
	Burst             int           `yaml:"burst" json:"burst"`
	BurstCooldown     time.Duration `yaml:"burst_cooldown" json:"burst_cooldown"`
}

// UnmarshalYAML accepts Go duration strings ("90s", "10m") for the window
// fields.
func (l *Limit) UnmarshalYAML(value *yaml.Node) error {
	var aux struct {
		Daily             int    `yaml:"daily"`
		Hourly            int    `yaml:"hourly"`
		PerTargetDaily    int    `yaml:"per_target_daily"`
		PerTargetLifetime int    `yaml:"per_target_lifetime"`
		Cooldown          string `yaml:"cooldown"`
		Burst             int    `yaml:"burst"`
		BurstCooldown     string `yaml:"burst_cooldown"`
	}
	if err := value.Decode(&aux); err != nil {
		return err
	}

	l.Daily = aux.Daily
	l.Hourly = aux.Hourly
	l.PerTargetDaily = aux.PerTargetDaily
	l.PerTargetLifetime = aux.PerTargetLifetime
	l.Burst = aux.Burst

	var err error
	if l.Cooldown, err = parseDuration(aux.Cooldown); err != nil {
		return err
	}
	if l.BurstCooldown, err = parseDuration(aux.BurstCooldown); err != nil {
		return err
	}
	return nil
}

func parseDuration(s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	return time.ParseDuration(s)
}

// Limits maps each action kind to its quota tuple. New action kinds are added
// by inserting a row, not by branching.
type Limits map[account.Action]Limit

// DefaultLimits returns the platform-safe quota table.
func DefaultLimits() Limits {
	return Limits{
		account.ActionInvite: {
			Daily:             30,
			Hourly:            5,
			PerTargetDaily:    15,
			PerTargetLifetime: 200,
			Cooldown:          60 * time.Second,
			Burst:             3,
			BurstCooldown:     10 * time.Minute,
		},
		account.ActionMessage: {
			Daily:         40,
			Hourly:        10,
			Cooldown:      30 * time.Second,
			Burst:         5,
			BurstCooldown: 5 * time.Minute,
		},
		account.ActionContact: {
			Daily:         15,
			Hourly:        5,
			Cooldown:      45 * time.Second,
			Burst:         3,
			BurstCooldown: 5 * time.Minute,
		},
		account.ActionResolve: {
			Daily:         200,
			Hourly:        40,
			Cooldown:      2 * time.Second,
			Burst:         10,
			BurstCooldown: time.Minute,
		},
	}
}

// For returns the limit row for an action kind, zero when unconfigured.
func (l Limits) For(action account.Action) Limit {
	return l[action]
}

// HasDailyCapacity reports whether the (already normalized) account still has
// daily and per-target headroom for the action. Hour, cooldown and burst
// windows are cache-side and not consulted here.
func (l Limits) HasDailyCapacity(acct account.Account, action account.Action, targetID string) bool {
	limit := l.For(action)
	if limit.Daily > 0 && acct.UsedToday(action) >= limit.Daily {
		return false
	}
	if targetID != "" {
		usage := acct.TargetUsageFor(targetID)
		if limit.PerTargetDaily > 0 && usage.Today >= limit.PerTargetDaily {
			return false
		}
		if limit.PerTargetLifetime > 0 && usage.Lifetime >= limit.PerTargetLifetime {
			return false
		}
	}
	return true
}
