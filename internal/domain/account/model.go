// Package account defines the pool account model and the pure business rules
// applied to it. Rules take an immutable snapshot plus a point in time so they
// can be evaluated without touching storage.
package account

import "time"

// Status is the lifecycle status of a pool account.
type Status string

const (
	// StatusActive marks an account that may be leased.
	StatusActive Status = "active"

	// StatusFloodWait marks an account serving a platform-imposed wait.
	StatusFloodWait Status = "flood_wait"

	// StatusBlocked marks an account under a temporary platform restriction.
	StatusBlocked Status = "blocked"

	// StatusDisabled marks a permanently retired account. Terminal.
	StatusDisabled Status = "disabled"
)

// Action is the kind of platform operation an account performs.
type Action string

const (
	// ActionInvite is the primary invite-like action.
	ActionInvite Action = "invite"

	// ActionMessage is the secondary message-like action.
	ActionMessage Action = "message"

	// ActionContact is the tertiary contact-like action.
	ActionContact Action = "contact"

	// ActionResolve is the lightweight read-only action.
	ActionResolve Action = "resolve"
)

// Actions lists every known action kind.
func Actions() []Action {
	return []Action{ActionInvite, ActionMessage, ActionContact, ActionResolve}
}

// TargetUsage tracks per-target consumption for one account.
type TargetUsage struct {
	Today    int `json:"today"`
	Lifetime int `json:"lifetime"`
}

// Account is the durable pool account record.
type Account struct {
	ID     string `json:"id" db:"id"`
	UserID string `json:"user_id" db:"user_id"`
	Handle string `json:"handle" db:"handle"`

	Status         Status     `json:"status" db:"status"`
	FloodWaitUntil *time.Time `json:"flood_wait_until,omitempty" db:"flood_wait_until"`
	BlockedUntil   *time.Time `json:"blocked_until,omitempty" db:"blocked_until"`

	UsedInvitesToday  int                    `json:"used_invites_today" db:"used_invites_today"`
	UsedMessagesToday int                    `json:"used_messages_today" db:"used_messages_today"`
	UsedContactsToday int                    `json:"used_contacts_today" db:"used_contacts_today"`
	TargetUsage       map[string]TargetUsage `json:"target_usage,omitempty" db:"-"`

	ResetAt    time.Time `json:"reset_at" db:"reset_at"`
	ErrorCount int       `json:"error_count" db:"error_count"`
	LastUsedAt time.Time `json:"last_used_at" db:"last_used_at"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// UsageDelta describes counter increments applied on release or record.
// Negative values are ignored; counters never decrement.
type UsageDelta struct {
	Invites  int            `json:"invites"`
	Messages int            `json:"messages"`
	Contacts int            `json:"contacts"`
	Targets  map[string]int `json:"targets,omitempty"`
}

// IsZero reports whether the delta carries no increments.
func (d UsageDelta) IsZero() bool {
	return d.Invites <= 0 && d.Messages <= 0 && d.Contacts <= 0 && len(d.Targets) == 0
}

// UsedToday returns the account's daily counter for the given action kind.
// Read-only actions have no daily counter and report zero.
func (a Account) UsedToday(action Action) int {
	switch action {
	case ActionInvite:
		return a.UsedInvitesToday
	case ActionMessage:
		return a.UsedMessagesToday
	case ActionContact:
		return a.UsedContactsToday
	default:
		return 0
	}
}

// TotalUsedToday returns the sum of all daily counters.
func (a Account) TotalUsedToday() int {
	return a.UsedInvitesToday + a.UsedMessagesToday + a.UsedContactsToday
}

// TargetUsageFor returns the per-target counters for a target, zero if unseen.
func (a Account) TargetUsageFor(targetID string) TargetUsage {
	if a.TargetUsage == nil {
		return TargetUsage{}
	}
	return a.TargetUsage[targetID]
}

// NextReset returns the next daily reset boundary after now, which is the
// upcoming midnight in now's location.
func NextReset(now time.Time) time.Time {
	y, m, d := now.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, now.Location()).AddDate(0, 0, 1)
}

// Normalize returns the account as it should be seen at the given instant,
// clearing restriction states whose expiry has passed and zeroing daily
// counters once the reset boundary is crossed. This is the single definition
// of the staleness rule; every read path goes through it. The second return
// reports whether the snapshot differs from the stored record and should be
// persisted back.
func Normalize(a Account, now time.Time) (Account, bool) {
	changed := false

	if a.FloodWaitUntil != nil && !now.Before(*a.FloodWaitUntil) {
		a.FloodWaitUntil = nil
		changed = true
	}
	if a.BlockedUntil != nil && !now.Before(*a.BlockedUntil) {
		a.BlockedUntil = nil
		changed = true
	}
	if (a.Status == StatusFloodWait || a.Status == StatusBlocked) &&
		a.FloodWaitUntil == nil && a.BlockedUntil == nil {
		a.Status = StatusActive
		changed = true
	}

	if !a.ResetAt.IsZero() && !now.Before(a.ResetAt) {
		a.UsedInvitesToday = 0
		a.UsedMessagesToday = 0
		a.UsedContactsToday = 0
		if len(a.TargetUsage) > 0 {
			reset := make(map[string]TargetUsage, len(a.TargetUsage))
			for id, tu := range a.TargetUsage {
				reset[id] = TargetUsage{Lifetime: tu.Lifetime}
			}
			a.TargetUsage = reset
		}
		a.ResetAt = NextReset(now)
		changed = true
	}

	return a, changed
}

// ApplyUsage returns the account with the delta folded into its counters.
// Negative components are dropped.
func ApplyUsage(a Account, delta UsageDelta) Account {
	if delta.Invites > 0 {
		a.UsedInvitesToday += delta.Invites
	}
	if delta.Messages > 0 {
		a.UsedMessagesToday += delta.Messages
	}
	if delta.Contacts > 0 {
		a.UsedContactsToday += delta.Contacts
	}
	for targetID, n := range delta.Targets {
		if n <= 0 {
			continue
		}
		if a.TargetUsage == nil {
			a.TargetUsage = make(map[string]TargetUsage)
		}
		tu := a.TargetUsage[targetID]
		tu.Today += n
		tu.Lifetime += n
		a.TargetUsage[targetID] = tu
	}
	return a
}

// Leasable reports whether the normalized account can be handed out at all.
// Quota checks are layered on top by the rate limiter and the allocator.
func Leasable(a Account, now time.Time) bool {
	normalized, _ := Normalize(a, now)
	return normalized.Status == StatusActive
}
