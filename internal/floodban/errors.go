// Package floodban classifies remote-platform errors into recovery policies
// and drives the time-ordered recovery queue that heals restricted accounts.
package floodban

import (
	"regexp"
	"strconv"
	"time"
)

// ErrorKind is the closed set of platform error classifications. Anything
// outside the set is treated as ErrorUnknown.
type ErrorKind string

const (
	// ErrorFloodWait is a rate-limit error carrying a wait duration.
	ErrorFloodWait ErrorKind = "flood_wait"

	// ErrorPeerFlood is the platform's peer-abuse restriction.
	ErrorPeerFlood ErrorKind = "peer_flood"

	// ErrorTempBan is a temporary ban.
	ErrorTempBan ErrorKind = "temp_ban"

	// ErrorPermBan is a permanent ban.
	ErrorPermBan ErrorKind = "perm_ban"

	// ErrorDeactivated means the account was deactivated on the platform.
	ErrorDeactivated ErrorKind = "deactivated"

	// ErrorAuthInvalid means the account's credentials no longer work.
	ErrorAuthInvalid ErrorKind = "auth_invalid"

	// ErrorUnknown is any unclassified platform error.
	ErrorUnknown ErrorKind = "unknown"
)

// ParseErrorKind maps a wire string onto the closed union.
func ParseErrorKind(s string) ErrorKind {
	switch ErrorKind(s) {
	case ErrorFloodWait, ErrorPeerFlood, ErrorTempBan, ErrorPermBan, ErrorDeactivated, ErrorAuthInvalid:
		return ErrorKind(s)
	default:
		return ErrorUnknown
	}
}

// RecoveryKind tags why a recovery entry was scheduled.
type RecoveryKind string

const (
	RecoveryFloodWait      RecoveryKind = "flood_wait"
	RecoveryBlocked        RecoveryKind = "blocked"
	RecoveryManual         RecoveryKind = "manual"
	RecoveryAutoMonitoring RecoveryKind = "auto_monitoring"
)

var waitSecondsRe = regexp.MustCompile(`(\d+)`)

// parseWaitSeconds extracts the wait duration from a flood-wait message like
// "A wait of 120 seconds is required". Returns fallback when no number is
// present. Text parsing is a compatibility fallback for platforms that do not
// supply a structured duration.
func parseWaitSeconds(message string, fallback time.Duration) time.Duration {
	match := waitSecondsRe.FindString(message)
	if match == "" {
		return fallback
	}
	seconds, err := strconv.Atoi(match)
	if err != nil || seconds <= 0 {
		return fallback
	}
	return time.Duration(seconds) * time.Second
}
