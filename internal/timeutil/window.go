// SPDX-License-Identifier: MIT

// Package timeutil holds the pure time arithmetic the control plane is built
// on: UTC window expiry predicates and jittered exponential backoff. Every
// function takes its clock as a parameter so tests can pin time.
package timeutil

import "time"

// MinuteWindow is the length of the per-minute throttle accounting window.
const MinuteWindow = 60 * time.Second

// StartOfDayUTC truncates t to midnight UTC.
func StartOfDayUTC(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)
}

// StartOfNextDayUTC returns the next midnight UTC after t.
func StartOfNextDayUTC(t time.Time) time.Time {
	return StartOfDayUTC(t).Add(24 * time.Hour)
}

// IsMinuteWindowExpired reports whether a minute window that started at start
// has elapsed at now. A nil start counts as expired (no window open yet).
func IsMinuteWindowExpired(start *time.Time, now time.Time) bool {
	if start == nil {
		return true
	}
	return !now.Before(start.Add(MinuteWindow))
}

// IsDayWindowExpired reports whether the UTC day that start belongs to has
// passed at now. A nil start counts as expired.
func IsDayWindowExpired(start *time.Time, now time.Time) bool {
	if start == nil {
		return true
	}
	return StartOfDayUTC(now).After(*start)
}

// MsUntilMinuteWindowExpires returns the remaining window time in
// milliseconds, clamped at zero.
func MsUntilMinuteWindowExpires(start *time.Time, now time.Time) int64 {
	if start == nil {
		return 0
	}
	remaining := start.Add(MinuteWindow).Sub(now).Milliseconds()
	if remaining < 0 {
		return 0
	}
	return remaining
}

// MsUntilMidnightUTC returns the milliseconds until the next UTC midnight.
func MsUntilMidnightUTC(now time.Time) int64 {
	return StartOfNextDayUTC(now).Sub(now).Milliseconds()
}
