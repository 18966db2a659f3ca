// SPDX-License-Identifier: MIT

// Package throttle gates outgoing upstream calls per connector. All counters
// live in the store; the enforcer holds no in-process state, so any number of
// dispatch goroutines can share one instance.
package throttle

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	xlog "github.com/comradarr/comradarr/internal/log"
	"github.com/comradarr/comradarr/internal/metrics"
	"github.com/comradarr/comradarr/internal/store"
	"github.com/comradarr/comradarr/internal/timeutil"
)

// Denial reasons surfaced on a Decision.
const (
	ReasonRateLimit   = string(store.PauseRateLimit)
	ReasonDailyBudget = string(store.PauseDailyBudget)
	ReasonManual      = string(store.PauseManual)
)

// builtinModerate is the process-level fallback profile, used only when the
// store has neither an explicit nor a default profile.
var builtinModerate = store.ThrottleProfile{
	Name:                  "Moderate",
	RequestsPerMinute:     5,
	DailyBudget:           intPtr(500),
	BatchSize:             10,
	BatchCooldownSeconds:  60,
	RateLimitPauseSeconds: 300,
}

func intPtr(v int) *int { return &v }

// Decision is the structured answer to a dispatch-slot request.
type Decision struct {
	Allowed      bool
	Reason       string
	RetryAfter   time.Duration
	SlotAcquired bool
}

// Snapshot is the operator-visible throttle status for one connector.
type Snapshot struct {
	ConnectorID        int64                 `json:"connectorId"`
	RequestsThisMinute int                   `json:"requestsThisMinute"`
	RequestsToday      int                   `json:"requestsToday"`
	RemainingMinute    int                   `json:"remainingMinute"`
	RemainingToday     *int                  `json:"remainingToday,omitempty"` // nil = unlimited budget
	PausedUntil        *time.Time            `json:"pausedUntil,omitempty"`
	PauseReason        *store.PauseReason    `json:"pauseReason,omitempty"`
	LastRequestAt      *time.Time            `json:"lastRequestAt,omitempty"`
	Profile            store.ThrottleProfile `json:"profile"`
}

// ResetCounts reports what one resetExpiredWindows tick cleaned up.
type ResetCounts struct {
	MinuteWindows int64
	DayWindows    int64
	Pauses        int64
}

// Enforcer evaluates and mutates per-connector dispatch budgets.
type Enforcer struct {
	store  *store.Store
	now    func() time.Time
	logger zerolog.Logger
}

// Option customises an Enforcer.
type Option func(*Enforcer)

// WithClock injects a deterministic clock, for tests.
func WithClock(now func() time.Time) Option {
	return func(e *Enforcer) { e.now = now }
}

// New builds an enforcer over the given store.
func New(st *store.Store, opts ...Option) *Enforcer {
	e := &Enforcer{
		store:  st,
		now:    time.Now,
		logger: xlog.WithComponent("throttle"),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// EffectiveProfile resolves the profile for a connector: its explicit
// reference, then the store default, then the built-in Moderate fallback.
func (e *Enforcer) EffectiveProfile(ctx context.Context, c *store.Connector) (store.ThrottleProfile, error) {
	if c.ThrottleProfileID != nil {
		p, err := e.store.GetProfile(ctx, *c.ThrottleProfileID)
		if err != nil {
			return store.ThrottleProfile{}, fmt.Errorf("resolve profile %d: %w", *c.ThrottleProfileID, err)
		}
		if p != nil {
			return *p, nil
		}
		e.logger.Warn().Int64("connector_id", c.ID).Int64("profile_id", *c.ThrottleProfileID).
			Msg("connector references missing profile, falling back to default")
	}
	p, err := e.store.DefaultProfile(ctx)
	if err != nil {
		return store.ThrottleProfile{}, fmt.Errorf("resolve default profile: %w", err)
	}
	if p != nil {
		return *p, nil
	}
	return builtinModerate, nil
}

// CanDispatch decides whether one upstream call may go out now. Checks run in
// order, short-circuiting on the first denial: manual or rate-limit pause,
// then daily budget, then the atomic per-minute slot. A granted decision has
// already consumed the minute slot.
func (e *Enforcer) CanDispatch(ctx context.Context, connectorID int64) (Decision, error) {
	now := e.now()
	label := strconv.FormatInt(connectorID, 10)

	c, err := e.store.GetConnector(ctx, connectorID)
	if err != nil {
		return Decision{}, err
	}
	if c == nil {
		return Decision{}, fmt.Errorf("connector %d not found", connectorID)
	}
	profile, err := e.EffectiveProfile(ctx, c)
	if err != nil {
		return Decision{}, err
	}

	st, err := e.store.GetOrCreateThrottleState(ctx, connectorID)
	if err != nil {
		return Decision{}, err
	}

	if st.PausedUntil != nil && st.PausedUntil.After(now) {
		reason := ReasonManual
		if st.PauseReason != nil {
			reason = string(*st.PauseReason)
		}
		metrics.RecordThrottleDenial(label, reason)
		return Decision{Reason: reason, RetryAfter: st.PausedUntil.Sub(now)}, nil
	}

	if timeutil.IsDayWindowExpired(st.DayWindowStart, now) {
		if err := e.store.ResetDayWindow(ctx, connectorID, now); err != nil {
			return Decision{}, err
		}
		st.RequestsToday = 0
	}
	if profile.DailyBudget != nil && st.RequestsToday >= *profile.DailyBudget {
		until := timeutil.StartOfNextDayUTC(now)
		if err := e.store.SetPause(ctx, connectorID, until, store.PauseDailyBudget); err != nil {
			return Decision{}, err
		}
		e.logger.Info().Int64("connector_id", connectorID).Int("requests_today", st.RequestsToday).
			Time("paused_until", until).Msg("daily budget exhausted")
		metrics.RecordThrottleDenial(label, ReasonDailyBudget)
		metrics.SetDispatchPaused(label, true)
		return Decision{Reason: ReasonDailyBudget, RetryAfter: time.Duration(timeutil.MsUntilMidnightUTC(now)) * time.Millisecond}, nil
	}

	slot, err := e.store.TryAcquireMinuteSlot(ctx, connectorID, profile.RequestsPerMinute, now)
	if err != nil {
		return Decision{}, err
	}
	if !slot.Acquired {
		retry := time.Duration(timeutil.MsUntilMinuteWindowExpires(st.MinuteWindowStart, now)) * time.Millisecond
		if retry < time.Second {
			retry = time.Second
		}
		metrics.RecordThrottleDenial(label, ReasonRateLimit)
		return Decision{Reason: ReasonRateLimit, RetryAfter: retry}, nil
	}

	metrics.RecordSlotAcquisition(label)
	return Decision{Allowed: true, SlotAcquired: true}, nil
}

// RecordRequest accounts one issued upstream call against the daily budget.
// The minute counter was already consumed by CanDispatch.
func (e *Enforcer) RecordRequest(ctx context.Context, connectorID int64) error {
	return e.store.RecordRequest(ctx, connectorID, e.now())
}

// HandleRateLimitResponse pauses dispatch after an upstream 429. A zero or
// negative retryAfterSeconds means the server sent no usable hint; the
// profile's pause duration applies instead.
func (e *Enforcer) HandleRateLimitResponse(ctx context.Context, connectorID int64, retryAfterSeconds int) error {
	now := e.now()
	c, err := e.store.GetConnector(ctx, connectorID)
	if err != nil {
		return err
	}
	if c == nil {
		return fmt.Errorf("connector %d not found", connectorID)
	}
	profile, err := e.EffectiveProfile(ctx, c)
	if err != nil {
		return err
	}

	seconds := retryAfterSeconds
	if seconds <= 0 {
		seconds = profile.RateLimitPauseSeconds
	}
	until := now.Add(time.Duration(seconds) * time.Second)

	e.logger.Warn().Int64("connector_id", connectorID).Int("pause_seconds", seconds).
		Time("paused_until", until).Msg("upstream rate limit, pausing dispatch")
	metrics.SetDispatchPaused(strconv.FormatInt(connectorID, 10), true)
	return e.store.SetPause(ctx, connectorID, until, store.PauseRateLimit)
}

// GetAvailableCapacity reports remaining per-minute slots, -1 when paused.
func (e *Enforcer) GetAvailableCapacity(ctx context.Context, connectorID int64) (int, error) {
	now := e.now()
	c, err := e.store.GetConnector(ctx, connectorID)
	if err != nil {
		return 0, err
	}
	if c == nil {
		return 0, fmt.Errorf("connector %d not found", connectorID)
	}
	profile, err := e.EffectiveProfile(ctx, c)
	if err != nil {
		return 0, err
	}
	st, err := e.store.GetOrCreateThrottleState(ctx, connectorID)
	if err != nil {
		return 0, err
	}

	switch {
	case st.PausedUntil != nil && st.PausedUntil.After(now):
		return -1, nil
	case timeutil.IsMinuteWindowExpired(st.MinuteWindowStart, now):
		return profile.RequestsPerMinute, nil
	default:
		remaining := profile.RequestsPerMinute - st.RequestsThisMinute
		if remaining < 0 {
			remaining = 0
		}
		return remaining, nil
	}
}

// GetStatus builds the operator-facing throttle snapshot for one connector.
func (e *Enforcer) GetStatus(ctx context.Context, connectorID int64) (Snapshot, error) {
	now := e.now()
	c, err := e.store.GetConnector(ctx, connectorID)
	if err != nil {
		return Snapshot{}, err
	}
	if c == nil {
		return Snapshot{}, fmt.Errorf("connector %d not found", connectorID)
	}
	profile, err := e.EffectiveProfile(ctx, c)
	if err != nil {
		return Snapshot{}, err
	}
	st, err := e.store.GetOrCreateThrottleState(ctx, connectorID)
	if err != nil {
		return Snapshot{}, err
	}

	snap := Snapshot{
		ConnectorID:        connectorID,
		RequestsThisMinute: st.RequestsThisMinute,
		RequestsToday:      st.RequestsToday,
		PausedUntil:        st.PausedUntil,
		PauseReason:        st.PauseReason,
		LastRequestAt:      st.LastRequestAt,
		Profile:            profile,
	}
	if timeutil.IsMinuteWindowExpired(st.MinuteWindowStart, now) {
		snap.RemainingMinute = profile.RequestsPerMinute
	} else {
		snap.RemainingMinute = max(0, profile.RequestsPerMinute-st.RequestsThisMinute)
	}
	if profile.DailyBudget != nil {
		today := st.RequestsToday
		if timeutil.IsDayWindowExpired(st.DayWindowStart, now) {
			today = 0
		}
		remaining := max(0, *profile.DailyBudget-today)
		snap.RemainingToday = &remaining
	}
	return snap, nil
}

// PauseDispatch is the operator override: no dispatch for the given duration.
func (e *Enforcer) PauseDispatch(ctx context.Context, connectorID int64, seconds int) error {
	if seconds < 1 {
		return fmt.Errorf("pause duration must be at least one second")
	}
	until := e.now().Add(time.Duration(seconds) * time.Second)
	e.logger.Info().Int64("connector_id", connectorID).Time("paused_until", until).Msg("dispatch paused by operator")
	metrics.SetDispatchPaused(strconv.FormatInt(connectorID, 10), true)
	return e.store.SetPause(ctx, connectorID, until, store.PauseManual)
}

// ResumeDispatch clears any pause, operator or automatic.
func (e *Enforcer) ResumeDispatch(ctx context.Context, connectorID int64) error {
	e.logger.Info().Int64("connector_id", connectorID).Msg("dispatch resumed by operator")
	metrics.SetDispatchPaused(strconv.FormatInt(connectorID, 10), false)
	return e.store.ClearPause(ctx, connectorID)
}

// ResetExpiredWindows is the periodic tick: zero expired minute and day
// windows and lift pauses whose time has passed.
func (e *Enforcer) ResetExpiredWindows(ctx context.Context) (ResetCounts, error) {
	now := e.now()
	var counts ResetCounts
	var err error

	if counts.MinuteWindows, err = e.store.ResetExpiredMinuteWindows(ctx, now); err != nil {
		return counts, fmt.Errorf("reset minute windows: %w", err)
	}
	if counts.DayWindows, err = e.store.ResetExpiredDayWindows(ctx, now); err != nil {
		return counts, fmt.Errorf("reset day windows: %w", err)
	}
	if counts.Pauses, err = e.store.ClearExpiredPauses(ctx, now); err != nil {
		return counts, fmt.Errorf("clear expired pauses: %w", err)
	}

	if counts.MinuteWindows > 0 || counts.DayWindows > 0 || counts.Pauses > 0 {
		e.logger.Debug().Int64("minute_windows", counts.MinuteWindows).
			Int64("day_windows", counts.DayWindows).Int64("pauses", counts.Pauses).
			Msg("throttle windows reset")
	}
	return counts, nil
}
