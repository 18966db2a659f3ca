// SPDX-License-Identifier: MIT

package throttle

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/comradarr/comradarr/internal/store"
)

type fakeClock struct {
	now time.Time
}

func (f *fakeClock) Now() time.Time          { return f.now }
func (f *fakeClock) Advance(d time.Duration) { f.now = f.now.Add(d) }

func newTestEnforcer(t *testing.T) (*Enforcer, *store.Store, int64, *fakeClock) {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	id, err := s.CreateConnector(context.Background(), store.Connector{
		Name:    "c-" + t.Name(),
		Kind:    store.KindSonarr,
		BaseURL: "http://sonarr.local:8989",
		Enabled: true,
	})
	require.NoError(t, err)

	clock := &fakeClock{now: time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)}
	return New(s, WithClock(clock.Now)), s, id, clock
}

func TestCanDispatchConsumesMinuteSlots(t *testing.T) {
	e, _, id, clock := newTestEnforcer(t)
	ctx := context.Background()

	// Default Moderate profile: five per minute.
	for i := 0; i < 5; i++ {
		d, err := e.CanDispatch(ctx, id)
		require.NoError(t, err)
		assert.True(t, d.Allowed, "slot %d", i)
		assert.True(t, d.SlotAcquired)
		require.NoError(t, e.RecordRequest(ctx, id))
	}

	d, err := e.CanDispatch(ctx, id)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, ReasonRateLimit, d.Reason)
	assert.Equal(t, time.Minute, d.RetryAfter)

	// Half the window gone, half remains.
	clock.Advance(30 * time.Second)
	d, err = e.CanDispatch(ctx, id)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, 30*time.Second, d.RetryAfter)

	// Window rolls over; capacity returns.
	clock.Advance(31 * time.Second)
	d, err = e.CanDispatch(ctx, id)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
}

func TestCanDispatchDailyBudgetExhaustion(t *testing.T) {
	e, s, id, clock := newTestEnforcer(t)
	ctx := context.Background()
	clock.now = time.Date(2026, 3, 10, 23, 59, 30, 0, time.UTC)

	// Burn the whole Moderate daily budget.
	_, err := s.GetOrCreateThrottleState(ctx, id)
	require.NoError(t, err)
	for i := 0; i < 500; i++ {
		require.NoError(t, s.RecordRequest(ctx, id, clock.Now()))
	}

	d, err := e.CanDispatch(ctx, id)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, ReasonDailyBudget, d.Reason)
	assert.Equal(t, 30*time.Second, d.RetryAfter)

	st, err := s.GetOrCreateThrottleState(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, st.PausedUntil)
	assert.WithinDuration(t, time.Date(2026, 3, 11, 0, 0, 0, 0, time.UTC), *st.PausedUntil, time.Millisecond)
	require.NotNil(t, st.PauseReason)
	assert.Equal(t, store.PauseDailyBudget, *st.PauseReason)

	// Past midnight the tick clears both the counter and the pause.
	clock.Advance(31 * time.Second)
	counts, err := e.ResetExpiredWindows(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, counts.DayWindows)
	assert.EqualValues(t, 1, counts.Pauses)

	d, err = e.CanDispatch(ctx, id)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
}

func TestHandleRateLimitResponse(t *testing.T) {
	e, s, id, clock := newTestEnforcer(t)
	ctx := context.Background()

	require.NoError(t, e.HandleRateLimitResponse(ctx, id, 120))

	d, err := e.CanDispatch(ctx, id)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, ReasonRateLimit, d.Reason)
	assert.Equal(t, 120*time.Second, d.RetryAfter)

	st, err := s.GetOrCreateThrottleState(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, st.PausedUntil)
	assert.WithinDuration(t, clock.Now().Add(120*time.Second), *st.PausedUntil, time.Millisecond)

	clock.Advance(121 * time.Second)
	d, err = e.CanDispatch(ctx, id)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
}

func TestHandleRateLimitResponseZeroFallsBackToProfile(t *testing.T) {
	e, s, id, clock := newTestEnforcer(t)
	ctx := context.Background()

	// No Retry-After hint: Moderate's 300s pause applies.
	require.NoError(t, e.HandleRateLimitResponse(ctx, id, 0))

	st, err := s.GetOrCreateThrottleState(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, st.PausedUntil)
	assert.WithinDuration(t, clock.Now().Add(300*time.Second), *st.PausedUntil, time.Millisecond)
}

func TestGetAvailableCapacity(t *testing.T) {
	e, _, id, clock := newTestEnforcer(t)
	ctx := context.Background()

	cap0, err := e.GetAvailableCapacity(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 5, cap0)

	for i := 0; i < 2; i++ {
		_, err := e.CanDispatch(ctx, id)
		require.NoError(t, err)
	}
	cap2, err := e.GetAvailableCapacity(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 3, cap2)

	require.NoError(t, e.PauseDispatch(ctx, id, 60))
	capPaused, err := e.GetAvailableCapacity(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, -1, capPaused)

	require.NoError(t, e.ResumeDispatch(ctx, id))
	clock.Advance(61 * time.Second)
	capFresh, err := e.GetAvailableCapacity(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 5, capFresh)
}

func TestPauseAndResumeDispatch(t *testing.T) {
	e, s, id, _ := newTestEnforcer(t)
	ctx := context.Background()

	require.Error(t, e.PauseDispatch(ctx, id, 0))

	require.NoError(t, e.PauseDispatch(ctx, id, 3600))
	d, err := e.CanDispatch(ctx, id)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, ReasonManual, d.Reason)

	require.NoError(t, e.ResumeDispatch(ctx, id))
	st, err := s.GetOrCreateThrottleState(ctx, id)
	require.NoError(t, err)
	assert.Nil(t, st.PausedUntil)
	assert.Nil(t, st.PauseReason)

	d, err = e.CanDispatch(ctx, id)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
}

func TestGetStatusSnapshot(t *testing.T) {
	e, _, id, _ := newTestEnforcer(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := e.CanDispatch(ctx, id)
		require.NoError(t, err)
		require.NoError(t, e.RecordRequest(ctx, id))
	}

	snap, err := e.GetStatus(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, id, snap.ConnectorID)
	assert.Equal(t, 3, snap.RequestsThisMinute)
	assert.Equal(t, 3, snap.RequestsToday)
	assert.Equal(t, 2, snap.RemainingMinute)
	require.NotNil(t, snap.RemainingToday)
	assert.Equal(t, 497, *snap.RemainingToday)
	assert.Equal(t, "Moderate", snap.Profile.Name)
	assert.NotNil(t, snap.LastRequestAt)
	assert.Nil(t, snap.PausedUntil)
}

func TestEffectiveProfileFallsBackToDefault(t *testing.T) {
	e, s, id, _ := newTestEnforcer(t)
	ctx := context.Background()

	c, err := s.GetConnector(ctx, id)
	require.NoError(t, err)

	p, err := e.EffectiveProfile(ctx, c)
	require.NoError(t, err)
	assert.Equal(t, "Moderate", p.Name)
	assert.True(t, p.IsDefault)
}

func TestResetExpiredWindowsCountsMinute(t *testing.T) {
	e, _, id, clock := newTestEnforcer(t)
	ctx := context.Background()

	_, err := e.CanDispatch(ctx, id)
	require.NoError(t, err)

	// Nothing expired yet.
	counts, err := e.ResetExpiredWindows(ctx)
	require.NoError(t, err)
	assert.Zero(t, counts.MinuteWindows)

	clock.Advance(61 * time.Second)
	counts, err = e.ResetExpiredWindows(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, counts.MinuteWindows)
}
