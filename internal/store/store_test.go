// SPDX-License-Identifier: MIT

package store

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func newTestConnector(t *testing.T, s *Store) int64 {
	t.Helper()
	id, err := s.CreateConnector(context.Background(), Connector{
		Name:    "c-" + t.Name(),
		Kind:    KindSonarr,
		BaseURL: "http://sonarr.local:8989",
		Enabled: true,
	})
	require.NoError(t, err)
	return id
}

func TestOpenSeedsProfiles(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	def, err := s.DefaultProfile(ctx)
	require.NoError(t, err)
	require.NotNil(t, def)
	assert.Equal(t, "Moderate", def.Name)
	assert.Equal(t, 5, def.RequestsPerMinute)
	require.NotNil(t, def.DailyBudget)
	assert.Equal(t, 500, *def.DailyBudget)
	assert.Equal(t, 10, def.BatchSize)
	assert.Equal(t, 300, def.RateLimitPauseSeconds)

	for _, name := range []string{"Conservative", "Moderate", "Aggressive"} {
		p, err := s.ProfileByName(ctx, name)
		require.NoError(t, err)
		require.NotNil(t, p, name)
	}
}

func TestConnectorRoundtrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	id := newTestConnector(t, s)

	c, err := s.GetConnector(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, c)
	assert.Equal(t, KindSonarr, c.Kind)
	assert.Equal(t, HealthUnknown, c.Health)
	assert.True(t, c.Enabled)
	assert.False(t, c.QueuePaused)

	require.NoError(t, s.UpdateConnectorHealth(ctx, id, HealthOffline))
	c, err = s.GetConnector(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, HealthOffline, c.Health)

	// Offline connectors drop out of the dispatchable set.
	list, err := s.DispatchableConnectors(ctx)
	require.NoError(t, err)
	assert.Empty(t, list)

	require.NoError(t, s.UpdateConnectorHealth(ctx, id, HealthHealthy))
	require.NoError(t, s.SetQueuePaused(ctx, id, true))
	list, err = s.DispatchableConnectors(ctx)
	require.NoError(t, err)
	assert.Empty(t, list)

	require.NoError(t, s.SetQueuePaused(ctx, id, false))
	list, err = s.DispatchableConnectors(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
}

func TestThrottleStateLazyCreation(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	id := newTestConnector(t, s)

	st, err := s.GetOrCreateThrottleState(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, id, st.ConnectorID)
	assert.Zero(t, st.RequestsThisMinute)
	assert.Nil(t, st.MinuteWindowStart)
	assert.Nil(t, st.PausedUntil)

	// Second call is idempotent.
	st2, err := s.GetOrCreateThrottleState(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, st, st2)
}

func TestTryAcquireMinuteSlot(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	id := newTestConnector(t, s)
	_, err := s.GetOrCreateThrottleState(ctx, id)
	require.NoError(t, err)

	now := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)

	// First call opens the window and takes the first slot.
	res, err := s.TryAcquireMinuteSlot(ctx, id, 3, now)
	require.NoError(t, err)
	assert.True(t, res.Acquired)
	assert.True(t, res.WindowExpired)

	// Two more fit.
	for i := 0; i < 2; i++ {
		res, err = s.TryAcquireMinuteSlot(ctx, id, 3, now.Add(time.Second))
		require.NoError(t, err)
		assert.True(t, res.Acquired)
		assert.False(t, res.WindowExpired)
	}

	// The fourth within the window denies.
	res, err = s.TryAcquireMinuteSlot(ctx, id, 3, now.Add(2*time.Second))
	require.NoError(t, err)
	assert.False(t, res.Acquired)

	// After the window lapses, capacity is restored.
	res, err = s.TryAcquireMinuteSlot(ctx, id, 3, now.Add(61*time.Second))
	require.NoError(t, err)
	assert.True(t, res.Acquired)
	assert.True(t, res.WindowExpired)

	st, err := s.GetOrCreateThrottleState(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 1, st.RequestsThisMinute)
}

func TestTryAcquireMinuteSlotConcurrent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	id := newTestConnector(t, s)
	_, err := s.GetOrCreateThrottleState(ctx, id)
	require.NoError(t, err)

	now := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)
	const callers = 20
	const capacity = 5

	var wg sync.WaitGroup
	acquired := make(chan bool, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := s.TryAcquireMinuteSlot(ctx, id, capacity, now)
			if err != nil {
				acquired <- false
				return
			}
			acquired <- res.Acquired
		}()
	}
	wg.Wait()
	close(acquired)

	got := 0
	for ok := range acquired {
		if ok {
			got++
		}
	}
	assert.Equal(t, capacity, got, "exactly min(k, c) callers may acquire")
}

func TestSetPauseCreatesRowWhenAbsent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	id := newTestConnector(t, s)

	// No prior dispatch, so no throttle row yet. The pause must stick anyway.
	now := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)
	until := now.Add(5 * time.Minute)
	require.NoError(t, s.SetPause(ctx, id, until, PauseRateLimit))

	st, err := s.GetOrCreateThrottleState(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, st.PausedUntil)
	assert.WithinDuration(t, until, *st.PausedUntil, time.Millisecond)
	require.NotNil(t, st.PauseReason)
	assert.Equal(t, PauseRateLimit, *st.PauseReason)

	// A later pause on the existing row overwrites it.
	require.NoError(t, s.SetPause(ctx, id, until.Add(time.Hour), PauseManual))
	st, err = s.GetOrCreateThrottleState(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, st.PauseReason)
	assert.Equal(t, PauseManual, *st.PauseReason)
	assert.Zero(t, st.RequestsThisMinute)
}

func TestWindowResetBulkOps(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	id := newTestConnector(t, s)
	_, err := s.GetOrCreateThrottleState(ctx, id)
	require.NoError(t, err)

	now := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)

	_, err = s.TryAcquireMinuteSlot(ctx, id, 5, now)
	require.NoError(t, err)
	require.NoError(t, s.RecordRequest(ctx, id, now))
	require.NoError(t, s.SetPause(ctx, id, now.Add(30*time.Second), PauseRateLimit))

	// Nothing expires yet.
	n, err := s.ResetExpiredMinuteWindows(ctx, now.Add(10*time.Second))
	require.NoError(t, err)
	assert.Zero(t, n)
	n, err = s.ClearExpiredPauses(ctx, now.Add(10*time.Second))
	require.NoError(t, err)
	assert.Zero(t, n)

	// One minute later the window and the pause both clear.
	n, err = s.ResetExpiredMinuteWindows(ctx, now.Add(61*time.Second))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	n, err = s.ClearExpiredPauses(ctx, now.Add(61*time.Second))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	// The day window survives until the next UTC day.
	n, err = s.ResetExpiredDayWindows(ctx, now.Add(time.Hour))
	require.NoError(t, err)
	assert.Zero(t, n)
	n, err = s.ResetExpiredDayWindows(ctx, now.Add(13*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	st, err := s.GetOrCreateThrottleState(ctx, id)
	require.NoError(t, err)
	assert.Zero(t, st.RequestsThisMinute)
	assert.Zero(t, st.RequestsToday)
	assert.Nil(t, st.PausedUntil)
	assert.Nil(t, st.PauseReason)
}

func TestRegistryQueueLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	id := newTestConnector(t, s)
	now := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)

	require.NoError(t, s.EnsureRegistryRow(ctx, id, ContentMovie, 101, SearchGap, now))
	require.NoError(t, s.EnsureRegistryRow(ctx, id, ContentMovie, 102, SearchGap, now))
	// Duplicate discovery is a no-op.
	require.NoError(t, s.EnsureRegistryRow(ctx, id, ContentMovie, 101, SearchGap, now.Add(time.Hour)))

	rows, err := s.EligiblePendingRows(ctx, id, now, 100)
	require.NoError(t, err)
	require.Len(t, rows, 2)

	// Queue with distinct priorities; higher priority dequeues first.
	require.NoError(t, s.MarkQueued(ctx, rows[0].ID, 900, now))
	require.NoError(t, s.MarkQueued(ctx, rows[1].ID, 1100, now))

	items, err := s.QueuedItems(ctx, id, 10)
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, rows[1].ID, items[0].RegistryID)
	assert.Equal(t, 1100, items[0].Priority)

	depth, err := s.QueueDepth(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 2, depth)

	// Claim consumes the queue row and bumps the attempt count.
	claimed, err := s.ClaimSearching(ctx, items[0].RegistryID, now)
	require.NoError(t, err)
	assert.True(t, claimed)

	claimed, err = s.ClaimSearching(ctx, items[0].RegistryID, now)
	require.NoError(t, err)
	assert.False(t, claimed, "second claim on the same row must fail")

	r, err := s.GetRegistryRow(ctx, items[0].RegistryID)
	require.NoError(t, err)
	assert.Equal(t, StateSearching, r.State)
	assert.Equal(t, 1, r.AttemptCount)

	depth, err = s.QueueDepth(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 1, depth)

	// Outcome: cooldown with a next_eligible; then promotion back to pending.
	next := now.Add(6 * time.Hour)
	require.NoError(t, s.ApplyOutcome(ctx, r.ID, RegistryUpdate{State: StateCooldown, NextEligible: &next}, now))

	n, err := s.PromoteCooldownRows(ctx, now.Add(time.Hour))
	require.NoError(t, err)
	assert.Zero(t, n)
	n, err = s.PromoteCooldownRows(ctx, next)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	r, err = s.GetRegistryRow(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, StatePending, r.State)
}

func TestApplyOutcomeRevertAttempt(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	id := newTestConnector(t, s)
	now := time.Now()

	require.NoError(t, s.EnsureRegistryRow(ctx, id, ContentMovie, 7, SearchGap, now))
	rows, err := s.EligiblePendingRows(ctx, id, now, 1)
	require.NoError(t, err)
	require.NoError(t, s.MarkQueued(ctx, rows[0].ID, 1000, now))
	_, err = s.ClaimSearching(ctx, rows[0].ID, now)
	require.NoError(t, err)

	// A rate-limited outcome does not consume the attempt.
	require.NoError(t, s.ApplyOutcome(ctx, rows[0].ID, RegistryUpdate{State: StatePending, RevertAttempt: true}, now))
	r, err := s.GetRegistryRow(ctx, rows[0].ID)
	require.NoError(t, err)
	assert.Zero(t, r.AttemptCount)
	assert.Equal(t, StatePending, r.State)
}

func TestResetExhausted(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	id := newTestConnector(t, s)
	now := time.Now()

	require.NoError(t, s.EnsureRegistryRow(ctx, id, ContentEpisode, 5, SearchGap, now))
	rows, err := s.EligiblePendingRows(ctx, id, now, 1)
	require.NoError(t, err)
	regID := rows[0].ID

	// Not exhausted yet: reset is refused.
	ok, err := s.ResetExhausted(ctx, regID, now)
	require.NoError(t, err)
	assert.False(t, ok)

	cat := FailAuthentication
	require.NoError(t, s.ApplyOutcome(ctx, regID, RegistryUpdate{State: StateExhausted, FailureCategory: &cat, BacklogTier: 5}, now))

	ok, err = s.ResetExhausted(ctx, regID, now)
	require.NoError(t, err)
	assert.True(t, ok)

	r, err := s.GetRegistryRow(ctx, regID)
	require.NoError(t, err)
	assert.Equal(t, StatePending, r.State)
	assert.Zero(t, r.AttemptCount)
	assert.Zero(t, r.BacklogTier)
	assert.Nil(t, r.FailureCategory)
}

func TestContentMirrorAndSelectors(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	id := newTestConnector(t, s)

	seriesID, err := s.UpsertSeries(ctx, Series{ConnectorID: id, UpstreamID: 11, Title: "Show", Monitored: true})
	require.NoError(t, err)

	airing := time.Date(2025, 4, 1, 20, 0, 0, 0, time.UTC)
	require.NoError(t, s.UpsertSeason(ctx, Season{SeriesID: seriesID, Number: 1, TotalEpisodes: 10, DownloadedEpisodes: 4, NextAiring: &airing, Monitored: true}))

	notMet := true
	_, err = s.UpsertEpisode(ctx, Episode{ConnectorID: id, SeriesID: seriesID, UpstreamID: 201, SeasonNumber: 1, EpisodeNumber: 1, HasFile: false, Monitored: true})
	require.NoError(t, err)
	_, err = s.UpsertEpisode(ctx, Episode{ConnectorID: id, SeriesID: seriesID, UpstreamID: 202, SeasonNumber: 1, EpisodeNumber: 2, HasFile: true, QualityCutoffNotMet: &notMet, Monitored: true})
	require.NoError(t, err)
	// Unmonitored rows never surface.
	_, err = s.UpsertEpisode(ctx, Episode{ConnectorID: id, SeriesID: seriesID, UpstreamID: 203, SeasonNumber: 1, EpisodeNumber: 3, HasFile: false, Monitored: false})
	require.NoError(t, err)

	gaps, err := s.EpisodeGaps(ctx, id)
	require.NoError(t, err)
	require.Len(t, gaps, 1)
	assert.Equal(t, int64(201), gaps[0].UpstreamID)

	upgrades, err := s.EpisodeUpgrades(ctx, id)
	require.NoError(t, err)
	require.Len(t, upgrades, 1)
	assert.Equal(t, int64(202), upgrades[0].UpstreamID)
	require.NotNil(t, upgrades[0].QualityCutoffNotMet)
	assert.True(t, *upgrades[0].QualityCutoffNotMet)

	stats, err := s.SeasonStats(ctx, seriesID, 1)
	require.NoError(t, err)
	require.NotNil(t, stats)
	assert.Equal(t, 10, stats.TotalEpisodes)
	assert.Equal(t, 4, stats.DownloadedEpisodes)
	require.NotNil(t, stats.NextAiring)
	assert.Equal(t, airing, *stats.NextAiring)

	// Upsert is idempotent on the natural key.
	sameID, err := s.UpsertSeries(ctx, Series{ConnectorID: id, UpstreamID: 11, Title: "Show Renamed", Monitored: true})
	require.NoError(t, err)
	assert.Equal(t, seriesID, sameID)
}

func TestHistoryAppendOnly(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	id := newTestConnector(t, s)
	now := time.Now()

	require.NoError(t, s.EnsureRegistryRow(ctx, id, ContentMovie, 1, SearchGap, now))
	rows, err := s.EligiblePendingRows(ctx, id, now, 1)
	require.NoError(t, err)
	regID := rows[0].ID

	cat := FailTimeout
	require.NoError(t, s.AppendHistory(ctx, HistoryRow{RegistryID: regID, ConnectorID: id, Outcome: OutcomeSuccess}))
	require.NoError(t, s.AppendHistory(ctx, HistoryRow{RegistryID: regID, ConnectorID: id, Outcome: OutcomeTimeout, Category: &cat, Metadata: `{"reason":"deadline"}`}))

	hist, err := s.HistoryForRegistry(ctx, regID, 10)
	require.NoError(t, err)
	require.Len(t, hist, 2)
	assert.Equal(t, OutcomeTimeout, hist[0].Outcome)
	require.NotNil(t, hist[0].Category)
	assert.Equal(t, FailTimeout, *hist[0].Category)
	assert.Equal(t, "{}", hist[1].Metadata)
}

func TestSyncStateReconnectFields(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	id := newTestConnector(t, s)
	now := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)

	st, err := s.GetOrCreateSyncState(ctx, id)
	require.NoError(t, err)
	assert.Zero(t, st.ReconnectAttempts)
	assert.Nil(t, st.NextReconnectAt)

	next := now.Add(30 * time.Second)
	started := now
	errStr := "connection refused"
	st.ReconnectAttempts = 1
	st.NextReconnectAt = &next
	st.ReconnectStartedAt = &started
	st.LastReconnectError = &errStr
	require.NoError(t, s.UpdateSyncState(ctx, st))

	due, err := s.DueReconnects(ctx, now.Add(29*time.Second))
	require.NoError(t, err)
	assert.Empty(t, due)

	due, err = s.DueReconnects(ctx, next)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, 1, due[0].ReconnectAttempts)
	require.NotNil(t, due[0].LastReconnectError)
	assert.Equal(t, errStr, *due[0].LastReconnectError)

	// Paused connectors are excluded from the sweep.
	st = due[0]
	st.ReconnectPaused = true
	require.NoError(t, s.UpdateSyncState(ctx, st))
	due, err = s.DueReconnects(ctx, next)
	require.NoError(t, err)
	assert.Empty(t, due)
}
