// SPDX-License-Identifier: MIT

// Package registry owns the search lifecycle of every (connector, content)
// pair: discovery of gaps and upgrades, the pending/queued/searching state
// machine, and the cooldown ladder applied to outcomes.
package registry

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

// MaxAttempts is how many searches a row gets before it is parked exhausted.
// An operator reset starts the count over.
const MaxAttempts = 10

// errShape drives the short cooldown after error/timeout outcomes. No jitter:
// next_eligible must be deterministic for a given attempt count.
var errShape = timeutil.BackoffShape{Base: 15 * time.Minute, Max: 6 * time.Hour, Multiplier: 2, Jitter: 0}

// Service drives the search registry over the store.
type Service struct {
	store       *store.Store
	cooldowns   []time.Duration
	maxAttempts int
	now         func() time.Time
	logger      zerolog.Logger
}

// Option customises a Service.
type Option func(*Service)

// WithClock injects a deterministic clock, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithMaxAttempts overrides the exhaustion threshold.
func WithMaxAttempts(n int) Option {
	return func(s *Service) { s.maxAttempts = n }
}

// New builds a registry service. cooldownTierHours is the no-results ladder;
// tiers beyond the last entry reuse it.
func New(st *store.Store, cooldownTierHours []int, opts ...Option) *Service {
	cooldowns := make([]time.Duration, 0, len(cooldownTierHours))
	for _, h := range cooldownTierHours {
		cooldowns = append(cooldowns, time.Duration(h)*time.Hour)
	}
	s := &Service{
		store:       st,
		cooldowns:   cooldowns,
		maxAttempts: MaxAttempts,
		now:         time.Now,
		logger:      xlog.WithComponent("registry"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CooldownFor returns the ladder duration for a backlog tier, clamping beyond
// the last rung.
func (s *Service) CooldownFor(tier int) time.Duration {
	if len(s.cooldowns) == 0 {
		return 6 * time.Hour
	}
	if tier < 0 {
		tier = 0
	}
	if tier >= len(s.cooldowns) {
		tier = len(s.cooldowns) - 1
	}
	return s.cooldowns[tier]
}

// DiscoverResult counts what one discovery pass registered.
type DiscoverResult struct {
	EpisodeGaps     int
	EpisodeUpgrades int
	MovieGaps       int
	MovieUpgrades   int
}

// Total sums all registered rows.
func (r DiscoverResult) Total() int {
	return r.EpisodeGaps + r.EpisodeUpgrades + r.MovieGaps + r.MovieUpgrades
}

// Discover scans the content mirror for a connector and registers every gap
// and upgrade candidate. Existing registry rows keep their lifecycle state.
func (s *Service) Discover(ctx context.Context, connectorID int64) (DiscoverResult, error) {
	now := s.now()
	var res DiscoverResult

	gaps, err := s.store.EpisodeGaps(ctx, connectorID)
	if err != nil {
		return res, fmt.Errorf("episode gaps: %w", err)
	}
	for _, e := range gaps {
		if err := s.store.EnsureRegistryRow(ctx, connectorID, store.ContentEpisode, e.ID, store.SearchGap, now); err != nil {
			return res, err
		}
		res.EpisodeGaps++
	}

	upgrades, err := s.store.EpisodeUpgrades(ctx, connectorID)
	if err != nil {
		return res, fmt.Errorf("episode upgrades: %w", err)
	}
	for _, e := range upgrades {
		if err := s.store.EnsureRegistryRow(ctx, connectorID, store.ContentEpisode, e.ID, store.SearchUpgrade, now); err != nil {
			return res, err
		}
		res.EpisodeUpgrades++
	}

	movieGaps, err := s.store.MovieGaps(ctx, connectorID)
	if err != nil {
		return res, fmt.Errorf("movie gaps: %w", err)
	}
	for _, m := range movieGaps {
		if err := s.store.EnsureRegistryRow(ctx, connectorID, store.ContentMovie, m.ID, store.SearchGap, now); err != nil {
			return res, err
		}
		res.MovieGaps++
	}

	movieUpgrades, err := s.store.MovieUpgrades(ctx, connectorID)
	if err != nil {
		return res, fmt.Errorf("movie upgrades: %w", err)
	}
	for _, m := range movieUpgrades {
		if err := s.store.EnsureRegistryRow(ctx, connectorID, store.ContentMovie, m.ID, store.SearchUpgrade, now); err != nil {
			return res, err
		}
		res.MovieUpgrades++
	}

	if res.Total() > 0 {
		s.logger.Info().Int64("connector_id", connectorID).
			Int("episode_gaps", res.EpisodeGaps).Int("episode_upgrades", res.EpisodeUpgrades).
			Int("movie_gaps", res.MovieGaps).Int("movie_upgrades", res.MovieUpgrades).
			Msg("discovery registered search candidates")
	}
	return res, nil
}

// EnqueueEligible promotes up to limit eligible pending rows to queued,
// scoring each. Returns how many were queued.
func (s *Service) EnqueueEligible(ctx context.Context, connectorID int64, limit int) (int, error) {
	now := s.now()
	rows, err := s.store.EligiblePendingRows(ctx, connectorID, now, limit)
	if err != nil {
		return 0, err
	}

	queued := 0
	for _, row := range rows {
		priority := Score(row, s.isAiring(ctx, row), now)
		if err := s.store.MarkQueued(ctx, row.ID, priority, now); err != nil {
			return queued, err
		}
		queued++
	}
	return queued, nil
}

// isAiring reports whether an episode row's season is still airing. Lookup
// failures just drop the bonus; scoring never blocks enqueueing.
func (s *Service) isAiring(ctx context.Context, row store.RegistryRow) bool {
	if row.ContentType != store.ContentEpisode {
		return false
	}
	e, err := s.store.GetEpisode(ctx, row.ContentID)
	if err != nil || e == nil {
		return false
	}
	stats, err := s.store.SeasonStats(ctx, e.SeriesID, e.SeasonNumber)
	if err != nil || stats == nil {
		return false
	}
	return stats.NextAiring != nil
}

// OutcomeInput describes one finished search attempt for a registry row.
type OutcomeInput struct {
	Outcome  store.Outcome
	Category *store.FailureCategory
	// PausedUntil carries the connector pause deadline for rate-limited
	// outcomes; the row becomes eligible again when the pause lifts.
	PausedUntil *time.Time
	// SeasonPack marks that the attempt went out as a season-pack command.
	SeasonPack bool
	// Metadata is the JSON blob stored on the history row.
	Metadata string
}

// RecordOutcome applies one search outcome to a searching row: the state
// transition, the cooldown ladder, and exactly one history row.
func (s *Service) RecordOutcome(ctx context.Context, registryID int64, in OutcomeInput) error {
	now := s.now()
	row, err := s.store.GetRegistryRow(ctx, registryID)
	if err != nil {
		return err
	}
	if row == nil {
		return fmt.Errorf("registry row %d not found", registryID)
	}

	update, err := s.transitionFor(*row, in, now)
	if err != nil {
		return err
	}
	if err := s.store.ApplyOutcome(ctx, registryID, update, now); err != nil {
		return err
	}
	if err := s.store.AppendHistory(ctx, store.HistoryRow{
		RegistryID:  registryID,
		ConnectorID: row.ConnectorID,
		Outcome:     in.Outcome,
		Category:    in.Category,
		Metadata:    in.Metadata,
		CreatedAt:   now,
	}); err != nil {
		return err
	}

	metrics.RecordOutcome(strconv.FormatInt(row.ConnectorID, 10), string(in.Outcome))
	s.logger.Debug().Int64("registry_id", registryID).Str("outcome", string(in.Outcome)).
		Str("state", string(update.State)).Msg("search outcome recorded")
	return nil
}

// transitionFor computes the registry mutation for one outcome. The row still
// carries the pre-outcome state; attempt_count was already bumped by the
// dispatch claim.
func (s *Service) transitionFor(row store.RegistryRow, in OutcomeInput, now time.Time) (store.RegistryUpdate, error) {
	rateLimited := in.Category != nil && *in.Category == store.FailRateLimit

	switch {
	case rateLimited:
		// The attempt never reached the indexers; give it back and retry
		// when the connector pause lifts.
		return store.RegistryUpdate{
			State:           store.StatePending,
			NextEligible:    in.PausedUntil,
			FailureCategory: in.Category,
			BacklogTier:     row.BacklogTier,
			RevertAttempt:   true,
		}, nil

	case in.Outcome == store.OutcomeSuccess:
		next := now.Add(s.CooldownFor(0))
		return store.RegistryUpdate{
			State:        store.StateCooldown,
			NextEligible: &next,
			BacklogTier:  0,
		}, nil

	case in.Outcome == store.OutcomeNoResults:
		update := store.RegistryUpdate{BacklogTier: row.BacklogTier + 1}
		if update.BacklogTier >= len(s.cooldowns) {
			update.BacklogTier = len(s.cooldowns) - 1
		}
		if in.SeasonPack && row.SearchType == store.SearchGap {
			flag := true
			update.SeasonPackFailed = &flag
		}
		if row.AttemptCount >= s.maxAttempts {
			update.State = store.StateExhausted
			return update, nil
		}
		update.State = store.StateCooldown
		next := now.Add(s.CooldownFor(update.BacklogTier))
		update.NextEligible = &next
		return update, nil

	case in.Outcome == store.OutcomeError || in.Outcome == store.OutcomeTimeout:
		update := store.RegistryUpdate{
			FailureCategory: in.Category,
			BacklogTier:     row.BacklogTier,
		}
		if in.Category != nil && (*in.Category == store.FailAuthentication || *in.Category == store.FailSSL) {
			// Credentials or trust problems never fix themselves through
			// retries; park until an operator intervenes.
			update.State = store.StateExhausted
			return update, nil
		}
		if row.AttemptCount >= s.maxAttempts {
			update.State = store.StateExhausted
			return update, nil
		}
		update.State = store.StateCooldown
		next := now.Add(errShape.Backoff(row.AttemptCount - 1))
		update.NextEligible = &next
		return update, nil

	default:
		return store.RegistryUpdate{}, fmt.Errorf("unknown outcome %q", in.Outcome)
	}
}

// PromoteCooldowns returns rows whose cooldown has lapsed to pending.
func (s *Service) PromoteCooldowns(ctx context.Context) (int64, error) {
	return s.store.PromoteCooldownRows(ctx, s.now())
}

// ResetExhausted is the operator escape hatch for a parked row.
func (s *Service) ResetExhausted(ctx context.Context, registryID int64) (bool, error) {
	reset, err := s.store.ResetExhausted(ctx, registryID, s.now())
	if err != nil {
		return false, err
	}
	if reset {
		s.logger.Info().Int64("registry_id", registryID).Msg("exhausted row reset by operator")
	}
	return reset, nil
}
