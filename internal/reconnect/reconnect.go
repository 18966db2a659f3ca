// SPDX-License-Identifier: MIT

// Package reconnect brings offline connectors back to healthy on an
// exponential backoff, and folds sync failures into the connector health
// ladder.
package reconnect

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/comradarr/comradarr/internal/connector"
	xlog "github.com/comradarr/comradarr/internal/log"
	"github.com/comradarr/comradarr/internal/metrics"
	"github.com/comradarr/comradarr/internal/secrets"
	"github.com/comradarr/comradarr/internal/store"
	"github.com/comradarr/comradarr/internal/timeutil"
)

// probeTimeout bounds one reconnect ping plus health check.
const probeTimeout = 10 * time.Second

// Prober is the slice of the connector client the reconnect probe needs.
type Prober interface {
	Ping(ctx context.Context) (bool, error)
	Health(ctx context.Context) ([]connector.HealthItem, error)
}

// ProberFactory builds a Prober for one connector. Swappable for tests.
type ProberFactory func(c store.Connector, apiKey string) Prober

// Result is the outcome of one reconnect attempt.
type Result struct {
	ConnectorID   int64
	AttemptNumber int
	Recovered     bool
	Health        store.Health
	Error         string
}

// TickResult aggregates one processReconnections sweep.
type TickResult struct {
	Attempted int
	Recovered int
	Failed    int
}

// Service drives reconnect probing and sync-failure health accounting.
type Service struct {
	store   *store.Store
	secrets secrets.Provider
	shape   timeutil.BackoffShape

	degradedThreshold  int
	unhealthyThreshold int

	probers ProberFactory
	now     func() time.Time
	logger  zerolog.Logger
}

// Option customises a Service.
type Option func(*Service)

// WithClock injects a deterministic clock, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithProberFactory swaps the upstream probe construction, for tests.
func WithProberFactory(f ProberFactory) Option {
	return func(s *Service) { s.probers = f }
}

// WithBackoffShape overrides the reconnect backoff curve.
func WithBackoffShape(shape timeutil.BackoffShape) Option {
	return func(s *Service) { s.shape = shape }
}

// WithHealthThresholds overrides the consecutive-failure ladder.
func WithHealthThresholds(degraded, unhealthy int) Option {
	return func(s *Service) {
		s.degradedThreshold = degraded
		s.unhealthyThreshold = unhealthy
	}
}

// New builds a reconnect service.
func New(st *store.Store, sec secrets.Provider, opts ...Option) *Service {
	s := &Service{
		store:              st,
		secrets:            sec,
		shape:              timeutil.ReconnectShape(),
		degradedThreshold:  2,
		unhealthyThreshold: 5,
		now:                time.Now,
		logger:             xlog.WithComponent("reconnect"),
	}
	s.probers = func(c store.Connector, apiKey string) Prober {
		return connector.New(connector.Kind(c.Kind), c.BaseURL, apiKey, connector.WithTimeout(probeTimeout))
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// InitializeForOffline schedules reconnect probing for a connector that just
// went offline. Idempotent: an already-running reconnect cycle is untouched.
func (s *Service) InitializeForOffline(ctx context.Context, connectorID int64) error {
	st, err := s.store.GetOrCreateSyncState(ctx, connectorID)
	if err != nil {
		return err
	}
	if st.ReconnectStartedAt != nil {
		return nil
	}

	now := s.now()
	next := now.Add(s.shape.Backoff(0))
	st.ReconnectAttempts = 0
	st.ReconnectStartedAt = &now
	st.NextReconnectAt = &next

	s.logger.Info().Int64("connector_id", connectorID).Time("next_attempt", next).
		Msg("reconnect cycle started")
	return s.store.UpdateSyncState(ctx, st)
}

// Attempt probes one connector and applies the outcome: recovery clears the
// reconnect fields, failure schedules the next probe on the backoff curve.
func (s *Service) Attempt(ctx context.Context, connectorID int64, currentAttempt int) (Result, error) {
	now := s.now()
	res := Result{ConnectorID: connectorID, AttemptNumber: currentAttempt + 1}
	label := strconv.FormatInt(connectorID, 10)

	c, err := s.store.GetConnector(ctx, connectorID)
	if err != nil {
		return res, err
	}
	if c == nil {
		return res, fmt.Errorf("connector %d not found", connectorID)
	}

	health, probeErr := s.probe(ctx, *c)
	res.Health = health

	if probeErr == nil && health == store.HealthHealthy {
		res.Recovered = true
		if err := s.store.UpdateConnectorHealth(ctx, connectorID, store.HealthHealthy); err != nil {
			return res, err
		}
		st, err := s.store.GetOrCreateSyncState(ctx, connectorID)
		if err != nil {
			return res, err
		}
		st.ReconnectAttempts = 0
		st.NextReconnectAt = nil
		st.ReconnectStartedAt = nil
		st.LastReconnectError = nil
		if err := s.store.UpdateSyncState(ctx, st); err != nil {
			return res, err
		}
		metrics.RecordReconnect(label, "recovered")
		s.logger.Info().Int64("connector_id", connectorID).Int("attempt", res.AttemptNumber).
			Msg("connector recovered")
		return res, nil
	}

	if probeErr != nil {
		res.Error = probeErr.Error()
	}
	if err := s.store.UpdateConnectorHealth(ctx, connectorID, health); err != nil {
		return res, err
	}

	st, err := s.store.GetOrCreateSyncState(ctx, connectorID)
	if err != nil {
		return res, err
	}
	st.ReconnectAttempts = currentAttempt + 1
	next := now.Add(s.shape.Backoff(currentAttempt + 1))
	st.NextReconnectAt = &next
	if st.ReconnectStartedAt == nil {
		st.ReconnectStartedAt = &now
	}
	if res.Error != "" {
		st.LastReconnectError = &res.Error
	}
	if err := s.store.UpdateSyncState(ctx, st); err != nil {
		return res, err
	}

	metrics.RecordReconnect(label, "failed")
	s.logger.Warn().Int64("connector_id", connectorID).Int("attempt", res.AttemptNumber).
		Str("health", string(health)).Str("error", res.Error).Time("next_attempt", next).
		Msg("reconnect attempt failed")
	return res, nil
}

// probe runs ping plus health and maps the outcome onto a connector health.
// Authentication failures mean the instance is up but rejecting us.
func (s *Service) probe(ctx context.Context, c store.Connector) (store.Health, error) {
	probeCtx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	apiKey, err := s.secrets.APIKey(probeCtx, c.ID)
	if err != nil {
		return store.HealthUnhealthy, err
	}
	p := s.probers(c, apiKey)

	up, err := p.Ping(probeCtx)
	if err != nil {
		return store.HealthOffline, err
	}
	if !up {
		return store.HealthOffline, fmt.Errorf("ping returned not ok")
	}

	items, err := p.Health(probeCtx)
	if err != nil {
		if cat, ok := connector.CategoryOf(err); ok && cat == connector.CategoryAuthentication {
			return store.HealthUnhealthy, err
		}
		return store.HealthOffline, err
	}
	if connector.HasErrors(items) {
		return store.HealthDegraded, fmt.Errorf("upstream health reports errors")
	}
	return store.HealthHealthy, nil
}

// TriggerManual is the operator override: probe now, with the attempt counter
// reset. The reported attempt number still reflects the history before the
// reset.
func (s *Service) TriggerManual(ctx context.Context, connectorID int64) (Result, error) {
	st, err := s.store.GetOrCreateSyncState(ctx, connectorID)
	if err != nil {
		return Result{}, err
	}
	previous := st.ReconnectAttempts

	st.ReconnectAttempts = 0
	st.NextReconnectAt = nil
	if err := s.store.UpdateSyncState(ctx, st); err != nil {
		return Result{}, err
	}

	res, err := s.Attempt(ctx, connectorID, 0)
	res.AttemptNumber = previous + 1
	return res, err
}

// Pause suspends reconnect probing for a connector.
func (s *Service) Pause(ctx context.Context, connectorID int64) error {
	st, err := s.store.GetOrCreateSyncState(ctx, connectorID)
	if err != nil {
		return err
	}
	st.ReconnectPaused = true
	s.logger.Info().Int64("connector_id", connectorID).Msg("reconnect paused")
	return s.store.UpdateSyncState(ctx, st)
}

// Resume re-enables probing and reschedules from the current attempt count.
func (s *Service) Resume(ctx context.Context, connectorID int64) error {
	st, err := s.store.GetOrCreateSyncState(ctx, connectorID)
	if err != nil {
		return err
	}
	st.ReconnectPaused = false
	next := s.now().Add(s.shape.Backoff(st.ReconnectAttempts))
	st.NextReconnectAt = &next
	s.logger.Info().Int64("connector_id", connectorID).Time("next_attempt", next).Msg("reconnect resumed")
	return s.store.UpdateSyncState(ctx, st)
}

// ProcessDue is the periodic sweep: probe every connector whose reconnect is
// due and report aggregated counts.
func (s *Service) ProcessDue(ctx context.Context) (TickResult, error) {
	var tick TickResult
	due, err := s.store.DueReconnects(ctx, s.now())
	if err != nil {
		return tick, err
	}

	for _, st := range due {
		res, err := s.Attempt(ctx, st.ConnectorID, st.ReconnectAttempts)
		if err != nil {
			s.logger.Error().Err(err).Int64("connector_id", st.ConnectorID).Msg("reconnect attempt errored")
			tick.Failed++
			continue
		}
		tick.Attempted++
		if res.Recovered {
			tick.Recovered++
		} else {
			tick.Failed++
		}
	}
	return tick, nil
}

// ApplySyncFailure degrades connector health after a failed content sync.
// Authentication failures are immediately unhealthy; anything else climbs the
// consecutive-failure ladder. Offline connectors get a reconnect cycle.
func (s *Service) ApplySyncFailure(ctx context.Context, connectorID int64, category store.FailureCategory) error {
	st, err := s.store.GetOrCreateSyncState(ctx, connectorID)
	if err != nil {
		return err
	}
	st.ConsecutiveFailures++
	if err := s.store.UpdateSyncState(ctx, st); err != nil {
		return err
	}

	health := store.HealthHealthy
	switch {
	case category == store.FailAuthentication:
		health = store.HealthUnhealthy
	case category == store.FailNetwork || category == store.FailTimeout:
		health = store.HealthOffline
	case st.ConsecutiveFailures >= s.unhealthyThreshold:
		health = store.HealthUnhealthy
	case st.ConsecutiveFailures >= s.degradedThreshold:
		health = store.HealthDegraded
	}
	if err := s.store.UpdateConnectorHealth(ctx, connectorID, health); err != nil {
		return err
	}
	if health == store.HealthOffline {
		return s.InitializeForOffline(ctx, connectorID)
	}
	return nil
}

// ApplySyncSuccess restores health and zeroes the failure counter.
func (s *Service) ApplySyncSuccess(ctx context.Context, connectorID int64) error {
	st, err := s.store.GetOrCreateSyncState(ctx, connectorID)
	if err != nil {
		return err
	}
	now := s.now()
	st.LastSync = &now
	st.ConsecutiveFailures = 0
	if err := s.store.UpdateSyncState(ctx, st); err != nil {
		return err
	}
	return s.store.UpdateConnectorHealth(ctx, connectorID, store.HealthHealthy)
}
