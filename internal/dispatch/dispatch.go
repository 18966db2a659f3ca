// SPDX-License-Identifier: MIT

// Package dispatch executes search passes: it drains the request queue per
// connector, batches rows into upstream commands, and folds every result back
// into the registry and throttle state.
package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/comradarr/comradarr/internal/batch"
	"github.com/comradarr/comradarr/internal/connector"
	xlog "github.com/comradarr/comradarr/internal/log"
	"github.com/comradarr/comradarr/internal/metrics"
	"github.com/comradarr/comradarr/internal/registry"
	"github.com/comradarr/comradarr/internal/secrets"
	"github.com/comradarr/comradarr/internal/store"
	"github.com/comradarr/comradarr/internal/throttle"
)

// Searcher is the slice of the connector client the dispatcher needs.
type Searcher interface {
	SendCommand(ctx context.Context, cmd connector.Command) (connector.CommandResponse, error)
}

// ClientFactory builds a Searcher for one connector. Swappable for tests.
type ClientFactory func(c store.Connector, apiKey string) Searcher

// IndexerHealth is the advisory snapshot consulted before each upstream call.
type IndexerHealth struct {
	RateLimitedIndexers int
}

// IndexerHealthFunc supplies the snapshot. Errors are logged and ignored;
// dispatch never blocks on the advisory path.
type IndexerHealthFunc func(ctx context.Context) (IndexerHealth, error)

// PassResult summarises one dispatch pass for one connector.
type PassResult struct {
	ConnectorID int64
	Batches     int
	Dispatched  int // commands sent upstream
	Succeeded   int
	Failed      int
	Skipped     int // batches never attempted after an abort
	Aborted     string
}

// Dispatcher drives search passes across the fleet.
type Dispatcher struct {
	store    *store.Store
	throttle *throttle.Enforcer
	registry *registry.Service
	secrets  secrets.Provider

	batchCfg       batch.Config
	selectionLimit int

	clients       ClientFactory
	indexerHealth IndexerHealthFunc
	now           func() time.Time
	logger        zerolog.Logger
}

// Option customises a Dispatcher.
type Option func(*Dispatcher)

// WithClientFactory swaps the upstream client construction, for tests.
func WithClientFactory(f ClientFactory) Option {
	return func(d *Dispatcher) { d.clients = f }
}

// WithIndexerHealth wires the advisory indexer-health snapshot.
func WithIndexerHealth(f IndexerHealthFunc) Option {
	return func(d *Dispatcher) { d.indexerHealth = f }
}

// WithClock injects a deterministic clock, for tests.
func WithClock(now func() time.Time) Option {
	return func(d *Dispatcher) { d.now = now }
}

// WithBatchConfig overrides the batching thresholds.
func WithBatchConfig(cfg batch.Config) Option {
	return func(d *Dispatcher) { d.batchCfg = cfg }
}

// WithSelectionLimit caps how many rows one pass considers.
func WithSelectionLimit(n int) Option {
	return func(d *Dispatcher) { d.selectionLimit = n }
}

// New builds a Dispatcher.
func New(st *store.Store, enf *throttle.Enforcer, reg *registry.Service, sec secrets.Provider, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		store:          st,
		throttle:       enf,
		registry:       reg,
		secrets:        sec,
		batchCfg:       batch.DefaultConfig(),
		selectionLimit: 500,
		now:            time.Now,
		logger:         xlog.WithComponent("dispatch"),
	}
	d.clients = func(c store.Connector, apiKey string) Searcher {
		return connector.New(connector.Kind(c.Kind), c.BaseURL, apiKey)
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// RunAll runs one pass over every dispatchable connector in parallel.
// Per-connector failures are logged, not propagated; one broken upstream must
// not starve the rest of the fleet.
func (d *Dispatcher) RunAll(ctx context.Context) []PassResult {
	started := d.now()
	connectors, err := d.store.DispatchableConnectors(ctx)
	if err != nil {
		d.logger.Error().Err(err).Msg("list dispatchable connectors")
		return nil
	}

	results := make([]PassResult, len(connectors))
	g, gctx := errgroup.WithContext(ctx)
	for i, c := range connectors {
		g.Go(func() error {
			res, err := d.RunPass(gctx, c.ID)
			if err != nil {
				d.logger.Error().Err(err).Int64("connector_id", c.ID).Msg("dispatch pass failed")
			}
			results[i] = res
			return nil
		})
	}
	_ = g.Wait()

	metrics.DispatchPassDuration.Observe(d.now().Sub(started).Seconds())
	return results
}

// RunPass runs one dispatch pass for a single connector: promote lapsed
// cooldowns, enqueue eligible rows, batch, and issue commands serially until
// the queue drains or the throttle denies.
func (d *Dispatcher) RunPass(ctx context.Context, connectorID int64) (PassResult, error) {
	res := PassResult{ConnectorID: connectorID}
	now := d.now()
	label := strconv.FormatInt(connectorID, 10)

	c, err := d.store.GetConnector(ctx, connectorID)
	if err != nil {
		return res, err
	}
	if c == nil {
		return res, fmt.Errorf("connector %d not found", connectorID)
	}
	if !c.Enabled || c.QueuePaused || c.Health == store.HealthOffline {
		return res, nil
	}

	if _, err := d.registry.PromoteCooldowns(ctx); err != nil {
		return res, fmt.Errorf("promote cooldowns: %w", err)
	}
	if _, err := d.registry.EnqueueEligible(ctx, connectorID, d.selectionLimit); err != nil {
		return res, fmt.Errorf("enqueue eligible: %w", err)
	}

	items, err := d.store.QueuedItems(ctx, connectorID, d.selectionLimit)
	if err != nil {
		return res, err
	}
	if depth, err := d.store.QueueDepth(ctx, connectorID); err == nil {
		metrics.SetQueueDepth(label, float64(depth))
	}
	if len(items) == 0 {
		return res, nil
	}

	batches, queueIDsByRegistry, err := d.buildBatches(ctx, c, items)
	if err != nil {
		return res, err
	}
	res.Batches = len(batches)
	if len(batches) == 0 {
		return res, nil
	}

	apiKey, err := d.secrets.APIKey(ctx, connectorID)
	if err != nil {
		return res, fmt.Errorf("resolve api key: %w", err)
	}
	client := d.clients(*c, apiKey)

	for i, b := range batches {
		decision, err := d.throttle.CanDispatch(ctx, connectorID)
		if err != nil {
			return res, err
		}
		if !decision.Allowed {
			res.Skipped = len(batches) - i
			res.Aborted = decision.Reason
			d.logger.Info().Int64("connector_id", connectorID).Str("reason", decision.Reason).
				Dur("retry_after", decision.RetryAfter).Int("skipped_batches", res.Skipped).
				Msg("throttle denied, aborting pass")
			return res, nil
		}

		d.advisoryIndexerCheck(ctx, connectorID)

		abort, err := d.dispatchBatch(ctx, c, client, b, queueIDsByRegistry, &res, now)
		if err != nil {
			return res, err
		}
		if abort {
			res.Skipped = len(batches) - i - 1
			return res, nil
		}
	}
	return res, nil
}

// buildBatches loads content for every queue item and runs the batcher.
// Returns the batches plus the registry-to-queue-row mapping for batch
// stamping.
func (d *Dispatcher) buildBatches(ctx context.Context, c *store.Connector, items []store.QueueItem) ([]batch.Batch, map[int64]int64, error) {
	profile, err := d.throttle.EffectiveProfile(ctx, c)
	if err != nil {
		return nil, nil, err
	}

	queueByRegistry := make(map[int64]int64, len(items))
	var episodes []batch.EpisodeItem
	var movies []batch.MovieItem

	for _, item := range items {
		queueByRegistry[item.RegistryID] = item.ID
		row, err := d.store.GetRegistryRow(ctx, item.RegistryID)
		if err != nil {
			return nil, nil, err
		}
		if row == nil {
			continue
		}
		switch row.ContentType {
		case store.ContentEpisode:
			e, err := d.store.GetEpisode(ctx, row.ContentID)
			if err != nil {
				return nil, nil, err
			}
			if e == nil {
				continue
			}
			episodes = append(episodes, batch.EpisodeItem{
				RegistryID:       row.ID,
				EpisodeID:        e.UpstreamID,
				SeriesID:         e.SeriesID,
				SeasonNumber:     e.SeasonNumber,
				SeasonPackFailed: row.SeasonPackFailed,
			})
		case store.ContentMovie:
			m, err := d.store.GetMovie(ctx, row.ContentID)
			if err != nil {
				return nil, nil, err
			}
			if m == nil {
				continue
			}
			movies = append(movies, batch.MovieItem{RegistryID: row.ID, MovieID: m.UpstreamID})
		}
	}

	lookup := func(seriesID int64, seasonNumber int) (batch.SeasonStats, bool) {
		stats, err := d.store.SeasonStats(ctx, seriesID, seasonNumber)
		if err != nil || stats == nil {
			return batch.SeasonStats{}, false
		}
		return batch.SeasonStats{
			TotalEpisodes:      stats.TotalEpisodes,
			DownloadedEpisodes: stats.DownloadedEpisodes,
			NextAiring:         stats.NextAiring,
		}, true
	}

	batches := batch.BuildEpisodeBatches(episodes, lookup, d.batchCfg, profile.BatchSize)
	batches = append(batches, batch.BuildMovieBatches(movies, d.batchCfg, profile.BatchSize)...)
	return batches, queueByRegistry, nil
}

// dispatchBatch claims the batch rows, issues the command and records the
// outcome. Returns abort=true when the remainder of the pass must stop.
func (d *Dispatcher) dispatchBatch(ctx context.Context, c *store.Connector, client Searcher, b batch.Batch, queueByRegistry map[int64]int64, res *PassResult, now time.Time) (bool, error) {
	label := strconv.FormatInt(c.ID, 10)

	var queueIDs []int64
	for _, regID := range b.RegistryIDs {
		if qid, ok := queueByRegistry[regID]; ok {
			queueIDs = append(queueIDs, qid)
		}
	}
	if err := d.store.AssignBatch(ctx, b.ID, queueIDs); err != nil {
		return false, err
	}

	var claimed []int64
	for _, regID := range b.RegistryIDs {
		ok, err := d.store.ClaimSearching(ctx, regID, now)
		if err != nil {
			return false, err
		}
		if ok {
			claimed = append(claimed, regID)
		}
	}
	if len(claimed) == 0 {
		return false, nil
	}

	_, isSeasonPack := b.Command.(connector.SeasonSearch)
	metadata := batchMetadata(b)

	started := d.now()
	resp, err := client.SendCommand(ctx, b.Command)
	metrics.UpstreamRequestDuration.WithLabelValues(label).Observe(d.now().Sub(started).Seconds())
	res.Dispatched++
	metrics.RecordDispatch(label, b.Command.Name())

	if err == nil {
		if err := d.throttle.RecordRequest(ctx, c.ID); err != nil {
			return false, err
		}
		outcome := store.OutcomeSuccess
		if resp.Status == "failed" {
			outcome = store.OutcomeNoResults
		}
		for _, regID := range claimed {
			if err := d.registry.RecordOutcome(ctx, regID, registry.OutcomeInput{
				Outcome:    outcome,
				SeasonPack: isSeasonPack,
				Metadata:   metadata,
			}); err != nil {
				return false, err
			}
		}
		res.Succeeded++
		return false, nil
	}

	// The request went out; it counts against the budget whatever came back.
	if recErr := d.throttle.RecordRequest(ctx, c.ID); recErr != nil {
		return false, recErr
	}
	res.Failed++

	cat, _ := connector.CategoryOf(err)
	metrics.RecordUpstreamError(label, string(cat))
	d.logger.Warn().Err(err).Int64("connector_id", c.ID).Str("batch_id", b.ID).
		Str("category", string(cat)).Msg("upstream command failed")

	switch cat {
	case connector.CategoryRateLimit:
		retryAfter := int(connector.RetryAfterOf(err) / time.Second)
		if hrErr := d.throttle.HandleRateLimitResponse(ctx, c.ID, retryAfter); hrErr != nil {
			return false, hrErr
		}
		st, stErr := d.store.GetOrCreateThrottleState(ctx, c.ID)
		if stErr != nil {
			return false, stErr
		}
		fail := store.FailRateLimit
		for _, regID := range claimed {
			if err := d.registry.RecordOutcome(ctx, regID, registry.OutcomeInput{
				Outcome:     store.OutcomeError,
				Category:    &fail,
				PausedUntil: st.PausedUntil,
				Metadata:    metadata,
			}); err != nil {
				return false, err
			}
		}
		return true, nil

	case connector.CategoryAuthentication:
		fail := store.FailAuthentication
		for _, regID := range claimed {
			if err := d.registry.RecordOutcome(ctx, regID, registry.OutcomeInput{
				Outcome:  store.OutcomeError,
				Category: &fail,
				Metadata: metadata,
			}); err != nil {
				return false, err
			}
		}
		if err := d.store.UpdateConnectorHealth(ctx, c.ID, store.HealthDegraded); err != nil {
			return false, err
		}
		return true, nil

	default:
		outcome := store.OutcomeError
		if cat == connector.CategoryTimeout {
			outcome = store.OutcomeTimeout
		}
		fail := store.FailureCategory(cat)
		for _, regID := range claimed {
			if err := d.registry.RecordOutcome(ctx, regID, registry.OutcomeInput{
				Outcome:  outcome,
				Category: &fail,
				Metadata: metadata,
			}); err != nil {
				return false, err
			}
		}
		return false, nil
	}
}

// advisoryIndexerCheck logs when the collaborator reports rate-limited
// indexers. Purely advisory; any failure here is swallowed.
func (d *Dispatcher) advisoryIndexerCheck(ctx context.Context, connectorID int64) {
	if d.indexerHealth == nil {
		return
	}
	snap, err := d.indexerHealth(ctx)
	if err != nil {
		d.logger.Debug().Err(err).Msg("indexer health lookup failed, proceeding")
		return
	}
	if snap.RateLimitedIndexers > 0 {
		d.logger.Warn().Int64("connector_id", connectorID).
			Int("rate_limited_indexers", snap.RateLimitedIndexers).
			Msg("indexers report rate limiting, dispatching anyway")
	}
}

func batchMetadata(b batch.Batch) string {
	meta := map[string]any{
		"batchId": b.ID,
		"command": b.Command.Name(),
		"items":   connector.ItemCount(b.Command),
	}
	if b.Reason != "" {
		meta["reason"] = b.Reason
	}
	raw, err := json.Marshal(meta)
	if err != nil {
		return "{}"
	}
	return string(raw)
}
