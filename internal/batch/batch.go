// SPDX-License-Identifier: MIT

// Package batch turns eligible registry rows into outbound search commands.
// Every helper here is pure; the dispatcher owns all I/O.
package batch

import (
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/comradarr/comradarr/internal/connector"
)

// Batching decision reasons. These strings are externally observed: they are
// written into search-history metadata.
const (
	ReasonSeasonPackFallback = "season_pack_fallback"
	ReasonSeasonAiring       = "season_currently_airing"
	ReasonNoMissingEpisodes  = "no_missing_episodes"
	ReasonBelowThreshold     = "below_missing_threshold"
	ReasonFullyAiredHighMiss = "season_fully_aired_high_missing"
)

// Config holds the batching thresholds.
type Config struct {
	MinMissingCount      int // below this, season packs are not worth it
	MinMissingPercent    int // 0..100
	MaxEpisodesPerSearch int
	MaxMoviesPerSearch   int
}

// DefaultConfig returns the stock thresholds.
func DefaultConfig() Config {
	return Config{
		MinMissingCount:      3,
		MinMissingPercent:    50,
		MaxEpisodesPerSearch: 10,
		MaxMoviesPerSearch:   10,
	}
}

// SeasonStats is the per-season statistics slice the decision runs on.
type SeasonStats struct {
	TotalEpisodes      int
	DownloadedEpisodes int
	NextAiring         *time.Time
}

// EpisodeItem is one eligible episode row with its registry linkage.
type EpisodeItem struct {
	RegistryID       int64
	EpisodeID        int64 // upstream episode id
	SeriesID         int64 // upstream series id
	SeasonNumber     int
	SeasonPackFailed bool
}

// MovieItem is one eligible movie row with its registry linkage.
type MovieItem struct {
	RegistryID int64
	MovieID    int64 // upstream movie id
}

// Batch is one outbound command plus the registry rows it covers.
type Batch struct {
	ID          string
	Command     connector.Command
	RegistryIDs []int64
	Reason      string
}

// Decision is the season-pack-vs-episode verdict for one series season.
type Decision struct {
	UseSeasonPack bool
	Reason        string
}

// CalculateMissingCount returns how many episodes of a season are absent.
func CalculateMissingCount(total, downloaded int) int {
	if missing := total - downloaded; missing > 0 {
		return missing
	}
	return 0
}

// CalculateMissingPercent returns the missing share as a truncated integer
// percentage. An empty season is 0% missing.
func CalculateMissingPercent(total, downloaded int) int {
	if total == 0 {
		return 0
	}
	return CalculateMissingCount(total, downloaded) * 100 / total
}

// IsSeasonFullyAired reports whether a season has no future airing left.
func IsSeasonFullyAired(nextAiring *time.Time) bool {
	return nextAiring == nil
}

// DetermineBatchingDecision decides season pack versus episode-granular for
// one season. Rules run in order; the first match wins.
func DetermineBatchingDecision(stats SeasonStats, packFailed bool, cfg Config) Decision {
	if packFailed {
		return Decision{Reason: ReasonSeasonPackFallback}
	}
	if !IsSeasonFullyAired(stats.NextAiring) {
		return Decision{Reason: ReasonSeasonAiring}
	}
	missing := CalculateMissingCount(stats.TotalEpisodes, stats.DownloadedEpisodes)
	if missing == 0 {
		return Decision{Reason: ReasonNoMissingEpisodes}
	}
	if missing < cfg.MinMissingCount || CalculateMissingPercent(stats.TotalEpisodes, stats.DownloadedEpisodes) < cfg.MinMissingPercent {
		return Decision{Reason: ReasonBelowThreshold}
	}
	return Decision{UseSeasonPack: true, Reason: ReasonFullyAiredHighMiss}
}

// StatsLookup resolves season statistics for a series season. The second
// return value reports whether statistics were available; without them the
// batcher stays episode-granular.
type StatsLookup func(seriesID int64, seasonNumber int) (SeasonStats, bool)

type seasonKey struct {
	seriesID int64
	season   int
}

// BuildEpisodeBatches groups episode items per series season, runs the
// season-pack decision on each group, and chunks episode-granular groups to
// the effective batch size. The output covers every input item exactly once
// and never mixes series within a batch.
func BuildEpisodeBatches(items []EpisodeItem, lookup StatsLookup, cfg Config, profileBatchSize int) []Batch {
	if len(items) == 0 {
		return nil
	}

	groups := make(map[seasonKey][]EpisodeItem)
	for _, it := range items {
		k := seasonKey{it.SeriesID, it.SeasonNumber}
		groups[k] = append(groups[k], it)
	}

	keys := make([]seasonKey, 0, len(groups))
	for k := range groups {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].seriesID != keys[j].seriesID {
			return keys[i].seriesID < keys[j].seriesID
		}
		return keys[i].season < keys[j].season
	})

	chunk := effectiveSize(cfg.MaxEpisodesPerSearch, profileBatchSize)
	var batches []Batch
	for _, k := range keys {
		group := groups[k]
		sort.Slice(group, func(i, j int) bool { return group[i].EpisodeID < group[j].EpisodeID })

		packFailed := false
		for _, it := range group {
			if it.SeasonPackFailed {
				packFailed = true
				break
			}
		}

		stats, ok := lookup(k.seriesID, k.season)
		var d Decision
		if ok {
			d = DetermineBatchingDecision(stats, packFailed, cfg)
		} else {
			d = Decision{Reason: ReasonBelowThreshold}
			if packFailed {
				d.Reason = ReasonSeasonPackFallback
			}
		}

		if d.UseSeasonPack {
			batches = append(batches, Batch{
				ID:          uuid.NewString(),
				Command:     connector.SeasonSearch{SeriesID: k.seriesID, SeasonNumber: k.season},
				RegistryIDs: registryIDs(group),
				Reason:      d.Reason,
			})
			continue
		}

		for start := 0; start < len(group); start += chunk {
			end := min(start+chunk, len(group))
			part := group[start:end]
			ids := make([]int64, 0, len(part))
			for _, it := range part {
				ids = append(ids, it.EpisodeID)
			}
			batches = append(batches, Batch{
				ID:          uuid.NewString(),
				Command:     connector.EpisodeSearch{SeriesID: k.seriesID, EpisodeIDs: ids},
				RegistryIDs: registryIDs(part),
				Reason:      d.Reason,
			})
		}
	}
	return batches
}

// BuildMovieBatches chunks movie items to the effective batch size.
func BuildMovieBatches(items []MovieItem, cfg Config, profileBatchSize int) []Batch {
	if len(items) == 0 {
		return nil
	}
	sorted := append([]MovieItem(nil), items...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].MovieID < sorted[j].MovieID })

	chunk := effectiveSize(cfg.MaxMoviesPerSearch, profileBatchSize)
	var batches []Batch
	for start := 0; start < len(sorted); start += chunk {
		end := min(start+chunk, len(sorted))
		part := sorted[start:end]
		ids := make([]int64, 0, len(part))
		regIDs := make([]int64, 0, len(part))
		for _, it := range part {
			ids = append(ids, it.MovieID)
			regIDs = append(regIDs, it.RegistryID)
		}
		batches = append(batches, Batch{
			ID:          uuid.NewString(),
			Command:     connector.MoviesSearch{MovieIDs: ids},
			RegistryIDs: regIDs,
		})
	}
	return batches
}

func effectiveSize(maxPerSearch, profileBatchSize int) int {
	size := maxPerSearch
	if profileBatchSize > 0 && profileBatchSize < size {
		size = profileBatchSize
	}
	if size < 1 {
		size = 1
	}
	return size
}

func registryIDs(items []EpisodeItem) []int64 {
	ids := make([]int64, 0, len(items))
	for _, it := range items {
		ids = append(ids, it.RegistryID)
	}
	return ids
}
