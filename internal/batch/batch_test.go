// SPDX-License-Identifier: MIT

package batch

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/comradarr/comradarr/internal/connector"
)

func TestCalculateMissing(t *testing.T) {
	assert.Equal(t, 5, CalculateMissingCount(10, 5))
	assert.Equal(t, 0, CalculateMissingCount(5, 5))
	assert.Equal(t, 0, CalculateMissingCount(3, 7)) // downloaded beyond total clamps to zero

	assert.Equal(t, 50, CalculateMissingPercent(10, 5))
	assert.Equal(t, 0, CalculateMissingPercent(0, 0))
	assert.Equal(t, 33, CalculateMissingPercent(3, 2)) // truncates, never rounds up
	assert.Equal(t, 100, CalculateMissingPercent(8, 0))
}

func TestIsSeasonFullyAired(t *testing.T) {
	assert.True(t, IsSeasonFullyAired(nil))
	next := time.Now().Add(24 * time.Hour)
	assert.False(t, IsSeasonFullyAired(&next))
}

func TestDetermineBatchingDecisionRuleOrder(t *testing.T) {
	cfg := DefaultConfig()
	airing := time.Now().Add(time.Hour)

	cases := []struct {
		name       string
		stats      SeasonStats
		packFailed bool
		wantPack   bool
		wantReason string
	}{
		{
			name:       "fallback wins over everything",
			stats:      SeasonStats{TotalEpisodes: 10, DownloadedEpisodes: 0},
			packFailed: true,
			wantReason: ReasonSeasonPackFallback,
		},
		{
			name:       "airing season stays granular even with high missing",
			stats:      SeasonStats{TotalEpisodes: 10, DownloadedEpisodes: 0, NextAiring: &airing},
			wantReason: ReasonSeasonAiring,
		},
		{
			name:       "nothing missing",
			stats:      SeasonStats{TotalEpisodes: 10, DownloadedEpisodes: 10},
			wantReason: ReasonNoMissingEpisodes,
		},
		{
			name:       "missing count below threshold",
			stats:      SeasonStats{TotalEpisodes: 10, DownloadedEpisodes: 8},
			wantReason: ReasonBelowThreshold,
		},
		{
			name:       "missing percent below threshold",
			stats:      SeasonStats{TotalEpisodes: 10, DownloadedEpisodes: 6},
			wantReason: ReasonBelowThreshold,
		},
		{
			name:       "fully aired and mostly missing takes the pack",
			stats:      SeasonStats{TotalEpisodes: 10, DownloadedEpisodes: 2},
			wantPack:   true,
			wantReason: ReasonFullyAiredHighMiss,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			d := DetermineBatchingDecision(tc.stats, tc.packFailed, cfg)
			assert.Equal(t, tc.wantPack, d.UseSeasonPack)
			assert.Equal(t, tc.wantReason, d.Reason)
		})
	}
}

func noStats(int64, int) (SeasonStats, bool) { return SeasonStats{}, false }

func fixedStats(stats SeasonStats) StatsLookup {
	return func(int64, int) (SeasonStats, bool) { return stats, true }
}

func episodeItems(seriesID int64, season, n int) []EpisodeItem {
	items := make([]EpisodeItem, 0, n)
	for i := 1; i <= n; i++ {
		items = append(items, EpisodeItem{
			RegistryID:   seriesID*1000 + int64(season)*100 + int64(i),
			EpisodeID:    seriesID*100 + int64(i),
			SeriesID:     seriesID,
			SeasonNumber: season,
		})
	}
	return items
}

func totalRegistryIDs(batches []Batch) map[int64]int {
	seen := map[int64]int{}
	for _, b := range batches {
		for _, id := range b.RegistryIDs {
			seen[id]++
		}
	}
	return seen
}

func TestBuildEpisodeBatchesSeasonPack(t *testing.T) {
	items := episodeItems(1, 2, 8)
	batches := BuildEpisodeBatches(items, fixedStats(SeasonStats{TotalEpisodes: 10, DownloadedEpisodes: 2}), DefaultConfig(), 10)

	require.Len(t, batches, 1)
	cmd, ok := batches[0].Command.(connector.SeasonSearch)
	require.True(t, ok)
	assert.EqualValues(t, 1, cmd.SeriesID)
	assert.Equal(t, 2, cmd.SeasonNumber)
	assert.Len(t, batches[0].RegistryIDs, 8)
	assert.Equal(t, ReasonFullyAiredHighMiss, batches[0].Reason)
	assert.NotEmpty(t, batches[0].ID)
}

func TestBuildEpisodeBatchesGranularChunking(t *testing.T) {
	items := episodeItems(1, 1, 23)
	batches := BuildEpisodeBatches(items, noStats, DefaultConfig(), 10)

	require.Len(t, batches, 3)
	sizes := []int{len(batches[0].RegistryIDs), len(batches[1].RegistryIDs), len(batches[2].RegistryIDs)}
	assert.Equal(t, []int{10, 10, 3}, sizes)

	// Chunking preserves input order across the batch boundary.
	var gotEpisodes []int64
	for _, b := range batches {
		cmd, ok := b.Command.(connector.EpisodeSearch)
		require.True(t, ok)
		gotEpisodes = append(gotEpisodes, cmd.EpisodeIDs...)
	}
	wantEpisodes := make([]int64, 0, 23)
	for _, it := range items {
		wantEpisodes = append(wantEpisodes, it.EpisodeID)
	}
	if diff := cmp.Diff(wantEpisodes, gotEpisodes); diff != "" {
		t.Errorf("episode order mismatch (-want +got):\n%s", diff)
	}

	// Conservation: every input registry id appears exactly once.
	seen := totalRegistryIDs(batches)
	require.Len(t, seen, 23)
	for id, n := range seen {
		assert.Equal(t, 1, n, "registry id %d", id)
	}
}

func TestBuildEpisodeBatchesProfileBoundsChunk(t *testing.T) {
	items := episodeItems(1, 1, 10)
	batches := BuildEpisodeBatches(items, noStats, DefaultConfig(), 4)

	require.Len(t, batches, 3)
	assert.Len(t, batches[0].RegistryIDs, 4)
	assert.Len(t, batches[2].RegistryIDs, 2)
}

func TestBuildEpisodeBatchesNeverMixesSeries(t *testing.T) {
	items := append(episodeItems(1, 1, 5), episodeItems(2, 1, 5)...)
	batches := BuildEpisodeBatches(items, noStats, DefaultConfig(), 10)

	require.Len(t, batches, 2)
	for _, b := range batches {
		cmd, ok := b.Command.(connector.EpisodeSearch)
		require.True(t, ok)
		assert.Len(t, cmd.EpisodeIDs, 5)
	}
	assert.Len(t, totalRegistryIDs(batches), 10)
}

func TestBuildEpisodeBatchesFallbackForcesGranular(t *testing.T) {
	items := episodeItems(1, 3, 8)
	items[4].SeasonPackFailed = true

	// Stats that would otherwise pick a season pack.
	batches := BuildEpisodeBatches(items, fixedStats(SeasonStats{TotalEpisodes: 10, DownloadedEpisodes: 2}), DefaultConfig(), 10)

	require.Len(t, batches, 1)
	_, ok := batches[0].Command.(connector.EpisodeSearch)
	require.True(t, ok)
	assert.Equal(t, ReasonSeasonPackFallback, batches[0].Reason)
}

func TestBuildEpisodeBatchesEmptyInput(t *testing.T) {
	assert.Nil(t, BuildEpisodeBatches(nil, noStats, DefaultConfig(), 10))
}

func TestBuildMovieBatches(t *testing.T) {
	items := make([]MovieItem, 0, 12)
	for i := 1; i <= 12; i++ {
		items = append(items, MovieItem{RegistryID: int64(i), MovieID: int64(100 + i)})
	}
	batches := BuildMovieBatches(items, DefaultConfig(), 5)

	require.Len(t, batches, 3)
	total := 0
	for _, b := range batches {
		cmd, ok := b.Command.(connector.MoviesSearch)
		require.True(t, ok)
		assert.LessOrEqual(t, len(cmd.MovieIDs), 5)
		assert.Equal(t, len(cmd.MovieIDs), len(b.RegistryIDs))
		total += len(cmd.MovieIDs)
	}
	assert.Equal(t, 12, total)
}

func TestBuildMovieBatchesEmptyInput(t *testing.T) {
	assert.Nil(t, BuildMovieBatches(nil, DefaultConfig(), 10))
}
