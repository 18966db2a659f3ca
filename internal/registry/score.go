// SPDX-License-Identifier: MIT

package registry

import (
	"time"

	"github.com/comradarr/comradarr/internal/store"
)

// Priority scoring constants. The score is pure and deterministic for a given
// row, airing flag and clock.
const (
	scoreBase = 1000

	// Linear reward for older gaps, capped.
	scoreAgePerDay = 1
	scoreAgeCap    = 100

	// Currently-airing episodes outrank backlog; gaps outrank upgrades at
	// the same tier; repeated failures sink slowly.
	scoreAiringBonus = 50
	scoreGapBonus    = 25
	scorePerAttempt  = 5
)

// Score computes the dispatch priority for a registry row. Higher dispatches
// first; ties are broken downstream by scheduledAt then id.
func Score(row store.RegistryRow, airing bool, now time.Time) int {
	score := scoreBase

	ageDays := int(now.Sub(row.FirstSeen).Hours() / 24)
	if ageDays > 0 {
		reward := ageDays * scoreAgePerDay
		if reward > scoreAgeCap {
			reward = scoreAgeCap
		}
		score += reward
	}
	if airing {
		score += scoreAiringBonus
	}
	if row.SearchType == store.SearchGap {
		score += scoreGapBonus
	}
	score -= row.AttemptCount * scorePerAttempt
	return score
}
