// SPDX-License-Identifier: MIT

package store

import "time"

// ConnectorKind identifies the upstream service flavour. All three speak the
// same v3 HTTP API shape.
type ConnectorKind string

const (
	KindSonarr   ConnectorKind = "sonarr"
	KindRadarr   ConnectorKind = "radarr"
	KindWhisparr ConnectorKind = "whisparr"
)

// Health is the operator-visible connector health state.
type Health string

const (
	HealthHealthy   Health = "healthy"
	HealthDegraded  Health = "degraded"
	HealthUnhealthy Health = "unhealthy"
	HealthOffline   Health = "offline"
	HealthUnknown   Health = "unknown"
)

// PauseReason explains why dispatch for a connector is paused.
type PauseReason string

const (
	PauseRateLimit   PauseReason = "rate_limit"
	PauseDailyBudget PauseReason = "daily_budget_exhausted"
	PauseManual      PauseReason = "manual"
)

// SearchType distinguishes missing-content searches from quality upgrades.
type SearchType string

const (
	SearchGap     SearchType = "gap"
	SearchUpgrade SearchType = "upgrade"
)

// SearchState is the registry lifecycle state.
type SearchState string

const (
	StatePending   SearchState = "pending"
	StateQueued    SearchState = "queued"
	StateSearching SearchState = "searching"
	StateCooldown  SearchState = "cooldown"
	StateExhausted SearchState = "exhausted"
)

// ContentType names the mirror table a registry row points at.
type ContentType string

const (
	ContentEpisode ContentType = "episode"
	ContentMovie   ContentType = "movie"
)

// Outcome is the recorded result of one search attempt.
type Outcome string

const (
	OutcomeSuccess   Outcome = "success"
	OutcomeNoResults Outcome = "no_results"
	OutcomeError     Outcome = "error"
	OutcomeTimeout   Outcome = "timeout"
)

// FailureCategory matches the upstream error taxonomy.
type FailureCategory string

const (
	FailNetwork        FailureCategory = "network"
	FailAuthentication FailureCategory = "authentication"
	FailRateLimit      FailureCategory = "rate_limit"
	FailServer         FailureCategory = "server"
	FailTimeout        FailureCategory = "timeout"
	FailValidation     FailureCategory = "validation"
	FailNotFound       FailureCategory = "not_found"
	FailSSL            FailureCategory = "ssl"
)

// Connector is a managed upstream service instance.
type Connector struct {
	ID                int64
	Name              string
	Kind              ConnectorKind
	BaseURL           string
	APIKeyEnc         string // base64(nonce || AES-GCM ciphertext)
	Enabled           bool
	Health            Health
	QueuePaused       bool
	ThrottleProfileID *int64
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// ThrottleProfile is a named preset of rate parameters.
type ThrottleProfile struct {
	ID                    int64
	Name                  string
	RequestsPerMinute     int
	DailyBudget           *int // nil = unlimited
	BatchSize             int
	BatchCooldownSeconds  int
	RateLimitPauseSeconds int
	IsDefault             bool
}

// ThrottleState holds the durable per-connector dispatch counters. One row
// per connector; lazily created on the first dispatch decision.
type ThrottleState struct {
	ConnectorID        int64
	RequestsThisMinute int
	RequestsToday      int
	MinuteWindowStart  *time.Time
	DayWindowStart     *time.Time
	PausedUntil        *time.Time
	PauseReason        *PauseReason
	LastRequestAt      *time.Time
}

// Series mirrors an upstream series row.
type Series struct {
	ID          int64
	ConnectorID int64
	UpstreamID  int64
	Title       string
	Monitored   bool
}

// Season mirrors upstream per-season statistics.
type Season struct {
	ID                 int64
	SeriesID           int64
	Number             int
	TotalEpisodes      int
	DownloadedEpisodes int
	NextAiring         *time.Time
	Monitored          bool
}

// Episode mirrors an upstream episode row.
type Episode struct {
	ID                  int64
	ConnectorID         int64
	SeriesID            int64
	UpstreamID          int64
	SeasonNumber        int
	EpisodeNumber       int
	Title               string
	HasFile             bool
	QualityCutoffNotMet *bool // upstream emits both bool and null; normalised to nullable
	Monitored           bool
	AirDate             *time.Time
}

// Movie mirrors an upstream movie row.
type Movie struct {
	ID                  int64
	ConnectorID         int64
	UpstreamID          int64
	Title               string
	HasFile             bool
	QualityCutoffNotMet *bool
	Monitored           bool
}

// RegistryRow is the durable search lifecycle record for one content item on
// one connector.
type RegistryRow struct {
	ID               int64
	ConnectorID      int64
	ContentType      ContentType
	ContentID        int64
	SearchType       SearchType
	State            SearchState
	AttemptCount     int
	LastSearched     *time.Time
	NextEligible     *time.Time
	FailureCategory  *FailureCategory
	SeasonPackFailed bool
	BacklogTier      int
	Priority         int
	FirstSeen        time.Time
	UpdatedAt        time.Time
}

// QueueItem is a durable dispatch intent referencing a registry row.
type QueueItem struct {
	ID          int64
	RegistryID  int64
	ConnectorID int64
	Priority    int
	ScheduledAt time.Time
	BatchID     *string
}

// HistoryRow is one append-only search outcome record.
type HistoryRow struct {
	ID          int64
	RegistryID  int64
	ConnectorID int64
	Outcome     Outcome
	Category    *FailureCategory
	Metadata    string // JSON blob; batching decision reasons live here
	CreatedAt   time.Time
}

// SyncState tracks per-connector sync and reconnect bookkeeping.
type SyncState struct {
	ConnectorID         int64
	LastSync            *time.Time
	ConsecutiveFailures int
	ReconnectAttempts   int
	NextReconnectAt     *time.Time
	ReconnectStartedAt  *time.Time
	LastReconnectError  *string
	ReconnectPaused     bool
}
