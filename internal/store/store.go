// SPDX-License-Identifier: MIT

// Package store is the persistence adapter for the search control plane.
// All durable state lives in a single sqlite database; the store is the only
// synchronisation surface between ticks and dispatch passes.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // SQLite driver (pure Go, no CGO)
)

// timeLayout keeps millisecond precision and sorts lexicographically, so SQL
// string comparison matches time comparison.
const timeLayout = "2006-01-02T15:04:05.000Z07:00"

// Store provides sqlite persistence for the operator.
type Store struct {
	db *sql.DB
}

// Open initialises the sqlite store at dbPath and runs migrations.
// WAL mode plus busy_timeout avoids "database locked" errors under the
// concurrent tick/dispatch writers.
func Open(dbPath string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_busy_timeout=5000&_journal_mode=WAL&_synchronous=NORMAL", dbPath)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// Sqlite has a single writer; one pooled connection keeps every
	// read-modify-write serialised and avoids SQLITE_BUSY under the
	// concurrent tick goroutines.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping verifies the database connection, for readiness checks.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) migrate() error {
	if _, err := s.db.Exec(`PRAGMA foreign_keys = ON; PRAGMA busy_timeout = 5000;`); err != nil {
		return err
	}

	schema := `
	CREATE TABLE IF NOT EXISTS connectors (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT NOT NULL UNIQUE,
		kind TEXT NOT NULL CHECK(kind IN ('sonarr', 'radarr', 'whisparr')),
		base_url TEXT NOT NULL,
		api_key_enc TEXT NOT NULL,
		enabled INTEGER NOT NULL DEFAULT 1,
		health TEXT NOT NULL DEFAULT 'unknown' CHECK(health IN ('healthy', 'degraded', 'unhealthy', 'offline', 'unknown')),
		queue_paused INTEGER NOT NULL DEFAULT 0,
		throttle_profile_id INTEGER REFERENCES throttle_profiles(id),
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS throttle_profiles (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT NOT NULL UNIQUE,
		requests_per_minute INTEGER NOT NULL CHECK(requests_per_minute >= 1),
		daily_budget INTEGER CHECK(daily_budget IS NULL OR daily_budget > 0),
		batch_size INTEGER NOT NULL CHECK(batch_size >= 1),
		batch_cooldown_seconds INTEGER NOT NULL CHECK(batch_cooldown_seconds >= 0),
		rate_limit_pause_seconds INTEGER NOT NULL CHECK(rate_limit_pause_seconds >= 0),
		is_default INTEGER NOT NULL DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS throttle_state (
		connector_id INTEGER PRIMARY KEY REFERENCES connectors(id) ON DELETE CASCADE,
		requests_this_minute INTEGER NOT NULL DEFAULT 0,
		requests_today INTEGER NOT NULL DEFAULT 0,
		minute_window_start TEXT,
		day_window_start TEXT,
		paused_until TEXT,
		pause_reason TEXT CHECK(pause_reason IS NULL OR pause_reason IN ('rate_limit', 'daily_budget_exhausted', 'manual')),
		last_request_at TEXT
	);

	CREATE TABLE IF NOT EXISTS series (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		connector_id INTEGER NOT NULL REFERENCES connectors(id) ON DELETE CASCADE,
		upstream_id INTEGER NOT NULL,
		title TEXT NOT NULL,
		monitored INTEGER NOT NULL DEFAULT 1,
		UNIQUE(connector_id, upstream_id)
	);

	CREATE TABLE IF NOT EXISTS seasons (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		series_id INTEGER NOT NULL REFERENCES series(id) ON DELETE CASCADE,
		number INTEGER NOT NULL,
		total_episodes INTEGER NOT NULL DEFAULT 0,
		downloaded_episodes INTEGER NOT NULL DEFAULT 0,
		next_airing TEXT,
		monitored INTEGER NOT NULL DEFAULT 1,
		UNIQUE(series_id, number)
	);

	CREATE TABLE IF NOT EXISTS episodes (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		connector_id INTEGER NOT NULL REFERENCES connectors(id) ON DELETE CASCADE,
		series_id INTEGER NOT NULL REFERENCES series(id) ON DELETE CASCADE,
		upstream_id INTEGER NOT NULL,
		season_number INTEGER NOT NULL,
		episode_number INTEGER NOT NULL,
		title TEXT NOT NULL DEFAULT '',
		has_file INTEGER NOT NULL DEFAULT 0,
		quality_cutoff_not_met INTEGER,
		monitored INTEGER NOT NULL DEFAULT 1,
		air_date TEXT,
		UNIQUE(connector_id, upstream_id)
	);

	CREATE TABLE IF NOT EXISTS movies (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		connector_id INTEGER NOT NULL REFERENCES connectors(id) ON DELETE CASCADE,
		upstream_id INTEGER NOT NULL,
		title TEXT NOT NULL DEFAULT '',
		has_file INTEGER NOT NULL DEFAULT 0,
		quality_cutoff_not_met INTEGER,
		monitored INTEGER NOT NULL DEFAULT 1,
		UNIQUE(connector_id, upstream_id)
	);

	CREATE TABLE IF NOT EXISTS search_registry (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		connector_id INTEGER NOT NULL REFERENCES connectors(id) ON DELETE CASCADE,
		content_type TEXT NOT NULL CHECK(content_type IN ('episode', 'movie')),
		content_id INTEGER NOT NULL,
		search_type TEXT NOT NULL CHECK(search_type IN ('gap', 'upgrade')),
		state TEXT NOT NULL DEFAULT 'pending' CHECK(state IN ('pending', 'queued', 'searching', 'cooldown', 'exhausted')),
		attempt_count INTEGER NOT NULL DEFAULT 0,
		last_searched TEXT,
		next_eligible TEXT,
		failure_category TEXT,
		season_pack_failed INTEGER NOT NULL DEFAULT 0,
		backlog_tier INTEGER NOT NULL DEFAULT 0 CHECK(backlog_tier BETWEEN 0 AND 5),
		priority INTEGER NOT NULL DEFAULT 0,
		first_seen TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		UNIQUE(connector_id, content_type, content_id)
	);

	CREATE INDEX IF NOT EXISTS idx_registry_eligible
		ON search_registry(connector_id, state, next_eligible);

	CREATE TABLE IF NOT EXISTS request_queue (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		registry_id INTEGER NOT NULL UNIQUE REFERENCES search_registry(id) ON DELETE CASCADE,
		connector_id INTEGER NOT NULL,
		priority INTEGER NOT NULL,
		scheduled_at TEXT NOT NULL,
		batch_id TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_queue_order
		ON request_queue(connector_id, priority DESC, scheduled_at ASC);

	CREATE TABLE IF NOT EXISTS search_history (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		registry_id INTEGER NOT NULL,
		connector_id INTEGER NOT NULL,
		outcome TEXT NOT NULL CHECK(outcome IN ('success', 'no_results', 'error', 'timeout')),
		category TEXT,
		metadata TEXT NOT NULL DEFAULT '{}',
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_history_registry ON search_history(registry_id);

	CREATE TABLE IF NOT EXISTS sync_state (
		connector_id INTEGER PRIMARY KEY REFERENCES connectors(id) ON DELETE CASCADE,
		last_sync TEXT,
		consecutive_failures INTEGER NOT NULL DEFAULT 0,
		reconnect_attempts INTEGER NOT NULL DEFAULT 0,
		next_reconnect_at TEXT,
		reconnect_started_at TEXT,
		last_reconnect_error TEXT,
		reconnect_paused INTEGER NOT NULL DEFAULT 0
	);
	`

	if _, err := s.db.Exec(schema); err != nil {
		return err
	}
	return s.seedProfiles()
}

// seedProfiles inserts the three built-in throttle presets. Moderate is the
// default unless an operator has already flagged another profile.
func (s *Store) seedProfiles() error {
	presets := []ThrottleProfile{
		{Name: "Conservative", RequestsPerMinute: 2, DailyBudget: intPtr(200), BatchSize: 5, BatchCooldownSeconds: 120, RateLimitPauseSeconds: 600},
		{Name: "Moderate", RequestsPerMinute: 5, DailyBudget: intPtr(500), BatchSize: 10, BatchCooldownSeconds: 60, RateLimitPauseSeconds: 300, IsDefault: true},
		{Name: "Aggressive", RequestsPerMinute: 10, DailyBudget: intPtr(2000), BatchSize: 20, BatchCooldownSeconds: 30, RateLimitPauseSeconds: 120},
	}
	for _, p := range presets {
		_, err := s.db.Exec(`
		INSERT INTO throttle_profiles (name, requests_per_minute, daily_budget, batch_size, batch_cooldown_seconds, rate_limit_pause_seconds, is_default)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(name) DO NOTHING
		`, p.Name, p.RequestsPerMinute, p.DailyBudget, p.BatchSize, p.BatchCooldownSeconds, p.RateLimitPauseSeconds, boolInt(p.IsDefault))
		if err != nil {
			return fmt.Errorf("seed profile %s: %w", p.Name, err)
		}
	}
	return nil
}

// BeginTx starts a new transaction.
func (s *Store) BeginTx(ctx context.Context) (*sql.Tx, error) {
	return s.db.BeginTx(ctx, nil)
}

func intPtr(v int) *int { return &v }

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func formatTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t.UTC()
}

func parseTimePtr(ns sql.NullString) *time.Time {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	t := parseTime(ns.String)
	return &t
}
