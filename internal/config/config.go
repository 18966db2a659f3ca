// SPDX-License-Identifier: MIT

// Package config loads the process-wide configuration from the environment.
// Every option is a closed field with an explicit default; there is no
// file-based configuration.
package config

import (
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/comradarr/comradarr/internal/timeutil"
)

// Config is the immutable process configuration snapshot.
type Config struct {
	// Server
	ListenAddr  string
	MetricsAddr string
	DBPath      string

	// Credential decryption key, raw bytes (32) or empty when unset.
	SecretKey []byte

	// Reconnect backoff shape.
	ReconnectBaseDelay  time.Duration
	ReconnectMaxDelay   time.Duration
	ReconnectMultiplier float64
	ReconnectJitter     float64

	// Sync-failure health thresholds.
	SyncDegradedThreshold  int
	SyncUnhealthyThreshold int

	// Per-sync retry shape.
	SyncMaxRetries      int
	SyncRetryBaseDelay  time.Duration
	SyncRetryMaxDelay   time.Duration
	SyncRetryMultiplier float64

	// Batching caps and season-pack thresholds.
	MaxEpisodesPerSearch        int
	MaxMoviesPerSearch          int
	SeasonSearchMinMissingCount int
	SeasonSearchMinMissingPct   int

	// Registry cooldown ladder, hours per backlog tier.
	CooldownTierHours []int

	// Tick cadence.
	ThrottleTick  time.Duration
	ReconnectTick time.Duration
	DispatchTick  time.Duration

	// Per-pass registry row selection cap.
	DispatchSelectionLimit int
}

// FromEnv builds a Config from the process environment.
func FromEnv() Config {
	return Config{
		ListenAddr:  ParseString("LISTEN_ADDR", "127.0.0.1:8989"),
		MetricsAddr: ParseString("METRICS_ADDR", ""),
		DBPath:      ParseString("DB_PATH", "comradarr.db"),

		SecretKey: decodeSecretKey(ParseString("SECRET_KEY", "")),

		ReconnectBaseDelay:  time.Duration(ParseInt("RECONNECT_BASE_DELAY_MS", 30000)) * time.Millisecond,
		ReconnectMaxDelay:   time.Duration(ParseInt("RECONNECT_MAX_DELAY_MS", 600000)) * time.Millisecond,
		ReconnectMultiplier: ParseFloat("RECONNECT_MULTIPLIER", 2),
		ReconnectJitter:     ParseFloat("RECONNECT_JITTER", 0.25),

		SyncDegradedThreshold:  ParseInt("SYNC_DEGRADED_THRESHOLD", 2),
		SyncUnhealthyThreshold: ParseInt("SYNC_UNHEALTHY_THRESHOLD", 5),

		SyncMaxRetries:      ParseInt("SYNC_MAX_RETRIES", 3),
		SyncRetryBaseDelay:  ParseDuration("SYNC_RETRY_BASE_DELAY", 30*time.Second),
		SyncRetryMaxDelay:   ParseDuration("SYNC_RETRY_MAX_DELAY", 300*time.Second),
		SyncRetryMultiplier: ParseFloat("SYNC_RETRY_MULTIPLIER", 2),

		MaxEpisodesPerSearch:        ParseInt("MAX_EPISODES_PER_SEARCH", 10),
		MaxMoviesPerSearch:          ParseInt("MAX_MOVIES_PER_SEARCH", 10),
		SeasonSearchMinMissingCount: ParseInt("SEASON_SEARCH_MIN_MISSING_COUNT", 3),
		SeasonSearchMinMissingPct:   ParseInt("SEASON_SEARCH_MIN_MISSING_PERCENT", 50),

		CooldownTierHours: ParseIntList("COOLDOWN_TIER_HOURS", []int{6, 12, 24, 72, 168, 720}),

		ThrottleTick:  ParseDuration("THROTTLE_TICK", time.Second),
		ReconnectTick: ParseDuration("RECONNECT_TICK", 15*time.Second),
		DispatchTick:  ParseDuration("DISPATCH_TICK", 5*time.Second),

		DispatchSelectionLimit: ParseInt("DISPATCH_SELECTION_LIMIT", 500),
	}
}

// decodeSecretKey accepts a 32-byte key in hex or base64, returning nil for
// anything else. Validate reports the hard failure.
func decodeSecretKey(raw string) []byte {
	if raw == "" {
		return nil
	}
	if b, err := hex.DecodeString(raw); err == nil && len(b) == 32 {
		return b
	}
	if b, err := base64.StdEncoding.DecodeString(raw); err == nil && len(b) == 32 {
		return b
	}
	return nil
}

// Validate checks the invariants a running operator depends on.
// hasConnectors reports whether any connector rows exist; a missing secret
// key is fatal only in that case.
func (c Config) Validate(hasConnectors bool) error {
	if hasConnectors && len(c.SecretKey) != 32 {
		return fmt.Errorf("SECRET_KEY must be a 32-byte hex or base64 value when connectors are configured")
	}
	if c.ReconnectBaseDelay <= 0 || c.ReconnectMaxDelay < c.ReconnectBaseDelay {
		return fmt.Errorf("reconnect delays invalid: base=%s max=%s", c.ReconnectBaseDelay, c.ReconnectMaxDelay)
	}
	if c.ReconnectMultiplier < 1 {
		return fmt.Errorf("RECONNECT_MULTIPLIER must be >= 1, got %v", c.ReconnectMultiplier)
	}
	if c.ReconnectJitter < 0 || c.ReconnectJitter >= 1 {
		return fmt.Errorf("RECONNECT_JITTER must be in [0,1), got %v", c.ReconnectJitter)
	}
	if c.MaxEpisodesPerSearch < 1 || c.MaxMoviesPerSearch < 1 {
		return fmt.Errorf("batch size caps must be >= 1")
	}
	if len(c.CooldownTierHours) == 0 {
		return fmt.Errorf("COOLDOWN_TIER_HOURS must name at least one tier")
	}
	for _, h := range c.CooldownTierHours {
		if h <= 0 {
			return fmt.Errorf("cooldown tiers must be positive hours, got %v", c.CooldownTierHours)
		}
	}
	return nil
}

// ReconnectShape returns the configured reconnect backoff curve.
func (c Config) ReconnectShape() timeutil.BackoffShape {
	return timeutil.BackoffShape{
		Base:       c.ReconnectBaseDelay,
		Max:        c.ReconnectMaxDelay,
		Multiplier: c.ReconnectMultiplier,
		Jitter:     c.ReconnectJitter,
	}
}

// SyncRetryShape returns the configured per-sync retry curve.
func (c Config) SyncRetryShape() timeutil.BackoffShape {
	return timeutil.BackoffShape{
		Base:       c.SyncRetryBaseDelay,
		Max:        c.SyncRetryMaxDelay,
		Multiplier: c.SyncRetryMultiplier,
		Jitter:     0.25,
	}
}
