// SPDX-License-Identifier: MIT

package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

const connectorColumns = `id, name, kind, base_url, api_key_enc, enabled, health, queue_paused, throttle_profile_id, created_at, updated_at`

func scanConnector(row interface{ Scan(...any) error }) (Connector, error) {
	var c Connector
	var createdAt, updatedAt string
	var profileID sql.NullInt64
	err := row.Scan(&c.ID, &c.Name, &c.Kind, &c.BaseURL, &c.APIKeyEnc, &c.Enabled, &c.Health, &c.QueuePaused, &profileID, &createdAt, &updatedAt)
	if err != nil {
		return Connector{}, err
	}
	if profileID.Valid {
		c.ThrottleProfileID = &profileID.Int64
	}
	c.CreatedAt = parseTime(createdAt)
	c.UpdatedAt = parseTime(updatedAt)
	return c, nil
}

// CreateConnector inserts a new connector row and returns its id.
func (s *Store) CreateConnector(ctx context.Context, c Connector) (int64, error) {
	now := formatTime(time.Now())
	res, err := s.db.ExecContext(ctx, `
	INSERT INTO connectors (name, kind, base_url, api_key_enc, enabled, health, queue_paused, throttle_profile_id, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, c.Name, c.Kind, c.BaseURL, c.APIKeyEnc, boolInt(c.Enabled), string(healthOrUnknown(c.Health)), boolInt(c.QueuePaused), c.ThrottleProfileID, now, now)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func healthOrUnknown(h Health) Health {
	if h == "" {
		return HealthUnknown
	}
	return h
}

// GetConnector retrieves a connector by id, returning nil when absent.
func (s *Store) GetConnector(ctx context.Context, id int64) (*Connector, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+connectorColumns+` FROM connectors WHERE id = ?`, id)
	c, err := scanConnector(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// EncryptedAPIKey returns the stored (still encrypted) API key for a
// connector. Satisfies secrets.KeySource.
func (s *Store) EncryptedAPIKey(ctx context.Context, connectorID int64) (string, error) {
	var enc string
	err := s.db.QueryRowContext(ctx, `SELECT api_key_enc FROM connectors WHERE id = ?`, connectorID).Scan(&enc)
	if err == sql.ErrNoRows {
		return "", fmt.Errorf("connector %d not found", connectorID)
	}
	if err != nil {
		return "", err
	}
	return enc, nil
}

// ListConnectors retrieves all connectors ordered by id.
func (s *Store) ListConnectors(ctx context.Context) ([]Connector, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+connectorColumns+` FROM connectors ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []Connector
	for rows.Next() {
		c, err := scanConnector(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// DispatchableConnectors returns enabled connectors that are neither
// queue-paused nor offline, the set a dispatch tick fans out over.
func (s *Store) DispatchableConnectors(ctx context.Context) ([]Connector, error) {
	rows, err := s.db.QueryContext(ctx, `
	SELECT `+connectorColumns+`
	FROM connectors
	WHERE enabled = 1 AND queue_paused = 0 AND health != 'offline'
	ORDER BY id
	`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []Connector
	for rows.Next() {
		c, err := scanConnector(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// CountConnectors returns the number of connector rows.
func (s *Store) CountConnectors(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM connectors`).Scan(&n)
	return n, err
}

// UpdateConnectorHealth sets the health enum for a connector.
func (s *Store) UpdateConnectorHealth(ctx context.Context, id int64, health Health) error {
	_, err := s.db.ExecContext(ctx, `
	UPDATE connectors SET health = ?, updated_at = ? WHERE id = ?
	`, string(health), formatTime(time.Now()), id)
	return err
}

// SetQueuePaused flips the per-connector queue pause flag.
func (s *Store) SetQueuePaused(ctx context.Context, id int64, paused bool) error {
	_, err := s.db.ExecContext(ctx, `
	UPDATE connectors SET queue_paused = ?, updated_at = ? WHERE id = ?
	`, boolInt(paused), formatTime(time.Now()), id)
	return err
}

const profileColumns = `id, name, requests_per_minute, daily_budget, batch_size, batch_cooldown_seconds, rate_limit_pause_seconds, is_default`

func scanProfile(row interface{ Scan(...any) error }) (ThrottleProfile, error) {
	var p ThrottleProfile
	var budget sql.NullInt64
	err := row.Scan(&p.ID, &p.Name, &p.RequestsPerMinute, &budget, &p.BatchSize, &p.BatchCooldownSeconds, &p.RateLimitPauseSeconds, &p.IsDefault)
	if err != nil {
		return ThrottleProfile{}, err
	}
	if budget.Valid {
		b := int(budget.Int64)
		p.DailyBudget = &b
	}
	return p, nil
}

// GetProfile retrieves a throttle profile by id, returning nil when absent.
func (s *Store) GetProfile(ctx context.Context, id int64) (*ThrottleProfile, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+profileColumns+` FROM throttle_profiles WHERE id = ?`, id)
	p, err := scanProfile(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// DefaultProfile retrieves the profile flagged is_default, or nil.
func (s *Store) DefaultProfile(ctx context.Context) (*ThrottleProfile, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+profileColumns+` FROM throttle_profiles WHERE is_default = 1 LIMIT 1`)
	p, err := scanProfile(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// ProfileByName retrieves a profile by preset name, or nil.
func (s *Store) ProfileByName(ctx context.Context, name string) (*ThrottleProfile, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+profileColumns+` FROM throttle_profiles WHERE name = ?`, name)
	p, err := scanProfile(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

const syncColumns = `connector_id, last_sync, consecutive_failures, reconnect_attempts, next_reconnect_at, reconnect_started_at, last_reconnect_error, reconnect_paused`

func scanSyncState(row interface{ Scan(...any) error }) (SyncState, error) {
	var st SyncState
	var lastSync, nextAt, startedAt, lastErr sql.NullString
	err := row.Scan(&st.ConnectorID, &lastSync, &st.ConsecutiveFailures, &st.ReconnectAttempts, &nextAt, &startedAt, &lastErr, &st.ReconnectPaused)
	if err != nil {
		return SyncState{}, err
	}
	st.LastSync = parseTimePtr(lastSync)
	st.NextReconnectAt = parseTimePtr(nextAt)
	st.ReconnectStartedAt = parseTimePtr(startedAt)
	if lastErr.Valid {
		v := lastErr.String
		st.LastReconnectError = &v
	}
	return st, nil
}

// GetOrCreateSyncState retrieves the sync row for a connector, inserting an
// empty one if absent.
func (s *Store) GetOrCreateSyncState(ctx context.Context, connectorID int64) (SyncState, error) {
	_, err := s.db.ExecContext(ctx, `
	INSERT INTO sync_state (connector_id) VALUES (?)
	ON CONFLICT(connector_id) DO NOTHING
	`, connectorID)
	if err != nil {
		return SyncState{}, err
	}
	row := s.db.QueryRowContext(ctx, `SELECT `+syncColumns+` FROM sync_state WHERE connector_id = ?`, connectorID)
	return scanSyncState(row)
}

// UpdateSyncState persists the mutable sync and reconnect fields.
func (s *Store) UpdateSyncState(ctx context.Context, st SyncState) error {
	res, err := s.db.ExecContext(ctx, `
	UPDATE sync_state
	SET last_sync = ?,
	    consecutive_failures = ?,
	    reconnect_attempts = ?,
	    next_reconnect_at = ?,
	    reconnect_started_at = ?,
	    last_reconnect_error = ?,
	    reconnect_paused = ?
	WHERE connector_id = ?
	`, formatTimePtr(st.LastSync), st.ConsecutiveFailures, st.ReconnectAttempts,
		formatTimePtr(st.NextReconnectAt), formatTimePtr(st.ReconnectStartedAt),
		st.LastReconnectError, boolInt(st.ReconnectPaused), st.ConnectorID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("sync state for connector %d does not exist", st.ConnectorID)
	}
	return nil
}

// DueReconnects selects connectors whose reconnect probe is due: not paused,
// next_reconnect_at set and reached.
func (s *Store) DueReconnects(ctx context.Context, now time.Time) ([]SyncState, error) {
	rows, err := s.db.QueryContext(ctx, `
	SELECT `+syncColumns+`
	FROM sync_state
	WHERE reconnect_paused = 0
	  AND next_reconnect_at IS NOT NULL
	  AND next_reconnect_at <= ?
	ORDER BY connector_id
	`, formatTime(now))
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []SyncState
	for rows.Next() {
		st, err := scanSyncState(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, rows.Err()
}
