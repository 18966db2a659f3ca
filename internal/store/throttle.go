// SPDX-License-Identifier: MIT

package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/comradarr/comradarr/internal/timeutil"
)

const throttleColumns = `connector_id, requests_this_minute, requests_today, minute_window_start, day_window_start, paused_until, pause_reason, last_request_at`

func scanThrottleState(row interface{ Scan(...any) error }) (ThrottleState, error) {
	var st ThrottleState
	var minStart, dayStart, pausedUntil, pauseReason, lastReq sql.NullString
	err := row.Scan(&st.ConnectorID, &st.RequestsThisMinute, &st.RequestsToday, &minStart, &dayStart, &pausedUntil, &pauseReason, &lastReq)
	if err != nil {
		return ThrottleState{}, err
	}
	st.MinuteWindowStart = parseTimePtr(minStart)
	st.DayWindowStart = parseTimePtr(dayStart)
	st.PausedUntil = parseTimePtr(pausedUntil)
	if pauseReason.Valid && pauseReason.String != "" {
		r := PauseReason(pauseReason.String)
		st.PauseReason = &r
	}
	st.LastRequestAt = parseTimePtr(lastReq)
	return st, nil
}

// GetOrCreateThrottleState retrieves the throttle row for a connector,
// inserting a zeroed one if absent. Lazy creation keeps connectors without
// dispatch activity out of the table.
func (s *Store) GetOrCreateThrottleState(ctx context.Context, connectorID int64) (ThrottleState, error) {
	_, err := s.db.ExecContext(ctx, `
	INSERT INTO throttle_state (connector_id) VALUES (?)
	ON CONFLICT(connector_id) DO NOTHING
	`, connectorID)
	if err != nil {
		return ThrottleState{}, err
	}
	row := s.db.QueryRowContext(ctx, `SELECT `+throttleColumns+` FROM throttle_state WHERE connector_id = ?`, connectorID)
	return scanThrottleState(row)
}

// SlotResult reports the outcome of an atomic minute-slot acquisition.
type SlotResult struct {
	Acquired      bool
	WindowExpired bool
}

// TryAcquireMinuteSlot performs the atomic per-minute read-modify-write in a
// single immediate transaction: an expired window is reset and the first slot
// taken; an open window with remaining capacity is incremented; a full window
// denies. Sqlite serialises writers, so concurrent callers on the same
// connector cannot both take the last slot.
func (s *Store) TryAcquireMinuteSlot(ctx context.Context, connectorID int64, limit int, now time.Time) (SlotResult, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return SlotResult{}, err
	}
	defer func() { _ = tx.Rollback() }()

	// Writer lock up front: sqlite upgrades to an exclusive write lock on the
	// first write statement; the no-op update forces that before we read.
	if _, err := tx.ExecContext(ctx, `
	UPDATE throttle_state SET connector_id = connector_id WHERE connector_id = ?
	`, connectorID); err != nil {
		return SlotResult{}, err
	}

	row := tx.QueryRowContext(ctx, `SELECT `+throttleColumns+` FROM throttle_state WHERE connector_id = ?`, connectorID)
	st, err := scanThrottleState(row)
	if err != nil {
		return SlotResult{}, err
	}

	res := SlotResult{}
	switch {
	case timeutil.IsMinuteWindowExpired(st.MinuteWindowStart, now):
		res.WindowExpired = true
		res.Acquired = true
		if _, err := tx.ExecContext(ctx, `
		UPDATE throttle_state SET minute_window_start = ?, requests_this_minute = 1 WHERE connector_id = ?
		`, formatTime(now), connectorID); err != nil {
			return SlotResult{}, err
		}
	case st.RequestsThisMinute < limit:
		res.Acquired = true
		if _, err := tx.ExecContext(ctx, `
		UPDATE throttle_state SET requests_this_minute = requests_this_minute + 1 WHERE connector_id = ?
		`, connectorID); err != nil {
			return SlotResult{}, err
		}
	}

	if err := tx.Commit(); err != nil {
		return SlotResult{}, err
	}
	return res, nil
}

// RecordRequest bumps the daily counter and last-request timestamp. The
// minute counter was already bumped by the slot acquisition.
func (s *Store) RecordRequest(ctx context.Context, connectorID int64, now time.Time) error {
	_, err := s.db.ExecContext(ctx, `
	UPDATE throttle_state
	SET requests_today = requests_today + 1,
	    day_window_start = COALESCE(day_window_start, ?),
	    last_request_at = ?
	WHERE connector_id = ?
	`, formatTime(timeutil.StartOfDayUTC(now)), formatTime(now), connectorID)
	return err
}

// ResetDayWindow zeroes the daily counter and stamps the window start.
func (s *Store) ResetDayWindow(ctx context.Context, connectorID int64, now time.Time) error {
	_, err := s.db.ExecContext(ctx, `
	UPDATE throttle_state SET requests_today = 0, day_window_start = ? WHERE connector_id = ?
	`, formatTime(timeutil.StartOfDayUTC(now)), connectorID)
	return err
}

// SetPause records a dispatch pause until the given time. Upsert: a pause
// must stick even for a connector that has never dispatched and so has no
// throttle row yet.
func (s *Store) SetPause(ctx context.Context, connectorID int64, until time.Time, reason PauseReason) error {
	_, err := s.db.ExecContext(ctx, `
	INSERT INTO throttle_state (connector_id, paused_until, pause_reason) VALUES (?, ?, ?)
	ON CONFLICT(connector_id) DO UPDATE SET paused_until = excluded.paused_until, pause_reason = excluded.pause_reason
	`, connectorID, formatTime(until), string(reason))
	return err
}

// ClearPause removes any dispatch pause.
func (s *Store) ClearPause(ctx context.Context, connectorID int64) error {
	_, err := s.db.ExecContext(ctx, `
	UPDATE throttle_state SET paused_until = NULL, pause_reason = NULL WHERE connector_id = ?
	`, connectorID)
	return err
}

// ResetExpiredMinuteWindows zeroes every minute window older than 60s,
// returning the number of rows reset.
func (s *Store) ResetExpiredMinuteWindows(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
	UPDATE throttle_state
	SET requests_this_minute = 0, minute_window_start = NULL
	WHERE minute_window_start IS NOT NULL AND minute_window_start <= ?
	`, formatTime(now.Add(-timeutil.MinuteWindow)))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// ResetExpiredDayWindows zeroes every day window belonging to a previous UTC
// day, returning the number of rows reset.
func (s *Store) ResetExpiredDayWindows(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
	UPDATE throttle_state
	SET requests_today = 0, day_window_start = NULL
	WHERE day_window_start IS NOT NULL AND day_window_start < ?
	`, formatTime(timeutil.StartOfDayUTC(now)))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// ClearExpiredPauses removes pauses whose time has passed, returning the
// number of rows cleared.
func (s *Store) ClearExpiredPauses(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
	UPDATE throttle_state
	SET paused_until = NULL, pause_reason = NULL
	WHERE paused_until IS NOT NULL AND paused_until <= ?
	`, formatTime(now))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
