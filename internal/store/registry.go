// SPDX-License-Identifier: MIT

package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

const registryColumns = `id, connector_id, content_type, content_id, search_type, state, attempt_count, last_searched, next_eligible, failure_category, season_pack_failed, backlog_tier, priority, first_seen, updated_at`

func scanRegistryRow(row interface{ Scan(...any) error }) (RegistryRow, error) {
	var r RegistryRow
	var lastSearched, nextEligible, failureCategory sql.NullString
	var firstSeen, updatedAt string
	err := row.Scan(&r.ID, &r.ConnectorID, &r.ContentType, &r.ContentID, &r.SearchType, &r.State,
		&r.AttemptCount, &lastSearched, &nextEligible, &failureCategory, &r.SeasonPackFailed,
		&r.BacklogTier, &r.Priority, &firstSeen, &updatedAt)
	if err != nil {
		return RegistryRow{}, err
	}
	r.LastSearched = parseTimePtr(lastSearched)
	r.NextEligible = parseTimePtr(nextEligible)
	if failureCategory.Valid && failureCategory.String != "" {
		c := FailureCategory(failureCategory.String)
		r.FailureCategory = &c
	}
	r.FirstSeen = parseTime(firstSeen)
	r.UpdatedAt = parseTime(updatedAt)
	return r, nil
}

// EnsureRegistryRow inserts a pending registry row for a content item unless
// one already exists. Existing rows keep their state; discovery never
// regresses lifecycle progress.
func (s *Store) EnsureRegistryRow(ctx context.Context, connectorID int64, ct ContentType, contentID int64, st SearchType, now time.Time) error {
	_, err := s.db.ExecContext(ctx, `
	INSERT INTO search_registry (connector_id, content_type, content_id, search_type, state, first_seen, updated_at)
	VALUES (?, ?, ?, ?, 'pending', ?, ?)
	ON CONFLICT(connector_id, content_type, content_id) DO UPDATE SET
		search_type = excluded.search_type
	`, connectorID, string(ct), contentID, string(st), formatTime(now), formatTime(now))
	return err
}

// GetRegistryRow retrieves a registry row by id, nil when absent.
func (s *Store) GetRegistryRow(ctx context.Context, id int64) (*RegistryRow, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+registryColumns+` FROM search_registry WHERE id = ?`, id)
	r, err := scanRegistryRow(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// EligiblePendingRows selects pending registry rows whose cooldown has lapsed,
// ordered for enqueueing, capped at limit.
func (s *Store) EligiblePendingRows(ctx context.Context, connectorID int64, now time.Time, limit int) ([]RegistryRow, error) {
	rows, err := s.db.QueryContext(ctx, `
	SELECT `+registryColumns+`
	FROM search_registry
	WHERE connector_id = ?
	  AND state = 'pending'
	  AND (next_eligible IS NULL OR next_eligible <= ?)
	ORDER BY priority DESC, first_seen ASC, id ASC
	LIMIT ?
	`, connectorID, formatTime(now), limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []RegistryRow
	for rows.Next() {
		r, err := scanRegistryRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// PromoteCooldownRows moves cooldown rows whose next_eligible has passed back
// to pending, returning the number promoted.
func (s *Store) PromoteCooldownRows(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
	UPDATE search_registry
	SET state = 'pending', updated_at = ?
	WHERE state = 'cooldown' AND next_eligible IS NOT NULL AND next_eligible <= ?
	`, formatTime(now), formatTime(now))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// MarkQueued transitions a pending row to queued and inserts its queue item
// in one transaction, keeping invariant "queued iff queue row exists".
func (s *Store) MarkQueued(ctx context.Context, registryID int64, priority int, now time.Time) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `
	UPDATE search_registry
	SET state = 'queued', priority = ?, updated_at = ?
	WHERE id = ? AND state = 'pending'
	`, priority, formatTime(now), registryID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		// Someone else moved it; not an error, just no-op.
		return nil
	}

	var connectorID int64
	if err := tx.QueryRowContext(ctx, `SELECT connector_id FROM search_registry WHERE id = ?`, registryID).Scan(&connectorID); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `
	INSERT INTO request_queue (registry_id, connector_id, priority, scheduled_at)
	VALUES (?, ?, ?, ?)
	ON CONFLICT(registry_id) DO NOTHING
	`, registryID, connectorID, priority, formatTime(now)); err != nil {
		return err
	}
	return tx.Commit()
}

// QueuedItems extracts up to limit queue items for a connector in strict
// dispatch order: priority DESC, scheduledAt ASC, id ASC.
func (s *Store) QueuedItems(ctx context.Context, connectorID int64, limit int) ([]QueueItem, error) {
	rows, err := s.db.QueryContext(ctx, `
	SELECT id, registry_id, connector_id, priority, scheduled_at, batch_id
	FROM request_queue
	WHERE connector_id = ?
	ORDER BY priority DESC, scheduled_at ASC, id ASC
	LIMIT ?
	`, connectorID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []QueueItem
	for rows.Next() {
		var q QueueItem
		var scheduledAt string
		var batchID sql.NullString
		if err := rows.Scan(&q.ID, &q.RegistryID, &q.ConnectorID, &q.Priority, &scheduledAt, &batchID); err != nil {
			return nil, err
		}
		q.ScheduledAt = parseTime(scheduledAt)
		if batchID.Valid {
			v := batchID.String
			q.BatchID = &v
		}
		out = append(out, q)
	}
	return out, rows.Err()
}

// QueueDepth returns the number of queued items per connector.
func (s *Store) QueueDepth(ctx context.Context, connectorID int64) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM request_queue WHERE connector_id = ?`, connectorID).Scan(&n)
	return n, err
}

// AssignBatch stamps a batch id onto a set of queue items.
func (s *Store) AssignBatch(ctx context.Context, batchID string, queueIDs []int64) error {
	for _, id := range queueIDs {
		if _, err := s.db.ExecContext(ctx, `UPDATE request_queue SET batch_id = ? WHERE id = ?`, batchID, id); err != nil {
			return err
		}
	}
	return nil
}

// ClaimSearching claims a queued registry row for one dispatcher via a state
// CAS, bumping the attempt counter and consuming the queue item. Returns
// false when another pass already claimed the row.
func (s *Store) ClaimSearching(ctx context.Context, registryID int64, now time.Time) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `
	UPDATE search_registry
	SET state = 'searching', attempt_count = attempt_count + 1, last_searched = ?, updated_at = ?
	WHERE id = ? AND state IN ('pending', 'queued')
	`, formatTime(now), formatTime(now), registryID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 0 {
		return false, nil
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM request_queue WHERE registry_id = ?`, registryID); err != nil {
		return false, err
	}
	return true, tx.Commit()
}

// RegistryUpdate carries the post-outcome mutation applied to a searching row.
type RegistryUpdate struct {
	State            SearchState
	NextEligible     *time.Time
	FailureCategory  *FailureCategory
	BacklogTier      int
	SeasonPackFailed *bool // nil leaves the flag untouched
	RevertAttempt    bool  // rate_limited outcomes do not consume an attempt
}

// ApplyOutcome mutates a registry row after a search attempt. Leaving
// `searching` always pairs with a history row; the dispatcher writes that
// separately through AppendHistory.
func (s *Store) ApplyOutcome(ctx context.Context, registryID int64, u RegistryUpdate, now time.Time) error {
	attemptExpr := "attempt_count"
	if u.RevertAttempt {
		attemptExpr = "MAX(0, attempt_count - 1)"
	}
	packExpr := "season_pack_failed"
	var packArg []any
	if u.SeasonPackFailed != nil {
		packExpr = "?"
		packArg = append(packArg, boolInt(*u.SeasonPackFailed))
	}

	query := fmt.Sprintf(`
	UPDATE search_registry
	SET state = ?,
	    attempt_count = %s,
	    next_eligible = ?,
	    failure_category = ?,
	    backlog_tier = ?,
	    season_pack_failed = %s,
	    updated_at = ?
	WHERE id = ?
	`, attemptExpr, packExpr)

	args := []any{string(u.State), formatTimePtr(u.NextEligible), failureCategoryArg(u.FailureCategory), u.BacklogTier}
	args = append(args, packArg...)
	args = append(args, formatTime(now), registryID)

	_, err := s.db.ExecContext(ctx, query, args...)
	return err
}

func failureCategoryArg(c *FailureCategory) any {
	if c == nil {
		return nil
	}
	return string(*c)
}

// ResetExhausted returns an exhausted row to pending with counters cleared,
// the manual operator escape hatch. Returns false when the row is not
// exhausted.
func (s *Store) ResetExhausted(ctx context.Context, registryID int64, now time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
	UPDATE search_registry
	SET state = 'pending', attempt_count = 0, backlog_tier = 0, next_eligible = NULL,
	    failure_category = NULL, season_pack_failed = 0, updated_at = ?
	WHERE id = ? AND state = 'exhausted'
	`, formatTime(now), registryID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// MarkSeasonPackFailed flags a set of registry rows so the next batching pass
// forces episode-granular search.
func (s *Store) MarkSeasonPackFailed(ctx context.Context, registryIDs []int64, now time.Time) error {
	for _, id := range registryIDs {
		if _, err := s.db.ExecContext(ctx, `
		UPDATE search_registry SET season_pack_failed = 1, updated_at = ? WHERE id = ?
		`, formatTime(now), id); err != nil {
			return err
		}
	}
	return nil
}

// CountRegistryByState returns per-state registry row counts for a connector.
func (s *Store) CountRegistryByState(ctx context.Context, connectorID int64) (map[SearchState]int, error) {
	rows, err := s.db.QueryContext(ctx, `
	SELECT state, COUNT(*) FROM search_registry WHERE connector_id = ? GROUP BY state
	`, connectorID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	out := make(map[SearchState]int)
	for rows.Next() {
		var state string
		var n int
		if err := rows.Scan(&state, &n); err != nil {
			return nil, err
		}
		out[SearchState(state)] = n
	}
	return out, rows.Err()
}

// AppendHistory writes one append-only outcome record.
func (s *Store) AppendHistory(ctx context.Context, h HistoryRow) error {
	metadata := h.Metadata
	if metadata == "" {
		metadata = "{}"
	}
	createdAt := h.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
	INSERT INTO search_history (registry_id, connector_id, outcome, category, metadata, created_at)
	VALUES (?, ?, ?, ?, ?, ?)
	`, h.RegistryID, h.ConnectorID, string(h.Outcome), failureCategoryArg(h.Category), metadata, formatTime(createdAt))
	return err
}

// HistoryForRegistry retrieves outcome records for one registry row, newest
// first, capped at limit.
func (s *Store) HistoryForRegistry(ctx context.Context, registryID int64, limit int) ([]HistoryRow, error) {
	rows, err := s.db.QueryContext(ctx, `
	SELECT id, registry_id, connector_id, outcome, category, metadata, created_at
	FROM search_history
	WHERE registry_id = ?
	ORDER BY id DESC
	LIMIT ?
	`, registryID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []HistoryRow
	for rows.Next() {
		var h HistoryRow
		var category sql.NullString
		var createdAt string
		if err := rows.Scan(&h.ID, &h.RegistryID, &h.ConnectorID, &h.Outcome, &category, &h.Metadata, &createdAt); err != nil {
			return nil, err
		}
		if category.Valid && category.String != "" {
			c := FailureCategory(category.String)
			h.Category = &c
		}
		h.CreatedAt = parseTime(createdAt)
		out = append(out, h)
	}
	return out, rows.Err()
}
