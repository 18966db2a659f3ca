// SPDX-License-Identifier: MIT

package store

import (
	"context"
	"database/sql"
)

// UpsertSeries inserts or updates a mirrored series row, returning its id.
func (s *Store) UpsertSeries(ctx context.Context, sr Series) (int64, error) {
	_, err := s.db.ExecContext(ctx, `
	INSERT INTO series (connector_id, upstream_id, title, monitored)
	VALUES (?, ?, ?, ?)
	ON CONFLICT(connector_id, upstream_id) DO UPDATE SET
		title = excluded.title,
		monitored = excluded.monitored
	`, sr.ConnectorID, sr.UpstreamID, sr.Title, boolInt(sr.Monitored))
	if err != nil {
		return 0, err
	}
	var id int64
	err = s.db.QueryRowContext(ctx, `
	SELECT id FROM series WHERE connector_id = ? AND upstream_id = ?
	`, sr.ConnectorID, sr.UpstreamID).Scan(&id)
	return id, err
}

// UpsertSeason inserts or updates mirrored per-season statistics.
func (s *Store) UpsertSeason(ctx context.Context, season Season) error {
	_, err := s.db.ExecContext(ctx, `
	INSERT INTO seasons (series_id, number, total_episodes, downloaded_episodes, next_airing, monitored)
	VALUES (?, ?, ?, ?, ?, ?)
	ON CONFLICT(series_id, number) DO UPDATE SET
		total_episodes = excluded.total_episodes,
		downloaded_episodes = excluded.downloaded_episodes,
		next_airing = excluded.next_airing,
		monitored = excluded.monitored
	`, season.SeriesID, season.Number, season.TotalEpisodes, season.DownloadedEpisodes,
		formatTimePtr(season.NextAiring), boolInt(season.Monitored))
	return err
}

// UpsertEpisode inserts or updates a mirrored episode row.
func (s *Store) UpsertEpisode(ctx context.Context, e Episode) (int64, error) {
	_, err := s.db.ExecContext(ctx, `
	INSERT INTO episodes (connector_id, series_id, upstream_id, season_number, episode_number, title, has_file, quality_cutoff_not_met, monitored, air_date)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(connector_id, upstream_id) DO UPDATE SET
		season_number = excluded.season_number,
		episode_number = excluded.episode_number,
		title = excluded.title,
		has_file = excluded.has_file,
		quality_cutoff_not_met = excluded.quality_cutoff_not_met,
		monitored = excluded.monitored,
		air_date = excluded.air_date
	`, e.ConnectorID, e.SeriesID, e.UpstreamID, e.SeasonNumber, e.EpisodeNumber, e.Title,
		boolInt(e.HasFile), boolPtrInt(e.QualityCutoffNotMet), boolInt(e.Monitored), formatTimePtr(e.AirDate))
	if err != nil {
		return 0, err
	}
	var id int64
	err = s.db.QueryRowContext(ctx, `
	SELECT id FROM episodes WHERE connector_id = ? AND upstream_id = ?
	`, e.ConnectorID, e.UpstreamID).Scan(&id)
	return id, err
}

// UpsertMovie inserts or updates a mirrored movie row.
func (s *Store) UpsertMovie(ctx context.Context, m Movie) (int64, error) {
	_, err := s.db.ExecContext(ctx, `
	INSERT INTO movies (connector_id, upstream_id, title, has_file, quality_cutoff_not_met, monitored)
	VALUES (?, ?, ?, ?, ?, ?)
	ON CONFLICT(connector_id, upstream_id) DO UPDATE SET
		title = excluded.title,
		has_file = excluded.has_file,
		quality_cutoff_not_met = excluded.quality_cutoff_not_met,
		monitored = excluded.monitored
	`, m.ConnectorID, m.UpstreamID, m.Title, boolInt(m.HasFile), boolPtrInt(m.QualityCutoffNotMet), boolInt(m.Monitored))
	if err != nil {
		return 0, err
	}
	var id int64
	err = s.db.QueryRowContext(ctx, `
	SELECT id FROM movies WHERE connector_id = ? AND upstream_id = ?
	`, m.ConnectorID, m.UpstreamID).Scan(&id)
	return id, err
}

func boolPtrInt(b *bool) any {
	if b == nil {
		return nil
	}
	return boolInt(*b)
}

const episodeColumns = `id, connector_id, series_id, upstream_id, season_number, episode_number, title, has_file, quality_cutoff_not_met, monitored, air_date`

func scanEpisode(row interface{ Scan(...any) error }) (Episode, error) {
	var e Episode
	var cutoff sql.NullBool
	var airDate sql.NullString
	err := row.Scan(&e.ID, &e.ConnectorID, &e.SeriesID, &e.UpstreamID, &e.SeasonNumber, &e.EpisodeNumber, &e.Title, &e.HasFile, &cutoff, &e.Monitored, &airDate)
	if err != nil {
		return Episode{}, err
	}
	if cutoff.Valid {
		v := cutoff.Bool
		e.QualityCutoffNotMet = &v
	}
	e.AirDate = parseTimePtr(airDate)
	return e, nil
}

// GetEpisode retrieves a mirrored episode row by id, nil when absent.
func (s *Store) GetEpisode(ctx context.Context, id int64) (*Episode, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+episodeColumns+` FROM episodes WHERE id = ?`, id)
	e, err := scanEpisode(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &e, nil
}

// GetMovie retrieves a mirrored movie row by id, nil when absent.
func (s *Store) GetMovie(ctx context.Context, id int64) (*Movie, error) {
	var m Movie
	var cutoff sql.NullBool
	err := s.db.QueryRowContext(ctx, `
	SELECT id, connector_id, upstream_id, title, has_file, quality_cutoff_not_met, monitored FROM movies WHERE id = ?
	`, id).Scan(&m.ID, &m.ConnectorID, &m.UpstreamID, &m.Title, &m.HasFile, &cutoff, &m.Monitored)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if cutoff.Valid {
		v := cutoff.Bool
		m.QualityCutoffNotMet = &v
	}
	return &m, nil
}

// GetSeries retrieves a mirrored series row by id, nil when absent.
func (s *Store) GetSeries(ctx context.Context, id int64) (*Series, error) {
	var sr Series
	err := s.db.QueryRowContext(ctx, `
	SELECT id, connector_id, upstream_id, title, monitored FROM series WHERE id = ?
	`, id).Scan(&sr.ID, &sr.ConnectorID, &sr.UpstreamID, &sr.Title, &sr.Monitored)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &sr, nil
}

// SeasonStats retrieves the mirrored statistics for one series season, nil
// when the season is unknown.
func (s *Store) SeasonStats(ctx context.Context, seriesID int64, seasonNumber int) (*Season, error) {
	var season Season
	var nextAiring sql.NullString
	err := s.db.QueryRowContext(ctx, `
	SELECT id, series_id, number, total_episodes, downloaded_episodes, next_airing, monitored
	FROM seasons WHERE series_id = ? AND number = ?
	`, seriesID, seasonNumber).Scan(&season.ID, &season.SeriesID, &season.Number,
		&season.TotalEpisodes, &season.DownloadedEpisodes, &nextAiring, &season.Monitored)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	season.NextAiring = parseTimePtr(nextAiring)
	return &season, nil
}

// EpisodeGaps selects monitored episodes without a file for a connector.
func (s *Store) EpisodeGaps(ctx context.Context, connectorID int64) ([]Episode, error) {
	return s.selectEpisodes(ctx, `
	SELECT `+episodeColumns+` FROM episodes
	WHERE connector_id = ? AND monitored = 1 AND has_file = 0
	ORDER BY id
	`, connectorID)
}

// EpisodeUpgrades selects monitored episodes whose file is below the quality
// cutoff. A null cutoff flag counts as met.
func (s *Store) EpisodeUpgrades(ctx context.Context, connectorID int64) ([]Episode, error) {
	return s.selectEpisodes(ctx, `
	SELECT `+episodeColumns+` FROM episodes
	WHERE connector_id = ? AND monitored = 1 AND has_file = 1 AND quality_cutoff_not_met = 1
	ORDER BY id
	`, connectorID)
}

func (s *Store) selectEpisodes(ctx context.Context, query string, args ...any) ([]Episode, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []Episode
	for rows.Next() {
		e, err := scanEpisode(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// MovieGaps selects monitored movies without a file for a connector.
func (s *Store) MovieGaps(ctx context.Context, connectorID int64) ([]Movie, error) {
	return s.selectMovies(ctx, `
	SELECT id, connector_id, upstream_id, title, has_file, quality_cutoff_not_met, monitored
	FROM movies
	WHERE connector_id = ? AND monitored = 1 AND has_file = 0
	ORDER BY id
	`, connectorID)
}

// MovieUpgrades selects monitored movies below the quality cutoff.
func (s *Store) MovieUpgrades(ctx context.Context, connectorID int64) ([]Movie, error) {
	return s.selectMovies(ctx, `
	SELECT id, connector_id, upstream_id, title, has_file, quality_cutoff_not_met, monitored
	FROM movies
	WHERE connector_id = ? AND monitored = 1 AND has_file = 1 AND quality_cutoff_not_met = 1
	ORDER BY id
	`, connectorID)
}

func (s *Store) selectMovies(ctx context.Context, query string, args ...any) ([]Movie, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []Movie
	for rows.Next() {
		var m Movie
		var cutoff sql.NullBool
		if err := rows.Scan(&m.ID, &m.ConnectorID, &m.UpstreamID, &m.Title, &m.HasFile, &cutoff, &m.Monitored); err != nil {
			return nil, err
		}
		if cutoff.Valid {
			v := cutoff.Bool
			m.QualityCutoffNotMet = &v
		}
		out = append(out, m)
	}
	return out, rows.Err()
}
