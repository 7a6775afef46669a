package settings

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/streamarchive/backend/internal/models"
)

// pgUndefinedTable is returned before migrations created the settings tables.
const pgUndefinedTable = "42P01"

// Repository reads recording_settings and streamer_recording_settings.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a settings repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// isNotMigrated reports whether err comes from a missing settings table.
func isNotMigrated(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgUndefinedTable
}

// Global returns the single global settings row, nil when none exists.
func (r *Repository) Global(ctx context.Context) (*models.GlobalSettings, error) {
	const q = `SELECT enabled, quality, filename_template, max_streams, concurrency_cap
		FROM recording_settings ORDER BY id LIMIT 1`
	var g models.GlobalSettings
	err := r.pool.QueryRow(ctx, q).Scan(&g.Enabled, &g.Quality, &g.FilenameTemplate, &g.MaxStreams, &g.ConcurrencyCap)
	if err != nil {
		if err == pgx.ErrNoRows || isNotMigrated(err) {
			return nil, nil
		}
		return nil, err
	}
	return &g, nil
}

// ForStreamer returns the override row for a streamer, nil when none exists.
func (r *Repository) ForStreamer(ctx context.Context, streamerID int64) (*models.StreamerSettings, error) {
	const q = `SELECT streamer_id, enabled, quality, filename_template, max_streams
		FROM streamer_recording_settings WHERE streamer_id = $1`
	var s models.StreamerSettings
	err := r.pool.QueryRow(ctx, q, streamerID).Scan(&s.StreamerID, &s.Enabled, &s.Quality, &s.FilenameTemplate, &s.MaxStreams)
	if err != nil {
		if err == pgx.ErrNoRows || isNotMigrated(err) {
			return nil, nil
		}
		return nil, err
	}
	return &s, nil
}

// UpdateStreamer upserts a streamer override. Callers must invalidate the Resolver afterwards.
func (r *Repository) UpdateStreamer(ctx context.Context, s *models.StreamerSettings) error {
	const q = `INSERT INTO streamer_recording_settings (streamer_id, enabled, quality, filename_template, max_streams)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (streamer_id) DO UPDATE SET enabled = EXCLUDED.enabled, quality = EXCLUDED.quality,
			filename_template = EXCLUDED.filename_template, max_streams = EXCLUDED.max_streams, updated_at = NOW()`
	_, err := r.pool.Exec(ctx, q, s.StreamerID, s.Enabled, s.Quality, s.FilenameTemplate, s.MaxStreams)
	return err
}
