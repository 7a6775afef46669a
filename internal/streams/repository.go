package streams

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/streamarchive/backend/internal/models"
)

// Repository handles streamers, streams and stream_events persistence.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a streams repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// GetStreamer returns a streamer by ID, nil when missing.
func (r *Repository) GetStreamer(ctx context.Context, id int64) (*models.Streamer, error) {
	const q = `SELECT id, name, url, created_at FROM streamers WHERE id = $1`
	var s models.Streamer
	err := r.pool.QueryRow(ctx, q, id).Scan(&s.ID, &s.Name, &s.URL, &s.CreatedAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return &s, nil
}

// GetStream returns a stream by ID, nil when missing.
func (r *Repository) GetStream(ctx context.Context, id int64) (*models.Stream, error) {
	const q = `SELECT id, streamer_id, COALESCE(title,''), COALESCE(category,''), started_at, ended_at
		FROM streams WHERE id = $1`
	var s models.Stream
	err := r.pool.QueryRow(ctx, q, id).Scan(&s.ID, &s.StreamerID, &s.Title, &s.Category, &s.StartedAt, &s.EndedAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return &s, nil
}

// AddEvent records a title/category change and mirrors it onto the stream row.
func (r *Repository) AddEvent(ctx context.Context, ev *models.StreamEvent) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	const ins = `INSERT INTO stream_events (stream_id, title, category, timestamp)
		VALUES ($1, $2, $3, COALESCE($4::timestamptz, NOW()))
		RETURNING id, timestamp`
	ts := &ev.Timestamp
	if ev.Timestamp.IsZero() {
		ts = nil
	}
	if err := tx.QueryRow(ctx, ins, ev.StreamID, ev.Title, ev.Category, ts).Scan(&ev.ID, &ev.Timestamp); err != nil {
		return err
	}
	const upd = `UPDATE streams SET title = $2, category = $3 WHERE id = $1`
	if _, err := tx.Exec(ctx, upd, ev.StreamID, ev.Title, ev.Category); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// StreamEvents returns the events of a stream in time order.
func (r *Repository) StreamEvents(ctx context.Context, streamID int64) ([]models.StreamEvent, error) {
	const q = `SELECT id, stream_id, COALESCE(title,''), COALESCE(category,''), timestamp
		FROM stream_events WHERE stream_id = $1 ORDER BY timestamp`
	rows, err := r.pool.Query(ctx, q, streamID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []models.StreamEvent
	for rows.Next() {
		var ev models.StreamEvent
		if err := rows.Scan(&ev.ID, &ev.StreamID, &ev.Title, &ev.Category, &ev.Timestamp); err != nil {
			return nil, err
		}
		list = append(list, ev)
	}
	return list, rows.Err()
}

// End sets ended_at for a stream.
func (r *Repository) End(ctx context.Context, streamID int64) error {
	const q = `UPDATE streams SET ended_at = NOW() WHERE id = $1 AND ended_at IS NULL`
	_, err := r.pool.Exec(ctx, q, streamID)
	return err
}

// CreateStream inserts a stream for a streamer that just went live.
func (r *Repository) CreateStream(ctx context.Context, s *models.Stream) error {
	const q = `INSERT INTO streams (streamer_id, title, category, started_at)
		VALUES ($1, $2, $3, COALESCE($4::timestamptz, NOW()))
		RETURNING id, started_at`
	var started *time.Time
	if !s.StartedAt.IsZero() {
		started = &s.StartedAt
	}
	return r.pool.QueryRow(ctx, q, s.StreamerID, s.Title, s.Category, started).Scan(&s.ID, &s.StartedAt)
}
