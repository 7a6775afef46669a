package recordings

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/streamarchive/backend/internal/models"
)

// ActiveRepository handles active_recording_state rows, one per stream.
type ActiveRepository struct {
	pool *pgxpool.Pool
}

// NewActiveRepository creates an active recording state repository.
func NewActiveRepository(pool *pgxpool.Pool) *ActiveRepository {
	return &ActiveRepository{pool: pool}
}

// UpsertActive writes the row for s.StreamID; the last writer wins.
func (r *ActiveRepository) UpsertActive(ctx context.Context, s *models.ActiveRecordingState) error {
	const q = `INSERT INTO active_recording_state
			(stream_id, recording_id, process_id, process_identifier, streamer_name, started_at,
			 ts_output_path, quality, status, last_heartbeat, config)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (stream_id) DO UPDATE SET
			recording_id = EXCLUDED.recording_id, process_id = EXCLUDED.process_id,
			process_identifier = EXCLUDED.process_identifier, streamer_name = EXCLUDED.streamer_name,
			started_at = EXCLUDED.started_at, ts_output_path = EXCLUDED.ts_output_path, quality = EXCLUDED.quality,
			status = EXCLUDED.status,
			last_heartbeat = GREATEST(active_recording_state.last_heartbeat, EXCLUDED.last_heartbeat),
			config = EXCLUDED.config, updated_at = NOW()
		RETURNING id, created_at, updated_at`
	cfg := s.Config
	if len(cfg) == 0 {
		cfg = []byte("{}")
	}
	return r.pool.QueryRow(ctx, q, s.StreamID, s.RecordingID, s.ProcessID, s.ProcessIdent, s.StreamerName, s.StartedAt,
		s.TSOutputPath, s.Quality, s.Status, s.LastHeartbeat, cfg).Scan(&s.ID, &s.CreatedAt, &s.UpdatedAt)
}

// ListActive returns every row.
func (r *ActiveRepository) ListActive(ctx context.Context) ([]models.ActiveRecordingState, error) {
	const q = `SELECT id, stream_id, recording_id, process_id, COALESCE(process_identifier,''), COALESCE(streamer_name,''),
			started_at, COALESCE(ts_output_path,''), COALESCE(quality,''), status, last_heartbeat, config, created_at, updated_at
		FROM active_recording_state ORDER BY started_at`
	rows, err := r.pool.Query(ctx, q)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []models.ActiveRecordingState
	for rows.Next() {
		var s models.ActiveRecordingState
		if err := rows.Scan(&s.ID, &s.StreamID, &s.RecordingID, &s.ProcessID, &s.ProcessIdent, &s.StreamerName,
			&s.StartedAt, &s.TSOutputPath, &s.Quality, &s.Status, &s.LastHeartbeat, &s.Config, &s.CreatedAt, &s.UpdatedAt); err != nil {
			return nil, err
		}
		list = append(list, s)
	}
	return list, rows.Err()
}

// DeleteActive removes the row of a recording.
func (r *ActiveRepository) DeleteActive(ctx context.Context, recordingID int64) error {
	const q = `DELETE FROM active_recording_state WHERE recording_id = $1`
	_, err := r.pool.Exec(ctx, q, recordingID)
	return err
}

// TouchHeartbeat refreshes last_heartbeat. Heartbeats never move backwards.
func (r *ActiveRepository) TouchHeartbeat(ctx context.Context, recordingID int64, at time.Time) error {
	const q = `UPDATE active_recording_state SET last_heartbeat = GREATEST(last_heartbeat, $2), updated_at = NOW()
		WHERE recording_id = $1`
	_, err := r.pool.Exec(ctx, q, recordingID, at)
	return err
}

// SetStatus updates the row status (active, stopping, error).
func (r *ActiveRepository) SetStatus(ctx context.Context, recordingID int64, status string) error {
	const q = `UPDATE active_recording_state SET status = $2, updated_at = NOW() WHERE recording_id = $1`
	_, err := r.pool.Exec(ctx, q, recordingID, status)
	return err
}
