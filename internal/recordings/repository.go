package recordings

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/streamarchive/backend/internal/models"
	"github.com/streamarchive/backend/internal/pipeline"
)

const recordingColumns = `id, stream_id, streamer_id, start_time, end_time, status, duration, COALESCE(path,''),
	COALESCE(final_path,''), COALESCE(archive_key,''), COALESCE(archive_url,''), COALESCE(failure_reason,''), COALESCE(error_message,''), failure_time, created_at, updated_at`

// Repository handles recording persistence.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a recordings repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

func scanRecording(row pgx.Row, rec *models.Recording) error {
	return row.Scan(&rec.ID, &rec.StreamID, &rec.StreamerID, &rec.StartTime, &rec.EndTime, &rec.Status, &rec.Duration,
		&rec.Path, &rec.FinalPath, &rec.ArchiveKey, &rec.ArchiveURL, &rec.FailureReason, &rec.ErrorMessage, &rec.FailureTime, &rec.CreatedAt, &rec.UpdatedAt)
}

// Create inserts a new recording in status recording.
func (r *Repository) Create(ctx context.Context, rec *models.Recording) error {
	const q = `INSERT INTO recordings (stream_id, streamer_id, start_time, status, path)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, created_at, updated_at`
	if rec.Status == "" {
		rec.Status = models.RecordingStatusRecording
	}
	return r.pool.QueryRow(ctx, q, rec.StreamID, rec.StreamerID, rec.StartTime, rec.Status, rec.Path).
		Scan(&rec.ID, &rec.CreatedAt, &rec.UpdatedAt)
}

// GetRecording returns a recording by ID, nil when missing.
func (r *Repository) GetRecording(ctx context.Context, id int64) (*models.Recording, error) {
	q := `SELECT ` + recordingColumns + ` FROM recordings WHERE id = $1`
	var rec models.Recording
	if err := scanRecording(r.pool.QueryRow(ctx, q, id), &rec); err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return &rec, nil
}

// SetPath stores the raw output path once it is known.
func (r *Repository) SetPath(ctx context.Context, id int64, path string) error {
	const q = `UPDATE recordings SET path = $2, updated_at = NOW() WHERE id = $1`
	_, err := r.pool.Exec(ctx, q, id, path)
	return err
}

// CompleteRecording moves a recording from recording to completed.
func (r *Repository) CompleteRecording(ctx context.Context, id int64, end time.Time, durationSec int) error {
	const q = `UPDATE recordings SET status = $2, end_time = $3, duration = $4, updated_at = NOW()
		WHERE id = $1 AND status = $5`
	_, err := r.pool.Exec(ctx, q, id, models.RecordingStatusCompleted, end, durationSec, models.RecordingStatusRecording)
	return err
}

// FailRecording moves a recording to failed and stores why.
func (r *Repository) FailRecording(ctx context.Context, id int64, reason, message string, at time.Time) error {
	const q = `UPDATE recordings SET status = $2, end_time = COALESCE(end_time, $5), duration = GREATEST(0, EXTRACT(EPOCH FROM ($5 - start_time))::int),
		failure_reason = $3, error_message = $4, failure_time = $5, updated_at = NOW()
		WHERE id = $1 AND status = $6`
	_, err := r.pool.Exec(ctx, q, id, models.RecordingStatusFailed, reason, message, at, models.RecordingStatusRecording)
	return err
}

// SetFinalPath attaches the finished container path. It is the only write post-processing makes.
func (r *Repository) SetFinalPath(ctx context.Context, id int64, path string) error {
	const q = `UPDATE recordings SET final_path = $2, updated_at = NOW() WHERE id = $1`
	_, err := r.pool.Exec(ctx, q, id, path)
	return err
}

// SetArchive records where the finished file was uploaded.
func (r *Repository) SetArchive(ctx context.Context, id int64, url, key string) error {
	const q = `UPDATE recordings SET archive_url = $2, archive_key = $3, updated_at = NOW() WHERE id = $1`
	_, err := r.pool.Exec(ctx, q, id, url, key)
	return err
}

// ListStuckRecordings returns recordings still in status recording that started before the
// given time and have no active_recording_state row.
func (r *Repository) ListStuckRecordings(ctx context.Context, startedBefore time.Time) ([]models.Recording, error) {
	q := `SELECT ` + recordingColumns + ` FROM recordings rec
		WHERE rec.status = $1 AND rec.start_time < $2
			AND NOT EXISTS (SELECT 1 FROM active_recording_state a WHERE a.recording_id = rec.id)
		ORDER BY rec.start_time`
	rows, err := r.pool.Query(ctx, q, models.RecordingStatusRecording, startedBefore)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []models.Recording
	for rows.Next() {
		var rec models.Recording
		if err := scanRecording(rows, &rec); err != nil {
			return nil, err
		}
		list = append(list, rec)
	}
	return list, rows.Err()
}

// CountByStatus returns the number of recordings per status.
func (r *Repository) CountByStatus(ctx context.Context) (map[string]int64, error) {
	const q = `SELECT status, COUNT(*) FROM recordings GROUP BY status`
	rows, err := r.pool.Query(ctx, q)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[string]int64)
	for rows.Next() {
		var status string
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		out[status] = n
	}
	return out, rows.Err()
}

// PipelineInfo loads what post-processing needs for a recording, nil when missing.
func (r *Repository) PipelineInfo(ctx context.Context, id int64) (*pipeline.RecordingInfo, error) {
	const q = `SELECT rec.id, rec.stream_id, st.name, COALESCE(s.title,''), COALESCE(s.category,''),
			rec.start_time, rec.duration, COALESCE(rec.path,'')
		FROM recordings rec
		JOIN streams s ON s.id = rec.stream_id
		JOIN streamers st ON st.id = rec.streamer_id
		WHERE rec.id = $1`
	var info pipeline.RecordingInfo
	var durationSec int
	err := r.pool.QueryRow(ctx, q, id).Scan(&info.RecordingID, &info.StreamID, &info.StreamerName, &info.Title,
		&info.Category, &info.StartedAt, &durationSec, &info.RawPath)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	info.Duration = durationSec
	return &info, nil
}
