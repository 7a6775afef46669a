package pipeline

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/streamarchive/backend/internal/models"
)

// stepColumns whitelists the status columns of recording_processing_state.
var stepColumns = map[models.Step]string{
	models.StepMetadata:      "metadata_status",
	models.StepChapters:      "chapters_status",
	models.StepMP4Remux:      "mp4_remux_status",
	models.StepMP4Validation: "mp4_validation_status",
	models.StepThumbnail:     "thumbnail_status",
	models.StepCleanup:       "cleanup_status",
}

// Repository persists RecordingProcessingState rows.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a processing state repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// GetState returns the processing state of a recording, nil when none exists.
func (r *Repository) GetState(ctx context.Context, recordingID int64) (*models.RecordingProcessingState, error) {
	const q = `SELECT recording_id, metadata_status, chapters_status, mp4_remux_status, mp4_validation_status,
		thumbnail_status, cleanup_status, COALESCE(last_error, ''), abandoned_at IS NOT NULL, task_ids, created_at, updated_at
		FROM recording_processing_state WHERE recording_id = $1`
	var s models.RecordingProcessingState
	var meta, chap, remux, valid, thumb, clean string
	err := r.pool.QueryRow(ctx, q, recordingID).Scan(
		&s.RecordingID, &meta, &chap, &remux, &valid, &thumb, &clean,
		&s.LastError, &s.Abandoned, &s.TaskIDs, &s.CreatedAt, &s.UpdatedAt,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	s.Steps = map[models.Step]models.StepStatus{
		models.StepMetadata:      models.StepStatus(meta),
		models.StepChapters:      models.StepStatus(chap),
		models.StepMP4Remux:      models.StepStatus(remux),
		models.StepMP4Validation: models.StepStatus(valid),
		models.StepThumbnail:     models.StepStatus(thumb),
		models.StepCleanup:       models.StepStatus(clean),
	}
	return &s, nil
}

// CreateState inserts an all-pending row unless one exists.
func (r *Repository) CreateState(ctx context.Context, recordingID int64) error {
	const q = `INSERT INTO recording_processing_state (recording_id) VALUES ($1) ON CONFLICT (recording_id) DO NOTHING`
	_, err := r.pool.Exec(ctx, q, recordingID)
	return err
}

// UpdateSteps sets the status of the given steps. A completed step is never overwritten.
func (r *Repository) UpdateSteps(ctx context.Context, recordingID int64, steps []models.Step, status models.StepStatus, lastError string) error {
	for _, step := range steps {
		col, ok := stepColumns[step]
		if !ok {
			return fmt.Errorf("unknown processing step %q", step)
		}
		q := `UPDATE recording_processing_state SET ` + col + ` = $2,
			last_error = CASE WHEN $3 = '' THEN last_error ELSE $3 END, updated_at = NOW()
			WHERE recording_id = $1 AND ` + col + ` <> 'completed'`
		if _, err := r.pool.Exec(ctx, q, recordingID, string(status), lastError); err != nil {
			return err
		}
	}
	return nil
}

// SetTaskIDs records the task ids of the chain spawned for a recording. A new chain lifts any abandonment.
func (r *Repository) SetTaskIDs(ctx context.Context, recordingID int64, ids []string) error {
	const q = `UPDATE recording_processing_state SET task_ids = $2, abandoned_at = NULL, updated_at = NOW()
		WHERE recording_id = $1`
	_, err := r.pool.Exec(ctx, q, recordingID, ids)
	return err
}

// Abandon stores the error that ended a chain and keeps the row out of ListUnfinished.
func (r *Repository) Abandon(ctx context.Context, recordingID int64, msg string) error {
	const q = `UPDATE recording_processing_state SET last_error = $2, abandoned_at = NOW(), updated_at = NOW()
		WHERE recording_id = $1`
	_, err := r.pool.Exec(ctx, q, recordingID, msg)
	return err
}

// ListUnfinished returns recordings whose pipeline was interrupted with steps left, oldest first.
func (r *Repository) ListUnfinished(ctx context.Context) ([]int64, error) {
	const q = `SELECT recording_id FROM recording_processing_state
		WHERE abandoned_at IS NULL
			AND (metadata_status <> 'completed' OR chapters_status <> 'completed' OR mp4_remux_status <> 'completed'
			OR mp4_validation_status <> 'completed' OR thumbnail_status <> 'completed' OR cleanup_status <> 'completed')
		ORDER BY created_at`
	rows, err := r.pool.Query(ctx, q)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
