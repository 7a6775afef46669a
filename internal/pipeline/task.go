// Package pipeline runs the post-processing task graph that turns a raw capture into a finished file.
package pipeline

import (
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/streamarchive/backend/internal/models"
)

// TaskType identifies a post-processing task kind.
type TaskType string

const (
	TaskMetadata  TaskType = "metadata_generation"
	TaskChapters  TaskType = "chapters_generation"
	TaskRemux     TaskType = "mp4_remux"
	TaskThumbnail TaskType = "thumbnail_generation"
	TaskCleanup   TaskType = "cleanup"
)

// TaskStatus is the in-memory status of a scheduled task.
type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskReady     TaskStatus = "ready"
	TaskRunning   TaskStatus = "running"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
	TaskBlocked   TaskStatus = "blocked"
)

func (s TaskStatus) terminal() bool {
	return s == TaskCompleted || s == TaskFailed || s == TaskBlocked
}

// Steps returns the processing-state columns a task type owns.
func (t TaskType) Steps() []models.Step {
	switch t {
	case TaskMetadata:
		return []models.Step{models.StepMetadata}
	case TaskChapters:
		return []models.Step{models.StepChapters}
	case TaskRemux:
		return []models.Step{models.StepMP4Remux, models.StepMP4Validation}
	case TaskThumbnail:
		return []models.Step{models.StepThumbnail}
	case TaskCleanup:
		return []models.Step{models.StepCleanup}
	}
	return nil
}

// Payload is the typed input of one task kind.
type Payload interface {
	TaskType() TaskType
}

// MetadataPayload describes the ffmetadata file written for a recording.
type MetadataPayload struct {
	RecordingID  int64     `json:"recording_id"`
	StreamerName string    `json:"streamer_name"`
	Title        string    `json:"title"`
	Category     string    `json:"category"`
	StartedAt    time.Time `json:"started_at"`
	OutputPath   string    `json:"output_path"`
}

// ChaptersPayload describes the chapter file built from stream events.
type ChaptersPayload struct {
	RecordingID int64     `json:"recording_id"`
	StreamID    int64     `json:"stream_id"`
	StartedAt   time.Time `json:"started_at"`
	Duration    int       `json:"duration"`
	InputPath   string    `json:"input_path"`
	OutputPath  string    `json:"output_path"`
}

// RemuxPayload repackages the raw TS into MP4 with metadata and chapters attached.
type RemuxPayload struct {
	RecordingID  int64  `json:"recording_id"`
	InputPath    string `json:"input_path"`
	OutputPath   string `json:"output_path"`
	MetadataPath string `json:"metadata_path"`
	ChaptersPath string `json:"chapters_path"`
}

// ThumbnailPayload extracts one frame from the finished file.
type ThumbnailPayload struct {
	RecordingID int64         `json:"recording_id"`
	VideoPath   string        `json:"video_path"`
	OutputPath  string        `json:"output_path"`
	Offset      time.Duration `json:"offset"`
}

// CleanupPayload removes intermediate files once the finished file exists.
type CleanupPayload struct {
	RecordingID int64    `json:"recording_id"`
	VideoPath   string   `json:"video_path"`
	Remove      []string `json:"remove"`
	Archive     bool     `json:"archive"`
}

func (MetadataPayload) TaskType() TaskType  { return TaskMetadata }
func (ChaptersPayload) TaskType() TaskType  { return TaskChapters }
func (RemuxPayload) TaskType() TaskType     { return TaskRemux }
func (ThumbnailPayload) TaskType() TaskType { return TaskThumbnail }
func (CleanupPayload) TaskType() TaskType   { return TaskCleanup }

// Task is one unit of the post-processing graph.
type Task struct {
	ID          string
	RecordingID int64
	Type        TaskType
	Payload     Payload
	Deps        []string
	Priority    int // 0 runs first
	MaxRetries  int

	Status    TaskStatus
	Attempts  int
	LastError string

	seq        uint64
	dependents []*Task
	waiting    int
	retry      backoff.BackOff
}
