package models

import (
	"time"
)

// RecordingStatus represents recording lifecycle.
const (
	RecordingStatusRecording = "recording"
	RecordingStatusCompleted = "completed"
	RecordingStatusError     = "error"
	RecordingStatusFailed    = "failed"
)

// Failure reasons stored on failed recordings.
const (
	FailureReasonProcessCrashed = "process_crashed"
	FailureReasonOutputEmpty    = "output_empty"
	FailureReasonProxyError     = "proxy_error"
	FailureReasonProcessLost    = "process_lost"
	FailureReasonSpawnFailed    = "spawn_failed"
)

// Recording is one capture attempt for one broadcast occurrence.
type Recording struct {
	ID            int64      `json:"id"`
	StreamID      int64      `json:"stream_id"`
	StreamerID    int64      `json:"streamer_id"`
	StartTime     time.Time  `json:"start_time"`
	EndTime       *time.Time `json:"end_time,omitempty"`
	Status        string     `json:"status"`
	Duration      int        `json:"duration"`
	Path          string     `json:"path,omitempty"`
	FinalPath     string     `json:"final_path,omitempty"`
	ArchiveKey    string     `json:"archive_key,omitempty"`
	ArchiveURL    string     `json:"archive_url,omitempty"`
	FailureReason string     `json:"failure_reason,omitempty"`
	ErrorMessage  string     `json:"error_message,omitempty"`
	FailureTime   *time.Time `json:"failure_time,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// IsTerminal reports whether the recording left the recording state.
func (r *Recording) IsTerminal() bool {
	return r.Status != RecordingStatusRecording
}
