package models

import (
	"time"
)

// StepStatus is the persisted status of one post-processing step.
type StepStatus string

const (
	StepPending   StepStatus = "pending"
	StepRunning   StepStatus = "running"
	StepCompleted StepStatus = "completed"
	StepFailed    StepStatus = "failed"
)

// Step names one post-processing step tracked in RecordingProcessingState.
type Step string

const (
	StepMetadata      Step = "metadata"
	StepChapters      Step = "chapters"
	StepMP4Remux      Step = "mp4_remux"
	StepMP4Validation Step = "mp4_validation"
	StepThumbnail     Step = "thumbnail"
	StepCleanup       Step = "cleanup"
)

// AllSteps lists every tracked step in pipeline order.
var AllSteps = []Step{StepMetadata, StepChapters, StepMP4Remux, StepMP4Validation, StepThumbnail, StepCleanup}

// RecordingProcessingState tracks per-step post-processing status for one recording.
type RecordingProcessingState struct {
	RecordingID int64               `json:"recording_id"`
	Steps       map[Step]StepStatus `json:"steps"`
	LastError   string              `json:"last_error,omitempty"`
	Abandoned   bool                `json:"abandoned"` // chain exhausted its retries; not resumed on restart
	TaskIDs     []string            `json:"task_ids,omitempty"`
	CreatedAt   time.Time           `json:"created_at"`
	UpdatedAt   time.Time           `json:"updated_at"`
}

// NewProcessingState returns a state with every step pending.
func NewProcessingState(recordingID int64) *RecordingProcessingState {
	steps := make(map[Step]StepStatus, len(AllSteps))
	for _, s := range AllSteps {
		steps[s] = StepPending
	}
	return &RecordingProcessingState{RecordingID: recordingID, Steps: steps}
}

// Status returns the status of a step, pending when unknown.
func (s *RecordingProcessingState) Status(step Step) StepStatus {
	if st, ok := s.Steps[step]; ok {
		return st
	}
	return StepPending
}

// Done reports whether the step completed.
func (s *RecordingProcessingState) Done(step Step) bool {
	return s.Status(step) == StepCompleted
}

// Finished reports whether every step completed.
func (s *RecordingProcessingState) Finished() bool {
	for _, step := range AllSteps {
		if !s.Done(step) {
			return false
		}
	}
	return true
}
