// Package events carries recording lifecycle transitions to the real-time notification layer.
package events

import (
	"context"
	"encoding/json"
	"time"
)

// Event types.
const (
	RecordingStarted   = "recording_started"
	RecordingStopping  = "recording_stopping"
	RecordingCompleted = "recording_completed"
	RecordingError     = "recording_error"
	RecordingRecovered = "recording_recovered"
	PipelineTask       = "pipeline_task"
	PipelineCompleted  = "pipeline_completed"
	PipelineFailed     = "pipeline_failed"
)

// Event is one lifecycle transition.
type Event struct {
	Type        string          `json:"type"`
	RecordingID int64           `json:"recording_id"`
	StreamID    int64           `json:"stream_id,omitempty"`
	Status      string          `json:"status"`
	Timestamp   time.Time       `json:"timestamp"`
	Data        json.RawMessage `json:"data,omitempty"`
}

// New builds an event stamped with the current time. data is marshalled best-effort.
func New(typ string, recordingID int64, status string, data any) Event {
	e := Event{Type: typ, RecordingID: recordingID, Status: status, Timestamp: time.Now().UTC()}
	if data != nil {
		if raw, err := json.Marshal(data); err == nil {
			e.Data = raw
		}
	}
	return e
}

// Publisher emits events. Implementations must not block the caller for long.
type Publisher interface {
	Publish(ctx context.Context, e Event) error
}

// Nop discards events.
type Nop struct{}

// Publish does nothing.
func (Nop) Publish(context.Context, Event) error { return nil }
