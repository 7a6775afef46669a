package models

import (
	"encoding/json"
	"time"
)

// ActiveRecordingState status values.
const (
	ActiveStatusActive   = "active"
	ActiveStatusStopping = "stopping"
	ActiveStatusError    = "error"
)

// StaleHeartbeatAfter is the heartbeat age past which a row needs recovery attention.
const StaleHeartbeatAfter = 300 * time.Second

// ActiveRecordingState is the durable crash-recovery row for a running capture (one per stream).
type ActiveRecordingState struct {
	ID            int64           `json:"id"`
	StreamID      int64           `json:"stream_id"`
	RecordingID   int64           `json:"recording_id"`
	ProcessID     int             `json:"process_id"`
	ProcessIdent  string          `json:"process_identifier"`
	StreamerName  string          `json:"streamer_name"`
	StartedAt     time.Time       `json:"started_at"`
	TSOutputPath  string          `json:"ts_output_path"`
	Quality       string          `json:"quality"`
	Status        string          `json:"status"`
	LastHeartbeat time.Time       `json:"last_heartbeat"`
	Config        json.RawMessage `json:"config,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// HeartbeatAge returns how long ago the heartbeat was refreshed.
func (s *ActiveRecordingState) HeartbeatAge(now time.Time) time.Duration {
	if age := now.Sub(s.LastHeartbeat); age > 0 {
		return age
	}
	return 0
}

// IsStale reports whether the heartbeat is older than StaleHeartbeatAfter.
func (s *ActiveRecordingState) IsStale(now time.Time) bool {
	return s.HeartbeatAge(now) > StaleHeartbeatAfter
}
