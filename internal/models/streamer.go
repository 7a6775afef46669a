package models

import (
	"time"
)

// Streamer is a channel on the streaming platform that can be recorded.
type Streamer struct {
	ID        int64     `json:"id"`
	Name      string    `json:"name"`
	URL       string    `json:"url"`
	CreatedAt time.Time `json:"created_at"`
}

// Stream is one broadcast occurrence of a streamer.
type Stream struct {
	ID         int64      `json:"id"`
	StreamerID int64      `json:"streamer_id"`
	Title      string     `json:"title"`
	Category   string     `json:"category"`
	StartedAt  time.Time  `json:"started_at"`
	EndedAt    *time.Time `json:"ended_at,omitempty"`
}

// StreamEvent is a title/category change observed during a stream; used for chapters.
type StreamEvent struct {
	ID        int64     `json:"id"`
	StreamID  int64     `json:"stream_id"`
	Title     string    `json:"title"`
	Category  string    `json:"category"`
	Timestamp time.Time `json:"timestamp"`
}
