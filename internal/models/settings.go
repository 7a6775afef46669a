package models

// GlobalSettings are the recording defaults stored in the settings table.
type GlobalSettings struct {
	Enabled          *bool   `json:"enabled,omitempty"`
	Quality          *string `json:"quality,omitempty"`
	FilenameTemplate *string `json:"filename_template,omitempty"`
	MaxStreams       *int    `json:"max_streams,omitempty"`
	ConcurrencyCap   *int    `json:"concurrency_cap,omitempty"`
}

// StreamerSettings are per-streamer overrides; nil fields fall through to GlobalSettings.
type StreamerSettings struct {
	StreamerID       int64   `json:"streamer_id"`
	Enabled          *bool   `json:"enabled,omitempty"`
	Quality          *string `json:"quality,omitempty"`
	FilenameTemplate *string `json:"filename_template,omitempty"`
	MaxStreams       *int    `json:"max_streams,omitempty"`
}
