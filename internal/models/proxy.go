package models

import "time"

// Proxy health status values, best first.
const (
	ProxyHealthy  = "healthy"
	ProxyDegraded = "degraded"
	ProxyFailed   = "failed"
	ProxyUnknown  = "unknown"
)

// ProxyCandidate is one configured capture proxy with its health record.
type ProxyCandidate struct {
	ID                  int64      `json:"id"`
	URL                 string     `json:"url"`
	Priority            int        `json:"priority"`
	Enabled             bool       `json:"enabled"`
	HealthStatus        string     `json:"health_status"`
	ConsecutiveFailures int        `json:"consecutive_failures"`
	AvgResponseTimeMs   *int       `json:"average_response_time_ms,omitempty"`
	TotalUses           int64      `json:"total_uses"`
	TotalFailures       int64      `json:"total_failures"`
	LastUsedAt          *time.Time `json:"last_used_at,omitempty"`
	LastFailureAt       *time.Time `json:"last_failure_at,omitempty"`
}
