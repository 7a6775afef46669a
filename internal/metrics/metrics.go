// Package metrics holds the Prometheus instrumentation for recordings, the pipeline, proxies and recovery.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Recording lifecycle
	RecordingsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "recorder_recordings_active",
			Help: "Number of captures currently registered",
		},
	)

	RecordingStarts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "recorder_recording_starts_total",
			Help: "Recording start attempts by result",
		},
		[]string{"result"}, // "started", "already_active", "admission_denied", "no_proxy", "spawn_failed", "disabled"
	)

	RecordingOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "recorder_recording_outcomes_total",
			Help: "Finished captures by outcome",
		},
		[]string{"outcome"},
	)

	HeartbeatErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "recorder_heartbeat_errors_total",
			Help: "Failed heartbeat writes",
		},
	)

	// Proxy selection
	ProxySelections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "recorder_proxy_selections_total",
			Help: "Proxy selections by health status of the chosen proxy",
		},
		[]string{"health"},
	)

	// Post-processing pipeline
	PipelineTasks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "recorder_pipeline_tasks_total",
			Help: "Pipeline task executions by type and result",
		},
		[]string{"type", "result"}, // result: "completed", "retry", "failed", "blocked"
	)

	PipelineTaskDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "recorder_pipeline_task_duration_seconds",
			Help:    "Duration of pipeline task executions",
			Buckets: []float64{0.1, 1, 5, 15, 60, 300, 900, 3600},
		},
		[]string{"type"},
	)

	PipelineQueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "recorder_pipeline_ready_tasks",
			Help: "Tasks ready to run and waiting for a worker",
		},
	)

	// Recovery
	RecoveryActions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "recorder_recovery_actions_total",
			Help: "Recovery decisions by action",
		},
		[]string{"action"}, // "salvaged", "failed", "heartbeat_refreshed", "stuck_completed", "skipped", "error"
	)

	// Settings
	SettingsCacheHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "recorder_settings_cache_hits_total",
			Help: "Effective settings served from cache",
		},
	)

	SettingsFallbacks = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "recorder_settings_fallbacks_total",
			Help: "Effective settings served from hard-coded defaults because the store failed",
		},
	)

	// HTTP API
	HTTPRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "recorder_http_requests_total",
			Help: "HTTP requests by route and status code",
		},
		[]string{"method", "route", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "recorder_http_request_duration_seconds",
			Help:    "HTTP request latency by route",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)

	// Archive worker
	ArchiveUploads = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "recorder_archive_uploads_total",
			Help: "Archive upload jobs by result",
		},
		[]string{"result"}, // "uploaded", "skipped", "failed"
	)
)
