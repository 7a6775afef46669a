// Package recovery reconciles persisted active-recording rows with real processes and files.
package recovery

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/streamarchive/backend/internal/errs"
	"github.com/streamarchive/backend/internal/events"
	"github.com/streamarchive/backend/internal/metrics"
	"github.com/streamarchive/backend/internal/models"
	"github.com/streamarchive/backend/internal/pipeline"
)

// ActiveStore reads and clears crash-recovery rows.
type ActiveStore interface {
	ListActive(ctx context.Context) ([]models.ActiveRecordingState, error)
	DeleteActive(ctx context.Context, recordingID int64) error
	TouchHeartbeat(ctx context.Context, recordingID int64, at time.Time) error
}

// RecordingStore advances Recording rows. Recovery never deletes them.
type RecordingStore interface {
	GetRecording(ctx context.Context, id int64) (*models.Recording, error)
	CompleteRecording(ctx context.Context, id int64, end time.Time, durationSec int) error
	FailRecording(ctx context.Context, id int64, reason, message string, at time.Time) error
	ListStuckRecordings(ctx context.Context, startedBefore time.Time) ([]models.Recording, error)
}

// ProcessChecker reports whether a pid still belongs to the recorded process.
type ProcessChecker interface {
	Alive(ctx context.Context, pid int, ident string) (bool, error)
}

// Enqueuer schedules post-processing.
type Enqueuer interface {
	Enqueue(ctx context.Context, info pipeline.RecordingInfo) (bool, error)
}

// Ownership tells whether this process instance controls a recording.
type Ownership interface {
	Get(recordingID int64) (models.ActiveRecordingState, bool)
}

// Action is the decision taken for one row.
type Action string

const (
	ActionSalvaged           Action = "salvaged"
	ActionFailed             Action = "failed"
	ActionHeartbeatRefreshed Action = "heartbeat_refreshed"
	ActionHealthy            Action = "healthy"
	ActionOwned              Action = "owned"
	ActionAmbiguous          Action = "ambiguous"
	ActionStuckCompleted     Action = "stuck_completed"
	ActionCleared            Action = "cleared"
	ActionError              Action = "error"
)

// RowResult describes what happened to one recording.
type RowResult struct {
	RecordingID int64  `json:"recording_id"`
	StreamID    int64  `json:"stream_id,omitempty"`
	Action      Action `json:"action"`
	Error       string `json:"error,omitempty"`
}

// Report summarises a scan.
type Report struct {
	Scanned int            `json:"scanned"`
	Actions map[Action]int `json:"actions"`
	Results []RowResult    `json:"results"`
}

func (r *Report) add(res RowResult) {
	if r.Actions == nil {
		r.Actions = make(map[Action]int)
	}
	r.Actions[res.Action]++
	r.Results = append(r.Results, res)
	metrics.RecoveryActions.WithLabelValues(string(res.Action)).Inc()
}

// OrphanStats is a read-only view of recovery candidates.
type OrphanStats struct {
	ActiveRows      int `json:"active_rows"`
	Owned           int `json:"owned"`
	Stale           int `json:"stale"`
	ProcessGone     int `json:"process_gone"`
	Ambiguous       int `json:"ambiguous"`
	StuckRecordings int `json:"stuck_recordings"`
}

// Config tunes recovery thresholds.
type Config struct {
	Interval        time.Duration
	StaleHeartbeat  time.Duration
	StuckCeiling    time.Duration
	MinSalvageBytes int64
}

// Coordinator runs the recovery state machine.
type Coordinator struct {
	cfg        Config
	active     ActiveStore
	recordings RecordingStore
	procs      ProcessChecker
	enqueuer   Enqueuer
	info       pipeline.InfoSource
	owned      Ownership
	events     events.Publisher
	log        *zap.Logger
	now        func() time.Time
}

// NewCoordinator creates a recovery coordinator.
func NewCoordinator(cfg Config, active ActiveStore, recordings RecordingStore, procs ProcessChecker,
	enq Enqueuer, info pipeline.InfoSource, owned Ownership, pub events.Publisher, log *zap.Logger) *Coordinator {
	if log == nil {
		log = zap.NewNop()
	}
	if pub == nil {
		pub = events.Nop{}
	}
	if cfg.StaleHeartbeat <= 0 {
		cfg.StaleHeartbeat = models.StaleHeartbeatAfter
	}
	if cfg.StuckCeiling <= 0 {
		cfg.StuckCeiling = 24 * time.Hour
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Minute
	}
	return &Coordinator{
		cfg:        cfg,
		active:     active,
		recordings: recordings,
		procs:      procs,
		enqueuer:   enq,
		info:       info,
		owned:      owned,
		events:     pub,
		log:        log,
		now:        time.Now,
	}
}

// ScanAndRecoverOrphaned evaluates every active row, then force-completes stuck recordings.
// One bad row never stops the scan.
func (c *Coordinator) ScanAndRecoverOrphaned(ctx context.Context) (*Report, error) {
	rows, err := c.active.ListActive(ctx)
	if err != nil {
		return nil, fmt.Errorf("list active recordings: %w", err)
	}
	report := &Report{Scanned: len(rows)}
	for i := range rows {
		res := c.recoverRow(ctx, &rows[i])
		report.add(res)
	}

	stuck, err := c.recordings.ListStuckRecordings(ctx, c.now().Add(-c.cfg.StuckCeiling))
	if err != nil {
		c.log.Warn("stuck recording scan failed", zap.Error(err))
	}
	for i := range stuck {
		if _, ok := c.owned.Get(stuck[i].ID); ok {
			continue
		}
		report.Scanned++
		report.add(c.completeStuck(ctx, &stuck[i]))
	}

	if len(report.Results) > 0 {
		c.log.Info("recovery scan finished", zap.Int("scanned", report.Scanned), zap.Any("actions", report.Actions))
	}
	return report, nil
}

// RecoverSpecificRecording runs recovery for one recording id.
func (c *Coordinator) RecoverSpecificRecording(ctx context.Context, recordingID int64) (RowResult, error) {
	rows, err := c.active.ListActive(ctx)
	if err != nil {
		return RowResult{}, fmt.Errorf("list active recordings: %w", err)
	}
	for i := range rows {
		if rows[i].RecordingID == recordingID {
			res := c.recoverRow(ctx, &rows[i])
			metrics.RecoveryActions.WithLabelValues(string(res.Action)).Inc()
			return res, nil
		}
	}

	rec, err := c.recordings.GetRecording(ctx, recordingID)
	if err != nil {
		return RowResult{}, err
	}
	if rec == nil {
		return RowResult{}, errs.ErrRecordingNotFound
	}
	if _, ok := c.owned.Get(recordingID); ok {
		return RowResult{RecordingID: recordingID, StreamID: rec.StreamID, Action: ActionOwned}, nil
	}
	if rec.Status != models.RecordingStatusRecording {
		return RowResult{RecordingID: recordingID, StreamID: rec.StreamID, Action: ActionHealthy}, nil
	}
	res := c.completeStuck(ctx, rec)
	metrics.RecoveryActions.WithLabelValues(string(res.Action)).Inc()
	return res, nil
}

// GetOrphanedStatistics classifies active rows without changing anything.
func (c *Coordinator) GetOrphanedStatistics(ctx context.Context) (*OrphanStats, error) {
	rows, err := c.active.ListActive(ctx)
	if err != nil {
		return nil, fmt.Errorf("list active recordings: %w", err)
	}
	now := c.now()
	st := &OrphanStats{ActiveRows: len(rows)}
	for i := range rows {
		row := &rows[i]
		if _, ok := c.owned.Get(row.RecordingID); ok {
			st.Owned++
			continue
		}
		if now.Sub(row.LastHeartbeat) > c.cfg.StaleHeartbeat {
			st.Stale++
		}
		alive, err := c.procs.Alive(ctx, row.ProcessID, row.ProcessIdent)
		switch {
		case err != nil:
			st.Ambiguous++
		case !alive:
			st.ProcessGone++
		}
	}
	stuck, err := c.recordings.ListStuckRecordings(ctx, now.Add(-c.cfg.StuckCeiling))
	if err != nil {
		return nil, fmt.Errorf("list stuck recordings: %w", err)
	}
	for i := range stuck {
		if _, ok := c.owned.Get(stuck[i].ID); !ok {
			st.StuckRecordings++
		}
	}
	return st, nil
}

// Serve runs periodic scans until ctx is cancelled. It implements suture.Service.
func (c *Coordinator) Serve(ctx context.Context) error {
	ticker := time.NewTicker(c.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := c.ScanAndRecoverOrphaned(ctx); err != nil {
				c.log.Warn("periodic recovery scan failed", zap.Error(err))
			}
		}
	}
}

func (c *Coordinator) String() string { return "recovery-coordinator" }

func (c *Coordinator) recoverRow(ctx context.Context, row *models.ActiveRecordingState) RowResult {
	res := RowResult{RecordingID: row.RecordingID, StreamID: row.StreamID}
	log := c.log.With(zap.Int64("recording_id", row.RecordingID), zap.Int64("stream_id", row.StreamID), zap.Int("pid", row.ProcessID))

	if _, ok := c.owned.Get(row.RecordingID); ok {
		res.Action = ActionOwned
		return res
	}

	alive, err := c.procs.Alive(ctx, row.ProcessID, row.ProcessIdent)
	if err != nil {
		log.Warn("cannot determine capture process state, leaving row", zap.Error(err))
		res.Action = ActionAmbiguous
		res.Error = err.Error()
		return res
	}

	now := c.now()
	if alive {
		if now.Sub(row.LastHeartbeat) <= c.cfg.StaleHeartbeat {
			res.Action = ActionHealthy
			return res
		}
		log.Warn("capture process alive with stale heartbeat, refreshing", zap.Duration("age", now.Sub(row.LastHeartbeat)))
		if err := c.active.TouchHeartbeat(ctx, row.RecordingID, now); err != nil {
			return c.rowError(res, log, "refresh heartbeat", err)
		}
		res.Action = ActionHeartbeatRefreshed
		return res
	}

	rec, err := c.recordings.GetRecording(ctx, row.RecordingID)
	if err != nil {
		return c.rowError(res, log, "load recording", err)
	}
	if rec == nil || rec.IsTerminal() {
		if err := c.active.DeleteActive(ctx, row.RecordingID); err != nil {
			return c.rowError(res, log, "delete active row", err)
		}
		res.Action = ActionCleared
		return res
	}

	size, modTime := fileInfo(row.TSOutputPath)
	if size >= c.cfg.MinSalvageBytes && size > 0 {
		end := row.LastHeartbeat
		if modTime.After(end) {
			end = modTime
		}
		if end.Before(row.StartedAt) {
			end = row.StartedAt
		}
		duration := int(end.Sub(row.StartedAt).Seconds())
		if err := c.recordings.CompleteRecording(ctx, row.RecordingID, end, duration); err != nil {
			return c.rowError(res, log, "complete recording", err)
		}
		if err := c.active.DeleteActive(ctx, row.RecordingID); err != nil {
			log.Warn("delete active row failed", zap.Error(err))
		}
		c.enqueue(ctx, row.RecordingID, row.TSOutputPath, duration, log)
		log.Info("orphaned recording salvaged", zap.Int64("bytes", size), zap.Int("duration", duration))
		_ = c.events.Publish(ctx, events.New(events.RecordingRecovered, row.RecordingID, models.RecordingStatusCompleted, map[string]any{"bytes": size}))
		res.Action = ActionSalvaged
		return res
	}

	msg := fmt.Sprintf("capture process %d lost, output %d bytes", row.ProcessID, size)
	if err := c.recordings.FailRecording(ctx, row.RecordingID, models.FailureReasonProcessLost, msg, now); err != nil {
		return c.rowError(res, log, "fail recording", err)
	}
	if err := c.active.DeleteActive(ctx, row.RecordingID); err != nil {
		log.Warn("delete active row failed", zap.Error(err))
	}
	log.Warn("orphaned recording failed", zap.String("reason", models.FailureReasonProcessLost), zap.Int64("bytes", size))
	_ = c.events.Publish(ctx, events.New(events.RecordingError, row.RecordingID, models.RecordingStatusFailed,
		map[string]string{"reason": models.FailureReasonProcessLost}))
	res.Action = ActionFailed
	return res
}

func (c *Coordinator) completeStuck(ctx context.Context, rec *models.Recording) RowResult {
	res := RowResult{RecordingID: rec.ID, StreamID: rec.StreamID}
	log := c.log.With(zap.Int64("recording_id", rec.ID))
	now := c.now()

	end := now
	size, modTime := fileInfo(rec.Path)
	if size > 0 && modTime.After(rec.StartTime) && modTime.Before(now) {
		end = modTime
	}
	duration := int(end.Sub(rec.StartTime).Seconds())
	if duration < 0 {
		duration = 0
	}
	if err := c.recordings.CompleteRecording(ctx, rec.ID, now, duration); err != nil {
		return c.rowError(res, log, "complete stuck recording", err)
	}
	if size >= c.cfg.MinSalvageBytes && size > 0 {
		c.enqueue(ctx, rec.ID, rec.Path, duration, log)
	}
	log.Info("stuck recording force-completed", zap.Time("started", rec.StartTime), zap.Int("duration", duration))
	res.Action = ActionStuckCompleted
	return res
}

func (c *Coordinator) enqueue(ctx context.Context, recordingID int64, rawPath string, duration int, log *zap.Logger) {
	info, err := c.info.PipelineInfo(ctx, recordingID)
	if err != nil || info == nil {
		log.Warn("cannot load pipeline info for salvaged recording", zap.Error(err))
		return
	}
	if rawPath != "" {
		info.RawPath = rawPath
	}
	info.Duration = duration
	if _, err := c.enqueuer.Enqueue(ctx, *info); err != nil && !errors.Is(err, errs.ErrDuplicateChain) {
		log.Warn("enqueue post-processing for salvaged recording failed", zap.Error(err))
	}
}

func (c *Coordinator) rowError(res RowResult, log *zap.Logger, op string, err error) RowResult {
	log.Error("recovery step failed", zap.String("op", op), zap.Error(err))
	res.Action = ActionError
	res.Error = fmt.Sprintf("%s: %v", op, err)
	return res
}

func fileInfo(path string) (int64, time.Time) {
	if path == "" {
		return 0, time.Time{}
	}
	fi, err := os.Stat(path)
	if err != nil || fi.IsDir() {
		return 0, time.Time{}
	}
	return fi.Size(), fi.ModTime()
}
