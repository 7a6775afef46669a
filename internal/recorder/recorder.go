// Package recorder drives the lifecycle of captures: admission, process spawn, heartbeats, and hand-off to post-processing.
package recorder

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/streamarchive/backend/internal/errs"
	"github.com/streamarchive/backend/internal/events"
	"github.com/streamarchive/backend/internal/metrics"
	"github.com/streamarchive/backend/internal/models"
	"github.com/streamarchive/backend/internal/pipeline"
	"github.com/streamarchive/backend/internal/process"
	"github.com/streamarchive/backend/internal/registry"
	"github.com/streamarchive/backend/internal/settings"
)

// minHeartbeatInterval keeps the monitor loop from polling the store in a tight loop.
const minHeartbeatInterval = 100 * time.Millisecond

// storeTimeout bounds the durable writes made outside a request.
const storeTimeout = 10 * time.Second

// SettingsResolver resolves effective recording settings.
type SettingsResolver interface {
	EffectiveSettings(ctx context.Context, streamerID int64) settings.Effective
}

// ProxySelector picks a proxy and learns from capture outcomes.
type ProxySelector interface {
	SelectProxy(ctx context.Context) (*models.ProxyCandidate, error)
	ReportOutcome(ctx context.Context, proxy *models.ProxyCandidate, success bool) error
}

// ProcessRunner spawns and terminates capture processes.
type ProcessRunner interface {
	Start(ctx context.Context, id string, c process.Command) (*process.Handle, error)
	Terminate(h *process.Handle, timeout time.Duration) bool
}

// StreamStore resolves the streamer and stream a capture belongs to.
type StreamStore interface {
	GetStreamer(ctx context.Context, id int64) (*models.Streamer, error)
	GetStream(ctx context.Context, id int64) (*models.Stream, error)
}

// RecordingStore persists Recording rows.
type RecordingStore interface {
	Create(ctx context.Context, rec *models.Recording) error
	GetRecording(ctx context.Context, id int64) (*models.Recording, error)
	SetPath(ctx context.Context, id int64, path string) error
	CompleteRecording(ctx context.Context, id int64, end time.Time, durationSec int) error
	FailRecording(ctx context.Context, id int64, reason, message string, at time.Time) error
	CountByStatus(ctx context.Context) (map[string]int64, error)
}

// ActiveStore persists the crash-recovery row of a running capture.
type ActiveStore interface {
	UpsertActive(ctx context.Context, s *models.ActiveRecordingState) error
	DeleteActive(ctx context.Context, recordingID int64) error
	TouchHeartbeat(ctx context.Context, recordingID int64, at time.Time) error
	SetStatus(ctx context.Context, recordingID int64, status string) error
}

// Pipeline accepts finished captures for post-processing.
type Pipeline interface {
	Enqueue(ctx context.Context, info pipeline.RecordingInfo) (bool, error)
	Stats() pipeline.Stats
}

// Config holds capture settings.
type Config struct {
	OutputDir         string
	CaptureBinary     string
	HeartbeatInterval time.Duration
	MinOutputBytes    int64
	TerminateTimeout  time.Duration
	ProxyEnabled      bool
	FallbackToDirect  bool
}

// StartOptions tune a single start request.
type StartOptions struct {
	Quality string `json:"quality,omitempty"` // overrides the resolved quality
	Force   bool   `json:"-"`                 // ignore the streamer's enabled flag and per-streamer limit
}

// Deps bundles the collaborators of a Service.
type Deps struct {
	Registry   *registry.Registry
	Settings   SettingsResolver
	Proxies    ProxySelector
	Processes  ProcessRunner
	Streams    StreamStore
	Recordings RecordingStore
	Active     ActiveStore
	Pipeline   Pipeline
	Events     events.Publisher
}

// Service starts and stops captures and owns their monitor loops.
type Service struct {
	cfg Config
	Deps
	log *zap.Logger
	now func() time.Time

	mu       sync.Mutex
	sessions map[int64]*Session

	monitors     sync.WaitGroup
	handoffs     sync.WaitGroup
	shuttingDown atomic.Bool

	started   atomic.Int64
	completed atomic.Int64
	failed    atomic.Int64
}

// NewService creates a recorder service.
func NewService(cfg Config, deps Deps, log *zap.Logger) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	if deps.Events == nil {
		deps.Events = events.Nop{}
	}
	if cfg.HeartbeatInterval < minHeartbeatInterval {
		cfg.HeartbeatInterval = minHeartbeatInterval
	}
	if cfg.TerminateTimeout <= 0 {
		cfg.TerminateTimeout = 15 * time.Second
	}
	return &Service{
		cfg:      cfg,
		Deps:     deps,
		log:      log,
		now:      time.Now,
		sessions: make(map[int64]*Session),
	}
}

// StartRecording admits, spawns and registers a capture for streamID.
// Admission failures return before anything is spawned or persisted.
func (svc *Service) StartRecording(ctx context.Context, streamID, streamerID int64, opts StartOptions) (*models.Recording, error) {
	if svc.shuttingDown.Load() {
		return nil, errs.ErrShuttingDown
	}
	eff := svc.Settings.EffectiveSettings(ctx, streamerID)
	if !eff.Enabled && !opts.Force {
		metrics.RecordingStarts.WithLabelValues("disabled").Inc()
		return nil, fmt.Errorf("%w: streamer %d", errs.ErrRecordingDisabled, streamerID)
	}

	res, err := svc.Registry.Reserve(streamID, eff.ConcurrencyCap)
	if err != nil {
		switch {
		case errors.Is(err, errs.ErrAlreadyActive):
			metrics.RecordingStarts.WithLabelValues("already_active").Inc()
		case errors.Is(err, errs.ErrAdmissionDenied):
			metrics.RecordingStarts.WithLabelValues("admission_denied").Inc()
		}
		return nil, err
	}
	defer res.Release()

	streamer, err := svc.Streams.GetStreamer(ctx, streamerID)
	if err != nil {
		return nil, fmt.Errorf("get streamer: %w", err)
	}
	if streamer == nil {
		return nil, fmt.Errorf("streamer %d not found", streamerID)
	}
	if !opts.Force && eff.MaxStreams > 0 && svc.streamerCount(streamer.Name) >= eff.MaxStreams {
		metrics.RecordingStarts.WithLabelValues("admission_denied").Inc()
		return nil, fmt.Errorf("%w: streamer %s already has %d recordings", errs.ErrAdmissionDenied, streamer.Name, eff.MaxStreams)
	}
	stream, err := svc.Streams.GetStream(ctx, streamID)
	if err != nil {
		return nil, fmt.Errorf("get stream: %w", err)
	}
	if stream == nil {
		stream = &models.Stream{ID: streamID, StreamerID: streamerID}
	}

	proxy, err := svc.selectProxy(ctx)
	if err != nil {
		metrics.RecordingStarts.WithLabelValues("no_proxy").Inc()
		return nil, err
	}

	quality := eff.Quality
	if opts.Quality != "" {
		quality = opts.Quality
	}

	startedAt := svc.now()
	rec := &models.Recording{
		StreamID:   streamID,
		StreamerID: streamerID,
		StartTime:  startedAt,
		Status:     models.RecordingStatusRecording,
	}
	if err := svc.Recordings.Create(ctx, rec); err != nil {
		return nil, fmt.Errorf("create recording: %w", err)
	}

	path, err := OutputPath(svc.cfg.OutputDir, eff.FilenameTemplate, TemplateVars{
		Streamer:    streamer.Name,
		Title:       stream.Title,
		Category:    stream.Category,
		StartedAt:   startedAt,
		RecordingID: rec.ID,
	})
	if err == nil {
		err = os.MkdirAll(filepath.Dir(path), 0o750)
	}
	if err != nil {
		svc.failStart(rec, err)
		return nil, fmt.Errorf("prepare output: %w", err)
	}
	rec.Path = path
	if err := svc.Recordings.SetPath(ctx, rec.ID, path); err != nil {
		svc.log.Warn("store recording path failed", zap.Int64("recording_id", rec.ID), zap.Error(err))
	}

	proxyURL := ""
	if proxy != nil {
		proxyURL = proxy.URL
	}
	cmd := CaptureCommand(svc.cfg.CaptureBinary, streamer.URL, quality, path, proxyURL)
	handle, err := svc.Processes.Start(ctx, processID(rec.ID), cmd)
	if err != nil {
		metrics.RecordingStarts.WithLabelValues("spawn_failed").Inc()
		svc.failStart(rec, err)
		return nil, fmt.Errorf("start capture: %w", err)
	}

	state := models.ActiveRecordingState{
		StreamID:      streamID,
		RecordingID:   rec.ID,
		ProcessID:     handle.PID,
		ProcessIdent:  handle.Ident,
		StreamerName:  streamer.Name,
		StartedAt:     startedAt,
		TSOutputPath:  path,
		Quality:       quality,
		Status:        models.ActiveStatusActive,
		LastHeartbeat: startedAt,
		Config:        captureConfig(proxy, eff.FilenameTemplate, opts.Force),
	}
	if err := svc.Active.UpsertActive(ctx, &state); err != nil {
		svc.log.Warn("write active recording row failed", zap.Int64("recording_id", rec.ID), zap.Error(err))
	}

	mctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	sess := &Session{
		recording: *rec,
		streamer:  streamer.Name,
		title:     stream.Title,
		category:  stream.Category,
		proxy:     proxy,
		handle:    handle,
		lastBeat:  startedAt,
		done:      done,
	}
	if err := svc.Registry.Add(res, state, &registry.Task{Cancel: cancel, Done: done}); err != nil {
		cancel()
		svc.Processes.Terminate(handle, svc.cfg.TerminateTimeout)
		svc.failStart(rec, err)
		svc.deleteActive(rec.ID)
		return nil, fmt.Errorf("register recording: %w", err)
	}

	svc.mu.Lock()
	svc.sessions[rec.ID] = sess
	svc.mu.Unlock()

	svc.monitors.Add(1)
	go svc.monitor(mctx, sess)

	svc.started.Add(1)
	metrics.RecordingStarts.WithLabelValues("started").Inc()
	svc.publish(events.New(events.RecordingStarted, rec.ID, models.RecordingStatusRecording, map[string]any{
		"stream_id": streamID,
		"streamer":  streamer.Name,
		"path":      path,
		"quality":   quality,
		"proxied":   proxy != nil,
	}), streamID)
	svc.log.Info("recording started",
		zap.Int64("recording_id", rec.ID),
		zap.Int64("stream_id", streamID),
		zap.String("streamer", streamer.Name),
		zap.Int("pid", handle.PID),
		zap.String("output", path),
		zap.Bool("proxied", proxy != nil),
	)
	return rec, nil
}

// ForceStart starts a capture even when the streamer is disabled. Duplicate and capacity checks still apply.
func (svc *Service) ForceStart(ctx context.Context, streamID, streamerID int64, opts StartOptions) (*models.Recording, error) {
	opts.Force = true
	return svc.StartRecording(ctx, streamID, streamerID, opts)
}

// StopRecording asks the capture to stop and waits until it has been finalized.
// Stopping a recording that already finished succeeds without doing anything.
func (svc *Service) StopRecording(ctx context.Context, recordingID int64, reason string) error {
	svc.mu.Lock()
	sess, ok := svc.sessions[recordingID]
	svc.mu.Unlock()
	if !ok {
		rec, err := svc.Recordings.GetRecording(ctx, recordingID)
		if err != nil {
			return fmt.Errorf("get recording: %w", err)
		}
		if rec == nil {
			return errs.ErrRecordingNotFound
		}
		return nil
	}

	if sess.requestStop(reason) {
		svc.log.Info("stopping recording",
			zap.Int64("recording_id", recordingID),
			zap.String("reason", reason),
		)
		svc.Registry.Update(recordingID, func(s *models.ActiveRecordingState) { s.Status = models.ActiveStatusStopping })
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), storeTimeout)
		if err := svc.Active.SetStatus(sctx, recordingID, models.ActiveStatusStopping); err != nil {
			svc.log.Warn("mark recording stopping failed", zap.Int64("recording_id", recordingID), zap.Error(err))
		}
		cancel()
		svc.publish(events.New(events.RecordingStopping, recordingID, models.ActiveStatusStopping, map[string]string{"reason": reason}),
			sess.recording.StreamID)
		go svc.Processes.Terminate(sess.handle, svc.cfg.TerminateTimeout)
	}

	select {
	case <-sess.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ActiveRecording is one registry entry as reported to callers.
type ActiveRecording struct {
	models.ActiveRecordingState
	HeartbeatAgeSec float64 `json:"heartbeat_age_sec"`
	Stopping        bool    `json:"stopping"`
}

// ListActiveRecordings returns the captures controlled by this instance, oldest first.
func (svc *Service) ListActiveRecordings() []ActiveRecording {
	now := svc.now()
	states := svc.Registry.List()
	out := make([]ActiveRecording, 0, len(states))
	for _, st := range states {
		out = append(out, ActiveRecording{
			ActiveRecordingState: st,
			HeartbeatAgeSec:      st.HeartbeatAge(now).Seconds(),
			Stopping:             st.Status == models.ActiveStatusStopping,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out
}

// ActiveRecordingForStream returns the id of the capture running for streamID.
func (svc *Service) ActiveRecordingForStream(streamID int64) (int64, bool) {
	return svc.Registry.ByStream(streamID)
}

// Statistics summarise recorder activity.
type Statistics struct {
	Active         int              `json:"active"`
	ConcurrencyCap int              `json:"concurrency_cap"`
	Started        int64            `json:"started"`
	Completed      int64            `json:"completed"`
	Failed         int64            `json:"failed"`
	ByStatus       map[string]int64 `json:"by_status,omitempty"`
	Pipeline       pipeline.Stats   `json:"pipeline"`
	ShuttingDown   bool             `json:"shutting_down"`
}

// GetRecordingStatistics reports in-process counters together with stored status counts.
// A store failure leaves ByStatus empty rather than failing the call.
func (svc *Service) GetRecordingStatistics(ctx context.Context) Statistics {
	st := Statistics{
		Active:         svc.Registry.Count(),
		ConcurrencyCap: svc.Settings.EffectiveSettings(ctx, 0).ConcurrencyCap,
		Started:        svc.started.Load(),
		Completed:      svc.completed.Load(),
		Failed:         svc.failed.Load(),
		ShuttingDown:   svc.shuttingDown.Load(),
	}
	if svc.Pipeline != nil {
		st.Pipeline = svc.Pipeline.Stats()
	}
	counts, err := svc.Recordings.CountByStatus(ctx)
	if err != nil {
		svc.log.Warn("count recordings by status failed", zap.Error(err))
	} else {
		st.ByStatus = counts
	}
	return st
}

// GracefulShutdown stops every capture with reason "shutdown", waits for the monitor loops and
// pending hand-offs, and saves the registry snapshot last. New starts are refused from the first call.
func (svc *Service) GracefulShutdown(ctx context.Context) error {
	svc.shuttingDown.Store(true)

	svc.mu.Lock()
	ids := make([]int64, 0, len(svc.sessions))
	for id := range svc.sessions {
		ids = append(ids, id)
	}
	svc.mu.Unlock()
	svc.log.Info("recorder shutting down", zap.Int("recordings", len(ids)))

	var g errgroup.Group
	for _, id := range ids {
		g.Go(func() error {
			if err := svc.StopRecording(ctx, id, "shutdown"); err != nil {
				return fmt.Errorf("stop recording %d: %w", id, err)
			}
			return nil
		})
	}
	stopErr := g.Wait()
	if stopErr != nil {
		// Stops that outlived ctx get their monitors cancelled, which kills the process.
		for _, done := range svc.Registry.CancelAll() {
			<-done
		}
	}

	waitErr := waitGroup(ctx, &svc.monitors)
	if waitErr == nil {
		waitErr = waitGroup(ctx, &svc.handoffs)
	}

	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), storeTimeout)
	defer cancel()
	snapErr := svc.Registry.SaveSnapshot(sctx)
	return errors.Join(stopErr, waitErr, snapErr)
}

func (svc *Service) selectProxy(ctx context.Context) (*models.ProxyCandidate, error) {
	if !svc.cfg.ProxyEnabled || svc.Proxies == nil {
		return nil, nil
	}
	proxy, err := svc.Proxies.SelectProxy(ctx)
	if err != nil {
		svc.log.Warn("proxy selection failed", zap.Error(err))
		proxy = nil
	}
	if proxy == nil && !svc.cfg.FallbackToDirect {
		return nil, errs.ErrNoProxyAvailable
	}
	return proxy, nil
}

func (svc *Service) streamerCount(name string) int {
	n := 0
	for _, st := range svc.Registry.List() {
		if st.StreamerName == name {
			n++
		}
	}
	return n
}

// failStart marks a recording row failed after a start error past the admission checks.
func (svc *Service) failStart(rec *models.Recording, cause error) {
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	if err := svc.Recordings.FailRecording(ctx, rec.ID, models.FailureReasonSpawnFailed, cause.Error(), svc.now()); err != nil {
		svc.log.Error("mark recording failed", zap.Int64("recording_id", rec.ID), zap.Error(err))
	}
	svc.failed.Add(1)
	svc.publish(events.New(events.RecordingError, rec.ID, models.RecordingStatusFailed, map[string]string{
		"reason":  models.FailureReasonSpawnFailed,
		"message": cause.Error(),
	}), rec.StreamID)
}

func (svc *Service) deleteActive(recordingID int64) {
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	if err := svc.Active.DeleteActive(ctx, recordingID); err != nil {
		svc.log.Error("delete active recording row failed", zap.Int64("recording_id", recordingID), zap.Error(err))
	}
}

func (svc *Service) publish(e events.Event, streamID int64) {
	e.StreamID = streamID
	if err := svc.Events.Publish(context.Background(), e); err != nil {
		svc.log.Warn("publish event failed", zap.String("type", e.Type), zap.Int64("recording_id", e.RecordingID), zap.Error(err))
	}
}

func processID(recordingID int64) string {
	return fmt.Sprintf("recording-%d", recordingID)
}

func captureConfig(proxy *models.ProxyCandidate, template string, forced bool) json.RawMessage {
	cfg := map[string]any{"filename_template": template, "forced": forced}
	if proxy != nil {
		cfg["proxy_id"] = proxy.ID
	}
	raw, err := json.Marshal(cfg)
	if err != nil {
		return json.RawMessage(`{}`)
	}
	return raw
}

func waitGroup(ctx context.Context, wg *sync.WaitGroup) error {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
