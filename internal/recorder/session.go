package recorder

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/streamarchive/backend/internal/errs"
	"github.com/streamarchive/backend/internal/events"
	"github.com/streamarchive/backend/internal/metrics"
	"github.com/streamarchive/backend/internal/models"
	"github.com/streamarchive/backend/internal/pipeline"
	"github.com/streamarchive/backend/internal/process"
)

// Session is one running capture and the state its monitor loop needs.
type Session struct {
	recording models.Recording
	streamer  string
	title     string
	category  string
	proxy     *models.ProxyCandidate
	handle    *process.Handle
	done      chan struct{}

	mu         sync.Mutex
	stopReason string
	lastBeat   time.Time
}

// requestStop records the first stop request. It returns false if a stop was already requested.
func (s *Session) requestStop(reason string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopReason != "" {
		return false
	}
	if reason == "" {
		reason = "manual"
	}
	s.stopReason = reason
	return true
}

func (s *Session) stopped() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopReason, s.stopReason != ""
}

// nextBeat returns a heartbeat time strictly after the previous one.
func (s *Session) nextBeat(now time.Time) time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !now.After(s.lastBeat) {
		now = s.lastBeat.Add(time.Millisecond)
	}
	s.lastBeat = now
	return now
}

// outcome is how a capture ended.
type outcome struct {
	success bool
	reason  string
	message string
	size    int64
}

func (svc *Service) monitor(ctx context.Context, sess *Session) {
	defer svc.monitors.Done()
	defer close(sess.done)

	ticker := time.NewTicker(svc.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-sess.handle.Done():
			svc.finalize(sess)
			return
		case <-ticker.C:
			svc.heartbeat(sess)
		case <-ctx.Done():
			sess.requestStop("cancelled")
			svc.Processes.Terminate(sess.handle, svc.cfg.TerminateTimeout)
			svc.finalize(sess)
			return
		}
	}
}

func (svc *Service) heartbeat(sess *Session) {
	at := sess.nextBeat(svc.now())
	id := sess.recording.ID
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	if err := svc.Active.TouchHeartbeat(ctx, id, at); err != nil {
		metrics.HeartbeatErrors.Inc()
		svc.log.Warn("heartbeat write failed", zap.Int64("recording_id", id), zap.Error(err))
	}
	svc.Registry.Update(id, func(s *models.ActiveRecordingState) { s.LastHeartbeat = at })
}

// classify decides success or failure once the process has exited.
func (svc *Service) classify(sess *Session) outcome {
	var size int64
	if fi, err := os.Stat(sess.recording.Path); err == nil {
		size = fi.Size()
	}
	reason, stopped := sess.stopped()
	proxyFault := sess.proxy != nil && isProxyFailure(sess.handle.Stderr())
	exitErr := sess.handle.Err()

	switch {
	case size < svc.cfg.MinOutputBytes:
		o := outcome{reason: models.FailureReasonOutputEmpty, size: size,
			message: fmt.Sprintf("%v: %d bytes written", errs.ErrOutputEmptyOrMissing, size)}
		if proxyFault {
			o.reason = models.FailureReasonProxyError
		}
		return o
	case !stopped && exitErr != nil:
		o := outcome{reason: models.FailureReasonProcessCrashed, size: size,
			message: fmt.Sprintf("%v: %v: %s", errs.ErrProcessCrashed, exitErr, lastLine(sess.handle.Stderr()))}
		if proxyFault {
			o.reason = models.FailureReasonProxyError
		}
		return o
	}
	return outcome{success: true, size: size, reason: reason}
}

// finalize runs once per session after the process exited. The entry is retired before the durable
// row is deleted so no snapshot writes the row back; it stays registered until the Recording row is
// terminal so recovery never treats it as orphaned.
func (svc *Service) finalize(sess *Session) {
	rec := sess.recording
	o := svc.classify(sess)
	end := svc.now()
	duration := int(end.Sub(rec.StartTime).Seconds())

	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()

	if sess.proxy != nil {
		if err := svc.Proxies.ReportOutcome(ctx, sess.proxy, o.reason != models.FailureReasonProxyError); err != nil {
			svc.log.Warn("report proxy outcome failed", zap.Int64("proxy_id", sess.proxy.ID), zap.Error(err))
		}
	}

	svc.Registry.Retire(rec.ID)
	svc.deleteActive(rec.ID)

	if o.success {
		if err := svc.Recordings.CompleteRecording(ctx, rec.ID, end, duration); err != nil {
			svc.log.Error("mark recording completed failed", zap.Int64("recording_id", rec.ID), zap.Error(err))
		}
	} else {
		if err := svc.Recordings.FailRecording(ctx, rec.ID, o.reason, o.message, end); err != nil {
			svc.log.Error("mark recording failed", zap.Int64("recording_id", rec.ID), zap.Error(err))
		}
	}

	svc.Registry.Remove(rec.ID)
	svc.mu.Lock()
	delete(svc.sessions, rec.ID)
	svc.mu.Unlock()

	if !o.success {
		svc.failed.Add(1)
		metrics.RecordingOutcomes.WithLabelValues(o.reason).Inc()
		svc.publish(events.New(events.RecordingError, rec.ID, models.RecordingStatusFailed, map[string]any{
			"reason":  o.reason,
			"message": o.message,
			"bytes":   o.size,
		}), rec.StreamID)
		svc.log.Warn("recording failed",
			zap.Int64("recording_id", rec.ID),
			zap.Int64("stream_id", rec.StreamID),
			zap.String("reason", o.reason),
			zap.String("error", o.message),
		)
		return
	}

	svc.completed.Add(1)
	metrics.RecordingOutcomes.WithLabelValues("completed").Inc()
	svc.publish(events.New(events.RecordingCompleted, rec.ID, models.RecordingStatusCompleted, map[string]any{
		"duration": duration,
		"bytes":    o.size,
		"path":     rec.Path,
	}), rec.StreamID)
	svc.log.Info("recording completed",
		zap.Int64("recording_id", rec.ID),
		zap.Int64("stream_id", rec.StreamID),
		zap.Int("duration_sec", duration),
		zap.Int64("bytes", o.size),
		zap.String("stop_reason", o.reason),
	)

	if svc.Pipeline == nil {
		return
	}
	info := pipeline.RecordingInfo{
		RecordingID:  rec.ID,
		StreamID:     rec.StreamID,
		StreamerName: sess.streamer,
		Title:        sess.title,
		Category:     sess.category,
		StartedAt:    rec.StartTime,
		Duration:     duration,
		RawPath:      rec.Path,
	}
	svc.handoffs.Add(1)
	go func() {
		defer svc.handoffs.Done()
		ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
		defer cancel()
		if _, err := svc.Pipeline.Enqueue(ctx, info); err != nil {
			svc.log.Error("enqueue post-processing failed", zap.Int64("recording_id", rec.ID), zap.Error(err))
		}
	}()
}

func lastLine(s string) string {
	s = strings.TrimRight(s, "\r\n")
	return s[strings.LastIndexByte(s, '\n')+1:]
}
