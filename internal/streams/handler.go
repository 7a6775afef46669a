package streams

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/streamarchive/backend/internal/errs"
	"github.com/streamarchive/backend/internal/models"
	"github.com/streamarchive/backend/internal/recorder"
	"github.com/streamarchive/backend/pkg/response"
)

// Store is the persistence the stream endpoints need.
type Store interface {
	GetStreamer(ctx context.Context, id int64) (*models.Streamer, error)
	GetStream(ctx context.Context, id int64) (*models.Stream, error)
	CreateStream(ctx context.Context, s *models.Stream) error
	End(ctx context.Context, streamID int64) error
	AddEvent(ctx context.Context, ev *models.StreamEvent) error
	StreamEvents(ctx context.Context, streamID int64) ([]models.StreamEvent, error)
}

// Recorder starts and stops captures for streams.
type Recorder interface {
	StartRecording(ctx context.Context, streamID, streamerID int64, opts recorder.StartOptions) (*models.Recording, error)
	StopRecording(ctx context.Context, recordingID int64, reason string) error
	ActiveRecordingForStream(streamID int64) (int64, bool)
}

// OnlinePayload is the body of the stream-online notification sent by the platform monitor.
type OnlinePayload struct {
	StreamerID int64     `json:"streamer_id" binding:"required"`
	Title      string    `json:"title"`
	Category   string    `json:"category"`
	StartedAt  time.Time `json:"started_at"`
}

// OfflinePayload is the body of the stream-offline notification.
type OfflinePayload struct {
	StreamID int64 `json:"stream_id" binding:"required"`
}

// EventPayload is a title or category change.
type EventPayload struct {
	Title     string    `json:"title"`
	Category  string    `json:"category"`
	Timestamp time.Time `json:"timestamp"`
}

// Handler receives stream lifecycle notifications and title changes.
type Handler struct {
	repo     Store
	recorder Recorder
	logger   *zap.Logger
}

// NewHandler creates a streams handler.
func NewHandler(repo Store, rec Recorder, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{repo: repo, recorder: rec, logger: logger}
}

// StreamOnline handles POST /webhooks/stream-online. It creates the stream and starts a capture;
// a refused capture still leaves the stream stored.
func (h *Handler) StreamOnline(c *gin.Context) {
	var body OnlinePayload
	if err := c.ShouldBindJSON(&body); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}
	ctx := c.Request.Context()
	streamer, err := h.repo.GetStreamer(ctx, body.StreamerID)
	if err != nil {
		h.logger.Error("get streamer failed", zap.Error(err), zap.Int64("streamer_id", body.StreamerID))
		response.Internal(c, "failed to load streamer")
		return
	}
	if streamer == nil {
		response.NotFound(c, "streamer not found")
		return
	}

	stream := &models.Stream{StreamerID: streamer.ID, Title: body.Title, Category: body.Category, StartedAt: body.StartedAt}
	if err := h.repo.CreateStream(ctx, stream); err != nil {
		h.logger.Error("create stream failed", zap.Error(err), zap.Int64("streamer_id", streamer.ID))
		response.Internal(c, "failed to create stream")
		return
	}
	log := h.logger.With(zap.Int64("stream_id", stream.ID), zap.String("streamer", streamer.Name))

	rec, err := h.recorder.StartRecording(ctx, stream.ID, streamer.ID, recorder.StartOptions{})
	if err != nil {
		status := "error"
		switch {
		case errors.Is(err, errs.ErrRecordingDisabled):
			status = "disabled"
		case errors.Is(err, errs.ErrAlreadyActive):
			status = "already_active"
		case errors.Is(err, errs.ErrAdmissionDenied):
			status = "capacity_reached"
		}
		log.Warn("capture not started", zap.String("status", status), zap.Error(err))
		response.Accepted(c, gin.H{"stream": stream, "recording_status": status, "reason": err.Error()})
		return
	}
	log.Info("capture started for new stream", zap.Int64("recording_id", rec.ID))
	response.Created(c, gin.H{"stream": stream, "recording": rec})
}

// StreamOffline handles POST /webhooks/stream-offline. It ends the stream and stops its capture if one runs here.
func (h *Handler) StreamOffline(c *gin.Context) {
	var body OfflinePayload
	if err := c.ShouldBindJSON(&body); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}
	ctx := c.Request.Context()
	if err := h.repo.End(ctx, body.StreamID); err != nil {
		h.logger.Error("end stream failed", zap.Error(err), zap.Int64("stream_id", body.StreamID))
		response.Internal(c, "failed to end stream")
		return
	}
	recordingID, ok := h.recorder.ActiveRecordingForStream(body.StreamID)
	if !ok {
		response.OK(c, gin.H{"stream_id": body.StreamID, "stopped": false})
		return
	}
	if err := h.recorder.StopRecording(ctx, recordingID, "stream_offline"); err != nil && !errors.Is(err, errs.ErrRecordingNotFound) {
		h.logger.Error("stop on offline failed", zap.Error(err), zap.Int64("recording_id", recordingID))
		response.Internal(c, "failed to stop recording")
		return
	}
	response.OK(c, gin.H{"stream_id": body.StreamID, "recording_id": recordingID, "stopped": true})
}

// AddEvent handles POST /streams/:id/events.
func (h *Handler) AddEvent(c *gin.Context) {
	streamID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		response.BadRequest(c, "invalid stream id")
		return
	}
	var body EventPayload
	if err := c.ShouldBindJSON(&body); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}
	if body.Title == "" && body.Category == "" {
		response.BadRequest(c, "title or category required")
		return
	}
	stream, err := h.repo.GetStream(c.Request.Context(), streamID)
	if err != nil {
		h.logger.Error("get stream failed", zap.Error(err), zap.Int64("stream_id", streamID))
		response.Internal(c, "failed to load stream")
		return
	}
	if stream == nil {
		response.NotFound(c, "stream not found")
		return
	}
	ev := &models.StreamEvent{StreamID: streamID, Title: body.Title, Category: body.Category, Timestamp: body.Timestamp}
	if ev.Title == "" {
		ev.Title = stream.Title
	}
	if ev.Category == "" {
		ev.Category = stream.Category
	}
	if err := h.repo.AddEvent(c.Request.Context(), ev); err != nil {
		h.logger.Error("add stream event failed", zap.Error(err), zap.Int64("stream_id", streamID))
		response.Internal(c, "failed to store event")
		return
	}
	response.Created(c, ev)
}

// ListEvents handles GET /streams/:id/events.
func (h *Handler) ListEvents(c *gin.Context) {
	streamID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		response.BadRequest(c, "invalid stream id")
		return
	}
	list, err := h.repo.StreamEvents(c.Request.Context(), streamID)
	if err != nil {
		h.logger.Error("list stream events failed", zap.Error(err), zap.Int64("stream_id", streamID))
		response.Internal(c, "failed to list events")
		return
	}
	if list == nil {
		list = []models.StreamEvent{}
	}
	response.OK(c, list)
}
