package recordings

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

// RecordingService is the lifecycle surface the admin API drives.
type RecordingService interface {
	StartRecording(ctx context.Context, streamID, streamerID int64, opts recorder.StartOptions) (*models.Recording, error)
	ForceStart(ctx context.Context, streamID, streamerID int64, opts recorder.StartOptions) (*models.Recording, error)
	StopRecording(ctx context.Context, recordingID int64, reason string) error
	ListActiveRecordings() []recorder.ActiveRecording
	GetRecordingStatistics(ctx context.Context) recorder.Statistics
}

// RecordingReader loads recordings by id.
type RecordingReader interface {
	GetRecording(ctx context.Context, id int64) (*models.Recording, error)
}

// StreamReader resolves the streamer that owns a stream.
type StreamReader interface {
	GetStream(ctx context.Context, id int64) (*models.Stream, error)
}

// Presigner signs archive download URLs. Optional; nil disables download links.
type Presigner interface {
	GeneratePresignedDownloadURL(ctx context.Context, bucket, key string, expires time.Duration) (string, error)
	RecordingsBucket() string
	PresignExpire() time.Duration
}

// Handler handles recording HTTP endpoints.
type Handler struct {
	repo     RecordingReader
	streams  StreamReader
	recorder RecordingService
	s3       Presigner
	logger   *zap.Logger
}

// NewHandler creates a recordings handler.
func NewHandler(repo RecordingReader, streams StreamReader, rec RecordingService, s3 Presigner, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{repo: repo, streams: streams, recorder: rec, s3: s3, logger: logger}
}

type startRequest struct {
	StreamerID int64  `json:"streamer_id"`
	Quality    string `json:"quality"`
}

type stopRequest struct {
	Reason string `json:"reason"`
}

// StartRecording handles POST /streams/:id/recording/start.
func (h *Handler) StartRecording(c *gin.Context) {
	h.start(c, false)
}

// ForceStart handles POST /streams/:id/recording/force-start. It ignores the streamer's enabled flag.
func (h *Handler) ForceStart(c *gin.Context) {
	h.start(c, true)
}

func (h *Handler) start(c *gin.Context, force bool) {
	streamID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		response.BadRequest(c, "invalid stream id")
		return
	}
	var body startRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&body); err != nil {
			response.BadRequest(c, "invalid request: "+err.Error())
			return
		}
	}
	if body.StreamerID == 0 {
		stream, err := h.streams.GetStream(c.Request.Context(), streamID)
		if err != nil {
			h.logger.Error("get stream failed", zap.Error(err), zap.Int64("stream_id", streamID))
			response.Internal(c, "failed to load stream")
			return
		}
		if stream == nil {
			response.NotFound(c, "stream not found")
			return
		}
		body.StreamerID = stream.StreamerID
	}

	opts := recorder.StartOptions{Quality: body.Quality}
	var rec *models.Recording
	if force {
		rec, err = h.recorder.ForceStart(c.Request.Context(), streamID, body.StreamerID, opts)
	} else {
		rec, err = h.recorder.StartRecording(c.Request.Context(), streamID, body.StreamerID, opts)
	}
	if err != nil {
		h.writeStartError(c, streamID, err)
		return
	}
	response.Created(c, rec)
}

func (h *Handler) writeStartError(c *gin.Context, streamID int64, err error) {
	switch {
	case errors.Is(err, errs.ErrAlreadyActive):
		response.Conflict(c, err.Error())
	case errors.Is(err, errs.ErrAdmissionDenied):
		response.TooManyRequests(c, err.Error())
	case errors.Is(err, errs.ErrNoProxyAvailable), errors.Is(err, errs.ErrShuttingDown):
		response.ServiceUnavailable(c, err.Error())
	case errors.Is(err, errs.ErrRecordingDisabled):
		response.UnprocessableEntity(c, err.Error())
	default:
		h.logger.Error("start recording failed", zap.Error(err), zap.Int64("stream_id", streamID))
		response.Internal(c, "failed to start recording")
	}
}

// StopRecording handles POST /recordings/:id/stop. Stopping a finished recording succeeds.
func (h *Handler) StopRecording(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		response.BadRequest(c, "invalid recording id")
		return
	}
	var body stopRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&body); err != nil {
			response.BadRequest(c, "invalid request: "+err.Error())
			return
		}
	}
	if body.Reason == "" {
		body.Reason = "manual"
	}
	if err := h.recorder.StopRecording(c.Request.Context(), id, body.Reason); err != nil {
		if errors.Is(err, errs.ErrRecordingNotFound) {
			response.NotFound(c, "recording not found")
			return
		}
		h.logger.Error("stop recording failed", zap.Error(err), zap.Int64("recording_id", id))
		response.Internal(c, "failed to stop recording")
		return
	}
	rec, err := h.repo.GetRecording(c.Request.Context(), id)
	if err != nil || rec == nil {
		response.OK(c, gin.H{"recording_id": id})
		return
	}
	response.OK(c, rec)
}

// ListActive handles GET /recordings/active.
func (h *Handler) ListActive(c *gin.Context) {
	response.OK(c, h.recorder.ListActiveRecordings())
}

// Statistics handles GET /recordings/statistics.
func (h *Handler) Statistics(c *gin.Context) {
	response.OK(c, h.recorder.GetRecordingStatistics(c.Request.Context()))
}

// Get handles GET /recordings/:id.
func (h *Handler) Get(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		response.BadRequest(c, "invalid recording id")
		return
	}
	rec, err := h.repo.GetRecording(c.Request.Context(), id)
	if err != nil {
		h.logger.Error("get recording failed", zap.Error(err), zap.Int64("recording_id", id))
		response.Internal(c, "failed to load recording")
		return
	}
	if rec == nil {
		response.NotFound(c, "recording not found")
		return
	}
	response.OK(c, rec)
}

// GenerateDownloadURL handles GET /recordings/:id/download-url. Only archived recordings have one.
func (h *Handler) GenerateDownloadURL(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		response.BadRequest(c, "invalid recording id")
		return
	}
	if h.s3 == nil {
		response.ServiceUnavailable(c, "archive storage not configured")
		return
	}
	rec, err := h.repo.GetRecording(c.Request.Context(), id)
	if err != nil {
		h.logger.Error("get recording failed", zap.Error(err), zap.Int64("recording_id", id))
		response.Internal(c, "failed to load recording")
		return
	}
	if rec == nil {
		response.NotFound(c, "recording not found")
		return
	}
	if rec.ArchiveKey == "" {
		response.Conflict(c, "recording not archived yet")
		return
	}
	expire := h.s3.PresignExpire()
	url, err := h.s3.GeneratePresignedDownloadURL(c.Request.Context(), h.s3.RecordingsBucket(), rec.ArchiveKey, expire)
	if err != nil {
		h.logger.Error("presign recording download failed", zap.Error(err), zap.Int64("recording_id", id))
		response.Internal(c, "failed to generate download URL")
		return
	}
	response.OK(c, gin.H{"download_url": url, "expires_in": int(expire.Seconds())})
}
