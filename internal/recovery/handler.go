package recovery

import (
	"errors"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/streamarchive/backend/internal/errs"
	"github.com/streamarchive/backend/pkg/response"
)

// Handler exposes the administrative recovery entry points.
type Handler struct {
	coord  *Coordinator
	logger *zap.Logger
}

// NewHandler creates a recovery handler.
func NewHandler(coord *Coordinator, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{coord: coord, logger: logger}
}

// Orphaned handles GET /recovery/orphaned.
func (h *Handler) Orphaned(c *gin.Context) {
	st, err := h.coord.GetOrphanedStatistics(c.Request.Context())
	if err != nil {
		h.logger.Error("orphan statistics failed", zap.Error(err))
		response.Internal(c, "failed to inspect active recordings")
		return
	}
	response.OK(c, st)
}

// Scan handles POST /recovery/scan.
func (h *Handler) Scan(c *gin.Context) {
	report, err := h.coord.ScanAndRecoverOrphaned(c.Request.Context())
	if err != nil {
		h.logger.Error("recovery scan failed", zap.Error(err))
		response.Internal(c, "recovery scan failed")
		return
	}
	response.OK(c, report)
}

// Recover handles POST /recovery/recordings/:id.
func (h *Handler) Recover(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		response.BadRequest(c, "invalid recording id")
		return
	}
	res, err := h.coord.RecoverSpecificRecording(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, errs.ErrRecordingNotFound) {
			response.NotFound(c, "recording not found")
			return
		}
		h.logger.Error("recover recording failed", zap.Int64("recording_id", id), zap.Error(err))
		response.Internal(c, "recovery failed")
		return
	}
	response.OK(c, res)
}
