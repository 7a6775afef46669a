package settings

import (
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/streamarchive/backend/internal/models"
	"github.com/streamarchive/backend/pkg/response"
)

// Handler exposes effective settings and the per-streamer override write path.
type Handler struct {
	repo     *Repository
	resolver *Resolver
	logger   *zap.Logger
}

// NewHandler creates a settings handler.
func NewHandler(repo *Repository, resolver *Resolver, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{repo: repo, resolver: resolver, logger: logger}
}

// GetEffective handles GET /streamers/:id/settings.
func (h *Handler) GetEffective(c *gin.Context) {
	streamerID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		response.BadRequest(c, "invalid streamer id")
		return
	}
	response.OK(c, h.resolver.EffectiveSettings(c.Request.Context(), streamerID))
}

// UpdateStreamer handles PUT /streamers/:id/settings and invalidates the whole settings cache.
func (h *Handler) UpdateStreamer(c *gin.Context) {
	streamerID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		response.BadRequest(c, "invalid streamer id")
		return
	}
	var body models.StreamerSettings
	if err := c.ShouldBindJSON(&body); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}
	body.StreamerID = streamerID
	if err := h.repo.UpdateStreamer(c.Request.Context(), &body); err != nil {
		h.logger.Error("update streamer settings failed", zap.Error(err), zap.Int64("streamer_id", streamerID))
		response.Internal(c, "failed to update settings")
		return
	}
	h.resolver.Invalidate()
	response.OK(c, h.resolver.EffectiveSettings(c.Request.Context(), streamerID))
}
