package events

import (
	"io"

	"github.com/gin-gonic/gin"
)

// Handler streams lifecycle events as server-sent events.
type Handler struct {
	pub *RedisPublisher
}

// NewHandler creates the SSE handler.
func NewHandler(pub *RedisPublisher) *Handler {
	return &Handler{pub: pub}
}

// Stream handles GET /events.
func (h *Handler) Stream(c *gin.Context) {
	ctx := c.Request.Context()
	ch := make(chan Event, 64)
	go func() {
		defer close(ch)
		_ = h.pub.Subscribe(ctx, func(e Event) {
			select {
			case ch <- e:
			default:
			}
		})
	}()
	c.Stream(func(w io.Writer) bool {
		e, ok := <-ch
		if !ok {
			return false
		}
		c.SSEvent(e.Type, e)
		return true
	})
}
