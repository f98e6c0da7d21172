package fanout

import (
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/kandev/agentctrl/internal/common/logger"
)

// ServeSSE subscribes the request's connection to the hub and streams
// frames as Server-Sent Events until the client disconnects.
func (h *Hub) ServeSSE(c *gin.Context, subscriberID string, log *logger.Logger) {
	sub, err := h.Subscribe(c.Request.Context(), subscriberID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"detail": "failed to subscribe"})
		return
	}
	defer h.Unsubscribe(sub)

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.WriteHeader(http.StatusOK)
	c.Writer.Flush()

	ctx := c.Request.Context()
	flusher, canFlush := c.Writer.(http.Flusher)

	for {
		select {
		case <-ctx.Done():
			return
		case data, ok := <-sub.Recv():
			if !ok {
				return
			}
			if _, err := fmt.Fprintf(c.Writer, "data: %s\n\n", data); err != nil {
				log.Debug("sse write failed, disconnecting", zap.Error(err))
				return
			}
			if canFlush {
				flusher.Flush()
			}
		}
	}
}
