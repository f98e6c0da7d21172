package api

import (
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/kandev/agentctrl/internal/common/logger"
	"github.com/kandev/agentctrl/internal/fanout"
)

// RealtimeHandler serves the real-time session/event feed over both
// WebSocket and Server-Sent Events transports.
type RealtimeHandler struct {
	hub *fanout.Hub
	log *logger.Logger
}

// NewRealtimeHandler constructs a RealtimeHandler.
func NewRealtimeHandler(hub *fanout.Hub, log *logger.Logger) *RealtimeHandler {
	return &RealtimeHandler{hub: hub, log: log.WithFields()}
}

// ServeWebSocket handles GET /ws.
func (h *RealtimeHandler) ServeWebSocket(c *gin.Context) {
	h.hub.ServeWebSocket(c, uuid.NewString(), h.log)
}

// ServeSSE handles GET /events/stream.
func (h *RealtimeHandler) ServeSSE(c *gin.Context) {
	h.hub.ServeSSE(c, uuid.NewString(), h.log)
}
