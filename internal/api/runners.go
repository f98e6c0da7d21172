package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/kandev/agentctrl/internal/common/apperrors"
	"github.com/kandev/agentctrl/internal/common/logger"
	"github.com/kandev/agentctrl/internal/queue"
	"github.com/kandev/agentctrl/internal/runner"
	v1 "github.com/kandev/agentctrl/pkg/api/v1"
)

// RunnerHandler serves the /runners endpoints, including the long-poll job
// delivery protocol.
type RunnerHandler struct {
	registry *runner.Registry
	queue    *queue.Queue
	log      *logger.Logger
}

// NewRunnerHandler constructs a RunnerHandler.
func NewRunnerHandler(registry *runner.Registry, q *queue.Queue, log *logger.Logger) *RunnerHandler {
	return &RunnerHandler{registry: registry, queue: q, log: log.WithFields(zap.String("component", "runners_api"))}
}

// Register handles POST /runners/register.
func (h *RunnerHandler) Register(c *gin.Context) {
	var req v1.RegisterRunnerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondErr(c, apperrors.BadRequest(err.Error()))
		return
	}

	resp, err := h.registry.Register(c.Request.Context(), runner.RegisterRequest{
		Hostname:        req.Hostname,
		ProjectDir:      req.ProjectDir,
		ExecutorProfile: req.ExecutorProfile,
		Tags:            req.Tags,
		ExecutorType:    req.ExecutorType,
	})
	if err != nil {
		respondErr(c, err)
		return
	}

	c.JSON(http.StatusOK, v1.RegisterRunnerResponse{
		RunnerID:                 resp.RunnerID,
		PollEndpoint:             resp.PollEndpoint,
		PollTimeoutSeconds:       resp.PollTimeoutSeconds,
		HeartbeatIntervalSeconds: resp.HeartbeatIntervalSeconds,
	})
}

// Poll handles GET /runners/jobs: the long-poll job delivery endpoint.
func (h *RunnerHandler) Poll(c *gin.Context) {
	runnerID := c.Query("runner_id")
	if runnerID == "" {
		respondErr(c, apperrors.BadRequest("runner_id is required"))
		return
	}

	r, err := h.registry.Get(c.Request.Context(), runnerID)
	if err != nil {
		respondErr(c, err)
		return
	}

	result, err := h.registry.LongPoll(c.Request.Context(), h.queue, runnerID, r.Capabilities())
	if err != nil {
		respondErr(c, err)
		return
	}

	switch {
	case result.Run != nil:
		c.JSON(http.StatusOK, v1.PollResponse{Run: ptrRunResponse(runToResponse(result.Run))})
	case len(result.StopRunIDs) > 0:
		c.JSON(http.StatusOK, v1.PollResponse{StopRuns: result.StopRunIDs})
	case result.Deregistered:
		if err := h.registry.AcknowledgeDeregistration(c.Request.Context(), runnerID); err != nil {
			h.log.Warn("failed to acknowledge deregistration", zap.String("runner_id", runnerID), zap.Error(err))
		}
		c.JSON(http.StatusOK, v1.PollResponse{Deregistered: true})
	default:
		c.Status(http.StatusNoContent)
	}
}

func ptrRunResponse(r v1.RunResponse) *v1.RunResponse { return &r }

// Heartbeat handles POST /runners/heartbeat.
func (h *RunnerHandler) Heartbeat(c *gin.Context) {
	runnerID := c.Query("runner_id")
	if runnerID == "" {
		respondErr(c, apperrors.BadRequest("runner_id is required"))
		return
	}
	if err := h.registry.Heartbeat(c.Request.Context(), runnerID); err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

// ListRunners handles GET /runners.
func (h *RunnerHandler) ListRunners(c *gin.Context) {
	runners, err := h.registry.List(c.Request.Context())
	if err != nil {
		respondErr(c, err)
		return
	}
	out := make([]v1.RunnerResponse, 0, len(runners))
	for i := range runners {
		out = append(out, runnerToResponse(&runners[i]))
	}
	c.JSON(http.StatusOK, gin.H{"runners": out})
}

// Deregister handles DELETE /runners/:id, optionally with ?self=true to mark
// a runner's own graceful shutdown rather than an operator-initiated removal.
func (h *RunnerHandler) Deregister(c *gin.Context) {
	self := c.Query("self") == "true"
	if err := h.registry.Deregister(c.Request.Context(), c.Param("id"), self); err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}
