package api

import (
	"encoding/json"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/kandev/agentctrl/internal/blueprint"
	"github.com/kandev/agentctrl/internal/common/apperrors"
	"github.com/kandev/agentctrl/internal/common/logger"
	"github.com/kandev/agentctrl/internal/queue"
	"github.com/kandev/agentctrl/internal/schema"
	"github.com/kandev/agentctrl/internal/store"
	v1 "github.com/kandev/agentctrl/pkg/api/v1"
)

// StopDispatcher is the narrow slice of the runner registry needed to push a
// stop command to whichever runner currently holds a run.
type StopDispatcher interface {
	EnqueueStop(runnerID, runID string)
}

// RunHandler serves the /runs endpoints.
type RunHandler struct {
	queue             *queue.Queue
	blueprints        *blueprint.Store
	dispatcher        StopDispatcher
	noMatchTimeoutSec int
	log               *logger.Logger
}

// NewRunHandler constructs a RunHandler. noMatchTimeoutSec is the pending-run
// timeout applied to new runs' demand predicates, matching RUN_NO_MATCH_TIMEOUT.
func NewRunHandler(q *queue.Queue, blueprints *blueprint.Store, dispatcher StopDispatcher, noMatchTimeoutSec int, log *logger.Logger) *RunHandler {
	return &RunHandler{
		queue:             q,
		blueprints:        blueprints,
		dispatcher:        dispatcher,
		noMatchTimeoutSec: noMatchTimeoutSec,
		log:               log.WithFields(zap.String("component", "runs_api")),
	}
}

// stopRun transitions a run to stopping and, if a runner currently holds it,
// enqueues the stop command for delivery on that runner's next poll.
func (h *RunHandler) stopRun(ctx *gin.Context, runID string) (*store.Run, error) {
	run, err := h.queue.StopRun(ctx.Request.Context(), runID)
	if err != nil {
		return nil, err
	}
	if run.RunnerID != nil && *run.RunnerID != "" {
		h.dispatcher.EnqueueStop(*run.RunnerID, run.RunID)
	}
	return run, nil
}

// CreateRun handles POST /runs.
func (h *RunHandler) CreateRun(c *gin.Context) {
	var req v1.CreateRunRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondErr(c, apperrors.BadRequest(err.Error()))
		return
	}

	var bp *store.Blueprint
	if req.AgentName != nil && *req.AgentName != "" {
		var err error
		bp, err = h.blueprints.Get(c.Request.Context(), *req.AgentName)
		if err != nil {
			respondErr(c, err)
			return
		}

		if verr := h.validateParameters(c, bp, req.Parameters); verr {
			return
		}
	}

	run, err := h.queue.AddRun(c.Request.Context(), queue.RunCreate{
		SessionID:       req.SessionID,
		Type:            req.Type,
		AgentName:       req.AgentName,
		Parameters:      req.Parameters,
		ProjectDir:      req.ProjectDir,
		ParentSessionID: req.ParentSessionID,
		ExecutionMode:   req.ExecutionMode,
		SessionName:     req.SessionName,
	})
	if err != nil {
		respondErr(c, err)
		return
	}

	if bp != nil {
		demands, err := blueprint.Demands(bp)
		if err != nil {
			h.log.Warn("failed to decode blueprint demands", zap.String("agent_name", bp.Name), zap.Error(err))
		} else if err := h.queue.SetRunDemands(c.Request.Context(), run.RunID, demands, h.noMatchTimeoutSec); err != nil {
			h.log.Warn("failed to set run demands", zap.String("run_id", run.RunID), zap.Error(err))
		}
	}

	c.JSON(http.StatusAccepted, gin.H{
		"run_id":     run.RunID,
		"session_id": run.SessionID,
		"status":     run.Status,
	})
}

// validateParameters checks parameters against the blueprint's effective
// schema. Returns true (and has already written the response) if validation
// failed and the caller should stop processing.
func (h *RunHandler) validateParameters(c *gin.Context, bp *store.Blueprint, parameters json.RawMessage) bool {
	effective := blueprint.EffectiveParametersSchema(bp)
	if len(effective) == 0 {
		return false
	}

	sch, err := schema.Compile(effective)
	if err != nil {
		respondErr(c, apperrors.InternalError("invalid stored parameters_schema", err))
		return true
	}

	if err := schema.Validate(sch, parameters); err != nil {
		c.JSON(http.StatusBadRequest, v1.ParameterValidationError{
			Error:            "parameter_validation_failed",
			AgentName:        bp.Name,
			Message:          err.Error(),
			ValidationErrors: schemaFieldErrors(err),
			ParametersSchema: effective,
		})
		return true
	}
	return false
}

// schemaFieldErrors reports the schema validation failure as a single
// entry; the underlying library's error already carries full path detail
// in its message, which callers surface via ParameterValidationError.Message.
func schemaFieldErrors(err error) []v1.SchemaFieldError {
	return []v1.SchemaFieldError{{Message: err.Error()}}
}

// GetRun handles GET /runs/:runID.
func (h *RunHandler) GetRun(c *gin.Context) {
	run, err := h.queue.GetRunWithFallback(c.Request.Context(), c.Param("runID"))
	if err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, runToResponse(run))
}

// ListRuns handles GET /runs.
func (h *RunHandler) ListRuns(c *gin.Context) {
	status := c.Query("status")
	includeCompleted := c.Query("include_completed") == "true"

	runs, err := h.queue.List(c.Request.Context(), status, includeCompleted)
	if err != nil {
		respondErr(c, err)
		return
	}

	out := make([]v1.RunResponse, 0, len(runs))
	for i := range runs {
		out = append(out, runToResponse(&runs[i]))
	}
	c.JSON(http.StatusOK, gin.H{"runs": out})
}

// StopRun handles POST /runs/:runID/stop.
func (h *RunHandler) StopRun(c *gin.Context) {
	run, err := h.stopRun(c, c.Param("runID"))
	if err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, runToResponse(run))
}

// UpdateRunStatus handles POST /runners/jobs/:runID/started|completed|failed|stopped.
func (h *RunHandler) UpdateRunStatus(status string) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req v1.UpdateRunStatusRequest
		if status != store.RunStatusRunning {
			if err := c.ShouldBindJSON(&req); err != nil && c.Request.ContentLength > 0 {
				respondErr(c, apperrors.BadRequest(err.Error()))
				return
			}
		}

		run, err := h.queue.UpdateRunStatus(c.Request.Context(), c.Param("runID"), status, req.Error)
		if err != nil {
			respondErr(c, err)
			return
		}
		c.JSON(http.StatusOK, runToResponse(run))
	}
}
