package api

import (
	"bytes"
	"encoding/json"
	"io"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kandev/agentctrl/internal/blueprint"
	"github.com/kandev/agentctrl/internal/common/apperrors"
	"github.com/kandev/agentctrl/internal/common/httpmw"
	"github.com/kandev/agentctrl/internal/common/logger"
	"github.com/kandev/agentctrl/internal/fanout"
	"github.com/kandev/agentctrl/internal/queue"
	"github.com/kandev/agentctrl/internal/runner"
	"github.com/kandev/agentctrl/internal/session"
	"github.com/kandev/agentctrl/internal/store"
)

// Config carries the router-level settings the composition root threads
// through from COORDINATOR_ environment configuration.
type Config struct {
	AuthSecret        string
	AuthDisabled      bool
	AllowedOrigins    []string
	NoMatchTimeoutSec int
}

// NewRouter builds the coordinator's complete gin engine: middleware stack,
// then every resource group the external API defines.
func NewRouter(
	cfg Config,
	q *queue.Queue,
	sessions *session.Store,
	blueprints *blueprint.Store,
	registry *runner.Registry,
	hub *fanout.Hub,
	log *logger.Logger,
) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(httpmw.RequestLogger(log, "coordinator"))
	r.Use(httpmw.OtelTracing("coordinator"))
	r.Use(httpmw.CORS(cfg.AllowedOrigins))
	r.Use(httpmw.BearerAuth(cfg.AuthSecret, cfg.AuthDisabled))

	runs := NewRunHandler(q, blueprints, registry, cfg.NoMatchTimeoutSec, log)
	sess := NewSessionHandler(sessions, q, registry, log)
	agents := NewBlueprintHandler(blueprints, log)
	runners := NewRunnerHandler(registry, q, log)
	rt := NewRealtimeHandler(hub, log)

	r.GET("/healthz", func(c *gin.Context) { c.JSON(200, gin.H{"ok": true}) })
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	r.POST("/runs", runs.CreateRun)
	r.GET("/runs", runs.ListRuns)
	r.GET("/runs/:runID", runs.GetRun)
	r.POST("/runs/:runID/stop", runs.StopRun)

	r.GET("/sessions", sess.ListSessions)
	r.POST("/sessions", sess.CreateSession)
	r.GET("/sessions/:id", sess.GetSession)
	r.GET("/sessions/:id/status", sess.GetSession)
	r.GET("/sessions/:id/result", sess.GetResult)
	r.PATCH("/sessions/:id/metadata", sess.PatchMetadata)
	r.DELETE("/sessions/:id", sess.DeleteSession)
	r.POST("/sessions/:id/stop", sess.StopSession)
	r.GET("/sessions/:id/events", sess.ListEvents)
	r.POST("/sessions/:id/events", sess.AppendEvent)
	r.POST("/events", legacyAppendEvent(sess))

	r.GET("/agents", agents.ListBlueprints)
	r.POST("/agents/:name", agents.CreateBlueprint)
	r.GET("/agents/:name", agents.GetBlueprint)
	r.PATCH("/agents/:name", agents.UpdateBlueprint)
	r.POST("/agents/:name/status", agents.SetBlueprintStatus)
	r.DELETE("/agents/:name", agents.DeleteBlueprint)

	r.POST("/runners/register", runners.Register)
	r.GET("/runners/jobs", runners.Poll)
	r.POST("/runners/heartbeat", runners.Heartbeat)
	r.GET("/runners", runners.ListRunners)
	r.DELETE("/runners/:id", runners.Deregister)

	r.POST("/runners/jobs/:runID/started", runs.UpdateRunStatus(store.RunStatusRunning))
	r.POST("/runners/jobs/:runID/completed", runs.UpdateRunStatus(store.RunStatusCompleted))
	r.POST("/runners/jobs/:runID/failed", runs.UpdateRunStatus(store.RunStatusFailed))
	r.POST("/runners/jobs/:runID/stopped", runs.UpdateRunStatus(store.RunStatusStopped))

	r.GET("/ws", rt.ServeWebSocket)
	r.GET("/events/stream", rt.ServeSSE)

	return r
}

// legacyAppendEvent adapts the pre-nesting POST /events endpoint, which
// carries session_id in the body instead of the URL, onto the same handler.
func legacyAppendEvent(sess *SessionHandler) gin.HandlerFunc {
	return func(c *gin.Context) {
		var body struct {
			SessionID string `json:"session_id" binding:"required"`
		}
		raw, err := c.GetRawData()
		if err != nil {
			respondErr(c, err)
			return
		}
		if err := json.Unmarshal(raw, &body); err != nil || body.SessionID == "" {
			respondErr(c, apperrors.BadRequest("session_id is required"))
			return
		}
		c.Params = append(c.Params, gin.Param{Key: "id", Value: body.SessionID})
		c.Request.Body = io.NopCloser(bytes.NewReader(raw))
		sess.AppendEvent(c)
	}
}
