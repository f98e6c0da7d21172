package api

import (
	"encoding/json"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/kandev/agentctrl/internal/common/apperrors"
	"github.com/kandev/agentctrl/internal/common/logger"
	"github.com/kandev/agentctrl/internal/queue"
	"github.com/kandev/agentctrl/internal/session"
	"github.com/kandev/agentctrl/internal/store"
	v1 "github.com/kandev/agentctrl/pkg/api/v1"
)

// SessionHandler serves the /sessions and /events endpoints.
type SessionHandler struct {
	sessions   *session.Store
	queue      *queue.Queue
	dispatcher StopDispatcher
	log        *logger.Logger
}

// NewSessionHandler constructs a SessionHandler.
func NewSessionHandler(sessions *session.Store, q *queue.Queue, dispatcher StopDispatcher, log *logger.Logger) *SessionHandler {
	return &SessionHandler{sessions: sessions, queue: q, dispatcher: dispatcher, log: log.WithFields(zap.String("component", "sessions_api"))}
}

// ListSessions handles GET /sessions.
func (h *SessionHandler) ListSessions(c *gin.Context) {
	sessions, err := h.sessions.List(c.Request.Context())
	if err != nil {
		respondErr(c, err)
		return
	}
	out := make([]v1.SessionResponse, 0, len(sessions))
	for i := range sessions {
		out = append(out, sessionToResponse(&sessions[i]))
	}
	c.JSON(http.StatusOK, gin.H{"sessions": out})
}

// CreateSession handles POST /sessions.
func (h *SessionHandler) CreateSession(c *gin.Context) {
	var req v1.CreateSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondErr(c, apperrors.BadRequest(err.Error()))
		return
	}

	sess := &store.Session{
		SessionID:       req.SessionID,
		SessionName:     req.SessionName,
		ProjectDir:      req.ProjectDir,
		AgentName:       req.AgentName,
		ParentSessionID: req.ParentSessionID,
	}
	if err := h.sessions.Create(c.Request.Context(), sess); err != nil {
		respondErr(c, err)
		return
	}

	created, err := h.sessions.Get(c.Request.Context(), req.SessionID)
	if err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"ok": true, "session": sessionToResponse(created)})
}

// GetSession handles GET /sessions/:id and GET /sessions/:id/status.
func (h *SessionHandler) GetSession(c *gin.Context) {
	s, err := h.sessions.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, sessionToResponse(s))
}

// GetResult handles GET /sessions/:id/result.
func (h *SessionHandler) GetResult(c *gin.Context) {
	s, err := h.sessions.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondErr(c, err)
		return
	}
	if !store.IsSessionTerminal(s.Status) {
		respondErr(c, apperrors.BadRequest("session is not finished"))
		return
	}

	result, err := h.sessions.GetResult(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"result_text": result.ResultText,
		"result_data": result.ResultData,
	})
}

// patchMetadataRequest is the body of PATCH /sessions/:id/metadata.
type patchMetadataRequest struct {
	Metadata json.RawMessage `json:"metadata"`
}

// PatchMetadata handles PATCH /sessions/:id/metadata.
func (h *SessionHandler) PatchMetadata(c *gin.Context) {
	var req patchMetadataRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondErr(c, apperrors.BadRequest(err.Error()))
		return
	}

	var metadata *string
	if len(req.Metadata) > 0 {
		s := string(req.Metadata)
		metadata = &s
	}

	if err := h.sessions.UpdateMetadata(c.Request.Context(), c.Param("id"), metadata); err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

// DeleteSession handles DELETE /sessions/:id.
func (h *SessionHandler) DeleteSession(c *gin.Context) {
	if err := h.sessions.Delete(c.Request.Context(), c.Param("id")); err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

// StopSession handles POST /sessions/:id/stop: resolves session to its
// active run and stops that run.
func (h *SessionHandler) StopSession(c *gin.Context) {
	sessionID := c.Param("id")
	run, err := h.queue.GetRunBySessionID(c.Request.Context(), sessionID)
	if err != nil {
		if apperrors.IsNotFound(err) {
			respondErr(c, apperrors.BadRequest("session has no active run and cannot be stopped"))
			return
		}
		respondErr(c, err)
		return
	}

	stopped, err := h.queue.StopRun(c.Request.Context(), run.RunID)
	if err != nil {
		respondErr(c, err)
		return
	}
	if stopped.RunnerID != nil && *stopped.RunnerID != "" {
		h.dispatcher.EnqueueStop(*stopped.RunnerID, stopped.RunID)
	}
	c.JSON(http.StatusOK, runToResponse(stopped))
}

// ListEvents handles GET /sessions/:id/events.
func (h *SessionHandler) ListEvents(c *gin.Context) {
	events, err := h.sessions.GetEvents(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondErr(c, err)
		return
	}
	out := make([]v1.EventResponse, 0, len(events))
	for i := range events {
		out = append(out, eventToResponse(&events[i]))
	}
	c.JSON(http.StatusOK, gin.H{"events": out})
}

// AppendEvent handles POST /sessions/:id/events.
func (h *SessionHandler) AppendEvent(c *gin.Context) {
	var req v1.AppendEventRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondErr(c, apperrors.BadRequest(err.Error()))
		return
	}

	event := &store.Event{
		SessionID:  c.Param("id"),
		EventType:  req.EventType,
		ToolName:   req.ToolName,
		ToolInput:  req.ToolInput,
		ToolOutput: req.ToolOutput,
		Error:      req.Error,
		ExitCode:   req.ExitCode,
		Reason:     req.Reason,
		Role:       req.Role,
		Content:    req.Content,
		ResultText: req.ResultText,
		ResultData: req.ResultData,
	}

	appended, err := h.sessions.AppendEvent(c.Request.Context(), event)
	if err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusCreated, eventToResponse(appended))
}
