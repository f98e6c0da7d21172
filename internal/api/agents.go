package api

import (
	"encoding/json"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/kandev/agentctrl/internal/blueprint"
	"github.com/kandev/agentctrl/internal/common/apperrors"
	"github.com/kandev/agentctrl/internal/common/logger"
	"github.com/kandev/agentctrl/internal/store"
	v1 "github.com/kandev/agentctrl/pkg/api/v1"
)

// BlueprintHandler serves the /agents endpoints.
type BlueprintHandler struct {
	blueprints *blueprint.Store
	log        *logger.Logger
}

// NewBlueprintHandler constructs a BlueprintHandler.
func NewBlueprintHandler(blueprints *blueprint.Store, log *logger.Logger) *BlueprintHandler {
	return &BlueprintHandler{blueprints: blueprints, log: log.WithFields(zap.String("component", "agents_api"))}
}

// encodeDemands marshals a tag list into the blueprint's stored demands
// representation, or nil when there are no tags to require.
func encodeDemands(tags []string) (*string, error) {
	if len(tags) == 0 {
		return nil, nil
	}
	raw, err := json.Marshal(store.Demands{Tags: tags})
	if err != nil {
		return nil, err
	}
	s := string(raw)
	return &s, nil
}

// ListBlueprints handles GET /agents.
func (h *BlueprintHandler) ListBlueprints(c *gin.Context) {
	blueprints, err := h.blueprints.List(c.Request.Context())
	if err != nil {
		respondErr(c, err)
		return
	}
	out := make([]v1.BlueprintResponse, 0, len(blueprints))
	for i := range blueprints {
		out = append(out, blueprintToResponse(&blueprints[i]))
	}
	c.JSON(http.StatusOK, gin.H{"agents": out})
}

// GetBlueprint handles GET /agents/:name.
func (h *BlueprintHandler) GetBlueprint(c *gin.Context) {
	bp, err := h.blueprints.Get(c.Request.Context(), c.Param("name"))
	if err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, blueprintToResponse(bp))
}

// CreateBlueprint handles POST /agents/:name.
func (h *BlueprintHandler) CreateBlueprint(c *gin.Context) {
	var req v1.BlueprintRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondErr(c, apperrors.BadRequest(err.Error()))
		return
	}

	demands, err := encodeDemands(req.Demands)
	if err != nil {
		respondErr(c, apperrors.BadRequest(err.Error()))
		return
	}

	bp := &store.Blueprint{
		Name:             c.Param("name"),
		Description:      req.Description,
		Type:             req.Type,
		SystemPrompt:     req.SystemPrompt,
		MCPServers:       req.MCPServers,
		Skills:           req.Skills,
		Demands:          demands,
		ParametersSchema: req.ParametersSchema,
		OutputSchema:     req.OutputSchema,
		Command:          req.Command,
	}
	if err := h.blueprints.Create(c.Request.Context(), bp); err != nil {
		respondErr(c, err)
		return
	}

	created, err := h.blueprints.Get(c.Request.Context(), bp.Name)
	if err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusCreated, blueprintToResponse(created))
}

// UpdateBlueprint handles PATCH /agents/:name.
func (h *BlueprintHandler) UpdateBlueprint(c *gin.Context) {
	var req v1.BlueprintRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondErr(c, apperrors.BadRequest(err.Error()))
		return
	}

	demands, err := encodeDemands(req.Demands)
	if err != nil {
		respondErr(c, apperrors.BadRequest(err.Error()))
		return
	}

	bp := &store.Blueprint{
		Name:             c.Param("name"),
		Description:      req.Description,
		Type:             req.Type,
		SystemPrompt:     req.SystemPrompt,
		MCPServers:       req.MCPServers,
		Skills:           req.Skills,
		Demands:          demands,
		ParametersSchema: req.ParametersSchema,
		OutputSchema:     req.OutputSchema,
		Command:          req.Command,
	}
	if err := h.blueprints.Update(c.Request.Context(), bp); err != nil {
		respondErr(c, err)
		return
	}

	updated, err := h.blueprints.Get(c.Request.Context(), bp.Name)
	if err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, blueprintToResponse(updated))
}

// SetBlueprintStatus handles POST /agents/:name/status.
func (h *BlueprintHandler) SetBlueprintStatus(c *gin.Context) {
	var req v1.SetBlueprintStatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondErr(c, apperrors.BadRequest(err.Error()))
		return
	}
	if err := h.blueprints.SetStatus(c.Request.Context(), c.Param("name"), req.Status); err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

// DeleteBlueprint handles DELETE /agents/:name.
func (h *BlueprintHandler) DeleteBlueprint(c *gin.Context) {
	if err := h.blueprints.Delete(c.Request.Context(), c.Param("name")); err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}
