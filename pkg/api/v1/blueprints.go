package v1

import (
	"encoding/json"
	"time"
)

// BlueprintRequest is the body of POST/PATCH /agents/:name.
type BlueprintRequest struct {
	Description      *string         `json:"description,omitempty"`
	Type             string          `json:"type" binding:"required,oneof=autonomous procedural"`
	SystemPrompt     *string         `json:"system_prompt,omitempty"`
	MCPServers       json.RawMessage `json:"mcp_servers,omitempty"`
	Skills           json.RawMessage `json:"skills,omitempty"`
	Demands          []string        `json:"demands,omitempty"`
	ParametersSchema json.RawMessage `json:"parameters_schema,omitempty"`
	OutputSchema     json.RawMessage `json:"output_schema,omitempty"`
	Command          *string         `json:"command,omitempty"`
}

// BlueprintResponse mirrors store.Blueprint for the wire.
type BlueprintResponse struct {
	Name             string          `json:"name"`
	Description      *string         `json:"description,omitempty"`
	Type             string          `json:"type"`
	SystemPrompt     *string         `json:"system_prompt,omitempty"`
	MCPServers       json.RawMessage `json:"mcp_servers,omitempty"`
	Skills           json.RawMessage `json:"skills,omitempty"`
	Status           string          `json:"status"`
	Demands          []string        `json:"demands,omitempty"`
	ParametersSchema json.RawMessage `json:"parameters_schema,omitempty"`
	OutputSchema     json.RawMessage `json:"output_schema,omitempty"`
	Command          *string         `json:"command,omitempty"`
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
}

// SetBlueprintStatusRequest is the body of POST /agents/:name/status.
type SetBlueprintStatusRequest struct {
	Status string `json:"status" binding:"required,oneof=active inactive"`
}
