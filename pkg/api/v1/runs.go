// Package v1 holds the coordinator's wire-level request/response shapes,
// kept separate from internal/store's persistence types so the HTTP
// contract can evolve independently of the schema.
package v1

import (
	"encoding/json"
	"time"
)

// CreateRunRequest is the body of POST /runs.
type CreateRunRequest struct {
	SessionID       string          `json:"session_id,omitempty"`
	Type            string          `json:"type" binding:"required,oneof=start_session resume_session"`
	AgentName       *string         `json:"agent_name,omitempty"`
	Parameters      json.RawMessage `json:"parameters,omitempty"`
	ProjectDir      *string         `json:"project_dir,omitempty"`
	ParentSessionID *string         `json:"parent_session_id,omitempty"`
	ExecutionMode   string          `json:"execution_mode,omitempty" binding:"omitempty,oneof=sync async_poll async_callback"`
	SessionName     *string         `json:"session_name,omitempty"`
}

// RunResponse mirrors store.Run for the wire.
type RunResponse struct {
	RunID           string          `json:"run_id"`
	SessionID       string          `json:"session_id"`
	Type            string          `json:"type"`
	AgentName       *string         `json:"agent_name,omitempty"`
	Parameters      json.RawMessage `json:"parameters,omitempty"`
	ProjectDir      *string         `json:"project_dir,omitempty"`
	ParentSessionID *string         `json:"parent_session_id,omitempty"`
	ExecutionMode   string          `json:"execution_mode"`
	Status          string          `json:"status"`
	RunnerID        *string         `json:"runner_id,omitempty"`
	Error           *string         `json:"error,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	ClaimedAt       *time.Time      `json:"claimed_at,omitempty"`
	StartedAt       *time.Time      `json:"started_at,omitempty"`
	CompletedAt     *time.Time      `json:"completed_at,omitempty"`
}

// ParameterValidationError is the structured 400 body returned when a run's
// parameters fail the blueprint's parameters_schema.
type ParameterValidationError struct {
	Error            string             `json:"error"`
	AgentName        string             `json:"agent_name"`
	Message          string             `json:"message"`
	ValidationErrors []SchemaFieldError `json:"validation_errors"`
	ParametersSchema json.RawMessage    `json:"parameters_schema"`
}

// SchemaFieldError describes one JSON Schema validation failure.
type SchemaFieldError struct {
	Path       string `json:"path"`
	Message    string `json:"message"`
	SchemaPath string `json:"schema_path"`
}

// UpdateRunStatusRequest is the body runners post to report lifecycle
// transitions (started, completed, failed, stopped).
type UpdateRunStatusRequest struct {
	Status string  `json:"status" binding:"required,oneof=running completed failed stopped"`
	Error  *string `json:"error,omitempty"`
}

// StopRunRequest is the body of POST /runs/:runID/stop.
type StopRunRequest struct {
	Reason string `json:"reason,omitempty"`
}
