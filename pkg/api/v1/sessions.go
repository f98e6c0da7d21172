package v1

import (
	"encoding/json"
	"time"
)

// SessionResponse mirrors store.Session for the wire.
type SessionResponse struct {
	SessionID       string     `json:"session_id"`
	SessionName     *string    `json:"session_name,omitempty"`
	Status          string     `json:"status"`
	CreatedAt       time.Time  `json:"created_at"`
	LastResumedAt   *time.Time `json:"last_resumed_at,omitempty"`
	ProjectDir      *string    `json:"project_dir,omitempty"`
	AgentName       *string    `json:"agent_name,omitempty"`
	ParentSessionID *string    `json:"parent_session_id,omitempty"`
}

// CreateSessionRequest is the body of POST /sessions.
type CreateSessionRequest struct {
	SessionID       string  `json:"session_id" binding:"required"`
	SessionName     *string `json:"session_name,omitempty"`
	ProjectDir      *string `json:"project_dir,omitempty"`
	AgentName       *string `json:"agent_name,omitempty"`
	ParentSessionID *string `json:"parent_session_id,omitempty"`
}

// EventResponse mirrors store.Event for the wire.
type EventResponse struct {
	ID         int64           `json:"id"`
	SessionID  string          `json:"session_id"`
	EventType  string          `json:"event_type"`
	Timestamp  time.Time       `json:"timestamp"`
	ToolName   *string         `json:"tool_name,omitempty"`
	ToolInput  json.RawMessage `json:"tool_input,omitempty"`
	ToolOutput json.RawMessage `json:"tool_output,omitempty"`
	Error      *string         `json:"error,omitempty"`
	ExitCode   *int            `json:"exit_code,omitempty"`
	Reason     *string         `json:"reason,omitempty"`
	Role       *string         `json:"role,omitempty"`
	Content    json.RawMessage `json:"content,omitempty"`
	ResultText *string         `json:"result_text,omitempty"`
	ResultData json.RawMessage `json:"result_data,omitempty"`
}

// AppendEventRequest is the body runners post to append one event to a
// session's log.
type AppendEventRequest struct {
	EventType  string          `json:"event_type" binding:"required"`
	ToolName   *string         `json:"tool_name,omitempty"`
	ToolInput  json.RawMessage `json:"tool_input,omitempty"`
	ToolOutput json.RawMessage `json:"tool_output,omitempty"`
	Error      *string         `json:"error,omitempty"`
	ExitCode   *int            `json:"exit_code,omitempty"`
	Reason     *string         `json:"reason,omitempty"`
	Role       *string         `json:"role,omitempty"`
	Content    json.RawMessage `json:"content,omitempty"`
	ResultText *string         `json:"result_text,omitempty"`
	ResultData json.RawMessage `json:"result_data,omitempty"`
}
