// Package store is the coordinator's persistence layer: sqlx-backed
// repositories over the runs/sessions/events/agent_blueprints/runners
// tables, shared by the queue, session, runner, and callback packages.
package store

import (
	"encoding/json"
	"time"
)

// Run status values. The state machine is:
// pending -> claimed -> running -> {completed|failed|stopped}
// plus pending -> failed (timeout) and claimed|running -> stopping -> stopped.
const (
	RunStatusPending  = "pending"
	RunStatusClaimed  = "claimed"
	RunStatusRunning  = "running"
	RunStatusStopping = "stopping"
	RunStatusCompleted = "completed"
	RunStatusFailed   = "failed"
	RunStatusStopped  = "stopped"
)

// RunType distinguishes a fresh session start from a resume of an existing one.
const (
	RunTypeStartSession  = "start_session"
	RunTypeResumeSession = "resume_session"
)

// ExecutionMode controls how the caller expects to observe run completion.
const (
	ExecutionModeSync          = "sync"
	ExecutionModeAsyncPoll     = "async_poll"
	ExecutionModeAsyncCallback = "async_callback"
)

// IsRunTerminal reports whether status is one of the run's terminal states.
func IsRunTerminal(status string) bool {
	return status == RunStatusCompleted || status == RunStatusFailed || status == RunStatusStopped
}

// IsRunActive reports whether status represents a run that still occupies a
// runner or is still waiting to be claimed.
func IsRunActive(status string) bool {
	switch status {
	case RunStatusPending, RunStatusClaimed, RunStatusRunning, RunStatusStopping:
		return true
	default:
		return false
	}
}

// Demands is the capability predicate a blueprint requires of a runner.
// The only predicate currently defined is a required-tag set.
type Demands struct {
	Tags []string `json:"tags,omitempty"`
}

// Satisfies reports whether a runner's capabilities satisfy these demands.
// Absent demands trivially match any runner.
func (d Demands) Satisfies(caps Capabilities) bool {
	if len(d.Tags) == 0 {
		return true
	}
	have := make(map[string]struct{}, len(caps.Tags))
	for _, t := range caps.Tags {
		have[t] = struct{}{}
	}
	for _, required := range d.Tags {
		if _, ok := have[required]; !ok {
			return false
		}
	}
	return true
}

// Capabilities is what a runner advertises about itself.
type Capabilities struct {
	Tags         []string `json:"tags"`
	ExecutorType string   `json:"executor_type"`
}

// Run is a single scheduled execution attempt for a session.
type Run struct {
	RunID           string          `db:"run_id" json:"run_id"`
	SessionID       string          `db:"session_id" json:"session_id"`
	Type            string          `db:"type" json:"type"`
	AgentName       *string         `db:"agent_name" json:"agent_name,omitempty"`
	Parameters      json.RawMessage `db:"parameters" json:"parameters,omitempty"`
	ProjectDir      *string         `db:"project_dir" json:"project_dir,omitempty"`
	ParentSessionID *string         `db:"parent_session_id" json:"parent_session_id,omitempty"`
	ExecutionMode   string          `db:"execution_mode" json:"execution_mode"`
	Demands         *string         `db:"demands" json:"demands,omitempty"` // JSON-encoded Demands
	Status          string          `db:"status" json:"status"`
	RunnerID        *string         `db:"runner_id" json:"runner_id,omitempty"`
	Error           *string         `db:"error" json:"error,omitempty"`
	CreatedAt       time.Time       `db:"created_at" json:"created_at"`
	ClaimedAt       *time.Time      `db:"claimed_at" json:"claimed_at,omitempty"`
	StartedAt       *time.Time      `db:"started_at" json:"started_at,omitempty"`
	CompletedAt     *time.Time      `db:"completed_at" json:"completed_at,omitempty"`
	TimeoutAt       *time.Time      `db:"timeout_at" json:"timeout_at,omitempty"`
}

// DecodeDemands unmarshals the run's stored demand predicate, if any.
func (r *Run) DecodeDemands() (Demands, error) {
	var d Demands
	if r.Demands == nil || *r.Demands == "" {
		return d, nil
	}
	err := json.Unmarshal([]byte(*r.Demands), &d)
	return d, err
}

// Session is the agent-facing conversation state.
type Session struct {
	SessionID       string    `db:"session_id" json:"session_id"`
	SessionName     *string   `db:"session_name" json:"session_name,omitempty"`
	Status          string    `db:"status" json:"status"`
	CreatedAt       time.Time `db:"created_at" json:"created_at"`
	LastResumedAt   *time.Time `db:"last_resumed_at" json:"last_resumed_at,omitempty"`
	ProjectDir      *string   `db:"project_dir" json:"project_dir,omitempty"`
	AgentName       *string   `db:"agent_name" json:"agent_name,omitempty"`
	ParentSessionID *string   `db:"parent_session_id" json:"parent_session_id,omitempty"`
	Metadata        *string   `db:"metadata" json:"metadata,omitempty"` // JSON-encoded, caller-set
}

// Session status values.
const (
	SessionStatusPending  = "pending"
	SessionStatusRunning  = "running"
	SessionStatusFinished = "finished"
	SessionStatusStopped  = "stopped"
	SessionStatusFailed   = "failed"
)

// IsSessionTerminal reports whether a session has reached a terminal status.
func IsSessionTerminal(status string) bool {
	switch status {
	case SessionStatusFinished, SessionStatusStopped, SessionStatusFailed:
		return true
	default:
		return false
	}
}

// Event types recognised by the event store.
const (
	EventTypeSessionStart = "session_start"
	EventTypePreTool      = "pre_tool"
	EventTypePostTool     = "post_tool"
	EventTypeMessage      = "message"
	EventTypeResult       = "result"
	EventTypeSessionStop  = "session_stop"
)

// Event is an append-only entry in a session's event log.
type Event struct {
	ID         int64           `db:"id" json:"id"`
	SessionID  string          `db:"session_id" json:"session_id"`
	EventType  string          `db:"event_type" json:"event_type"`
	Timestamp  time.Time       `db:"timestamp" json:"timestamp"`
	ToolName   *string         `db:"tool_name" json:"tool_name,omitempty"`
	ToolInput  json.RawMessage `db:"tool_input" json:"tool_input,omitempty"`
	ToolOutput json.RawMessage `db:"tool_output" json:"tool_output,omitempty"`
	Error      *string         `db:"error" json:"error,omitempty"`
	ExitCode   *int            `db:"exit_code" json:"exit_code,omitempty"`
	Reason     *string         `db:"reason" json:"reason,omitempty"`
	Role       *string         `db:"role" json:"role,omitempty"`
	Content    json.RawMessage `db:"content" json:"content,omitempty"`
	ResultText *string         `db:"result_text" json:"result_text,omitempty"`
	ResultData json.RawMessage `db:"result_data" json:"result_data,omitempty"`
}

// Agent blueprint type/status enums.
const (
	BlueprintTypeAutonomous = "autonomous"
	BlueprintTypeProcedural = "procedural"

	BlueprintStatusActive   = "active"
	BlueprintStatusInactive = "inactive"
)

// Blueprint is a template describing how to run a class of agents.
type Blueprint struct {
	Name             string          `db:"name" json:"name"`
	Description      *string         `db:"description" json:"description,omitempty"`
	Type             string          `db:"type" json:"type"`
	SystemPrompt     *string         `db:"system_prompt" json:"system_prompt,omitempty"`
	MCPServers       json.RawMessage `db:"mcp_servers" json:"mcp_servers,omitempty"`
	Skills           json.RawMessage `db:"skills" json:"skills,omitempty"`
	Status           string          `db:"status" json:"status"`
	Demands          *string         `db:"demands" json:"demands,omitempty"` // JSON-encoded Demands
	ParametersSchema json.RawMessage `db:"parameters_schema" json:"parameters_schema,omitempty"`
	OutputSchema     json.RawMessage `db:"output_schema" json:"output_schema,omitempty"`
	Command          *string         `db:"command" json:"command,omitempty"`
	CreatedAt        time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt        time.Time       `db:"updated_at" json:"updated_at"`
}

// Runner status values.
const (
	RunnerStatusOnline       = "online"
	RunnerStatusStale        = "stale"
	RunnerStatusShuttingDown = "shutting_down"
)

// Runner is a registered worker capable of claiming runs.
type Runner struct {
	RunnerID        string    `db:"runner_id" json:"runner_id"`
	RegisteredAt    time.Time `db:"registered_at" json:"registered_at"`
	LastHeartbeat   time.Time `db:"last_heartbeat" json:"last_heartbeat"`
	Hostname        *string   `db:"hostname" json:"hostname,omitempty"`
	ProjectDir      *string   `db:"project_dir" json:"project_dir,omitempty"`
	ExecutorProfile string    `db:"executor_profile" json:"executor_profile"`
	Tags            string    `db:"tags" json:"-"` // JSON-encoded []string
	ExecutorType    string    `db:"executor_type" json:"executor_type"`
	Status          string    `db:"status" json:"status"`
	Deregistering   bool      `db:"deregistering" json:"-"`
}

// Capabilities decodes the runner's advertised tags/executor type.
func (r *Runner) Capabilities() Capabilities {
	var tags []string
	_ = json.Unmarshal([]byte(r.Tags), &tags)
	return Capabilities{Tags: tags, ExecutorType: r.ExecutorType}
}
