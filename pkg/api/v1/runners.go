package v1

import "time"

// RegisterRunnerRequest is the body of POST /runners/register.
type RegisterRunnerRequest struct {
	Hostname        string   `json:"hostname" binding:"required"`
	ProjectDir      string   `json:"project_dir" binding:"required"`
	ExecutorProfile string   `json:"executor_profile" binding:"required"`
	Tags            []string `json:"tags,omitempty"`
	ExecutorType    string   `json:"executor_type" binding:"required"`
}

// RegisterRunnerResponse is the response to a successful registration.
type RegisterRunnerResponse struct {
	RunnerID                 string `json:"runner_id"`
	PollEndpoint             string `json:"poll_endpoint"`
	PollTimeoutSeconds       int    `json:"poll_timeout_seconds"`
	HeartbeatIntervalSeconds int    `json:"heartbeat_interval_seconds"`
}

// PollResponse is the response to GET /runners/jobs. Exactly one of Run,
// StopRuns, or Deregistered is populated; an empty body with 204 means
// the long poll timed out with no work.
type PollResponse struct {
	Run          *RunResponse `json:"run,omitempty"`
	StopRuns     []string     `json:"stop_runs,omitempty"`
	Deregistered bool         `json:"deregistered,omitempty"`
}

// RunnerResponse mirrors store.Runner for the wire.
type RunnerResponse struct {
	RunnerID        string    `json:"runner_id"`
	RegisteredAt    time.Time `json:"registered_at"`
	LastHeartbeat   time.Time `json:"last_heartbeat"`
	Hostname        *string   `json:"hostname,omitempty"`
	ProjectDir      *string   `json:"project_dir,omitempty"`
	ExecutorProfile string    `json:"executor_profile"`
	Tags            []string  `json:"tags"`
	ExecutorType    string    `json:"executor_type"`
	Status          string    `json:"status"`
}
