package api

import (
	v1 "github.com/kandev/agentctrl/pkg/api/v1"

	"github.com/kandev/agentctrl/internal/blueprint"
	"github.com/kandev/agentctrl/internal/store"
)

func runToResponse(r *store.Run) v1.RunResponse {
	return v1.RunResponse{
		RunID:           r.RunID,
		SessionID:       r.SessionID,
		Type:            r.Type,
		AgentName:       r.AgentName,
		Parameters:      r.Parameters,
		ProjectDir:      r.ProjectDir,
		ParentSessionID: r.ParentSessionID,
		ExecutionMode:   r.ExecutionMode,
		Status:          r.Status,
		RunnerID:        r.RunnerID,
		Error:           r.Error,
		CreatedAt:       r.CreatedAt,
		ClaimedAt:       r.ClaimedAt,
		StartedAt:       r.StartedAt,
		CompletedAt:     r.CompletedAt,
	}
}

func sessionToResponse(s *store.Session) v1.SessionResponse {
	return v1.SessionResponse{
		SessionID:       s.SessionID,
		SessionName:     s.SessionName,
		Status:          s.Status,
		CreatedAt:       s.CreatedAt,
		LastResumedAt:   s.LastResumedAt,
		ProjectDir:      s.ProjectDir,
		AgentName:       s.AgentName,
		ParentSessionID: s.ParentSessionID,
	}
}

func eventToResponse(e *store.Event) v1.EventResponse {
	return v1.EventResponse{
		ID:         e.ID,
		SessionID:  e.SessionID,
		EventType:  e.EventType,
		Timestamp:  e.Timestamp,
		ToolName:   e.ToolName,
		ToolInput:  e.ToolInput,
		ToolOutput: e.ToolOutput,
		Error:      e.Error,
		ExitCode:   e.ExitCode,
		Reason:     e.Reason,
		Role:       e.Role,
		Content:    e.Content,
		ResultText: e.ResultText,
		ResultData: e.ResultData,
	}
}

func runnerToResponse(r *store.Runner) v1.RunnerResponse {
	caps := r.Capabilities()
	return v1.RunnerResponse{
		RunnerID:        r.RunnerID,
		RegisteredAt:    r.RegisteredAt,
		LastHeartbeat:   r.LastHeartbeat,
		Hostname:        r.Hostname,
		ProjectDir:      r.ProjectDir,
		ExecutorProfile: r.ExecutorProfile,
		Tags:            caps.Tags,
		ExecutorType:    r.ExecutorType,
		Status:          r.Status,
	}
}

func blueprintToResponse(b *store.Blueprint) v1.BlueprintResponse {
	demands, _ := blueprint.Demands(b)
	return v1.BlueprintResponse{
		Name:             b.Name,
		Description:      b.Description,
		Type:             b.Type,
		SystemPrompt:     b.SystemPrompt,
		MCPServers:       b.MCPServers,
		Skills:           b.Skills,
		Status:           b.Status,
		Demands:          demands.Tags,
		ParametersSchema: b.ParametersSchema,
		OutputSchema:     b.OutputSchema,
		Command:          b.Command,
		CreatedAt:        b.CreatedAt,
		UpdatedAt:        b.UpdatedAt,
	}
}
