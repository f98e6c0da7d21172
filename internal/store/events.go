package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/kandev/agentctrl/internal/common/apperrors"
	"github.com/kandev/agentctrl/internal/db/dialect"
)

// EventRepo persists the append-only per-session event log.
type EventRepo struct {
	writer *sqlx.DB
	reader *sqlx.DB
}

// NewEventRepo constructs an EventRepo over the given connection pool.
func NewEventRepo(writer, reader *sqlx.DB) *EventRepo {
	return &EventRepo{writer: writer, reader: reader}
}

// Append writes a new event and returns the row with its assigned monotonic id.
func (r *EventRepo) Append(ctx context.Context, e *Event) error {
	id, err := dialect.InsertReturningID(ctx, r.writer, `
		INSERT INTO events
			(session_id, event_type, timestamp, tool_name, tool_input, tool_output, error, exit_code, reason, role, content, result_text, result_data)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, e.SessionID, e.EventType, e.Timestamp, e.ToolName, e.ToolInput, e.ToolOutput, e.Error, e.ExitCode, e.Reason, e.Role, e.Content, e.ResultText, e.ResultData)
	if err != nil {
		return fmt.Errorf("append event: %w", err)
	}
	e.ID = id
	return nil
}

// List returns a session's events in strictly ascending (session_id, id) order.
func (r *EventRepo) List(ctx context.Context, sessionID string) ([]Event, error) {
	var events []Event
	err := r.reader.SelectContext(ctx, &events, r.reader.Rebind(
		`SELECT * FROM events WHERE session_id = ? ORDER BY id ASC`,
	), sessionID)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	return events, nil
}

// LatestResult returns the most recent `result` event for a session.
func (r *EventRepo) LatestResult(ctx context.Context, sessionID string) (*Event, error) {
	var e Event
	err := r.reader.GetContext(ctx, &e, r.reader.Rebind(
		`SELECT * FROM events WHERE session_id = ? AND event_type = ? ORDER BY id DESC LIMIT 1`,
	), sessionID, EventTypeResult)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NotFound("result", sessionID)
	}
	if err != nil {
		return nil, fmt.Errorf("get latest result: %w", err)
	}
	return &e, nil
}
