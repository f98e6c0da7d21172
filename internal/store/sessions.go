package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/kandev/agentctrl/internal/common/apperrors"
)

// SessionRepo persists sessions.
type SessionRepo struct {
	writer *sqlx.DB
	reader *sqlx.DB
}

// NewSessionRepo constructs a SessionRepo over the given connection pool.
func NewSessionRepo(writer, reader *sqlx.DB) *SessionRepo {
	return &SessionRepo{writer: writer, reader: reader}
}

// Create inserts a new session in pending status. Idempotent w.r.t. session_id:
// inserting the same id twice is a no-op success (caller retried add_run).
// A distinct session_name collision is a conflict.
func (r *SessionRepo) Create(ctx context.Context, s *Session) error {
	if s.Status == "" {
		s.Status = SessionStatusPending
	}
	if s.CreatedAt.IsZero() {
		s.CreatedAt = time.Now().UTC()
	}

	existing, err := r.Get(ctx, s.SessionID)
	if err == nil && existing != nil {
		return nil
	}
	if err != nil && !apperrors.IsNotFound(err) {
		return err
	}

	_, err = r.writer.ExecContext(ctx, r.writer.Rebind(`
		INSERT INTO sessions (session_id, session_name, status, created_at, project_dir, agent_name, parent_session_id, metadata)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`), s.SessionID, s.SessionName, s.Status, s.CreatedAt, s.ProjectDir, s.AgentName, s.ParentSessionID, s.Metadata)
	if err != nil {
		if isUniqueViolation(err) {
			return apperrors.Conflict(fmt.Sprintf("session with name '%s' already exists", derefString(s.SessionName)))
		}
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

// Get fetches a session by id.
func (r *SessionRepo) Get(ctx context.Context, sessionID string) (*Session, error) {
	var s Session
	err := r.reader.GetContext(ctx, &s, r.reader.Rebind(`SELECT * FROM sessions WHERE session_id = ?`), sessionID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NotFound("session", sessionID)
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	return &s, nil
}

// List returns all sessions, most recent first.
func (r *SessionRepo) List(ctx context.Context) ([]Session, error) {
	var ss []Session
	if err := r.reader.SelectContext(ctx, &ss, `SELECT * FROM sessions ORDER BY created_at DESC`); err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	return ss, nil
}

// Children returns sessions whose parent_session_id is the given id.
func (r *SessionRepo) Children(ctx context.Context, parentSessionID string) ([]Session, error) {
	var ss []Session
	err := r.reader.SelectContext(ctx, &ss, r.reader.Rebind(
		`SELECT * FROM sessions WHERE parent_session_id = ?`,
	), parentSessionID)
	if err != nil {
		return nil, fmt.Errorf("list session children: %w", err)
	}
	return ss, nil
}

// UpdateStatus transitions a session's status, stamping last_resumed_at when moving to running.
func (r *SessionRepo) UpdateStatus(ctx context.Context, sessionID, status string) error {
	var err error
	if status == SessionStatusRunning {
		_, err = r.writer.ExecContext(ctx, r.writer.Rebind(
			`UPDATE sessions SET status = ?, last_resumed_at = ? WHERE session_id = ?`,
		), status, time.Now().UTC(), sessionID)
	} else {
		_, err = r.writer.ExecContext(ctx, r.writer.Rebind(
			`UPDATE sessions SET status = ? WHERE session_id = ?`,
		), status, sessionID)
	}
	if err != nil {
		return fmt.Errorf("update session status: %w", err)
	}
	return nil
}

// UpdateMetadata patches a session's caller-set metadata blob.
func (r *SessionRepo) UpdateMetadata(ctx context.Context, sessionID string, metadata *string) error {
	res, err := r.writer.ExecContext(ctx, r.writer.Rebind(
		`UPDATE sessions SET metadata = ? WHERE session_id = ?`,
	), metadata, sessionID)
	if err != nil {
		return fmt.Errorf("update session metadata: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update session metadata rows affected: %w", err)
	}
	if rows == 0 {
		return apperrors.NotFound("session", sessionID)
	}
	return nil
}

// Delete removes a session and, via FK cascade, its events and runs. Child
// sessions are deleted first so the cascade reaches their own events/runs too.
func (r *SessionRepo) Delete(ctx context.Context, sessionID string) error {
	children, err := r.Children(ctx, sessionID)
	if err != nil {
		return err
	}
	for _, child := range children {
		if err := r.Delete(ctx, child.SessionID); err != nil {
			return err
		}
	}

	res, err := r.writer.ExecContext(ctx, r.writer.Rebind(`DELETE FROM sessions WHERE session_id = ?`), sessionID)
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete session rows affected: %w", err)
	}
	if rows == 0 {
		return apperrors.NotFound("session", sessionID)
	}
	return nil
}

func derefString(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
