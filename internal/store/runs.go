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

// RunRepo persists runs and implements the conditional-update claim semantics
// the dispatch engine relies on for single-claimer guarantees.
type RunRepo struct {
	writer *sqlx.DB
	reader *sqlx.DB
}

// NewRunRepo constructs a RunRepo over the given connection pool.
func NewRunRepo(writer, reader *sqlx.DB) *RunRepo {
	return &RunRepo{writer: writer, reader: reader}
}

// Create inserts a new pending run.
func (r *RunRepo) Create(ctx context.Context, run *Run) error {
	if run.CreatedAt.IsZero() {
		run.CreatedAt = time.Now().UTC()
	}
	if run.Status == "" {
		run.Status = RunStatusPending
	}
	_, err := r.writer.ExecContext(ctx, r.writer.Rebind(`
		INSERT INTO runs
			(run_id, session_id, type, agent_name, parameters, project_dir, parent_session_id, execution_mode, demands, status, runner_id, error, created_at, claimed_at, started_at, completed_at, timeout_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`), run.RunID, run.SessionID, run.Type, run.AgentName, run.Parameters, run.ProjectDir, run.ParentSessionID,
		run.ExecutionMode, run.Demands, run.Status, run.RunnerID, run.Error, run.CreatedAt, run.ClaimedAt, run.StartedAt, run.CompletedAt, run.TimeoutAt)
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

// SetDemands sets a run's demand predicate and derived timeout.
func (r *RunRepo) SetDemands(ctx context.Context, runID string, demands *string, timeoutAt time.Time) error {
	res, err := r.writer.ExecContext(ctx, r.writer.Rebind(
		`UPDATE runs SET demands = ?, timeout_at = ? WHERE run_id = ?`,
	), demands, timeoutAt, runID)
	if err != nil {
		return fmt.Errorf("set run demands: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("set run demands rows affected: %w", err)
	}
	if rows == 0 {
		return apperrors.NotFound("run", runID)
	}
	return nil
}

// Get fetches a run by id regardless of status.
func (r *RunRepo) Get(ctx context.Context, runID string) (*Run, error) {
	var run Run
	err := r.reader.GetContext(ctx, &run, r.reader.Rebind(`SELECT * FROM runs WHERE run_id = ?`), runID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NotFound("run", runID)
	}
	if err != nil {
		return nil, fmt.Errorf("get run: %w", err)
	}
	return &run, nil
}

// ActiveBySession returns the run currently occupying a session, if any.
func (r *RunRepo) ActiveBySession(ctx context.Context, sessionID string) (*Run, error) {
	var run Run
	err := r.reader.GetContext(ctx, &run, r.reader.Rebind(`
		SELECT * FROM runs
		WHERE session_id = ? AND status IN ('pending', 'claimed', 'running', 'stopping')
		ORDER BY created_at DESC LIMIT 1
	`), sessionID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NotFound("active run for session", sessionID)
	}
	if err != nil {
		return nil, fmt.Errorf("get active run by session: %w", err)
	}
	return &run, nil
}

// PendingByFIFO returns pending runs oldest-first, for claim scanning.
func (r *RunRepo) PendingByFIFO(ctx context.Context) ([]Run, error) {
	var runs []Run
	err := r.reader.SelectContext(ctx, &runs, r.reader.Rebind(
		`SELECT * FROM runs WHERE status = ? ORDER BY created_at ASC`,
	), RunStatusPending)
	if err != nil {
		return nil, fmt.Errorf("list pending runs: %w", err)
	}
	return runs, nil
}

// TryClaim performs the conditional update that guarantees single-claimer
// semantics: only a run still in 'pending' is claimed, and RowsAffected
// distinguishes "I claimed it" from "someone beat me to it".
func (r *RunRepo) TryClaim(ctx context.Context, runID, runnerID string, claimedAt time.Time) (bool, error) {
	res, err := r.writer.ExecContext(ctx, r.writer.Rebind(`
		UPDATE runs SET status = ?, runner_id = ?, claimed_at = ?
		WHERE run_id = ? AND status = ?
	`), RunStatusClaimed, runnerID, claimedAt, runID, RunStatusPending)
	if err != nil {
		return false, fmt.Errorf("claim run: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("claim run rows affected: %w", err)
	}
	return rows == 1, nil
}

// UpdateStatus persists a run's status transition along with the
// appropriate timestamp, and the error message for failure transitions.
func (r *RunRepo) UpdateStatus(ctx context.Context, runID, status string, runErr *string) error {
	now := time.Now().UTC()
	var err error
	switch status {
	case RunStatusRunning:
		_, err = r.writer.ExecContext(ctx, r.writer.Rebind(
			`UPDATE runs SET status = ?, started_at = ? WHERE run_id = ?`,
		), status, now, runID)
	case RunStatusCompleted, RunStatusFailed, RunStatusStopped:
		_, err = r.writer.ExecContext(ctx, r.writer.Rebind(
			`UPDATE runs SET status = ?, completed_at = ?, error = ? WHERE run_id = ?`,
		), status, now, runErr, runID)
	default:
		_, err = r.writer.ExecContext(ctx, r.writer.Rebind(
			`UPDATE runs SET status = ?, error = ? WHERE run_id = ?`,
		), status, runErr, runID)
	}
	if err != nil {
		return fmt.Errorf("update run status: %w", err)
	}
	return nil
}

// MarkStopping transitions a claimed or running run to 'stopping', returning
// apperrors.BadRequest if the run is not in a stoppable state.
func (r *RunRepo) MarkStopping(ctx context.Context, runID string) error {
	res, err := r.writer.ExecContext(ctx, r.writer.Rebind(`
		UPDATE runs SET status = ?
		WHERE run_id = ? AND status IN (?, ?)
	`), RunStatusStopping, runID, RunStatusClaimed, RunStatusRunning)
	if err != nil {
		return fmt.Errorf("mark run stopping: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("mark run stopping rows affected: %w", err)
	}
	if rows == 0 {
		return apperrors.BadRequest("run cannot be stopped")
	}
	return nil
}

// TimedOutPending returns pending runs whose timeout_at has elapsed.
func (r *RunRepo) TimedOutPending(ctx context.Context, now time.Time) ([]Run, error) {
	var runs []Run
	err := r.reader.SelectContext(ctx, &runs, r.reader.Rebind(`
		SELECT * FROM runs WHERE status = ? AND timeout_at IS NOT NULL AND timeout_at < ?
	`), RunStatusPending, now)
	if err != nil {
		return nil, fmt.Errorf("list timed out runs: %w", err)
	}
	return runs, nil
}

// FailTimedOut marks one timed-out run as failed if it is still pending.
func (r *RunRepo) FailTimedOut(ctx context.Context, runID string, now time.Time) error {
	msg := "No matching runner available within timeout"
	_, err := r.writer.ExecContext(ctx, r.writer.Rebind(`
		UPDATE runs SET status = ?, error = ?, completed_at = ?
		WHERE run_id = ? AND status = ?
	`), RunStatusFailed, msg, now, runID, RunStatusPending)
	if err != nil {
		return fmt.Errorf("fail timed out run: %w", err)
	}
	return nil
}

// NonTerminal returns every run not yet in a terminal state, for startup recovery.
func (r *RunRepo) NonTerminal(ctx context.Context) ([]Run, error) {
	var runs []Run
	err := r.reader.SelectContext(ctx, &runs, r.reader.Rebind(`
		SELECT * FROM runs WHERE status NOT IN (?, ?, ?)
	`), RunStatusCompleted, RunStatusFailed, RunStatusStopped)
	if err != nil {
		return nil, fmt.Errorf("list non-terminal runs: %w", err)
	}
	return runs, nil
}

// RevertToPending clears a stale claim, returning the run to pending.
func (r *RunRepo) RevertToPending(ctx context.Context, runID string) error {
	_, err := r.writer.ExecContext(ctx, r.writer.Rebind(`
		UPDATE runs SET status = ?, runner_id = NULL, claimed_at = NULL WHERE run_id = ?
	`), RunStatusPending, runID)
	if err != nil {
		return fmt.Errorf("revert run to pending: %w", err)
	}
	return nil
}

// List returns runs, optionally filtered by status, with an option to
// exclude terminal runs (the default for the live-queue view).
func (r *RunRepo) List(ctx context.Context, status string, includeCompleted bool) ([]Run, error) {
	query := `SELECT * FROM runs WHERE 1=1`
	var args []any
	if status != "" {
		query += ` AND status = ?`
		args = append(args, status)
	} else if !includeCompleted {
		query += ` AND status NOT IN (?, ?, ?)`
		args = append(args, RunStatusCompleted, RunStatusFailed, RunStatusStopped)
	}
	query += ` ORDER BY created_at DESC`

	var runs []Run
	if err := r.reader.SelectContext(ctx, &runs, r.reader.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	return runs, nil
}
