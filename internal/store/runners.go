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

// RunnerRepo persists runner registrations.
type RunnerRepo struct {
	writer *sqlx.DB
	reader *sqlx.DB
}

// NewRunnerRepo constructs a RunnerRepo over the given connection pool.
func NewRunnerRepo(writer, reader *sqlx.DB) *RunnerRepo {
	return &RunnerRepo{writer: writer, reader: reader}
}

// Upsert inserts a runner or, if one with this id already exists (a
// reconnecting runner), refreshes its heartbeat and clears any
// shutting-down mark. Registration is idempotent by design.
func (r *RunnerRepo) Upsert(ctx context.Context, runner *Runner) error {
	now := time.Now().UTC()
	existing, err := r.Get(ctx, runner.RunnerID)
	if err != nil && !apperrors.IsNotFound(err) {
		return err
	}
	if existing != nil {
		_, err := r.writer.ExecContext(ctx, r.writer.Rebind(`
			UPDATE runners SET last_heartbeat = ?, hostname = ?, project_dir = ?, tags = ?, executor_type = ?, status = ?, deregistering = 0
			WHERE runner_id = ?
		`), now, runner.Hostname, runner.ProjectDir, runner.Tags, runner.ExecutorType, RunnerStatusOnline, runner.RunnerID)
		if err != nil {
			return fmt.Errorf("refresh runner: %w", err)
		}
		return nil
	}

	runner.RegisteredAt = now
	runner.LastHeartbeat = now
	runner.Status = RunnerStatusOnline
	_, err = r.writer.ExecContext(ctx, r.writer.Rebind(`
		INSERT INTO runners (runner_id, registered_at, last_heartbeat, hostname, project_dir, executor_profile, tags, executor_type, status, deregistering)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 0)
	`), runner.RunnerID, runner.RegisteredAt, runner.LastHeartbeat, runner.Hostname, runner.ProjectDir, runner.ExecutorProfile, runner.Tags, runner.ExecutorType, runner.Status)
	if err != nil {
		return fmt.Errorf("insert runner: %w", err)
	}
	return nil
}

// Get fetches a runner by id.
func (r *RunnerRepo) Get(ctx context.Context, runnerID string) (*Runner, error) {
	var runner Runner
	err := r.reader.GetContext(ctx, &runner, r.reader.Rebind(`SELECT * FROM runners WHERE runner_id = ?`), runnerID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NotFound("runner", runnerID)
	}
	if err != nil {
		return nil, fmt.Errorf("get runner: %w", err)
	}
	return &runner, nil
}

// List returns all registered runners.
func (r *RunnerRepo) List(ctx context.Context) ([]Runner, error) {
	var runners []Runner
	if err := r.reader.SelectContext(ctx, &runners, `SELECT * FROM runners ORDER BY registered_at`); err != nil {
		return nil, fmt.Errorf("list runners: %w", err)
	}
	return runners, nil
}

// Heartbeat refreshes last_heartbeat and flips status back to online if it had gone stale.
func (r *RunnerRepo) Heartbeat(ctx context.Context, runnerID string) error {
	res, err := r.writer.ExecContext(ctx, r.writer.Rebind(`
		UPDATE runners SET last_heartbeat = ?, status = ? WHERE runner_id = ?
	`), time.Now().UTC(), RunnerStatusOnline, runnerID)
	if err != nil {
		return fmt.Errorf("heartbeat runner: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("heartbeat runner rows affected: %w", err)
	}
	if rows == 0 {
		return apperrors.NotFound("runner", runnerID)
	}
	return nil
}

// MarkStale flags runners whose last_heartbeat predates the cutoff as stale.
func (r *RunnerRepo) MarkStale(ctx context.Context, cutoff time.Time) ([]string, error) {
	var ids []string
	err := r.reader.SelectContext(ctx, &ids, r.reader.Rebind(`
		SELECT runner_id FROM runners WHERE last_heartbeat < ? AND status = ?
	`), cutoff, RunnerStatusOnline)
	if err != nil {
		return nil, fmt.Errorf("find stale runners: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}
	query, args, err := sqlx.In(`UPDATE runners SET status = ? WHERE runner_id IN (?)`, RunnerStatusStale, ids)
	if err != nil {
		return nil, fmt.Errorf("build stale update: %w", err)
	}
	if _, err := r.writer.ExecContext(ctx, r.writer.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("mark runners stale: %w", err)
	}
	return ids, nil
}

// MarkDeregistering flags a runner for deregistration on its next poll.
func (r *RunnerRepo) MarkDeregistering(ctx context.Context, runnerID string) error {
	res, err := r.writer.ExecContext(ctx, r.writer.Rebind(
		`UPDATE runners SET deregistering = 1 WHERE runner_id = ?`,
	), runnerID)
	if err != nil {
		return fmt.Errorf("mark runner deregistering: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("mark runner deregistering rows affected: %w", err)
	}
	if rows == 0 {
		return apperrors.NotFound("runner", runnerID)
	}
	return nil
}

// Delete removes a runner immediately (self-deregistration, or cleanup
// after an externally-marked runner reports back on its next poll).
func (r *RunnerRepo) Delete(ctx context.Context, runnerID string) error {
	res, err := r.writer.ExecContext(ctx, r.writer.Rebind(`DELETE FROM runners WHERE runner_id = ?`), runnerID)
	if err != nil {
		return fmt.Errorf("delete runner: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete runner rows affected: %w", err)
	}
	if rows == 0 {
		return apperrors.NotFound("runner", runnerID)
	}
	return nil
}
