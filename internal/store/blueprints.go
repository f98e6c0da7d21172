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

// BlueprintRepo persists agent blueprints.
type BlueprintRepo struct {
	writer *sqlx.DB
	reader *sqlx.DB
}

// NewBlueprintRepo constructs a BlueprintRepo over the given connection pool.
func NewBlueprintRepo(writer, reader *sqlx.DB) *BlueprintRepo {
	return &BlueprintRepo{writer: writer, reader: reader}
}

// Create inserts a new blueprint. Fails with a conflict error if the name is taken.
func (r *BlueprintRepo) Create(ctx context.Context, b *Blueprint) error {
	now := time.Now().UTC()
	b.CreatedAt, b.UpdatedAt = now, now

	_, err := r.writer.ExecContext(ctx, r.writer.Rebind(`
		INSERT INTO agent_blueprints
			(name, description, type, system_prompt, mcp_servers, skills, status, demands, parameters_schema, output_schema, command, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`), b.Name, b.Description, b.Type, b.SystemPrompt, b.MCPServers, b.Skills, b.Status, b.Demands, b.ParametersSchema, b.OutputSchema, b.Command, b.CreatedAt, b.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return apperrors.Conflict(fmt.Sprintf("agent blueprint '%s' already exists", b.Name))
		}
		return fmt.Errorf("insert blueprint: %w", err)
	}
	return nil
}

// Get fetches a blueprint by name.
func (r *BlueprintRepo) Get(ctx context.Context, name string) (*Blueprint, error) {
	var b Blueprint
	err := r.reader.GetContext(ctx, &b, r.reader.Rebind(`SELECT * FROM agent_blueprints WHERE name = ?`), name)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NotFound("agent", name)
	}
	if err != nil {
		return nil, fmt.Errorf("get blueprint: %w", err)
	}
	return &b, nil
}

// List returns all blueprints ordered by name.
func (r *BlueprintRepo) List(ctx context.Context) ([]Blueprint, error) {
	var bs []Blueprint
	if err := r.reader.SelectContext(ctx, &bs, `SELECT * FROM agent_blueprints ORDER BY name`); err != nil {
		return nil, fmt.Errorf("list blueprints: %w", err)
	}
	return bs, nil
}

// Update persists a patched blueprint (full-row replace, read-modify-write by caller).
func (r *BlueprintRepo) Update(ctx context.Context, b *Blueprint) error {
	b.UpdatedAt = time.Now().UTC()
	res, err := r.writer.ExecContext(ctx, r.writer.Rebind(`
		UPDATE agent_blueprints SET
			description = ?, type = ?, system_prompt = ?, mcp_servers = ?, skills = ?,
			status = ?, demands = ?, parameters_schema = ?, output_schema = ?, command = ?, updated_at = ?
		WHERE name = ?
	`), b.Description, b.Type, b.SystemPrompt, b.MCPServers, b.Skills, b.Status, b.Demands, b.ParametersSchema, b.OutputSchema, b.Command, b.UpdatedAt, b.Name)
	if err != nil {
		return fmt.Errorf("update blueprint: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update blueprint rows affected: %w", err)
	}
	if rows == 0 {
		return apperrors.NotFound("agent", b.Name)
	}
	return nil
}

// UpdateStatus flips a blueprint between active/inactive.
func (r *BlueprintRepo) UpdateStatus(ctx context.Context, name, status string) error {
	res, err := r.writer.ExecContext(ctx, r.writer.Rebind(
		`UPDATE agent_blueprints SET status = ?, updated_at = ? WHERE name = ?`,
	), status, time.Now().UTC(), name)
	if err != nil {
		return fmt.Errorf("update blueprint status: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update blueprint status rows affected: %w", err)
	}
	if rows == 0 {
		return apperrors.NotFound("agent", name)
	}
	return nil
}

// Delete removes a blueprint by name.
func (r *BlueprintRepo) Delete(ctx context.Context, name string) error {
	res, err := r.writer.ExecContext(ctx, r.writer.Rebind(`DELETE FROM agent_blueprints WHERE name = ?`), name)
	if err != nil {
		return fmt.Errorf("delete blueprint: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete blueprint rows affected: %w", err)
	}
	if rows == 0 {
		return apperrors.NotFound("agent", name)
	}
	return nil
}
