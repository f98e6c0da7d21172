// Package blueprint implements agent blueprint CRUD and the demand/schema
// derivation rules applied when a run is submitted against a blueprint.
package blueprint

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/kandev/agentctrl/internal/common/apperrors"
	"github.com/kandev/agentctrl/internal/common/logger"
	"github.com/kandev/agentctrl/internal/schema"
	"github.com/kandev/agentctrl/internal/store"
)

// Store wraps the blueprint repository with validation and derivation
// rules that apply at create/update time.
type Store struct {
	repo *store.BlueprintRepo
	log  *logger.Logger
}

// New constructs a blueprint Store.
func New(repo *store.BlueprintRepo, log *logger.Logger) *Store {
	return &Store{repo: repo, log: log.WithFields(zap.String("component", "blueprint_store"))}
}

// Create validates and persists a new blueprint. Autonomous blueprints that
// declare no parameters_schema receive the default free-form prompt schema.
func (s *Store) Create(ctx context.Context, b *store.Blueprint) error {
	if err := normalize(b); err != nil {
		return err
	}
	if b.Status == "" {
		b.Status = store.BlueprintStatusActive
	}
	return s.repo.Create(ctx, b)
}

// Update validates and replaces an existing blueprint.
func (s *Store) Update(ctx context.Context, b *store.Blueprint) error {
	if err := normalize(b); err != nil {
		return err
	}
	return s.repo.Update(ctx, b)
}

// Get fetches a blueprint by name.
func (s *Store) Get(ctx context.Context, name string) (*store.Blueprint, error) {
	return s.repo.Get(ctx, name)
}

// List returns all blueprints.
func (s *Store) List(ctx context.Context) ([]store.Blueprint, error) {
	return s.repo.List(ctx)
}

// SetStatus flips a blueprint active/inactive.
func (s *Store) SetStatus(ctx context.Context, name, status string) error {
	if status != store.BlueprintStatusActive && status != store.BlueprintStatusInactive {
		return apperrors.BadRequest(fmt.Sprintf("invalid blueprint status %q", status))
	}
	return s.repo.UpdateStatus(ctx, name, status)
}

// Delete removes a blueprint.
func (s *Store) Delete(ctx context.Context, name string) error {
	return s.repo.Delete(ctx, name)
}

// normalize validates blueprint field combinations and fills in derived
// defaults: the implicit autonomous parameters schema, and compile checks
// for any declared parameters_schema/output_schema.
func normalize(b *store.Blueprint) error {
	if b.Type != store.BlueprintTypeAutonomous && b.Type != store.BlueprintTypeProcedural {
		return apperrors.BadRequest(fmt.Sprintf("invalid blueprint type %q", b.Type))
	}
	if b.Type == store.BlueprintTypeProcedural && (b.Command == nil || *b.Command == "") {
		return apperrors.BadRequest("procedural blueprints require a command")
	}
	if b.Type == store.BlueprintTypeAutonomous && len(b.ParametersSchema) == 0 {
		b.ParametersSchema = schema.DefaultAutonomousParametersSchema
	}

	if _, err := schema.Compile(b.ParametersSchema); err != nil {
		return apperrors.BadRequest(fmt.Sprintf("invalid parameters_schema: %v", err))
	}
	if _, err := schema.Compile(b.OutputSchema); err != nil {
		return apperrors.BadRequest(fmt.Sprintf("invalid output_schema: %v", err))
	}

	return nil
}

// EffectiveParametersSchema resolves the schema a run's parameters must
// satisfy: the blueprint's explicit parameters_schema, or the implicit
// autonomous default when none is declared, or none for procedural
// blueprints with no schema at all.
func EffectiveParametersSchema(b *store.Blueprint) json.RawMessage {
	if len(b.ParametersSchema) > 0 {
		return b.ParametersSchema
	}
	if b.Type == store.BlueprintTypeAutonomous {
		return schema.DefaultAutonomousParametersSchema
	}
	return nil
}

// Demands decodes a blueprint's stored demand predicate.
func Demands(b *store.Blueprint) (store.Demands, error) {
	var d store.Demands
	if b.Demands == nil || *b.Demands == "" {
		return d, nil
	}
	err := json.Unmarshal([]byte(*b.Demands), &d)
	return d, err
}
