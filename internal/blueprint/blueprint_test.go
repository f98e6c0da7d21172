package blueprint

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kandev/agentctrl/internal/common/apperrors"
	"github.com/kandev/agentctrl/internal/common/logger"
	"github.com/kandev/agentctrl/internal/db"
	"github.com/kandev/agentctrl/internal/store"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()

	conn, err := db.OpenSQLite(filepath.Join(t.TempDir(), "blueprint-test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	sqlxDB := sqlx.NewDb(conn, "sqlite3")
	require.NoError(t, store.Migrate(sqlxDB))

	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console", OutputPath: "stdout"})
	require.NoError(t, err)

	return New(store.NewBlueprintRepo(sqlxDB, sqlxDB), log)
}

func TestCreateAutonomousFillsDefaultParametersSchema(t *testing.T) {
	s := newTestStore(t)
	b := &store.Blueprint{Name: "coder", Type: store.BlueprintTypeAutonomous}

	require.NoError(t, s.Create(context.Background(), b))

	got, err := s.Get(context.Background(), "coder")
	require.NoError(t, err)
	assert.NotEmpty(t, got.ParametersSchema)
	assert.Equal(t, store.BlueprintStatusActive, got.Status)
}

func TestCreateProceduralRequiresCommand(t *testing.T) {
	s := newTestStore(t)
	b := &store.Blueprint{Name: "script", Type: store.BlueprintTypeProcedural}

	err := s.Create(context.Background(), b)
	assert.Error(t, err)
}

func TestCreateRejectsUnknownType(t *testing.T) {
	s := newTestStore(t)
	b := &store.Blueprint{Name: "weird", Type: "unknown"}

	err := s.Create(context.Background(), b)
	assert.Error(t, err)
}

func TestCreateRejectsInvalidParametersSchema(t *testing.T) {
	s := newTestStore(t)
	cmd := "echo hi"
	b := &store.Blueprint{
		Name:             "script",
		Type:             store.BlueprintTypeProcedural,
		Command:          &cmd,
		ParametersSchema: []byte(`not json`),
	}

	err := s.Create(context.Background(), b)
	assert.Error(t, err)
}

func TestCreateDuplicateNameConflicts(t *testing.T) {
	s := newTestStore(t)
	cmd := "echo hi"
	b := &store.Blueprint{Name: "dup", Type: store.BlueprintTypeProcedural, Command: &cmd}
	require.NoError(t, s.Create(context.Background(), b))

	err := s.Create(context.Background(), &store.Blueprint{Name: "dup", Type: store.BlueprintTypeProcedural, Command: &cmd})
	require.Error(t, err)
	assert.True(t, apperrors.IsConflict(err))
}

func TestSetStatusRejectsInvalidValue(t *testing.T) {
	s := newTestStore(t)
	cmd := "echo hi"
	b := &store.Blueprint{Name: "toggle", Type: store.BlueprintTypeProcedural, Command: &cmd}
	require.NoError(t, s.Create(context.Background(), b))

	err := s.SetStatus(context.Background(), "toggle", "bogus")
	assert.Error(t, err)

	require.NoError(t, s.SetStatus(context.Background(), "toggle", store.BlueprintStatusInactive))
	got, err := s.Get(context.Background(), "toggle")
	require.NoError(t, err)
	assert.Equal(t, store.BlueprintStatusInactive, got.Status)
}

func TestDeleteRemovesBlueprint(t *testing.T) {
	s := newTestStore(t)
	cmd := "echo hi"
	b := &store.Blueprint{Name: "gone", Type: store.BlueprintTypeProcedural, Command: &cmd}
	require.NoError(t, s.Create(context.Background(), b))

	require.NoError(t, s.Delete(context.Background(), "gone"))
	_, err := s.Get(context.Background(), "gone")
	assert.Error(t, err)
}

func TestEffectiveParametersSchemaFallsBackToAutonomousDefault(t *testing.T) {
	b := &store.Blueprint{Type: store.BlueprintTypeAutonomous}
	assert.NotEmpty(t, EffectiveParametersSchema(b))
}

func TestEffectiveParametersSchemaProceduralWithNoSchemaIsNil(t *testing.T) {
	b := &store.Blueprint{Type: store.BlueprintTypeProcedural}
	assert.Nil(t, EffectiveParametersSchema(b))
}

func TestDemandsDecodesStoredPredicate(t *testing.T) {
	raw := `{"tags":["gpu"]}`
	b := &store.Blueprint{Demands: &raw}

	d, err := Demands(b)
	require.NoError(t, err)
	assert.Equal(t, []string{"gpu"}, d.Tags)
}

func TestDemandsEmptyReturnsZeroValue(t *testing.T) {
	b := &store.Blueprint{}
	d, err := Demands(b)
	require.NoError(t, err)
	assert.Empty(t, d.Tags)
}
