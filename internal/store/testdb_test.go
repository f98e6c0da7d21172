package store

import (
	"path/filepath"
	"testing"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/require"

	"github.com/kandev/agentctrl/internal/db"
)

// newTestDB opens a throwaway, migrated SQLite database backing both the
// writer and reader handles, for repository tests that don't need the
// writer/reader split a real deployment uses.
func newTestDB(t *testing.T) *sqlx.DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "coordinator-test.db")

	conn, err := db.OpenSQLite(path)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	sqlxDB := sqlx.NewDb(conn, "sqlite3")
	require.NoError(t, Migrate(sqlxDB))
	return sqlxDB
}
