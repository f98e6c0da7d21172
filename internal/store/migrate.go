package store

import (
	"github.com/jmoiron/sqlx"

	"github.com/kandev/agentctrl/internal/db/dialect"
)

// Migrate creates the coordinator's tables and indexes if they don't already
// exist. Schema is additive and idempotent so it can run on every boot.
func Migrate(db *sqlx.DB) error {
	steps := []func(*sqlx.DB) error{
		migrateBlueprints,
		migrateSessions,
		migrateRuns,
		migrateEvents,
		migrateRunners,
	}
	for _, step := range steps {
		if err := step(db); err != nil {
			return err
		}
	}
	return nil
}

func migrateBlueprints(db *sqlx.DB) error {
	_, err := db.Exec(`
	CREATE TABLE IF NOT EXISTS agent_blueprints (
		name TEXT PRIMARY KEY,
		description TEXT DEFAULT '',
		type TEXT NOT NULL DEFAULT 'autonomous',
		system_prompt TEXT DEFAULT '',
		mcp_servers TEXT DEFAULT '[]',
		skills TEXT DEFAULT '[]',
		status TEXT NOT NULL DEFAULT 'active',
		demands TEXT,
		parameters_schema TEXT,
		output_schema TEXT,
		command TEXT DEFAULT '',
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);
	`)
	return err
}

func migrateSessions(db *sqlx.DB) error {
	_, err := db.Exec(`
	CREATE TABLE IF NOT EXISTS sessions (
		session_id TEXT PRIMARY KEY,
		session_name TEXT,
		status TEXT NOT NULL DEFAULT 'pending',
		created_at TIMESTAMP NOT NULL,
		last_resumed_at TIMESTAMP,
		project_dir TEXT,
		agent_name TEXT,
		parent_session_id TEXT,
		metadata TEXT,
		FOREIGN KEY (parent_session_id) REFERENCES sessions(session_id)
	);

	CREATE UNIQUE INDEX IF NOT EXISTS idx_sessions_name ON sessions(session_name) WHERE session_name IS NOT NULL;
	CREATE INDEX IF NOT EXISTS idx_sessions_parent ON sessions(parent_session_id);
	CREATE INDEX IF NOT EXISTS idx_sessions_status ON sessions(status);
	`)
	return err
}

func migrateRuns(db *sqlx.DB) error {
	_, err := db.Exec(`
	CREATE TABLE IF NOT EXISTS runs (
		run_id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		type TEXT NOT NULL,
		agent_name TEXT,
		parameters TEXT DEFAULT '{}',
		project_dir TEXT,
		parent_session_id TEXT,
		execution_mode TEXT NOT NULL DEFAULT 'sync',
		demands TEXT,
		status TEXT NOT NULL DEFAULT 'pending',
		runner_id TEXT,
		error TEXT,
		created_at TIMESTAMP NOT NULL,
		claimed_at TIMESTAMP,
		started_at TIMESTAMP,
		completed_at TIMESTAMP,
		timeout_at TIMESTAMP,
		FOREIGN KEY (session_id) REFERENCES sessions(session_id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status);
	CREATE INDEX IF NOT EXISTS idx_runs_session_id ON runs(session_id);
	CREATE INDEX IF NOT EXISTS idx_runs_runner_id ON runs(runner_id);
	CREATE INDEX IF NOT EXISTS idx_runs_status_created ON runs(status, created_at);
	`)
	return err
}

func migrateEvents(db *sqlx.DB) error {
	idColumn := "id INTEGER PRIMARY KEY AUTOINCREMENT"
	if dialect.IsPostgres(db.DriverName()) {
		idColumn = "id BIGSERIAL PRIMARY KEY"
	}
	_, err := db.Exec(`
	CREATE TABLE IF NOT EXISTS events (
		` + idColumn + `,
		session_id TEXT NOT NULL,
		event_type TEXT NOT NULL,
		timestamp TIMESTAMP NOT NULL,
		tool_name TEXT,
		tool_input TEXT,
		tool_output TEXT,
		error TEXT,
		exit_code INTEGER,
		reason TEXT,
		role TEXT,
		content TEXT,
		result_text TEXT,
		result_data TEXT,
		FOREIGN KEY (session_id) REFERENCES sessions(session_id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_events_session_timestamp ON events(session_id, timestamp DESC);
	`)
	return err
}

func migrateRunners(db *sqlx.DB) error {
	_, err := db.Exec(`
	CREATE TABLE IF NOT EXISTS runners (
		runner_id TEXT PRIMARY KEY,
		registered_at TIMESTAMP NOT NULL,
		last_heartbeat TIMESTAMP NOT NULL,
		hostname TEXT,
		project_dir TEXT,
		executor_profile TEXT NOT NULL DEFAULT '',
		tags TEXT NOT NULL DEFAULT '[]',
		executor_type TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT 'online',
		deregistering INTEGER NOT NULL DEFAULT 0
	);

	CREATE INDEX IF NOT EXISTS idx_runners_status ON runners(status);
	`)
	return err
}
