package database

import (
	"context"
	"fmt"
	"sort"
	"time"
)

// Migration represents a database migration
type Migration struct {
	Version     int
	Description string
	Up          string
	Down        string
}

// Migrator handles hub schema migrations
type Migrator struct {
	db         *DB
	migrations []Migration
}

// NewMigrator creates a migrator with the hub schema registered
func NewMigrator(db *DB) *Migrator {
	m := &Migrator{db: db}
	m.registerMigrations()
	return m
}

func (m *Migrator) registerMigrations() {
	m.Register(Migration{
		Version:     1,
		Description: "Create schema_version table",
		Up: `
			CREATE TABLE IF NOT EXISTS schema_version (
				version INTEGER PRIMARY KEY,
				description TEXT NOT NULL,
				applied_at REAL
			)
		`,
		Down: `DROP TABLE IF EXISTS schema_version`,
	})

	m.Register(Migration{
		Version:     2,
		Description: "Create host table",
		Up: `
			CREATE TABLE IF NOT EXISTS host (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				user_id INTEGER NOT NULL DEFAULT 0,
				name TEXT UNIQUE NOT NULL,
				arches TEXT NOT NULL DEFAULT '',
				channels TEXT NOT NULL DEFAULT '[]',
				capacity REAL NOT NULL DEFAULT 2.0,
				task_load REAL NOT NULL DEFAULT 0.0,
				ready INTEGER NOT NULL DEFAULT 0,
				enabled INTEGER NOT NULL DEFAULT 1,
				description TEXT,
				comment TEXT,
				last_update REAL NOT NULL DEFAULT 0
			)
		`,
		Down: `DROP TABLE IF EXISTS host`,
	})

	m.Register(Migration{
		Version:     3,
		Description: "Create task table",
		Up: `
			CREATE TABLE IF NOT EXISTS task (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				method TEXT NOT NULL,
				channel_id INTEGER NOT NULL,
				arch TEXT NOT NULL DEFAULT 'noarch',
				weight REAL NOT NULL DEFAULT 1.0,
				priority INTEGER NOT NULL DEFAULT 20,
				state TEXT NOT NULL DEFAULT 'free',
				owner INTEGER NOT NULL DEFAULT 0,
				parent INTEGER,
				host_id INTEGER,
				create_ts REAL NOT NULL
			)
		`,
		Down: `DROP TABLE IF EXISTS task`,
	})

	m.Register(Migration{
		Version:     4,
		Description: "Create scheduler_task_run table",
		Up: `
			CREATE TABLE IF NOT EXISTS scheduler_task_run (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				task_id INTEGER NOT NULL,
				host_id INTEGER NOT NULL,
				state TEXT NOT NULL DEFAULT 'assigned',
				create_ts REAL NOT NULL,
				start_ts REAL,
				end_ts REAL
			)
		`,
		Down: `DROP TABLE IF EXISTS scheduler_task_run`,
	})

	m.Register(Migration{
		Version:     5,
		Description: "Create scheduler_task_refusal table",
		Up: `
			CREATE TABLE IF NOT EXISTS scheduler_task_refusal (
				host_id INTEGER NOT NULL,
				task_id INTEGER NOT NULL,
				soft INTEGER NOT NULL DEFAULT 1,
				by_host INTEGER NOT NULL DEFAULT 0,
				msg TEXT,
				ts REAL NOT NULL,
				PRIMARY KEY (host_id, task_id)
			)
		`,
		Down: `DROP TABLE IF EXISTS scheduler_task_refusal`,
	})

	m.Register(Migration{
		Version:     6,
		Description: "Create scheduler_host_data table",
		Up: `
			CREATE TABLE IF NOT EXISTS scheduler_host_data (
				host_id INTEGER PRIMARY KEY,
				data TEXT NOT NULL DEFAULT '{}',
				updated REAL NOT NULL DEFAULT 0
			)
		`,
		Down: `DROP TABLE IF EXISTS scheduler_host_data`,
	})

	m.Register(Migration{
		Version:     7,
		Description: "Create scheduler_log_messages table",
		Up: `
			CREATE TABLE IF NOT EXISTS scheduler_log_messages (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				ts REAL NOT NULL,
				task_id INTEGER,
				host_id INTEGER,
				host_name TEXT,
				msg TEXT NOT NULL
			)
		`,
		Down: `DROP TABLE IF EXISTS scheduler_log_messages`,
	})

	m.Register(Migration{
		Version:     8,
		Description: "Create scheduler_locks table",
		Up: `
			CREATE TABLE IF NOT EXISTS scheduler_locks (
				name TEXT PRIMARY KEY,
				owner TEXT NOT NULL,
				acquired_at REAL NOT NULL,
				expires_at REAL NOT NULL
			)
		`,
		Down: `DROP TABLE IF EXISTS scheduler_locks`,
	})

	m.Register(Migration{
		Version:     9,
		Description: "Create scheduler_state table",
		Up: `
			CREATE TABLE IF NOT EXISTS scheduler_state (
				name TEXT PRIMARY KEY,
				last_run REAL NOT NULL DEFAULT 0
			)
		`,
		Down: `DROP TABLE IF EXISTS scheduler_state`,
	})

	// One statement per migration: not every driver accepts multi-statement Exec
	m.Register(Migration{
		Version:     10,
		Description: "Index task by scheduling order",
		Up:          `CREATE INDEX IF NOT EXISTS idx_task_sched ON task(state, priority, create_ts)`,
		Down:        `DROP INDEX IF EXISTS idx_task_sched`,
	})

	m.Register(Migration{
		Version:     11,
		Description: "Index task runs by state",
		Up:          `CREATE INDEX IF NOT EXISTS idx_task_run_state ON scheduler_task_run(state)`,
		Down:        `DROP INDEX IF EXISTS idx_task_run_state`,
	})

	m.Register(Migration{
		Version:     12,
		Description: "Index task runs by task",
		Up:          `CREATE INDEX IF NOT EXISTS idx_task_run_task ON scheduler_task_run(task_id)`,
		Down:        `DROP INDEX IF EXISTS idx_task_run_task`,
	})

	m.Register(Migration{
		Version:     13,
		Description: "Index log messages by task",
		Up:          `CREATE INDEX IF NOT EXISTS idx_log_messages_task ON scheduler_log_messages(task_id)`,
		Down:        `DROP INDEX IF EXISTS idx_log_messages_task`,
	})

	sort.Slice(m.migrations, func(i, j int) bool {
		return m.migrations[i].Version < m.migrations[j].Version
	})
}

// Register adds a migration
func (m *Migrator) Register(migration Migration) {
	m.migrations = append(m.migrations, migration)
}

// Migrate runs all pending migrations
func (m *Migrator) Migrate(ctx context.Context) error {
	currentVersion, err := m.getCurrentVersion(ctx)
	if err != nil {
		// Schema version table might not exist yet, try to create it
		if _, err := m.db.Exec(ctx, m.migrations[0].Up); err != nil {
			return fmt.Errorf("failed to create schema_version table: %w", err)
		}
		currentVersion = 0
	}

	for _, migration := range m.migrations {
		if migration.Version <= currentVersion {
			continue
		}
		if err := m.applyMigration(ctx, migration); err != nil {
			return fmt.Errorf("migration %d failed: %w", migration.Version, err)
		}
	}
	return nil
}

func (m *Migrator) getCurrentVersion(ctx context.Context) (int, error) {
	row := m.db.QueryRow(ctx, "SELECT COALESCE(MAX(version), 0) FROM schema_version")
	var version int
	if err := row.Scan(&version); err != nil {
		return 0, err
	}
	return version, nil
}

func (m *Migrator) applyMigration(ctx context.Context, migration Migration) error {
	tx, err := m.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, migration.Up); err != nil {
		return fmt.Errorf("failed to execute migration: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		m.db.Rebind("INSERT INTO schema_version (version, description, applied_at) VALUES (?, ?, ?)"),
		migration.Version, migration.Description, TS(time.Now())); err != nil {
		return fmt.Errorf("failed to record migration: %w", err)
	}
	return tx.Commit()
}

// Version returns the current schema version
func (m *Migrator) Version(ctx context.Context) (int, error) {
	return m.getCurrentVersion(ctx)
}
