// Package database provides the durable store for the hub: a thin wrapper
// over database/sql with multi-driver support, schema migrations, and the
// advisory lock the scheduler uses for single-writer ticks.
package database

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "github.com/go-sql-driver/mysql"                   // MySQL/MariaDB
	_ "github.com/jackc/pgx/v5/stdlib"                   // PostgreSQL
	_ "github.com/microsoft/go-mssqldb"                  // MSSQL
	_ "github.com/tursodatabase/libsql-client-go/libsql" // libSQL/Turso
	_ "modernc.org/sqlite"                               // SQLite
)

// normalizeDriver maps user-friendly config values to Go driver names
func normalizeDriver(driver string) string {
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "sqlite", "sqlite2", "sqlite3":
		return "sqlite"
	case "libsql", "turso":
		return "libsql"
	case "postgres", "pgsql", "postgresql", "pgx":
		return "pgx"
	case "mysql", "mariadb":
		return "mysql"
	case "mssql", "sqlserver":
		return "sqlserver"
	default:
		return driver
	}
}

// Config holds database configuration
type Config struct {
	Driver   string `yaml:"driver"`   // sqlite, postgres, mysql, mssql, libsql
	DSN      string `yaml:"dsn"`      // connection string (non-sqlite)
	DataDir  string `yaml:"data_dir"` // data directory (sqlite)
	MaxOpen  int    `yaml:"max_open"` // max open connections
	MaxIdle  int    `yaml:"max_idle"` // max idle connections
	Lifetime int    `yaml:"lifetime"` // connection max lifetime in seconds
}

// DefaultConfig returns default database configuration
func DefaultConfig() *Config {
	return &Config{
		Driver:   "sqlite",
		DataDir:  "/data/db",
		MaxOpen:  10,
		MaxIdle:  5,
		Lifetime: 300,
	}
}

// DB represents the hub database connection
type DB struct {
	db     *sql.DB
	driver string
	dsn    string
	mu     sync.RWMutex
	ready  bool
}

// New opens the hub database described by cfg
func New(cfg *Config) (*DB, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	db := &DB{driver: normalizeDriver(cfg.Driver)}

	var err error
	switch db.driver {
	case "sqlite":
		if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create data directory: %w", err)
		}
		db.dsn = cfg.DSN
		if db.dsn == "" {
			db.dsn = filepath.Join(cfg.DataDir, "hub.db")
		}
		db.db, err = sql.Open("sqlite", db.dsn)
	case "libsql":
		if cfg.DSN == "" {
			return nil, fmt.Errorf("libsql requires DSN in config (libsql://host?authToken=xxx)")
		}
		db.dsn = cfg.DSN
		db.db, err = sql.Open("libsql", db.dsn)
	case "pgx":
		if cfg.DSN == "" {
			return nil, fmt.Errorf("postgres requires DSN in config")
		}
		db.dsn = cfg.DSN
		db.db, err = sql.Open("pgx", db.dsn)
	case "mysql":
		if cfg.DSN == "" {
			return nil, fmt.Errorf("mysql requires DSN in config")
		}
		db.dsn = cfg.DSN
		db.db, err = sql.Open("mysql", db.dsn)
	case "sqlserver":
		if cfg.DSN == "" {
			return nil, fmt.Errorf("mssql requires DSN in config")
		}
		db.dsn = cfg.DSN
		db.db, err = sql.Open("sqlserver", db.dsn)
	default:
		return nil, fmt.Errorf("unsupported database driver: %s (supported: sqlite, libsql, postgres, mysql, mssql)", cfg.Driver)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open %s database: %w", db.driver, err)
	}

	db.db.SetMaxOpenConns(cfg.MaxOpen)
	db.db.SetMaxIdleConns(cfg.MaxIdle)
	db.db.SetConnMaxLifetime(time.Duration(cfg.Lifetime) * time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	// busy_timeout lets host RPCs and the scheduler share a local store
	// without immediate "database locked" failures
	if db.driver == "sqlite" {
		if _, err := db.db.Exec("PRAGMA foreign_keys = ON"); err != nil {
			return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
		}
		if _, err := db.db.Exec("PRAGMA journal_mode = WAL"); err != nil {
			return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
		}
		if _, err := db.db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
			return nil, fmt.Errorf("failed to set busy timeout: %w", err)
		}
	}

	db.ready = true
	return db, nil
}

// Rebind rewrites ? placeholders for drivers that use positional markers.
// Queries are written with ? throughout; pgx wants $N and mssql @pN.
func (db *DB) Rebind(query string) string {
	var prefix string
	switch db.driver {
	case "pgx":
		prefix = "$"
	case "sqlserver":
		prefix = "@p"
	default:
		return query
	}

	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			fmt.Fprintf(&b, "%s%d", prefix, n)
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// ForUpdate returns the row-lock suffix for the current driver. SQLite
// and libSQL serialize writers already and reject the syntax.
func (db *DB) ForUpdate() string {
	switch db.driver {
	case "sqlite", "libsql":
		return ""
	}
	return " FOR UPDATE"
}

// Exec executes a query without returning rows
func (db *DB) Exec(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()

	if !db.ready {
		return nil, fmt.Errorf("database not ready")
	}
	return db.db.ExecContext(ctx, db.Rebind(query), args...)
}

// Query executes a query that returns rows
func (db *DB) Query(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()

	if !db.ready {
		return nil, fmt.Errorf("database not ready")
	}
	return db.db.QueryContext(ctx, db.Rebind(query), args...)
}

// QueryRow executes a query that returns a single row
func (db *DB) QueryRow(ctx context.Context, query string, args ...interface{}) *sql.Row {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return db.db.QueryRowContext(ctx, db.Rebind(query), args...)
}

// Begin starts a transaction
func (db *DB) Begin(ctx context.Context) (*sql.Tx, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()

	if !db.ready {
		return nil, fmt.Errorf("database not ready")
	}
	return db.db.BeginTx(ctx, nil)
}

// Driver returns the normalized driver name
func (db *DB) Driver() string {
	return db.driver
}

// SQL returns the underlying *sql.DB connection.
// Use with caution - prefer the DB methods for standard operations.
func (db *DB) SQL() *sql.DB {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return db.db
}

// Ping checks database connectivity
func (db *DB) Ping(ctx context.Context) error {
	db.mu.RLock()
	defer db.mu.RUnlock()

	if !db.ready || db.db == nil {
		return fmt.Errorf("database not ready")
	}
	return db.db.PingContext(ctx)
}

// IsReady returns true if the database is ready
func (db *DB) IsReady() bool {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return db.ready
}

// Close closes the database connection
func (db *DB) Close() error {
	db.mu.Lock()
	defer db.mu.Unlock()

	if db.db != nil {
		db.ready = false
		return db.db.Close()
	}
	return nil
}

// Timestamps are stored as REAL Unix seconds so interval arithmetic stays
// portable across drivers.

// TS converts a time to its stored representation
func TS(t time.Time) float64 {
	return float64(t.UnixNano()) / float64(time.Second)
}

// FromTS converts a stored timestamp back to a time
func FromTS(f float64) time.Time {
	return time.Unix(0, int64(f*float64(time.Second)))
}

// NullTS converts an optional time for storage
func NullTS(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return TS(*t)
}

// FromNullTS converts an optional stored timestamp
func FromNullTS(f sql.NullFloat64) *time.Time {
	if !f.Valid {
		return nil
	}
	t := FromTS(f.Float64)
	return &t
}
