package database

import (
	"context"
	"math"
	"testing"
	"time"
)

func newTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := New(&Config{
		Driver:  "sqlite",
		DataDir: t.TempDir(),
		MaxOpen: 4,
		MaxIdle: 2,
	})
	if err != nil {
		t.Fatalf("Failed to open test database: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestNormalizeDriver(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"sqlite", "sqlite"},
		{"sqlite3", "sqlite"},
		{"SQLite3", "sqlite"},
		{"postgres", "pgx"},
		{"postgresql", "pgx"},
		{"pgsql", "pgx"},
		{"mysql", "mysql"},
		{"mariadb", "mysql"},
		{"mssql", "sqlserver"},
		{"sqlserver", "sqlserver"},
		{"libsql", "libsql"},
		{"turso", "libsql"},
		{"oracle", "oracle"},
	}
	for _, tt := range tests {
		if got := normalizeDriver(tt.in); got != tt.want {
			t.Errorf("normalizeDriver(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestRebind(t *testing.T) {
	query := "SELECT id FROM task WHERE state = ? AND host_id = ?"

	tests := []struct {
		driver string
		want   string
	}{
		{"sqlite", "SELECT id FROM task WHERE state = ? AND host_id = ?"},
		{"mysql", "SELECT id FROM task WHERE state = ? AND host_id = ?"},
		{"pgx", "SELECT id FROM task WHERE state = $1 AND host_id = $2"},
		{"sqlserver", "SELECT id FROM task WHERE state = @p1 AND host_id = @p2"},
	}
	for _, tt := range tests {
		db := &DB{driver: tt.driver}
		if got := db.Rebind(query); got != tt.want {
			t.Errorf("Rebind(%s) = %q, want %q", tt.driver, got, tt.want)
		}
	}
}

func TestForUpdate(t *testing.T) {
	tests := []struct {
		driver string
		want   string
	}{
		{"sqlite", ""},
		{"libsql", ""},
		{"pgx", " FOR UPDATE"},
		{"mysql", " FOR UPDATE"},
		{"sqlserver", " FOR UPDATE"},
	}
	for _, tt := range tests {
		db := &DB{driver: tt.driver}
		if got := db.ForUpdate(); got != tt.want {
			t.Errorf("ForUpdate(%s) = %q, want %q", tt.driver, got, tt.want)
		}
	}
}

func TestTimestampRoundTrip(t *testing.T) {
	orig := time.Date(2024, 6, 15, 12, 30, 45, 500000000, time.UTC)
	got := FromTS(TS(orig))
	if d := got.Sub(orig); math.Abs(float64(d)) > float64(time.Millisecond) {
		t.Errorf("Round trip drifted by %v", d)
	}
}

func TestNullTS(t *testing.T) {
	if v := NullTS(nil); v != nil {
		t.Errorf("Expected nil for nil time, got %v", v)
	}
	now := time.Now()
	v, ok := NullTS(&now).(float64)
	if !ok {
		t.Fatalf("Expected float64, got %T", NullTS(&now))
	}
	if math.Abs(v-TS(now)) > 0.001 {
		t.Errorf("Expected %v, got %v", TS(now), v)
	}
}

func TestMigrations(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	m := NewMigrator(db)
	if err := m.Migrate(ctx); err != nil {
		t.Fatalf("Migrate failed: %v", err)
	}

	version, err := m.Version(ctx)
	if err != nil {
		t.Fatalf("Version failed: %v", err)
	}
	if version != 13 {
		t.Errorf("Expected schema version 13, got %d", version)
	}

	// Re-running is a no-op
	if err := m.Migrate(ctx); err != nil {
		t.Fatalf("Second Migrate failed: %v", err)
	}

	// The core tables exist and accept rows
	for _, table := range []string{"host", "task", "scheduler_task_run",
		"scheduler_task_refusal", "scheduler_host_data",
		"scheduler_log_messages", "scheduler_locks", "scheduler_state"} {
		var n int
		row := db.QueryRow(ctx, "SELECT COUNT(*) FROM "+table)
		if err := row.Scan(&n); err != nil {
			t.Errorf("Table %s not queryable: %v", table, err)
		}
	}
}

func TestAcquireLock(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	if err := NewMigrator(db).Migrate(ctx); err != nil {
		t.Fatalf("Migrate failed: %v", err)
	}

	acquired, err := db.AcquireLock(ctx, "scheduler", "node-a", time.Minute)
	if err != nil {
		t.Fatalf("AcquireLock failed: %v", err)
	}
	if !acquired {
		t.Fatal("Expected node-a to acquire the lock")
	}

	// A second owner is blocked
	acquired, err = db.AcquireLock(ctx, "scheduler", "node-b", time.Minute)
	if err != nil {
		t.Fatalf("AcquireLock failed: %v", err)
	}
	if acquired {
		t.Error("Expected node-b to be blocked")
	}

	holder, err := db.LockHolder(ctx, "scheduler")
	if err != nil {
		t.Fatalf("LockHolder failed: %v", err)
	}
	if holder != "node-a" {
		t.Errorf("Expected holder node-a, got %q", holder)
	}

	// Re-entrant acquisition extends the TTL
	acquired, err = db.AcquireLock(ctx, "scheduler", "node-a", time.Minute)
	if err != nil {
		t.Fatalf("Re-acquire failed: %v", err)
	}
	if !acquired {
		t.Error("Expected node-a to re-acquire its own lock")
	}

	// Release frees it for the other node
	if err := db.ReleaseLock(ctx, "scheduler", "node-a"); err != nil {
		t.Fatalf("ReleaseLock failed: %v", err)
	}
	acquired, err = db.AcquireLock(ctx, "scheduler", "node-b", time.Minute)
	if err != nil {
		t.Fatalf("AcquireLock failed: %v", err)
	}
	if !acquired {
		t.Error("Expected node-b to acquire after release")
	}
}

func TestAcquireLockExpiry(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	if err := NewMigrator(db).Migrate(ctx); err != nil {
		t.Fatalf("Migrate failed: %v", err)
	}

	// A crashed holder's lock expires and can be taken over
	acquired, err := db.AcquireLock(ctx, "scheduler", "dead-node", 10*time.Millisecond)
	if err != nil || !acquired {
		t.Fatalf("Initial acquire: acquired=%v err=%v", acquired, err)
	}
	time.Sleep(50 * time.Millisecond)

	acquired, err = db.AcquireLock(ctx, "scheduler", "live-node", time.Minute)
	if err != nil {
		t.Fatalf("Takeover failed: %v", err)
	}
	if !acquired {
		t.Error("Expected expired lock to be taken over")
	}

	holder, _ := db.LockHolder(ctx, "scheduler")
	if holder != "live-node" {
		t.Errorf("Expected holder live-node, got %q", holder)
	}
}

func TestReleaseLockWrongOwner(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	if err := NewMigrator(db).Migrate(ctx); err != nil {
		t.Fatalf("Migrate failed: %v", err)
	}

	if acquired, _ := db.AcquireLock(ctx, "scheduler", "node-a", time.Minute); !acquired {
		t.Fatal("Expected node-a to acquire")
	}

	// Releasing someone else's lock is a silent no-op
	if err := db.ReleaseLock(ctx, "scheduler", "node-b"); err != nil {
		t.Fatalf("ReleaseLock failed: %v", err)
	}
	holder, _ := db.LockHolder(ctx, "scheduler")
	if holder != "node-a" {
		t.Errorf("Expected node-a to keep the lock, got %q", holder)
	}
}

func TestAcquireLockSurfacesDatabaseErrors(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	if err := NewMigrator(db).Migrate(ctx); err != nil {
		t.Fatalf("Migrate failed: %v", err)
	}

	// A broken lock table must surface as an error, never as "lock busy"
	if _, err := db.Exec(ctx, "DROP TABLE scheduler_locks"); err != nil {
		t.Fatalf("Failed to drop lock table: %v", err)
	}
	if _, err := db.AcquireLock(ctx, "scheduler", "node-a", time.Minute); err == nil {
		t.Error("Expected an error from AcquireLock with no lock table")
	}
}

func TestLockHolderFree(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	if err := NewMigrator(db).Migrate(ctx); err != nil {
		t.Fatalf("Migrate failed: %v", err)
	}

	holder, err := db.LockHolder(ctx, "scheduler")
	if err != nil {
		t.Fatalf("LockHolder failed: %v", err)
	}
	if holder != "" {
		t.Errorf("Expected no holder, got %q", holder)
	}
}
