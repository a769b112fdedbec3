package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Advisory locking over a dedicated table. A lock is a row keyed by name;
// acquisition is a conditional insert guarded by a TTL sweep, so a crashed
// holder frees the lock after expires_at. The scheduler takes the
// "scheduler" lock for the duration of one tick.

// AcquireLock attempts to take the named lock for owner. It returns false
// without error when another live owner holds it.
func (db *DB) AcquireLock(ctx context.Context, name, owner string, ttl time.Duration) (bool, error) {
	now := time.Now()
	expires := now.Add(ttl)

	// Sweep an expired holder first
	if _, err := db.Exec(ctx,
		"DELETE FROM scheduler_locks WHERE name = ? AND expires_at < ?",
		name, TS(now)); err != nil {
		return false, fmt.Errorf("failed to sweep expired lock: %w", err)
	}

	res, err := db.insertLock(ctx, name, owner, now, expires)
	if err == nil {
		if n, _ := res.RowsAffected(); n > 0 {
			return true, nil
		}
	}
	// Insert conflicts mean the row exists; fall through and inspect it

	var holder string
	row := db.QueryRow(ctx, "SELECT owner FROM scheduler_locks WHERE name = ?", name)
	if err := row.Scan(&holder); err != nil {
		if err == sql.ErrNoRows {
			// Holder vanished between sweep and insert; one retry
			res, err := db.insertLock(ctx, name, owner, now, expires)
			if err != nil {
				return false, fmt.Errorf("failed to retry lock insert: %w", err)
			}
			n, _ := res.RowsAffected()
			return n > 0, nil
		}
		return false, fmt.Errorf("failed to read lock row: %w", err)
	}

	if holder == owner {
		// Re-entrant acquisition extends the TTL
		_, err := db.Exec(ctx,
			"UPDATE scheduler_locks SET expires_at = ? WHERE name = ? AND owner = ?",
			TS(expires), name, owner)
		if err != nil {
			return false, fmt.Errorf("failed to extend lock: %w", err)
		}
		return true, nil
	}
	return false, nil
}

// insertLock performs the driver-appropriate conditional insert
func (db *DB) insertLock(ctx context.Context, name, owner string, now, expires time.Time) (sql.Result, error) {
	var query string
	switch db.driver {
	case "sqlite", "libsql":
		query = "INSERT OR IGNORE INTO scheduler_locks (name, owner, acquired_at, expires_at) VALUES (?, ?, ?, ?)"
	case "pgx":
		query = "INSERT INTO scheduler_locks (name, owner, acquired_at, expires_at) VALUES (?, ?, ?, ?) ON CONFLICT (name) DO NOTHING"
	case "mysql":
		query = "INSERT IGNORE INTO scheduler_locks (name, owner, acquired_at, expires_at) VALUES (?, ?, ?, ?)"
	default:
		// Plain insert; a duplicate-key error reads as "not acquired"
		query = "INSERT INTO scheduler_locks (name, owner, acquired_at, expires_at) VALUES (?, ?, ?, ?)"
	}
	return db.Exec(ctx, query, name, owner, TS(now), TS(expires))
}

// ReleaseLock drops the named lock if owner still holds it
func (db *DB) ReleaseLock(ctx context.Context, name, owner string) error {
	_, err := db.Exec(ctx,
		"DELETE FROM scheduler_locks WHERE name = ? AND owner = ?",
		name, owner)
	return err
}

// LockHolder returns the current owner of the named lock, or "" when free
func (db *DB) LockHolder(ctx context.Context, name string) (string, error) {
	var holder string
	row := db.QueryRow(ctx,
		"SELECT owner FROM scheduler_locks WHERE name = ? AND expires_at >= ?",
		name, TS(time.Now()))
	if err := row.Scan(&holder); err != nil {
		if err == sql.ErrNoRows {
			return "", nil
		}
		return "", err
	}
	return holder, nil
}
