package scheduler

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/apimgr/buildhub/src/database"
	"github.com/apimgr/buildhub/src/model"
)

// refusalIndex is the per-tick snapshot of the refusal ledger, keyed by
// task then host.
type refusalIndex map[int64]map[int64]*model.Refusal

// active reports whether (host, task) is blocked at now. Hard refusals
// never expire; soft refusals lapse after the configured timeout but the
// rows stay until the task terminates so operators can inspect history.
func (idx refusalIndex) active(hostID, taskID int64, now time.Time, softTimeout time.Duration) bool {
	byHost, ok := idx[taskID]
	if !ok {
		return false
	}
	r, ok := byHost[hostID]
	if !ok {
		return false
	}
	return r.ActiveAt(now, softTimeout)
}

// loadRefusals snapshots the whole ledger for one tick
func (s *Scheduler) loadRefusals(ctx context.Context) (refusalIndex, error) {
	rows, err := s.db.Query(ctx,
		"SELECT host_id, task_id, soft, by_host, msg, ts FROM scheduler_task_refusal")
	if err != nil {
		return nil, fmt.Errorf("failed to load refusals: %w", err)
	}
	defer rows.Close()

	idx := make(refusalIndex)
	for rows.Next() {
		r, err := scanRefusal(rows)
		if err != nil {
			return nil, err
		}
		if idx[r.TaskID] == nil {
			idx[r.TaskID] = make(map[int64]*model.Refusal)
		}
		idx[r.TaskID][r.HostID] = r
	}
	return idx, rows.Err()
}

// SetRefusal records or replaces the (host, task) refusal row
func (s *Scheduler) SetRefusal(ctx context.Context, hostID, taskID int64, soft, byHost bool, msg string) error {
	if _, err := s.GetHost(ctx, hostID); err != nil {
		return err
	}
	if _, err := s.GetTask(ctx, taskID); err != nil {
		return err
	}
	if err := s.setRefusalTx(ctx, s.db.SQL(), hostID, taskID, soft, byHost, msg, s.now()); err != nil {
		return err
	}
	s.metrics.Refusals.Add(1)
	return nil
}

// execer is satisfied by *sql.DB and *sql.Tx
type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

// setRefusalTx upserts a refusal row as delete-plus-insert, which stays
// portable across drivers.
func (s *Scheduler) setRefusalTx(ctx context.Context, e execer, hostID, taskID int64, soft, byHost bool, msg string, now time.Time) error {
	if _, err := e.ExecContext(ctx, s.db.Rebind(
		"DELETE FROM scheduler_task_refusal WHERE host_id = ? AND task_id = ?"),
		hostID, taskID); err != nil {
		return fmt.Errorf("failed to clear refusal (%d, %d): %w", hostID, taskID, err)
	}
	if _, err := e.ExecContext(ctx, s.db.Rebind(
		"INSERT INTO scheduler_task_refusal (host_id, task_id, soft, by_host, msg, ts) VALUES (?, ?, ?, ?, ?, ?)"),
		hostID, taskID, soft, byHost, msg, database.TS(now)); err != nil {
		return fmt.Errorf("failed to record refusal (%d, %d): %w", hostID, taskID, err)
	}
	return nil
}

// hasActiveRefusal checks a single (host, task) pair against the ledger
func (s *Scheduler) hasActiveRefusal(ctx context.Context, hostID, taskID int64, now time.Time) (bool, error) {
	rows, err := s.db.Query(ctx,
		"SELECT host_id, task_id, soft, by_host, msg, ts FROM scheduler_task_refusal WHERE host_id = ? AND task_id = ?",
		hostID, taskID)
	if err != nil {
		return false, fmt.Errorf("failed to query refusal: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		return false, rows.Err()
	}
	r, err := scanRefusal(rows)
	if err != nil {
		return false, err
	}
	return r.ActiveAt(now, s.cfg.SoftRefusalTimeoutDuration()), nil
}

// RefusalFilter narrows GetTaskRefusals results
type RefusalFilter struct {
	TaskID *int64
	HostID *int64
}

// GetTaskRefusals returns refusal rows, optionally filtered
func (s *Scheduler) GetTaskRefusals(ctx context.Context, filter RefusalFilter) ([]*model.Refusal, error) {
	query := "SELECT host_id, task_id, soft, by_host, msg, ts FROM scheduler_task_refusal WHERE 1=1"
	var args []interface{}
	if filter.TaskID != nil {
		query += " AND task_id = ?"
		args = append(args, *filter.TaskID)
	}
	if filter.HostID != nil {
		query += " AND host_id = ?"
		args = append(args, *filter.HostID)
	}
	query += " ORDER BY ts DESC"

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query refusals: %w", err)
	}
	defer rows.Close()

	var result []*model.Refusal
	for rows.Next() {
		r, err := scanRefusal(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, r)
	}
	return result, rows.Err()
}

func scanRefusal(rows *sql.Rows) (*model.Refusal, error) {
	var r model.Refusal
	var msg sql.NullString
	var ts float64
	if err := rows.Scan(&r.HostID, &r.TaskID, &r.Soft, &r.ByHost, &msg, &ts); err != nil {
		return nil, fmt.Errorf("failed to scan refusal row: %w", err)
	}
	r.Msg = msg.String
	r.Time = database.FromTS(ts)
	return &r, nil
}
