package scheduler

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/apimgr/buildhub/src/database"
	"github.com/apimgr/buildhub/src/model"
)

// Host-facing and operator-facing operations behind the RPC surface.
// These run concurrently with the scheduling loop and only touch
// individual rows.

// GetTasksForHost returns the host's assigned tasks and refreshes its
// heartbeat in the same transaction, so a polling host is immediately
// visible as fresh. Safe to call frequently; state-idempotent.
func (s *Scheduler) GetTasksForHost(ctx context.Context, hostID int64) ([]*model.Task, error) {
	now := s.now()

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin heartbeat: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, s.db.Rebind(
		"UPDATE host SET last_update = ? WHERE id = ?"),
		database.TS(now), hostID)
	if err != nil {
		return nil, fmt.Errorf("failed to update host %d heartbeat: %w", hostID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, model.Faultf(model.FaultNotFound, "host %d not found", hostID)
	}

	rows, err := tx.QueryContext(ctx, s.db.Rebind(`
		SELECT id, method, channel_id, arch, weight, priority, state,
		       owner, parent, host_id, create_ts
		FROM task
		WHERE host_id = ? AND state = ?
		ORDER BY priority ASC, create_ts ASC, id ASC`),
		hostID, string(model.TaskAssigned))
	if err != nil {
		return nil, fmt.Errorf("failed to query tasks for host %d: %w", hostID, err)
	}

	var tasks []*model.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		tasks = append(tasks, t)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit heartbeat: %w", err)
	}
	return tasks, nil
}

// SetHostData stores a host's self-report and folds the recognized keys
// into the host row so the next tick observes them. No scheduling
// decision is taken here.
func (s *Scheduler) SetHostData(ctx context.Context, hostID int64, data map[string]interface{}) error {
	if _, err := s.GetHost(ctx, hostID); err != nil {
		return err
	}
	now := s.now()

	doc, err := json.Marshal(data)
	if err != nil {
		return model.Faultf(model.FaultBadRequest, "host data is not serializable: %v", err)
	}

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin host data update: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, s.db.Rebind(
		"DELETE FROM scheduler_host_data WHERE host_id = ?"), hostID); err != nil {
		return fmt.Errorf("failed to clear host data: %w", err)
	}
	if _, err := tx.ExecContext(ctx, s.db.Rebind(
		"INSERT INTO scheduler_host_data (host_id, data, updated) VALUES (?, ?, ?)"),
		hostID, string(doc), database.TS(now)); err != nil {
		return fmt.Errorf("failed to store host data: %w", err)
	}

	// Recognized self-report keys update the host row itself
	set := "last_update = ?"
	args := []interface{}{database.TS(now)}
	if v, ok := toFloat(data["capacity"]); ok {
		set += ", capacity = ?"
		args = append(args, v)
	}
	if v, ok := toFloat(data["task_load"]); ok {
		set += ", task_load = ?"
		args = append(args, v)
	}
	if v, ok := data["ready"].(bool); ok {
		set += ", ready = ?"
		args = append(args, v)
	}
	if v, ok := data["arches"].(string); ok {
		set += ", arches = ?"
		args = append(args, v)
	}
	if v, ok := data["channels"]; ok {
		if channels, ok := toInt64Slice(v); ok {
			enc, _ := json.Marshal(channels)
			set += ", channels = ?"
			args = append(args, string(enc))
		}
	}
	args = append(args, hostID)
	if _, err := tx.ExecContext(ctx, s.db.Rebind(
		"UPDATE host SET "+set+" WHERE id = ?"), args...); err != nil {
		return fmt.Errorf("failed to update host %d from self-report: %w", hostID, err)
	}

	return tx.Commit()
}

// toFloat coerces JSON-decoded numbers
func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

// toInt64Slice coerces a JSON-decoded array of channel ids
func toInt64Slice(v interface{}) ([]int64, bool) {
	switch arr := v.(type) {
	case []int64:
		return arr, true
	case []interface{}:
		out := make([]int64, 0, len(arr))
		for _, item := range arr {
			f, ok := toFloat(item)
			if !ok {
				return nil, false
			}
			out = append(out, int64(f))
		}
		return out, true
	}
	return nil, false
}

// GetHostData returns stored self-reports, all hosts or one
func (s *Scheduler) GetHostData(ctx context.Context, hostID *int64) ([]*model.HostData, error) {
	query := "SELECT host_id, data, updated FROM scheduler_host_data"
	var args []interface{}
	if hostID != nil {
		query += " WHERE host_id = ?"
		args = append(args, *hostID)
	}
	query += " ORDER BY host_id"

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query host data: %w", err)
	}
	defer rows.Close()

	var result []*model.HostData
	for rows.Next() {
		var hd model.HostData
		var doc string
		var updated float64
		if err := rows.Scan(&hd.HostID, &doc, &updated); err != nil {
			return nil, fmt.Errorf("failed to scan host data row: %w", err)
		}
		if err := json.Unmarshal([]byte(doc), &hd.Data); err != nil {
			return nil, fmt.Errorf("bad host data document for host %d: %w", hd.HostID, err)
		}
		hd.Updated = database.FromTS(updated)
		result = append(result, &hd)
	}
	return result, rows.Err()
}

// RunFilter narrows GetTaskRuns results
type RunFilter struct {
	TaskID *int64
	HostID *int64
	State  model.RunState
}

// GetTaskRuns returns task run rows, optionally filtered, newest first
func (s *Scheduler) GetTaskRuns(ctx context.Context, filter RunFilter) ([]*model.TaskRun, error) {
	query := "SELECT id, task_id, host_id, state, create_ts, start_ts, end_ts FROM scheduler_task_run WHERE 1=1"
	var args []interface{}
	if filter.TaskID != nil {
		query += " AND task_id = ?"
		args = append(args, *filter.TaskID)
	}
	if filter.HostID != nil {
		query += " AND host_id = ?"
		args = append(args, *filter.HostID)
	}
	if filter.State != "" {
		query += " AND state = ?"
		args = append(args, string(filter.State))
	}
	query += " ORDER BY id DESC"

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query task runs: %w", err)
	}
	defer rows.Close()

	var result []*model.TaskRun
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run row: %w", err)
		}
		result = append(result, r)
	}
	return result, rows.Err()
}

// LogFilter narrows GetLogMessages results
type LogFilter struct {
	TaskID *int64
	HostID *int64
	Limit  int
}

// GetLogMessages returns scheduler event log rows, newest first
func (s *Scheduler) GetLogMessages(ctx context.Context, filter LogFilter) ([]*model.LogMessage, error) {
	query := "SELECT id, ts, task_id, host_id, host_name, msg FROM scheduler_log_messages WHERE 1=1"
	var args []interface{}
	if filter.TaskID != nil {
		query += " AND task_id = ?"
		args = append(args, *filter.TaskID)
	}
	if filter.HostID != nil {
		query += " AND host_id = ?"
		args = append(args, *filter.HostID)
	}
	query += " ORDER BY id DESC"
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += " LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query log messages: %w", err)
	}
	defer rows.Close()

	var result []*model.LogMessage
	for rows.Next() {
		var lm model.LogMessage
		var ts float64
		var taskID, hostID sql.NullInt64
		var hostName sql.NullString
		if err := rows.Scan(&lm.ID, &ts, &taskID, &hostID, &hostName, &lm.Msg); err != nil {
			return nil, fmt.Errorf("failed to scan log row: %w", err)
		}
		lm.Time = database.FromTS(ts)
		if taskID.Valid {
			v := taskID.Int64
			lm.TaskID = &v
		}
		if hostID.Valid {
			v := hostID.Int64
			lm.HostID = &v
		}
		lm.HostName = hostName.String
		result = append(result, &lm)
	}
	return result, rows.Err()
}

// logMessageTx appends one scheduler event row inside a transaction
func (s *Scheduler) logMessageTx(ctx context.Context, e execer, taskID, hostID *int64, hostName, msg string, now time.Time) error {
	var tid, hid interface{}
	if taskID != nil {
		tid = *taskID
	}
	if hostID != nil {
		hid = *hostID
	}
	if _, err := e.ExecContext(ctx, s.db.Rebind(
		"INSERT INTO scheduler_log_messages (ts, task_id, host_id, host_name, msg) VALUES (?, ?, ?, ?, ?)"),
		database.TS(now), tid, hid, hostName, msg); err != nil {
		return fmt.Errorf("failed to append log message: %w", err)
	}
	return nil
}
