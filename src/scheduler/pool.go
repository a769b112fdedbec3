package scheduler

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/apimgr/buildhub/src/database"
	"github.com/apimgr/buildhub/src/model"
)

// activeRun joins a non-terminal run with its task row
type activeRun struct {
	Run  model.TaskRun
	Task model.Task
}

// freeTasks enumerates assignment candidates: free tasks with no active
// run, in authoritative order (priority, create_ts, id). Tasks stored
// without a weight get the method default.
func (s *Scheduler) freeTasks(ctx context.Context) ([]*model.Task, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, method, channel_id, arch, weight, priority, state,
		       owner, parent, host_id, create_ts
		FROM task
		WHERE state = ?
		  AND NOT EXISTS (
			SELECT 1 FROM scheduler_task_run r
			WHERE r.task_id = task.id AND r.state IN (?, ?)
		  )
		ORDER BY priority ASC, create_ts ASC, id ASC`,
		string(model.TaskFree), string(model.RunAssigned), string(model.RunRunning))
	if err != nil {
		return nil, fmt.Errorf("failed to load free tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*model.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		if t.Weight <= 0 {
			t.Weight = s.cfg.MethodWeight(t.Method)
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// activeRuns loads all runs in assigned or running state with their tasks
func (s *Scheduler) activeRuns(ctx context.Context) ([]*activeRun, error) {
	rows, err := s.db.Query(ctx, `
		SELECT r.id, r.task_id, r.host_id, r.state, r.create_ts, r.start_ts, r.end_ts,
		       t.id, t.method, t.channel_id, t.arch, t.weight, t.priority, t.state,
		       t.owner, t.parent, t.host_id, t.create_ts
		FROM scheduler_task_run r
		JOIN task t ON t.id = r.task_id
		WHERE r.state IN (?, ?)
		ORDER BY r.id`,
		string(model.RunAssigned), string(model.RunRunning))
	if err != nil {
		return nil, fmt.Errorf("failed to load active runs: %w", err)
	}
	defer rows.Close()

	var result []*activeRun
	for rows.Next() {
		var ar activeRun
		var runState, taskState string
		var createTS float64
		var startTS, endTS sql.NullFloat64
		var parent, hostID sql.NullInt64
		var taskCreateTS float64
		if err := rows.Scan(
			&ar.Run.ID, &ar.Run.TaskID, &ar.Run.HostID, &runState, &createTS, &startTS, &endTS,
			&ar.Task.ID, &ar.Task.Method, &ar.Task.ChannelID, &ar.Task.Arch,
			&ar.Task.Weight, &ar.Task.Priority, &taskState,
			&ar.Task.Owner, &parent, &hostID, &taskCreateTS); err != nil {
			return nil, fmt.Errorf("failed to scan active run: %w", err)
		}
		ar.Run.State = model.RunState(runState)
		ar.Run.CreateTime = database.FromTS(createTS)
		ar.Run.StartTime = database.FromNullTS(startTS)
		ar.Run.EndTime = database.FromNullTS(endTS)
		ar.Task.State = model.TaskState(taskState)
		ar.Task.CreateTime = database.FromTS(taskCreateTS)
		if parent.Valid {
			v := parent.Int64
			ar.Task.Parent = &v
		}
		if hostID.Valid {
			v := hostID.Int64
			ar.Task.HostID = &v
		}
		result = append(result, &ar)
	}
	return result, rows.Err()
}

// checkActiveTasks reconciles the active-run set:
//   - assigned runs the host never opened within assign_timeout are
//     overridden, the task freed, and a soft refusal recorded so the
//     same host is not immediately re-picked
//   - task rows whose host_id disagrees with the active run are fixed
//     up from the run, which is ground truth
func (s *Scheduler) checkActiveTasks(ctx context.Context, now time.Time, runs []*activeRun, reg *registry, refusals refusalIndex, handled map[int64]bool) error {
	for _, ar := range runs {
		if handled[ar.Run.ID] {
			continue
		}

		if ar.Run.State == model.RunAssigned &&
			now.Sub(ar.Run.CreateTime) > s.cfg.AssignTimeoutDuration() {
			name := ""
			if h, ok := reg.byID[ar.Run.HostID]; ok {
				name = h.Name
			}
			log.Printf("[Scheduler] Host %d never opened task %d, freeing", ar.Run.HostID, ar.Task.ID)
			if err := s.overrideAndFree(ctx, now, ar, name, "assign timeout"); err != nil {
				return err
			}
			if err := s.setRefusalTx(ctx, s.db.SQL(), ar.Run.HostID, ar.Task.ID, true, false, "assign timeout", now); err != nil {
				return err
			}
			// The freed task must not bounce back to the same host within
			// this tick, so the snapshot learns the refusal too
			if refusals[ar.Task.ID] == nil {
				refusals[ar.Task.ID] = make(map[int64]*model.Refusal)
			}
			refusals[ar.Task.ID][ar.Run.HostID] = &model.Refusal{
				HostID: ar.Run.HostID,
				TaskID: ar.Task.ID,
				Soft:   true,
				Msg:    "assign timeout",
				Time:   now,
			}
			handled[ar.Run.ID] = true
			s.metrics.AssignTimeouts.Add(1)
			continue
		}

		if ar.Task.HostID == nil || *ar.Task.HostID != ar.Run.HostID {
			// The run is ground truth; reconcile the task row
			if _, err := s.db.Exec(ctx,
				"UPDATE task SET host_id = ? WHERE id = ? AND state IN (?, ?)",
				ar.Run.HostID, ar.Task.ID,
				string(model.TaskAssigned), string(model.TaskOpen)); err != nil {
				return fmt.Errorf("failed to reconcile task %d host: %w", ar.Task.ID, err)
			}
		}
	}
	return nil
}

// overrideAndFree marks a run overridden and returns its task to free in
// one transaction, logging the event.
func (s *Scheduler) overrideAndFree(ctx context.Context, now time.Time, ar *activeRun, hostName, reason string) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin override: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, s.db.Rebind(
		"UPDATE scheduler_task_run SET state = ?, end_ts = ? WHERE id = ? AND state IN (?, ?)"),
		string(model.RunOverride), database.TS(now), ar.Run.ID,
		string(model.RunAssigned), string(model.RunRunning)); err != nil {
		return fmt.Errorf("failed to override run %d: %w", ar.Run.ID, err)
	}

	if _, err := tx.ExecContext(ctx, s.db.Rebind(
		"UPDATE task SET state = ?, host_id = NULL WHERE id = ? AND state IN (?, ?)"),
		string(model.TaskFree), ar.Task.ID,
		string(model.TaskAssigned), string(model.TaskOpen)); err != nil {
		return fmt.Errorf("failed to free task %d: %w", ar.Task.ID, err)
	}

	if err := s.logMessageTx(ctx, tx, &ar.Task.ID, &ar.Run.HostID, hostName,
		fmt.Sprintf("run %d overridden (%s), task returned to free", ar.Run.ID, reason), now); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit override: %w", err)
	}
	s.metrics.Overrides.Add(1)
	return nil
}

// scanTask reads one task row
func scanTask(rows *sql.Rows) (*model.Task, error) {
	var t model.Task
	var state string
	var parent, hostID sql.NullInt64
	var createTS float64
	if err := rows.Scan(&t.ID, &t.Method, &t.ChannelID, &t.Arch, &t.Weight,
		&t.Priority, &state, &t.Owner, &parent, &hostID, &createTS); err != nil {
		return nil, fmt.Errorf("failed to scan task row: %w", err)
	}
	t.State = model.TaskState(state)
	t.CreateTime = database.FromTS(createTS)
	if parent.Valid {
		v := parent.Int64
		t.Parent = &v
	}
	if hostID.Valid {
		v := hostID.Int64
		t.HostID = &v
	}
	return &t, nil
}

// GetTask returns one task row by id
func (s *Scheduler) GetTask(ctx context.Context, taskID int64) (*model.Task, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, method, channel_id, arch, weight, priority, state,
		       owner, parent, host_id, create_ts
		FROM task
		WHERE id = ?`, taskID)
	if err != nil {
		return nil, fmt.Errorf("failed to query task: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, err
		}
		return nil, model.Faultf(model.FaultNotFound, "task %d not found", taskID)
	}
	return scanTask(rows)
}

func isNoRows(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}

func isFault(err error, code int) bool {
	var me *model.Error
	return errors.As(err, &me) && me.Code == code
}
