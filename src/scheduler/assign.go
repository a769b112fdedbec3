package scheduler

import (
	"context"
	"database/sql"
	"fmt"
	"log"

	"github.com/apimgr/buildhub/src/database"
	"github.com/apimgr/buildhub/src/model"
)

// assign commits a single (task, host) pairing atomically:
//
//  1. re-read the task row under a row lock
//  2. fail unless the task is free (or override is set)
//  3. override any active run
//  4. insert the new run in assigned state
//  5. move the task to assigned and record the host
//  6. log the event
//
// A lost race surfaces as FaultTaskAlreadyAssigned; the caller decides
// whether that is fatal.
func (s *Scheduler) assign(ctx context.Context, task *model.Task, hostID int64, override bool) error {
	now := s.now()

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin assignment: %w", err)
	}
	defer tx.Rollback()

	var state string
	row := tx.QueryRowContext(ctx,
		s.db.Rebind("SELECT state FROM task WHERE id = ?")+s.db.ForUpdate(), task.ID)
	if err := row.Scan(&state); err != nil {
		if isNoRows(err) {
			return model.Faultf(model.FaultNotFound, "task %d not found", task.ID)
		}
		return fmt.Errorf("failed to re-read task %d: %w", task.ID, err)
	}
	if model.TaskState(state) != model.TaskFree && !override {
		return model.ErrTaskAlreadyAssigned
	}

	// A new active run implicitly overrides a prior one
	var runID, runHost int64
	err = tx.QueryRowContext(ctx, s.db.Rebind(
		"SELECT id, host_id FROM scheduler_task_run WHERE task_id = ? AND state IN (?, ?)"),
		task.ID, string(model.RunAssigned), string(model.RunRunning)).Scan(&runID, &runHost)
	switch {
	case err == nil:
		if !override {
			return model.ErrTaskAlreadyAssigned
		}
		if _, err := tx.ExecContext(ctx, s.db.Rebind(
			"UPDATE scheduler_task_run SET state = ?, end_ts = ? WHERE id = ?"),
			string(model.RunOverride), database.TS(now), runID); err != nil {
			return fmt.Errorf("failed to override run %d: %w", runID, err)
		}
		s.metrics.Overrides.Add(1)
	case isNoRows(err):
		// No active run
	default:
		return fmt.Errorf("failed to check active run for task %d: %w", task.ID, err)
	}

	if _, err := tx.ExecContext(ctx, s.db.Rebind(
		"INSERT INTO scheduler_task_run (task_id, host_id, state, create_ts) VALUES (?, ?, ?, ?)"),
		task.ID, hostID, string(model.RunAssigned), database.TS(now)); err != nil {
		return fmt.Errorf("failed to insert run for task %d: %w", task.ID, err)
	}

	if _, err := tx.ExecContext(ctx, s.db.Rebind(
		"UPDATE task SET state = ?, host_id = ? WHERE id = ?"),
		string(model.TaskAssigned), hostID, task.ID); err != nil {
		return fmt.Errorf("failed to update task %d: %w", task.ID, err)
	}

	if err := s.logMessageTx(ctx, tx, &task.ID, &hostID, "",
		fmt.Sprintf("task assigned to host %d (method %s, weight %.2f)", hostID, task.Method, task.Weight), now); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit assignment: %w", err)
	}
	return nil
}

// AssignTask is the administrative assignment RPC. force bypasses the
// host eligibility checks; override supersedes an existing assignment.
func (s *Scheduler) AssignTask(ctx context.Context, taskID, hostID int64, force, override bool) error {
	task, err := s.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	host, err := s.GetHost(ctx, hostID)
	if err != nil {
		return err
	}

	if task.Weight <= 0 {
		task.Weight = s.cfg.MethodWeight(task.Method)
	}

	if !force {
		now := s.now()
		if !host.Ready || !host.Enabled {
			return model.Faultf(model.FaultBadState, "host %d is not ready", hostID)
		}
		if now.Sub(host.LastUpdate) > s.cfg.ReadyTimeoutDuration() {
			return model.Faultf(model.FaultBadState, "host %d heartbeat is stale", hostID)
		}
		if !host.CanHandle(task) {
			return model.Faultf(model.FaultBadState,
				"host %d cannot handle bin %s", hostID, task.Bin())
		}
		refused, err := s.hasActiveRefusal(ctx, hostID, taskID, now)
		if err != nil {
			return err
		}
		if refused {
			return model.Faultf(model.FaultBadState,
				"host %d has refused task %d", hostID, taskID)
		}
		if host.TaskLoad+task.Weight > host.Capacity+s.cfg.CapacityOvercommit {
			return model.Faultf(model.FaultBadState, "host %d is over capacity", hostID)
		}
	}

	if err := s.assign(ctx, task, hostID, override); err != nil {
		return err
	}
	s.metrics.Assignments.Add(1)
	log.Printf("[Scheduler] Task %d assigned to host %d (force=%v override=%v)", taskID, hostID, force, override)
	return nil
}

// OpenTask transitions a task from assigned to open on behalf of a host.
// Only the host named by the active run may open the task.
func (s *Scheduler) OpenTask(ctx context.Context, taskID, hostID int64) error {
	now := s.now()

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin open: %w", err)
	}
	defer tx.Rollback()

	var state string
	row := tx.QueryRowContext(ctx,
		s.db.Rebind("SELECT state FROM task WHERE id = ?")+s.db.ForUpdate(), taskID)
	if err := row.Scan(&state); err != nil {
		if isNoRows(err) {
			return model.Faultf(model.FaultNotFound, "task %d not found", taskID)
		}
		return fmt.Errorf("failed to read task %d: %w", taskID, err)
	}
	if model.TaskState(state) != model.TaskAssigned {
		return model.Faultf(model.FaultBadState,
			"task %d is %s, not %s", taskID, state, model.TaskAssigned)
	}

	var runID, runHost int64
	err = tx.QueryRowContext(ctx, s.db.Rebind(
		"SELECT id, host_id FROM scheduler_task_run WHERE task_id = ? AND state IN (?, ?)"),
		taskID, string(model.RunAssigned), string(model.RunRunning)).Scan(&runID, &runHost)
	if err != nil {
		if isNoRows(err) {
			return model.Faultf(model.FaultBadState, "task %d has no active run", taskID)
		}
		return fmt.Errorf("failed to read run for task %d: %w", taskID, err)
	}
	if runHost != hostID {
		return model.ErrWrongHost
	}

	if _, err := tx.ExecContext(ctx, s.db.Rebind(
		"UPDATE scheduler_task_run SET state = ?, start_ts = ? WHERE id = ?"),
		string(model.RunRunning), database.TS(now), runID); err != nil {
		return fmt.Errorf("failed to start run %d: %w", runID, err)
	}
	if _, err := tx.ExecContext(ctx, s.db.Rebind(
		"UPDATE task SET state = ? WHERE id = ?"),
		string(model.TaskOpen), taskID); err != nil {
		return fmt.Errorf("failed to open task %d: %w", taskID, err)
	}
	if err := s.logMessageTx(ctx, tx, &taskID, &hostID, "",
		fmt.Sprintf("task opened by host %d", hostID), now); err != nil {
		return err
	}
	return tx.Commit()
}

// CloseTask finishes a task on behalf of its host. state must be a
// terminal task state; the active run is closed to match and the task's
// refusal history is purged.
func (s *Scheduler) CloseTask(ctx context.Context, taskID, hostID int64, state model.TaskState) error {
	if !state.Terminal() {
		return model.Faultf(model.FaultBadRequest, "%s is not a terminal state", state)
	}
	runState := model.RunDone
	if state != model.TaskClosed {
		runState = model.RunFail
	}
	now := s.now()

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin close: %w", err)
	}
	defer tx.Rollback()

	var cur string
	row := tx.QueryRowContext(ctx,
		s.db.Rebind("SELECT state FROM task WHERE id = ?")+s.db.ForUpdate(), taskID)
	if err := row.Scan(&cur); err != nil {
		if isNoRows(err) {
			return model.Faultf(model.FaultNotFound, "task %d not found", taskID)
		}
		return fmt.Errorf("failed to read task %d: %w", taskID, err)
	}
	if model.TaskState(cur).Terminal() {
		return model.Faultf(model.FaultBadState, "task %d is already %s", taskID, cur)
	}

	var runID, runHost int64
	err = tx.QueryRowContext(ctx, s.db.Rebind(
		"SELECT id, host_id FROM scheduler_task_run WHERE task_id = ? AND state IN (?, ?)"),
		taskID, string(model.RunAssigned), string(model.RunRunning)).Scan(&runID, &runHost)
	switch {
	case err == nil:
		if runHost != hostID {
			return model.ErrWrongHost
		}
		if _, err := tx.ExecContext(ctx, s.db.Rebind(
			"UPDATE scheduler_task_run SET state = ?, end_ts = ? WHERE id = ?"),
			string(runState), database.TS(now), runID); err != nil {
			return fmt.Errorf("failed to close run %d: %w", runID, err)
		}
	case isNoRows(err):
		// Closing without an active run is allowed for operator cleanup
	default:
		return fmt.Errorf("failed to read run for task %d: %w", taskID, err)
	}

	if _, err := tx.ExecContext(ctx, s.db.Rebind(
		"UPDATE task SET state = ? WHERE id = ?"),
		string(state), taskID); err != nil {
		return fmt.Errorf("failed to close task %d: %w", taskID, err)
	}

	// Terminal tasks drop their refusal history
	if _, err := tx.ExecContext(ctx, s.db.Rebind(
		"DELETE FROM scheduler_task_refusal WHERE task_id = ?"), taskID); err != nil {
		return fmt.Errorf("failed to purge refusals for task %d: %w", taskID, err)
	}

	if err := s.logMessageTx(ctx, tx, &taskID, &hostID, "",
		fmt.Sprintf("task closed as %s by host %d", state, hostID), now); err != nil {
		return err
	}
	return tx.Commit()
}

// FreeTask returns a task to the free state, overriding any active run.
// Used for resubmission and operator recovery; the next tick observes the
// task like any other free task.
func (s *Scheduler) FreeTask(ctx context.Context, taskID int64) error {
	now := s.now()

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin free: %w", err)
	}
	defer tx.Rollback()

	var cur string
	row := tx.QueryRowContext(ctx,
		s.db.Rebind("SELECT state FROM task WHERE id = ?")+s.db.ForUpdate(), taskID)
	if err := row.Scan(&cur); err != nil {
		if isNoRows(err) {
			return model.Faultf(model.FaultNotFound, "task %d not found", taskID)
		}
		return fmt.Errorf("failed to read task %d: %w", taskID, err)
	}

	if _, err := tx.ExecContext(ctx, s.db.Rebind(
		"UPDATE scheduler_task_run SET state = ?, end_ts = ? WHERE task_id = ? AND state IN (?, ?)"),
		string(model.RunOverride), database.TS(now), taskID,
		string(model.RunAssigned), string(model.RunRunning)); err != nil {
		return fmt.Errorf("failed to override runs for task %d: %w", taskID, err)
	}

	if _, err := tx.ExecContext(ctx, s.db.Rebind(
		"UPDATE task SET state = ?, host_id = NULL WHERE id = ?"),
		string(model.TaskFree), taskID); err != nil {
		return fmt.Errorf("failed to free task %d: %w", taskID, err)
	}

	if err := s.logMessageTx(ctx, tx, &taskID, nil, "",
		fmt.Sprintf("task freed (was %s)", cur), now); err != nil {
		return err
	}
	return tx.Commit()
}

// runRowScanner is satisfied by *sql.Row and *sql.Rows
type runRowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRun(sc runRowScanner) (*model.TaskRun, error) {
	var r model.TaskRun
	var state string
	var createTS float64
	var startTS, endTS sql.NullFloat64
	if err := sc.Scan(&r.ID, &r.TaskID, &r.HostID, &state, &createTS, &startTS, &endTS); err != nil {
		return nil, err
	}
	r.State = model.RunState(state)
	r.CreateTime = database.FromTS(createTS)
	r.StartTime = database.FromNullTS(startTS)
	r.EndTime = database.FromNullTS(endTS)
	return &r, nil
}
