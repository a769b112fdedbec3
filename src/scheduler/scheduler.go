// Package scheduler implements the hub task scheduler: the periodic tick
// that matches free build tasks to ready hosts, the transactional
// assignment engine, and the host-facing operations the RPC layer exposes.
//
// All scheduling decisions happen inside the process that holds the
// "scheduler" advisory lock, one tick at a time. Host RPCs run
// concurrently and touch individual rows only.
package scheduler

import (
	"context"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/apimgr/buildhub/src/config"
	"github.com/apimgr/buildhub/src/database"
	"github.com/apimgr/buildhub/src/model"
)

// LockName is the advisory lock serializing scheduler ticks across hub
// processes.
const LockName = "scheduler"

// stateKey is the scheduler_state row holding the last tick timestamp
const stateKey = "scheduler"

// Scheduler owns the scheduling loop and the host/operator operations
type Scheduler struct {
	db      *database.DB
	cfg     config.SchedulerConfig
	nodeID  string
	metrics *Metrics

	// now is the clock, replaceable in tests
	now func() time.Time

	mu      sync.Mutex
	lastRun time.Time // in-memory gate; authoritative copy is scheduler_state
	running bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a scheduler bound to the hub database
func New(db *database.DB, cfg config.SchedulerConfig) *Scheduler {
	hostname, _ := os.Hostname()
	ctx, cancel := context.WithCancel(context.Background())

	return &Scheduler{
		db:      db,
		cfg:     cfg,
		nodeID:  fmt.Sprintf("%s-%s", hostname, uuid.NewString()[:8]),
		metrics: &Metrics{},
		now:     time.Now,
		ctx:     ctx,
		cancel:  cancel,
	}
}

// NodeID returns this process's advisory-lock owner id
func (s *Scheduler) NodeID() string {
	return s.nodeID
}

// Metrics returns the scheduler's counter set
func (s *Scheduler) Metrics() *Metrics {
	return s.metrics
}

// Start launches the background loop
func (s *Scheduler) Start() {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.mu.Unlock()

	s.wg.Add(1)
	go s.run()

	log.Printf("[Scheduler] Started (node %s, interval %ds)", s.nodeID, s.cfg.RunInterval)
}

// Stop stops the background loop and waits for an in-flight tick
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.mu.Unlock()

	s.cancel()
	s.wg.Wait()
	log.Println("[Scheduler] Stopped")
}

// IsRunning returns whether the background loop is active
func (s *Scheduler) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

func (s *Scheduler) run() {
	defer s.wg.Done()

	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			// Cheap in-memory gate before touching the lock table. The
			// authoritative interval check runs again under the lock.
			s.mu.Lock()
			due := s.now().Sub(s.lastRun) >= s.cfg.RunIntervalDuration()
			s.mu.Unlock()
			if !due {
				continue
			}
			if _, err := s.RunOnce(s.ctx, false); err != nil {
				log.Printf("[Scheduler] Tick failed: %v", err)
			}
		}
	}
}

// RunOnce executes a single scheduling tick. It returns false when the
// tick was skipped (lock busy or interval not elapsed). force bypasses
// the interval gate, not the lock.
//
// A database error aborts the tick; the lock is released and the next
// tick retries. Per-task assignment failures never abort the tick.
func (s *Scheduler) RunOnce(ctx context.Context, force bool) (bool, error) {
	acquired, err := s.db.AcquireLock(ctx, LockName, s.nodeID, s.cfg.LockTTLDuration())
	if err != nil {
		return false, fmt.Errorf("failed to acquire scheduler lock: %w", err)
	}
	if !acquired {
		// Another process is scheduling
		s.metrics.LockBusy.Add(1)
		return false, nil
	}
	defer func() {
		if err := s.db.ReleaseLock(ctx, LockName, s.nodeID); err != nil {
			log.Printf("[Scheduler] Failed to release lock: %v", err)
		}
	}()

	now := s.now()

	last, err := s.loadLastRun(ctx)
	if err != nil {
		return false, err
	}
	if !force && now.Sub(last) < s.cfg.RunIntervalDuration() {
		s.metrics.TicksSkipped.Add(1)
		return false, nil
	}

	if err := s.tick(ctx, now); err != nil {
		return false, err
	}

	if err := s.saveLastRun(ctx, now); err != nil {
		return false, err
	}
	s.mu.Lock()
	s.lastRun = now
	s.mu.Unlock()

	s.metrics.Ticks.Add(1)
	return true, nil
}

// tick refreshes the snapshot and runs the three phases in order:
// active-run timeout handling, dead-host eviction, assignment.
func (s *Scheduler) tick(ctx context.Context, now time.Time) error {
	reg, err := s.loadHosts(ctx)
	if err != nil {
		return err
	}
	runs, err := s.activeRuns(ctx)
	if err != nil {
		return err
	}
	refusals, err := s.loadRefusals(ctx)
	if err != nil {
		return err
	}

	handled := make(map[int64]bool) // run ids already overridden this tick

	if err := s.checkActiveTasks(ctx, now, runs, reg, refusals, handled); err != nil {
		return err
	}
	if err := s.checkHosts(ctx, now, runs, reg, handled); err != nil {
		return err
	}

	s.seedPendingWeight(runs, reg, handled)

	free, err := s.freeTasks(ctx)
	if err != nil {
		return err
	}
	s.doSchedule(ctx, now, free, reg, refusals)
	return nil
}

// doSchedule assigns free tasks in (priority, create_ts, id) order using
// one consistent snapshot plus in-memory pending-weight adjustments.
func (s *Scheduler) doSchedule(ctx context.Context, now time.Time, free []*model.Task, reg *registry, refusals refusalIndex) {
	for _, task := range free {
		host := s.pickHost(now, task, reg, refusals)
		if host == nil {
			// Informational, not an error: the task stays free
			log.Printf("[Scheduler] No eligible host for task %d (bin %s)", task.ID, task.Bin())
			s.metrics.NoCandidates.Add(1)
			continue
		}

		if err := s.assign(ctx, task, host.ID, false); err != nil {
			if isFault(err, model.FaultTaskAlreadyAssigned) {
				// Lost a race with a concurrent assign; not fatal
				s.metrics.AssignConflicts.Add(1)
				log.Printf("[Scheduler] Task %d already assigned, skipping", task.ID)
				continue
			}
			log.Printf("[Scheduler] Failed to assign task %d to host %d: %v", task.ID, host.ID, err)
			continue
		}

		// Reflect the in-flight decision for subsequent ranking
		host.pendingWeight += task.Weight
		host.assigned++
		s.metrics.Assignments.Add(1)
	}
}

// loadLastRun reads the persisted last tick timestamp
func (s *Scheduler) loadLastRun(ctx context.Context) (time.Time, error) {
	var ts float64
	row := s.db.QueryRow(ctx, "SELECT last_run FROM scheduler_state WHERE name = ?", stateKey)
	if err := row.Scan(&ts); err != nil {
		if isNoRows(err) {
			return time.Time{}, nil
		}
		return time.Time{}, fmt.Errorf("failed to load scheduler state: %w", err)
	}
	return database.FromTS(ts), nil
}

// saveLastRun persists the last tick timestamp
func (s *Scheduler) saveLastRun(ctx context.Context, now time.Time) error {
	res, err := s.db.Exec(ctx,
		"UPDATE scheduler_state SET last_run = ? WHERE name = ?",
		database.TS(now), stateKey)
	if err != nil {
		return fmt.Errorf("failed to save scheduler state: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, err := s.db.Exec(ctx,
			"INSERT INTO scheduler_state (name, last_run) VALUES (?, ?)",
			stateKey, database.TS(now)); err != nil {
			return fmt.Errorf("failed to save scheduler state: %w", err)
		}
	}
	return nil
}
