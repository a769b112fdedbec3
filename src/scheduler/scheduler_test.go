package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/apimgr/buildhub/src/config"
	"github.com/apimgr/buildhub/src/database"
	"github.com/apimgr/buildhub/src/model"
)

func newTestScheduler(t *testing.T) *Scheduler {
	t.Helper()

	db, err := database.New(&database.Config{
		Driver:  "sqlite",
		DataDir: t.TempDir(),
		MaxOpen: 4,
		MaxIdle: 2,
	})
	if err != nil {
		t.Fatalf("Failed to open test database: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	if err := database.NewMigrator(db).Migrate(context.Background()); err != nil {
		t.Fatalf("Failed to migrate: %v", err)
	}

	s := New(db, config.DefaultScheduler())
	return s
}

// setClock pins the scheduler clock to a fixed instant
func setClock(s *Scheduler, at time.Time) {
	s.now = func() time.Time { return at }
}

func addHost(t *testing.T, s *Scheduler, name, arches string, channels []int64, capacity, taskLoad float64, ready bool, lastUpdate time.Time) int64 {
	t.Helper()
	enc, _ := json.Marshal(channels)
	res, err := s.db.Exec(context.Background(), `
		INSERT INTO host (user_id, name, arches, channels, capacity, task_load, ready, enabled, last_update)
		VALUES (0, ?, ?, ?, ?, ?, ?, 1, ?)`,
		name, arches, string(enc), capacity, taskLoad, ready, database.TS(lastUpdate))
	if err != nil {
		t.Fatalf("Failed to insert host %s: %v", name, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		t.Fatalf("Failed to get host id: %v", err)
	}
	return id
}

func addTask(t *testing.T, s *Scheduler, method string, channelID int64, arch string, weight float64, priority int, createTS time.Time) int64 {
	t.Helper()
	res, err := s.db.Exec(context.Background(), `
		INSERT INTO task (method, channel_id, arch, weight, priority, state, owner, create_ts)
		VALUES (?, ?, ?, ?, ?, ?, 0, ?)`,
		method, channelID, arch, weight, priority, string(model.TaskFree), database.TS(createTS))
	if err != nil {
		t.Fatalf("Failed to insert task: %v", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		t.Fatalf("Failed to get task id: %v", err)
	}
	return id
}

func taskState(t *testing.T, s *Scheduler, taskID int64) model.TaskState {
	t.Helper()
	task, err := s.GetTask(context.Background(), taskID)
	if err != nil {
		t.Fatalf("Failed to read task %d: %v", taskID, err)
	}
	return task.State
}

func activeRunHost(t *testing.T, s *Scheduler, taskID int64) (int64, bool) {
	t.Helper()
	runs, err := s.GetTaskRuns(context.Background(), RunFilter{TaskID: &taskID})
	if err != nil {
		t.Fatalf("Failed to read runs for task %d: %v", taskID, err)
	}
	for _, r := range runs {
		if r.State.Active() {
			return r.HostID, true
		}
	}
	return 0, false
}

func TestRunOnceAssignsFreeTask(t *testing.T) {
	s := newTestScheduler(t)
	now := time.Now()
	setClock(s, now)

	hostID := addHost(t, s, "builder1", "x86_64", []int64{1}, 4.0, 0, true, now)
	taskID := addTask(t, s, "buildArch", 1, "x86_64", 2.0, 20, now)

	ran, err := s.RunOnce(context.Background(), true)
	if err != nil {
		t.Fatalf("RunOnce failed: %v", err)
	}
	if !ran {
		t.Fatal("Expected tick to run")
	}

	if got := taskState(t, s, taskID); got != model.TaskAssigned {
		t.Errorf("Expected task state %s, got %s", model.TaskAssigned, got)
	}
	runHost, ok := activeRunHost(t, s, taskID)
	if !ok {
		t.Fatal("Expected an active run")
	}
	if runHost != hostID {
		t.Errorf("Expected run on host %d, got %d", hostID, runHost)
	}

	task, _ := s.GetTask(context.Background(), taskID)
	if task.HostID == nil || *task.HostID != hostID {
		t.Errorf("Expected task host_id %d, got %v", hostID, task.HostID)
	}
}

func TestRunOnceIntervalGate(t *testing.T) {
	s := newTestScheduler(t)
	now := time.Now()
	setClock(s, now)

	if ran, err := s.RunOnce(context.Background(), true); err != nil || !ran {
		t.Fatalf("First tick: ran=%v err=%v", ran, err)
	}

	// Within run_interval and not forced: skipped
	setClock(s, now.Add(10*time.Second))
	ran, err := s.RunOnce(context.Background(), false)
	if err != nil {
		t.Fatalf("Second tick failed: %v", err)
	}
	if ran {
		t.Error("Expected tick to be skipped inside run_interval")
	}

	// Past the interval it runs again
	setClock(s, now.Add(61*time.Second))
	ran, err = s.RunOnce(context.Background(), false)
	if err != nil {
		t.Fatalf("Third tick failed: %v", err)
	}
	if !ran {
		t.Error("Expected tick to run after run_interval")
	}
}

func TestBestFitPrefersLeastLoadedHost(t *testing.T) {
	s := newTestScheduler(t)
	now := time.Now()
	setClock(s, now)

	// Same capacity, different load: ratio decides
	addHost(t, s, "busy", "x86_64", []int64{1}, 4.0, 3.0, true, now)
	idleID := addHost(t, s, "idle", "x86_64", []int64{1}, 4.0, 0.5, true, now)
	taskID := addTask(t, s, "buildArch", 1, "x86_64", 1.0, 20, now)

	if _, err := s.RunOnce(context.Background(), true); err != nil {
		t.Fatalf("RunOnce failed: %v", err)
	}

	runHost, ok := activeRunHost(t, s, taskID)
	if !ok {
		t.Fatal("Expected an active run")
	}
	if runHost != idleID {
		t.Errorf("Expected task on idle host %d, got %d", idleID, runHost)
	}
}

func TestPendingWeightSpreadsWithinTick(t *testing.T) {
	s := newTestScheduler(t)
	now := time.Now()
	setClock(s, now)

	h1 := addHost(t, s, "builder1", "x86_64", []int64{1}, 4.0, 0, true, now)
	h2 := addHost(t, s, "builder2", "x86_64", []int64{1}, 4.0, 0, true, now)
	t1 := addTask(t, s, "buildArch", 1, "x86_64", 2.0, 20, now)
	t2 := addTask(t, s, "buildArch", 1, "x86_64", 2.0, 20, now.Add(time.Second))

	if _, err := s.RunOnce(context.Background(), true); err != nil {
		t.Fatalf("RunOnce failed: %v", err)
	}

	host1, ok1 := activeRunHost(t, s, t1)
	host2, ok2 := activeRunHost(t, s, t2)
	if !ok1 || !ok2 {
		t.Fatal("Expected both tasks assigned")
	}
	if host1 == host2 {
		t.Errorf("Expected tasks spread across hosts %d and %d, both on %d", h1, h2, host1)
	}
}

func TestNoarchTaskOnlyNeedsChannel(t *testing.T) {
	s := newTestScheduler(t)
	now := time.Now()
	setClock(s, now)

	hostID := addHost(t, s, "builder1", "aarch64", []int64{2}, 4.0, 0, true, now)
	taskID := addTask(t, s, "tagBuild", 2, model.ArchNoarch, 0.1, 20, now)

	if _, err := s.RunOnce(context.Background(), true); err != nil {
		t.Fatalf("RunOnce failed: %v", err)
	}

	runHost, ok := activeRunHost(t, s, taskID)
	if !ok {
		t.Fatal("Expected noarch task assigned")
	}
	if runHost != hostID {
		t.Errorf("Expected host %d, got %d", hostID, runHost)
	}
}

func TestIneligibleHostsAreSkipped(t *testing.T) {
	s := newTestScheduler(t)
	now := time.Now()
	setClock(s, now)

	tests := []struct {
		name   string
		arches string
		chans  []int64
		ready  bool
		last   time.Time
	}{
		{"not_ready", "x86_64", []int64{1}, false, now},
		{"stale_heartbeat", "x86_64", []int64{1}, true, now.Add(-10 * time.Minute)},
		{"wrong_arch", "s390x", []int64{1}, true, now},
		{"wrong_channel", "x86_64", []int64{9}, true, now},
	}
	for _, tt := range tests {
		addHost(t, s, tt.name, tt.arches, tt.chans, 4.0, 0, tt.ready, tt.last)
	}
	taskID := addTask(t, s, "buildArch", 1, "x86_64", 1.0, 20, now)

	if _, err := s.RunOnce(context.Background(), true); err != nil {
		t.Fatalf("RunOnce failed: %v", err)
	}

	if got := taskState(t, s, taskID); got != model.TaskFree {
		t.Errorf("Expected task to stay free, got %s", got)
	}
	if s.metrics.NoCandidates.Load() != 1 {
		t.Errorf("Expected 1 no-candidate event, got %d", s.metrics.NoCandidates.Load())
	}
}

func TestCapacityLimitRespectsOvercommit(t *testing.T) {
	s := newTestScheduler(t)
	now := time.Now()
	setClock(s, now)

	// capacity 2 + overcommit 5 = 7 projected max
	addHost(t, s, "small", "x86_64", []int64{1}, 2.0, 6.5, true, now)
	heavy := addTask(t, s, "image", 1, "x86_64", 4.0, 20, now)
	light := addTask(t, s, "tagBuild", 1, "x86_64", 0.1, 20, now.Add(time.Second))

	if _, err := s.RunOnce(context.Background(), true); err != nil {
		t.Fatalf("RunOnce failed: %v", err)
	}

	if got := taskState(t, s, heavy); got != model.TaskFree {
		t.Errorf("Expected heavy task free, got %s", got)
	}
	if got := taskState(t, s, light); got != model.TaskAssigned {
		t.Errorf("Expected light task assigned, got %s", got)
	}
}

func TestCarriedAssignmentsCountAgainstCapacity(t *testing.T) {
	s := newTestScheduler(t)
	now := time.Now()
	setClock(s, now)

	// capacity 4 + overcommit 5 = 9 projected max; one weight-5 task fits,
	// two do not
	hostID := addHost(t, s, "builder1", "x86_64", []int64{1}, 4.0, 0, true, now)
	first := addTask(t, s, "image", 1, "x86_64", 5.0, 20, now)

	if _, err := s.RunOnce(context.Background(), true); err != nil {
		t.Fatalf("RunOnce failed: %v", err)
	}
	if got := taskState(t, s, first); got != model.TaskAssigned {
		t.Fatalf("Expected first task assigned, got %s", got)
	}

	// Next tick: the host has not opened the task yet, so task_load is
	// still 0. The assigned run must still count against capacity.
	later := now.Add(61 * time.Second)
	setClock(s, later)
	s.db.Exec(context.Background(), "UPDATE host SET last_update = ? WHERE id = ?", database.TS(later), hostID)
	second := addTask(t, s, "image", 1, "x86_64", 5.0, 20, later)

	if _, err := s.RunOnce(context.Background(), true); err != nil {
		t.Fatalf("Second RunOnce failed: %v", err)
	}

	if got := taskState(t, s, second); got != model.TaskFree {
		t.Errorf("Expected second task free, got %s", got)
	}
	if got := taskState(t, s, first); got != model.TaskAssigned {
		t.Errorf("Expected first task to stay assigned, got %s", got)
	}
	if s.metrics.NoCandidates.Load() != 1 {
		t.Errorf("Expected 1 no-candidate event, got %d", s.metrics.NoCandidates.Load())
	}
}

func TestHardRefusalBlocksAssignment(t *testing.T) {
	s := newTestScheduler(t)
	now := time.Now()
	setClock(s, now)

	hostID := addHost(t, s, "builder1", "x86_64", []int64{1}, 4.0, 0, true, now)
	taskID := addTask(t, s, "buildArch", 1, "x86_64", 1.0, 20, now)

	if err := s.SetRefusal(context.Background(), hostID, taskID, false, true, "missing toolchain"); err != nil {
		t.Fatalf("SetRefusal failed: %v", err)
	}

	if _, err := s.RunOnce(context.Background(), true); err != nil {
		t.Fatalf("RunOnce failed: %v", err)
	}
	if got := taskState(t, s, taskID); got != model.TaskFree {
		t.Errorf("Expected refused task to stay free, got %s", got)
	}

	// Hard refusals do not expire
	setClock(s, now.Add(24*time.Hour))
	if _, err := s.RunOnce(context.Background(), true); err != nil {
		t.Fatalf("RunOnce failed: %v", err)
	}
	if got := taskState(t, s, taskID); got != model.TaskFree {
		t.Errorf("Expected hard refusal to persist, got %s", got)
	}
}

func TestSoftRefusalExpires(t *testing.T) {
	s := newTestScheduler(t)
	now := time.Now()
	setClock(s, now)

	hostID := addHost(t, s, "builder1", "x86_64", []int64{1}, 4.0, 0, true, now)
	taskID := addTask(t, s, "buildArch", 1, "x86_64", 1.0, 20, now)

	if err := s.SetRefusal(context.Background(), hostID, taskID, true, true, "busy"); err != nil {
		t.Fatalf("SetRefusal failed: %v", err)
	}

	if _, err := s.RunOnce(context.Background(), true); err != nil {
		t.Fatalf("RunOnce failed: %v", err)
	}
	if got := taskState(t, s, taskID); got != model.TaskFree {
		t.Errorf("Expected task free while refusal active, got %s", got)
	}

	// Past soft_refusal_timeout the row is ignored but kept
	later := now.Add(16 * time.Minute)
	setClock(s, later)
	s.db.Exec(context.Background(), "UPDATE host SET last_update = ? WHERE id = ?", database.TS(later), hostID)

	if _, err := s.RunOnce(context.Background(), true); err != nil {
		t.Fatalf("RunOnce failed: %v", err)
	}
	if got := taskState(t, s, taskID); got != model.TaskAssigned {
		t.Errorf("Expected task assigned after refusal expiry, got %s", got)
	}

	refusals, err := s.GetTaskRefusals(context.Background(), RefusalFilter{TaskID: &taskID})
	if err != nil {
		t.Fatalf("GetTaskRefusals failed: %v", err)
	}
	if len(refusals) != 1 {
		t.Errorf("Expected expired refusal row to remain, got %d rows", len(refusals))
	}
}

func TestAssignTimeoutFreesTask(t *testing.T) {
	s := newTestScheduler(t)
	now := time.Now()
	setClock(s, now)

	hostID := addHost(t, s, "slow", "x86_64", []int64{1}, 4.0, 0, true, now)
	taskID := addTask(t, s, "buildArch", 1, "x86_64", 1.0, 20, now)

	if _, err := s.RunOnce(context.Background(), true); err != nil {
		t.Fatalf("RunOnce failed: %v", err)
	}
	if got := taskState(t, s, taskID); got != model.TaskAssigned {
		t.Fatalf("Expected task assigned, got %s", got)
	}

	// Host never opens the task; past assign_timeout the run is overridden,
	// the task freed, and a soft refusal keeps it off the same host
	later := now.Add(6 * time.Minute)
	setClock(s, later)
	s.db.Exec(context.Background(), "UPDATE host SET last_update = ? WHERE id = ?", database.TS(later), hostID)

	if _, err := s.RunOnce(context.Background(), true); err != nil {
		t.Fatalf("RunOnce failed: %v", err)
	}

	if got := taskState(t, s, taskID); got != model.TaskFree {
		t.Errorf("Expected task freed after assign timeout, got %s", got)
	}
	if _, ok := activeRunHost(t, s, taskID); ok {
		t.Error("Expected no active run after override")
	}
	refusals, _ := s.GetTaskRefusals(context.Background(), RefusalFilter{TaskID: &taskID})
	if len(refusals) != 1 || !refusals[0].Soft {
		t.Errorf("Expected one soft refusal recorded, got %+v", refusals)
	}
	if s.metrics.AssignTimeouts.Load() != 1 {
		t.Errorf("Expected 1 assign timeout, got %d", s.metrics.AssignTimeouts.Load())
	}
}

func TestDeadHostEviction(t *testing.T) {
	s := newTestScheduler(t)
	now := time.Now()
	setClock(s, now)

	addHost(t, s, "dying", "x86_64", []int64{1}, 4.0, 0, true, now)
	taskID := addTask(t, s, "buildArch", 1, "x86_64", 1.0, 20, now)

	if _, err := s.RunOnce(context.Background(), true); err != nil {
		t.Fatalf("RunOnce failed: %v", err)
	}
	if got := taskState(t, s, taskID); got != model.TaskAssigned {
		t.Fatalf("Expected task assigned, got %s", got)
	}

	// The host stops heartbeating entirely; past host_timeout its run is
	// reclaimed even though the task was opened
	if err := s.OpenTask(context.Background(), taskID, 1); err != nil {
		t.Fatalf("OpenTask failed: %v", err)
	}

	setClock(s, now.Add(20*time.Minute))
	if _, err := s.RunOnce(context.Background(), true); err != nil {
		t.Fatalf("RunOnce failed: %v", err)
	}

	if got := taskState(t, s, taskID); got != model.TaskFree {
		t.Errorf("Expected task freed after host eviction, got %s", got)
	}
	if s.metrics.HostEvictions.Load() != 1 {
		t.Errorf("Expected 1 host eviction, got %d", s.metrics.HostEvictions.Load())
	}
}

func TestHostIDReconciledFromRun(t *testing.T) {
	s := newTestScheduler(t)
	now := time.Now()
	setClock(s, now)

	hostID := addHost(t, s, "builder1", "x86_64", []int64{1}, 4.0, 0, true, now)
	taskID := addTask(t, s, "buildArch", 1, "x86_64", 1.0, 20, now)

	if _, err := s.RunOnce(context.Background(), true); err != nil {
		t.Fatalf("RunOnce failed: %v", err)
	}

	// Simulate a partially-applied update: the run is ground truth
	if _, err := s.db.Exec(context.Background(),
		"UPDATE task SET host_id = NULL WHERE id = ?", taskID); err != nil {
		t.Fatalf("Failed to corrupt task row: %v", err)
	}

	setClock(s, now.Add(time.Minute))
	s.db.Exec(context.Background(), "UPDATE host SET last_update = ? WHERE id = ?", database.TS(now.Add(time.Minute)), hostID)
	if _, err := s.RunOnce(context.Background(), true); err != nil {
		t.Fatalf("RunOnce failed: %v", err)
	}

	task, _ := s.GetTask(context.Background(), taskID)
	if task.HostID == nil || *task.HostID != hostID {
		t.Errorf("Expected host_id reconciled to %d, got %v", hostID, task.HostID)
	}
}

func TestOpenCloseLifecycle(t *testing.T) {
	s := newTestScheduler(t)
	now := time.Now()
	setClock(s, now)

	hostID := addHost(t, s, "builder1", "x86_64", []int64{1}, 4.0, 0, true, now)
	otherID := addHost(t, s, "builder2", "aarch64", []int64{2}, 4.0, 0, true, now)
	taskID := addTask(t, s, "buildArch", 1, "x86_64", 1.0, 20, now)

	if _, err := s.RunOnce(context.Background(), true); err != nil {
		t.Fatalf("RunOnce failed: %v", err)
	}

	// Only the assigned host may open
	if err := s.OpenTask(context.Background(), taskID, otherID); !errors.Is(err, model.ErrWrongHost) {
		t.Errorf("Expected ErrWrongHost, got %v", err)
	}
	if err := s.OpenTask(context.Background(), taskID, hostID); err != nil {
		t.Fatalf("OpenTask failed: %v", err)
	}
	if got := taskState(t, s, taskID); got != model.TaskOpen {
		t.Errorf("Expected task open, got %s", got)
	}

	// Close must use a terminal state
	if err := s.CloseTask(context.Background(), taskID, hostID, model.TaskFree); err == nil {
		t.Error("Expected error closing with non-terminal state")
	}
	if err := s.CloseTask(context.Background(), taskID, otherID, model.TaskClosed); !errors.Is(err, model.ErrWrongHost) {
		t.Errorf("Expected ErrWrongHost on close, got %v", err)
	}
	if err := s.CloseTask(context.Background(), taskID, hostID, model.TaskClosed); err != nil {
		t.Fatalf("CloseTask failed: %v", err)
	}

	if got := taskState(t, s, taskID); got != model.TaskClosed {
		t.Errorf("Expected task closed, got %s", got)
	}
	runs, _ := s.GetTaskRuns(context.Background(), RunFilter{TaskID: &taskID})
	if len(runs) != 1 || runs[0].State != model.RunDone {
		t.Errorf("Expected one done run, got %+v", runs)
	}

	// Closing again is a bad state
	if err := s.CloseTask(context.Background(), taskID, hostID, model.TaskClosed); err == nil {
		t.Error("Expected error closing a terminal task")
	}
}

func TestCloseFailedTaskMarksRunFail(t *testing.T) {
	s := newTestScheduler(t)
	now := time.Now()
	setClock(s, now)

	hostID := addHost(t, s, "builder1", "x86_64", []int64{1}, 4.0, 0, true, now)
	taskID := addTask(t, s, "buildArch", 1, "x86_64", 1.0, 20, now)

	if _, err := s.RunOnce(context.Background(), true); err != nil {
		t.Fatalf("RunOnce failed: %v", err)
	}
	if err := s.OpenTask(context.Background(), taskID, hostID); err != nil {
		t.Fatalf("OpenTask failed: %v", err)
	}
	if err := s.CloseTask(context.Background(), taskID, hostID, model.TaskFailed); err != nil {
		t.Fatalf("CloseTask failed: %v", err)
	}

	runs, _ := s.GetTaskRuns(context.Background(), RunFilter{TaskID: &taskID})
	if len(runs) != 1 || runs[0].State != model.RunFail {
		t.Errorf("Expected one failed run, got %+v", runs)
	}
}

func TestCloseTaskPurgesRefusals(t *testing.T) {
	s := newTestScheduler(t)
	now := time.Now()
	setClock(s, now)

	hostID := addHost(t, s, "builder1", "x86_64", []int64{1}, 4.0, 0, true, now)
	otherID := addHost(t, s, "builder2", "x86_64", []int64{1}, 4.0, 0, true, now)
	taskID := addTask(t, s, "buildArch", 1, "x86_64", 1.0, 20, now)

	if err := s.SetRefusal(context.Background(), otherID, taskID, false, true, "no"); err != nil {
		t.Fatalf("SetRefusal failed: %v", err)
	}
	if err := s.AssignTask(context.Background(), taskID, hostID, false, false); err != nil {
		t.Fatalf("AssignTask failed: %v", err)
	}
	if err := s.OpenTask(context.Background(), taskID, hostID); err != nil {
		t.Fatalf("OpenTask failed: %v", err)
	}
	if err := s.CloseTask(context.Background(), taskID, hostID, model.TaskClosed); err != nil {
		t.Fatalf("CloseTask failed: %v", err)
	}

	refusals, _ := s.GetTaskRefusals(context.Background(), RefusalFilter{TaskID: &taskID})
	if len(refusals) != 0 {
		t.Errorf("Expected refusals purged on close, got %d rows", len(refusals))
	}
}

func TestFreeTaskOverridesActiveRun(t *testing.T) {
	s := newTestScheduler(t)
	now := time.Now()
	setClock(s, now)

	hostID := addHost(t, s, "builder1", "x86_64", []int64{1}, 4.0, 0, true, now)
	taskID := addTask(t, s, "buildArch", 1, "x86_64", 1.0, 20, now)

	if err := s.AssignTask(context.Background(), taskID, hostID, false, false); err != nil {
		t.Fatalf("AssignTask failed: %v", err)
	}
	if err := s.FreeTask(context.Background(), taskID); err != nil {
		t.Fatalf("FreeTask failed: %v", err)
	}

	if got := taskState(t, s, taskID); got != model.TaskFree {
		t.Errorf("Expected task free, got %s", got)
	}
	runs, _ := s.GetTaskRuns(context.Background(), RunFilter{TaskID: &taskID})
	if len(runs) != 1 || runs[0].State != model.RunOverride {
		t.Errorf("Expected one overridden run, got %+v", runs)
	}
	task, _ := s.GetTask(context.Background(), taskID)
	if task.HostID != nil {
		t.Errorf("Expected host_id cleared, got %v", *task.HostID)
	}
}

func TestAssignTaskChecksAndForce(t *testing.T) {
	s := newTestScheduler(t)
	now := time.Now()
	setClock(s, now)

	hostID := addHost(t, s, "notready", "x86_64", []int64{1}, 4.0, 0, false, now)
	taskID := addTask(t, s, "buildArch", 1, "x86_64", 1.0, 20, now)

	err := s.AssignTask(context.Background(), taskID, hostID, false, false)
	if !isFault(err, model.FaultBadState) {
		t.Errorf("Expected FaultBadState for non-ready host, got %v", err)
	}

	// force bypasses the eligibility checks
	if err := s.AssignTask(context.Background(), taskID, hostID, true, false); err != nil {
		t.Fatalf("Forced AssignTask failed: %v", err)
	}
	if got := taskState(t, s, taskID); got != model.TaskAssigned {
		t.Errorf("Expected task assigned, got %s", got)
	}

	// Assigning again without override loses the race
	if err := s.AssignTask(context.Background(), taskID, hostID, true, false); !errors.Is(err, model.ErrTaskAlreadyAssigned) {
		t.Errorf("Expected ErrTaskAlreadyAssigned, got %v", err)
	}
}

func TestConcurrentAssignSingleWinner(t *testing.T) {
	s := newTestScheduler(t)
	now := time.Now()
	setClock(s, now)

	hosts := []int64{
		addHost(t, s, "builder1", "x86_64", []int64{1}, 4.0, 0, true, now),
		addHost(t, s, "builder2", "x86_64", []int64{1}, 4.0, 0, true, now),
	}
	taskID := addTask(t, s, "buildArch", 1, "x86_64", 1.0, 20, now)

	// Two racing assigns for the same task: exactly one may win. The
	// loser's error depends on interleaving (conflict or busy), so only
	// the outcome is checked.
	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = s.AssignTask(context.Background(), taskID, hosts[i], true, false)
		}(i)
	}
	wg.Wait()

	var winners int
	var winner int64
	for i, err := range errs {
		if err == nil {
			winners++
			winner = hosts[i]
		}
	}
	if winners != 1 {
		t.Fatalf("Expected exactly 1 successful assign, got %d (errs: %v)", winners, errs)
	}

	runs, err := s.GetTaskRuns(context.Background(), RunFilter{TaskID: &taskID})
	if err != nil {
		t.Fatalf("GetTaskRuns failed: %v", err)
	}
	var active int
	for _, r := range runs {
		if r.State.Active() {
			active++
			if r.HostID != winner {
				t.Errorf("Expected active run on host %d, got %d", winner, r.HostID)
			}
		}
	}
	if active != 1 {
		t.Errorf("Expected exactly 1 active run, got %d", active)
	}

	task, _ := s.GetTask(context.Background(), taskID)
	if task.State != model.TaskAssigned {
		t.Errorf("Expected task assigned, got %s", task.State)
	}
	if task.HostID == nil || *task.HostID != winner {
		t.Errorf("Expected task host_id %d, got %v", winner, task.HostID)
	}
}

func TestAssignTaskOverrideSupersedesRun(t *testing.T) {
	s := newTestScheduler(t)
	now := time.Now()
	setClock(s, now)

	h1 := addHost(t, s, "builder1", "x86_64", []int64{1}, 4.0, 0, true, now)
	h2 := addHost(t, s, "builder2", "x86_64", []int64{1}, 4.0, 0, true, now)
	taskID := addTask(t, s, "buildArch", 1, "x86_64", 1.0, 20, now)

	if err := s.AssignTask(context.Background(), taskID, h1, false, false); err != nil {
		t.Fatalf("AssignTask failed: %v", err)
	}
	if err := s.AssignTask(context.Background(), taskID, h2, false, true); err != nil {
		t.Fatalf("Override AssignTask failed: %v", err)
	}

	runHost, ok := activeRunHost(t, s, taskID)
	if !ok {
		t.Fatal("Expected an active run")
	}
	if runHost != h2 {
		t.Errorf("Expected active run on host %d, got %d", h2, runHost)
	}

	runs, _ := s.GetTaskRuns(context.Background(), RunFilter{TaskID: &taskID})
	if len(runs) != 2 {
		t.Fatalf("Expected 2 runs, got %d", len(runs))
	}
	var overridden bool
	for _, r := range runs {
		if r.HostID == h1 && r.State == model.RunOverride {
			overridden = true
		}
	}
	if !overridden {
		t.Error("Expected the first run to be overridden")
	}
}

func TestGetTasksForHostHeartbeat(t *testing.T) {
	s := newTestScheduler(t)
	now := time.Now()
	setClock(s, now)

	stale := now.Add(-5 * time.Minute)
	hostID := addHost(t, s, "builder1", "x86_64", []int64{1}, 4.0, 0, true, stale)
	taskID := addTask(t, s, "buildArch", 1, "x86_64", 1.0, 20, now)

	if err := s.AssignTask(context.Background(), taskID, hostID, true, false); err != nil {
		t.Fatalf("AssignTask failed: %v", err)
	}

	tasks, err := s.GetTasksForHost(context.Background(), hostID)
	if err != nil {
		t.Fatalf("GetTasksForHost failed: %v", err)
	}
	if len(tasks) != 1 || tasks[0].ID != taskID {
		t.Fatalf("Expected task %d in poll, got %+v", taskID, tasks)
	}

	// The poll counted as a heartbeat
	host, err := s.GetHost(context.Background(), hostID)
	if err != nil {
		t.Fatalf("GetHost failed: %v", err)
	}
	if !host.LastUpdate.After(stale) {
		t.Error("Expected heartbeat refreshed by poll")
	}

	// Unknown hosts are rejected
	if _, err := s.GetTasksForHost(context.Background(), 9999); !isFault(err, model.FaultNotFound) {
		t.Errorf("Expected FaultNotFound for unknown host, got %v", err)
	}

	// Polling is idempotent for task state
	tasks2, err := s.GetTasksForHost(context.Background(), hostID)
	if err != nil {
		t.Fatalf("Second poll failed: %v", err)
	}
	if len(tasks2) != 1 {
		t.Errorf("Expected same task set on repoll, got %d tasks", len(tasks2))
	}
}

func TestSetHostDataFoldsRecognizedKeys(t *testing.T) {
	s := newTestScheduler(t)
	now := time.Now()
	setClock(s, now)

	hostID := addHost(t, s, "builder1", "x86_64", []int64{1}, 4.0, 0, false, now.Add(-time.Hour))

	data := map[string]interface{}{
		"capacity":  8.0,
		"task_load": 1.5,
		"ready":     true,
		"arches":    "x86_64 aarch64",
		"channels":  []interface{}{1.0, 2.0},
		"kernel":    "6.1.0", // opaque, stored but not folded
	}
	if err := s.SetHostData(context.Background(), hostID, data); err != nil {
		t.Fatalf("SetHostData failed: %v", err)
	}

	host, err := s.GetHost(context.Background(), hostID)
	if err != nil {
		t.Fatalf("GetHost failed: %v", err)
	}
	if host.Capacity != 8.0 {
		t.Errorf("Expected capacity 8.0, got %v", host.Capacity)
	}
	if host.TaskLoad != 1.5 {
		t.Errorf("Expected task_load 1.5, got %v", host.TaskLoad)
	}
	if !host.Ready {
		t.Error("Expected ready folded to true")
	}
	if host.Arches != "x86_64 aarch64" {
		t.Errorf("Expected arches folded, got %q", host.Arches)
	}
	if len(host.Channels) != 2 {
		t.Errorf("Expected 2 channels, got %v", host.Channels)
	}
	if now.Sub(host.LastUpdate) > time.Second {
		t.Error("Expected self-report to refresh heartbeat")
	}

	stored, err := s.GetHostData(context.Background(), &hostID)
	if err != nil {
		t.Fatalf("GetHostData failed: %v", err)
	}
	if len(stored) != 1 {
		t.Fatalf("Expected 1 stored report, got %d", len(stored))
	}
	if stored[0].Data["kernel"] != "6.1.0" {
		t.Errorf("Expected opaque key preserved, got %v", stored[0].Data["kernel"])
	}
}

func TestMaxJobsCapsPerTickAssignments(t *testing.T) {
	s := newTestScheduler(t)
	s.cfg.MaxJobs = 2
	now := time.Now()
	setClock(s, now)

	addHost(t, s, "builder1", "x86_64", []int64{1}, 100.0, 0, true, now)
	for i := 0; i < 5; i++ {
		addTask(t, s, "tagBuild", 1, "x86_64", 0.1, 20, now.Add(time.Duration(i)*time.Second))
	}

	if _, err := s.RunOnce(context.Background(), true); err != nil {
		t.Fatalf("RunOnce failed: %v", err)
	}

	if got := s.metrics.Assignments.Load(); got != 2 {
		t.Errorf("Expected 2 assignments under maxjobs cap, got %d", got)
	}
}

func TestPriorityOrdersAssignment(t *testing.T) {
	s := newTestScheduler(t)
	now := time.Now()
	setClock(s, now)

	// Capacity fits only one task; the lower priority value goes first
	addHost(t, s, "builder1", "x86_64", []int64{1}, 1.0, 0, true, now)
	low := addTask(t, s, "image", 1, "x86_64", 4.0, 30, now)
	high := addTask(t, s, "image", 1, "x86_64", 4.0, 10, now.Add(time.Second))

	if _, err := s.RunOnce(context.Background(), true); err != nil {
		t.Fatalf("RunOnce failed: %v", err)
	}

	if got := taskState(t, s, high); got != model.TaskAssigned {
		t.Errorf("Expected high-priority task assigned, got %s", got)
	}
	if got := taskState(t, s, low); got != model.TaskFree {
		t.Errorf("Expected low-priority task still free, got %s", got)
	}
}

func TestDefaultWeightFromMethod(t *testing.T) {
	s := newTestScheduler(t)
	now := time.Now()
	setClock(s, now)

	addHost(t, s, "builder1", "x86_64", []int64{1}, 4.0, 0, true, now)
	// weight 0 in the row: the method default (image = 4.0) applies
	taskID := addTask(t, s, "image", 1, "x86_64", 0, 20, now)

	free, err := s.freeTasks(context.Background())
	if err != nil {
		t.Fatalf("freeTasks failed: %v", err)
	}
	if len(free) != 1 || free[0].ID != taskID {
		t.Fatalf("Expected 1 free task, got %+v", free)
	}
	if free[0].Weight != 4.0 {
		t.Errorf("Expected method default weight 4.0, got %v", free[0].Weight)
	}
}

func TestSchedulerLogRecordsDecisions(t *testing.T) {
	s := newTestScheduler(t)
	now := time.Now()
	setClock(s, now)

	addHost(t, s, "builder1", "x86_64", []int64{1}, 4.0, 0, true, now)
	taskID := addTask(t, s, "buildArch", 1, "x86_64", 1.0, 20, now)

	if _, err := s.RunOnce(context.Background(), true); err != nil {
		t.Fatalf("RunOnce failed: %v", err)
	}

	logs, err := s.GetLogMessages(context.Background(), LogFilter{TaskID: &taskID})
	if err != nil {
		t.Fatalf("GetLogMessages failed: %v", err)
	}
	if len(logs) == 0 {
		t.Fatal("Expected assignment to be logged")
	}
	if logs[0].TaskID == nil || *logs[0].TaskID != taskID {
		t.Errorf("Expected log row for task %d, got %+v", taskID, logs[0])
	}
}
