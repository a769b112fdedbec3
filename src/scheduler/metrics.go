package scheduler

import "sync/atomic"

// Metrics counts scheduler activity. Counters only; gauges are derivable
// from the store.
type Metrics struct {
	Ticks           atomic.Int64
	TicksSkipped    atomic.Int64
	LockBusy        atomic.Int64
	Assignments     atomic.Int64
	AssignConflicts atomic.Int64
	NoCandidates    atomic.Int64
	Overrides       atomic.Int64
	AssignTimeouts  atomic.Int64
	HostEvictions   atomic.Int64
	Refusals        atomic.Int64
}

// Snapshot returns the counters as a map for the metrics endpoint
func (m *Metrics) Snapshot() map[string]int64 {
	return map[string]int64{
		"ticks":            m.Ticks.Load(),
		"ticks_skipped":    m.TicksSkipped.Load(),
		"lock_busy":        m.LockBusy.Load(),
		"assignments":      m.Assignments.Load(),
		"assign_conflicts": m.AssignConflicts.Load(),
		"no_candidates":    m.NoCandidates.Load(),
		"overrides":        m.Overrides.Load(),
		"assign_timeouts":  m.AssignTimeouts.Load(),
		"host_evictions":   m.HostEvictions.Load(),
		"refusals":         m.Refusals.Load(),
	}
}
