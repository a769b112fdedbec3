package scheduler

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"sort"
	"time"

	"github.com/apimgr/buildhub/src/database"
	"github.com/apimgr/buildhub/src/model"
)

// hostInfo is a host row plus per-tick scheduling state
type hostInfo struct {
	model.Host
	pendingWeight float64 // weight assigned this tick, not yet in task_load
	assigned      int     // assignments made this tick
}

// loadRatio is the projected utilization used for ranking
func (h *hostInfo) loadRatio(extra float64) float64 {
	if h.Capacity <= 0 {
		return 1e9
	}
	return (h.TaskLoad + h.pendingWeight + extra) / h.Capacity
}

// registry indexes enabled hosts by id and by capability bin. Non-ready
// and stale hosts stay visible so in-flight runs can be observed;
// eligibility is re-evaluated per tick.
type registry struct {
	byID  map[int64]*hostInfo
	byBin map[string][]*hostInfo
}

// loadHosts builds the registry from all enabled hosts
func (s *Scheduler) loadHosts(ctx context.Context) (*registry, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, user_id, name, arches, channels, capacity, task_load,
		       ready, enabled, description, comment, last_update
		FROM host
		WHERE enabled = 1
		ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to load hosts: %w", err)
	}
	defer rows.Close()

	reg := &registry{
		byID:  make(map[int64]*hostInfo),
		byBin: make(map[string][]*hostInfo),
	}
	for rows.Next() {
		host, err := scanHost(rows)
		if err != nil {
			return nil, err
		}
		info := &hostInfo{Host: *host}
		reg.byID[host.ID] = info
		for _, bin := range host.Bins() {
			reg.byBin[bin] = append(reg.byBin[bin], info)
		}
	}
	return reg, rows.Err()
}

// seedPendingWeight recomputes each host's pending weight from the
// active runs at the start of a tick. Assigned-but-unopened work is not
// in the host's self-reported task_load yet, so ranking and capacity
// checks must carry it; running tasks already count in task_load and
// are not re-counted. Runs overridden earlier in the tick are skipped.
func (s *Scheduler) seedPendingWeight(runs []*activeRun, reg *registry, handled map[int64]bool) {
	for _, ar := range runs {
		if handled[ar.Run.ID] || ar.Run.State != model.RunAssigned {
			continue
		}
		host, ok := reg.byID[ar.Run.HostID]
		if !ok {
			continue
		}
		w := ar.Task.Weight
		if w <= 0 {
			w = s.cfg.MethodWeight(ar.Task.Method)
		}
		host.pendingWeight += w
	}
}

// eligible reports whether a host may receive new assignments: ready,
// enabled, and heartbeat within the ready grace period.
func (s *Scheduler) eligible(h *hostInfo, now time.Time) bool {
	if !h.Ready || !h.Enabled {
		return false
	}
	return now.Sub(h.LastUpdate) <= s.cfg.ReadyTimeoutDuration()
}

// pickHost ranks the candidate set for a task and returns the best host,
// or nil when no eligible candidate remains.
func (s *Scheduler) pickHost(now time.Time, task *model.Task, reg *registry, refusals refusalIndex) *hostInfo {
	var candidates []*hostInfo
	for _, h := range reg.byBin[task.Bin()] {
		if !s.eligible(h, now) {
			continue
		}
		if refusals.active(h.ID, task.ID, now, s.cfg.SoftRefusalTimeoutDuration()) {
			continue
		}
		if h.TaskLoad+h.pendingWeight+task.Weight > h.Capacity+s.cfg.CapacityOvercommit {
			continue
		}
		if h.assigned >= s.cfg.MaxJobs {
			continue
		}
		candidates = append(candidates, h)
	}
	if len(candidates) == 0 {
		return nil
	}

	// Best fit by projected load ratio keeps hosts evenly utilized;
	// freshest heartbeat breaks ties.
	sort.Slice(candidates, func(i, j int) bool {
		ri, rj := candidates[i].loadRatio(task.Weight), candidates[j].loadRatio(task.Weight)
		if ri != rj {
			return ri < rj
		}
		if !candidates[i].LastUpdate.Equal(candidates[j].LastUpdate) {
			return candidates[i].LastUpdate.After(candidates[j].LastUpdate)
		}
		return candidates[i].ID < candidates[j].ID
	})
	return candidates[0]
}

// checkHosts sweeps hosts whose heartbeat is older than host_timeout:
// their active runs are overridden and the tasks returned to free so
// another host can take them.
func (s *Scheduler) checkHosts(ctx context.Context, now time.Time, runs []*activeRun, reg *registry, handled map[int64]bool) error {
	for _, ar := range runs {
		if handled[ar.Run.ID] {
			continue
		}
		host, ok := reg.byID[ar.Run.HostID]
		if ok && now.Sub(host.LastUpdate) <= s.cfg.HostTimeoutDuration() {
			continue
		}

		name := ""
		if ok {
			name = host.Name
		}
		log.Printf("[Scheduler] Host %d (%s) timed out, freeing task %d", ar.Run.HostID, name, ar.Task.ID)
		if err := s.overrideAndFree(ctx, now, ar, name, "host timeout"); err != nil {
			return err
		}
		handled[ar.Run.ID] = true
		s.metrics.HostEvictions.Add(1)
	}
	return nil
}

// scanHost reads one host row
func scanHost(rows *sql.Rows) (*model.Host, error) {
	var h model.Host
	var channels string
	var desc, comment sql.NullString
	var lastUpdate float64
	if err := rows.Scan(&h.ID, &h.UserID, &h.Name, &h.Arches, &channels,
		&h.Capacity, &h.TaskLoad, &h.Ready, &h.Enabled,
		&desc, &comment, &lastUpdate); err != nil {
		return nil, fmt.Errorf("failed to scan host row: %w", err)
	}
	if err := json.Unmarshal([]byte(channels), &h.Channels); err != nil {
		return nil, fmt.Errorf("bad channels for host %d: %w", h.ID, err)
	}
	h.Description = desc.String
	h.Comment = comment.String
	h.LastUpdate = database.FromTS(lastUpdate)
	return &h, nil
}

// ListHosts returns all host rows ordered by id
func (s *Scheduler) ListHosts(ctx context.Context) ([]*model.Host, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, user_id, name, arches, channels, capacity, task_load,
		       ready, enabled, description, comment, last_update
		FROM host
		ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query hosts: %w", err)
	}
	defer rows.Close()

	var hosts []*model.Host
	for rows.Next() {
		h, err := scanHost(rows)
		if err != nil {
			return nil, err
		}
		hosts = append(hosts, h)
	}
	return hosts, rows.Err()
}

// GetHost returns one host row by id
func (s *Scheduler) GetHost(ctx context.Context, hostID int64) (*model.Host, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, user_id, name, arches, channels, capacity, task_load,
		       ready, enabled, description, comment, last_update
		FROM host
		WHERE id = ?`, hostID)
	if err != nil {
		return nil, fmt.Errorf("failed to query host: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, err
		}
		return nil, model.Faultf(model.FaultNotFound, "host %d not found", hostID)
	}
	return scanHost(rows)
}
