// Package model defines the scheduler data model: hosts, tasks, task runs,
// refusals, and the bin keys that intersect the two sides.
package model

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// ArchNoarch is the architecture token for tasks that can run anywhere.
const ArchNoarch = "noarch"

// TaskState represents the lifecycle state of a task
type TaskState string

const (
	TaskFree     TaskState = "free"
	TaskOpen     TaskState = "open"
	TaskClosed   TaskState = "closed"
	TaskCanceled TaskState = "canceled"
	TaskAssigned TaskState = "assigned"
	TaskFailed   TaskState = "failed"
)

// Terminal returns true for states a task never leaves on its own
func (s TaskState) Terminal() bool {
	switch s {
	case TaskClosed, TaskCanceled, TaskFailed:
		return true
	}
	return false
}

// RunState represents the state of a single task run on a host
type RunState string

const (
	RunAssigned RunState = "assigned"
	RunRunning  RunState = "running"
	RunDone     RunState = "done"
	RunFail     RunState = "fail"
	RunOverride RunState = "override"
)

// Active returns true while the run still occupies its host
func (s RunState) Active() bool {
	return s == RunAssigned || s == RunRunning
}

// Bin builds the equivalence-class key that matches tasks to capable hosts
func Bin(channelID int64, arch string) string {
	return fmt.Sprintf("%d:%s", channelID, arch)
}

// Host is a build host row
type Host struct {
	ID          int64     `json:"id"`
	UserID      int64     `json:"user_id"`
	Name        string    `json:"name"`
	Arches      string    `json:"arches"` // space-separated tokens
	Channels    []int64   `json:"channels"`
	Capacity    float64   `json:"capacity"`
	TaskLoad    float64   `json:"task_load"`
	Ready       bool      `json:"ready"`
	Enabled     bool      `json:"enabled"`
	Description string    `json:"description,omitempty"`
	Comment     string    `json:"comment,omitempty"`
	LastUpdate  time.Time `json:"last_update"`
}

// ArchList splits the space-separated arch declaration into tokens
func (h *Host) ArchList() []string {
	return strings.Fields(h.Arches)
}

// Bins returns the host's capability bins: channels x arches, plus the
// noarch bin for every channel. The result is sorted and deduplicated.
func (h *Host) Bins() []string {
	seen := make(map[string]bool)
	for _, ch := range h.Channels {
		seen[Bin(ch, ArchNoarch)] = true
		for _, arch := range h.ArchList() {
			seen[Bin(ch, arch)] = true
		}
	}
	bins := make([]string, 0, len(seen))
	for b := range seen {
		bins = append(bins, b)
	}
	sort.Strings(bins)
	return bins
}

// HasChannel reports channel membership
func (h *Host) HasChannel(channelID int64) bool {
	for _, ch := range h.Channels {
		if ch == channelID {
			return true
		}
	}
	return false
}

// CanHandle reports whether the host's declaration covers a task's
// channel and arch. Noarch tasks only require channel membership.
func (h *Host) CanHandle(t *Task) bool {
	if !h.HasChannel(t.ChannelID) {
		return false
	}
	if t.Arch == ArchNoarch {
		return true
	}
	for _, arch := range h.ArchList() {
		if arch == t.Arch {
			return true
		}
	}
	return false
}

// Task is a build task row. The scheduler treats everything beyond the
// identity, bin, weight, and priority fields as opaque.
type Task struct {
	ID         int64     `json:"id"`
	Method     string    `json:"method"`
	ChannelID  int64     `json:"channel_id"`
	Arch       string    `json:"arch"`
	Weight     float64   `json:"weight"`
	Priority   int       `json:"priority"`
	State      TaskState `json:"state"`
	Owner      int64     `json:"owner"`
	Parent     *int64    `json:"parent,omitempty"`
	HostID     *int64    `json:"host_id,omitempty"`
	CreateTime time.Time `json:"create_ts"`
}

// Bin returns the task's single equivalence-class key
func (t *Task) Bin() string {
	return Bin(t.ChannelID, t.Arch)
}

// TaskRun records one attempt to run a task on a host. A task may
// accumulate many historical runs; at most one is active.
type TaskRun struct {
	ID         int64      `json:"id"`
	TaskID     int64      `json:"task_id"`
	HostID     int64      `json:"host_id"`
	State      RunState   `json:"state"`
	CreateTime time.Time  `json:"create_ts"`
	StartTime  *time.Time `json:"start_ts,omitempty"`
	EndTime    *time.Time `json:"end_ts,omitempty"`
}

// Refusal is a per-(host, task) suppression of assignment. Soft refusals
// expire; hard refusals hold until the task terminates.
type Refusal struct {
	HostID int64     `json:"host_id"`
	TaskID int64     `json:"task_id"`
	Soft   bool      `json:"soft"`
	ByHost bool      `json:"by_host"`
	Msg    string    `json:"msg,omitempty"`
	Time   time.Time `json:"ts"`
}

// ActiveAt reports whether the refusal still blocks assignment at now
func (r *Refusal) ActiveAt(now time.Time, softTimeout time.Duration) bool {
	if !r.Soft {
		return true
	}
	return now.Sub(r.Time) < softTimeout
}

// HostData is a host's free-form self-report used in policy evaluation
type HostData struct {
	HostID  int64                  `json:"host_id"`
	Data    map[string]interface{} `json:"data"`
	Updated time.Time              `json:"updated"`
}

// LogMessage is one row of the append-only scheduler event log
type LogMessage struct {
	ID       int64     `json:"id"`
	Time     time.Time `json:"ts"`
	TaskID   *int64    `json:"task_id,omitempty"`
	HostID   *int64    `json:"host_id,omitempty"`
	HostName string    `json:"host_name,omitempty"`
	Msg      string    `json:"msg"`
}
