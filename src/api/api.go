// Package api exposes the hub's JSON RPC surface: the host-facing task
// endpoints, the operator endpoints, and the read-only query views.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/apimgr/buildhub/src/cache"
	"github.com/apimgr/buildhub/src/config"
	"github.com/apimgr/buildhub/src/database"
	"github.com/apimgr/buildhub/src/model"
	"github.com/apimgr/buildhub/src/scheduler"
)

// API version
const (
	APIVersion = "v1"
	APIPrefix  = "/api/v1"
)

// logCacheTTL bounds staleness of the cached log view. Writes happen on
// every tick, so the view only needs to absorb polling bursts.
const logCacheTTL = 5 * time.Second

// Handler handles API requests
type Handler struct {
	config    *config.Config
	db        *database.DB
	sched     *scheduler.Scheduler
	cache     cache.Cache
	startTime time.Time

	gqlOnce sync.Once
	gql     *GraphQLHandler
	gqlErr  error
}

// NewHandler creates a new API handler
func NewHandler(cfg *config.Config, db *database.DB, sched *scheduler.Scheduler, c cache.Cache) *Handler {
	return &Handler{
		config:    cfg,
		db:        db,
		sched:     sched,
		cache:     c,
		startTime: time.Now(),
	}
}

// RegisterRoutes registers API routes
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	// Health and info
	mux.HandleFunc("/api/v1/healthz", h.handleHealthz)
	mux.HandleFunc("/api/v1/info", h.handleInfo)

	// Host-facing operations
	mux.HandleFunc("/api/v1/host/tasks", h.handleHostTasks)
	mux.HandleFunc("/api/v1/host/data", h.handleHostData)
	mux.HandleFunc("/api/v1/host/refusal", h.handleRefuseTask)

	// Task lifecycle
	mux.HandleFunc("/api/v1/task/open", h.handleOpenTask)
	mux.HandleFunc("/api/v1/task/close", h.handleCloseTask)
	mux.HandleFunc("/api/v1/task/assign", h.handleAssignTask)
	mux.HandleFunc("/api/v1/task/free", h.handleFreeTask)

	// Read views
	mux.HandleFunc("/api/v1/hosts", h.handleHosts)
	mux.HandleFunc("/api/v1/hosts/", h.handleHostByID)
	mux.HandleFunc("/api/v1/tasks/", h.handleTaskByID)
	mux.HandleFunc("/api/v1/runs", h.handleRuns)
	mux.HandleFunc("/api/v1/refusals", h.handleRefusals)
	mux.HandleFunc("/api/v1/logs", h.handleLogs)

	// Scheduler control
	mux.HandleFunc("/api/v1/scheduler/run", h.handleSchedulerRun)
	mux.HandleFunc("/api/v1/scheduler/metrics", h.handleSchedulerMetrics)

	// GraphQL
	mux.HandleFunc("/api/v1/graphql", h.handleGraphQL)
}

// Response types

// APIResponse is the base response structure
type APIResponse struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   *APIError   `json:"error,omitempty"`
	Meta    *APIMeta    `json:"meta,omitempty"`
}

// APIError carries the numeric fault code alongside the HTTP status so
// clients can branch without string matching.
type APIError struct {
	Code    int    `json:"code"`
	Status  int    `json:"status"`
	Message string `json:"message"`
}

// APIMeta contains response metadata
type APIMeta struct {
	RequestID   string  `json:"request_id,omitempty"`
	ProcessTime float64 `json:"process_time_ms,omitempty"`
	Version     string  `json:"version"`
}

// HealthResponse represents health check response
type HealthResponse struct {
	Status    string            `json:"status"`
	Version   string            `json:"version"`
	Uptime    string            `json:"uptime"`
	Timestamp string            `json:"timestamp"`
	Node      string            `json:"node"`
	Scheduler bool              `json:"scheduler_running"`
	Checks    map[string]string `json:"checks"`
}

// InfoResponse represents server info response
type InfoResponse struct {
	Name      string           `json:"name"`
	Version   string           `json:"version"`
	Uptime    string           `json:"uptime"`
	Node      string           `json:"node"`
	Scheduler map[string]int64 `json:"scheduler"`
	System    SystemInfo       `json:"system"`
}

// SystemInfo provides system information
type SystemInfo struct {
	GoVersion    string `json:"go_version"`
	NumCPU       int    `json:"num_cpu"`
	NumGoroutine int    `json:"num_goroutine"`
}

// Request types

// HostDataRequest is a host self-report submission
type HostDataRequest struct {
	HostID int64                  `json:"host_id"`
	Data   map[string]interface{} `json:"data"`
}

// RefusalRequest records a host's refusal of a task
type RefusalRequest struct {
	HostID int64  `json:"host_id"`
	TaskID int64  `json:"task_id"`
	Soft   bool   `json:"soft"`
	Msg    string `json:"msg"`
}

// TaskActionRequest drives open/close/assign/free
type TaskActionRequest struct {
	TaskID   int64  `json:"task_id"`
	HostID   int64  `json:"host_id"`
	State    string `json:"state,omitempty"`
	Force    bool   `json:"force,omitempty"`
	Override bool   `json:"override,omitempty"`
}

// Handler methods

func (h *Handler) handleHealthz(w http.ResponseWriter, r *http.Request) {
	checks := make(map[string]string)
	status := "healthy"

	if err := h.db.Ping(r.Context()); err != nil {
		checks["database"] = err.Error()
		status = "unhealthy"
	} else {
		checks["database"] = "ok"
	}
	if err := h.cache.Ping(r.Context()); err != nil {
		checks["cache"] = err.Error()
	} else {
		checks["cache"] = "ok"
	}

	statusCode := http.StatusOK
	if status != "healthy" {
		statusCode = http.StatusServiceUnavailable
	}

	h.jsonResponse(w, statusCode, &APIResponse{
		Success: status == "healthy",
		Data: HealthResponse{
			Status:    status,
			Version:   config.Version,
			Uptime:    h.formatDuration(time.Since(h.startTime)),
			Timestamp: time.Now().UTC().Format(time.RFC3339),
			Node:      h.sched.NodeID(),
			Scheduler: h.sched.IsRunning(),
			Checks:    checks,
		},
		Meta: &APIMeta{Version: APIVersion},
	})
}

func (h *Handler) handleInfo(w http.ResponseWriter, r *http.Request) {
	h.jsonResponse(w, http.StatusOK, &APIResponse{
		Success: true,
		Data: InfoResponse{
			Name:      h.config.Server.Title,
			Version:   config.Version,
			Uptime:    h.formatDuration(time.Since(h.startTime)),
			Node:      h.sched.NodeID(),
			Scheduler: h.sched.Metrics().Snapshot(),
			System: SystemInfo{
				GoVersion:    runtime.Version(),
				NumCPU:       runtime.NumCPU(),
				NumGoroutine: runtime.NumGoroutine(),
			},
		},
		Meta: &APIMeta{Version: APIVersion},
	})
}

// handleHostTasks is the host poll: returns assigned tasks and counts as
// the heartbeat.
func (h *Handler) handleHostTasks(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		h.errorResponse(w, http.StatusMethodNotAllowed, model.FaultBadRequest, "GET required")
		return
	}
	hostID, ok := h.int64Param(w, r, "host_id")
	if !ok {
		return
	}

	tasks, err := h.sched.GetTasksForHost(r.Context(), hostID)
	if err != nil {
		h.faultResponse(w, err)
		return
	}
	if tasks == nil {
		tasks = []*model.Task{}
	}
	h.jsonResponse(w, http.StatusOK, &APIResponse{
		Success: true,
		Data:    tasks,
		Meta:    &APIMeta{Version: APIVersion},
	})
}

func (h *Handler) handleHostData(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		var req HostDataRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			h.errorResponse(w, http.StatusBadRequest, model.FaultBadRequest, "invalid JSON body")
			return
		}
		if req.HostID == 0 {
			h.errorResponse(w, http.StatusBadRequest, model.FaultBadRequest, "host_id is required")
			return
		}
		if err := h.sched.SetHostData(r.Context(), req.HostID, req.Data); err != nil {
			h.faultResponse(w, err)
			return
		}
		h.jsonResponse(w, http.StatusOK, &APIResponse{Success: true, Meta: &APIMeta{Version: APIVersion}})

	case http.MethodGet:
		var hostID *int64
		if v := r.URL.Query().Get("host_id"); v != "" {
			id, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				h.errorResponse(w, http.StatusBadRequest, model.FaultBadRequest, "host_id must be an integer")
				return
			}
			hostID = &id
		}
		data, err := h.sched.GetHostData(r.Context(), hostID)
		if err != nil {
			h.faultResponse(w, err)
			return
		}
		if data == nil {
			data = []*model.HostData{}
		}
		h.jsonResponse(w, http.StatusOK, &APIResponse{Success: true, Data: data, Meta: &APIMeta{Version: APIVersion}})

	default:
		h.errorResponse(w, http.StatusMethodNotAllowed, model.FaultBadRequest, "GET or POST required")
	}
}

func (h *Handler) handleRefuseTask(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		h.errorResponse(w, http.StatusMethodNotAllowed, model.FaultBadRequest, "POST required")
		return
	}
	var req RefusalRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.errorResponse(w, http.StatusBadRequest, model.FaultBadRequest, "invalid JSON body")
		return
	}
	if req.HostID == 0 || req.TaskID == 0 {
		h.errorResponse(w, http.StatusBadRequest, model.FaultBadRequest, "host_id and task_id are required")
		return
	}
	if err := h.sched.SetRefusal(r.Context(), req.HostID, req.TaskID, req.Soft, true, req.Msg); err != nil {
		h.faultResponse(w, err)
		return
	}
	h.jsonResponse(w, http.StatusOK, &APIResponse{Success: true, Meta: &APIMeta{Version: APIVersion}})
}

func (h *Handler) handleOpenTask(w http.ResponseWriter, r *http.Request) {
	req, ok := h.taskAction(w, r)
	if !ok {
		return
	}
	if err := h.sched.OpenTask(r.Context(), req.TaskID, req.HostID); err != nil {
		h.faultResponse(w, err)
		return
	}
	h.jsonResponse(w, http.StatusOK, &APIResponse{Success: true, Meta: &APIMeta{Version: APIVersion}})
}

func (h *Handler) handleCloseTask(w http.ResponseWriter, r *http.Request) {
	req, ok := h.taskAction(w, r)
	if !ok {
		return
	}
	state := model.TaskState(req.State)
	if state == "" {
		state = model.TaskClosed
	}
	if err := h.sched.CloseTask(r.Context(), req.TaskID, req.HostID, state); err != nil {
		h.faultResponse(w, err)
		return
	}
	h.jsonResponse(w, http.StatusOK, &APIResponse{Success: true, Meta: &APIMeta{Version: APIVersion}})
}

func (h *Handler) handleAssignTask(w http.ResponseWriter, r *http.Request) {
	req, ok := h.taskAction(w, r)
	if !ok {
		return
	}
	if req.HostID == 0 {
		h.errorResponse(w, http.StatusBadRequest, model.FaultBadRequest, "host_id is required")
		return
	}
	if err := h.sched.AssignTask(r.Context(), req.TaskID, req.HostID, req.Force, req.Override); err != nil {
		h.faultResponse(w, err)
		return
	}
	h.jsonResponse(w, http.StatusOK, &APIResponse{Success: true, Meta: &APIMeta{Version: APIVersion}})
}

func (h *Handler) handleFreeTask(w http.ResponseWriter, r *http.Request) {
	req, ok := h.taskAction(w, r)
	if !ok {
		return
	}
	if err := h.sched.FreeTask(r.Context(), req.TaskID); err != nil {
		h.faultResponse(w, err)
		return
	}
	h.jsonResponse(w, http.StatusOK, &APIResponse{Success: true, Meta: &APIMeta{Version: APIVersion}})
}

func (h *Handler) handleHosts(w http.ResponseWriter, r *http.Request) {
	hosts, err := h.sched.ListHosts(r.Context())
	if err != nil {
		h.faultResponse(w, err)
		return
	}
	if hosts == nil {
		hosts = []*model.Host{}
	}
	h.jsonResponse(w, http.StatusOK, &APIResponse{Success: true, Data: hosts, Meta: &APIMeta{Version: APIVersion}})
}

func (h *Handler) handleHostByID(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r, "/api/v1/hosts/")
	if !ok {
		return
	}
	host, err := h.sched.GetHost(r.Context(), id)
	if err != nil {
		h.faultResponse(w, err)
		return
	}
	h.jsonResponse(w, http.StatusOK, &APIResponse{Success: true, Data: host, Meta: &APIMeta{Version: APIVersion}})
}

func (h *Handler) handleTaskByID(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r, "/api/v1/tasks/")
	if !ok {
		return
	}
	task, err := h.sched.GetTask(r.Context(), id)
	if err != nil {
		h.faultResponse(w, err)
		return
	}
	h.jsonResponse(w, http.StatusOK, &APIResponse{Success: true, Data: task, Meta: &APIMeta{Version: APIVersion}})
}

func (h *Handler) handleRuns(w http.ResponseWriter, r *http.Request) {
	var filter scheduler.RunFilter
	q := r.URL.Query()
	if v := q.Get("task_id"); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			h.errorResponse(w, http.StatusBadRequest, model.FaultBadRequest, "task_id must be an integer")
			return
		}
		filter.TaskID = &id
	}
	if v := q.Get("host_id"); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			h.errorResponse(w, http.StatusBadRequest, model.FaultBadRequest, "host_id must be an integer")
			return
		}
		filter.HostID = &id
	}
	filter.State = model.RunState(q.Get("state"))

	runs, err := h.sched.GetTaskRuns(r.Context(), filter)
	if err != nil {
		h.faultResponse(w, err)
		return
	}
	if runs == nil {
		runs = []*model.TaskRun{}
	}
	h.jsonResponse(w, http.StatusOK, &APIResponse{Success: true, Data: runs, Meta: &APIMeta{Version: APIVersion}})
}

func (h *Handler) handleRefusals(w http.ResponseWriter, r *http.Request) {
	var filter scheduler.RefusalFilter
	q := r.URL.Query()
	if v := q.Get("task_id"); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			h.errorResponse(w, http.StatusBadRequest, model.FaultBadRequest, "task_id must be an integer")
			return
		}
		filter.TaskID = &id
	}
	if v := q.Get("host_id"); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			h.errorResponse(w, http.StatusBadRequest, model.FaultBadRequest, "host_id must be an integer")
			return
		}
		filter.HostID = &id
	}

	refusals, err := h.sched.GetTaskRefusals(r.Context(), filter)
	if err != nil {
		h.faultResponse(w, err)
		return
	}
	if refusals == nil {
		refusals = []*model.Refusal{}
	}
	h.jsonResponse(w, http.StatusOK, &APIResponse{Success: true, Data: refusals, Meta: &APIMeta{Version: APIVersion}})
}

// handleLogs serves the event log through the cache; the log is
// append-only so brief staleness is harmless.
func (h *Handler) handleLogs(w http.ResponseWriter, r *http.Request) {
	var filter scheduler.LogFilter
	q := r.URL.Query()
	key := "scheduler:logs"
	if v := q.Get("task_id"); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			h.errorResponse(w, http.StatusBadRequest, model.FaultBadRequest, "task_id must be an integer")
			return
		}
		filter.TaskID = &id
		key += ":t" + v
	}
	if v := q.Get("host_id"); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			h.errorResponse(w, http.StatusBadRequest, model.FaultBadRequest, "host_id must be an integer")
			return
		}
		filter.HostID = &id
		key += ":h" + v
	}
	if v := q.Get("limit"); v != "" {
		filter.Limit, _ = strconv.Atoi(v)
		key += ":l" + v
	}

	var logs []*model.LogMessage
	if err := cache.GetJSON(r.Context(), h.cache, key, &logs); err != nil {
		logs, err = h.sched.GetLogMessages(r.Context(), filter)
		if err != nil {
			h.faultResponse(w, err)
			return
		}
		cache.SetJSON(r.Context(), h.cache, key, logs, logCacheTTL)
	}
	if logs == nil {
		logs = []*model.LogMessage{}
	}
	h.jsonResponse(w, http.StatusOK, &APIResponse{Success: true, Data: logs, Meta: &APIMeta{Version: APIVersion}})
}

// handleSchedulerRun forces a tick, bypassing the interval gate but not
// the lock.
func (h *Handler) handleSchedulerRun(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		h.errorResponse(w, http.StatusMethodNotAllowed, model.FaultBadRequest, "POST required")
		return
	}
	ran, err := h.sched.RunOnce(r.Context(), true)
	if err != nil {
		h.faultResponse(w, err)
		return
	}
	if !ran {
		h.errorResponse(w, http.StatusConflict, model.FaultLockBusy, "scheduler lock held elsewhere")
		return
	}
	h.jsonResponse(w, http.StatusOK, &APIResponse{Success: true, Meta: &APIMeta{Version: APIVersion}})
}

func (h *Handler) handleSchedulerMetrics(w http.ResponseWriter, r *http.Request) {
	h.jsonResponse(w, http.StatusOK, &APIResponse{
		Success: true,
		Data:    h.sched.Metrics().Snapshot(),
		Meta:    &APIMeta{Version: APIVersion},
	})
}

// Helpers

func (h *Handler) taskAction(w http.ResponseWriter, r *http.Request) (*TaskActionRequest, bool) {
	if r.Method != http.MethodPost {
		h.errorResponse(w, http.StatusMethodNotAllowed, model.FaultBadRequest, "POST required")
		return nil, false
	}
	var req TaskActionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.errorResponse(w, http.StatusBadRequest, model.FaultBadRequest, "invalid JSON body")
		return nil, false
	}
	if req.TaskID == 0 {
		h.errorResponse(w, http.StatusBadRequest, model.FaultBadRequest, "task_id is required")
		return nil, false
	}
	return &req, true
}

func (h *Handler) int64Param(w http.ResponseWriter, r *http.Request, name string) (int64, bool) {
	v := r.URL.Query().Get(name)
	if v == "" {
		h.errorResponse(w, http.StatusBadRequest, model.FaultBadRequest, name+" is required")
		return 0, false
	}
	id, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		h.errorResponse(w, http.StatusBadRequest, model.FaultBadRequest, name+" must be an integer")
		return 0, false
	}
	return id, true
}

func (h *Handler) pathID(w http.ResponseWriter, r *http.Request, prefix string) (int64, bool) {
	raw := strings.TrimPrefix(r.URL.Path, prefix)
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		h.errorResponse(w, http.StatusBadRequest, model.FaultBadRequest, "id must be an integer")
		return 0, false
	}
	return id, true
}

func (h *Handler) jsonResponse(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("X-API-Version", APIVersion)
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func (h *Handler) errorResponse(w http.ResponseWriter, status, code int, message string) {
	h.jsonResponse(w, status, &APIResponse{
		Success: false,
		Error: &APIError{
			Code:    code,
			Status:  status,
			Message: message,
		},
		Meta: &APIMeta{Version: APIVersion},
	})
}

// faultResponse maps a scheduler error to its HTTP status via the fault
// code table; anything unstructured is a 500.
func (h *Handler) faultResponse(w http.ResponseWriter, err error) {
	var me *model.Error
	if errors.As(err, &me) {
		h.errorResponse(w, model.HTTPStatus(me.Code), me.Code, me.Message)
		return
	}
	h.errorResponse(w, http.StatusInternalServerError, model.FaultGeneric, err.Error())
}

func (h *Handler) formatDuration(d time.Duration) string {
	days := int(d.Hours()) / 24
	hours := int(d.Hours()) % 24
	minutes := int(d.Minutes()) % 60

	if days > 0 {
		return fmt.Sprintf("%dd %dh %dm", days, hours, minutes)
	}
	if hours > 0 {
		return fmt.Sprintf("%dh %dm", hours, minutes)
	}
	return fmt.Sprintf("%dm", minutes)
}
