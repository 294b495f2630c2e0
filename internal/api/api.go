// Package api implements the HTTP surface (spec.md §6.1, marked
// "bit-exact"): task submission, status lookup, cancellation, listing,
// worker/queue status, and health. Every response is JSON with a
// `success: bool` field plus `data` or `error`, per the spec's literal wire
// contract — handlers otherwise follow the control plane's style: method
// check, decode body, validate, call the domain layer, respond.
package api

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/forgeai/forge/internal/idempotency"
	"github.com/forgeai/forge/internal/idgen"
	"github.com/forgeai/forge/internal/observability"
	"github.com/forgeai/forge/internal/queue"
	"github.com/forgeai/forge/internal/registry"
	"github.com/forgeai/forge/internal/store"
	"github.com/forgeai/forge/internal/streamhub"
)

// Admission defaults applied when a submission omits them (spec.md §6.1).
const (
	defaultNegativePrompt = ""
	defaultWidth          = 832
	defaultHeight         = 1216
	defaultSteps          = 15
	defaultGuidanceScale  = 7.0
	defaultModelName      = "cyberrealistic_pony_v110"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// API wires the HTTP surface to the Queue/Registry/Store/Hub. It holds no
// task or worker state of its own.
type API struct {
	q     *queue.Queue
	reg   *registry.Registry
	st    store.Store
	hub   *streamhub.Hub
	guard idempotency.Guard

	submitLimiter *rate.Limiter
}

func New(q *queue.Queue, reg *registry.Registry, st store.Store, guard idempotency.Guard) *API {
	return &API{
		q:             q,
		reg:           reg,
		st:            st,
		guard:         guard,
		submitLimiter: rate.NewLimiter(rate.Limit(20), 40),
	}
}

// SetHub attaches the status-stream hub once constructed; split from New
// because the hub's snapshot function closes over this API's Snapshot.
func (a *API) SetHub(hub *streamhub.Hub) { a.hub = hub }

// Mux builds the routed handler (spec.md §6.1's table).
func (a *API) Mux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/tasks/submit", a.handleSubmit)
	mux.HandleFunc("/api/tasks/", a.handleTaskByID) // .../{task_id}/status, .../{task_id}/cancel
	mux.HandleFunc("/api/tasks", a.handleListTasks)
	mux.HandleFunc("/api/workers", a.handleListWorkers)
	mux.HandleFunc("/api/status", a.handleStatus)
	mux.HandleFunc("/api/status/stream", a.handleStatusStream)
	mux.HandleFunc("/api/health", a.handleHealth)
	return mux
}

type submitRequest struct {
	TaskID         string   `json:"task_id,omitempty"`
	Prompt         string   `json:"prompt"`
	NegativePrompt *string  `json:"negative_prompt,omitempty"`
	Width          *int     `json:"width,omitempty"`
	Height         *int     `json:"height,omitempty"`
	Steps          *int     `json:"steps,omitempty"`
	GuidanceScale  *float64 `json:"cfg_scale,omitempty"`
	Seed           *int64   `json:"seed,omitempty"`
	ModelName      *string  `json:"model_name,omitempty"`
}

func (a *API) handleSubmit(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if !a.submitLimiter.Allow() {
		observability.APISubmissionsRejected.Inc()
		writeError(w, http.StatusTooManyRequests, "too many requests")
		return
	}

	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(req.Prompt) == "" {
		writeError(w, http.StatusBadRequest, "prompt is required")
		return
	}

	idempotencyKey := r.Header.Get("Idempotency-Key")
	if idempotencyKey != "" && a.guard != nil {
		if existing, ok, err := a.guard.Seen(r.Context(), idempotencyKey); err == nil && ok {
			writeData(w, http.StatusOK, map[string]string{"task_id": existing, "status": string(store.TaskQueued)})
			return
		}
	}

	taskID := req.TaskID
	if taskID == "" {
		taskID = idgen.UUID4()
	}

	task := store.Task{
		TaskID:         taskID,
		Prompt:         req.Prompt,
		NegativePrompt: defaultNegativePrompt,
		Width:          defaultWidth,
		Height:         defaultHeight,
		Steps:          defaultSteps,
		GuidanceScale:  defaultGuidanceScale,
		ModelName:      defaultModelName,
		Status:         store.TaskQueued,
		SubmitTime:     time.Now(),
	}
	if req.NegativePrompt != nil {
		task.NegativePrompt = *req.NegativePrompt
	}
	if req.Width != nil {
		task.Width = *req.Width
	}
	if req.Height != nil {
		task.Height = *req.Height
	}
	if req.Steps != nil {
		task.Steps = *req.Steps
	}
	if req.GuidanceScale != nil {
		task.GuidanceScale = *req.GuidanceScale
	}
	if req.Seed != nil {
		task.Seed = req.Seed
	}
	if req.ModelName != nil {
		task.ModelName = *req.ModelName
	}

	admittedID, err := a.q.Submit(r.Context(), task)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	if idempotencyKey != "" && a.guard != nil {
		_ = a.guard.Remember(r.Context(), idempotencyKey, admittedID, 24*time.Hour)
	}

	writeData(w, http.StatusOK, map[string]string{"task_id": admittedID, "status": string(store.TaskQueued)})
}

// handleTaskByID routes /api/tasks/{task_id}/status and
// /api/tasks/{task_id}/cancel.
func (a *API) handleTaskByID(w http.ResponseWriter, r *http.Request) {
	parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/api/tasks/"), "/")
	if len(parts) == 0 || parts[0] == "" {
		writeError(w, http.StatusBadRequest, "task_id is required")
		return
	}
	taskID := parts[0]

	switch {
	case len(parts) == 2 && parts[1] == "status":
		a.handleGetTaskStatus(w, r, taskID)
	case len(parts) == 2 && parts[1] == "cancel":
		a.handleCancelTask(w, r, taskID)
	default:
		writeError(w, http.StatusNotFound, "not found")
	}
}

func (a *API) handleGetTaskStatus(w http.ResponseWriter, r *http.Request, taskID string) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	task, err := a.st.GetTask(r.Context(), taskID)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "internal server error")
		return
	}
	if task == nil {
		writeError(w, http.StatusNotFound, "task not found")
		return
	}
	writeData(w, http.StatusOK, map[string]any{
		"task_id": task.TaskID,
		"status":  task.Status,
		"details": task,
	})
}

func (a *API) handleCancelTask(w http.ResponseWriter, r *http.Request, taskID string) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if !a.q.Cancel(r.Context(), taskID) {
		// Either unknown, or already past queued — not cancelable
		// (spec.md §4.5: cancel only succeeds while still pending).
		writeError(w, http.StatusBadRequest, "task is not cancellable")
		return
	}
	writeData(w, http.StatusOK, map[string]string{"task_id": taskID, "status": string(store.TaskCancelled)})
}

func (a *API) handleListTasks(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	limit := 100
	tasks, err := a.st.ListTasks(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "internal server error")
		return
	}
	writeData(w, http.StatusOK, map[string]any{"tasks": tasks})
}

func (a *API) handleListWorkers(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	writeData(w, http.StatusOK, map[string]any{"workers": a.reg.List()})
}

func (a *API) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	snap := a.Snapshot()
	writeData(w, http.StatusOK, map[string]any{
		"status": map[string]any{
			"queue_depth":   snap.QueueDepth,
			"active_tasks":  snap.ActiveTasks,
			"worker_counts": snap.WorkerCounts,
		},
		"timestamp": snap.Timestamp,
	})
}

func (a *API) handleStatusStream(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	a.hub.Register(conn)
}

func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeData(w, http.StatusOK, map[string]string{"status": "healthy"})
}

// Snapshot computes the current queue/worker status view; it is also used
// as the streamhub's periodic broadcast payload.
func (a *API) Snapshot() streamhub.Snapshot {
	stats := a.q.Stats()
	counts := map[string]int{}
	for _, wk := range a.reg.List() {
		counts[string(wk.Status)]++
	}
	return streamhub.Snapshot{
		QueueDepth:   stats.Pending,
		ActiveTasks:  stats.Active,
		WorkerCounts: counts,
		Timestamp:    time.Now(),
	}
}

// envelope is the bit-exact response shape spec.md §6.1 requires of every
// endpoint: success plus data or error, never both.
type envelope struct {
	Success bool `json:"success"`
	Data    any  `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
}

func writeData(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(envelope{Success: true, Data: data})
}

func writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(envelope{Success: false, Error: message})
}
