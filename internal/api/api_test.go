package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/forgeai/forge/internal/bus"
	"github.com/forgeai/forge/internal/idempotency"
	"github.com/forgeai/forge/internal/queue"
	"github.com/forgeai/forge/internal/registry"
	"github.com/forgeai/forge/internal/store"
)

func newTestAPI(t *testing.T) *API {
	t.Helper()
	st := store.NewMemoryStore()
	b := bus.New()
	reg := registry.New(b, st, registry.Config{})
	q := queue.New(st)
	return New(q, reg, st, idempotency.NewMemGuard())
}

// decodeEnvelope unwraps the bit-exact {success, data|error} response shape
// every handler in this package writes (spec.md §6.1).
func decodeEnvelope(t *testing.T, body []byte) (success bool, data map[string]any, errMsg string) {
	t.Helper()
	var env struct {
		Success bool           `json:"success"`
		Data    map[string]any `json:"data"`
		Error   string         `json:"error"`
	}
	if err := json.Unmarshal(body, &env); err != nil {
		t.Fatalf("decode envelope: %v (body=%s)", err, body)
	}
	return env.Success, env.Data, env.Error
}

func TestSubmitAppliesDefaultsAndReturnsTaskID(t *testing.T) {
	a := newTestAPI(t)
	body := `{"prompt": "a dog in a field"}`
	req := httptest.NewRequest(http.MethodPost, "/api/tasks/submit", bytes.NewBufferString(body))
	rec := httptest.NewRecorder()

	a.handleSubmit(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	success, data, _ := decodeEnvelope(t, rec.Body.Bytes())
	if !success {
		t.Fatal("expected success: true")
	}
	if status, _ := data["status"].(string); status != string(store.TaskQueued) {
		t.Fatalf("expected status %q, got %q", store.TaskQueued, status)
	}
	taskID, _ := data["task_id"].(string)
	if taskID == "" {
		t.Fatal("expected a non-empty task_id")
	}

	task, err := a.st.GetTask(req.Context(), taskID)
	if err != nil || task == nil {
		t.Fatalf("expected the task to be persisted: %v", err)
	}
	if task.Width != defaultWidth || task.Height != defaultHeight || task.Steps != defaultSteps || task.ModelName != defaultModelName {
		t.Fatalf("expected admission defaults to be applied, got %+v", task)
	}
}

func TestSubmitUsesCfgScaleWireField(t *testing.T) {
	a := newTestAPI(t)
	body := `{"prompt": "a dog in a field", "cfg_scale": 9.5}`
	req := httptest.NewRequest(http.MethodPost, "/api/tasks/submit", bytes.NewBufferString(body))
	rec := httptest.NewRecorder()

	a.handleSubmit(rec, req)

	_, data, _ := decodeEnvelope(t, rec.Body.Bytes())
	taskID, _ := data["task_id"].(string)
	task, err := a.st.GetTask(req.Context(), taskID)
	if err != nil || task == nil {
		t.Fatalf("expected the task to be persisted: %v", err)
	}
	if task.GuidanceScale != 9.5 {
		t.Fatalf("expected cfg_scale to set GuidanceScale to 9.5, got %v", task.GuidanceScale)
	}
}

func TestSubmitRejectsEmptyPrompt(t *testing.T) {
	a := newTestAPI(t)
	req := httptest.NewRequest(http.MethodPost, "/api/tasks/submit", bytes.NewBufferString(`{"prompt": ""}`))
	rec := httptest.NewRecorder()

	a.handleSubmit(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for an empty prompt, got %d", rec.Code)
	}
	success, _, errMsg := decodeEnvelope(t, rec.Body.Bytes())
	if success {
		t.Fatal("expected success: false")
	}
	if errMsg == "" {
		t.Fatal("expected a non-empty error message")
	}
}

func TestGetTaskStatusNotFound(t *testing.T) {
	a := newTestAPI(t)
	req := httptest.NewRequest(http.MethodGet, "/api/tasks/nonexistent/status", nil)
	rec := httptest.NewRecorder()

	a.handleTaskByID(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for an unknown task, got %d", rec.Code)
	}
}

func TestCancelQueuedTaskSucceeds(t *testing.T) {
	a := newTestAPI(t)
	submitReq := httptest.NewRequest(http.MethodPost, "/api/tasks/submit", bytes.NewBufferString(`{"prompt": "x"}`))
	submitRec := httptest.NewRecorder()
	a.handleSubmit(submitRec, submitReq)

	_, submitData, _ := decodeEnvelope(t, submitRec.Body.Bytes())
	taskID, _ := submitData["task_id"].(string)

	cancelReq := httptest.NewRequest(http.MethodPost, "/api/tasks/"+taskID+"/cancel", nil)
	cancelRec := httptest.NewRecorder()
	a.handleTaskByID(cancelRec, cancelReq)

	if cancelRec.Code != http.StatusOK {
		t.Fatalf("expected 200 cancelling a pending task, got %d: %s", cancelRec.Code, cancelRec.Body.String())
	}
	success, data, _ := decodeEnvelope(t, cancelRec.Body.Bytes())
	if !success {
		t.Fatal("expected success: true")
	}
	if data["task_id"] != taskID {
		t.Fatalf("expected task_id %q in response, got %+v", taskID, data)
	}
	if data["status"] != string(store.TaskCancelled) {
		t.Fatalf("expected status %q, got %+v", store.TaskCancelled, data["status"])
	}
}

func TestCancelNonCancellableTaskReturns400(t *testing.T) {
	a := newTestAPI(t)
	cancelReq := httptest.NewRequest(http.MethodPost, "/api/tasks/does-not-exist/cancel", nil)
	cancelRec := httptest.NewRecorder()
	a.handleTaskByID(cancelRec, cancelReq)

	if cancelRec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for a non-cancellable task, got %d", cancelRec.Code)
	}
	success, _, errMsg := decodeEnvelope(t, cancelRec.Body.Bytes())
	if success || errMsg == "" {
		t.Fatalf("expected success: false with an error message, got success=%v error=%q", success, errMsg)
	}
}

func TestHealthEndpoint(t *testing.T) {
	a := newTestAPI(t)
	req := httptest.NewRequest(http.MethodGet, "/api/health", nil)
	rec := httptest.NewRecorder()
	a.handleHealth(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	success, data, _ := decodeEnvelope(t, rec.Body.Bytes())
	if !success {
		t.Fatal("expected success: true")
	}
	if data["status"] != "healthy" {
		t.Fatalf("expected status %q, got %+v", "healthy", data["status"])
	}
}
