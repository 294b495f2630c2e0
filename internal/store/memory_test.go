package store

import (
	"context"
	"testing"
	"time"
)

func TestCreateTaskDuplicateID(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	task := &Task{TaskID: "dup", Prompt: "x", Status: TaskQueued, SubmitTime: time.Now()}
	if err := s.CreateTask(ctx, task); err != nil {
		t.Fatalf("first create: %v", err)
	}
	if err := s.CreateTask(ctx, task); err != ErrDuplicateTaskID {
		t.Fatalf("expected ErrDuplicateTaskID, got %v", err)
	}
}

func TestUpdateTaskStatusMissingRowIsNoop(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	if err := s.UpdateTaskStatus(ctx, "nonexistent", TaskStatusUpdate{Status: TaskRunning}); err != nil {
		t.Fatalf("expected no error updating a missing row, got %v", err)
	}
}

func TestGetTaskUnknownReturnsNilNil(t *testing.T) {
	s := NewMemoryStore()
	task, err := s.GetTask(context.Background(), "nope")
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if task != nil {
		t.Fatalf("expected nil task, got %+v", task)
	}
}

func TestGetPendingTasksOrderedBySubmitTime(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	older := &Task{TaskID: "older", Status: TaskQueued, SubmitTime: time.Now().Add(-time.Minute)}
	newer := &Task{TaskID: "newer", Status: TaskAssigned, SubmitTime: time.Now()}
	done := &Task{TaskID: "done", Status: TaskCompleted, SubmitTime: time.Now()}

	for _, tk := range []*Task{newer, older, done} {
		if err := s.CreateTask(ctx, tk); err != nil {
			t.Fatalf("create %s: %v", tk.TaskID, err)
		}
	}

	pending, err := s.GetPendingTasks(ctx, 10)
	if err != nil {
		t.Fatalf("get pending: %v", err)
	}
	if len(pending) != 2 {
		t.Fatalf("expected 2 pending tasks, got %d", len(pending))
	}
	if pending[0].TaskID != "older" || pending[1].TaskID != "newer" {
		t.Fatalf("expected [older, newer], got [%s, %s]", pending[0].TaskID, pending[1].TaskID)
	}
}

func TestRegisterWorkerUpsertsAndResets(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	if err := s.RegisterWorker(ctx, "worker_0", "0"); err != nil {
		t.Fatalf("register: %v", err)
	}
	busy := "busy"
	_ = s.UpdateWorkerStatus(ctx, "worker_0", WorkerBusy, nil, &busy, 100, "")

	if err := s.RegisterWorker(ctx, "worker_0", "0"); err != nil {
		t.Fatalf("re-register: %v", err)
	}
	w, err := s.GetWorker(ctx, "worker_0")
	if err != nil || w == nil {
		t.Fatalf("get worker: %v", err)
	}
	if w.Status != WorkerStarting {
		t.Fatalf("expected status reset to starting on re-register, got %s", w.Status)
	}
}

func TestRecordModelLoadIncrementsUsage(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	if err := s.RecordModelLoad(ctx, "m1", "/models/m1", 2048); err != nil {
		t.Fatalf("record: %v", err)
	}
	if err := s.RecordModelLoad(ctx, "m1", "/models/m1", 2048); err != nil {
		t.Fatalf("record again: %v", err)
	}
	m, err := s.GetModel(ctx, "m1")
	if err != nil || m == nil {
		t.Fatalf("get model: %v", err)
	}
	if m.UsageCount != 2 {
		t.Fatalf("expected usage_count 2, got %d", m.UsageCount)
	}
}

func TestCleanupOldRecordsKeepsRecentAndFailed(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	oldCompletion := time.Now().Add(-10 * 24 * time.Hour)
	recentCompletion := time.Now()

	old := &Task{TaskID: "old", Status: TaskCompleted, SubmitTime: oldCompletion, CompletionTime: &oldCompletion}
	recent := &Task{TaskID: "recent", Status: TaskCompleted, SubmitTime: recentCompletion, CompletionTime: &recentCompletion}
	oldFailed := &Task{TaskID: "old_failed", Status: TaskFailed, SubmitTime: oldCompletion, CompletionTime: &oldCompletion}

	for _, tk := range []*Task{old, recent, oldFailed} {
		if err := s.CreateTask(ctx, tk); err != nil {
			t.Fatalf("create %s: %v", tk.TaskID, err)
		}
	}

	if err := s.CleanupOldRecords(ctx, 7); err != nil {
		t.Fatalf("cleanup: %v", err)
	}

	if t1, _ := s.GetTask(ctx, "old"); t1 != nil {
		t.Fatal("expected old completed task to be purged")
	}
	if t2, _ := s.GetTask(ctx, "recent"); t2 == nil {
		t.Fatal("expected recent completed task to survive")
	}
	if t3, _ := s.GetTask(ctx, "old_failed"); t3 == nil {
		t.Fatal("expected failed task to survive cleanup")
	}
}
