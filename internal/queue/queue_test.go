package queue

import (
	"context"
	"testing"
	"time"

	"github.com/forgeai/forge/internal/store"
)

func newTestTask(id string) store.Task {
	return store.Task{
		TaskID:     id,
		Prompt:     "a cat",
		ModelName:  "test_model",
		Status:     store.TaskQueued,
		SubmitTime: time.Now(),
	}
}

func TestSubmitAndNextFIFO(t *testing.T) {
	st := store.NewMemoryStore()
	q := New(st)

	id1, err := q.Submit(context.Background(), newTestTask("t1"))
	if err != nil {
		t.Fatalf("submit t1: %v", err)
	}
	id2, err := q.Submit(context.Background(), newTestTask("t2"))
	if err != nil {
		t.Fatalf("submit t2: %v", err)
	}

	first, ok := q.Next()
	if !ok || first.TaskID != id1 {
		t.Fatalf("expected first pop to be %q, got %q (ok=%v)", id1, first.TaskID, ok)
	}
	second, ok := q.Next()
	if !ok || second.TaskID != id2 {
		t.Fatalf("expected second pop to be %q, got %q (ok=%v)", id2, second.TaskID, ok)
	}
	if _, ok := q.Next(); ok {
		t.Fatal("expected queue to be empty after draining both tasks")
	}
}

func TestSubmitDuplicateIDRetries(t *testing.T) {
	st := store.NewMemoryStore()
	q := New(st)

	first, err := q.Submit(context.Background(), newTestTask("dup"))
	if err != nil {
		t.Fatalf("first submit: %v", err)
	}
	second, err := q.Submit(context.Background(), newTestTask("dup"))
	if err != nil {
		t.Fatalf("second submit with colliding id: %v", err)
	}
	if first == second {
		t.Fatalf("expected a distinct retried id, got the same id twice: %q", first)
	}
}

func TestCancelOnlyWhilePending(t *testing.T) {
	st := store.NewMemoryStore()
	q := New(st)

	id, err := q.Submit(context.Background(), newTestTask("cancelme"))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if !q.Cancel(context.Background(), id) {
		t.Fatal("expected cancel of a still-pending task to succeed")
	}
	if _, ok := q.Next(); ok {
		t.Fatal("cancelled task must not be dispatchable")
	}

	id2, err := q.Submit(context.Background(), newTestTask("active"))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	task, _ := q.Next()
	q.Assign(task.TaskID, "worker_0", newTestTask(id2))
	if q.Cancel(context.Background(), id2) {
		t.Fatal("expected cancel of an already-assigned task to fail")
	}
}

func TestUnassignRevertsToFIFOHead(t *testing.T) {
	st := store.NewMemoryStore()
	q := New(st)

	idA, _ := q.Submit(context.Background(), newTestTask("a"))
	idB, _ := q.Submit(context.Background(), newTestTask("b"))

	popped, _ := q.Next() // idA
	if popped.TaskID != idA {
		t.Fatalf("expected to pop %q first, got %q", idA, popped.TaskID)
	}
	q.Assign(idA, "worker_0", newTestTask(idA))
	q.Unassign(idA)

	next, ok := q.Next()
	if !ok || next.TaskID != idA {
		t.Fatalf("expected reverted task %q back at FIFO head, got %q (ok=%v)", idA, next.TaskID, ok)
	}
	next2, ok := q.Next()
	if !ok || next2.TaskID != idB {
		t.Fatalf("expected %q next, got %q (ok=%v)", idB, next2.TaskID, ok)
	}
}

func TestCompleteComputesProcessingTime(t *testing.T) {
	st := store.NewMemoryStore()
	q := New(st)

	id, _ := q.Submit(context.Background(), newTestTask("done"))
	q.Next()
	q.Assign(id, "worker_0", newTestTask(id))

	start := time.Now().Add(-2 * time.Second)
	q.UpdateActive(id, func(r *Record) { r.Task.StartTime = &start })

	if err := q.Complete(context.Background(), id, "/out/done.png", time.Now()); err != nil {
		t.Fatalf("complete: %v", err)
	}
	if _, ok := q.Active(id); ok {
		t.Fatal("completed task must no longer be active")
	}
	stats := q.Stats()
	if stats.Completed != 1 {
		t.Fatalf("expected 1 completed task, got %d", stats.Completed)
	}
	task, err := st.GetTask(context.Background(), id)
	if err != nil || task == nil || task.ProcessingTimeSeconds == nil || *task.ProcessingTimeSeconds < 2 {
		t.Fatalf("expected a persisted processing time of at least 2s, got %+v (err=%v)", task, err)
	}
}
