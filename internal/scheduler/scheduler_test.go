package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/forgeai/forge/internal/bus"
	"github.com/forgeai/forge/internal/protocol"
	"github.com/forgeai/forge/internal/queue"
	"github.com/forgeai/forge/internal/registry"
	"github.com/forgeai/forge/internal/store"
)

func newTestScheduler(t *testing.T) (*Scheduler, *bus.Bus, *queue.Queue, *registry.Registry, store.Store) {
	t.Helper()
	st := store.NewMemoryStore()
	b := bus.New()
	reg := registry.New(b, st, registry.Config{})
	q := queue.New(st)
	cfg := DefaultConfig()
	cfg.DispatchRPS = 1000
	cfg.DispatchBurst = 1000
	return New(b, reg, q, st, cfg), b, q, reg, st
}

func TestDispatchPutsInstructionForIdleWorker(t *testing.T) {
	sched, b, q, reg, _ := newTestScheduler(t)
	ctx := context.Background()

	b.Register("worker_0")
	reg.SeedForTest("worker_0", store.WorkerIdle)

	taskID, err := q.Submit(ctx, store.Task{TaskID: "t1", Prompt: "a dog", ModelName: "m1", Status: store.TaskQueued, SubmitTime: time.Now()})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	sched.dispatch(ctx)

	instr, ok := b.GetInstruction("worker_0")
	if !ok {
		t.Fatal("expected an instruction to be dispatched to worker_0")
	}
	if instr.TaskID != taskID || instr.Action != protocol.ActionRunTask {
		t.Fatalf("unexpected instruction: %+v", instr)
	}
	if _, ok := q.Active(taskID); !ok {
		t.Fatal("expected task to be active after dispatch")
	}
}

func TestDispatchRevertsOnPutFailure(t *testing.T) {
	sched, _, q, reg, _ := newTestScheduler(t)
	ctx := context.Background()

	// The registry believes worker_ghost is idle, but it was never
	// registered on the bus — simulates a worker that died between
	// PickIdle and PutInstruction.
	reg.SeedForTest("worker_ghost", store.WorkerIdle)

	taskID, err := q.Submit(ctx, store.Task{TaskID: "t2", Prompt: "a cat", ModelName: "m1", Status: store.TaskQueued, SubmitTime: time.Now()})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	sched.dispatch(ctx)

	if _, ok := q.Active(taskID); ok {
		t.Fatal("expected task to be reverted out of active on put failure")
	}
	next, ok := q.Next()
	if !ok || next.TaskID != taskID {
		t.Fatalf("expected task back at FIFO head, got %q (ok=%v)", next.TaskID, ok)
	}
}

func TestDrainStatusesCompletesTask(t *testing.T) {
	sched, b, q, reg, st := newTestScheduler(t)
	ctx := context.Background()

	b.Register("worker_0")
	reg.SeedForTest("worker_0", store.WorkerIdle)

	taskID, _ := q.Submit(ctx, store.Task{TaskID: "t3", Prompt: "x", ModelName: "m1", Status: store.TaskQueued, SubmitTime: time.Now()})
	sched.dispatch(ctx)
	b.GetInstruction("worker_0") // drain, simulating workerproc's pump

	b.PutResult(protocol.Result{TaskID: taskID, Action: protocol.ActionRunInference, Success: true, OutputPath: "/out/t3.png"})
	b.PutStatus(protocol.StatusEvent{WorkerID: "worker_0", TaskID: taskID, Status: protocol.StatusCompleted, Timestamp: time.Now()})

	sched.drainResults(ctx)
	sched.drainStatuses(ctx)

	task, err := st.GetTask(ctx, taskID)
	if err != nil || task == nil {
		t.Fatalf("get task: %v", err)
	}
	if task.Status != store.TaskCompleted || task.OutputPath != "/out/t3.png" {
		t.Fatalf("unexpected task state: %+v", task)
	}
}

func TestDrainStatusesFailsTaskOnError(t *testing.T) {
	sched, b, q, reg, st := newTestScheduler(t)
	ctx := context.Background()

	b.Register("worker_0")
	reg.SeedForTest("worker_0", store.WorkerIdle)

	taskID, _ := q.Submit(ctx, store.Task{TaskID: "t4", Prompt: "x", ModelName: "m1", Status: store.TaskQueued, SubmitTime: time.Now()})
	sched.dispatch(ctx)
	b.GetInstruction("worker_0")

	b.PutStatus(protocol.StatusEvent{WorkerID: "worker_0", TaskID: taskID, Status: protocol.StatusError, Message: "model load failed", Timestamp: time.Now()})
	sched.drainStatuses(ctx)

	task, err := st.GetTask(ctx, taskID)
	if err != nil || task == nil {
		t.Fatalf("get task: %v", err)
	}
	if task.Status != store.TaskFailed || task.ErrorMessage != "model load failed" {
		t.Fatalf("unexpected task state: %+v", task)
	}
}
