package bus

import (
	"testing"

	"github.com/forgeai/forge/internal/protocol"
)

func TestPutInstructionUnknownWorker(t *testing.T) {
	b := New()
	err := b.PutInstruction("worker_missing", protocol.Instruction{Action: protocol.ActionRunTask})
	if err == nil {
		t.Fatal("expected an error putting to an unregistered worker")
	}
}

func TestPutAndGetInstructionFIFO(t *testing.T) {
	b := New()
	b.Register("worker_0")

	b.PutInstruction("worker_0", protocol.Instruction{TaskID: "t1", Action: protocol.ActionRunTask})
	b.PutInstruction("worker_0", protocol.Instruction{TaskID: "t2", Action: protocol.ActionRunTask})

	first, ok := b.GetInstruction("worker_0")
	if !ok || first.TaskID != "t1" {
		t.Fatalf("expected t1 first, got %q (ok=%v)", first.TaskID, ok)
	}
	second, ok := b.GetInstruction("worker_0")
	if !ok || second.TaskID != "t2" {
		t.Fatalf("expected t2 second, got %q (ok=%v)", second.TaskID, ok)
	}
	if _, ok := b.GetInstruction("worker_0"); ok {
		t.Fatal("expected queue to be drained")
	}
}

func TestUnregisterDropsQueue(t *testing.T) {
	b := New()
	b.Register("worker_0")
	b.PutInstruction("worker_0", protocol.Instruction{TaskID: "t1"})
	b.Unregister("worker_0")

	if err := b.PutInstruction("worker_0", protocol.Instruction{TaskID: "t2"}); err == nil {
		t.Fatal("expected put to fail after unregister")
	}
}

func TestResultAndStatusQueues(t *testing.T) {
	b := New()
	b.PutResult(protocol.Result{TaskID: "t1", Success: true})
	b.PutStatus(protocol.StatusEvent{WorkerID: "worker_0", TaskID: "t1", Status: protocol.StatusCompleted})

	r, ok := b.GetResult()
	if !ok || r.TaskID != "t1" {
		t.Fatalf("expected result for t1, got %+v (ok=%v)", r, ok)
	}
	s, ok := b.GetStatus()
	if !ok || s.TaskID != "t1" {
		t.Fatalf("expected status for t1, got %+v (ok=%v)", s, ok)
	}
	if _, ok := b.GetResult(); ok {
		t.Fatal("expected results queue to be empty")
	}
}
