// Package bus implements the MessageBus: a per-worker inbound instruction
// queue plus two shared outbound queues (results, statuses), per spec.md
// §4.2. Put is blocking against a bounded capacity; Get is non-blocking.
// Ordering is FIFO per (source, destination) pair.
package bus

import (
	"fmt"
	"sync"

	"github.com/forgeai/forge/internal/protocol"
)

// DefaultCapacity bounds each queue's logical size (spec.md §4.2 recommends
// a cap ≥ 1024 to prevent run-away memory; Put blocks once the cap is hit).
const DefaultCapacity = 1024

// Bus owns one inbound channel per registered worker id and two shared
// outbound channels. It is safe for concurrent use.
type Bus struct {
	mu       sync.RWMutex
	inbound  map[string]chan protocol.Instruction
	results  chan protocol.Result
	statuses chan protocol.StatusEvent
	capacity int
}

// New constructs an empty Bus; workers are added with Register as the
// WorkerRegistry spawns them.
func New() *Bus {
	return &Bus{
		inbound:  make(map[string]chan protocol.Instruction),
		results:  make(chan protocol.Result, DefaultCapacity),
		statuses: make(chan protocol.StatusEvent, DefaultCapacity),
		capacity: DefaultCapacity,
	}
}

// Register creates the inbound queue for workerID. Registering the same id
// twice replaces the channel (used when a worker is respawned).
func (b *Bus) Register(workerID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.inbound[workerID] = make(chan protocol.Instruction, b.capacity)
}

// Unregister removes workerID's inbound queue. Any instructions still
// queued are dropped — the bus carries no durability (spec.md §4.2).
func (b *Bus) Unregister(workerID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.inbound, workerID)
}

// PutInstruction blocks until the instruction is queued for workerID or the
// queue is unknown, in which case it returns an error immediately (the
// Scheduler treats this as a DispatchError and reverts its dispatch marks).
func (b *Bus) PutInstruction(workerID string, instr protocol.Instruction) error {
	b.mu.RLock()
	ch, ok := b.inbound[workerID]
	b.mu.RUnlock()
	if !ok {
		return fmt.Errorf("bus: no inbound queue for worker %q", workerID)
	}
	select {
	case ch <- instr:
		return nil
	default:
	}
	// Queue is momentarily full; block without holding the bus lock so
	// registration/unregistration of other workers is never stalled.
	ch <- instr
	return nil
}

// GetInstruction is a non-blocking drain of one worker's inbound queue.
// The OS process boundary means the real consumer is workerproc's pipe
// pump, running orchestrator-side: it drains this channel and forwards
// each instruction across the child's stdin pipe.
func (b *Bus) GetInstruction(workerID string) (protocol.Instruction, bool) {
	b.mu.RLock()
	ch, ok := b.inbound[workerID]
	b.mu.RUnlock()
	if !ok {
		return protocol.Instruction{}, false
	}
	select {
	case instr := <-ch:
		return instr, true
	default:
		return protocol.Instruction{}, false
	}
}

// PutResult enqueues a worker result onto the shared outbound results
// queue. Blocking per spec.md §4.2.
func (b *Bus) PutResult(r protocol.Result) { b.results <- r }

// PutStatus enqueues a worker status event onto the shared outbound
// statuses queue. Blocking.
func (b *Bus) PutStatus(s protocol.StatusEvent) { b.statuses <- s }

// GetResult is the Scheduler's non-blocking poll of the results queue.
func (b *Bus) GetResult() (protocol.Result, bool) {
	select {
	case r := <-b.results:
		return r, true
	default:
		return protocol.Result{}, false
	}
}

// GetStatus is the Scheduler's non-blocking poll of the statuses queue.
func (b *Bus) GetStatus() (protocol.StatusEvent, bool) {
	select {
	case s := <-b.statuses:
		return s, true
	default:
		return protocol.StatusEvent{}, false
	}
}
