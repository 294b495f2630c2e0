// Package queue implements TaskQueue: the FIFO of accepted, undispatched
// tasks plus the in-memory active/completed mirrors (spec.md §4.5). Task
// priority ordering beyond strict FIFO is explicitly out of scope.
package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/forgeai/forge/internal/store"
)

// Record is the in-memory mirror of one task, carried alongside the
// durable store.Task row so the queue/scheduler never need to round-trip
// the store to inspect current state.
type Record struct {
	Task     store.Task
	WorkerID string
}

// Queue is a mutex-protected FIFO of pending task ids plus active/
// completed maps. A task id appears in exactly one of {pending, active,
// completed} at any time (spec.md §4.5 invariant).
type Queue struct {
	mu        sync.Mutex
	pending   []string
	active    map[string]*Record
	completed map[string]*Record
	st        store.Store
}

func New(st store.Store) *Queue {
	return &Queue{
		active:    make(map[string]*Record),
		completed: make(map[string]*Record),
		st:        st,
	}
}

// Submit admits a task into the store and the pending FIFO. If task_id
// collides in the Store, it retries with a `_<unixmilli>_<attempt>` suffix
// up to five times (original_source's task_manager.py retry algorithm,
// spec.md §4.5/§8 scenario 3); it fails if the fifth retry still collides.
func (q *Queue) Submit(ctx context.Context, t store.Task) (string, error) {
	originalID := t.TaskID
	for attempt := 0; attempt <= 5; attempt++ {
		err := q.st.CreateTask(ctx, &t)
		if err == nil {
			q.mu.Lock()
			q.pending = append(q.pending, t.TaskID)
			q.mu.Unlock()
			return t.TaskID, nil
		}
		if err != store.ErrDuplicateTaskID {
			return "", err
		}
		t.TaskID = fmt.Sprintf("%s_%d_%d", originalID, time.Now().UnixMilli(), attempt)
	}
	return "", fmt.Errorf("queue: task_id %q still colliding after 5 retries", originalID)
}

// Next pops the head of the pending FIFO, or ok=false if empty.
func (q *Queue) Next() (store.Task, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.pending) == 0 {
		return store.Task{}, false
	}
	id := q.pending[0]
	q.pending = q.pending[1:]
	return store.Task{TaskID: id}, true
}

// Requeue pushes a task id back onto the head of the pending FIFO — used
// when a dispatch attempt fails after Next (spec.md §4.6 dispatch
// atomicity: revert both marks, re-queue at head).
func (q *Queue) Requeue(taskID string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.pending = append([]string{taskID}, q.pending...)
}

// Assign moves a task from pending bookkeeping into the active mirror,
// recording its worker assignment.
func (q *Queue) Assign(taskID, workerID string, task store.Task) {
	q.mu.Lock()
	defer q.mu.Unlock()
	task.WorkerID = &workerID
	task.Status = store.TaskAssigned
	q.active[taskID] = &Record{Task: task, WorkerID: workerID}
}

// Unassign reverts a just-assigned task back to the head of the pending
// FIFO and drops its active mirror (spec.md §4.6 dispatch atomicity: a bus
// put failure must undo the assignment, not strand the task as active with
// no worker actually holding it).
func (q *Queue) Unassign(taskID string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.active, taskID)
	q.pending = append([]string{taskID}, q.pending...)
}

// UpdateActive mutates the in-memory mirror of an active task (used on
// processing_started/error status events); it is a no-op if the task is
// not active.
func (q *Queue) UpdateActive(taskID string, mutate func(*Record)) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	r, ok := q.active[taskID]
	if !ok {
		return false
	}
	mutate(r)
	return true
}

// Complete moves an active task into the completed mirror, computing
// processing time from start_time to the given completion time, and
// persists the terminal write via the Store.
func (q *Queue) Complete(ctx context.Context, taskID, outputPath string, completedAt time.Time) error {
	q.mu.Lock()
	r, ok := q.active[taskID]
	if !ok {
		q.mu.Unlock()
		return fmt.Errorf("queue: task %q is not active", taskID)
	}
	delete(q.active, taskID)
	r.Task.Status = store.TaskCompleted
	r.Task.OutputPath = outputPath
	r.Task.CompletionTime = &completedAt
	var processingSeconds *float64
	if r.Task.StartTime != nil {
		secs := completedAt.Sub(*r.Task.StartTime).Seconds()
		processingSeconds = &secs
		r.Task.ProcessingTimeSeconds = processingSeconds
	}
	q.completed[taskID] = r
	q.mu.Unlock()

	return q.st.UpdateTaskStatus(ctx, taskID, store.TaskStatusUpdate{
		Status:                store.TaskCompleted,
		OutputPath:            &outputPath,
		CompletionTime:        &completedAt,
		ProcessingTimeSeconds: processingSeconds,
	})
}

// Fail moves an active task out of the active mirror (it does not enter
// completed — spec.md §3.1 treats failed as a distinct terminal state not
// tracked by the completed-tasks cleanup bound) and persists the terminal
// write.
func (q *Queue) Fail(ctx context.Context, taskID, reason string) error {
	q.mu.Lock()
	_, ok := q.active[taskID]
	if ok {
		delete(q.active, taskID)
	}
	q.mu.Unlock()
	if !ok {
		return fmt.Errorf("queue: task %q is not active", taskID)
	}
	now := time.Now()
	return q.st.UpdateTaskStatus(ctx, taskID, store.TaskStatusUpdate{
		Status:         store.TaskFailed,
		CompletionTime: &now,
		ErrorMessage:   &reason,
	})
}

// Cancel succeeds only if taskID is still in the pending FIFO; it is
// removed outright rather than merely flagged (spec.md §9's stricter,
// simpler of the two permitted strategies).
func (q *Queue) Cancel(ctx context.Context, taskID string) bool {
	q.mu.Lock()
	idx := -1
	for i, id := range q.pending {
		if id == taskID {
			idx = i
			break
		}
	}
	if idx == -1 {
		q.mu.Unlock()
		return false
	}
	q.pending = append(q.pending[:idx], q.pending[idx+1:]...)
	q.mu.Unlock()

	now := time.Now()
	_ = q.st.UpdateTaskStatus(ctx, taskID, store.TaskStatusUpdate{
		Status:         store.TaskCancelled,
		CompletionTime: &now,
	})
	return true
}

// Cleanup drops completed-task mirrors older than maxAge.
func (q *Queue) Cleanup(maxAge time.Duration) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	cutoff := time.Now().Add(-maxAge)
	dropped := 0
	for id, r := range q.completed {
		if r.Task.CompletionTime != nil && r.Task.CompletionTime.Before(cutoff) {
			delete(q.completed, id)
			dropped++
		}
	}
	return dropped
}

// Active returns a snapshot of the active record for taskID, if any.
func (q *Queue) Active(taskID string) (Record, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	r, ok := q.active[taskID]
	if !ok {
		return Record{}, false
	}
	return *r, true
}

// Depth returns the number of tasks currently pending.
func (q *Queue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Stats returns simple counts for the API's list_tasks/get_status views.
type Stats struct {
	Pending   int `json:"pending"`
	Active    int `json:"active"`
	Completed int `json:"completed"`
}

func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return Stats{Pending: len(q.pending), Active: len(q.active), Completed: len(q.completed)}
}

// ActiveTaskIDsForWorker returns active task ids currently assigned to
// workerID — used by the Registry/Scheduler on worker death.
func (q *Queue) ActiveTaskIDsForWorker(workerID string) []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	var ids []string
	for id, r := range q.active {
		if r.WorkerID == workerID {
			ids = append(ids, id)
		}
	}
	return ids
}
