// Package scheduler implements the tick loop that owns dispatch and status
// reconciliation (spec.md §4.6): it pops pending tasks, picks idle workers,
// puts instructions on the bus, drains results/status events back off it,
// and advances task and worker state accordingly. It is the only writer of
// task transitions; the Registry remains the only writer of worker state.
package scheduler

import (
	"context"
	"fmt"
	"log"
	"path/filepath"
	"time"

	"golang.org/x/time/rate"

	"github.com/forgeai/forge/internal/bus"
	"github.com/forgeai/forge/internal/observability"
	"github.com/forgeai/forge/internal/protocol"
	"github.com/forgeai/forge/internal/queue"
	"github.com/forgeai/forge/internal/registry"
	"github.com/forgeai/forge/internal/store"
)

// Config controls tick cadence, per-worker dispatch pacing, and periodic
// maintenance.
type Config struct {
	TickInterval     time.Duration
	ModelDir         string
	OutputDir        string
	RetentionDays    int
	CleanupEveryTick int // run Store.CleanupOldRecords every N ticks; 0 disables
	DispatchRPS      float64
	DispatchBurst    int
}

func DefaultConfig() Config {
	return Config{
		TickInterval:     100 * time.Millisecond,
		ModelDir:         "./models",
		OutputDir:        "./output",
		RetentionDays:    7,
		CleanupEveryTick: 600, // ~1 minute at a 100ms tick
		DispatchRPS:      2,
		DispatchBurst:    1,
	}
}

// decision is a structured dispatch/status log entry, in the teacher's
// flat-JSON-via-log-fields style.
type decision struct {
	TaskID   string
	WorkerID string
	Outcome  string
	Reason   string
}

func logDecision(d decision) {
	log.Printf("scheduler decision task_id=%q worker_id=%q outcome=%q reason=%q", d.TaskID, d.WorkerID, d.Outcome, d.Reason)
}

// Scheduler owns the tick loop. Construct with New and run with Run in its
// own goroutine; cancel ctx to stop.
type Scheduler struct {
	bus  *bus.Bus
	reg  *registry.Registry
	q    *queue.Queue
	st   store.Store
	cfg  Config

	limiters map[string]*rate.Limiter
	tick     int64
}

func New(b *bus.Bus, reg *registry.Registry, q *queue.Queue, st store.Store, cfg Config) *Scheduler {
	return &Scheduler{
		bus:      b,
		reg:      reg,
		q:        q,
		st:       st,
		cfg:      cfg,
		limiters: make(map[string]*rate.Limiter),
	}
}

// Run blocks, ticking until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			start := time.Now()
			s.runTick(ctx)
			observability.SchedulerTickDuration.Observe(time.Since(start).Seconds())
		}
	}
}

func (s *Scheduler) runTick(ctx context.Context) {
	s.tick++
	s.drainResults(ctx)
	s.drainStatuses(ctx)
	s.dispatch(ctx)
	s.publishGauges()

	if s.cfg.CleanupEveryTick > 0 && s.tick%int64(s.cfg.CleanupEveryTick) == 0 {
		if err := s.st.CleanupOldRecords(ctx, s.cfg.RetentionDays); err != nil {
			observability.StoreErrors.WithLabelValues("cleanup").Inc()
			log.Printf("scheduler: cleanup_old_records failed: %v", err)
		}
		s.q.Cleanup(time.Duration(s.cfg.RetentionDays) * 24 * time.Hour)
	}
}

// drainResults consumes action-level results. run_inference results carry
// the output path the eventual "completed" status event does not, so this
// is where OutputPath is folded into the active mirror. A successful
// load_model_to_ram result is also where the model-usage counter (spec.md
// §3.3 supplement) is updated.
func (s *Scheduler) drainResults(ctx context.Context) {
	for {
		r, ok := s.bus.GetResult()
		if !ok {
			return
		}
		if r.Action == protocol.ActionRunInference && r.TaskID != "" {
			if r.Success {
				s.q.UpdateActive(r.TaskID, func(rec *queue.Record) {
					rec.Task.OutputPath = r.OutputPath
				})
			}
		}
		if r.Action == protocol.ActionLoadModelToRAM && r.Success && r.ModelName != "" {
			if err := s.st.RecordModelLoad(ctx, r.ModelName, r.ModelPath, r.RAMUsageMB); err != nil {
				observability.StoreErrors.WithLabelValues("record_model_load").Inc()
				log.Printf("scheduler: record_model_load %q failed: %v", r.ModelName, err)
			}
		}
		if !r.Success && r.Error != "" {
			log.Printf("scheduler: worker result error task_id=%q action=%q error=%q", r.TaskID, r.Action, r.Error)
		}
	}
}

// drainStatuses advances task/worker state from worker-reported lifecycle
// events. This is the only place task rows transition after dispatch.
func (s *Scheduler) drainStatuses(ctx context.Context) {
	for {
		ev, ok := s.bus.GetStatus()
		if !ok {
			return
		}
		observability.StatusEventsTotal.WithLabelValues(string(ev.Status)).Inc()
		s.reg.Touch(ev.WorkerID)

		switch ev.Status {
		case "registered":
			s.reg.Register(ctx, ev.WorkerID, nil)
		case "heartbeat":
			// Touch above already refreshed last_activity.
		case protocol.StatusAccepted:
			logDecision(decision{TaskID: ev.TaskID, WorkerID: ev.WorkerID, Outcome: "accepted"})
		case protocol.StatusProcessingStarted:
			now := time.Now()
			s.q.UpdateActive(ev.TaskID, func(rec *queue.Record) {
				rec.Task.Status = store.TaskRunning
				rec.Task.StartTime = &now
			})
			if err := s.st.UpdateTaskStatus(ctx, ev.TaskID, store.TaskStatusUpdate{Status: store.TaskRunning, StartTime: &now}); err != nil {
				observability.StoreErrors.WithLabelValues("update_task_status").Inc()
			}
		case protocol.StatusCompleted:
			rec, ok := s.q.Active(ev.TaskID)
			if !ok {
				log.Printf("scheduler: completed status for unknown active task_id=%q", ev.TaskID)
				continue
			}
			if err := s.q.Complete(ctx, ev.TaskID, rec.Task.OutputPath, time.Now()); err != nil {
				observability.StoreErrors.WithLabelValues("complete_task").Inc()
				log.Printf("scheduler: complete task_id=%q failed: %v", ev.TaskID, err)
				continue
			}
			if rec.Task.StartTime != nil {
				observability.TaskDurationSeconds.Observe(time.Since(*rec.Task.StartTime).Seconds())
			}
			logDecision(decision{TaskID: ev.TaskID, WorkerID: ev.WorkerID, Outcome: "completed"})
		case protocol.StatusError:
			if err := s.q.Fail(ctx, ev.TaskID, ev.Message); err != nil {
				observability.StoreErrors.WithLabelValues("fail_task").Inc()
				log.Printf("scheduler: fail task_id=%q failed: %v", ev.TaskID, err)
			}
			s.reg.SetStatus(ctx, ev.WorkerID, store.WorkerError, nil, nil, ev.VRAMUsageMB, ev.Message)
			logDecision(decision{TaskID: ev.TaskID, WorkerID: ev.WorkerID, Outcome: "failed", Reason: ev.Message})
		case protocol.StatusReady:
			s.reg.SetStatus(ctx, ev.WorkerID, store.WorkerIdle, nil, nil, ev.VRAMUsageMB, "")
		default:
			log.Printf("scheduler: unrecognized status %q from worker %q", ev.Status, ev.WorkerID)
		}
	}
}

// dispatch pairs idle workers with pending tasks, one pair per loop
// iteration, until either runs out. Each worker is paced by its own rate.Limiter so a single
// newly-idle worker cannot be handed an unbounded burst in one tick.
func (s *Scheduler) dispatch(ctx context.Context) {
	for {
		workerID, ok := s.reg.PickIdle()
		if !ok {
			return
		}
		if !s.limiterFor(workerID).Allow() {
			return
		}

		t, ok := s.q.Next()
		if !ok {
			return
		}

		full, err := s.st.GetTask(ctx, t.TaskID)
		if err != nil || full == nil {
			// Next already popped the id off the FIFO; put it back at the
			// head rather than dropping it, since the store lookup failing
			// says nothing about whether the task itself is still valid.
			s.q.Requeue(t.TaskID)
			observability.DispatchDecisions.WithLabelValues("no_task").Inc()
			log.Printf("scheduler: dispatch lookup for task_id=%q failed: %v", t.TaskID, err)
			return
		}

		s.q.Assign(full.TaskID, workerID, *full)
		s.reg.SetStatus(ctx, workerID, store.WorkerBusy, &full.ModelName, &full.TaskID, 0, "")
		if err := s.st.UpdateTaskStatus(ctx, full.TaskID, store.TaskStatusUpdate{Status: store.TaskAssigned, WorkerID: &workerID}); err != nil {
			observability.StoreErrors.WithLabelValues("update_task_status").Inc()
		}

		// Artifacts are named <worker_id>_<task_id>_<WxH>_s<seed>.png. With
		// no seed on the task the worker picks one, so OutputPath is left
		// empty and the worker builds the same name under its -output-dir.
		outputPath := ""
		if full.Seed != nil {
			outputPath = filepath.Join(s.cfg.OutputDir, fmt.Sprintf("%s_%s_%dx%d_s%d.png", workerID, full.TaskID, full.Width, full.Height, *full.Seed))
		}

		instr := protocol.Instruction{
			TaskID: full.TaskID,
			Action: protocol.ActionRunTask,
			Params: protocol.InferenceParams{
				Prompt:         full.Prompt,
				NegativePrompt: full.NegativePrompt,
				Width:          full.Width,
				Height:         full.Height,
				Steps:          full.Steps,
				GuidanceScale:  full.GuidanceScale,
				Seed:           full.Seed,
				ModelName:      full.ModelName,
				ModelPath:      s.cfg.ModelDir + "/" + full.ModelName,
				OutputPath:     outputPath,
			},
		}

		if err := s.bus.PutInstruction(workerID, instr); err != nil {
			// Dispatch atomicity (spec.md §4.6): undo both marks and
			// requeue at the FIFO head rather than stranding the task as
			// assigned to a worker that never received it.
			s.q.Unassign(full.TaskID)
			s.reg.SetStatus(ctx, workerID, store.WorkerIdle, nil, nil, 0, "")
			if err2 := s.st.UpdateTaskStatus(ctx, full.TaskID, store.TaskStatusUpdate{Status: store.TaskQueued, WorkerID: nil}); err2 != nil {
				observability.StoreErrors.WithLabelValues("update_task_status").Inc()
			}
			observability.DispatchDecisions.WithLabelValues("reverted").Inc()
			logDecision(decision{TaskID: full.TaskID, WorkerID: workerID, Outcome: "reverted", Reason: err.Error()})
			continue
		}

		observability.DispatchDecisions.WithLabelValues("dispatched").Inc()
		logDecision(decision{TaskID: full.TaskID, WorkerID: workerID, Outcome: "dispatched"})
	}
}

func (s *Scheduler) limiterFor(workerID string) *rate.Limiter {
	if l, ok := s.limiters[workerID]; ok {
		return l
	}
	l := rate.NewLimiter(rate.Limit(s.cfg.DispatchRPS), s.cfg.DispatchBurst)
	s.limiters[workerID] = l
	return l
}

func (s *Scheduler) publishGauges() {
	stats := s.q.Stats()
	observability.QueueDepth.Set(float64(stats.Pending))
	observability.ActiveTasks.Set(float64(stats.Active))

	counts := map[store.WorkerStatus]int{}
	for _, w := range s.reg.List() {
		counts[w.Status]++
	}
	for _, st := range []store.WorkerStatus{store.WorkerStarting, store.WorkerIdle, store.WorkerBusy, store.WorkerError, store.WorkerOffline} {
		observability.WorkerStatusCount.WithLabelValues(string(st)).Set(float64(counts[st]))
	}
}
