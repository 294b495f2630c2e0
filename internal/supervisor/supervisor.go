// Package supervisor sequences orchestrator startup and shutdown (spec.md
// §4.8): restart recovery against the already-connected Store, then
// Registry spawn + health monitor, then Scheduler, then API, in the control
// plane main's phase-numbered startup style. The Scheduler, status hub,
// health monitor and metrics sampler stop when the context passed to Start
// is cancelled; Shutdown then stops the API (bounded by ShutdownGrace),
// tears down the workers (bounded by WorkerKillGrace) and closes the Store.
package supervisor

import (
	"context"
	"log"
	"net/http"
	"runtime"
	"time"

	"github.com/forgeai/forge/internal/api"
	"github.com/forgeai/forge/internal/queue"
	"github.com/forgeai/forge/internal/registry"
	"github.com/forgeai/forge/internal/scheduler"
	"github.com/forgeai/forge/internal/store"
	"github.com/forgeai/forge/internal/streamhub"
)

// metricsSampleInterval paces the low-frequency system_metrics/
// worker_metrics sampler (spec.md §3.3 supplement, §6.2 schema).
const metricsSampleInterval = 30 * time.Second

// Simulated GPU telemetry constants — real hardware sampling is out of
// scope (spec.md §1), same stand-in approach as cmd/worker's
// estimateRAMUsage/estimateVRAMUsage.
const (
	simulatedVRAMTotalMB        = 24576
	simulatedIdleGPUPercent     = 3
	simulatedBusyGPUPercent     = 97
	simulatedTemperatureCelsius = 62
	simulatedPowerUsageWatts    = 180
)

// Config controls device fan-out and shutdown grace periods.
type Config struct {
	DeviceList       []string
	AutoStartWorkers bool
	ListenAddr       string
	ShutdownGrace    time.Duration
	WorkerKillGrace  time.Duration
}

// Supervisor owns every long-lived component and their lifecycle order.
type Supervisor struct {
	cfg Config

	st  store.Store
	reg *registry.Registry
	q   *queue.Queue
	sch *scheduler.Scheduler
	hub *streamhub.Hub
	a   *api.API

	httpServer *http.Server
}

func New(cfg Config, st store.Store, reg *registry.Registry, q *queue.Queue, sch *scheduler.Scheduler, hub *streamhub.Hub, a *api.API) *Supervisor {
	return &Supervisor{cfg: cfg, st: st, reg: reg, q: q, sch: sch, hub: hub, a: a}
}

// Start brings every component up in dependency order and returns once the
// HTTP listener goroutine has been launched. It does not block.
func (s *Supervisor) Start(ctx context.Context) error {
	log.Println("supervisor: recovering pending tasks from a prior run")
	if err := s.recoverPendingTasks(ctx); err != nil {
		log.Printf("supervisor: recovery pass failed: %v", err)
	}

	if s.cfg.AutoStartWorkers {
		log.Printf("supervisor: spawning workers for devices %v", s.cfg.DeviceList)
		if err := s.reg.SpawnAll(ctx, s.cfg.DeviceList); err != nil {
			return err
		}
	} else {
		log.Println("supervisor: auto_start_workers disabled, API will serve with no workers until registered")
	}

	s.reg.StartHealthMonitor(ctx, func(workerID string) {
		log.Printf("supervisor: worker %s died or went stale, failing its active tasks", workerID)
		for _, taskID := range s.q.ActiveTaskIDsForWorker(workerID) {
			if err := s.q.Fail(ctx, taskID, "worker unavailable"); err != nil {
				log.Printf("supervisor: failing orphaned task %s: %v", taskID, err)
			}
		}
	})

	go s.sch.Run(ctx)
	go s.hub.Run(ctx)
	go s.runMetricsSampler(ctx)

	s.httpServer = &http.Server{Addr: s.cfg.ListenAddr, Handler: s.a.Mux()}
	go func() {
		log.Printf("supervisor: listening on %s", s.cfg.ListenAddr)
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("supervisor: http server: %v", err)
		}
	}()

	return nil
}

// recoverPendingTasks marks tasks left running/assigned from a prior
// process lifetime as failed (spec.md §8 scenario 6: no worker process
// survives an orchestrator restart, so in-flight work cannot be resumed).
// Assigned rows come from GetPendingTasks; running rows are taken from the
// 1000 most recently submitted tasks.
func (s *Supervisor) recoverPendingTasks(ctx context.Context) error {
	tasks, err := s.st.GetPendingTasks(ctx, 1000)
	if err != nil {
		return err
	}
	recent, err := s.st.ListTasks(ctx, 1000)
	if err != nil {
		return err
	}
	for _, t := range recent {
		if t.Status == store.TaskRunning {
			tasks = append(tasks, t)
		}
	}
	now := time.Now()
	reason := "orchestrator_shutdown"
	for _, t := range tasks {
		if t.Status == store.TaskRunning || t.Status == store.TaskAssigned {
			if err := s.st.UpdateTaskStatus(ctx, t.TaskID, store.TaskStatusUpdate{
				Status:         store.TaskFailed,
				CompletionTime: &now,
				ErrorMessage:   &reason,
			}); err != nil {
				log.Printf("supervisor: failed to recover task %s: %v", t.TaskID, err)
			}
		}
	}
	return nil
}

// runMetricsSampler periodically appends one system_metrics row and one
// worker_metrics row per live worker, the Supervisor-driven sampler
// SPEC_FULL.md's supplemented-features section commits to.
func (s *Supervisor) runMetricsSampler(ctx context.Context) {
	ticker := time.NewTicker(metricsSampleInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sampleMetrics(ctx)
		}
	}
}

func (s *Supervisor) sampleMetrics(ctx context.Context) {
	now := time.Now()

	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	totalGB := float64(mem.Sys) / (1 << 30)
	usedGB := float64(mem.Alloc) / (1 << 30)
	stats := s.q.Stats()

	sysMetrics := &store.SystemMetrics{
		Timestamp:      now,
		TotalRAMGB:     totalGB,
		UsedRAMGB:      usedGB,
		AvailableRAMGB: totalGB - usedGB,
		RAMPercent:     usedGB / totalGB * 100,
		ActiveTasks:    stats.Active,
		QueuedTasks:    stats.Pending,
		CompletedTasks: stats.Completed,
	}
	if err := s.st.RecordSystemMetrics(ctx, sysMetrics); err != nil {
		log.Printf("supervisor: record_system_metrics: %v", err)
	}

	for _, w := range s.reg.List() {
		gpuPercent := float64(simulatedIdleGPUPercent)
		if w.Status == store.WorkerBusy {
			gpuPercent = simulatedBusyGPUPercent
		}
		workerMetrics := &store.WorkerMetrics{
			WorkerID:              w.WorkerID,
			Timestamp:             now,
			VRAMUsedMB:            w.VRAMUsageMB,
			VRAMTotalMB:           simulatedVRAMTotalMB,
			GPUUtilizationPercent: gpuPercent,
			TemperatureCelsius:    simulatedTemperatureCelsius,
			PowerUsageWatts:       simulatedPowerUsageWatts,
		}
		if err := s.st.RecordWorkerMetrics(ctx, workerMetrics); err != nil {
			log.Printf("supervisor: record_worker_metrics(%s): %v", w.WorkerID, err)
		}
	}
}

// Shutdown stops the API, then tears down the workers, then closes the
// Store. The Scheduler and the other Start goroutines stop on context
// cancellation, not here.
func (s *Supervisor) Shutdown() {
	if s.httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownGrace)
		defer cancel()
		if err := s.httpServer.Shutdown(ctx); err != nil {
			log.Printf("supervisor: http shutdown: %v", err)
		}
	}
	log.Println("supervisor: tearing down worker processes")
	s.reg.Teardown(s.cfg.WorkerKillGrace)
	s.st.Close()
}
