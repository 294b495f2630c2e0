// Package registry implements WorkerRegistry (spec.md §4.4): the single
// writer of worker-id -> process and worker-id -> status mappings. It
// spawns/tears down worker OS processes, tracks liveness, and hands the
// Scheduler an optimal idle worker to dispatch to.
package registry

import (
	"context"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/forgeai/forge/internal/bus"
	"github.com/forgeai/forge/internal/observability"
	"github.com/forgeai/forge/internal/store"
	"github.com/forgeai/forge/internal/workerproc"
)

// entry is the in-memory mirror of one worker's mutable state, guarded by
// Registry.mu — the Registry is the single writer; readers take snapshots.
type entry struct {
	proc         *workerproc.Process
	status       store.WorkerStatus
	deviceID     string
	currentModel *string
	currentTask  *string
	vramUsageMB  float64
	capabilities map[string]string
	lastActivity time.Time
}

// Config controls spawn and liveness-check behavior.
type Config struct {
	WorkerBinary      string
	OutputDir         string
	HeartbeatTimeout  time.Duration
	AutoRestart       bool
	ParallelSpawn     bool
	SpawnDelay        time.Duration
}

// Registry owns every live worker's process handle and status mirror.
type Registry struct {
	mu      sync.RWMutex
	workers map[string]*entry

	bus *bus.Bus
	st  store.Store
	cfg Config
}

func New(b *bus.Bus, st store.Store, cfg Config) *Registry {
	return &Registry{
		workers: make(map[string]*entry),
		bus:     b,
		st:      st,
		cfg:     cfg,
	}
}

func workerID(deviceID string) string { return "worker_" + deviceID }

// SpawnAll forks one worker per configured device, honoring
// parallel_worker_spawn and worker_spawn_delay.
func (r *Registry) SpawnAll(ctx context.Context, deviceIDs []string) error {
	if r.cfg.ParallelSpawn {
		var wg sync.WaitGroup
		errs := make([]error, len(deviceIDs))
		for i, d := range deviceIDs {
			wg.Add(1)
			go func(i int, device string) {
				defer wg.Done()
				errs[i] = r.Spawn(ctx, device)
			}(i, d)
		}
		wg.Wait()
		for _, err := range errs {
			if err != nil {
				return err
			}
		}
		return nil
	}
	for _, d := range deviceIDs {
		if err := r.Spawn(ctx, d); err != nil {
			return err
		}
		if r.cfg.SpawnDelay > 0 {
			time.Sleep(r.cfg.SpawnDelay)
		}
	}
	return nil
}

// Spawn forks a single worker process bound to deviceID.
func (r *Registry) Spawn(ctx context.Context, deviceID string) error {
	id := workerID(deviceID)
	proc, err := workerproc.Spawn(ctx, r.bus, r.cfg.WorkerBinary, id, deviceID, r.cfg.OutputDir)
	if err != nil {
		return err
	}

	r.mu.Lock()
	r.workers[id] = &entry{
		proc:         proc,
		status:       store.WorkerStarting,
		deviceID:     deviceID,
		lastActivity: time.Now(),
	}
	r.mu.Unlock()

	if err := r.st.RegisterWorker(ctx, id, deviceID); err != nil {
		log.Printf("[registry] store.RegisterWorker(%s) failed: %v", id, err)
	}
	log.Printf("[registry] spawned %s on device %s", id, deviceID)
	return nil
}

// Register marks a worker as having confirmed registration (its
// registration message was observed on the status bus).
func (r *Registry) Register(ctx context.Context, workerID string, capabilities map[string]string) {
	r.mu.Lock()
	e, ok := r.workers[workerID]
	if ok {
		e.status = store.WorkerIdle
		e.capabilities = capabilities
		e.lastActivity = time.Now()
	}
	r.mu.Unlock()
	if !ok {
		return
	}
	if err := r.st.UpdateWorkerStatus(ctx, workerID, store.WorkerIdle, nil, nil, 0, ""); err != nil {
		log.Printf("[registry] store.UpdateWorkerStatus(%s) failed: %v", workerID, err)
	}
}

// Touch refreshes last_activity on any heartbeat or status event from a
// worker, without necessarily changing its status.
func (r *Registry) Touch(workerID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.workers[workerID]; ok {
		e.lastActivity = time.Now()
	}
}

// SetStatus updates a worker's in-memory status and mutable fields, then
// persists the change. It is the single entry point the Scheduler uses on
// every status callback.
func (r *Registry) SetStatus(ctx context.Context, workerID string, status store.WorkerStatus, currentModel, currentTask *string, vramUsageMB float64, errMsg string) {
	r.mu.Lock()
	e, ok := r.workers[workerID]
	if ok {
		e.status = status
		e.currentModel = currentModel
		e.currentTask = currentTask
		e.vramUsageMB = vramUsageMB
		e.lastActivity = time.Now()
	}
	r.mu.Unlock()
	if !ok {
		return
	}
	if err := r.st.UpdateWorkerStatus(ctx, workerID, status, currentModel, currentTask, vramUsageMB, errMsg); err != nil {
		log.Printf("[registry] store.UpdateWorkerStatus(%s) failed: %v", workerID, err)
	}
}

// Snapshot is a read-only view of one worker's state (spec.md §4.4: the
// Registry is the single writer; readers take consistent snapshots).
type Snapshot struct {
	WorkerID     string
	DeviceID     string
	Status       store.WorkerStatus
	CurrentModel *string
	CurrentTask  *string
	VRAMUsageMB  float64
	LastActivity time.Time
	Capabilities map[string]string
}

func (r *Registry) Get(workerID string) (Snapshot, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.workers[workerID]
	if !ok {
		return Snapshot{}, false
	}
	return snapshotOf(workerID, e), true
}

func (r *Registry) List() []Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Snapshot, 0, len(r.workers))
	for id, e := range r.workers {
		out = append(out, snapshotOf(id, e))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].WorkerID < out[j].WorkerID })
	return out
}

func snapshotOf(id string, e *entry) Snapshot {
	return Snapshot{
		WorkerID:     id,
		DeviceID:     e.deviceID,
		Status:       e.status,
		CurrentModel: e.currentModel,
		CurrentTask:  e.currentTask,
		VRAMUsageMB:  e.vramUsageMB,
		LastActivity: e.lastActivity,
		Capabilities: e.capabilities,
	}
}

// PickIdle returns the idle worker whose last activity is most recent,
// ties broken by worker id (spec.md §4.4 optimal pick); ok=false if none
// is idle.
func (r *Registry) PickIdle() (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var bestID string
	var bestActivity time.Time
	found := false
	for id, e := range r.workers {
		if e.status != store.WorkerIdle {
			continue
		}
		if !found || e.lastActivity.After(bestActivity) || (e.lastActivity.Equal(bestActivity) && id < bestID) {
			bestID = id
			bestActivity = e.lastActivity
			found = true
		}
	}
	return bestID, found
}

// StartHealthMonitor runs the periodic liveness loop: marks a worker
// offline when its heartbeat is stale, and removes + optionally respawns
// it when its OS process has actually exited.
func (r *Registry) StartHealthMonitor(ctx context.Context, onDeath func(workerID string)) {
	interval := r.cfg.HeartbeatTimeout / 2
	if interval <= 0 {
		interval = 5 * time.Second
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.checkLiveness(ctx, onDeath)
			}
		}
	}()
}

func (r *Registry) checkLiveness(ctx context.Context, onDeath func(workerID string)) {
	now := time.Now()
	type deadWorker struct {
		id       string
		deviceID string
	}
	var dead []deadWorker
	var staleIDs []string

	r.mu.Lock()
	for id, e := range r.workers {
		if e.status == store.WorkerOffline {
			continue
		}
		processDead := e.proc != nil && !e.proc.Alive()
		stale := now.Sub(e.lastActivity) > r.cfg.HeartbeatTimeout
		if processDead {
			dead = append(dead, deadWorker{id: id, deviceID: e.deviceID})
			delete(r.workers, id)
			continue
		}
		if stale {
			e.status = store.WorkerOffline
			staleIDs = append(staleIDs, id)
		}
	}
	r.mu.Unlock()

	for _, id := range staleIDs {
		log.Printf("[registry] %s heartbeat stale, marking offline", id)
		if err := r.st.UpdateWorkerStatus(ctx, id, store.WorkerOffline, nil, nil, 0, "heartbeat timeout"); err != nil {
			log.Printf("[registry] store.UpdateWorkerStatus(%s) failed: %v", id, err)
		}
		onDeath(id)
	}
	for _, d := range dead {
		log.Printf("[registry] %s process exited, removing", d.id)
		if err := r.st.UpdateWorkerStatus(ctx, d.id, store.WorkerOffline, nil, nil, 0, "process exited"); err != nil {
			log.Printf("[registry] store.UpdateWorkerStatus(%s) failed: %v", d.id, err)
		}
		onDeath(d.id)
		r.bus.Unregister(d.id)
		if r.cfg.AutoRestart {
			if err := r.Spawn(ctx, d.deviceID); err != nil {
				log.Printf("[registry] auto-restart of device %s failed: %v", d.deviceID, err)
			} else {
				observability.WorkerRestarts.WithLabelValues(d.deviceID).Inc()
			}
		}
	}
}

// Teardown sends shutdown to every live worker and waits up to grace for
// each to exit, killing stragglers.
func (r *Registry) Teardown(grace time.Duration) {
	r.mu.RLock()
	procs := make([]*workerproc.Process, 0, len(r.workers))
	for _, e := range r.workers {
		if e.proc != nil {
			procs = append(procs, e.proc)
		}
	}
	r.mu.RUnlock()

	var wg sync.WaitGroup
	for _, p := range procs {
		wg.Add(1)
		go func(p *workerproc.Process) {
			defer wg.Done()
			p.Shutdown(grace)
		}(p)
	}
	wg.Wait()
}
