package registry

import (
	"time"

	"github.com/forgeai/forge/internal/store"
)

// SeedForTest installs a synthetic worker entry, bypassing Spawn, so other
// packages' tests can exercise dispatch against a known registry state
// without forking a real worker process.
func (r *Registry) SeedForTest(workerID string, status store.WorkerStatus) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.workers[workerID] = &entry{status: status, lastActivity: time.Now()}
}
