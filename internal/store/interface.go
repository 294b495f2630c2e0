package store

import "context"

// Store is the durable persistence boundary for tasks, workers, models and
// metrics (spec.md §4.1). Every call returns ok/err; callers treat a Store
// error as non-fatal and retry opportunistically, except where noted.
type Store interface {
	// CreateTask atomically inserts a task with task_id as primary key.
	// Returns ErrDuplicateTaskID on key conflict so the caller can mint a
	// fresh id and retry.
	CreateTask(ctx context.Context, task *Task) error

	// UpdateTaskStatus updates status plus the side-fields appropriate to
	// the transition and bumps updated_at. A missing row is a no-op that
	// returns nil, not an error — the caller may log a warning.
	UpdateTaskStatus(ctx context.Context, taskID string, update TaskStatusUpdate) error

	// GetTask returns the task, or (nil, nil) if it does not exist.
	GetTask(ctx context.Context, taskID string) (*Task, error)

	// ListTasks returns up to limit tasks, most recently submitted first.
	ListTasks(ctx context.Context, limit int) ([]*Task, error)

	// GetPendingTasks returns tasks in queued or assigned status, ordered
	// by submit_time ascending, for restart recovery.
	GetPendingTasks(ctx context.Context, limit int) ([]*Task, error)

	// RegisterWorker upserts a worker row; on conflict updates device_id
	// and resets status to starting.
	RegisterWorker(ctx context.Context, workerID, deviceID string) error

	// UpdateWorkerStatus overwrites the mutable fields of an existing
	// worker row. It does not insert: for an unknown worker_id it changes
	// nothing and returns nil.
	UpdateWorkerStatus(ctx context.Context, workerID string, status WorkerStatus, currentModel *string, currentTaskID *string, vramUsageMB float64, errorMessage string) error

	// GetWorker returns the worker, or (nil, nil) if it does not exist.
	GetWorker(ctx context.Context, workerID string) (*Worker, error)

	// ListWorkers returns all known workers.
	ListWorkers(ctx context.Context) ([]*Worker, error)

	// RecordModelLoad upserts a model row and increments usage_count /
	// last_used on a successful load_model_to_ram (original_source
	// supplement, spec.md §3.3).
	RecordModelLoad(ctx context.Context, modelName, modelPath string, sizeMB float64) error

	// GetModel looks up a model by name, or (nil, nil) if unknown.
	GetModel(ctx context.Context, modelName string) (*Model, error)

	// RecordSystemMetrics appends one system_metrics row.
	RecordSystemMetrics(ctx context.Context, m *SystemMetrics) error

	// RecordWorkerMetrics appends one worker_metrics row.
	RecordWorkerMetrics(ctx context.Context, m *WorkerMetrics) error

	// CleanupOldRecords deletes completed tasks and metric rows older
	// than retentionDays; never touches failed rows younger than the
	// cutoff.
	CleanupOldRecords(ctx context.Context, retentionDays int) error

	// Close releases underlying resources.
	Close()
}
