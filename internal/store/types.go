package store

import "time"

// TaskStatus is the durable status vocabulary for a Task row.
type TaskStatus string

const (
	TaskQueued    TaskStatus = "queued"
	TaskAssigned  TaskStatus = "assigned"
	TaskRunning   TaskStatus = "running"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
	TaskCancelled TaskStatus = "cancelled"
)

// WorkerStatus is the durable status vocabulary for a Worker row.
type WorkerStatus string

const (
	WorkerStarting WorkerStatus = "starting"
	WorkerIdle     WorkerStatus = "idle"
	WorkerBusy     WorkerStatus = "busy"
	WorkerError    WorkerStatus = "error"
	WorkerOffline  WorkerStatus = "offline"
)

// Task mirrors the tasks table (spec.md §6.2). Parameters are immutable
// after admission; everything else changes only through UpdateTaskStatus.
type Task struct {
	TaskID                string     `json:"task_id" db:"task_id"`
	Prompt                string     `json:"prompt" db:"prompt"`
	NegativePrompt        string     `json:"negative_prompt" db:"negative_prompt"`
	Width                 int        `json:"width" db:"width"`
	Height                int        `json:"height" db:"height"`
	Steps                 int        `json:"steps" db:"steps"`
	GuidanceScale         float64    `json:"guidance_scale" db:"guidance_scale"`
	Seed                  *int64     `json:"seed" db:"seed"`
	Status                TaskStatus `json:"status" db:"status"`
	WorkerID              *string    `json:"worker_id" db:"worker_id"`
	ModelName             string     `json:"model_name" db:"model_name"`
	SubmitTime            time.Time  `json:"submit_time" db:"submit_time"`
	StartTime             *time.Time `json:"start_time" db:"start_time"`
	CompletionTime        *time.Time `json:"completion_time" db:"completion_time"`
	OutputPath            string     `json:"output_path" db:"output_path"`
	ErrorMessage          string     `json:"error_message" db:"error_message"`
	ProcessingTimeSeconds *float64   `json:"processing_time_seconds" db:"processing_time_seconds"`
	CreatedAt             time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt             time.Time  `json:"updated_at" db:"updated_at"`
}

// Worker mirrors the workers table.
type Worker struct {
	WorkerID      string       `json:"worker_id" db:"worker_id"`
	DeviceID      string       `json:"device_id" db:"device_id"`
	Status        WorkerStatus `json:"status" db:"status"`
	CurrentModel  *string      `json:"current_model" db:"current_model"`
	VRAMUsageMB   float64      `json:"vram_usage_mb" db:"vram_usage_mb"`
	CurrentTaskID *string      `json:"current_task_id" db:"current_task_id"`
	LastActivity  time.Time    `json:"last_activity" db:"last_activity"`
	ErrorMessage  string       `json:"error_message" db:"error_message"`
	Capabilities  map[string]string `json:"capabilities" db:"-"`
	CreatedAt     time.Time    `json:"created_at" db:"created_at"`
	UpdatedAt     time.Time    `json:"updated_at" db:"updated_at"`
}

// Model mirrors the models table — a lookup row mutated only by admin
// operations and by usage_count++ on a successful load_model_to_ram.
type Model struct {
	ModelName string     `json:"model_name" db:"model_name"`
	ModelPath string     `json:"model_path" db:"model_path"`
	SizeMB    float64    `json:"size_mb" db:"size_mb"`
	LastUsed  *time.Time `json:"last_used" db:"last_used"`
	UsageCount int64     `json:"usage_count" db:"usage_count"`
	CreatedAt time.Time  `json:"created_at" db:"created_at"`
}

// SystemMetrics mirrors one row of the system_metrics table — a
// low-frequency resource/queue-depth snapshot (supplemented from
// original_source's system_monitor.py, read-only bookkeeping).
type SystemMetrics struct {
	ID             int64     `json:"id" db:"id"`
	Timestamp      time.Time `json:"timestamp" db:"timestamp"`
	TotalRAMGB     float64   `json:"total_ram_gb" db:"total_ram_gb"`
	UsedRAMGB      float64   `json:"used_ram_gb" db:"used_ram_gb"`
	AvailableRAMGB float64   `json:"available_ram_gb" db:"available_ram_gb"`
	RAMPercent     float64   `json:"ram_percent" db:"ram_percent"`
	ActiveTasks    int       `json:"active_tasks" db:"active_tasks"`
	QueuedTasks    int       `json:"queued_tasks" db:"queued_tasks"`
	CompletedTasks int       `json:"completed_tasks" db:"completed_tasks"`
}

// WorkerMetrics mirrors one row of the worker_metrics table.
type WorkerMetrics struct {
	ID                    int64     `json:"id" db:"id"`
	WorkerID              string    `json:"worker_id" db:"worker_id"`
	Timestamp             time.Time `json:"timestamp" db:"timestamp"`
	VRAMUsedMB            float64   `json:"vram_used_mb" db:"vram_used_mb"`
	VRAMTotalMB           float64   `json:"vram_total_mb" db:"vram_total_mb"`
	GPUUtilizationPercent float64   `json:"gpu_utilization_percent" db:"gpu_utilization_percent"`
	TemperatureCelsius    float64   `json:"temperature_celsius" db:"temperature_celsius"`
	PowerUsageWatts       float64   `json:"power_usage_watts" db:"power_usage_watts"`
}

// TaskStatusUpdate carries the side-fields appropriate to one status
// transition, per spec.md §4.1 (update_task_status updates the specific
// side-fields appropriate to the transition).
type TaskStatusUpdate struct {
	Status                TaskStatus
	WorkerID              *string
	StartTime             *time.Time
	CompletionTime        *time.Time
	OutputPath            *string
	ErrorMessage          *string
	ProcessingTimeSeconds *float64
}

// ErrDuplicateTaskID is returned by CreateTask when task_id already exists.
var ErrDuplicateTaskID = newSentinel("duplicate task_id")

type sentinelError string

func newSentinel(s string) error { return sentinelError(s) }
func (e sentinelError) Error() string { return string(e) }
