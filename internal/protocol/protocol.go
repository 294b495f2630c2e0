// Package protocol defines the wire types exchanged between the orchestrator
// and a worker process: instructions flowing orchestrator -> worker, and
// status/result/registration events flowing worker -> orchestrator.
package protocol

import "time"

// MessageType names the kind of envelope carried on a bus queue.
type MessageType string

const (
	MessageRegistration MessageType = "registration"
	MessageHeartbeat    MessageType = "heartbeat"
	MessageInstruction  MessageType = "instruction"
	MessageStatus       MessageType = "status"
	MessageResult       MessageType = "result"
	MessageError        MessageType = "error"
	MessageDisconnect   MessageType = "disconnect"
	MessageShutdown     MessageType = "shutdown"
)

// Action names one instruction a worker can be told to perform. It is a
// closed set; handlers switch on it exhaustively rather than dispatching by
// string name.
type Action string

const (
	ActionLoadModelToRAM       Action = "load_model_to_ram"
	ActionLoadModelRAMToVRAM   Action = "load_model_from_ram_to_vram"
	ActionClearRAM             Action = "clear_ram"
	ActionClearVRAM            Action = "clear_vram"
	ActionCleanVRAM            Action = "clean_vram"
	ActionRunInference         Action = "run_inference"
	ActionRunTask              Action = "run_task"
	ActionShutdown             Action = "shutdown"
)

// TaskStatus is the status vocabulary a worker reports for a task it owns.
type TaskStatus string

const (
	StatusAccepted          TaskStatus = "accepted"
	StatusProcessingStarted TaskStatus = "processing_started"
	StatusCompleted         TaskStatus = "completed"
	StatusReady             TaskStatus = "ready"
	StatusError             TaskStatus = "error"
)

// InferenceParams fully configures one generation. Width/Height/Steps/
// GuidanceScale/Seed/ModelName mirror the admission-time task parameters;
// ModelPath is resolved by the orchestrator before dispatch, and so is
// OutputPath when the task carries a seed. An empty OutputPath makes the
// worker name the artifact itself once it has chosen the seed.
type InferenceParams struct {
	Prompt         string  `json:"prompt"`
	NegativePrompt string  `json:"negative_prompt"`
	Width          int     `json:"width"`
	Height         int     `json:"height"`
	Steps          int     `json:"steps"`
	GuidanceScale  float64 `json:"guidance_scale"`
	Seed           *int64  `json:"seed,omitempty"`
	ModelName      string  `json:"model_name"`
	ModelPath      string  `json:"model_path"`
	OutputPath     string  `json:"output_path"`
}

// Instruction is the orchestrator->worker payload. Action selects which
// fields below are meaningful; unused fields are left zero.
type Instruction struct {
	TaskID string           `json:"task_id,omitempty"`
	Action Action           `json:"action"`
	Params InferenceParams  `json:"params,omitempty"`
}

// Result is the terminal payload of an action: success/failure plus
// whichever side-fields that action reports.
type Result struct {
	TaskID        string  `json:"task_id,omitempty"`
	Action        Action  `json:"action"`
	Success       bool    `json:"success"`
	Error         string  `json:"error,omitempty"`
	RAMUsageMB    float64 `json:"ram_usage_mb,omitempty"`
	VRAMUsageMB   float64 `json:"vram_usage_mb,omitempty"`
	VRAMCleanedMB float64 `json:"vram_cleaned_mb,omitempty"`
	OutputPath    string  `json:"output_path,omitempty"`
	Seed          int64   `json:"seed,omitempty"`
	DurationMS    int64   `json:"duration_ms,omitempty"`
	ModelName     string  `json:"model_name,omitempty"`
	ModelPath     string  `json:"model_path,omitempty"`
}

// StatusEvent is a worker->orchestrator lifecycle notification about a task
// it owns. Status is one of the TaskStatus constants; Message carries any
// human-readable detail (populated for StatusError).
type StatusEvent struct {
	WorkerID    string     `json:"worker_id"`
	TaskID      string     `json:"task_id,omitempty"`
	Status      TaskStatus `json:"status"`
	Message     string     `json:"message,omitempty"`
	VRAMUsageMB float64    `json:"vram_usage_mb,omitempty"`
	Timestamp   time.Time  `json:"timestamp"`
}

// Registration is the first message a worker sends on startup.
type Registration struct {
	WorkerID     string            `json:"worker_id"`
	DeviceID     string            `json:"device_id"`
	Capabilities map[string]string `json:"capabilities,omitempty"`
	Timestamp    time.Time         `json:"timestamp"`
}

// Heartbeat is sent by an idle worker to prove liveness.
type Heartbeat struct {
	WorkerID  string    `json:"worker_id"`
	Timestamp time.Time `json:"timestamp"`
}

// Envelope is the framed unit written to a worker's stdin/stdout pipe, one
// JSON object per line. Exactly one of the typed payload fields is set,
// selected by Type.
type Envelope struct {
	Type         MessageType   `json:"type"`
	Registration *Registration `json:"registration,omitempty"`
	Heartbeat    *Heartbeat    `json:"heartbeat,omitempty"`
	Instruction  *Instruction  `json:"instruction,omitempty"`
	Status       *StatusEvent  `json:"status,omitempty"`
	Result       *Result       `json:"result,omitempty"`
}
