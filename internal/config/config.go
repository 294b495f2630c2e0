// Package config loads forge's startup configuration from a JSON file with
// environment-variable overrides (spec.md §6.3), in the load-or-generate
// style of fluxforge/agent's node identity loader.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds every recognized startup option.
type Config struct {
	Host string `json:"host"`
	Port int    `json:"port"`

	DeviceList []string `json:"device_list"`

	AutoStartWorkers    bool          `json:"auto_start_workers"`
	ParallelWorkerSpawn bool          `json:"parallel_worker_spawn"`
	WorkerSpawnDelay    time.Duration `json:"worker_spawn_delay"`

	WorkerTimeout    time.Duration `json:"worker_timeout"`
	HeartbeatInterval time.Duration `json:"heartbeat_interval"`
	MessageTimeout   time.Duration `json:"message_timeout"`
	RetryAttempts    int           `json:"retry_attempts"`

	TaskTimeout       time.Duration `json:"task_timeout"`
	SchedulerInterval time.Duration `json:"scheduler_interval"`

	ModelDir  string `json:"model_dir"`
	OutputDir string `json:"output_dir"`

	// Store connection parameters.
	StoreDSN string `json:"store_dsn"`

	// RedisAddr is optional — the idempotency guard degrades to an
	// in-process map when unset (SPEC_FULL.md domain stack).
	RedisAddr string `json:"redis_addr"`

	WorkerBinary string `json:"worker_binary"`

	RetentionDays int `json:"retention_days"`
}

// Default returns sensible single-device defaults, mirroring spec.md §6.1's
// admission defaults where applicable.
func Default() Config {
	return Config{
		Host:                "0.0.0.0",
		Port:                8080,
		DeviceList:          []string{"0"},
		AutoStartWorkers:    true,
		ParallelWorkerSpawn: true,
		WorkerSpawnDelay:    200 * time.Millisecond,
		WorkerTimeout:       30 * time.Second,
		HeartbeatInterval:   10 * time.Second,
		MessageTimeout:      5 * time.Second,
		RetryAttempts:       3,
		TaskTimeout:         5 * time.Minute,
		SchedulerInterval:   100 * time.Millisecond,
		ModelDir:            "./models",
		OutputDir:           "./output",
		WorkerBinary:        "./worker",
		RetentionDays:       7,
	}
}

// Load reads path (if it exists) over the defaults, then applies
// environment overrides. A missing file is not an error — Default() alone
// is a valid configuration.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err == nil {
			if err := json.Unmarshal(data, &cfg); err != nil {
				return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
			}
		} else if !os.IsNotExist(err) {
			return Config{}, fmt.Errorf("config: read %s: %w", path, err)
		}
	}

	applyEnvOverrides(&cfg)
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("FORGE_HOST"); v != "" {
		cfg.Host = v
	}
	if v := os.Getenv("FORGE_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Port = n
		}
	}
	if v := os.Getenv("FORGE_STORE_DSN"); v != "" {
		cfg.StoreDSN = v
	}
	if v := os.Getenv("FORGE_REDIS_ADDR"); v != "" {
		cfg.RedisAddr = v
	}
	if v := os.Getenv("FORGE_MODEL_DIR"); v != "" {
		cfg.ModelDir = v
	}
	if v := os.Getenv("FORGE_OUTPUT_DIR"); v != "" {
		cfg.OutputDir = v
	}
	if v := os.Getenv("FORGE_WORKER_BINARY"); v != "" {
		cfg.WorkerBinary = v
	}
	if v := os.Getenv("FORGE_SCHEDULER_INTERVAL_MS"); v != "" {
		var ms int64
		if _, err := fmt.Sscanf(v, "%d", &ms); err == nil {
			cfg.SchedulerInterval = time.Duration(ms) * time.Millisecond
		}
	}
	if v := os.Getenv("FORGE_HEARTBEAT_TIMEOUT_S"); v != "" {
		var secs int64
		if _, err := fmt.Sscanf(v, "%d", &secs); err == nil {
			cfg.WorkerTimeout = time.Duration(secs) * time.Second
		}
	}
}
