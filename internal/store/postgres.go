package store

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore implements Store on top of a pgx connection pool.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore opens a pooled connection and runs the schema migrations.
func NewPostgresStore(ctx context.Context, connString string) (*PostgresStore, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, err
	}

	config.MaxConns = 20
	config.MinConns = 2
	config.MaxConnLifetime = time.Hour
	config.HealthCheckPeriod = 30 * time.Second

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		return nil, err
	}

	s := &PostgresStore{pool: pool}
	if err := s.migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

func (s *PostgresStore) Close() {
	s.pool.Close()
}

// migrate ensures the schema exists (create-if-absent) and applies
// forward-only, idempotent column additions (spec.md §4.1).
func (s *PostgresStore) migrate(ctx context.Context) error {
	for _, stmt := range schemaStatements {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return err
		}
	}
	for _, stmt := range migrationStatements {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS workers (
		worker_id TEXT PRIMARY KEY,
		device_id TEXT NOT NULL,
		status TEXT NOT NULL,
		current_model TEXT,
		current_task_id TEXT,
		vram_usage_mb DOUBLE PRECISION NOT NULL DEFAULT 0,
		last_activity TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		error_message TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE TABLE IF NOT EXISTS tasks (
		task_id TEXT PRIMARY KEY,
		prompt TEXT NOT NULL,
		negative_prompt TEXT NOT NULL DEFAULT '',
		width INT NOT NULL,
		height INT NOT NULL,
		steps INT NOT NULL,
		guidance_scale DOUBLE PRECISION NOT NULL,
		seed BIGINT,
		status TEXT NOT NULL,
		worker_id TEXT REFERENCES workers(worker_id),
		model_name TEXT NOT NULL,
		submit_time TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		start_time TIMESTAMPTZ,
		completion_time TIMESTAMPTZ,
		output_path TEXT NOT NULL DEFAULT '',
		error_message TEXT NOT NULL DEFAULT '',
		processing_time_seconds DOUBLE PRECISION,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE TABLE IF NOT EXISTS models (
		model_name TEXT PRIMARY KEY,
		model_path TEXT NOT NULL,
		size_mb DOUBLE PRECISION NOT NULL DEFAULT 0,
		last_used TIMESTAMPTZ,
		usage_count BIGINT NOT NULL DEFAULT 0,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE TABLE IF NOT EXISTS system_metrics (
		id BIGSERIAL PRIMARY KEY,
		timestamp TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		total_ram_gb DOUBLE PRECISION NOT NULL DEFAULT 0,
		used_ram_gb DOUBLE PRECISION NOT NULL DEFAULT 0,
		available_ram_gb DOUBLE PRECISION NOT NULL DEFAULT 0,
		ram_percent DOUBLE PRECISION NOT NULL DEFAULT 0,
		active_tasks INT NOT NULL DEFAULT 0,
		queued_tasks INT NOT NULL DEFAULT 0,
		completed_tasks INT NOT NULL DEFAULT 0
	)`,
	`CREATE TABLE IF NOT EXISTS worker_metrics (
		id BIGSERIAL PRIMARY KEY,
		worker_id TEXT NOT NULL REFERENCES workers(worker_id),
		timestamp TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		vram_used_mb DOUBLE PRECISION NOT NULL DEFAULT 0,
		vram_total_mb DOUBLE PRECISION NOT NULL DEFAULT 0,
		gpu_utilization_percent DOUBLE PRECISION NOT NULL DEFAULT 0,
		temperature_celsius DOUBLE PRECISION NOT NULL DEFAULT 0,
		power_usage_watts DOUBLE PRECISION NOT NULL DEFAULT 0
	)`,
	`CREATE INDEX IF NOT EXISTS idx_tasks_status_submit ON tasks(status, submit_time)`,
	`CREATE INDEX IF NOT EXISTS idx_tasks_completion ON tasks(completion_time)`,
}

// migrationStatements are additive, idempotent ALTERs applied after the
// create-if-absent pass — new columns only, never rewriting existing rows.
var migrationStatements = []string{
	`ALTER TABLE workers ADD COLUMN IF NOT EXISTS capabilities JSONB`,
}

func (s *PostgresStore) CreateTask(ctx context.Context, t *Task) error {
	query := `
		INSERT INTO tasks (task_id, prompt, negative_prompt, width, height, steps, guidance_scale, seed, status, model_name, submit_time)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`
	_, err := s.pool.Exec(ctx, query,
		t.TaskID, t.Prompt, t.NegativePrompt, t.Width, t.Height, t.Steps, t.GuidanceScale,
		t.Seed, t.Status, t.ModelName, t.SubmitTime,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrDuplicateTaskID
		}
		return err
	}
	return nil
}

func (s *PostgresStore) UpdateTaskStatus(ctx context.Context, taskID string, u TaskStatusUpdate) error {
	query := `
		UPDATE tasks SET
			status = $2,
			worker_id = COALESCE($3, worker_id),
			start_time = COALESCE($4, start_time),
			completion_time = COALESCE($5, completion_time),
			output_path = COALESCE($6, output_path),
			error_message = COALESCE($7, error_message),
			processing_time_seconds = COALESCE($8, processing_time_seconds),
			updated_at = NOW()
		WHERE task_id = $1
	`
	_, err := s.pool.Exec(ctx, query,
		taskID, u.Status, u.WorkerID, u.StartTime, u.CompletionTime, u.OutputPath, u.ErrorMessage, u.ProcessingTimeSeconds,
	)
	return err
}

func (s *PostgresStore) GetTask(ctx context.Context, taskID string) (*Task, error) {
	query := `
		SELECT task_id, prompt, negative_prompt, width, height, steps, guidance_scale, seed, status,
			worker_id, model_name, submit_time, start_time, completion_time, output_path, error_message,
			processing_time_seconds, created_at, updated_at
		FROM tasks WHERE task_id = $1
	`
	var t Task
	err := s.pool.QueryRow(ctx, query, taskID).Scan(
		&t.TaskID, &t.Prompt, &t.NegativePrompt, &t.Width, &t.Height, &t.Steps, &t.GuidanceScale, &t.Seed, &t.Status,
		&t.WorkerID, &t.ModelName, &t.SubmitTime, &t.StartTime, &t.CompletionTime, &t.OutputPath, &t.ErrorMessage,
		&t.ProcessingTimeSeconds, &t.CreatedAt, &t.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func (s *PostgresStore) ListTasks(ctx context.Context, limit int) ([]*Task, error) {
	query := `
		SELECT task_id, prompt, negative_prompt, width, height, steps, guidance_scale, seed, status,
			worker_id, model_name, submit_time, start_time, completion_time, output_path, error_message,
			processing_time_seconds, created_at, updated_at
		FROM tasks ORDER BY submit_time DESC LIMIT $1
	`
	rows, err := s.pool.Query(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanTasks(rows)
}

func (s *PostgresStore) GetPendingTasks(ctx context.Context, limit int) ([]*Task, error) {
	query := `
		SELECT task_id, prompt, negative_prompt, width, height, steps, guidance_scale, seed, status,
			worker_id, model_name, submit_time, start_time, completion_time, output_path, error_message,
			processing_time_seconds, created_at, updated_at
		FROM tasks WHERE status IN ('queued', 'assigned') ORDER BY submit_time ASC LIMIT $1
	`
	rows, err := s.pool.Query(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanTasks(rows)
}

func scanTasks(rows pgx.Rows) ([]*Task, error) {
	var tasks []*Task
	for rows.Next() {
		var t Task
		if err := rows.Scan(
			&t.TaskID, &t.Prompt, &t.NegativePrompt, &t.Width, &t.Height, &t.Steps, &t.GuidanceScale, &t.Seed, &t.Status,
			&t.WorkerID, &t.ModelName, &t.SubmitTime, &t.StartTime, &t.CompletionTime, &t.OutputPath, &t.ErrorMessage,
			&t.ProcessingTimeSeconds, &t.CreatedAt, &t.UpdatedAt,
		); err != nil {
			return nil, err
		}
		tasks = append(tasks, &t)
	}
	return tasks, rows.Err()
}

func (s *PostgresStore) RegisterWorker(ctx context.Context, workerID, deviceID string) error {
	query := `
		INSERT INTO workers (worker_id, device_id, status, last_activity, created_at, updated_at)
		VALUES ($1, $2, 'starting', NOW(), NOW(), NOW())
		ON CONFLICT (worker_id) DO UPDATE SET
			device_id = EXCLUDED.device_id,
			status = 'starting',
			last_activity = NOW(),
			updated_at = NOW()
	`
	_, err := s.pool.Exec(ctx, query, workerID, deviceID)
	return err
}

func (s *PostgresStore) UpdateWorkerStatus(ctx context.Context, workerID string, status WorkerStatus, currentModel, currentTaskID *string, vramUsageMB float64, errorMessage string) error {
	query := `
		UPDATE workers SET
			status = $2,
			current_model = $3,
			current_task_id = $4,
			vram_usage_mb = $5,
			error_message = $6,
			last_activity = NOW(),
			updated_at = NOW()
		WHERE worker_id = $1
	`
	_, err := s.pool.Exec(ctx, query, workerID, status, currentModel, currentTaskID, vramUsageMB, errorMessage)
	return err
}

func (s *PostgresStore) GetWorker(ctx context.Context, workerID string) (*Worker, error) {
	query := `
		SELECT worker_id, device_id, status, current_model, current_task_id, vram_usage_mb, last_activity, error_message, created_at, updated_at
		FROM workers WHERE worker_id = $1
	`
	var w Worker
	err := s.pool.QueryRow(ctx, query, workerID).Scan(
		&w.WorkerID, &w.DeviceID, &w.Status, &w.CurrentModel, &w.CurrentTaskID, &w.VRAMUsageMB, &w.LastActivity, &w.ErrorMessage, &w.CreatedAt, &w.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &w, nil
}

func (s *PostgresStore) ListWorkers(ctx context.Context) ([]*Worker, error) {
	query := `
		SELECT worker_id, device_id, status, current_model, current_task_id, vram_usage_mb, last_activity, error_message, created_at, updated_at
		FROM workers ORDER BY worker_id
	`
	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var workers []*Worker
	for rows.Next() {
		var w Worker
		if err := rows.Scan(
			&w.WorkerID, &w.DeviceID, &w.Status, &w.CurrentModel, &w.CurrentTaskID, &w.VRAMUsageMB, &w.LastActivity, &w.ErrorMessage, &w.CreatedAt, &w.UpdatedAt,
		); err != nil {
			return nil, err
		}
		workers = append(workers, &w)
	}
	return workers, rows.Err()
}

func (s *PostgresStore) RecordModelLoad(ctx context.Context, modelName, modelPath string, sizeMB float64) error {
	query := `
		INSERT INTO models (model_name, model_path, size_mb, last_used, usage_count, created_at)
		VALUES ($1, $2, $3, NOW(), 1, NOW())
		ON CONFLICT (model_name) DO UPDATE SET
			model_path = EXCLUDED.model_path,
			last_used = NOW(),
			usage_count = models.usage_count + 1
	`
	_, err := s.pool.Exec(ctx, query, modelName, modelPath, sizeMB)
	return err
}

func (s *PostgresStore) GetModel(ctx context.Context, modelName string) (*Model, error) {
	query := `SELECT model_name, model_path, size_mb, last_used, usage_count, created_at FROM models WHERE model_name = $1`
	var m Model
	err := s.pool.QueryRow(ctx, query, modelName).Scan(&m.ModelName, &m.ModelPath, &m.SizeMB, &m.LastUsed, &m.UsageCount, &m.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func (s *PostgresStore) RecordSystemMetrics(ctx context.Context, m *SystemMetrics) error {
	query := `
		INSERT INTO system_metrics (timestamp, total_ram_gb, used_ram_gb, available_ram_gb, ram_percent, active_tasks, queued_tasks, completed_tasks)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`
	_, err := s.pool.Exec(ctx, query, m.Timestamp, m.TotalRAMGB, m.UsedRAMGB, m.AvailableRAMGB, m.RAMPercent, m.ActiveTasks, m.QueuedTasks, m.CompletedTasks)
	return err
}

func (s *PostgresStore) RecordWorkerMetrics(ctx context.Context, m *WorkerMetrics) error {
	query := `
		INSERT INTO worker_metrics (worker_id, timestamp, vram_used_mb, vram_total_mb, gpu_utilization_percent, temperature_celsius, power_usage_watts)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`
	_, err := s.pool.Exec(ctx, query, m.WorkerID, m.Timestamp, m.VRAMUsedMB, m.VRAMTotalMB, m.GPUUtilizationPercent, m.TemperatureCelsius, m.PowerUsageWatts)
	return err
}

func (s *PostgresStore) CleanupOldRecords(ctx context.Context, retentionDays int) error {
	cutoff := time.Now().AddDate(0, 0, -retentionDays)
	if _, err := s.pool.Exec(ctx, `DELETE FROM tasks WHERE status = 'completed' AND completion_time < $1`, cutoff); err != nil {
		return err
	}
	if _, err := s.pool.Exec(ctx, `DELETE FROM system_metrics WHERE timestamp < $1`, cutoff); err != nil {
		return err
	}
	if _, err := s.pool.Exec(ctx, `DELETE FROM worker_metrics WHERE timestamp < $1`, cutoff); err != nil {
		return err
	}
	return nil
}
