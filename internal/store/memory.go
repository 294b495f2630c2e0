package store

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-process Store implementation, used for tests and for
// running forge without a configured Postgres connection.
type MemoryStore struct {
	mu      sync.RWMutex
	tasks   map[string]*Task
	workers map[string]*Worker
	models  map[string]*Model
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tasks:   make(map[string]*Task),
		workers: make(map[string]*Worker),
		models:  make(map[string]*Model),
	}
}

func (s *MemoryStore) Close() {}

func (s *MemoryStore) CreateTask(ctx context.Context, t *Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.tasks[t.TaskID]; exists {
		return ErrDuplicateTaskID
	}
	cp := *t
	s.tasks[t.TaskID] = &cp
	return nil
}

func (s *MemoryStore) UpdateTaskStatus(ctx context.Context, taskID string, u TaskStatusUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[taskID]
	if !ok {
		return nil // missing row is a no-op, not an error
	}
	t.Status = u.Status
	if u.WorkerID != nil {
		t.WorkerID = u.WorkerID
	}
	if u.StartTime != nil {
		t.StartTime = u.StartTime
	}
	if u.CompletionTime != nil {
		t.CompletionTime = u.CompletionTime
	}
	if u.OutputPath != nil {
		t.OutputPath = *u.OutputPath
	}
	if u.ErrorMessage != nil {
		t.ErrorMessage = *u.ErrorMessage
	}
	if u.ProcessingTimeSeconds != nil {
		t.ProcessingTimeSeconds = u.ProcessingTimeSeconds
	}
	t.UpdatedAt = time.Now()
	return nil
}

func (s *MemoryStore) GetTask(ctx context.Context, taskID string) (*Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tasks[taskID]
	if !ok {
		return nil, nil
	}
	cp := *t
	return &cp, nil
}

func (s *MemoryStore) ListTasks(ctx context.Context, limit int) ([]*Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Task, 0, len(s.tasks))
	for _, t := range s.tasks {
		cp := *t
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SubmitTime.After(out[j].SubmitTime) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) GetPendingTasks(ctx context.Context, limit int) ([]*Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Task
	for _, t := range s.tasks {
		if t.Status == TaskQueued || t.Status == TaskAssigned {
			cp := *t
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SubmitTime.Before(out[j].SubmitTime) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) RegisterWorker(ctx context.Context, workerID, deviceID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	if w, ok := s.workers[workerID]; ok {
		w.DeviceID = deviceID
		w.Status = WorkerStarting
		w.LastActivity = now
		w.UpdatedAt = now
		return nil
	}
	s.workers[workerID] = &Worker{
		WorkerID:     workerID,
		DeviceID:     deviceID,
		Status:       WorkerStarting,
		LastActivity: now,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	return nil
}

func (s *MemoryStore) UpdateWorkerStatus(ctx context.Context, workerID string, status WorkerStatus, currentModel, currentTaskID *string, vramUsageMB float64, errorMessage string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.workers[workerID]
	if !ok {
		return nil
	}
	w.Status = status
	w.CurrentModel = currentModel
	w.CurrentTaskID = currentTaskID
	w.VRAMUsageMB = vramUsageMB
	w.ErrorMessage = errorMessage
	w.LastActivity = time.Now()
	w.UpdatedAt = w.LastActivity
	return nil
}

func (s *MemoryStore) GetWorker(ctx context.Context, workerID string) (*Worker, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	w, ok := s.workers[workerID]
	if !ok {
		return nil, nil
	}
	cp := *w
	return &cp, nil
}

func (s *MemoryStore) ListWorkers(ctx context.Context) ([]*Worker, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Worker, 0, len(s.workers))
	for _, w := range s.workers {
		cp := *w
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].WorkerID < out[j].WorkerID })
	return out, nil
}

func (s *MemoryStore) RecordModelLoad(ctx context.Context, modelName, modelPath string, sizeMB float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	if m, ok := s.models[modelName]; ok {
		m.ModelPath = modelPath
		m.LastUsed = &now
		m.UsageCount++
		return nil
	}
	s.models[modelName] = &Model{
		ModelName:  modelName,
		ModelPath:  modelPath,
		SizeMB:     sizeMB,
		LastUsed:   &now,
		UsageCount: 1,
		CreatedAt:  now,
	}
	return nil
}

func (s *MemoryStore) GetModel(ctx context.Context, modelName string) (*Model, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.models[modelName]
	if !ok {
		return nil, nil
	}
	cp := *m
	return &cp, nil
}

func (s *MemoryStore) RecordSystemMetrics(ctx context.Context, m *SystemMetrics) error {
	return nil // in-memory store does not retain metrics history
}

func (s *MemoryStore) RecordWorkerMetrics(ctx context.Context, m *WorkerMetrics) error {
	return nil
}

func (s *MemoryStore) CleanupOldRecords(ctx context.Context, retentionDays int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := time.Now().AddDate(0, 0, -retentionDays)
	for id, t := range s.tasks {
		if t.Status == TaskCompleted && t.CompletionTime != nil && t.CompletionTime.Before(cutoff) {
			delete(s.tasks, id)
		}
	}
	return nil
}
