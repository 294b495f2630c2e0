// Package idempotency guards task submission against duplicate retries
// (e.g. a client retrying a POST after a dropped response). It mirrors the
// LOCKED/RESULT two-phase pattern the control plane's Redis idempotency
// store uses for its job API, simplified to this domain's single
// outcome: a submission key resolves to one task_id, cached across
// retries, with no separate execute-and-store phase since CreateTask
// itself is the idempotent write.
package idempotency

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Guard records key -> task_id. Seen returns the task_id if key was already
// admitted within ttl; Remember records a newly admitted key.
type Guard interface {
	Seen(ctx context.Context, key string) (taskID string, ok bool, err error)
	Remember(ctx context.Context, key, taskID string, ttl time.Duration) error
}

// memGuard is the zero-dependency fallback used when no Redis address is
// configured (SPEC_FULL.md domain stack: Redis is optional).
type memGuard struct {
	mu      sync.Mutex
	entries map[string]memEntry
}

type memEntry struct {
	taskID string
	expiry time.Time
}

func NewMemGuard() Guard {
	return &memGuard{entries: make(map[string]memEntry)}
}

func (g *memGuard) Seen(ctx context.Context, key string) (string, bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	e, ok := g.entries[key]
	if !ok || time.Now().After(e.expiry) {
		return "", false, nil
	}
	return e.taskID, true, nil
}

func (g *memGuard) Remember(ctx context.Context, key, taskID string, ttl time.Duration) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.entries[key] = memEntry{taskID: taskID, expiry: time.Now().Add(ttl)}
	// Opportunistic sweep so a long-running orchestrator doesn't grow the
	// map forever; cheap relative to submission rate.
	now := time.Now()
	for k, e := range g.entries {
		if now.After(e.expiry) {
			delete(g.entries, k)
		}
	}
	return nil
}

// redisGuard is the distributed variant for multi-instance deployments.
type redisGuard struct {
	client *redis.Client
}

func NewRedisGuard(addr string) Guard {
	return &redisGuard{client: redis.NewClient(&redis.Options{Addr: addr})}
}

func (g *redisGuard) Seen(ctx context.Context, key string) (string, bool, error) {
	taskID, err := g.client.Get(ctx, "forge:submit:"+key).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return taskID, true, nil
}

func (g *redisGuard) Remember(ctx context.Context, key, taskID string, ttl time.Duration) error {
	return g.client.Set(ctx, "forge:submit:"+key, taskID, ttl).Err()
}
