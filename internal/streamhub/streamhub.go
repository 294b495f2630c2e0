// Package streamhub broadcasts periodic task/worker status snapshots to
// websocket clients of GET /api/status/stream (SPEC_FULL.md domain stack),
// in the single-broadcaster style of the control plane's MetricsHub: one
// ticker drives every client's push rather than one goroutine per
// connection polling independently.
package streamhub

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/forgeai/forge/internal/observability"
)

const maxClients = 200

// Snapshot is the payload pushed to every connected client. It carries
// status counters, not artifact bytes — streaming generated images is out
// of scope.
type Snapshot struct {
	QueueDepth   int            `json:"queue_depth"`
	ActiveTasks  int            `json:"active_tasks"`
	WorkerCounts map[string]int `json:"worker_counts"`
	Timestamp    time.Time      `json:"timestamp"`
}

// SnapshotFunc produces the current snapshot on demand; the Hub never
// reaches into Scheduler/Registry internals directly.
type SnapshotFunc func() Snapshot

type Hub struct {
	clients    map[*websocket.Conn]struct{}
	register   chan *websocket.Conn
	unregister chan *websocket.Conn
	mu         sync.RWMutex
	snapshot   SnapshotFunc
	interval   time.Duration
}

func New(snapshot SnapshotFunc, interval time.Duration) *Hub {
	return &Hub{
		clients:    make(map[*websocket.Conn]struct{}),
		register:   make(chan *websocket.Conn),
		unregister: make(chan *websocket.Conn),
		snapshot:   snapshot,
		interval:   interval,
	}
}

// Run is the hub's single goroutine: it owns the clients map exclusively.
func (h *Hub) Run(ctx context.Context) {
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			h.shutdown()
			return
		case conn := <-h.register:
			h.mu.Lock()
			if len(h.clients) >= maxClients {
				h.mu.Unlock()
				conn.Close()
				log.Printf("streamhub: connection rejected, max clients (%d) reached", maxClients)
				continue
			}
			h.clients[conn] = struct{}{}
			h.mu.Unlock()
			observability.WSClients.Set(float64(len(h.clients)))
		case conn := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[conn]; ok {
				delete(h.clients, conn)
				conn.Close()
			}
			h.mu.Unlock()
			observability.WSClients.Set(float64(len(h.clients)))
		case <-ticker.C:
			h.broadcast()
		}
	}
}

func (h *Hub) broadcast() {
	snap := h.snapshot()
	h.mu.RLock()
	defer h.mu.RUnlock()
	for conn := range h.clients {
		conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		if err := conn.WriteJSON(snap); err != nil {
			log.Printf("streamhub: write error: %v", err)
			go h.Unregister(conn)
		}
	}
}

func (h *Hub) shutdown() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for conn := range h.clients {
		conn.Close()
	}
	h.clients = make(map[*websocket.Conn]struct{})
}

func (h *Hub) Register(conn *websocket.Conn)   { h.register <- conn }
func (h *Hub) Unregister(conn *websocket.Conn) { h.unregister <- conn }
