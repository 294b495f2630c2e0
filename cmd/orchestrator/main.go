// Command orchestrator is the forge control process: it loads
// configuration, connects the Store, wires the Bus/Queue/Registry/
// Scheduler/API, starts the Supervisor, and blocks until a shutdown
// signal arrives.
package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/forgeai/forge/internal/api"
	"github.com/forgeai/forge/internal/bus"
	"github.com/forgeai/forge/internal/config"
	"github.com/forgeai/forge/internal/idempotency"
	"github.com/forgeai/forge/internal/queue"
	"github.com/forgeai/forge/internal/registry"
	"github.com/forgeai/forge/internal/scheduler"
	"github.com/forgeai/forge/internal/store"
	"github.com/forgeai/forge/internal/streamhub"
	"github.com/forgeai/forge/internal/supervisor"
)

func main() {
	configPath := flag.String("config", "", "path to a JSON config file (optional)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("orchestrator: config: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Println("orchestrator: received shutdown signal")
		cancel()
	}()

	st, err := newStore(ctx, cfg)
	if err != nil {
		log.Fatalf("orchestrator: store: %v", err)
	}

	b := bus.New()
	q := queue.New(st)
	reg := registry.New(b, st, registry.Config{
		WorkerBinary:     cfg.WorkerBinary,
		OutputDir:        cfg.OutputDir,
		HeartbeatTimeout: cfg.WorkerTimeout,
		AutoRestart:      true,
		ParallelSpawn:    cfg.ParallelWorkerSpawn,
		SpawnDelay:       cfg.WorkerSpawnDelay,
	})

	schedCfg := scheduler.DefaultConfig()
	schedCfg.TickInterval = cfg.SchedulerInterval
	schedCfg.ModelDir = cfg.ModelDir
	schedCfg.OutputDir = cfg.OutputDir
	schedCfg.RetentionDays = cfg.RetentionDays
	sched := scheduler.New(b, reg, q, st, schedCfg)

	var guard idempotency.Guard
	if cfg.RedisAddr != "" {
		guard = idempotency.NewRedisGuard(cfg.RedisAddr)
		log.Printf("orchestrator: using Redis idempotency guard at %s", cfg.RedisAddr)
	} else {
		guard = idempotency.NewMemGuard()
		log.Println("orchestrator: using in-memory idempotency guard")
	}

	a := api.New(q, reg, st, guard)
	hub := streamhub.New(a.Snapshot, time.Second)
	a.SetHub(hub)

	sup := supervisor.New(supervisor.Config{
		DeviceList:       cfg.DeviceList,
		AutoStartWorkers: cfg.AutoStartWorkers,
		ListenAddr:       cfg.Host + ":" + strconv.Itoa(cfg.Port),
		ShutdownGrace:    10 * time.Second,
		WorkerKillGrace:  5 * time.Second,
	}, st, reg, q, sched, hub, a)

	if err := sup.Start(ctx); err != nil {
		log.Fatalf("orchestrator: startup: %v", err)
	}

	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		_ = http.ListenAndServe(":9090", mux)
	}()

	<-ctx.Done()
	log.Println("orchestrator: shutting down")
	sup.Shutdown()
}

func newStore(ctx context.Context, cfg config.Config) (store.Store, error) {
	if cfg.StoreDSN == "" {
		log.Println("orchestrator: no store_dsn configured, using in-memory store")
		return store.NewMemoryStore(), nil
	}
	return store.NewPostgresStore(ctx, cfg.StoreDSN)
}
