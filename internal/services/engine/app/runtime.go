// Package app wires the engine runtime: the action worker pool, the turn
// coordinator, the objective tracker, snapshots, and the health server.
package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/lorehall/engine/internal/bus"
	"github.com/lorehall/engine/internal/objectives"
	"github.com/lorehall/engine/internal/party"
	"github.com/lorehall/engine/internal/pipeline"
	"github.com/lorehall/engine/internal/statestore"
	"github.com/lorehall/engine/internal/storage"
	enginesqlite "github.com/lorehall/engine/internal/storage/sqlite"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	grpc_health_v1 "google.golang.org/grpc/health/grpc_health_v1"
)

// RuntimeConfig controls engine startup, dependencies, and loop behavior.
type RuntimeConfig struct {
	Port             int
	DBPath           string
	Workers          int
	PollInterval     time.Duration
	LeaseTTL         time.Duration
	MaxAttempts      int
	RetryBackoff     time.Duration
	RetryMaxDelay    time.Duration
	SnapshotInterval time.Duration
	StepLimit        int
	LockTTL          time.Duration
	DocumentTTL      time.Duration

	// Interpreter and Narrator override the deterministic built-ins when a
	// content generation backend is available.
	Interpreter pipeline.Interpreter
	Narrator    pipeline.Narrator
}

const (
	defaultEnginePort       = 8091
	defaultEngineDB         = "data/engine.db"
	defaultWorkers          = 4
	defaultSnapshotInterval = 30 * time.Second
)

// Run starts the engine runtime and blocks until the context ends.
func Run(ctx context.Context, cfg RuntimeConfig) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if cfg.Port <= 0 {
		cfg.Port = defaultEnginePort
	}
	if cfg.DBPath == "" {
		cfg.DBPath = defaultEngineDB
	}
	if cfg.Workers <= 0 {
		cfg.Workers = defaultWorkers
	}
	if cfg.SnapshotInterval <= 0 {
		cfg.SnapshotInterval = defaultSnapshotInterval
	}
	if cfg.Interpreter == nil {
		cfg.Interpreter = pipeline.KeywordInterpreter{}
	}
	if cfg.Narrator == nil {
		cfg.Narrator = pipeline.SummaryNarrator{}
	}

	if dir := filepath.Dir(cfg.DBPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create engine storage dir: %w", err)
		}
	}

	engineStore, err := enginesqlite.Open(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open engine sqlite store: %w", err)
	}
	defer func() {
		if closeErr := engineStore.Close(); closeErr != nil {
			log.Printf("close engine sqlite store: %v", closeErr)
		}
	}()

	liveStore := statestore.NewMemoryStore()
	defer liveStore.Close()

	recovered, err := recoverSnapshots(ctx, engineStore, liveStore, cfg.DocumentTTL)
	if err != nil {
		return fmt.Errorf("recover session snapshots: %w", err)
	}
	if recovered > 0 {
		log.Printf("engine recovered %d session(s) from snapshots", recovered)
	}

	eventBus := bus.New(engineStore)
	relay := eventBus.RelaySessionEvents()
	defer relay.Close()
	coordinator := party.NewCoordinator(eventBus)
	if err := ensureRecoveredParties(ctx, liveStore, coordinator); err != nil {
		return fmt.Errorf("rebuild party records: %w", err)
	}
	tracker := objectives.NewTracker(engineStore, engineStore)
	registry, err := pipeline.DefaultRegistry()
	if err != nil {
		return fmt.Errorf("build action handler registry: %w", err)
	}
	orchestrator := pipeline.New(liveStore, coordinator, tracker, registry,
		cfg.Interpreter, cfg.Narrator, eventBus, pipeline.Config{
			StepLimit:   cfg.StepLimit,
			LockTTL:     cfg.LockTTL,
			DocumentTTL: cfg.DocumentTTL,
		})

	listener, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.Port))
	if err != nil {
		return fmt.Errorf("listen on engine port %d: %w", cfg.Port, err)
	}
	defer listener.Close()

	grpcServer := grpc.NewServer(grpc.StatsHandler(otelgrpc.NewServerHandler()))
	healthServer := health.NewServer()
	grpc_health_v1.RegisterHealthServer(grpcServer, healthServer)
	healthServer.SetServingStatus("", grpc_health_v1.HealthCheckResponse_SERVING)
	healthServer.SetServingStatus("engine.runtime", grpc_health_v1.HealthCheckResponse_SERVING)

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- grpcServer.Serve(listener)
	}()
	defer func() {
		healthServer.Shutdown()
		grpcServer.GracefulStop()
		<-serveErr
	}()

	go snapshotLoop(ctx, liveStore, engineStore, cfg.SnapshotInterval)

	// Control messages run on a single worker so membership changes for a
	// session apply in the order the gateway queued them.
	control := newControlHandler(liveStore, coordinator, eventBus, cfg.LockTTL, cfg.DocumentTTL)
	controlErr := make(chan error, 1)
	go func() {
		controlErr <- eventBus.Consume(ctx, bus.TopicSessionControl, control.HandleMessage, bus.ConsumerConfig{
			Workers:       1,
			Lease:         cfg.LeaseTTL,
			PollInterval:  cfg.PollInterval,
			RetryBackoff:  cfg.RetryBackoff,
			RetryMaxDelay: cfg.RetryMaxDelay,
			MaxAttempts:   cfg.MaxAttempts,
		})
	}()

	log.Printf("engine server listening at %v", listener.Addr())
	runErr := eventBus.Consume(ctx, bus.TopicPlayerAction, orchestrator.HandleMessage, bus.ConsumerConfig{
		Workers:       cfg.Workers,
		Lease:         cfg.LeaseTTL,
		PollInterval:  cfg.PollInterval,
		RetryBackoff:  cfg.RetryBackoff,
		RetryMaxDelay: cfg.RetryMaxDelay,
		MaxAttempts:   cfg.MaxAttempts,
	})
	if consumeErr := <-controlErr; runErr == nil {
		runErr = consumeErr
	}
	return runErr
}

// ensureRecoveredParties rebuilds coordinator records for every session that
// came back from a snapshot, so active parties resume their turn timers
// without waiting for the next player action.
func ensureRecoveredParties(ctx context.Context, liveStore *statestore.MemoryStore, coordinator *party.Coordinator) error {
	sessions, err := liveStore.ListActive(ctx)
	if err != nil {
		return err
	}
	for _, session := range sessions {
		coordinator.Ensure(session)
	}
	return nil
}

// recoverSnapshots loads every checkpointed session back into the live store.
func recoverSnapshots(ctx context.Context, snapshots storage.SnapshotStore, liveStore *statestore.MemoryStore, documentTTL time.Duration) (int, error) {
	sessionIDs, err := snapshots.ListSnapshotSessionIDs(ctx)
	if err != nil {
		return 0, fmt.Errorf("list snapshots: %w", err)
	}
	recovered := 0
	for _, sessionID := range sessionIDs {
		snapshot, err := snapshots.GetSnapshot(ctx, sessionID)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				continue
			}
			return recovered, fmt.Errorf("load snapshot %s: %w", sessionID, err)
		}
		if err := liveStore.Save(ctx, sessionID, snapshot.Document, documentTTL); err != nil {
			return recovered, fmt.Errorf("restore session %s: %w", sessionID, err)
		}
		recovered++
	}
	return recovered, nil
}

// snapshotLoop periodically checkpoints every live session.
//
// Snapshots are crash recovery only; nothing on the action path reads them,
// so a slow checkpoint never blocks a worker.
func snapshotLoop(ctx context.Context, liveStore *statestore.MemoryStore, snapshots storage.SnapshotStore, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	checkpoints := make(map[string]int)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := snapshotOnce(ctx, liveStore, snapshots, checkpoints); err != nil {
				log.Printf("engine snapshot pass: %v", err)
			}
		}
	}
}

func snapshotOnce(ctx context.Context, liveStore *statestore.MemoryStore, snapshots storage.SnapshotStore, checkpoints map[string]int) error {
	sessions, err := liveStore.ListActive(ctx)
	if err != nil {
		return err
	}
	live := make(map[string]bool, len(sessions))
	for _, session := range sessions {
		live[session.ID] = true
		if _, tracked := checkpoints[session.ID]; !tracked {
			// Resume counting from the recovered document instead of 1, so
			// checkpoint numbers stay monotonic across a restart.
			checkpoints[session.ID] = session.CheckpointCount
		}
		checkpoints[session.ID]++
		session.CheckpointCount = checkpoints[session.ID]
		snapshot := storage.Snapshot{
			SessionID:        session.ID,
			CampaignID:       session.CampaignID,
			Document:         session,
			CheckpointCount:  session.CheckpointCount,
			ProcessedActions: session.ProcessedActions,
		}
		if err := snapshots.PutSnapshot(ctx, snapshot); err != nil {
			return fmt.Errorf("snapshot session %s: %w", session.ID, err)
		}
	}
	// Counters for sessions that ended or expired would otherwise pile up
	// for the life of the process.
	for sessionID := range checkpoints {
		if !live[sessionID] {
			delete(checkpoints, sessionID)
		}
	}
	return nil
}
