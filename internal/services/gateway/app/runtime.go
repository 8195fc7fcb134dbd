package app

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/lorehall/engine/internal/bus"
	enginesqlite "github.com/lorehall/engine/internal/storage/sqlite"
)

// RuntimeConfig controls gateway startup and the relay consumer.
type RuntimeConfig struct {
	HTTPAddr          string
	DBPath            string
	PollInterval      time.Duration
	LeaseTTL          time.Duration
	MaxAttempts       int
	RetryBackoff      time.Duration
	RetryMaxDelay     time.Duration
	ReadHeaderTimeout time.Duration
	ShutdownTimeout   time.Duration
}

const (
	defaultGatewayAddr      = ":8092"
	defaultGatewayDB        = "data/engine.db"
	defaultReadHeaderWindow = 5 * time.Second
	defaultShutdownWindow   = 5 * time.Second
)

// Run starts the gateway and blocks until the context ends.
//
// The gateway shares the engine's sqlite database: it appends player_action
// and session_control messages to the journal the engine consumes, consumes
// the session_events relay the engine appends, and reads snapshots for
// connect-time replay.
func Run(ctx context.Context, cfg RuntimeConfig) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if cfg.HTTPAddr == "" {
		cfg.HTTPAddr = defaultGatewayAddr
	}
	if cfg.DBPath == "" {
		cfg.DBPath = defaultGatewayDB
	}
	if cfg.ReadHeaderTimeout <= 0 {
		cfg.ReadHeaderTimeout = defaultReadHeaderWindow
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = defaultShutdownWindow
	}

	if dir := filepath.Dir(cfg.DBPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create gateway storage dir: %w", err)
		}
	}

	store, err := enginesqlite.Open(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open gateway sqlite store: %w", err)
	}
	defer func() {
		if closeErr := store.Close(); closeErr != nil {
			log.Printf("close gateway sqlite store: %v", closeErr)
		}
	}()

	eventBus := bus.New(store)
	hub := newRoomHub()
	handler := newGatewayHandler(hub, eventBus, store)

	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           handler.Routes(),
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
	}
	serveErr := make(chan error, 1)
	go func() {
		serveErr <- httpServer.ListenAndServe()
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if shutdownErr := httpServer.Shutdown(shutdownCtx); shutdownErr != nil {
			log.Printf("gateway http shutdown: %v", shutdownErr)
		}
		<-serveErr
	}()

	log.Printf("gateway server listening at %s", cfg.HTTPAddr)

	// A single relay worker keeps per-session event order intact.
	return eventBus.Consume(ctx, bus.TopicSessionEvents, func(ctx context.Context, msg bus.Message) error {
		var envelope bus.RelayEnvelope
		if err := json.Unmarshal(msg.Payload, &envelope); err != nil {
			return fmt.Errorf("decode relay envelope: %w", err)
		}
		handler.DeliverEvent(envelope.Topic, envelope.Payload)
		return nil
	}, bus.ConsumerConfig{
		Workers:       1,
		Lease:         cfg.LeaseTTL,
		PollInterval:  cfg.PollInterval,
		RetryBackoff:  cfg.RetryBackoff,
		RetryMaxDelay: cfg.RetryMaxDelay,
		MaxAttempts:   cfg.MaxAttempts,
	})
}
