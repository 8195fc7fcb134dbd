// Package engine parses engine command flags and launches the engine runtime.
package engine

import (
	"context"
	"flag"
	"time"

	entrypoint "github.com/lorehall/engine/internal/platform/cmd"
	engineserver "github.com/lorehall/engine/internal/services/engine/app"
)

// Config holds engine command configuration.
type Config struct {
	Port             int           `env:"LOREHALL_ENGINE_PORT" envDefault:"8091"`
	DBPath           string        `env:"LOREHALL_ENGINE_DB_PATH" envDefault:"data/engine.db"`
	Workers          int           `env:"LOREHALL_ENGINE_WORKERS" envDefault:"4"`
	PollInterval     time.Duration `env:"LOREHALL_ENGINE_POLL_INTERVAL" envDefault:"2s"`
	LeaseTTL         time.Duration `env:"LOREHALL_ENGINE_LEASE_TTL" envDefault:"30s"`
	MaxAttempts      int           `env:"LOREHALL_ENGINE_MAX_ATTEMPTS" envDefault:"8"`
	RetryBackoff     time.Duration `env:"LOREHALL_ENGINE_RETRY_BACKOFF" envDefault:"5s"`
	RetryMaxDelay    time.Duration `env:"LOREHALL_ENGINE_RETRY_MAX_DELAY" envDefault:"5m"`
	SnapshotInterval time.Duration `env:"LOREHALL_ENGINE_SNAPSHOT_INTERVAL" envDefault:"30s"`
	StepLimit        int           `env:"LOREHALL_ENGINE_STEP_LIMIT" envDefault:"50"`
	LockTTL          time.Duration `env:"LOREHALL_ENGINE_LOCK_TTL" envDefault:"30s"`
	DocumentTTL      time.Duration `env:"LOREHALL_ENGINE_DOCUMENT_TTL" envDefault:"24h"`
}

// ParseConfig parses environment and flags into a Config.
func ParseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	var cfg Config
	if err := entrypoint.ParseConfig(&cfg); err != nil {
		return Config{}, err
	}
	fs.IntVar(&cfg.Port, "port", cfg.Port, "The engine health gRPC server port")
	fs.StringVar(&cfg.DBPath, "db-path", cfg.DBPath, "The engine SQLite database path")
	fs.IntVar(&cfg.Workers, "workers", cfg.Workers, "Action pipeline worker count")
	fs.DurationVar(&cfg.PollInterval, "poll-interval", cfg.PollInterval, "Action queue poll interval")
	fs.DurationVar(&cfg.LeaseTTL, "lease-ttl", cfg.LeaseTTL, "Action queue lease duration")
	fs.IntVar(&cfg.MaxAttempts, "max-attempts", cfg.MaxAttempts, "Maximum processing attempts before dead-letter")
	fs.DurationVar(&cfg.RetryBackoff, "retry-backoff", cfg.RetryBackoff, "Base retry backoff delay")
	fs.DurationVar(&cfg.RetryMaxDelay, "retry-max-delay", cfg.RetryMaxDelay, "Maximum retry delay")
	fs.DurationVar(&cfg.SnapshotInterval, "snapshot-interval", cfg.SnapshotInterval, "Session snapshot checkpoint interval")
	fs.IntVar(&cfg.StepLimit, "step-limit", cfg.StepLimit, "Maximum pipeline steps per action")
	fs.DurationVar(&cfg.LockTTL, "lock-ttl", cfg.LockTTL, "Per-session lock duration")
	fs.DurationVar(&cfg.DocumentTTL, "document-ttl", cfg.DocumentTTL, "Live session document expiry")
	if err := entrypoint.ParseArgs(fs, args); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Run starts the engine runtime.
func Run(ctx context.Context, cfg Config) error {
	return entrypoint.RunWithTelemetry(ctx, entrypoint.ServiceEngine, func(context.Context) error {
		return engineserver.Run(ctx, engineserver.RuntimeConfig{
			Port:             cfg.Port,
			DBPath:           cfg.DBPath,
			Workers:          cfg.Workers,
			PollInterval:     cfg.PollInterval,
			LeaseTTL:         cfg.LeaseTTL,
			MaxAttempts:      cfg.MaxAttempts,
			RetryBackoff:     cfg.RetryBackoff,
			RetryMaxDelay:    cfg.RetryMaxDelay,
			SnapshotInterval: cfg.SnapshotInterval,
			StepLimit:        cfg.StepLimit,
			LockTTL:          cfg.LockTTL,
			DocumentTTL:      cfg.DocumentTTL,
		})
	})
}
