// Package gateway parses gateway command flags and launches the gateway runtime.
package gateway

import (
	"context"
	"flag"
	"time"

	entrypoint "github.com/lorehall/engine/internal/platform/cmd"
	gatewayserver "github.com/lorehall/engine/internal/services/gateway/app"
)

// Config holds gateway command configuration.
type Config struct {
	HTTPAddr          string        `env:"LOREHALL_GATEWAY_HTTP_ADDR" envDefault:":8092"`
	DBPath            string        `env:"LOREHALL_GATEWAY_DB_PATH" envDefault:"data/engine.db"`
	PollInterval      time.Duration `env:"LOREHALL_GATEWAY_POLL_INTERVAL" envDefault:"2s"`
	LeaseTTL          time.Duration `env:"LOREHALL_GATEWAY_LEASE_TTL" envDefault:"30s"`
	MaxAttempts       int           `env:"LOREHALL_GATEWAY_MAX_ATTEMPTS" envDefault:"8"`
	RetryBackoff      time.Duration `env:"LOREHALL_GATEWAY_RETRY_BACKOFF" envDefault:"5s"`
	RetryMaxDelay     time.Duration `env:"LOREHALL_GATEWAY_RETRY_MAX_DELAY" envDefault:"5m"`
	ReadHeaderTimeout time.Duration `env:"LOREHALL_GATEWAY_READ_HEADER_TIMEOUT" envDefault:"5s"`
	ShutdownTimeout   time.Duration `env:"LOREHALL_GATEWAY_SHUTDOWN_TIMEOUT" envDefault:"5s"`
}

// ParseConfig parses environment and flags into a Config.
func ParseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	var cfg Config
	if err := entrypoint.ParseConfig(&cfg); err != nil {
		return Config{}, err
	}
	fs.StringVar(&cfg.HTTPAddr, "http-addr", cfg.HTTPAddr, "The gateway HTTP listen address")
	fs.StringVar(&cfg.DBPath, "db-path", cfg.DBPath, "The shared engine SQLite database path")
	fs.DurationVar(&cfg.PollInterval, "poll-interval", cfg.PollInterval, "Relay queue poll interval")
	fs.DurationVar(&cfg.LeaseTTL, "lease-ttl", cfg.LeaseTTL, "Relay queue lease duration")
	fs.IntVar(&cfg.MaxAttempts, "max-attempts", cfg.MaxAttempts, "Maximum relay attempts before dead-letter")
	fs.DurationVar(&cfg.RetryBackoff, "retry-backoff", cfg.RetryBackoff, "Base retry backoff delay")
	fs.DurationVar(&cfg.RetryMaxDelay, "retry-max-delay", cfg.RetryMaxDelay, "Maximum retry delay")
	fs.DurationVar(&cfg.ReadHeaderTimeout, "read-header-timeout", cfg.ReadHeaderTimeout, "HTTP read header timeout")
	fs.DurationVar(&cfg.ShutdownTimeout, "shutdown-timeout", cfg.ShutdownTimeout, "HTTP graceful shutdown timeout")
	if err := entrypoint.ParseArgs(fs, args); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Run starts the gateway runtime.
func Run(ctx context.Context, cfg Config) error {
	return entrypoint.RunWithTelemetry(ctx, entrypoint.ServiceGateway, func(context.Context) error {
		return gatewayserver.Run(ctx, gatewayserver.RuntimeConfig{
			HTTPAddr:          cfg.HTTPAddr,
			DBPath:            cfg.DBPath,
			PollInterval:      cfg.PollInterval,
			LeaseTTL:          cfg.LeaseTTL,
			MaxAttempts:       cfg.MaxAttempts,
			RetryBackoff:      cfg.RetryBackoff,
			RetryMaxDelay:     cfg.RetryMaxDelay,
			ReadHeaderTimeout: cfg.ReadHeaderTimeout,
			ShutdownTimeout:   cfg.ShutdownTimeout,
		})
	})
}
