package gateway

import (
	"flag"
	"testing"
	"time"
)

func TestParseConfig_ParsesDefaultsAndFlags(t *testing.T) {
	fs := flag.NewFlagSet("gateway", flag.ContinueOnError)
	t.Setenv("LOREHALL_GATEWAY_HTTP_ADDR", ":9092")

	cfg, err := ParseConfig(fs, []string{"-db-path", "/tmp/shared.db", "-max-attempts", "3"})
	if err != nil {
		t.Fatalf("parse config: %v", err)
	}
	if cfg.HTTPAddr != ":9092" {
		t.Fatalf("http addr = %q, want %q", cfg.HTTPAddr, ":9092")
	}
	if cfg.DBPath != "/tmp/shared.db" {
		t.Fatalf("db path = %q, want %q", cfg.DBPath, "/tmp/shared.db")
	}
	if cfg.MaxAttempts != 3 {
		t.Fatalf("max attempts = %d, want 3", cfg.MaxAttempts)
	}
}

func TestParseConfig_Defaults(t *testing.T) {
	fs := flag.NewFlagSet("gateway", flag.ContinueOnError)

	cfg, err := ParseConfig(fs, nil)
	if err != nil {
		t.Fatalf("parse config: %v", err)
	}
	if cfg.HTTPAddr != ":8092" {
		t.Fatalf("http addr = %q, want %q", cfg.HTTPAddr, ":8092")
	}
	if cfg.DBPath != "data/engine.db" {
		t.Fatalf("db path = %q, want %q", cfg.DBPath, "data/engine.db")
	}
	if cfg.ReadHeaderTimeout != 5*time.Second {
		t.Fatalf("read header timeout = %v, want 5s", cfg.ReadHeaderTimeout)
	}
	if cfg.ShutdownTimeout != 5*time.Second {
		t.Fatalf("shutdown timeout = %v, want 5s", cfg.ShutdownTimeout)
	}
}
