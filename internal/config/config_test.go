package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/BTreeMap/PeerMatch/internal/store"
)

func writeFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "peermatch.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}
	return path
}

func TestDefault(t *testing.T) {
	cfg := Default()
	if cfg.Engine.RequestTimeout != 30*time.Second {
		t.Errorf("expected 30s timeout, got %v", cfg.Engine.RequestTimeout)
	}
	if cfg.Engine.SweepInterval != time.Second {
		t.Errorf("expected 1s sweep, got %v", cfg.Engine.SweepInterval)
	}
	if err := cfg.Finalize(); err != nil {
		t.Fatalf("defaults should be valid: %v", err)
	}
	if cfg.DatabaseURL != filepath.Join(DefaultStateDir, DefaultDBFileName) {
		t.Errorf("unexpected default DSN %q", cfg.DatabaseURL)
	}
	if store.DetectDSNType(cfg.DatabaseURL) != store.DSNTypeSQLite {
		t.Errorf("default store should be SQLite")
	}
	if cfg.Kafka.Queues != cfg.Queues {
		t.Errorf("kafka queues not propagated")
	}
}

func TestLoadFile(t *testing.T) {
	path := writeFile(t, `
transport: memory
database_url: memory
supervisor: timer
engine:
  request_timeout: 45s
  sweep_interval: 500ms
queues:
  requests: custom.requests
  cancellations: custom.cancels
  replies: custom.replies
kafka:
  brokers: [k1:9092, k2:9092]
admin_addr: ":9090"
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Transport != TransportMemory {
		t.Errorf("expected memory transport, got %q", cfg.Transport)
	}
	if cfg.Engine.RequestTimeout != 45*time.Second || cfg.Engine.SweepInterval != 500*time.Millisecond {
		t.Errorf("engine durations not loaded: %+v", cfg.Engine)
	}
	// Fields absent from the file keep their defaults.
	if cfg.Engine.ImmediateAttempts != 3 {
		t.Errorf("expected default immediate attempts, got %d", cfg.Engine.ImmediateAttempts)
	}
	if cfg.Queues.Requests != "custom.requests" || len(cfg.Kafka.Brokers) != 2 {
		t.Errorf("unexpected queues/brokers: %+v %v", cfg.Queues, cfg.Kafka.Brokers)
	}
	if cfg.AdminAddr != ":9090" {
		t.Errorf("unexpected admin addr %q", cfg.AdminAddr)
	}
}

func TestLoadFile_Errors(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
	if _, err := Load(writeFile(t, "engine: [not, a, map]")); err == nil {
		t.Error("expected error for invalid YAML")
	}
}

func TestLoadEnvOverridesFile(t *testing.T) {
	path := writeFile(t, "transport: memory\nengine:\n  request_timeout: 45s\n")
	t.Setenv("PEERMATCH_REQUEST_TIMEOUT", "10s")
	t.Setenv("PEERMATCH_KAFKA_BROKERS", "a:1,b:2")
	t.Setenv("DATABASE_URL", "postgres://u:p@localhost/peermatch")
	t.Setenv("PEERMATCH_SUPERVISOR", "jobs")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Engine.RequestTimeout != 10*time.Second {
		t.Errorf("env should override file, got %v", cfg.Engine.RequestTimeout)
	}
	if strings.Join(cfg.Kafka.Brokers, ",") != "a:1,b:2" {
		t.Errorf("unexpected brokers %v", cfg.Kafka.Brokers)
	}
	if err := cfg.Finalize(); err != nil {
		t.Fatalf("Finalize failed: %v", err)
	}
	if store.DetectDSNType(cfg.DatabaseURL) != store.DSNTypePostgres {
		t.Errorf("expected postgres DSN")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"unknown transport", func(c *Config) { c.Transport = "carrier-pigeon" }},
		{"no brokers", func(c *Config) { c.Kafka.Brokers = nil }},
		{"unknown supervisor", func(c *Config) { c.Supervisor = "cron" }},
		{"jobs without sql", func(c *Config) { c.Supervisor = SupervisorJobs; c.DatabaseURL = "memory" }},
		{"empty queue", func(c *Config) { c.Queues.Replies = "" }},
		{"negative timeout", func(c *Config) { c.Engine.RequestTimeout = -time.Second }},
		{"bad prune schedule", func(c *Config) { c.DedupPruneSchedule = "whenever" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			if err := cfg.Finalize(); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestStoreOptions(t *testing.T) {
	cfg := Default()
	if n := len(cfg.StoreOptions()); n != 0 {
		t.Errorf("expected no options, got %d", n)
	}
	cfg.AWSRegion = "us-east-1"
	cfg.DynamoEndpoint = "http://localhost:8000"
	var o store.Opts
	for _, opt := range cfg.StoreOptions() {
		opt(&o)
	}
	if o.AWSRegion != "us-east-1" || o.DynamoEndpoint != "http://localhost:8000" {
		t.Errorf("unexpected opts %+v", o)
	}
}
