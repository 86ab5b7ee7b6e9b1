// Package config assembles PeerMatch configuration.
//
// Values are layered: built-in defaults, then an optional YAML file, then
// environment variables (a .env file in the working directory is loaded
// first). Command-line flags are applied on top by the caller.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/BTreeMap/PeerMatch/internal/api"
	"github.com/BTreeMap/PeerMatch/internal/matcher"
	"github.com/BTreeMap/PeerMatch/internal/scheduler"
	"github.com/BTreeMap/PeerMatch/internal/store"
	"github.com/BTreeMap/PeerMatch/internal/transport"
	"github.com/BTreeMap/PeerMatch/internal/util"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Default configuration constants
const (
	// DefaultStateDir is the default directory for PeerMatch state data
	DefaultStateDir = "/var/lib/peermatch"
	// DefaultDBFileName is the default SQLite database filename
	DefaultDBFileName = "peermatch.db"
)

// Transport kinds.
const (
	TransportKafka  = "kafka"
	TransportMemory = "memory"
)

// Supervisor kinds. SupervisorAuto picks durable jobs when the store
// supports them and in-process timers otherwise.
const (
	SupervisorAuto  = "auto"
	SupervisorTimer = "timer"
	SupervisorJobs  = "jobs"
)

// Config is the complete service configuration.
type Config struct {
	StateDir    string `yaml:"state_dir"`
	DatabaseURL string `yaml:"database_url"`

	AWSRegion      string `yaml:"aws_region"`
	DynamoEndpoint string `yaml:"dynamodb_endpoint"`

	Transport string                `yaml:"transport"`
	Kafka     transport.KafkaConfig `yaml:"kafka"`
	Queues    transport.Queues      `yaml:"queues"`

	Engine     matcher.Config `yaml:"engine"`
	Supervisor string         `yaml:"supervisor"`

	JobPollInterval    time.Duration `yaml:"job_poll_interval"`
	OutboxPollInterval time.Duration `yaml:"outbox_poll_interval"`
	DedupRetention     time.Duration `yaml:"dedup_retention"`
	DedupPruneSchedule string        `yaml:"dedup_prune_schedule"`

	AdminAddr string `yaml:"admin_addr"`
	Debug     bool   `yaml:"debug"`
}

// Default returns the built-in defaults. DatabaseURL is left empty and
// resolved to a SQLite file under StateDir by Finalize.
func Default() Config {
	return Config{
		StateDir:           DefaultStateDir,
		Transport:          TransportKafka,
		Kafka:              transport.KafkaConfig{Brokers: []string{"localhost:9092"}, GroupID: "peermatch"},
		Queues:             transport.DefaultQueues(),
		Engine:             matcher.DefaultConfig(),
		Supervisor:         SupervisorAuto,
		JobPollInterval:    250 * time.Millisecond,
		OutboxPollInterval: time.Second,
		DedupRetention:     24 * time.Hour,
		DedupPruneSchedule: "@hourly",
		AdminAddr:          api.DefaultAddr,
		Debug:              true,
	}
}

// Load builds the configuration from defaults, the YAML file at path (if
// path is non-empty) and the environment.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		if err := cfg.LoadFile(path); err != nil {
			return cfg, err
		}
	}
	cfg.LoadEnv()
	return cfg, nil
}

// LoadFile overlays the YAML file at path onto c.
func (c *Config) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	slog.Debug("Config.LoadFile: loaded", "path", path)
	return nil
}

// LoadEnv overlays environment variables onto c.
func (c *Config) LoadEnv() {
	if err := godotenv.Load(); err != nil {
		slog.Debug("failed to load .env file", "error", err)
	} else {
		slog.Debug("successfully loaded .env file")
	}

	c.StateDir = envOr("PEERMATCH_STATE_DIR", c.StateDir)
	c.DatabaseURL = envOr("DATABASE_URL", c.DatabaseURL)
	c.AWSRegion = envOr("AWS_REGION", c.AWSRegion)
	c.DynamoEndpoint = envOr("PEERMATCH_DYNAMODB_ENDPOINT", c.DynamoEndpoint)

	c.Transport = envOr("PEERMATCH_TRANSPORT", c.Transport)
	c.Kafka.Brokers = util.ParseListEnv("PEERMATCH_KAFKA_BROKERS", c.Kafka.Brokers)
	c.Kafka.GroupID = envOr("PEERMATCH_KAFKA_GROUP", c.Kafka.GroupID)
	c.Queues.Requests = envOr("PEERMATCH_REQUEST_QUEUE", c.Queues.Requests)
	c.Queues.Cancellations = envOr("PEERMATCH_CANCEL_QUEUE", c.Queues.Cancellations)
	c.Queues.Replies = envOr("PEERMATCH_REPLY_QUEUE", c.Queues.Replies)

	c.Engine.RequestTimeout = util.ParseDurationEnv("PEERMATCH_REQUEST_TIMEOUT", c.Engine.RequestTimeout)
	c.Engine.SweepInterval = util.ParseDurationEnv("PEERMATCH_SWEEP_INTERVAL", c.Engine.SweepInterval)
	c.Engine.ImmediateAttempts = util.ParseIntEnv("PEERMATCH_IMMEDIATE_ATTEMPTS", c.Engine.ImmediateAttempts)
	c.Supervisor = envOr("PEERMATCH_SUPERVISOR", c.Supervisor)
	c.DedupRetention = util.ParseDurationEnv("PEERMATCH_DEDUP_RETENTION", c.DedupRetention)
	c.DedupPruneSchedule = envOr("PEERMATCH_DEDUP_PRUNE_SCHEDULE", c.DedupPruneSchedule)

	c.AdminAddr = envOr("PEERMATCH_ADMIN_ADDR", c.AdminAddr)
	c.Debug = util.ParseBoolEnv("PEERMATCH_DEBUG", c.Debug)

	slog.Debug("environment variables loaded",
		"PEERMATCH_STATE_DIR", c.StateDir,
		"DATABASE_URL_SET", c.DatabaseURL != "",
		"PEERMATCH_TRANSPORT", c.Transport,
		"PEERMATCH_KAFKA_BROKERS", c.Kafka.Brokers,
		"PEERMATCH_SUPERVISOR", c.Supervisor,
		"PEERMATCH_ADMIN_ADDR", c.AdminAddr)
}

// Finalize fills derived values and validates the result.
func (c *Config) Finalize() error {
	if c.DatabaseURL == "" {
		c.DatabaseURL = filepath.Join(c.StateDir, DefaultDBFileName)
		slog.Debug("No database DSN provided, defaulting to SQLite", "sqlite_path", c.DatabaseURL)
	}
	c.Kafka.Queues = c.Queues
	return c.Validate()
}

// Validate reports every invalid setting.
func (c *Config) Validate() error {
	var errs []error
	switch c.Transport {
	case TransportKafka:
		if len(c.Kafka.Brokers) == 0 {
			errs = append(errs, errors.New("kafka transport requires at least one broker"))
		}
	case TransportMemory:
	default:
		errs = append(errs, fmt.Errorf("unknown transport %q", c.Transport))
	}
	switch c.Supervisor {
	case SupervisorAuto, SupervisorTimer, SupervisorJobs:
	default:
		errs = append(errs, fmt.Errorf("unknown supervisor %q", c.Supervisor))
	}
	if c.Supervisor == SupervisorJobs {
		switch store.DetectDSNType(c.DatabaseURL) {
		case store.DSNTypeSQLite, store.DSNTypePostgres:
		default:
			errs = append(errs, fmt.Errorf("supervisor %q needs a SQL store, got %s", c.Supervisor, store.DetectDSNType(c.DatabaseURL)))
		}
	}
	if c.Engine.RequestTimeout < 0 || c.Engine.SweepInterval < 0 {
		errs = append(errs, errors.New("engine durations must not be negative"))
	}
	if c.DedupRetention > 0 {
		if err := scheduler.Validate(c.DedupPruneSchedule); err != nil {
			errs = append(errs, err)
		}
	}
	if c.Queues.Requests == "" || c.Queues.Cancellations == "" || c.Queues.Replies == "" {
		errs = append(errs, errors.New("queue names must not be empty"))
	}
	return errors.Join(errs...)
}

// StoreOptions returns the backend options derived from c.
func (c *Config) StoreOptions() []store.Option {
	var opts []store.Option
	if c.AWSRegion != "" {
		opts = append(opts, store.WithAWSRegion(c.AWSRegion))
	}
	if c.DynamoEndpoint != "" {
		opts = append(opts, store.WithDynamoEndpoint(c.DynamoEndpoint))
	}
	return opts
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
