package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/BTreeMap/PeerMatch/internal/api"
	"github.com/BTreeMap/PeerMatch/internal/config"
	"github.com/BTreeMap/PeerMatch/internal/lockfile"
	"github.com/BTreeMap/PeerMatch/internal/matcher"
	"github.com/BTreeMap/PeerMatch/internal/recovery"
	"github.com/BTreeMap/PeerMatch/internal/scheduler"
	"github.com/BTreeMap/PeerMatch/internal/store"
	"github.com/BTreeMap/PeerMatch/internal/transport"
	"golang.org/x/sync/errgroup"
)

// logLevel is adjusted once configuration is known.
var logLevel = new(slog.LevelVar)

func main() {
	// Initialize structured logger
	initializeLogger()

	// Parse command line flags
	flags, err := parseCommandLineFlags(os.Args[1:])
	if err != nil {
		slog.Error("Failed to parse flags", "error", err)
		os.Exit(2)
	}

	// Load file and environment configuration, then apply flags on top
	cfg, err := loadConfig(flags)
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}
	if !cfg.Debug {
		logLevel.Set(slog.LevelInfo)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	slog.Info("Bootstrapping PeerMatch", "transport", cfg.Transport, "dsn_type", store.DetectDSNType(cfg.DatabaseURL), "supervisor", cfg.Supervisor)
	if err := run(ctx, cfg); err != nil {
		slog.Error("PeerMatch failed to run", "error", err)
		os.Exit(1)
	}
	slog.Info("PeerMatch exited successfully")
}

// initializeLogger sets up structured logging with debug level
func initializeLogger() {
	logLevel.Set(slog.LevelDebug)
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel}))
	slog.SetDefault(logger)
}

// Flags holds command line flag values. Only flags given explicitly
// override the file and environment configuration.
type Flags struct {
	set map[string]bool

	configPath *string
	stateDir   *string
	dbDSN      *string
	transport  *string
	brokers    *string
	supervisor *string
	apiAddr    *string
	timeout    *time.Duration
	sweep      *time.Duration
}

// parseCommandLineFlags parses command line arguments
func parseCommandLineFlags(args []string) (Flags, error) {
	fs := flag.NewFlagSet("PeerMatch", flag.ContinueOnError)
	flags := Flags{
		set:        make(map[string]bool),
		configPath: fs.String("config", os.Getenv("PEERMATCH_CONFIG"), "path to a YAML config file (overrides $PEERMATCH_CONFIG)"),
		stateDir:   fs.String("state-dir", "", "state directory for PeerMatch data (overrides $PEERMATCH_STATE_DIR)"),
		dbDSN:      fs.String("db-dsn", "", "request store DSN: SQLite path, postgres://, dynamodb://table or memory (overrides $DATABASE_URL)"),
		transport:  fs.String("transport", "", "broker transport: kafka or memory (overrides $PEERMATCH_TRANSPORT)"),
		brokers:    fs.String("kafka-brokers", "", "comma separated Kafka brokers (overrides $PEERMATCH_KAFKA_BROKERS)"),
		supervisor: fs.String("supervisor", "", "deadline supervisor: auto, timer or jobs (overrides $PEERMATCH_SUPERVISOR)"),
		apiAddr:    fs.String("api-addr", "", "admin API address (overrides $PEERMATCH_ADMIN_ADDR)"),
		timeout:    fs.Duration("request-timeout", 0, "how long a request may wait for a partner (overrides $PEERMATCH_REQUEST_TIMEOUT)"),
		sweep:      fs.Duration("sweep-interval", 0, "period of the pairing sweep (overrides $PEERMATCH_SWEEP_INTERVAL)"),
	}
	if err := fs.Parse(args); err != nil {
		return flags, err
	}
	fs.Visit(func(f *flag.Flag) { flags.set[f.Name] = true })

	slog.Debug("flags parsed", "config", *flags.configPath, "set", len(flags.set))
	return flags, nil
}

// loadConfig layers the config file named by -config, the environment and
// explicit flags, then validates the result.
func loadConfig(f Flags) (config.Config, error) {
	cfg, err := config.Load(*f.configPath)
	if err != nil {
		return cfg, err
	}
	f.apply(&cfg)
	if err := cfg.Finalize(); err != nil {
		return cfg, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// apply overlays explicitly set flags onto cfg.
func (f Flags) apply(cfg *config.Config) {
	if f.set["state-dir"] {
		cfg.StateDir = *f.stateDir
	}
	if f.set["db-dsn"] {
		cfg.DatabaseURL = *f.dbDSN
	}
	if f.set["transport"] {
		cfg.Transport = *f.transport
	}
	if f.set["kafka-brokers"] {
		cfg.Kafka.Brokers = splitList(*f.brokers)
	}
	if f.set["supervisor"] {
		cfg.Supervisor = *f.supervisor
	}
	if f.set["api-addr"] {
		cfg.AdminAddr = *f.apiAddr
	}
	if f.set["request-timeout"] {
		cfg.Engine.RequestTimeout = *f.timeout
	}
	if f.set["sweep-interval"] {
		cfg.Engine.SweepInterval = *f.sweep
	}
}

// run wires the store, transport, engine and admin API and blocks until ctx
// is cancelled or a component fails.
func run(ctx context.Context, cfg config.Config) error {
	if store.DetectDSNType(cfg.DatabaseURL) == store.DSNTypeSQLite {
		lock, err := lockfile.Acquire(filepath.Dir(cfg.DatabaseURL))
		if err != nil {
			return err
		}
		defer lock.Release()
	}

	st, err := store.Open(ctx, cfg.DatabaseURL, cfg.StoreOptions()...)
	if err != nil {
		return fmt.Errorf("open request store: %w", err)
	}
	defer st.Close()

	tr, err := buildTransport(cfg)
	if err != nil {
		return fmt.Errorf("connect transport: %w", err)
	}
	defer tr.Close()
	if err := tr.Declare(ctx); err != nil {
		return fmt.Errorf("declare queues: %w", err)
	}

	pp, durable := st.(store.PersistenceProvider)
	var outbox store.OutboxRepo
	dedup := store.NewMemoryDedup()
	if durable {
		outbox = pp.OutboxRepo()
		dedup = pp.DedupRepo()
	}

	sup, err := buildSupervisor(cfg, pp, durable)
	if err != nil {
		return err
	}
	disp := matcher.NewDispatcher(tr, outbox)
	engine := matcher.New(st, sup, disp, cfg.Engine, matcher.WithDedup(dedup))

	var sender *store.OutboxSender
	if outbox != nil {
		sender = store.NewOutboxSender(outbox, disp.SendOutboxMessage, cfg.OutboxPollInterval)
	}
	if err := buildRecovery(sup, sender, engine).RecoverAll(ctx); err != nil {
		return err
	}

	sched := scheduler.NewScheduler()
	if cfg.DedupRetention > 0 {
		if err := sched.AddTask("dedup-prune", cfg.DedupPruneSchedule, pruneDedup(dedup, cfg.DedupRetention)); err != nil {
			return err
		}
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return engine.Run(ctx, tr, cfg.Queues)
	})
	g.Go(func() error {
		return api.NewServer(st, api.WithAddr(cfg.AdminAddr)).Run(ctx)
	})
	if sender != nil {
		g.Go(func() error {
			return sender.Run(ctx)
		})
	}
	g.Go(func() error {
		return sched.Run(ctx)
	})

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// buildRecovery lists the startup recovery steps. Stale claims are
// requeued before deadlines are re-armed so the re-arm dedupes against them.
func buildRecovery(sup matcher.Supervisor, sender *store.OutboxSender, engine *matcher.Engine) *recovery.RecoveryManager {
	rm := recovery.NewRecoveryManager()
	if r, ok := sup.(recovery.Recoverable); ok {
		rm.RegisterRecoverable("expiry-jobs", r)
	}
	if sender != nil {
		rm.RegisterRecoverable("outbox", recovery.RecoverFunc(sender.RecoverStaleMessages))
	}
	rm.RegisterRecoverable("pending-deadlines", engine)
	return rm
}

// buildTransport constructs the configured broker adapter.
func buildTransport(cfg config.Config) (transport.Transport, error) {
	switch cfg.Transport {
	case config.TransportMemory:
		slog.Warn("Using in-memory transport; only in-process clients can reach this instance")
		return transport.NewMemoryTransport(), nil
	default:
		return transport.NewKafkaTransport(cfg.Kafka)
	}
}

// buildSupervisor picks durable jobs on SQL stores and in-process timers
// elsewhere, unless the configuration forces one.
func buildSupervisor(cfg config.Config, pp store.PersistenceProvider, durable bool) (matcher.Supervisor, error) {
	useJobs := durable && cfg.Supervisor != config.SupervisorTimer
	if cfg.Supervisor == config.SupervisorJobs && !durable {
		return nil, fmt.Errorf("supervisor %q requires a SQL store", cfg.Supervisor)
	}
	if useJobs {
		slog.Debug("Using durable job supervisor", "poll", cfg.JobPollInterval)
		runner := store.NewJobRunner(pp.JobRepo(), cfg.JobPollInterval)
		return matcher.NewJobSupervisor(pp.JobRepo(), runner), nil
	}
	slog.Debug("Using in-process timer supervisor")
	return matcher.NewTimerSupervisor(), nil
}

// pruneDedup drops processed message ids older than retention.
func pruneDedup(dedup store.DedupRepo, retention time.Duration) scheduler.Task {
	return func(ctx context.Context) error {
		n, err := dedup.PruneDedup(ctx, time.Now().Add(-retention))
		if err != nil {
			return err
		}
		slog.Debug("Dedup records pruned", "count", n)
		return nil
	}
}

func splitList(s string) []string {
	var out []string
	for _, item := range strings.Split(s, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
