package main

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"github.com/BTreeMap/PeerMatch/internal/config"
	"github.com/BTreeMap/PeerMatch/internal/lockfile"
	"github.com/BTreeMap/PeerMatch/internal/matcher"
	"github.com/BTreeMap/PeerMatch/internal/store"
	"github.com/BTreeMap/PeerMatch/internal/testutil"
	"github.com/BTreeMap/PeerMatch/internal/transport"
)

func TestParseCommandLineFlags_OnlyExplicitFlagsApply(t *testing.T) {
	flags, err := parseCommandLineFlags([]string{"-transport", "memory", "-request-timeout", "5s", "-kafka-brokers", "a:1, b:2"})
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}

	cfg := config.Default()
	cfg.AdminAddr = ":7000"
	flags.apply(&cfg)

	if cfg.Transport != config.TransportMemory {
		t.Errorf("expected memory transport, got %q", cfg.Transport)
	}
	if cfg.Engine.RequestTimeout != 5*time.Second {
		t.Errorf("expected 5s timeout, got %v", cfg.Engine.RequestTimeout)
	}
	if !reflect.DeepEqual(cfg.Kafka.Brokers, []string{"a:1", "b:2"}) {
		t.Errorf("unexpected brokers %v", cfg.Kafka.Brokers)
	}
	// Flags that were not given keep the file/env value.
	if cfg.AdminAddr != ":7000" {
		t.Errorf("api-addr should not be overridden, got %q", cfg.AdminAddr)
	}
	if cfg.Engine.SweepInterval != time.Second {
		t.Errorf("sweep interval should keep its default, got %v", cfg.Engine.SweepInterval)
	}
}

func TestLoadConfig_FileThenFlags(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "peermatch.yaml")
	yaml := "transport: memory\nadmin_addr: \":7100\"\nstate_dir: " + dir + "\n"
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	flags, err := parseCommandLineFlags([]string{"-config", path, "-api-addr", ":7200"})
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	cfg, err := loadConfig(flags)
	if err != nil {
		t.Fatalf("loadConfig failed: %v", err)
	}
	if cfg.Transport != config.TransportMemory {
		t.Errorf("config file not applied, transport %q", cfg.Transport)
	}
	if cfg.AdminAddr != ":7200" {
		t.Errorf("flag should win over file, got %q", cfg.AdminAddr)
	}
	if cfg.DatabaseURL != filepath.Join(dir, config.DefaultDBFileName) {
		t.Errorf("expected SQLite under state dir, got %q", cfg.DatabaseURL)
	}
}

func TestLoadConfig_Errors(t *testing.T) {
	flags, err := parseCommandLineFlags([]string{"-config", filepath.Join(t.TempDir(), "missing.yaml")})
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if _, err := loadConfig(flags); err == nil {
		t.Error("expected error for missing config file")
	}

	flags, err = parseCommandLineFlags([]string{"-config", "", "-supervisor", "sometimes"})
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if _, err := loadConfig(flags); err == nil {
		t.Error("expected validation error for unknown supervisor")
	}
}

func TestParseCommandLineFlags_Invalid(t *testing.T) {
	if _, err := parseCommandLineFlags([]string{"-request-timeout", "soon"}); err == nil {
		t.Error("expected error for invalid duration")
	}
}

func TestBuildSupervisor(t *testing.T) {
	st := testutil.NewSQLiteStore(t)

	cfg := config.Default()

	sup, err := buildSupervisor(cfg, st, true)
	if err != nil {
		t.Fatalf("buildSupervisor failed: %v", err)
	}
	if _, ok := sup.(*matcher.JobSupervisor); !ok {
		t.Errorf("expected JobSupervisor on SQL store, got %T", sup)
	}

	sup, err = buildSupervisor(cfg, nil, false)
	if err != nil {
		t.Fatalf("buildSupervisor failed: %v", err)
	}
	if _, ok := sup.(*matcher.TimerSupervisor); !ok {
		t.Errorf("expected TimerSupervisor without SQL store, got %T", sup)
	}

	cfg.Supervisor = config.SupervisorTimer
	sup, _ = buildSupervisor(cfg, st, true)
	if _, ok := sup.(*matcher.TimerSupervisor); !ok {
		t.Errorf("expected forced TimerSupervisor, got %T", sup)
	}

	cfg.Supervisor = config.SupervisorJobs
	if _, err := buildSupervisor(cfg, nil, false); err == nil {
		t.Error("expected error forcing jobs without SQL store")
	}
}

func TestBuildTransport_Memory(t *testing.T) {
	cfg := config.Default()
	cfg.Transport = config.TransportMemory
	tr, err := buildTransport(cfg)
	if err != nil {
		t.Fatalf("buildTransport failed: %v", err)
	}
	defer tr.Close()
}

func TestSplitList(t *testing.T) {
	if got := splitList(" a , ,b"); !reflect.DeepEqual(got, []string{"a", "b"}) {
		t.Errorf("unexpected %v", got)
	}
	if got := splitList(""); got != nil {
		t.Errorf("expected nil, got %v", got)
	}
}

func TestBuildRecovery(t *testing.T) {
	st := testutil.NewSQLiteStore(t)
	cfg := config.Default()
	newEngine := func(sup matcher.Supervisor) *matcher.Engine {
		return matcher.New(st, sup, matcher.NewDispatcher(transport.NewMemoryTransport(), nil), cfg.Engine)
	}

	jobs, err := buildSupervisor(cfg, st, true)
	if err != nil {
		t.Fatalf("buildSupervisor failed: %v", err)
	}
	sender := store.NewOutboxSender(st.OutboxRepo(), func(context.Context, store.OutboxMessage) error { return nil }, time.Second)
	rm := buildRecovery(jobs, sender, newEngine(jobs))
	if rm.Len() != 3 {
		t.Errorf("expected 3 recovery steps with jobs and outbox, got %d", rm.Len())
	}
	if err := rm.RecoverAll(context.Background()); err != nil {
		t.Errorf("RecoverAll failed: %v", err)
	}

	timer := matcher.NewTimerSupervisor()
	if n := buildRecovery(timer, nil, newEngine(timer)).Len(); n != 1 {
		t.Errorf("expected only deadline recovery with timers, got %d", n)
	}
}

func TestPruneDedup(t *testing.T) {
	dedup := store.NewMemoryDedup()
	ctx := context.Background()
	if _, err := dedup.RecordInbound(ctx, "m1", "A"); err != nil {
		t.Fatalf("RecordInbound failed: %v", err)
	}
	if err := dedup.MarkProcessed(ctx, "m1"); err != nil {
		t.Fatalf("MarkProcessed failed: %v", err)
	}

	if err := pruneDedup(dedup, time.Hour)(ctx); err != nil {
		t.Fatalf("prune failed: %v", err)
	}
	if needed, _ := dedup.RecordInbound(ctx, "m1", "A"); needed {
		t.Error("recent processed record should survive the prune")
	}

	// A negative retention puts the cutoff in the future.
	if err := pruneDedup(dedup, -time.Hour)(ctx); err != nil {
		t.Fatalf("prune failed: %v", err)
	}
	if needed, _ := dedup.RecordInbound(ctx, "m1", "A"); !needed {
		t.Error("pruned id should be treated as new")
	}
}

func memoryConfig(t *testing.T) config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Transport = config.TransportMemory
	cfg.StateDir = t.TempDir()
	cfg.AdminAddr = "127.0.0.1:0"
	if err := cfg.Finalize(); err != nil {
		t.Fatalf("Finalize failed: %v", err)
	}
	return cfg
}

func TestRun_StopsOnCancel(t *testing.T) {
	cfg := memoryConfig(t)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- run(ctx, cfg) }()

	time.Sleep(100 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run returned %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("run did not stop")
	}
}

func TestRun_RefusesLockedStateDir(t *testing.T) {
	cfg := memoryConfig(t)
	lock, err := lockfile.Acquire(filepath.Dir(cfg.DatabaseURL))
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	defer lock.Release()

	if err := run(context.Background(), cfg); !errors.Is(err, lockfile.ErrLocked) {
		t.Fatalf("expected ErrLocked, got %v", err)
	}
}
