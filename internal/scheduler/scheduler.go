// Package scheduler runs PeerMatch housekeeping on cron schedules.
//
// Matching deadlines are not scheduled here; they are second-granularity and
// owned by the matcher's supervisors. This package covers periodic chores
// such as pruning processed message ids.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/robfig/cron/v3"
)

// parser accepts standard 5-field expressions and descriptors like "@hourly".
var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Validate reports whether expr is a schedule this package accepts.
func Validate(expr string) error {
	if _, err := parser.Parse(expr); err != nil {
		return fmt.Errorf("invalid schedule %q: %w", expr, err)
	}
	return nil
}

// Task is a scheduled chore. It receives the context passed to Run.
type Task func(ctx context.Context) error

// Scheduler provides cron-based task scheduling.
type Scheduler struct {
	cron *cron.Cron
	ctx  context.Context
}

// NewScheduler creates a stopped scheduler. Tasks start firing once Run is called.
func NewScheduler() *Scheduler {
	c := cron.New(cron.WithParser(parser), cron.WithChain(cron.Recover(cron.DefaultLogger), cron.SkipIfStillRunning(cron.DefaultLogger)))
	return &Scheduler{cron: c, ctx: context.Background()}
}

// AddTask schedules task under expr. Failures are logged and the next run
// proceeds on schedule.
func (s *Scheduler) AddTask(name, expr string, task Task) error {
	_, err := s.cron.AddFunc(expr, func() {
		if err := task(s.ctx); err != nil {
			slog.Warn("Scheduler task failed", "task", name, "error", err)
			return
		}
		slog.Debug("Scheduler task completed", "task", name)
	})
	if err != nil {
		return fmt.Errorf("schedule %s: %w", name, err)
	}
	slog.Debug("Scheduler.AddTask", "task", name, "schedule", expr)
	return nil
}

// Len returns the number of scheduled tasks.
func (s *Scheduler) Len() int {
	return len(s.cron.Entries())
}

// Run starts the scheduler and blocks until ctx is cancelled, then waits
// for running tasks to finish.
func (s *Scheduler) Run(ctx context.Context) error {
	s.ctx = ctx
	s.cron.Start()
	<-ctx.Done()
	<-s.cron.Stop().Done()
	return nil
}
