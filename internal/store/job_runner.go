// Package store provides the JobRunner that fires durable deadlines.
package store

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// JobHandler executes one job. It receives the job's payload JSON and
// returns an error if the job should be retried.
type JobHandler func(ctx context.Context, payload string) error

// HandlerOption tunes how a job kind is run.
type HandlerOption func(*jobKind)

// WithRetryPolicy sets the backoff used when a handler of this kind fails.
func WithRetryPolicy(p RetryPolicy) HandlerOption {
	return func(k *jobKind) { k.retry = p }
}

type jobKind struct {
	handler JobHandler
	retry   RetryPolicy
}

// PollResult summarizes one Poll.
type PollResult struct {
	Claimed   int
	Completed int
	Retried   int
	Abandoned int
}

// JobRunner claims due jobs and dispatches them by kind. Deadlines here are
// seconds apart, so it polls at sub-second granularity and reports how late
// each job ran.
type JobRunner struct {
	repo JobRepo

	mu    sync.RWMutex
	kinds map[string]jobKind

	pollInterval   time.Duration
	staleThreshold time.Duration
	lateThreshold  time.Duration
	claimLimit     int
	defaultRetry   RetryPolicy
}

// NewJobRunner creates a JobRunner polling every pollInterval (250ms if unset).
func NewJobRunner(repo JobRepo, pollInterval time.Duration) *JobRunner {
	if pollInterval <= 0 {
		pollInterval = 250 * time.Millisecond
	}
	return &JobRunner{
		repo:           repo,
		kinds:          make(map[string]jobKind),
		pollInterval:   pollInterval,
		staleThreshold: time.Minute,
		lateThreshold:  time.Second,
		claimLimit:     50,
		defaultRetry:   RetryPolicy{Base: time.Second, Max: 30 * time.Second},
	}
}

// RegisterHandler registers the handler for kind.
func (r *JobRunner) RegisterHandler(kind string, handler JobHandler, opts ...HandlerOption) {
	k := jobKind{handler: handler, retry: r.defaultRetry}
	for _, opt := range opts {
		opt(&k)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.kinds[kind] = k
	slog.Debug("JobRunner.RegisterHandler", "kind", kind, "retryBase", k.retry.Base, "retryMax", k.retry.Max)
}

func (r *JobRunner) lookup(kind string) (jobKind, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	k, ok := r.kinds[kind]
	return k, ok
}

// RecoverStaleJobs requeues jobs left running by a crashed process.
func (r *JobRunner) RecoverStaleJobs(ctx context.Context) error {
	n, err := r.repo.RequeueStaleRunningJobs(ctx, time.Now().Add(-r.staleThreshold))
	if err != nil {
		return err
	}
	if n > 0 {
		slog.Info("JobRunner.RecoverStaleJobs: requeued", "count", n)
	}
	return nil
}

// Run polls until ctx is cancelled.
func (r *JobRunner) Run(ctx context.Context) error {
	slog.Info("JobRunner.Run: starting", "pollInterval", r.pollInterval)
	ticker := time.NewTicker(r.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			slog.Info("JobRunner.Run: stopping")
			return nil
		case <-ticker.C:
			r.Poll(ctx)
		}
	}
}

// Poll claims and executes one batch of due jobs.
func (r *JobRunner) Poll(ctx context.Context) PollResult {
	var res PollResult
	now := time.Now()
	jobs, err := r.repo.ClaimDueJobs(ctx, now, r.claimLimit)
	if err != nil {
		slog.Error("JobRunner.Poll: claim failed", "error", err)
		return res
	}
	res.Claimed = len(jobs)

	for _, job := range jobs {
		if late := now.Sub(job.RunAt); late > r.lateThreshold {
			slog.Warn("JobRunner.Poll: job fired late", "id", job.ID, "kind", job.Kind, "late", late)
		}

		k, ok := r.lookup(job.Kind)
		if !ok {
			r.fail(ctx, job, "no handler registered for kind: "+job.Kind, r.defaultRetry, &res)
			continue
		}
		if err := k.handler(ctx, job.PayloadJSON); err != nil {
			r.fail(ctx, job, err.Error(), k.retry, &res)
			continue
		}
		if err := r.repo.CompleteJob(ctx, job.ID); err != nil {
			slog.Error("JobRunner.Poll: complete failed", "id", job.ID, "error", err)
			continue
		}
		res.Completed++
		slog.Debug("JobRunner.Poll: done", "id", job.ID, "kind", job.Kind, "key", job.DedupeKey)
	}
	return res
}

// fail records a failed attempt. The last allowed attempt is logged as
// abandoned: for expiry jobs the sweep's overdue check settles the request.
func (r *JobRunner) fail(ctx context.Context, job Job, msg string, policy RetryPolicy, res *PollResult) {
	next := time.Now().Add(policy.Delay(job.Attempt))
	if err := r.repo.FailJob(ctx, job.ID, msg, next); err != nil {
		slog.Error("JobRunner.Poll: fail update failed", "id", job.ID, "error", err)
		return
	}
	if job.MaxAttempts > 0 && job.Attempt+1 >= job.MaxAttempts {
		res.Abandoned++
		slog.Error("JobRunner.Poll: job abandoned", "id", job.ID, "kind", job.Kind, "key", job.DedupeKey, "attempts", job.Attempt+1, "error", msg)
		return
	}
	res.Retried++
	slog.Warn("JobRunner.Poll: job failed, retrying", "id", job.ID, "kind", job.Kind, "key", job.DedupeKey, "attempt", job.Attempt+1, "next", next, "error", msg)
}
