package matcher

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/BTreeMap/PeerMatch/internal/models"
	"github.com/BTreeMap/PeerMatch/internal/store"
)

// JobKindMatchExpiry is the durable job kind that expires a pending request.
const JobKindMatchExpiry = "match_expiry"

// ExpireFunc is invoked when a request's deadline fires.
type ExpireFunc func(ctx context.Context, key store.RemoveKey) error

// Supervisor owns the deadline of every pending request.
type Supervisor interface {
	// Bind sets the callback run when a deadline fires.
	Bind(fn ExpireFunc)
	// Arm schedules expiry of req at req.ExpiresAt. Arming the same request
	// again replaces the previous deadline.
	Arm(ctx context.Context, req models.MatchRequest) error
	// Disarm cancels the deadline of req, if any.
	Disarm(ctx context.Context, req models.MatchRequest)
	// Run blocks until ctx is cancelled.
	Run(ctx context.Context) error
}

// sleepCtx waits for d or until ctx is done.
func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// timerEntry tracks one armed deadline.
type timerEntry struct {
	timer     *time.Timer
	key       store.RemoveKey
	expiresAt time.Time
}

// TimerSupervisor keeps deadlines as in-process timers. Deadlines do not
// survive a restart; Engine.Recover re-arms them from the store.
type TimerSupervisor struct {
	mu         sync.Mutex
	timers     map[string]*timerEntry
	expire     ExpireFunc
	retryDelay time.Duration
	fireCtx    context.Context
}

// Compile-time check that TimerSupervisor implements Supervisor.
var _ Supervisor = (*TimerSupervisor)(nil)

// NewTimerSupervisor creates a supervisor backed by time.AfterFunc.
func NewTimerSupervisor() *TimerSupervisor {
	slog.Debug("Creating TimerSupervisor")
	return &TimerSupervisor{
		timers:     make(map[string]*timerEntry),
		retryDelay: time.Second,
		fireCtx:    context.Background(),
	}
}

func (s *TimerSupervisor) Bind(fn ExpireFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.expire = fn
}

func (s *TimerSupervisor) Arm(_ context.Context, req models.MatchRequest) error {
	key := store.KeyOf(req)
	delay := req.Remaining(time.Now())
	s.schedule(key, req.ExpiresAt, delay)
	slog.Debug("TimerSupervisor.Arm", "requesterID", req.RequesterID, "requestID", req.RequestID, "delay", delay)
	return nil
}

func (s *TimerSupervisor) schedule(key store.RemoveKey, expiresAt time.Time, delay time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := key.RequestID
	if old, ok := s.timers[id]; ok {
		old.timer.Stop()
	}
	entry := &timerEntry{key: key, expiresAt: expiresAt}
	entry.timer = time.AfterFunc(delay, func() { s.fire(id, entry) })
	s.timers[id] = entry
}

func (s *TimerSupervisor) fire(id string, entry *timerEntry) {
	s.mu.Lock()
	if s.timers[id] != entry {
		// Replaced or disarmed after the timer started.
		s.mu.Unlock()
		return
	}
	delete(s.timers, id)
	fn, ctx := s.expire, s.fireCtx
	s.mu.Unlock()

	if fn == nil || ctx.Err() != nil {
		return
	}
	slog.Debug("TimerSupervisor: deadline fired", "requesterID", entry.key.RequesterID, "requestID", id)
	if err := fn(ctx, entry.key); err != nil {
		slog.Error("TimerSupervisor: expiry failed, retrying", "requesterID", entry.key.RequesterID, "error", err, "delay", s.retryDelay)
		s.schedule(entry.key, entry.expiresAt, s.retryDelay)
	}
}

func (s *TimerSupervisor) Disarm(_ context.Context, req models.MatchRequest) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entry, ok := s.timers[req.RequestID]; ok {
		entry.timer.Stop()
		delete(s.timers, req.RequestID)
		slog.Debug("TimerSupervisor.Disarm", "requesterID", req.RequesterID, "requestID", req.RequestID)
	}
}

// Run makes ctx the context deadlines fire with and stops every timer when
// it is cancelled.
func (s *TimerSupervisor) Run(ctx context.Context) error {
	s.mu.Lock()
	s.fireCtx = ctx
	s.mu.Unlock()

	<-ctx.Done()
	s.Stop()
	return nil
}

// Stop cancels all armed timers.
func (s *TimerSupervisor) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	slog.Debug("TimerSupervisor stopping all timers", "count", len(s.timers))
	for _, entry := range s.timers {
		entry.timer.Stop()
	}
	s.timers = make(map[string]*timerEntry)
}

// Armed returns the number of armed deadlines.
func (s *TimerSupervisor) Armed() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers)
}

// expiryPayload is the JSON payload of match_expiry jobs.
type expiryPayload struct {
	RequesterID string `json:"requester_id"`
	RequestID   string `json:"request_id"`
	Difficulty  int    `json:"difficulty"`
	Category    string `json:"category"`
}

// JobSupervisor keeps deadlines as durable match_expiry jobs, so they survive
// restarts and fire on whichever instance claims them first.
type JobSupervisor struct {
	repo   store.JobRepo
	runner *store.JobRunner
}

// Compile-time check that JobSupervisor implements Supervisor.
var _ Supervisor = (*JobSupervisor)(nil)

// NewJobSupervisor creates a supervisor that enqueues deadlines in repo and
// executes them through runner.
func NewJobSupervisor(repo store.JobRepo, runner *store.JobRunner) *JobSupervisor {
	return &JobSupervisor{repo: repo, runner: runner}
}

func (s *JobSupervisor) Bind(fn ExpireFunc) {
	s.runner.RegisterHandler(JobKindMatchExpiry, func(ctx context.Context, payload string) error {
		var p expiryPayload
		if err := json.Unmarshal([]byte(payload), &p); err != nil {
			return fmt.Errorf("invalid %s payload: %w", JobKindMatchExpiry, err)
		}
		slog.Debug("JobHandler.match_expiry: executing", "requesterID", p.RequesterID, "requestID", p.RequestID)
		return fn(ctx, store.RemoveKey{
			RequesterID: p.RequesterID,
			RequestID:   p.RequestID,
			Difficulty:  p.Difficulty,
			Category:    p.Category,
		})
	}, store.WithRetryPolicy(store.ExpiryRetryPolicy))
}

// Arm enqueues the expiry job. The request id is the dedupe key, so arming an
// already armed request keeps the existing job.
func (s *JobSupervisor) Arm(ctx context.Context, req models.MatchRequest) error {
	payload, err := json.Marshal(expiryPayload{
		RequesterID: req.RequesterID,
		RequestID:   req.RequestID,
		Difficulty:  req.Difficulty,
		Category:    req.Category,
	})
	if err != nil {
		return fmt.Errorf("marshal expiry payload: %w", err)
	}
	id, err := s.repo.EnqueueJob(ctx, JobKindMatchExpiry, req.ExpiresAt, string(payload), req.RequestID)
	if err != nil {
		return fmt.Errorf("enqueue expiry job: %w", err)
	}
	slog.Debug("JobSupervisor.Arm", "requesterID", req.RequesterID, "requestID", req.RequestID, "jobID", id, "runAt", req.ExpiresAt)
	return nil
}

func (s *JobSupervisor) Disarm(ctx context.Context, req models.MatchRequest) {
	n, err := s.repo.CancelJobsByDedupeKey(ctx, req.RequestID)
	if err != nil {
		// The job fires later and finds nothing to remove.
		slog.Warn("JobSupervisor.Disarm failed", "requestID", req.RequestID, "error", err)
		return
	}
	slog.Debug("JobSupervisor.Disarm", "requestID", req.RequestID, "canceled", n)
}

// RecoverState requeues expiry jobs left running by a crashed process.
func (s *JobSupervisor) RecoverState(ctx context.Context) error {
	return s.runner.RecoverStaleJobs(ctx)
}

// Run polls for due expiry jobs until ctx is cancelled.
func (s *JobSupervisor) Run(ctx context.Context) error {
	return s.runner.Run(ctx)
}
