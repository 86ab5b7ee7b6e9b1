// Package matcher pairs compatible match requests.
//
// Every transition out of PENDING goes through store.RequestStore.RemoveIfPending.
// Whichever path (immediate pairing, sweep, timeout, cancellation) gets the
// request back from that call owns it and is the only one allowed to send an
// outcome for it.
package matcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/BTreeMap/PeerMatch/internal/metrics"
	"github.com/BTreeMap/PeerMatch/internal/models"
	"github.com/BTreeMap/PeerMatch/internal/store"
	"github.com/google/uuid"
)

// Config holds the engine tunables.
type Config struct {
	// RequestTimeout is how long a request may wait before it expires.
	RequestTimeout time.Duration `yaml:"request_timeout"`
	// SweepInterval is the period of the background pairing sweep.
	SweepInterval time.Duration `yaml:"sweep_interval"`
	// ImmediateAttempts bounds candidate lookups on submission.
	ImmediateAttempts int `yaml:"immediate_attempts"`
	// ExpiryGrace is how long past its deadline a request may stay stored
	// before the sweep expires it itself.
	ExpiryGrace time.Duration `yaml:"expiry_grace"`
	// StoreRetries bounds retries of a transient store failure.
	StoreRetries int `yaml:"store_retries"`
	// StoreRetryBase is the first retry delay; later delays double.
	StoreRetryBase time.Duration `yaml:"store_retry_base"`
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		RequestTimeout:    models.DefaultRequestTimeout,
		SweepInterval:     models.DefaultSweepInterval,
		ImmediateAttempts: 3,
		ExpiryGrace:       5 * time.Second,
		StoreRetries:      3,
		StoreRetryBase:    50 * time.Millisecond,
	}
}

func (c *Config) fillDefaults() {
	d := DefaultConfig()
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = d.RequestTimeout
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = d.SweepInterval
	}
	if c.ImmediateAttempts <= 0 {
		c.ImmediateAttempts = d.ImmediateAttempts
	}
	if c.ExpiryGrace <= 0 {
		c.ExpiryGrace = d.ExpiryGrace
	}
	if c.StoreRetries < 0 {
		c.StoreRetries = d.StoreRetries
	}
	if c.StoreRetryBase <= 0 {
		c.StoreRetryBase = d.StoreRetryBase
	}
}

// SubmitStatus describes what happened to a submission.
type SubmitStatus string

const (
	SubmitMatched     SubmitStatus = "matched"
	SubmitQueued      SubmitStatus = "queued"
	SubmitRejected    SubmitStatus = "rejected"
	SubmitRedelivered SubmitStatus = "redelivered"
)

// SubmitResult is returned by Engine.Submit.
type SubmitResult struct {
	Status    SubmitStatus
	RequestID string
	PartnerID string
	MatchID   string
}

// Engine is the matching core shared by the intake consumer, the sweeper, the
// timeout supervisor and the cancellation consumer.
type Engine struct {
	cfg        Config
	store      store.RequestStore
	dedup      store.DedupRepo
	supervisor Supervisor
	dispatcher *Dispatcher
	now        func() time.Time

	claimsMu    sync.Mutex
	cancelMarks map[string]cancelMark
	parked      map[string]models.MatchRequest
}

// Option configures an Engine.
type Option func(*Engine)

// WithDedup enables redelivery detection through repo.
func WithDedup(repo store.DedupRepo) Option {
	return func(e *Engine) { e.dedup = repo }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// New creates an Engine and binds the supervisor's expiry callback to it.
func New(st store.RequestStore, sup Supervisor, disp *Dispatcher, cfg Config, opts ...Option) *Engine {
	cfg.fillDefaults()
	e := &Engine{
		cfg:        cfg,
		store:      st,
		supervisor: sup,
		dispatcher: disp,
		now:        time.Now,

		cancelMarks: make(map[string]cancelMark),
		parked:      make(map[string]models.MatchRequest),
	}
	for _, opt := range opts {
		opt(e)
	}
	sup.Bind(e.Expire)
	slog.Debug("Engine created", "timeout", cfg.RequestTimeout, "sweepInterval", cfg.SweepInterval, "dedup", e.dedup != nil)
	return e
}

// Config returns the effective configuration.
func (e *Engine) Config() Config {
	return e.cfg
}

// Submit handles a new match request. It first tries to pair the request with
// a waiting one; if none can be claimed the request is stored and its
// deadline armed.
func (e *Engine) Submit(ctx context.Context, msg models.SubmitMessage) (SubmitResult, error) {
	if err := msg.Validate(); err != nil {
		metrics.SubmissionsTotal.WithLabelValues(metrics.SubmitInvalid).Inc()
		return SubmitResult{}, err
	}
	if msg.ReplyTo == "" {
		metrics.SubmissionsTotal.WithLabelValues(metrics.SubmitInvalid).Inc()
		return SubmitResult{}, fmt.Errorf("%w: missing reply address", models.ErrMalformedMessage)
	}
	if msg.RequestID == "" {
		msg.RequestID = uuid.NewString()
	}
	log := slog.With("requesterID", msg.RequesterID, "requestID", msg.RequestID)

	if e.dedup != nil {
		process, err := withRetry(ctx, e, "record inbound", func(ctx context.Context) (bool, error) {
			return e.dedup.RecordInbound(ctx, msg.RequestID, msg.RequesterID)
		})
		if err != nil {
			return SubmitResult{}, err
		}
		if !process {
			log.Debug("Engine.Submit: redelivered submission ignored")
			metrics.SubmissionsTotal.WithLabelValues(metrics.SubmitDuplicate).Inc()
			return SubmitResult{Status: SubmitRedelivered, RequestID: msg.RequestID}, nil
		}
	}

	existing, err := withRetry(ctx, e, "get", func(ctx context.Context) (*models.MatchRequest, error) {
		return e.store.Get(ctx, msg.RequesterID)
	})
	if err != nil {
		return SubmitResult{}, err
	}
	if existing != nil {
		return e.rejectDuplicate(ctx, msg, *existing), nil
	}

	req := msg.NewRequest(e.now(), e.cfg.RequestTimeout)

	partner, err := e.claimPartner(ctx, req)
	if err != nil {
		return SubmitResult{}, err
	}
	if partner != nil {
		matchID := e.pair(ctx, req, *partner)
		e.markProcessed(ctx, msg.RequestID)
		metrics.SubmissionsTotal.WithLabelValues(metrics.SubmitMatched).Inc()
		log.Info("Engine.Submit: matched immediately", "partnerID", partner.RequesterID, "matchID", matchID)
		return SubmitResult{Status: SubmitMatched, RequestID: req.RequestID, PartnerID: partner.RequesterID, MatchID: matchID}, nil
	}

	_, err = withRetry(ctx, e, "insert", func(ctx context.Context) (struct{}, error) {
		return struct{}{}, e.store.Insert(ctx, req)
	})
	if errors.Is(err, store.ErrAlreadyPending) {
		// A concurrent submission of the same requester won the insert.
		current, gerr := e.store.Get(ctx, msg.RequesterID)
		if gerr != nil || current == nil {
			current = &req
		}
		return e.rejectDuplicate(ctx, msg, *current), nil
	}
	if err != nil {
		return SubmitResult{}, err
	}

	if err := e.supervisor.Arm(ctx, req); err != nil {
		log.Error("Engine.Submit: arming deadline failed, sweep will expire it", "error", err)
	}
	e.markProcessed(ctx, msg.RequestID)
	metrics.SubmissionsTotal.WithLabelValues(metrics.SubmitQueued).Inc()
	log.Info("Engine.Submit: queued", "bucket", req.Bucket().String(), "expiresAt", req.ExpiresAt)
	return SubmitResult{Status: SubmitQueued, RequestID: req.RequestID}, nil
}

// claimPartner looks for a stored compatible request and removes it. A lost
// race retries with a fresh candidate up to ImmediateAttempts times.
func (e *Engine) claimPartner(ctx context.Context, req models.MatchRequest) (*models.MatchRequest, error) {
	for attempt := 0; attempt < e.cfg.ImmediateAttempts; attempt++ {
		cand, err := withRetry(ctx, e, "find compatible", func(ctx context.Context) (*models.MatchRequest, error) {
			return e.store.FindCompatible(ctx, req.Difficulty, req.Category, req.RequesterID)
		})
		if err != nil {
			return nil, err
		}
		if cand == nil {
			return nil, nil
		}
		removed, err := e.claim(ctx, *cand)
		if err != nil {
			return nil, err
		}
		if removed != nil {
			return removed, nil
		}
		metrics.RaceLossesTotal.WithLabelValues("immediate").Inc()
		slog.Debug("Engine.claimPartner: candidate taken by another path", "candidate", cand.RequesterID, "attempt", attempt+1)
	}
	return nil, nil
}

func (e *Engine) rejectDuplicate(ctx context.Context, msg models.SubmitMessage, existing models.MatchRequest) SubmitResult {
	if existing.RequestID == msg.RequestID {
		// Same submission seen again before it was marked processed.
		slog.Debug("Engine.Submit: submission already pending", "requesterID", msg.RequesterID, "requestID", msg.RequestID)
		e.markProcessed(ctx, msg.RequestID)
		metrics.SubmissionsTotal.WithLabelValues(metrics.SubmitDuplicate).Inc()
		return SubmitResult{Status: SubmitRedelivered, RequestID: msg.RequestID}
	}
	slog.Info("Engine.Submit: rejected, requester already pending",
		"requesterID", msg.RequesterID, "requestID", msg.RequestID, "pendingRequestID", existing.RequestID)
	e.dispatcher.Dispatch(ctx, msg.ReplyTo, models.Rejected(msg.RequestID, models.RejectReasonAlreadyPending))
	e.markProcessed(ctx, msg.RequestID)
	metrics.SubmissionsTotal.WithLabelValues(metrics.SubmitRejected).Inc()
	return SubmitResult{Status: SubmitRejected, RequestID: msg.RequestID}
}

// pair resolves two requests the caller already owns as MATCHED.
func (e *Engine) pair(ctx context.Context, a, b models.MatchRequest) string {
	for _, r := range []models.MatchRequest{a, b} {
		if err := models.Transition(r.State, models.StateMatched); err != nil {
			slog.Error("Engine.pair: unexpected state", "requesterID", r.RequesterID, "error", err)
		}
		e.supervisor.Disarm(ctx, r)
	}
	matchID := uuid.NewString()
	e.dispatcher.Dispatch(ctx, a.ReplyTo, models.Matched(a, b.RequesterID, matchID))
	e.dispatcher.Dispatch(ctx, b.ReplyTo, models.Matched(b, a.RequesterID, matchID))
	return matchID
}

// Cancel withdraws a pending request. A request that is no longer pending
// (already matched, expired, cancelled, or never submitted) is a silent no-op.
// On a miss a cancel mark is left for a sweep that may be holding the request
// out of the store, and the store is checked once more in case that sweep put
// it back before the mark existed.
func (e *Engine) Cancel(ctx context.Context, msg models.CancelMessage) error {
	if err := msg.Validate(); err != nil {
		return err
	}
	key := store.RemoveKey{RequesterID: msg.RequesterID, Difficulty: *msg.Difficulty, Category: msg.Category}
	removed, err := e.remove(ctx, key)
	if err != nil {
		return err
	}
	if removed == nil {
		e.markCancel(key)
		if removed, err = e.remove(ctx, key); err != nil {
			return err
		}
	}
	if removed == nil {
		metrics.RaceLossesTotal.WithLabelValues("cancel").Inc()
		slog.Debug("Engine.Cancel: nothing pending", "requesterID", msg.RequesterID)
		return nil
	}
	e.clearCancel(*removed)
	e.resolve(ctx, *removed, models.StateCancelled)
	slog.Info("Engine.Cancel: cancelled", "requesterID", removed.RequesterID, "requestID", removed.RequestID)
	return nil
}

// Expire is called when a deadline fires. The request id guard keeps a stale
// deadline from touching a later submission of the same requester.
func (e *Engine) Expire(ctx context.Context, key store.RemoveKey) error {
	removed, err := e.remove(ctx, key)
	if err != nil {
		return err
	}
	if removed == nil {
		metrics.RaceLossesTotal.WithLabelValues("expire").Inc()
		slog.Debug("Engine.Expire: request already resolved", "requesterID", key.RequesterID, "requestID", key.RequestID)
		return nil
	}
	e.resolve(ctx, *removed, models.StateExpired)
	slog.Info("Engine.Expire: expired", "requesterID", removed.RequesterID, "requestID", removed.RequestID)
	return nil
}

// resolve sends the single outcome of a request the caller removed.
func (e *Engine) resolve(ctx context.Context, req models.MatchRequest, to models.State) {
	if err := models.Transition(req.State, to); err != nil {
		slog.Error("Engine.resolve: unexpected state", "requesterID", req.RequesterID, "error", err)
	}
	e.supervisor.Disarm(ctx, req)

	var outcome models.Outcome
	switch to {
	case models.StateCancelled:
		outcome = models.Cancelled(req)
	default:
		outcome = models.Expired(req)
	}
	e.dispatcher.Dispatch(ctx, req.ReplyTo, outcome)
}

// Recover re-arms the deadline of every stored request. It is run once at
// startup so requests left over from a previous process still expire.
func (e *Engine) Recover(ctx context.Context) (int, error) {
	all, err := withRetry(ctx, e, "all pending", func(ctx context.Context) (map[models.Bucket][]models.MatchRequest, error) {
		return e.store.AllPending(ctx)
	})
	if err != nil {
		return 0, err
	}
	n := 0
	for _, reqs := range all {
		for _, req := range reqs {
			if err := e.supervisor.Arm(ctx, req); err != nil {
				slog.Error("Engine.Recover: arm failed", "requesterID", req.RequesterID, "error", err)
				continue
			}
			n++
		}
	}
	slog.Info("Engine.Recover: deadlines re-armed", "count", n)
	return n, nil
}

// RecoverState re-arms stored deadlines, discarding the count.
func (e *Engine) RecoverState(ctx context.Context) error {
	_, err := e.Recover(ctx)
	return err
}

func (e *Engine) remove(ctx context.Context, key store.RemoveKey) (*models.MatchRequest, error) {
	removed, err := withRetry(ctx, e, "remove if pending", func(ctx context.Context) (*models.MatchRequest, error) {
		return e.store.RemoveIfPending(ctx, key)
	})
	if removed != nil {
		e.unpark(*removed)
	}
	return removed, err
}

func (e *Engine) markProcessed(ctx context.Context, requestID string) {
	if e.dedup == nil {
		return
	}
	if err := e.dedup.MarkProcessed(ctx, requestID); err != nil {
		slog.Warn("Engine.markProcessed failed", "requestID", requestID, "error", err)
	}
}
