package matcher

import (
	"context"
	"errors"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/BTreeMap/PeerMatch/internal/metrics"
	"github.com/BTreeMap/PeerMatch/internal/models"
	"github.com/BTreeMap/PeerMatch/internal/store"
)

// SweepStats summarises one sweep.
type SweepStats struct {
	Buckets  int
	Pending  int
	Pairs    int
	Released int
	Overdue  int
	Settled  int
}

// Sweep pairs every bucket that holds two or more pending requests. Requests
// are shuffled per bucket, so pairing order carries no FIFO guarantee.
func (e *Engine) Sweep(ctx context.Context) (SweepStats, error) {
	start := time.Now()
	defer func() { metrics.SweepDuration.Observe(time.Since(start).Seconds()) }()

	all, err := withRetry(ctx, e, "all pending", func(ctx context.Context) (map[models.Bucket][]models.MatchRequest, error) {
		return e.store.AllPending(ctx)
	})
	if err != nil {
		return SweepStats{}, err
	}

	var stats SweepStats
	stats.Settled = e.settleParked(ctx)
	now := e.now()
	metrics.PendingRequests.Reset()
	for bucket, reqs := range all {
		stats.Buckets++
		stats.Pending += len(reqs)
		metrics.PendingRequests.WithLabelValues(bucket.String()).Set(float64(len(reqs)))

		live := reqs[:0]
		for _, r := range reqs {
			if now.After(r.ExpiresAt.Add(e.cfg.ExpiryGrace)) {
				// The deadline was missed (lost timer, failed job); expire here.
				if err := e.Expire(ctx, store.KeyOf(r)); err != nil {
					slog.Error("Engine.Sweep: expiring overdue request failed", "requesterID", r.RequesterID, "error", err)
				}
				stats.Overdue++
				continue
			}
			live = append(live, r)
		}

		rand.Shuffle(len(live), func(i, j int) { live[i], live[j] = live[j], live[i] })
		for i := 0; i+1 < len(live); i += 2 {
			if err := ctx.Err(); err != nil {
				return stats, err
			}
			paired, released, err := e.pairStored(ctx, live[i], live[i+1])
			if err != nil {
				slog.Error("Engine.Sweep: pairing failed", "bucket", bucket.String(), "error", err)
				continue
			}
			if paired {
				stats.Pairs++
			}
			if released {
				stats.Released++
			}
		}
	}
	metrics.SweepPairsTotal.Add(float64(stats.Pairs))
	if stats.Pairs > 0 || stats.Overdue > 0 || stats.Settled > 0 {
		slog.Debug("Engine.Sweep: done", "buckets", stats.Buckets, "pending", stats.Pending, "pairs", stats.Pairs, "released", stats.Released, "overdue", stats.Overdue, "settled", stats.Settled)
	}
	return stats, nil
}

// pairStored claims two stored requests. If the first is claimed but the
// second is gone, the first is released back into the store with its
// deadline re-armed for the time it had left.
func (e *Engine) pairStored(ctx context.Context, a, b models.MatchRequest) (paired, released bool, err error) {
	ra, err := e.claim(ctx, a)
	if err != nil {
		return false, false, err
	}
	if ra == nil {
		metrics.RaceLossesTotal.WithLabelValues("sweep").Inc()
		return false, false, nil
	}

	rb, err := e.claim(ctx, b)
	if err != nil || rb == nil {
		if rb == nil && err == nil {
			metrics.RaceLossesTotal.WithLabelValues("sweep").Inc()
		}
		e.release(ctx, *ra)
		return false, true, err
	}

	matchID := e.pair(ctx, *ra, *rb)
	slog.Info("Engine.Sweep: matched", "a", ra.RequesterID, "b", rb.RequesterID, "bucket", ra.Bucket().String(), "matchID", matchID)
	return true, false, nil
}

// release puts back a request the sweep claimed but could not pair. If the
// requester resubmitted in the meantime the old request cannot go back and is
// resolved as EXPIRED so it is never dropped without an outcome. A cancel
// that missed the request while it was out of the store is applied here.
func (e *Engine) release(ctx context.Context, req models.MatchRequest) {
	_, err := withRetry(ctx, e, "reinsert", func(ctx context.Context) (struct{}, error) {
		return struct{}{}, e.store.Insert(ctx, req)
	})
	if err != nil {
		if !errors.Is(err, store.ErrAlreadyPending) {
			slog.Error("Engine.release: reinsert failed, expiring request", "requesterID", req.RequesterID, "error", err)
		}
		to := models.StateExpired
		if e.cancelRequested(req) {
			e.clearCancel(req)
			to = models.StateCancelled
		}
		e.resolve(ctx, req, to)
		return
	}

	if e.cancelRequested(req) {
		removed, rerr := e.remove(ctx, store.KeyOf(req))
		if rerr != nil {
			slog.Error("Engine.release: removing cancelled request failed", "requesterID", req.RequesterID, "error", rerr)
		}
		if removed != nil {
			e.clearCancel(*removed)
			e.resolve(ctx, *removed, models.StateCancelled)
			slog.Info("Engine.release: cancelled while held by sweep", "requesterID", req.RequesterID, "requestID", req.RequestID)
			return
		}
		// Claimed again already; that claim sees the mark when it releases.
	}
	if aerr := e.supervisor.Arm(ctx, req); aerr != nil {
		slog.Error("Engine.release: re-arm failed", "requesterID", req.RequesterID, "error", aerr)
	}
	slog.Debug("Engine.release: request returned to store", "requesterID", req.RequesterID, "remaining", req.Remaining(e.now()))
}

// RunSweeper runs Sweep every SweepInterval until ctx is cancelled.
func (e *Engine) RunSweeper(ctx context.Context) error {
	slog.Info("Engine.RunSweeper: starting", "interval", e.cfg.SweepInterval)
	ticker := time.NewTicker(e.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("Engine.RunSweeper: stopping")
			return nil
		case <-ticker.C:
			if _, err := e.Sweep(ctx); err != nil && ctx.Err() == nil {
				slog.Error("Engine.RunSweeper: sweep failed", "error", err)
			}
		}
	}
}
