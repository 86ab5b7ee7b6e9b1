package matcher

import (
	"context"
	"log/slog"
	"time"

	"github.com/BTreeMap/PeerMatch/internal/metrics"
	"github.com/BTreeMap/PeerMatch/internal/models"
	"github.com/BTreeMap/PeerMatch/internal/store"
)

// cancelMark records a cancel that found nothing in the store. The sweep may
// have been holding the request out of the store at that moment; a release
// that puts it back checks the mark before the request can be paired again.
type cancelMark struct {
	bucket models.Bucket
	at     time.Time
}

func (m cancelMark) appliesTo(req models.MatchRequest) bool {
	return m.bucket == req.Bucket() && !req.CreatedAt.After(m.at)
}

func (e *Engine) markCancel(key store.RemoveKey) {
	now := e.now()
	e.claimsMu.Lock()
	defer e.claimsMu.Unlock()
	horizon := now.Add(-(e.cfg.RequestTimeout + e.cfg.ExpiryGrace))
	for id, m := range e.cancelMarks {
		if m.at.Before(horizon) {
			delete(e.cancelMarks, id)
		}
	}
	e.cancelMarks[key.RequesterID] = cancelMark{
		bucket: models.Bucket{Difficulty: key.Difficulty, Category: key.Category},
		at:     now,
	}
}

// cancelRequested reports whether a mark covers req, without consuming it.
func (e *Engine) cancelRequested(req models.MatchRequest) bool {
	e.claimsMu.Lock()
	defer e.claimsMu.Unlock()
	m, ok := e.cancelMarks[req.RequesterID]
	return ok && m.appliesTo(req)
}

func (e *Engine) clearCancel(req models.MatchRequest) {
	e.claimsMu.Lock()
	defer e.claimsMu.Unlock()
	if m, ok := e.cancelMarks[req.RequesterID]; ok && m.appliesTo(req) {
		delete(e.cancelMarks, req.RequesterID)
	}
}

// claim removes a request the caller read from the store. If the removal
// fails, the request is looked up again. When it is gone the failed call may
// have deleted it after all, so it is parked until settleParked decides.
func (e *Engine) claim(ctx context.Context, req models.MatchRequest) (*models.MatchRequest, error) {
	removed, err := e.remove(ctx, store.KeyOf(req))
	if err == nil {
		return removed, nil
	}
	cur, gerr := e.store.Get(ctx, req.RequesterID)
	if gerr == nil && cur != nil && cur.RequestID == req.RequestID {
		return nil, err
	}
	e.claimsMu.Lock()
	e.parked[req.RequesterID] = req
	e.claimsMu.Unlock()
	metrics.ParkedRequests.Inc()
	slog.Warn("Engine.claim: removal outcome unknown, parking request", "requesterID", req.RequesterID, "requestID", req.RequestID, "error", err)
	return nil, err
}

// unpark drops req from the parked set and reports whether it was there.
func (e *Engine) unpark(req models.MatchRequest) bool {
	e.claimsMu.Lock()
	defer e.claimsMu.Unlock()
	p, ok := e.parked[req.RequesterID]
	if !ok || p.RequestID != req.RequestID {
		return false
	}
	delete(e.parked, req.RequesterID)
	metrics.ParkedRequests.Dec()
	return true
}

// settleParked resolves parked requests that are still missing from the
// store. Any other path that removed one in the meantime unparked it, so a
// request still parked and gone was deleted by the failed claim and is owned
// here.
func (e *Engine) settleParked(ctx context.Context) int {
	e.claimsMu.Lock()
	pending := make([]models.MatchRequest, 0, len(e.parked))
	for _, req := range e.parked {
		pending = append(pending, req)
	}
	e.claimsMu.Unlock()

	settled := 0
	for _, req := range pending {
		cur, err := e.store.Get(ctx, req.RequesterID)
		if err != nil {
			slog.Warn("Engine.settleParked: lookup failed, keeping parked", "requesterID", req.RequesterID, "error", err)
			continue
		}
		if cur != nil && cur.RequestID == req.RequestID {
			e.unpark(req)
			slog.Debug("Engine.settleParked: request still pending", "requesterID", req.RequesterID)
			continue
		}
		if !e.unpark(req) {
			continue
		}
		to := models.StateExpired
		if e.cancelRequested(req) {
			e.clearCancel(req)
			to = models.StateCancelled
		}
		e.resolve(ctx, req, to)
		settled++
		slog.Info("Engine.settleParked: resolved lost request", "requesterID", req.RequesterID, "requestID", req.RequestID, "state", to)
	}
	return settled
}
