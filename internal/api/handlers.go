package api

import (
	"context"
	"log/slog"
	"net/http"
	"sort"
	"time"

	"github.com/BTreeMap/PeerMatch/internal/models"
)

// storeTimeout bounds store calls made while serving an admin request.
const storeTimeout = 5 * time.Second

// BucketCount is one entry of the /v1/pending response.
type BucketCount struct {
	Difficulty int    `json:"difficulty"`
	Category   string `json:"category"`
	Pending    int    `json:"pending"`
}

// PendingSummary is the /v1/pending response body.
type PendingSummary struct {
	Total   int           `json:"total"`
	Buckets []BucketCount `json:"buckets"`
}

// healthHandler reports whether the request store is reachable.
func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), storeTimeout)
	defer cancel()

	healthData := map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}
	if counts, err := s.store.CountPending(ctx); err != nil {
		slog.Warn("Server.healthHandler: store check failed", "error", err)
		healthData["status"] = "degraded"
		healthData["error"] = "Request store unavailable"
	} else {
		healthData["pending_requests"] = total(counts)
	}

	statusCode := http.StatusOK
	if healthData["status"] == "degraded" {
		statusCode = http.StatusServiceUnavailable
	}
	writeJSONResponse(w, statusCode, healthData)
}

// pendingHandler lists pending request counts per bucket.
func (s *Server) pendingHandler(w http.ResponseWriter, r *http.Request) {
	slog.Debug("Server.pendingHandler: processing request", "method", r.Method, "path", r.URL.Path)
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		slog.Warn("Server.pendingHandler: method not allowed", "method", r.Method)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), storeTimeout)
	defer cancel()

	counts, err := s.store.CountPending(ctx)
	if err != nil {
		slog.Error("Server.pendingHandler: count failed", "error", err)
		writeJSONResponse(w, http.StatusServiceUnavailable, models.Error("Failed to count pending requests"))
		return
	}

	summary := PendingSummary{Total: total(counts), Buckets: make([]BucketCount, 0, len(counts))}
	for b, n := range counts {
		summary.Buckets = append(summary.Buckets, BucketCount{Difficulty: b.Difficulty, Category: b.Category, Pending: n})
	}
	sort.Slice(summary.Buckets, func(i, j int) bool {
		if summary.Buckets[i].Difficulty != summary.Buckets[j].Difficulty {
			return summary.Buckets[i].Difficulty < summary.Buckets[j].Difficulty
		}
		return summary.Buckets[i].Category < summary.Buckets[j].Category
	})
	writeJSONResponse(w, http.StatusOK, models.Success(summary))
}

func total(counts map[models.Bucket]int) int {
	n := 0
	for _, c := range counts {
		n += c
	}
	return n
}
