// Package metrics holds the Prometheus instruments exported on /metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Submission results recorded by SubmissionsTotal.
const (
	SubmitMatched   = "matched"
	SubmitQueued    = "queued"
	SubmitRejected  = "rejected"
	SubmitDuplicate = "redelivered"
	SubmitInvalid   = "invalid"
)

var (
	SubmissionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "peermatch_submissions_total",
		Help: "Total match submissions by result",
	}, []string{"result"})

	OutcomesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "peermatch_outcomes_total",
		Help: "Total outcomes dispatched by status and delivery path",
	}, []string{"status", "delivery"})

	RaceLossesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "peermatch_race_losses_total",
		Help: "Conditional removals that found the request already gone, by path",
	}, []string{"path"})

	PendingRequests = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "peermatch_pending_requests",
		Help: "Pending requests per bucket as of the last sweep",
	}, []string{"bucket"})

	SweepDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "peermatch_sweep_duration_seconds",
		Help:    "Duration of one periodic sweep",
		Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
	})

	SweepPairsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "peermatch_sweep_pairs_total",
		Help: "Total pairs formed by the periodic sweep",
	})

	ParkedRequests = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "peermatch_parked_requests",
		Help: "Requests whose removal failed ambiguously and await the next sweep",
	})
)

// Handler serves the default Prometheus registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
