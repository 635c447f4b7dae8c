// Package metrics exposes the indexer's Prometheus collectors.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Collectors groups every metric the indexer publishes. A single
// instance is constructed at startup and threaded through the
// components that need it.
type Collectors struct {
	CandidatesInserted *prometheus.CounterVec
	PagesFetched       *prometheus.CounterVec
	ClassifyOutcomes   *prometheus.CounterVec
	RateLimitWaitSec   prometheus.Histogram
	TailConnectionState *prometheus.GaugeVec
	CheckpointLT       *prometheus.GaugeVec
}

// New registers and returns the indexer's collectors on reg.
func New(reg prometheus.Registerer) *Collectors {
	c := &Collectors{
		CandidatesInserted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "indexer_candidates_inserted_total",
			Help: "Candidate transactions persisted, by pool and source.",
		}, []string{"pool", "source"}),
		PagesFetched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "indexer_backfill_pages_fetched_total",
			Help: "Backfill pages fetched per pool.",
		}, []string{"pool"}),
		ClassifyOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "indexer_classify_outcomes_total",
			Help: "Classifier terminal outcomes, by result.",
		}, []string{"outcome"}),
		RateLimitWaitSec: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "indexer_rate_limit_wait_seconds",
			Help:    "Time spent waiting on the upstream rate limiter.",
			Buckets: prometheus.DefBuckets,
		}),
		TailConnectionState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "indexer_tail_connection_state",
			Help: "Live tail state machine state, as a 0..3 gauge (connecting/connected/draining/stopped).",
		}, []string{"pool"}),
		CheckpointLT: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "indexer_pool_checkpoint_lt",
			Help: "Most recently persisted last_processed_lt per pool.",
		}, []string{"pool"}),
	}

	reg.MustRegister(
		c.CandidatesInserted,
		c.PagesFetched,
		c.ClassifyOutcomes,
		c.RateLimitWaitSec,
		c.TailConnectionState,
		c.CheckpointLT,
	)
	return c
}
