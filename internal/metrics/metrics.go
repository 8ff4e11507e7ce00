// Package metrics defines the Prometheus collectors exported on /metrics.
package metrics

import (
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	HTTPRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "leaderboard_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"route", "method", "status"},
	)

	HTTPDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "leaderboard_http_request_duration_seconds",
			Help:    "Duration of HTTP requests",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route", "method"},
	)

	RateLimited = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "leaderboard_http_rate_limited_total",
			Help: "Requests rejected by the per-client rate limiter",
		},
	)

	// Submissions counts score submissions by result: accepted, rejected or failed.
	Submissions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "leaderboard_score_submissions_total",
			Help: "Score submissions by result",
		},
		[]string{"result"},
	)

	AggregatesCreated = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "leaderboard_aggregates_created_total",
			Help: "Aggregates created on a user's first verified score in a scope",
		},
	)

	AggregationConflicts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "leaderboard_aggregation_conflicts_total",
			Help: "Optimistic version conflicts hit while saving aggregates",
		},
	)

	// Reorders counts leaderboard recomputations by outcome: applied, superseded or failed.
	Reorders = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "leaderboard_reorders_total",
			Help: "Leaderboard recomputations by outcome",
		},
		[]string{"outcome"},
	)

	ReorderDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "leaderboard_reorder_duration_seconds",
			Help:    "Time spent recomputing one scope's leaderboard",
			Buckets: prometheus.DefBuckets,
		},
	)

	RankedParticipants = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "leaderboard_ranked_participants",
			Help: "Participants in the live snapshot of each scope",
		},
		[]string{"scope"},
	)

	ReconcileRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "leaderboard_reconcile_runs_total",
			Help: "Reconciliation passes by outcome",
		},
		[]string{"outcome"},
	)
)

// Register registers every collector with reg.
func Register(reg prometheus.Registerer) error {
	collectors := []prometheus.Collector{
		HTTPRequests,
		HTTPDuration,
		RateLimited,
		Submissions,
		AggregatesCreated,
		AggregationConflicts,
		Reorders,
		ReorderDuration,
		RankedParticipants,
		ReconcileRuns,
	}
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

// RegisterPool exports connection pool gauges read at scrape time.
func RegisterPool(reg prometheus.Registerer, stats func() *pgxpool.Stat) error {
	gauges := []prometheus.Collector{
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "leaderboard_db_pool_acquired_conns",
			Help: "Connections currently checked out of the pool",
		}, func() float64 { return float64(stats().AcquiredConns()) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "leaderboard_db_pool_idle_conns",
			Help: "Idle connections in the pool",
		}, func() float64 { return float64(stats().IdleConns()) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "leaderboard_db_pool_total_conns",
			Help: "Total connections in the pool",
		}, func() float64 { return float64(stats().TotalConns()) }),
	}
	for _, g := range gauges {
		if err := reg.Register(g); err != nil {
			return err
		}
	}
	return nil
}
