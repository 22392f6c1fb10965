package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	PurchasesProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "engine_purchases_processed_total",
			Help: "Purchases handled by the engine, by result",
		},
		[]string{"result"},
	)

	CommissionsCreated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "engine_commissions_created_total",
			Help: "Commission records created, by type",
		},
		[]string{"type"},
	)

	GhostGrants = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "engine_ghost_bv_total",
			Help: "Ghost BV grant transitions",
		},
		[]string{"transition"},
	)

	InvariantViolations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "engine_invariant_violations_total",
			Help: "Items aborted because an accounting invariant would break",
		},
		[]string{"desc"},
	)

	Claims = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "engine_claims_total",
			Help: "Settlement claim attempts, by result",
		},
		[]string{"result"},
	)

	JobDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "engine_job_duration_seconds",
			Help:    "Batch job durations",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"job"},
	)
)
