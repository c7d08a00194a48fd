package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	Operations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "webgrab",
			Subsystem: "operation",
			Name:      "total",
			Help:      "Operations served, by kind and outcome",
		},
		[]string{"kind", "outcome"},
	)

	OperationLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "webgrab",
			Subsystem: "operation",
			Name:      "latency_seconds",
			Help:      "Fresh operation execution latency in seconds",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 10), // 50ms to ~25s
		},
		[]string{"kind"},
	)

	CacheLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "webgrab",
			Subsystem: "cache",
			Name:      "lookups_total",
			Help:      "Cache lookups, by kind and result (hit, miss, error)",
		},
		[]string{"kind", "result"},
	)

	CreditsDeducted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "webgrab",
			Subsystem: "credits",
			Name:      "deducted_total",
			Help:      "Credits deducted, by kind",
		},
		[]string{"kind"},
	)

	DeductionFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "webgrab",
			Subsystem: "credits",
			Name:      "deduction_failures_total",
			Help:      "Deductions that failed after a result was served",
		},
		[]string{"kind"},
	)

	NavigationRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "webgrab",
			Subsystem: "browser",
			Name:      "navigation_retries_total",
			Help:      "Navigation attempts retried after a transient failure",
		},
		[]string{"kind"},
	)

	LeaseCreations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "webgrab",
			Subsystem: "browser",
			Name:      "lease_creations_total",
			Help:      "Browser session leases established, by reason (new, unhealthy)",
		},
		[]string{"reason"},
	)

	ActiveActors = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "webgrab",
			Subsystem: "actor",
			Name:      "active",
			Help:      "Number of live user actors",
		},
	)

	BackgroundFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "webgrab",
			Subsystem: "background",
			Name:      "failures_total",
			Help:      "Background tasks that returned an error, by task",
		},
		[]string{"task"},
	)
)
