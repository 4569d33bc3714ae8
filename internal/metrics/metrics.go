// Package metrics holds the Prometheus collectors shared by runs, providers and comparators.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "sqlbench"

// Job outcomes
const (
	OutcomeOK        = "ok"
	OutcomeError     = "error"
	OutcomeCancelled = "cancelled"
	OutcomeUnscored  = "unscored"
)

// Provider call results
const (
	CallOK          = "ok"
	CallRateLimited = "rate_limited"
	CallError       = "error"
	CallCircuitOpen = "circuit_open"
)

var (
	JobsStarted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "jobs_started_total",
		Help:      "Jobs that began executing, by run kind.",
	}, []string{"run_kind"})

	JobsFinished = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "jobs_finished_total",
		Help:      "Jobs that stopped executing, by run kind and outcome.",
	}, []string{"run_kind", "outcome"})

	ActiveRuns = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "active_runs",
		Help:      "Runs currently dispatching jobs.",
	}, []string{"run_kind"})

	RateLimitsObserved = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "rate_limits_observed_total",
		Help:      "Rate-limit responses received from providers, by endpoint.",
	}, []string{"endpoint"})

	DeadlineExtensions = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "rate_limit_deadline_extensions_total",
		Help:      "Registrations that moved an endpoint deadline forward.",
	})

	AuthorizationWait = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "authorization_wait_seconds",
		Help:      "Time callers spent blocked waiting for a rate-limit deadline.",
		Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
	})

	ProviderCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "provider_calls_total",
		Help:      "Outbound provider calls, by provider and result.",
	}, []string{"provider", "result"})

	ComparisonScores = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "comparison_score",
		Help:      "Numeric similarity scores, by comparator.",
		Buckets:   prometheus.LinearBuckets(0.1, 0.1, 10),
	}, []string{"comparator"})

	ComparisonFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "comparison_failures_total",
		Help:      "Comparisons that produced no score, by comparator.",
	}, []string{"comparator"})

	ScoreCacheLookups = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "score_cache_lookups_total",
		Help:      "Score cache lookups, by result (hit, miss, error).",
	}, []string{"result"})
)
