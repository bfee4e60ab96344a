package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	HTTPRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "search",
		Name:      "http_requests_total",
		Help:      "Total HTTP requests by method, path and status code.",
	}, []string{"method", "path", "status"})

	HTTPRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "search",
		Name:      "http_request_duration_seconds",
		Help:      "HTTP request duration in seconds.",
		Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
	}, []string{"method", "path"})

	SourceRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "search",
		Name:      "source_requests_total",
		Help:      "Total candidate source requests by source and result status.",
	}, []string{"source", "status"})

	SourceRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "search",
		Name:      "source_request_duration_seconds",
		Help:      "Candidate source request duration in seconds.",
		Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 1.5, 2, 3, 5},
	}, []string{"source"})

	SourceAvailable = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "search",
		Name:      "source_available",
		Help:      "Whether a candidate source is available (1) or temporarily skipped (0).",
	}, []string{"source"})

	CacheHitsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "search",
		Name:      "cache_hits_total",
		Help:      "Total number of search cache hits.",
	})

	CacheMissesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "search",
		Name:      "cache_misses_total",
		Help:      "Total number of search cache misses.",
	})

	SearchCoalescedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "search",
		Name:      "coalesced_total",
		Help:      "Searches served from another caller's in-flight computation.",
	})

	SearchDegradedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "search",
		Name:      "degraded_total",
		Help:      "Searches answered with at least one source unavailable.",
	})

	FilterDroppedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "search",
		Name:      "filter_dropped_total",
		Help:      "Candidates removed by each content filter.",
	}, []string{"filter"})

	FranchiseExpansionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "search",
		Name:      "franchise_expansions_total",
		Help:      "Supplemental franchise fetches by outcome.",
	}, []string{"result"})

	HTTPRateLimitedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "search",
		Name:      "http_rate_limited_total",
		Help:      "Requests rejected by the per-client rate limiter, by route class.",
	}, []string{"class"})

	CatalogRetriesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "search",
		Name:      "catalog_retries_total",
		Help:      "Catalog requests repeated after a transient failure.",
	})

	CatalogHTTPRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "search",
		Name:      "catalog_http_requests_total",
		Help:      "Outbound catalog API requests by endpoint and status.",
	}, []string{"endpoint", "status"})

	CatalogThrottleWait = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "search",
		Name:      "catalog_throttle_wait_seconds",
		Help:      "Time spent waiting for the catalog rate limiter and concurrency slots.",
		Buckets:   []float64{0, 0.05, 0.1, 0.25, 0.5, 1, 2},
	})

	CircuitBreakerState = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "search",
		Name:      "circuit_breaker_state",
		Help:      "Circuit breaker state: 0 closed, 1 half-open, 2 open.",
	}, []string{"name"})

	CircuitBreakerTransitions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "search",
		Name:      "circuit_breaker_transitions_total",
		Help:      "Circuit breaker state transitions.",
	}, []string{"name", "from", "to"})
)

func Register(reg prometheus.Registerer) {
	reg.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		HTTPRateLimitedTotal,
		SourceRequestsTotal,
		SourceRequestDuration,
		SourceAvailable,
		CacheHitsTotal,
		CacheMissesTotal,
		SearchCoalescedTotal,
		SearchDegradedTotal,
		FilterDroppedTotal,
		FranchiseExpansionsTotal,
		CatalogHTTPRequestsTotal,
		CatalogRetriesTotal,
		CatalogThrottleWait,
		CircuitBreakerState,
		CircuitBreakerTransitions,
	)
}
