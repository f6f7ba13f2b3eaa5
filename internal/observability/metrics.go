// Package observability holds the gateway's Prometheus collectors.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Requests counts finished gateway calls by outcome.
	Requests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "zen_requests_total",
			Help: "Gateway calls by caller format, model, provider and HTTP status",
		},
		[]string{"format", "model", "provider", "status"},
	)

	// Errors counts gateway errors by taxonomy kind; "internal" covers the rest.
	Errors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "zen_errors_total",
			Help: "Gateway errors by error type",
		},
		[]string{"kind"},
	)

	UpstreamTTFB = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "zen_upstream_ttfb_seconds",
			Help:    "Time from dispatch to the first non-empty upstream read",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"provider"},
	)

	ResponseBytes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "zen_response_bytes_total",
			Help: "Bytes read from upstream providers",
		},
		[]string{"provider"},
	)

	ResponseSize = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "zen_response_bytes",
			Help:    "Upstream response size per call",
			Buckets: prometheus.ExponentialBuckets(256, 4, 10),
		},
		[]string{"provider"},
	)

	Tokens = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "zen_tokens_total",
			Help: "Tokens reported by upstream providers by billing category",
		},
		[]string{"model", "category"},
	)

	BilledMicroCents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "zen_billed_microcents_total",
			Help: "Micro-cents charged to workspace balances",
		},
		[]string{"model"},
	)

	ReloadLocks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "zen_reload_locks_total",
			Help: "Auto-reload lock attempts by result",
		},
		[]string{"result"},
	)

	CatalogRefresh = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "zen_catalog_refresh_total",
			Help: "Catalog refresh attempts by result",
		},
		[]string{"result"},
	)

	RequestLogPartialWrites = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "zen_requestlog_partial_write_failures_total",
			Help: "Partial write failures when inserting request log entries into MongoDB",
		},
	)
)
