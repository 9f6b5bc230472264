package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTP metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "parley_http_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "route", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "parley_http_request_duration_seconds",
			Help:    "HTTP request duration",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"method", "route"},
	)

	// Admission metrics
	Admissions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "parley_admissions_total",
			Help: "Inbound messages by admission outcome",
		},
		[]string{"outcome"}, // admitted, queued, duplicate, quota_exceeded
	)

	// Generation metrics
	GenerationAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "parley_generation_attempts_total",
			Help: "Provider calls by provider and outcome",
		},
		[]string{"provider", "outcome"}, // accepted, needs_retry, exhausted, error
	)

	Fallbacks = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "parley_generation_fallbacks_total",
			Help: "Generations that switched to the fallback provider",
		},
	)

	ProviderFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "parley_provider_failures_total",
			Help: "Generations that ended in a provider failure",
		},
		[]string{"kind"},
	)

	FilteredReplies = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "parley_filtered_replies_total",
			Help: "Replies replaced by a safe message",
		},
		[]string{"category"},
	)

	Truncations = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "parley_truncated_replies_total",
			Help: "Replies shortened by smart truncation",
		},
	)

	GenerationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "parley_generation_duration_seconds",
			Help:    "End to end generation latency",
			Buckets: []float64{.25, .5, 1, 2, 4, 8, 15, 30, 60},
		},
		[]string{"provider"},
	)

	// Worker metrics
	JobOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "parley_jobs_total",
			Help: "Processed jobs by task type and outcome",
		},
		[]string{"task_type", "outcome"},
	)

	DLQMessages = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "parley_dlq_messages_total",
			Help: "Jobs moved to the dead letter stream",
		},
		[]string{"task_type"},
	)
)
