// Package metrics registers the Prometheus metrics used by the gateway.
// Import this package (via blank import) from the server entry point to
// register all metrics before the /metrics handler is mounted.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RequestsTotal counts completed requests labelled by provider, model,
	// and outcome ("success", "error", "rejected").
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_requests_total",
			Help: "Total number of requests processed by the gateway.",
		},
		[]string{"provider", "model", "status"},
	)

	// RequestDuration observes end-to-end request latency in seconds.
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "gateway_request_duration_seconds",
			Help:    "End-to-end request duration in seconds.",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
		},
		[]string{"provider", "model"},
	)

	// TokensInput counts total prompt tokens sent to providers.
	TokensInput = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_tokens_input_total",
			Help: "Total prompt tokens sent to providers.",
		},
		[]string{"provider", "model"},
	)

	// TokensOutput counts total completion tokens received from providers.
	TokensOutput = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_tokens_output_total",
			Help: "Total completion tokens received from providers.",
		},
		[]string{"provider", "model"},
	)

	// CreditsDeducted counts micro-credits billed to users.
	CreditsDeducted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_credits_deducted_micro_total",
			Help: "Total micro-credits deducted from user balances.",
		},
		[]string{"model"},
	)

	// ProviderErrors counts errors broken down by provider and error kind
	// ("timeout", "auth", "unavailable", "http", "invalid_request").
	ProviderErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_provider_errors_total",
			Help: "Total provider errors by kind.",
		},
		[]string{"provider", "kind"},
	)

	// CircuitBreakerOpen tracks per-(model, provider) circuit state as a
	// gauge: 0 = closed, 1 = open.
	CircuitBreakerOpen = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "gateway_circuit_open",
			Help: "Circuit breaker state per model/provider (0=closed 1=open).",
		},
		[]string{"model", "provider"},
	)

	// RateLimitRejections counts requests rejected by quota enforcement,
	// labelled by limit kind ("minute", "hour", "day", "burst",
	// "concurrency", "plan"; trial denials are counted under "plan").
	RateLimitRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_rate_limit_rejections_total",
			Help: "Total requests rejected by rate or plan limiting.",
		},
		[]string{"kind"},
	)

	// FailoverAttempts counts provider attempts per request outcome so
	// operators can watch failover churn.
	FailoverAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_failover_attempts_total",
			Help: "Provider attempts made by the selector.",
		},
		[]string{"model", "provider", "outcome"},
	)
)
