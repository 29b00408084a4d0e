// Package metrics defines the Prometheus collectors of the entitlements service.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Webhook outcomes.
const (
	OutcomeProcessed = "processed"
	OutcomeDuplicate = "duplicate"
	OutcomeIgnored   = "ignored"
	OutcomeFailed    = "failed"
	OutcomeInFlight  = "in_flight"
)

var (
	// HTTPRequestsTotal counts HTTP requests by route pattern and status.
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "obrafy_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration tracks HTTP latency by route pattern.
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "obrafy_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// WebhookEventsTotal counts gateway events by type and outcome.
	WebhookEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "obrafy_webhook_events_total",
			Help: "Total gateway webhook events by event type and outcome",
		},
		[]string{"event_type", "outcome"},
	)

	// WebhookDuration tracks reconciliation time per event type.
	WebhookDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "obrafy_webhook_duration_seconds",
			Help:    "Gateway webhook processing duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"event_type"},
	)

	// GuardDenialsTotal counts guard failures by kind.
	GuardDenialsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "obrafy_guard_denials_total",
			Help: "Total authorization guard denials by kind",
		},
		[]string{"kind"},
	)

	// RateLimitRejectionsTotal counts rejected requests by operation.
	RateLimitRejectionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "obrafy_ratelimit_rejections_total",
			Help: "Total requests rejected by the rate limiter by operation",
		},
		[]string{"operation"},
	)

	// GatewayBreakerTransitions counts circuit breaker state changes.
	GatewayBreakerTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "obrafy_gateway_breaker_transitions_total",
			Help: "Total payment gateway circuit breaker state changes",
		},
		[]string{"from", "to"},
	)
)
