// Package metrics exposes the Prometheus instrumentation surface for
// the provider manager: probe outcomes, selector decisions, and
// rate-limiter/circuit-breaker state, each labeled by provider id.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ProbeTotal counts health probes by provider and outcome
	// ("ok", "degraded", "stale", "offline").
	ProbeTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tonrpc_probe_total",
			Help: "Health probes performed, labeled by provider and outcome",
		},
		[]string{"provider", "outcome"},
	)

	// ProbeLatencySeconds tracks round-trip latency of a single health
	// probe.
	ProbeLatencySeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tonrpc_probe_latency_seconds",
			Help:    "Health probe round-trip latency",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"provider"},
	)

	// BlocksBehind is the provider's distance from the highest seqno
	// observed across the network this run.
	BlocksBehind = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "tonrpc_blocks_behind",
			Help: "Blocks behind the highest observed masterchain seqno",
		},
		[]string{"provider"},
	)

	// SelectorDecisionsTotal counts resolveEndpoint outcomes by the
	// reason the selector picked (or rejected) a provider.
	SelectorDecisionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tonrpc_selector_decisions_total",
			Help: "resolveEndpoint decisions, labeled by provider and reason",
		},
		[]string{"provider", "reason"},
	)

	// RateLimitBackoffMs is registered for a provider's rate-limiter
	// backoff window. Nothing in this module sets it: internal/ratelimit
	// does not update it, so it stays at 0 unless an embedder sets it.
	RateLimitBackoffMs = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "tonrpc_ratelimit_backoff_ms",
			Help: "Current rate-limiter backoff window in milliseconds",
		},
		[]string{"provider"},
	)

	// CircuitBreakerState mirrors gobreaker's state per provider probe
	// breaker: 0=closed, 1=half-open, 2=open.
	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "tonrpc_circuit_breaker_state",
			Help: "Per-provider probe circuit breaker state (0=closed,1=half-open,2=open)",
		},
		[]string{"provider"},
	)
)
