// Package metrics holds the gateway's Prometheus instrumentation. A
// Metrics value is created once at startup with its own registry and
// passed explicitly to the services that record into it.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// DurationBuckets are the request latency buckets in milliseconds.
var DurationBuckets = []float64{25, 50, 100, 200, 400, 800, 1600, 3200, 6400}

// Breaker state gauge values.
const (
	BreakerClosedState   = 0
	BreakerHalfOpenState = 1
	BreakerOpenState     = 2
)

// Metrics holds every counter, histogram, and gauge the gateway exports.
type Metrics struct {
	Registry *prometheus.Registry

	RequestsTotal   *prometheus.CounterVec
	CacheHitsTotal  *prometheus.CounterVec
	RetriesTotal    *prometheus.CounterVec
	BreakerFastfail *prometheus.CounterVec
	PolicyDenials   *prometheus.CounterVec
	RateLimited     *prometheus.CounterVec

	TokenGenerations prometheus.Counter
	TokenValidations *prometheus.CounterVec
	TokenExpirations prometheus.Counter

	ChaosInjections *prometheus.CounterVec
	ChaosClearings  *prometheus.CounterVec

	RequestDuration *prometheus.HistogramVec

	BreakerState      *prometheus.GaugeVec
	ActiveConnections prometheus.Gauge
}

// New creates and registers all gateway metrics on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		Registry: reg,

		RequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "requests_total",
				Help: "Total requests processed, by tool, action, and wire status code",
			},
			[]string{"tool", "action", "code"},
		),

		CacheHitsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cache_hits_total",
				Help: "Responses served from the resilience cache",
			},
			[]string{"tool", "action"},
		),

		RetriesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "retries_total",
				Help: "Upstream retries, by reason kind",
			},
			[]string{"tool", "action", "reason"},
		),

		BreakerFastfail: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "breaker_fastfail_total",
				Help: "Requests rejected synchronously by an open circuit breaker",
			},
			[]string{"tool"},
		),

		PolicyDenials: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "policy_denials_total",
				Help: "Policy evaluation denials, by reason kind",
			},
			[]string{"kind"},
		),

		RateLimited: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rate_limited_total",
				Help: "Requests rejected by the per-agent rate limiter",
			},
			[]string{"agent_id"},
		),

		TokenGenerations: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "token_generations_total",
				Help: "Tokens issued",
			},
		),

		TokenValidations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "token_validations_total",
				Help: "Token validations, by result",
			},
			[]string{"result"},
		),

		TokenExpirations: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "token_expirations_total",
				Help: "Token records swept past their expiry",
			},
		),

		ChaosInjections: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chaos_injections_total",
				Help: "Faults injected by the chaos schedule",
			},
			[]string{"tool", "mode"},
		),

		ChaosClearings: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chaos_clearings_total",
				Help: "Chaos schedules cleared",
			},
			[]string{"tool"},
		),

		RequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "request_duration_ms",
				Help:    "End-to-end pipeline duration in milliseconds",
				Buckets: DurationBuckets,
			},
			[]string{"tool", "action"},
		),

		BreakerState: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "breaker_state",
				Help: "Circuit breaker state per tool (0=closed, 1=half_open, 2=open)",
			},
			[]string{"tool"},
		),

		ActiveConnections: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "active_connections",
				Help: "Requests currently inside the pipeline",
			},
		),
	}
}
