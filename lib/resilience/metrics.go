package resilience

import "github.com/go-i2p/dbpool/lib/metrics"

// Circuit breaker metrics, labelled by breaker name.
var (
	breakerState = metrics.NewGaugeVec(
		"circuit_breaker_state",
		"Current state of the circuit breaker (0=closed, 1=open, 2=half-open)",
		"circuit",
	)
	breakerTrips = metrics.NewCounterVec(
		"circuit_breaker_trips_total",
		"Total number of times the circuit breaker opened",
		"circuit",
	)
	breakerResults = metrics.NewCounterVec(
		"circuit_breaker_results_total",
		"Operations recorded by the circuit breaker by result",
		"circuit", "result",
	)
	breakerRejections = metrics.NewCounterVec(
		"circuit_breaker_rejections_total",
		"Total requests rejected by the circuit breaker",
		"circuit",
	)
	probeFailures = metrics.NewCounterVec(
		"probe_failures_total",
		"Total failed dependency probes",
		"circuit",
	)
)
