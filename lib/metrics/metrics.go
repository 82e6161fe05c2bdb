// Package metrics holds the Prometheus registry shared by dbpool packages.
// Collectors are registered on a private registry rather than the global
// default one, so embedding applications keep control of their own metrics.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Namespace prefixes every metric name.
const Namespace = "dbpool"

// DefaultLatencyBuckets covers sub-millisecond pool hits up to slow
// connection establishment.
var DefaultLatencyBuckets = []float64{
	0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30,
}

// Registry is the registry all collectors in this module register with.
var Registry = prometheus.NewRegistry()

func init() {
	Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
}

// NewCounter creates and registers a counter.
func NewCounter(name, help string) prometheus.Counter {
	c := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: Namespace,
		Name:      name,
		Help:      help,
	})
	Registry.MustRegister(c)
	return c
}

// NewCounterVec creates and registers a labelled counter.
func NewCounterVec(name, help string, labels ...string) *prometheus.CounterVec {
	c := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: Namespace,
		Name:      name,
		Help:      help,
	}, labels)
	Registry.MustRegister(c)
	return c
}

// NewGauge creates and registers a gauge.
func NewGauge(name, help string) prometheus.Gauge {
	g := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: Namespace,
		Name:      name,
		Help:      help,
	})
	Registry.MustRegister(g)
	return g
}

// NewGaugeVec creates and registers a labelled gauge.
func NewGaugeVec(name, help string, labels ...string) *prometheus.GaugeVec {
	g := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: Namespace,
		Name:      name,
		Help:      help,
	}, labels)
	Registry.MustRegister(g)
	return g
}

// NewHistogramVec creates and registers a labelled histogram.
func NewHistogramVec(name, help string, buckets []float64, labels ...string) *prometheus.HistogramVec {
	if buckets == nil {
		buckets = DefaultLatencyBuckets
	}
	h := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: Namespace,
		Name:      name,
		Help:      help,
		Buckets:   buckets,
	}, labels)
	Registry.MustRegister(h)
	return h
}

// Handler returns an http.Handler that exposes the registry.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{
		Registry: Registry,
	})
}

// Process-wide metrics.
var (
	// StartTime is the unix timestamp the service started at.
	StartTime = NewGauge("start_time_seconds", "Unix timestamp when the service started")

	// HealthStatus reports the last aggregated health result (1 healthy, 0.5 degraded, 0 unhealthy).
	HealthStatus = NewGauge("health_status", "Last aggregated health status (1=healthy, 0.5=degraded, 0=unhealthy)")

	// HealthCheckFailures counts failed named health checks.
	HealthCheckFailures = NewCounterVec("health_check_failures_total", "Total failed health checks by check name", "check")
)

// RecordStartTime records the current time as the start time.
func RecordStartTime() {
	StartTime.Set(float64(time.Now().Unix()))
}
