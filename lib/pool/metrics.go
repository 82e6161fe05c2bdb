package pool

import "github.com/go-i2p/dbpool/lib/metrics"

// Pool metrics, labelled by pool name.
var (
	// PoolConnections tracks connections by state (total, idle, active, limit).
	PoolConnections = metrics.NewGaugeVec(
		"pool_connections",
		"Connections in the pool by state",
		"pool", "state",
	)
	acquireTotal = metrics.NewCounterVec(
		"pool_acquire_total",
		"Connection acquire attempts by result",
		"pool", "result",
	)
	acquireWait = metrics.NewHistogramVec(
		"pool_acquire_wait_seconds",
		"Time spent waiting for a connection",
		nil,
		"pool",
	)
	queriesTotal = metrics.NewCounterVec(
		"pool_queries_total",
		"Statements executed through the pool by result",
		"pool", "result",
	)
	queryDuration = metrics.NewHistogramVec(
		"pool_query_duration_seconds",
		"Statement execution time",
		nil,
		"pool",
	)
	connectionsCreated = metrics.NewCounterVec(
		"pool_connections_created_total",
		"Connections opened by the pool",
		"pool",
	)
	connectionsClosed = metrics.NewCounterVec(
		"pool_connections_closed_total",
		"Connections closed by the pool by reason",
		"pool", "reason",
	)
	connectFailures = metrics.NewCounterVec(
		"pool_connect_failures_total",
		"Failed attempts to open a connection",
		"pool",
	)
	healthFailures = metrics.NewCounterVec(
		"pool_health_check_failures_total",
		"Connections that failed a health probe",
		"pool",
	)
)

// UpdateMetrics updates the pool gauges from Stats.
func UpdateMetrics(stats Stats) {
	PoolConnections.WithLabelValues(stats.Name, "total").Set(float64(stats.TotalConnections))
	PoolConnections.WithLabelValues(stats.Name, "idle").Set(float64(stats.IdleConnections))
	PoolConnections.WithLabelValues(stats.Name, "active").Set(float64(stats.ActiveConnections))
	PoolConnections.WithLabelValues(stats.Name, "limit").Set(float64(stats.Limit))
}
