package database

import "github.com/go-i2p/dbpool/lib/metrics"

var (
	transactions = metrics.NewCounterVec(
		"database_transactions_total",
		"Transactions by backend and outcome",
		"backend", "outcome",
	)
	txDuration = metrics.NewHistogramVec(
		"database_transaction_duration_seconds",
		"Time from BEGIN to a successful COMMIT or ROLLBACK",
		nil,
		"backend",
	)
)
