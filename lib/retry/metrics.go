package retry

import "github.com/go-i2p/dbpool/lib/metrics"

var (
	attemptsTotal = metrics.NewCounterVec(
		"retry_attempts_total",
		"Operation attempts made through retry policies",
		"policy",
	)
	retriesTotal = metrics.NewCounterVec(
		"retry_retries_total",
		"Retries scheduled by retry policies",
		"policy",
	)
	exhaustedTotal = metrics.NewCounterVec(
		"retry_exhausted_total",
		"Operations given up on by reason",
		"policy", "reason",
	)
	budgetRejections = metrics.NewCounter(
		"retry_budget_rejections_total",
		"Retries refused by a retry budget",
	)
)
