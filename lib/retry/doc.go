// Package retry re-runs failed operations with exponential, jittered or
// decorrelated backoff.
//
// A Policy decides which errors are worth retrying and how long to wait
// between attempts. A Budget can be shared by several policies to cap the
// total number of retries sent to one dependency:
//
//	budget := retry.NewBudget(retry.DefaultBudgetConfig())
//	policy := retry.NewPolicy(retry.DefaultConfig(), budget)
//
//	rows, err := retry.Do(ctx, policy, func(ctx context.Context) (pool.Result, error) {
//		return db.Execute(ctx, "SELECT 1")
//	})
//
// Errors the policy does not consider retryable are returned unchanged
// after a single attempt. When attempts or budget run out the last error is
// wrapped in *errors.RetryExhaustedError.
package retry
