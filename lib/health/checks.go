package health

import (
	"context"
	"fmt"

	apperrors "github.com/go-i2p/dbpool/lib/errors"
	"github.com/go-i2p/dbpool/lib/pool"
	"github.com/go-i2p/dbpool/lib/resilience"
)

// PoolCheck reports a closed pool or a failed ping as unhealthy and a pool
// whose utilization reached threshold as degraded. A saturated pool is not
// pinged, since the ping would only queue behind real work.
func PoolCheck(p *pool.Pool, threshold float64) CheckFunc {
	return func(ctx context.Context) error {
		stats := p.Stats()
		if stats.Closed {
			return apperrors.ErrPoolClosed
		}
		if threshold > 0 && stats.Utilization() >= threshold {
			return Degraded(fmt.Errorf("pool %s utilization %.0f%% (%d/%d)",
				stats.Name, stats.Utilization()*100, stats.ActiveConnections, stats.Limit))
		}
		return p.Ping(ctx)
	}
}

// CircuitCheck reports the dependency behind hc. An open circuit is
// unhealthy; a half-open one is degraded.
func CircuitCheck(hc *resilience.HealthyCircuit) CheckFunc {
	return func(context.Context) error {
		cb := hc.Circuit()
		switch {
		case cb.IsOpen():
			return fmt.Errorf("circuit %s: %w", cb.Name(), apperrors.ErrCircuitOpen)
		case cb.IsHalfOpen():
			return Degraded(fmt.Errorf("circuit %s half-open", cb.Name()))
		}
		if !hc.IsHealthy() {
			if s := hc.Stats(); s.LastError != "" {
				return Degraded(fmt.Errorf("last probe failed: %s", s.LastError))
			}
			return Degraded(nil)
		}
		return nil
	}
}
