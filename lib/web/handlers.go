package web

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/go-i2p/dbpool/lib/health"
	"github.com/go-i2p/dbpool/lib/pool"
)

// CircuitView is the JSON form of the connector breaker state.
type CircuitView struct {
	State        string    `json:"state"`
	Healthy      bool      `json:"healthy"`
	FailureCount int       `json:"failure_count"`
	LastCheck    time.Time `json:"last_check"`
	LastError    string    `json:"last_error,omitempty"`
}

// StatsResponse is returned by /api/stats.
type StatsResponse struct {
	Pool        pool.Stats   `json:"pool"`
	Utilization float64      `json:"utilization"`
	Circuit     *CircuitView `json:"circuit,omitempty"`
	RetryBudget *float64     `json:"retry_budget_tokens,omitempty"`
	GeneratedAt time.Time    `json:"generated_at"`
}

// handleLiveness reports that the process is serving requests.
func (s *Server) handleLiveness(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{
		"status": "alive",
	})
}

// handleReadiness is ready unless a critical check fails.
func (s *Server) handleReadiness(w http.ResponseWriter, r *http.Request) {
	report := s.backend.Health(r.Context())
	if !report.Healthy() {
		reason := "unhealthy"
		for _, c := range report.Checks {
			if c.Critical && c.Status == health.StatusUnhealthy {
				reason = c.Name
				break
			}
		}
		s.writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "not_ready",
			"reason": reason,
		})
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]string{
		"status": string(report.Status),
	})
}

// handleHealth returns the full health report.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	report := s.backend.Health(r.Context())

	status := http.StatusOK
	if !report.Healthy() {
		status = http.StatusServiceUnavailable
	}
	s.writeJSON(w, status, report)
}

func (s *Server) stats() StatsResponse {
	ps := s.backend.PoolStats()
	resp := StatsResponse{
		Pool:        ps,
		Utilization: ps.Utilization(),
		GeneratedAt: time.Now().UTC(),
	}
	if cs, ok := s.backend.CircuitStats(); ok {
		resp.Circuit = &CircuitView{
			State:        cs.CircuitBreaker.State.String(),
			Healthy:      cs.IsHealthy,
			FailureCount: cs.CircuitBreaker.FailureCount,
			LastCheck:    cs.LastCheck,
			LastError:    cs.LastError,
		}
	}
	if tokens, ok := s.backend.BudgetTokens(); ok {
		resp.RetryBudget = &tokens
	}
	return resp
}

// handleStats returns pool, circuit and retry budget state.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.stats())
}

// handleStatsSection returns a single section of /api/stats.
func (s *Server) handleStatsSection(w http.ResponseWriter, r *http.Request) {
	st := s.stats()
	switch chi.URLParam(r, "section") {
	case "pool":
		s.writeJSON(w, http.StatusOK, st.Pool)
	case "circuit":
		if st.Circuit == nil {
			s.writeError(w, http.StatusNotFound, "no circuit breaker configured")
			return
		}
		s.writeJSON(w, http.StatusOK, st.Circuit)
	case "budget":
		if st.RetryBudget == nil {
			s.writeError(w, http.StatusNotFound, "no retry budget configured")
			return
		}
		s.writeJSON(w, http.StatusOK, map[string]float64{"tokens": *st.RetryBudget})
	default:
		s.writeError(w, http.StatusNotFound, "unknown stats section")
	}
}
