// Package web serves the operational HTTP surface of a dbpool service:
// Prometheus metrics, liveness and readiness probes, and JSON views of
// pool, circuit and retry budget state.
package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/go-i2p/dbpool/lib/health"
	"github.com/go-i2p/dbpool/lib/metrics"
	"github.com/go-i2p/dbpool/lib/pool"
	"github.com/go-i2p/dbpool/lib/resilience"
	"github.com/go-i2p/dbpool/version"
)

// Backend is the state the server reports on.
type Backend interface {
	// PoolStats returns a snapshot of the connection pool.
	PoolStats() pool.Stats
	// CircuitStats returns the connector breaker state, if one is configured.
	CircuitStats() (resilience.HealthyCircuitStats, bool)
	// BudgetTokens returns the retry budget balance, if one is configured.
	BudgetTokens() (float64, bool)
	// Health runs the registered health checks.
	Health(ctx context.Context) health.Report
}

// Server is the operational HTTP server.
type Server struct {
	httpServer *http.Server
	backend    Backend
	limiter    *RateLimiter
	logger     *slog.Logger
	mu         sync.RWMutex
	running    bool
	addr       net.Addr
}

// Config holds web server configuration.
type Config struct {
	// ListenAddr is the address to listen on (e.g., "127.0.0.1:9090")
	ListenAddr string
	// HealthTimeout bounds a health run triggered by a request.
	HealthTimeout time.Duration
	// RateLimit configures per-client limiting of the /api routes.
	RateLimit RateLimitConfig
	// Logger is the structured logger
	Logger *slog.Logger
}

// New creates a new web server reporting on backend.
// Call Stop() to release the rate limiter even if Start() was never called.
func New(cfg Config, backend Backend) (*Server, error) {
	if backend == nil {
		return nil, errors.New("web: nil backend")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.HealthTimeout <= 0 {
		cfg.HealthTimeout = 5 * time.Second
	}

	s := &Server{
		backend: backend,
		limiter: NewRateLimiter(cfg.RateLimit),
		logger:  cfg.Logger,
	}
	s.limiter.SetOnReject(func(ip, path string) {
		s.logger.Warn("rate limited", "ip", ip, "path", path)
	})

	s.httpServer = &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           s.routes(cfg.HealthTimeout),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	return s, nil
}

// Handler returns the root handler, for embedding or tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

func (s *Server) routes(healthTimeout time.Duration) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(s.withMiddleware)

	r.Get("/healthz", s.handleLiveness)
	r.Get("/readyz", s.withTimeout(healthTimeout, s.handleReadiness))
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Use(s.limiter.Middleware)
		r.Get("/health", s.withTimeout(healthTimeout, s.handleHealth))
		r.Get("/stats", s.handleStats)
		r.Get("/stats/{section}", s.handleStatsSection)
		r.Get("/version", s.handleVersion)
	})

	return r
}

// Start starts the web server.
func (s *Server) Start() error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("server already running")
	}
	s.running = true
	s.mu.Unlock()

	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
		return fmt.Errorf("listen: %w", err)
	}

	s.mu.Lock()
	s.addr = ln.Addr()
	s.mu.Unlock()

	s.logger.Info("web server started", "addr", ln.Addr().String())

	go func() {
		if err := s.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Error("server error", "error", err)
		}
	}()

	return nil
}

// Addr returns the bound address once started, or nil.
func (s *Server) Addr() net.Addr {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.addr
}

// Stop stops the web server gracefully.
func (s *Server) Stop(ctx context.Context) error {
	s.limiter.Close()

	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	s.mu.Unlock()

	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}

	s.logger.Info("web server stopped")
	return nil
}

// withMiddleware logs requests and sets common headers.
func (s *Server) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		ww.Header().Set("X-Content-Type-Options", "nosniff")
		ww.Header().Set("X-Frame-Options", "DENY")

		next.ServeHTTP(ww, r)

		s.logger.Debug("request",
			"method", r.Method,
			"path", r.URL.Path,
			"remote", r.RemoteAddr,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration", time.Since(start),
		)
	})
}

// withTimeout bounds the request context of handlers that run checks.
func (s *Server) withTimeout(d time.Duration, h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), d)
		defer cancel()
		h(w, r.WithContext(ctx))
	}
}

// handleVersion reports the build of the running binary.
func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, version.Get())
}

// writeJSON writes a JSON response.
func (s *Server) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Error("json encode error", "error", err)
	}
}

// writeError writes a JSON error response.
func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}
