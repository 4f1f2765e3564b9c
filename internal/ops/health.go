// Package ops hosts the operational HTTP surface each daemon embeds:
// liveness and readiness endpoints for orchestrator probes.
package ops

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// HealthProbe is one readiness dependency check.
type HealthProbe interface {
	Name() string
	Healthy(ctx context.Context) error
}

// ProbeFunc adapts a function to HealthProbe.
type ProbeFunc struct {
	ProbeName string
	Check     func(ctx context.Context) error
}

// Name implements HealthProbe.
func (p ProbeFunc) Name() string { return p.ProbeName }

// Healthy implements HealthProbe.
func (p ProbeFunc) Healthy(ctx context.Context) error { return p.Check(ctx) }

// Server is the per-daemon operational HTTP server.
type Server struct {
	service string
	port    int
	probes  []HealthProbe
	extend  func(chi.Router)
	logger  *slog.Logger
}

// NewServer creates an ops server for the named service.
func NewServer(service string, port int, logger *slog.Logger, probes ...HealthProbe) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		service: service,
		port:    port,
		probes:  probes,
		logger:  logger,
	}
}

// Extend registers additional routes on the ops router, e.g. the internal
// hook endpoints a daemon exposes to sibling services. Must be called
// before Run.
func (s *Server) Extend(fn func(chi.Router)) {
	s.extend = fn
}

// Run serves until the context is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/healthz", s.handleLiveness)
	r.Get("/readyz", s.handleReadiness)
	if s.extend != nil {
		s.extend(r)
	}

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", s.port),
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("ops: shutting down health server: %w", err)
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("ops: health server: %w", err)
	}
}

// handleLiveness reports that the process is up.
func (s *Server) handleLiveness(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"service": s.service,
	})
}

// handleReadiness runs every probe and reports per-dependency status.
// Any failing probe makes the whole endpoint return 503.
func (s *Server) handleReadiness(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := http.StatusOK
	checks := make(map[string]string, len(s.probes))
	for _, probe := range s.probes {
		if err := probe.Healthy(ctx); err != nil {
			status = http.StatusServiceUnavailable
			checks[probe.Name()] = err.Error()
			s.logger.WarnContext(ctx, "readiness probe failed",
				"probe", probe.Name(),
				"error", err,
			)
			continue
		}
		checks[probe.Name()] = "ok"
	}

	writeJSON(w, status, map[string]any{
		"status":  http.StatusText(status),
		"service": s.service,
		"checks":  checks,
	})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
