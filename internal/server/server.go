// Package server exposes the controller over HTTP for build clients and
// for operators managing jobs.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/ChuLiYu/ci-dispatch/internal/controller"
	"github.com/ChuLiYu/ci-dispatch/internal/metrics"
)

// Server serves the client protocol.
type Server struct {
	controller *controller.Controller
	gatherer   prometheus.Gatherer
	router     chi.Router
}

// Option configures a Server.
type Option func(*Server)

// WithGatherer serves /metrics from g instead of the default registry.
func WithGatherer(g prometheus.Gatherer) Option {
	return func(s *Server) { s.gatherer = g }
}

// New creates a Server and mounts its routes.
func New(ctrl *controller.Controller, opts ...Option) *Server {
	s := &Server{controller: ctrl}
	for _, opt := range opts {
		opt(s)
	}
	s.router = s.routes()
	return s
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware)
	r.Use(bodySizeLimitMiddleware)

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeCode(w, http.StatusNotFound, "not_found", "no such endpoint")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeCode(w, http.StatusMethodNotAllowed, "method_not_allowed", r.Method+" not allowed")
	})

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Method(http.MethodGet, "/metrics", metrics.Handler(s.gatherer))

	r.Route("/client", func(r chi.Router) {
		r.Get("/ready_jobs/{build_key}/{config}", s.readyJobs)
		r.Get("/ready_jobs/{build_key}/{config}/{client_name}", s.readyJobs)
		r.Post("/claim_job/{build_key}/{config}/{client_name}", s.claimJob)
		r.Post("/start_step_result/{build_key}/{client_name}/{result_id}", s.startStep)
		r.Post("/update_step_result/{build_key}/{client_name}/{result_id}", s.updateStep)
		r.Post("/complete_step_result/{build_key}/{client_name}/{result_id}", s.completeStep)
		r.Post("/job_finished/{build_key}/{client_name}/{job_id}", s.jobFinished)
	})

	r.Route("/manage", func(r chi.Router) {
		r.Post("/events/{build_key}", s.createEvent)
		r.Post("/cancel_job/{build_key}/{job_id}", s.cancelJob)
		r.Post("/invalidate_job/{build_key}/{job_id}", s.invalidateJob)
		r.Get("/stats", s.stats)
	})

	return r
}

// ListenAndServe serves on addr until ctx is canceled, then shuts down
// gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("http server listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		slog.Info("http server shutting down")
		return srv.Shutdown(shutdownCtx)
	}
}
