// Package api is the HTTP surface: the Sentry-compatible ingest endpoints
// plus health and metrics.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/glitchtip/backend/internal/auth"
	"github.com/glitchtip/backend/internal/config"
	"github.com/glitchtip/backend/internal/ingest"
	"github.com/glitchtip/backend/internal/metrics"
	"github.com/glitchtip/backend/internal/store"
)

// Server wires the router and owns the http.Server lifecycle.
type Server struct {
	cfg     *config.Config
	gate    *auth.Gate
	batcher *ingest.Batcher
	proc    *ingest.Processor
	store   *store.Store
	metrics *metrics.Metrics
	logger  *slog.Logger

	httpServer *http.Server
}

func NewServer(cfg *config.Config, gate *auth.Gate, batcher *ingest.Batcher, proc *ingest.Processor, st *store.Store, m *metrics.Metrics) *Server {
	s := &Server{
		cfg:     cfg,
		gate:    gate,
		batcher: batcher,
		proc:    proc,
		store:   st,
		metrics: m,
		logger:  slog.With("component", "api"),
	}

	r := mux.NewRouter()
	r.Use(s.recoverMiddleware)

	ingestRoutes := r.PathPrefix("/api/{project_id:[0-9]+}").Subrouter()
	ingestRoutes.HandleFunc("/store/", s.instrument("store", s.handleStore)).Methods(http.MethodPost)
	ingestRoutes.HandleFunc("/store", s.instrument("store", s.handleStore)).Methods(http.MethodPost)
	ingestRoutes.HandleFunc("/envelope/", s.instrument("envelope", s.handleEnvelope)).Methods(http.MethodPost)
	ingestRoutes.HandleFunc("/envelope", s.instrument("envelope", s.handleEnvelope)).Methods(http.MethodPost)
	ingestRoutes.HandleFunc("/security/", s.instrument("security", s.handleSecurity)).Methods(http.MethodPost)
	ingestRoutes.HandleFunc("/security", s.instrument("security", s.handleSecurity)).Methods(http.MethodPost)

	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	s.httpServer = &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      r,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeoutSec) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeoutSec) * time.Second,
		IdleTimeout:  time.Duration(cfg.Server.IdleTimeoutSec) * time.Second,
	}
	return s
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

func (s *Server) ListenAndServe() error {
	s.logger.Info("HTTP server listening", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := s.store.Ping(ctx); err != nil {
		http.Error(w, `{"status":"unhealthy"}`, http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	fmt.Fprint(w, `{"status":"ok"}`)
}

// instrument wraps a handler with latency metrics.
func (s *Server) instrument(name string, h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		h(sw, r)
		s.metrics.RequestDuration.
			WithLabelValues(name, strconv.Itoa(sw.status)).
			Observe(time.Since(start).Seconds())
	}
}

func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("panic in handler", "path", r.URL.Path, "panic", rec)
				http.Error(w, `{"error":"internal server error"}`, http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(w, r)
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}
