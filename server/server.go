// ABOUTME: HTTP server wiring: chi router, middleware, and route table for the flow API.
// ABOUTME: All state lives in the store; the server itself can be restarted at any time.
package server

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/2389-research/loom/engine"
	"github.com/2389-research/loom/store"
)

// Server serves the flow definition and run execution API.
type Server struct {
	store   *store.Store
	engine  *engine.Engine
	logger  *slog.Logger
	metrics *prometheus.Registry
}

// New creates a server over the given store and engine. The prometheus
// registry may be nil, in which case /metrics serves an empty registry.
func New(st *store.Store, eng *engine.Engine, logger *slog.Logger, metrics *prometheus.Registry) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if metrics == nil {
		metrics = prometheus.NewRegistry()
	}
	return &Server{store: st, engine: eng, logger: logger, metrics: metrics}
}

// Router constructs the chi router with all routes and middleware.
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.logRequests)

	r.Get("/healthz", s.handleHealth)
	r.Handle("/metrics", promhttp.HandlerFor(s.metrics, promhttp.HandlerOpts{}))

	r.Route("/flows", func(r chi.Router) {
		r.Post("/", s.handleCreateFlow)
		r.Route("/{flowId}", func(r chi.Router) {
			r.Get("/", s.handleGetFlow)
			r.Put("/graph", s.handleUpdateGraph)
			r.Post("/versions", s.handleCreateVersion)
		})
	})

	r.Post("/runs/{flowId}", s.handleStartRun)
	r.Get("/runs/{runId}", s.handleGetRun)

	r.Post("/callback/{runId}/{nodeId}", s.handleCallback)
	r.Post("/complete/{runId}/{nodeId}", s.handleComplete)
	r.Post("/retry/{runId}/{nodeId}", s.handleRetry)

	return r
}

// logRequests emits one structured line per request.
func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"request_id", middleware.GetReqID(r.Context()))
	})
}
