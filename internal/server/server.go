// Package server provides the admin HTTP server of the rdmarm daemon.
//
// Routes:
//
//	GET /health                  detailed component health
//	GET /health/live             liveness probe
//	GET /health/ready            readiness probe
//	GET /metrics                 Prometheus metrics
//	GET /api/v1/status           resource manager snapshot
//	GET /api/v1/pool             queue pool statistics
//	GET /api/v1/pool/classes/{key}  free list of one class, head first
//	GET /api/v1/nodes            known peers
//	GET /api/v1/nodes/{index}    one peer
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/piwi3910/rdmarm/internal/health"
	"github.com/piwi3910/rdmarm/internal/metrics"
	"github.com/piwi3910/rdmarm/internal/rdma"
)

// Server is the admin server of a resource manager.
type Server struct {
	manager *rdma.Manager
	checker *health.Checker
	http    *http.Server
	router  chi.Router
}

// New creates an admin server listening on port.
func New(port int, manager *rdma.Manager, checker *health.Checker) *Server {
	s := &Server{
		manager: manager,
		checker: checker,
	}

	s.router = s.routes()
	s.http = &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      s.router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	return s
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(metricsMiddleware)

	healthHandler := health.NewHandler(s.checker)
	r.Get("/health", healthHandler.DetailedHandler)
	r.Get("/health/live", healthHandler.LivenessHandler)
	r.Get("/health/ready", healthHandler.ReadinessHandler)

	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/status", s.handleStatus)
		r.Get("/pool", s.handlePool)
		r.Get("/pool/classes/{key}", s.handleFreeList)
		r.Get("/nodes", s.handleNodes)
		r.Get("/nodes/{index}", s.handleNode)
	})

	return r
}

// Handler returns the router, for tests and embedding.
func (s *Server) Handler() http.Handler { return s.router }

// Name identifies the server to the shutdown coordinator.
func (s *Server) Name() string { return "admin" }

// Start serves until ctx is cancelled or the listener fails.
func (s *Server) Start(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Info().Str("addr", s.http.Addr).Msg("Starting admin server")

		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("admin server error: %w", err)
		}

		return nil
	})

	g.Go(func() error {
		<-ctx.Done()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		return s.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

// Shutdown stops the server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.manager.Status())
}

func (s *Server) handlePool(w http.ResponseWriter, _ *http.Request) {
	pool := s.manager.Pool()
	if pool == nil {
		writeError(w, http.StatusServiceUnavailable, rdma.ErrNotOpen)
		return
	}

	writeJSON(w, http.StatusOK, pool.Stats())
}

func (s *Server) handleFreeList(w http.ResponseWriter, r *http.Request) {
	key, err := strconv.ParseUint(chi.URLParam(r, "key"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid class key: %w", err))
		return
	}

	pool := s.manager.Pool()
	if pool == nil {
		writeError(w, http.StatusServiceUnavailable, rdma.ErrNotOpen)
		return
	}

	free := pool.FreeList(key)
	out := make([]string, 0, len(free))

	for _, qp := range free {
		out = append(out, qp.String())
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"class_key": key,
		"free":      out,
	})
}

func (s *Server) handleNodes(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.manager.Directory().Nodes())
}

func (s *Server) handleNode(w http.ResponseWriter, r *http.Request) {
	index, err := strconv.Atoi(chi.URLParam(r, "index"))
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid node index: %w", err))
		return
	}

	node, err := s.manager.Directory().Node(index)
	if err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}

	writeJSON(w, http.StatusOK, node)
}

func metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		route := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}

		metrics.RecordRequest(r.Method, route, ww.Status(), time.Since(start))

		log.Debug().
			Str("method", r.Method).
			Str("route", route).
			Int("status", ww.Status()).
			Dur("duration", time.Since(start)).
			Msg("Admin request")
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)

	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Debug().Err(err).Msg("Failed to write admin response")
	}
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}
