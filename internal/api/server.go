// Package api is the bridge's read-only operations HTTP server.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"github.com/procomm/phonebridge/internal/api/middleware"
	"github.com/procomm/phonebridge/internal/database/models"
	"github.com/procomm/phonebridge/internal/engine"
	"github.com/procomm/phonebridge/internal/line"
)

// LineReader is the engine surface the ops server reads.
type LineReader interface {
	Lines() []line.Snapshot
	GetLine(lineID int) (line.Snapshot, error)
	Health() engine.Health
}

// CallLog lists recorded calls.
type CallLog interface {
	List(ctx context.Context, lineID, limit int) ([]models.CallRecord, error)
}

// Server holds HTTP handler dependencies and the chi router.
type Server struct {
	router   *chi.Mux
	lines    LineReader
	calls    CallLog
	gatherer prometheus.Gatherer
	limiter  *middleware.ClientLimiter
	logger   *slog.Logger
}

// NewServer creates the HTTP handler with all routes mounted. calls and
// gatherer may be nil, in which case their routes answer 503 and 404.
func NewServer(lines LineReader, calls CallLog, gatherer prometheus.Gatherer, logger *slog.Logger) *Server {
	s := &Server{
		router:   chi.NewRouter(),
		lines:    lines,
		calls:    calls,
		gatherer: gatherer,
		limiter:  middleware.NewClientLimiter(rate.Limit(20), 40, 10*time.Minute),
		logger:   logger.With("component", "api"),
	}

	s.routes()
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Run prunes the rate limiter until ctx is cancelled.
func (s *Server) Run(ctx context.Context) {
	s.limiter.Run(ctx, 5*time.Minute)
}

// routes configures all middleware and mounts all route groups.
func (s *Server) routes() {
	r := s.router

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.RequestLogger(s.logger))
	r.Use(middleware.Recoverer(s.logger))

	r.Get("/healthz", s.handleHealth)
	if s.gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.RateLimit(s.limiter, s.logger))

		r.Get("/health", s.handleHealth)
		r.Route("/lines", func(r chi.Router) {
			r.Get("/", s.handleListLines)
			r.Get("/{id}", s.handleGetLine)
		})
		r.Get("/calls", s.handleListCalls)
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	})

	s.logger.Info("api routes mounted")
}
