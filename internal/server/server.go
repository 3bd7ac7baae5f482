// Package server exposes the read-only HTTP and WebSocket API over the
// aggregation engine.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/liquiditylab/aggbook/internal/domain"
	"github.com/liquiditylab/aggbook/internal/server/handler"
	"github.com/liquiditylab/aggbook/internal/server/middleware"
	"github.com/liquiditylab/aggbook/internal/server/ws"
)

// Config holds the HTTP server configuration.
type Config struct {
	Port        int
	CORSOrigins []string
	APIKey      string // if empty, authentication is disabled

	// RateLimiter, when set, throttles API requests per client IP.
	RateLimiter domain.RateLimiter
	RateLimit   int
	RateWindow  time.Duration
}

// Handlers aggregates the HTTP handlers the server registers.
type Handlers struct {
	Health    *handler.HealthHandler
	Status    *handler.StatusHandler
	Book      *handler.BookHandler
	Aggregate *handler.AggregateHandler
	Crossings *handler.CrossingHandler
	Archive   *handler.ArchiveHandler // optional; archive mode components present
	Metrics   http.Handler            // Prometheus exposition
}

// Server is the HTTP + WebSocket API server for the aggregation engine.
type Server struct {
	httpServer *http.Server
	mux        *http.ServeMux
	logger     *slog.Logger
}

// NewServer creates a Server with all routes registered on the ServeMux
// and the middleware chain (rate limit, logging, CORS, auth) wired up.
func NewServer(cfg Config, handlers Handlers, wsHub *ws.Hub, logger *slog.Logger) *Server {
	mux := http.NewServeMux()

	// Health check (no auth required on any read path; only resync and
	// archive triggers mutate state and those check auth below).
	mux.HandleFunc("GET /api/health", handlers.Health.HealthCheck)
	mux.HandleFunc("GET /api/status", handlers.Status.GetStatus)

	// Per-venue book endpoints.
	mux.HandleFunc("GET /api/book/{venue}/depth", handlers.Book.Depth)
	mux.HandleFunc("GET /api/book/{venue}/bbo", handlers.Book.BBO)
	mux.HandleFunc("GET /api/metrics/venues", handlers.Book.VenueMetrics)

	// Aggregate endpoints.
	mux.HandleFunc("GET /api/aggregate/depth", handlers.Aggregate.Depth)
	mux.HandleFunc("GET /api/aggregate/bbo", handlers.Aggregate.BBO)
	mux.Handle("POST /api/aggregate/resync",
		middleware.Auth(cfg.APIKey)(http.HandlerFunc(handlers.Aggregate.Resync)))

	// Crossing history.
	mux.HandleFunc("GET /api/crossings/recent", handlers.Crossings.ListRecent)

	// Archival trigger and archived-object reads.
	if handlers.Archive != nil {
		mux.Handle("POST /api/archive/trigger",
			middleware.Auth(cfg.APIKey)(http.HandlerFunc(handlers.Archive.TriggerArchive)))
		mux.HandleFunc("GET /api/archive/objects", handlers.Archive.ListObjects)
		mux.HandleFunc("GET /api/archive/objects/{key...}", handlers.Archive.GetObject)
	}

	// Prometheus exposition.
	if handlers.Metrics != nil {
		mux.Handle("GET /metrics", handlers.Metrics)
	}

	// WebSocket endpoint.
	if wsHub != nil {
		mux.HandleFunc("GET /ws", wsHub.HandleWS)
	}

	var h http.Handler = mux
	h = middleware.Logging(logger)(h)
	h = middleware.CORS(cfg.CORSOrigins)(h)
	if cfg.RateLimiter != nil && cfg.RateLimit > 0 {
		h = middleware.RateLimit(cfg.RateLimiter, cfg.RateLimit, cfg.RateWindow)(h)
	}

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      h,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return &Server{
		httpServer: srv,
		mux:        mux,
		logger:     logger,
	}
}

// Start begins listening for HTTP requests. It blocks until the server
// encounters an error or is shut down.
func (s *Server) Start() error {
	s.logger.Info("server: starting",
		slog.String("addr", s.httpServer.Addr),
	)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server: listen: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the server, waiting for in-flight requests
// to complete within the given context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("server: shutting down")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	return nil
}
