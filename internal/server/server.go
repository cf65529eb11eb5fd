// Package server exposes the marketplace over HTTP and websocket.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/alanyoungcy/iotmart/internal/domain"
	"github.com/alanyoungcy/iotmart/internal/server/handler"
	"github.com/alanyoungcy/iotmart/internal/server/middleware"
	"github.com/alanyoungcy/iotmart/internal/server/ws"
)

// Config holds the HTTP server configuration.
type Config struct {
	Addr        string
	CORSOrigins []string
	APIKey      string // if empty, authentication is disabled

	// RateLimit and WriteRateLimit are per-client budgets per RateWindow.
	// They only apply when a limiter is passed to NewServer.
	RateLimit      int
	WriteRateLimit int
	RateWindow     time.Duration

	// WriteTimeout bounds a whole response; workflow requests wait for
	// ledger confirmation inside it.
	WriteTimeout time.Duration
}

// Handlers aggregates all HTTP handlers that the server needs to register.
type Handlers struct {
	Health   *handler.HealthHandler
	Listings *handler.ListingHandler
	Market   *handler.MarketHandler
	History  *handler.HistoryHandler
}

// Server is the HTTP + WebSocket API server of the marketplace.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
}

// NewServer creates a Server with all routes registered. limiter and wsHub
// may be nil.
func NewServer(cfg Config, handlers Handlers, wsHub *ws.Hub, limiter domain.RateLimiter, logger *slog.Logger) *Server {
	logger = logger.With(slog.String("component", "server"))

	h := cors(cfg, auth(cfg, rateLimit(cfg, limiter, logger, Routes(handlers, wsHub))))
	h = middleware.Logging(logger)(h)

	writeTimeout := cfg.WriteTimeout
	if writeTimeout <= 0 {
		writeTimeout = 3 * time.Minute
	}
	return &Server{
		httpServer: &http.Server{
			Addr:              cfg.Addr,
			Handler:           h,
			ReadHeaderTimeout: 5 * time.Second,
			ReadTimeout:       15 * time.Second,
			WriteTimeout:      writeTimeout,
			IdleTimeout:       60 * time.Second,
		},
		logger: logger,
	}
}

// Routes registers every endpoint on a new ServeMux.
func Routes(handlers Handlers, wsHub *ws.Hub) *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/health", handlers.Health.HealthCheck)

	mux.HandleFunc("GET /api/listings", handlers.Listings.ListListings)
	mux.HandleFunc("POST /api/listings", handlers.Listings.CreateListing)
	mux.HandleFunc("POST /api/listings/refresh", handlers.Listings.Refresh)
	mux.HandleFunc("GET /api/listings/{id}", handlers.Listings.GetListing)
	mux.HandleFunc("POST /api/listings/{id}/verify", handlers.Listings.VerifyListing)

	mux.HandleFunc("GET /api/stats", handlers.Market.GetStats)
	mux.HandleFunc("GET /api/notice", handlers.Market.GetNotice)
	mux.HandleFunc("GET /api/contract/availability", handlers.Market.GetAvailability)

	mux.HandleFunc("GET /api/history", handlers.History.ListHistory)

	if wsHub != nil {
		mux.HandleFunc("GET /ws", wsHub.HandleWS)
	}
	return mux
}

func cors(cfg Config, next http.Handler) http.Handler {
	return middleware.CORS(cfg.CORSOrigins)(next)
}

func auth(cfg Config, next http.Handler) http.Handler {
	return middleware.Auth(cfg.APIKey, "/api/health")(next)
}

func rateLimit(cfg Config, limiter domain.RateLimiter, logger *slog.Logger, next http.Handler) http.Handler {
	if limiter == nil {
		return next
	}
	window := cfg.RateWindow
	if window <= 0 {
		window = time.Minute
	}
	return middleware.RateLimit(limiter, cfg.RateLimit, cfg.WriteRateLimit, window, logger)(next)
}

// Handler returns the root handler including middleware.
func (s *Server) Handler() http.Handler { return s.httpServer.Handler }

// Start begins listening for HTTP requests. It blocks until the server
// encounters an error or is shut down.
func (s *Server) Start() error {
	s.logger.Info("starting", slog.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server: listen: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the server, waiting for in-flight requests
// to complete within the given context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	return nil
}
