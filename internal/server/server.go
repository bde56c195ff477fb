package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/alanyoungcy/jankascore/internal/domain"
	"github.com/alanyoungcy/jankascore/internal/server/handler"
	"github.com/alanyoungcy/jankascore/internal/server/middleware"
	"github.com/alanyoungcy/jankascore/internal/server/ws"
)

// Config holds the HTTP server configuration.
type Config struct {
	Port        int
	CORSOrigins []string
	APIKey      string // if empty, authentication is disabled

	// Limiter enables per-client rate limiting when non-nil.
	Limiter    domain.RateLimiter
	RateLimit  int
	RateWindow time.Duration
}

// Handlers aggregates all HTTP handlers that the server needs to register.
type Handlers struct {
	Health    *handler.HealthHandler
	Obligors  *handler.ObligorHandler
	Score     *handler.ScoreHandler
	Borrowers *handler.BorrowerHandler
}

// Server is the HTTP + WebSocket API of the scoring engine.
type Server struct {
	httpServer *http.Server
	handler    http.Handler
	logger     *slog.Logger
}

// NewServer creates a new Server with all routes registered on the ServeMux
// and the middleware chain applied. wsHub may be nil.
func NewServer(cfg Config, handlers Handlers, wsHub *ws.Hub, logger *slog.Logger) *Server {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/health", handlers.Health.HealthCheck)

	mux.HandleFunc("POST /api/score", handlers.Score.Score)

	mux.HandleFunc("GET /api/obligors", handlers.Obligors.ListObligors)
	mux.HandleFunc("GET /api/obligors/{address}", handlers.Obligors.GetObligor)
	mux.HandleFunc("GET /api/obligors/{address}/positions", handlers.Obligors.GetPositions)
	mux.HandleFunc("POST /api/obligors/{address}/events", handlers.Obligors.ApplyEvent)
	mux.HandleFunc("POST /api/obligors/{address}/rebuild", handlers.Obligors.Rebuild)
	mux.HandleFunc("POST /api/obligors/{address}/archive", handlers.Obligors.Archive)
	mux.HandleFunc("GET /api/obligors/{address}/archives", handlers.Obligors.ListArchives)

	if handlers.Borrowers != nil {
		mux.HandleFunc("POST /api/borrowers", handlers.Borrowers.Register)
		mux.HandleFunc("GET /api/borrowers/{address}", handlers.Borrowers.GetBorrower)
		mux.HandleFunc("POST /api/borrowers/{address}/loans", handlers.Borrowers.AddLoan)
		mux.HandleFunc("POST /api/borrowers/{address}/repayments", handlers.Borrowers.Repay)
		mux.HandleFunc("POST /api/borrowers/{address}/liquidations", handlers.Borrowers.Liquidate)
	}

	if wsHub != nil {
		mux.HandleFunc("GET /ws", wsHub.HandleWS)
	}

	// Outermost last: CORS -> logging -> rate limit -> auth -> mux.
	var h http.Handler = mux
	h = middleware.Auth(cfg.APIKey, "/api/health")(h)
	if cfg.Limiter != nil && cfg.RateLimit > 0 {
		h = middleware.RateLimit(cfg.Limiter, cfg.RateLimit, cfg.RateWindow, logger)(h)
	}
	h = middleware.Logging(logger)(h)
	h = middleware.CORS(cfg.CORSOrigins)(h)

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      h,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return &Server{
		httpServer: srv,
		handler:    h,
		logger:     logger,
	}
}

// Handler returns the fully wrapped root handler.
func (s *Server) Handler() http.Handler { return s.handler }

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
