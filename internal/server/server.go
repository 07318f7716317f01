package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/alanyoungcy/tradeagent/internal/domain"
	"github.com/alanyoungcy/tradeagent/internal/server/handler"
	"github.com/alanyoungcy/tradeagent/internal/server/middleware"
	"github.com/alanyoungcy/tradeagent/internal/server/ws"
)

// Config holds the HTTP server configuration.
type Config struct {
	Port        int
	CORSOrigins []string
	APIKey      string // if empty, authentication is disabled
	// RateLimit is requests per RateWindow per client IP. Zero disables it.
	RateLimit  int
	RateWindow time.Duration
}

// Handlers aggregates all HTTP handlers that the server needs to register.
// Any nil handler leaves its routes unregistered.
type Handlers struct {
	Health    *handler.HealthHandler
	Status    *handler.StatusHandler
	Bots      *handler.BotHandler
	Positions *handler.PositionHandler
	Portfolio *handler.PortfolioHandler
	Prices    *handler.PriceHandler
	Events    *handler.EventHandler
	Archive   *handler.ArchiveHandler
	Audit     *handler.AuditHandler
}

// Server is the headless HTTP + WebSocket API server for the trading agent.
type Server struct {
	httpServer *http.Server
	mux        *http.ServeMux
	logger     *slog.Logger
}

// publicPaths skip authentication.
var publicPaths = []string{"/api/health", "/metrics"}

// NewServer creates a new Server with all routes registered on the ServeMux.
// It wires up middleware (rate limit, auth, logging, CORS) and attaches the
// WebSocket hub.
func NewServer(cfg Config, handlers Handlers, wsHub *ws.Hub, limiter domain.RateLimiter, logger *slog.Logger) *Server {
	logger = logger.With(slog.String("component", "server"))
	mux := http.NewServeMux()

	if handlers.Health != nil {
		mux.HandleFunc("GET /api/health", handlers.Health.HealthCheck)
	}
	mux.Handle("GET /metrics", promhttp.Handler())

	if handlers.Status != nil {
		mux.HandleFunc("GET /api/status", handlers.Status.GetStatus)
	}

	// Bot management.
	if h := handlers.Bots; h != nil {
		mux.HandleFunc("GET /api/bots", h.ListBots)
		mux.HandleFunc("POST /api/bots", h.CreateBot)
		mux.HandleFunc("GET /api/bots/{id}", h.GetBot)
		mux.HandleFunc("POST /api/bots/{id}/activate", h.ActivateBot)
		mux.HandleFunc("POST /api/bots/{id}/pause", h.PauseBot)
		mux.HandleFunc("POST /api/bots/{id}/resume", h.ResumeBot)
		mux.HandleFunc("POST /api/bots/{id}/halt", h.HaltBot)
	}

	// Positions.
	if h := handlers.Positions; h != nil {
		mux.HandleFunc("GET /api/bots/{id}/positions", h.ListOpen)
		mux.HandleFunc("GET /api/bots/{id}/positions/history", h.ListHistory)
		mux.HandleFunc("POST /api/bots/{id}/positions/{pid}/close", h.ClosePosition)
		mux.HandleFunc("POST /api/bots/{id}/positions/{pid}/review/clear", h.ClearReview)
		mux.HandleFunc("GET /api/positions/{id}", h.GetPosition)
	}

	// Portfolio read model.
	if h := handlers.Portfolio; h != nil {
		mux.HandleFunc("GET /api/bots/{id}/summary", h.Summary)
		mux.HandleFunc("GET /api/bots/{id}/trades", h.Trades)
		mux.HandleFunc("GET /api/bots/{id}/equity", h.Equity)
	}

	if handlers.Prices != nil {
		mux.HandleFunc("GET /api/prices", handlers.Prices.GetPrices)
	}
	if handlers.Events != nil {
		mux.HandleFunc("GET /api/events", handlers.Events.ListEvents)
	}
	if handlers.Audit != nil {
		mux.HandleFunc("GET /api/audit", handlers.Audit.ListAudit)
	}
	if handlers.Archive != nil {
		mux.HandleFunc("GET /api/archive", handlers.Archive.ListArchive)
		mux.HandleFunc("POST /api/archive/trigger", handlers.Archive.TriggerArchive)
	}

	if wsHub != nil {
		mux.HandleFunc("GET /ws", wsHub.HandleWS)
	}

	window := cfg.RateWindow
	if window <= 0 {
		window = time.Minute
	}

	// Build the middleware chain. The outermost layer runs first.
	var h http.Handler = mux
	h = middleware.RateLimit(limiter, cfg.RateLimit, window, logger, publicPaths...)(h)
	h = middleware.Auth(cfg.APIKey, publicPaths...)(h)
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
		mux:        mux,
		logger:     logger,
	}
}

// Handler returns the fully wrapped HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start begins listening for HTTP requests. It blocks until the server
// encounters an error or is shut down.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("server: listen: %w", err)
	}
	return s.Serve(ln)
}

// Serve accepts connections on ln until the server is shut down.
func (s *Server) Serve(ln net.Listener) error {
	s.logger.Info("server: starting",
		slog.String("addr", ln.Addr().String()),
	)
	if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server: serve: %w", err)
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
