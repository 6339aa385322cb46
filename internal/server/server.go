package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/mintbay/marketd/internal/domain"
	"github.com/mintbay/marketd/internal/server/handler"
	"github.com/mintbay/marketd/internal/server/middleware"
	"github.com/mintbay/marketd/internal/server/ws"
)

// Config holds the HTTP server configuration.
type Config struct {
	Port        int
	CORSOrigins []string

	// RequireSignatures rejects mutating requests without a valid
	// personal-sign signature. When false, unsigned requests fall back to
	// the caller address claimed in the body.
	RequireSignatures bool

	// RateLimit caps requests per client IP per minute. Zero disables the
	// HTTP-level limiter.
	RateLimit int
}

// Handlers aggregates all HTTP handlers that the server needs to register.
type Handlers struct {
	Health      *handler.HealthHandler
	Tokens      *handler.TokenHandler
	Listings    *handler.ListingHandler
	Withdrawals *handler.WithdrawalHandler
	Ops         *handler.OpsHandler
}

// Server is the HTTP + WebSocket API surface of the marketplace ledger.
type Server struct {
	httpServer *http.Server
	mux        *http.ServeMux
	logger     *slog.Logger
}

// NewServer creates a new Server with all routes registered on the ServeMux.
// It wires up middleware (signature auth, rate limiting, logging, CORS) and
// attaches the WebSocket hub.
func NewServer(cfg Config, handlers Handlers, wsHub *ws.Hub, limiter domain.RateLimiter, logger *slog.Logger) *Server {
	mux := http.NewServeMux()

	// --- Register routes ---

	// Health check (no auth required).
	mux.HandleFunc("GET /api/health", handlers.Health.HealthCheck)

	// Token endpoints.
	mux.HandleFunc("POST /api/tokens", handlers.Tokens.MintToken)
	mux.HandleFunc("GET /api/tokens/{id}", handlers.Tokens.GetToken)
	mux.HandleFunc("POST /api/tokens/{id}/approve", handlers.Tokens.ApproveToken)
	mux.HandleFunc("POST /api/approvals", handlers.Tokens.SetApprovalForAll)
	mux.HandleFunc("GET /api/accounts/{addr}/balance", handlers.Tokens.GetBalance)

	// Listing endpoints. The fee route must come before the {id} route so the
	// mux does not treat "fee" as a listing id.
	mux.HandleFunc("GET /api/listings/fee", handlers.Listings.GetFee)
	mux.HandleFunc("GET /api/listings", handlers.Listings.ListListings)
	mux.HandleFunc("GET /api/listings/{id}", handlers.Listings.GetListing)
	mux.HandleFunc("POST /api/listings", handlers.Listings.CreateListing)
	mux.HandleFunc("PUT /api/listings/{id}/price", handlers.Listings.UpdatePrice)
	mux.HandleFunc("POST /api/listings/{id}/buy", handlers.Listings.BuyListing)
	mux.HandleFunc("POST /api/listings/resell", handlers.Listings.ResellListing)

	// Withdrawal endpoint.
	mux.HandleFunc("POST /api/withdrawals", handlers.Withdrawals.Withdraw)

	// Operational reads: stats, audit trail, durable event catch-up.
	mux.HandleFunc("GET /api/stats", handlers.Ops.GetStats)
	mux.HandleFunc("GET /api/audit", handlers.Ops.GetAuditTrail)
	mux.HandleFunc("GET /api/events/{channel}", handlers.Ops.GetEvents)

	// WebSocket endpoint.
	if wsHub != nil {
		mux.HandleFunc("GET /ws", wsHub.HandleWS)
	}

	// Build the middleware chain.
	var h http.Handler = mux

	h = middleware.SignatureAuth(cfg.RequireSignatures)(h)

	if limiter != nil && cfg.RateLimit > 0 {
		h = middleware.RateLimit(limiter, cfg.RateLimit, time.Minute)(h)
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
