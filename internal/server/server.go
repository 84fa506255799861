package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/quorumlabs/quorum/internal/auth"
	"github.com/quorumlabs/quorum/internal/billing"
	"github.com/quorumlabs/quorum/internal/debate"
	"github.com/quorumlabs/quorum/internal/ledger"
	"github.com/quorumlabs/quorum/internal/ratelimit"
	"github.com/quorumlabs/quorum/internal/storage"
)

// Server is the Quorum HTTP server.
type Server struct {
	httpServer *http.Server
	handler    http.Handler
	handlers   *Handlers
	logger     *slog.Logger
}

// Handler returns the root HTTP handler for use in tests.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// ServerConfig holds all dependencies and configuration for creating a Server.
// Optional fields (nil-safe): BillingSvc, UserLimiter.
type ServerConfig struct {
	// Required dependencies.
	DB           *storage.DB
	JWTMgr       *auth.JWTManager
	Orchestrator *debate.Orchestrator
	Ledger       *ledger.Ledger
	Logger       *slog.Logger

	// Optional dependencies (nil = disabled).
	BillingSvc  *billing.Service
	UserLimiter ratelimit.Limiter

	// HTTP server settings.
	Port                int
	ReadTimeout         time.Duration
	WriteTimeout        time.Duration
	Version             string
	MaxRequestBodyBytes int64
	AdminKeyHash        string
}

// New creates a new HTTP server with all routes configured.
func New(cfg ServerConfig) *Server {
	h := NewHandlers(HandlersDeps{
		DB:                  cfg.DB,
		JWTMgr:              cfg.JWTMgr,
		Orchestrator:        cfg.Orchestrator,
		Ledger:              cfg.Ledger,
		BillingSvc:          cfg.BillingSvc,
		Logger:              cfg.Logger,
		Version:             cfg.Version,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
		AdminKeyHash:        cfg.AdminKeyHash,
	})

	userLimiter := cfg.UserLimiter
	if userLimiter == nil {
		userLimiter = ratelimit.NoopLimiter{}
	}
	paced := func(next http.HandlerFunc) http.Handler {
		return userRateLimitMiddleware(userLimiter, next)
	}

	mux := http.NewServeMux()

	// Token minting (admin-key guarded, no JWT).
	mux.HandleFunc("POST /v1/auth/token", h.HandleMintToken)

	// Debates.
	mux.Handle("POST /v1/debates", paced(h.HandleStartDebate))
	mux.HandleFunc("GET /v1/debates/{message_id}", h.HandleGetDebate)
	mux.HandleFunc("GET /v1/threads/{thread_id}/debate", h.HandleGetThreadDebate)
	mux.HandleFunc("GET /v1/threads/{thread_id}/messages", h.HandleListThreadMessages)

	// Model catalog.
	mux.HandleFunc("GET /v1/models", h.HandleListModels)

	// Usage and budget.
	mux.HandleFunc("GET /v1/usage", h.HandleUsage)
	mux.HandleFunc("POST /v1/usage/reup", h.HandleReUp)

	// Billing (webhook is unauthenticated; Stripe signs the payload).
	mux.HandleFunc("POST /v1/billing/checkout", h.HandleBillingCheckout)
	mux.HandleFunc("POST /v1/billing/portal", h.HandleBillingPortal)
	mux.HandleFunc("POST /webhooks/stripe", h.HandleBillingWebhook)

	// Health (no auth, no rate limit).
	mux.HandleFunc("GET /health", h.HandleHealth)

	// Middleware chain (outermost executes first):
	// request ID → security headers → tracing → logging → auth → recovery → handler.
	var handler http.Handler = mux
	handler = recoveryMiddleware(cfg.Logger, handler)
	handler = authMiddleware(cfg.JWTMgr, handler)
	handler = loggingMiddleware(cfg.Logger, handler)
	handler = tracingMiddleware(handler)
	handler = securityHeadersMiddleware(handler)
	handler = requestIDMiddleware(handler)

	return &Server{
		httpServer: &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Port),
			Handler:      handler,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
		},
		handler:  handler,
		handlers: h,
		logger:   cfg.Logger,
	}
}

// Start begins serving HTTP requests.
func (s *Server) Start() error {
	s.logger.Info("http server starting", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("http server shutting down")
	return s.httpServer.Shutdown(ctx)
}
