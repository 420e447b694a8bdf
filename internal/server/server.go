package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/resolvd-ai/resolvd/internal/broker"
)

// Server is the resolvd HTTP server.
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
type ServerConfig struct {
	// Required dependencies.
	Store     Store
	Keys      KeyLookup
	Approvals ApprovalResolver
	Publisher broker.Publisher
	Logger    *slog.Logger

	// HTTP server settings.
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	Version      string
}

// New creates a new HTTP server with all routes configured.
func New(cfg ServerConfig) *Server {
	h := &Handlers{
		store:     cfg.Store,
		approvals: cfg.Approvals,
		publisher: cfg.Publisher,
		version:   cfg.Version,
	}

	mux := http.NewServeMux()

	// Ingestion: publishes a pipeline message, never writes the log directly.
	mux.Handle("POST /v1/exceptions", http.HandlerFunc(h.HandleRaiseException))

	// Read projections over the event log.
	mux.Handle("GET /v1/exceptions", http.HandlerFunc(h.HandleListExceptions))
	mux.Handle("GET /v1/exceptions/{exception_id}", http.HandlerFunc(h.HandleGetException))
	mux.Handle("GET /v1/exceptions/{exception_id}/events", http.HandlerFunc(h.HandleGetEvents))
	mux.Handle("GET /v1/exceptions/{exception_id}/steps", http.HandlerFunc(h.HandleGetSteps))
	mux.Handle("GET /v1/exceptions/{exception_id}/executions", http.HandlerFunc(h.HandleGetToolExecutions))

	// Human approval surface.
	mux.Handle("GET /v1/approvals", http.HandlerFunc(h.HandleListApprovals))
	mux.Handle("POST /v1/approvals/{ticket_id}", http.HandlerFunc(h.HandleResolveApproval))

	// Operator surface for parked messages.
	mux.Handle("GET /v1/deadletters", http.HandlerFunc(h.HandleListDeadLetters))

	// Health (no auth).
	mux.HandleFunc("GET /health", h.HandleHealth)

	// Middleware chain (outermost executes first):
	// request ID → logging → auth → recovery → handler.
	var handler http.Handler = mux
	handler = recoveryMiddleware(cfg.Logger, handler)
	handler = authMiddleware(cfg.Keys, cfg.Logger, handler)
	handler = loggingMiddleware(cfg.Logger, handler)
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
