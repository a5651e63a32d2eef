// Package api exposes the bot's read-only HTTP control plane: a
// small set of JSON GET endpoints over the persistence store plus one
// POST /reload that delegates to the reloadable trader config.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"polycopy/internal/config"
)

// Server binds a single local port and serves the control-plane endpoints.
type Server struct {
	cfg      config.DashboardConfig
	handlers *Handlers
	server   *http.Server
	logger   *slog.Logger
}

// NewServer wires the routes and builds the underlying http.Server.
func NewServer(cfg config.DashboardConfig, handlers *Handlers, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", handlers.HandleHealth)
	mux.HandleFunc("/positions", handlers.HandlePositions)
	mux.HandleFunc("/trades", handlers.HandleTrades)
	mux.HandleFunc("/stats", handlers.HandleStats)
	mux.HandleFunc("/reload", handlers.HandleReload)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return &Server{
		cfg:      cfg,
		handlers: handlers,
		server:   server,
		logger:   logger.With("component", "api-server"),
	}
}

// Start blocks serving until the server is stopped or fails.
func (s *Server) Start() error {
	s.logger.Info("control plane starting", "addr", s.server.Addr)
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server error: %w", err)
	}
	return nil
}

// Stop gracefully shuts the server down.
func (s *Server) Stop() error {
	s.logger.Info("stopping control plane")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.server.Shutdown(ctx)
}
