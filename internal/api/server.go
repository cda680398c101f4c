// Package api serves the read-only dashboard: REST endpoints for trades
// and audit events, plus a WebSocket pushing every event as it happens.
// It never mutates engine or exchange state.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"shortbot/internal/config"
	"shortbot/pkg/types"
)

// Server runs the dashboard HTTP/WebSocket endpoint.
type Server struct {
	hub      *Hub
	handlers *Handlers
	server   *http.Server
	logger   *slog.Logger
}

// NewServer wires the routes and the broadcast hub.
func NewServer(cfg *config.Config, provider StateProvider, stream StreamStatus, reader TradeReader, logger *slog.Logger) *Server {
	hub := NewHub(logger)
	handlers := NewHandlers(provider, stream, reader, cfg, hub, logger)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", handlers.HandleHealth)
	mux.HandleFunc("GET /api/snapshot", handlers.HandleSnapshot)
	mux.HandleFunc("GET /api/trades", handlers.HandleTrades)
	mux.HandleFunc("GET /api/trades/{id}", handlers.HandleTrade)
	mux.HandleFunc("GET /api/trades/{id}/events", handlers.HandleTradeEvents)
	mux.HandleFunc("GET /api/events", handlers.HandleEvents)
	mux.HandleFunc("/ws", handlers.HandleWebSocket)

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Dashboard.Host, cfg.Dashboard.Port),
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return &Server{
		hub:      hub,
		handlers: handlers,
		server:   server,
		logger:   logger.With("component", "api-server"),
	}
}

// Start runs the hub and the HTTP listener. Blocks until Stop.
func (s *Server) Start() error {
	go s.hub.Run()
	s.logger.Info("dashboard server starting", "addr", s.server.Addr)
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("dashboard server: %w", err)
	}
	return nil
}

// Stop gracefully shuts the HTTP server down.
func (s *Server) Stop() error {
	s.logger.Info("stopping dashboard server")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.server.Shutdown(ctx)
}

// Broadcast pushes one audit event to all connected clients. Plugs into
// the engine as its event sink.
func (s *Server) Broadcast(ev *types.Event) {
	s.hub.BroadcastEvent(ev)
}
