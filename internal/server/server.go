// Package server assembles the HTTP surface: local analytics and health
// routes first, the recording forwarder as the catch-all.
package server

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/llmtap/llmtap/internal/proxy"
	"github.com/llmtap/llmtap/internal/stats"
	"go.uber.org/zap"
)

// Server wraps the net/http server and its routing table.
type Server struct {
	httpServer *http.Server
	logger     *zap.Logger
}

// NewRouter builds the routing table. Exact-path local routes win over the
// catch-all forwarder; everything else, including unknown /api/ paths, is
// proxied.
func NewRouter(forwarder http.Handler, statsHandler *stats.Handler) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/stats/hourly", statsHandler.Hourly)
	mux.HandleFunc("/api/stats/daily", statsHandler.Daily)
	mux.HandleFunc("/health", handleHealth)
	mux.Handle("/", forwarder)
	return mux
}

// New builds the server around the router.
func New(addr string, forwarder *proxy.Forwarder, statsHandler *stats.Handler, logger *zap.Logger) *Server {
	mux := NewRouter(forwarder, statsHandler)

	return &Server{
		httpServer: &http.Server{
			Addr:    addr,
			Handler: mux,
			// No WriteTimeout: long-lived SSE responses must not be cut off.
			ReadHeaderTimeout: 10 * time.Second,
			IdleTimeout:       120 * time.Second,
		},
		logger: logger,
	}
}

// Start blocks serving requests until Shutdown is called or the listener
// fails.
func (s *Server) Start() error {
	s.logger.Info("server listening", zap.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests until the context expires.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("server shutting down")
	return s.httpServer.Shutdown(ctx)
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}
