package api

import (
	"context"
	"net/http"
	"time"

	"github.com/ignite/automation-engine/internal/config"
)

// Server is the control API HTTP server.
type Server struct {
	config  config.ServerConfig
	handler http.Handler
	server  *http.Server
}

// NewServer builds the router from h and opts. AllowedOrigins defaults to
// the server config when opts leaves it empty.
func NewServer(cfg config.ServerConfig, h *Handlers, opts RouterOptions) *Server {
	if len(opts.AllowedOrigins) == 0 {
		opts.AllowedOrigins = cfg.AllowedOrigins
	}
	return &Server{config: cfg, handler: SetupRoutes(h, opts)}
}

// ListenAndServe starts the HTTP server on the configured address.
func (s *Server) ListenAndServe() error {
	s.server = &http.Server{
		Addr:              s.config.Addr(),
		Handler:           s.handler,
		ReadTimeout:       30 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	log.Info("api listening", "addr", s.server.Addr)
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// Handler returns the HTTP handler for testing.
func (s *Server) Handler() http.Handler {
	return s.handler
}
