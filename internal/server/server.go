package server

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"
)

type Server struct {
	srv *http.Server
}

// New creates a server. The baseCtx is used as the base context for all
// incoming requests (via BaseContext) so in-flight batch work stops promptly
// during graceful shutdown. WriteTimeout leaves headroom above the
// orchestrator window: the handler must finish persisting state first.
func New(baseCtx context.Context, port string, mux http.Handler, window time.Duration) *Server {
	return &Server{
		srv: &http.Server{
			Addr:    fmt.Sprintf(":%s", port),
			Handler: mux,
			BaseContext: func(_ net.Listener) context.Context {
				return baseCtx
			},
			ReadTimeout:  15 * time.Second,
			WriteTimeout: window + 30*time.Second,
			IdleTimeout:  120 * time.Second,
		},
	}
}

func (s *Server) Start() error {
	slog.Info("starting server", "addr", s.srv.Addr)
	return s.srv.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	slog.Info("shutting down server")
	return s.srv.Shutdown(ctx)
}
