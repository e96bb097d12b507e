package telemetry

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"tradecore/internal/core"
)

// Server exposes /metrics plus any extra operational handlers (such as
// /healthz) on one listener.
type Server struct {
	addr   string
	logger core.ILogger
	mux    *http.ServeMux
	srv    *http.Server
}

// NewServer creates the operational HTTP server bound to addr.
func NewServer(addr string, logger core.ILogger) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	return &Server{
		addr:   addr,
		logger: logger.WithField("component", "telemetry_server"),
		mux:    mux,
	}
}

// Handle mounts an extra handler; must be called before Start.
func (s *Server) Handle(pattern string, h http.Handler) {
	s.mux.Handle(pattern, h)
}

// Start serves in the background until Stop.
func (s *Server) Start() {
	s.srv = &http.Server{
		Addr:    s.addr,
		Handler: s.mux,
	}

	go func() {
		s.logger.Info("Starting telemetry server", "addr", s.addr)
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("Telemetry server failed", "error", err)
		}
	}()
}

// Stop gracefully stops the server.
func (s *Server) Stop(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	s.logger.Info("Stopping telemetry server")
	return s.srv.Shutdown(ctx)
}
