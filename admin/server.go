package admin

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/pprof"
	"time"

	"github.com/rs/zerolog/log"
)

// Server serves the admin API, pprof and optionally /metrics on one listener
type Server struct {
	httpServer *http.Server
	listener   net.Listener
}

// NewServer builds the mux; metricsHandler may be nil
func NewServer(handlers *AdminHandlers, secret string, metricsHandler http.Handler) *Server {
	mux := http.NewServeMux()

	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)

	if metricsHandler != nil {
		mux.Handle("/metrics", metricsHandler)
		log.Info().Msg("Metrics endpoint enabled at /metrics")
	}

	RegisterRoutes(mux, handlers, secret)

	return &Server{
		httpServer: &http.Server{
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		},
	}
}

// Handler exposes the mux, mainly for tests
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start listens on address and serves in the background
func (s *Server) Start(address string) error {
	listener, err := net.Listen("tcp", address)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", address, err)
	}
	s.listener = listener

	go func() {
		if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("Admin HTTP server failed")
		}
	}()

	log.Info().Str("address", listener.Addr().String()).Msg("Admin server listening")
	return nil
}

// Addr returns the bound address once started
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Stop shuts the server down gracefully
func (s *Server) Stop(ctx context.Context) error {
	log.Info().Msg("Stopping admin server")
	return s.httpServer.Shutdown(ctx)
}
