package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Server runs the HTTP API as a lifecycle service.
type Server struct {
	// Configuration Fields
	listenAddr      string
	readTimeout     time.Duration
	shutdownTimeout time.Duration

	// Dependencies
	handler http.Handler
	logger  zerolog.Logger

	// Internal state management
	mu         sync.Mutex
	httpServer *http.Server
	listener   net.Listener
	cancel     context.CancelFunc
	wg         sync.WaitGroup
}

// NewServer initializes a new Server.
func NewServer(listenAddr string, readTimeout, shutdownTimeout time.Duration, handler http.Handler, logger zerolog.Logger) *Server {
	if shutdownTimeout <= 0 {
		shutdownTimeout = 10 * time.Second
	}
	return &Server{
		listenAddr:      listenAddr,
		readTimeout:     readTimeout,
		shutdownTimeout: shutdownTimeout,
		handler:         handler,
		logger:          logger.With().Str("component", "http_server").Logger(),
	}
}

// Start binds the listen address and serves in the background.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.httpServer != nil {
		s.logger.Warn().Msg("HTTP server is already running")
		return errors.New("http server is already running")
	}

	listener, err := net.Listen("tcp", s.listenAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.listenAddr, err)
	}

	// Request contexts derive from ctx, so cancelling it ends hijacked
	// websocket sessions that Shutdown does not track.
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.listener = listener
	s.httpServer = &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: s.readTimeout,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	s.wg.Add(1)
	go func(srv *http.Server) {
		defer s.wg.Done()
		if err := srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("HTTP server stopped unexpectedly")
		}
	}(s.httpServer)

	s.logger.Info().Str("addr", listener.Addr().String()).Msg("HTTP server started successfully")
	return nil
}

// Addr returns the bound address, or the configured one before Start.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.listenAddr
}

// Stop closes device sessions and drains in-flight requests.
func (s *Server) Stop() error {
	s.mu.Lock()
	srv := s.httpServer
	cancel := s.cancel
	s.httpServer = nil
	s.listener = nil
	s.cancel = nil
	s.mu.Unlock()

	if srv == nil {
		s.logger.Warn().Msg("HTTP server is not running")
		return errors.New("http server is not running")
	}

	cancel()
	ctx, done := context.WithTimeout(context.Background(), s.shutdownTimeout)
	defer done()
	err := srv.Shutdown(ctx)
	s.wg.Wait()
	if err != nil {
		return fmt.Errorf("failed to shut down http server: %w", err)
	}

	s.logger.Info().Msg("HTTP server stopped successfully")
	return nil
}
