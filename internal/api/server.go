package api

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"

	"github.com/eleven-am/weft/internal/domain"
)

// Server runs the HTTP API until Shutdown.
type Server struct {
	config   domain.APIConfig
	server   *http.Server
	listener net.Listener
	logger   *slog.Logger
}

func NewServer(config domain.APIConfig, handler http.Handler, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		config: config,
		server: &http.Server{
			Addr:         config.Addr,
			Handler:      handler,
			ReadTimeout:  config.ReadTimeout,
			WriteTimeout: config.WriteTimeout,
		},
		logger: logger.With("component", "http"),
	}
}

// Start binds the listener and serves in the background. Serve errors other
// than a clean shutdown are sent on the returned channel.
func (s *Server) Start() (<-chan error, error) {
	listener, err := net.Listen("tcp", s.config.Addr)
	if err != nil {
		return nil, domain.NewInternalError("failed to bind http listener", err)
	}
	s.listener = listener

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http server listening", "addr", listener.Addr().String())
		if err := s.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	return errCh, nil
}

// Addr is the bound address, useful when listening on port 0.
func (s *Server) Addr() string {
	if s.listener == nil {
		return s.config.Addr
	}
	return s.listener.Addr().String()
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.config.ShutdownTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.config.ShutdownTimeout)
		defer cancel()
	}

	s.logger.Info("shutting down http server")
	return s.server.Shutdown(ctx)
}
