// Package admin serves the operator HTTP endpoint of eosns: health,
// namespace status, Prometheus metrics, online compaction and file checks.
package admin

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/synnove/eos/internal/logger"
)

// Config holds the listener settings.
type Config struct {
	Listen       string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// Server wraps the admin router in an http.Server.
type Server struct {
	server       *http.Server
	cfg          Config
	shutdownOnce sync.Once
}

// NewServer creates a stopped server. Call Start to serve.
func NewServer(cfg Config, deps Deps) *Server {
	return &Server{
		server: &http.Server{
			Addr:              cfg.Listen,
			Handler:           NewRouter(deps),
			ReadTimeout:       cfg.ReadTimeout,
			ReadHeaderTimeout: cfg.ReadTimeout,
			WriteTimeout:      cfg.WriteTimeout,
		},
		cfg: cfg,
	}
}

// Start listens and blocks until ctx is cancelled or serving fails.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Listen)
	if err != nil {
		return fmt.Errorf("admin listen: %w", err)
	}
	return s.Serve(ctx, ln)
}

// Serve is Start on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	errChan := make(chan error, 1)
	go func() {
		logger.Info("Admin server listening", "address", ln.Addr().String())
		if err := s.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			errChan <- err
		}
	}()

	select {
	case <-ctx.Done():
		// ctx is already cancelled, shutdown needs its own deadline.
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.Stop(shutdownCtx)
	case err := <-errChan:
		return fmt.Errorf("admin server failed: %w", err)
	}
}

// Stop shuts the server down. Safe to call more than once.
func (s *Server) Stop(ctx context.Context) error {
	var shutdownErr error
	s.shutdownOnce.Do(func() {
		if err := s.server.Shutdown(ctx); err != nil {
			shutdownErr = fmt.Errorf("admin server shutdown: %w", err)
			logger.Error("Admin server shutdown error", logger.KeyError, err)
			return
		}
		logger.Info("Admin server stopped")
	})
	return shutdownErr
}
