package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/vyrodovalexey/avagate/internal/observability"
)

// ginModeOnce keeps gin.SetMode out of concurrent test setup.
var ginModeOnce sync.Once

func newEngine() *gin.Engine {
	ginModeOnce.Do(func() {
		gin.SetMode(gin.ReleaseMode)
	})
	return gin.New()
}

// Config holds listener settings for one server.
type Config struct {
	Address      string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

// DefaultIdleTimeout applies when Config.IdleTimeout is zero.
const DefaultIdleTimeout = 120 * time.Second

// Server runs an http.Handler on one listener.
type Server struct {
	name    string
	cfg     Config
	handler http.Handler
	logger  observability.Logger

	mu       sync.Mutex
	srv      *http.Server
	listener net.Listener
	done     chan error
}

// New creates a named server. The name only labels log lines.
func New(name string, cfg Config, handler http.Handler, logger observability.Logger) *Server {
	if logger == nil {
		logger = observability.NopLogger()
	}
	if cfg.IdleTimeout == 0 {
		cfg.IdleTimeout = DefaultIdleTimeout
	}
	return &Server{
		name:    name,
		cfg:     cfg,
		handler: handler,
		logger:  logger.With(observability.String("server", name)),
	}
}

// Start binds the listener and serves in the background. A bind failure
// is returned immediately.
func (s *Server) Start(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.srv != nil {
		return fmt.Errorf("%s server already running", s.name)
	}

	ln, err := net.Listen("tcp", s.cfg.Address)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.Address, err)
	}

	s.listener = ln
	s.srv = &http.Server{
		Handler:           s.handler,
		ReadTimeout:       s.cfg.ReadTimeout,
		ReadHeaderTimeout: s.cfg.ReadTimeout,
		WriteTimeout:      s.cfg.WriteTimeout,
		IdleTimeout:       s.cfg.IdleTimeout,
	}
	s.done = make(chan error, 1)

	s.logger.Info("starting HTTP server",
		observability.String("address", ln.Addr().String()),
	)

	srv, done := s.srv, s.done
	go func() {
		err := srv.Serve(ln)
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		if err != nil {
			s.logger.Error("HTTP server failed", observability.Error(err))
		}
		done <- err
	}()
	return nil
}

// Addr returns the bound address, or "" before Start.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Stop drains in-flight requests until ctx ends.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	srv, done := s.srv, s.done
	s.srv = nil
	s.mu.Unlock()

	if srv == nil {
		return nil
	}

	s.logger.Info("stopping HTTP server")
	if err := srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown %s server: %w", s.name, err)
	}
	return <-done
}
