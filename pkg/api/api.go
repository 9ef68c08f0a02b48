package api

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/ethpandaops/reportvault/pkg/auth"
	"github.com/ethpandaops/reportvault/pkg/config"
	"github.com/ethpandaops/reportvault/pkg/lifecycle"
	"github.com/ethpandaops/reportvault/pkg/metrics"
	"github.com/sirupsen/logrus"
)

const shutdownTimeout = 10 * time.Second

// Server exposes the API HTTP server lifecycle.
type Server interface {
	Start(ctx context.Context) error
	Stop() error
}

// Compile-time interface check.
var _ Server = (*server)(nil)

type server struct {
	log          logrus.FieldLogger
	cfg          *config.Config
	stack        *lifecycle.Stack
	svc          *lifecycle.Service
	tokens       *auth.Tokens
	maxBodyBytes int64
	httpServer   *http.Server
	wg           sync.WaitGroup
	done         chan struct{}
}

// NewServer creates a new API server.
func NewServer(
	log logrus.FieldLogger,
	cfg *config.Config,
) Server {
	return &server{
		log:  log.WithField("component", "api"),
		cfg:  cfg,
		done: make(chan struct{}),
	}
}

// Start opens the lifecycle stack and starts the HTTP server.
func (s *server) Start(ctx context.Context) error {
	maxBody, err := s.cfg.MaxBodyBytes()
	if err != nil {
		return err
	}

	s.maxBodyBytes = maxBody
	s.tokens = auth.NewTokens(s.cfg.Auth.JWTSecret, s.cfg.Auth.UserIDClaim)

	if s.cfg.Server.Metrics {
		metrics.Register()
	}

	stack, err := lifecycle.Open(ctx, s.log, s.cfg)
	if err != nil {
		return err
	}

	s.stack = stack
	s.svc = stack.Service

	// Build router and start HTTP server.
	router := s.buildRouter()

	s.httpServer = &http.Server{
		Addr:              s.cfg.Server.Listen,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Bind the listener synchronously so we fail fast on port conflicts.
	ln, err := net.Listen("tcp", s.cfg.Server.Listen)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.cfg.Server.Listen, err)
	}

	// Start HTTP server.
	s.wg.Add(1)

	go func() {
		defer s.wg.Done()

		s.log.WithField("listen", s.cfg.Server.Listen).
			Info("API server starting")

		if err := s.httpServer.Serve(ln); err != nil &&
			err != http.ErrServerClosed {
			s.log.WithError(err).Error("HTTP server error")
		}
	}()

	return nil
}

// Stop gracefully shuts down the HTTP server, then drains pending side
// effects and closes the publisher and the store.
func (s *server) Stop() error {
	close(s.done)

	if s.httpServer != nil {
		ctx, cancel := context.WithTimeout(
			context.Background(), shutdownTimeout,
		)
		defer cancel()

		if err := s.httpServer.Shutdown(ctx); err != nil {
			s.log.WithError(err).Warn("HTTP server shutdown error")
		}
	}

	s.wg.Wait()

	if s.stack != nil {
		if err := s.stack.Close(); err != nil {
			return err
		}
	}

	s.log.Info("API server stopped")

	return nil
}
