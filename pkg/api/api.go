// Package api serves the liveness endpoint, prometheus metrics and a small
// status document for operators.
package api

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/ethpandaops/engine-controller/pkg/config"
	"github.com/ethpandaops/engine-controller/pkg/settings"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

const shutdownTimeout = 10 * time.Second

// Server exposes the management HTTP server lifecycle.
type Server interface {
	Start(ctx context.Context) error
	Stop() error
}

// Compile-time interface check.
var _ Server = (*server)(nil)

type server struct {
	log          logrus.FieldLogger
	cfg          *config.ServerConfig
	controllerID string
	gatherer     prometheus.Gatherer
	settings     settings.Provider
	started      time.Time
	httpServer   *http.Server
	listener     net.Listener
	wg           sync.WaitGroup
}

// NewServer creates the management server. Metrics are served from
// gatherer.
func NewServer(
	log logrus.FieldLogger,
	cfg *config.ServerConfig,
	controllerID string,
	gatherer prometheus.Gatherer,
	provider settings.Provider,
) Server {
	return &server{
		log:          log.WithField("component", "api"),
		cfg:          cfg,
		controllerID: controllerID,
		gatherer:     gatherer,
		settings:     provider,
	}
}

// Start binds the listener and serves in the background.
func (s *server) Start(_ context.Context) error {
	s.started = time.Now()

	s.httpServer = &http.Server{
		Addr:              s.cfg.Listen,
		Handler:           s.buildRouter(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Bind the listener synchronously so we fail fast on port conflicts.
	ln, err := net.Listen("tcp", s.cfg.Listen)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.cfg.Listen, err)
	}

	s.listener = ln

	s.wg.Add(1)

	go func() {
		defer s.wg.Done()

		s.log.WithField("listen", ln.Addr().String()).
			Info("Management server starting")

		if err := s.httpServer.Serve(ln); err != nil &&
			err != http.ErrServerClosed {
			s.log.WithError(err).Error("HTTP server error")
		}
	}()

	return nil
}

// Stop gracefully shuts down the HTTP server.
func (s *server) Stop() error {
	if s.httpServer == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := s.httpServer.Shutdown(ctx); err != nil {
		s.log.WithError(err).Warn("HTTP server shutdown error")
	}

	s.wg.Wait()

	return nil
}
