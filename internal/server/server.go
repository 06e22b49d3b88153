// Package server exposes the job orchestrator over a REST API.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/FresHHerB/api-gpu-sub002/internal/common"
	"github.com/FresHHerB/api-gpu-sub002/internal/interfaces"
)

// Server wraps the HTTP server and the services the handlers call into.
type Server struct {
	jobs         interfaces.JobService
	endpoint     interfaces.RemoteEndpoint
	store        interfaces.JobStore
	config       *common.Config
	logger       *common.Logger
	registry     *prometheus.Registry
	server       *http.Server
	shutdownChan chan struct{}
}

// SetShutdownChannel sets the channel that will be signaled when HTTP shutdown is requested.
func (s *Server) SetShutdownChannel(ch chan struct{}) {
	s.shutdownChan = ch
}

// NewServer creates a new HTTP REST API server.
func NewServer(
	jobs interfaces.JobService,
	endpoint interfaces.RemoteEndpoint,
	store interfaces.JobStore,
	config *common.Config,
	logger *common.Logger,
	registry *prometheus.Registry,
) *Server {
	s := &Server{
		jobs:     jobs,
		endpoint: endpoint,
		store:    store,
		config:   config,
		logger:   logger,
		registry: registry,
	}

	mux := http.NewServeMux()
	s.registerRoutes(mux)

	handler := applyMiddleware(mux, logger)

	s.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", config.Server.Host, config.Server.Port),
		Handler:      handler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

// Handler returns the HTTP handler for testing.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

// Start starts the HTTP server (blocking).
func (s *Server) Start() error {
	s.logger.Info().
		Str("addr", s.server.Addr).
		Msg("Starting REST API server")
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}
