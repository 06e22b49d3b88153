package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/FresHHerB/api-gpu-sub002/internal/clients/runpod"
	"github.com/FresHHerB/api-gpu-sub002/internal/clients/webhook"
	"github.com/FresHHerB/api-gpu-sub002/internal/common"
	"github.com/FresHHerB/api-gpu-sub002/internal/executors"
	"github.com/FresHHerB/api-gpu-sub002/internal/server"
	"github.com/FresHHerB/api-gpu-sub002/internal/services/orchestrator"
	"github.com/FresHHerB/api-gpu-sub002/internal/storage"
)

func main() {
	common.LoadVersionFromFile()

	config, err := common.LoadConfig(os.Getenv("APIGPU_CONFIG"), "config.toml")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger := common.NewLogger(config.Logging.Level)
	clock := clockwork.NewRealClock()

	common.PrintBanner(config, logger)

	store, err := storage.NewJobStore(logger, config, clock)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to open job store")
	}
	defer store.Close()

	endpoint := runpod.NewClient(
		config.Endpoint.BaseURL,
		config.Endpoint.APIKey,
		runpod.WithLogger(logger),
		runpod.WithRateLimit(config.Endpoint.RateLimit),
		runpod.WithTimeout(config.Endpoint.GetTimeout()),
	)

	transport := webhook.NewTransport(webhook.WithLogger(logger))

	workDir := os.Getenv("APIGPU_WORK_DIR")
	if workDir == "" {
		workDir = os.TempDir()
	}
	registry := executors.NewDefaultRegistry(logger, workDir)

	promReg := prometheus.NewRegistry()

	orch := orchestrator.New(store, endpoint, registry, transport, logger, config, clock, promReg)
	orch.Start()

	jobs := orchestrator.NewService(orch)

	srv := server.NewServer(jobs, endpoint, store, config, logger, promReg)

	shutdownChan := make(chan struct{}, 1)
	srv.SetShutdownChannel(shutdownChan)

	go func() {
		if err := srv.Start(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("HTTP server failed")
		}
	}()

	logger.Info().
		Str("url", fmt.Sprintf("http://localhost:%d", config.Server.Port)).
		Msg("Server ready")

	// Wait for interrupt signal or shutdown request
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	select {
	case <-sigChan:
		logger.Info().Msg("Shutdown signal received")
	case <-shutdownChan:
		logger.Info().Msg("Shutdown requested via API")
	}

	// Graceful shutdown: stop accepting requests, then drain the orchestrator.
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logger.Error().Err(err).Msg("HTTP server shutdown failed")
	}

	orch.Stop()
	common.PrintShutdownBanner(logger)
}
