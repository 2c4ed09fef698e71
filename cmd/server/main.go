// Package main is the entry point for the Warden control plane. It wires
// the billing, metering, fleet and ops subsystems, starts the background
// workers and serves the admin API, the agent channel and the payment
// webhook until it receives a shutdown signal.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/wardenhq/warden/internal/config"
	"github.com/wardenhq/warden/internal/di"
	"github.com/wardenhq/warden/internal/server"
	"github.com/wardenhq/warden/pkg/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		// Use a fallback logger so the configuration error is still logged.
		fallbackLog := logger.New(logger.Config{Level: "info", Pretty: true})
		fallbackLog.Fatal().Err(err).Msg("Failed to load configuration")
	}

	log := logger.New(logger.Config{
		Level:  cfg.LogLevel,
		Pretty: cfg.DevMode,
	})
	logger.SetGlobalLogger(log)

	log.Info().Msg("Starting Warden control plane")

	container, err := di.Wire(cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to wire dependencies")
	}
	defer container.Close()

	srv := server.New(container)

	// Background workers. The meter emitter flushes its WAL batches, the
	// dispatcher drains the notification queue, the sweeper marks stale
	// nodes unhealthy and the scheduler runs the cron jobs.
	container.Emitter.Start()
	container.Dispatcher.Start()
	container.Sweeper.Start()
	container.Scheduler.Start()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("Shutdown signal received")

		container.Sweeper.Stop()
		container.Dispatcher.Stop()
		container.Scheduler.Stop()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		log.Error().Err(err).Msg("Shutdown finished with error")
		container.Close()
		os.Exit(1)
	}

	log.Info().Msg("Warden stopped")
}
