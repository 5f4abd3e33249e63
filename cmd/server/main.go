// Package main is the entry point for the Stellar logistics engine. It keeps
// a network of tritium depots stocked: market snapshots flow in from EDDN and
// the Companion API, the daily tick turns depot state into restock and rescue
// work, and Discord carries the announcements to haulers and depot owners.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/stellarbot/stellar/internal/clients/discord"
	"github.com/stellarbot/stellar/internal/config"
	"github.com/stellarbot/stellar/internal/di"
	"github.com/stellarbot/stellar/internal/server"
	"github.com/stellarbot/stellar/pkg/logger"
)

func main() {
	configPath := os.Getenv("STELLAR_CONFIG")
	if configPath == "" {
		configPath = "config.json"
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		fallbackLog := logger.New(logger.Config{Level: "info", Pretty: true})
		fallbackLog.Fatal().Err(err).Msg("Failed to load configuration")
	}

	log := logger.New(logger.Config{
		Level:  cfg.LogLevel,
		Pretty: cfg.DevMode,
	})

	if cfg.Software.Webhook != "" {
		hook := discord.NewWebhookHook(cfg.Software.Webhook)
		defer hook.Close()
		log = log.Hook(hook)
	}

	log.Info().
		Str("version", cfg.Software.Version).
		Str("tick", cfg.Timings.Tick.String()).
		Msg("Starting Stellar")

	container, err := di.Wire(cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to wire dependencies")
	}
	defer container.Close()

	srv := server.New(server.Config{
		Log:        log,
		Cfg:        cfg,
		Databases:  container.Databases(),
		Depots:     container.DepotService,
		Tasks:      container.TaskService,
		Capi:       container.CapiTracker,
		Stats:      container.Statistics,
		Orch:       container.Orchestrator,
		Dispatcher: container.Dispatcher,
		Ingest:     container.Ingest,
		Backups:    container.BackupService,
		Port:       cfg.Port,
		DevMode:    cfg.DevMode,
	})

	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("HTTP server failed")
		}
	}()
	log.Info().Int("port", cfg.Port).Msg("Server started")

	go container.Dispatcher.Run()
	log.Info().Msg("Intent dispatcher started")

	container.Scheduler.Start()
	log.Info().Msg("Scheduler started")

	if container.EddnListener != nil {
		if err := container.EddnListener.Start(); err != nil {
			log.Warn().Err(err).Msg("EDDN listener failed to connect, retrying in background")
		}
	}

	// Catch up on any boundary missed while the process was down.
	if err := container.Scheduler.RunNow(container.TickJob); err != nil {
		log.Error().Err(err).Msg("Startup tick failed")
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown failed")
	}

	log.Info().Msg("Shutdown complete")
}
