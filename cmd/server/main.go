// Package main is the entry point of the signal engine HTTP service.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"

	"github.com/ae-signal-engine/internal/api"
	"github.com/ae-signal-engine/internal/config"
	"github.com/ae-signal-engine/internal/database"
	"github.com/ae-signal-engine/internal/domain"
	"github.com/ae-signal-engine/internal/repository"
	"github.com/ae-signal-engine/internal/review"
	"github.com/ae-signal-engine/internal/service"
	"github.com/ae-signal-engine/internal/stats"
)

func main() {
	configFile := flag.String("config", "", "path to the configuration file")
	flag.Parse()

	// Load configuration
	configManager, err := config.NewManager(*configFile)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	// Validate configuration
	if err := configManager.Validate(); err != nil {
		log.Fatalf("Configuration validation failed: %v", err)
	}

	cfg := configManager.GetConfig()
	logger, closeLog, err := config.NewLogger(cfg.Logging)
	if err != nil {
		log.Fatalf("Failed to configure logging: %v", err)
	}
	defer closeLog()

	// Setup graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		logger.Info("Shutdown signal received, gracefully shutting down...")
		cancel()
	}()

	if err := run(ctx, configManager, logger); err != nil {
		logger.WithError(err).Fatal("Server failed")
	}
	logger.Info("Server stopped")
}

func run(ctx context.Context, configManager *config.Manager, logger *logrus.Logger) error {
	cfg := configManager.GetConfig()

	cache, closeCache, err := stats.NewCountsCacheFromConfig(cfg.Cache, logger)
	if err != nil {
		return err
	}
	defer closeCache()

	// Scoring runs are persisted only when a database is configured
	var runs domain.SignalRunRepository
	if cfg.Database.Enabled {
		if err := database.MigrateUp(ctx, configManager.GetDatabaseURL(), cfg.Database.MigrationsPath, logger); err != nil {
			return err
		}
		db, err := database.NewConnection(ctx, cfg.Database, logger)
		if err != nil {
			return err
		}
		defer db.Close()
		runs = repository.NewSignalRunRepository(db.Pool, logger)
	}

	reviews, err := review.NewStore(cfg.Review)
	if err != nil {
		return err
	}
	defer reviews.Close()

	svc := service.NewSignalService(logger, cfg.Engine, cache, runs)
	if cfg.Archive.Dir != "" {
		if _, err := svc.IngestDirectory(ctx, cfg.Archive.Dir); err != nil {
			// The API still starts; ingestion can be retried over HTTP
			logger.WithError(err).WithField("dir", cfg.Archive.Dir).Error("Initial ingestion failed")
		}
	}

	logger.WithFields(logrus.Fields{
		"host":     cfg.Server.Host,
		"port":     cfg.Server.Port,
		"database": cfg.Database.Enabled,
		"reviews":  cfg.Review.Driver,
	}).Info("Starting signal engine API")

	server := api.NewServer(configManager, svc, reviews, logger)
	return server.Start(ctx)
}
