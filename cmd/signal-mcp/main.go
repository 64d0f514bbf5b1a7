// Package main provides the MCP entry point of the signal engine. It needs
// no external services: reviews are kept in SQLite under the data directory
// and the counts cache is in memory unless a Redis URL is set.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/ae-signal-engine/internal/config"
	"github.com/ae-signal-engine/internal/domain"
	"github.com/ae-signal-engine/internal/mcp"
	"github.com/ae-signal-engine/internal/review"
	"github.com/ae-signal-engine/internal/service"
	"github.com/ae-signal-engine/internal/setup"
	"github.com/ae-signal-engine/internal/stats"
)

func main() {
	root := &cobra.Command{
		Use:           setup.BinaryName,
		Short:         "Adverse-event signal engine MCP server (stdio)",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve(cmd.Context())
		},
	}
	root.AddCommand(setup.NewCommand())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func serve(ctx context.Context) error {
	cfg := config.LoadLiteConfig()

	// stdout carries the protocol, so logs go to stderr
	logger, closeLog, err := config.NewLogger(cfg.Logging())
	if err != nil {
		return err
	}
	defer closeLog()

	if err := cfg.EnsureDataDir(); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	cache, closeCache, err := stats.NewCountsCacheFromConfig(cfg.Cache(), logger)
	if err != nil {
		return err
	}
	defer closeCache()

	reviews, err := review.NewSQLiteStore(cfg.ReviewDBPath())
	if err != nil {
		return fmt.Errorf("failed to open review store: %w", err)
	}

	svc := service.NewSignalService(logger, cfg.Engine(), cache, nil)
	if cfg.ArchiveDir != "" {
		if _, err := svc.IngestDirectory(ctx, cfg.ArchiveDir); err != nil {
			logger.WithError(err).WithField("dir", cfg.ArchiveDir).Error("Initial ingestion failed")
		}
	}

	server, err := mcp.NewServer(domain.MCPConfig{ServerName: "ae-signal-engine", ServerVersion: "1.0.0"}, svc,
		mcp.WithLogger(logger),
		mcp.WithReviewStore(reviews),
		mcp.WithExportDir(cfg.ExportDir()),
	)
	if err != nil {
		reviews.Close()
		return err
	}
	defer server.Close()

	logger.WithField("data_dir", cfg.DataDir).Info("Starting signal MCP server")
	return server.Run(ctx)
}
