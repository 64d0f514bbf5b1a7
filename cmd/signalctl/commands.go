package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/ae-signal-engine/internal/config"
	"github.com/ae-signal-engine/internal/database"
	"github.com/ae-signal-engine/internal/domain"
	"github.com/ae-signal-engine/internal/repository"
	"github.com/ae-signal-engine/internal/review"
	"github.com/ae-signal-engine/internal/service"
	"github.com/ae-signal-engine/internal/stats"
)

type app struct {
	configFile string
	archive    string
	compact    bool

	manager *config.Manager
	logger  *logrus.Logger
	closers []func() error
}

func newRootCommand() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:           "signalctl",
		Short:         "Adverse-event signal detection from the command line",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.init()
		},
		PersistentPostRunE: func(cmd *cobra.Command, _ []string) error {
			return a.close()
		},
	}
	root.PersistentFlags().StringVar(&a.configFile, "config", "", "configuration file")
	root.PersistentFlags().StringVar(&a.archive, "archive", "", "archive directory (default: archive.dir from the configuration)")
	root.PersistentFlags().BoolVar(&a.compact, "compact", false, "print compact JSON")

	root.AddCommand(
		a.ingestCommand(),
		a.rankCommand(),
		a.duplicatesCommand(),
		a.trendCommand(),
		a.clusterCommand(),
		a.reviewsCommand(),
		a.runsCommand(),
	)
	return root
}

func (a *app) init() error {
	manager, err := config.NewManager(a.configFile)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	if err := manager.Validate(); err != nil {
		return fmt.Errorf("configuration validation failed: %w", err)
	}
	a.manager = manager

	// stdout is reserved for results
	logCfg := manager.GetConfig().Logging
	if logCfg.Output == "stdout" {
		logCfg.Output = "stderr"
	}
	logger, closeLog, err := config.NewLogger(logCfg)
	if err != nil {
		return err
	}
	a.logger = logger
	a.closers = append(a.closers, closeLog)
	return nil
}

func (a *app) close() error {
	var first error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil && first == nil {
			first = err
		}
	}
	a.closers = nil
	return first
}

// load ingests the archive and returns the service and its snapshot.
func (a *app) load(ctx context.Context) (*service.SignalService, *service.Snapshot, error) {
	cfg := a.manager.GetConfig()
	dir := a.archive
	if dir == "" {
		dir = cfg.Archive.Dir
	}
	if dir == "" {
		return nil, nil, fmt.Errorf("no archive directory: pass --archive or set archive.dir")
	}

	cache, closeCache, err := stats.NewCountsCacheFromConfig(cfg.Cache, a.logger)
	if err != nil {
		return nil, nil, err
	}
	a.closers = append(a.closers, closeCache)

	svc := service.NewSignalService(a.logger, cfg.Engine, cache, nil)
	snap, err := svc.IngestDirectory(ctx, dir)
	if err != nil {
		return nil, nil, err
	}
	return svc, snap, nil
}

func (a *app) print(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	if !a.compact {
		enc.SetIndent("", "  ")
	}
	return enc.Encode(v)
}

func (a *app) ingestCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "ingest",
		Short: "Ingest the archive and print the ingestion summary",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, snap, err := a.load(cmd.Context())
			if err != nil {
				return err
			}
			return a.print(cmd.OutOrStdout(), map[string]any{
				"dataset_version": snap.Dataset.Version(),
				"total_cases":     snap.Dataset.TotalCases(),
				"summary":         snap.Summary,
			})
		},
	}
}

func (a *app) rankCommand() *cobra.Command {
	var (
		limit int
		order string
	)
	cmd := &cobra.Command{
		Use:   "rank",
		Short: "Rank every drug-reaction signal",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if !service.ValidOrder(order) {
				return fmt.Errorf("--order must be %s, %s or %s", service.OrderComposite, service.OrderFrequency, service.OrderElevated)
			}
			svc, snap, err := a.load(cmd.Context())
			if err != nil {
				return err
			}
			run, err := svc.RankSignals(cmd.Context(), snap)
			if err != nil {
				return err
			}
			signals := service.OrderedSignals(run, order)
			if limit > 0 && len(signals) > limit {
				signals = signals[:limit]
			}
			out := *run
			out.Signals = signals
			return a.print(cmd.OutOrStdout(), out)
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 0, "print at most this many signals (0 prints all)")
	cmd.Flags().StringVar(&order, "order", service.OrderComposite, "composite, frequency or elevated")
	return cmd
}

func (a *app) duplicatesCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "duplicates",
		Short: "Find groups of likely duplicate case reports",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			svc, snap, err := a.load(cmd.Context())
			if err != nil {
				return err
			}
			res, err := svc.FindDuplicates(cmd.Context(), snap)
			if err != nil {
				return err
			}
			return a.print(cmd.OutOrStdout(), res)
		},
	}
}

func signalFlags(cmd *cobra.Command, key *domain.SignalKey) {
	cmd.Flags().StringVar(&key.Drug, "drug", "", "suspect drug name")
	cmd.Flags().StringVar(&key.Reaction, "reaction", "", "reaction preferred term")
	_ = cmd.MarkFlagRequired("drug")
	_ = cmd.MarkFlagRequired("reaction")
}

func (a *app) trendCommand() *cobra.Command {
	var (
		key   domain.SignalKey
		width string
	)
	cmd := &cobra.Command{
		Use:   "trend",
		Short: "Bucket the cases of one signal over time and flag anomalies",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			svc, snap, err := a.load(cmd.Context())
			if err != nil {
				return err
			}
			res, err := svc.SignalTrend(cmd.Context(), snap, key, domain.BucketWidth(strings.ToLower(width)))
			if err != nil {
				return err
			}
			return a.print(cmd.OutOrStdout(), res)
		},
	}
	signalFlags(cmd, &key)
	cmd.Flags().StringVar(&width, "width", "", "week, month, quarter or year (default: configured width)")
	return cmd
}

func (a *app) clusterCommand() *cobra.Command {
	var (
		key domain.SignalKey
		k   int
	)
	cmd := &cobra.Command{
		Use:   "cluster",
		Short: "Partition the cases of one signal into risk subgroups",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if k < 0 {
				return fmt.Errorf("--k must not be negative")
			}
			svc, snap, err := a.load(cmd.Context())
			if err != nil {
				return err
			}
			res, err := svc.ClusterSignal(cmd.Context(), snap, key, k)
			if err != nil {
				return err
			}
			return a.print(cmd.OutOrStdout(), res)
		},
	}
	signalFlags(cmd, &key)
	cmd.Flags().IntVar(&k, "k", 0, "number of subgroups (default: configured k)")
	return cmd
}

func (a *app) reviewsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reviews",
		Short: "Export or import duplicate review decisions",
	}

	openStore := func() (review.Store, error) {
		store, err := review.NewStore(a.manager.GetConfig().Review)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, store.Close)
		return store, nil
	}

	var outFile string
	export := &cobra.Command{
		Use:   "export",
		Short: "Write every review as JSON",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			store, err := openStore()
			if err != nil {
				return err
			}
			if outFile == "" {
				return store.ExportJSON(cmd.Context(), cmd.OutOrStdout())
			}
			f, err := os.Create(outFile)
			if err != nil {
				return err
			}
			if err := store.ExportJSON(cmd.Context(), f); err != nil {
				f.Close()
				return err
			}
			return f.Close()
		},
	}
	export.Flags().StringVar(&outFile, "out", "", "output file (default: stdout)")

	importCmd := &cobra.Command{
		Use:   "import FILE",
		Short: "Import reviews exported by another instance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore()
			if err != nil {
				return err
			}
			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer f.Close()
			imported, skipped, err := store.ImportJSON(cmd.Context(), f)
			if err != nil {
				return err
			}
			return a.print(cmd.OutOrStdout(), map[string]int{"imported": imported, "skipped": skipped})
		},
	}

	cmd.AddCommand(export, importCmd)
	return cmd
}

func (a *app) runsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "Maintain persisted scoring runs",
	}

	var before string
	prune := &cobra.Command{
		Use:   "prune",
		Short: "Delete scoring runs created before a cutoff",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cutoff, err := parseCutoff(before, time.Now().UTC())
			if err != nil {
				return err
			}
			cfg := a.manager.GetConfig()
			if !cfg.Database.Enabled {
				return fmt.Errorf("no run store: set database.enabled")
			}
			db, err := database.NewConnection(cmd.Context(), cfg.Database, a.logger)
			if err != nil {
				return err
			}
			a.closers = append(a.closers, func() error { db.Close(); return nil })

			svc := service.NewSignalService(a.logger, cfg.Engine, nil, repository.NewSignalRunRepository(db.Pool, a.logger))
			deleted, err := svc.PruneRuns(cmd.Context(), cutoff)
			if err != nil {
				return err
			}
			return a.print(cmd.OutOrStdout(), map[string]any{"cutoff": cutoff, "deleted": deleted})
		},
	}
	prune.Flags().StringVar(&before, "before", "", "RFC 3339 time, YYYY-MM-DD date, or an age such as 720h")
	_ = prune.MarkFlagRequired("before")

	cmd.AddCommand(prune)
	return cmd
}

// parseCutoff reads an absolute time, a date, or an age relative to now.
func parseCutoff(value string, now time.Time) (time.Time, error) {
	value = strings.TrimSpace(value)
	if t, err := time.Parse(time.RFC3339, value); err == nil {
		return t, nil
	}
	if t, err := time.Parse(time.DateOnly, value); err == nil {
		return t, nil
	}
	if age, err := time.ParseDuration(value); err == nil && age > 0 {
		return now.Add(-age), nil
	}
	return time.Time{}, fmt.Errorf("invalid --before %q: want an RFC 3339 time, a YYYY-MM-DD date or a positive age", value)
}
