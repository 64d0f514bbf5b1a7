package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/ae-signal-engine/internal/cluster"
	"github.com/ae-signal-engine/internal/domain"
	"github.com/ae-signal-engine/internal/ingest"
	"github.com/ae-signal-engine/internal/metrics"
	"github.com/ae-signal-engine/internal/scoring"
	"github.com/ae-signal-engine/internal/stats"
	"github.com/ae-signal-engine/internal/trend"
)

// Snapshot is one ingested, immutable case set together with the calculator
// that answers disproportionality queries over it.
type Snapshot struct {
	Dataset    *stats.Dataset
	Calculator *stats.Calculator
	Summary    *domain.IngestionSummary
	LoadedAt   time.Time
}

// SignalDetail is the full view of a single signal.
type SignalDetail struct {
	Signal  domain.PrioritizedSignal `json:"signal"`
	CaseIDs []string                 `json:"case_ids"`
}

// Analysis bundles every engine output for one snapshot.
type Analysis struct {
	Run        *domain.ScoringRun      `json:"run"`
	Duplicates *domain.DuplicateResult `json:"duplicates"`
	Clusters   []domain.ClusterResult  `json:"clusters"`
	Trends     []domain.TrendResult    `json:"trends"`
}

// SignalService runs the signal-detection pipeline: ingestion, scoring,
// clustering, duplicate detection and trend analysis. Engine components are
// stateless; the service only holds the latest snapshot so that transports
// can serve queries against it.
type SignalService struct {
	logger     *logrus.Logger
	cfg        domain.EngineConfig
	joiner     *ingest.Joiner
	scorer     *scoring.Scorer
	clusterer  *cluster.Clusterer
	duplicates *cluster.DuplicateDetector
	trends     *trend.Analyzer
	cache      *stats.CountsCache
	runs       domain.SignalRunRepository

	current   atomic.Pointer[Snapshot]
	statsMu   sync.Mutex
	lastStats stats.CacheStats
}

// NewSignalService creates a new signal service. cache and runs may be nil.
func NewSignalService(
	logger *logrus.Logger,
	cfg domain.EngineConfig,
	cache *stats.CountsCache,
	runs domain.SignalRunRepository,
) *SignalService {
	return &SignalService{
		logger:     logger,
		cfg:        cfg,
		joiner:     ingest.NewJoiner(cfg.Ingest),
		scorer:     scoring.NewScorer(cfg),
		clusterer:  cluster.NewClusterer(cfg),
		duplicates: cluster.NewDuplicateDetector(cfg.Duplicates),
		trends:     trend.NewAnalyzer(cfg.Trend),
		cache:      cache,
		runs:       runs,
	}
}

// Config returns the engine configuration of the service.
func (s *SignalService) Config() domain.EngineConfig {
	return s.cfg
}

// Current returns the latest snapshot, or ErrNoDataset.
func (s *SignalService) Current() (*Snapshot, error) {
	snap := s.current.Load()
	if snap == nil {
		return nil, domain.ErrNoDataset
	}
	return snap, nil
}

// Ingest joins raw tables into a new snapshot and makes it current. A
// cancelled join is not published; its partial summary is still returned.
func (s *SignalService) Ingest(ctx context.Context, tables ingest.Tables) (*Snapshot, error) {
	return s.ingest(ctx, tables, nil)
}

// IngestDirectory reads an archive directory and ingests it. Rows the reader
// could not split into fields are reported as skipped rows.
func (s *SignalService) IngestDirectory(ctx context.Context, dir string) (*Snapshot, error) {
	s.logger.WithField("dir", dir).Info("Loading case archive")

	tables, readErrs, err := ingest.LoadDirectory(dir, ingest.ReadOptions{Aliases: s.joiner.Aliases()})
	if err != nil {
		return nil, fmt.Errorf("failed to load archive: %w", err)
	}
	return s.ingest(ctx, tables, readErrs)
}

func (s *SignalService) ingest(ctx context.Context, tables ingest.Tables, readErrs []domain.ParseError) (snap *Snapshot, err error) {
	start := time.Now()
	defer func() { metrics.RecordOperation("ingest", err, time.Since(start)) }()

	res, err := s.joiner.Join(ctx, tables)
	if res != nil {
		s.mergeReadErrors(res.Summary, readErrs)
	}
	if err != nil {
		if res != nil && errors.Is(err, domain.ErrCancellationRequested) {
			s.logger.WithField("cases", len(res.Cases)).Warn("Ingestion cancelled")
			return &Snapshot{Summary: res.Summary}, err
		}
		s.logger.WithError(err).Error("Ingestion failed")
		return nil, err
	}

	ds, err := stats.NewDataset(res.Cases, s.cfg.Stats)
	if err != nil {
		s.logger.WithError(err).WithField("summary", ingest.Summarize(res.Summary)).Error("Ingestion produced no cases")
		return &Snapshot{Summary: res.Summary}, err
	}

	snap = &Snapshot{
		Dataset:    ds,
		Calculator: stats.NewCalculator(ds, s.cache, s.cfg.Stats),
		Summary:    res.Summary,
		LoadedAt:   time.Now().UTC(),
	}
	s.current.Store(snap)

	metrics.RecordIngestion(kindCounts(res.Summary.RowsRead), kindCounts(res.Summary.RowsSkipped), ds.TotalCases())
	s.logger.WithFields(logrus.Fields{
		"dataset_version": ds.Version(),
		"cases":           ds.TotalCases(),
		"rows_read":       totalRows(res.Summary.RowsRead),
		"rows_skipped":    res.Summary.TotalSkipped(),
		"cases_dropped":   res.Summary.CasesDropped(),
		"fallback":        res.Summary.FallbackUsed,
		"duration":        time.Since(start),
	}).Info("Case archive ingested")
	return snap, nil
}

// mergeReadErrors counts rows the reader rejected as read and skipped, so that
// skipped never exceeds read for any table.
func (s *SignalService) mergeReadErrors(summary *domain.IngestionSummary, readErrs []domain.ParseError) {
	limit := s.cfg.Ingest.MaxParseErrors
	for _, e := range readErrs {
		summary.RowsRead[e.Kind]++
		summary.RowsSkipped[e.Kind]++
		if limit <= 0 || len(summary.ParseErrors) < limit {
			summary.ParseErrors = append(summary.ParseErrors, e)
		}
	}
}

// RankSignals scores and ranks every signal of the snapshot. Completed runs
// are handed to the run repository when one is configured; a failing
// repository does not fail the run.
func (s *SignalService) RankSignals(ctx context.Context, snap *Snapshot) (run *domain.ScoringRun, err error) {
	start := time.Now()
	defer func() { metrics.RecordOperation("rank", err, time.Since(start)) }()

	run, err = s.scorer.Score(ctx, snap.Dataset, snap.Calculator)
	run.RunID = uuid.New().String()
	run.CreatedAt = time.Now().UTC()
	s.recordCacheStats()

	fields := logrus.Fields{
		"run_id":          run.RunID,
		"dataset_version": run.DatasetVersion,
		"signals":         len(run.Signals),
		"skipped":         run.Skipped,
		"duration":        time.Since(start),
	}
	if err != nil {
		s.logger.WithFields(fields).WithError(err).Warn("Signal scoring cancelled")
		return run, err
	}
	s.logger.WithFields(fields).Info("Signals ranked")
	metrics.RecordScoringRun(len(run.Signals))

	if s.runs != nil {
		if saveErr := s.runs.SaveRun(ctx, run); saveErr != nil {
			s.logger.WithError(saveErr).WithField("run_id", run.RunID).Warn("Failed to persist scoring run")
		}
	}
	return run, nil
}

// Run returns a persisted scoring run with all of its signals.
func (s *SignalService) Run(ctx context.Context, runID string) (*domain.ScoringRun, error) {
	if s.runs == nil {
		return nil, domain.ErrNoRunStore
	}
	return s.runs.GetRun(ctx, runID)
}

// RunSignals returns the top signals of a persisted run in composite order.
// A non-positive limit returns all of them.
func (s *SignalService) RunSignals(ctx context.Context, runID string, limit int) ([]domain.PrioritizedSignal, error) {
	if s.runs == nil {
		return nil, domain.ErrNoRunStore
	}
	return s.runs.ListSignals(ctx, runID, limit)
}

// PruneRuns deletes persisted runs created before cutoff.
func (s *SignalService) PruneRuns(ctx context.Context, cutoff time.Time) (int64, error) {
	if s.runs == nil {
		return 0, domain.ErrNoRunStore
	}
	n, err := s.runs.DeleteRunsBefore(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	s.logger.WithFields(logrus.Fields{"cutoff": cutoff, "deleted": n}).Info("Scoring runs pruned")
	return n, nil
}

// SignalDetail scores a single signal and lists its cases. A key that never
// occurs still yields a detail with undefined ratios.
func (s *SignalService) SignalDetail(ctx context.Context, snap *Snapshot, key domain.SignalKey) (*SignalDetail, error) {
	key, err := normalizeKey(key)
	if err != nil {
		return nil, err
	}
	sig := s.scorer.ScoreKey(ctx, snap.Dataset, snap.Calculator, key)
	cases := snap.Dataset.CasesFor(key)
	ids := make([]string, len(cases))
	for i, c := range cases {
		ids[i] = c.CaseID
	}
	return &SignalDetail{Signal: sig, CaseIDs: ids}, nil
}

// ClusterSignal partitions the cases of one signal into k subgroups; k <= 0
// uses the configured default.
func (s *SignalService) ClusterSignal(ctx context.Context, snap *Snapshot, key domain.SignalKey, k int) (domain.ClusterResult, error) {
	key, err := normalizeKey(key)
	if err != nil {
		return domain.ClusterResult{}, err
	}
	if err := ctx.Err(); err != nil {
		return domain.ClusterResult{Key: key, Clusters: []domain.ClusterAssignment{}}, domain.CancelledError(err)
	}
	res := s.clusterer.Cluster(key, snap.Dataset.CasesFor(key), k)
	s.logger.WithFields(logrus.Fields{
		"signal":     key.String(),
		"clusters":   len(res.Clusters),
		"iterations": res.Iterations,
	}).Debug("Signal clustered")
	return res, nil
}

// ClusterSignals clusters several signals in parallel.
func (s *SignalService) ClusterSignals(ctx context.Context, snap *Snapshot, keys []domain.SignalKey, k int) ([]domain.ClusterResult, error) {
	signals := make([]cluster.SignalCases, 0, len(keys))
	for _, key := range keys {
		key, err := normalizeKey(key)
		if err != nil {
			return nil, err
		}
		signals = append(signals, cluster.SignalCases{Key: key, Cases: snap.Dataset.CasesFor(key)})
	}
	return s.clusterer.ClusterMany(ctx, signals, k)
}

// FindDuplicates scans the whole snapshot for duplicate case submissions.
func (s *SignalService) FindDuplicates(ctx context.Context, snap *Snapshot) (res *domain.DuplicateResult, err error) {
	start := time.Now()
	defer func() { metrics.RecordOperation("duplicates", err, time.Since(start)) }()

	res, err = s.duplicates.Detect(ctx, snap.Dataset.Cases())
	fields := logrus.Fields{
		"groups":         len(res.Groups),
		"pairs_compared": res.PairsCompared,
		"blocks_skipped": res.BlocksSkipped,
		"duration":       time.Since(start),
	}
	if err != nil {
		s.logger.WithFields(fields).WithError(err).Warn("Duplicate scan cancelled")
		return res, err
	}
	metrics.RecordDuplicateScan(len(res.Groups))
	s.logger.WithFields(fields).Info("Duplicate scan completed")
	return res, nil
}

// SignalTrend buckets the cases of one signal over time and flags anomalous
// buckets. An empty width uses the configured default.
func (s *SignalService) SignalTrend(ctx context.Context, snap *Snapshot, key domain.SignalKey, width domain.BucketWidth) (domain.TrendResult, error) {
	key, err := normalizeKey(key)
	if err != nil {
		return domain.TrendResult{}, err
	}
	if err := ctx.Err(); err != nil {
		return domain.TrendResult{Key: key}, domain.CancelledError(err)
	}
	return s.trends.Analyze(key, snap.Dataset.CasesFor(key), width)
}

// Analyze runs scoring and the duplicate scan in parallel, then clusters and
// trends the top signals of the ranking.
func (s *SignalService) Analyze(ctx context.Context, snap *Snapshot, top int) (*Analysis, error) {
	out := &Analysis{}

	var g errgroup.Group
	g.Go(func() error {
		run, err := s.RankSignals(ctx, snap)
		out.Run = run
		return err
	})
	g.Go(func() error {
		dups, err := s.FindDuplicates(ctx, snap)
		out.Duplicates = dups
		return err
	})
	if err := g.Wait(); err != nil {
		return out, err
	}

	signals := out.Run.Signals
	if top > 0 && len(signals) > top {
		signals = signals[:top]
	}
	keys := make([]domain.SignalKey, len(signals))
	for i, sig := range signals {
		keys[i] = sig.Key
	}

	clusters, err := s.ClusterSignals(ctx, snap, keys, 0)
	out.Clusters = clusters
	if err != nil {
		return out, err
	}

	out.Trends = make([]domain.TrendResult, 0, len(keys))
	for _, key := range keys {
		tr, err := s.SignalTrend(ctx, snap, key, "")
		if err != nil {
			return out, err
		}
		out.Trends = append(out.Trends, tr)
	}
	return out, nil
}

// CacheStats returns the counts-cache counters, or zero when no cache is
// configured.
func (s *SignalService) CacheStats() stats.CacheStats {
	if s.cache == nil {
		return stats.CacheStats{}
	}
	return s.cache.Stats()
}

func (s *SignalService) recordCacheStats() {
	if s.cache == nil {
		return
	}
	s.statsMu.Lock()
	defer s.statsMu.Unlock()
	now := s.cache.Stats()
	metrics.RecordCacheDelta(
		now.MemoryHits-s.lastStats.MemoryHits,
		now.RemoteHits-s.lastStats.RemoteHits,
		now.Misses-s.lastStats.Misses,
		now.RemoteErrors-s.lastStats.RemoteErrors,
	)
	s.lastStats = now
}

// normalizeKey applies the ingestion term normalization to a caller-supplied
// key so that lookups match the stored drug and reaction names.
func normalizeKey(key domain.SignalKey) (domain.SignalKey, error) {
	if err := key.Validate(); err != nil {
		return key, err
	}
	return domain.SignalKey{
		Drug:     ingest.NormalizeTerm(key.Drug),
		Reaction: ingest.NormalizeTerm(key.Reaction),
	}, nil
}

func kindCounts(m map[domain.TableKind]int) map[string]int {
	out := make(map[string]int, len(m))
	for k, v := range m {
		out[string(k)] = v
	}
	return out
}

func totalRows(m map[domain.TableKind]int) int {
	total := 0
	for _, v := range m {
		total += v
	}
	return total
}
