package scoring

import (
	"context"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ae-signal-engine/internal/domain"
	"github.com/ae-signal-engine/internal/stats"
)

// Scorer produces ranked scoring runs over a dataset.
type Scorer struct {
	cfg      domain.ScoringConfig
	statsCfg domain.StatsConfig
}

// NewScorer creates a scorer for the given engine configuration.
func NewScorer(cfg domain.EngineConfig) *Scorer {
	sc := cfg.Scoring
	if sc.Workers <= 0 {
		sc.Workers = 1
	}
	if sc.MinPairCount <= 0 {
		sc.MinPairCount = 1
	}
	return &Scorer{cfg: sc, statsCfg: cfg.Stats}
}

// ReferenceTime returns the instant recency is measured from: the configured
// reference time, or else the latest case date of the dataset.
func (s *Scorer) ReferenceTime(ds *stats.Dataset) time.Time {
	if !s.cfg.ReferenceTime.IsZero() {
		return s.cfg.ReferenceTime
	}
	latest, _ := ds.LatestDate()
	return latest
}

// ScoreKey scores a single signal without ranking it.
func (s *Scorer) ScoreKey(ctx context.Context, ds *stats.Dataset, calc *stats.Calculator, key domain.SignalKey) domain.PrioritizedSignal {
	return s.scoreKey(ctx, ds, calc, key, s.ReferenceTime(ds))
}

func (s *Scorer) scoreKey(ctx context.Context, ds *stats.Dataset, calc *stats.Calculator, key domain.SignalKey, ref time.Time) domain.PrioritizedSignal {
	cases := ds.CasesFor(key)
	comp := Components(s.cfg, cases, ds.TotalCases(), ref)
	return domain.PrioritizedSignal{
		Key:                key,
		Count:              len(cases),
		Disproportionality: calc.Disproportionality(ctx, key),
		Components:         comp,
		CompositeScore:     Composite(comp),
	}
}

// Score scores every observed signal of the dataset and ranks them. Keys are
// scored in parallel. Cancellation is observed between keys: the signals
// scored so far are ranked and returned with Partial set, together with an
// error wrapping ErrCancellationRequested.
func (s *Scorer) Score(ctx context.Context, ds *stats.Dataset, calc *stats.Calculator) (*domain.ScoringRun, error) {
	ref := s.ReferenceTime(ds)
	pairs := ds.Pairs(s.cfg.MinPairCount)

	results := make([]domain.PrioritizedSignal, len(pairs))
	done := make([]bool, len(pairs))

	var g errgroup.Group
	g.SetLimit(s.cfg.Workers)
	for i := range pairs {
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if ctx.Err() != nil {
				return nil
			}
			results[i] = s.scoreKey(ctx, ds, calc, pairs[i].Key, ref)
			done[i] = true
			return nil
		})
	}
	_ = g.Wait()

	run := &domain.ScoringRun{
		DatasetVersion: ds.Version(),
		TotalCases:     ds.TotalCases(),
		ReferenceTime:  ref,
		Signals:        make([]domain.PrioritizedSignal, 0, len(pairs)),
	}
	for i := range pairs {
		if done[i] {
			run.Signals = append(run.Signals, results[i])
		} else {
			run.Skipped++
		}
	}
	Rank(run.Signals)

	if run.Skipped > 0 {
		run.Partial = true
		return run, domain.CancelledError(ctx.Err())
	}
	return run, nil
}

// Rank assigns composite and frequency ranks and leaves signals ordered by
// composite rank. Both orders break ties by higher seriousness, then by key.
func Rank(signals []domain.PrioritizedSignal) {
	sort.SliceStable(signals, func(i, j int) bool {
		return lessBy(signals[i], signals[j], signals[i].Count, signals[j].Count)
	})
	for i := range signals {
		signals[i].FrequencyRank = i + 1
	}

	sort.SliceStable(signals, func(i, j int) bool {
		return lessBy(signals[i], signals[j], signals[i].CompositeScore, signals[j].CompositeScore)
	})
	for i := range signals {
		signals[i].CompositeRank = i + 1
	}
}

func lessBy[T int | float64](a, b domain.PrioritizedSignal, va, vb T) bool {
	if va != vb {
		return va > vb
	}
	if a.Components.Seriousness != b.Components.Seriousness {
		return a.Components.Seriousness > b.Components.Seriousness
	}
	return a.Key.Less(b.Key)
}

// Elevated returns the signals whose composite rank beats their frequency
// rank by at least minGap places, in composite order. These are the signals
// pushed up by rarity, seriousness or recency despite low volume.
func Elevated(signals []domain.PrioritizedSignal, minGap int) []domain.PrioritizedSignal {
	var out []domain.PrioritizedSignal
	for _, sig := range signals {
		if sig.FrequencyRank-sig.CompositeRank >= minGap {
			out = append(out, sig)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CompositeRank < out[j].CompositeRank })
	return out
}

// ByFrequency returns a copy of signals ordered by frequency rank.
func ByFrequency(signals []domain.PrioritizedSignal) []domain.PrioritizedSignal {
	out := append([]domain.PrioritizedSignal(nil), signals...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].FrequencyRank < out[j].FrequencyRank })
	return out
}
