package trend

import (
	"math"
	"sort"

	"github.com/ae-signal-engine/internal/domain"
)

// Analyzer computes trend series and anomaly scores for single signals.
type Analyzer struct {
	cfg domain.TrendConfig
}

// NewAnalyzer creates an analyzer for the given configuration.
func NewAnalyzer(cfg domain.TrendConfig) *Analyzer {
	if !cfg.Width.IsValid() {
		cfg.Width = domain.BucketMonth
	}
	if cfg.MovingAverageWindow <= 0 {
		cfg.MovingAverageWindow = 3
	}
	if cfg.EWMAAlpha <= 0 || cfg.EWMAAlpha > 1 {
		cfg.EWMAAlpha = 0.3
	}
	if cfg.MinHistory < 2 {
		cfg.MinHistory = 2
	}
	if cfg.TopN <= 0 {
		cfg.TopN = 5
	}
	return &Analyzer{cfg: cfg}
}

// Width returns the default bucket width.
func (a *Analyzer) Width() domain.BucketWidth {
	return a.cfg.Width
}

// Analyze buckets the cases of one signal and scores each bucket against the
// trailing moving average of the buckets before it. An empty width uses the
// configured default.
func (a *Analyzer) Analyze(key domain.SignalKey, cases []*domain.CaseRecord, width domain.BucketWidth) (domain.TrendResult, error) {
	if width == "" {
		width = a.cfg.Width
	}
	series, err := BucketCounts(cases, width)
	if err != nil {
		return domain.TrendResult{}, err
	}

	res := domain.TrendResult{
		Key:       key,
		Width:     width,
		Buckets:   make([]domain.TrendBucket, len(series.Counts)),
		Anomalies: []domain.TrendBucket{},
		Undated:   series.Undated,
	}

	var ewma float64
	for i, count := range series.Counts {
		b := domain.TrendBucket{
			Start: series.Starts[i],
			End:   NextBucket(series.Starts[i], width),
			Count: count,
		}
		if i == 0 {
			ewma = float64(count)
		} else {
			ewma = a.cfg.EWMAAlpha*float64(count) + (1-a.cfg.EWMAAlpha)*ewma
		}
		b.EWMA = ewma

		window := series.Counts[max(0, i-a.cfg.MovingAverageWindow):i]
		if len(window) > 0 {
			mean, sd := meanStdDev(window)
			b.MovingAverage = domain.DefinedRatio(mean)
			if sd == 0 {
				sd = math.Sqrt(math.Max(mean, 1))
			}
			b.ZScore = domain.DefinedRatio((float64(count) - mean) / sd)
			if i >= 2 {
				curv := float64(count - 2*series.Counts[i-1] + series.Counts[i-2])
				b.Curvature = domain.DefinedRatio(curv)
				b.AnomalyScore = domain.DefinedRatio(b.ZScore.Value + a.cfg.CurvatureWeight*curv/sd)
			}
		}

		b.Scored = i >= a.cfg.MinHistory && count >= a.cfg.MinBucketCount && b.AnomalyScore.Defined
		b.Anomalous = b.Scored && b.AnomalyScore.Value > a.cfg.AnomalyThreshold
		res.Buckets[i] = b
	}

	res.Anomalies = TopAnomalies(res.Buckets, a.cfg.TopN)
	return res, nil
}

// TopAnomalies returns up to n anomalous buckets by descending score, earlier
// buckets first on ties.
func TopAnomalies(buckets []domain.TrendBucket, n int) []domain.TrendBucket {
	out := []domain.TrendBucket{}
	for _, b := range buckets {
		if b.Anomalous {
			out = append(out, b)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].AnomalyScore.Value != out[j].AnomalyScore.Value {
			return out[i].AnomalyScore.Value > out[j].AnomalyScore.Value
		}
		return out[i].Start.Before(out[j].Start)
	})
	if len(out) > n {
		out = out[:n]
	}
	return out
}

// meanStdDev returns the mean and population standard deviation.
func meanStdDev(xs []int) (float64, float64) {
	var sum float64
	for _, x := range xs {
		sum += float64(x)
	}
	mean := sum / float64(len(xs))
	var ss float64
	for _, x := range xs {
		d := float64(x) - mean
		ss += d * d
	}
	return mean, math.Sqrt(ss / float64(len(xs)))
}
