package stats

import (
	"context"

	"github.com/ae-signal-engine/internal/domain"
)

// Calculator answers disproportionality queries for one dataset, reading
// contingency counts through an optional cache.
type Calculator struct {
	src   domain.CountsSource
	cache *CountsCache
	cfg   domain.StatsConfig
}

// NewCalculator creates a calculator. cache may be nil.
func NewCalculator(src domain.CountsSource, cache *CountsCache, cfg domain.StatsConfig) *Calculator {
	return &Calculator{src: src, cache: cache, cfg: cfg}
}

// Counts returns the contingency table of key.
func (c *Calculator) Counts(ctx context.Context, key domain.SignalKey) domain.ContingencyCounts {
	if c.cache == nil {
		return c.src.Counts(key)
	}
	return c.cache.Counts(ctx, c.src, key)
}

// Disproportionality computes the statistics of key.
func (c *Calculator) Disproportionality(ctx context.Context, key domain.SignalKey) domain.Disproportionality {
	return Compute(key, c.Counts(ctx, key), c.cfg)
}

// TotalCases returns N of the underlying dataset.
func (c *Calculator) TotalCases() int {
	return c.src.TotalCases()
}
