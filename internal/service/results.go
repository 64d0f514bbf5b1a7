package service

import (
	"context"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/ae-signal-engine/internal/domain"
	"github.com/ae-signal-engine/internal/scoring"
)

// ResultCache keeps the full-snapshot outputs of the current snapshot so that
// paging through signals or duplicate groups does not rescore the archive.
// Concurrent first requests share one computation.
type ResultCache struct {
	svc   *SignalService
	group singleflight.Group

	mu         sync.Mutex
	snap       *Snapshot
	run        *domain.ScoringRun
	duplicates *domain.DuplicateResult
}

// NewResultCache creates a result cache over svc.
func NewResultCache(svc *SignalService) *ResultCache {
	return &ResultCache{svc: svc}
}

// reset drops cached results that belong to an older snapshot.
func (r *ResultCache) reset(snap *Snapshot) {
	if r.snap != snap {
		r.snap = snap
		r.run = nil
		r.duplicates = nil
	}
}

// Run returns the ranked signals of snap. Partial runs are returned but not
// cached.
func (r *ResultCache) Run(ctx context.Context, snap *Snapshot) (*domain.ScoringRun, error) {
	r.mu.Lock()
	r.reset(snap)
	if r.run != nil {
		run := r.run
		r.mu.Unlock()
		return run, nil
	}
	r.mu.Unlock()

	v, err := r.shared(ctx, "rank:"+snap.Dataset.Version(), func(ctx context.Context) (any, error) {
		run, err := r.svc.RankSignals(ctx, snap)
		if err == nil {
			r.mu.Lock()
			if r.snap == snap {
				r.run = run
			}
			r.mu.Unlock()
		}
		return run, err
	})
	run, _ := v.(*domain.ScoringRun)
	return run, err
}

// Duplicates returns the duplicate scan of snap.
func (r *ResultCache) Duplicates(ctx context.Context, snap *Snapshot) (*domain.DuplicateResult, error) {
	r.mu.Lock()
	r.reset(snap)
	if r.duplicates != nil {
		res := r.duplicates
		r.mu.Unlock()
		return res, nil
	}
	r.mu.Unlock()

	v, err := r.shared(ctx, "duplicates:"+snap.Dataset.Version(), func(ctx context.Context) (any, error) {
		res, err := r.svc.FindDuplicates(ctx, snap)
		if err == nil {
			r.mu.Lock()
			if r.snap == snap {
				r.duplicates = res
			}
			r.mu.Unlock()
		}
		return res, err
	})
	res, _ := v.(*domain.DuplicateResult)
	return res, err
}

// shared runs fn once per key for all concurrent callers. fn does not see the
// cancellation of any single caller; a caller whose ctx ends stops waiting
// while the computation finishes for the others and for the cache.
func (r *ResultCache) shared(ctx context.Context, key string, fn func(context.Context) (any, error)) (any, error) {
	detached := context.WithoutCancel(ctx)
	ch := r.group.DoChan(key, func() (any, error) { return fn(detached) })
	select {
	case res := <-ch:
		return res.Val, res.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Group finds a duplicate group of the current scan by id.
func (r *ResultCache) Group(ctx context.Context, snap *Snapshot, groupID string) (domain.DuplicateGroup, bool, error) {
	res, err := r.Duplicates(ctx, snap)
	if err != nil {
		return domain.DuplicateGroup{}, false, err
	}
	for _, g := range res.Groups {
		if g.GroupID == groupID {
			return g, true, nil
		}
	}
	return domain.DuplicateGroup{}, false, nil
}

// Signal orderings of a ranked run.
const (
	OrderComposite = "composite"
	OrderFrequency = "frequency"
	OrderElevated  = "elevated"
)

// ElevatedMinGap is how many places a signal's composite rank must beat its
// frequency rank to count as elevated.
const ElevatedMinGap = 5

// ValidOrder reports whether order names a signal ordering.
func ValidOrder(order string) bool {
	switch order {
	case OrderComposite, OrderFrequency, OrderElevated:
		return true
	}
	return false
}

// OrderedSignals returns the signals of run in the requested order. The run
// itself is in composite order and is never modified. The elevated order
// keeps only signals that rank well above their report volume.
func OrderedSignals(run *domain.ScoringRun, order string) []domain.PrioritizedSignal {
	switch order {
	case OrderFrequency:
		return scoring.ByFrequency(run.Signals)
	case OrderElevated:
		return scoring.Elevated(run.Signals, ElevatedMinGap)
	default:
		return run.Signals
	}
}
