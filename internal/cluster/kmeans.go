package cluster

import (
	"context"
	"sort"

	"golang.org/x/sync/errgroup"

	"github.com/ae-signal-engine/internal/domain"
)

// SignalCases is the case set of one signal.
type SignalCases struct {
	Key   domain.SignalKey
	Cases []*domain.CaseRecord
}

// Clusterer runs weighted k-means over the cases of a signal.
type Clusterer struct {
	cfg      domain.ClusteringConfig
	severity domain.SeverityWeights
}

// NewClusterer creates a clusterer for the given engine configuration.
func NewClusterer(cfg domain.EngineConfig) *Clusterer {
	cc := cfg.Clustering
	if cc.MaxIterations <= 0 {
		cc.MaxIterations = 100
	}
	if cc.Workers <= 0 {
		cc.Workers = 1
	}
	if cc.K <= 0 {
		cc.K = 3
	}
	return &Clusterer{cfg: cc, severity: cfg.Scoring.Severity}
}

// Cluster partitions the cases of one signal into at most k clusters; k <= 0
// uses the configured default. Below the minimum case count the result has
// no clusters and carries an InsufficientDataError.
func (cl *Clusterer) Cluster(key domain.SignalKey, cases []*domain.CaseRecord, k int) domain.ClusterResult {
	if k <= 0 {
		k = cl.cfg.K
	}
	res := domain.ClusterResult{Key: key, Clusters: []domain.ClusterAssignment{}}
	if len(cases) == 0 || len(cases) < cl.cfg.MinCases {
		res.InsufficientData = &domain.InsufficientDataError{Have: len(cases), Need: max(cl.cfg.MinCases, 1)}
		return res
	}

	sorted := append([]*domain.CaseRecord(nil), cases...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].CaseID < sorted[j].CaseID })

	fs := newFeatureSpace(sorted, cl.severity, cl.cfg.Weights)
	points := make([]vector, len(sorted))
	for i, c := range sorted {
		points[i] = fs.encode(c)
	}

	k = min(k, distinctCount(points))
	centroids := farthestPointInit(fs, points, k)
	assign := make([]int, len(points))
	for i := range assign {
		assign[i] = -1
	}

	for res.Iterations < cl.cfg.MaxIterations {
		res.Iterations++
		changed := false
		for i, p := range points {
			nearest := nearestCentroid(fs, p, centroids)
			if nearest != assign[i] {
				assign[i] = nearest
				changed = true
			}
		}
		if !changed {
			res.Converged = true
			break
		}
		centroids = recomputeCentroids(points, assign, centroids)
	}

	res.Clusters = summarize(sorted, assign, len(centroids))
	res.K = len(res.Clusters)
	return res
}

// ClusterMany clusters several signals in parallel, one signal per task.
// Results follow the input order. On cancellation the signals already
// clustered are returned with an error wrapping ErrCancellationRequested;
// unprocessed entries keep only their key.
func (cl *Clusterer) ClusterMany(ctx context.Context, signals []SignalCases, k int) ([]domain.ClusterResult, error) {
	results := make([]domain.ClusterResult, len(signals))
	done := make([]bool, len(signals))

	var g errgroup.Group
	g.SetLimit(cl.cfg.Workers)
	for i := range signals {
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if ctx.Err() != nil {
				return nil
			}
			results[i] = cl.Cluster(signals[i].Key, signals[i].Cases, k)
			done[i] = true
			return nil
		})
	}
	_ = g.Wait()

	cancelled := false
	for i := range signals {
		if !done[i] {
			results[i] = domain.ClusterResult{Key: signals[i].Key, Clusters: []domain.ClusterAssignment{}}
			cancelled = true
		}
	}
	if cancelled {
		return results, domain.CancelledError(ctx.Err())
	}
	return results, nil
}

func distinctCount(points []vector) int {
	seen := make(map[vector]struct{}, len(points))
	for _, p := range points {
		seen[p] = struct{}{}
	}
	return len(seen)
}

// farthestPointInit seeds the first centroid with the first point and each
// following one with the point farthest from all chosen centroids. The
// lowest index wins ties, which keeps clustering deterministic.
func farthestPointInit(fs *featureSpace, points []vector, k int) []vector {
	centroids := make([]vector, 0, k)
	centroids = append(centroids, points[0])
	minDist := make([]float64, len(points))
	for i, p := range points {
		minDist[i] = fs.distance(p, points[0])
	}
	for len(centroids) < k {
		best := -1
		for i := range points {
			if best == -1 || minDist[i] > minDist[best] {
				best = i
			}
		}
		if minDist[best] == 0 {
			break
		}
		c := points[best]
		centroids = append(centroids, c)
		for i, p := range points {
			if d := fs.distance(p, c); d < minDist[i] {
				minDist[i] = d
			}
		}
	}
	return centroids
}

func nearestCentroid(fs *featureSpace, p vector, centroids []vector) int {
	best, bestDist := 0, fs.distance(p, centroids[0])
	for j := 1; j < len(centroids); j++ {
		if d := fs.distance(p, centroids[j]); d < bestDist {
			best, bestDist = j, d
		}
	}
	return best
}

// recomputeCentroids moves each centroid to the mean of its members. An
// empty cluster keeps its previous centroid.
func recomputeCentroids(points []vector, assign []int, prev []vector) []vector {
	sums := make([]vector, len(prev))
	counts := make([]int, len(prev))
	for i, p := range points {
		c := assign[i]
		counts[c]++
		for f := range p {
			sums[c][f] += p[f]
		}
	}
	next := make([]vector, len(prev))
	for c := range prev {
		if counts[c] == 0 {
			next[c] = prev[c]
			continue
		}
		for f := range sums[c] {
			next[c][f] = sums[c][f] / float64(counts[c])
		}
	}
	return next
}

// summarize builds the per-cluster aggregates. Clusters are ordered by size,
// then by their first case id, and renumbered from 0.
func summarize(cases []*domain.CaseRecord, assign []int, k int) []domain.ClusterAssignment {
	members := make([][]*domain.CaseRecord, k)
	for i, c := range cases {
		members[assign[i]] = append(members[assign[i]], c)
	}

	out := make([]domain.ClusterAssignment, 0, k)
	for _, m := range members {
		if len(m) == 0 {
			continue
		}
		out = append(out, aggregate(m))
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Size != out[j].Size {
			return out[i].Size > out[j].Size
		}
		return out[i].CaseIDs[0] < out[j].CaseIDs[0]
	})
	for i := range out {
		out[i].ClusterID = i
	}
	return out
}

func aggregate(cases []*domain.CaseRecord) domain.ClusterAssignment {
	a := domain.ClusterAssignment{
		Size:           len(cases),
		CaseIDs:        make([]string, 0, len(cases)),
		SexCounts:      make(map[domain.Sex]int),
		ReporterCounts: make(map[domain.ReporterType]int),
	}
	var ageSum float64
	var ageN, serious int
	countries := make(map[string]int)
	for _, c := range cases {
		a.CaseIDs = append(a.CaseIDs, c.CaseID)
		if c.AgeYears != nil {
			ageSum += *c.AgeYears
			ageN++
		}
		a.SexCounts[c.Sex]++
		a.ReporterCounts[c.ReporterType]++
		if c.Country != "" {
			countries[c.Country]++
		}
		if c.IsSerious() {
			serious++
		}
		if c.HasOutcome(domain.OutcomeDeath) {
			a.DeathCount++
		}
	}
	if ageN > 0 {
		mean := ageSum / float64(ageN)
		a.MeanAge = &mean
	}
	a.TopCountry = mode(countries)
	a.SeriousFraction = float64(serious) / float64(len(cases))
	return a
}
