package stats

import (
	"context"
	"io"
	"math"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ae-signal-engine/internal/domain"
)

func mkCase(id string, drugs []string, reactions []string) domain.CaseRecord {
	c := domain.CaseRecord{CaseID: id, CaseVersion: 1, Reactions: reactions}
	for i, d := range drugs {
		c.Drugs = append(c.Drugs, domain.DrugEntry{Seq: i + 1, Name: d, Role: domain.RoleSuspect})
	}
	return c
}

func sampleCases() []domain.CaseRecord {
	return []domain.CaseRecord{
		mkCase("1", []string{"A"}, []string{"R1"}),
		mkCase("2", []string{"A"}, []string{"R1", "R2"}),
		mkCase("3", []string{"A", "B"}, []string{"R2"}),
		mkCase("4", []string{"B"}, []string{"R1"}),
		mkCase("5", []string{"B"}, []string{"R3"}),
		mkCase("6", []string{"C"}, []string{"R3"}),
	}
}

func TestNewDatasetEmpty(t *testing.T) {
	_, err := NewDataset(nil, domain.StatsConfig{})
	assert.ErrorIs(t, err, domain.ErrEmptyCaseSet)
}

func TestDatasetCounts(t *testing.T) {
	ds, err := NewDataset(sampleCases(), domain.StatsConfig{})
	require.NoError(t, err)

	tests := []struct {
		name     string
		key      domain.SignalKey
		expected domain.ContingencyCounts
	}{
		{"A/R1", domain.SignalKey{Drug: "A", Reaction: "R1"}, domain.ContingencyCounts{A: 2, B: 1, C: 1, D: 2}},
		{"B/R3", domain.SignalKey{Drug: "B", Reaction: "R3"}, domain.ContingencyCounts{A: 1, B: 2, C: 1, D: 2}},
		{"Unknown drug", domain.SignalKey{Drug: "Z", Reaction: "R1"}, domain.ContingencyCounts{A: 0, B: 0, C: 3, D: 3}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ds.Counts(tt.key)
			assert.Equal(t, tt.expected, got)
			assert.Equal(t, ds.TotalCases(), got.N())
		})
	}
}

func TestDatasetSuspectOnly(t *testing.T) {
	cases := sampleCases()
	cases[2].Drugs[1].Role = domain.RoleConcomitant

	all, err := NewDataset(cases, domain.StatsConfig{})
	require.NoError(t, err)
	suspect, err := NewDataset(cases, domain.StatsConfig{SuspectOnly: true})
	require.NoError(t, err)

	key := domain.SignalKey{Drug: "B", Reaction: "R2"}
	assert.Equal(t, 1, all.Counts(key).A)
	assert.Equal(t, 0, suspect.Counts(key).A)
	assert.NotEqual(t, all.Version(), suspect.Version())
}

func TestDatasetVersionIsContentHash(t *testing.T) {
	cases := sampleCases()
	a, err := NewDataset(cases, domain.StatsConfig{})
	require.NoError(t, err)

	reversed := make([]domain.CaseRecord, len(cases))
	for i := range cases {
		reversed[len(cases)-1-i] = cases[i]
	}
	b, err := NewDataset(reversed, domain.StatsConfig{})
	require.NoError(t, err)
	assert.Equal(t, a.Version(), b.Version())
	assert.Equal(t, "1", reversed[5].CaseID, "input slice must not be reordered")

	cases[0].Reactions = []string{"R9"}
	c, err := NewDataset(cases, domain.StatsConfig{})
	require.NoError(t, err)
	assert.NotEqual(t, a.Version(), c.Version())
}

func TestDatasetPairsAndCasesFor(t *testing.T) {
	ds, err := NewDataset(sampleCases(), domain.StatsConfig{})
	require.NoError(t, err)

	pairs := ds.Pairs(2)
	require.Len(t, pairs, 2)
	assert.Equal(t, PairCount{Key: domain.SignalKey{Drug: "A", Reaction: "R1"}, Count: 2}, pairs[0])
	assert.Equal(t, PairCount{Key: domain.SignalKey{Drug: "A", Reaction: "R2"}, Count: 2}, pairs[1])

	all := ds.Pairs(1)
	for i := 1; i < len(all); i++ {
		assert.True(t, all[i-1].Key.Less(all[i].Key))
	}

	cases := ds.CasesFor(domain.SignalKey{Drug: "A", Reaction: "R2"})
	require.Len(t, cases, 2)
	assert.Equal(t, "2", cases[0].CaseID)
	assert.Equal(t, "3", cases[1].CaseID)

	assert.Equal(t, []string{"A", "B", "C"}, ds.Drugs())
	assert.Equal(t, []string{"R1", "R2", "R3"}, ds.Reactions())
}

func TestDatasetLatestDate(t *testing.T) {
	cases := sampleCases()
	d1 := time.Date(2023, 5, 1, 0, 0, 0, 0, time.UTC)
	d2 := time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)
	cases[0].ReportDate = &d1
	cases[3].EventDate = &d2

	ds, err := NewDataset(cases, domain.StatsConfig{})
	require.NoError(t, err)
	latest, ok := ds.LatestDate()
	assert.True(t, ok)
	assert.Equal(t, d2, latest)
}

func TestComputeKnownValues(t *testing.T) {
	counts := domain.ContingencyCounts{A: 20, B: 80, C: 100, D: 9800}
	got := Compute(domain.SignalKey{Drug: "D", Reaction: "R"}, counts, domain.DefaultEngineConfig().Stats)

	prr, err := got.PRR.Float()
	require.NoError(t, err)
	// (20/100) / (100/9900)
	assert.InDelta(t, 19.8, prr, 1e-9)

	ror, err := got.ROR.Float()
	require.NoError(t, err)
	// (20*9800)/(80*100)
	assert.InDelta(t, 24.5, ror, 1e-9)

	lower, _ := got.PRRLower.Float()
	upper, _ := got.PRRUpper.Float()
	assert.Less(t, lower, prr)
	assert.Greater(t, upper, prr)

	se := math.Sqrt(1.0/20 - 1.0/100 + 1.0/100 - 1.0/9900)
	assert.InDelta(t, math.Exp(math.Log(19.8)-1.96*se), lower, 1e-9)

	chi, err := got.ChiSquared.Float()
	require.NoError(t, err)
	assert.Greater(t, chi, 4.0)
	assert.False(t, got.LowCountUnreliable)
	assert.True(t, got.MeetsEvansCriteria)
}

func TestComputeUndefinedCases(t *testing.T) {
	cfg := domain.DefaultEngineConfig().Stats
	tests := []struct {
		name       string
		counts     domain.ContingencyCounts
		prrDefined bool
		rorDefined bool
		lowCount   bool
	}{
		{"a is zero", domain.ContingencyCounts{A: 0, B: 10, C: 5, D: 100}, false, false, true},
		{"c is zero", domain.ContingencyCounts{A: 5, B: 10, C: 0, D: 100}, false, false, false},
		{"b is zero", domain.ContingencyCounts{A: 5, B: 0, C: 5, D: 100}, true, false, false},
		{"d is zero", domain.ContingencyCounts{A: 5, B: 10, C: 5, D: 0}, true, true, false},
		{"low count", domain.ContingencyCounts{A: 2, B: 10, C: 5, D: 100}, true, true, true},
		{"all zero", domain.ContingencyCounts{}, false, false, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Compute(domain.SignalKey{Drug: "D", Reaction: "R"}, tt.counts, cfg)
			assert.Equal(t, tt.prrDefined, got.PRR.Defined)
			assert.Equal(t, tt.prrDefined, got.PRRLower.Defined)
			assert.Equal(t, tt.rorDefined, got.ROR.Defined)
			assert.Equal(t, tt.lowCount, got.LowCountUnreliable)

			for _, r := range []domain.Ratio{got.PRR, got.PRRLower, got.PRRUpper, got.ROR, got.RORLower, got.RORUpper, got.ChiSquared} {
				if r.Defined {
					assert.False(t, math.IsNaN(r.Value) || math.IsInf(r.Value, 0))
					assert.GreaterOrEqual(t, r.Value, 0.0)
				}
			}
		})
	}
}

func TestComputeRORWithZeroD(t *testing.T) {
	got := Compute(domain.SignalKey{Drug: "D", Reaction: "R"}, domain.ContingencyCounts{A: 5, B: 2, C: 3, D: 0}, domain.DefaultEngineConfig().Stats)

	require.True(t, got.ROR.Defined)
	ror, err := got.ROR.Float()
	require.NoError(t, err)
	assert.Zero(t, ror)
	assert.False(t, got.RORLower.Defined)
	assert.False(t, got.RORUpper.Defined)
}

func TestComputeNeverNaNOverGrid(t *testing.T) {
	cfg := domain.DefaultEngineConfig().Stats
	for a := 0; a < 4; a++ {
		for b := 0; b < 4; b++ {
			for c := 0; c < 4; c++ {
				for d := 0; d < 4; d++ {
					got := Compute(domain.SignalKey{Drug: "D", Reaction: "R"}, domain.ContingencyCounts{A: a, B: b, C: c, D: d}, cfg)
					for _, r := range []domain.Ratio{got.PRR, got.ROR, got.ChiSquared, got.RORLower, got.RORUpper} {
						if r.Defined && (math.IsNaN(r.Value) || math.IsInf(r.Value, 0) || r.Value < 0) {
							t.Fatalf("non-finite statistic for a=%d b=%d c=%d d=%d: %v", a, b, c, d, r.Value)
						}
					}
				}
			}
		}
	}
}

type countingSource struct {
	*Dataset
	calls int
}

func (s *countingSource) Counts(key domain.SignalKey) domain.ContingencyCounts {
	s.calls++
	return s.Dataset.Counts(key)
}

func TestCountsCacheReadThrough(t *testing.T) {
	ds, err := NewDataset(sampleCases(), domain.StatsConfig{})
	require.NoError(t, err)
	src := &countingSource{Dataset: ds}

	cache, err := NewCountsCache(16, nil)
	require.NoError(t, err)

	key := domain.SignalKey{Drug: "A", Reaction: "R1"}
	first := cache.Counts(context.Background(), src, key)
	second := cache.Counts(context.Background(), src, key)
	assert.Equal(t, first, second)
	assert.Equal(t, 1, src.calls)

	stats := cache.Stats()
	assert.Equal(t, int64(1), stats.Misses)
	assert.Equal(t, int64(1), stats.MemoryHits)
	assert.Equal(t, 1, stats.Entries)
}

func TestCountsCacheKeyedByVersion(t *testing.T) {
	cache, err := NewCountsCache(16, nil)
	require.NoError(t, err)

	cases := sampleCases()
	before, err := NewDataset(cases, domain.StatsConfig{})
	require.NoError(t, err)
	cases = append(cases, mkCase("7", []string{"A"}, []string{"R1"}))
	after, err := NewDataset(cases, domain.StatsConfig{})
	require.NoError(t, err)

	key := domain.SignalKey{Drug: "A", Reaction: "R1"}
	assert.Equal(t, 2, cache.Counts(context.Background(), before, key).A)
	assert.Equal(t, 3, cache.Counts(context.Background(), after, key).A)
	assert.Equal(t, 2, cache.Counts(context.Background(), before, key).A)
}

type fakeRemote struct {
	entries map[string]domain.ContingencyCounts
	fail    bool
	adds    int
}

func (f *fakeRemote) Get(_ context.Context, key string) (domain.ContingencyCounts, bool, error) {
	if f.fail {
		return domain.ContingencyCounts{}, false, assert.AnError
	}
	c, ok := f.entries[key]
	return c, ok, nil
}

func (f *fakeRemote) AddOnce(_ context.Context, key string, counts domain.ContingencyCounts) error {
	if f.fail {
		return assert.AnError
	}
	f.adds++
	if _, ok := f.entries[key]; !ok {
		f.entries[key] = counts
	}
	return nil
}

func TestCountsCacheRemoteTier(t *testing.T) {
	ds, err := NewDataset(sampleCases(), domain.StatsConfig{})
	require.NoError(t, err)
	key := domain.SignalKey{Drug: "A", Reaction: "R1"}

	remote := &fakeRemote{entries: map[string]domain.ContingencyCounts{
		RemoteKey(ds.Version(), key): {A: 2, B: 1, C: 1, D: 2},
	}}
	cache, err := NewCountsCache(16, remote)
	require.NoError(t, err)

	src := &countingSource{Dataset: ds}
	got := cache.Counts(context.Background(), src, key)
	assert.Equal(t, 2, got.A)
	assert.Equal(t, 0, src.calls)
	assert.Equal(t, int64(1), cache.Stats().RemoteHits)

	other := domain.SignalKey{Drug: "B", Reaction: "R3"}
	cache.Counts(context.Background(), src, other)
	assert.Equal(t, 1, src.calls)
	assert.Equal(t, 1, remote.adds)
}

func TestCountsCacheRemoteFailureFallsBack(t *testing.T) {
	ds, err := NewDataset(sampleCases(), domain.StatsConfig{})
	require.NoError(t, err)

	cache, err := NewCountsCache(16, &fakeRemote{fail: true})
	require.NoError(t, err)

	got := cache.Counts(context.Background(), ds, domain.SignalKey{Drug: "A", Reaction: "R1"})
	assert.Equal(t, 2, got.A)
	assert.Equal(t, int64(2), cache.Stats().RemoteErrors)
}

func TestRedisTierUnavailable(t *testing.T) {
	client := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 50 * time.Millisecond,
		MaxRetries:  -1,
	})
	tier := newRedisTier(client, time.Minute, nil)
	defer tier.Close()

	ds, err := NewDataset(sampleCases(), domain.StatsConfig{})
	require.NoError(t, err)
	cache, err := NewCountsCache(16, tier)
	require.NoError(t, err)

	calc := NewCalculator(ds, cache, domain.DefaultEngineConfig().Stats)
	got := calc.Disproportionality(context.Background(), domain.SignalKey{Drug: "A", Reaction: "R1"})
	assert.Equal(t, 2, got.Counts.A)
	assert.Positive(t, cache.Stats().RemoteErrors)
}

func TestRemoteKey(t *testing.T) {
	k1 := RemoteKey("v1", domain.SignalKey{Drug: "A", Reaction: "B"})
	k2 := RemoteKey("v1", domain.SignalKey{Drug: "AB", Reaction: ""})
	k3 := RemoteKey("v2", domain.SignalKey{Drug: "A", Reaction: "B"})
	assert.NotEqual(t, k1, k2)
	assert.NotEqual(t, k1, k3)
	assert.Contains(t, k1, "ae-signal:counts:v1:")
}

func TestNewCountsCacheFromConfig(t *testing.T) {
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	cache, closeFn, err := NewCountsCacheFromConfig(domain.CacheConfig{MaxEntries: 10}, logger)
	require.NoError(t, err)
	assert.Nil(t, cache.remote)
	assert.NoError(t, closeFn())

	// An unreachable Redis degrades to memory only
	cache, closeFn, err = NewCountsCacheFromConfig(domain.CacheConfig{
		MaxEntries: 10,
		RedisURL:   "redis://127.0.0.1:1/0",
		MaxRetries: -1,
	}, logger)
	require.NoError(t, err)
	assert.Nil(t, cache.remote)
	assert.NoError(t, closeFn())

	_, _, err = NewCountsCacheFromConfig(domain.CacheConfig{RedisURL: "not a url"}, logger)
	assert.NoError(t, err)
}
