package scoring

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ae-signal-engine/internal/domain"
	"github.com/ae-signal-engine/internal/stats"
)

var refTime = time.Date(2024, 6, 30, 0, 0, 0, 0, time.UTC)

func mkCase(id, drug, reaction string, date time.Time, outcomes ...domain.OutcomeFlag) domain.CaseRecord {
	d := date
	return domain.CaseRecord{
		CaseID:     id,
		Drugs:      []domain.DrugEntry{{Seq: 1, Name: drug, Role: domain.RoleSuspect}},
		Reactions:  []string{reaction},
		Outcomes:   outcomes,
		ReportDate: &d,
	}
}

// scenarioCases builds 1000 cases: D/R twice (fatal, last month), D/S 400
// times (non-serious), and 598 background cases.
func scenarioCases() []domain.CaseRecord {
	var cases []domain.CaseRecord
	recent := refTime.AddDate(0, 0, -10)
	for i := 0; i < 2; i++ {
		cases = append(cases, mkCase(fmt.Sprintf("R%03d", i), "D", "R", recent, domain.OutcomeDeath))
	}
	for i := 0; i < 400; i++ {
		cases = append(cases, mkCase(fmt.Sprintf("S%03d", i), "D", "S", recent))
	}
	for i := 0; i < 598; i++ {
		cases = append(cases, mkCase(fmt.Sprintf("X%03d", i), "X", fmt.Sprintf("Y%d", i%7), refTime.AddDate(-1, -i%24, 0)))
	}
	return cases
}

func newScenario(t *testing.T, mutate func(*domain.EngineConfig)) (*Scorer, *stats.Dataset, *stats.Calculator) {
	t.Helper()
	cfg := domain.DefaultEngineConfig()
	cfg.Scoring.ReferenceTime = refTime
	if mutate != nil {
		mutate(&cfg)
	}
	ds, err := stats.NewDataset(scenarioCases(), cfg.Stats)
	require.NoError(t, err)
	return NewScorer(cfg), ds, stats.NewCalculator(ds, nil, cfg.Stats)
}

func findSignal(t *testing.T, run *domain.ScoringRun, drug, reaction string) domain.PrioritizedSignal {
	t.Helper()
	for _, s := range run.Signals {
		if s.Key.Drug == drug && s.Key.Reaction == reaction {
			return s
		}
	}
	t.Fatalf("signal %s/%s not found", drug, reaction)
	return domain.PrioritizedSignal{}
}

func TestRareSeriousRecentOutranksFrequent(t *testing.T) {
	scorer, ds, calc := newScenario(t, nil)
	run, err := scorer.Score(context.Background(), ds, calc)
	require.NoError(t, err)

	dr := findSignal(t, run, "D", "R")
	ds400 := findSignal(t, run, "D", "S")

	assert.Less(t, dr.CompositeRank, ds400.CompositeRank)
	assert.Greater(t, dr.FrequencyRank, ds400.FrequencyRank)
	assert.Equal(t, 1, ds400.FrequencyRank)
	assert.InDelta(t, 1.0, dr.CompositeScore, 1e-9)
	assert.InDelta(t, 0.2, dr.Components.Bonus, 1e-9)
	assert.True(t, dr.Disproportionality.LowCountUnreliable)
}

func TestScoreBoundsAndRankOrder(t *testing.T) {
	scorer, ds, calc := newScenario(t, nil)
	run, err := scorer.Score(context.Background(), ds, calc)
	require.NoError(t, err)
	require.NotEmpty(t, run.Signals)
	assert.False(t, run.Partial)
	assert.Equal(t, 1000, run.TotalCases)
	assert.Equal(t, ds.Version(), run.DatasetVersion)

	seenComposite := make(map[int]bool)
	seenFrequency := make(map[int]bool)
	for i, s := range run.Signals {
		assert.GreaterOrEqual(t, s.CompositeScore, 0.0)
		assert.LessOrEqual(t, s.CompositeScore, 1.0)
		assert.Equal(t, i+1, s.CompositeRank)
		assert.False(t, seenComposite[s.CompositeRank])
		assert.False(t, seenFrequency[s.FrequencyRank])
		seenComposite[s.CompositeRank] = true
		seenFrequency[s.FrequencyRank] = true
		if i > 0 {
			assert.GreaterOrEqual(t, run.Signals[i-1].CompositeScore, s.CompositeScore)
		}
	}
}

func TestScoreIsDeterministic(t *testing.T) {
	scorer, ds, calc := newScenario(t, func(cfg *domain.EngineConfig) { cfg.Scoring.Workers = 8 })
	first, err := scorer.Score(context.Background(), ds, calc)
	require.NoError(t, err)
	second, err := scorer.Score(context.Background(), ds, calc)
	require.NoError(t, err)
	assert.Equal(t, first.Signals, second.Signals)
}

func TestScoreReferenceTimeDefaultsToLatestCase(t *testing.T) {
	scorer, ds, _ := newScenario(t, func(cfg *domain.EngineConfig) { cfg.Scoring.ReferenceTime = time.Time{} })
	assert.Equal(t, refTime.AddDate(0, 0, -10), scorer.ReferenceTime(ds))
}

func TestScoreCancelled(t *testing.T) {
	scorer, ds, calc := newScenario(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	run, err := scorer.Score(ctx, ds, calc)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrCancellationRequested)
	require.NotNil(t, run)
	assert.True(t, run.Partial)
	assert.Equal(t, len(ds.Pairs(1)), run.Skipped+len(run.Signals))
}

func TestRankTieBreaks(t *testing.T) {
	signals := []domain.PrioritizedSignal{
		{Key: domain.SignalKey{Drug: "B", Reaction: "R"}, Count: 5, CompositeScore: 0.5, Components: domain.ScoreComponents{Seriousness: 0.2}},
		{Key: domain.SignalKey{Drug: "A", Reaction: "R"}, Count: 5, CompositeScore: 0.5, Components: domain.ScoreComponents{Seriousness: 0.2}},
		{Key: domain.SignalKey{Drug: "C", Reaction: "R"}, Count: 5, CompositeScore: 0.5, Components: domain.ScoreComponents{Seriousness: 0.9}},
		{Key: domain.SignalKey{Drug: "D", Reaction: "R"}, Count: 1, CompositeScore: 0.9},
	}
	Rank(signals)

	order := make([]string, len(signals))
	for i, s := range signals {
		order[i] = s.Key.Drug
	}
	assert.Equal(t, []string{"D", "C", "A", "B"}, order)
	assert.Equal(t, 4, signals[0].FrequencyRank)
	assert.Equal(t, 1, signals[1].FrequencyRank)

	elevated := Elevated(signals, 2)
	require.Len(t, elevated, 1)
	assert.Equal(t, "D", elevated[0].Key.Drug)

	byFreq := ByFrequency(signals)
	assert.Equal(t, "C", byFreq[0].Key.Drug)
	assert.Equal(t, "D", signals[0].Key.Drug, "ByFrequency must not reorder its input")
}

func TestRecencyWeight(t *testing.T) {
	cfg := domain.DefaultEngineConfig().Scoring
	at := func(months int) *domain.CaseRecord {
		d := refTime.AddDate(0, -months, 0)
		return &domain.CaseRecord{ReportDate: &d}
	}

	assert.Equal(t, 1.0, RecencyWeight(cfg, at(0), refTime))
	assert.Equal(t, 1.0, RecencyWeight(cfg, at(11), refTime))
	mid := RecencyWeight(cfg, at(36), refTime)
	assert.InDelta(t, 1-24.0/48*0.9, mid, 0.02)
	assert.Equal(t, cfg.RecencyFloor, RecencyWeight(cfg, at(120), refTime))
	assert.Equal(t, cfg.RecencyFloor, RecencyWeight(cfg, &domain.CaseRecord{}, refTime))
}

func TestBonus(t *testing.T) {
	cfg := domain.DefaultEngineConfig().Scoring
	tests := []struct {
		name     string
		comp     domain.ScoreComponents
		expected float64
	}{
		{"None high", domain.ScoreComponents{Rarity: 0.5, Seriousness: 0.1, Recency: 0.1}, 0},
		{"Rare and serious", domain.ScoreComponents{Rarity: 0.995, Seriousness: 0.8, Recency: 0.1}, 0.15},
		{"Rare and recent", domain.ScoreComponents{Rarity: 0.995, Seriousness: 0.1, Recency: 0.9}, 0.10},
		{"Serious and recent", domain.ScoreComponents{Rarity: 0.5, Seriousness: 0.8, Recency: 0.9}, 0.10},
		{"All three supersedes pairs", domain.ScoreComponents{Rarity: 0.995, Seriousness: 0.8, Recency: 0.9}, 0.20},
		{"Boundary on seriousness", domain.ScoreComponents{Rarity: 0.5, Seriousness: 0.47, Recency: 0.1}, 0.05},
		{"Boundary on two dimensions", domain.ScoreComponents{Rarity: 0.5, Seriousness: 0.47, Recency: 0.68}, 0.10},
		{"Pair plus boundary", domain.ScoreComponents{Rarity: 0.995, Seriousness: 0.8, Recency: 0.66}, 0.20},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.expected, Bonus(cfg, tt.comp), 1e-9)
		})
	}
}

func TestComponentsClampComposite(t *testing.T) {
	cfg := domain.DefaultEngineConfig().Scoring
	d := refTime
	c := &domain.CaseRecord{Outcomes: []domain.OutcomeFlag{domain.OutcomeDeath}, ReportDate: &d}
	comp := Components(cfg, []*domain.CaseRecord{c}, 10000, refTime)
	assert.Greater(t, comp.Base+comp.Bonus, 1.0)
	assert.Equal(t, 1.0, Composite(comp))
}
