package domain

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// SignalKey identifies one candidate signal: a (drug, reaction) pair.
type SignalKey struct {
	Drug     string `json:"drug"`
	Reaction string `json:"reaction"`
}

// String renders the key as "DRUG / REACTION".
func (k SignalKey) String() string {
	return k.Drug + " / " + k.Reaction
}

// Less orders keys lexically by drug, then reaction.
func (k SignalKey) Less(o SignalKey) bool {
	if k.Drug != o.Drug {
		return k.Drug < o.Drug
	}
	return k.Reaction < o.Reaction
}

// Validate checks that both halves of the key are present.
func (k SignalKey) Validate() error {
	if strings.TrimSpace(k.Drug) == "" || strings.TrimSpace(k.Reaction) == "" {
		return ErrInvalidSignalKey
	}
	return nil
}

// ContingencyCounts is the 2×2 table for one signal key.
//
//	            reaction   ¬reaction
//	drug           A           B
//	¬drug          C           D
type ContingencyCounts struct {
	A int `json:"a"`
	B int `json:"b"`
	C int `json:"c"`
	D int `json:"d"`
}

// N is the total number of cases in the table.
func (c ContingencyCounts) N() int {
	return c.A + c.B + c.C + c.D
}

// Ratio is a statistic that may be undefined because of a zero denominator.
// An undefined ratio is never coerced to 0, +Inf or NaN; it marshals as the
// JSON string "undefined".
type Ratio struct {
	Value   float64
	Defined bool
}

// Undefined is the undefined ratio.
var Undefined = Ratio{}

// DefinedRatio wraps a finite value. Non-finite input yields Undefined.
func DefinedRatio(v float64) Ratio {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return Undefined
	}
	return Ratio{Value: v, Defined: true}
}

// Float returns the value, or ErrUndefinedStatistic.
func (r Ratio) Float() (float64, error) {
	if !r.Defined {
		return 0, ErrUndefinedStatistic
	}
	return r.Value, nil
}

// AtLeast reports whether the ratio is defined and ≥ threshold.
func (r Ratio) AtLeast(threshold float64) bool {
	return r.Defined && r.Value >= threshold
}

// String implements fmt.Stringer.
func (r Ratio) String() string {
	if !r.Defined {
		return "undefined"
	}
	return strconv.FormatFloat(r.Value, 'f', 4, 64)
}

// MarshalJSON implements json.Marshaler.
func (r Ratio) MarshalJSON() ([]byte, error) {
	if !r.Defined {
		return []byte(`"undefined"`), nil
	}
	return json.Marshal(r.Value)
}

// UnmarshalJSON implements json.Unmarshaler.
func (r *Ratio) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte(`"undefined"`)) || bytes.Equal(data, []byte("null")) {
		*r = Undefined
		return nil
	}
	var v float64
	if err := json.Unmarshal(data, &v); err != nil {
		return fmt.Errorf("ratio must be a number or \"undefined\": %w", err)
	}
	*r = DefinedRatio(v)
	return nil
}

// Disproportionality holds the signal-detection statistics for one key.
type Disproportionality struct {
	Key                SignalKey         `json:"key"`
	Counts             ContingencyCounts `json:"counts"`
	PRR                Ratio             `json:"prr"`
	PRRLower           Ratio             `json:"prr_lower"`
	PRRUpper           Ratio             `json:"prr_upper"`
	ROR                Ratio             `json:"ror"`
	RORLower           Ratio             `json:"ror_lower"`
	RORUpper           Ratio             `json:"ror_upper"`
	ChiSquared         Ratio             `json:"chi_squared"`
	LowCountUnreliable bool              `json:"low_count_unreliable"`
	MeetsEvansCriteria bool              `json:"meets_evans_criteria"`
}

// ScoreComponents breaks a composite score down into its parts.
type ScoreComponents struct {
	Rarity      float64 `json:"rarity"`
	Seriousness float64 `json:"seriousness"`
	Recency     float64 `json:"recency"`
	Count       float64 `json:"count"`
	Base        float64 `json:"base"`
	Bonus       float64 `json:"bonus"`
}

// PrioritizedSignal is one ranked signal of a scoring run.
type PrioritizedSignal struct {
	Key                SignalKey          `json:"key"`
	Count              int                `json:"count"`
	Disproportionality Disproportionality `json:"disproportionality"`
	Components         ScoreComponents    `json:"components"`
	CompositeScore     float64            `json:"composite_score"`
	CompositeRank      int                `json:"composite_rank"`
	FrequencyRank      int                `json:"frequency_rank"`
}

// ScoringRun is the output of one full-signal-list scoring pass.
type ScoringRun struct {
	RunID          string              `json:"run_id"`
	DatasetVersion string              `json:"dataset_version"`
	TotalCases     int                 `json:"total_cases"`
	ReferenceTime  time.Time           `json:"reference_time"`
	Signals        []PrioritizedSignal `json:"signals"`
	Skipped        int                 `json:"skipped"`
	Partial        bool                `json:"partial"`
	CreatedAt      time.Time           `json:"created_at"`
}

// ClusterAssignment describes one risk subgroup within a signal.
type ClusterAssignment struct {
	ClusterID       int                  `json:"cluster_id"`
	Size            int                  `json:"size"`
	CaseIDs         []string             `json:"case_ids"`
	MeanAge         *float64             `json:"mean_age,omitempty"`
	SexCounts       map[Sex]int          `json:"sex_counts"`
	TopCountry      string               `json:"top_country,omitempty"`
	ReporterCounts  map[ReporterType]int `json:"reporter_counts"`
	SeriousFraction float64              `json:"serious_fraction"`
	DeathCount      int                  `json:"death_count"`
}

// ClusterResult is the clustering output for one signal key.
type ClusterResult struct {
	Key              SignalKey              `json:"key"`
	K                int                    `json:"k"`
	Clusters         []ClusterAssignment    `json:"clusters"`
	Iterations       int                    `json:"iterations"`
	Converged        bool                   `json:"converged"`
	InsufficientData *InsufficientDataError `json:"insufficient_data,omitempty"`
}

// DuplicatePair is one pairwise match.
type DuplicatePair struct {
	CaseA      string  `json:"case_a"`
	CaseB      string  `json:"case_b"`
	Similarity float64 `json:"similarity"`
	Exact      bool    `json:"exact"`
}

// DuplicateGroup is a set of cases judged to describe the same real-world
// report. It is advisory only; records are never merged or deleted.
type DuplicateGroup struct {
	GroupID    string          `json:"group_id"`
	CaseIDs    []string        `json:"case_ids"`
	Similarity float64         `json:"similarity"`
	Kind       DuplicateKind   `json:"kind"`
	Pairs      []DuplicatePair `json:"pairs"`
}

// DuplicateResult is the output of a full duplicate scan.
type DuplicateResult struct {
	Groups        []DuplicateGroup `json:"groups"`
	PairsCompared int              `json:"pairs_compared"`
	BlocksSkipped int              `json:"blocks_skipped"`
	Threshold     float64          `json:"threshold"`
	Partial       bool             `json:"partial"`
}

// TrendBucket is one time bucket of a trend series. Statistic fields are only
// meaningful when Scored is true.
type TrendBucket struct {
	Start         time.Time `json:"start"`
	End           time.Time `json:"end"`
	Count         int       `json:"count"`
	MovingAverage Ratio     `json:"moving_average"`
	EWMA          float64   `json:"ewma"`
	ZScore        Ratio     `json:"z_score"`
	Curvature     Ratio     `json:"curvature"`
	AnomalyScore  Ratio     `json:"anomaly_score"`
	Scored        bool      `json:"scored"`
	Anomalous     bool      `json:"anomalous"`
}

// TrendResult is the trend output for one signal key.
type TrendResult struct {
	Key       SignalKey     `json:"key"`
	Width     BucketWidth   `json:"width"`
	Buckets   []TrendBucket `json:"buckets"`
	Anomalies []TrendBucket `json:"anomalies"`
	Undated   int           `json:"undated"`
}
