// Package stats computes 2×2 contingency counts and disproportionality
// statistics (PRR, ROR, chi-squared) for drug-reaction pairs.
package stats

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strconv"
	"time"

	"github.com/ae-signal-engine/internal/domain"
)

// Dataset is an immutable, indexed case set. Every derived value carries the
// dataset version, a content hash of the cases it was built from.
type Dataset struct {
	version     string
	cases       []domain.CaseRecord
	suspectOnly bool
	byID        map[string]int
	drugs       map[string][]int
	reactions   map[string][]int
	latest      time.Time
	hasLatest   bool
}

// PairCount is an observed drug-reaction pair and its case count.
type PairCount struct {
	Key   domain.SignalKey `json:"key"`
	Count int              `json:"count"`
}

// NewDataset indexes cases. The slice is copied and sorted by case id; the
// caller's slice is left untouched.
func NewDataset(cases []domain.CaseRecord, cfg domain.StatsConfig) (*Dataset, error) {
	if len(cases) == 0 {
		return nil, domain.ErrEmptyCaseSet
	}

	owned := make([]domain.CaseRecord, len(cases))
	copy(owned, cases)
	domain.SortCases(owned)

	ds := &Dataset{
		cases:       owned,
		suspectOnly: cfg.SuspectOnly,
		byID:        make(map[string]int, len(owned)),
		drugs:       make(map[string][]int),
		reactions:   make(map[string][]int),
	}

	h := sha256.New()
	if cfg.SuspectOnly {
		h.Write([]byte("suspect-only\n"))
	}
	for i := range owned {
		c := &owned[i]
		ds.byID[c.CaseID] = i

		h.Write([]byte(c.CaseID))
		h.Write([]byte{0})
		h.Write([]byte(strconv.Itoa(c.CaseVersion)))
		for _, d := range c.DrugNames(cfg.SuspectOnly) {
			ds.drugs[d] = append(ds.drugs[d], i)
			h.Write([]byte{0})
			h.Write([]byte(d))
		}
		h.Write([]byte{1})
		for _, r := range c.Reactions {
			ds.reactions[r] = append(ds.reactions[r], i)
			h.Write([]byte{0})
			h.Write([]byte(r))
		}
		h.Write([]byte{1})
		for _, o := range c.Outcomes {
			h.Write([]byte(o))
		}
		if d, ok := c.Date(); ok {
			h.Write([]byte(d.Format(time.RFC3339)))
			if !ds.hasLatest || d.After(ds.latest) {
				ds.latest, ds.hasLatest = d, true
			}
		}
		h.Write([]byte{'\n'})
	}
	ds.version = hex.EncodeToString(h.Sum(nil))[:16]
	return ds, nil
}

// Version returns the content hash of the dataset.
func (ds *Dataset) Version() string { return ds.version }

// TotalCases returns N.
func (ds *Dataset) TotalCases() int { return len(ds.cases) }

// SuspectOnly reports whether concomitant drugs are excluded from the indexes.
func (ds *Dataset) SuspectOnly() bool { return ds.suspectOnly }

// Cases returns the cases sorted by case id. The slice must not be modified.
func (ds *Dataset) Cases() []domain.CaseRecord { return ds.cases }

// Case looks up a case by id.
func (ds *Dataset) Case(id string) (*domain.CaseRecord, bool) {
	i, ok := ds.byID[id]
	if !ok {
		return nil, false
	}
	return &ds.cases[i], true
}

// LatestDate returns the most recent case date in the dataset.
func (ds *Dataset) LatestDate() (time.Time, bool) {
	return ds.latest, ds.hasLatest
}

// Drugs returns the sorted distinct drug names.
func (ds *Dataset) Drugs() []string { return sortedNames(ds.drugs) }

// Reactions returns the sorted distinct reaction terms.
func (ds *Dataset) Reactions() []string { return sortedNames(ds.reactions) }

func sortedNames(m map[string][]int) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Counts builds the contingency table for key.
func (ds *Dataset) Counts(key domain.SignalKey) domain.ContingencyCounts {
	withDrug := ds.drugs[key.Drug]
	withReaction := ds.reactions[key.Reaction]
	a := intersectCount(withDrug, withReaction)
	b := len(withDrug) - a
	c := len(withReaction) - a
	return domain.ContingencyCounts{A: a, B: b, C: c, D: len(ds.cases) - a - b - c}
}

// CasesFor returns the cases that report both the drug and the reaction of
// key, in case id order.
func (ds *Dataset) CasesFor(key domain.SignalKey) []*domain.CaseRecord {
	withDrug := ds.drugs[key.Drug]
	withReaction := ds.reactions[key.Reaction]
	out := make([]*domain.CaseRecord, 0, min(len(withDrug), len(withReaction)))
	i, j := 0, 0
	for i < len(withDrug) && j < len(withReaction) {
		switch {
		case withDrug[i] < withReaction[j]:
			i++
		case withDrug[i] > withReaction[j]:
			j++
		default:
			out = append(out, &ds.cases[withDrug[i]])
			i++
			j++
		}
	}
	return out
}

// Pairs enumerates every observed drug-reaction pair with at least minCount
// cases, ordered by key.
func (ds *Dataset) Pairs(minCount int) []PairCount {
	counts := make(map[domain.SignalKey]int)
	for i := range ds.cases {
		c := &ds.cases[i]
		for _, d := range c.DrugNames(ds.suspectOnly) {
			for _, r := range c.Reactions {
				counts[domain.SignalKey{Drug: d, Reaction: r}]++
			}
		}
	}

	out := make([]PairCount, 0, len(counts))
	for k, n := range counts {
		if n >= minCount {
			out = append(out, PairCount{Key: k, Count: n})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key.Less(out[j].Key) })
	return out
}

// intersectCount counts the common elements of two ascending index lists.
func intersectCount(a, b []int) int {
	n, i, j := 0, 0, 0
	for i < len(a) && j < len(b) {
		switch {
		case a[i] < b[j]:
			i++
		case a[i] > b[j]:
			j++
		default:
			n++
			i++
			j++
		}
	}
	return n
}
