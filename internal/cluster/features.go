// Package cluster partitions the cases of a signal into risk subgroups and
// flags probable duplicate case submissions across the whole case set.
package cluster

import (
	"sort"

	"github.com/ae-signal-engine/internal/domain"
)

const (
	featAge = iota
	featSex
	featSeriousness
	featCountry
	featReporter
	numFeatures
)

type vector [numFeatures]float64

// featureSpace encodes cases of one signal. Missing ages are imputed with the
// signal's mean age; country is encoded relative to the signal's modal country.
type featureSpace struct {
	meanAge      float64
	modalCountry string
	severity     domain.SeverityWeights
	weights      vector
}

func newFeatureSpace(cases []*domain.CaseRecord, severity domain.SeverityWeights, w domain.FeatureWeights) *featureSpace {
	fs := &featureSpace{
		severity: severity,
		weights:  vector{w.Age, w.Sex, w.Seriousness, w.Country, w.Reporter},
	}

	var ageSum float64
	var ageN int
	countries := make(map[string]int)
	for _, c := range cases {
		if c.AgeYears != nil {
			ageSum += *c.AgeYears
			ageN++
		}
		if c.Country != "" {
			countries[c.Country]++
		}
	}
	if ageN > 0 {
		fs.meanAge = ageSum / float64(ageN)
	}
	fs.modalCountry = mode(countries)
	return fs
}

func (fs *featureSpace) encode(c *domain.CaseRecord) vector {
	var v vector

	age := fs.meanAge
	if c.AgeYears != nil {
		age = *c.AgeYears
	}
	v[featAge] = clamp01(age / 100)

	switch c.Sex {
	case domain.SexMale:
		v[featSex] = 0
	case domain.SexFemale:
		v[featSex] = 1
	default:
		v[featSex] = 0.5
	}

	v[featSeriousness] = fs.severity.CaseSeverity(c)

	switch {
	case c.Country == "":
		v[featCountry] = 0.5
	case c.Country == fs.modalCountry:
		v[featCountry] = 0
	default:
		v[featCountry] = 1
	}

	switch {
	case c.ReporterType.IsProfessional():
		v[featReporter] = 0
	case c.ReporterType == domain.ReporterConsumer:
		v[featReporter] = 1
	default:
		v[featReporter] = 0.5
	}
	return v
}

// distance is the weighted squared Euclidean distance.
func (fs *featureSpace) distance(a, b vector) float64 {
	var d float64
	for i := range a {
		diff := a[i] - b[i]
		d += fs.weights[i] * diff * diff
	}
	return d
}

// mode returns the most frequent key, breaking ties lexically.
func mode(counts map[string]int) string {
	keys := make([]string, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	best, bestN := "", 0
	for _, k := range keys {
		if counts[k] > bestN {
			best, bestN = k, counts[k]
		}
	}
	return best
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
