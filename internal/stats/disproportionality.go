package stats

import (
	"math"

	"github.com/ae-signal-engine/internal/domain"
)

// Evans et al. screening thresholds.
const (
	evansMinPRR   = 2.0
	evansMinChi2  = 4.0
	evansMinCases = 3
)

// Compute derives the disproportionality statistics of one contingency
// table. Any ratio whose denominator is zero, and every ratio of a table
// with a = 0, is reported as undefined.
func Compute(key domain.SignalKey, counts domain.ContingencyCounts, cfg domain.StatsConfig) domain.Disproportionality {
	z := cfg.ZCritical
	if z <= 0 {
		z = 1.96
	}

	out := domain.Disproportionality{
		Key:                key,
		Counts:             counts,
		PRR:                domain.Undefined,
		PRRLower:           domain.Undefined,
		PRRUpper:           domain.Undefined,
		ROR:                domain.Undefined,
		RORLower:           domain.Undefined,
		RORUpper:           domain.Undefined,
		ChiSquared:         chiSquaredYates(counts),
		LowCountUnreliable: counts.A < cfg.MinCaseCount || counts.A == 0,
	}

	a, b, c, d := float64(counts.A), float64(counts.B), float64(counts.C), float64(counts.D)

	if counts.A > 0 && counts.C > 0 && a+b > 0 && c+d > 0 {
		prr := (a / (a + b)) / (c / (c + d))
		se := math.Sqrt(1/a - 1/(a+b) + 1/c - 1/(c+d))
		out.PRR = domain.DefinedRatio(prr)
		out.PRRLower, out.PRRUpper = logNormalCI(prr, se, z)
	}

	// With d = 0 the odds ratio is a defined zero; its interval is not.
	if counts.A > 0 && counts.B > 0 && counts.C > 0 {
		ror := (a * d) / (b * c)
		se := math.Sqrt(1/a + 1/b + 1/c + 1/d)
		out.ROR = domain.DefinedRatio(ror)
		out.RORLower, out.RORUpper = logNormalCI(ror, se, z)
	}

	out.MeetsEvansCriteria = out.PRR.AtLeast(evansMinPRR) &&
		out.ChiSquared.AtLeast(evansMinChi2) &&
		counts.A >= evansMinCases
	return out
}

// logNormalCI returns exp(ln(ratio) ± z·se).
func logNormalCI(ratio, se, z float64) (domain.Ratio, domain.Ratio) {
	if ratio <= 0 || math.IsNaN(se) {
		return domain.Undefined, domain.Undefined
	}
	l := math.Log(ratio)
	return domain.DefinedRatio(math.Exp(l - z*se)), domain.DefinedRatio(math.Exp(l + z*se))
}

// chiSquaredYates is the Yates-corrected chi-squared statistic of the table.
// It is undefined when any marginal total is zero.
func chiSquaredYates(counts domain.ContingencyCounts) domain.Ratio {
	a, b, c, d := float64(counts.A), float64(counts.B), float64(counts.C), float64(counts.D)
	n := a + b + c + d
	den := (a + b) * (c + d) * (a + c) * (b + d)
	if den == 0 {
		return domain.Undefined
	}
	diff := math.Abs(a*d-b*c) - n/2
	if diff < 0 {
		diff = 0
	}
	return domain.DefinedRatio(n * diff * diff / den)
}
