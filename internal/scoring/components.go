// Package scoring ranks signals by a composite priority score that combines
// rarity, seriousness, recency and volume, with interaction bonuses when
// several of them are high at once.
package scoring

import (
	"time"

	"github.com/ae-signal-engine/internal/domain"
)

const daysPerMonth = 30.4375

// Components computes the score breakdown of one signal from its cases.
// total is the size of the whole case set.
func Components(cfg domain.ScoringConfig, cases []*domain.CaseRecord, total int, ref time.Time) domain.ScoreComponents {
	count := len(cases)
	var comp domain.ScoreComponents
	if total > 0 {
		comp.Rarity = clamp01(1 - float64(count)/float64(total))
	}
	if count > 0 {
		var severity, recency float64
		for _, c := range cases {
			severity += cfg.Severity.CaseSeverity(c)
			recency += RecencyWeight(cfg, c, ref)
		}
		comp.Seriousness = clamp01(severity / float64(count))
		comp.Recency = clamp01(recency / float64(count))
	}
	if cfg.CountSaturation > 0 {
		comp.Count = clamp01(float64(count) / cfg.CountSaturation)
	} else if count > 0 {
		comp.Count = 1
	}

	w := cfg.Weights
	comp.Base = w.Rarity*comp.Rarity + w.Seriousness*comp.Seriousness + w.Recency*comp.Recency + w.Count*comp.Count
	comp.Bonus = Bonus(cfg, comp)
	return comp
}

// Composite is the clamped sum of base score and bonus.
func Composite(comp domain.ScoreComponents) float64 {
	return clamp01(comp.Base + comp.Bonus)
}

// RecencyWeight is 1 for cases dated within the recency window before ref,
// then decays linearly to the floor. Undated cases get the floor.
func RecencyWeight(cfg domain.ScoringConfig, c *domain.CaseRecord, ref time.Time) float64 {
	date, ok := c.Date()
	if !ok || ref.IsZero() {
		return cfg.RecencyFloor
	}
	months := ref.Sub(date).Hours() / 24 / daysPerMonth
	if months <= cfg.RecencyWindowMonths {
		return 1
	}
	if cfg.RecencyDecayMonths <= 0 {
		return cfg.RecencyFloor
	}
	w := 1 - (months-cfg.RecencyWindowMonths)/cfg.RecencyDecayMonths*(1-cfg.RecencyFloor)
	if w < cfg.RecencyFloor {
		return cfg.RecencyFloor
	}
	return w
}

// Bonus returns the interaction bonus of a component set. The all-three bonus
// replaces the pairwise ones. Components just below their threshold earn the
// boundary bonus.
func Bonus(cfg domain.ScoringConfig, comp domain.ScoreComponents) float64 {
	th := cfg.Thresholds
	rare := comp.Rarity >= th.Rarity
	serious := comp.Seriousness >= th.Seriousness
	recent := comp.Recency >= th.Recency

	b := cfg.Bonuses
	var bonus float64
	switch {
	case rare && serious && recent:
		bonus = b.AllThree
	default:
		if rare && serious {
			bonus += b.RareSerious
		}
		if rare && recent {
			bonus += b.RareRecent
		}
		if serious && recent {
			bonus += b.SeriousRecent
		}
	}

	for _, dim := range [][2]float64{
		{comp.Rarity, th.Rarity},
		{comp.Seriousness, th.Seriousness},
		{comp.Recency, th.Recency},
	} {
		if nearThreshold(dim[0], dim[1], b.BoundaryMargin) {
			bonus += b.Boundary
		}
	}
	return bonus
}

func nearThreshold(v, threshold, margin float64) bool {
	return margin > 0 && v < threshold && v >= threshold-margin
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
