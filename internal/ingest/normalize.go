package ingest

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
	"golang.org/x/text/unicode/norm"
)

// termNormalizer canonicalizes drug, reaction and indication terms. A
// cases.Caser is stateful, so each parsing goroutine owns its own normalizer.
type termNormalizer struct {
	upper cases.Caser
}

func newTermNormalizer() *termNormalizer {
	return &termNormalizer{upper: cases.Upper(language.Und)}
}

// Term applies NFKC, upper-casing and whitespace collapsing, and strips a
// trailing period that some archive vintages append to drug names.
func (n *termNormalizer) Term(s string) string {
	s = norm.NFKC.String(strings.TrimSpace(s))
	s = strings.TrimSuffix(s, ".")
	s = n.upper.String(s)
	return strings.Join(strings.Fields(s), " ")
}

// NormalizeTerm is the stateless form of the term normalizer used by callers
// building signal keys from user input.
func NormalizeTerm(s string) string {
	return newTermNormalizer().Term(s)
}

var dateLayouts = []string{
	"20060102",
	"2006-01-02",
	"2006/01/02",
	time.RFC3339,
	"200601",
	"2006-01",
	"2006",
}

// parseDate accepts the full and partial date forms used across archive
// vintages. Partial dates resolve to the first day of the period.
func parseDate(s string) (*time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	for _, layout := range dateLayouts {
		if len(layout) != len(s) && layout != time.RFC3339 {
			continue
		}
		if t, err := time.Parse(layout, s); err == nil {
			t = t.UTC()
			return &t, nil
		}
	}
	return nil, fmt.Errorf("unrecognized date format")
}

// ageFactors convert FAERS age codes to years.
var ageFactors = map[string]float64{
	"":    1,
	"YR":  1,
	"YRS": 1,
	"Y":   1,
	"DEC": 10,
	"MON": 1.0 / 12,
	"MO":  1.0 / 12,
	"WK":  7 / 365.25,
	"DY":  1 / 365.25,
	"D":   1 / 365.25,
	"HR":  1 / 8766.0,
}

// parseAge returns the patient age in years.
func parseAge(value, unit string) (*float64, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil, nil
	}
	v, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return nil, fmt.Errorf("not a number")
	}
	if v < 0 {
		return nil, fmt.Errorf("negative age")
	}
	factor, ok := ageFactors[strings.ToUpper(strings.TrimSpace(unit))]
	if !ok {
		return nil, fmt.Errorf("unknown age unit %q", unit)
	}
	years := v * factor
	if years > 150 {
		return nil, fmt.Errorf("age out of range")
	}
	return &years, nil
}

// parseOptionalInt parses an integer column that may be blank.
func parseOptionalInt(s string) (int, bool, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, false, nil
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return 0, false, fmt.Errorf("not an integer")
	}
	return v, true, nil
}

// splitPrimaryID derives (case id, version) from a FAERS primary id, which is
// the case id with the version digits appended.
func splitPrimaryID(primaryID, caseID string) (string, int, bool) {
	if primaryID == "" {
		return caseID, 0, false
	}
	if caseID != "" {
		if strings.HasPrefix(primaryID, caseID) && len(primaryID) > len(caseID) {
			if v, err := strconv.Atoi(primaryID[len(caseID):]); err == nil {
				return caseID, v, true
			}
		}
		return caseID, 0, false
	}
	return "", 0, false
}
