package domain

import (
	"sort"
	"time"
)

// RawTableRow is one row of one sub-table as read from an archive file. Field
// names are the raw column headers; they are resolved to typed CaseRecord
// fields exactly once, at the ingestion boundary.
type RawTableRow struct {
	CaseID string            `json:"case_id"`
	Kind   TableKind         `json:"table_kind"`
	Line   int               `json:"line"`
	Fields map[string]string `json:"fields"`
}

// DrugEntry is one drug administered in a case.
type DrugEntry struct {
	Seq  int      `json:"seq"`
	Name string   `json:"name"`
	Role DrugRole `json:"role"`
}

// TherapyWindow is the administration period of one drug.
type TherapyWindow struct {
	DrugSeq  int        `json:"drug_seq"`
	DrugName string     `json:"drug_name,omitempty"`
	Start    *time.Time `json:"start,omitempty"`
	End      *time.Time `json:"end,omitempty"`
}

// CaseRecord is the flattened, reconstructed unit of work. It is created once
// by the join engine and treated as read-only by every consumer.
type CaseRecord struct {
	CaseID         string          `json:"case_id"`
	CaseVersion    int             `json:"case_version"`
	AgeYears       *float64        `json:"age_years,omitempty"`
	Sex            Sex             `json:"sex"`
	Country        string          `json:"country,omitempty"`
	ReporterType   ReporterType    `json:"reporter_type"`
	ReportDate     *time.Time      `json:"report_date,omitempty"`
	EventDate      *time.Time      `json:"event_date,omitempty"`
	Drugs          []DrugEntry     `json:"drugs"`
	Reactions      []string        `json:"reactions"`
	Outcomes       []OutcomeFlag   `json:"outcomes"`
	TherapyWindows []TherapyWindow `json:"therapy_windows"`
	Indications    []string        `json:"indications"`
}

// DrugNames returns the sorted distinct drug names of the case. When
// suspectOnly is set, concomitant drugs are excluded.
func (c *CaseRecord) DrugNames(suspectOnly bool) []string {
	seen := make(map[string]struct{}, len(c.Drugs))
	out := make([]string, 0, len(c.Drugs))
	for _, d := range c.Drugs {
		if suspectOnly && d.Role == RoleConcomitant {
			continue
		}
		if _, ok := seen[d.Name]; ok {
			continue
		}
		seen[d.Name] = struct{}{}
		out = append(out, d.Name)
	}
	sort.Strings(out)
	return out
}

// HasDrug reports whether the case lists the named drug in any role.
func (c *CaseRecord) HasDrug(name string) bool {
	for _, d := range c.Drugs {
		if d.Name == name {
			return true
		}
	}
	return false
}

// HasReaction reports whether the case lists the reaction term.
func (c *CaseRecord) HasReaction(term string) bool {
	i := sort.SearchStrings(c.Reactions, term)
	return i < len(c.Reactions) && c.Reactions[i] == term
}

// HasOutcome reports whether the outcome flag is set on the case.
func (c *CaseRecord) HasOutcome(flag OutcomeFlag) bool {
	for _, o := range c.Outcomes {
		if o == flag {
			return true
		}
	}
	return false
}

// IsSerious reports whether the case carries at least one serious outcome.
func (c *CaseRecord) IsSerious() bool {
	return len(c.Outcomes) > 0
}

// Date returns the date used for time-based analysis: the report receipt date,
// falling back to the event date.
func (c *CaseRecord) Date() (time.Time, bool) {
	if c.ReportDate != nil {
		return *c.ReportDate, true
	}
	if c.EventDate != nil {
		return *c.EventDate, true
	}
	return time.Time{}, false
}

// SortCases orders cases by case id, the fixed sort key of every engine output.
func SortCases(cases []CaseRecord) {
	sort.Slice(cases, func(i, j int) bool { return cases[i].CaseID < cases[j].CaseID })
}
