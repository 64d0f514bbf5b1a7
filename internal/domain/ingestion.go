package domain

// IngestionSummary aggregates the per-row and per-case outcomes of one
// ingestion run. Skipped rows and dropped cases are reported here rather than
// raised as errors.
type IngestionSummary struct {
	RowsRead           map[TableKind]int `json:"rows_read"`
	RowsSkipped        map[TableKind]int `json:"rows_skipped"`
	ParseErrors        []ParseError      `json:"parse_errors,omitempty"`
	SupersededRows     int               `json:"superseded_rows"`
	CasesSeen          int               `json:"cases_seen"`
	CasesAssembled     int               `json:"cases_assembled"`
	DroppedNoDrugs     int               `json:"dropped_no_drugs"`
	DroppedNoReactions int               `json:"dropped_no_reactions"`
	FallbackUsed       bool              `json:"fallback_used"`
	Cancelled          bool              `json:"cancelled"`
}

// NewIngestionSummary returns a summary with initialized counters.
func NewIngestionSummary() *IngestionSummary {
	return &IngestionSummary{
		RowsRead:    make(map[TableKind]int, len(AllTableKinds)),
		RowsSkipped: make(map[TableKind]int, len(AllTableKinds)),
	}
}

// TotalSkipped returns the number of skipped rows over all tables.
func (s *IngestionSummary) TotalSkipped() int {
	total := 0
	for _, n := range s.RowsSkipped {
		total += n
	}
	return total
}

// CasesDropped returns the number of cases discarded during assembly.
func (s *IngestionSummary) CasesDropped() int {
	return s.DroppedNoDrugs + s.DroppedNoReactions
}
