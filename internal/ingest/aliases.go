// Package ingest reconstructs flattened case records from the six relational
// sub-tables of an adverse-event case archive.
package ingest

import (
	"strings"
)

// Field is a logical column known to the join engine. Raw headers are mapped
// onto fields once per table through the alias table.
type Field string

const (
	FieldCaseID           Field = "case_id"
	FieldPrimaryID        Field = "primary_id"
	FieldCaseVersion      Field = "case_version"
	FieldAge              Field = "age"
	FieldAgeUnit          Field = "age_unit"
	FieldSex              Field = "sex"
	FieldCountry          Field = "country"
	FieldReporterType     Field = "reporter_type"
	FieldEventDate        Field = "event_date"
	FieldReportDate       Field = "report_date"
	FieldDrugSeq          Field = "drug_seq"
	FieldDrugName         Field = "drug_name"
	FieldActiveIngredient Field = "active_ingredient"
	FieldRole             Field = "role"
	FieldReaction         Field = "reaction"
	FieldOutcome          Field = "outcome"
	FieldStartDate        Field = "start_date"
	FieldEndDate          Field = "end_date"
	FieldIndication       Field = "indication"
)

// allFields fixes resolution order.
var allFields = []Field{
	FieldCaseID, FieldPrimaryID, FieldCaseVersion, FieldAge, FieldAgeUnit, FieldSex,
	FieldCountry, FieldReporterType, FieldEventDate, FieldReportDate, FieldDrugSeq,
	FieldDrugName, FieldActiveIngredient, FieldRole, FieldReaction, FieldOutcome,
	FieldStartDate, FieldEndDate, FieldIndication,
}

// Aliases are listed in priority order: when several are present in one
// header row, the earliest wins.
func defaultAliases() map[Field][]string {
	return map[Field][]string{
		FieldCaseID:           {"case_id", "caseid", "case", "isr_case"},
		FieldPrimaryID:        {"primaryid", "primary_id", "isr"},
		FieldCaseVersion:      {"case_version", "caseversion", "version"},
		FieldAge:              {"age", "patient_age"},
		FieldAgeUnit:          {"age_cod", "age_unit", "age_code"},
		FieldSex:              {"sex", "gndr_cod", "gender"},
		FieldCountry:          {"occr_country", "country", "reporter_country", "occurcountry"},
		FieldReporterType:     {"occp_cod", "reporter_type", "occupation", "qualification"},
		FieldEventDate:        {"event_dt", "event_date", "onset_date"},
		FieldReportDate:       {"fda_dt", "init_fda_dt", "rept_dt", "receipt_date", "report_date"},
		FieldDrugSeq:          {"drug_seq", "dsg_drug_seq", "drugseq"},
		FieldDrugName:         {"drugname", "drug_name", "drug", "medicinalproduct"},
		FieldActiveIngredient: {"prod_ai", "active_ingredient", "activesubstancename"},
		FieldRole:             {"role_cod", "role", "drugcharacterization"},
		FieldReaction:         {"pt", "reaction", "reaction_pt", "reactionmeddrapt"},
		FieldOutcome:          {"outc_cod", "outcome", "outc_code"},
		FieldStartDate:        {"start_dt", "start_date", "drugstartdate"},
		FieldEndDate:          {"end_dt", "end_date", "drugenddate"},
		FieldIndication:       {"indi_pt", "indication", "drugindication"},
	}
}

// AliasTable maps raw header names onto logical fields.
type AliasTable struct {
	aliases map[Field][]string
}

// NewAliasTable builds the alias table from the defaults plus caller-provided
// extras, keyed by logical field name.
func NewAliasTable(extra map[string][]string) *AliasTable {
	aliases := defaultAliases()
	for name, names := range extra {
		f := Field(normalizeHeader(name))
		for _, n := range names {
			aliases[f] = append(aliases[f], normalizeHeader(n))
		}
	}
	return &AliasTable{aliases: aliases}
}

// ColumnMap is the per-table resolution of logical fields to raw header keys.
type ColumnMap map[Field]string

// Resolve maps the headers of one table onto logical fields.
func (t *AliasTable) Resolve(headers []string) ColumnMap {
	present := make(map[string]string, len(headers))
	for _, h := range headers {
		n := normalizeHeader(h)
		if _, ok := present[n]; !ok {
			present[n] = h
		}
	}

	cols := make(ColumnMap)
	for _, f := range allFields {
		for _, alias := range t.aliases[f] {
			if raw, ok := present[alias]; ok {
				cols[f] = raw
				break
			}
		}
	}
	return cols
}

// ResolveRow resolves the columns of a single row's field map.
func (t *AliasTable) ResolveRow(fields map[string]string) ColumnMap {
	headers := make([]string, 0, len(fields))
	for h := range fields {
		headers = append(headers, h)
	}
	return t.Resolve(headers)
}

// Get returns the trimmed value of a logical field in a row.
func (c ColumnMap) Get(fields map[string]string, f Field) string {
	raw, ok := c[f]
	if !ok {
		return ""
	}
	return strings.TrimSpace(fields[raw])
}

// Has reports whether the logical field was resolved.
func (c ColumnMap) Has(f Field) bool {
	_, ok := c[f]
	return ok
}

// normalizeHeader lower-cases a header and folds separators so that
// "Case ID", "case-id" and "CASE_ID" compare equal.
func normalizeHeader(h string) string {
	h = strings.TrimSpace(strings.TrimPrefix(h, "\ufeff"))
	h = strings.ToLower(h)
	return strings.Map(func(r rune) rune {
		switch r {
		case ' ', '-', '.':
			return '_'
		}
		return r
	}, h)
}
