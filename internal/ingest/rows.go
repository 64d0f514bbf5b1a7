package ingest

import (
	"sort"
	"strings"
	"time"

	"github.com/ae-signal-engine/internal/domain"
)

const reasonMissingCaseID = "missing case id"

// rowMeta is the join key and version information shared by every typed row.
type rowMeta struct {
	caseID    string
	version   int
	versioned bool
	line      int
	// primary is the FAERS primary id; byPrimary marks rows whose case id
	// fell back to it because no case id column was present.
	primary   string
	byPrimary bool
}

func (m rowMeta) meta() rowMeta { return m }

type metaRow interface {
	meta() rowMeta
}

type demoRow struct {
	rowMeta
	age        *float64
	sex        domain.Sex
	country    string
	reporter   domain.ReporterType
	reportDate *time.Time
	eventDate  *time.Time
}

type drugRow struct {
	rowMeta
	seq    int
	hasSeq bool
	name   string
	role   domain.DrugRole
}

type termRow struct {
	rowMeta
	term string
}

type outcomeRow struct {
	rowMeta
	flag domain.OutcomeFlag
}

type therapyRow struct {
	rowMeta
	seq    int
	hasSeq bool
	start  *time.Time
	end    *time.Time
}

// columnResolver caches column maps per distinct header set, so tables that
// concatenate several file vintages resolve each vintage once.
type columnResolver struct {
	aliases *AliasTable
	cache   map[string]ColumnMap
}

func newColumnResolver(aliases *AliasTable) *columnResolver {
	return &columnResolver{aliases: aliases, cache: make(map[string]ColumnMap)}
}

func (r *columnResolver) columns(fields map[string]string) ColumnMap {
	headers := make([]string, 0, len(fields))
	for h := range fields {
		headers = append(headers, h)
	}
	sort.Strings(headers)
	sig := strings.Join(headers, "\x00")
	if cols, ok := r.cache[sig]; ok {
		return cols
	}
	cols := r.aliases.ResolveRow(fields)
	r.cache[sig] = cols
	return cols
}

// rowParser turns raw rows into typed rows. It is owned by a single goroutine.
type rowParser struct {
	kind     domain.TableKind
	resolver *columnResolver
	terms    *termNormalizer
}

func newRowParser(kind domain.TableKind, aliases *AliasTable) *rowParser {
	return &rowParser{
		kind:     kind,
		resolver: newColumnResolver(aliases),
		terms:    newTermNormalizer(),
	}
}

func (p *rowParser) fail(row domain.RawTableRow, meta rowMeta, field Field, value, reason string) *domain.ParseError {
	return &domain.ParseError{
		Kind:   p.kind,
		Line:   row.Line,
		CaseID: meta.caseID,
		Field:  string(field),
		Value:  value,
		Reason: reason,
	}
}

// meta extracts the case id and version of a row. The version column wins;
// otherwise the version is derived from a FAERS primary id.
func (p *rowParser) meta(row domain.RawTableRow, cols ColumnMap) (rowMeta, *domain.ParseError) {
	m := rowMeta{line: row.Line}

	caseID := strings.TrimSpace(row.CaseID)
	if caseID == "" {
		caseID = cols.Get(row.Fields, FieldCaseID)
	}
	primary := cols.Get(row.Fields, FieldPrimaryID)
	m.primary = primary
	if caseID == "" {
		caseID = primary
	}
	m.byPrimary = primary != "" && caseID == primary && !cols.Has(FieldCaseID)
	if caseID == "" {
		return m, &domain.ParseError{Kind: p.kind, Line: row.Line, Reason: reasonMissingCaseID}
	}
	m.caseID = caseID

	if raw := cols.Get(row.Fields, FieldCaseVersion); raw != "" {
		v, ok, err := parseOptionalInt(raw)
		if err != nil {
			return m, p.fail(row, m, FieldCaseVersion, raw, err.Error())
		}
		m.version, m.versioned = v, ok
		return m, nil
	}
	if _, v, ok := splitPrimaryID(primary, caseID); ok {
		m.version, m.versioned = v, true
	}
	return m, nil
}

func (p *rowParser) parseDemo(row domain.RawTableRow) (demoRow, *domain.ParseError) {
	cols := p.resolver.columns(row.Fields)
	m, perr := p.meta(row, cols)
	if perr != nil {
		return demoRow{}, perr
	}
	d := demoRow{rowMeta: m}

	var err error
	ageRaw := cols.Get(row.Fields, FieldAge)
	if d.age, err = parseAge(ageRaw, cols.Get(row.Fields, FieldAgeUnit)); err != nil {
		return d, p.fail(row, m, FieldAge, ageRaw, err.Error())
	}
	raw := cols.Get(row.Fields, FieldReportDate)
	if d.reportDate, err = parseDate(raw); err != nil {
		return d, p.fail(row, m, FieldReportDate, raw, err.Error())
	}
	raw = cols.Get(row.Fields, FieldEventDate)
	if d.eventDate, err = parseDate(raw); err != nil {
		return d, p.fail(row, m, FieldEventDate, raw, err.Error())
	}
	d.sex = domain.ParseSex(cols.Get(row.Fields, FieldSex))
	d.reporter = domain.ParseReporterType(cols.Get(row.Fields, FieldReporterType))
	d.country = strings.ToUpper(cols.Get(row.Fields, FieldCountry))
	return d, nil
}

func (p *rowParser) parseDrug(row domain.RawTableRow) (drugRow, *domain.ParseError) {
	cols := p.resolver.columns(row.Fields)
	m, perr := p.meta(row, cols)
	if perr != nil {
		return drugRow{}, perr
	}
	d := drugRow{rowMeta: m}

	raw := cols.Get(row.Fields, FieldDrugSeq)
	seq, ok, err := parseOptionalInt(raw)
	if err != nil {
		return d, p.fail(row, m, FieldDrugSeq, raw, err.Error())
	}
	d.seq, d.hasSeq = seq, ok

	d.name = p.terms.Term(cols.Get(row.Fields, FieldDrugName))
	if d.name == "" {
		d.name = p.terms.Term(cols.Get(row.Fields, FieldActiveIngredient))
	}
	if d.name == "" {
		return d, p.fail(row, m, FieldDrugName, "", "missing drug name")
	}
	d.role = domain.ParseDrugRole(cols.Get(row.Fields, FieldRole))
	return d, nil
}

func (p *rowParser) parseTerm(row domain.RawTableRow, field Field) (termRow, *domain.ParseError) {
	cols := p.resolver.columns(row.Fields)
	m, perr := p.meta(row, cols)
	if perr != nil {
		return termRow{}, perr
	}
	t := termRow{rowMeta: m, term: p.terms.Term(cols.Get(row.Fields, field))}
	if t.term == "" {
		return t, p.fail(row, m, field, "", "missing term")
	}
	return t, nil
}

func (p *rowParser) parseOutcome(row domain.RawTableRow) (outcomeRow, *domain.ParseError) {
	cols := p.resolver.columns(row.Fields)
	m, perr := p.meta(row, cols)
	if perr != nil {
		return outcomeRow{}, perr
	}
	raw := cols.Get(row.Fields, FieldOutcome)
	flag, ok := domain.ParseOutcomeFlag(raw)
	if !ok {
		return outcomeRow{rowMeta: m}, p.fail(row, m, FieldOutcome, raw, "unknown outcome code")
	}
	return outcomeRow{rowMeta: m, flag: flag}, nil
}

func (p *rowParser) parseTherapy(row domain.RawTableRow) (therapyRow, *domain.ParseError) {
	cols := p.resolver.columns(row.Fields)
	m, perr := p.meta(row, cols)
	if perr != nil {
		return therapyRow{}, perr
	}
	t := therapyRow{rowMeta: m}

	raw := cols.Get(row.Fields, FieldDrugSeq)
	seq, ok, err := parseOptionalInt(raw)
	if err != nil {
		return t, p.fail(row, m, FieldDrugSeq, raw, err.Error())
	}
	t.seq, t.hasSeq = seq, ok

	raw = cols.Get(row.Fields, FieldStartDate)
	if t.start, err = parseDate(raw); err != nil {
		return t, p.fail(row, m, FieldStartDate, raw, err.Error())
	}
	raw = cols.Get(row.Fields, FieldEndDate)
	if t.end, err = parseDate(raw); err != nil {
		return t, p.fail(row, m, FieldEndDate, raw, err.Error())
	}
	return t, nil
}

// selectVersion keeps the rows of one case that belong to the chosen version.
// Unversioned rows always survive. When no row carries the authoritative
// version, the highest version not above it is used instead.
func selectVersion[T metaRow](rows []T, auth int, authKnown bool) ([]T, int) {
	chosen, found := 0, false
	for _, r := range rows {
		m := r.meta()
		if !m.versioned {
			continue
		}
		if authKnown && m.version > auth {
			continue
		}
		if !found || m.version > chosen {
			chosen, found = m.version, true
		}
	}

	kept := rows[:0:0]
	superseded := 0
	for _, r := range rows {
		m := r.meta()
		if !m.versioned || (found && m.version == chosen) {
			kept = append(kept, r)
			continue
		}
		superseded++
	}
	return kept, superseded
}
