package ingest

import (
	"context"
	"fmt"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ae-signal-engine/internal/domain"
)

// Result is the output of one join run. Cases are sorted by case id.
type Result struct {
	Cases   []domain.CaseRecord      `json:"cases"`
	Summary *domain.IngestionSummary `json:"summary"`
}

// Joiner reconstructs case records from raw sub-table rows.
type Joiner struct {
	cfg     domain.IngestConfig
	aliases *AliasTable
}

// NewJoiner creates a join engine for the given ingestion settings.
func NewJoiner(cfg domain.IngestConfig) *Joiner {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.ShardSize <= 0 {
		cfg.ShardSize = 1000
	}
	return &Joiner{cfg: cfg, aliases: NewAliasTable(cfg.Aliases)}
}

// Aliases returns the alias table used to resolve headers.
func (j *Joiner) Aliases() *AliasTable {
	return j.aliases
}

// index is one table grouped by case id, in input order.
type index[T metaRow] struct {
	byCase     map[string][]T
	read       int
	skipped    int
	missingIDs int
	errs       []domain.ParseError
}

func buildIndex[T metaRow](rows []domain.RawTableRow, parse func(domain.RawTableRow) (T, *domain.ParseError)) *index[T] {
	idx := &index[T]{byCase: make(map[string][]T), read: len(rows)}
	for _, row := range rows {
		r, perr := parse(row)
		if perr != nil {
			idx.skipped++
			if perr.Reason == reasonMissingCaseID {
				idx.missingIDs++
			}
			idx.errs = append(idx.errs, *perr)
			continue
		}
		id := r.meta().caseID
		idx.byCase[id] = append(idx.byCase[id], r)
	}
	return idx
}

type indexes struct {
	demo        *index[demoRow]
	drugs       *index[drugRow]
	reactions   *index[termRow]
	outcomes    *index[outcomeRow]
	therapy     *index[therapyRow]
	indications *index[termRow]
}

// Join runs the join engine over one archive snapshot. Per-row failures are
// counted in the summary. A required table kind that is entirely absent
// aborts the run with a SchemaError. On cancellation the cases of completed
// shards are returned together with an error wrapping ErrCancellationRequested.
func (j *Joiner) Join(ctx context.Context, tables Tables) (*Result, error) {
	summary := domain.NewIngestionSummary()
	res := &Result{Cases: []domain.CaseRecord{}, Summary: summary}

	useFallback, err := j.checkSchema(tables)
	if err != nil {
		return nil, err
	}
	summary.FallbackUsed = useFallback

	if err := ctx.Err(); err != nil {
		summary.Cancelled = true
		return res, domain.CancelledError(err)
	}

	idx, err := j.buildIndexes(tables)
	if err != nil {
		return nil, err
	}
	j.summarizeRows(summary, idx)

	var ids []string
	if useFallback {
		ids = sortedKeys(idx.drugs.byCase)
	} else {
		ids = sortedKeys(idx.demo.byCase)
	}
	summary.CasesSeen = len(ids)

	shards := shard(ids, j.cfg.ShardSize)
	outputs := make([]shardOutput, len(shards))
	done := make([]bool, len(shards))

	var g errgroup.Group
	g.SetLimit(j.cfg.Workers)
	for i := range shards {
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if ctx.Err() != nil {
				return nil
			}
			outputs[i] = j.assembleShard(shards[i], idx, useFallback)
			done[i] = true
			return nil
		})
	}
	_ = g.Wait()

	for i := range shards {
		if !done[i] {
			summary.Cancelled = true
			continue
		}
		out := outputs[i]
		res.Cases = append(res.Cases, out.cases...)
		summary.SupersededRows += out.superseded
		summary.DroppedNoDrugs += out.noDrugs
		summary.DroppedNoReactions += out.noReactions
	}
	summary.CasesAssembled = len(res.Cases)

	if summary.Cancelled {
		return res, domain.CancelledError(ctx.Err())
	}
	return res, nil
}

// checkSchema verifies that every required kind is present and reports
// whether the demographics fallback has to be used.
func (j *Joiner) checkSchema(tables Tables) (bool, error) {
	for _, kind := range j.cfg.RequiredTables {
		if kind != domain.TableDemographics && len(tables[kind]) == 0 {
			return false, &domain.SchemaError{Kind: kind, Reason: "required table is absent"}
		}
	}
	if len(tables[domain.TableDemographics]) > 0 {
		return false, nil
	}
	if j.cfg.DemographicsFallback && len(tables[domain.TableDrug]) > 0 {
		return true, nil
	}
	return false, &domain.SchemaError{Kind: domain.TableDemographics, Reason: "required table is absent and no fallback is configured"}
}

// buildIndexes parses the six tables concurrently, one goroutine per kind.
func (j *Joiner) buildIndexes(tables Tables) (*indexes, error) {
	idx := &indexes{}
	var g errgroup.Group

	g.Go(func() error {
		p := newRowParser(domain.TableDemographics, j.aliases)
		idx.demo = buildIndex(tables[domain.TableDemographics], p.parseDemo)
		return j.requireCaseIDs(domain.TableDemographics, idx.demo.read, idx.demo.missingIDs)
	})
	g.Go(func() error {
		p := newRowParser(domain.TableDrug, j.aliases)
		idx.drugs = buildIndex(tables[domain.TableDrug], p.parseDrug)
		return j.requireCaseIDs(domain.TableDrug, idx.drugs.read, idx.drugs.missingIDs)
	})
	g.Go(func() error {
		p := newRowParser(domain.TableReaction, j.aliases)
		idx.reactions = buildIndex(tables[domain.TableReaction], func(r domain.RawTableRow) (termRow, *domain.ParseError) {
			return p.parseTerm(r, FieldReaction)
		})
		return j.requireCaseIDs(domain.TableReaction, idx.reactions.read, idx.reactions.missingIDs)
	})
	g.Go(func() error {
		p := newRowParser(domain.TableOutcome, j.aliases)
		idx.outcomes = buildIndex(tables[domain.TableOutcome], p.parseOutcome)
		return nil
	})
	g.Go(func() error {
		p := newRowParser(domain.TableTherapy, j.aliases)
		idx.therapy = buildIndex(tables[domain.TableTherapy], p.parseTherapy)
		return nil
	})
	g.Go(func() error {
		p := newRowParser(domain.TableIndication, j.aliases)
		idx.indications = buildIndex(tables[domain.TableIndication], func(r domain.RawTableRow) (termRow, *domain.ParseError) {
			return p.parseTerm(r, FieldIndication)
		})
		return nil
	})

	if err := g.Wait(); err != nil {
		return nil, err
	}
	idx.rekeyByPrimaryID()
	return idx, nil
}

// rekeyByPrimaryID moves sub-table rows that carry only a primary id onto the
// case id and version of the demographics row with that primary id.
func (idx *indexes) rekeyByPrimaryID() {
	byPrimary := make(map[string]rowMeta)
	for _, rows := range idx.demo.byCase {
		for _, r := range rows {
			if r.primary != "" && r.primary != r.caseID {
				byPrimary[r.primary] = r.rowMeta
			}
		}
	}
	if len(byPrimary) == 0 {
		return
	}
	rekey(idx.drugs, byPrimary, func(r *drugRow, m rowMeta) { r.rowMeta = m })
	rekey(idx.reactions, byPrimary, func(r *termRow, m rowMeta) { r.rowMeta = m })
	rekey(idx.outcomes, byPrimary, func(r *outcomeRow, m rowMeta) { r.rowMeta = m })
	rekey(idx.therapy, byPrimary, func(r *therapyRow, m rowMeta) { r.rowMeta = m })
	rekey(idx.indications, byPrimary, func(r *termRow, m rowMeta) { r.rowMeta = m })
}

func rekey[T metaRow](idx *index[T], byPrimary map[string]rowMeta, set func(*T, rowMeta)) {
	for _, id := range sortedKeys(idx.byCase) {
		target, ok := byPrimary[id]
		if !ok {
			continue
		}
		rows := idx.byCase[id]
		kept := rows[:0:0]
		for _, r := range rows {
			m := r.meta()
			if !m.byPrimary {
				kept = append(kept, r)
				continue
			}
			m.caseID = target.caseID
			m.byPrimary = false
			if !m.versioned {
				m.version, m.versioned = target.version, target.versioned
			}
			set(&r, m)
			idx.byCase[target.caseID] = append(idx.byCase[target.caseID], r)
		}
		if len(kept) == 0 {
			delete(idx.byCase, id)
		} else {
			idx.byCase[id] = kept
		}
	}
}

// requireCaseIDs rejects a required table none of whose rows yielded a case
// id, which means no header resolved to the join key.
func (j *Joiner) requireCaseIDs(kind domain.TableKind, read, missingIDs int) error {
	if read == 0 || missingIDs < read || !j.isRequired(kind) {
		return nil
	}
	return &domain.SchemaError{Kind: kind, Reason: "no column resolves to case_id"}
}

func (j *Joiner) isRequired(kind domain.TableKind) bool {
	for _, k := range j.cfg.RequiredTables {
		if k == kind {
			return true
		}
	}
	return false
}

func (j *Joiner) summarizeRows(s *domain.IngestionSummary, idx *indexes) {
	record := func(kind domain.TableKind, read, skipped int, errs []domain.ParseError) {
		if read == 0 {
			return
		}
		s.RowsRead[kind] = read
		s.RowsSkipped[kind] = skipped
		for _, e := range errs {
			if j.cfg.MaxParseErrors > 0 && len(s.ParseErrors) >= j.cfg.MaxParseErrors {
				return
			}
			s.ParseErrors = append(s.ParseErrors, e)
		}
	}
	record(domain.TableDemographics, idx.demo.read, idx.demo.skipped, idx.demo.errs)
	record(domain.TableDrug, idx.drugs.read, idx.drugs.skipped, idx.drugs.errs)
	record(domain.TableReaction, idx.reactions.read, idx.reactions.skipped, idx.reactions.errs)
	record(domain.TableOutcome, idx.outcomes.read, idx.outcomes.skipped, idx.outcomes.errs)
	record(domain.TableTherapy, idx.therapy.read, idx.therapy.skipped, idx.therapy.errs)
	record(domain.TableIndication, idx.indications.read, idx.indications.skipped, idx.indications.errs)
}

type shardOutput struct {
	cases       []domain.CaseRecord
	superseded  int
	noDrugs     int
	noReactions int
}

func (j *Joiner) assembleShard(ids []string, idx *indexes, fallback bool) shardOutput {
	var out shardOutput
	for _, id := range ids {
		c, superseded := assembleCase(id, idx, fallback)
		out.superseded += superseded
		switch {
		case len(c.Drugs) == 0:
			out.noDrugs++
		case len(c.Reactions) == 0:
			out.noReactions++
		default:
			out.cases = append(out.cases, c)
		}
	}
	return out
}

// authoritative picks the demographics row with the highest version; the
// earliest row wins a tie.
func authoritative(rows []demoRow) (demoRow, int) {
	best := rows[0]
	for _, r := range rows[1:] {
		if r.versioned && (!best.versioned || r.version > best.version) {
			best = r
		}
	}
	superseded := 0
	for _, r := range rows {
		if r.versioned && best.versioned && r.version < best.version {
			superseded++
		}
	}
	return best, superseded
}

func assembleCase(id string, idx *indexes, fallback bool) (domain.CaseRecord, int) {
	c := domain.CaseRecord{CaseID: id, Sex: domain.SexUnknown, ReporterType: domain.ReporterUnknown}
	superseded := 0

	var auth int
	var authKnown bool
	if !fallback {
		demo, n := authoritative(idx.demo.byCase[id])
		superseded += n
		auth, authKnown = demo.version, demo.versioned
		c.AgeYears = demo.age
		c.Sex = demo.sex
		c.Country = demo.country
		c.ReporterType = demo.reporter
		c.ReportDate = demo.reportDate
		c.EventDate = demo.eventDate
	} else {
		for _, d := range idx.drugs.byCase[id] {
			if d.versioned && (!authKnown || d.version > auth) {
				auth, authKnown = d.version, true
			}
		}
	}
	c.CaseVersion = auth

	drugs, n := selectVersion(idx.drugs.byCase[id], auth, authKnown)
	superseded += n
	reactions, n := selectVersion(idx.reactions.byCase[id], auth, authKnown)
	superseded += n
	outcomes, n := selectVersion(idx.outcomes.byCase[id], auth, authKnown)
	superseded += n
	therapy, n := selectVersion(idx.therapy.byCase[id], auth, authKnown)
	superseded += n
	indications, n := selectVersion(idx.indications.byCase[id], auth, authKnown)
	superseded += n

	c.Drugs = buildDrugs(drugs)
	c.Reactions = termSet(reactions)
	c.Outcomes = outcomeSet(outcomes)
	c.TherapyWindows = buildTherapy(therapy, c.Drugs)
	c.Indications = termSet(indications)
	return c, superseded
}

// buildDrugs orders drugs by sequence number, keeping input order for rows
// without one, and drops rows repeated by overlapping extracts.
func buildDrugs(rows []drugRow) []domain.DrugEntry {
	sorted := append([]drugRow(nil), rows...)
	sort.SliceStable(sorted, func(a, b int) bool {
		if sorted[a].hasSeq != sorted[b].hasSeq {
			return sorted[a].hasSeq
		}
		return sorted[a].seq < sorted[b].seq
	})

	seen := make(map[domain.DrugEntry]struct{}, len(sorted))
	out := make([]domain.DrugEntry, 0, len(sorted))
	for _, r := range sorted {
		e := domain.DrugEntry{Seq: r.seq, Name: r.name, Role: r.role}
		if _, ok := seen[e]; ok {
			continue
		}
		seen[e] = struct{}{}
		out = append(out, e)
	}
	return out
}

func buildTherapy(rows []therapyRow, drugs []domain.DrugEntry) []domain.TherapyWindow {
	names := make(map[int]string, len(drugs))
	for _, d := range drugs {
		if _, ok := names[d.Seq]; !ok {
			names[d.Seq] = d.Name
		}
	}
	out := make([]domain.TherapyWindow, 0, len(rows))
	for _, r := range rows {
		out = append(out, domain.TherapyWindow{
			DrugSeq:  r.seq,
			DrugName: names[r.seq],
			Start:    r.start,
			End:      r.end,
		})
	}
	sort.SliceStable(out, func(a, b int) bool {
		if out[a].DrugSeq != out[b].DrugSeq {
			return out[a].DrugSeq < out[b].DrugSeq
		}
		return timeBefore(out[a].Start, out[b].Start)
	})
	return out
}

func termSet(rows []termRow) []string {
	seen := make(map[string]struct{}, len(rows))
	out := make([]string, 0, len(rows))
	for _, r := range rows {
		if _, ok := seen[r.term]; ok {
			continue
		}
		seen[r.term] = struct{}{}
		out = append(out, r.term)
	}
	sort.Strings(out)
	return out
}

func outcomeSet(rows []outcomeRow) []domain.OutcomeFlag {
	seen := make(map[domain.OutcomeFlag]struct{}, len(rows))
	out := make([]domain.OutcomeFlag, 0, len(rows))
	for _, r := range rows {
		if _, ok := seen[r.flag]; ok {
			continue
		}
		seen[r.flag] = struct{}{}
		out = append(out, r.flag)
	}
	sort.Slice(out, func(a, b int) bool { return out[a] < out[b] })
	return out
}

func timeBefore(a, b *time.Time) bool {
	switch {
	case a == nil:
		return false
	case b == nil:
		return true
	default:
		return a.Before(*b)
	}
}

func sortedKeys[T any](m map[string][]T) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func shard(ids []string, size int) [][]string {
	shards := make([][]string, 0, len(ids)/size+1)
	for start := 0; start < len(ids); start += size {
		end := min(start+size, len(ids))
		shards = append(shards, ids[start:end])
	}
	return shards
}

// Summarize renders a one-line description of a summary for logs and CLIs.
func Summarize(s *domain.IngestionSummary) string {
	return fmt.Sprintf("cases=%d assembled=%d dropped=%d skipped_rows=%d superseded_rows=%d",
		s.CasesSeen, s.CasesAssembled, s.CasesDropped(), s.TotalSkipped(), s.SupersededRows)
}
