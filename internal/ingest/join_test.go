package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ae-signal-engine/internal/domain"
)

func row(kind domain.TableKind, line int, fields map[string]string) domain.RawTableRow {
	return domain.RawTableRow{Kind: kind, Line: line, Fields: fields}
}

func demo(line int, caseID, version, age, sex, country, fdaDate string) domain.RawTableRow {
	return row(domain.TableDemographics, line, map[string]string{
		"caseid": caseID, "caseversion": version, "age": age, "age_cod": "YR",
		"sex": sex, "occr_country": country, "occp_cod": "MD", "fda_dt": fdaDate,
	})
}

func drug(line int, caseID, version, seq, name, role string) domain.RawTableRow {
	return row(domain.TableDrug, line, map[string]string{
		"caseid": caseID, "caseversion": version, "drug_seq": seq, "drugname": name, "role_cod": role,
	})
}

func reac(line int, caseID, version, pt string) domain.RawTableRow {
	return row(domain.TableReaction, line, map[string]string{"caseid": caseID, "caseversion": version, "pt": pt})
}

func outc(line int, caseID, version, code string) domain.RawTableRow {
	return row(domain.TableOutcome, line, map[string]string{"caseid": caseID, "caseversion": version, "outc_cod": code})
}

func sampleTables() Tables {
	return Tables{
		domain.TableDemographics: {
			demo(2, "100", "1", "40", "F", "US", "20240101"),
			demo(3, "100", "2", "41", "F", "US", "20240301"),
			demo(4, "200", "1", "65", "M", "GB", "20231115"),
			demo(5, "300", "1", "30", "M", "FR", "20240210"),
			demo(6, "400", "1", "22", "F", "DE", "20240120"),
		},
		domain.TableDrug: {
			drug(2, "100", "1", "1", "Aspirin", "PS"),
			drug(3, "100", "2", "1", "warfarin ", "PS"),
			drug(4, "100", "2", "2", "aspirin", "C"),
			drug(5, "200", "1", "1", "METFORMIN", "PS"),
			drug(6, "400", "1", "1", "IBUPROFEN", "PS"),
		},
		domain.TableReaction: {
			reac(2, "100", "1", "Nausea"),
			reac(3, "100", "2", "haemorrhage"),
			reac(4, "200", "1", "LACTIC ACIDOSIS"),
			reac(5, "300", "1", "RASH"),
		},
		domain.TableOutcome: {
			outc(2, "100", "2", "HO"),
			outc(3, "200", "1", "DE"),
		},
	}
}

func newTestJoiner() *Joiner {
	return NewJoiner(domain.DefaultEngineConfig().Ingest)
}

func TestJoinAssemblesCases(t *testing.T) {
	res, err := newTestJoiner().Join(context.Background(), sampleTables())
	require.NoError(t, err)
	require.Len(t, res.Cases, 2)

	c := res.Cases[0]
	assert.Equal(t, "100", c.CaseID)
	assert.Equal(t, 2, c.CaseVersion)
	require.NotNil(t, c.AgeYears)
	assert.Equal(t, 41.0, *c.AgeYears)
	assert.Equal(t, []domain.DrugEntry{
		{Seq: 1, Name: "WARFARIN", Role: domain.RoleSuspect},
		{Seq: 2, Name: "ASPIRIN", Role: domain.RoleConcomitant},
	}, c.Drugs)
	assert.Equal(t, []string{"HAEMORRHAGE"}, c.Reactions)
	assert.Equal(t, []domain.OutcomeFlag{domain.OutcomeHospitalization}, c.Outcomes)
	assert.Equal(t, domain.ReporterPhysician, c.ReporterType)

	assert.Equal(t, "200", res.Cases[1].CaseID)
	assert.Equal(t, []domain.OutcomeFlag{domain.OutcomeDeath}, res.Cases[1].Outcomes)
	assert.Empty(t, res.Cases[1].TherapyWindows)
}

func TestJoinSummary(t *testing.T) {
	res, err := newTestJoiner().Join(context.Background(), sampleTables())
	require.NoError(t, err)

	s := res.Summary
	assert.Equal(t, 4, s.CasesSeen)
	assert.Equal(t, 2, s.CasesAssembled)
	assert.Equal(t, 1, s.DroppedNoDrugs, "case 300 has no drug rows")
	assert.Equal(t, 1, s.DroppedNoReactions, "case 400 has no reaction rows")
	assert.Equal(t, 5, s.RowsRead[domain.TableDemographics])
	// demographics v1 of case 100, plus its v1 drug and reaction rows
	assert.Equal(t, 3, s.SupersededRows)
	assert.Zero(t, s.TotalSkipped())
	assert.False(t, s.Cancelled)
}

func TestJoinEveryCaseHasDrugsAndReactions(t *testing.T) {
	res, err := newTestJoiner().Join(context.Background(), sampleTables())
	require.NoError(t, err)
	for _, c := range res.Cases {
		assert.NotEmpty(t, c.Drugs, c.CaseID)
		assert.NotEmpty(t, c.Reactions, c.CaseID)
	}
}

func TestJoinIsIdempotent(t *testing.T) {
	j := newTestJoiner()
	first, err := j.Join(context.Background(), sampleTables())
	require.NoError(t, err)
	second, err := j.Join(context.Background(), sampleTables())
	require.NoError(t, err)

	a, err := json.Marshal(first.Cases)
	require.NoError(t, err)
	b, err := json.Marshal(second.Cases)
	require.NoError(t, err)
	assert.Equal(t, string(a), string(b))
}

func TestJoinShardingMatchesSingleShard(t *testing.T) {
	cfg := domain.DefaultEngineConfig().Ingest
	cfg.ShardSize = 1
	cfg.Workers = 3
	sharded, err := NewJoiner(cfg).Join(context.Background(), sampleTables())
	require.NoError(t, err)

	single, err := newTestJoiner().Join(context.Background(), sampleTables())
	require.NoError(t, err)
	assert.Equal(t, single.Cases, sharded.Cases)
	assert.Equal(t, single.Summary.SupersededRows, sharded.Summary.SupersededRows)
}

func TestJoinVersionResolution(t *testing.T) {
	tests := []struct {
		name      string
		drugs     []domain.RawTableRow
		wantDrugs []string
	}{
		{
			name:      "Rows of the authoritative version win",
			drugs:     []domain.RawTableRow{drug(2, "1", "3", "1", "A", "PS"), drug(3, "1", "2", "1", "B", "PS")},
			wantDrugs: []string{"A"},
		},
		{
			name:      "Falls back to highest version below authoritative",
			drugs:     []domain.RawTableRow{drug(2, "1", "1", "1", "A", "PS"), drug(3, "1", "2", "1", "B", "PS")},
			wantDrugs: []string{"B"},
		},
		{
			name:      "Newer sub-table versions are ignored",
			drugs:     []domain.RawTableRow{drug(2, "1", "4", "1", "A", "PS"), drug(3, "1", "3", "1", "B", "PS")},
			wantDrugs: []string{"B"},
		},
		{
			name: "Unversioned rows are kept",
			drugs: []domain.RawTableRow{
				row(domain.TableDrug, 2, map[string]string{"caseid": "1", "drugname": "C"}),
				drug(3, "1", "3", "2", "B", "PS"),
			},
			wantDrugs: []string{"B", "C"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tables := Tables{
				domain.TableDemographics: {
					demo(2, "1", "3", "50", "M", "US", "20240101"),
					demo(3, "1", "1", "49", "M", "US", "20230101"),
				},
				domain.TableDrug:     tt.drugs,
				domain.TableReaction: {reac(2, "1", "3", "RASH")},
			}
			res, err := newTestJoiner().Join(context.Background(), tables)
			require.NoError(t, err)
			require.Len(t, res.Cases, 1)
			assert.Equal(t, 3, res.Cases[0].CaseVersion)
			assert.Equal(t, tt.wantDrugs, res.Cases[0].DrugNames(false))
		})
	}
}

func TestJoinVersionFromPrimaryID(t *testing.T) {
	tables := Tables{
		domain.TableDemographics: {
			row(domain.TableDemographics, 2, map[string]string{"primaryid": "5551", "caseid": "555", "sex": "F"}),
			row(domain.TableDemographics, 3, map[string]string{"primaryid": "5552", "caseid": "555", "sex": "F"}),
		},
		domain.TableDrug: {
			row(domain.TableDrug, 2, map[string]string{"primaryid": "5551", "caseid": "555", "drugname": "OLD"}),
			row(domain.TableDrug, 3, map[string]string{"primaryid": "5552", "caseid": "555", "drugname": "NEW"}),
		},
		domain.TableReaction: {
			row(domain.TableReaction, 2, map[string]string{"primaryid": "5552", "caseid": "555", "pt": "RASH"}),
		},
	}
	res, err := newTestJoiner().Join(context.Background(), tables)
	require.NoError(t, err)
	require.Len(t, res.Cases, 1)
	assert.Equal(t, 2, res.Cases[0].CaseVersion)
	assert.Equal(t, []string{"NEW"}, res.Cases[0].DrugNames(false))
}

func TestJoinSubTablesKeyedByPrimaryID(t *testing.T) {
	tables := Tables{
		domain.TableDemographics: {
			row(domain.TableDemographics, 2, map[string]string{"primaryid": "1001", "caseid": "100", "caseversion": "1", "sex": "M"}),
			row(domain.TableDemographics, 3, map[string]string{"primaryid": "1002", "caseid": "100", "caseversion": "2", "sex": "F"}),
		},
		domain.TableDrug: {
			row(domain.TableDrug, 2, map[string]string{"primaryid": "1001", "drugname": "OLD"}),
			row(domain.TableDrug, 3, map[string]string{"primaryid": "1002", "drugname": "NEW"}),
		},
		domain.TableReaction: {
			row(domain.TableReaction, 2, map[string]string{"primaryid": "1002", "pt": "RASH"}),
		},
		domain.TableOutcome: {
			row(domain.TableOutcome, 2, map[string]string{"primaryid": "1002", "outc_cod": "HO"}),
		},
	}
	// The file reader fills CaseID from the primary id when no case id column exists.
	tables[domain.TableReaction][0].CaseID = "1002"

	res, err := newTestJoiner().Join(context.Background(), tables)
	require.NoError(t, err)
	require.Len(t, res.Cases, 1)

	c := res.Cases[0]
	assert.Equal(t, "100", c.CaseID)
	assert.Equal(t, 2, c.CaseVersion)
	assert.Equal(t, domain.SexFemale, c.Sex)
	assert.Equal(t, []string{"NEW"}, c.DrugNames(false))
	assert.Equal(t, []string{"RASH"}, c.Reactions)
	assert.Equal(t, []domain.OutcomeFlag{domain.OutcomeHospitalization}, c.Outcomes)
	assert.Zero(t, res.Summary.DroppedNoDrugs)
	assert.Equal(t, 2, res.Summary.SupersededRows)
}

func TestJoinAliasedHeaders(t *testing.T) {
	tables := Tables{
		domain.TableDemographics: {row(domain.TableDemographics, 2, map[string]string{"Case ID": "9", "Gender": "male", "Country": "us"})},
		domain.TableDrug:         {row(domain.TableDrug, 2, map[string]string{"CASE_ID": "9", "Drug_Name": "Metformin"})},
		domain.TableReaction:     {row(domain.TableReaction, 2, map[string]string{"case-id": "9", "Reaction_PT": "Lactic acidosis"})},
	}
	res, err := newTestJoiner().Join(context.Background(), tables)
	require.NoError(t, err)
	require.Len(t, res.Cases, 1)
	c := res.Cases[0]
	assert.Equal(t, domain.SexMale, c.Sex)
	assert.Equal(t, "US", c.Country)
	assert.Equal(t, []string{"METFORMIN"}, c.DrugNames(false))
	assert.Equal(t, []string{"LACTIC ACIDOSIS"}, c.Reactions)
}

func TestJoinConfiguredAliases(t *testing.T) {
	cfg := domain.DefaultEngineConfig().Ingest
	cfg.Aliases = map[string][]string{"reaction": {"adverse_event"}}
	tables := Tables{
		domain.TableDemographics: {demo(2, "1", "1", "", "F", "US", "")},
		domain.TableDrug:         {drug(2, "1", "1", "1", "X", "PS")},
		domain.TableReaction:     {row(domain.TableReaction, 2, map[string]string{"caseid": "1", "Adverse Event": "headache"})},
	}
	res, err := NewJoiner(cfg).Join(context.Background(), tables)
	require.NoError(t, err)
	require.Len(t, res.Cases, 1)
	assert.Equal(t, []string{"HEADACHE"}, res.Cases[0].Reactions)
}

func TestJoinSkipsMalformedRows(t *testing.T) {
	tables := sampleTables()
	tables[domain.TableDemographics] = append(tables[domain.TableDemographics],
		demo(7, "500", "1", "abc", "F", "US", "20240101"),
		demo(8, "600", "1", "30", "F", "US", "2024-13-45"),
	)
	tables[domain.TableOutcome] = append(tables[domain.TableOutcome], outc(4, "100", "2", "ZZ"))

	res, err := newTestJoiner().Join(context.Background(), tables)
	require.NoError(t, err)
	assert.Len(t, res.Cases, 2)
	assert.Equal(t, 2, res.Summary.RowsSkipped[domain.TableDemographics])
	assert.Equal(t, 1, res.Summary.RowsSkipped[domain.TableOutcome])
	require.Len(t, res.Summary.ParseErrors, 3)
	assert.Equal(t, "age", res.Summary.ParseErrors[0].Field)
	assert.Equal(t, 7, res.Summary.ParseErrors[0].Line)
}

func TestJoinParseErrorSampleIsCapped(t *testing.T) {
	cfg := domain.DefaultEngineConfig().Ingest
	cfg.MaxParseErrors = 1
	tables := sampleTables()
	tables[domain.TableReaction] = append(tables[domain.TableReaction],
		reac(6, "", "1", "X"),
		reac(7, "", "1", "Y"),
	)
	res, err := NewJoiner(cfg).Join(context.Background(), tables)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Summary.RowsSkipped[domain.TableReaction])
	assert.Len(t, res.Summary.ParseErrors, 1)
}

func TestJoinSchemaErrors(t *testing.T) {
	tests := []struct {
		name     string
		mutate   func(Tables)
		fallback bool
		kind     domain.TableKind
	}{
		{
			name:   "Missing reaction table",
			mutate: func(tb Tables) { delete(tb, domain.TableReaction) },
			kind:   domain.TableReaction,
		},
		{
			name:   "Missing demographics without fallback",
			mutate: func(tb Tables) { delete(tb, domain.TableDemographics) },
			kind:   domain.TableDemographics,
		},
		{
			name: "No case id column",
			mutate: func(tb Tables) {
				tb[domain.TableDrug] = []domain.RawTableRow{row(domain.TableDrug, 2, map[string]string{"drugname": "X"})}
			},
			kind: domain.TableDrug,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tables := sampleTables()
			tt.mutate(tables)
			_, err := newTestJoiner().Join(context.Background(), tables)
			require.Error(t, err)
			var schemaErr *domain.SchemaError
			require.True(t, errors.As(err, &schemaErr))
			assert.Equal(t, tt.kind, schemaErr.Kind)
		})
	}
}

func TestJoinDemographicsFallback(t *testing.T) {
	cfg := domain.DefaultEngineConfig().Ingest
	cfg.DemographicsFallback = true
	tables := sampleTables()
	delete(tables, domain.TableDemographics)

	res, err := NewJoiner(cfg).Join(context.Background(), tables)
	require.NoError(t, err)
	assert.True(t, res.Summary.FallbackUsed)
	require.Len(t, res.Cases, 2)
	assert.Equal(t, "100", res.Cases[0].CaseID)
	assert.Equal(t, 2, res.Cases[0].CaseVersion)
	assert.Equal(t, domain.SexUnknown, res.Cases[0].Sex)
	assert.Nil(t, res.Cases[0].AgeYears)
}

func TestJoinCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res, err := newTestJoiner().Join(ctx, sampleTables())
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrCancellationRequested)
	assert.ErrorIs(t, err, context.Canceled)
	require.NotNil(t, res)
	assert.True(t, res.Summary.Cancelled)
	assert.Empty(t, res.Cases)
}

func TestJoinTherapyWindows(t *testing.T) {
	tables := sampleTables()
	tables[domain.TableTherapy] = []domain.RawTableRow{
		row(domain.TableTherapy, 2, map[string]string{"caseid": "100", "caseversion": "2", "dsg_drug_seq": "2", "start_dt": "20240105"}),
		row(domain.TableTherapy, 3, map[string]string{"caseid": "100", "caseversion": "2", "dsg_drug_seq": "1", "start_dt": "202312", "end_dt": "20240201"}),
	}
	tables[domain.TableIndication] = []domain.RawTableRow{
		row(domain.TableIndication, 2, map[string]string{"caseid": "100", "caseversion": "2", "indi_pt": "atrial fibrillation"}),
	}

	res, err := newTestJoiner().Join(context.Background(), tables)
	require.NoError(t, err)
	c := res.Cases[0]
	require.Len(t, c.TherapyWindows, 2)
	assert.Equal(t, 1, c.TherapyWindows[0].DrugSeq)
	assert.Equal(t, "WARFARIN", c.TherapyWindows[0].DrugName)
	require.NotNil(t, c.TherapyWindows[0].End)
	assert.Equal(t, "ASPIRIN", c.TherapyWindows[1].DrugName)
	assert.Nil(t, c.TherapyWindows[1].End)
	assert.Equal(t, []string{"ATRIAL FIBRILLATION"}, c.Indications)
}

func TestSummarize(t *testing.T) {
	res, err := newTestJoiner().Join(context.Background(), sampleTables())
	require.NoError(t, err)
	assert.Equal(t, "cases=4 assembled=2 dropped=2 skipped_rows=0 superseded_rows=3", Summarize(res.Summary))
}
