package domain

import (
	"encoding/json"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTableKindConstants(t *testing.T) {
	tests := []struct {
		name     string
		value    TableKind
		expected string
	}{
		{"Demographics", TableDemographics, "demographics"},
		{"Drug", TableDrug, "drug"},
		{"Reaction", TableReaction, "reaction"},
		{"Outcome", TableOutcome, "outcome"},
		{"Therapy", TableTherapy, "therapy"},
		{"Indication", TableIndication, "indication"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if string(tt.value) != tt.expected {
				t.Errorf("Expected %s, got %s", tt.expected, string(tt.value))
			}
			if !tt.value.IsValid() {
				t.Errorf("Expected %s to be valid", tt.value)
			}
		})
	}

	assert.Len(t, AllTableKinds, 6)
	assert.False(t, TableKind("pharmacy").IsValid())
}

func TestParseTableKind(t *testing.T) {
	k, err := ParseTableKind("  Reaction ")
	require.NoError(t, err)
	assert.Equal(t, TableReaction, k)

	_, err = ParseTableKind("unknown")
	assert.ErrorIs(t, err, ErrInvalidTableKind)
}

func TestParseOutcomeFlag(t *testing.T) {
	tests := []struct {
		code     string
		expected OutcomeFlag
		ok       bool
	}{
		{"DE", OutcomeDeath, true},
		{"ho", OutcomeHospitalization, true},
		{"DS", OutcomeDisability, true},
		{"LT", OutcomeLifeThreatening, true},
		{"OT", OutcomeOtherSerious, true},
		{"CA", OutcomeOtherSerious, true},
		{"RI", OutcomeOtherSerious, true},
		{"XX", "", false},
		{"", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			flag, ok := ParseOutcomeFlag(tt.code)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.expected, flag)
		})
	}
}

func TestParseDrugRoleAndSex(t *testing.T) {
	assert.Equal(t, RoleSuspect, ParseDrugRole("PS"))
	assert.Equal(t, RoleSuspect, ParseDrugRole("SS"))
	assert.Equal(t, RoleConcomitant, ParseDrugRole("C"))
	assert.Equal(t, RoleInteracting, ParseDrugRole("i"))
	assert.Equal(t, RoleSuspect, ParseDrugRole(""))

	assert.Equal(t, SexMale, ParseSex("male"))
	assert.Equal(t, SexFemale, ParseSex("F"))
	assert.Equal(t, SexUnknown, ParseSex("NS"))

	assert.True(t, ParseReporterType("MD").IsProfessional())
	assert.False(t, ParseReporterType("CN").IsProfessional())
	assert.Equal(t, ReporterUnknown, ParseReporterType(""))
}

func TestRatioJSON(t *testing.T) {
	tests := []struct {
		name     string
		ratio    Ratio
		expected string
	}{
		{"Defined", DefinedRatio(2.5), "2.5"},
		{"Zero is not undefined", DefinedRatio(0), "0"},
		{"Undefined", Undefined, `"undefined"`},
		{"NaN becomes undefined", DefinedRatio(math.NaN()), `"undefined"`},
		{"Inf becomes undefined", DefinedRatio(math.Inf(1)), `"undefined"`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := json.Marshal(tt.ratio)
			require.NoError(t, err)
			assert.Equal(t, tt.expected, string(data))

			var back Ratio
			require.NoError(t, json.Unmarshal(data, &back))
			assert.Equal(t, tt.ratio.Defined, back.Defined)
		})
	}
}

func TestRatioFloat(t *testing.T) {
	_, err := Undefined.Float()
	assert.ErrorIs(t, err, ErrUndefinedStatistic)

	v, err := DefinedRatio(1.5).Float()
	require.NoError(t, err)
	assert.Equal(t, 1.5, v)

	assert.True(t, DefinedRatio(2).AtLeast(2))
	assert.False(t, Undefined.AtLeast(0))
	assert.Equal(t, "undefined", Undefined.String())
}

func TestCaseRecordHelpers(t *testing.T) {
	report := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	c := CaseRecord{
		CaseID: "100",
		Drugs: []DrugEntry{
			{Seq: 1, Name: "WARFARIN", Role: RoleSuspect},
			{Seq: 2, Name: "ASPIRIN", Role: RoleConcomitant},
			{Seq: 3, Name: "WARFARIN", Role: RoleSuspect},
		},
		Reactions:  []string{"HAEMORRHAGE", "NAUSEA"},
		Outcomes:   []OutcomeFlag{OutcomeHospitalization},
		ReportDate: &report,
	}

	assert.Equal(t, []string{"ASPIRIN", "WARFARIN"}, c.DrugNames(false))
	assert.Equal(t, []string{"WARFARIN"}, c.DrugNames(true))
	assert.True(t, c.HasDrug("ASPIRIN"))
	assert.True(t, c.HasReaction("NAUSEA"))
	assert.False(t, c.HasReaction("RASH"))
	assert.True(t, c.IsSerious())

	d, ok := c.Date()
	assert.True(t, ok)
	assert.Equal(t, report, d)
}

func TestSignalKey(t *testing.T) {
	a := SignalKey{Drug: "A", Reaction: "Z"}
	b := SignalKey{Drug: "B", Reaction: "A"}
	assert.True(t, a.Less(b))
	assert.False(t, b.Less(a))
	assert.Equal(t, "A / Z", a.String())
	assert.ErrorIs(t, SignalKey{Drug: "A"}.Validate(), ErrInvalidSignalKey)
}

func TestSeverityWeights(t *testing.T) {
	w := DefaultEngineConfig().Scoring.Severity
	c := &CaseRecord{Outcomes: []OutcomeFlag{OutcomeOtherSerious, OutcomeDeath}}
	assert.Equal(t, 1.0, w.CaseSeverity(c))
	assert.Equal(t, 0.0, w.CaseSeverity(&CaseRecord{}))
}
