package ingest

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeTerm(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"  warfarin  sodium ", "WARFARIN SODIUM"},
		{"Aspirin.", "ASPIRIN"},
		{"ｍｅｔｆｏｒｍｉｎ", "METFORMIN"},
		{"Lactic\tacidosis", "LACTIC ACIDOSIS"},
		{"", ""},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			assert.Equal(t, tt.expected, NormalizeTerm(tt.input))
		})
	}
}

func TestParseDate(t *testing.T) {
	tests := []struct {
		input    string
		expected time.Time
		wantErr  bool
	}{
		{"20240315", time.Date(2024, 3, 15, 0, 0, 0, 0, time.UTC), false},
		{"2024-03-15", time.Date(2024, 3, 15, 0, 0, 0, 0, time.UTC), false},
		{"202403", time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC), false},
		{"2024", time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), false},
		{"2024-03-15T10:00:00Z", time.Date(2024, 3, 15, 10, 0, 0, 0, time.UTC), false},
		{"15/03/2024", time.Time{}, true},
		{"20241345", time.Time{}, true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := parseDate(tt.input)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.NotNil(t, got)
			assert.True(t, tt.expected.Equal(*got), "got %v", got)
		})
	}

	got, err := parseDate("  ")
	assert.NoError(t, err)
	assert.Nil(t, got)
}

func TestParseAge(t *testing.T) {
	tests := []struct {
		value    string
		unit     string
		expected float64
		wantErr  bool
	}{
		{"45", "YR", 45, false},
		{"4", "DEC", 40, false},
		{"18", "MON", 1.5, false},
		{"365.25", "DY", 1, false},
		{"8766", "HR", 1, false},
		{"52", "", 52, false},
		{"abc", "YR", 0, true},
		{"-1", "YR", 0, true},
		{"5", "XX", 0, true},
		{"200", "YR", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.value+tt.unit, func(t *testing.T) {
			got, err := parseAge(tt.value, tt.unit)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.NotNil(t, got)
			assert.InDelta(t, tt.expected, *got, 1e-9)
		})
	}
}

func TestSplitPrimaryID(t *testing.T) {
	id, v, ok := splitPrimaryID("1234563", "123456")
	assert.True(t, ok)
	assert.Equal(t, "123456", id)
	assert.Equal(t, 3, v)

	_, _, ok = splitPrimaryID("999", "123456")
	assert.False(t, ok)

	_, _, ok = splitPrimaryID("", "123456")
	assert.False(t, ok)
}

func TestAliasResolution(t *testing.T) {
	table := NewAliasTable(nil)
	cols := table.Resolve([]string{"Reaction", "REACTION_PT", "Case ID", "primaryid"})

	assert.Equal(t, "Reaction", cols[FieldReaction])
	assert.Equal(t, "Case ID", cols[FieldCaseID])
	assert.True(t, cols.Has(FieldPrimaryID))
	assert.False(t, cols.Has(FieldDrugName))

	fields := map[string]string{"Reaction": "  Nausea ", "Case ID": "7"}
	assert.Equal(t, "Nausea", cols.Get(fields, FieldReaction))
	assert.Equal(t, "", cols.Get(fields, FieldOutcome))

	rowCols := table.ResolveRow(fields)
	assert.Equal(t, "Case ID", rowCols[FieldCaseID])
	assert.False(t, rowCols.Has(FieldPrimaryID))
}
