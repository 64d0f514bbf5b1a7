package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	archive string
	config  string
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	dir := t.TempDir()
	archive := filepath.Join(dir, "archive")
	require.NoError(t, os.MkdirAll(archive, 0o755))
	write := func(name, content string) {
		require.NoError(t, os.WriteFile(filepath.Join(archive, name), []byte(content), 0o644))
	}
	write("DEMO24Q1.txt", "primaryid$caseid$caseversion$age$age_cod$sex$occr_country$fda_dt\n"+
		"11$1$1$71$YR$F$US$20240105\n"+
		"21$2$1$71$YR$F$US$20240105\n"+
		"31$3$1$40$YR$M$GB$20240210\n")
	write("DRUG24Q1.txt", "primaryid$caseid$drug_seq$role_cod$drugname\n"+
		"11$1$1$PS$WARFARIN\n"+
		"21$2$1$PS$WARFARIN\n"+
		"31$3$1$PS$ASPIRIN\n")
	write("REAC24Q1.txt", "primaryid$caseid$pt\n"+
		"11$1$Haemorrhage\n"+
		"21$2$Haemorrhage\n"+
		"31$3$Nausea\n")

	config := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(config, []byte(`
logging:
  level: error
  output: stderr
review:
  driver: sqlite
  sqlite_path: `+filepath.Join(dir, "reviews.db")+`
`), 0o644))
	return fixture{archive: archive, config: config}
}

func (f fixture) run(t *testing.T, args ...string) ([]byte, error) {
	t.Helper()
	cmd := newRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs(append([]string{"--config", f.config, "--archive", f.archive, "--compact"}, args...))
	err := cmd.Execute()
	return out.Bytes(), err
}

func TestIngestCommand(t *testing.T) {
	f := newFixture(t)
	out, err := f.run(t, "ingest")
	require.NoError(t, err)

	var got map[string]any
	require.NoError(t, json.Unmarshal(out, &got))
	assert.Equal(t, float64(3), got["total_cases"])
	assert.NotEmpty(t, got["dataset_version"])
}

func TestRankCommand(t *testing.T) {
	f := newFixture(t)
	out, err := f.run(t, "rank", "--limit", "1")
	require.NoError(t, err)

	var run struct {
		TotalCases int `json:"total_cases"`
		Signals    []struct {
			CompositeRank int `json:"composite_rank"`
		} `json:"signals"`
	}
	require.NoError(t, json.Unmarshal(out, &run))
	assert.Equal(t, 3, run.TotalCases)
	require.Len(t, run.Signals, 1)
	assert.Equal(t, 1, run.Signals[0].CompositeRank)

	_, err = f.run(t, "rank", "--order", "alphabetical")
	assert.Error(t, err)
}

func TestDuplicatesCommand(t *testing.T) {
	f := newFixture(t)
	out, err := f.run(t, "duplicates")
	require.NoError(t, err)

	var res struct {
		Groups []struct {
			CaseIDs []string `json:"case_ids"`
			Kind    string   `json:"kind"`
		} `json:"groups"`
	}
	require.NoError(t, json.Unmarshal(out, &res))
	require.Len(t, res.Groups, 1)
	assert.Equal(t, []string{"1", "2"}, res.Groups[0].CaseIDs)
	assert.Equal(t, "exact", res.Groups[0].Kind)
}

func TestSignalCommands(t *testing.T) {
	f := newFixture(t)

	out, err := f.run(t, "trend", "--drug", "warfarin", "--reaction", "haemorrhage", "--width", "quarter")
	require.NoError(t, err)
	var trend map[string]any
	require.NoError(t, json.Unmarshal(out, &trend))
	assert.Equal(t, "quarter", trend["width"])

	_, err = f.run(t, "trend", "--drug", "warfarin", "--reaction", "haemorrhage", "--width", "decade")
	assert.Error(t, err)

	_, err = f.run(t, "trend", "--drug", "warfarin")
	assert.Error(t, err)

	out, err = f.run(t, "cluster", "--drug", "warfarin", "--reaction", "haemorrhage")
	require.NoError(t, err)
	var cluster map[string]any
	require.NoError(t, json.Unmarshal(out, &cluster))
	assert.NotNil(t, cluster["insufficient_data"])
}

func TestMissingArchive(t *testing.T) {
	f := newFixture(t)
	cmd := newRootCommand()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetArgs([]string{"--config", f.config, "rank"})
	assert.ErrorContains(t, cmd.Execute(), "no archive directory")
}

func TestReviewsExport(t *testing.T) {
	f := newFixture(t)
	out, err := f.run(t, "reviews", "export")
	require.NoError(t, err)

	var export struct {
		Count int `json:"count"`
	}
	require.NoError(t, json.Unmarshal(out, &export))
	assert.Zero(t, export.Count)

	file := filepath.Join(t.TempDir(), "reviews.json")
	require.NoError(t, os.WriteFile(file, out, 0o644))
	out, err = f.run(t, "reviews", "import", file)
	require.NoError(t, err)
	assert.JSONEq(t, `{"imported":0,"skipped":0}`, string(out))
}

func TestParseCutoff(t *testing.T) {
	now := time.Date(2024, 6, 30, 12, 0, 0, 0, time.UTC)
	tests := []struct {
		value   string
		want    time.Time
		wantErr bool
	}{
		{"2024-01-15T08:30:00Z", time.Date(2024, 1, 15, 8, 30, 0, 0, time.UTC), false},
		{"2024-01-15", time.Date(2024, 1, 15, 0, 0, 0, 0, time.UTC), false},
		{"720h", now.Add(-720 * time.Hour), false},
		{" 24h ", now.Add(-24 * time.Hour), false},
		{"-24h", time.Time{}, true},
		{"0s", time.Time{}, true},
		{"last week", time.Time{}, true},
		{"", time.Time{}, true},
	}
	for _, tt := range tests {
		t.Run(tt.value, func(t *testing.T) {
			got, err := parseCutoff(tt.value, now)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.True(t, tt.want.Equal(got), "got %s", got)
		})
	}
}

func TestRunsPruneRequiresDatabase(t *testing.T) {
	f := newFixture(t)
	_, err := f.run(t, "runs", "prune", "--before", "720h")
	assert.ErrorContains(t, err, "database.enabled")

	_, err = f.run(t, "runs", "prune", "--before", "soon")
	assert.ErrorContains(t, err, "invalid --before")

	_, err = f.run(t, "runs", "prune")
	assert.Error(t, err)
}
