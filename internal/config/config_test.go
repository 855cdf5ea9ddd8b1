package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeJobFile(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "job.yaml")
	if err := os.WriteFile(path, []byte(contents), 0644); err != nil {
		t.Fatalf("write job file: %v", err)
	}
	return path
}

func TestLoad(t *testing.T) {
	t.Parallel()

	path := writeJobFile(t, `
source: companies.csv
target: enriched.csv
columns:
  - company
output_columns:
  - CEO name
  - Founded Year (YYYY)
processor: core-fast
partition_size: 100
parallelism: 4
timeout: 5m
poll_interval: 2s
include_basis: true
rate_limit_rps: 2.5
`)

	job, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if job.Source != "companies.csv" || job.ResolvedFormat() != "csv" {
		t.Fatalf("job = %+v", job)
	}
	if len(job.OutputColumns) != 2 || job.OutputColumns[1] != "Founded Year (YYYY)" {
		t.Fatalf("output columns = %v", job.OutputColumns)
	}
	if job.Timeout.Std() != 5*time.Minute || job.PollInterval.Std() != 2*time.Second {
		t.Fatalf("durations = %v / %v", job.Timeout.Std(), job.PollInterval.Std())
	}
	if !job.IncludeBasis || job.RateLimitRPS != 2.5 {
		t.Fatalf("job = %+v", job)
	}
}

func TestLoadRejectsInvalid(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name     string
		contents string
	}{
		{
			name:     "missing source",
			contents: "output_columns: [CEO name]\n",
		},
		{
			name:     "missing output columns",
			contents: "source: companies.csv\n",
		},
		{
			name:     "blank output column",
			contents: "source: companies.csv\noutput_columns: [\"CEO name\", \"  \"]\n",
		},
		{
			name:     "unknown format",
			contents: "source: companies.parquet\noutput_columns: [CEO name]\n",
		},
		{
			name:     "bad duration",
			contents: "source: c.csv\noutput_columns: [CEO name]\ntimeout: soon\n",
		},
		{
			name:     "negative parallelism",
			contents: "source: c.csv\noutput_columns: [CEO name]\nparallelism: -1\n",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			path := writeJobFile(t, tc.contents)
			if _, err := Load(path); err == nil {
				t.Fatalf("expected error for:\n%s", tc.contents)
			}
		})
	}
}

func TestResolvedFormatOverride(t *testing.T) {
	t.Parallel()

	job := Job{Source: "rows.dat", Format: "JSON"}
	if got := job.ResolvedFormat(); got != "json" {
		t.Fatalf("format = %q", got)
	}
}
