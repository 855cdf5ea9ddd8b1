// Package config loads enrichment job files. A job file is the YAML
// equivalent of the CLI flags: where rows come from, where results go, and
// how the batch is driven.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration parses YAML values like "300s" or "5m" into a time.Duration.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	raw = strings.TrimSpace(raw)
	if raw == "" {
		*d = 0
		return nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) Std() time.Duration { return time.Duration(d) }

// Job describes one enrichment run.
type Job struct {
	// Source is the input file path. Format is inferred from the extension
	// unless Format is set.
	Source string `yaml:"source"`
	// Target is the output file path. Empty writes to stdout.
	Target string `yaml:"target"`
	// Format overrides extension-based detection: "csv" or "json".
	Format string `yaml:"format"`

	// Columns restricts which input columns are submitted. Empty sends all.
	Columns []string `yaml:"columns"`
	// OutputColumns are the free-text descriptions of columns to produce.
	OutputColumns []string `yaml:"output_columns"`

	Processor     string   `yaml:"processor"`
	PartitionSize int      `yaml:"partition_size"`
	Parallelism   int      `yaml:"parallelism"`
	Timeout       Duration `yaml:"timeout"`
	PollInterval  Duration `yaml:"poll_interval"`
	IncludeBasis  bool     `yaml:"include_basis"`
	RateLimitRPS  float64  `yaml:"rate_limit_rps"`
}

// Load reads and validates a job file.
func Load(path string) (Job, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Job{}, fmt.Errorf("read job file: %w", err)
	}
	var job Job
	if err := yaml.Unmarshal(raw, &job); err != nil {
		return Job{}, fmt.Errorf("parse job file %s: %w", path, err)
	}
	if err := job.Validate(); err != nil {
		return Job{}, fmt.Errorf("job file %s: %w", path, err)
	}
	return job, nil
}

// Validate checks required fields and cross-field consistency.
func (j Job) Validate() error {
	if strings.TrimSpace(j.Source) == "" {
		return fmt.Errorf("source is required")
	}
	if len(j.OutputColumns) == 0 {
		return fmt.Errorf("output_columns must not be empty")
	}
	for i, col := range j.OutputColumns {
		if strings.TrimSpace(col) == "" {
			return fmt.Errorf("output_columns[%d] is empty", i)
		}
	}
	switch j.ResolvedFormat() {
	case "csv", "json":
	default:
		return fmt.Errorf("cannot determine input format for %q; set format to csv or json", j.Source)
	}
	if j.PartitionSize < 0 {
		return fmt.Errorf("partition_size must not be negative")
	}
	if j.Parallelism < 0 {
		return fmt.Errorf("parallelism must not be negative")
	}
	if j.RateLimitRPS < 0 {
		return fmt.Errorf("rate_limit_rps must not be negative")
	}
	return nil
}

// ResolvedFormat returns the effective input format: the explicit Format if
// set, otherwise the lowercased source file extension.
func (j Job) ResolvedFormat() string {
	if f := strings.ToLower(strings.TrimSpace(j.Format)); f != "" {
		return f
	}
	if i := strings.LastIndex(j.Source, "."); i >= 0 {
		return strings.ToLower(j.Source[i+1:])
	}
	return ""
}
