package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/parallelweb/batchenrich/internal/app"
	"github.com/parallelweb/batchenrich/internal/config"
	"github.com/parallelweb/batchenrich/internal/gemini"
	"github.com/parallelweb/batchenrich/internal/version"
	"github.com/parallelweb/batchenrich/pkg/redact"
)

func main() {
	ctx := context.Background()

	if len(os.Args) < 2 {
		usage(os.Stderr)
		os.Exit(2)
	}

	switch os.Args[1] {
	case "help", "-h", "--help":
		usage(os.Stdout)
		return
	case "version", "--version":
		fmt.Println(version.Current)
		return
	case "csv":
		os.Exit(runBatch(ctx, "csv", os.Args[2:]))
	case "json":
		os.Exit(runBatch(ctx, "json", os.Args[2:]))
	case "research":
		os.Exit(runResearch(ctx, os.Args[2:]))
	case "status":
		os.Exit(runStatus(ctx, os.Args[2:]))
	default:
		_, _ = fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", os.Args[1])
		usage(os.Stderr)
		os.Exit(2)
	}
}

// stringList is a repeatable flag value.
type stringList []string

func (s *stringList) String() string { return strings.Join(*s, ", ") }

func (s *stringList) Set(v string) error {
	v = strings.TrimSpace(v)
	if v == "" {
		return fmt.Errorf("value must not be empty")
	}
	*s = append(*s, v)
	return nil
}

func runBatch(ctx context.Context, format string, args []string) int {
	envJob, err := loadJobDefaultsFromEnv()
	if err != nil {
		return fail(2, "config error: %s", err)
	}

	fs := flag.NewFlagSet(format, flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	var (
		jobPath       string
		input         string
		output        string
		columns       stringList
		outputColumns stringList
	)
	fs.StringVar(&jobPath, "job", "", "YAML job file; flags override its values")
	fs.StringVar(&input, "input", "", "Input file path, or - for stdin")
	fs.StringVar(&output, "output", "", "Output file path; defaults to stdout")
	fs.Var(&columns, "column", "Input column to submit (repeatable; default all)")
	fs.Var(&outputColumns, "output-column", "Description of an output column to produce (repeatable)")
	processor := fs.String("processor", envJob.Processor, "Processor tier (env: ENRICH_PROCESSOR)")
	partitionSize := fs.Int("partition-size", envJob.PartitionSize, "Rows per task group, 0 = one group (env: ENRICH_PARTITION_SIZE)")
	parallelism := fs.Int("parallelism", envJob.Parallelism, "Concurrent partitions (env: ENRICH_PARALLELISM)")
	timeout := fs.Duration("timeout", envJob.Timeout.Std(), "Per-partition wait budget (env: ENRICH_TIMEOUT)")
	pollInterval := fs.Duration("poll-interval", envJob.PollInterval.Std(), "Delay between status checks (env: ENRICH_POLL_INTERVAL)")
	includeBasis := fs.Bool("include-basis", envJob.IncludeBasis, "Attach citation metadata to each row (env: ENRICH_INCLUDE_BASIS)")
	rateLimitRPS := fs.Float64("rate-limit-rps", envJob.RateLimitRPS, "Partition submissions per second, 0 disables (env: ENRICH_RATE_LIMIT_RPS)")
	apiKey := fs.String("api-key", "", "API key; defaults to PARALLEL_API_KEY")
	backend := fs.String("backend", envString("ENRICH_BACKEND", "tasks"), "Enrichment backend: tasks or gemini (env: ENRICH_BACKEND)")
	geminiModel := fs.String("gemini-model", envString("GEMINI_MODEL", ""), "Gemini model name (env: GEMINI_MODEL)")
	geminiBaseURL := fs.String("gemini-base-url", envString("GEMINI_BASE_URL", ""), "Gemini API base URL override (env: GEMINI_BASE_URL)")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	job := envJob
	if jobPath != "" {
		job, err = config.Load(jobPath)
		if err != nil {
			return fail(2, "config error: %s", err)
		}
	}
	job.Format = format
	if input != "" {
		job.Source = input
	}
	if output != "" {
		job.Target = output
	}
	if len(columns) > 0 {
		job.Columns = columns
	}
	if len(outputColumns) > 0 {
		job.OutputColumns = outputColumns
	}
	applyFlagOverrides(&job, fs, *processor, *partitionSize, *parallelism, *timeout, *pollInterval, *includeBasis, *rateLimitRPS)

	if err := job.Validate(); err != nil {
		return fail(2, "config error: %s", err)
	}

	switch *backend {
	case "tasks":
		if err := app.RunBatch(ctx, job, *apiKey); err != nil {
			return fail(1, "%s run failed: %s", format, err)
		}
	case "gemini":
		gcfg := gemini.Config{
			APIKey:         os.Getenv(gemini.APIKeyEnvVar),
			Model:          *geminiModel,
			BaseURL:        *geminiBaseURL,
			CaptureSources: job.IncludeBasis,
			RateLimitRPS:   job.RateLimitRPS,
		}
		if err := app.RunBatchDirect(ctx, job, gcfg); err != nil {
			return fail(1, "%s run failed: %s", format, err)
		}
	default:
		return fail(2, "unknown backend %q (want tasks or gemini)", *backend)
	}
	return 0
}

// applyFlagOverrides copies batch tuning flags into the job, but only the
// ones the user actually set, so a job file keeps its values otherwise.
func applyFlagOverrides(job *config.Job, fs *flag.FlagSet, processor string, partitionSize, parallelism int, timeout, pollInterval time.Duration, includeBasis bool, rateLimitRPS float64) {
	set := map[string]bool{}
	fs.Visit(func(f *flag.Flag) { set[f.Name] = true })

	if set["processor"] || job.Processor == "" {
		job.Processor = processor
	}
	if set["partition-size"] || job.PartitionSize == 0 {
		job.PartitionSize = partitionSize
	}
	if set["parallelism"] || job.Parallelism == 0 {
		job.Parallelism = parallelism
	}
	if set["timeout"] || job.Timeout == 0 {
		job.Timeout = config.Duration(timeout)
	}
	if set["poll-interval"] || job.PollInterval == 0 {
		job.PollInterval = config.Duration(pollInterval)
	}
	if set["include-basis"] {
		job.IncludeBasis = includeBasis
	}
	if set["rate-limit-rps"] || job.RateLimitRPS == 0 {
		job.RateLimitRPS = rateLimitRPS
	}
}

func runResearch(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("research", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	processor := fs.String("processor", "pro-fast", "Research processor tier")
	timeout := fs.Duration("timeout", time.Hour, "Total wait budget")
	wait := fs.Bool("wait", true, "Wait for the run and print the report; false prints the run id")
	apiKey := fs.String("api-key", "", "API key; defaults to PARALLEL_API_KEY")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	input := strings.TrimSpace(strings.Join(fs.Args(), " "))
	if input == "" {
		return fail(2, "research requires a query, e.g.: enrich research \"history of the transistor\"")
	}

	if err := app.RunResearch(ctx, os.Stdout, input, *processor, *timeout, *apiKey, *wait); err != nil {
		return fail(1, "research run failed: %s", err)
	}
	return 0
}

func runStatus(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("status", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	apiKey := fs.String("api-key", "", "API key; defaults to PARALLEL_API_KEY")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() != 1 {
		return fail(2, "status requires exactly one task group id")
	}

	if err := app.RunStatus(ctx, os.Stdout, fs.Arg(0), *apiKey); err != nil {
		return fail(1, "status failed: %s", err)
	}
	return 0
}

func fail(code int, format string, args ...any) int {
	msgArgs := make([]any, len(args))
	for i, a := range args {
		if err, ok := a.(error); ok {
			msgArgs[i] = redact.Secrets(err.Error())
			continue
		}
		msgArgs[i] = a
	}
	_, _ = fmt.Fprintf(os.Stderr, format+"\n", msgArgs...)
	return code
}

func usage(w *os.File) {
	_, _ = fmt.Fprintf(w, `enrich: batch data enrichment over the task group API

Usage:
  enrich <command> [flags]

Commands:
  csv       Enrich rows from a CSV file (header row required)
  json      Enrich rows from a JSON array of objects
  research  Run one open-ended deep research task
  status    Show the status of a task group
  version   Print the version

Examples:
  enrich csv --input companies.csv --output enriched.csv \
    --column company --output-column "CEO name" --output-column "Founded Year (YYYY)"
  enrich json --job job.yaml
  enrich research --processor ultra "history of the transistor"
  enrich status tgrp-000001

Environment:
  PARALLEL_API_KEY         API key (or use --api-key)
  PARALLEL_BASE_URL        API endpoint override (proxies, local mock)
  ENRICH_PROCESSOR         Default processor tier
  ENRICH_PARTITION_SIZE    Default rows per task group
  ENRICH_PARALLELISM       Default concurrent partitions
  ENRICH_TIMEOUT           Default per-partition wait budget
  ENRICH_POLL_INTERVAL     Default delay between status checks
  ENRICH_INCLUDE_BASIS     Attach citation metadata (true/1)
  ENRICH_RATE_LIMIT_RPS    Default submission rate limit
  ENRICH_BACKEND           Enrichment backend: tasks (default) or gemini

Environment (gemini backend):
  GEMINI_API_KEY           Gemini API key (required for --backend gemini)
  GEMINI_MODEL             Gemini model name
  GEMINI_BASE_URL          Optional base URL override (proxies/testing)

`)
}

func loadJobDefaultsFromEnv() (config.Job, error) {
	partitionSize, err := envInt("ENRICH_PARTITION_SIZE", 0)
	if err != nil {
		return config.Job{}, err
	}
	parallelism, err := envInt("ENRICH_PARALLELISM", 1)
	if err != nil {
		return config.Job{}, err
	}
	timeout, err := envDuration("ENRICH_TIMEOUT", 5*time.Minute)
	if err != nil {
		return config.Job{}, err
	}
	pollInterval, err := envDuration("ENRICH_POLL_INTERVAL", 2*time.Second)
	if err != nil {
		return config.Job{}, err
	}
	includeBasis, err := envBool("ENRICH_INCLUDE_BASIS")
	if err != nil {
		return config.Job{}, err
	}
	rateLimitRPS, err := envFloat("ENRICH_RATE_LIMIT_RPS", 0)
	if err != nil {
		return config.Job{}, err
	}

	return config.Job{
		Processor:     strings.TrimSpace(os.Getenv("ENRICH_PROCESSOR")),
		PartitionSize: partitionSize,
		Parallelism:   parallelism,
		Timeout:       config.Duration(timeout),
		PollInterval:  config.Duration(pollInterval),
		IncludeBasis:  includeBasis,
		RateLimitRPS:  rateLimitRPS,
	}, nil
}

func envString(varName, fallback string) string {
	v := strings.TrimSpace(os.Getenv(varName))
	if v == "" {
		return fallback
	}
	return v
}

func envInt(varName string, fallback int) (int, error) {
	v := strings.TrimSpace(os.Getenv(varName))
	if v == "" {
		return fallback, nil
	}
	out, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s=%q: %w", varName, v, err)
	}
	return out, nil
}

func envFloat(varName string, fallback float64) (float64, error) {
	v := strings.TrimSpace(os.Getenv(varName))
	if v == "" {
		return fallback, nil
	}
	out, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s=%q: %w", varName, v, err)
	}
	return out, nil
}

func envDuration(varName string, fallback time.Duration) (time.Duration, error) {
	v := strings.TrimSpace(os.Getenv(varName))
	if v == "" {
		return fallback, nil
	}
	out, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s=%q: %w", varName, v, err)
	}
	return out, nil
}

func envBool(varName string) (bool, error) {
	v := strings.TrimSpace(os.Getenv(varName))
	if v == "" {
		return false, nil
	}
	out, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("invalid %s=%q: %w", varName, v, err)
	}
	return out, nil
}
