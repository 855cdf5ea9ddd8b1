// Package app wires the CLI modes together: load rows, drive the batch
// coordinator, write results. One Run* function per subcommand.
package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"time"

	"github.com/parallelweb/batchenrich/internal/config"
	"github.com/parallelweb/batchenrich/internal/gemini"
	"github.com/parallelweb/batchenrich/internal/processors"
	"github.com/parallelweb/batchenrich/pkg/enrich"
	"github.com/parallelweb/batchenrich/pkg/taskapi"
)

// stdinPath makes "-" mean stdin/stdout in source and target fields.
const stdinPath = "-"

// RunBatch executes one enrichment job end to end. A missing API key does not
// abort the run: every row is written with a credential error instead.
func RunBatch(ctx context.Context, job config.Job, apiKey string) error {
	logger := log.New(os.Stdout, "", log.LstdFlags)
	runID := fmt.Sprintf("run-%d", time.Now().UnixNano())
	logf := func(format string, args ...any) {
		prefix := make([]any, 0, len(args)+1)
		prefix = append(prefix, runID)
		prefix = append(prefix, args...)
		logger.Printf("run=%s "+format, prefix...)
	}
	runStart := time.Now()

	client, err := newTaskClient(apiKey)
	if err != nil {
		return err
	}
	if client == nil {
		logf("no API key found in %s; rows will carry error records", taskapi.APIKeyEnvVar)
	}

	logf("batch run start: source=%s format=%s outputColumns=%d processor=%s partitionSize=%d parallelism=%d timeout=%s",
		job.Source, job.ResolvedFormat(), len(job.OutputColumns), job.Processor, job.PartitionSize, job.Parallelism, job.Timeout.Std())

	readStart := time.Now()
	rows, inputHeader, err := readRows(job)
	if err != nil {
		return err
	}
	logf("loaded %d rows from %s in %s", len(rows), job.Source, time.Since(readStart).Round(time.Millisecond))

	enricher := enrich.NewEnricher(client, logger)
	outcome := enricher.Enrich(ctx, rows, enrich.Options{
		OutputColumns: job.OutputColumns,
		Processor:     job.Processor,
		PartitionSize: job.PartitionSize,
		Parallelism:   job.Parallelism,
		Timeout:       job.Timeout.Std(),
		PollInterval:  job.PollInterval.Std(),
		IncludeBasis:  job.IncludeBasis,
		RateLimitRPS:  job.RateLimitRPS,
	})
	logf("enrichment complete: produced=%d ok=%d error=%d duration=%s",
		len(outcome.Results), outcome.SuccessCount, outcome.ErrorCount, outcome.Elapsed.Round(time.Millisecond))
	for _, issue := range outcome.Errors {
		logf("row %d: %s", issue.Index, issue.Reason)
	}

	writeStart := time.Now()
	if err := writeResults(job, rows, outcome.Results, inputHeader); err != nil {
		return err
	}
	logf("batch run complete: writeDuration=%s totalDuration=%s",
		time.Since(writeStart).Round(time.Millisecond), time.Since(runStart).Round(time.Millisecond))
	return nil
}

// RunBatchDirect executes a job against the Gemini backend instead of the
// task group service. Row isolation semantics match RunBatch.
func RunBatchDirect(ctx context.Context, job config.Job, gcfg gemini.Config) error {
	logger := log.New(os.Stdout, "", log.LstdFlags)
	runID := fmt.Sprintf("run-%d", time.Now().UnixNano())
	logf := func(format string, args ...any) {
		prefix := make([]any, 0, len(args)+1)
		prefix = append(prefix, runID)
		prefix = append(prefix, args...)
		logger.Printf("run=%s "+format, prefix...)
	}
	runStart := time.Now()

	enricher, err := gemini.New(ctx, gcfg)
	if err != nil {
		return err
	}
	logf("direct run start: source=%s format=%s outputColumns=%d model=%s", job.Source, job.ResolvedFormat(), len(job.OutputColumns), gcfg.Model)

	readStart := time.Now()
	rows, inputHeader, err := readRows(job)
	if err != nil {
		return err
	}
	logf("loaded %d rows from %s in %s", len(rows), job.Source, time.Since(readStart).Round(time.Millisecond))

	enrichStart := time.Now()
	schema := enrich.BuildOutputSchema(job.OutputColumns)
	results, err := enricher.EnrichAll(ctx, rows, schema)
	if err != nil {
		return err
	}
	ok, errs := 0, 0
	for _, res := range results {
		if res.IsError() {
			errs++
		} else {
			ok++
		}
	}
	logf("enrichment complete: produced=%d ok=%d error=%d duration=%s", len(results), ok, errs, time.Since(enrichStart).Round(time.Millisecond))

	writeStart := time.Now()
	if err := writeResults(job, rows, results, inputHeader); err != nil {
		return err
	}
	logf("direct run complete: writeDuration=%s totalDuration=%s",
		time.Since(writeStart).Round(time.Millisecond), time.Since(runStart).Round(time.Millisecond))
	return nil
}

// RunResearch starts a deep research run and, when wait is set, blocks until
// it finishes and writes the report to w.
func RunResearch(ctx context.Context, w io.Writer, input, processor string, timeout time.Duration, apiKey string, wait bool) error {
	cfg, err := taskapi.LoadEnv(apiKey)
	if err != nil {
		return err
	}
	client, err := taskapi.NewClient(cfg)
	if err != nil {
		return err
	}

	logger := log.New(os.Stdout, "", log.LstdFlags)
	run, err := client.CreateRun(ctx, input, processor)
	if err != nil {
		return err
	}
	logger.Printf("run=%s research started: processor=%s view=%s", run.RunID, run.Processor, taskapi.RunURL(run.RunID))
	if !wait {
		_, err = fmt.Fprintln(w, run.RunID)
		return err
	}

	result, err := client.PollRun(ctx, run.RunID, taskapi.PollRunOptions{
		Timeout: timeout,
		OnStatus: func(status, runID string) {
			logger.Printf("run=%s research status=%s", runID, status)
		},
	})
	if err != nil {
		return err
	}
	return writeResearchContent(w, result)
}

// RunStatus prints the aggregate status of a task group.
func RunStatus(ctx context.Context, w io.Writer, groupID, apiKey string) error {
	cfg, err := taskapi.LoadEnv(apiKey)
	if err != nil {
		return err
	}
	client, err := taskapi.NewClient(cfg)
	if err != nil {
		return err
	}

	status, err := client.GetGroupStatus(ctx, groupID)
	if err != nil {
		return err
	}
	state := "active"
	if status.Done() {
		state = "done"
	}
	_, err = fmt.Fprintf(w, "group=%s state=%s completed=%d failed=%d total=%d\nview: %s\n",
		groupID, state, status.Completed, status.Failed, status.Total, taskapi.GroupURL(groupID))
	return err
}

// newTaskClient builds the task API client, or returns nil when no credential
// is available so the coordinator can degrade per-row.
func newTaskClient(apiKey string) (enrich.TaskClient, error) {
	cfg, err := taskapi.LoadEnv(apiKey)
	if errors.Is(err, taskapi.ErrNoAPIKey) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	client, err := taskapi.NewClient(cfg)
	if err != nil {
		return nil, err
	}
	return client, nil
}

func readRows(job config.Job) ([]enrich.Row, []string, error) {
	var in io.Reader = os.Stdin
	if job.Source != stdinPath {
		f, err := os.Open(job.Source)
		if err != nil {
			return nil, nil, err
		}
		defer func() {
			_ = f.Close()
		}()
		in = f
	}

	switch job.ResolvedFormat() {
	case "csv":
		return processors.ReadCSVRows(in, job.Columns)
	case "json":
		rows, err := processors.ReadJSONRows(in, job.Columns)
		return rows, nil, err
	default:
		return nil, nil, fmt.Errorf("unsupported input format %q", job.ResolvedFormat())
	}
}

func writeResults(job config.Job, rows []enrich.Row, results []enrich.Result, inputHeader []string) error {
	var out io.Writer = os.Stdout
	if job.Target != "" && job.Target != stdinPath {
		f, err := os.Create(job.Target)
		if err != nil {
			return err
		}
		defer func() {
			_ = f.Close()
		}()
		out = f
	}

	switch job.ResolvedFormat() {
	case "csv":
		fields := enrich.BuildOutputSchema(job.OutputColumns).Fields
		return processors.WriteCSVRows(out, rows, results, inputHeader, fields, job.IncludeBasis)
	case "json":
		return processors.WriteJSONRows(out, rows, results)
	default:
		return fmt.Errorf("unsupported output format %q", job.ResolvedFormat())
	}
}

func writeResearchContent(w io.Writer, result taskapi.RunResult) error {
	content := result.Content
	// Report content is usually a JSON-encoded string; unwrap it for display.
	var s string
	if err := json.Unmarshal(content, &s); err == nil {
		_, werr := fmt.Fprintln(w, s)
		return werr
	}
	_, err := fmt.Fprintln(w, string(content))
	return err
}
