package enrich

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/parallelweb/batchenrich/pkg/enrich/worker"
	"github.com/parallelweb/batchenrich/pkg/taskapi"
)

// NoAPIKeyReason is written into every row of a batch attempted without
// credentials. No network traffic happens in that case.
const NoAPIKeyReason = "No API key provided"

// Options controls one enrichment batch.
type Options struct {
	// OutputColumns are free-text descriptions of the columns to produce.
	// Each becomes one field in the synthesized output schema.
	OutputColumns []string

	// Processor selects the task processor tier. Empty means lite-fast.
	Processor string

	// PartitionSize caps rows per task group. <=0 submits the whole batch
	// as a single group.
	PartitionSize int

	// Parallelism is the number of partitions processed concurrently.
	// <=0 means sequential.
	Parallelism int

	// Timeout bounds the wait for each partition's task group. <=0 means
	// five minutes.
	Timeout time.Duration

	// PollInterval is the delay between group status checks. <=0 means
	// two seconds.
	PollInterval time.Duration

	// IncludeBasis attaches citation metadata to each enriched row.
	IncludeBasis bool

	// RateLimitRPS bounds partition submissions per second across all
	// workers. <=0 disables limiting.
	RateLimitRPS float64
}

// Enricher runs enrichment batches against a task group service. A nil client
// is valid and degrades every batch to per-row credential errors, so callers
// can construct one unconditionally and surface the problem in the output.
type Enricher struct {
	client TaskClient
	log    *log.Logger
}

func NewEnricher(client TaskClient, logger *log.Logger) *Enricher {
	return &Enricher{client: client, log: logger}
}

func (e *Enricher) logf(format string, args ...any) {
	if e.log != nil {
		e.log.Printf(format, args...)
	}
}

// Enrich submits rows for enrichment and blocks until every row has either a
// result or a terminal error record. The returned results are positionally
// aligned with rows. Failures never abort the batch: rows, partitions, and
// the batch degrade independently.
func (e *Enricher) Enrich(ctx context.Context, rows []Row, opts Options) BatchOutcome {
	start := time.Now()
	out := BatchOutcome{Results: make([]Result, len(rows))}

	if len(rows) == 0 {
		out.Elapsed = time.Since(start)
		return out
	}

	if e.client == nil {
		for i := range rows {
			out.Results[i] = ErrorResult(NoAPIKeyReason)
		}
		return e.tally(out, start)
	}

	schema := BuildOutputSchema(opts.OutputColumns)
	spec := schema.TaskSpec()

	parts := partitionRows(rows, opts.PartitionSize)
	e.logf("batch rows=%d partitions=%d processor=%s", len(rows), len(parts), processorOrDefault(opts.Processor))

	workers := opts.Parallelism
	if workers <= 0 {
		workers = 1
	}
	// The per-item timeout must outlast a full poll window plus streaming.
	partTimeout := opts.Timeout
	if partTimeout <= 0 {
		partTimeout = defaultTimeout
	}

	results, err := worker.ProcessAll(ctx, parts,
		func(ctx context.Context, p partition) ([]Result, error) {
			return e.processPartition(ctx, p, spec, opts)
		},
		worker.Options{
			Workers:        workers,
			RequestTimeout: partTimeout + 30*time.Second,
			RateLimitRPS:   opts.RateLimitRPS,
			FailurePolicy:  worker.FailurePolicyPartialOutput,
		})
	if err != nil {
		// Only context cancellation reaches here under partial-output policy.
		for i := range rows {
			if out.Results[i] == nil {
				out.Results[i] = ErrorResult(err.Error())
			}
		}
		return e.tally(out, start)
	}

	for _, wr := range results {
		p := wr.Input
		if wr.Err != nil {
			e.logf("partition offset=%d rows=%d failed: %v", p.offset, len(p.rows), wr.Err)
			for i := range p.rows {
				out.Results[p.offset+i] = ErrorResult(wr.Err.Error())
			}
			continue
		}
		for i, res := range wr.Output {
			out.Results[p.offset+i] = res
		}
	}

	return e.tally(out, start)
}

// EnrichSingle enriches one row and returns its result directly.
func (e *Enricher) EnrichSingle(ctx context.Context, row Row, opts Options) Result {
	outcome := e.Enrich(ctx, []Row{row}, opts)
	return outcome.Results[0]
}

func (e *Enricher) tally(out BatchOutcome, start time.Time) BatchOutcome {
	for i, res := range out.Results {
		if res == nil {
			out.Results[i] = ErrorResult(reasonNoResult)
			res = out.Results[i]
		}
		if res.IsError() {
			out.ErrorCount++
			out.Errors = append(out.Errors, RowIssue{Index: i, Reason: res.ErrorReason()})
		} else {
			out.SuccessCount++
		}
	}
	out.Elapsed = time.Since(start)
	e.logf("batch done ok=%d errors=%d elapsed=%s", out.SuccessCount, out.ErrorCount, out.Elapsed.Round(time.Millisecond))
	return out
}

type partition struct {
	offset int
	rows   []Row
}

func partitionRows(rows []Row, size int) []partition {
	if size <= 0 || size >= len(rows) {
		return []partition{{offset: 0, rows: rows}}
	}
	parts := make([]partition, 0, (len(rows)+size-1)/size)
	for off := 0; off < len(rows); off += size {
		end := off + size
		if end > len(rows) {
			end = len(rows)
		}
		parts = append(parts, partition{offset: off, rows: rows[off:end]})
	}
	return parts
}

func processorOrDefault(p string) string {
	if p == "" {
		return taskapi.DefaultProcessor
	}
	return p
}

// processPartition drives one partition through the full task group
// lifecycle. Returned errors are partition-scoped: the coordinator stamps
// them onto every row of the partition and keeps going.
func (e *Enricher) processPartition(ctx context.Context, p partition, spec taskapi.TaskSpec, opts Options) ([]Result, error) {
	groupID, err := e.client.CreateTaskGroup(ctx)
	if err != nil {
		return nil, &SubmissionError{Err: err}
	}
	e.logf("group=%s created rows=%d offset=%d", groupID, len(p.rows), p.offset)

	inputs := make([]taskapi.RunInput, len(p.rows))
	proc := processorOrDefault(opts.Processor)
	for i, row := range p.rows {
		inputs[i] = taskapi.RunInput{Input: map[string]any(row), Processor: proc}
	}

	runIDs, err := e.client.AddRuns(ctx, groupID, spec, inputs)
	if err != nil {
		return nil, &SubmissionError{GroupID: groupID, Err: fmt.Errorf("%s: %w", reasonRunsFailed, err)}
	}
	if len(runIDs) != len(p.rows) {
		return nil, &SubmissionError{GroupID: groupID, Err: fmt.Errorf("submitted %d rows but received %d run ids", len(p.rows), len(runIDs))}
	}
	e.logf("group=%s submitted runs=%d", groupID, len(runIDs))

	status, finished, err := pollGroup(ctx, e.client, groupID, opts.Timeout, opts.PollInterval, func(s taskapi.GroupStatus) {
		e.logf("group=%s status completed=%d failed=%d total=%d", groupID, s.Completed, s.Failed, s.Total)
	})
	if err != nil {
		return nil, err
	}

	pendingReason := reasonNoResult
	if !finished {
		te := &TimeoutError{GroupID: groupID, Waited: opts.Timeout, Completed: status.Completed + status.Failed, Total: status.Total}
		if te.Waited <= 0 {
			te.Waited = defaultTimeout
		}
		pendingReason = te.Error()
		e.logf("group=%s timed out with completed=%d failed=%d total=%d, collecting partial results", groupID, status.Completed, status.Failed, status.Total)
	}

	events, streamErr := e.collectRuns(ctx, groupID)
	if streamErr != nil && len(events) == 0 {
		if !finished {
			// Timed out and no results reachable: every row reports the timeout.
			results := make([]Result, len(p.rows))
			for i := range results {
				results[i] = ErrorResult(pendingReason)
			}
			return results, nil
		}
		return nil, &TransportError{Op: "stream task group results", Err: streamErr}
	}

	return assembleResults(runIDs, events, opts.IncludeBasis, pendingReason), nil
}

// collectRuns drains the result stream, reopening it once after a transport
// fault. The events from the more complete attempt win.
func (e *Enricher) collectRuns(ctx context.Context, groupID string) ([]taskapi.RunEvent, error) {
	events, err := e.collectRunsOnce(ctx, groupID)
	if err == nil || ctx.Err() != nil {
		return events, err
	}
	e.logf("group=%s result stream failed, retrying once: %v", groupID, err)
	retryEvents, retryErr := e.collectRunsOnce(ctx, groupID)
	if retryErr == nil {
		return retryEvents, nil
	}
	if len(events) > len(retryEvents) {
		return events, retryErr
	}
	return retryEvents, retryErr
}

func (e *Enricher) collectRunsOnce(ctx context.Context, groupID string) ([]taskapi.RunEvent, error) {
	stream, err := e.client.StreamRuns(ctx, groupID)
	if err != nil {
		return nil, err
	}
	return stream.Collect()
}
