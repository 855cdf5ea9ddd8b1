// Package enrich implements the batch enrichment orchestrator: it turns N
// input rows plus a list of output column descriptions into N structured
// results by driving one batched task group per partition through the remote
// task API, tolerating partial failure.
package enrich

import (
	"context"
	"fmt"
	"time"

	"github.com/parallelweb/batchenrich/pkg/taskapi"
)

// Row is one enrichment unit: a mapping from field name to value. Identity is
// the row's position in the submitted batch; ordering is preserved end-to-end.
type Row map[string]any

// Reserved keys in a Result.
const (
	// ErrorKey holds the row-scoped failure reason.
	ErrorKey = "error"
	// BasisKey holds citation metadata when the caller requested it.
	BasisKey = "basis"
	// RawResultKey holds unstructured content that could not be decoded
	// against the output schema.
	RawResultKey = "result"
)

// Result is the enrichment output for one row: either a populated mapping of
// normalized field to value (optionally with a basis list), or an error record
// under ErrorKey. Exactly one Result per Row, in input order.
type Result map[string]any

// ErrorResult builds a row-scoped error record.
func ErrorResult(reason string) Result {
	return Result{ErrorKey: reason}
}

// IsError reports whether the result is an error record.
func (r Result) IsError() bool {
	_, ok := r[ErrorKey]
	return ok
}

// ErrorReason returns the failure reason, or "" for a successful result.
func (r Result) ErrorReason() string {
	v, ok := r[ErrorKey]
	if !ok {
		return ""
	}
	s, ok := v.(string)
	if !ok {
		return fmt.Sprintf("%v", v)
	}
	return s
}

// RowIssue records one failed row inside a BatchOutcome.
type RowIssue struct {
	Index  int
	Reason string
}

// BatchOutcome is the full ordered result set for one Enrich call.
type BatchOutcome struct {
	Results      []Result
	SuccessCount int
	ErrorCount   int
	Errors       []RowIssue
	Elapsed      time.Duration
}

// SubmissionError indicates the remote service rejected the batched
// submission for one partition. Partition-fatal: every row of the partition
// is marked, other partitions continue.
type SubmissionError struct {
	GroupID string
	Err     error
}

func (e *SubmissionError) Error() string {
	if e.GroupID == "" {
		return fmt.Sprintf("create task group: %v", e.Err)
	}
	return fmt.Sprintf("submit runs to task group %s: %v", e.GroupID, e.Err)
}

func (e *SubmissionError) Unwrap() error { return e.Err }

// TransportError indicates a network fault during polling or streaming.
// Retried once before failing the partition.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport fault during %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// TimeoutError indicates polling exceeded the allotted window. Results that
// completed before the deadline are still retrieved and returned.
type TimeoutError struct {
	GroupID   string
	Waited    time.Duration
	Completed int
	Total     int
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("task group %s timed out after %s (%d/%d runs finished)",
		e.GroupID, e.Waited.Round(time.Second), e.Completed, e.Total)
}

// TaskClient is the remote surface the orchestrator drives. *taskapi.Client
// satisfies it.
type TaskClient interface {
	CreateTaskGroup(ctx context.Context) (string, error)
	AddRuns(ctx context.Context, groupID string, spec taskapi.TaskSpec, inputs []taskapi.RunInput) ([]string, error)
	GetGroupStatus(ctx context.Context, groupID string) (taskapi.GroupStatus, error)
	StreamRuns(ctx context.Context, groupID string) (*taskapi.RunStream, error)
}
