package taskapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"time"
)

// Deep research runs one open-ended task instead of a batched group: natural
// language in, an analyst-grade report out. Same API key, separate endpoints.

// maxResearchInputLen bounds the research query accepted by the service.
const maxResearchInputLen = 15000

// Run statuses considered terminal for single task runs.
var terminalRunStatuses = map[string]bool{
	"completed": true,
	"failed":    true,
	"cancelled": true,
}

// Run is the metadata for one single task run.
type Run struct {
	RunID     string `json:"run_id"`
	Status    string `json:"status"`
	Processor string `json:"processor"`
}

// RunResult is the output of a completed single task run.
type RunResult struct {
	RunID   string
	Content json.RawMessage
	Basis   []FieldBasis
}

// RunURL returns the platform URL for a single task run.
func RunURL(runID string) string {
	return PlatformBaseURL + "/tasks/" + url.PathEscape(runID)
}

// CreateRun starts a task run without waiting for it. Input longer than the
// service limit is truncated rather than rejected.
func (c *Client) CreateRun(ctx context.Context, input, processor string) (Run, error) {
	input = strings.TrimSpace(input)
	if input == "" {
		return Run{}, fmt.Errorf("research input is required")
	}
	if len(input) > maxResearchInputLen {
		input = input[:maxResearchInputLen]
	}
	if strings.TrimSpace(processor) == "" {
		processor = "pro-fast"
	}

	body := map[string]any{
		"input":     input,
		"processor": processor,
	}
	var out Run
	if err := c.doJSON(ctx, "POST", "v1/tasks/runs", nil, body, &out); err != nil {
		return Run{}, err
	}
	if strings.TrimSpace(out.RunID) == "" {
		return Run{}, fmt.Errorf("create run response missing run_id")
	}
	if out.Processor == "" {
		out.Processor = processor
	}
	return out, nil
}

// GetRun fetches current status for a single task run.
func (c *Client) GetRun(ctx context.Context, runID string) (Run, error) {
	runID = strings.TrimSpace(runID)
	if runID == "" {
		return Run{}, fmt.Errorf("run id is required")
	}
	var out Run
	p := fmt.Sprintf("v1/tasks/runs/%s", url.PathEscape(runID))
	if err := c.doJSON(ctx, "GET", p, nil, nil, &out); err != nil {
		return Run{}, err
	}
	return out, nil
}

type runResultResponse struct {
	RunID  string `json:"run_id"`
	Output struct {
		Content json.RawMessage `json:"content"`
		Basis   []FieldBasis    `json:"basis"`
	} `json:"output"`
}

// GetRunResult fetches the output of a completed single task run.
func (c *Client) GetRunResult(ctx context.Context, runID string) (RunResult, error) {
	runID = strings.TrimSpace(runID)
	if runID == "" {
		return RunResult{}, fmt.Errorf("run id is required")
	}
	var out runResultResponse
	p := fmt.Sprintf("v1/tasks/runs/%s/result", url.PathEscape(runID))
	if err := c.doJSON(ctx, "GET", p, nil, nil, &out); err != nil {
		return RunResult{}, err
	}
	return RunResult{
		RunID:   runID,
		Content: out.Output.Content,
		Basis:   out.Output.Basis,
	}, nil
}

// PollRunOptions controls PollRun behavior.
type PollRunOptions struct {
	// Timeout bounds the total wait. Defaults to one hour.
	Timeout time.Duration
	// Interval is the sleep between status checks. Defaults to 45s.
	Interval time.Duration
	// OnStatus, when set, is called with each observed status.
	OnStatus func(status, runID string)
}

func (o PollRunOptions) withDefaults() PollRunOptions {
	if o.Timeout <= 0 {
		o.Timeout = time.Hour
	}
	if o.Interval <= 0 {
		o.Interval = 45 * time.Second
	}
	return o
}

// PollRun waits for a single task run to reach a terminal state and returns
// its result. A failed or cancelled run is an error; exceeding the timeout
// returns context.DeadlineExceeded semantics via a wrapped error.
func (c *Client) PollRun(ctx context.Context, runID string, opts PollRunOptions) (RunResult, error) {
	opts = opts.withDefaults()
	runID = strings.TrimSpace(runID)
	if runID == "" {
		return RunResult{}, fmt.Errorf("run id is required")
	}

	deadline := time.Now().Add(opts.Timeout)
	for {
		if err := ctx.Err(); err != nil {
			return RunResult{}, err
		}
		run, err := c.GetRun(ctx, runID)
		if err != nil {
			return RunResult{}, err
		}
		status := strings.ToLower(strings.TrimSpace(run.Status))
		if opts.OnStatus != nil {
			opts.OnStatus(status, runID)
		}
		if terminalRunStatuses[status] {
			if status != "completed" {
				return RunResult{}, fmt.Errorf("research run %s %s", runID, status)
			}
			return c.GetRunResult(ctx, runID)
		}
		if time.Now().After(deadline) {
			return RunResult{}, fmt.Errorf("research run %s timed out after %s", runID, opts.Timeout)
		}

		t := time.NewTimer(opts.Interval)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return RunResult{}, ctx.Err()
		}
	}
}
