// Package taskapi is a thin HTTP client for the task group enrichment API.
//
// It exposes the four group operations the orchestrator needs (create group,
// submit runs, poll status, stream results) plus the single-run research
// surface. All calls attach the API key as an x-api-key header and return
// sanitized errors on non-2xx responses.
package taskapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
)

// Config carries explicit client configuration. The client never reads the
// environment itself; see LoadEnv for the env-var adapter.
type Config struct {
	// APIKey is the credential sent as the x-api-key header. Required.
	APIKey string

	// BaseURL overrides the API endpoint. Useful for proxies and the local
	// mock server. Defaults to DefaultBaseURL.
	BaseURL string

	// HTTPClient overrides the transport. The default client has no overall
	// timeout because run streams are long-lived; per-call deadlines come
	// from the caller's context.
	HTTPClient *http.Client
}

// Client talks to the task group API.
type Client struct {
	baseURL *url.URL
	apiKey  string
	http    *http.Client
}

// NewClient constructs a client from explicit configuration.
func NewClient(cfg Config) (*Client, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, ErrNoAPIKey
	}
	raw := strings.TrimSpace(cfg.BaseURL)
	if raw == "" {
		raw = DefaultBaseURL
	}
	base, err := parseBaseURL(raw)
	if err != nil {
		return nil, err
	}
	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{Transport: http.DefaultTransport}
	}
	return &Client{
		baseURL: base,
		apiKey:  strings.TrimSpace(cfg.APIKey),
		http:    hc,
	}, nil
}

func parseBaseURL(raw string) (*url.URL, error) {
	if !strings.Contains(raw, "://") {
		raw = "https://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("parse base URL: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("base URL must include a host (got %q)", raw)
	}
	// Ensure the base path ends with a slash so ResolveReference treats it as a directory.
	u.Path = strings.TrimRight(u.Path, "/") + "/"
	u.RawQuery = ""
	u.Fragment = ""
	return u, nil
}

type createGroupResponse struct {
	TaskGroupID string `json:"task_group_id"`
}

// CreateTaskGroup creates an empty task group and returns its id.
func (c *Client) CreateTaskGroup(ctx context.Context) (string, error) {
	var out createGroupResponse
	if err := c.doJSON(ctx, http.MethodPost, "v1beta/task-groups", nil, nil, &out); err != nil {
		return "", err
	}
	id := strings.TrimSpace(out.TaskGroupID)
	if id == "" {
		return "", fmt.Errorf("create task group response missing task_group_id")
	}
	return id, nil
}

type addRunsRequest struct {
	DefaultTaskSpec TaskSpec   `json:"default_task_spec"`
	Inputs          []RunInput `json:"inputs"`
}

type addRunsResponse struct {
	RunIDs []string `json:"run_ids"`
}

// AddRuns submits one run per input to the group in a single batched request.
// The returned run ids are in submission order; they are the correlation ids
// used to match streamed results back to their rows.
func (c *Client) AddRuns(ctx context.Context, groupID string, spec TaskSpec, inputs []RunInput) ([]string, error) {
	groupID = strings.TrimSpace(groupID)
	if groupID == "" {
		return nil, fmt.Errorf("task group id is required")
	}
	if len(inputs) == 0 {
		return nil, fmt.Errorf("at least one run input is required")
	}

	body := addRunsRequest{DefaultTaskSpec: spec, Inputs: inputs}
	var out addRunsResponse
	p := fmt.Sprintf("v1beta/task-groups/%s/runs", url.PathEscape(groupID))
	if err := c.doJSON(ctx, http.MethodPost, p, nil, body, &out); err != nil {
		return nil, err
	}
	return out.RunIDs, nil
}

type groupStatusResponse struct {
	TaskGroupID string `json:"task_group_id"`
	Status      struct {
		TaskRunStatusCounts map[string]int `json:"task_run_status_counts"`
		NumTaskRuns         int            `json:"num_task_runs"`
		IsActive            bool           `json:"is_active"`
	} `json:"status"`
}

// GetGroupStatus fetches aggregate run counts for the group. Side-effect free.
func (c *Client) GetGroupStatus(ctx context.Context, groupID string) (GroupStatus, error) {
	groupID = strings.TrimSpace(groupID)
	if groupID == "" {
		return GroupStatus{}, fmt.Errorf("task group id is required")
	}

	var out groupStatusResponse
	p := fmt.Sprintf("v1beta/task-groups/%s", url.PathEscape(groupID))
	if err := c.doJSON(ctx, http.MethodGet, p, nil, nil, &out); err != nil {
		return GroupStatus{}, err
	}
	counts := out.Status.TaskRunStatusCounts
	return GroupStatus{
		Completed: counts["completed"],
		Failed:    counts["failed"],
		Total:     out.Status.NumTaskRuns,
		IsActive:  out.Status.IsActive,
	}, nil
}

// StreamRuns opens the long-lived run result stream for the group. Each run
// that reached a terminal state is emitted as one server-sent event. Emission
// order is not guaranteed to match submission order.
//
// The caller must Close the returned stream.
func (c *Client) StreamRuns(ctx context.Context, groupID string) (*RunStream, error) {
	groupID = strings.TrimSpace(groupID)
	if groupID == "" {
		return nil, fmt.Errorf("task group id is required")
	}

	q := url.Values{}
	q.Set("include_input", "true")
	q.Set("include_output", "true")

	u := c.resolve(fmt.Sprintf("v1beta/task-groups/%s/runs", url.PathEscape(groupID)))
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	c.setHeaders(req)
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode/100 != 2 {
		b, _ := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		return nil, newAPIError("streamRuns", resp, b)
	}
	return newRunStream(resp.Body), nil
}

// GroupURL returns the platform URL for viewing a task group.
func GroupURL(groupID string) string {
	return PlatformBaseURL + "/view/task-run-group/" + url.PathEscape(groupID)
}

func (c *Client) doJSON(ctx context.Context, method, relPath string, query url.Values, in, out any) error {
	u := c.resolve(relPath)
	if query != nil {
		u.RawQuery = query.Encode()
	}

	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return err
	}
	c.setHeaders(req)
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	rb, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode/100 != 2 {
		return newAPIError(opFromPath(method, relPath), resp, rb)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(rb, out); err != nil {
		return fmt.Errorf("parse %s response: %w", opFromPath(method, relPath), err)
	}
	return nil
}

func (c *Client) setHeaders(req *http.Request) {
	req.Header.Set("x-api-key", c.apiKey)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", "batchenrich-go")
}

func (c *Client) resolve(relPath string) *url.URL {
	relPath = strings.TrimPrefix(relPath, "/")
	rel := &url.URL{Path: relPath}
	return c.baseURL.ResolveReference(rel)
}

func opFromPath(method, relPath string) string {
	p := strings.TrimPrefix(relPath, "v1beta/")
	return strings.ToLower(method) + " " + p
}
