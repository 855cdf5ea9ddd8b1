package taskapi_test

import (
	"context"
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/parallelweb/batchenrich/internal/mocktasks"
	"github.com/parallelweb/batchenrich/pkg/taskapi"
)

func newTestClient(t *testing.T, srv *mocktasks.Server, apiKey string) *taskapi.Client {
	t.Helper()
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	client, err := taskapi.NewClient(taskapi.Config{APIKey: apiKey, BaseURL: ts.URL})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	return client
}

func TestClient_GroupLifecycle(t *testing.T) {
	t.Parallel()

	srv := mocktasks.New()
	srv.RequireAPIKey("secret-key")
	client := newTestClient(t, srv, "secret-key")
	ctx := context.Background()

	groupID, err := client.CreateTaskGroup(ctx)
	if err != nil {
		t.Fatalf("create group: %v", err)
	}
	if groupID == "" {
		t.Fatal("empty group id")
	}

	spec := taskapi.TaskSpec{
		OutputSchema: &taskapi.JSONSchema{
			Type: "json",
			JSONSchema: map[string]any{
				"type":       "object",
				"properties": map[string]any{"ceo": map[string]any{"type": "string"}},
			},
		},
	}
	inputs := []taskapi.RunInput{
		{Input: map[string]any{"company": "Google"}, Processor: "lite-fast"},
		{Input: map[string]any{"company": "Acme Corp"}, Processor: "lite-fast"},
	}
	runIDs, err := client.AddRuns(ctx, groupID, spec, inputs)
	if err != nil {
		t.Fatalf("add runs: %v", err)
	}
	if len(runIDs) != 2 {
		t.Fatalf("run ids = %v", runIDs)
	}

	status, err := client.GetGroupStatus(ctx, groupID)
	if err != nil {
		t.Fatalf("get status: %v", err)
	}
	if status.Total != 2 || !status.Done() {
		t.Fatalf("status = %+v", status)
	}

	stream, err := client.StreamRuns(ctx, groupID)
	if err != nil {
		t.Fatalf("stream runs: %v", err)
	}
	events, err := stream.Collect()
	if err != nil {
		t.Fatalf("collect: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("events = %d", len(events))
	}
	seen := map[string]bool{}
	for _, ev := range events {
		seen[ev.RunID] = true
		if ev.Status != "completed" {
			t.Fatalf("event status = %q", ev.Status)
		}
	}
	for _, id := range runIDs {
		if !seen[id] {
			t.Fatalf("run %s missing from stream", id)
		}
	}
}

func TestClient_AuthError(t *testing.T) {
	t.Parallel()

	srv := mocktasks.New()
	srv.RequireAPIKey("right-key")
	client := newTestClient(t, srv, "wrong-key")

	_, err := client.CreateTaskGroup(context.Background())
	if err == nil {
		t.Fatal("expected auth error")
	}
	var authErr *taskapi.AuthError
	if !errors.As(err, &authErr) {
		t.Fatalf("error type = %T: %v", err, err)
	}
	if authErr.StatusCode != 401 {
		t.Fatalf("status = %d", authErr.StatusCode)
	}
	if strings.Contains(err.Error(), "wrong-key") || strings.Contains(err.Error(), "right-key") {
		t.Fatalf("credential leaked into error: %v", err)
	}
}

func TestNewClient_RequiresAPIKey(t *testing.T) {
	t.Parallel()

	_, err := taskapi.NewClient(taskapi.Config{})
	if !errors.Is(err, taskapi.ErrNoAPIKey) {
		t.Fatalf("err = %v", err)
	}
}

func TestClient_AddRunsValidation(t *testing.T) {
	t.Parallel()

	srv := mocktasks.New()
	client := newTestClient(t, srv, "k")
	ctx := context.Background()

	if _, err := client.AddRuns(ctx, "", taskapi.TaskSpec{}, []taskapi.RunInput{{}}); err == nil {
		t.Fatal("expected error for empty group id")
	}
	if _, err := client.AddRuns(ctx, "g", taskapi.TaskSpec{}, nil); err == nil {
		t.Fatal("expected error for empty inputs")
	}
	if len(srv.Calls()) != 0 {
		t.Fatalf("validation must not reach the network: %v", srv.Calls())
	}
}

func TestClient_ResearchRun(t *testing.T) {
	t.Parallel()

	srv := mocktasks.New()
	srv.SetResearchPolls(2)
	client := newTestClient(t, srv, "k")
	ctx := context.Background()

	run, err := client.CreateRun(ctx, "history of the transistor", "ultra")
	if err != nil {
		t.Fatalf("create run: %v", err)
	}
	if run.RunID == "" || run.Processor != "ultra" {
		t.Fatalf("run = %+v", run)
	}

	var statuses []string
	result, err := client.PollRun(ctx, run.RunID, taskapi.PollRunOptions{
		Timeout:  2 * time.Second,
		Interval: 5 * time.Millisecond,
		OnStatus: func(status, _ string) { statuses = append(statuses, status) },
	})
	if err != nil {
		t.Fatalf("poll run: %v", err)
	}
	if result.RunID != run.RunID || len(result.Content) == 0 {
		t.Fatalf("result = %+v", result)
	}
	if len(statuses) < 3 {
		t.Fatalf("statuses = %v, want running, running, completed", statuses)
	}
}

func TestGroupURL(t *testing.T) {
	t.Parallel()

	got := taskapi.GroupURL("tgrp-000001")
	want := "https://platform.parallel.ai/view/task-run-group/tgrp-000001"
	if got != want {
		t.Fatalf("GroupURL = %q, want %q", got, want)
	}

	if !strings.HasPrefix(taskapi.RunURL("trun-1"), "https://platform.parallel.ai/tasks/") {
		t.Fatalf("RunURL = %q", taskapi.RunURL("trun-1"))
	}
}
