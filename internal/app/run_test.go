package app

import (
	"context"
	"encoding/csv"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/parallelweb/batchenrich/internal/config"
	"github.com/parallelweb/batchenrich/internal/mocktasks"
	"github.com/parallelweb/batchenrich/pkg/taskapi"
)

func startMockAPI(t *testing.T) *mocktasks.Server {
	t.Helper()
	srv := mocktasks.New()
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	t.Setenv(taskapi.BaseURLEnvVar, ts.URL)
	return srv
}

func TestRunBatch_CSV(t *testing.T) {
	srv := startMockAPI(t)
	srv.SetAnswerer(func(input map[string]any) mocktasks.Answer {
		if input["company"] == "Google" {
			return mocktasks.Answer{Content: map[string]any{"ceo_name": "Sundar Pichai"}}
		}
		return mocktasks.Answer{Error: "company not found"}
	})

	dir := t.TempDir()
	source := filepath.Join(dir, "companies.csv")
	target := filepath.Join(dir, "enriched.csv")
	require.NoError(t, os.WriteFile(source, []byte("company,country\nGoogle,US\nUnknown Co,US\n"), 0644))

	job := config.Job{
		Source:        source,
		Target:        target,
		Columns:       []string{"company"},
		OutputColumns: []string{"CEO name"},
		PollInterval:  config.Duration(10 * time.Millisecond),
	}
	require.NoError(t, job.Validate())
	require.NoError(t, RunBatch(context.Background(), job, "test-key"))

	f, err := os.Open(target)
	require.NoError(t, err)
	defer func() {
		_ = f.Close()
	}()
	recs, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)
	require.Len(t, recs, 3)
	require.Equal(t, []string{"company", "ceo_name", "error"}, recs[0])
	require.Equal(t, []string{"Google", "Sundar Pichai", ""}, recs[1])
	require.Equal(t, []string{"Unknown Co", "", "company not found"}, recs[2])
}

func TestRunBatch_NoAPIKey(t *testing.T) {
	t.Setenv(taskapi.APIKeyEnvVar, "")

	dir := t.TempDir()
	source := filepath.Join(dir, "rows.json")
	target := filepath.Join(dir, "out.json")
	require.NoError(t, os.WriteFile(source, []byte(`[{"company":"Google"}]`), 0644))

	job := config.Job{
		Source:        source,
		Target:        target,
		OutputColumns: []string{"CEO name"},
	}
	require.NoError(t, RunBatch(context.Background(), job, ""))

	out, err := os.ReadFile(target)
	require.NoError(t, err)
	require.Contains(t, string(out), "No API key provided")
}

func TestRunStatus(t *testing.T) {
	startMockAPI(t)

	client, err := taskapi.NewClient(taskapi.Config{APIKey: "k", BaseURL: os.Getenv(taskapi.BaseURLEnvVar)})
	require.NoError(t, err)
	groupID, err := client.CreateTaskGroup(context.Background())
	require.NoError(t, err)
	_, err = client.AddRuns(context.Background(), groupID, taskapi.TaskSpec{}, []taskapi.RunInput{
		{Input: map[string]any{"company": "Google"}},
	})
	require.NoError(t, err)

	var buf strings.Builder
	require.NoError(t, RunStatus(context.Background(), &buf, groupID, "k"))
	require.Contains(t, buf.String(), "state=done completed=1 failed=0 total=1")
	require.Contains(t, buf.String(), taskapi.GroupURL(groupID))
}

func TestRunResearch_Wait(t *testing.T) {
	srv := startMockAPI(t)
	srv.SetResearchContent("The transistor was invented at Bell Labs in 1947.")

	var buf strings.Builder
	err := RunResearch(context.Background(), &buf, "history of the transistor", "pro-fast", time.Second, "k", true)
	require.NoError(t, err)
	require.Contains(t, buf.String(), "Bell Labs")
}
