package gemini

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/genai"

	"github.com/parallelweb/batchenrich/pkg/enrich"
	"github.com/parallelweb/batchenrich/pkg/enrich/worker"
)

type tempNetErr struct{}

func (tempNetErr) Error() string   { return "temp net err" }
func (tempNetErr) Timeout() bool   { return false }
func (tempNetErr) Temporary() bool { return true }

func TestClassifyErr(t *testing.T) {
	tests := []struct {
		name          string
		in            error
		wantTransient bool
	}{
		{name: "nil", in: nil, wantTransient: false},
		{name: "api_429", in: genai.APIError{Code: 429}, wantTransient: true},
		{name: "api_503", in: genai.APIError{Code: 503}, wantTransient: true},
		{name: "api_401", in: genai.APIError{Code: 401}, wantTransient: false},
		{name: "net_temporary", in: tempNetErr{}, wantTransient: true},
		{name: "opaque", in: errors.New("boom"), wantTransient: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := classifyErr(tt.in)
			var te *worker.TransientError
			assert.Equal(t, tt.wantTransient, errors.As(got, &te), "err=%T %v", got, got)
		})
	}
}

func TestEnrichAllRetriesTransient(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	calls := 0
	e := &Enricher{
		concurrency: 2,
		enrichFn: func(ctx context.Context, row enrich.Row, schema *enrich.OutputSchema) (enrich.Result, error) {
			mu.Lock()
			defer mu.Unlock()
			calls++
			if calls == 1 {
				return nil, &worker.TransientError{Err: errors.New("resource exhausted")}
			}
			return enrich.Result{"ceo_name": "Ada Lovelace"}, nil
		},
	}

	schema := enrich.BuildOutputSchema([]string{"CEO name"})
	results, err := e.EnrichAll(context.Background(), []enrich.Row{{"company": "Analytical Engines"}}, schema)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "Ada Lovelace", results[0]["ceo_name"])

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 2, calls, "transient failure was not retried")
}

func TestEnrichAllRowIsolation(t *testing.T) {
	t.Parallel()

	e := &Enricher{
		concurrency: 2,
		enrichFn: func(ctx context.Context, row enrich.Row, schema *enrich.OutputSchema) (enrich.Result, error) {
			if row["company"] == "Unknown Co" {
				return nil, errors.New("no results found")
			}
			return enrich.Result{"ceo_name": row["company"].(string) + " CEO"}, nil
		},
	}

	schema := enrich.BuildOutputSchema([]string{"CEO name"})
	rows := []enrich.Row{
		{"company": "Google"},
		{"company": "Unknown Co"},
		{"company": "Acme Corp"},
	}
	results, err := e.EnrichAll(context.Background(), rows, schema)
	require.NoError(t, err)
	require.Len(t, results, 3)

	assert.Equal(t, "Google CEO", results[0]["ceo_name"])
	assert.True(t, results[1].IsError())
	assert.Contains(t, results[1].ErrorReason(), "no results found")
	assert.Equal(t, "Acme Corp CEO", results[2]["ceo_name"])
}

func TestResponseSchema(t *testing.T) {
	t.Parallel()

	schema := enrich.BuildOutputSchema([]string{"CEO name", "Founded Year (YYYY)"})
	rs := responseSchema(schema)

	require.Equal(t, genai.TypeObject, rs.Type)
	require.Len(t, rs.Properties, 2)
	require.Equal(t, []string{"ceo_name", "founded_year"}, rs.Required)

	prop := rs.Properties["founded_year"]
	require.NotNil(t, prop)
	assert.Equal(t, genai.TypeString, prop.Type)
	assert.Equal(t, "Founded Year (YYYY)", prop.Description)
}

func TestBuildPrompt(t *testing.T) {
	t.Parallel()

	schema := enrich.BuildOutputSchema([]string{"CEO name"})
	prompt, err := buildPrompt(enrich.Row{"company": "Acme Corp"}, schema)
	require.NoError(t, err)

	assert.True(t, strings.Contains(prompt, "- ceo_name: CEO name"), "prompt missing field list:\n%s", prompt)
	assert.True(t, strings.Contains(prompt, `"company":"Acme Corp"`), "prompt missing record:\n%s", prompt)
}
