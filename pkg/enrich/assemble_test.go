package enrich

import (
	"encoding/json"
	"testing"

	"github.com/parallelweb/batchenrich/pkg/taskapi"
)

func TestAssembleResultsMatchesByRunID(t *testing.T) {
	t.Parallel()

	runIDs := []string{"run-a", "run-b", "run-c"}
	// Stream delivery order is completion order, not submission order.
	events := []taskapi.RunEvent{
		{RunID: "run-c", Status: "completed", Content: json.RawMessage(`{"ceo":"Carol"}`)},
		{RunID: "run-a", Status: "completed", Content: json.RawMessage(`{"ceo":"Alice"}`)},
		{RunID: "run-b", Status: "completed", Content: json.RawMessage(`{"ceo":"Bob"}`)},
	}

	results := assembleResults(runIDs, events, false, reasonNoResult)
	if len(results) != 3 {
		t.Fatalf("len = %d", len(results))
	}
	for i, want := range []string{"Alice", "Bob", "Carol"} {
		if results[i]["ceo"] != want {
			t.Fatalf("results[%d] = %v, want ceo=%s", i, results[i], want)
		}
	}
}

func TestAssembleResultsRowIsolation(t *testing.T) {
	t.Parallel()

	runIDs := []string{"run-1", "run-2", "run-3"}
	events := []taskapi.RunEvent{
		{RunID: "run-1", Status: "completed", Content: json.RawMessage(`{"website":"example.com"}`)},
		{RunID: "run-2", Status: "failed", Error: "processor rejected input"},
	}

	results := assembleResults(runIDs, events, false, reasonNoResult)

	if results[0].IsError() {
		t.Fatalf("row 0 should succeed: %v", results[0])
	}
	if got := results[1].ErrorReason(); got != "processor rejected input" {
		t.Fatalf("row 1 reason = %q", got)
	}
	if got := results[2].ErrorReason(); got != reasonNoResult {
		t.Fatalf("row 2 reason = %q", got)
	}
}

func TestAssembleResultsTimeoutReason(t *testing.T) {
	t.Parallel()

	results := assembleResults([]string{"run-1"}, nil, false, "task group g timed out after 10s (0/1 runs finished)")
	if got := results[0].ErrorReason(); got != "task group g timed out after 10s (0/1 runs finished)" {
		t.Fatalf("reason = %q", got)
	}
}

func TestParseContent(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		raw  string
		want Result
	}{
		{
			name: "object passes through",
			raw:  `{"ceo":"Alice","founded_year":"1998"}`,
			want: Result{"ceo": "Alice", "founded_year": "1998"},
		},
		{
			name: "double encoded object",
			raw:  `"{\"ceo\":\"Alice\"}"`,
			want: Result{"ceo": "Alice"},
		},
		{
			name: "plain string wrapped",
			raw:  `"no structured answer"`,
			want: Result{RawResultKey: "no structured answer"},
		},
		{
			name: "scalar wrapped",
			raw:  `42`,
			want: Result{RawResultKey: "42"},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got := parseContent(json.RawMessage(tc.raw))
			if len(got) != len(tc.want) {
				t.Fatalf("parseContent(%s) = %v, want %v", tc.raw, got, tc.want)
			}
			for k, v := range tc.want {
				if got[k] != v {
					t.Fatalf("parseContent(%s)[%s] = %v, want %v", tc.raw, k, got[k], v)
				}
			}
		})
	}
}

func TestResultFromEventBasis(t *testing.T) {
	t.Parallel()

	ev := taskapi.RunEvent{
		RunID:   "run-1",
		Status:  "completed",
		Content: json.RawMessage(`{"ceo":"Alice"}`),
		Basis: []taskapi.FieldBasis{
			{
				Field:     "ceo",
				Reasoning: "stated on leadership page",
				Citations: []taskapi.Citation{{URL: "https://example.com/team", Excerpts: []string{"Alice, CEO"}}},
			},
		},
	}

	res := resultFromEvent(ev, true)
	basis, ok := res[BasisKey].([]map[string]any)
	if !ok || len(basis) != 1 {
		t.Fatalf("basis = %v", res[BasisKey])
	}
	if basis[0]["field"] != "ceo" {
		t.Fatalf("basis field = %v", basis[0]["field"])
	}
	citations, ok := basis[0]["citations"].([]map[string]any)
	if !ok || citations[0]["url"] != "https://example.com/team" {
		t.Fatalf("citations = %v", basis[0]["citations"])
	}

	// Without the flag no basis key appears.
	res = resultFromEvent(ev, false)
	if _, ok := res[BasisKey]; ok {
		t.Fatal("basis attached without request")
	}
}

func TestResultFromEventNullContent(t *testing.T) {
	t.Parallel()

	ev := taskapi.RunEvent{RunID: "run-1", Status: "failed", Content: json.RawMessage(`null`), Error: "run failed"}
	res := resultFromEvent(ev, false)
	if got := res.ErrorReason(); got != "run failed" {
		t.Fatalf("reason = %q", got)
	}
}
