package enrich

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/parallelweb/batchenrich/pkg/taskapi"
)

// Reasons assigned to rows whose runs never produced usable output.
const (
	reasonNoResult   = "no result received"
	reasonRunsFailed = "failed to add runs to task group"
)

// assembleResults matches streamed run events back to their originating rows
// by run id (runIDs are in submission order, which is row order) and builds
// one Result per row. Rows whose run never appears in the stream get a
// terminal error record; pendingReason selects its wording (timed-out
// partitions report a timeout rather than a missing result).
//
// Failures are always row-scoped: this function never fails as a whole.
func assembleResults(runIDs []string, events []taskapi.RunEvent, includeBasis bool, pendingReason string) []Result {
	byID := make(map[string]Result, len(events))
	for _, ev := range events {
		if ev.RunID == "" {
			continue
		}
		byID[ev.RunID] = resultFromEvent(ev, includeBasis)
	}

	out := make([]Result, len(runIDs))
	for i, id := range runIDs {
		if res, ok := byID[id]; ok {
			out[i] = res
			continue
		}
		out[i] = ErrorResult(pendingReason)
	}
	return out
}

// resultFromEvent resolves one terminal event into a Result. Content shape is
// polymorphic (object, JSON-encoded string, or opaque text) and is resolved
// exactly once here; nothing downstream sees ambiguous data.
func resultFromEvent(ev taskapi.RunEvent, includeBasis bool) Result {
	if len(ev.Content) > 0 && string(ev.Content) != "null" {
		res := parseContent(ev.Content)
		if includeBasis {
			res[BasisKey] = basisList(ev.Basis)
		}
		return res
	}
	if ev.Error != "" {
		return ErrorResult(ev.Error)
	}
	return ErrorResult(reasonNoResult)
}

// parseContent coerces raw run output into a Result.
func parseContent(raw json.RawMessage) Result {
	var obj map[string]any
	if err := json.Unmarshal(raw, &obj); err == nil {
		return Result(obj)
	}

	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		// The service sometimes double-encodes structured content.
		if err := json.Unmarshal([]byte(s), &obj); err == nil {
			return Result(obj)
		}
		return Result{RawResultKey: s}
	}

	var v any
	if err := json.Unmarshal(raw, &v); err == nil {
		return Result{RawResultKey: fmt.Sprintf("%v", v)}
	}
	return Result{RawResultKey: strings.TrimSpace(string(raw))}
}

// basisList converts citation metadata into the plain maps callers serialize.
// Entries with no usable fields are dropped; the result is always non-nil so
// the basis key is stable when citations were requested.
func basisList(basis []taskapi.FieldBasis) []map[string]any {
	out := make([]map[string]any, 0, len(basis))
	for _, fb := range basis {
		entry := make(map[string]any)
		if fb.Field != "" {
			entry["field"] = fb.Field
		}
		if len(fb.Citations) > 0 {
			citations := make([]map[string]any, 0, len(fb.Citations))
			for _, c := range fb.Citations {
				citations = append(citations, map[string]any{
					"url":      c.URL,
					"excerpts": c.Excerpts,
				})
			}
			entry["citations"] = citations
		}
		if fb.Reasoning != "" {
			entry["reasoning"] = fb.Reasoning
		}
		if fb.Confidence != "" {
			entry["confidence"] = fb.Confidence
		}

		// Simpler basis format: a bare citation with no field attribution.
		if len(entry) == 0 {
			if fb.URL != "" {
				entry["url"] = fb.URL
			}
			if fb.Title != "" {
				entry["title"] = fb.Title
			}
			if len(fb.Excerpts) > 0 {
				entry["excerpts"] = fb.Excerpts
			}
		}

		if len(entry) > 0 {
			out = append(out, entry)
		}
	}
	return out
}
