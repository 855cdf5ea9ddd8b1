package taskapi

import "encoding/json"

// DefaultBaseURL is the hosted task API endpoint.
const DefaultBaseURL = "https://api.parallel.ai"

// DefaultProcessor is the cost/quality tier used when the caller does not pick one.
const DefaultProcessor = "lite-fast"

// PlatformBaseURL is the human-facing platform for viewing task groups.
const PlatformBaseURL = "https://platform.parallel.ai"

// JSONSchema wraps a JSON schema for a task spec side (input or output).
type JSONSchema struct {
	Type       string         `json:"type"`
	JSONSchema map[string]any `json:"json_schema"`
}

// TaskSpec describes the shared shape of every run in a batched submission.
type TaskSpec struct {
	InputSchema  *JSONSchema `json:"input_schema,omitempty"`
	OutputSchema *JSONSchema `json:"output_schema,omitempty"`
}

// RunInput binds one row's payload to a processor tier.
type RunInput struct {
	Input     map[string]any `json:"input"`
	Processor string         `json:"processor"`
}

// GroupStatus is the cheap poll result for a task group.
type GroupStatus struct {
	Completed int
	Failed    int
	Total     int
	IsActive  bool
}

// Done reports whether every run in the group reached a terminal state.
func (s GroupStatus) Done() bool {
	if !s.IsActive {
		return true
	}
	return s.Total > 0 && s.Completed+s.Failed >= s.Total
}

// Citation is one source reference attached to a basis entry.
type Citation struct {
	URL      string   `json:"url,omitempty"`
	Title    string   `json:"title,omitempty"`
	Excerpts []string `json:"excerpts,omitempty"`
}

// FieldBasis is the evidence the service attached to one output field.
type FieldBasis struct {
	Field      string     `json:"field,omitempty"`
	Citations  []Citation `json:"citations,omitempty"`
	Reasoning  string     `json:"reasoning,omitempty"`
	Confidence string     `json:"confidence,omitempty"`

	// Simpler basis format used by some processors: a bare citation.
	URL      string   `json:"url,omitempty"`
	Title    string   `json:"title,omitempty"`
	Excerpts []string `json:"excerpts,omitempty"`
}

// RunEvent is one terminal stream event for a task run.
//
// Content is kept raw: depending on the processor it may be a JSON object,
// a JSON-encoded string, or opaque text. The assembler resolves the shape once.
type RunEvent struct {
	Type    string
	RunID   string
	Status  string
	Content json.RawMessage
	Basis   []FieldBasis
	Error   string
}

// eventTypeRunState marks per-run terminal events in the run stream.
const eventTypeRunState = "task_run.state"

// ResearchProcessors maps deep-research tiers to their expected latency.
var ResearchProcessors = map[string]string{
	"pro-fast":     "1-5 min - exploratory research (default)",
	"pro":          "2-10 min - exploratory research, fresher data",
	"ultra-fast":   "2-12 min - multi-source deep research",
	"ultra":        "5-25 min - advanced deep research, fresher data",
	"ultra2x-fast": "2-25 min - difficult deep research",
	"ultra2x":      "5-50 min - difficult deep research, fresher data",
	"ultra4x-fast": "2-45 min - very difficult research",
	"ultra4x":      "5-90 min - very difficult research, fresher data",
	"ultra8x-fast": "2-60 min - most challenging research",
	"ultra8x":      "5min-2hr - most challenging research, fresher data",
}
