package taskapi

import (
	"bufio"
	"encoding/json"
	"io"
	"strings"
)

// RunStream reads terminal run events from a server-sent-event response body.
//
// It is a finite, once-iterable sequence: Next returns io.EOF when the server
// closes the stream, and any transport fault surfaces as the terminal error.
type RunStream struct {
	body    io.ReadCloser
	scanner *bufio.Scanner
	closed  bool
}

func newRunStream(body io.ReadCloser) *RunStream {
	sc := bufio.NewScanner(body)
	// Run outputs with basis can be large; allow events up to 4 MiB.
	sc.Buffer(make([]byte, 64*1024), 4*1024*1024)
	return &RunStream{body: body, scanner: sc}
}

// runEventWire is the on-the-wire shape of one stream event.
type runEventWire struct {
	Type string `json:"type"`
	Run  struct {
		RunID  string `json:"run_id"`
		Status string `json:"status"`
		Error  any    `json:"error"`
	} `json:"run"`
	Output struct {
		Content json.RawMessage `json:"content"`
		Basis   []FieldBasis    `json:"basis"`
	} `json:"output"`
}

// Next returns the next run-state event. Events of other types are skipped.
// It returns io.EOF once the stream is exhausted.
//
// Payloads may span several "data:" lines; they accumulate until the blank
// line that terminates the event. Raw JSON lines without SSE framing are also
// accepted, one event per line.
func (s *RunStream) Next() (RunEvent, error) {
	if s.closed {
		return RunEvent{}, io.EOF
	}
	var data []string
	for s.scanner.Scan() {
		line := strings.TrimSpace(strings.TrimRight(s.scanner.Text(), "\r"))
		switch {
		case line == "":
			// Event terminator: parse whatever accumulated.
			if ev, ok := decodeRunEvent(strings.Join(data, "\n")); ok {
				return ev, nil
			}
			data = data[:0]
		case strings.HasPrefix(line, ":"):
			// keepalive comment
		case strings.HasPrefix(line, "data:"):
			payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			if payload == "[DONE]" {
				if ev, ok := decodeRunEvent(strings.Join(data, "\n")); ok {
					return ev, nil
				}
				data = data[:0]
				continue
			}
			data = append(data, payload)
		case strings.HasPrefix(line, "event:"), strings.HasPrefix(line, "id:"), strings.HasPrefix(line, "retry:"):
			// Other SSE fields carry nothing the payload does not repeat.
		default:
			if len(data) > 0 {
				data = append(data, line)
				continue
			}
			if ev, ok := decodeRunEvent(line); ok {
				return ev, nil
			}
		}
	}
	if err := s.scanner.Err(); err != nil {
		return RunEvent{}, err
	}
	// A final event may arrive without a trailing blank line.
	if ev, ok := decodeRunEvent(strings.Join(data, "\n")); ok {
		return ev, nil
	}
	return RunEvent{}, io.EOF
}

// decodeRunEvent parses one event payload. Malformed frames and events of
// other types are skipped rather than aborting the whole batch.
func decodeRunEvent(payload string) (RunEvent, bool) {
	payload = strings.TrimSpace(payload)
	if payload == "" || payload == "[DONE]" {
		return RunEvent{}, false
	}
	var wire runEventWire
	if err := json.Unmarshal([]byte(payload), &wire); err != nil {
		return RunEvent{}, false
	}
	if wire.Type != eventTypeRunState {
		return RunEvent{}, false
	}
	return RunEvent{
		Type:    wire.Type,
		RunID:   strings.TrimSpace(wire.Run.RunID),
		Status:  strings.TrimSpace(wire.Run.Status),
		Content: wire.Output.Content,
		Basis:   wire.Output.Basis,
		Error:   errorString(wire.Run.Error),
	}, true
}

// Collect drains the stream into a slice. The stream is closed on return.
func (s *RunStream) Collect() ([]RunEvent, error) {
	defer func() {
		_ = s.Close()
	}()
	var out []RunEvent
	for {
		ev, err := s.Next()
		if err == io.EOF {
			return out, nil
		}
		if err != nil {
			return out, err
		}
		out = append(out, ev)
	}
}

// Close releases the underlying connection. Safe to call more than once.
func (s *RunStream) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	return s.body.Close()
}

// errorString renders the run error field, which the service emits either as
// a bare string or as an object with a message.
func errorString(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(t)
	case map[string]any:
		for _, key := range []string{"message", "error", "detail"} {
			if s, ok := t[key].(string); ok && strings.TrimSpace(s) != "" {
				return strings.TrimSpace(s)
			}
		}
		b, err := json.Marshal(t)
		if err != nil {
			return "task run failed"
		}
		return string(b)
	default:
		b, err := json.Marshal(t)
		if err != nil {
			return "task run failed"
		}
		return string(b)
	}
}
