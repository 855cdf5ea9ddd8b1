// Package mocktasks implements an in-process task group API for tests and
// local harness runs. It speaks the same wire surface the real service does:
// group creation, batched run submission, status polling, SSE result
// streaming, and the single-run research endpoints.
package mocktasks

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
)

// Call records a request made to the mock service.
type Call struct {
	Method string
	Path   string
}

// Answer is the canned outcome the server produces for one submitted run.
type Answer struct {
	// Content is the structured output for a completed run.
	Content map[string]any
	// Error marks the run failed with this message when non-empty.
	Error string
	// Basis is attached to the streamed event when set.
	Basis []map[string]any
	// Pending leaves the run unfinished forever: it never counts as
	// completed or failed and never appears in the stream.
	Pending bool
}

// Answerer computes the outcome for one run from its submitted input.
type Answerer func(input map[string]any) Answer

type runState struct {
	runID  string
	input  map[string]any
	answer Answer
}

type groupState struct {
	spec       json.RawMessage
	runs       []runState
	statusPoll int
}

// Server is a minimal task group service with scriptable answers.
type Server struct {
	mu    sync.Mutex
	calls []Call

	expectedAPIKey string

	nextGroup int
	nextRun   int
	groups    map[string]*groupState

	answerer Answerer

	// activePolls keeps a group reporting is_active for the first N status
	// requests even after all runs finished. Exercises the polling loop.
	activePolls int

	// streamFailures makes the next N run-stream requests fail with a 500
	// before any event is written. Exercises the stream retry.
	streamFailures int

	research        map[string]*researchState
	researchPolls   int
	researchContent any
}

// New constructs a mock server that echoes run inputs as outputs.
func New() *Server {
	return &Server{
		nextGroup: 1,
		nextRun:   1,
		groups:    make(map[string]*groupState),
		research:  make(map[string]*researchState),
		answerer: func(input map[string]any) Answer {
			return Answer{Content: input}
		},
	}
}

// SetAnswerer replaces the per-run outcome function.
func (s *Server) SetAnswerer(fn Answerer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.answerer = fn
}

// SetActivePolls makes every group report is_active for the first n status
// checks regardless of run completion.
func (s *Server) SetActivePolls(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.activePolls = n
}

// SetStreamFailures makes the next n result-stream requests fail with a 500
// instead of serving events.
func (s *Server) SetStreamFailures(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.streamFailures = n
}

// RequireAPIKey enforces that requests carry a matching x-api-key header.
// An empty key disables enforcement.
func (s *Server) RequireAPIKey(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.expectedAPIKey = strings.TrimSpace(key)
}

// Handler returns an http.Handler that serves the mock API.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1beta/task-groups", s.handleCreateGroup)
	mux.HandleFunc("/v1beta/task-groups/", s.handleGroup)
	mux.HandleFunc("/v1/tasks/runs", s.handleCreateResearchRun)
	mux.HandleFunc("/v1/tasks/runs/", s.handleResearchRun)
	return mux
}

// Calls returns a snapshot of calls made to the server.
func (s *Server) Calls() []Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Call, len(s.calls))
	copy(out, s.calls)
	return out
}

// RunInputs returns the submitted inputs for a group in submission order.
func (s *Server) RunInputs(groupID string) []map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.groups[groupID]
	if !ok {
		return nil
	}
	out := make([]map[string]any, len(g.runs))
	for i, r := range g.runs {
		out[i] = r.input
	}
	return out
}

func (s *Server) recordCall(r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, Call{Method: r.Method, Path: r.URL.Path})
}

func (s *Server) authorize(w http.ResponseWriter, r *http.Request) bool {
	s.mu.Lock()
	expected := s.expectedAPIKey
	s.mu.Unlock()

	if expected == "" {
		return true
	}
	if r.Header.Get("x-api-key") != expected {
		writeAPIError(w, http.StatusUnauthorized, "invalid_api_key", "invalid or missing API key")
		return false
	}
	return true
}

func writeAPIError(w http.ResponseWriter, status int, errType, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{"type": errType, "message": msg},
	})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) handleCreateGroup(w http.ResponseWriter, r *http.Request) {
	s.recordCall(r)
	if !s.authorize(w, r) {
		return
	}
	if r.Method != http.MethodPost {
		writeAPIError(w, http.StatusMethodNotAllowed, "method_not_allowed", "use POST")
		return
	}

	s.mu.Lock()
	groupID := fmt.Sprintf("tgrp-%06d", s.nextGroup)
	s.nextGroup++
	s.groups[groupID] = &groupState{}
	s.mu.Unlock()

	writeJSON(w, map[string]any{"task_group_id": groupID})
}

func (s *Server) handleGroup(w http.ResponseWriter, r *http.Request) {
	s.recordCall(r)
	if !s.authorize(w, r) {
		return
	}

	// /v1beta/task-groups/{id}
	// /v1beta/task-groups/{id}/runs
	rest := strings.TrimPrefix(r.URL.Path, "/v1beta/task-groups/")
	parts := strings.Split(rest, "/")
	groupID := parts[0]

	s.mu.Lock()
	g, ok := s.groups[groupID]
	s.mu.Unlock()
	if groupID == "" || !ok {
		writeAPIError(w, http.StatusNotFound, "not_found", "unknown task group")
		return
	}

	switch {
	case len(parts) == 1:
		if r.Method != http.MethodGet {
			writeAPIError(w, http.StatusMethodNotAllowed, "method_not_allowed", "use GET")
			return
		}
		s.serveGroupStatus(w, groupID, g)
	case len(parts) == 2 && parts[1] == "runs":
		switch r.Method {
		case http.MethodPost:
			s.handleAddRuns(w, r, g)
		case http.MethodGet:
			s.serveRunStream(w, g)
		default:
			writeAPIError(w, http.StatusMethodNotAllowed, "method_not_allowed", "use POST or GET")
		}
	default:
		writeAPIError(w, http.StatusNotFound, "not_found", "unknown endpoint")
	}
}

type addRunsRequest struct {
	DefaultTaskSpec json.RawMessage `json:"default_task_spec"`
	Inputs          []struct {
		Input     map[string]any `json:"input"`
		Processor string         `json:"processor"`
	} `json:"inputs"`
}

func (s *Server) handleAddRuns(w http.ResponseWriter, r *http.Request, g *groupState) {
	var req addRunsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeAPIError(w, http.StatusBadRequest, "invalid_request", "malformed runs payload")
		return
	}
	if len(req.Inputs) == 0 {
		writeAPIError(w, http.StatusBadRequest, "invalid_request", "inputs must not be empty")
		return
	}

	s.mu.Lock()
	answerer := s.answerer
	runIDs := make([]string, len(req.Inputs))
	g.spec = req.DefaultTaskSpec
	for i, in := range req.Inputs {
		runID := fmt.Sprintf("trun-%06d", s.nextRun)
		s.nextRun++
		runIDs[i] = runID
		g.runs = append(g.runs, runState{
			runID:  runID,
			input:  in.Input,
			answer: answerer(in.Input),
		})
	}
	s.mu.Unlock()

	writeJSON(w, map[string]any{"run_ids": runIDs})
}

func (s *Server) serveGroupStatus(w http.ResponseWriter, groupID string, g *groupState) {
	s.mu.Lock()
	completed, failed, pending := 0, 0, 0
	for _, run := range g.runs {
		switch {
		case run.answer.Pending:
			pending++
		case run.answer.Error != "":
			failed++
		default:
			completed++
		}
	}
	total := len(g.runs)
	g.statusPoll++
	active := pending > 0
	// Report everything still running for the first activePolls checks so the
	// caller's polling loop actually loops.
	if g.statusPoll <= s.activePolls {
		pending += completed + failed
		completed, failed = 0, 0
		active = true
	}
	s.mu.Unlock()

	writeJSON(w, map[string]any{
		"task_group_id": groupID,
		"status": map[string]any{
			"task_run_status_counts": map[string]int{
				"completed": completed,
				"failed":    failed,
				"running":   pending,
			},
			"num_task_runs": total,
			"is_active":     active,
		},
	})
}

func (s *Server) serveRunStream(w http.ResponseWriter, g *groupState) {
	s.mu.Lock()
	if s.streamFailures > 0 {
		s.streamFailures--
		s.mu.Unlock()
		writeAPIError(w, http.StatusInternalServerError, "internal_error", "result stream unavailable")
		return
	}
	runs := make([]runState, len(g.runs))
	copy(runs, g.runs)
	s.mu.Unlock()

	w.Header().Set("Content-Type", "text/event-stream")
	w.WriteHeader(http.StatusOK)

	for _, run := range runs {
		if run.answer.Pending {
			continue
		}
		event := map[string]any{
			"type": "task_run.state",
			"run": map[string]any{
				"run_id": run.runID,
				"status": runStatus(run.answer),
				"error":  orNil(run.answer.Error),
			},
			"output": map[string]any{
				"content": run.answer.Content,
				"basis":   run.answer.Basis,
			},
		}
		b, err := json.Marshal(event)
		if err != nil {
			continue
		}
		_, _ = fmt.Fprintf(w, "data: %s\n\n", b)
	}
}

func runStatus(a Answer) string {
	if a.Error != "" {
		return "failed"
	}
	return "completed"
}

func orNil(s string) any {
	if s == "" {
		return nil
	}
	return s
}
