package mocktasks

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
)

type researchState struct {
	runID     string
	input     string
	processor string
	checks    int
	content   any
	basis     []map[string]any
}

// SetResearchPolls makes single task runs report "running" for the first n
// status checks before completing.
func (s *Server) SetResearchPolls(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.researchPolls = n
}

// SetResearchContent overrides the report content returned for research runs.
func (s *Server) SetResearchContent(content any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.researchContent = content
}

type createRunRequest struct {
	Input     string `json:"input"`
	Processor string `json:"processor"`
}

func (s *Server) handleCreateResearchRun(w http.ResponseWriter, r *http.Request) {
	s.recordCall(r)
	if !s.authorize(w, r) {
		return
	}
	if r.Method != http.MethodPost {
		writeAPIError(w, http.StatusMethodNotAllowed, "method_not_allowed", "use POST")
		return
	}

	var req createRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || strings.TrimSpace(req.Input) == "" {
		writeAPIError(w, http.StatusBadRequest, "invalid_request", "input is required")
		return
	}

	s.mu.Lock()
	runID := fmt.Sprintf("trun-%06d", s.nextRun)
	s.nextRun++
	content := s.researchContent
	if content == nil {
		content = "research findings for: " + req.Input
	}
	s.research[runID] = &researchState{
		runID:     runID,
		input:     req.Input,
		processor: req.Processor,
		content:   content,
	}
	s.mu.Unlock()

	writeJSON(w, map[string]any{
		"run_id":    runID,
		"status":    "queued",
		"processor": req.Processor,
	})
}

func (s *Server) handleResearchRun(w http.ResponseWriter, r *http.Request) {
	s.recordCall(r)
	if !s.authorize(w, r) {
		return
	}
	if r.Method != http.MethodGet {
		writeAPIError(w, http.StatusMethodNotAllowed, "method_not_allowed", "use GET")
		return
	}

	// /v1/tasks/runs/{id}
	// /v1/tasks/runs/{id}/result
	rest := strings.TrimPrefix(r.URL.Path, "/v1/tasks/runs/")
	parts := strings.Split(rest, "/")
	runID := parts[0]

	s.mu.Lock()
	run, ok := s.research[runID]
	s.mu.Unlock()
	if runID == "" || !ok {
		writeAPIError(w, http.StatusNotFound, "not_found", "unknown task run")
		return
	}

	switch {
	case len(parts) == 1:
		s.mu.Lock()
		run.checks++
		status := "completed"
		if run.checks <= s.researchPolls {
			status = "running"
		}
		s.mu.Unlock()
		writeJSON(w, map[string]any{
			"run_id":    run.runID,
			"status":    status,
			"processor": run.processor,
		})
	case len(parts) == 2 && parts[1] == "result":
		s.mu.Lock()
		content := run.content
		basis := run.basis
		s.mu.Unlock()
		writeJSON(w, map[string]any{
			"run_id": run.runID,
			"output": map[string]any{
				"content": content,
				"basis":   basis,
			},
		})
	default:
		writeAPIError(w, http.StatusNotFound, "not_found", "unknown endpoint")
	}
}
