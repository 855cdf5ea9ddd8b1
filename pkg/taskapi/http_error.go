package taskapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/parallelweb/batchenrich/pkg/redact"
)

// apiErrorEnvelope is the standard error envelope shape used by the task API.
// Responses may include additional fields; we intentionally ignore them.
type apiErrorEnvelope struct {
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

// AuthError indicates a missing or rejected API credential. It is batch-fatal:
// callers must not continue submitting against the same configuration.
type AuthError struct {
	Op         string
	StatusCode int
	Message    string
}

func (e *AuthError) Error() string {
	if e == nil {
		return "task api auth error"
	}
	msg := strings.TrimSpace(e.Message)
	if msg == "" {
		msg = "invalid or missing API key"
	}
	return fmt.Sprintf("task api auth error: op=%s status=%d: %s", e.Op, e.StatusCode, msg)
}

// HTTPError is a sanitized summary of a non-2xx task API response.
//
// Important: do not include raw response bodies here (can leak PII/keys).
type HTTPError struct {
	Op         string
	StatusCode int
	Status     string
	ErrorType  string
	Message    string

	// Snippet is a redacted, truncated hint for non-envelope responses.
	Snippet string
}

func (e *HTTPError) Error() string {
	if e == nil {
		return "task api http error"
	}
	parts := []string{
		fmt.Sprintf("task api error: op=%s status=%s", strings.TrimSpace(e.Op), strings.TrimSpace(e.Status)),
	}
	if strings.TrimSpace(e.ErrorType) != "" {
		parts = append(parts, "type="+strings.TrimSpace(e.ErrorType))
	}
	if strings.TrimSpace(e.Message) != "" {
		parts = append(parts, "message="+strings.TrimSpace(e.Message))
	}
	if strings.TrimSpace(e.Snippet) != "" {
		parts = append(parts, "body="+strings.TrimSpace(e.Snippet))
	}
	return strings.Join(parts, " ")
}

func newAPIError(op string, resp *http.Response, body []byte) error {
	var env apiErrorEnvelope
	_ = json.Unmarshal(body, &env)

	if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
		return &AuthError{
			Op:         op,
			StatusCode: resp.StatusCode,
			Message:    redact.Secrets(env.Error.Message),
		}
	}

	h := &HTTPError{Op: op}
	if resp != nil {
		h.StatusCode = resp.StatusCode
		h.Status = resp.Status
	}
	h.ErrorType = strings.TrimSpace(env.Error.Type)
	h.Message = redact.Secrets(env.Error.Message)
	if h.ErrorType != "" || h.Message != "" {
		return h
	}

	// Fallback: include a small, redacted hint only.
	h.Snippet = redactAndTruncate(body)
	return h
}

func redactAndTruncate(body []byte) string {
	if len(body) == 0 {
		return ""
	}
	// Keep this small: response bodies can contain sensitive data.
	const max = 256
	b := body
	if len(b) > max {
		b = b[:max]
	}
	s := redact.Secrets(string(b))
	s = strings.ReplaceAll(s, "\n", " ")
	s = strings.ReplaceAll(s, "\r", " ")
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	if len(body) > max {
		return s + "..."
	}
	return s
}
