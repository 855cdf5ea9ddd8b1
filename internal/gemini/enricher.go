// Package gemini is an alternative enrichment backend that answers directly
// from the Gemini API with web search grounding, instead of going through the
// batched task group service. Same rows in, same result shape out.
package gemini

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sort"
	"strings"
	"time"

	"google.golang.org/genai"

	"github.com/parallelweb/batchenrich/pkg/enrich"
	"github.com/parallelweb/batchenrich/pkg/enrich/worker"
)

// APIKeyEnvVar is the credential variable for the Gemini backend.
const APIKeyEnvVar = "GEMINI_API_KEY"

// DefaultModel is used when no model is configured.
const DefaultModel = "gemini-2.5-flash"

type Config struct {
	APIKey string
	Model  string

	// BaseURL overrides the Gemini API base URL. Useful for proxies/testing.
	BaseURL string

	// CaptureSources attaches grounding URLs to each result under the basis key.
	CaptureSources bool

	// Concurrency bounds parallel row requests in EnrichAll. <=0 means 4.
	Concurrency int

	// RateLimitRPS bounds requests per second across all workers. <=0
	// disables limiting.
	RateLimitRPS float64
}

type Enricher struct {
	client         *genai.Client
	model          string
	captureSources bool
	concurrency    int
	rateLimitRPS   float64

	// enrichFn is Enrich unless a test substitutes it.
	enrichFn func(ctx context.Context, row enrich.Row, schema *enrich.OutputSchema) (enrich.Result, error)
}

func New(ctx context.Context, cfg Config) (*Enricher, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, fmt.Errorf("%s is required", APIKeyEnvVar)
	}
	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = DefaultModel
	}

	cc := &genai.ClientConfig{
		APIKey:  strings.TrimSpace(cfg.APIKey),
		Backend: genai.BackendGeminiAPI,
	}
	if strings.TrimSpace(cfg.BaseURL) != "" {
		cc.HTTPOptions.BaseURL = strings.TrimSpace(cfg.BaseURL)
	}

	client, err := genai.NewClient(ctx, cc)
	if err != nil {
		return nil, err
	}
	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = 4
	}
	e := &Enricher{
		client:         client,
		model:          model,
		captureSources: cfg.CaptureSources,
		concurrency:    concurrency,
		rateLimitRPS:   cfg.RateLimitRPS,
	}
	e.enrichFn = e.Enrich
	return e, nil
}

// Enrich answers one row against the output schema.
func (e *Enricher) Enrich(ctx context.Context, row enrich.Row, schema *enrich.OutputSchema) (enrich.Result, error) {
	if len(schema.Fields) == 0 {
		return nil, errors.New("output schema has no fields")
	}

	prompt, err := buildPrompt(row, schema)
	if err != nil {
		return nil, err
	}

	resp, err := e.client.Models.GenerateContent(
		ctx,
		e.model,
		genai.Text(prompt),
		&genai.GenerateContentConfig{
			Tools: []*genai.Tool{
				{GoogleSearch: &genai.GoogleSearch{}},
				{URLContext: &genai.URLContext{}},
			},
			CandidateCount:   1,
			ResponseMIMEType: "application/json",
			ResponseSchema:   responseSchema(schema),
		},
	)
	if err != nil {
		return nil, classifyErr(err)
	}

	var parsed map[string]any
	if err := json.Unmarshal([]byte(resp.Text()), &parsed); err != nil {
		return nil, fmt.Errorf("gemini: parse structured json: %w", err)
	}

	out := make(enrich.Result, len(schema.Fields)+1)
	for _, field := range schema.Fields {
		if s, ok := parsed[field].(string); ok {
			out[field] = strings.TrimSpace(s)
		} else {
			out[field] = ""
		}
	}
	if e.captureSources {
		if sources := extractSources(resp); len(sources) > 0 {
			out[enrich.BasisKey] = sources
		}
	}
	return out, nil
}

// EnrichAll answers every row through the shared worker pool, so transient
// API failures from classifyErr are retried with backoff. Per-row failures
// become error records; the batch itself only fails on context cancellation.
func (e *Enricher) EnrichAll(ctx context.Context, rows []enrich.Row, schema *enrich.OutputSchema) ([]enrich.Result, error) {
	type indexedRow struct {
		index int
		row   enrich.Row
	}
	items := make([]indexedRow, len(rows))
	for i, row := range rows {
		items[i] = indexedRow{index: i, row: row}
	}

	processed, err := worker.ProcessAll(ctx, items,
		func(ctx context.Context, item indexedRow) (enrich.Result, error) {
			return e.enrichFn(ctx, item.row, schema)
		},
		worker.Options{
			Workers:        e.concurrency,
			MaxRetries:     2,
			RequestTimeout: 2 * time.Minute,
			RateLimitRPS:   e.rateLimitRPS,
			FailurePolicy:  worker.FailurePolicyPartialOutput,
		})
	if err != nil {
		return nil, err
	}

	results := make([]enrich.Result, len(rows))
	for _, pr := range processed {
		if pr.Err != nil {
			results[pr.Input.index] = enrich.ErrorResult(pr.Err.Error())
			continue
		}
		results[pr.Input.index] = pr.Output
	}
	return results, nil
}

// responseSchema renders the output schema in the form the Gemini structured
// output API expects: every field a required string with its description.
func responseSchema(schema *enrich.OutputSchema) *genai.Schema {
	properties := make(map[string]*genai.Schema, len(schema.Fields))
	for _, field := range schema.Fields {
		properties[field] = &genai.Schema{
			Type:        genai.TypeString,
			Description: schema.Descriptions[field],
		}
	}
	required := make([]string, len(schema.Fields))
	copy(required, schema.Fields)
	return &genai.Schema{
		Type:       genai.TypeObject,
		Properties: properties,
		Required:   required,
	}
}

func buildPrompt(row enrich.Row, schema *enrich.OutputSchema) (string, error) {
	record, err := json.Marshal(map[string]any(row))
	if err != nil {
		return "", fmt.Errorf("encode input row: %w", err)
	}

	fields := make([]string, 0, len(schema.Fields))
	for _, field := range schema.Fields {
		fields = append(fields, fmt.Sprintf("- %s: %s", field, schema.Descriptions[field]))
	}
	sort.Strings(fields)

	// Keep this prompt public-safe: no secrets, and no input data beyond the
	// row itself (required input to enrichment).
	return strings.TrimSpace(`
You are a data enrichment tool. Given an input record, use web search and URL context to find the requested information about the entity it describes.

Return ONLY a single JSON object with exactly these keys:
` + strings.Join(fields, "\n") + `

Rules:
- If you cannot find a field, set it to an empty string.
- Do not include extra keys.

Input record: ` + string(record) + `
`), nil
}

func classifyErr(err error) error {
	// Wrap transient failures so the worker pool will retry with backoff.
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		if apiErr.Code == 429 || apiErr.Code/100 == 5 {
			return &worker.TransientError{Err: err}
		}
		return err
	}
	var ne net.Error
	if errors.As(err, &ne) && (ne.Timeout() || ne.Temporary()) {
		return &worker.TransientError{Err: err}
	}
	return err
}

func extractSources(resp *genai.GenerateContentResponse) []string {
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0] == nil {
		return nil
	}
	c := resp.Candidates[0]

	var out []string
	if c.GroundingMetadata != nil {
		for _, chunk := range c.GroundingMetadata.GroundingChunks {
			if chunk == nil || chunk.Web == nil {
				continue
			}
			if strings.TrimSpace(chunk.Web.URI) != "" {
				out = append(out, strings.TrimSpace(chunk.Web.URI))
			}
		}
	}
	if c.URLContextMetadata != nil {
		for _, m := range c.URLContextMetadata.URLMetadata {
			if m == nil {
				continue
			}
			if strings.TrimSpace(m.RetrievedURL) != "" {
				out = append(out, strings.TrimSpace(m.RetrievedURL))
			}
		}
	}

	return dedupePreserveOrder(out)
}

func dedupePreserveOrder(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, v := range in {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}
