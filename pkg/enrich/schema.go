package enrich

import (
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/parallelweb/batchenrich/pkg/taskapi"
)

// fallbackFieldName is used when a description normalizes to nothing at all.
const fallbackFieldName = "column"

// NormalizeField converts a free-text output column description into a stable,
// schema-safe field name. Deterministic and total: every input produces a
// valid identifier, and collisions against taken are resolved with a numeric
// suffix. The taken set is updated with the returned name.
func NormalizeField(description string, taken map[string]bool) string {
	base := description
	// Drop trailing annotations like "(currency)", "[hint]", "{note}".
	for _, sep := range []string{"(", "[", "{"} {
		if i := strings.Index(base, sep); i >= 0 {
			base = base[:i]
		}
	}
	base = strings.ToLower(strings.TrimSpace(base))

	var b strings.Builder
	for _, r := range base {
		switch {
		case unicode.IsSpace(r) || r == '-':
			b.WriteByte('_')
		case r == '_' || unicode.IsLetter(r) || unicode.IsDigit(r):
			b.WriteRune(r)
		}
	}
	name := b.String()
	if name == "" {
		name = fallbackFieldName
	}
	if r, _ := utf8.DecodeRuneInString(name); !unicode.IsLetter(r) {
		name = "col_" + name
	}

	if taken[name] {
		for n := 2; ; n++ {
			candidate := fmt.Sprintf("%s_%d", name, n)
			if !taken[candidate] {
				name = candidate
				break
			}
		}
	}
	if taken != nil {
		taken[name] = true
	}
	return name
}

// OutputSchema is the typed object schema the remote service uses to structure
// its answer. Built once per batch and reused for every row in the batch.
type OutputSchema struct {
	// Fields are the normalized property names in description order. Remote
	// responses are keyed by field, not position, so this order is what maps
	// parsed content back onto output columns.
	Fields []string

	// Descriptions maps each normalized field to its original description.
	Descriptions map[string]string
}

// BuildOutputSchema normalizes each description in order, guaranteeing
// pairwise-distinct field names. Pure transformation; never fails.
func BuildOutputSchema(descriptions []string) *OutputSchema {
	s := &OutputSchema{
		Fields:       make([]string, 0, len(descriptions)),
		Descriptions: make(map[string]string, len(descriptions)),
	}
	taken := make(map[string]bool, len(descriptions))
	for _, desc := range descriptions {
		name := NormalizeField(desc, taken)
		s.Fields = append(s.Fields, name)
		s.Descriptions[name] = desc
	}
	return s
}

// JSONSchema renders the schema as a JSON-schema object: one required string
// property per field, each carrying its original description.
func (s *OutputSchema) JSONSchema() map[string]any {
	properties := make(map[string]any, len(s.Fields))
	for _, name := range s.Fields {
		properties[name] = map[string]any{
			"type":        "string",
			"description": s.Descriptions[name],
		}
	}
	required := make([]string, len(s.Fields))
	copy(required, s.Fields)
	return map[string]any{
		"type":       "object",
		"properties": properties,
		"required":   required,
	}
}

// TaskSpec wraps the schema into the shared spec submitted with every run.
func (s *OutputSchema) TaskSpec() taskapi.TaskSpec {
	return taskapi.TaskSpec{
		OutputSchema: &taskapi.JSONSchema{
			Type:       "json",
			JSONSchema: s.JSONSchema(),
		},
	}
}
