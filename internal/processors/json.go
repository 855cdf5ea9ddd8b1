package processors

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/parallelweb/batchenrich/pkg/enrich"
)

// ReadJSONRows reads a JSON array of flat objects. When columns is non-empty
// only those keys are kept; keys a row does not have are simply absent.
func ReadJSONRows(r io.Reader, columns []string) ([]enrich.Row, error) {
	var raw []map[string]any
	dec := json.NewDecoder(r)
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("parse rows: input must be a JSON array of objects: %w", err)
	}

	rows := make([]enrich.Row, len(raw))
	for i, obj := range raw {
		if len(columns) == 0 {
			rows[i] = enrich.Row(obj)
			continue
		}
		row := make(enrich.Row, len(columns))
		for _, col := range columns {
			if v, ok := obj[col]; ok {
				row[col] = v
			}
		}
		rows[i] = row
	}
	return rows, nil
}

// WriteJSONRows writes one merged object per row: the input fields plus the
// enrichment result, with result keys winning on collision. Output is an
// indented JSON array so it round-trips through ReadJSONRows.
func WriteJSONRows(w io.Writer, rows []enrich.Row, results []enrich.Result) error {
	if len(rows) != len(results) {
		return fmt.Errorf("rows (%d) and results (%d) must align", len(rows), len(results))
	}

	merged := make([]map[string]any, len(rows))
	for i, row := range rows {
		obj := make(map[string]any, len(row)+len(results[i]))
		for k, v := range row {
			obj[k] = v
		}
		for k, v := range results[i] {
			obj[k] = v
		}
		merged[i] = obj
	}

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(merged)
}
