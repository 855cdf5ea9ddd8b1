// Package processors reads and writes enrichment rows in the formats the CLI
// accepts: CSV files with a header row, and JSON arrays of flat objects.
package processors

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/parallelweb/batchenrich/pkg/enrich"
)

// ReadCSVRows reads a headered CSV into rows. When columns is non-empty only
// those columns are kept, and each must exist in the header (matched
// case-insensitively). The returned header lists the kept column names in
// file order, preserving the file's casing.
func ReadCSVRows(r io.Reader, columns []string) ([]enrich.Row, []string, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1

	header, err := cr.Read()
	if err == io.EOF {
		return nil, nil, fmt.Errorf("input is empty")
	}
	if err != nil {
		return nil, nil, fmt.Errorf("read header: %w", err)
	}
	for i := range header {
		header[i] = strings.TrimSpace(header[i])
	}

	keepIdx := make([]int, 0, len(header))
	if len(columns) == 0 {
		for i := range header {
			keepIdx = append(keepIdx, i)
		}
	} else {
		for _, want := range columns {
			found := -1
			for i, col := range header {
				if strings.EqualFold(col, strings.TrimSpace(want)) {
					found = i
					break
				}
			}
			if found < 0 {
				return nil, nil, fmt.Errorf("missing required column %q", want)
			}
			keepIdx = append(keepIdx, found)
		}
	}

	kept := make([]string, len(keepIdx))
	for i, idx := range keepIdx {
		kept[i] = header[idx]
	}

	var rows []enrich.Row
	for {
		rec, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, nil, fmt.Errorf("read row %d: %w", len(rows)+2, err)
		}
		row := make(enrich.Row, len(keepIdx))
		for i, idx := range keepIdx {
			if idx < len(rec) {
				row[kept[i]] = rec[idx]
			} else {
				row[kept[i]] = ""
			}
		}
		rows = append(rows, row)
	}
	return rows, kept, nil
}

// WriteCSVRows writes one output record per row: the kept input columns
// followed by the enriched fields, then an error column. Results must be
// positionally aligned with rows.
func WriteCSVRows(w io.Writer, rows []enrich.Row, results []enrich.Result, inputHeader, outputFields []string, includeBasis bool) error {
	if len(rows) != len(results) {
		return fmt.Errorf("rows (%d) and results (%d) must align", len(rows), len(results))
	}

	header := make([]string, 0, len(inputHeader)+len(outputFields)+2)
	header = append(header, inputHeader...)
	header = append(header, outputFields...)
	header = append(header, enrich.ErrorKey)
	if includeBasis {
		header = append(header, enrich.BasisKey)
	}

	cw := csv.NewWriter(w)
	if err := cw.Write(header); err != nil {
		return fmt.Errorf("write header: %w", err)
	}

	for i, row := range rows {
		rec := make([]string, 0, len(header))
		for _, col := range inputHeader {
			rec = append(rec, cellString(row[col]))
		}
		res := results[i]
		for _, field := range outputFields {
			rec = append(rec, cellString(res[field]))
		}
		rec = append(rec, res.ErrorReason())
		if includeBasis {
			rec = append(rec, cellString(res[enrich.BasisKey]))
		}
		if err := cw.Write(rec); err != nil {
			return fmt.Errorf("write row %d: %w", i+1, err)
		}
	}

	cw.Flush()
	return cw.Error()
}

// cellString renders a value for a CSV cell. Structured values are written as
// compact JSON so nothing is silently lost.
func cellString(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case float64, int, int64, bool:
		return fmt.Sprintf("%v", t)
	default:
		b, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprintf("%v", t)
		}
		return string(b)
	}
}
