package importer

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// Row is one previewed data row: its 1-based sheet row number, the
// validation errors the backend reported and the cell values by header.
type Row struct {
	Row    int
	Errors []string
	Cells  map[string]string
}

// HasErrors reports whether the backend rejected the row.
func (r Row) HasErrors() bool { return len(r.Errors) > 0 }

// UnmarshalJSON reads {"_row": 2, "_errors": [...], "<header>": value}.
// _errors may be a list, a single string or a field-to-message object.
func (r *Row) UnmarshalJSON(b []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	*r = Row{Cells: make(map[string]string, len(raw))}
	for k, v := range raw {
		switch k {
		case "_row":
			r.Row = rowNumber(v)
		case "_errors":
			r.Errors = decodeErrors(v)
		default:
			r.Cells[k] = cellString(v)
		}
	}
	return nil
}

// MarshalJSON writes the same flat shape UnmarshalJSON reads.
func (r Row) MarshalJSON() ([]byte, error) {
	m := make(map[string]any, len(r.Cells)+2)
	for k, v := range r.Cells {
		m[k] = v
	}
	m["_row"] = r.Row
	errs := r.Errors
	if errs == nil {
		errs = []string{}
	}
	m["_errors"] = errs
	return json.Marshal(m)
}

// rowNumber reads 2 or "2"; anything else is 0.
func rowNumber(v json.RawMessage) int {
	var n float64
	if json.Unmarshal(v, &n) == nil {
		return int(n)
	}
	var s string
	if json.Unmarshal(v, &s) == nil {
		if n, err := strconv.Atoi(strings.TrimSpace(s)); err == nil {
			return n
		}
	}
	return 0
}

func decodeErrors(v json.RawMessage) []string {
	v = bytes.TrimSpace(v)
	if len(v) == 0 || bytes.Equal(v, []byte("null")) {
		return nil
	}
	var list []string
	if json.Unmarshal(v, &list) == nil {
		return nonEmpty(list)
	}
	var one string
	if json.Unmarshal(v, &one) == nil {
		return nonEmpty([]string{one})
	}
	var byField map[string]string
	if json.Unmarshal(v, &byField) == nil {
		keys := make([]string, 0, len(byField))
		for k := range byField {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		out := make([]string, 0, len(keys))
		for _, k := range keys {
			out = append(out, k+": "+byField[k])
		}
		return nonEmpty(out)
	}
	return []string{"invalid row"}
}

func nonEmpty(in []string) []string {
	var out []string
	for _, s := range in {
		if strings.TrimSpace(s) != "" {
			out = append(out, s)
		}
	}
	return out
}

func cellString(v json.RawMessage) string {
	var s string
	if json.Unmarshal(v, &s) == nil {
		return s
	}
	if bytes.Equal(bytes.TrimSpace(v), []byte("null")) {
		return ""
	}
	return string(bytes.TrimSpace(v))
}

// Preview is the backend's validation of an uploaded sheet.
type Preview struct {
	ImportType string            `json:"import_type"`
	Headers    []string          `json:"headers"`
	Columns    []string          `json:"columns"`
	Mapping    map[string]string `json:"mapping"`
	Rows       []Row             `json:"rows"`
}

// PreviewRequest is posted to the backend to validate a sheet. Each row
// carries its sheet row number as a JSON number in _row.
type PreviewRequest struct {
	ImportType string            `json:"import_type"`
	Headers    []string          `json:"headers"`
	Mapping    map[string]string `json:"mapping,omitempty"`
	Rows       []map[string]any  `json:"rows"`
}

// NewPreviewRequest builds the validation request for a freshly parsed
// sheet. Data rows are numbered from 2, below the header row.
func NewPreviewRequest(importType string, s Sheet) PreviewRequest {
	recs := s.Records()
	rows := make([]map[string]any, 0, len(recs))
	for i, rec := range recs {
		rows = append(rows, previewRecord(i+2, rec))
	}
	return PreviewRequest{ImportType: importType, Headers: s.Headers, Rows: rows}
}

func previewRecord(num int, cells map[string]string) map[string]any {
	out := make(map[string]any, len(cells)+1)
	for k, v := range cells {
		out[k] = v
	}
	out["_row"] = num
	return out
}

// Grid is the editable preview. Committing sends the edited grid, never the
// original file.
type Grid struct {
	ID         string
	ImportType string
	Headers    []string
	// Columns are the target fields headers can be mapped to.
	Columns []string
	// Mapping maps a sheet header to a target column.
	Mapping map[string]string
	Rows    []Row
}

// NewGrid wraps a preview in a grid with a fresh id. Headers missing from
// the mapping map to a column of the same name when one exists.
func NewGrid(p Preview) *Grid {
	g := &Grid{
		ID:         uuid.NewString(),
		ImportType: p.ImportType,
		Headers:    append([]string(nil), p.Headers...),
		Columns:    append([]string(nil), p.Columns...),
		Mapping:    make(map[string]string, len(p.Headers)),
		Rows:       make([]Row, len(p.Rows)),
	}
	for k, v := range p.Mapping {
		g.Mapping[k] = v
	}
	cols := make(map[string]bool, len(p.Columns))
	for _, c := range p.Columns {
		cols[c] = true
	}
	for _, h := range g.Headers {
		if _, ok := g.Mapping[h]; !ok && cols[h] {
			g.Mapping[h] = h
		}
	}
	for i, r := range p.Rows {
		if r.Row == 0 {
			r.Row = i + 2
		}
		g.Rows[i] = r.clone()
	}
	return g
}

func (r Row) clone() Row {
	out := Row{Row: r.Row, Errors: append([]string(nil), r.Errors...), Cells: make(map[string]string, len(r.Cells))}
	for k, v := range r.Cells {
		out.Cells[k] = v
	}
	return out
}

// Clone returns a deep copy, so a cached grid can be edited without
// affecting readers of the cached value.
func (g *Grid) Clone() *Grid {
	out := &Grid{
		ID:         g.ID,
		ImportType: g.ImportType,
		Headers:    append([]string(nil), g.Headers...),
		Columns:    append([]string(nil), g.Columns...),
		Mapping:    make(map[string]string, len(g.Mapping)),
		Rows:       make([]Row, len(g.Rows)),
	}
	for k, v := range g.Mapping {
		out.Mapping[k] = v
	}
	for i, r := range g.Rows {
		out.Rows[i] = r.clone()
	}
	return out
}

// CanCommit is false exactly when some row carries errors.
func (g *Grid) CanCommit() bool {
	for _, r := range g.Rows {
		if r.HasErrors() {
			return false
		}
	}
	return true
}

// ErrorRows returns the rows with errors.
func (g *Grid) ErrorRows() []Row {
	return g.Filter(true)
}

// Filter returns every row, or only rows with errors.
func (g *Grid) Filter(errorsOnly bool) []Row {
	out := make([]Row, 0, len(g.Rows))
	for _, r := range g.Rows {
		if !errorsOnly || r.HasErrors() {
			out = append(out, r)
		}
	}
	return out
}

// Cell returns the value of header in the row numbered rowNum.
func (g *Grid) Cell(rowNum int, header string) string {
	for _, r := range g.Rows {
		if r.Row == rowNum {
			return r.Cells[header]
		}
	}
	return ""
}

// ApplyEdits applies edited cells (cell_<row>_<header>) and header
// mappings (map_<header>) from a submitted grid form. It returns how many
// values changed. Mapping targets that are not known columns are ignored;
// an empty target unmaps the header.
func (g *Grid) ApplyEdits(form url.Values) int {
	byNum := make(map[int]int, len(g.Rows))
	for i, r := range g.Rows {
		byNum[r.Row] = i
	}
	headers := make(map[string]bool, len(g.Headers))
	for _, h := range g.Headers {
		headers[h] = true
	}
	cols := make(map[string]bool, len(g.Columns))
	for _, c := range g.Columns {
		cols[c] = true
	}

	changed := 0
	for k, vs := range form {
		if len(vs) == 0 {
			continue
		}
		v := strings.TrimSpace(vs[len(vs)-1])
		switch {
		case strings.HasPrefix(k, "cell_"):
			num, header, ok := strings.Cut(strings.TrimPrefix(k, "cell_"), "_")
			if !ok || !headers[header] {
				continue
			}
			n, err := strconv.Atoi(num)
			idx, found := byNum[n]
			if err != nil || !found {
				continue
			}
			if g.Rows[idx].Cells[header] != v {
				g.Rows[idx].Cells[header] = v
				changed++
			}
		case strings.HasPrefix(k, "map_"):
			header := strings.TrimPrefix(k, "map_")
			if !headers[header] {
				continue
			}
			if v == "" {
				if _, ok := g.Mapping[header]; ok {
					delete(g.Mapping, header)
					changed++
				}
				continue
			}
			if cols[v] && g.Mapping[header] != v {
				g.Mapping[header] = v
				changed++
			}
		}
	}
	return changed
}

// ErrPreviewMismatch is returned by Revalidate when the fresh preview's
// rows cannot be matched to the grid.
var ErrPreviewMismatch = errors.New("importer: validation rows do not match the grid")

// Revalidate replaces row errors with those of a fresh preview of the
// edited grid. Rows are matched by row number when every preview row names
// a grid row, and by position otherwise. A preview that fits neither way,
// or has no rows for a non-empty grid, leaves the grid untouched and
// returns ErrPreviewMismatch.
func (g *Grid) Revalidate(p Preview) error {
	if len(p.Rows) == 0 && len(g.Rows) > 0 {
		return ErrPreviewMismatch
	}
	index := make(map[int]int, len(g.Rows))
	for i, r := range g.Rows {
		index[r.Row] = i
	}
	byNumber := true
	for _, r := range p.Rows {
		if _, ok := index[r.Row]; r.Row <= 0 || !ok {
			byNumber = false
			break
		}
	}
	errs := make([][]string, len(g.Rows))
	switch {
	case byNumber:
		for _, r := range p.Rows {
			i := index[r.Row]
			errs[i] = append(errs[i], r.Errors...)
		}
	case len(p.Rows) == len(g.Rows):
		for i, r := range p.Rows {
			errs[i] = r.Errors
		}
	default:
		return ErrPreviewMismatch
	}
	for i := range g.Rows {
		g.Rows[i].Errors = append([]string(nil), errs[i]...)
	}
	return nil
}

// PreviewRequest builds a validation request from the edited grid.
func (g *Grid) PreviewRequest() PreviewRequest {
	rows := make([]map[string]any, 0, len(g.Rows))
	for _, r := range g.Rows {
		cells := make(map[string]string, len(g.Headers))
		for _, h := range g.Headers {
			cells[h] = r.Cells[h]
		}
		rows = append(rows, previewRecord(r.Row, cells))
	}
	return PreviewRequest{
		ImportType: g.ImportType,
		Headers:    g.Headers,
		Mapping:    g.Mapping,
		Rows:       rows,
	}
}

// CommitPayload is posted to the commit endpoint.
type CommitPayload struct {
	ImportType string              `json:"import_type"`
	Mapping    map[string]string   `json:"mapping"`
	Rows       []map[string]string `json:"rows"`
}

// CommitPayload serializes the edited grid with mapped column names.
func (g *Grid) CommitPayload() CommitPayload {
	return CommitPayload{ImportType: g.ImportType, Mapping: g.Mapping, Rows: g.records()}
}

// records emits rows keyed by mapped column. Unmapped headers are dropped.
func (g *Grid) records() []map[string]string {
	out := make([]map[string]string, 0, len(g.Rows))
	for _, r := range g.Rows {
		rec := make(map[string]string, len(g.Headers))
		for _, h := range g.Headers {
			if col, ok := g.Mapping[h]; ok {
				rec[col] = r.Cells[h]
			}
		}
		out = append(out, rec)
	}
	return out
}

// Summary describes the grid state for the wizard header.
func (g *Grid) Summary() string {
	bad := len(g.ErrorRows())
	if bad == 0 {
		return fmt.Sprintf("%d rows ready to import", len(g.Rows))
	}
	return fmt.Sprintf("%d of %d rows have errors", bad, len(g.Rows))
}
