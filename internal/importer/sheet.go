// Package importer reads spreadsheets for the import wizard, holds the
// editable preview grid and writes spreadsheet exports.
package importer

import (
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/xuri/excelize/v2"
)

// ErrUnsupported is returned for files that are neither xlsx nor csv.
var ErrUnsupported = errors.New("importer: unsupported file type")

// ErrEmpty is returned for files without a header row.
var ErrEmpty = errors.New("importer: file has no header row")

// Sheet is a parsed spreadsheet: the first non-empty row is the header and
// every data row is padded or cut to the header width.
type Sheet struct {
	Headers []string
	Rows    [][]string
}

// Records returns each data row keyed by header.
func (s Sheet) Records() []map[string]string {
	out := make([]map[string]string, 0, len(s.Rows))
	for _, r := range s.Rows {
		rec := make(map[string]string, len(s.Headers))
		for i, h := range s.Headers {
			rec[h] = r[i]
		}
		out = append(out, rec)
	}
	return out
}

// ParseFile parses an .xlsx (first sheet) or .csv file.
func ParseFile(name string, r io.Reader) (Sheet, error) {
	var (
		rows [][]string
		err  error
	)
	switch strings.ToLower(filepath.Ext(name)) {
	case ".xlsx", ".xlsm":
		rows, err = readXLSX(r)
	case ".csv":
		rows, err = readCSV(r)
	default:
		return Sheet{}, fmt.Errorf("%w: %s", ErrUnsupported, filepath.Ext(name))
	}
	if err != nil {
		return Sheet{}, err
	}
	return toSheet(rows)
}

func readXLSX(r io.Reader) ([][]string, error) {
	f, err := excelize.OpenReader(r)
	if err != nil {
		return nil, fmt.Errorf("importer: open workbook: %w", err)
	}
	defer f.Close()
	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return nil, ErrEmpty
	}
	rows, err := f.GetRows(sheets[0])
	if err != nil {
		return nil, fmt.Errorf("importer: read sheet %q: %w", sheets[0], err)
	}
	return rows, nil
}

func readCSV(r io.Reader) ([][]string, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("importer: read csv: %w", err)
	}
	data = bytes.TrimPrefix(data, []byte("\xef\xbb\xbf"))
	cr := csv.NewReader(bytes.NewReader(data))
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true
	rows, err := cr.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("importer: parse csv: %w", err)
	}
	return rows, nil
}

func blank(row []string) bool {
	for _, c := range row {
		if strings.TrimSpace(c) != "" {
			return false
		}
	}
	return true
}

func toSheet(rows [][]string) (Sheet, error) {
	start := -1
	for i, r := range rows {
		if !blank(r) {
			start = i
			break
		}
	}
	if start < 0 {
		return Sheet{}, ErrEmpty
	}
	headers := make([]string, 0, len(rows[start]))
	for i, h := range rows[start] {
		h = strings.TrimSpace(h)
		if h == "" {
			h = fmt.Sprintf("column_%d", i+1)
		}
		headers = append(headers, h)
	}
	s := Sheet{Headers: headers, Rows: [][]string{}}
	for _, r := range rows[start+1:] {
		if blank(r) {
			continue
		}
		row := make([]string, len(headers))
		for i := range row {
			if i < len(r) {
				row[i] = strings.TrimSpace(r[i])
			}
		}
		s.Rows = append(s.Rows, row)
	}
	return s, nil
}
