// Package reports serves the read-only reports backed by /api/reports.
package reports

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"upfweb/internal/apiclient"
	"upfweb/internal/handlers/common"
	"upfweb/internal/importer"
)

// Column formats.
const (
	Text  = "text"
	Qty   = "qty"
	Money = "money"
)

// Column is one report column: the backend field and how to show it.
type Column struct {
	Key    string
	Header string
	Format string
}

// Report describes a report the backend serves at reports/<Name>.
type Report struct {
	Name    string
	Title   string
	Columns []Column
}

// Catalog lists the known reports in tab order.
var Catalog = []Report{
	{Name: "low_stock", Title: "Low stock", Columns: []Column{
		{"item_name", "Item", Text},
		{"sku", "SKU", Text},
		{"color", "Color", Text},
		{"size", "Size", Text},
		{"current_stock", "Stock", Qty},
		{"threshold", "Threshold", Qty},
		{"unit", "Unit", Text},
	}},
	{Name: "po_summary", Title: "Purchase order summary", Columns: []Column{
		{"po_number", "PO", Text},
		{"supplier_name", "Supplier", Text},
		{"order_date", "Date", Text},
		{"status", "Status", Text},
		{"line_count", "Lines", Qty},
		{"total_amount", "Total", Money},
		{"received_amount", "Received", Money},
	}},
}

// Lookup returns the report named name.
func Lookup(name string) (Report, bool) {
	for _, rep := range Catalog {
		if rep.Name == name {
			return rep, true
		}
	}
	return Report{}, false
}

// Headers returns the column headers.
func (rep Report) Headers() []string {
	out := make([]string, len(rep.Columns))
	for i, c := range rep.Columns {
		out[i] = c.Header
	}
	return out
}

// Format renders backend records as table cells. Missing fields are blank.
func (rep Report) Format(records []map[string]json.RawMessage) [][]string {
	rows := make([][]string, 0, len(records))
	for _, rec := range records {
		row := make([]string, len(rep.Columns))
		for i, c := range rep.Columns {
			row[i] = formatCell(rec[c.Key], c.Format)
		}
		rows = append(rows, row)
	}
	return rows
}

func formatCell(raw json.RawMessage, format string) string {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		s = string(raw)
	}
	switch format {
	case Money:
		if d, err := decimal.NewFromString(s); err == nil {
			return d.StringFixed(2)
		}
	case Qty:
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			return strconv.FormatFloat(f, 'f', -1, 64)
		}
	}
	return s
}

// Handler holds dependencies for the reports pages.
type Handler struct {
	common.Base
	API *apiclient.Client
}

// MountRoutes registers the /reports routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/reports/"+Catalog[0].Name, http.StatusFound)
	})
	r.Get("/{name}", h.Show)
	r.Get("/{name}/export", h.Export)
}

// Tab is a link in the report navigation.
type Tab struct {
	Name  string
	Title string
}

// Page is the data of the report page.
type Page struct {
	Name    string
	Title   string
	Reports []Tab
	Headers []string
	Rows    [][]string
}

func tabs() []Tab {
	out := make([]Tab, len(Catalog))
	for i, rep := range Catalog {
		out[i] = Tab{Name: rep.Name, Title: rep.Title}
	}
	return out
}

// load resolves the report in the URL and fetches its rows. It answers the
// request itself when it returns false.
func (h *Handler) load(w http.ResponseWriter, r *http.Request) (Report, [][]string, bool) {
	rep, ok := Lookup(chi.URLParam(r, "name"))
	if !ok {
		h.NotFound(w, r, "Unknown report")
		return Report{}, nil, false
	}
	var records []map[string]json.RawMessage
	if err := h.API.Get(r.Context(), "reports/"+rep.Name, &records); err != nil {
		h.Fail(w, r, err, "Could not load the "+strings.ToLower(rep.Title)+" report")
		return Report{}, nil, false
	}
	return rep, rep.Format(records), true
}

// Show handles GET /reports/{name}.
func (h *Handler) Show(w http.ResponseWriter, r *http.Request) {
	rep, rows, ok := h.load(w, r)
	if !ok {
		return
	}
	h.Render(w, r, http.StatusOK, "report", rep.Title, Page{
		Name:    rep.Name,
		Title:   rep.Title,
		Reports: tabs(),
		Headers: rep.Headers(),
		Rows:    rows,
	})
}

// Export handles GET /reports/{name}/export?format=csv|xlsx.
func (h *Handler) Export(w http.ResponseWriter, r *http.Request) {
	rep, rows, ok := h.load(w, r)
	if !ok {
		return
	}
	var err error
	switch r.URL.Query().Get("format") {
	case "xlsx":
		w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%s.xlsx", rep.Name))
		err = importer.WriteXLSX(w, rep.Title, rep.Headers(), rows)
	default:
		w.Header().Set("Content-Type", "text/csv")
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%s.csv", rep.Name))
		err = importer.WriteCSV(w, rep.Headers(), rows)
	}
	if err != nil {
		h.Logger(r).Error("report export failed", zap.String("report", rep.Name), zap.Error(err))
	}
}
