package reports

import (
	"encoding/csv"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"
	"go.uber.org/zap"

	"upfweb/internal/handlers/common"
	"upfweb/internal/render"
	"upfweb/internal/testutil"
)

func setup(t *testing.T) (*testutil.Upstream, http.Handler) {
	t.Helper()
	up := testutil.NewUpstream(t)
	h := &Handler{
		Base: common.Base{Views: render.Must(), Log: zap.NewNop(), LoginPath: "/login"},
		API:  up.Client(t),
	}
	r := chi.NewRouter()
	r.Route("/reports", h.MountRoutes)
	return up, r
}

func get(srv http.Handler, target string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, httptest.NewRequest(http.MethodGet, target, nil))
	return w
}

var lowStock = []map[string]any{
	{"item_name": "Kurta", "sku": "KU-RED-M", "color": "Red", "size": "M", "current_stock": 2.5, "threshold": 10, "unit": "pcs"},
	{"item_name": "Shawl", "sku": "SH-1", "color": nil, "current_stock": "0", "threshold": 5},
}

func TestFormatCells(t *testing.T) {
	rep, ok := Lookup("po_summary")
	require.True(t, ok)
	var recs []map[string]json.RawMessage
	require.NoError(t, json.Unmarshal([]byte(`[{"po_number":"PO-7","total_amount":"1234.5","received_amount":100,"line_count":3}]`), &recs))
	rows := rep.Format(recs)
	require.Len(t, rows, 1)
	assert.Equal(t, []string{"PO-7", "", "", "", "3", "1234.50", "100.00"}, rows[0])

	_, ok = Lookup("nope")
	assert.False(t, ok)
}

func TestShowReport(t *testing.T) {
	up, srv := setup(t)
	up.JSON(http.MethodGet, "/reports/low_stock", lowStock)

	w := get(srv, "/reports/low_stock")
	testutil.AssertStatus(t, w, http.StatusOK)
	body := w.Body.String()
	assert.Contains(t, body, "KU-RED-M")
	assert.Contains(t, body, "2.5")
	assert.Contains(t, body, "Purchase order summary")

	w = get(srv, "/reports")
	testutil.AssertStatus(t, w, http.StatusFound)
	assert.Equal(t, "/reports/low_stock", w.Header().Get("Location"))
}

func TestUnknownReport(t *testing.T) {
	up, srv := setup(t)
	w := get(srv, "/reports/payroll")
	testutil.AssertStatus(t, w, http.StatusNotFound)
	assert.Equal(t, 0, up.Total())
}

func TestReportUnauthorized(t *testing.T) {
	up, srv := setup(t)
	up.Handle(http.MethodGet, "/reports/po_summary", func(w http.ResponseWriter, r *http.Request) {
		testutil.WriteError(w, http.StatusUnauthorized, "unauthorized", "login required")
	})
	w := get(srv, "/reports/po_summary")
	testutil.AssertStatus(t, w, http.StatusSeeOther)
	assert.Equal(t, "/login?next=%2Freports%2Fpo_summary", w.Header().Get("Location"))
}

func TestExportCSV(t *testing.T) {
	up, srv := setup(t)
	up.JSON(http.MethodGet, "/reports/low_stock", lowStock)

	w := get(srv, "/reports/low_stock/export?format=csv")
	testutil.AssertStatus(t, w, http.StatusOK)
	assert.Contains(t, w.Header().Get("Content-Disposition"), "low_stock.csv")
	recs, err := csv.NewReader(strings.NewReader(w.Body.String())).ReadAll()
	require.NoError(t, err)
	require.Len(t, recs, 3)
	assert.Equal(t, "Item", recs[0][0])
	assert.Equal(t, []string{"Shawl", "SH-1", "", "", "0", "5", ""}, recs[2])
}

func TestExportXLSX(t *testing.T) {
	up, srv := setup(t)
	up.JSON(http.MethodGet, "/reports/low_stock", lowStock)

	w := get(srv, "/reports/low_stock/export?format=xlsx")
	testutil.AssertStatus(t, w, http.StatusOK)
	f, err := excelize.OpenReader(w.Body)
	require.NoError(t, err)
	defer f.Close()
	v, err := f.GetCellValue("Low stock", "B2")
	require.NoError(t, err)
	assert.Equal(t, "KU-RED-M", v)
}
