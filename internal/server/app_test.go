package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"go.uber.org/zap"

	"upfweb/internal/config"
	"upfweb/internal/testutil"
)

func testApp(t *testing.T) (*testutil.Upstream, *App, http.Handler) {
	t.Helper()
	up := testutil.NewUpstream(t)
	cfg := config.Default()
	cfg.API.BaseURL = up.BaseURL()
	cfg.API.Retries = 0
	cfg.StaticDir = t.TempDir()
	if err := os.WriteFile(filepath.Join(cfg.StaticDir, "app.css"), []byte("body{}"), 0o644); err != nil {
		t.Fatal(err)
	}
	app, err := New(cfg, zap.NewNop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return up, app, app.Router()
}

func withSession(r *http.Request) *http.Request {
	r.AddCookie(&http.Cookie{Name: "session", Value: "s3ss"})
	return r
}

func TestHealthz(t *testing.T) {
	_, _, srv := testApp(t)
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, httptest.NewRequest("GET", "/healthz", nil))
	testutil.AssertStatus(t, w, http.StatusOK)

	var body struct {
		Success bool   `json:"success"`
		Data    Health `json:"data"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !body.Success || body.Data.Status != "ok" {
		t.Errorf("Unexpected health %+v", body)
	}
	if w.Header().Get(RequestIDHeader) == "" {
		t.Error("Expected a request id header")
	}
	if w.Header().Get("X-Frame-Options") != "DENY" {
		t.Error("Expected security headers")
	}
}

func TestMetricsEndpoint(t *testing.T) {
	up, _, srv := testApp(t)
	up.JSON(http.MethodGet, "/reports/low_stock", []map[string]any{})

	w := httptest.NewRecorder()
	srv.ServeHTTP(w, withSession(httptest.NewRequest("GET", "/reports/low_stock", nil)))
	testutil.AssertStatus(t, w, http.StatusOK)

	w = httptest.NewRecorder()
	srv.ServeHTTP(w, httptest.NewRequest("GET", "/metrics", nil))
	testutil.AssertStatus(t, w, http.StatusOK)
	body := w.Body.String()
	for _, want := range []string{"go_goroutines", "upf_upstream_requests_total"} {
		if !strings.Contains(body, want) {
			t.Errorf("Expected %s in metrics output", want)
		}
	}
}

func TestStaticFiles(t *testing.T) {
	_, _, srv := testApp(t)
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, httptest.NewRequest("GET", "/static/app.css", nil))
	testutil.AssertStatus(t, w, http.StatusOK)
	if w.Body.String() != "body{}" {
		t.Errorf("Unexpected static body %q", w.Body.String())
	}
}

func TestPagesRequireSession(t *testing.T) {
	up, _, srv := testApp(t)
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, httptest.NewRequest("GET", "/inventory/items", nil))
	testutil.AssertStatus(t, w, http.StatusSeeOther)
	if loc := w.Header().Get("Location"); loc != "/auth/login?next=%2Finventory%2Fitems" {
		t.Errorf("Unexpected redirect %q", loc)
	}
	if up.Total() != 0 {
		t.Errorf("Expected no backend calls, got %d", up.Total())
	}
}

func TestSessionForwardedToBackend(t *testing.T) {
	up, _, srv := testApp(t)
	var got string
	up.Handle(http.MethodGet, "/reports/po_summary", func(w http.ResponseWriter, r *http.Request) {
		if c, err := r.Cookie("session"); err == nil {
			got = c.Value
		}
		testutil.WriteEnvelope(w, http.StatusOK, []map[string]any{{"po_number": "PO-1"}})
	})

	w := httptest.NewRecorder()
	srv.ServeHTTP(w, withSession(httptest.NewRequest("GET", "/reports/po_summary", nil)))
	testutil.AssertStatus(t, w, http.StatusOK)
	if got != "s3ss" {
		t.Errorf("Expected session cookie forwarded, got %q", got)
	}
	if !strings.Contains(w.Body.String(), "PO-1") {
		t.Error("Expected report row in page")
	}
}

func TestPostsNeedConsoleToken(t *testing.T) {
	up, _, srv := testApp(t)
	form := url.Values{"name": {"Cutting"}}
	req := withSession(httptest.NewRequest("POST", "/upf/processes", strings.NewReader(form.Encode())))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)
	testutil.AssertStatus(t, w, http.StatusForbidden)
	if up.Total() != 0 {
		t.Errorf("Expected no backend calls, got %d", up.Total())
	}
}

func TestPrefsToggle(t *testing.T) {
	_, _, srv := testApp(t)
	form := url.Values{"toggle": {"theme"}, "return_to": {"/upf/processes"}, CSRFFormField: {"tok"}}
	req := httptest.NewRequest("POST", "/prefs", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.AddCookie(&http.Cookie{Name: CSRFCookie, Value: "tok"})
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)
	testutil.AssertStatus(t, w, http.StatusSeeOther)
	if loc := w.Header().Get("Location"); loc != "/upf/processes" {
		t.Errorf("Unexpected redirect %q", loc)
	}
	var theme string
	for _, c := range w.Result().Cookies() {
		if c.Name == "theme" {
			theme = c.Value
		}
	}
	if theme != "dark" {
		t.Errorf("Expected dark theme cookie, got %q", theme)
	}
}
