// Package testutil provides a fake backend and request helpers shared by
// package tests.
package testutil

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/go-chi/chi/v5"

	"upfweb/internal/apiclient"
)

// Upstream is a fake backend. Routes are chi patterns relative to /api and
// every call is counted per "METHOD pattern".
type Upstream struct {
	*httptest.Server

	mu     sync.Mutex
	router chi.Router
	calls  map[string]int
	bodies map[string][]byte
	total  int
}

// NewUpstream starts a fake backend that is closed with the test.
func NewUpstream(t *testing.T) *Upstream {
	t.Helper()
	u := &Upstream{
		router: chi.NewRouter(),
		calls:  make(map[string]int),
		bodies: make(map[string][]byte),
	}
	u.router.NotFound(func(w http.ResponseWriter, r *http.Request) {
		WriteError(w, http.StatusNotFound, "not_found", "no route for "+r.Method+" "+r.URL.Path)
	})
	u.Server = httptest.NewServer(u.router)
	t.Cleanup(u.Close)
	return u
}

// BaseURL is the API base to configure clients with.
func (u *Upstream) BaseURL() string { return u.URL + "/api" }

// Handle registers h for method and pattern (for example
// "/upf/processes/{id}"). Register routes before issuing requests.
func (u *Upstream) Handle(method, pattern string, h http.HandlerFunc) {
	name := method + " " + pattern
	u.router.MethodFunc(method, "/api"+pattern, func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		r.Body = io.NopCloser(bytes.NewReader(body))
		u.mu.Lock()
		u.calls[name]++
		u.total++
		u.bodies[name] = body
		u.mu.Unlock()
		h(w, r)
	})
}

// JSON registers a route answering data inside the success envelope.
func (u *Upstream) JSON(method, pattern string, data any) {
	u.Handle(method, pattern, func(w http.ResponseWriter, r *http.Request) {
		WriteEnvelope(w, http.StatusOK, data)
	})
}

// Calls returns how often method pattern was hit.
func (u *Upstream) Calls(method, pattern string) int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.calls[method+" "+pattern]
}

// Total returns the number of routed calls.
func (u *Upstream) Total() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.total
}

// LastBody returns the request body of the latest call to method pattern.
func (u *Upstream) LastBody(method, pattern string) []byte {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.bodies[method+" "+pattern]
}

// DecodeLastBody decodes the latest request body of method pattern into v.
func (u *Upstream) DecodeLastBody(t *testing.T, method, pattern string, v any) {
	t.Helper()
	if err := json.Unmarshal(u.LastBody(method, pattern), v); err != nil {
		t.Fatalf("decode %s %s body: %v", method, pattern, err)
	}
}

// Client returns an API client for u without retries.
func (u *Upstream) Client(t *testing.T) *apiclient.Client {
	t.Helper()
	c, err := apiclient.New(apiclient.Options{BaseURL: u.BaseURL()})
	if err != nil {
		t.Fatalf("apiclient.New: %v", err)
	}
	return c
}

// WriteEnvelope writes {"success":true,"data":data}.
func WriteEnvelope(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]any{"success": true, "data": data})
}

// WriteError writes {"success":false,"error":code,"message":msg}.
func WriteError(w http.ResponseWriter, status int, code, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]any{"success": false, "error": code, "message": msg})
}

// AssertStatus fails the test when the recorder holds another status.
func AssertStatus(t *testing.T, w *httptest.ResponseRecorder, expected int) {
	t.Helper()
	if w.Code != expected {
		t.Errorf("Expected status %d, got %d. Body: %s", expected, w.Code, w.Body.String())
	}
}
