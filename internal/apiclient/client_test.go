package apiclient

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"upfweb/internal/models"
)

func newTestClient(t *testing.T, h http.HandlerFunc, retries int) (*Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	c, err := New(Options{BaseURL: srv.URL + "/api", Retries: retries, Backoff: time.Millisecond})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	c.sleep = func(ctx context.Context, d time.Duration) error { return ctx.Err() }
	return c, srv
}

func TestNewRejectsBadBaseURL(t *testing.T) {
	for _, base := range []string{"", "not a url", "/api"} {
		if _, err := New(Options{BaseURL: base}); err == nil {
			t.Errorf("expected error for base %q", base)
		}
	}
}

func TestGetUnwrapsEnvelope(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/upf/processes" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		w.Write([]byte(`{"success":true,"data":[{"id":1,"name":"Cut"}],"meta":{"total":9,"page":2}}`))
	}, 0)

	var out []models.Process
	var meta models.Meta
	err := c.Do(context.Background(), Request{Path: "/upf/processes", Out: &out, Meta: &meta})
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	if len(out) != 1 || out[0].Name != "Cut" {
		t.Errorf("got %+v", out)
	}
	if meta.Total != 9 || meta.Page != 2 {
		t.Errorf("meta = %+v", meta)
	}
}

func TestGetAcceptsBareDocuments(t *testing.T) {
	tests := []struct {
		name string
		body string
		want int
	}{
		{"bare array", `[{"id":1},{"id":2}]`, 2},
		{"data only", `{"data":[{"id":1}]}`, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				w.Write([]byte(tt.body))
			}, 0)
			var out []models.Supplier
			if err := c.Get(context.Background(), "suppliers", &out); err != nil {
				t.Fatalf("Get: %v", err)
			}
			if len(out) != tt.want {
				t.Errorf("len = %d, want %d", len(out), tt.want)
			}
		})
	}
}

func TestSuccessTopLevelFieldsDecodeWholeBody(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"success":true,"acknowledged_count":3}`))
	}, 0)
	var out struct {
		AcknowledgedCount int `json:"acknowledged_count"`
	}
	if err := c.Post(context.Background(), "x", map[string]int{"a": 1}, &out); err != nil {
		t.Fatalf("Post: %v", err)
	}
	if out.AcknowledgedCount != 3 {
		t.Errorf("acknowledged_count = %d", out.AcknowledgedCount)
	}
}

func TestSuccessFalseIsError(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"success":false,"error":"Lot is locked"}`))
	}, 0)
	err := c.Post(context.Background(), "x", nil, nil)
	if err == nil || MessageOf(err, "") != "Lot is locked" {
		t.Fatalf("err = %v", err)
	}
}

func TestUnauthorizedIsNotRetriedAndNotDecoded(t *testing.T) {
	var calls int32
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"error":"Login required"}`))
	}, 3)

	for _, method := range []string{"GET", "POST", "PUT", "DELETE"} {
		atomic.StoreInt32(&calls, 0)
		out := map[string]any{}
		err := c.Do(context.Background(), Request{Method: method, Path: "p", Out: &out})
		if !errors.Is(err, ErrUnauthorized) {
			t.Errorf("%s: expected ErrUnauthorized, got %v", method, err)
		}
		if n := atomic.LoadInt32(&calls); n != 1 {
			t.Errorf("%s: calls = %d, want 1", method, n)
		}
		if len(out) != 0 {
			t.Errorf("%s: out was written: %v", method, out)
		}
	}
}

func TestRetriesTransientStatusWithLinearBackoff(t *testing.T) {
	var calls int32
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte(`{"success":true,"data":{"id":7}}`))
	}, 2)
	var waits []time.Duration
	c.backoff = 100 * time.Millisecond
	c.sleep = func(ctx context.Context, d time.Duration) error {
		waits = append(waits, d)
		return nil
	}

	var out models.ProductionLot
	if err := c.Get(context.Background(), "upf/production-lots/7", &out); err != nil {
		t.Fatalf("Get: %v", err)
	}
	if out.ID != 7 {
		t.Errorf("id = %d", out.ID)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
	if len(waits) != 2 || waits[0] != 100*time.Millisecond || waits[1] != 200*time.Millisecond {
		t.Errorf("waits = %v", waits)
	}
}

func TestRetryBudgetIsBounded(t *testing.T) {
	var calls int32
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadGateway)
	}, 2)
	err := c.Get(context.Background(), "x", nil)
	if StatusOf(err) != http.StatusBadGateway {
		t.Fatalf("err = %v", err)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
}

func TestWritesThatCreateAreNotRetried(t *testing.T) {
	tests := []struct {
		method string
		want   int32
	}{
		{http.MethodPost, 1},
		{http.MethodPatch, 1},
		{http.MethodPut, 3},
		{http.MethodDelete, 3},
	}
	for _, tt := range tests {
		t.Run(tt.method, func(t *testing.T) {
			var calls int32
			c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				atomic.AddInt32(&calls, 1)
				w.WriteHeader(http.StatusServiceUnavailable)
			}, 2)
			err := c.Do(context.Background(), Request{Method: tt.method, Path: "items", Body: map[string]string{"name": "Chair"}})
			if StatusOf(err) != http.StatusServiceUnavailable {
				t.Fatalf("err = %v", err)
			}
			if calls != tt.want {
				t.Errorf("calls = %d, want %d", calls, tt.want)
			}
		})
	}
}

func TestClientErrorsAreNotRetried(t *testing.T) {
	var calls int32
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":"Validation failed","errors":{"quantity":"must be positive"}}`))
	}, 2)
	err := c.Post(context.Background(), "x", map[string]int{}, nil)
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %v", err)
	}
	if calls != 1 {
		t.Errorf("calls = %d", calls)
	}
	if apiErr.Message != "Validation failed" || apiErr.Fields["quantity"] != "must be positive" {
		t.Errorf("apiErr = %+v", apiErr)
	}
	if apiErr.Code != CodeValidation {
		t.Errorf("code = %q", apiErr.Code)
	}
}

func TestErrorFallsBackToStatusText(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte("<html>nope</html>"))
	}, 0)
	err := c.Get(context.Background(), "x", nil)
	if MessageOf(err, "") != "Not Found" {
		t.Errorf("message = %q", MessageOf(err, ""))
	}
}

func TestMalformedSuccessBodyIsWrapped(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("<!doctype html>"))
	}, 0)
	var out []models.Item
	err := c.Get(context.Background(), "items", &out)
	if CodeOf(err) != CodeInvalidResponse {
		t.Fatalf("err = %v", err)
	}
	if err.Error() == "" {
		t.Error("empty error message")
	}
}

func TestConflictPayload(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		w.Write([]byte(`{"conflict":true,"message":"Duplicate item","original_item_id":4,"conflicting_item_id":9}`))
	}, 0)
	err := c.Post(context.Background(), "items", map[string]string{"name": "Chair"}, nil)
	if !IsConflict(err) {
		t.Fatalf("expected conflict, got %v", err)
	}
	var conflict models.ItemConflict
	if !AsConflict(err, &conflict) {
		t.Fatal("AsConflict returned false")
	}
	if conflict.OriginalItemID != 4 || conflict.ConflictingItemID != 9 {
		t.Errorf("conflict = %+v", conflict)
	}
	if CodeOf(err) != CodeConflict {
		t.Errorf("code = %q", CodeOf(err))
	}
}

func TestStructuredErrorCode(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":{"code":"conflict","message":"has subprocesses"}}`))
	}, 0)
	err := c.Delete(context.Background(), "upf/production-lots/3", nil)
	if CodeOf(err) != "conflict" || MessageOf(err, "") != "has subprocesses" {
		t.Errorf("err = %+v", err)
	}
}

func TestForwardsCredentials(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get(CSRFHeader); got != "tok" {
			t.Errorf("csrf = %q", got)
		}
		ck, err := r.Cookie("session")
		if err != nil || ck.Value != "abc" {
			t.Errorf("cookie = %v, %v", ck, err)
		}
		if r.Header.Get("X-Request-ID") == "" {
			t.Error("missing request id")
		}
		w.WriteHeader(http.StatusNoContent)
	}, 0)
	ctx := WithCredentials(context.Background(), Credentials{
		Cookies:   []*http.Cookie{{Name: "session", Value: "abc"}},
		CSRFToken: "tok",
	})
	if err := c.Delete(ctx, "x", nil); err != nil {
		t.Fatalf("Delete: %v", err)
	}
}

func TestMultipartBody(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/form-data") {
			t.Errorf("content type = %s", r.Header.Get("Content-Type"))
		}
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			t.Fatalf("parse: %v", err)
		}
		if r.FormValue("name") != "Chair" {
			t.Errorf("name = %q", r.FormValue("name"))
		}
		f, fh, err := r.FormFile("image")
		if err != nil {
			t.Fatalf("image: %v", err)
		}
		f.Close()
		if fh.Filename != "c.png" {
			t.Errorf("filename = %q", fh.Filename)
		}
		json.NewEncoder(w).Encode(map[string]any{"success": true, "data": map[string]int{"id": 1}})
	}, 0)
	body := &Multipart{
		Fields: map[string]string{"name": "Chair"},
		Files:  []File{{Field: "image", Name: "c.png", ContentType: "image/png", Content: []byte("png")}},
	}
	var out models.Item
	if err := c.Post(context.Background(), "items", body, &out); err != nil {
		t.Fatalf("Post: %v", err)
	}
	if out.ID != 1 {
		t.Errorf("id = %d", out.ID)
	}
}

func TestEndpointLabel(t *testing.T) {
	tests := map[string]string{
		"upf/production-lots/12":             "/upf/production-lots/:id",
		"/upf/production-lots/12/alerts/5":   "/upf/production-lots/:id/alerts/:id",
		"/upf/processes?page=2":              "/upf/processes",
		"inventory-alerts/lot/3/acknowledge": "/inventory-alerts/lot/:id/acknowledge",
	}
	for in, want := range tests {
		if got := endpointLabel(in); got != want {
			t.Errorf("endpointLabel(%q) = %q, want %q", in, got, want)
		}
	}
}
