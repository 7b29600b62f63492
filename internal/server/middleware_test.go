package server

import (
	"compress/gzip"
	"io"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5/middleware"

	"upfweb/internal/apiclient"
	"upfweb/internal/config"
	"upfweb/internal/handlers/common"
)

func TestGzipMiddleware(t *testing.T) {
	handler := GzipMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		w.Write([]byte("<p>lots</p>"))
	}))

	req := httptest.NewRequest("GET", "/upf/production-lots", nil)
	req.Header.Set("Accept-Encoding", "gzip")
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Header().Get("Content-Encoding") != "gzip" {
		t.Fatal("Expected Content-Encoding: gzip")
	}
	gr, err := gzip.NewReader(w.Body)
	if err != nil {
		t.Fatalf("Failed to create gzip reader: %v", err)
	}
	defer gr.Close()
	body, _ := io.ReadAll(gr)
	if string(body) != "<p>lots</p>" {
		t.Errorf("Expected '<p>lots</p>', got '%s'", string(body))
	}
}

func TestGzipMiddleware_SkipsUpgradesAndPlainClients(t *testing.T) {
	handler := GzipMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("plain"))
	}))

	for name, hdr := range map[string]http.Header{
		"no accept": {},
		"websocket": {"Accept-Encoding": {"gzip"}, "Upgrade": {"websocket"}},
		"range":     {"Accept-Encoding": {"gzip"}, "Range": {"bytes=0-3"}},
	} {
		req := httptest.NewRequest("GET", "/ws", nil)
		req.Header = hdr
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)
		if w.Header().Get("Content-Encoding") != "" {
			t.Errorf("%s: unexpected Content-Encoding %q", name, w.Header().Get("Content-Encoding"))
		}
		if w.Body.String() != "plain" {
			t.Errorf("%s: expected 'plain', got '%s'", name, w.Body.String())
		}
	}
}

func TestRequestID(t *testing.T) {
	var seen string
	handler := RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = middleware.GetReqID(r.Context())
	}))

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest("GET", "/", nil))
	if seen == "" || w.Header().Get(RequestIDHeader) != seen {
		t.Errorf("Expected generated id echoed, got ctx=%q header=%q", seen, w.Header().Get(RequestIDHeader))
	}

	req := httptest.NewRequest("GET", "/", nil)
	req.Header.Set(RequestIDHeader, "abc-123")
	w = httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	if seen != "abc-123" || w.Header().Get(RequestIDHeader) != "abc-123" {
		t.Errorf("Expected incoming id kept, got %q", seen)
	}
}

func TestCSRFMiddleware(t *testing.T) {
	var token string
	handler := CSRFMiddleware("upf_csrf")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token = common.CSRFToken(r.Context())
		w.WriteHeader(http.StatusNoContent)
	}))

	// A safe request without the cookie gets one issued.
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest("GET", "/upf/processes", nil))
	cookies := w.Result().Cookies()
	if len(cookies) != 1 || cookies[0].Name != "upf_csrf" || cookies[0].Value == "" {
		t.Fatalf("Expected upf_csrf cookie, got %v", cookies)
	}
	if token != cookies[0].Value {
		t.Errorf("Expected token %q in context, got %q", cookies[0].Value, token)
	}
	issued := cookies[0].Value

	tests := []struct {
		name   string
		cookie string
		field  string
		header string
		want   int
	}{
		{"matching field", issued, issued, "", http.StatusNoContent},
		{"matching header", issued, "", issued, http.StatusNoContent},
		{"missing token", issued, "", "", http.StatusForbidden},
		{"wrong token", issued, "nope", "", http.StatusForbidden},
		{"no cookie", "", issued, "", http.StatusForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			form := url.Values{"name": {"Cutting"}}
			if tt.field != "" {
				form.Set(CSRFFormField, tt.field)
			}
			req := httptest.NewRequest("POST", "/upf/processes", strings.NewReader(form.Encode()))
			req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
			if tt.header != "" {
				req.Header.Set(CSRFHeader, tt.header)
			}
			if tt.cookie != "" {
				req.AddCookie(&http.Cookie{Name: "upf_csrf", Value: tt.cookie})
			}
			w := httptest.NewRecorder()
			handler.ServeHTTP(w, req)
			if w.Code != tt.want {
				t.Errorf("Expected status %d, got %d", tt.want, w.Code)
			}
		})
	}
}

func TestSession(t *testing.T) {
	cfg := config.Default().Session
	var creds apiclient.Credentials
	var ok bool
	handler := Session(cfg, "/auth/login")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		creds, ok = apiclient.CredentialsFrom(r.Context())
	}))

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest("GET", "/upf/production-lots?status=Planning", nil))
	if w.Code != http.StatusSeeOther {
		t.Fatalf("Expected 303, got %d", w.Code)
	}
	if loc := w.Header().Get("Location"); loc != "/auth/login?next=%2Fupf%2Fproduction-lots%3Fstatus%3DPlanning" {
		t.Errorf("Unexpected login redirect %q", loc)
	}

	w = httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest("POST", "/upf/processes", nil))
	if w.Code != http.StatusUnauthorized {
		t.Errorf("Expected 401 for a post without session, got %d", w.Code)
	}

	req := httptest.NewRequest("GET", "/", nil)
	req.AddCookie(&http.Cookie{Name: cfg.CookieName, Value: "s3ss"})
	req.AddCookie(&http.Cookie{Name: cfg.CSRFCookie, Value: "backend-token"})
	w = httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	if !ok {
		t.Fatal("Expected credentials in context")
	}
	if creds.CSRFToken != "backend-token" || len(creds.Cookies) != 2 || creds.Cookies[0].Value != "s3ss" {
		t.Errorf("Unexpected credentials %+v", creds)
	}
}

func TestRateLimitMiddleware(t *testing.T) {
	rl := NewRateLimiter()
	now := time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)
	rl.now = func() time.Time { return now }
	handler := RateLimitMiddleware(rl, 2, time.Minute, nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	do := func(method, ip string) int {
		req := httptest.NewRequest(method, "/upf/processes", nil)
		req.RemoteAddr = ip + ":5555"
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)
		return w.Code
	}

	for i := 0; i < 5; i++ {
		if code := do("GET", "10.0.0.1"); code != http.StatusOK {
			t.Fatalf("Reads must not be limited, got %d", code)
		}
	}
	if do("POST", "10.0.0.1") != http.StatusOK || do("POST", "10.0.0.1") != http.StatusOK {
		t.Fatal("Expected the first two writes to pass")
	}
	if code := do("POST", "10.0.0.1"); code != http.StatusTooManyRequests {
		t.Errorf("Expected 429, got %d", code)
	}
	if code := do("POST", "10.0.0.2"); code != http.StatusOK {
		t.Errorf("Other clients must not be limited, got %d", code)
	}

	now = now.Add(61 * time.Second)
	if code := do("POST", "10.0.0.1"); code != http.StatusOK {
		t.Errorf("Expected the window to reset, got %d", code)
	}
}

func TestRateLimitIgnoresSpoofedForwarding(t *testing.T) {
	rl := NewRateLimiter()
	handler := RateLimitMiddleware(rl, 1, time.Minute, nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	codes := make([]int, 0, 3)
	for _, fake := range []string{"1.1.1.1", "2.2.2.2", "3.3.3.3"} {
		req := httptest.NewRequest(http.MethodPost, "/prefs", nil)
		req.RemoteAddr = "203.0.113.9:4000"
		req.Header.Set("X-Real-IP", fake)
		req.Header.Set("X-Forwarded-For", fake)
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)
		codes = append(codes, w.Code)
	}
	if codes[0] != http.StatusOK || codes[1] != http.StatusTooManyRequests || codes[2] != http.StatusTooManyRequests {
		t.Errorf("codes = %v, want one pass then 429s", codes)
	}
}

func TestClientAddr(t *testing.T) {
	trusted := []netip.Prefix{netip.MustParsePrefix("10.0.0.0/8")}
	tests := []struct {
		name    string
		remote  string
		realIP  string
		fwd     string
		trusted []netip.Prefix
		want    string
	}{
		{"no proxies configured", "203.0.113.9:4000", "1.1.1.1", "1.1.1.1", nil, "203.0.113.9"},
		{"untrusted peer", "203.0.113.9:4000", "1.1.1.1", "", trusted, "203.0.113.9"},
		{"trusted real ip", "10.0.0.2:4000", "198.51.100.4", "", trusted, "198.51.100.4"},
		{"forwarded chain", "10.0.0.2:4000", "", "1.1.1.1, 198.51.100.4, 10.0.0.3", trusted, "198.51.100.4"},
		{"all hops trusted", "10.0.0.2:4000", "", "10.0.0.5", trusted, "10.0.0.2"},
		{"garbage header", "10.0.0.2:4000", "nope", "", trusted, "10.0.0.2"},
		{"ipv6 peer", "[2001:db8::1]:4000", "1.1.1.1", "", trusted, "2001:db8::1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/", nil)
			req.RemoteAddr = tt.remote
			if tt.realIP != "" {
				req.Header.Set("X-Real-IP", tt.realIP)
			}
			if tt.fwd != "" {
				req.Header.Set("X-Forwarded-For", tt.fwd)
			}
			if got := ClientAddr(req, tt.trusted); got != tt.want {
				t.Errorf("ClientAddr = %q, want %q", got, tt.want)
			}
		})
	}
}
