package server

import (
	"compress/gzip"
	"context"
	"crypto/subtle"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/netip"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"upfweb/internal/apiclient"
	"upfweb/internal/config"
	"upfweb/internal/handlers/common"
	"upfweb/internal/logging"
)

// GzipResponseWriter wraps http.ResponseWriter to support gzip compression.
type GzipResponseWriter struct {
	io.Writer
	http.ResponseWriter
}

func (w GzipResponseWriter) Write(b []byte) (int, error) {
	return w.Writer.Write(b)
}

// GzipMiddleware compresses responses when client supports gzip. Websocket
// upgrades and range requests pass through untouched.
func GzipMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.Contains(r.Header.Get("Accept-Encoding"), "gzip") {
			next.ServeHTTP(w, r)
			return
		}
		if r.Header.Get("Range") != "" || r.Header.Get("Upgrade") != "" {
			next.ServeHTTP(w, r)
			return
		}

		w.Header().Set("Content-Encoding", "gzip")
		w.Header().Del("Content-Length")

		gz := gzip.NewWriter(w)
		defer gz.Close()

		gzw := GzipResponseWriter{Writer: gz, ResponseWriter: w}
		next.ServeHTTP(gzw, r)
	})
}

// RequestIDHeader carries the request id in both directions.
const RequestIDHeader = "X-Request-ID"

// RequestID keeps an incoming X-Request-ID or assigns a new one, echoes it
// in the response and stores it where middleware.GetReqID finds it.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(RequestIDHeader)
		if id == "" || len(id) > 64 {
			id = uuid.NewString()
		}
		w.Header().Set(RequestIDHeader, id)
		ctx := context.WithValue(r.Context(), middleware.RequestIDKey, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// LoggingMiddleware attaches a request-scoped logger to the context and
// logs method, path, status and duration once the request is done.
func LoggingMiddleware(log *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			reqLog := log.With(zap.String("request_id", middleware.GetReqID(r.Context())))
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r.WithContext(logging.WithLogger(r.Context(), reqLog)))

			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			fields := []zap.Field{
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", status),
				zap.Int("bytes", ww.BytesWritten()),
				zap.Duration("duration", time.Since(start)),
			}
			if status >= 500 {
				reqLog.Error("request", fields...)
				return
			}
			reqLog.Info("request", fields...)
		})
	}
}

// SecurityHeaders adds security headers to all responses.
func SecurityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("X-Content-Type-Options", "nosniff")

		csp := "default-src 'self'; " +
			"script-src 'self'; " +
			"style-src 'self' 'unsafe-inline'; " +
			"img-src 'self' data: blob: https:; " +
			"font-src 'self' data:; " +
			"connect-src 'self' ws: wss:; " +
			"form-action 'self'"
		w.Header().Set("Content-Security-Policy", csp)
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		w.Header().Set("Permissions-Policy", "geolocation=(), microphone=(), camera=()")

		if r.TLS != nil {
			w.Header().Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		}

		next.ServeHTTP(w, r)
	})
}

// Session forwards the browser's backend session to every upstream call
// made while serving the request. Browsers without a session cookie are
// sent to the login page; everything else is decided by the backend, whose
// 401 answers also end at the login page.
func Session(cfg config.Session, loginPath string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			sess, err := r.Cookie(cfg.CookieName)
			if err != nil || sess.Value == "" {
				if r.Method == http.MethodGet || r.Method == http.MethodHead {
					http.Redirect(w, r, loginPath+"?next="+url.QueryEscape(r.URL.RequestURI()), http.StatusSeeOther)
					return
				}
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}

			creds := apiclient.Credentials{Cookies: []*http.Cookie{{Name: sess.Name, Value: sess.Value}}}
			if c, err := r.Cookie(cfg.CSRFCookie); err == nil && c.Value != "" {
				creds.Cookies = append(creds.Cookies, &http.Cookie{Name: c.Name, Value: c.Value})
				creds.CSRFToken = c.Value
			}
			next.ServeHTTP(w, r.WithContext(apiclient.WithCredentials(r.Context(), creds)))
		})
	}
}

// RateLimiter tracks request rates per key.
type RateLimiter struct {
	requests map[string][]time.Time
	mu       sync.Mutex
	now      func() time.Time
}

// NewRateLimiter creates a new RateLimiter.
func NewRateLimiter() *RateLimiter {
	return &RateLimiter{
		requests: make(map[string][]time.Time),
		now:      time.Now,
	}
}

// Reset clears all rate limit state (for testing).
func (rl *RateLimiter) Reset() {
	rl.mu.Lock()
	rl.requests = make(map[string][]time.Time)
	rl.mu.Unlock()
}

func (rl *RateLimiter) cleanupOldRequests(key string, cutoff time.Time) {
	requests := rl.requests[key]
	valid := requests[:0]
	for _, t := range requests {
		if t.After(cutoff) {
			valid = append(valid, t)
		}
	}
	if len(valid) > 0 {
		rl.requests[key] = valid
	} else {
		delete(rl.requests, key)
	}
}

// CheckRateLimit records a request for key and reports whether it exceeds
// limit within window, how many requests remain and when the window resets.
func (rl *RateLimiter) CheckRateLimit(key string, limit int, window time.Duration) (bool, int, time.Time) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	rl.cleanupOldRequests(key, now.Add(-window))

	requests := rl.requests[key]
	resetTime := now.Add(window)
	if len(requests) > 0 {
		resetTime = requests[0].Add(window)
	}
	if len(requests) >= limit {
		return true, 0, resetTime
	}
	rl.requests[key] = append(requests, now)
	return false, limit - len(requests) - 1, resetTime
}

// RateLimitMiddleware limits state-changing requests per client address.
// Reads are never limited; they are served mostly from cache. Forwarding
// headers are honored only when the peer is one of trusted.
func RateLimitMiddleware(rl *RateLimiter, limit int, window time.Duration, trusted []netip.Prefix) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if isSafeMethod(r.Method) {
				next.ServeHTTP(w, r)
				return
			}
			clientIP := ClientAddr(r, trusted)

			exceeded, remaining, resetTime := rl.CheckRateLimit("write:"+clientIP, limit, window)
			w.Header().Set("X-RateLimit-Limit", fmt.Sprintf("%d", limit))
			w.Header().Set("X-RateLimit-Remaining", fmt.Sprintf("%d", remaining))
			w.Header().Set("X-RateLimit-Reset", fmt.Sprintf("%d", resetTime.Unix()))
			if exceeded {
				w.Header().Set("Retry-After", fmt.Sprintf("%d", int(time.Until(resetTime).Seconds())+1))
				http.Error(w, "Too many requests, slow down", http.StatusTooManyRequests)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// ClientAddr returns the request's client address. The peer address is used
// unless the peer is a trusted proxy, in which case X-Real-IP or the
// right-most untrusted X-Forwarded-For hop names the client.
func ClientAddr(r *http.Request, trusted []netip.Prefix) string {
	host := r.RemoteAddr
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	peer, err := netip.ParseAddr(host)
	if err != nil || !isTrusted(peer, trusted) {
		return host
	}
	if a, err := netip.ParseAddr(strings.TrimSpace(r.Header.Get("X-Real-IP"))); err == nil {
		return a.Unmap().String()
	}
	hops := strings.Split(r.Header.Get("X-Forwarded-For"), ",")
	for i := len(hops) - 1; i >= 0; i-- {
		a, err := netip.ParseAddr(strings.TrimSpace(hops[i]))
		if err != nil {
			break
		}
		if !isTrusted(a, trusted) {
			return a.Unmap().String()
		}
	}
	return host
}

func isTrusted(a netip.Addr, trusted []netip.Prefix) bool {
	a = a.Unmap()
	for _, p := range trusted {
		if p.Contains(a) {
			return true
		}
	}
	return false
}

// CSRFFormField and CSRFHeader carry the console's double-submit token.
const (
	CSRFFormField = "csrf_token"
	CSRFHeader    = "X-CSRF-Token"
)

// CSRFMiddleware protects the console's own form posts with a
// double-submit token: the value of cookieName must come back in the
// csrf_token form field or the X-CSRF-Token header. A missing cookie is
// issued on the first safe request.
func CSRFMiddleware(cookieName string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := ""
			if c, err := r.Cookie(cookieName); err == nil {
				token = c.Value
			}

			if isSafeMethod(r.Method) {
				if token == "" {
					token = uuid.NewString()
					http.SetCookie(w, &http.Cookie{
						Name:     cookieName,
						Value:    token,
						Path:     "/",
						HttpOnly: true,
						Secure:   r.TLS != nil,
						SameSite: http.SameSiteStrictMode,
					})
				}
				next.ServeHTTP(w, r.WithContext(common.WithCSRFToken(r.Context(), token)))
				return
			}

			sent := r.Header.Get(CSRFHeader)
			if sent == "" {
				sent = r.FormValue(CSRFFormField)
			}
			if token == "" || subtle.ConstantTimeCompare([]byte(token), []byte(sent)) != 1 {
				logging.From(r.Context(), zap.NewNop()).Warn("csrf token mismatch", zap.String("path", r.URL.Path))
				http.Error(w, "Invalid or missing CSRF token", http.StatusForbidden)
				return
			}
			next.ServeHTTP(w, r.WithContext(common.WithCSRFToken(r.Context(), token)))
		})
	}
}

func isSafeMethod(m string) bool {
	return m == http.MethodGet || m == http.MethodHead || m == http.MethodOptions
}
