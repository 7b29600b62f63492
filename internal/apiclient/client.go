// Package apiclient talks to the UPF/inventory REST backend on behalf of a
// browser session.
package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"upfweb/internal/metrics"
	"upfweb/internal/models"
)

const maxBodyBytes = 16 << 20

// Options configures a Client.
type Options struct {
	BaseURL    string
	HTTPClient *http.Client
	Timeout    time.Duration
	// Retries is the number of extra attempts after the first one.
	Retries int
	// Backoff is the linear step: attempt n waits n*Backoff.
	Backoff   time.Duration
	UserAgent string
	Logger    *zap.Logger
	Metrics   *metrics.Metrics
}

// Client is the single HTTP wrapper for the backend.
type Client struct {
	base    *url.URL
	http    *http.Client
	retries int
	backoff time.Duration
	ua      string
	log     *zap.Logger
	metrics *metrics.Metrics
	sleep   func(context.Context, time.Duration) error
}

// New validates opts and builds a Client.
func New(opts Options) (*Client, error) {
	base, err := url.Parse(strings.TrimRight(opts.BaseURL, "/"))
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("apiclient: invalid base url %q", opts.BaseURL)
	}
	if opts.Retries < 0 {
		return nil, fmt.Errorf("apiclient: negative retries %d", opts.Retries)
	}
	hc := opts.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: opts.Timeout}
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	ua := opts.UserAgent
	if ua == "" {
		ua = "upfweb/1"
	}
	return &Client{
		base:    base,
		http:    hc,
		retries: opts.Retries,
		backoff: opts.Backoff,
		ua:      ua,
		log:     log,
		metrics: opts.Metrics,
		sleep:   sleepCtx,
	}, nil
}

// Request describes one backend call. Path is relative to the base URL.
// Out receives the decoded payload (envelope data when present); Meta, when
// non-nil, receives pagination metadata.
type Request struct {
	Method string
	Path   string
	Query  url.Values
	Body   any
	Out    any
	Meta   *models.Meta
	// NoRetry disables retries for non-idempotent calls that must not be
	// repeated.
	NoRetry bool
}

func idempotent(method string) bool {
	return method != http.MethodPost && method != http.MethodPatch
}

// Get issues a GET and decodes the response into out.
func (c *Client) Get(ctx context.Context, path string, out any) error {
	return c.Do(ctx, Request{Method: http.MethodGet, Path: path, Out: out})
}

// Post issues a POST with a JSON (or *Multipart) body.
func (c *Client) Post(ctx context.Context, path string, body, out any) error {
	return c.Do(ctx, Request{Method: http.MethodPost, Path: path, Body: body, Out: out})
}

// Put issues a PUT with a JSON (or *Multipart) body.
func (c *Client) Put(ctx context.Context, path string, body, out any) error {
	return c.Do(ctx, Request{Method: http.MethodPut, Path: path, Body: body, Out: out})
}

// Delete issues a DELETE.
func (c *Client) Delete(ctx context.Context, path string, out any) error {
	return c.Do(ctx, Request{Method: http.MethodDelete, Path: path, Out: out})
}

// Do runs req with the retry policy: transport failures and 502/503/504 are
// retried up to Retries times with linear backoff. 401 and every other
// status are returned immediately. POST and PATCH are never retried, since
// the backend may have applied a request whose response was lost.
func (c *Client) Do(ctx context.Context, req Request) error {
	if req.Method == "" {
		req.Method = http.MethodGet
	}
	payload, contentType, err := encodeBody(req.Body)
	if err != nil {
		return err
	}
	endpoint := endpointLabel(req.Path)

	for attempt := 0; ; attempt++ {
		err = c.once(ctx, req, payload, contentType, endpoint)
		if err == nil {
			return nil
		}
		if req.NoRetry || !idempotent(req.Method) || attempt >= c.retries || !retryable(err) || ctx.Err() != nil {
			return err
		}
		wait := c.backoff * time.Duration(attempt+1)
		c.log.Warn("retrying backend request",
			zap.String("method", req.Method),
			zap.String("path", req.Path),
			zap.Int("attempt", attempt+1),
			zap.Duration("wait", wait),
			zap.Error(err))
		if c.metrics != nil {
			c.metrics.UpstreamRetries.WithLabelValues(req.Method, endpoint).Inc()
		}
		if serr := c.sleep(ctx, wait); serr != nil {
			return err
		}
	}
}

func (c *Client) once(ctx context.Context, req Request, payload []byte, contentType, endpoint string) error {
	u := c.resolve(req.Path, req.Query)
	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	hreq, err := http.NewRequestWithContext(ctx, req.Method, u, body)
	if err != nil {
		return fmt.Errorf("apiclient: build request: %w", err)
	}
	hreq.Header.Set("Accept", "application/json")
	hreq.Header.Set("User-Agent", c.ua)
	hreq.Header.Set("X-Requested-With", "XMLHttpRequest")
	hreq.Header.Set("X-Request-ID", uuid.NewString())
	if contentType != "" {
		hreq.Header.Set("Content-Type", contentType)
	}
	if creds, ok := CredentialsFrom(ctx); ok {
		for _, ck := range creds.Cookies {
			hreq.AddCookie(ck)
		}
		if creds.CSRFToken != "" {
			hreq.Header.Set(CSRFHeader, creds.CSRFToken)
		}
	}

	start := time.Now()
	resp, err := c.http.Do(hreq)
	if err != nil {
		c.metrics.ObserveUpstream(req.Method, endpoint, 0, time.Since(start))
		return fmt.Errorf("apiclient: %s %s: %w", req.Method, req.Path, err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	c.metrics.ObserveUpstream(req.Method, endpoint, resp.StatusCode, time.Since(start))
	if err != nil {
		return fmt.Errorf("apiclient: read %s %s: %w", req.Method, req.Path, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := parseError(resp.StatusCode, raw)
		c.log.Debug("backend error",
			zap.String("method", req.Method),
			zap.String("path", req.Path),
			zap.Int("status", resp.StatusCode),
			zap.String("code", apiErr.Code))
		return apiErr
	}
	if resp.StatusCode == http.StatusNoContent || len(bytes.TrimSpace(raw)) == 0 {
		return nil
	}
	return decodeSuccess(resp.StatusCode, raw, req.Out, req.Meta)
}

func (c *Client) resolve(path string, q url.Values) string {
	u := *c.base
	p, rawQuery, _ := strings.Cut(path, "?")
	u.Path = strings.TrimRight(c.base.Path, "/") + "/" + strings.TrimLeft(p, "/")
	vals, _ := url.ParseQuery(rawQuery)
	for k, vs := range q {
		for _, v := range vs {
			vals.Add(k, v)
		}
	}
	u.RawQuery = vals.Encode()
	return u.String()
}

var envelopeKeys = map[string]bool{"data": true, "meta": true, "message": true, "error": true, "pagination": true}

// decodeSuccess unwraps the {success,data} envelope when present and falls
// back to decoding the bare document.
func decodeSuccess(status int, raw []byte, out any, meta *models.Meta) error {
	trimmed := bytes.TrimSpace(raw)
	payload := trimmed
	if trimmed[0] == '{' {
		var top map[string]json.RawMessage
		if err := json.Unmarshal(trimmed, &top); err != nil {
			return &APIError{Status: status, Code: CodeInvalidResponse, Message: "Unexpected response from server", Body: raw}
		}
		_, hasSuccess := top["success"]
		data, hasData := top["data"]
		isEnvelope := hasSuccess
		if !isEnvelope && hasData {
			isEnvelope = true
			for k := range top {
				if !envelopeKeys[k] {
					isEnvelope = false
					break
				}
			}
		}
		if isEnvelope {
			if hasSuccess {
				var ok bool
				if json.Unmarshal(top["success"], &ok) == nil && !ok {
					e := parseError(status, raw)
					if e.Message == http.StatusText(status) {
						e.Message = "Request was not successful"
					}
					return e
				}
			}
			if meta != nil {
				if m, ok := top["meta"]; ok {
					_ = json.Unmarshal(m, meta)
				} else if m, ok := top["pagination"]; ok {
					_ = json.Unmarshal(m, meta)
				}
			}
			if hasData {
				payload = data
			}
		}
	} else if trimmed[0] != '[' && trimmed[0] != '"' {
		var v any
		if json.Unmarshal(trimmed, &v) != nil {
			return &APIError{Status: status, Code: CodeInvalidResponse, Message: "Unexpected response from server", Body: raw}
		}
	}
	if out == nil || bytes.Equal(payload, []byte("null")) {
		return nil
	}
	if rm, ok := out.(*json.RawMessage); ok {
		*rm = append((*rm)[:0], payload...)
		return nil
	}
	if err := json.Unmarshal(payload, out); err != nil {
		return &APIError{Status: status, Code: CodeInvalidResponse, Message: "Unexpected response from server", Body: raw}
	}
	return nil
}

// retryable reports whether err is a transient failure.
func retryable(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		switch apiErr.Status {
		case http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
			return true
		}
		return false
	}
	return true
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

var numericSegment = regexp.MustCompile(`/\d+(/|$)`)

// endpointLabel collapses ids so metric cardinality stays bounded.
func endpointLabel(path string) string {
	p, _, _ := strings.Cut(path, "?")
	p = "/" + strings.Trim(p, "/")
	for numericSegment.MatchString(p) {
		p = numericSegment.ReplaceAllString(p, "/:id$1")
	}
	return p
}

// Multipart is a FormData-style body, used for image uploads.
type Multipart struct {
	Fields map[string]string
	Files  []File
}

// File is one uploaded file part.
type File struct {
	Field       string
	Name        string
	ContentType string
	Content     []byte
}

func encodeBody(body any) ([]byte, string, error) {
	switch b := body.(type) {
	case nil:
		return nil, "", nil
	case *Multipart:
		var buf bytes.Buffer
		mw := multipart.NewWriter(&buf)
		for k, v := range b.Fields {
			if err := mw.WriteField(k, v); err != nil {
				return nil, "", fmt.Errorf("apiclient: multipart field %s: %w", k, err)
			}
		}
		for _, f := range b.Files {
			h := make(textproto.MIMEHeader)
			h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="%s"; filename="%s"`,
				escapeQuotes(f.Field), escapeQuotes(f.Name)))
			ct := f.ContentType
			if ct == "" {
				ct = "application/octet-stream"
			}
			h.Set("Content-Type", ct)
			pw, err := mw.CreatePart(h)
			if err != nil {
				return nil, "", fmt.Errorf("apiclient: multipart file %s: %w", f.Name, err)
			}
			if _, err := pw.Write(f.Content); err != nil {
				return nil, "", fmt.Errorf("apiclient: multipart file %s: %w", f.Name, err)
			}
		}
		if err := mw.Close(); err != nil {
			return nil, "", err
		}
		return buf.Bytes(), mw.FormDataContentType(), nil
	default:
		data, err := json.Marshal(body)
		if err != nil {
			return nil, "", fmt.Errorf("apiclient: encode body: %w", err)
		}
		return data, "application/json", nil
	}
}

var quoteEscaper = strings.NewReplacer("\\", "\\\\", `"`, "\\\"")

func escapeQuotes(s string) string { return quoteEscaper.Replace(s) }
