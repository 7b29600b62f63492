// Package common holds the plumbing every page handler shares: rendering
// with the layout, flash notices, the post/redirect/get flow and the
// login redirect on 401.
package common

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"upfweb/internal/apiclient"
	"upfweb/internal/logging"
	"upfweb/internal/prefs"
	"upfweb/internal/render"
	"upfweb/internal/validation"
)

// Base holds dependencies shared by page handlers.
type Base struct {
	Views     *render.Engine
	Log       *zap.Logger
	LoginPath string
}

// ErrorPage is the data of the error page.
type ErrorPage struct {
	Status  int
	Message string
	Back    string
}

type csrfKey struct{}

// WithCSRFToken stores the console's CSRF token for forms rendered in ctx.
func WithCSRFToken(ctx context.Context, token string) context.Context {
	return context.WithValue(ctx, csrfKey{}, token)
}

// CSRFToken returns the token stored by WithCSRFToken.
func CSRFToken(ctx context.Context) string {
	s, _ := ctx.Value(csrfKey{}).(string)
	return s
}

// Logger returns the request-scoped logger.
func (b *Base) Logger(r *http.Request) *zap.Logger {
	return logging.From(r.Context(), b.Log)
}

// Render renders page inside the layout, draining any pending flash.
func (b *Base) Render(w http.ResponseWriter, r *http.Request, status int, page, title string, data any, notices ...render.Notice) {
	v := render.View{
		Title:     title,
		Prefs:     prefs.FromRequest(r),
		CSRFToken: CSRFToken(r.Context()),
		Notices:   append(TakeFlash(w, r), notices...),
		Path:      r.URL.Path,
		Data:      data,
	}
	if err := b.Views.Page(w, status, page, v); err != nil {
		b.Logger(r).Error("render failed", zap.String("page", page), zap.Error(err))
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}

// LoginURL is the login path with the current request as the return target.
func (b *Base) LoginURL(r *http.Request) string {
	return b.LoginPath + "?next=" + url.QueryEscape(r.URL.RequestURI())
}

// Unauthorized redirects to the login page when err is a 401 and reports
// whether it did. Callers must stop handling the request when it returns
// true.
func (b *Base) Unauthorized(w http.ResponseWriter, r *http.Request, err error) bool {
	if !errors.Is(err, apiclient.ErrUnauthorized) {
		return false
	}
	http.Redirect(w, r, b.LoginURL(r), http.StatusSeeOther)
	return true
}

// Fail answers a failed backend read: 401 goes to the login page, anything
// else renders the error page with the backend's message.
func (b *Base) Fail(w http.ResponseWriter, r *http.Request, err error, fallback string) {
	if b.Unauthorized(w, r, err) {
		return
	}
	status := http.StatusBadGateway
	if apiclient.StatusOf(err) == http.StatusNotFound {
		status = http.StatusNotFound
	}
	msg := apiclient.MessageOf(err, fallback)
	b.Logger(r).Warn("backend call failed", zap.String("path", r.URL.Path), zap.Error(err))
	b.Render(w, r, status, "error", "Error", ErrorPage{Status: status, Message: msg, Back: safeBack(r)})
}

// Redirect finishes a successful form post: it queues a flash notice and
// answers 303 to target.
func (b *Base) Redirect(w http.ResponseWriter, r *http.Request, target, kind, msg string) {
	if msg != "" {
		SetFlash(w, render.Notice{Kind: kind, Message: msg})
	}
	http.Redirect(w, r, target, http.StatusSeeOther)
}

// Invalid re-renders a form page with field errors and an error notice.
// ve may come from local validation or from validation.FromAPIError.
func (b *Base) Invalid(w http.ResponseWriter, r *http.Request, page, title string, form *Form, ve *validation.ValidationErrors, msg string) {
	if ve != nil {
		form.SetErrors(ve.ByField())
	}
	if msg == "" && ve != nil {
		msg = ve.Error()
	}
	b.Render(w, r, http.StatusUnprocessableEntity, page, title, form, render.Notice{Kind: render.NoticeError, Message: msg})
}

// MutationFailed handles an error from a backend write made for a form
// post. It re-renders the form with field errors or the backend's message.
func (b *Base) MutationFailed(w http.ResponseWriter, r *http.Request, page, title string, form *Form, err error, fallback string) {
	if b.Unauthorized(w, r, err) {
		return
	}
	b.Logger(r).Warn("backend write failed", zap.String("path", r.URL.Path), zap.Error(err))
	b.Invalid(w, r, page, title, form, validation.FromAPIError(err), apiclient.MessageOf(err, fallback))
}

// PathID reads a positive integer URL parameter.
func PathID(r *http.Request, name string) (int, bool) {
	n, err := strconv.Atoi(chi.URLParam(r, name))
	if err != nil || n <= 0 {
		return 0, false
	}
	return n, true
}

// QueryInt reads a positive integer query parameter, or def.
func QueryInt(r *http.Request, name string, def int) int {
	n, err := strconv.Atoi(r.URL.Query().Get(name))
	if err != nil || n <= 0 {
		return def
	}
	return n
}

// NotFound renders the error page with 404.
func (b *Base) NotFound(w http.ResponseWriter, r *http.Request, msg string) {
	b.Render(w, r, http.StatusNotFound, "error", "Not found", ErrorPage{Status: http.StatusNotFound, Message: msg, Back: safeBack(r)})
}

func safeBack(r *http.Request) string {
	ref, err := url.Parse(r.Referer())
	if err != nil || (ref.Host != "" && ref.Host != r.Host) || !strings.HasPrefix(ref.Path, "/") {
		return "/"
	}
	return ref.Path
}
