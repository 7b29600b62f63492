// Package render turns view models into HTML. Every template is parsed with
// html/template, so values are contextually escaped; Trusted is the only
// way to emit raw markup.
package render

import (
	"bytes"
	"embed"
	"fmt"
	"html/template"
	"io/fs"
	"net/http"
	"path"
	"strings"

	"upfweb/internal/prefs"
)

//go:embed templates
var templateFS embed.FS

// Notice kinds, mirrored from the toast styles.
const (
	NoticeSuccess = "success"
	NoticeError   = "error"
	NoticeWarning = "warning"
	NoticeInfo    = "info"
)

// Notice is one toast message.
type Notice struct {
	Kind    string
	Message string
}

// View is what every page template receives.
type View struct {
	Title     string
	Prefs     prefs.Prefs
	CSRFToken string
	Notices   []Notice
	// Path is the request path, used to highlight the active nav entry.
	Path string
	Data any
}

// Engine holds one parsed template set per page.
type Engine struct {
	pages    map[string]*template.Template
	partials *template.Template
}

// New parses the embedded templates.
func New() (*Engine, error) {
	return NewFS(templateFS)
}

// NewFS parses templates from fsys, which must contain templates/layouts,
// templates/partials and templates/pages.
func NewFS(fsys fs.FS) (*Engine, error) {
	base, err := template.New("").Funcs(Funcs()).ParseFS(fsys, "templates/layouts/*.html", "templates/partials/*.html")
	if err != nil {
		return nil, fmt.Errorf("render: parse layouts: %w", err)
	}
	pageFiles, err := fs.Glob(fsys, "templates/pages/*.html")
	if err != nil {
		return nil, fmt.Errorf("render: list pages: %w", err)
	}
	e := &Engine{pages: make(map[string]*template.Template, len(pageFiles)), partials: base}
	for _, f := range pageFiles {
		t, err := base.Clone()
		if err != nil {
			return nil, fmt.Errorf("render: clone for %s: %w", f, err)
		}
		if _, err := t.ParseFS(fsys, f); err != nil {
			return nil, fmt.Errorf("render: parse %s: %w", f, err)
		}
		e.pages[strings.TrimSuffix(path.Base(f), ".html")] = t
	}
	return e, nil
}

// Must is New that panics, for main.
func Must() *Engine {
	e, err := New()
	if err != nil {
		panic(err)
	}
	return e
}

// Page renders the named page inside the layout. Output is buffered so a
// template error never leaves a half-written 200 behind.
func (e *Engine) Page(w http.ResponseWriter, status int, name string, v View) error {
	t, ok := e.pages[name]
	if !ok {
		return fmt.Errorf("render: unknown page %q", name)
	}
	var buf bytes.Buffer
	if err := t.ExecuteTemplate(&buf, "layout", v); err != nil {
		return fmt.Errorf("render: page %s: %w", name, err)
	}
	return write(w, status, &buf)
}

// Partial renders a fragment defined in templates/partials without the
// layout.
func (e *Engine) Partial(w http.ResponseWriter, status int, name string, data any) error {
	var buf bytes.Buffer
	if err := e.partials.ExecuteTemplate(&buf, name, data); err != nil {
		return fmt.Errorf("render: partial %s: %w", name, err)
	}
	return write(w, status, &buf)
}

// Has reports whether a page is registered.
func (e *Engine) Has(name string) bool {
	_, ok := e.pages[name]
	return ok
}

func write(w http.ResponseWriter, status int, buf *bytes.Buffer) error {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	_, err := buf.WriteTo(w)
	return err
}

// Trusted marks s as safe HTML. Never pass it text that came from a user or
// the backend.
func Trusted(s string) template.HTML {
	return template.HTML(s) // #nosec G203 -- callers pass static markup only
}
