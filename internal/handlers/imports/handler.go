// Package imports serves the spreadsheet import wizard: upload, backend
// validation, an editable preview grid and the gated commit.
package imports

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"upfweb/internal/apiclient"
	"upfweb/internal/cache"
	"upfweb/internal/events"
	"upfweb/internal/handlers/common"
	"upfweb/internal/importer"
	"upfweb/internal/render"
	"upfweb/internal/validation"
)

// Types are the import targets the backend accepts.
var Types = []string{"items", "variants", "suppliers", "purchase_orders"}

// DefaultGridTTL bounds how long an unfinished import stays editable.
const DefaultGridTTL = 30 * time.Minute

const (
	previewPath = "import/preview-json"
	commitPath  = "import/commit"
)

// Handler holds dependencies for the import wizard. Grids holds the
// preview grids by id between requests.
type Handler struct {
	common.Base
	API     *apiclient.Client
	Hub     *events.Hub
	Grids   *cache.Cache[*importer.Grid]
	GridTTL time.Duration
}

// MountRoutes registers the /import routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/", h.UploadForm)
	r.Post("/", h.Upload)
	r.Get("/{grid}", h.ShowGrid)
	r.Post("/{grid}", h.UpdateGrid)
}

func (h *Handler) ttl() time.Duration {
	if h.GridTTL > 0 {
		return h.GridTTL
	}
	return DefaultGridTTL
}

// UploadPage is the data of the upload step.
type UploadPage struct {
	Types []string
	Type  string
	Error string
}

// GridPage is the data of the preview grid.
type GridPage struct {
	Grid       *importer.Grid
	Rows       []importer.Row
	ErrorsOnly bool
	CanCommit  bool
	Summary    string
}

// ImportResult is the backend's commit answer.
type ImportResult struct {
	Inserted int `json:"inserted"`
	Updated  int `json:"updated"`
	Skipped  int `json:"skipped"`
}

// UploadForm handles GET /import.
func (h *Handler) UploadForm(w http.ResponseWriter, r *http.Request) {
	h.Render(w, r, http.StatusOK, "import_upload", "Import", UploadPage{Types: Types, Type: r.URL.Query().Get("type")})
}

func (h *Handler) uploadFailed(w http.ResponseWriter, r *http.Request, typ, msg string) {
	h.Render(w, r, http.StatusUnprocessableEntity, "import_upload", "Import", UploadPage{Types: Types, Type: typ, Error: msg},
		render.Notice{Kind: render.NoticeError, Message: "The file could not be imported"})
}

// Upload handles POST /import: the file is parsed here and validated by the
// backend, and the result becomes a new grid.
func (h *Handler) Upload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, validation.MaxImportSize+1<<20)
	if err := r.ParseMultipartForm(validation.MaxImageSize); err != nil {
		h.uploadFailed(w, r, "", "The upload could not be read")
		return
	}
	typ := strings.TrimSpace(r.PostFormValue("import_type"))
	ve := &validation.ValidationErrors{}
	validation.RequireField(ve, "import_type", typ)
	validation.ValidateEnum(ve, "import_type", typ, Types)
	file, hdr, err := r.FormFile("file")
	if err != nil {
		ve.Add("file", "is required")
	} else {
		defer file.Close()
		validation.ValidateUpload(ve, "file", hdr.Filename, hdr.Size, validation.MaxImportSize, validation.ImportExtensions)
	}
	if ve.HasErrors() {
		h.uploadFailed(w, r, typ, ve.Error())
		return
	}

	sheet, err := importer.ParseFile(hdr.Filename, file)
	if err != nil {
		msg := "The spreadsheet could not be parsed"
		if errors.Is(err, importer.ErrEmpty) {
			msg = "The spreadsheet has no header row"
		}
		h.Logger(r).Info("import parse failed", zap.String("file", hdr.Filename), zap.Error(err))
		h.uploadFailed(w, r, typ, msg)
		return
	}

	var preview importer.Preview
	if err := h.API.Post(r.Context(), previewPath, importer.NewPreviewRequest(typ, sheet), &preview); err != nil {
		if h.Unauthorized(w, r, err) {
			return
		}
		h.uploadFailed(w, r, typ, apiclient.MessageOf(err, "The backend could not validate the file"))
		return
	}
	if len(preview.Rows) == 0 && len(sheet.Rows) > 0 {
		h.Logger(r).Warn("import preview returned no rows", zap.String("file", hdr.Filename), zap.Int("rows", len(sheet.Rows)))
		h.uploadFailed(w, r, typ, "The backend could not validate the file")
		return
	}
	if preview.ImportType == "" {
		preview.ImportType = typ
	}
	if len(preview.Headers) == 0 {
		preview.Headers = sheet.Headers
	}
	g := importer.NewGrid(preview)
	h.Grids.Set(g.ID, g, h.ttl())
	h.Logger(r).Info("import previewed",
		zap.String("grid", g.ID),
		zap.String("type", g.ImportType),
		zap.Int("rows", len(g.Rows)),
		zap.Int("error_rows", len(g.ErrorRows())))
	http.Redirect(w, r, "/import/"+g.ID, http.StatusSeeOther)
}

// grid returns the cached grid named in the URL, or redirects to a fresh
// upload when it expired.
func (h *Handler) grid(w http.ResponseWriter, r *http.Request) (*importer.Grid, bool) {
	g, ok := h.Grids.Get(chi.URLParam(r, "grid"))
	if !ok {
		h.Redirect(w, r, "/import", render.NoticeWarning, "This import session has expired. Upload the file again.")
		return nil, false
	}
	return g, true
}

func (h *Handler) renderGrid(w http.ResponseWriter, r *http.Request, status int, g *importer.Grid, errorsOnly bool, notices ...render.Notice) {
	h.Render(w, r, status, "import_grid", "Import preview", GridPage{
		Grid:       g,
		Rows:       g.Filter(errorsOnly),
		ErrorsOnly: errorsOnly,
		CanCommit:  g.CanCommit(),
		Summary:    g.Summary(),
	}, notices...)
}

// ShowGrid handles GET /import/{grid}; ?errors=1 shows only rows with
// errors.
func (h *Handler) ShowGrid(w http.ResponseWriter, r *http.Request) {
	g, ok := h.grid(w, r)
	if !ok {
		return
	}
	h.renderGrid(w, r, http.StatusOK, g, r.URL.Query().Get("errors") == "1")
}

// revalidate sends the edited grid to the backend and replaces its row
// errors.
func (h *Handler) revalidate(r *http.Request, g *importer.Grid) error {
	var preview importer.Preview
	if err := h.API.Post(r.Context(), previewPath, g.PreviewRequest(), &preview); err != nil {
		return err
	}
	return g.Revalidate(preview)
}

// UpdateGrid handles POST /import/{grid}. op=revalidate applies the edits
// and validates again; op=commit also commits, which is refused while any
// row has errors. Edited grids are validated before committing.
func (h *Handler) UpdateGrid(w http.ResponseWriter, r *http.Request) {
	cached, ok := h.grid(w, r)
	if !ok {
		return
	}
	form := common.PostForm(r)
	g := cached.Clone()
	changed := g.ApplyEdits(form)
	op := form.Get("op")

	if op != "commit" || changed > 0 {
		if err := h.revalidate(r, g); err != nil {
			if h.Unauthorized(w, r, err) {
				return
			}
			msg := apiclient.MessageOf(err, "Validation failed")
			if errors.Is(err, importer.ErrPreviewMismatch) {
				h.Logger(r).Warn("import revalidation mismatch", zap.String("grid", g.ID))
				msg = "The validation result did not match the grid rows"
			}
			h.renderGrid(w, r, http.StatusBadGateway, g, false,
				render.Notice{Kind: render.NoticeError, Message: msg})
			return
		}
		h.Grids.Set(g.ID, g, h.ttl())
	}
	if op != "commit" {
		kind := render.NoticeSuccess
		if !g.CanCommit() {
			kind = render.NoticeWarning
		}
		h.Redirect(w, r, "/import/"+g.ID, kind, g.Summary())
		return
	}
	if !g.CanCommit() {
		h.renderGrid(w, r, http.StatusUnprocessableEntity, g, true,
			render.Notice{Kind: render.NoticeError, Message: "Fix every row with errors before committing"})
		return
	}

	var res ImportResult
	err := h.API.Do(r.Context(), apiclient.Request{Method: http.MethodPost, Path: commitPath, Body: g.CommitPayload(), Out: &res, NoRetry: true})
	if err != nil {
		if h.Unauthorized(w, r, err) {
			return
		}
		h.Logger(r).Warn("import commit failed", zap.String("grid", g.ID), zap.Error(err))
		h.renderGrid(w, r, http.StatusBadGateway, g, false,
			render.Notice{Kind: render.NoticeError, Message: apiclient.MessageOf(err, "Import failed")})
		return
	}
	h.Grids.Invalidate(g.ID)
	if h.Hub != nil {
		h.Hub.PublishChange("import", "committed", g.ImportType)
	}
	h.Logger(r).Info("import committed",
		zap.String("grid", g.ID),
		zap.String("type", g.ImportType),
		zap.Int("inserted", res.Inserted),
		zap.Int("updated", res.Updated))
	h.Redirect(w, r, "/import", render.NoticeSuccess,
		fmt.Sprintf("Import complete: %d inserted, %d updated, %d skipped", res.Inserted, res.Updated, res.Skipped))
}
