package imports

import (
	"bytes"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"upfweb/internal/cache"
	"upfweb/internal/handlers/common"
	"upfweb/internal/importer"
	"upfweb/internal/render"
	"upfweb/internal/testutil"
)

func setup(t *testing.T) (*testutil.Upstream, *Handler, http.Handler) {
	t.Helper()
	up := testutil.NewUpstream(t)
	h := &Handler{
		Base:  common.Base{Views: render.Must(), Log: zap.NewNop(), LoginPath: "/login"},
		API:   up.Client(t),
		Grids: cache.New[*importer.Grid](),
	}
	r := chi.NewRouter()
	r.Route("/import", h.MountRoutes)
	return up, h, r
}

func upload(t *testing.T, srv http.Handler, typ, name, content string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	mw.WriteField("import_type", typ)
	fw, err := mw.CreateFormFile("file", name)
	require.NoError(t, err)
	fw.Write([]byte(content))
	require.NoError(t, mw.Close())
	r := httptest.NewRequest(http.MethodPost, "/import", &buf)
	r.Header.Set("Content-Type", mw.FormDataContentType())
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, r)
	return w
}

func postForm(srv http.Handler, target string, form url.Values) *httptest.ResponseRecorder {
	r := httptest.NewRequest(http.MethodPost, target, strings.NewReader(form.Encode()))
	r.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, r)
	return w
}

// rowEcho is how a fake validator writes _row back.
type rowEcho int

const (
	echoNumber rowEcho = iota
	echoString
	echoNone
)

// previewBody is the part of a preview request the fake validator reads.
type previewBody struct {
	ImportType string           `json:"import_type"`
	Headers    []string         `json:"headers"`
	Rows       []map[string]any `json:"rows"`
}

// validating answers preview requests, flagging rows whose name is empty.
func validating(echo rowEcho) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req previewBody
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			testutil.WriteError(w, http.StatusBadRequest, "bad_request", err.Error())
			return
		}
		rows := make([]map[string]any, 0, len(req.Rows))
		for i, rec := range req.Rows {
			num := i + 2
			if n, ok := rec["_row"].(float64); ok {
				num = int(n)
			}
			row := make(map[string]any, len(rec)+1)
			for k, v := range rec {
				if k != "_row" {
					row[k] = v
				}
			}
			switch echo {
			case echoNumber:
				row["_row"] = num
			case echoString:
				row["_row"] = strconv.Itoa(num)
			}
			if name, _ := rec["Name"].(string); strings.TrimSpace(name) == "" {
				row["_errors"] = []string{"name is required"}
			}
			rows = append(rows, row)
		}
		testutil.WriteEnvelope(w, http.StatusOK, map[string]any{
			"import_type": req.ImportType,
			"headers":     req.Headers,
			"columns":     []string{"name", "model"},
			"mapping":     map[string]string{"Name": "name", "Model": "model"},
			"rows":        rows,
		})
	}
}

var validator = validating(echoNumber)

func TestUploadRejectsBadFiles(t *testing.T) {
	up, _, srv := setup(t)
	up.Handle(http.MethodPost, "/import/preview-json", validator)

	w := upload(t, srv, "items", "items.txt", "Name\nChair\n")
	testutil.AssertStatus(t, w, http.StatusUnprocessableEntity)

	w = upload(t, srv, "widgets", "items.csv", "Name\nChair\n")
	testutil.AssertStatus(t, w, http.StatusUnprocessableEntity)

	w = upload(t, srv, "items", "items.csv", "\n\n")
	testutil.AssertStatus(t, w, http.StatusUnprocessableEntity)
	assert.Equal(t, 0, up.Calls(http.MethodPost, "/import/preview-json"))
}

func TestCommitGatedOnRowErrors(t *testing.T) {
	up, h, srv := setup(t)
	up.Handle(http.MethodPost, "/import/preview-json", validator)
	up.JSON(http.MethodPost, "/import/commit", map[string]any{"inserted": 2, "updated": 0})

	w := upload(t, srv, "items", "items.csv", "Name,Model\nChair,C-1\n,D-2\n")
	testutil.AssertStatus(t, w, http.StatusSeeOther)
	loc := w.Header().Get("Location")
	require.True(t, strings.HasPrefix(loc, "/import/"), loc)
	id := strings.TrimPrefix(loc, "/import/")

	g, ok := h.Grids.Get(id)
	require.True(t, ok)
	assert.False(t, g.CanCommit())
	assert.Len(t, g.ErrorRows(), 1)

	w = httptest.NewRecorder()
	srv.ServeHTTP(w, httptest.NewRequest(http.MethodGet, loc+"?errors=1", nil))
	testutil.AssertStatus(t, w, http.StatusOK)
	assert.Contains(t, w.Body.String(), "D-2")
	assert.NotContains(t, w.Body.String(), `value="C-1"`)

	// Committing without fixing the row never reaches the backend.
	w = postForm(srv, loc, url.Values{"op": {"commit"}})
	testutil.AssertStatus(t, w, http.StatusUnprocessableEntity)
	assert.Equal(t, 0, up.Calls(http.MethodPost, "/import/commit"))

	// Fix the cell and commit in one step: the grid is revalidated first.
	w = postForm(srv, loc, url.Values{"op": {"commit"}, "cell_3_Name": {"Desk"}})
	testutil.AssertStatus(t, w, http.StatusSeeOther)
	assert.Equal(t, "/import", w.Header().Get("Location"))
	require.Equal(t, 1, up.Calls(http.MethodPost, "/import/commit"))

	var sent importer.CommitPayload
	up.DecodeLastBody(t, http.MethodPost, "/import/commit", &sent)
	assert.Equal(t, "items", sent.ImportType)
	require.Len(t, sent.Rows, 2)
	assert.Equal(t, "Desk", sent.Rows[1]["name"])
	assert.Equal(t, "D-2", sent.Rows[1]["model"])

	_, ok = h.Grids.Get(id)
	assert.False(t, ok, "committed grid should be dropped")
}

func TestRevalidateKeepsCachedGridUntouchedOnFailure(t *testing.T) {
	up, h, srv := setup(t)
	calls := 0
	up.Handle(http.MethodPost, "/import/preview-json", func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls > 1 {
			testutil.WriteError(w, http.StatusInternalServerError, "internal", "validator down")
			return
		}
		validator(w, r)
	})

	w := upload(t, srv, "items", "items.csv", "Name,Model\nChair,C-1\n")
	testutil.AssertStatus(t, w, http.StatusSeeOther)
	loc := w.Header().Get("Location")
	id := strings.TrimPrefix(loc, "/import/")

	w = postForm(srv, loc, url.Values{"op": {"revalidate"}, "cell_2_Name": {"Stool"}})
	testutil.AssertStatus(t, w, http.StatusBadGateway)
	g, _ := h.Grids.Get(id)
	assert.Equal(t, "Chair", g.Cell(2, "Name"))
}

func TestEditedGridStaysGatedWhateverTheRowEcho(t *testing.T) {
	for name, echo := range map[string]rowEcho{"string row": echoString, "no row": echoNone} {
		t.Run(name, func(t *testing.T) {
			up, h, srv := setup(t)
			up.Handle(http.MethodPost, "/import/preview-json", validating(echo))
			up.JSON(http.MethodPost, "/import/commit", map[string]any{"inserted": 2})

			w := upload(t, srv, "items", "items.csv", "Name,Model\nChair,C-1\n,D-2\n")
			testutil.AssertStatus(t, w, http.StatusSeeOther)
			loc := w.Header().Get("Location")
			id := strings.TrimPrefix(loc, "/import/")

			// Editing a good row revalidates, and the bad row keeps its error.
			w = postForm(srv, loc, url.Values{"op": {"revalidate"}, "cell_2_Model": {"C-9"}})
			testutil.AssertStatus(t, w, http.StatusSeeOther)
			g, ok := h.Grids.Get(id)
			require.True(t, ok)
			assert.Equal(t, "C-9", g.Cell(2, "Model"))
			assert.False(t, g.CanCommit())
			require.Len(t, g.ErrorRows(), 1)
			assert.Equal(t, 3, g.ErrorRows()[0].Row)

			var sent previewBody
			up.DecodeLastBody(t, http.MethodPost, "/import/preview-json", &sent)
			require.Len(t, sent.Rows, 2)
			assert.Equal(t, float64(3), sent.Rows[1]["_row"])

			w = postForm(srv, loc, url.Values{"op": {"commit"}, "cell_2_Model": {"C-10"}})
			testutil.AssertStatus(t, w, http.StatusUnprocessableEntity)
			assert.Equal(t, 0, up.Calls(http.MethodPost, "/import/commit"))
		})
	}
}

func TestRevalidateRejectsUnmatchedRows(t *testing.T) {
	up, h, srv := setup(t)
	calls := 0
	up.Handle(http.MethodPost, "/import/preview-json", func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls > 1 {
			testutil.WriteEnvelope(w, http.StatusOK, map[string]any{"rows": []map[string]any{{"Name": "Chair"}}})
			return
		}
		validator(w, r)
	})
	up.JSON(http.MethodPost, "/import/commit", map[string]any{"inserted": 2})

	w := upload(t, srv, "items", "items.csv", "Name,Model\nChair,C-1\n,D-2\n")
	loc := w.Header().Get("Location")
	id := strings.TrimPrefix(loc, "/import/")

	w = postForm(srv, loc, url.Values{"op": {"commit"}, "cell_3_Name": {"Desk"}})
	testutil.AssertStatus(t, w, http.StatusBadGateway)
	assert.Equal(t, 0, up.Calls(http.MethodPost, "/import/commit"))
	g, _ := h.Grids.Get(id)
	assert.False(t, g.CanCommit())
	assert.Empty(t, g.Cell(3, "Name"))
}

func TestUploadWithoutPreviewRowsFails(t *testing.T) {
	up, h, srv := setup(t)
	up.JSON(http.MethodPost, "/import/preview-json", map[string]any{"rows": []any{}})

	w := upload(t, srv, "items", "items.csv", "Name\nChair\n")
	testutil.AssertStatus(t, w, http.StatusUnprocessableEntity)
	assert.Zero(t, h.Grids.Len())
}

func TestExpiredGridRedirects(t *testing.T) {
	_, _, srv := setup(t)
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/import/does-not-exist", nil))
	testutil.AssertStatus(t, w, http.StatusSeeOther)
	assert.Equal(t, "/import", w.Header().Get("Location"))
}
