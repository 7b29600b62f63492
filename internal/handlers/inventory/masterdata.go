package inventory

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"upfweb/internal/apiclient"
	"upfweb/internal/handlers/common"
	"upfweb/internal/models"
	"upfweb/internal/render"
)

// MasterDataPage is the data of the master data editor.
type MasterDataPage struct {
	Kind    string
	Kinds   []string
	Entries []models.MasterDataEntry
}

func (h *Handler) kind(w http.ResponseWriter, r *http.Request) (string, bool) {
	kind := chi.URLParam(r, "kind")
	if !validKind(kind) {
		h.NotFound(w, r, "Unknown master data table")
		return "", false
	}
	return kind, true
}

// ListMasterData handles GET /inventory/master-data/{kind}.
func (h *Handler) ListMasterData(w http.ResponseWriter, r *http.Request) {
	kind, ok := h.kind(w, r)
	if !ok {
		return
	}
	entries, err := h.listMaster(r.Context(), kind)
	if err != nil {
		h.Fail(w, r, err, "Failed to load master data")
		return
	}
	h.Render(w, r, http.StatusOK, "masterdata", "Master data", MasterDataPage{Kind: kind, Kinds: MasterKinds, Entries: entries})
}

// masterWrite runs one master data change and redirects back to the table.
// Items show master data names in their dropdowns, so a change is
// published as an item change as well.
func (h *Handler) masterWrite(w http.ResponseWriter, r *http.Request, kind string, call func() error, done, failed string) {
	back := "/inventory/master-data/" + kind
	if err := call(); err != nil {
		if h.Unauthorized(w, r, err) {
			return
		}
		h.Redirect(w, r, back, render.NoticeError, apiclient.MessageOf(err, failed))
		return
	}
	h.publish("master_data", "updated", kind)
	h.Redirect(w, r, back, render.NoticeSuccess, done)
}

func entryName(r *http.Request) string {
	return strings.TrimSpace(common.PostForm(r).Get("name"))
}

// AddMasterData handles POST /inventory/master-data/{kind}.
func (h *Handler) AddMasterData(w http.ResponseWriter, r *http.Request) {
	kind, ok := h.kind(w, r)
	if !ok {
		return
	}
	name := entryName(r)
	if name == "" {
		h.Redirect(w, r, "/inventory/master-data/"+kind, render.NoticeError, "Name is required")
		return
	}
	h.masterWrite(w, r, kind, func() error {
		return h.API.Post(r.Context(), "master-data/"+kind, map[string]string{"name": name}, nil)
	}, "Entry added", "Failed to add entry")
}

// RenameMasterData handles POST /inventory/master-data/{kind}/{id}.
func (h *Handler) RenameMasterData(w http.ResponseWriter, r *http.Request) {
	kind, ok := h.kind(w, r)
	if !ok {
		return
	}
	id, ok := common.PathID(r, "id")
	if !ok {
		h.NotFound(w, r, "Entry not found")
		return
	}
	name := entryName(r)
	if name == "" {
		h.Redirect(w, r, "/inventory/master-data/"+kind, render.NoticeError, "Name is required")
		return
	}
	h.masterWrite(w, r, kind, func() error {
		return h.API.Put(r.Context(), fmt.Sprintf("master-data/%s/%d", kind, id), map[string]string{"name": name}, nil)
	}, "Entry renamed", "Failed to rename entry")
}

// DeleteMasterData handles POST /inventory/master-data/{kind}/{id}/delete.
func (h *Handler) DeleteMasterData(w http.ResponseWriter, r *http.Request) {
	kind, ok := h.kind(w, r)
	if !ok {
		return
	}
	id, ok := common.PathID(r, "id")
	if !ok {
		h.NotFound(w, r, "Entry not found")
		return
	}
	h.masterWrite(w, r, kind, func() error {
		return h.API.Delete(r.Context(), fmt.Sprintf("master-data/%s/%d", kind, id), nil)
	}, "Entry deleted", "Failed to delete entry")
}
