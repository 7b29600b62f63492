package inventory

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"upfweb/internal/apiclient"
	"upfweb/internal/handlers/common"
	"upfweb/internal/importer"
	"upfweb/internal/models"
	"upfweb/internal/render"
	"upfweb/internal/validation"
)

// ItemsPage is the data of the item list.
type ItemsPage struct {
	Query string
	Items []models.Item
	Total int
}

// MatchItem reports whether item contains q, case-insensitively, in its
// name, model, variation, description or any variant SKU. An empty query
// matches everything.
func MatchItem(it models.Item, q string) bool {
	q = strings.ToLower(strings.TrimSpace(q))
	if q == "" {
		return true
	}
	for _, s := range []string{it.Name, it.Model, it.Variation, it.Description} {
		if strings.Contains(strings.ToLower(s), q) {
			return true
		}
	}
	for _, v := range it.Variants {
		if strings.Contains(strings.ToLower(v.SKU), q) {
			return true
		}
	}
	return false
}

// ListItems handles GET /inventory/items. The backend returns the whole
// catalog and ?q= narrows it here.
func (h *Handler) ListItems(w http.ResponseWriter, r *http.Request) {
	items, err := h.listItems(r.Context())
	if err != nil {
		h.Fail(w, r, err, "Failed to load items")
		return
	}
	q := strings.TrimSpace(r.URL.Query().Get("q"))
	kept := make([]models.Item, 0, len(items))
	for _, it := range items {
		if MatchItem(it, q) {
			kept = append(kept, it)
		}
	}
	h.Render(w, r, http.StatusOK, "items", "Items", ItemsPage{Query: q, Items: kept, Total: len(items)})
}

// ItemPage is the data of the item detail page.
type ItemPage struct {
	Item        models.Item
	VariantForm *common.Form
}

// ShowItem handles GET /inventory/items/{id}.
func (h *Handler) ShowItem(w http.ResponseWriter, r *http.Request) {
	id, ok := common.PathID(r, "id")
	if !ok {
		h.NotFound(w, r, "Item not found")
		return
	}
	it, err := h.getItem(r.Context(), id)
	if err != nil {
		h.Fail(w, r, err, "Failed to load item")
		return
	}
	h.Render(w, r, http.StatusOK, "item", it.Name, ItemPage{Item: it, VariantForm: h.variantForm(r, id)})
}

// itemForm builds the item form with model and variation choices from
// master data. A master data failure leaves the choice list empty.
func (h *Handler) itemForm(r *http.Request, action, heading, submit string) *common.Form {
	var modelNames, variationNames []string
	g, ctx := errgroup.WithContext(r.Context())
	g.Go(func() error {
		entries, err := h.listMaster(ctx, "models")
		modelNames = names(entries)
		return err
	})
	g.Go(func() error {
		entries, err := h.listMaster(ctx, "variations")
		variationNames = names(entries)
		return err
	})
	if err := g.Wait(); err != nil {
		h.Logger(r).Warn("master data unavailable", zap.Error(err))
	}
	return &common.Form{
		Heading:   heading,
		Action:    action,
		Submit:    submit,
		Cancel:    "/inventory/items",
		Multipart: true,
		Fields: []common.Field{
			{Name: "name", Label: "Name", Required: true},
			{Name: "model", Label: "Model", Type: "select", Options: common.Options(modelNames...)},
			{Name: "variation", Label: "Variation", Type: "select", Options: common.Options(variationNames...)},
			{Name: "description", Label: "Description", Type: "textarea"},
			{Name: "cost_price", Label: "Cost price", Type: "number", Step: "0.01"},
			{Name: "image", Label: "Image", Type: "file"},
		},
	}
}

func names(entries []models.MasterDataEntry) []string {
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.Name)
	}
	return out
}

// itemUpload is a validated item form: the JSON fields and an optional
// image.
type itemUpload struct {
	Fields map[string]string
	Image  *apiclient.File
}

func readItemForm(r *http.Request, f *common.Form) (itemUpload, *validation.ValidationErrors) {
	ve := &validation.ValidationErrors{}
	up := itemUpload{Fields: map[string]string{
		"name":        f.Value("name"),
		"model":       f.Value("model"),
		"variation":   f.Value("variation"),
		"description": f.Value("description"),
	}}
	validation.RequireField(ve, "name", up.Fields["name"])
	validation.ValidateMaxLength(ve, "name", up.Fields["name"], 200)
	if raw := f.Value("cost_price"); raw != "" {
		d, err := decimal.NewFromString(raw)
		switch {
		case err != nil:
			ve.Add("cost_price", "must be a number")
		case d.IsNegative():
			ve.Add("cost_price", "must not be negative")
		default:
			up.Fields["cost_price"] = d.StringFixed(2)
		}
	}
	if r.MultipartForm == nil {
		return up, ve
	}
	file, hdr, err := r.FormFile("image")
	if err != nil {
		return up, ve
	}
	defer file.Close()
	validation.ValidateUpload(ve, "image", hdr.Filename, hdr.Size, validation.MaxImageSize, validation.ImageExtensions)
	if ve.HasErrors() {
		return up, ve
	}
	data, err := io.ReadAll(io.LimitReader(file, validation.MaxImageSize+1))
	if err != nil {
		ve.Add("image", "could not be read")
		return up, ve
	}
	up.Image = &apiclient.File{Field: "image", Name: hdr.Filename, ContentType: hdr.Header.Get("Content-Type"), Content: data}
	return up, ve
}

// body is sent as multipart when an image is attached, as JSON otherwise.
func (u itemUpload) body() any {
	if u.Image == nil {
		return u.Fields
	}
	return &apiclient.Multipart{Fields: u.Fields, Files: []apiclient.File{*u.Image}}
}

// NewItem handles GET /inventory/items/new.
func (h *Handler) NewItem(w http.ResponseWriter, r *http.Request) {
	h.Render(w, r, http.StatusOK, "form", "New item", h.itemForm(r, "/inventory/items", "New item", "Create"))
}

// CreateItem handles POST /inventory/items.
func (h *Handler) CreateItem(w http.ResponseWriter, r *http.Request) {
	form := h.itemForm(r, "/inventory/items", "New item", "Create").Fill(common.PostForm(r))
	up, ve := readItemForm(r, form)
	if ve.HasErrors() {
		h.Invalid(w, r, "form", "New item", form, ve, "")
		return
	}
	var it models.Item
	err := h.API.Do(r.Context(), apiclient.Request{Method: http.MethodPost, Path: "items", Body: up.body(), Out: &it})
	if err != nil {
		if h.conflict(w, r, err) {
			return
		}
		h.MutationFailed(w, r, "form", "New item", form, err, "Failed to create item")
		return
	}
	h.publish("item", "created", it.ID)
	target := "/inventory/items"
	if it.ID > 0 {
		target = "/inventory/items/" + common.Itoa(it.ID)
	}
	h.Redirect(w, r, target, render.NoticeSuccess, "Item created")
}

// EditItem handles GET /inventory/items/{id}/edit.
func (h *Handler) EditItem(w http.ResponseWriter, r *http.Request) {
	id, ok := common.PathID(r, "id")
	if !ok {
		h.NotFound(w, r, "Item not found")
		return
	}
	it, err := h.getItem(r.Context(), id)
	if err != nil {
		h.Fail(w, r, err, "Failed to load item")
		return
	}
	form := h.itemForm(r, "/inventory/items/"+common.Itoa(id), "Edit "+it.Name, "Save").
		Set("name", it.Name).Set("model", it.Model).Set("variation", it.Variation).
		Set("description", it.Description).Set("cost_price", it.CostPrice.StringFixed(2))
	h.Render(w, r, http.StatusOK, "form", "Edit item", form)
}

// UpdateItem handles POST /inventory/items/{id}.
func (h *Handler) UpdateItem(w http.ResponseWriter, r *http.Request) {
	id, ok := common.PathID(r, "id")
	if !ok {
		h.NotFound(w, r, "Item not found")
		return
	}
	form := h.itemForm(r, "/inventory/items/"+common.Itoa(id), "Edit item", "Save").Fill(common.PostForm(r))
	up, ve := readItemForm(r, form)
	if ve.HasErrors() {
		h.Invalid(w, r, "form", "Edit item", form, ve, "")
		return
	}
	err := h.API.Do(r.Context(), apiclient.Request{Method: http.MethodPut, Path: fmt.Sprintf("items/%d", id), Body: up.body()})
	if err != nil {
		if h.conflict(w, r, err) {
			return
		}
		h.MutationFailed(w, r, "form", "Edit item", form, err, "Failed to update item")
		return
	}
	h.publish("item", "updated", id)
	h.Redirect(w, r, "/inventory/items/"+common.Itoa(id), render.NoticeSuccess, "Item updated")
}

// DeleteItem handles POST /inventory/items/{id}/delete.
func (h *Handler) DeleteItem(w http.ResponseWriter, r *http.Request) {
	id, ok := common.PathID(r, "id")
	if !ok {
		h.NotFound(w, r, "Item not found")
		return
	}
	if err := h.API.Delete(r.Context(), fmt.Sprintf("items/%d", id), nil); err != nil {
		if h.Unauthorized(w, r, err) {
			return
		}
		h.Redirect(w, r, "/inventory/items", render.NoticeError, apiclient.MessageOf(err, "Failed to delete item"))
		return
	}
	h.publish("item", "deleted", id)
	h.Redirect(w, r, "/inventory/items", render.NoticeSuccess, "Item deleted")
}

// Candidate is one side of the duplicate comparison.
type Candidate struct {
	Label   string
	Item    models.Item
	OtherID int
}

// ConflictPage is the data of the duplicate item page.
type ConflictPage struct {
	Message    string
	Candidates []Candidate
}

// conflict handles a 409 duplicate answer to an item save: both items are
// fetched and shown side by side so the user keeps one. It reports whether
// it wrote the response.
func (h *Handler) conflict(w http.ResponseWriter, r *http.Request, err error) bool {
	var c models.ItemConflict
	if !apiclient.AsConflict(err, &c) || c.OriginalItemID <= 0 {
		return false
	}
	msg := c.Message
	if msg == "" {
		msg = "An item with the same name, model and variation already exists."
	}
	if c.ConflictingItemID <= 0 || c.ConflictingItemID == c.OriginalItemID {
		h.Redirect(w, r, "/inventory/items/"+common.Itoa(c.OriginalItemID), render.NoticeWarning, msg)
		return true
	}
	var original, conflicting models.Item
	g, ctx := errgroup.WithContext(r.Context())
	g.Go(func() error {
		var err error
		original, err = h.getItem(ctx, c.OriginalItemID)
		return err
	})
	g.Go(func() error {
		var err error
		conflicting, err = h.getItem(ctx, c.ConflictingItemID)
		return err
	})
	if err := g.Wait(); err != nil {
		h.Fail(w, r, err, "Failed to load the duplicate items")
		return true
	}
	h.Render(w, r, http.StatusConflict, "item_conflict", "Duplicate item", ConflictPage{
		Message: msg,
		Candidates: []Candidate{
			{Label: "Existing", Item: original, OtherID: conflicting.ID},
			{Label: "New", Item: conflicting, OtherID: original.ID},
		},
	})
	return true
}

// ResolveConflict handles POST /inventory/items/conflict/resolve: the item
// not kept is deleted.
func (h *Handler) ResolveConflict(w http.ResponseWriter, r *http.Request) {
	form := common.PostForm(r)
	ve := &validation.ValidationErrors{}
	keep := validation.ParseIntField(ve, "keep_id", form.Get("keep_id"))
	drop := validation.ParseIntField(ve, "delete_id", form.Get("delete_id"))
	if ve.HasErrors() || keep <= 0 || drop <= 0 || keep == drop {
		h.Redirect(w, r, "/inventory/items", render.NoticeError, "Choose which item to keep")
		return
	}
	if err := h.API.Delete(r.Context(), fmt.Sprintf("items/%d", drop), nil); err != nil {
		if h.Unauthorized(w, r, err) {
			return
		}
		h.Redirect(w, r, "/inventory/items", render.NoticeError, apiclient.MessageOf(err, "Failed to remove the duplicate"))
		return
	}
	h.publish("item", "deleted", drop)
	h.Redirect(w, r, "/inventory/items/"+common.Itoa(keep), render.NoticeSuccess, "Duplicate removed")
}

var exportHeaders = []string{"ID", "Name", "Model", "Variation", "Description", "Total stock", "Cost price"}

// ExportItems handles GET /inventory/items/export?format=csv|xlsx, honoring
// the same ?q= as the list.
func (h *Handler) ExportItems(w http.ResponseWriter, r *http.Request) {
	items, err := h.listItems(r.Context())
	if err != nil {
		h.Fail(w, r, err, "Failed to load items")
		return
	}
	q := r.URL.Query().Get("q")
	rows := make([][]string, 0, len(items))
	for _, it := range items {
		if !MatchItem(it, q) {
			continue
		}
		rows = append(rows, []string{
			common.Itoa(it.ID), it.Name, it.Model, it.Variation, it.Description,
			common.Ftoa(it.TotalStock), it.CostPrice.StringFixed(2),
		})
	}
	var buf bytes.Buffer
	name, ctype := "items.csv", "text/csv; charset=utf-8"
	if r.URL.Query().Get("format") == "xlsx" {
		name, ctype = "items.xlsx", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
		err = importer.WriteXLSX(&buf, "Items", exportHeaders, rows)
	} else {
		err = importer.WriteCSV(&buf, exportHeaders, rows)
	}
	if err != nil {
		h.Logger(r).Error("export failed", zap.Error(err))
		http.Error(w, "export failed", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", ctype)
	w.Header().Set("Content-Disposition", `attachment; filename="`+name+`"`)
	w.Write(buf.Bytes())
}
