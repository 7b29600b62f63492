package inventory

import (
	"fmt"
	"net/http"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"upfweb/internal/apiclient"
	"upfweb/internal/handlers/common"
	"upfweb/internal/render"
	"upfweb/internal/validation"
)

// VariantInput is the body of a variant create call.
type VariantInput struct {
	Color     string  `json:"color"`
	Size      string  `json:"size"`
	SKU       string  `json:"sku,omitempty"`
	Stock     float64 `json:"opening_stock"`
	Threshold float64 `json:"threshold"`
	Unit      string  `json:"unit"`
}

func (h *Handler) variantForm(r *http.Request, itemID int) *common.Form {
	var colors, sizes []string
	g, ctx := errgroup.WithContext(r.Context())
	g.Go(func() error {
		entries, err := h.listMaster(ctx, "colors")
		colors = names(entries)
		return err
	})
	g.Go(func() error {
		entries, err := h.listMaster(ctx, "sizes")
		sizes = names(entries)
		return err
	})
	if err := g.Wait(); err != nil {
		h.Logger(r).Warn("master data unavailable", zap.Error(err))
	}
	return &common.Form{
		Heading: "Add variant",
		Action:  fmt.Sprintf("/inventory/items/%d/variants", itemID),
		Submit:  "Add variant",
		Fields: []common.Field{
			{Name: "color", Label: "Color", Type: "select", Options: common.Options(colors...), Required: true},
			{Name: "size", Label: "Size", Type: "select", Options: common.Options(sizes...), Required: true},
			{Name: "sku", Label: "SKU"},
			{Name: "opening_stock", Label: "Opening stock", Type: "number", Step: "any", Value: "0"},
			{Name: "threshold", Label: "Low stock threshold", Type: "number", Step: "any", Value: "0"},
			{Name: "unit", Label: "Unit", Value: "pcs"},
		},
	}
}

func variantInput(f *common.Form) (VariantInput, *validation.ValidationErrors) {
	ve := &validation.ValidationErrors{}
	in := VariantInput{
		Color: f.Value("color"),
		Size:  f.Value("size"),
		SKU:   f.Value("sku"),
		Unit:  f.Value("unit"),
	}
	validation.RequireField(ve, "color", in.Color)
	validation.RequireField(ve, "size", in.Size)
	in.Stock = validation.ParseFloatField(ve, "opening_stock", f.Value("opening_stock"))
	in.Threshold = validation.ParseFloatField(ve, "threshold", f.Value("threshold"))
	validation.ValidateNonNegativeFloat(ve, "opening_stock", in.Stock)
	validation.ValidateNonNegativeFloat(ve, "threshold", in.Threshold)
	validation.ValidateMaxQuantity(ve, "opening_stock", in.Stock)
	return in, ve
}

// AddVariant handles POST /inventory/items/{id}/variants. Failures
// re-render the item page with the form errors.
func (h *Handler) AddVariant(w http.ResponseWriter, r *http.Request) {
	id, ok := common.PathID(r, "id")
	if !ok {
		h.NotFound(w, r, "Item not found")
		return
	}
	form := h.variantForm(r, id).Fill(common.PostForm(r))
	in, ve := variantInput(form)
	if !ve.HasErrors() {
		err := h.API.Post(r.Context(), fmt.Sprintf("items/%d/variants", id), in, nil)
		if err == nil {
			h.publish("item", "updated", id)
			h.Redirect(w, r, "/inventory/items/"+common.Itoa(id), render.NoticeSuccess, "Variant added")
			return
		}
		if h.Unauthorized(w, r, err) {
			return
		}
		ve = validation.FromAPIError(err)
		form.SetErrors(ve.ByField())
		h.renderItem(w, r, id, form, render.Notice{Kind: render.NoticeError, Message: apiclient.MessageOf(err, "Failed to add variant")})
		return
	}
	form.SetErrors(ve.ByField())
	h.renderItem(w, r, id, form, render.Notice{Kind: render.NoticeError, Message: ve.Error()})
}

func (h *Handler) renderItem(w http.ResponseWriter, r *http.Request, id int, form *common.Form, n render.Notice) {
	it, err := h.getItem(r.Context(), id)
	if err != nil {
		h.Fail(w, r, err, "Failed to load item")
		return
	}
	h.Render(w, r, http.StatusUnprocessableEntity, "item", it.Name, ItemPage{Item: it, VariantForm: form}, n)
}

// DeleteVariant handles POST /inventory/items/{id}/variants/{vid}/delete.
func (h *Handler) DeleteVariant(w http.ResponseWriter, r *http.Request) {
	id, ok := common.PathID(r, "id")
	vid, vok := common.PathID(r, "vid")
	if !ok || !vok {
		h.NotFound(w, r, "Variant not found")
		return
	}
	back := "/inventory/items/" + common.Itoa(id)
	if err := h.API.Delete(r.Context(), fmt.Sprintf("variants/%d", vid), nil); err != nil {
		if h.Unauthorized(w, r, err) {
			return
		}
		h.Redirect(w, r, back, render.NoticeError, apiclient.MessageOf(err, "Failed to delete variant"))
		return
	}
	h.publish("item", "updated", id)
	h.Redirect(w, r, back, render.NoticeSuccess, "Variant deleted")
}
