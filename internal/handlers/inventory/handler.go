// Package inventory serves the item catalog: items and their variants, the
// duplicate item resolution flow, master data tables and catalog export.
package inventory

import (
	"context"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"upfweb/internal/apiclient"
	"upfweb/internal/events"
	"upfweb/internal/handlers/common"
	"upfweb/internal/models"
)

// MasterKinds are the shared reference tables, in tab order.
var MasterKinds = []string{"colors", "sizes", "models", "variations"}

// Handler holds dependencies for inventory handlers.
type Handler struct {
	common.Base
	API *apiclient.Client
	Hub *events.Hub
}

// MountRoutes registers the /inventory routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Route("/items", func(r chi.Router) {
		r.Get("/", h.ListItems)
		r.Get("/new", h.NewItem)
		r.Post("/", h.CreateItem)
		r.Get("/export", h.ExportItems)
		r.Post("/conflict/resolve", h.ResolveConflict)
		r.Get("/{id}", h.ShowItem)
		r.Get("/{id}/edit", h.EditItem)
		r.Post("/{id}", h.UpdateItem)
		r.Post("/{id}/delete", h.DeleteItem)
		r.Post("/{id}/variants", h.AddVariant)
		r.Post("/{id}/variants/{vid}/delete", h.DeleteVariant)
	})
	r.Get("/master-data", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/inventory/master-data/"+MasterKinds[0], http.StatusFound)
	})
	r.Route("/master-data/{kind}", func(r chi.Router) {
		r.Get("/", h.ListMasterData)
		r.Post("/", h.AddMasterData)
		r.Post("/{id}", h.RenameMasterData)
		r.Post("/{id}/delete", h.DeleteMasterData)
	})
}

func (h *Handler) publish(resource, action string, id any) {
	if h.Hub != nil {
		h.Hub.PublishChange(resource, action, id)
	}
}

func (h *Handler) listItems(ctx context.Context) ([]models.Item, error) {
	var items []models.Item
	if err := h.API.Get(ctx, "items", &items); err != nil {
		return nil, err
	}
	if items == nil {
		items = []models.Item{}
	}
	return items, nil
}

func (h *Handler) getItem(ctx context.Context, id int) (models.Item, error) {
	var it models.Item
	err := h.API.Get(ctx, fmt.Sprintf("items/%d", id), &it)
	return it, err
}

func (h *Handler) listMaster(ctx context.Context, kind string) ([]models.MasterDataEntry, error) {
	var out []models.MasterDataEntry
	if err := h.API.Get(ctx, "master-data/"+kind, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func validKind(kind string) bool {
	for _, k := range MasterKinds {
		if k == kind {
			return true
		}
	}
	return false
}
