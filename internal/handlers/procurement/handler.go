// Package procurement serves suppliers, purchase orders with their line
// items and stock receipts recorded against an order.
package procurement

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/go-chi/chi/v5"

	"upfweb/internal/apiclient"
	"upfweb/internal/events"
	"upfweb/internal/handlers/common"
	"upfweb/internal/models"
)

// Handler holds dependencies for procurement handlers.
type Handler struct {
	common.Base
	API *apiclient.Client
	Hub *events.Hub
}

// MountRoutes registers the /procurement routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Route("/suppliers", func(r chi.Router) {
		r.Get("/", h.ListSuppliers)
		r.Get("/new", h.NewSupplier)
		r.Post("/", h.CreateSupplier)
		r.Get("/{id}/edit", h.EditSupplier)
		r.Post("/{id}", h.UpdateSupplier)
		r.Post("/{id}/delete", h.DeleteSupplier)
	})
	r.Route("/purchase-orders", func(r chi.Router) {
		r.Get("/", h.ListOrders)
		r.Get("/new", h.NewOrder)
		r.Post("/", h.CreateOrder)
		r.Get("/{id}", h.ShowOrder)
		r.Get("/{id}/edit", h.EditOrder)
		r.Post("/{id}", h.UpdateOrder)
		r.Post("/{id}/delete", h.DeleteOrder)
		r.Get("/{id}/receive", h.NewReceipt)
		r.Post("/{id}/receive", h.CreateReceipt)
	})
}

func (h *Handler) publish(resource, action string, id any) {
	if h.Hub != nil {
		h.Hub.PublishChange(resource, action, id)
	}
}

func (h *Handler) listSuppliers(ctx context.Context) ([]models.Supplier, error) {
	var out []models.Supplier
	if err := h.API.Get(ctx, "suppliers", &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (h *Handler) getOrder(ctx context.Context, id int) (models.PurchaseOrder, error) {
	var po models.PurchaseOrder
	err := h.API.Get(ctx, fmt.Sprintf("purchase-orders/%d", id), &po)
	return po, err
}

func (h *Handler) listReceipts(ctx context.Context, poID int) ([]models.StockReceipt, error) {
	var out []models.StockReceipt
	err := h.API.Do(ctx, apiclient.Request{
		Path:  "stock-receipts",
		Query: url.Values{"purchase_order_id": {fmt.Sprint(poID)}},
		Out:   &out,
	})
	return out, err
}

// variantChoices lists every variant of the catalog as "Item - color/size
// (SKU)" options for order lines.
func (h *Handler) variantChoices(ctx context.Context) ([]common.Option, error) {
	var items []models.Item
	if err := h.API.Get(ctx, "items", &items); err != nil {
		return nil, err
	}
	var out []common.Option
	for _, it := range items {
		for _, v := range it.Variants {
			label := it.Name
			if attrs := strings.Trim(v.Color+"/"+v.Size, "/"); attrs != "" {
				label += " - " + attrs
			}
			if v.SKU != "" {
				label += " (" + v.SKU + ")"
			}
			out = append(out, common.Option{Value: fmt.Sprint(v.ID), Label: label})
		}
	}
	return out, nil
}
