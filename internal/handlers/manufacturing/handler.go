// Package manufacturing serves the UPF pages: processes, the subprocess
// library, production lots with their detail page, costing and inventory
// alerts.
package manufacturing

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"upfweb/internal/events"
	"upfweb/internal/handlers/common"
	"upfweb/internal/models"
	"upfweb/internal/render"
	"upfweb/internal/upf"
)

// Handler holds dependencies for manufacturing handlers.
type Handler struct {
	common.Base
	UPF *upf.Client
	Hub *events.Hub
	// VariantTimeout bounds variant option loads on the lot detail page.
	VariantTimeout time.Duration
}

// MountRoutes registers the /upf routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Route("/processes", func(r chi.Router) {
		r.Get("/", h.ListProcesses)
		r.Get("/new", h.NewProcess)
		r.Post("/", h.CreateProcess)
		r.Get("/{id}", h.ShowProcess)
		r.Get("/{id}/edit", h.EditProcess)
		r.Post("/{id}", h.UpdateProcess)
		r.Post("/{id}/delete", h.DeleteProcess)
	})
	r.Route("/subprocesses", func(r chi.Router) {
		r.Get("/", h.ListSubprocesses)
		r.Get("/new", h.NewSubprocess)
		r.Post("/", h.CreateSubprocess)
		r.Get("/{id}/edit", h.EditSubprocess)
		r.Post("/{id}", h.UpdateSubprocess)
		r.Post("/{id}/delete", h.DeleteSubprocess)
	})
	r.Get("/production-lot-detail", h.LegacyLotDetail)
	r.Route("/production-lots", func(r chi.Router) {
		r.Get("/", h.ListLots)
		r.Get("/new", h.NewLot)
		r.Post("/", h.CreateLot)
		r.Get("/{id}", h.ShowLot)
		r.Post("/{id}", h.EditLot)
		r.Post("/{id}/delete", h.DeleteLot)
		r.Post("/{id}/finalize", h.FinalizeLot)
		r.Post("/{id}/recalculate", h.RecalculateLot)
		r.Post("/{id}/subprocesses", h.AddSubprocess)
		r.Get("/{id}/subprocesses/{psid}/variants", h.VariantEditor)
		r.Post("/{id}/subprocesses/{psid}/variants", h.SaveVariants)
		r.Get("/{id}/subprocesses/{psid}/variant-options", h.VariantOptionsJSON)
		r.Get("/{id}/alerts", h.AlertPanel)
		r.Post("/{id}/alerts/acknowledge", h.AcknowledgeAlerts)
		r.Post("/{id}/alerts/acknowledge/{alert}", h.AcknowledgeAlert)
	})
}

// HomePage is the dashboard.
type HomePage struct {
	ProcessCount int
	LotCount     int
	Lots         []models.ProductionLot
}

// Home handles GET /. Counts and recent lots load in parallel; a failure
// leaves the dashboard partially empty with a warning.
func (h *Handler) Home(w http.ResponseWriter, r *http.Request) {
	var (
		page      HomePage
		processes models.Page[models.Process]
		lots      models.Page[models.ProductionLot]
	)
	g, ctx := errgroup.WithContext(r.Context())
	g.Go(func() error {
		var err error
		processes, err = h.UPF.ListProcesses(ctx, upf.ProcessQuery{Page: 1, PerPage: 1})
		return err
	})
	g.Go(func() error {
		var err error
		lots, err = h.UPF.ListProductionLots(ctx, upf.LotQuery{Page: 1, PerPage: 5})
		return err
	})
	var notices []render.Notice
	if err := g.Wait(); err != nil {
		if h.Unauthorized(w, r, err) {
			return
		}
		h.Logger(r).Warn("dashboard load failed", zap.Error(err))
		notices = append(notices, render.Notice{Kind: render.NoticeWarning, Message: "Some dashboard data could not be loaded"})
	}
	page.ProcessCount = processes.Meta.Total
	if page.ProcessCount == 0 {
		page.ProcessCount = len(processes.Items)
	}
	page.LotCount = lots.Meta.Total
	if page.LotCount == 0 {
		page.LotCount = len(lots.Items)
	}
	page.Lots = lots.Items
	h.Render(w, r, http.StatusOK, "home", "Dashboard", page, notices...)
}
