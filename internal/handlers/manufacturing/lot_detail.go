package manufacturing

import (
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"upfweb/internal/alerts"
	"upfweb/internal/apiclient"
	"upfweb/internal/handlers/common"
	"upfweb/internal/lotdetail"
	"upfweb/internal/models"
	"upfweb/internal/render"
	"upfweb/internal/response"
	"upfweb/internal/validation"
	"upfweb/internal/variants"
)

// LotPage is the data of the production lot detail page.
type LotPage struct {
	Lot              models.ProductionLot
	Alerts           []alerts.Row
	Summary          alerts.Summary
	FinalizeDisabled bool
	Locked           bool
	Stale            bool
	Editing          bool
	EditForm         *common.Form
	Library          []models.Subprocess
	FieldErrors      map[string]string
	Actions          []string
}

// VariantEditorPage is the data of the variant selection page.
type VariantEditorPage struct {
	Lot       models.ProductionLot
	Selection models.ProcessSubprocessSelection
	Options   variants.Options
	Chosen    variants.Selection
	Self      string
}

// AlertPanelPage is the data of the standalone alert panel.
type AlertPanelPage struct {
	Lot     models.ProductionLot
	Rows    []alerts.Row
	Summary alerts.Summary
	Actions []string
}

func lotURL(id int) string { return "/upf/production-lots/" + strconv.Itoa(id) }

// controller resolves the lot id, builds a controller attached to the
// event hub for the lifetime of the request and, when load is set, loads
// it. On failure the response has been written and ok is false.
func (h *Handler) controller(w http.ResponseWriter, r *http.Request, load bool) (c *lotdetail.Controller, ok bool) {
	id, err := lotdetail.ResolveLotID(lotdetail.Sources{
		Global: chi.URLParam(r, "id"),
		Query:  r.URL.Query(),
		Path:   r.URL.Path,
	})
	if err != nil {
		h.NotFound(w, r, "No production lot was specified")
		return nil, false
	}
	c = lotdetail.New(h.UPF, id, lotdetail.Options{VariantTimeout: h.VariantTimeout, Logger: h.Logger(r)})
	if h.Hub != nil {
		c.Attach(r.Context(), h.Hub)
	}
	if !load {
		return c, true
	}
	if err := c.Load(r.Context()); err != nil {
		c.Detach()
		h.Fail(w, r, err, lotdetail.MsgLoadFailed)
		return nil, false
	}
	return c, true
}

// finish ends a lot action with post/redirect/get: the latest notice of
// the controller becomes the flash and the browser goes to target.
func (h *Handler) finish(w http.ResponseWriter, r *http.Request, c *lotdetail.Controller, err error, target string) {
	if h.Unauthorized(w, r, err) {
		return
	}
	s := c.State()
	if len(s.Notices) > 0 {
		n := s.Notices[len(s.Notices)-1]
		h.Redirect(w, r, target, n.Kind, n.Message)
		return
	}
	if err != nil {
		h.Redirect(w, r, target, render.NoticeError, apiclient.MessageOf(err, "Action failed"))
		return
	}
	http.Redirect(w, r, target, http.StatusSeeOther)
}

func (h *Handler) lotPage(r *http.Request, s lotdetail.State) LotPage {
	lot := *s.Lot
	page := LotPage{
		Lot:              lot,
		Alerts:           alerts.Rows(s.Alerts, nil),
		Summary:          alerts.Summarize(s.Alerts),
		FinalizeDisabled: lotdetail.FinalizeDisabled(s),
		Locked:           lot.IsLocked(),
		Stale:            s.Stale,
		Editing:          s.Phase == lotdetail.EditingLot,
		FieldErrors:      s.FieldErrors,
		Actions:          validation.ValidAlertActions,
	}
	statuses := validation.ValidLotStatuses
	if lot.Status != "" && !containsFold(statuses, lot.Status) {
		statuses = append([]string{lot.Status}, statuses...)
	}
	page.EditForm = &common.Form{
		Heading: "Edit lot",
		Action:  lotURL(lot.ID),
		Submit:  "Save changes",
		Fields: []common.Field{
			{Name: "quantity", Label: "Quantity", Type: "number", Step: "any", Required: true, Value: common.Ftoa(lot.Quantity)},
			{Name: "status", Label: "Status", Type: "select", Options: common.Options(statuses...), Required: true, Value: lot.Status},
			{Name: "notes", Label: "Notes", Type: "textarea", Value: lot.Notes},
		},
	}
	if len(s.FieldErrors) > 0 {
		page.EditForm.SetErrors(s.FieldErrors)
	}
	if !page.Locked {
		lib, err := h.UPF.ListSubprocesses(r.Context(), "")
		if err != nil {
			h.Logger(r).Warn("subprocess library unavailable", zap.Error(err))
		}
		page.Library = lib
	}
	return page
}

func noticesOf(s lotdetail.State) []render.Notice {
	out := make([]render.Notice, 0, len(s.Notices))
	for _, n := range s.Notices {
		out = append(out, render.Notice{Kind: n.Kind, Message: n.Message})
	}
	return out
}

// ShowLot handles GET /upf/production-lots/{id}.
func (h *Handler) ShowLot(w http.ResponseWriter, r *http.Request) {
	c, ok := h.controller(w, r, true)
	if !ok {
		return
	}
	defer c.Detach()
	s := c.State()
	h.Render(w, r, http.StatusOK, "lot", "Production lot "+s.Lot.LotNumber, h.lotPage(r, s))
}

// LegacyLotDetail handles the old detail URL that named the lot in the
// query string and redirects to the canonical page.
func (h *Handler) LegacyLotDetail(w http.ResponseWriter, r *http.Request) {
	id, err := lotdetail.ResolveLotID(lotdetail.Sources{Query: r.URL.Query(), Path: r.URL.Path})
	if err != nil {
		h.NotFound(w, r, "No production lot was specified")
		return
	}
	http.Redirect(w, r, lotURL(id), http.StatusMovedPermanently)
}

// EditLot handles POST /upf/production-lots/{id}. Validation failures
// re-render the page with the edit form open.
func (h *Handler) EditLot(w http.ResponseWriter, r *http.Request) {
	c, ok := h.controller(w, r, true)
	if !ok {
		return
	}
	defer c.Detach()
	form := common.PostForm(r)
	ve := &validation.ValidationErrors{}
	upd := models.LotUpdate{
		Quantity: validation.ParseFloatField(ve, "quantity", form.Get("quantity")),
		Status:   strings.TrimSpace(form.Get("status")),
		Notes:    strings.TrimSpace(form.Get("notes")),
	}
	var err error
	if ve.HasErrors() {
		err = ve
	} else {
		err = c.EditLot(r.Context(), upd)
	}
	if err == nil {
		h.finish(w, r, c, nil, lotURL(c.State().LotID))
		return
	}
	if h.Unauthorized(w, r, err) {
		return
	}
	s := c.State()
	page := h.lotPage(r, s)
	page.Editing = true
	page.EditForm.Fill(form)
	if ve.HasErrors() {
		page.EditForm.SetErrors(ve.ByField())
	}
	notices := noticesOf(s)
	if len(notices) == 0 {
		notices = append(notices, render.Notice{Kind: render.NoticeError, Message: ve.Error()})
	}
	h.Render(w, r, http.StatusUnprocessableEntity, "lot", "Production lot "+s.Lot.LotNumber, page, notices[len(notices)-1])
}

// DeleteLot handles POST /upf/production-lots/{id}/delete.
func (h *Handler) DeleteLot(w http.ResponseWriter, r *http.Request) {
	c, ok := h.controller(w, r, false)
	if !ok {
		return
	}
	defer c.Detach()
	err := c.DeleteLot(r.Context())
	target := lotURL(c.State().LotID)
	if err == nil && c.State().Deleted {
		target = "/upf/production-lots"
	}
	h.finish(w, r, c, err, target)
}

// FinalizeLot handles POST /upf/production-lots/{id}/finalize. Empty lots
// and lots with pending critical alerts are refused without calling the
// backend.
func (h *Handler) FinalizeLot(w http.ResponseWriter, r *http.Request) {
	c, ok := h.controller(w, r, true)
	if !ok {
		return
	}
	defer c.Detach()
	err := c.Finalize(r.Context())
	if errors.Is(err, lotdetail.ErrNoSubprocesses) || errors.Is(err, lotdetail.ErrCriticalAlerts) {
		h.Logger(r).Info("finalize refused", zap.Int("lot_id", c.State().LotID), zap.Error(err))
	}
	h.finish(w, r, c, err, lotURL(c.State().LotID))
}

// RecalculateLot handles POST /upf/production-lots/{id}/recalculate.
func (h *Handler) RecalculateLot(w http.ResponseWriter, r *http.Request) {
	c, ok := h.controller(w, r, false)
	if !ok {
		return
	}
	defer c.Detach()
	h.finish(w, r, c, c.Recalculate(r.Context()), lotURL(c.State().LotID))
}

// AddSubprocess handles POST /upf/production-lots/{id}/subprocesses.
func (h *Handler) AddSubprocess(w http.ResponseWriter, r *http.Request) {
	c, ok := h.controller(w, r, false)
	if !ok {
		return
	}
	defer c.Detach()
	id, _ := strconv.Atoi(strings.TrimSpace(common.PostForm(r).Get("subprocess_id")))
	h.finish(w, r, c, c.AddSubprocess(r.Context(), id), lotURL(c.State().LotID))
}

func variantEditorURL(lotID, psid int) string {
	return lotURL(lotID) + "/subprocesses/" + strconv.Itoa(psid) + "/variants"
}

// VariantEditor handles GET /upf/production-lots/{id}/subprocesses/{psid}/variants.
// A timed out or failed option load renders the error with a retry link.
func (h *Handler) VariantEditor(w http.ResponseWriter, r *http.Request) {
	psid, ok := common.PathID(r, "psid")
	if !ok {
		h.NotFound(w, r, "Subprocess not found")
		return
	}
	c, ok := h.controller(w, r, true)
	if !ok {
		return
	}
	defer c.Detach()
	s := c.State()
	sel, found := s.Lot.Subprocess(psid)
	if !found {
		h.NotFound(w, r, "This subprocess is not part of the production lot")
		return
	}
	opts := c.VariantOptions(r.Context(), psid)
	h.Render(w, r, http.StatusOK, "lot_variants", sel.SubprocessName+" variants", VariantEditorPage{
		Lot:       *s.Lot,
		Selection: sel,
		Options:   opts,
		Chosen:    variants.Preselect(opts, sel.Variants),
		Self:      variantEditorURL(s.LotID, psid),
	})
}

// SaveVariants handles POST /upf/production-lots/{id}/subprocesses/{psid}/variants.
// Radio fields group_<group id> carry one choice per group and the
// standalone checkboxes the rest.
func (h *Handler) SaveVariants(w http.ResponseWriter, r *http.Request) {
	psid, ok := common.PathID(r, "psid")
	if !ok {
		h.NotFound(w, r, "Subprocess not found")
		return
	}
	c, ok := h.controller(w, r, false)
	if !ok {
		return
	}
	defer c.Detach()
	groups, standalone := parseVariantForm(common.PostForm(r))
	lotID := c.State().LotID
	if err := c.SaveVariants(r.Context(), psid, groups, standalone); err != nil {
		h.finish(w, r, c, err, variantEditorURL(lotID, psid))
		return
	}
	h.finish(w, r, c, nil, lotURL(lotID))
}

func parseVariantForm(form url.Values) (map[int]int, []int) {
	groups := make(map[int]int)
	var standalone []int
	for k, vs := range form {
		gid, ok := strings.CutPrefix(k, "group_")
		if !ok || len(vs) == 0 {
			continue
		}
		g, err1 := strconv.Atoi(gid)
		v, err2 := strconv.Atoi(vs[0])
		if err1 == nil && err2 == nil && v > 0 {
			groups[g] = v
		}
	}
	for _, raw := range form["standalone"] {
		if id, err := strconv.Atoi(raw); err == nil && id > 0 {
			standalone = append(standalone, id)
		}
	}
	return groups, standalone
}

// VariantOptionsJSON handles GET /upf/production-lots/{id}/subprocesses/{psid}/variant-options
// for pages that load options lazily. Failures are reported inside the
// options, never as an error status.
func (h *Handler) VariantOptionsJSON(w http.ResponseWriter, r *http.Request) {
	psid, ok := common.PathID(r, "psid")
	if !ok {
		response.Err(w, "invalid subprocess id", http.StatusBadRequest)
		return
	}
	c, ok := h.controller(w, r, false)
	if !ok {
		return
	}
	defer c.Detach()
	response.JSON(w, c.VariantOptions(r.Context(), psid))
}

// AlertPanel handles GET /upf/production-lots/{id}/alerts.
func (h *Handler) AlertPanel(w http.ResponseWriter, r *http.Request) {
	c, ok := h.controller(w, r, true)
	if !ok {
		return
	}
	defer c.Detach()
	s := c.State()
	checked := make(map[int]bool)
	for _, a := range s.Alerts {
		checked[a.AlertID] = a.IsCritical()
	}
	h.Render(w, r, http.StatusOK, "alerts", "Inventory alerts", AlertPanelPage{
		Lot:     *s.Lot,
		Rows:    alerts.Rows(s.Alerts, checked),
		Summary: alerts.Summarize(s.Alerts),
		Actions: validation.ValidAlertActions,
	})
}

// AcknowledgeAlerts handles POST /upf/production-lots/{id}/alerts/acknowledge:
// every checked row goes to the backend in one bulk call.
func (h *Handler) AcknowledgeAlerts(w http.ResponseWriter, r *http.Request) {
	c, ok := h.controller(w, r, true)
	if !ok {
		return
	}
	defer c.Detach()
	err := c.BulkAcknowledge(r.Context(), alerts.ParseBulkForm(common.PostForm(r)))
	h.finish(w, r, c, err, backToLot(r, c.State().LotID))
}

// AcknowledgeAlert handles POST
// /upf/production-lots/{id}/alerts/acknowledge/{alert}, the per-row button.
func (h *Handler) AcknowledgeAlert(w http.ResponseWriter, r *http.Request) {
	alertID, ok := common.PathID(r, "alert")
	if !ok {
		h.NotFound(w, r, "Alert not found")
		return
	}
	c, ok := h.controller(w, r, true)
	if !ok {
		return
	}
	defer c.Detach()
	form := common.PostForm(r)
	key := strconv.Itoa(alertID)
	err := c.Acknowledge(r.Context(), alertID,
		strings.ToUpper(strings.TrimSpace(form.Get("action_"+key))),
		strings.TrimSpace(form.Get("notes_"+key)))
	h.finish(w, r, c, err, backToLot(r, c.State().LotID))
}

// backToLot returns the referring lot page (detail or alert panel) or the
// detail page.
func backToLot(r *http.Request, id int) string {
	base := lotURL(id)
	ref, err := url.Parse(r.Referer())
	if err == nil && (ref.Host == "" || ref.Host == r.Host) && ref.Path == base+"/alerts" {
		return ref.Path
	}
	return base
}

func containsFold(list []string, s string) bool {
	for _, v := range list {
		if strings.EqualFold(v, s) {
			return true
		}
	}
	return false
}
