package manufacturing

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"upfweb/internal/handlers/common"
	"upfweb/internal/models"
	"upfweb/internal/render"
	"upfweb/internal/upf"
	"upfweb/internal/validation"
)

// LotFilter is the production lot list query. MinCost is applied locally.
type LotFilter struct {
	Page       int
	Status     string
	ProcessID  int
	Search     string
	MinCostRaw string
	MinCost    decimal.Decimal
}

func parseLotFilter(r *http.Request) LotFilter {
	q := r.URL.Query()
	f := LotFilter{
		Page:       common.QueryInt(r, "page", 1),
		Status:     strings.TrimSpace(q.Get("status")),
		ProcessID:  common.QueryInt(r, "process_id", 0),
		Search:     strings.TrimSpace(q.Get("q")),
		MinCostRaw: strings.TrimSpace(q.Get("min_cost")),
	}
	if d, err := decimal.NewFromString(f.MinCostRaw); err == nil && d.IsPositive() {
		f.MinCost = d
	} else {
		f.MinCostRaw = ""
	}
	return f
}

// Keep reports whether l passes the local filters.
func (f LotFilter) Keep(l models.ProductionLot) bool {
	return f.MinCost.IsZero() || !l.TotalCost.LessThan(f.MinCost)
}

// LotsPage is the data of the production lot list.
type LotsPage struct {
	Filter    LotFilter
	Statuses  []string
	Processes []models.Process
	Lots      []models.ProductionLot
	Pager     common.Pager
}

// ListLots handles GET /upf/production-lots.
func (h *Handler) ListLots(w http.ResponseWriter, r *http.Request) {
	f := parseLotFilter(r)
	page, err := h.UPF.ListProductionLots(r.Context(), upf.LotQuery{
		Page:      f.Page,
		PerPage:   perPage,
		Status:    f.Status,
		ProcessID: f.ProcessID,
		Search:    f.Search,
	})
	if err != nil {
		h.Fail(w, r, err, "Failed to load production lots")
		return
	}
	kept := make([]models.ProductionLot, 0, len(page.Items))
	for _, l := range page.Items {
		if f.Keep(l) {
			kept = append(kept, l)
		}
	}
	h.Render(w, r, http.StatusOK, "lots", "Production lots", LotsPage{
		Filter:    f,
		Statuses:  validation.ValidLotStatuses,
		Processes: h.processChoices(r),
		Lots:      kept,
		Pager:     common.NewPager(r, page.Meta),
	})
}

// processChoices lists processes for dropdowns. A failure yields an empty
// list; the page still works without it.
func (h *Handler) processChoices(r *http.Request) []models.Process {
	page, err := h.UPF.ListProcesses(r.Context(), upf.ProcessQuery{Page: 1, PerPage: 200})
	if err != nil {
		h.Logger(r).Warn("process choices unavailable", zap.Error(err))
		return nil
	}
	return page.Items
}

func (h *Handler) lotForm(r *http.Request) *common.Form {
	procs := h.processChoices(r)
	opts := make([]common.Option, 0, len(procs))
	for _, p := range procs {
		opts = append(opts, common.Option{Value: strconv.Itoa(p.ID), Label: p.Name})
	}
	return &common.Form{
		Heading: "New production lot",
		Action:  "/upf/production-lots",
		Submit:  "Create",
		Cancel:  "/upf/production-lots",
		Fields: []common.Field{
			{Name: "process_id", Label: "Process", Type: "select", Options: opts, Required: true},
			{Name: "quantity", Label: "Quantity", Type: "number", Step: "any", Required: true},
			{Name: "notes", Label: "Notes", Type: "textarea"},
		},
	}
}

// NewLot handles GET /upf/production-lots/new. ?process_id preselects the
// process.
func (h *Handler) NewLot(w http.ResponseWriter, r *http.Request) {
	form := h.lotForm(r).Set("quantity", "1")
	if id := common.QueryInt(r, "process_id", 0); id > 0 {
		form.Set("process_id", strconv.Itoa(id))
	}
	h.Render(w, r, http.StatusOK, "form", "New production lot", form)
}

// CreateLot handles POST /upf/production-lots.
func (h *Handler) CreateLot(w http.ResponseWriter, r *http.Request) {
	form := h.lotForm(r).Fill(common.PostForm(r))
	ve := &validation.ValidationErrors{}
	in := models.LotInput{
		ProcessID: validation.ParseIntField(ve, "process_id", form.Value("process_id")),
		Quantity:  validation.ParseFloatField(ve, "quantity", form.Value("quantity")),
		Notes:     form.Value("notes"),
	}
	validation.ValidatePositiveInt(ve, "process_id", in.ProcessID)
	validation.ValidatePositiveFloat(ve, "quantity", in.Quantity)
	validation.ValidateMaxQuantity(ve, "quantity", in.Quantity)
	validation.ValidateMaxLength(ve, "notes", in.Notes, validation.MaxNotesLength)
	if ve.HasErrors() {
		h.Invalid(w, r, "form", "New production lot", form, ve, "")
		return
	}
	lot, err := h.UPF.CreateProductionLot(r.Context(), in)
	if err != nil {
		h.MutationFailed(w, r, "form", "New production lot", form, err, "Failed to create production lot")
		return
	}
	target := "/upf/production-lots"
	if lot.ID > 0 {
		target += "/" + strconv.Itoa(lot.ID)
	}
	h.Redirect(w, r, target, render.NoticeSuccess, "Production lot created")
}
