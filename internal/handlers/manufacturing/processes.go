package manufacturing

import (
	"net/http"
	"strings"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"upfweb/internal/apiclient"
	"upfweb/internal/handlers/common"
	"upfweb/internal/models"
	"upfweb/internal/render"
	"upfweb/internal/upf"
	"upfweb/internal/validation"
)

const perPage = 25

// ProcessFilter is the process list query. Status and Search go to the
// backend; MinCost and HasSubprocesses are applied to the fetched page
// because the backend ignores them.
type ProcessFilter struct {
	Page            int
	Status          string
	Search          string
	MinCostRaw      string
	MinCost         decimal.Decimal
	HasSubprocesses bool
}

func parseProcessFilter(r *http.Request) ProcessFilter {
	q := r.URL.Query()
	f := ProcessFilter{
		Page:            common.QueryInt(r, "page", 1),
		Status:          strings.TrimSpace(q.Get("status")),
		Search:          strings.TrimSpace(q.Get("q")),
		MinCostRaw:      strings.TrimSpace(q.Get("min_cost")),
		HasSubprocesses: q.Get("has_subprocesses") == "true",
	}
	if d, err := decimal.NewFromString(f.MinCostRaw); err == nil && d.IsPositive() {
		f.MinCost = d
	} else {
		f.MinCostRaw = ""
	}
	return f
}

// Keep reports whether p passes the local filters.
func (f ProcessFilter) Keep(p models.Process) bool {
	if !f.MinCost.IsZero() && p.WorstCaseCost.LessThan(f.MinCost) {
		return false
	}
	if f.HasSubprocesses && p.SubprocessCount == 0 {
		return false
	}
	return true
}

// ProcessesPage is the data of the process list.
type ProcessesPage struct {
	Filter    ProcessFilter
	Statuses  []string
	Processes []models.Process
	Pager     common.Pager
}

// ListProcesses handles GET /upf/processes.
func (h *Handler) ListProcesses(w http.ResponseWriter, r *http.Request) {
	f := parseProcessFilter(r)
	page, err := h.UPF.ListProcesses(r.Context(), upf.ProcessQuery{Page: f.Page, PerPage: perPage, Status: f.Status, Search: f.Search})
	if err != nil {
		h.Fail(w, r, err, "Failed to load processes")
		return
	}
	kept := make([]models.Process, 0, len(page.Items))
	for _, p := range page.Items {
		if f.Keep(p) {
			kept = append(kept, p)
		}
	}
	h.Render(w, r, http.StatusOK, "processes", "Processes", ProcessesPage{
		Filter:    f,
		Statuses:  validation.ValidProcessStatus,
		Processes: kept,
		Pager:     common.NewPager(r, page.Meta),
	})
}

// ProcessPage is the data of the process detail page.
type ProcessPage struct {
	Process      models.Process
	Costing      *models.CostBreakdown
	CostingError string
}

// ShowProcess handles GET /upf/processes/{id}. A costing failure only
// degrades the costing table.
func (h *Handler) ShowProcess(w http.ResponseWriter, r *http.Request) {
	id, ok := common.PathID(r, "id")
	if !ok {
		h.NotFound(w, r, "Process not found")
		return
	}
	p, err := h.UPF.GetProcess(r.Context(), id)
	if err != nil {
		h.Fail(w, r, err, "Failed to load process")
		return
	}
	page := ProcessPage{Process: p}
	cost, err := h.UPF.ProcessCosting(r.Context(), id)
	if err != nil {
		if h.Unauthorized(w, r, err) {
			return
		}
		h.Logger(r).Warn("costing unavailable", zap.Int("process_id", id), zap.Error(err))
		page.CostingError = apiclient.MessageOf(err, "Worst-case costing is unavailable")
	} else {
		page.Costing = &cost
	}
	h.Render(w, r, http.StatusOK, "process", p.Name, page)
}

func processForm(action, heading, submit string) *common.Form {
	return &common.Form{
		Heading: heading,
		Action:  action,
		Submit:  submit,
		Cancel:  "/upf/processes",
		Fields: []common.Field{
			{Name: "name", Label: "Name", Required: true},
			{Name: "description", Label: "Description", Type: "textarea"},
			{Name: "process_class", Label: "Class", Type: "select", Options: common.Options(validation.ValidProcessClasses...), Required: true},
			{Name: "status", Label: "Status", Type: "select", Options: common.Options(validation.ValidProcessStatus...)},
		},
	}
}

func processInput(f *common.Form) (models.ProcessInput, *validation.ValidationErrors) {
	in := models.ProcessInput{
		Name:         f.Value("name"),
		Description:  f.Value("description"),
		ProcessClass: f.Value("process_class"),
		Status:       f.Value("status"),
	}
	ve := &validation.ValidationErrors{}
	validation.RequireField(ve, "name", in.Name)
	validation.ValidateMaxLength(ve, "name", in.Name, 200)
	validation.ValidateEnum(ve, "process_class", in.ProcessClass, validation.ValidProcessClasses)
	if in.Status != "" {
		validation.ValidateEnum(ve, "status", in.Status, validation.ValidProcessStatus)
	}
	return in, ve
}

// NewProcess handles GET /upf/processes/new.
func (h *Handler) NewProcess(w http.ResponseWriter, r *http.Request) {
	h.Render(w, r, http.StatusOK, "form", "New process", processForm("/upf/processes", "New process", "Create").Set("status", "active"))
}

// CreateProcess handles POST /upf/processes.
func (h *Handler) CreateProcess(w http.ResponseWriter, r *http.Request) {
	form := processForm("/upf/processes", "New process", "Create").Fill(common.PostForm(r))
	in, ve := processInput(form)
	if ve.HasErrors() {
		h.Invalid(w, r, "form", "New process", form, ve, "")
		return
	}
	p, err := h.UPF.CreateProcess(r.Context(), in)
	if err != nil {
		h.MutationFailed(w, r, "form", "New process", form, err, "Failed to create process")
		return
	}
	target := "/upf/processes"
	if p.ID > 0 {
		target = "/upf/processes/" + common.Itoa(p.ID)
	}
	h.Redirect(w, r, target, render.NoticeSuccess, "Process created")
}

// EditProcess handles GET /upf/processes/{id}/edit.
func (h *Handler) EditProcess(w http.ResponseWriter, r *http.Request) {
	id, ok := common.PathID(r, "id")
	if !ok {
		h.NotFound(w, r, "Process not found")
		return
	}
	p, err := h.UPF.GetProcess(r.Context(), id)
	if err != nil {
		h.Fail(w, r, err, "Failed to load process")
		return
	}
	form := processForm("/upf/processes/"+common.Itoa(id), "Edit "+p.Name, "Save").
		Set("name", p.Name).Set("description", p.Description).
		Set("process_class", p.ProcessClass).Set("status", p.Status)
	h.Render(w, r, http.StatusOK, "form", "Edit process", form)
}

// UpdateProcess handles POST /upf/processes/{id}.
func (h *Handler) UpdateProcess(w http.ResponseWriter, r *http.Request) {
	id, ok := common.PathID(r, "id")
	if !ok {
		h.NotFound(w, r, "Process not found")
		return
	}
	form := processForm("/upf/processes/"+common.Itoa(id), "Edit process", "Save").Fill(common.PostForm(r))
	in, ve := processInput(form)
	if ve.HasErrors() {
		h.Invalid(w, r, "form", "Edit process", form, ve, "")
		return
	}
	if _, err := h.UPF.UpdateProcess(r.Context(), id, in); err != nil {
		h.MutationFailed(w, r, "form", "Edit process", form, err, "Failed to update process")
		return
	}
	h.Redirect(w, r, "/upf/processes/"+common.Itoa(id), render.NoticeSuccess, "Process updated")
}

// DeleteProcess handles POST /upf/processes/{id}/delete.
func (h *Handler) DeleteProcess(w http.ResponseWriter, r *http.Request) {
	id, ok := common.PathID(r, "id")
	if !ok {
		h.NotFound(w, r, "Process not found")
		return
	}
	if err := h.UPF.DeleteProcess(r.Context(), id); err != nil {
		if h.Unauthorized(w, r, err) {
			return
		}
		h.Redirect(w, r, "/upf/processes", render.NoticeError, apiclient.MessageOf(err, "Failed to delete process"))
		return
	}
	h.Redirect(w, r, "/upf/processes", render.NoticeSuccess, "Process deleted")
}
