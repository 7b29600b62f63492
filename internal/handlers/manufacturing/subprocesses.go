package manufacturing

import (
	"net/http"
	"strings"

	"upfweb/internal/apiclient"
	"upfweb/internal/handlers/common"
	"upfweb/internal/models"
	"upfweb/internal/render"
	"upfweb/internal/validation"
)

// SubprocessesPage is the data of the subprocess library.
type SubprocessesPage struct {
	Query        string
	Subprocesses []models.Subprocess
}

// ListSubprocesses handles GET /upf/subprocesses.
func (h *Handler) ListSubprocesses(w http.ResponseWriter, r *http.Request) {
	q := strings.TrimSpace(r.URL.Query().Get("q"))
	subs, err := h.UPF.ListSubprocesses(r.Context(), q)
	if err != nil {
		h.Fail(w, r, err, "Failed to load subprocesses")
		return
	}
	h.Render(w, r, http.StatusOK, "subprocesses", "Subprocesses", SubprocessesPage{Query: q, Subprocesses: subs})
}

func subprocessForm(action, heading, submit string) *common.Form {
	return &common.Form{
		Heading: heading,
		Action:  action,
		Submit:  submit,
		Cancel:  "/upf/subprocesses",
		Fields: []common.Field{
			{Name: "name", Label: "Name", Required: true},
			{Name: "description", Label: "Description", Type: "textarea"},
			{Name: "category", Label: "Category"},
			{Name: "labor_cost", Label: "Labor cost", Type: "number", Step: "0.01"},
			{Name: "estimated_time_minutes", Label: "Estimated minutes", Type: "number", Step: "any"},
		},
	}
}

func subprocessInput(f *common.Form) (models.SubprocessInput, *validation.ValidationErrors) {
	ve := &validation.ValidationErrors{}
	in := models.SubprocessInput{
		Name:        f.Value("name"),
		Description: f.Value("description"),
		Category:    f.Value("category"),
		LaborCost:   validation.ParseFloatField(ve, "labor_cost", f.Value("labor_cost")),
		TimeMinutes: validation.ParseFloatField(ve, "estimated_time_minutes", f.Value("estimated_time_minutes")),
	}
	validation.RequireField(ve, "name", in.Name)
	validation.ValidateMaxLength(ve, "name", in.Name, 200)
	validation.ValidateNonNegativeFloat(ve, "labor_cost", in.LaborCost)
	validation.ValidateNonNegativeFloat(ve, "estimated_time_minutes", in.TimeMinutes)
	return in, ve
}

// NewSubprocess handles GET /upf/subprocesses/new.
func (h *Handler) NewSubprocess(w http.ResponseWriter, r *http.Request) {
	h.Render(w, r, http.StatusOK, "form", "New subprocess", subprocessForm("/upf/subprocesses", "New subprocess", "Create"))
}

// CreateSubprocess handles POST /upf/subprocesses.
func (h *Handler) CreateSubprocess(w http.ResponseWriter, r *http.Request) {
	form := subprocessForm("/upf/subprocesses", "New subprocess", "Create").Fill(common.PostForm(r))
	in, ve := subprocessInput(form)
	if ve.HasErrors() {
		h.Invalid(w, r, "form", "New subprocess", form, ve, "")
		return
	}
	if _, err := h.UPF.CreateSubprocess(r.Context(), in); err != nil {
		h.MutationFailed(w, r, "form", "New subprocess", form, err, "Failed to create subprocess")
		return
	}
	h.Redirect(w, r, "/upf/subprocesses", render.NoticeSuccess, "Subprocess created")
}

// EditSubprocess handles GET /upf/subprocesses/{id}/edit.
func (h *Handler) EditSubprocess(w http.ResponseWriter, r *http.Request) {
	id, ok := common.PathID(r, "id")
	if !ok {
		h.NotFound(w, r, "Subprocess not found")
		return
	}
	s, err := h.UPF.GetSubprocess(r.Context(), id)
	if err != nil {
		h.Fail(w, r, err, "Failed to load subprocess")
		return
	}
	form := subprocessForm("/upf/subprocesses/"+common.Itoa(id), "Edit "+s.Name, "Save").
		Set("name", s.Name).Set("description", s.Description).Set("category", s.Category).
		Set("labor_cost", s.LaborCost.String()).Set("estimated_time_minutes", common.Ftoa(s.TimeMinutes))
	h.Render(w, r, http.StatusOK, "form", "Edit subprocess", form)
}

// UpdateSubprocess handles POST /upf/subprocesses/{id}.
func (h *Handler) UpdateSubprocess(w http.ResponseWriter, r *http.Request) {
	id, ok := common.PathID(r, "id")
	if !ok {
		h.NotFound(w, r, "Subprocess not found")
		return
	}
	form := subprocessForm("/upf/subprocesses/"+common.Itoa(id), "Edit subprocess", "Save").Fill(common.PostForm(r))
	in, ve := subprocessInput(form)
	if ve.HasErrors() {
		h.Invalid(w, r, "form", "Edit subprocess", form, ve, "")
		return
	}
	if _, err := h.UPF.UpdateSubprocess(r.Context(), id, in); err != nil {
		h.MutationFailed(w, r, "form", "Edit subprocess", form, err, "Failed to update subprocess")
		return
	}
	h.Redirect(w, r, "/upf/subprocesses", render.NoticeSuccess, "Subprocess updated")
}

// DeleteSubprocess handles POST /upf/subprocesses/{id}/delete.
func (h *Handler) DeleteSubprocess(w http.ResponseWriter, r *http.Request) {
	id, ok := common.PathID(r, "id")
	if !ok {
		h.NotFound(w, r, "Subprocess not found")
		return
	}
	if err := h.UPF.DeleteSubprocess(r.Context(), id); err != nil {
		if h.Unauthorized(w, r, err) {
			return
		}
		h.Redirect(w, r, "/upf/subprocesses", render.NoticeError, apiclient.MessageOf(err, "Failed to delete subprocess"))
		return
	}
	h.Redirect(w, r, "/upf/subprocesses", render.NoticeSuccess, "Subprocess deleted")
}
