package procurement

import (
	"fmt"
	"net/http"
	"regexp"
	"strings"

	"upfweb/internal/apiclient"
	"upfweb/internal/handlers/common"
	"upfweb/internal/models"
	"upfweb/internal/render"
	"upfweb/internal/validation"
)

var gstinPattern = regexp.MustCompile(`^[0-9A-Z]{15}$`)

// SuppliersPage is the data of the supplier list.
type SuppliersPage struct {
	Query     string
	Suppliers []models.Supplier
}

// MatchSupplier reports whether q occurs, case-insensitively, in the firm
// name, contact person, email or GSTIN.
func MatchSupplier(s models.Supplier, q string) bool {
	q = strings.ToLower(strings.TrimSpace(q))
	if q == "" {
		return true
	}
	for _, f := range []string{s.FirmName, s.ContactPerson, s.ContactEmail, s.GSTIN} {
		if strings.Contains(strings.ToLower(f), q) {
			return true
		}
	}
	return false
}

// ListSuppliers handles GET /procurement/suppliers.
func (h *Handler) ListSuppliers(w http.ResponseWriter, r *http.Request) {
	all, err := h.listSuppliers(r.Context())
	if err != nil {
		h.Fail(w, r, err, "Failed to load suppliers")
		return
	}
	q := strings.TrimSpace(r.URL.Query().Get("q"))
	kept := make([]models.Supplier, 0, len(all))
	for _, s := range all {
		if MatchSupplier(s, q) {
			kept = append(kept, s)
		}
	}
	h.Render(w, r, http.StatusOK, "suppliers", "Suppliers", SuppliersPage{Query: q, Suppliers: kept})
}

func supplierForm(action, heading, submit string) *common.Form {
	return &common.Form{
		Heading: heading,
		Action:  action,
		Submit:  submit,
		Cancel:  "/procurement/suppliers",
		Fields: []common.Field{
			{Name: "firm_name", Label: "Firm name", Required: true},
			{Name: "address", Label: "Address", Type: "textarea"},
			{Name: "gstin", Label: "GSTIN"},
			{Name: "contact_person", Label: "Contact person"},
			{Name: "contact_phone", Label: "Phone", Type: "tel"},
			{Name: "contact_email", Label: "Email", Type: "email"},
		},
	}
}

func supplierInput(f *common.Form) (models.Supplier, *validation.ValidationErrors) {
	s := models.Supplier{
		FirmName:      f.Value("firm_name"),
		Address:       f.Value("address"),
		GSTIN:         strings.ToUpper(f.Value("gstin")),
		ContactPerson: f.Value("contact_person"),
		ContactPhone:  f.Value("contact_phone"),
		ContactEmail:  f.Value("contact_email"),
	}
	ve := &validation.ValidationErrors{}
	validation.RequireField(ve, "firm_name", s.FirmName)
	validation.ValidateMaxLength(ve, "firm_name", s.FirmName, 200)
	if s.GSTIN != "" && !gstinPattern.MatchString(s.GSTIN) {
		ve.Add("gstin", "must be 15 letters or digits")
	}
	if s.ContactEmail != "" && !strings.Contains(s.ContactEmail, "@") {
		ve.Add("contact_email", "must be an email address")
	}
	return s, ve
}

// NewSupplier handles GET /procurement/suppliers/new.
func (h *Handler) NewSupplier(w http.ResponseWriter, r *http.Request) {
	h.Render(w, r, http.StatusOK, "form", "New supplier", supplierForm("/procurement/suppliers", "New supplier", "Create"))
}

// CreateSupplier handles POST /procurement/suppliers.
func (h *Handler) CreateSupplier(w http.ResponseWriter, r *http.Request) {
	form := supplierForm("/procurement/suppliers", "New supplier", "Create").Fill(common.PostForm(r))
	in, ve := supplierInput(form)
	if ve.HasErrors() {
		h.Invalid(w, r, "form", "New supplier", form, ve, "")
		return
	}
	var out models.Supplier
	if err := h.API.Post(r.Context(), "suppliers", in, &out); err != nil {
		h.MutationFailed(w, r, "form", "New supplier", form, err, "Failed to create supplier")
		return
	}
	h.publish("supplier", "created", out.ID)
	h.Redirect(w, r, "/procurement/suppliers", render.NoticeSuccess, "Supplier created")
}

// EditSupplier handles GET /procurement/suppliers/{id}/edit.
func (h *Handler) EditSupplier(w http.ResponseWriter, r *http.Request) {
	id, ok := common.PathID(r, "id")
	if !ok {
		h.NotFound(w, r, "Supplier not found")
		return
	}
	var s models.Supplier
	if err := h.API.Get(r.Context(), fmt.Sprintf("suppliers/%d", id), &s); err != nil {
		h.Fail(w, r, err, "Failed to load supplier")
		return
	}
	form := supplierForm("/procurement/suppliers/"+common.Itoa(id), "Edit "+s.FirmName, "Save").
		Set("firm_name", s.FirmName).Set("address", s.Address).Set("gstin", s.GSTIN).
		Set("contact_person", s.ContactPerson).Set("contact_phone", s.ContactPhone).
		Set("contact_email", s.ContactEmail)
	h.Render(w, r, http.StatusOK, "form", "Edit supplier", form)
}

// UpdateSupplier handles POST /procurement/suppliers/{id}.
func (h *Handler) UpdateSupplier(w http.ResponseWriter, r *http.Request) {
	id, ok := common.PathID(r, "id")
	if !ok {
		h.NotFound(w, r, "Supplier not found")
		return
	}
	form := supplierForm("/procurement/suppliers/"+common.Itoa(id), "Edit supplier", "Save").Fill(common.PostForm(r))
	in, ve := supplierInput(form)
	if ve.HasErrors() {
		h.Invalid(w, r, "form", "Edit supplier", form, ve, "")
		return
	}
	if err := h.API.Put(r.Context(), fmt.Sprintf("suppliers/%d", id), in, nil); err != nil {
		h.MutationFailed(w, r, "form", "Edit supplier", form, err, "Failed to update supplier")
		return
	}
	h.publish("supplier", "updated", id)
	h.Redirect(w, r, "/procurement/suppliers", render.NoticeSuccess, "Supplier updated")
}

// DeleteSupplier handles POST /procurement/suppliers/{id}/delete.
func (h *Handler) DeleteSupplier(w http.ResponseWriter, r *http.Request) {
	id, ok := common.PathID(r, "id")
	if !ok {
		h.NotFound(w, r, "Supplier not found")
		return
	}
	if err := h.API.Delete(r.Context(), fmt.Sprintf("suppliers/%d", id), nil); err != nil {
		if h.Unauthorized(w, r, err) {
			return
		}
		h.Redirect(w, r, "/procurement/suppliers", render.NoticeError, apiclient.MessageOf(err, "Failed to delete supplier"))
		return
	}
	h.publish("supplier", "deleted", id)
	h.Redirect(w, r, "/procurement/suppliers", render.NoticeSuccess, "Supplier deleted")
}
