package procurement

import (
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"upfweb/internal/apiclient"
	"upfweb/internal/handlers/common"
	"upfweb/internal/models"
	"upfweb/internal/render"
	"upfweb/internal/validation"
)

// blankLines is how many empty line rows the order form offers.
const blankLines = 3

// OrdersPage is the data of the purchase order list.
type OrdersPage struct {
	Status   string
	Statuses []string
	Orders   []models.PurchaseOrder
}

// ListOrders handles GET /procurement/purchase-orders.
func (h *Handler) ListOrders(w http.ResponseWriter, r *http.Request) {
	status := strings.TrimSpace(r.URL.Query().Get("status"))
	var orders []models.PurchaseOrder
	req := apiclient.Request{Path: "purchase-orders", Out: &orders}
	if status != "" {
		req.Query = url.Values{"status": {status}}
	}
	if err := h.API.Do(r.Context(), req); err != nil {
		h.Fail(w, r, err, "Failed to load purchase orders")
		return
	}
	h.Render(w, r, http.StatusOK, "purchase_orders", "Purchase orders", OrdersPage{
		Status:   status,
		Statuses: validation.ValidPOStatuses,
		Orders:   orders,
	})
}

// OrderPage is the data of the purchase order detail page.
type OrderPage struct {
	Order    models.PurchaseOrder
	Receipts []models.StockReceipt
}

// ShowOrder handles GET /procurement/purchase-orders/{id}. A receipt
// failure leaves the receipt list empty.
func (h *Handler) ShowOrder(w http.ResponseWriter, r *http.Request) {
	id, ok := common.PathID(r, "id")
	if !ok {
		h.NotFound(w, r, "Purchase order not found")
		return
	}
	po, err := h.getOrder(r.Context(), id)
	if err != nil {
		h.Fail(w, r, err, "Failed to load purchase order")
		return
	}
	receipts, err := h.listReceipts(r.Context(), id)
	if err != nil {
		if h.Unauthorized(w, r, err) {
			return
		}
		h.Logger(r).Warn("receipts unavailable", zap.Int("purchase_order_id", id), zap.Error(err))
	}
	h.Render(w, r, http.StatusOK, "po_detail", "Purchase order "+po.PONumber, OrderPage{Order: po, Receipts: receipts})
}

// LineRow is one editable order line as posted.
type LineRow struct {
	VariantID string
	Quantity  string
	Rate      string
}

// OrderFormPage is the data of the purchase order form.
type OrderFormPage struct {
	Header     *common.Form
	Lines      []LineRow
	Variants   []common.Option
	LinesError string
}

// OrderInput is the body of a purchase order save.
type OrderInput struct {
	SupplierID int           `json:"supplier_id"`
	OrderDate  string        `json:"order_date"`
	Status     string        `json:"status"`
	Notes      string        `json:"notes"`
	Lines      []OrderLineIn `json:"items"`
}

// OrderLineIn is one line of an OrderInput.
type OrderLineIn struct {
	VariantID int             `json:"variant_id"`
	Quantity  float64         `json:"quantity"`
	Rate      decimal.Decimal `json:"rate"`
}

// orderPage loads suppliers and variants for the form. Either failing
// leaves its choice list empty.
func (h *Handler) orderPage(r *http.Request, action, heading, submit string) *OrderFormPage {
	var (
		suppliers []models.Supplier
		choices   []common.Option
	)
	g, ctx := errgroup.WithContext(r.Context())
	g.Go(func() error {
		var err error
		suppliers, err = h.listSuppliers(ctx)
		return err
	})
	g.Go(func() error {
		var err error
		choices, err = h.variantChoices(ctx)
		return err
	})
	if err := g.Wait(); err != nil {
		h.Logger(r).Warn("order form choices unavailable", zap.Error(err))
	}
	supplierOpts := make([]common.Option, 0, len(suppliers))
	for _, s := range suppliers {
		supplierOpts = append(supplierOpts, common.Option{Value: strconv.Itoa(s.ID), Label: s.FirmName})
	}
	return &OrderFormPage{
		Header: &common.Form{
			Heading: heading,
			Action:  action,
			Submit:  submit,
			Fields: []common.Field{
				{Name: "supplier_id", Label: "Supplier", Type: "select", Options: supplierOpts, Required: true},
				{Name: "order_date", Label: "Order date", Type: "date", Required: true},
				{Name: "status", Label: "Status", Type: "select", Options: common.Options(validation.ValidPOStatuses...), Required: true},
				{Name: "notes", Label: "Notes", Type: "textarea"},
			},
		},
		Variants: choices,
	}
}

func (p *OrderFormPage) padLines() {
	for i := 0; i < blankLines; i++ {
		p.Lines = append(p.Lines, LineRow{})
	}
}

// ParseLines reads the parallel line_variant, line_quantity and line_rate
// fields. Rows left entirely blank are skipped; at least one line is
// required.
func ParseLines(form map[string][]string) ([]LineRow, []OrderLineIn, string) {
	vs, qs, rs := form["line_variant"], form["line_quantity"], form["line_rate"]
	n := max(len(vs), len(qs), len(rs))
	at := func(list []string, i int) string {
		if i < len(list) {
			return strings.TrimSpace(list[i])
		}
		return ""
	}
	var (
		rows  []LineRow
		lines []OrderLineIn
		errs  []string
	)
	seen := make(map[int]bool)
	for i := 0; i < n; i++ {
		row := LineRow{VariantID: at(vs, i), Quantity: at(qs, i), Rate: at(rs, i)}
		if row == (LineRow{}) {
			continue
		}
		rows = append(rows, row)
		num := len(rows)
		vid, err := strconv.Atoi(row.VariantID)
		if err != nil || vid <= 0 {
			errs = append(errs, fmt.Sprintf("line %d: choose a variant", num))
			continue
		}
		if seen[vid] {
			errs = append(errs, fmt.Sprintf("line %d: variant is already on the order", num))
			continue
		}
		seen[vid] = true
		qty, err := strconv.ParseFloat(row.Quantity, 64)
		if err != nil || qty <= 0 {
			errs = append(errs, fmt.Sprintf("line %d: quantity must be positive", num))
			continue
		}
		rate, err := decimal.NewFromString(row.Rate)
		if err != nil || rate.IsNegative() {
			errs = append(errs, fmt.Sprintf("line %d: rate must be a non-negative number", num))
			continue
		}
		lines = append(lines, OrderLineIn{VariantID: vid, Quantity: qty, Rate: rate})
	}
	if len(rows) == 0 {
		errs = append(errs, "add at least one line")
	}
	return rows, lines, strings.Join(errs, "; ")
}

func orderInput(f *common.Form, lines []OrderLineIn) (OrderInput, *validation.ValidationErrors) {
	ve := &validation.ValidationErrors{}
	in := OrderInput{
		SupplierID: validation.ParseIntField(ve, "supplier_id", f.Value("supplier_id")),
		OrderDate:  f.Value("order_date"),
		Status:     f.Value("status"),
		Notes:      f.Value("notes"),
		Lines:      lines,
	}
	validation.ValidatePositiveInt(ve, "supplier_id", in.SupplierID)
	if _, err := time.Parse(time.DateOnly, in.OrderDate); err != nil {
		ve.Add("order_date", "must be a date (YYYY-MM-DD)")
	}
	validation.ValidateEnum(ve, "status", in.Status, validation.ValidPOStatuses)
	validation.ValidateMaxLength(ve, "notes", in.Notes, validation.MaxNotesLength)
	return in, ve
}

// NewOrder handles GET /procurement/purchase-orders/new.
func (h *Handler) NewOrder(w http.ResponseWriter, r *http.Request) {
	page := h.orderPage(r, "/procurement/purchase-orders", "New purchase order", "Create")
	page.Header.Set("order_date", time.Now().Format(time.DateOnly)).Set("status", "draft")
	page.padLines()
	h.Render(w, r, http.StatusOK, "po_form", "New purchase order", page)
}

// EditOrder handles GET /procurement/purchase-orders/{id}/edit.
func (h *Handler) EditOrder(w http.ResponseWriter, r *http.Request) {
	id, ok := common.PathID(r, "id")
	if !ok {
		h.NotFound(w, r, "Purchase order not found")
		return
	}
	po, err := h.getOrder(r.Context(), id)
	if err != nil {
		h.Fail(w, r, err, "Failed to load purchase order")
		return
	}
	page := h.orderPage(r, "/procurement/purchase-orders/"+common.Itoa(id), "Edit "+po.PONumber, "Save")
	page.Header.Set("supplier_id", common.Itoa(po.SupplierID)).Set("order_date", po.OrderDate).
		Set("status", po.Status).Set("notes", po.Notes)
	for _, l := range po.Lines {
		page.Lines = append(page.Lines, LineRow{VariantID: strconv.Itoa(l.VariantID), Quantity: common.Ftoa(l.Quantity), Rate: l.Rate.StringFixed(2)})
	}
	page.padLines()
	h.Render(w, r, http.StatusOK, "po_form", "Edit purchase order", page)
}

// saveOrder validates the posted order and sends it with method to path.
// It returns the saved order id; ok is false when the response has been
// written.
func (h *Handler) saveOrder(w http.ResponseWriter, r *http.Request, page *OrderFormPage, method, path string) (id int, ok bool) {
	form := common.PostForm(r)
	page.Header.Fill(form)
	rows, lines, linesErr := ParseLines(form)
	in, ve := orderInput(page.Header, lines)
	page.Lines = rows
	page.LinesError = linesErr
	if ve.HasErrors() || linesErr != "" {
		page.Header.SetErrors(ve.ByField())
		page.padLines()
		msg := "Please correct the highlighted fields"
		h.Render(w, r, http.StatusUnprocessableEntity, "po_form", page.Header.Heading, page, render.Notice{Kind: render.NoticeError, Message: msg})
		return 0, false
	}
	var out models.PurchaseOrder
	if err := h.API.Do(r.Context(), apiclient.Request{Method: method, Path: path, Body: in, Out: &out}); err != nil {
		if h.Unauthorized(w, r, err) {
			return 0, false
		}
		h.Logger(r).Warn("saving purchase order failed", zap.Error(err))
		page.Header.SetErrors(validation.FromAPIError(err).ByField())
		page.padLines()
		h.Render(w, r, http.StatusUnprocessableEntity, "po_form", page.Header.Heading, page,
			render.Notice{Kind: render.NoticeError, Message: apiclient.MessageOf(err, "Failed to save purchase order")})
		return 0, false
	}
	return out.ID, true
}

// CreateOrder handles POST /procurement/purchase-orders.
func (h *Handler) CreateOrder(w http.ResponseWriter, r *http.Request) {
	page := h.orderPage(r, "/procurement/purchase-orders", "New purchase order", "Create")
	id, ok := h.saveOrder(w, r, page, http.MethodPost, "purchase-orders")
	if !ok {
		return
	}
	h.publish("purchase_order", "created", id)
	target := "/procurement/purchase-orders"
	if id > 0 {
		target += "/" + common.Itoa(id)
	}
	h.Redirect(w, r, target, render.NoticeSuccess, "Purchase order created")
}

// UpdateOrder handles POST /procurement/purchase-orders/{id}.
func (h *Handler) UpdateOrder(w http.ResponseWriter, r *http.Request) {
	id, ok := common.PathID(r, "id")
	if !ok {
		h.NotFound(w, r, "Purchase order not found")
		return
	}
	page := h.orderPage(r, "/procurement/purchase-orders/"+common.Itoa(id), "Edit purchase order", "Save")
	if _, ok := h.saveOrder(w, r, page, http.MethodPut, fmt.Sprintf("purchase-orders/%d", id)); !ok {
		return
	}
	h.publish("purchase_order", "updated", id)
	h.Redirect(w, r, "/procurement/purchase-orders/"+common.Itoa(id), render.NoticeSuccess, "Purchase order updated")
}

// DeleteOrder handles POST /procurement/purchase-orders/{id}/delete.
func (h *Handler) DeleteOrder(w http.ResponseWriter, r *http.Request) {
	id, ok := common.PathID(r, "id")
	if !ok {
		h.NotFound(w, r, "Purchase order not found")
		return
	}
	if err := h.API.Delete(r.Context(), fmt.Sprintf("purchase-orders/%d", id), nil); err != nil {
		if h.Unauthorized(w, r, err) {
			return
		}
		h.Redirect(w, r, "/procurement/purchase-orders", render.NoticeError, apiclient.MessageOf(err, "Failed to delete purchase order"))
		return
	}
	h.publish("purchase_order", "deleted", id)
	h.Redirect(w, r, "/procurement/purchase-orders", render.NoticeSuccess, "Purchase order deleted")
}
