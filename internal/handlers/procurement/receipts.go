package procurement

import (
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"upfweb/internal/apiclient"
	"upfweb/internal/handlers/common"
	"upfweb/internal/models"
	"upfweb/internal/render"
	"upfweb/internal/validation"
)

// ReceiptLineRow is one order line on the receipt form.
type ReceiptLineRow struct {
	VariantID int
	Variant   string
	Ordered   float64
	Received  float64
	Value     string
}

// Remaining is what is still expected for the line.
func (l ReceiptLineRow) Remaining() float64 {
	if l.Received >= l.Ordered {
		return 0
	}
	return l.Ordered - l.Received
}

// ReceiptPage is the data of the receipt form.
type ReceiptPage struct {
	Order models.PurchaseOrder
	Lines []ReceiptLineRow
	Date  string
	Notes string
	Error string
}

// ReceiptInput is the body of a stock receipt.
type ReceiptInput struct {
	PurchaseOrderID int                  `json:"purchase_order_id"`
	ReceivedDate    string               `json:"received_date"`
	Notes           string               `json:"notes"`
	Lines           []models.ReceiptLine `json:"items"`
}

func receiptLines(po models.PurchaseOrder) []ReceiptLineRow {
	rows := make([]ReceiptLineRow, 0, len(po.Lines))
	for _, l := range po.Lines {
		row := ReceiptLineRow{VariantID: l.VariantID, Variant: l.Variant, Ordered: l.Quantity, Received: l.Received}
		if row.Variant == "" {
			row.Variant = "Variant " + strconv.Itoa(l.VariantID)
		}
		row.Value = common.Ftoa(row.Remaining())
		rows = append(rows, row)
	}
	return rows
}

// ParseReceipt reads qty_<variant id> for every order line. Quantities must
// be non-negative and may not exceed what is still expected; at least one
// must be positive.
func ParseReceipt(rows []ReceiptLineRow, form url.Values) ([]models.ReceiptLine, []string) {
	var (
		lines []models.ReceiptLine
		errs  []string
	)
	for i := range rows {
		raw := strings.TrimSpace(form.Get(fmt.Sprintf("qty_%d", rows[i].VariantID)))
		rows[i].Value = raw
		if raw == "" {
			continue
		}
		q, err := strconv.ParseFloat(raw, 64)
		switch {
		case err != nil || q < 0:
			errs = append(errs, rows[i].Variant+": quantity must be a non-negative number")
		case q > rows[i].Remaining():
			errs = append(errs, fmt.Sprintf("%s: only %s remaining", rows[i].Variant, common.Ftoa(rows[i].Remaining())))
		case q > 0:
			lines = append(lines, models.ReceiptLine{VariantID: rows[i].VariantID, Quantity: q})
		}
	}
	if len(errs) == 0 && len(lines) == 0 {
		errs = append(errs, "enter a quantity for at least one line")
	}
	return lines, errs
}

func (h *Handler) receiptOrder(w http.ResponseWriter, r *http.Request) (models.PurchaseOrder, bool) {
	id, ok := common.PathID(r, "id")
	if !ok {
		h.NotFound(w, r, "Purchase order not found")
		return models.PurchaseOrder{}, false
	}
	po, err := h.getOrder(r.Context(), id)
	if err != nil {
		h.Fail(w, r, err, "Failed to load purchase order")
		return po, false
	}
	return po, true
}

// NewReceipt handles GET /procurement/purchase-orders/{id}/receive.
func (h *Handler) NewReceipt(w http.ResponseWriter, r *http.Request) {
	po, ok := h.receiptOrder(w, r)
	if !ok {
		return
	}
	h.Render(w, r, http.StatusOK, "receipt_form", "Receive stock", ReceiptPage{
		Order: po,
		Lines: receiptLines(po),
		Date:  time.Now().Format(time.DateOnly),
	})
}

// CreateReceipt handles POST /procurement/purchase-orders/{id}/receive.
func (h *Handler) CreateReceipt(w http.ResponseWriter, r *http.Request) {
	po, ok := h.receiptOrder(w, r)
	if !ok {
		return
	}
	form := common.PostForm(r)
	page := ReceiptPage{
		Order: po,
		Lines: receiptLines(po),
		Date:  strings.TrimSpace(form.Get("received_date")),
		Notes: strings.TrimSpace(form.Get("notes")),
	}
	lines, errs := ParseReceipt(page.Lines, form)
	if _, err := time.Parse(time.DateOnly, page.Date); err != nil {
		errs = append([]string{"received date must be a date (YYYY-MM-DD)"}, errs...)
	}
	ve := &validation.ValidationErrors{}
	validation.ValidateMaxLength(ve, "notes", page.Notes, validation.MaxNotesLength)
	if ve.HasErrors() {
		errs = append(errs, ve.Error())
	}
	if len(errs) > 0 {
		page.Error = strings.Join(errs, "; ")
		h.Render(w, r, http.StatusUnprocessableEntity, "receipt_form", "Receive stock", page,
			render.Notice{Kind: render.NoticeError, Message: "The receipt was not recorded"})
		return
	}
	in := ReceiptInput{PurchaseOrderID: po.ID, ReceivedDate: page.Date, Notes: page.Notes, Lines: lines}
	if err := h.API.Post(r.Context(), "stock-receipts", in, nil); err != nil {
		if h.Unauthorized(w, r, err) {
			return
		}
		page.Error = apiclient.MessageOf(err, "Failed to record receipt")
		h.Render(w, r, http.StatusUnprocessableEntity, "receipt_form", "Receive stock", page,
			render.Notice{Kind: render.NoticeError, Message: page.Error})
		return
	}
	h.publish("purchase_order", "received", po.ID)
	for _, l := range lines {
		h.publish("variant", "updated", l.VariantID)
	}
	h.Redirect(w, r, "/procurement/purchase-orders/"+common.Itoa(po.ID), render.NoticeSuccess,
		fmt.Sprintf("Received %d line(s)", len(lines)))
}
