package models

import (
	"encoding/json"
	"strings"

	"github.com/shopspring/decimal"
)

// Envelope is the {success, data, error, message} wrapper most upstream
// endpoints use. Some endpoints return bare arrays or objects instead.
type Envelope struct {
	Success *bool           `json:"success,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
	Error   string          `json:"error,omitempty"`
	Message string          `json:"message,omitempty"`
	Meta    *Meta           `json:"meta,omitempty"`
}

// Meta contains pagination metadata.
type Meta struct {
	Total int `json:"total,omitempty"`
	Page  int `json:"page,omitempty"`
	Limit int `json:"limit,omitempty"`
	Pages int `json:"pages,omitempty"`
}

// Page is one page of a server-paginated list.
type Page[T any] struct {
	Items []T
	Meta  Meta
}

// Production lot statuses. The legacy capitalized values still appear on
// older lots and are displayed as-is.
const (
	LotDraft      = "draft"
	LotInProgress = "in_progress"
	LotCompleted  = "completed"
	LotCancelled  = "cancelled"
	LotFinalized  = "finalized"
)

type ProductionLot struct {
	ID           int                          `json:"id"`
	LotNumber    string                       `json:"lot_number"`
	ProcessID    int                          `json:"process_id"`
	ProcessName  string                       `json:"process_name"`
	Quantity     float64                      `json:"quantity"`
	Status       string                       `json:"status"`
	Notes        string                       `json:"notes"`
	TotalCost    decimal.Decimal              `json:"total_cost"`
	CreatedAt    string                       `json:"created_at,omitempty"`
	UpdatedAt    string                       `json:"updated_at,omitempty"`
	Subprocesses []ProcessSubprocessSelection `json:"subprocesses"`
}

// IsLocked reports whether the lot is in a terminal status that no longer
// accepts edits.
func (l ProductionLot) IsLocked() bool {
	switch strings.ToLower(l.Status) {
	case LotCompleted, LotCancelled, LotFinalized:
		return true
	}
	return false
}

// Subprocess returns the selection with the given link id.
func (l ProductionLot) Subprocess(processSubprocessID int) (ProcessSubprocessSelection, bool) {
	for _, s := range l.Subprocesses {
		if s.ProcessSubprocessID == processSubprocessID {
			return s, true
		}
	}
	return ProcessSubprocessSelection{}, false
}

// ProcessSubprocessSelection is a subprocess instance attached to a lot.
// ProcessSubprocessID is the link id, SubprocessID the library template id.
type ProcessSubprocessSelection struct {
	ProcessSubprocessID int            `json:"process_subprocess_id"`
	SubprocessID        int            `json:"subprocess_id"`
	SubprocessName      string         `json:"subprocess_name"`
	SequenceOrder       int            `json:"sequence_order,omitempty"`
	Variants            []VariantUsage `json:"variants"`
}

type VariantUsage struct {
	VariantID   int             `json:"variant_id"`
	VariantName string          `json:"variant_name"`
	VariantSKU  string          `json:"variant_sku"`
	Quantity    float64         `json:"quantity"`
	CostPerUnit decimal.Decimal `json:"cost_per_unit"`
	GroupID     *int            `json:"group_id,omitempty"`
}

// Alert severities.
const (
	SeverityCritical = "CRITICAL"
	SeverityWarning  = "WARNING"
)

// AlertAcknowledged is the canonical acknowledged status.
const AlertAcknowledged = "ACKNOWLEDGED"

type InventoryAlert struct {
	AlertID              int     `json:"alert_id"`
	LotID                int     `json:"production_lot_id,omitempty"`
	Severity             string  `json:"severity"`
	VariantID            int     `json:"variant_id"`
	VariantName          string  `json:"variant_name"`
	CurrentStockQuantity float64 `json:"current_stock_quantity"`
	RequiredQuantity     float64 `json:"required_quantity"`
	ShortfallQuantity    float64 `json:"shortfall_quantity"`
	Status               string  `json:"status"`
	UserAction           string  `json:"user_action"`
	ActionNotes          string  `json:"action_notes"`
}

// IsAcknowledged accepts the canonical status and the legacy spellings
// older endpoints still return.
func (a InventoryAlert) IsAcknowledged() bool {
	switch strings.ToUpper(strings.TrimSpace(a.Status)) {
	case AlertAcknowledged, "RESOLVED":
		return true
	}
	return false
}

// IsCritical reports a CRITICAL severity, case-insensitively.
func (a InventoryAlert) IsCritical() bool {
	return strings.EqualFold(a.Severity, SeverityCritical)
}

type Process struct {
	ID              int             `json:"id"`
	Name            string          `json:"name"`
	Description     string          `json:"description"`
	ProcessClass    string          `json:"process_class"`
	Status          string          `json:"status"`
	WorstCaseCost   decimal.Decimal `json:"worst_case_cost"`
	SubprocessCount int             `json:"subprocess_count"`
	CreatedAt       string          `json:"created_at,omitempty"`
	UpdatedAt       string          `json:"updated_at,omitempty"`
}

type ProcessInput struct {
	Name         string `json:"name"`
	Description  string `json:"description"`
	ProcessClass string `json:"process_class"`
	Status       string `json:"status,omitempty"`
}

type Subprocess struct {
	ID           int             `json:"id"`
	Name         string          `json:"name"`
	Description  string          `json:"description"`
	Category     string          `json:"category"`
	LaborCost    decimal.Decimal `json:"labor_cost"`
	TimeMinutes  float64         `json:"estimated_time_minutes"`
	VersionCount int             `json:"version,omitempty"`
}

type SubprocessInput struct {
	Name        string  `json:"name"`
	Description string  `json:"description"`
	Category    string  `json:"category"`
	LaborCost   float64 `json:"labor_cost"`
	TimeMinutes float64 `json:"estimated_time_minutes"`
}

type LotInput struct {
	ProcessID int     `json:"process_id"`
	Quantity  float64 `json:"quantity"`
	Notes     string  `json:"notes"`
}

type LotUpdate struct {
	Quantity float64 `json:"quantity"`
	Status   string  `json:"status"`
	Notes    string  `json:"notes"`
}

// CostBreakdown is the worst-case costing of a process.
type CostBreakdown struct {
	ProcessID    int              `json:"process_id"`
	ProcessName  string           `json:"process_name"`
	Subprocesses []SubprocessCost `json:"subprocesses"`
	Totals       CostTotals       `json:"totals"`
}

type SubprocessCost struct {
	SubprocessName string          `json:"subprocess_name"`
	LaborCost      decimal.Decimal `json:"labor_cost"`
	MaterialCost   decimal.Decimal `json:"material_cost"`
	Total          decimal.Decimal `json:"total"`
}

type CostTotals struct {
	LaborCost     decimal.Decimal `json:"labor_cost"`
	MaterialCost  decimal.Decimal `json:"material_cost"`
	WorstCaseCost decimal.Decimal `json:"worst_case_cost"`
}

type Item struct {
	ID          int             `json:"id"`
	Name        string          `json:"name"`
	Model       string          `json:"model"`
	Variation   string          `json:"variation"`
	Description string          `json:"description"`
	ImagePath   string          `json:"image_path"`
	TotalStock  float64         `json:"total_stock"`
	CostPrice   decimal.Decimal `json:"cost_price"`
	Variants    []Variant       `json:"variants,omitempty"`
}

type Variant struct {
	ID        int     `json:"id"`
	ItemID    int     `json:"item_id"`
	Color     string  `json:"color"`
	Size      string  `json:"size"`
	SKU       string  `json:"sku"`
	Stock     float64 `json:"opening_stock"`
	Threshold float64 `json:"threshold"`
	Unit      string  `json:"unit"`
}

// ItemConflict is the 409 payload returned when a save would duplicate an
// existing item.
type ItemConflict struct {
	Conflict          bool   `json:"conflict"`
	Message           string `json:"message"`
	OriginalItemID    int    `json:"original_item_id"`
	ConflictingItemID int    `json:"conflicting_item_id"`
}

// MasterDataEntry is one row of a shared reference table (colors, sizes,
// models, variations).
type MasterDataEntry struct {
	ID   int    `json:"id"`
	Name string `json:"name"`
}

type Supplier struct {
	ID            int    `json:"id"`
	FirmName      string `json:"firm_name"`
	Address       string `json:"address"`
	GSTIN         string `json:"gstin"`
	ContactPerson string `json:"contact_person"`
	ContactPhone  string `json:"contact_phone"`
	ContactEmail  string `json:"contact_email"`
}

type PurchaseOrder struct {
	ID         int             `json:"id"`
	PONumber   string          `json:"po_number"`
	SupplierID int             `json:"supplier_id"`
	Supplier   string          `json:"supplier_name"`
	OrderDate  string          `json:"order_date"`
	Status     string          `json:"status"`
	Notes      string          `json:"notes"`
	Total      decimal.Decimal `json:"total_amount"`
	Lines      []POLine        `json:"items,omitempty"`
}

type POLine struct {
	ID        int             `json:"id,omitempty"`
	VariantID int             `json:"variant_id"`
	Variant   string          `json:"variant_name,omitempty"`
	Quantity  float64         `json:"quantity"`
	Rate      decimal.Decimal `json:"rate"`
	Received  float64         `json:"received_quantity,omitempty"`
}

type StockReceipt struct {
	ID           int           `json:"id"`
	PurchaseID   int           `json:"purchase_order_id"`
	ReceivedDate string        `json:"received_date"`
	Notes        string        `json:"notes"`
	Lines        []ReceiptLine `json:"items"`
}

type ReceiptLine struct {
	VariantID int     `json:"variant_id"`
	Quantity  float64 `json:"quantity"`
}
