package render

import (
	"fmt"
	"html/template"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"

	"upfweb/internal/models"
)

// Funcs returns the template helpers.
func Funcs() template.FuncMap {
	return template.FuncMap{
		"money":         Money,
		"qty":           Qty,
		"severityClass": SeverityClass,
		"statusBadge":   StatusBadge,
		"isAck":         func(a models.InventoryAlert) bool { return a.IsAcknowledged() },
		"join":          func(list []string, sep string) string { return strings.Join(list, sep) },
		"selected":      func(a, b any) template.HTMLAttr { return attrIf(a, b, "selected") },
		"checked":       func(a, b any) template.HTMLAttr { return attrIf(a, b, "checked") },
		"add":           func(a, b int) int { return a + b },
		"dict":          dict,
		"title":         humanize,
	}
}

// Money formats a cost with two decimals. It accepts decimals, floats,
// ints and numeric strings; anything else renders as "0.00".
func Money(v any) string {
	switch x := v.(type) {
	case decimal.Decimal:
		return x.StringFixed(2)
	case *decimal.Decimal:
		if x == nil {
			return "0.00"
		}
		return x.StringFixed(2)
	case float64:
		return decimal.NewFromFloat(x).StringFixed(2)
	case int:
		return decimal.NewFromInt(int64(x)).StringFixed(2)
	case string:
		d, err := decimal.NewFromString(strings.TrimSpace(x))
		if err != nil {
			return "0.00"
		}
		return d.StringFixed(2)
	}
	return "0.00"
}

// Qty formats a quantity without trailing zeros.
func Qty(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// SeverityClass maps an alert severity to its CSS class.
func SeverityClass(s string) string {
	switch strings.ToUpper(s) {
	case models.SeverityCritical:
		return "alert-critical"
	case models.SeverityWarning:
		return "alert-warning"
	}
	return "alert-info"
}

// StatusBadge maps a status value (lot, process, PO) to a badge class.
func StatusBadge(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return "badge badge-unknown"
	}
	return "badge badge-" + strings.ReplaceAll(s, " ", "_")
}

func attrIf(a, b any, attr string) template.HTMLAttr {
	if fmt.Sprint(a) == fmt.Sprint(b) {
		return template.HTMLAttr(attr)
	}
	return ""
}

// dict builds a map from alternating keys and values, for passing several
// values to a partial.
func dict(kv ...any) (map[string]any, error) {
	if len(kv)%2 != 0 {
		return nil, fmt.Errorf("dict: odd number of arguments")
	}
	m := make(map[string]any, len(kv)/2)
	for i := 0; i < len(kv); i += 2 {
		k, ok := kv[i].(string)
		if !ok {
			return nil, fmt.Errorf("dict: key %v is not a string", kv[i])
		}
		m[k] = kv[i+1]
	}
	return m, nil
}

// humanize turns in_progress into In progress.
func humanize(s string) string {
	s = strings.ReplaceAll(strings.TrimSpace(s), "_", " ")
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + strings.ToLower(s[1:])
}
