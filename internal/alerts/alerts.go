// Package alerts builds the inventory alert panel shared by the lot detail
// page and the standalone alert view.
package alerts

import (
	"net/url"
	"sort"
	"strconv"
	"strings"

	"upfweb/internal/lotdetail"
	"upfweb/internal/models"
)

// Summary counts a lot's alerts.
type Summary struct {
	Total           int
	Critical        int
	Warning         int
	Acknowledged    int
	Pending         int
	CriticalPending int
}

// Summarize counts alerts by severity and status.
func Summarize(alerts []models.InventoryAlert) Summary {
	var s Summary
	for _, a := range alerts {
		s.Total++
		switch {
		case a.IsCritical():
			s.Critical++
		case strings.EqualFold(a.Severity, models.SeverityWarning):
			s.Warning++
		}
		if a.IsAcknowledged() {
			s.Acknowledged++
			continue
		}
		s.Pending++
		if a.IsCritical() {
			s.CriticalPending++
		}
	}
	return s
}

// BlocksFinalize reports pending critical alerts.
func (s Summary) BlocksFinalize() bool { return s.CriticalPending > 0 }

// Row is one table row. Acknowledged alerts are disabled and cannot be
// selected for bulk acknowledgment.
type Row struct {
	models.InventoryAlert
	Disabled bool
	Checked  bool
}

// Rows orders alerts critical first, pending before acknowledged, then by
// id, and marks disabled rows. checked preselects pending alerts.
func Rows(alerts []models.InventoryAlert, checked map[int]bool) []Row {
	rows := make([]Row, 0, len(alerts))
	for _, a := range alerts {
		ack := a.IsAcknowledged()
		rows = append(rows, Row{InventoryAlert: a, Disabled: ack, Checked: !ack && checked[a.AlertID]})
	}
	sort.SliceStable(rows, func(i, j int) bool {
		a, b := rows[i], rows[j]
		if a.IsCritical() != b.IsCritical() {
			return a.IsCritical()
		}
		if a.Disabled != b.Disabled {
			return !a.Disabled
		}
		return a.AlertID < b.AlertID
	})
	return rows
}

// ParseBulkForm reads the bulk acknowledgment form: the checked ids in
// alert_ids and per-row action_<id> and notes_<id>. Ids are returned in
// form order without duplicates.
func ParseBulkForm(form url.Values) []lotdetail.AckSelection {
	var out []lotdetail.AckSelection
	seen := make(map[int]bool)
	for _, raw := range form["alert_ids"] {
		for _, part := range strings.Split(raw, ",") {
			id, err := strconv.Atoi(strings.TrimSpace(part))
			if err != nil || id <= 0 || seen[id] {
				continue
			}
			seen[id] = true
			key := strconv.Itoa(id)
			out = append(out, lotdetail.AckSelection{
				AlertID:     id,
				UserAction:  strings.ToUpper(strings.TrimSpace(form.Get("action_" + key))),
				ActionNotes: strings.TrimSpace(form.Get("notes_" + key)),
			})
		}
	}
	return out
}
