package lotdetail

import (
	"maps"
	"slices"

	"upfweb/internal/models"
	"upfweb/internal/variants"
)

// Phase is where the detail page is in its lifecycle.
type Phase int

const (
	Uninitialized Phase = iota
	Loading
	Ready
	EditingLot
	EditingSubprocessVariants
	Acknowledging
	Failed
)

func (p Phase) String() string {
	switch p {
	case Uninitialized:
		return "uninitialized"
	case Loading:
		return "loading"
	case Ready:
		return "ready"
	case EditingLot:
		return "editing_lot"
	case EditingSubprocessVariants:
		return "editing_subprocess_variants"
	case Acknowledging:
		return "acknowledging"
	case Failed:
		return "failed"
	}
	return "unknown"
}

// Notice kinds, rendered as toast classes.
const (
	NoticeSuccess = "success"
	NoticeError   = "error"
	NoticeWarning = "warning"
	NoticeInfo    = "info"
)

// Notice is a toast message queued for the next render.
type Notice struct {
	Kind    string
	Message string
}

// State is everything the detail page renders. Values returned by
// Store.State are copies and may be modified freely.
type State struct {
	Phase Phase
	LotID int
	Lot   *models.ProductionLot
	// Alerts is never nil once a load has completed.
	Alerts []models.InventoryAlert
	// VariantOptions is keyed by process subprocess id.
	VariantOptions map[int]variants.Options
	// Editing is the process subprocess id whose variants are being edited.
	Editing     int
	Notices     []Notice
	FieldErrors map[string]string
	Generation  uint64
	// Stale is set when a change event for this lot arrives after the last
	// load.
	Stale   bool
	Deleted bool
	Err     error
}

func (s State) clone() State {
	out := s
	if s.Lot != nil {
		lot := *s.Lot
		lot.Subprocesses = slices.Clone(s.Lot.Subprocesses)
		for i := range lot.Subprocesses {
			lot.Subprocesses[i].Variants = slices.Clone(lot.Subprocesses[i].Variants)
		}
		out.Lot = &lot
	}
	out.Alerts = slices.Clone(s.Alerts)
	out.Notices = slices.Clone(s.Notices)
	out.FieldErrors = maps.Clone(s.FieldErrors)
	out.VariantOptions = maps.Clone(s.VariantOptions)
	return out
}

// HasCriticalPending reports an unacknowledged CRITICAL alert.
func (s State) HasCriticalPending() bool {
	for _, a := range s.Alerts {
		if a.IsCritical() && !a.IsAcknowledged() {
			return true
		}
	}
	return false
}

// FinalizeDisabled reports whether the finalize action is unavailable:
// exactly when some CRITICAL alert is not acknowledged.
func FinalizeDisabled(s State) bool { return s.HasCriticalPending() }

// Alert returns the alert with id.
func (s State) Alert(id int) (models.InventoryAlert, bool) {
	for _, a := range s.Alerts {
		if a.AlertID == id {
			return a, true
		}
	}
	return models.InventoryAlert{}, false
}

// Reducer derives the next state from the current one. Reducers must not
// retain or mutate their argument's slices and maps.
type Reducer func(State) State

func notice(kind, msg string) Reducer {
	return func(s State) State {
		s.Notices = append(slices.Clone(s.Notices), Notice{Kind: kind, Message: msg})
		return s
	}
}

func phase(p Phase) Reducer {
	return func(s State) State {
		s.Phase = p
		return s
	}
}

func startLoad(gen uint64) Reducer {
	return func(s State) State {
		s.Phase = Loading
		s.Generation = gen
		s.Err = nil
		return s
	}
}

func loaded(gen uint64, lot models.ProductionLot, alerts []models.InventoryAlert) Reducer {
	return func(s State) State {
		if s.Generation != gen {
			return s
		}
		if alerts == nil {
			alerts = []models.InventoryAlert{}
		}
		s.Lot = &lot
		s.Alerts = alerts
		s.Phase = Ready
		s.Stale = false
		s.Editing = 0
		s.FieldErrors = nil
		return s
	}
}

func loadFailed(gen uint64, err error, msg string) Reducer {
	return func(s State) State {
		if s.Generation != gen {
			return s
		}
		s.Phase = Failed
		s.Err = err
		return notice(NoticeError, msg)(s)
	}
}

func enriched(gen uint64, opts map[int]variants.Options) Reducer {
	return func(s State) State {
		if s.Generation != gen || len(opts) == 0 {
			return s
		}
		merged := maps.Clone(s.VariantOptions)
		if merged == nil {
			merged = make(map[int]variants.Options, len(opts))
		}
		maps.Copy(merged, opts)
		s.VariantOptions = merged
		return s
	}
}

func cacheOptions(psid int, opts variants.Options) Reducer {
	return func(s State) State {
		merged := maps.Clone(s.VariantOptions)
		if merged == nil {
			merged = make(map[int]variants.Options)
		}
		merged[psid] = opts
		s.VariantOptions = merged
		return s
	}
}

func fieldErrors(fe map[string]string) Reducer {
	return func(s State) State {
		s.FieldErrors = maps.Clone(fe)
		return s
	}
}

// acknowledged flips exactly the given alerts to ACKNOWLEDGED in one pass.
func acknowledged(acks map[int]AckSelection) Reducer {
	return func(s State) State {
		alerts := slices.Clone(s.Alerts)
		for i, a := range alerts {
			ack, ok := acks[a.AlertID]
			if !ok {
				continue
			}
			a.Status = models.AlertAcknowledged
			a.UserAction = ack.UserAction
			a.ActionNotes = ack.ActionNotes
			alerts[i] = a
		}
		s.Alerts = alerts
		s.Phase = Ready
		return s
	}
}

func markStale(s State) State {
	s.Stale = true
	return s
}

func deleted(s State) State {
	s.Deleted = true
	s.Lot = nil
	s.Phase = Uninitialized
	return s
}
