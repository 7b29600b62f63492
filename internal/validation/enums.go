package validation

// Enum values accepted by the upstream API. Legacy lot statuses are
// displayed but never offered in forms.
var (
	ValidLotStatuses    = []string{"draft", "in_progress", "completed", "cancelled"}
	LegacyLotStatuses   = []string{"Planning", "Ready", "In Progress", "Completed", "Cancelled"}
	ValidAlertActions   = []string{"PROCEED", "USE_SUBSTITUTE", "PARTIAL_FULFILLMENT", "DELAY", "CANCEL"}
	ValidPOStatuses     = []string{"draft", "ordered", "partially_received", "received", "cancelled"}
	ValidProcessClasses = []string{"assembly", "fabrication", "finishing", "packaging", "other"}
	ValidProcessStatus  = []string{"active", "inactive", "draft"}
)
