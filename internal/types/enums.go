package types

// TaskType identifies a plant-care task category. The set is closed; the
// task store enforces it at creation time, and the engine treats unknown
// values as a validation error.
type TaskType string

const (
	TaskWatering    TaskType = "watering"
	TaskFeeding     TaskType = "feeding"
	TaskInspection  TaskType = "inspection"
	TaskPruning     TaskType = "pruning"
	TaskHarvest     TaskType = "harvest"
	TaskTransplant  TaskType = "transplant"
	TaskTraining    TaskType = "training"
	TaskDefoliation TaskType = "defoliation"
	TaskFlushing    TaskType = "flushing"
)

// ValidTaskTypes is the authoritative set of task types accepted by the engine.
var ValidTaskTypes = map[TaskType]struct{}{
	TaskWatering:    {},
	TaskFeeding:     {},
	TaskInspection:  {},
	TaskPruning:     {},
	TaskHarvest:     {},
	TaskTransplant:  {},
	TaskTraining:    {},
	TaskDefoliation: {},
	TaskFlushing:    {},
}

// IsValid reports whether the task type is one of the known categories.
func (t TaskType) IsValid() bool {
	_, ok := ValidTaskTypes[t]
	return ok
}

// Priority determines notification urgency and delivery behavior.
// Critical priority bypasses batching and quiet-hours deferral.
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityMedium   Priority = "medium"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// IsValid reports whether the priority is one of the known levels.
func (p Priority) IsValid() bool {
	switch p {
	case PriorityLow, PriorityMedium, PriorityHigh, PriorityCritical:
		return true
	}
	return false
}

// DeliveryStatus enumerates all valid states for a notification delivery.
// Transitions are driven by transport callbacks and the retry coordinator:
//
//	scheduled -> sent -> delivered -> read
//	scheduled -> sent -> failed (after retries exhaust)
//	scheduled -> cancelled (caller cancel/reschedule)
type DeliveryStatus string

const (
	DeliveryStatusScheduled DeliveryStatus = "scheduled"
	DeliveryStatusSent      DeliveryStatus = "sent"
	DeliveryStatusDelivered DeliveryStatus = "delivered"
	DeliveryStatusRead      DeliveryStatus = "read"
	DeliveryStatusFailed    DeliveryStatus = "failed"
	DeliveryStatusCancelled DeliveryStatus = "cancelled"
)

// IsTerminal reports whether the status admits no further transitions.
func (s DeliveryStatus) IsTerminal() bool {
	switch s {
	case DeliveryStatusDelivered, DeliveryStatusRead, DeliveryStatusFailed, DeliveryStatusCancelled:
		return true
	}
	return false
}

// FailureReason classifies why a delivery attempt failed. The retry
// coordinator uses this taxonomy to decide between retry and terminal failure.
type FailureReason string

const (
	FailureNetworkError     FailureReason = "network_error"
	FailureDeviceOffline    FailureReason = "device_offline"
	FailurePermissionDenied FailureReason = "permission_denied"
	FailureQuotaExceeded    FailureReason = "quota_exceeded"
)

// EscalationSeverity classifies how far past due a task is, relative to the
// configured critical horizon.
type EscalationSeverity string

const (
	SeverityNone     EscalationSeverity = "none"
	SeverityModerate EscalationSeverity = "moderate"
	SeverityHigh     EscalationSeverity = "high"
	SeverityCritical EscalationSeverity = "critical"
)

// OverdueCategoryID is the notification category attached to escalation
// notifications so the client can route them to the overdue channel.
const OverdueCategoryID = "overdue_tasks"
