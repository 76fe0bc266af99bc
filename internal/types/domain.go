package types

import (
	"time"
)

// TaskNotificationConfig is the transient scheduling input built by the task
// layer from a task record. It is immutable once submitted; submitting a new
// config with the same TaskID supersedes the prior one (reschedule semantics).
// The engine reads it and never persists it directly.
type TaskNotificationConfig struct {
	TaskID            string    `json:"task_id" validate:"required"`
	PlantID           string    `json:"plant_id" validate:"required"`
	PlantName         string    `json:"plant_name"`
	TaskType          TaskType  `json:"task_type" validate:"required"`
	TaskTitle         string    `json:"task_title"`
	DueDate           time.Time `json:"due_date" validate:"required"`
	Priority          Priority  `json:"priority"`
	EstimatedDuration int       `json:"estimated_duration_minutes"` // minutes
	IsRecurring       bool      `json:"is_recurring"`
}

// NotificationSettings is the typed per-entry configuration that used to live
// in a JSON settings blob. Optional fields use pointers; nil means "use the
// engine default". Quiet-hours strings are HH:MM; malformed values disable
// quiet hours for the entry (fail open) rather than erroring.
type NotificationSettings struct {
	QuietHoursStart       string   `json:"quiet_hours_start,omitempty"`
	QuietHoursEnd         string   `json:"quiet_hours_end,omitempty"`
	AdvanceNoticeMinutes  int      `json:"advance_notice_minutes,omitempty"`
	MaxDailyNotifications *int     `json:"max_daily_notifications,omitempty"`
	Priority              Priority `json:"priority,omitempty"`
}

// Merge returns a copy of the settings with non-zero fields from other taking
// precedence. Zero values in other mean "no change"; field-level precedence
// is documented here rather than relying on ad-hoc map merges.
func (s NotificationSettings) Merge(other NotificationSettings) NotificationSettings {
	out := s
	if other.QuietHoursStart != "" {
		out.QuietHoursStart = other.QuietHoursStart
	}
	if other.QuietHoursEnd != "" {
		out.QuietHoursEnd = other.QuietHoursEnd
	}
	if other.AdvanceNoticeMinutes != 0 {
		out.AdvanceNoticeMinutes = other.AdvanceNoticeMinutes
	}
	if other.MaxDailyNotifications != nil {
		out.MaxDailyNotifications = other.MaxDailyNotifications
	}
	if other.Priority != "" {
		out.Priority = other.Priority
	}
	return out
}

// ScheduleEntry is the persisted recurrence state for one (plant, task-type)
// pair. Created when a recurring task is first scheduled, mutated on each
// send or skip, and soft-deleted when the owning task is removed.
//
// Invariants: SentCount <= MaxNotifications whenever the cap is set;
// NextNotification never moves backwards on a send.
type ScheduleEntry struct {
	ID               string               `db:"id"`
	PlantID          string               `db:"plant_id"`
	TaskType         TaskType             `db:"task_type"`
	NextNotification time.Time            `db:"next_notification"`
	IntervalHours    int                  `db:"interval_hours"` // positive, <= 8760
	MaxNotifications *int                 `db:"max_notifications"`
	SentCount        int                  `db:"sent_count"`
	IsActive         bool                 `db:"is_active"`
	Settings         NotificationSettings `db:"settings"`

	// Version backs the conditional-update (optimistic concurrency) path in
	// the store. Incremented on every successful write.
	Version   int        `db:"version"`
	CreatedAt time.Time  `db:"created_at"`
	UpdatedAt time.Time  `db:"updated_at"`
	DeletedAt *time.Time `db:"deleted_at"`
}

// IsDue reports whether the entry's next notification instant has passed.
func (e *ScheduleEntry) IsDue(now time.Time) bool {
	return e.IsActive && !e.NextNotification.After(now)
}

// ShouldSendNotification reports whether a due entry is still allowed to
// send: the entry must be active, due, and under its notification cap.
func (e *ScheduleEntry) ShouldSendNotification(now time.Time) bool {
	if !e.IsDue(now) {
		return false
	}
	if e.MaxNotifications != nil && e.SentCount >= *e.MaxNotifications {
		return false
	}
	return true
}

// AdvanceAfterSend recomputes NextNotification after a successful send and
// increments SentCount. NextNotification only ever moves forward: the next
// instant is computed from the later of the previous value and now.
func (e *ScheduleEntry) AdvanceAfterSend(now time.Time) {
	base := e.NextNotification
	if now.After(base) {
		base = now
	}
	e.NextNotification = base.Add(time.Duration(e.IntervalHours) * time.Hour)
	e.SentCount++
}

// DeliveryRecord tracks the lifecycle of one notification instance.
// Created when a delivery request is issued; transitions are driven
// exclusively by transport callbacks or the retry coordinator.
type DeliveryRecord struct {
	NotificationID string         `db:"notification_id"`
	TaskID         string         `db:"task_id"`
	Status         DeliveryStatus `db:"status"`
	Handle         string         `db:"transport_handle"`
	SentAt         *time.Time     `db:"sent_at"`
	DeliveredAt    *time.Time     `db:"delivered_at"`
	ReadAt         *time.Time     `db:"read_at"`
	RetryCount     int            `db:"retry_count"`
	FailureReason  string         `db:"failure_reason"`
	CreatedAt      time.Time      `db:"created_at"`
	UpdatedAt      time.Time      `db:"updated_at"`
}

// UserActivityProfile is read-only input from the preference store describing
// when a user historically engages with the app. The engine never mutates it.
type UserActivityProfile struct {
	UserID            string `json:"user_id"`
	MostActiveHours   []int  `json:"most_active_hours"` // hour-of-day, 0-23
	Timezone          string `json:"timezone"`
	WeekdayPreference bool   `json:"weekday_preference"`
}

// UserPreferences is the notification-relevant slice of the external
// preference store.
type UserPreferences struct {
	UserID                 string `json:"user_id"`
	QuietHoursStart        string `json:"quiet_hours_start"`
	QuietHoursEnd          string `json:"quiet_hours_end"`
	BatchingEnabled        bool   `json:"batching_enabled"`
	MaxBatchSize           int    `json:"max_batch_size"`
	ReminderAdvanceMinutes int    `json:"reminder_advance_minutes"`
}

// BatchMember is one task's contribution to a batch: the config plus the
// candidate delivery instant chosen for it.
type BatchMember struct {
	Config    TaskNotificationConfig `json:"config"`
	DeliverAt time.Time              `json:"deliver_at"`
}

// Batch is an ephemeral grouping of same-plant notifications falling within
// the batching window. It is materialized only at the moment of delivery
// request; its existence is fully derived from the set of pending configs.
type Batch struct {
	PlantID   string        `json:"plant_id"`
	PlantName string        `json:"plant_name"`
	Members   []BatchMember `json:"members"`
	DeliverAt time.Time     `json:"deliver_at"`
}

// TaskIDs returns the member task IDs in batch order.
func (b *Batch) TaskIDs() []string {
	ids := make([]string, len(b.Members))
	for i, m := range b.Members {
		ids[i] = m.Config.TaskID
	}
	return ids
}

// EscalationResult describes one overdue escalation decision produced by the
// overdue sweep.
type EscalationResult struct {
	TaskID       string             `json:"task_id"`
	PlantID      string             `json:"plant_id"`
	PlantName    string             `json:"plant_name"`
	TaskType     TaskType           `json:"task_type"`
	Severity     EscalationSeverity `json:"severity"`
	OverdueRatio float64            `json:"overdue_ratio"` // 0-100
	DaysOverdue  int                `json:"days_overdue"`  // floor
	Title        string             `json:"title"`
	Body         string             `json:"body"`
}

// DeliveryContent is the channel-agnostic payload handed to the transport.
// The engine owns wording; rendering belongs to the client.
type DeliveryContent struct {
	NotificationID string    `json:"notification_id"`
	TaskIDs        []string  `json:"task_ids"`
	PlantID        string    `json:"plant_id"`
	Title          string    `json:"title"`
	Body           string    `json:"body"`
	CategoryID     string    `json:"category_id,omitempty"`
	Priority       Priority  `json:"priority"`
	DeliverAt      time.Time `json:"deliver_at"`
}

// EngineStats is the aggregate counter snapshot exposed by the facade.
type EngineStats struct {
	ActiveBatches      int   `json:"active_batches"`
	OverdueEscalations int64 `json:"overdue_escalations"`
	CachedUserPatterns int   `json:"cached_user_patterns"`
	ScheduledTasks     int   `json:"scheduled_tasks"`
	FailedDeliveries   int64 `json:"failed_deliveries"`
}

// BatchOutcome summarizes a ScheduleMultiple call. Failures are collected
// per-config and returned, never thrown; successful configs still proceed.
type BatchOutcome struct {
	Scheduled int               `json:"scheduled"`
	Failed    int               `json:"failed"`
	Errors    map[string]string `json:"errors,omitempty"` // task_id -> reason
}
