package types

import (
	"context"
	"time"
)

// Clock abstracts time for testability.
type Clock interface {
	Now() time.Time
}

// RealClock implements Clock using the real system time (always UTC).
type RealClock struct{}

// Now returns the current time in UTC.
func (RealClock) Now() time.Time { return time.Now().UTC() }

// Logger defines the structured logging interface used throughout the engine.
type Logger interface {
	Info(msg string, args ...any)
	Error(msg string, args ...any)
	Warn(msg string, args ...any)
	With(args ...any) Logger
}

// ScheduleEntryRepository provides persistence for ScheduleEntry rows.
// Update uses a version-conditional write so concurrent writers can detect
// lost updates (the engine retries under the per-task lock).
type ScheduleEntryRepository interface {
	Get(ctx context.Context, plantID string, taskType TaskType) (*ScheduleEntry, error)
	GetByTask(ctx context.Context, taskID string) (*ScheduleEntry, error)
	Upsert(ctx context.Context, entry *ScheduleEntry) error
	// Update writes the entry only if the stored version matches
	// entry.Version; on success entry.Version is incremented.
	Update(ctx context.Context, entry *ScheduleEntry) error
	// SoftDelete marks the entry deleted without removing the row. Retention
	// cleanup purges it later.
	SoftDelete(ctx context.Context, plantID string, taskType TaskType) error
	ListDue(ctx context.Context, before time.Time, limit int) ([]*ScheduleEntry, error)
	CountActive(ctx context.Context) (int, error)
	// PurgeDeleted hard-deletes soft-deleted entries older than the cutoff.
	PurgeDeleted(ctx context.Context, cutoff time.Time) (int64, error)
}

// DeliveryRecordRepository provides persistence for DeliveryRecord rows.
type DeliveryRecordRepository interface {
	Create(ctx context.Context, rec *DeliveryRecord) error
	Get(ctx context.Context, notificationID string) (*DeliveryRecord, error)
	// ListByHandle returns every record sharing a transport handle (batch
	// members are delivered under one handle).
	ListByHandle(ctx context.Context, handle string) ([]*DeliveryRecord, error)
	// GetPendingByTask returns the non-terminal record for a task, or nil.
	GetPendingByTask(ctx context.Context, taskID string) (*DeliveryRecord, error)
	// AttachHandle stamps the transport handle onto a record after a
	// successful delivery request.
	AttachHandle(ctx context.Context, notificationID, handle string) error
	UpdateStatus(ctx context.Context, notificationID string, status DeliveryStatus, reason string, at time.Time) error
	IncrementRetry(ctx context.Context, notificationID string) (int, error)
	// ListTerminalBefore returns terminal records older than the cutoff,
	// used by retention archiving.
	ListTerminalBefore(ctx context.Context, cutoff time.Time, limit int) ([]*DeliveryRecord, error)
	DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// Transport is the engine-facing surface of the OS push/local-notification
// layer. The engine only requests "deliver this content at this time" and
// receives delivery/failure callbacks; it does not implement the transport.
type Transport interface {
	// RequestDelivery asks the transport to deliver content at the given
	// instant. Returns an opaque handle used for cancellation and callbacks.
	RequestDelivery(ctx context.Context, content DeliveryContent, at time.Time) (handle string, err error)

	// CancelDelivery voids a previously issued handle. Cancelling an
	// unknown or already-fired handle is a no-op.
	CancelDelivery(ctx context.Context, handle string) error
}

// DeliveryEvent is the inbound callback payload from the transport.
type DeliveryEvent struct {
	Handle    string         `json:"handle"`
	Status    DeliveryStatus `json:"status"`
	Reason    FailureReason  `json:"reason,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// PreferenceSource is the read-only external preference store.
type PreferenceSource interface {
	GetPreferences(ctx context.Context, userID string) (*UserPreferences, error)
	GetActivityProfile(ctx context.Context, userID string) (*UserActivityProfile, error)
}

// TaskSource is the read-only task data source used by the overdue sweep to
// hydrate configs for tasks it did not see scheduled in this process.
type TaskSource interface {
	// ListOverdue returns configs for tasks whose due date is before now.
	ListOverdue(ctx context.Context, now time.Time, limit int) ([]TaskNotificationConfig, error)
}

// EngineMetrics abstracts telemetry emission for the engine. All methods are
// fire-and-forget; implementations log and swallow emission failures.
type EngineMetrics interface {
	RecordDelivery(ctx context.Context, result string)
	RecordEscalation(ctx context.Context, severity EscalationSeverity)
	RecordScheduleLatency(ctx context.Context, d time.Duration)
}
