package engine

import (
	"context"

	"github.com/google/uuid"

	"growmate/internal/types"
)

// severityRank orders severities for the re-escalation check.
var severityRank = map[types.EscalationSeverity]int{
	types.SeverityNone:     0,
	types.SeverityModerate: 1,
	types.SeverityHigh:     2,
	types.SeverityCritical: 3,
}

// ProcessOverdue sweeps overdue tasks and issues escalation notifications.
// Critical escalations bypass quiet hours and batching; moderate and high
// respect quiet hours. A task already being mutated by a caller-facing
// operation is skipped this cycle rather than blocked on. A task is
// re-escalated only when its severity has increased since the last sweep, so
// repeated cycles do not spam the same reminder.
//
// Per-item failures are logged and skipped; the sweep always visits every
// candidate.
func (e *Engine) ProcessOverdue(ctx context.Context) ([]types.EscalationResult, error) {
	ctx, cancel := e.opContext(ctx)
	defer cancel()

	now := e.clock.Now()
	limit := e.tuning.SweepBatchLimit
	if limit <= 0 {
		limit = 200
	}

	overdue, err := e.tasks.ListOverdue(ctx, now, limit)
	if err != nil {
		return nil, wrapTimeout(types.NewAppError(types.ErrCodeInternalDB, "failed to list overdue tasks", err))
	}

	prefs := e.userPreferences(ctx)
	quietStart, quietEnd := "", ""
	if prefs != nil {
		quietStart, quietEnd = prefs.QuietHoursStart, prefs.QuietHoursEnd
	}

	var results []types.EscalationResult
	for _, cfg := range overdue {
		release, ok := e.locks.TryLock(cfg.TaskID)
		if !ok {
			continue
		}

		result, err := e.escalateLocked(ctx, cfg, quietStart, quietEnd)
		release()
		if err != nil {
			e.logger.Error("escalation failed, skipping task",
				"task_id", cfg.TaskID,
				"plant_id", cfg.PlantID,
				"error", err.Error(),
			)
			continue
		}
		if result != nil {
			results = append(results, *result)
		}
	}

	if len(results) > 0 {
		e.logger.Info("overdue sweep complete",
			"candidates", len(overdue),
			"escalated", len(results),
		)
	}
	return results, nil
}

// escalateLocked evaluates and, when warranted, delivers one escalation.
// Caller holds the task's lock.
func (e *Engine) escalateLocked(ctx context.Context, cfg types.TaskNotificationConfig, quietStart, quietEnd string) (*types.EscalationResult, error) {
	now := e.clock.Now()

	eval := e.escalation.Evaluate(cfg, now)
	if eval == nil {
		return nil, nil
	}

	e.mu.Lock()
	prev := e.lastSeverity[cfg.TaskID]
	e.mu.Unlock()
	if severityRank[eval.Severity] <= severityRank[prev] {
		return nil, nil
	}

	deliverAt := now
	priority := types.PriorityHigh
	if eval.Severity == types.SeverityCritical {
		priority = types.PriorityCritical
	} else {
		deliverAt = e.gate.NextAllowedInstant(now, quietStart, quietEnd)
	}

	notifID := uuid.NewString()
	rec := &types.DeliveryRecord{
		NotificationID: notifID,
		TaskID:         cfg.TaskID,
		Status:         types.DeliveryStatusScheduled,
		CreatedAt:      now,
	}
	if err := e.deliveries.Create(ctx, rec); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to create escalation record", err)
	}

	content := types.DeliveryContent{
		NotificationID: notifID,
		TaskIDs:        []string{cfg.TaskID},
		PlantID:        cfg.PlantID,
		Title:          eval.Title,
		Body:           eval.Body,
		CategoryID:     types.OverdueCategoryID,
		Priority:       priority,
		DeliverAt:      deliverAt,
	}

	handle, err := e.transport.RequestDelivery(ctx, content, deliverAt)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeUpstreamTransport, "escalation delivery request failed", err)
	}
	if err := e.deliveries.AttachHandle(ctx, notifID, handle); err != nil {
		e.logger.Error("failed to stamp handle on escalation record",
			"notification_id", notifID,
			"error", err.Error(),
		)
	}

	e.mu.Lock()
	e.lastSeverity[cfg.TaskID] = eval.Severity
	e.mu.Unlock()

	e.escalationCount.Add(1)
	e.metrics.RecordEscalation(ctx, eval.Severity)

	e.logger.Info("overdue task escalated",
		"task_id", cfg.TaskID,
		"plant_id", cfg.PlantID,
		"severity", string(eval.Severity),
		"days_overdue", eval.DaysOverdue,
	)
	return eval, nil
}
