package engine

import (
	"context"
	"time"

	"growmate/internal/types"
)

// OnDeliveryEvent applies a transport callback to the delivery records sharing
// the event's handle. Sent events advance recurring schedule entries; failure
// events run through retry classification and either re-request with backoff
// or mark the record terminally failed. Events for unknown or already-voided
// handles are ignored.
func (e *Engine) OnDeliveryEvent(ctx context.Context, event types.DeliveryEvent) error {
	ctx, cancel := e.opContext(ctx)
	defer cancel()

	records, err := e.deliveries.ListByHandle(ctx, event.Handle)
	if err != nil {
		return wrapTimeout(err)
	}
	if len(records) == 0 {
		e.logger.Warn("delivery event for unknown handle, ignoring",
			"handle", event.Handle,
			"status", string(event.Status),
		)
		return nil
	}

	at := event.Timestamp
	if at.IsZero() {
		at = e.clock.Now()
	}

	for _, rec := range records {
		if rec.Status.IsTerminal() {
			continue
		}

		release := e.locks.Lock(rec.TaskID)
		err := e.applyEventLocked(ctx, rec, event, at)
		release()
		if err != nil {
			e.logger.Error("failed to apply delivery event",
				"notification_id", rec.NotificationID,
				"task_id", rec.TaskID,
				"status", string(event.Status),
				"error", err.Error(),
			)
		}
	}
	return nil
}

func (e *Engine) applyEventLocked(ctx context.Context, rec *types.DeliveryRecord, event types.DeliveryEvent, at time.Time) error {
	switch event.Status {
	case types.DeliveryStatusSent:
		return e.applySent(ctx, rec, at)
	case types.DeliveryStatusDelivered, types.DeliveryStatusRead:
		return e.deliveries.UpdateStatus(ctx, rec.NotificationID, event.Status, "", at)
	case types.DeliveryStatusFailed:
		return e.applyFailure(ctx, rec, event.Reason, at)
	default:
		e.logger.Warn("unrecognized delivery event status, ignoring",
			"notification_id", rec.NotificationID,
			"status", string(event.Status),
		)
		return nil
	}
}

// applySent marks the record sent, advances the recurrence entry when the
// task is recurring, and releases the task from the in-memory pending state.
func (e *Engine) applySent(ctx context.Context, rec *types.DeliveryRecord, at time.Time) error {
	if err := e.deliveries.UpdateStatus(ctx, rec.NotificationID, types.DeliveryStatusSent, "", at); err != nil {
		return err
	}
	e.metrics.RecordDelivery(ctx, "sent")

	e.mu.Lock()
	ab := e.taskIndex[rec.TaskID]
	cfg, known := e.configIndex[rec.TaskID]
	delete(e.taskIndex, rec.TaskID)
	if ab != nil && e.openBatches[ab.batch.PlantID] == ab {
		delete(e.openBatches, ab.batch.PlantID)
	}
	e.mu.Unlock()

	if !known || !cfg.IsRecurring {
		e.mu.Lock()
		delete(e.configIndex, rec.TaskID)
		e.mu.Unlock()
		return nil
	}

	entry, err := e.entries.Get(ctx, cfg.PlantID, cfg.TaskType)
	if err != nil || entry == nil {
		return err
	}

	entry.AdvanceAfterSend(at)
	if !entry.ShouldSendNotification(entry.NextNotification) {
		// Cap reached: the entry stays for audit but stops firing.
		if entry.MaxNotifications != nil && entry.SentCount >= *entry.MaxNotifications {
			entry.IsActive = false
		}
	}
	if err := e.entries.Update(ctx, entry); err != nil {
		return err
	}

	if entry.IsActive {
		next := cfg
		next.DueDate = entry.NextNotification
		return e.scheduleLocked(ctx, next)
	}

	e.logger.Info("recurrence cap reached, entry deactivated",
		"plant_id", cfg.PlantID,
		"task_type", string(cfg.TaskType),
		"sent_count", entry.SentCount,
	)
	e.mu.Lock()
	delete(e.configIndex, rec.TaskID)
	e.mu.Unlock()
	return nil
}

// applyFailure classifies the failure and either re-requests the task's
// delivery after backoff or marks it terminally failed. Fatal reasons fail
// immediately with no retry attempts consumed.
func (e *Engine) applyFailure(ctx context.Context, rec *types.DeliveryRecord, reason types.FailureReason, at time.Time) error {
	retryable := e.retryCoord.Classify(reason)

	if retryable && e.retryCoord.ShouldRetry(rec.RetryCount) {
		attempt, err := e.deliveries.IncrementRetry(ctx, rec.NotificationID)
		if err != nil {
			return err
		}
		delay := e.retryCoord.BackoffDelay(attempt - 1)

		e.logger.Warn("delivery failed, retrying",
			"notification_id", rec.NotificationID,
			"task_id", rec.TaskID,
			"reason", string(reason),
			"attempt", attempt,
			"delay", delay.String(),
		)
		return e.reissueDelivery(ctx, rec, e.clock.Now().Add(delay))
	}

	if err := e.deliveries.UpdateStatus(ctx, rec.NotificationID, types.DeliveryStatusFailed, string(reason), at); err != nil {
		return err
	}
	e.failureCount.Add(1)
	e.metrics.RecordDelivery(ctx, "failed")

	e.mu.Lock()
	ab := e.taskIndex[rec.TaskID]
	delete(e.taskIndex, rec.TaskID)
	delete(e.configIndex, rec.TaskID)
	plantID := ""
	if ab != nil {
		plantID = ab.batch.PlantID
	}
	e.mu.Unlock()
	if ab != nil {
		release := e.locks.Lock(plantLockKey(plantID))
		e.dropBatch(ab)
		release()
	}

	e.logger.Error("delivery terminally failed",
		"notification_id", rec.NotificationID,
		"task_id", rec.TaskID,
		"reason", string(reason),
		"retry_count", rec.RetryCount,
	)
	return nil
}

// reissueDelivery requests a fresh single-task delivery for a failed record's
// task at the given instant. The retried notification is never re-batched;
// its siblings have their own lifecycle by this point.
func (e *Engine) reissueDelivery(ctx context.Context, rec *types.DeliveryRecord, at time.Time) error {
	e.mu.Lock()
	cfg, known := e.configIndex[rec.TaskID]
	e.mu.Unlock()
	if !known {
		// Task was cancelled between failure and retry.
		return e.deliveries.UpdateStatus(ctx, rec.NotificationID, types.DeliveryStatusCancelled, "", e.clock.Now())
	}

	member := types.BatchMember{Config: cfg, DeliverAt: at}
	b := singletonBatch(member)
	title, body := ComposeContent(b)

	content := types.DeliveryContent{
		NotificationID: rec.NotificationID,
		TaskIDs:        []string{rec.TaskID},
		PlantID:        cfg.PlantID,
		Title:          title,
		Body:           body,
		Priority:       cfg.Priority,
		DeliverAt:      at,
	}

	handle, err := e.transport.RequestDelivery(ctx, content, at)
	if err != nil {
		return types.NewAppError(types.ErrCodeUpstreamTransport, "retry delivery request failed", err)
	}
	if err := e.deliveries.AttachHandle(ctx, rec.NotificationID, handle); err != nil {
		return err
	}

	ab := &activeBatch{
		batch:    b,
		handle:   handle,
		notifIDs: map[string]string{rec.TaskID: rec.NotificationID},
	}
	e.mu.Lock()
	e.taskIndex[rec.TaskID] = ab
	e.mu.Unlock()
	return nil
}
