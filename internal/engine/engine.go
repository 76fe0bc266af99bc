package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"growmate/internal/config"
	"growmate/internal/types"
)

// PreferenceCache is the engine-facing surface of the preference cache. It
// is a narrow interface so the engine is testable with lightweight fakes.
type PreferenceCache interface {
	Preferences(ctx context.Context, userID string) (*types.UserPreferences, error)
	Profile(ctx context.Context, userID string) (*types.UserActivityProfile, error)
	Size() int
}

// defaultIntervalHours maps a task type to its default recurrence interval
// when a recurring task is first scheduled and no entry exists yet. The task
// layer can override intervals by editing the stored entry.
var defaultIntervalHours = map[types.TaskType]int{
	types.TaskWatering:    24,
	types.TaskFeeding:     72,
	types.TaskInspection:  168,
	types.TaskPruning:     336,
	types.TaskHarvest:     720,
	types.TaskTransplant:  720,
	types.TaskTraining:    168,
	types.TaskDefoliation: 336,
	types.TaskFlushing:    168,
}

// activeBatch is the in-memory state of one pending delivery request: the
// batch members, the transport handle covering them, and the delivery record
// id for each member task. A batch is "open" while new same-plant members
// may still join it.
type activeBatch struct {
	batch    types.Batch
	handle   string
	notifIDs map[string]string // taskID -> notificationID
	retry    *time.Timer       // pending backoff re-request, nil when none
	// retryCount is the number of failed request attempts for the current
	// batch composition.
	retryCount int
	// gen increments each time the handle is voided or the batch dropped. A
	// fired backoff timer from an older generation must not re-request; the
	// check keeps a stale timer from installing a fresh handle after Cancel
	// already voided the batch.
	gen int
}

// plantLockKey namespaces plant-level locks in the shared lock table so they
// cannot collide with task ids.
func plantLockKey(plantID string) string { return "plant\x00" + plantID }

// Engine is the scheduler facade: the engine's public surface. It
// orchestrates the quiet-hours gate, timing optimizer, batch assembler,
// escalation monitor, and retry coordinator to implement schedule / cancel /
// reschedule / batch / process-overdue / optimize-timing, and exposes
// aggregate statistics.
//
// Concurrency model: caller-facing operations and the periodic overdue sweep
// both mutate the schedule/delivery stores and are serialized per task id
// via a keyed lock table; operations on different task ids proceed
// concurrently. Mutations of a plant's shared batch state (join, void,
// re-request) are additionally serialized by a per-plant lock in the same
// table, so two tasks joining the same plant's open batch cannot interleave
// their void-and-re-request sequences. The sweep uses TryLock and skips busy
// tasks. Every public operation is bounded by the configured operation
// timeout, after which it is treated as a retryable failure.
type Engine struct {
	userID     string
	entries    types.ScheduleEntryRepository
	deliveries types.DeliveryRecordRepository
	transport  types.Transport
	prefs      PreferenceCache
	tasks      types.TaskSource
	clock      types.Clock
	logger     types.Logger
	metrics    types.EngineMetrics
	tuning     config.EngineConfig

	gate       *QuietHoursGate
	optimizer  *ActivityTimingOptimizer
	assembler  *BatchAssembler
	escalation *EscalationMonitor
	retryCoord *RetryCoordinator

	locks *lockTable

	// mu guards the in-memory pending state below. Per-task ordering is
	// provided by locks; mu only protects map access.
	mu          sync.Mutex
	openBatches map[string]*activeBatch                 // plantID -> open batch
	taskIndex   map[string]*activeBatch                 // taskID -> batch holding it
	configIndex map[string]types.TaskNotificationConfig // taskID -> last submitted config
	// lastSeverity suppresses repeat escalations: a task is re-escalated
	// only when its severity increases.
	lastSeverity map[string]types.EscalationSeverity

	escalationCount atomic.Int64
	failureCount    atomic.Int64
}

// Config holds the collaborators and tuning for constructing an Engine.
// One Engine instance serves one user account's notifications.
type Config struct {
	UserID     string
	Entries    types.ScheduleEntryRepository
	Deliveries types.DeliveryRecordRepository
	Transport  types.Transport
	Prefs      PreferenceCache
	Tasks      types.TaskSource
	Clock      types.Clock
	Logger     types.Logger
	Metrics    types.EngineMetrics
	Tuning     config.EngineConfig
}

// New creates an Engine from the given configuration. Clock and Metrics may
// be nil (real clock and no-op metrics are substituted); everything else is
// required.
func New(cfg Config) *Engine {
	clock := cfg.Clock
	if clock == nil {
		clock = types.RealClock{}
	}
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = noopMetrics{}
	}

	gate := NewQuietHoursGate(cfg.Logger)

	return &Engine{
		userID:       cfg.UserID,
		entries:      cfg.Entries,
		deliveries:   cfg.Deliveries,
		transport:    cfg.Transport,
		prefs:        cfg.Prefs,
		tasks:        cfg.Tasks,
		clock:        clock,
		logger:       cfg.Logger,
		metrics:      metrics,
		tuning:       cfg.Tuning,
		gate:         gate,
		optimizer:    NewActivityTimingOptimizer(cfg.Tuning.ActivityTolerance, gate, cfg.Logger),
		assembler:    NewBatchAssembler(cfg.Tuning.BatchWindow, cfg.Tuning.MaxBatchSize),
		escalation:   NewEscalationMonitor(cfg.Tuning.CriticalHorizon, cfg.Logger),
		retryCoord:   NewRetryCoordinator(cfg.Tuning.MaxRetryAttempts),
		locks:        newLockTable(),
		openBatches:  make(map[string]*activeBatch),
		taskIndex:    make(map[string]*activeBatch),
		configIndex:  make(map[string]types.TaskNotificationConfig),
		lastSeverity: make(map[string]types.EscalationSeverity),
	}
}

// opContext bounds an operation with the configured timeout.
func (e *Engine) opContext(ctx context.Context) (context.Context, context.CancelFunc) {
	timeout := e.tuning.OperationTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return context.WithTimeout(ctx, timeout)
}

// wrapTimeout converts a context deadline error into the retryable
// operation-timeout code; other errors pass through.
func wrapTimeout(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return types.NewAppError(types.ErrCodeOperationTimeout, "operation exceeded its deadline", err)
	}
	return err
}

// Schedule runs a single config through the scheduling pipeline: quiet-hours
// gating, activity timing optimization, batching, schedule-entry
// persistence, and a delivery request to the transport. A config with the
// same task id as a pending delivery supersedes it.
func (e *Engine) Schedule(ctx context.Context, cfg types.TaskNotificationConfig) error {
	started := e.clock.Now()
	if err := cfg.Validate(); err != nil {
		return err
	}

	ctx, cancel := e.opContext(ctx)
	defer cancel()

	release := e.locks.Lock(cfg.TaskID)
	defer release()

	err := e.scheduleLocked(ctx, cfg)
	e.metrics.RecordScheduleLatency(ctx, e.clock.Now().Sub(started))
	return wrapTimeout(err)
}

// ScheduleMultiple schedules a set of configs, batching internally before
// issuing delivery requests: valid configs are run through the batch
// assembler up front and each assembled batch is issued as one composite
// delivery. A config that fails validation does not block the rest; failures
// are collected and returned in the outcome, never thrown. A task id
// submitted more than once in the same call is superseded by its last
// occurrence.
func (e *Engine) ScheduleMultiple(ctx context.Context, cfgs []types.TaskNotificationConfig) (types.BatchOutcome, error) {
	outcome := types.BatchOutcome{Errors: make(map[string]string)}

	seen := make(map[string]int)
	var valid []types.TaskNotificationConfig
	for _, cfg := range cfgs {
		if err := cfg.Validate(); err != nil {
			outcome.Failed++
			key := cfg.TaskID
			if key == "" {
				key = "(missing task id)"
			}
			outcome.Errors[key] = err.Error()
			continue
		}
		if i, dup := seen[cfg.TaskID]; dup {
			valid[i] = cfg
			continue
		}
		seen[cfg.TaskID] = len(valid)
		valid = append(valid, cfg)
	}

	ctx, cancel := e.opContext(ctx)
	defer cancel()

	prefs := e.userPreferences(ctx)
	profile, _ := e.prefs.Profile(ctx, e.userID)

	batching := prefs != nil && prefs.BatchingEnabled
	asm := e.assembler
	if prefs != nil && prefs.MaxBatchSize > 0 && prefs.MaxBatchSize < e.tuning.MaxBatchSize {
		asm = NewBatchAssembler(e.tuning.BatchWindow, prefs.MaxBatchSize)
	}

	// Critical tasks never batch; they are assembled as singletons.
	var members, criticals []types.BatchMember
	for _, cfg := range valid {
		m := types.BatchMember{Config: cfg, DeliverAt: e.candidateInstant(cfg, prefs, profile)}
		if cfg.Priority == types.PriorityCritical {
			criticals = append(criticals, m)
		} else {
			members = append(members, m)
		}
	}
	batches := asm.Assemble(members, batching)
	batches = append(batches, asm.Assemble(criticals, false)...)

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)

	for _, b := range batches {
		keepOpen := batching && b.Members[0].Config.Priority != types.PriorityCritical
		g.Go(func() error {
			err := e.scheduleBatch(gctx, b, prefs, keepOpen)
			mu.Lock()
			defer mu.Unlock()
			for _, m := range b.Members {
				if err != nil {
					outcome.Failed++
					outcome.Errors[m.Config.TaskID] = err.Error()
				} else {
					outcome.Scheduled++
				}
			}
			return nil // collect, don't abort siblings
		})
	}
	_ = g.Wait()

	if outcome.Failed > 0 && outcome.Scheduled > 0 {
		return outcome, types.NewAppError(types.ErrCodeBulkPartialFailure,
			fmt.Sprintf("%d of %d configs failed to schedule", outcome.Failed, len(cfgs)), nil)
	}
	if outcome.Failed > 0 && outcome.Scheduled == 0 && len(cfgs) > 0 {
		return outcome, types.NewAppError(types.ErrCodeBulkPartialFailure, "all configs failed to schedule", nil)
	}
	return outcome, nil
}

// scheduleBatch registers one assembled batch: the member task locks are
// taken in sorted order, any pending deliveries for the members are
// superseded, recurrence entries refreshed, records created, and a single
// delivery request issued covering every member.
func (e *Engine) scheduleBatch(ctx context.Context, b types.Batch, prefs *types.UserPreferences, keepOpen bool) error {
	ids := make([]string, 0, len(b.Members))
	for _, m := range b.Members {
		ids = append(ids, m.Config.TaskID)
	}
	sort.Strings(ids)
	for _, id := range ids {
		release := e.locks.Lock(id)
		defer release()
	}

	for _, m := range b.Members {
		if err := e.cancelLocked(ctx, m.Config.TaskID, false); err != nil {
			return wrapTimeout(err)
		}
	}
	for _, m := range b.Members {
		if !m.Config.IsRecurring {
			continue
		}
		if err := e.ensureScheduleEntry(ctx, m.Config, m.DeliverAt, prefs); err != nil {
			return wrapTimeout(err)
		}
	}

	ab := &activeBatch{batch: b, notifIDs: make(map[string]string, len(b.Members))}
	for _, m := range b.Members {
		ab.notifIDs[m.Config.TaskID] = uuid.NewString()
	}

	release := e.locks.Lock(plantLockKey(b.PlantID))
	defer release()

	if err := e.createRecords(ctx, ab, ids); err != nil {
		return wrapTimeout(err)
	}
	if err := e.requestBatchDelivery(ctx, ab); err != nil {
		return wrapTimeout(err)
	}

	e.mu.Lock()
	for _, m := range b.Members {
		e.configIndex[m.Config.TaskID] = m.Config
		e.taskIndex[m.Config.TaskID] = ab
	}
	if keepOpen {
		e.openBatches[b.PlantID] = ab
	}
	e.mu.Unlock()

	e.logger.Info("batch scheduled",
		"plant_id", b.PlantID,
		"batch_size", len(b.Members),
		"deliver_at", b.DeliverAt.Format(time.RFC3339),
	)
	return nil
}

// Cancel voids any pending delivery and schedule entry for the task.
// Canceling an unknown or already-unscheduled task is a no-op, not an error.
// The transport handle is voided synchronously before Cancel returns, so a
// cancel immediately followed by a new schedule cannot race with a stale
// delivery.
func (e *Engine) Cancel(ctx context.Context, taskID string) error {
	if taskID == "" {
		return types.NewAppError(types.ErrCodeValidationMissingTaskID, "task id is required", nil)
	}

	ctx, cancel := e.opContext(ctx)
	defer cancel()

	release := e.locks.Lock(taskID)
	defer release()

	return wrapTimeout(e.cancelLocked(ctx, taskID, true))
}

// Reschedule is an atomic cancel-then-schedule under the task's lock: the
// in-flight delivery handle for the old instant is voided before the new one
// is created, so a task never has two concurrently pending deliveries.
func (e *Engine) Reschedule(ctx context.Context, taskID string, newDueDate time.Time) error {
	if taskID == "" {
		return types.NewAppError(types.ErrCodeValidationMissingTaskID, "task id is required", nil)
	}
	if newDueDate.IsZero() {
		return types.NewAppError(types.ErrCodeValidationMissingDueDate, "new due date is required", nil)
	}

	ctx, cancel := e.opContext(ctx)
	defer cancel()

	release := e.locks.Lock(taskID)
	defer release()

	e.mu.Lock()
	cfg, known := e.configIndex[taskID]
	e.mu.Unlock()
	if !known {
		return types.NewAppError(types.ErrCodeNotFoundTask, "no schedule known for task "+taskID, nil)
	}

	if err := e.cancelLocked(ctx, taskID, false); err != nil {
		return wrapTimeout(err)
	}

	cfg.DueDate = newDueDate
	return wrapTimeout(e.scheduleLocked(ctx, cfg))
}

// OptimizeTiming returns one adjusted instant per config for the given user,
// order-preserving. Per-item failures fall back to the original due date.
func (e *Engine) OptimizeTiming(ctx context.Context, userID string, cfgs []types.TaskNotificationConfig) []time.Time {
	ctx, cancel := e.opContext(ctx)
	defer cancel()

	profile, err := e.prefs.Profile(ctx, userID)
	if err != nil {
		e.logger.Warn("activity profile unavailable, using original due dates",
			"user_id", userID,
			"error", err.Error(),
		)
		profile = nil
	}

	quietStart, quietEnd := "", ""
	if prefs, err := e.prefs.Preferences(ctx, userID); err == nil && prefs != nil {
		quietStart, quietEnd = prefs.QuietHoursStart, prefs.QuietHoursEnd
	}

	return e.optimizer.Optimize(cfgs, profile, quietStart, quietEnd)
}

// Stats returns the engine's aggregate counter snapshot.
func (e *Engine) Stats() types.EngineStats {
	e.mu.Lock()
	active := len(e.openBatches)
	scheduled := len(e.configIndex)
	e.mu.Unlock()

	return types.EngineStats{
		ActiveBatches:      active,
		OverdueEscalations: e.escalationCount.Load(),
		CachedUserPatterns: e.prefs.Size(),
		ScheduledTasks:     scheduled,
		FailedDeliveries:   e.failureCount.Load(),
	}
}

// --- internal scheduling path (held task lock required) ---

// scheduleLocked performs the pipeline for one config. Caller holds the
// task's lock.
func (e *Engine) scheduleLocked(ctx context.Context, cfg types.TaskNotificationConfig) error {
	// Supersede any pending delivery for this task id.
	if err := e.cancelLocked(ctx, cfg.TaskID, false); err != nil {
		return err
	}

	prefs := e.userPreferences(ctx)
	profile, _ := e.prefs.Profile(ctx, e.userID)

	candidate := e.candidateInstant(cfg, prefs, profile)

	member := types.BatchMember{Config: cfg, DeliverAt: candidate}

	if cfg.IsRecurring {
		if err := e.ensureScheduleEntry(ctx, cfg, candidate, prefs); err != nil {
			return err
		}
	}

	ab, err := e.placeMember(ctx, member, prefs)
	if err != nil {
		return err
	}

	e.mu.Lock()
	e.configIndex[cfg.TaskID] = cfg
	e.taskIndex[cfg.TaskID] = ab
	e.mu.Unlock()

	e.logger.Info("task scheduled",
		"task_id", cfg.TaskID,
		"plant_id", cfg.PlantID,
		"task_type", string(cfg.TaskType),
		"deliver_at", candidate.Format(time.RFC3339),
		"batch_size", len(ab.batch.Members),
	)

	return nil
}

// candidateInstant picks the delivery instant for a config: due date minus
// advance notice, clamped to now, gated through quiet hours, then shifted by
// the activity optimizer.
func (e *Engine) candidateInstant(cfg types.TaskNotificationConfig, prefs *types.UserPreferences, profile *types.UserActivityProfile) time.Time {
	now := e.clock.Now()

	candidate := cfg.DueDate
	quietStart, quietEnd := "", ""
	if prefs != nil {
		if prefs.ReminderAdvanceMinutes > 0 {
			candidate = candidate.Add(-time.Duration(prefs.ReminderAdvanceMinutes) * time.Minute)
		}
		quietStart, quietEnd = prefs.QuietHoursStart, prefs.QuietHoursEnd
	}
	if candidate.Before(now) {
		candidate = now
	}

	candidate = e.gate.NextAllowedInstant(candidate, quietStart, quietEnd)

	adjusted := cfg
	adjusted.DueDate = candidate
	return e.optimizer.Optimize([]types.TaskNotificationConfig{adjusted}, profile, quietStart, quietEnd)[0]
}

// placeMember adds the member to an open batch for its plant when batching
// allows, otherwise opens a new batch, and (re)issues the delivery request.
// The plant lock is held across the joinable check and the void-and-request
// sequence: two same-plant members joining concurrently would otherwise both
// pass the check against the same open batch and issue overlapping handles.
func (e *Engine) placeMember(ctx context.Context, member types.BatchMember, prefs *types.UserPreferences) (*activeBatch, error) {
	batching := prefs != nil && prefs.BatchingEnabled && member.Config.Priority != types.PriorityCritical
	maxSize := e.tuning.MaxBatchSize
	if prefs != nil && prefs.MaxBatchSize > 0 && prefs.MaxBatchSize < maxSize {
		maxSize = prefs.MaxBatchSize
	}

	release := e.locks.Lock(plantLockKey(member.Config.PlantID))
	defer release()

	e.mu.Lock()
	open := e.openBatches[member.Config.PlantID]
	joinable := batching && open != nil &&
		len(open.batch.Members) < maxSize &&
		absDuration(member.DeliverAt.Sub(open.batch.Members[0].DeliverAt)) <= e.tuning.BatchWindow
	e.mu.Unlock()

	if joinable {
		return e.joinBatch(ctx, open, member)
	}
	return e.openNewBatch(ctx, member, batching)
}

// openNewBatch creates a batch of one and requests its delivery. When
// batching is disabled the batch is closed immediately so later same-plant
// members cannot join it.
func (e *Engine) openNewBatch(ctx context.Context, member types.BatchMember, keepOpen bool) (*activeBatch, error) {
	b := singletonBatch(member)
	ab := &activeBatch{
		batch:    b,
		notifIDs: map[string]string{member.Config.TaskID: uuid.NewString()},
	}

	if err := e.createRecords(ctx, ab, []string{member.Config.TaskID}); err != nil {
		return nil, err
	}
	if err := e.requestBatchDelivery(ctx, ab); err != nil {
		return nil, err
	}

	if keepOpen {
		e.mu.Lock()
		e.openBatches[member.Config.PlantID] = ab
		e.mu.Unlock()
	}
	return ab, nil
}

// joinBatch merges a new member into an open batch: the batch's current
// transport handle is voided, the member's record is created, and a new
// composite delivery request covering all members is issued.
func (e *Engine) joinBatch(ctx context.Context, ab *activeBatch, member types.BatchMember) (*activeBatch, error) {
	if err := e.voidHandle(ctx, ab); err != nil {
		return nil, err
	}

	e.mu.Lock()
	ab.batch.Members = append(ab.batch.Members, member)
	// The composite fires at the earliest member instant.
	if member.DeliverAt.Before(ab.batch.DeliverAt) {
		ab.batch.DeliverAt = member.DeliverAt
	}
	ab.notifIDs[member.Config.TaskID] = uuid.NewString()
	e.mu.Unlock()

	if err := e.createRecords(ctx, ab, []string{member.Config.TaskID}); err != nil {
		return nil, err
	}
	return ab, e.requestBatchDelivery(ctx, ab)
}

// createRecords inserts a scheduled DeliveryRecord for each named member.
func (e *Engine) createRecords(ctx context.Context, ab *activeBatch, taskIDs []string) error {
	now := e.clock.Now()
	for _, taskID := range taskIDs {
		rec := &types.DeliveryRecord{
			NotificationID: ab.notifIDs[taskID],
			TaskID:         taskID,
			Status:         types.DeliveryStatusScheduled,
			CreatedAt:      now,
		}
		if err := e.deliveries.Create(ctx, rec); err != nil {
			return types.NewAppError(types.ErrCodeInternalDB, "failed to create delivery record", err)
		}
	}
	return nil
}

// requestBatchDelivery issues the transport request for the batch and stamps
// the resulting handle onto every member record. Caller holds the plant
// lock; the batch state is still snapshotted under mu so readers never see a
// concurrent cancel shrinking the member slice mid-compose.
func (e *Engine) requestBatchDelivery(ctx context.Context, ab *activeBatch) error {
	e.mu.Lock()
	b := ab.batch
	b.Members = append([]types.BatchMember(nil), ab.batch.Members...)
	notifIDs := make(map[string]string, len(ab.notifIDs))
	for taskID, notifID := range ab.notifIDs {
		notifIDs[taskID] = notifID
	}
	e.mu.Unlock()

	title, body := ComposeContent(b)

	content := types.DeliveryContent{
		NotificationID: notifIDs[b.Members[0].Config.TaskID],
		TaskIDs:        b.TaskIDs(),
		PlantID:        b.PlantID,
		Title:          title,
		Body:           body,
		Priority:       highestPriority(b),
		DeliverAt:      b.DeliverAt,
	}

	handle, err := e.transport.RequestDelivery(ctx, content, b.DeliverAt)
	if err != nil {
		return e.handleRequestFailure(ctx, ab, err)
	}

	e.mu.Lock()
	ab.handle = handle
	ab.retryCount = 0
	e.mu.Unlock()

	for taskID, notifID := range notifIDs {
		if err := e.deliveries.AttachHandle(ctx, notifID, handle); err != nil {
			e.logger.Error("failed to stamp handle on delivery record",
				"notification_id", notifID,
				"task_id", taskID,
				"error", err.Error(),
			)
		}
	}
	return nil
}

// handleRequestFailure applies retry policy to a failed transport request.
// Transient failures re-request after backoff; exhausted or fatal failures
// mark every member record terminally failed.
func (e *Engine) handleRequestFailure(ctx context.Context, ab *activeBatch, cause error) error {
	e.mu.Lock()
	attempt := ab.retryCount
	plantID := ab.batch.PlantID
	notifIDs := make([]string, 0, len(ab.notifIDs))
	for _, notifID := range ab.notifIDs {
		notifIDs = append(notifIDs, notifID)
	}
	e.mu.Unlock()

	if e.retryCoord.ShouldRetry(attempt) {
		delay := e.retryCoord.BackoffDelay(attempt)
		for _, notifID := range notifIDs {
			if _, err := e.deliveries.IncrementRetry(ctx, notifID); err != nil {
				e.logger.Error("failed to increment retry count",
					"notification_id", notifID,
					"error", err.Error(),
				)
			}
		}

		e.mu.Lock()
		ab.retryCount++
		gen := ab.gen
		ab.retry = time.AfterFunc(delay, func() {
			e.retryBatchRequest(ab, gen)
		})
		e.mu.Unlock()

		e.logger.Warn("transport request failed, retry scheduled",
			"plant_id", plantID,
			"attempt", attempt,
			"delay", delay.String(),
			"error", cause.Error(),
		)
		return nil
	}

	now := e.clock.Now()
	for _, notifID := range notifIDs {
		if err := e.deliveries.UpdateStatus(ctx, notifID, types.DeliveryStatusFailed, string(types.FailureNetworkError), now); err != nil {
			e.logger.Error("failed to mark delivery failed",
				"notification_id", notifID,
				"error", err.Error(),
			)
		}
	}
	e.failureCount.Add(int64(len(notifIDs)))
	e.metrics.RecordDelivery(ctx, "failed")
	e.dropBatch(ab)

	return types.NewAppError(types.ErrCodeUpstreamTransport, "delivery request failed after retries", cause)
}

// retryBatchRequest is the backoff timer callback. It re-acquires the plant
// lock before touching the batch and aborts when the batch's generation has
// moved on, so a timer that fired while Cancel was voiding the batch cannot
// resurrect a delivery handle afterwards.
func (e *Engine) retryBatchRequest(ab *activeBatch, gen int) {
	ctx, cancel := e.opContext(context.Background())
	defer cancel()

	e.mu.Lock()
	plantID := ab.batch.PlantID
	e.mu.Unlock()

	release := e.locks.Lock(plantLockKey(plantID))
	defer release()

	e.mu.Lock()
	stale := ab.gen != gen || ab.retry == nil
	if !stale {
		ab.retry = nil
	}
	e.mu.Unlock()
	if stale {
		return
	}

	if err := e.requestBatchDelivery(ctx, ab); err != nil {
		e.logger.Error("delivery re-request failed",
			"plant_id", plantID,
			"error", err.Error(),
		)
	}
}

// cancelLocked voids the task's pending delivery, if any. removeEntry also
// soft-deletes the schedule entry (task removal semantics); reschedule keeps
// the entry. Caller holds the task's lock.
func (e *Engine) cancelLocked(ctx context.Context, taskID string, removeEntry bool) error {
	e.mu.Lock()
	ab := e.taskIndex[taskID]
	cfg, known := e.configIndex[taskID]
	plantID := ""
	if ab != nil {
		plantID = ab.batch.PlantID
	}
	e.mu.Unlock()

	if ab != nil {
		if err := e.detachFromBatch(ctx, taskID, plantID, ab); err != nil {
			return err
		}
	}

	e.mu.Lock()
	delete(e.taskIndex, taskID)
	if removeEntry {
		delete(e.configIndex, taskID)
		delete(e.lastSeverity, taskID)
	}
	e.mu.Unlock()

	if removeEntry && known && cfg.IsRecurring {
		if err := e.entries.SoftDelete(ctx, cfg.PlantID, cfg.TaskType); err != nil {
			var appErr *types.AppError
			if !errors.As(err, &appErr) || appErr.Code != types.ErrCodeNotFoundSchedule {
				return err
			}
		}
	}

	return nil
}

// detachFromBatch removes one task from its batch under the plant lock: the
// shared handle is voided, the member's record cancelled, and the composite
// re-requested for the remaining members (or the batch dropped when none
// remain). The batch may have been dropped by a sibling's terminal failure
// between the index read and the lock acquisition; it is re-checked under mu.
func (e *Engine) detachFromBatch(ctx context.Context, taskID, plantID string, ab *activeBatch) error {
	release := e.locks.Lock(plantLockKey(plantID))
	defer release()

	e.mu.Lock()
	if e.taskIndex[taskID] != ab {
		e.mu.Unlock()
		return nil
	}
	e.mu.Unlock()

	if err := e.voidHandle(ctx, ab); err != nil {
		return err
	}

	e.mu.Lock()
	notifID := ab.notifIDs[taskID]
	delete(ab.notifIDs, taskID)
	remaining := ab.batch.Members[:0]
	for _, m := range ab.batch.Members {
		if m.Config.TaskID != taskID {
			remaining = append(remaining, m)
		}
	}
	ab.batch.Members = remaining
	empty := len(ab.batch.Members) == 0
	e.mu.Unlock()

	if notifID != "" {
		if err := e.deliveries.UpdateStatus(ctx, notifID, types.DeliveryStatusCancelled, "", e.clock.Now()); err != nil {
			e.logger.Error("failed to mark delivery cancelled",
				"notification_id", notifID,
				"error", err.Error(),
			)
		}
	}

	if empty {
		e.dropBatch(ab)
		return nil
	}
	return e.requestBatchDelivery(ctx, ab)
}

// voidHandle synchronously cancels the batch's transport handle and any
// pending retry timer. Bumping the generation invalidates a backoff timer
// that has already fired but not yet re-requested.
func (e *Engine) voidHandle(ctx context.Context, ab *activeBatch) error {
	e.mu.Lock()
	handle := ab.handle
	ab.handle = ""
	ab.gen++
	if ab.retry != nil {
		ab.retry.Stop()
		ab.retry = nil
	}
	e.mu.Unlock()

	if handle == "" {
		return nil
	}
	if err := e.transport.CancelDelivery(ctx, handle); err != nil {
		return types.NewAppError(types.ErrCodeUpstreamTransport, "failed to void delivery handle", err)
	}
	return nil
}

// dropBatch removes the batch from the in-memory indexes.
func (e *Engine) dropBatch(ab *activeBatch) {
	e.mu.Lock()
	defer e.mu.Unlock()
	ab.gen++
	if ab.retry != nil {
		ab.retry.Stop()
		ab.retry = nil
	}
	if e.openBatches[ab.batch.PlantID] == ab {
		delete(e.openBatches, ab.batch.PlantID)
	}
	for _, m := range ab.batch.Members {
		if e.taskIndex[m.Config.TaskID] == ab {
			delete(e.taskIndex, m.Config.TaskID)
		}
	}
}

// ensureScheduleEntry creates or refreshes the recurrence entry for a
// recurring task.
func (e *Engine) ensureScheduleEntry(ctx context.Context, cfg types.TaskNotificationConfig, next time.Time, prefs *types.UserPreferences) error {
	entry, err := e.entries.Get(ctx, cfg.PlantID, cfg.TaskType)
	if err != nil {
		var appErr *types.AppError
		if !errors.As(err, &appErr) || appErr.Code != types.ErrCodeNotFoundSchedule {
			return err
		}
	}

	if entry == nil {
		interval := defaultIntervalHours[cfg.TaskType]
		if interval == 0 {
			interval = 24
		}
		settings := types.NotificationSettings{Priority: cfg.Priority}
		if prefs != nil {
			settings.QuietHoursStart = prefs.QuietHoursStart
			settings.QuietHoursEnd = prefs.QuietHoursEnd
			settings.AdvanceNoticeMinutes = prefs.ReminderAdvanceMinutes
		}
		entry = &types.ScheduleEntry{
			PlantID:          cfg.PlantID,
			TaskType:         cfg.TaskType,
			NextNotification: next,
			IntervalHours:    interval,
			IsActive:         true,
			Settings:         settings,
		}
		if err := entry.Validate(); err != nil {
			return err
		}
		return e.entries.Upsert(ctx, entry)
	}

	// Reactivate and move the pointer forward only (never decreases).
	entry.IsActive = true
	entry.DeletedAt = nil
	if next.After(entry.NextNotification) {
		entry.NextNotification = next
	}
	return e.entries.Update(ctx, entry)
}

// userPreferences fetches the owning user's preferences, degrading to nil on
// error (the pipeline then runs with defaults: no quiet hours, no batching).
func (e *Engine) userPreferences(ctx context.Context) *types.UserPreferences {
	prefs, err := e.prefs.Preferences(ctx, e.userID)
	if err != nil {
		e.logger.Warn("preferences unavailable, scheduling with defaults",
			"user_id", e.userID,
			"error", err.Error(),
		)
		return nil
	}
	return prefs
}

// highestPriority returns the strongest member priority for the composite.
func highestPriority(b types.Batch) types.Priority {
	rank := map[types.Priority]int{
		types.PriorityLow:      0,
		types.PriorityMedium:   1,
		types.PriorityHigh:     2,
		types.PriorityCritical: 3,
	}
	best := types.PriorityLow
	for _, m := range b.Members {
		if rank[m.Config.Priority] > rank[best] {
			best = m.Config.Priority
		}
	}
	return best
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}

// noopMetrics is the default EngineMetrics when none is injected.
type noopMetrics struct{}

func (noopMetrics) RecordDelivery(context.Context, string)                  {}
func (noopMetrics) RecordEscalation(context.Context, types.EscalationSeverity) {}
func (noopMetrics) RecordScheduleLatency(context.Context, time.Duration)    {}
