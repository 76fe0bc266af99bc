package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"growmate/internal/config"
	"growmate/internal/types"
)

// testLogger implements types.Logger, capturing messages for assertions.
type testLogger struct {
	mu     sync.Mutex
	infos  []string
	warns  []string
	errors []string
}

func (l *testLogger) Info(msg string, args ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.infos = append(l.infos, msg)
}

func (l *testLogger) Error(msg string, args ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.errors = append(l.errors, msg)
}

func (l *testLogger) Warn(msg string, args ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.warns = append(l.warns, msg)
}

func (l *testLogger) With(args ...any) types.Logger { return l }

// testClock is a settable clock.
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock(now time.Time) *testClock { return &testClock{now: now} }

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// fakeEntryRepo is an in-memory ScheduleEntryRepository keyed by
// plantID/taskType.
type fakeEntryRepo struct {
	mu      sync.Mutex
	entries map[string]*types.ScheduleEntry
}

func newFakeEntryRepo() *fakeEntryRepo {
	return &fakeEntryRepo{entries: make(map[string]*types.ScheduleEntry)}
}

func entryKey(plantID string, taskType types.TaskType) string {
	return plantID + "/" + string(taskType)
}

func (r *fakeEntryRepo) Get(_ context.Context, plantID string, taskType types.TaskType) (*types.ScheduleEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.entries[entryKey(plantID, taskType)]
	if !ok || entry.DeletedAt != nil {
		return nil, types.NewAppError(types.ErrCodeNotFoundSchedule, "schedule entry not found", nil)
	}
	cp := *entry
	return &cp, nil
}

func (r *fakeEntryRepo) GetByTask(_ context.Context, taskID string) (*types.ScheduleEntry, error) {
	return nil, types.NewAppError(types.ErrCodeNotFoundSchedule, "schedule entry not found", nil)
}

func (r *fakeEntryRepo) Upsert(_ context.Context, entry *types.ScheduleEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry.Version++
	cp := *entry
	r.entries[entryKey(entry.PlantID, entry.TaskType)] = &cp
	return nil
}

func (r *fakeEntryRepo) Update(_ context.Context, entry *types.ScheduleEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	stored, ok := r.entries[entryKey(entry.PlantID, entry.TaskType)]
	if !ok {
		return types.NewAppError(types.ErrCodeNotFoundSchedule, "schedule entry not found", nil)
	}
	if stored.Version != entry.Version {
		return types.NewAppError(types.ErrCodeConflictConcurrent, "version mismatch", nil)
	}
	entry.Version++
	cp := *entry
	r.entries[entryKey(entry.PlantID, entry.TaskType)] = &cp
	return nil
}

func (r *fakeEntryRepo) SoftDelete(_ context.Context, plantID string, taskType types.TaskType) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.entries[entryKey(plantID, taskType)]
	if !ok || entry.DeletedAt != nil {
		return types.NewAppError(types.ErrCodeNotFoundSchedule, "schedule entry not found", nil)
	}
	now := time.Now()
	entry.DeletedAt = &now
	entry.IsActive = false
	return nil
}

func (r *fakeEntryRepo) ListDue(_ context.Context, before time.Time, limit int) ([]*types.ScheduleEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*types.ScheduleEntry
	for _, e := range r.entries {
		if e.DeletedAt == nil && e.IsDue(before) {
			cp := *e
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (r *fakeEntryRepo) CountActive(_ context.Context) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.entries {
		if e.IsActive && e.DeletedAt == nil {
			n++
		}
	}
	return n, nil
}

func (r *fakeEntryRepo) PurgeDeleted(_ context.Context, cutoff time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for k, e := range r.entries {
		if e.DeletedAt != nil && e.DeletedAt.Before(cutoff) {
			delete(r.entries, k)
			n++
		}
	}
	return n, nil
}

// fakeDeliveryRepo is an in-memory DeliveryRecordRepository.
type fakeDeliveryRepo struct {
	mu      sync.Mutex
	records map[string]*types.DeliveryRecord
}

func newFakeDeliveryRepo() *fakeDeliveryRepo {
	return &fakeDeliveryRepo{records: make(map[string]*types.DeliveryRecord)}
}

func (r *fakeDeliveryRepo) Create(_ context.Context, rec *types.DeliveryRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *rec
	r.records[rec.NotificationID] = &cp
	return nil
}

func (r *fakeDeliveryRepo) Get(_ context.Context, notificationID string) (*types.DeliveryRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[notificationID]
	if !ok {
		return nil, types.NewAppError(types.ErrCodeNotFoundDelivery, "delivery record not found", nil)
	}
	cp := *rec
	return &cp, nil
}

func (r *fakeDeliveryRepo) ListByHandle(_ context.Context, handle string) ([]*types.DeliveryRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*types.DeliveryRecord
	for _, rec := range r.records {
		if rec.Handle == handle {
			cp := *rec
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (r *fakeDeliveryRepo) GetPendingByTask(_ context.Context, taskID string) (*types.DeliveryRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, rec := range r.records {
		if rec.TaskID == taskID && rec.Status == types.DeliveryStatusScheduled {
			cp := *rec
			return &cp, nil
		}
	}
	return nil, nil
}

func (r *fakeDeliveryRepo) AttachHandle(_ context.Context, notificationID, handle string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[notificationID]
	if !ok {
		return types.NewAppError(types.ErrCodeNotFoundDelivery, "delivery record not found", nil)
	}
	rec.Handle = handle
	return nil
}

func (r *fakeDeliveryRepo) UpdateStatus(_ context.Context, notificationID string, status types.DeliveryStatus, reason string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[notificationID]
	if !ok {
		return types.NewAppError(types.ErrCodeNotFoundDelivery, "delivery record not found", nil)
	}
	rec.Status = status
	rec.FailureReason = reason
	switch status {
	case types.DeliveryStatusSent:
		rec.SentAt = &at
	case types.DeliveryStatusDelivered:
		rec.DeliveredAt = &at
	case types.DeliveryStatusRead:
		rec.ReadAt = &at
	}
	return nil
}

func (r *fakeDeliveryRepo) IncrementRetry(_ context.Context, notificationID string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[notificationID]
	if !ok {
		return 0, types.NewAppError(types.ErrCodeNotFoundDelivery, "delivery record not found", nil)
	}
	rec.RetryCount++
	return rec.RetryCount, nil
}

func (r *fakeDeliveryRepo) ListTerminalBefore(_ context.Context, cutoff time.Time, limit int) ([]*types.DeliveryRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*types.DeliveryRecord
	for _, rec := range r.records {
		if rec.Status.IsTerminal() && rec.UpdatedAt.Before(cutoff) {
			cp := *rec
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (r *fakeDeliveryRepo) DeleteBefore(_ context.Context, cutoff time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for id, rec := range r.records {
		if rec.Status.IsTerminal() && rec.UpdatedAt.Before(cutoff) {
			delete(r.records, id)
			n++
		}
	}
	return n, nil
}

func (r *fakeDeliveryRepo) byTask(taskID string) []*types.DeliveryRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*types.DeliveryRecord
	for _, rec := range r.records {
		if rec.TaskID == taskID {
			cp := *rec
			out = append(out, &cp)
		}
	}
	return out
}

// fakeTransport records requests and cancellations, issuing sequential
// handles.
type fakeTransport struct {
	mu        sync.Mutex
	seq       int
	requests  []fakeRequest
	cancelled []string
	failNext  error
}

type fakeRequest struct {
	handle  string
	content types.DeliveryContent
	at      time.Time
}

func (t *fakeTransport) RequestDelivery(_ context.Context, content types.DeliveryContent, at time.Time) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.failNext != nil {
		err := t.failNext
		t.failNext = nil
		return "", err
	}
	t.seq++
	handle := fmt.Sprintf("h%d", t.seq)
	t.requests = append(t.requests, fakeRequest{handle: handle, content: content, at: at})
	return handle, nil
}

func (t *fakeTransport) CancelDelivery(_ context.Context, handle string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.cancelled = append(t.cancelled, handle)
	return nil
}

func (t *fakeTransport) lastRequest() fakeRequest {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.requests[len(t.requests)-1]
}

func (t *fakeTransport) requestCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.requests)
}

func (t *fakeTransport) cancelCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.cancelled)
}

// fakePrefs implements PreferenceCache with fixed values.
type fakePrefs struct {
	prefs   *types.UserPreferences
	profile *types.UserActivityProfile
	err     error
}

func (p *fakePrefs) Preferences(context.Context, string) (*types.UserPreferences, error) {
	if p.err != nil {
		return nil, p.err
	}
	return p.prefs, nil
}

func (p *fakePrefs) Profile(context.Context, string) (*types.UserActivityProfile, error) {
	if p.err != nil {
		return nil, p.err
	}
	return p.profile, nil
}

func (p *fakePrefs) Size() int { return 1 }

// fakeTaskSource serves a fixed overdue list.
type fakeTaskSource struct {
	overdue []types.TaskNotificationConfig
}

func (s *fakeTaskSource) ListOverdue(context.Context, time.Time, int) ([]types.TaskNotificationConfig, error) {
	return s.overdue, nil
}

// newTestEngine builds an Engine over the fakes with test-friendly tuning.
func newTestEngine(clock *testClock, prefs *fakePrefs, tasks *fakeTaskSource) (*Engine, *fakeEntryRepo, *fakeDeliveryRepo, *fakeTransport) {
	entries := newFakeEntryRepo()
	deliveries := newFakeDeliveryRepo()
	tr := &fakeTransport{}
	if prefs == nil {
		prefs = &fakePrefs{prefs: &types.UserPreferences{UserID: "user-1", BatchingEnabled: true}}
	}
	if tasks == nil {
		tasks = &fakeTaskSource{}
	}

	eng := New(Config{
		UserID:     "user-1",
		Entries:    entries,
		Deliveries: deliveries,
		Transport:  tr,
		Prefs:      prefs,
		Tasks:      tasks,
		Clock:      clock,
		Logger:     &testLogger{},
		Tuning:     testTuning(),
	})
	return eng, entries, deliveries, tr
}

func testTuning() config.EngineConfig {
	return config.EngineConfig{
		UserID:            "user-1",
		BatchWindow:       time.Hour,
		MaxBatchSize:      5,
		PollInterval:      5 * time.Minute,
		CriticalHorizon:   72 * time.Hour,
		ActivityTolerance: 3 * time.Hour,
		OperationTimeout:  5 * time.Second,
		MaxRetryAttempts:  5,
		SweepBatchLimit:   200,
	}
}
