package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"growmate/internal/types"
)

// ScheduleEntryRepository provides data access for the schedule_entries
// table. One row per (plant_id, task_type) pair; the pair is unique among
// non-deleted rows.
//
// Update is version-conditional: the write succeeds only when the stored
// version matches the caller's snapshot, so concurrent writers detect lost
// updates instead of silently clobbering each other.
type ScheduleEntryRepository struct {
	db DBTX
}

var _ types.ScheduleEntryRepository = (*ScheduleEntryRepository)(nil)

// NewScheduleEntryRepository creates a repository backed by the given
// database connection (pool or transaction).
func NewScheduleEntryRepository(db DBTX) *ScheduleEntryRepository {
	return &ScheduleEntryRepository{db: db}
}

const scheduleEntryColumns = `
	id, plant_id, task_type, next_notification, interval_hours,
	max_notifications, sent_count, is_active, settings, version,
	created_at, updated_at, deleted_at`

// Get retrieves the non-deleted entry for a (plant, task-type) pair.
func (r *ScheduleEntryRepository) Get(ctx context.Context, plantID string, taskType types.TaskType) (*types.ScheduleEntry, error) {
	row := r.db.QueryRow(ctx,
		`SELECT`+scheduleEntryColumns+`
		 FROM schedule_entries
		 WHERE plant_id = $1 AND task_type = $2 AND deleted_at IS NULL`,
		plantID,
		string(taskType),
	)

	entry, err := scanScheduleEntry(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, types.NewAppError(types.ErrCodeNotFoundSchedule, "schedule entry not found", nil)
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to get schedule entry", err)
	}
	return entry, nil
}

// GetByTask resolves the entry through the tasks table, for callers that
// only hold a task id.
func (r *ScheduleEntryRepository) GetByTask(ctx context.Context, taskID string) (*types.ScheduleEntry, error) {
	row := r.db.QueryRow(ctx,
		`SELECT
			se.id, se.plant_id, se.task_type, se.next_notification, se.interval_hours,
			se.max_notifications, se.sent_count, se.is_active, se.settings, se.version,
			se.created_at, se.updated_at, se.deleted_at
		 FROM schedule_entries se
		 JOIN tasks t ON t.plant_id = se.plant_id AND t.task_type = se.task_type
		 WHERE t.id = $1 AND se.deleted_at IS NULL`,
		taskID,
	)

	entry, err := scanScheduleEntry(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, types.NewAppError(types.ErrCodeNotFoundSchedule, "schedule entry not found for task", nil)
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to get schedule entry by task", err)
	}
	return entry, nil
}

// Upsert inserts the entry or revives/replaces an existing row for the same
// (plant, task-type) pair. The row's version restarts at 1 on insert and
// increments on conflict-update.
func (r *ScheduleEntryRepository) Upsert(ctx context.Context, entry *types.ScheduleEntry) error {
	settings, err := json.Marshal(entry.Settings)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalUnexpected, "failed to encode entry settings", err)
	}

	row := r.db.QueryRow(ctx,
		`INSERT INTO schedule_entries
		 (plant_id, task_type, next_notification, interval_hours,
		  max_notifications, sent_count, is_active, settings, version)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, 1)
		 ON CONFLICT (plant_id, task_type) DO UPDATE SET
			next_notification = EXCLUDED.next_notification,
			interval_hours = EXCLUDED.interval_hours,
			max_notifications = EXCLUDED.max_notifications,
			is_active = EXCLUDED.is_active,
			settings = EXCLUDED.settings,
			version = schedule_entries.version + 1,
			deleted_at = NULL,
			updated_at = NOW()
		 RETURNING id, version, created_at, updated_at`,
		entry.PlantID,
		string(entry.TaskType),
		entry.NextNotification,
		entry.IntervalHours,
		entry.MaxNotifications,
		entry.SentCount,
		entry.IsActive,
		settings,
	)
	if err := row.Scan(&entry.ID, &entry.Version, &entry.CreatedAt, &entry.UpdatedAt); err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to upsert schedule entry", err)
	}
	return nil
}

// Update writes the entry only when the stored version matches
// entry.Version. On success entry.Version is incremented; a version mismatch
// surfaces as a concurrent-modification conflict.
func (r *ScheduleEntryRepository) Update(ctx context.Context, entry *types.ScheduleEntry) error {
	settings, err := json.Marshal(entry.Settings)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalUnexpected, "failed to encode entry settings", err)
	}

	tag, err := r.db.Exec(ctx,
		`UPDATE schedule_entries SET
			next_notification = $1,
			interval_hours = $2,
			max_notifications = $3,
			sent_count = $4,
			is_active = $5,
			settings = $6,
			deleted_at = $7,
			version = version + 1,
			updated_at = NOW()
		 WHERE plant_id = $8 AND task_type = $9 AND version = $10`,
		entry.NextNotification,
		entry.IntervalHours,
		entry.MaxNotifications,
		entry.SentCount,
		entry.IsActive,
		settings,
		entry.DeletedAt,
		entry.PlantID,
		string(entry.TaskType),
		entry.Version,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to update schedule entry", err)
	}
	if tag.RowsAffected() == 0 {
		return types.NewAppError(types.ErrCodeConflictConcurrent,
			"schedule entry was modified concurrently", nil)
	}

	entry.Version++
	return nil
}

// SoftDelete marks the entry deleted without removing the row. Retention
// cleanup purges it after the grace period.
func (r *ScheduleEntryRepository) SoftDelete(ctx context.Context, plantID string, taskType types.TaskType) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE schedule_entries SET
			is_active = FALSE,
			deleted_at = NOW(),
			version = version + 1,
			updated_at = NOW()
		 WHERE plant_id = $1 AND task_type = $2 AND deleted_at IS NULL`,
		plantID,
		string(taskType),
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to soft-delete schedule entry", err)
	}
	if tag.RowsAffected() == 0 {
		return types.NewAppError(types.ErrCodeNotFoundSchedule, "schedule entry not found", nil)
	}
	return nil
}

// ListDue returns active entries whose next notification instant has passed,
// oldest first.
func (r *ScheduleEntryRepository) ListDue(ctx context.Context, before time.Time, limit int) ([]*types.ScheduleEntry, error) {
	if limit <= 0 {
		limit = 100
	}

	rows, err := r.db.Query(ctx,
		`SELECT`+scheduleEntryColumns+`
		 FROM schedule_entries
		 WHERE is_active = TRUE
		   AND deleted_at IS NULL
		   AND next_notification <= $1
		 ORDER BY next_notification
		 LIMIT $2`,
		before,
		limit,
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to list due entries", err)
	}
	defer rows.Close()

	var results []*types.ScheduleEntry
	for rows.Next() {
		entry, scanErr := scanScheduleEntry(rows)
		if scanErr != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan schedule entry row", scanErr)
		}
		results = append(results, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "error iterating schedule entry rows", err)
	}

	return results, nil
}

// CountActive returns the number of live entries.
func (r *ScheduleEntryRepository) CountActive(ctx context.Context) (int, error) {
	var count int
	err := r.db.QueryRow(ctx,
		`SELECT COUNT(*) FROM schedule_entries
		 WHERE is_active = TRUE AND deleted_at IS NULL`,
	).Scan(&count)
	if err != nil {
		return 0, types.NewAppError(types.ErrCodeInternalDB, "failed to count active entries", err)
	}
	return count, nil
}

// PurgeDeleted hard-deletes soft-deleted entries older than the cutoff.
// Returns the number of rows removed.
func (r *ScheduleEntryRepository) PurgeDeleted(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := r.db.Exec(ctx,
		`DELETE FROM schedule_entries
		 WHERE deleted_at IS NOT NULL AND deleted_at < $1`,
		cutoff,
	)
	if err != nil {
		return 0, types.NewAppError(types.ErrCodeInternalDB, "failed to purge deleted entries", err)
	}
	return tag.RowsAffected(), nil
}

// scanScheduleEntry scans one schedule_entries row. Works for both pgx.Row
// and pgx.Rows.
func scanScheduleEntry(row pgx.Row) (*types.ScheduleEntry, error) {
	var (
		entry    types.ScheduleEntry
		taskType string
		settings []byte
	)

	err := row.Scan(
		&entry.ID,
		&entry.PlantID,
		&taskType,
		&entry.NextNotification,
		&entry.IntervalHours,
		&entry.MaxNotifications,
		&entry.SentCount,
		&entry.IsActive,
		&settings,
		&entry.Version,
		&entry.CreatedAt,
		&entry.UpdatedAt,
		&entry.DeletedAt,
	)
	if err != nil {
		return nil, err
	}

	entry.TaskType = types.TaskType(taskType)
	if len(settings) > 0 {
		// Malformed settings degrade to zero values rather than failing the read.
		_ = json.Unmarshal(settings, &entry.Settings)
	}
	return &entry, nil
}
