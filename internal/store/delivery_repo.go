package store

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"growmate/internal/types"
)

// DeliveryRecordRepository provides data access for the delivery_records
// table. Records are append-mostly: status transitions and handle stamps are
// the only mutations, and terminal rows are eventually archived and deleted
// by retention.
type DeliveryRecordRepository struct {
	db DBTX
}

var _ types.DeliveryRecordRepository = (*DeliveryRecordRepository)(nil)

// NewDeliveryRecordRepository creates a repository backed by the given
// database connection (pool or transaction).
func NewDeliveryRecordRepository(db DBTX) *DeliveryRecordRepository {
	return &DeliveryRecordRepository{db: db}
}

const deliveryColumns = `
	notification_id, task_id, status, transport_handle, sent_at,
	delivered_at, read_at, retry_count, failure_reason, created_at, updated_at`

// Create inserts a new delivery record. The caller sets NotificationID,
// TaskID and Status; timestamps default in the database when zero.
func (r *DeliveryRecordRepository) Create(ctx context.Context, rec *types.DeliveryRecord) error {
	row := r.db.QueryRow(ctx,
		`INSERT INTO delivery_records
		 (notification_id, task_id, status, transport_handle, retry_count, created_at)
		 VALUES ($1, $2, $3, $4, $5, COALESCE($6, NOW()))
		 RETURNING created_at, updated_at`,
		rec.NotificationID,
		rec.TaskID,
		string(rec.Status),
		nilIfEmpty(rec.Handle),
		rec.RetryCount,
		nilIfZeroTime(rec.CreatedAt),
	)
	if err := row.Scan(&rec.CreatedAt, &rec.UpdatedAt); err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to create delivery record", err)
	}
	return nil
}

// Get retrieves a record by notification id.
func (r *DeliveryRecordRepository) Get(ctx context.Context, notificationID string) (*types.DeliveryRecord, error) {
	row := r.db.QueryRow(ctx,
		`SELECT`+deliveryColumns+`
		 FROM delivery_records
		 WHERE notification_id = $1`,
		notificationID,
	)

	rec, err := scanDeliveryRecord(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, types.NewAppError(types.ErrCodeNotFoundDelivery, "delivery record not found", nil)
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to get delivery record", err)
	}
	return rec, nil
}

// ListByHandle returns every record sharing a transport handle. Batch
// members are delivered under one handle, so a callback fans out to all of
// them.
func (r *DeliveryRecordRepository) ListByHandle(ctx context.Context, handle string) ([]*types.DeliveryRecord, error) {
	rows, err := r.db.Query(ctx,
		`SELECT`+deliveryColumns+`
		 FROM delivery_records
		 WHERE transport_handle = $1
		 ORDER BY created_at`,
		handle,
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to list records by handle", err)
	}
	defer rows.Close()

	var results []*types.DeliveryRecord
	for rows.Next() {
		rec, scanErr := scanDeliveryRecord(rows)
		if scanErr != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan delivery record row", scanErr)
		}
		results = append(results, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "error iterating delivery record rows", err)
	}

	return results, nil
}

// GetPendingByTask returns the task's most recent non-terminal record, or
// nil when the task has nothing pending.
func (r *DeliveryRecordRepository) GetPendingByTask(ctx context.Context, taskID string) (*types.DeliveryRecord, error) {
	row := r.db.QueryRow(ctx,
		`SELECT`+deliveryColumns+`
		 FROM delivery_records
		 WHERE task_id = $1 AND status = 'scheduled'
		 ORDER BY created_at DESC
		 LIMIT 1`,
		taskID,
	)

	rec, err := scanDeliveryRecord(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to get pending record for task", err)
	}
	return rec, nil
}

// AttachHandle stamps the transport handle onto a record after a successful
// delivery request.
func (r *DeliveryRecordRepository) AttachHandle(ctx context.Context, notificationID, handle string) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE delivery_records SET
			transport_handle = $1,
			updated_at = NOW()
		 WHERE notification_id = $2`,
		handle,
		notificationID,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to attach transport handle", err)
	}
	if tag.RowsAffected() == 0 {
		return types.NewAppError(types.ErrCodeNotFoundDelivery, "delivery record not found", nil)
	}
	return nil
}

// UpdateStatus transitions a record's status, stamping the matching
// lifecycle timestamp for sent/delivered/read and the failure reason for
// failed transitions.
func (r *DeliveryRecordRepository) UpdateStatus(ctx context.Context, notificationID string, status types.DeliveryStatus, reason string, at time.Time) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE delivery_records SET
			status = $1,
			failure_reason = $2,
			sent_at = CASE WHEN $1 = 'sent' THEN $3 ELSE sent_at END,
			delivered_at = CASE WHEN $1 = 'delivered' THEN $3 ELSE delivered_at END,
			read_at = CASE WHEN $1 = 'read' THEN $3 ELSE read_at END,
			updated_at = NOW()
		 WHERE notification_id = $4`,
		string(status),
		nilIfEmpty(reason),
		at,
		notificationID,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to update delivery status", err)
	}
	if tag.RowsAffected() == 0 {
		return types.NewAppError(types.ErrCodeNotFoundDelivery, "delivery record not found", nil)
	}
	return nil
}

// IncrementRetry bumps the record's retry counter and returns the new count.
func (r *DeliveryRecordRepository) IncrementRetry(ctx context.Context, notificationID string) (int, error) {
	var count int
	err := r.db.QueryRow(ctx,
		`UPDATE delivery_records SET
			retry_count = retry_count + 1,
			updated_at = NOW()
		 WHERE notification_id = $1
		 RETURNING retry_count`,
		notificationID,
	).Scan(&count)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, types.NewAppError(types.ErrCodeNotFoundDelivery, "delivery record not found", nil)
		}
		return 0, types.NewAppError(types.ErrCodeInternalDB, "failed to increment retry count", err)
	}
	return count, nil
}

// ListTerminalBefore returns terminal records older than the cutoff, oldest
// first. Used by retention archiving.
func (r *DeliveryRecordRepository) ListTerminalBefore(ctx context.Context, cutoff time.Time, limit int) ([]*types.DeliveryRecord, error) {
	if limit <= 0 {
		limit = 500
	}

	rows, err := r.db.Query(ctx,
		`SELECT`+deliveryColumns+`
		 FROM delivery_records
		 WHERE status IN ('delivered', 'read', 'failed', 'cancelled')
		   AND updated_at < $1
		 ORDER BY updated_at
		 LIMIT $2`,
		cutoff,
		limit,
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to list terminal records", err)
	}
	defer rows.Close()

	var results []*types.DeliveryRecord
	for rows.Next() {
		rec, scanErr := scanDeliveryRecord(rows)
		if scanErr != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan delivery record row", scanErr)
		}
		results = append(results, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "error iterating delivery record rows", err)
	}

	return results, nil
}

// DeleteBefore hard-deletes terminal records older than the cutoff. Returns
// the count of deleted rows.
func (r *DeliveryRecordRepository) DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := r.db.Exec(ctx,
		`DELETE FROM delivery_records
		 WHERE status IN ('delivered', 'read', 'failed', 'cancelled')
		   AND updated_at < $1`,
		cutoff,
	)
	if err != nil {
		return 0, types.NewAppError(types.ErrCodeInternalDB, "failed to delete old delivery records", err)
	}
	return tag.RowsAffected(), nil
}

// scanDeliveryRecord scans one delivery_records row. Works for both pgx.Row
// and pgx.Rows.
func scanDeliveryRecord(row pgx.Row) (*types.DeliveryRecord, error) {
	var (
		rec           types.DeliveryRecord
		status        string
		handle        *string
		failureReason *string
	)

	err := row.Scan(
		&rec.NotificationID,
		&rec.TaskID,
		&status,
		&handle,
		&rec.SentAt,
		&rec.DeliveredAt,
		&rec.ReadAt,
		&rec.RetryCount,
		&failureReason,
		&rec.CreatedAt,
		&rec.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	rec.Status = types.DeliveryStatus(status)
	if handle != nil {
		rec.Handle = *handle
	}
	if failureReason != nil {
		rec.FailureReason = *failureReason
	}
	return &rec, nil
}

// nilIfEmpty maps an empty string to SQL NULL.
func nilIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// nilIfZeroTime maps a zero time to SQL NULL so column defaults apply.
func nilIfZeroTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}
