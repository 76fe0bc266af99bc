package store

import (
	"context"
	"time"

	"growmate/internal/types"
)

// TaskSource reads scheduling configs out of the tasks table for the overdue
// sweep. It joins plants for display names and excludes completed and
// deleted tasks.
type TaskSource struct {
	db DBTX
}

var _ types.TaskSource = (*TaskSource)(nil)

// NewTaskSource creates a task source backed by the given database
// connection.
func NewTaskSource(db DBTX) *TaskSource {
	return &TaskSource{db: db}
}

// ListOverdue returns configs for incomplete tasks whose due date has
// passed, most overdue first.
func (s *TaskSource) ListOverdue(ctx context.Context, now time.Time, limit int) ([]types.TaskNotificationConfig, error) {
	if limit <= 0 {
		limit = 200
	}

	rows, err := s.db.Query(ctx,
		`SELECT t.id, t.plant_id, COALESCE(p.name, ''), t.task_type, COALESCE(t.title, ''),
		        t.due_date, t.priority, COALESCE(t.estimated_duration_minutes, 0), t.is_recurring
		 FROM tasks t
		 LEFT JOIN plants p ON p.id = t.plant_id
		 WHERE t.completed_at IS NULL
		   AND t.deleted_at IS NULL
		   AND t.due_date < $1
		 ORDER BY t.due_date
		 LIMIT $2`,
		now,
		limit,
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to list overdue tasks", err)
	}
	defer rows.Close()

	var results []types.TaskNotificationConfig
	for rows.Next() {
		var (
			cfg      types.TaskNotificationConfig
			taskType string
			priority string
		)
		if err := rows.Scan(
			&cfg.TaskID,
			&cfg.PlantID,
			&cfg.PlantName,
			&taskType,
			&cfg.TaskTitle,
			&cfg.DueDate,
			&priority,
			&cfg.EstimatedDuration,
			&cfg.IsRecurring,
		); err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan task row", err)
		}
		cfg.TaskType = types.TaskType(taskType)
		cfg.Priority = types.Priority(priority)
		results = append(results, cfg)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "error iterating task rows", err)
	}

	return results, nil
}
