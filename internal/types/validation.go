package types

// Validation constraint constants.
const (
	MinIntervalHours = 1
	MaxIntervalHours = 8760 // one year
	MaxTitleLength   = 200
	MaxBatchSizeCap  = 20
)

// Validate checks a TaskNotificationConfig for structural problems before it
// enters the scheduling pipeline. Returns an AppError with a validation code
// on the first violation found.
func (c *TaskNotificationConfig) Validate() error {
	if c.TaskID == "" {
		return NewAppError(ErrCodeValidationMissingTaskID, "task id is required", nil)
	}
	if c.PlantID == "" {
		return NewAppError(ErrCodeValidationMissingPlantID, "plant id is required", nil)
	}
	if !c.TaskType.IsValid() {
		return NewAppError(ErrCodeValidationInvalidTaskType, "unknown task type '"+string(c.TaskType)+"'", nil)
	}
	if c.Priority != "" && !c.Priority.IsValid() {
		return NewAppError(ErrCodeValidationInvalidPriority, "unknown priority '"+string(c.Priority)+"'", nil)
	}
	if c.EstimatedDuration < 0 {
		return NewAppError(ErrCodeValidationInvalidDuration, "estimated duration must not be negative", nil)
	}
	if c.DueDate.IsZero() {
		return NewAppError(ErrCodeValidationMissingDueDate, "due date is required", nil)
	}
	return nil
}

// Validate checks a ScheduleEntry's recurrence fields.
func (e *ScheduleEntry) Validate() error {
	if e.PlantID == "" {
		return NewAppError(ErrCodeValidationMissingPlantID, "plant id is required", nil)
	}
	if !e.TaskType.IsValid() {
		return NewAppError(ErrCodeValidationInvalidTaskType, "unknown task type '"+string(e.TaskType)+"'", nil)
	}
	if e.IntervalHours < MinIntervalHours || e.IntervalHours > MaxIntervalHours {
		return NewAppError(ErrCodeValidationInterval, "interval hours out of range", nil)
	}
	if e.MaxNotifications != nil && *e.MaxNotifications < 0 {
		return NewAppError(ErrCodeValidationInterval, "max notifications must not be negative", nil)
	}
	return nil
}
