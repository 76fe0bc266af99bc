package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"growmate/internal/types"
)

// scheduleRequest is the DTO for POST /v1/schedule.
type scheduleRequest struct {
	TaskID            string    `json:"task_id" validate:"required"`
	PlantID           string    `json:"plant_id" validate:"required"`
	PlantName         string    `json:"plant_name"`
	TaskType          string    `json:"task_type" validate:"required"`
	TaskTitle         string    `json:"task_title"`
	DueDate           time.Time `json:"due_date" validate:"required"`
	Priority          string    `json:"priority" validate:"omitempty,oneof=low medium high critical"`
	EstimatedDuration int       `json:"estimated_duration_minutes" validate:"gte=0,lte=1440"`
	IsRecurring       bool      `json:"is_recurring"`
}

func (req scheduleRequest) toConfig() types.TaskNotificationConfig {
	priority := types.Priority(req.Priority)
	if priority == "" {
		priority = types.PriorityMedium
	}
	return types.TaskNotificationConfig{
		TaskID:            req.TaskID,
		PlantID:           req.PlantID,
		PlantName:         req.PlantName,
		TaskType:          types.TaskType(req.TaskType),
		TaskTitle:         req.TaskTitle,
		DueDate:           req.DueDate,
		Priority:          priority,
		EstimatedDuration: req.EstimatedDuration,
		IsRecurring:       req.IsRecurring,
	}
}

// batchScheduleRequest is the DTO for POST /v1/schedule/batch.
type batchScheduleRequest struct {
	Configs []scheduleRequest `json:"configs" validate:"required,min=1,max=100,dive"`
}

// rescheduleRequest is the DTO for POST /v1/tasks/{taskID}/reschedule.
type rescheduleRequest struct {
	NewDueDate time.Time `json:"new_due_date" validate:"required"`
}

// handleSchedule schedules one notification config.
func (s *Server) handleSchedule(w http.ResponseWriter, r *http.Request) {
	var req scheduleRequest
	if err := DecodeJSON(w, r, &req); err != nil {
		Error(w, r, err)
		return
	}
	if err := s.validateRequest(req); err != nil {
		Error(w, r, err)
		return
	}

	if err := s.engine.Schedule(r.Context(), req.toConfig()); err != nil {
		Error(w, r, err)
		return
	}
	JSON(w, r, http.StatusAccepted, APIResponse{Data: map[string]string{
		"task_id": req.TaskID,
		"status":  "scheduled",
	}})
}

// handleScheduleBatch schedules a set of configs, returning per-config
// outcomes. Partial failure still returns the outcome body with a 400.
func (s *Server) handleScheduleBatch(w http.ResponseWriter, r *http.Request) {
	var req batchScheduleRequest
	if err := DecodeJSON(w, r, &req); err != nil {
		Error(w, r, err)
		return
	}
	if err := s.validateRequest(req); err != nil {
		Error(w, r, err)
		return
	}

	cfgs := make([]types.TaskNotificationConfig, len(req.Configs))
	for i, c := range req.Configs {
		cfgs[i] = c.toConfig()
	}

	outcome, err := s.engine.ScheduleMultiple(r.Context(), cfgs)
	status := http.StatusAccepted
	if err != nil {
		status = http.StatusBadRequest
	}
	JSON(w, r, status, APIResponse{Data: outcome})
}

// handleCancel voids any pending notification for a task. Idempotent.
func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "taskID")

	if err := s.engine.Cancel(r.Context(), taskID); err != nil {
		Error(w, r, err)
		return
	}
	JSON(w, r, http.StatusOK, APIResponse{Data: map[string]string{
		"task_id": taskID,
		"status":  "cancelled",
	}})
}

// handleReschedule atomically moves a task's pending notification to a new
// due date.
func (s *Server) handleReschedule(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "taskID")

	var req rescheduleRequest
	if err := DecodeJSON(w, r, &req); err != nil {
		Error(w, r, err)
		return
	}
	if err := s.validateRequest(req); err != nil {
		Error(w, r, err)
		return
	}

	if err := s.engine.Reschedule(r.Context(), taskID, req.NewDueDate); err != nil {
		Error(w, r, err)
		return
	}
	JSON(w, r, http.StatusAccepted, APIResponse{Data: map[string]string{
		"task_id": taskID,
		"status":  "rescheduled",
	}})
}

// handleSweep nudges an overdue sweep outside the regular poll cadence.
func (s *Server) handleSweep(w http.ResponseWriter, r *http.Request) {
	results, err := s.engine.ProcessOverdue(r.Context())
	if err != nil {
		Error(w, r, err)
		return
	}
	JSON(w, r, http.StatusOK, APIResponse{Data: map[string]any{
		"escalations": results,
		"count":       len(results),
	}})
}

// handleDeliveryEvent ingests a transport lifecycle callback.
func (s *Server) handleDeliveryEvent(w http.ResponseWriter, r *http.Request) {
	var event types.DeliveryEvent
	if err := DecodeJSON(w, r, &event); err != nil {
		Error(w, r, err)
		return
	}
	if event.Handle == "" || event.Status == "" {
		Error(w, r, types.NewAppError(errCodeValidationInvalidJSON,
			"handle and status are required", nil))
		return
	}

	if err := s.engine.OnDeliveryEvent(r.Context(), event); err != nil {
		Error(w, r, err)
		return
	}
	JSON(w, r, http.StatusOK, APIResponse{Data: map[string]string{"status": "applied"}})
}

// handleStats returns the engine's aggregate counters.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	JSON(w, r, http.StatusOK, APIResponse{Data: s.engine.Stats()})
}

// handleHealth is the liveness probe.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	JSON(w, r, http.StatusOK, map[string]string{"status": "ok"})
}

// validateRequest runs struct validation and converts the first failure into
// a field-tagged AppError.
func (s *Server) validateRequest(req any) error {
	err := s.validate.Struct(req)
	if err == nil {
		return nil
	}

	var invalid validator.ValidationErrors
	if errors.As(err, &invalid) && len(invalid) > 0 {
		fe := invalid[0]
		appErr := types.NewAppError(errCodeValidationInvalidJSON,
			"validation failed on field "+fe.Field(), err)
		appErr.Details = map[string]any{
			"field": fe.Field(),
			"rule":  fe.Tag(),
		}
		return appErr
	}
	return types.NewAppError(errCodeValidationInvalidJSON, "validation failed", err)
}
