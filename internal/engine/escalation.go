package engine

import (
	"fmt"
	"math"
	"time"

	"growmate/internal/types"
)

// DefaultCriticalHorizon is the days-overdue span that maps to a 100%
// overdue ratio. The exact horizon is a tunable parameter, not a contract;
// the 70/80/90 thresholds are fixed relative to the ratio.
const DefaultCriticalHorizon = 72 * time.Hour

// Overdue ratio thresholds, read top-down, first match wins.
const (
	criticalRatioThreshold = 90.0
	highRatioThreshold     = 80.0
	moderateRatioThreshold = 70.0
)

// EscalationMonitor classifies overdue tasks by severity and builds the
// high-priority escalation notifications emitted by the periodic sweep.
// Classification is independent of normal scheduling.
type EscalationMonitor struct {
	horizon time.Duration
	logger  types.Logger
}

// NewEscalationMonitor creates a monitor with the given critical horizon.
// A non-positive horizon falls back to the default.
func NewEscalationMonitor(horizon time.Duration, logger types.Logger) *EscalationMonitor {
	if horizon <= 0 {
		horizon = DefaultCriticalHorizon
	}
	return &EscalationMonitor{horizon: horizon, logger: logger}
}

// Classify computes the overdue ratio and severity for a task due at dueDate
// as of now. Tasks not yet due classify as SeverityNone with ratio 0.
//
//	ratio = min((now - dueDate) / horizon, 1) * 100
//	ratio > 90 -> critical, > 80 -> high, > 70 -> moderate, else none
func (m *EscalationMonitor) Classify(dueDate, now time.Time) (types.EscalationSeverity, float64) {
	overdue := now.Sub(dueDate)
	if overdue <= 0 {
		return types.SeverityNone, 0
	}

	ratio := math.Min(float64(overdue)/float64(m.horizon), 1) * 100

	switch {
	case ratio > criticalRatioThreshold:
		return types.SeverityCritical, ratio
	case ratio > highRatioThreshold:
		return types.SeverityHigh, ratio
	case ratio > moderateRatioThreshold:
		return types.SeverityModerate, ratio
	default:
		return types.SeverityNone, ratio
	}
}

// Evaluate classifies one overdue task config and, if it crosses the
// moderate threshold, returns the escalation to emit. Returns nil when no
// escalation applies (the task remains simply "due").
func (m *EscalationMonitor) Evaluate(cfg types.TaskNotificationConfig, now time.Time) *types.EscalationResult {
	severity, ratio := m.Classify(cfg.DueDate, now)
	if severity == types.SeverityNone {
		return nil
	}

	daysOverdue := int(now.Sub(cfg.DueDate).Hours() / 24)

	title := fmt.Sprintf("Overdue: %s", taskTitleOrType(cfg))
	body := fmt.Sprintf("%s: %s is %d days overdue", cfg.PlantName, cfg.TaskType, daysOverdue)

	return &types.EscalationResult{
		TaskID:       cfg.TaskID,
		PlantID:      cfg.PlantID,
		PlantName:    cfg.PlantName,
		TaskType:     cfg.TaskType,
		Severity:     severity,
		OverdueRatio: ratio,
		DaysOverdue:  daysOverdue,
		Title:        title,
		Body:         body,
	}
}

// taskTitleOrType falls back to the task type when no title was supplied.
func taskTitleOrType(cfg types.TaskNotificationConfig) string {
	if cfg.TaskTitle != "" {
		return cfg.TaskTitle
	}
	return string(cfg.TaskType)
}
