package engine

import (
	"time"

	"growmate/internal/types"
)

// ActivityTimingOptimizer shifts candidate delivery instants toward the hours
// a user is historically most active in the app. A shift only happens when
// the nearest active hour is within the configured look-ahead tolerance;
// otherwise the original due date stands. Shifts are forward-only: a
// notification is never delivered before it would naturally fire.
type ActivityTimingOptimizer struct {
	tolerance time.Duration
	gate      *QuietHoursGate
	logger    types.Logger
}

// NewActivityTimingOptimizer creates an optimizer with the given look-ahead
// tolerance. Optimizer output is re-validated through the gate so a shift can
// never land inside quiet hours.
func NewActivityTimingOptimizer(tolerance time.Duration, gate *QuietHoursGate, logger types.Logger) *ActivityTimingOptimizer {
	return &ActivityTimingOptimizer{
		tolerance: tolerance,
		gate:      gate,
		logger:    logger,
	}
}

// Optimize returns one adjusted instant per input config, order-preserving.
// On any per-item failure the item falls back to its original due date
// rather than aborting the whole batch. quietStart/quietEnd are the user's
// quiet-hours bounds used for re-validation.
func (o *ActivityTimingOptimizer) Optimize(
	configs []types.TaskNotificationConfig,
	profile *types.UserActivityProfile,
	quietStart, quietEnd string,
) []time.Time {
	out := make([]time.Time, len(configs))
	for i, cfg := range configs {
		out[i] = o.optimizeOne(cfg, profile, quietStart, quietEnd)
	}
	return out
}

// optimizeOne computes the adjusted instant for a single config.
func (o *ActivityTimingOptimizer) optimizeOne(
	cfg types.TaskNotificationConfig,
	profile *types.UserActivityProfile,
	quietStart, quietEnd string,
) time.Time {
	due := cfg.DueDate
	if profile == nil || len(profile.MostActiveHours) == 0 {
		return due
	}

	dist, ok := nearestActiveHourDistance(due.Hour(), profile.MostActiveHours)
	if !ok || dist == 0 {
		// Already inside an active hour, or no usable hours.
		return due
	}

	if time.Duration(dist)*time.Hour > o.tolerance {
		return due
	}

	// Shift forward to the top of the active hour. Truncation can only pull
	// the instant back within the same hour, so the result stays >= due.
	shifted := due.Add(time.Duration(dist) * time.Hour).Truncate(time.Hour)
	if shifted.Before(due) {
		return due
	}

	// A shift must not land inside quiet hours.
	final := o.gate.NextAllowedInstant(shifted, quietStart, quietEnd)

	o.logger.Info("delivery shifted toward active hour",
		"task_id", cfg.TaskID,
		"original", due.Format(time.RFC3339),
		"shifted", final.Format(time.RFC3339),
	)

	return final
}

// nearestActiveHourDistance returns the forward distance in hours (wrapping
// at 24) from the given hour to the nearest active hour. Returns ok=false if
// no hour in the list is a valid hour-of-day.
func nearestActiveHourDistance(fromHour int, activeHours []int) (int, bool) {
	best := -1
	for _, h := range activeHours {
		if h < 0 || h > 23 {
			continue
		}
		d := (h - fromHour + 24) % 24
		if best == -1 || d < best {
			best = d
		}
	}
	if best == -1 {
		return 0, false
	}
	return best, true
}
