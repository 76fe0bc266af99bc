// Package engine implements the task notification scheduling engine: the
// subsystem that decides when, whether, and how to notify a user about a
// plant-care task. It combines quiet-hours gating, activity-based timing
// optimization, same-plant batching, overdue escalation, and delivery retry
// coordination behind a single facade.
//
// All state hangs off an explicit Engine instance constructed with injected
// collaborators (store, transport, preference cache, clock); there are no
// package-level caches or counters.
package engine

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"growmate/internal/types"
)

// quietStep is the fixed increment by which a candidate instant is advanced
// until it exits the quiet-hours window.
const quietStep = 30 * time.Minute

// maxQuietSteps bounds the advance loop at one full day of steps. A window
// that blocks the entire day would otherwise never yield a valid instant; in
// that case the gate fails open and returns the candidate unchanged.
const maxQuietSteps = 49

// QuietHoursGate defers candidate delivery instants that fall inside a
// configured do-not-disturb window. Windows are inclusive at both bounds and
// may cross midnight (start > end).
//
// Malformed HH:MM strings disable quiet hours for the call (fail open): a
// notification is never silently dropped because of a bad preference value.
type QuietHoursGate struct {
	logger types.Logger
}

// NewQuietHoursGate creates a QuietHoursGate.
func NewQuietHoursGate(logger types.Logger) *QuietHoursGate {
	return &QuietHoursGate{logger: logger}
}

// NextAllowedInstant returns the next instant at or after candidate that
// falls outside the quiet-hours window [quietStart, quietEnd]. Empty strings
// mean quiet hours are not configured.
func (g *QuietHoursGate) NextAllowedInstant(candidate time.Time, quietStart, quietEnd string) time.Time {
	if quietStart == "" || quietEnd == "" {
		return candidate
	}

	start, err := parseTimeOfDay(quietStart)
	if err != nil {
		g.logger.Warn("malformed quiet hours start, quiet hours disabled",
			"value", quietStart,
			"error", err.Error(),
		)
		return candidate
	}

	end, err := parseTimeOfDay(quietEnd)
	if err != nil {
		g.logger.Warn("malformed quiet hours end, quiet hours disabled",
			"value", quietEnd,
			"error", err.Error(),
		)
		return candidate
	}

	adjusted := candidate
	for i := 0; inQuietWindow(adjusted, start, end); i++ {
		if i >= maxQuietSteps {
			// The window covers the whole day. Deliver anyway.
			g.logger.Warn("quiet hours window blocks the entire day, delivering anyway",
				"quiet_start", quietStart,
				"quiet_end", quietEnd,
			)
			return candidate
		}
		adjusted = adjusted.Add(quietStep)
	}

	return adjusted
}

// InQuietHours reports whether the instant falls inside the window. Malformed
// strings are treated as "no quiet hours" (fail open).
func (g *QuietHoursGate) InQuietHours(instant time.Time, quietStart, quietEnd string) bool {
	if quietStart == "" || quietEnd == "" {
		return false
	}
	start, err := parseTimeOfDay(quietStart)
	if err != nil {
		return false
	}
	end, err := parseTimeOfDay(quietEnd)
	if err != nil {
		return false
	}
	return inQuietWindow(instant, start, end)
}

// timeOfDay represents a wall-clock time with hour and minute components.
type timeOfDay struct {
	hour   int
	minute int
}

// toMinutes converts a timeOfDay to minutes since midnight for comparison.
func (t timeOfDay) toMinutes() int {
	return t.hour*60 + t.minute
}

// parseTimeOfDay parses a "HH:MM" string into a timeOfDay. Exactly two
// numeric parts are required; trailing characters or extra components make
// the string malformed rather than silently truncated.
func parseTimeOfDay(s string) (timeOfDay, error) {
	parts := strings.Split(s, ":")
	if len(parts) != 2 {
		return timeOfDay{}, fmt.Errorf("expected HH:MM format, got %q", s)
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil {
		return timeOfDay{}, fmt.Errorf("expected HH:MM format, got %q", s)
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil {
		return timeOfDay{}, fmt.Errorf("expected HH:MM format, got %q", s)
	}
	if h < 0 || h > 23 || m < 0 || m > 59 {
		return timeOfDay{}, fmt.Errorf("time out of range: %q", s)
	}
	return timeOfDay{hour: h, minute: m}, nil
}

// inQuietWindow checks whether the instant's minute-of-day falls inside the
// window. Same-day windows (start <= end) block [start, end] inclusive;
// overnight windows (start > end) block [start, midnight) plus [0, end].
func inQuietWindow(instant time.Time, start, end timeOfDay) bool {
	m := instant.Hour()*60 + instant.Minute()
	startMin := start.toMinutes()
	endMin := end.toMinutes()

	if startMin <= endMin {
		return m >= startMin && m <= endMin
	}
	return m >= startMin || m <= endMin
}
