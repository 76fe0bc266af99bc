package engine

import (
	"strings"
	"testing"
	"time"

	"growmate/internal/types"
)

func overdueConfig(dueDate time.Time) types.TaskNotificationConfig {
	return types.TaskNotificationConfig{
		TaskID:    "task-1",
		PlantID:   "plant-1",
		PlantName: "Monstera",
		TaskType:  types.TaskWatering,
		DueDate:   dueDate,
		Priority:  types.PriorityMedium,
	}
}

func TestEscalationMonitor_SeverityThresholds(t *testing.T) {
	m := NewEscalationMonitor(72*time.Hour, &testLogger{})
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

	cases := []struct {
		name    string
		overdue time.Duration
		want    types.EscalationSeverity
	}{
		{"not overdue", -time.Hour, types.SeverityNone},
		{"barely overdue", 6 * time.Hour, types.SeverityNone},
		{"just under moderate", 50 * time.Hour, types.SeverityNone}, // 69.4%
		{"moderate at 70%", 51 * time.Hour, types.SeverityModerate}, // 70.8%
		{"high at 80%", 58 * time.Hour, types.SeverityHigh},         // 80.6%
		{"critical at 90%", 65 * time.Hour, types.SeverityCritical}, // 90.3%
		{"past horizon", 200 * time.Hour, types.SeverityCritical},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			severity, _ := m.Classify(now.Add(-tc.overdue), now)
			if severity != tc.want {
				t.Errorf("Classify(%v overdue) = %v, want %v", tc.overdue, severity, tc.want)
			}
		})
	}
}

func TestEscalationMonitor_RatioCapsAt100(t *testing.T) {
	m := NewEscalationMonitor(72*time.Hour, &testLogger{})
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

	_, ratio := m.Classify(now.Add(-500*time.Hour), now)
	if ratio != 100 {
		t.Errorf("ratio = %v, want capped at 100", ratio)
	}
}

func TestEscalationMonitor_BandsAreContiguous(t *testing.T) {
	// Walk the ratio space hour by hour: severities must be monotonic with
	// no gaps or overlaps as the overdue span grows.
	m := NewEscalationMonitor(72*time.Hour, &testLogger{})
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

	rank := map[types.EscalationSeverity]int{
		types.SeverityNone:     0,
		types.SeverityModerate: 1,
		types.SeverityHigh:     2,
		types.SeverityCritical: 3,
	}

	prev := types.SeverityNone
	for h := 0; h <= 100; h++ {
		severity, _ := m.Classify(now.Add(-time.Duration(h)*time.Hour), now)
		if rank[severity] < rank[prev] {
			t.Fatalf("severity regressed from %v to %v at %dh overdue", prev, severity, h)
		}
		prev = severity
	}
	if prev != types.SeverityCritical {
		t.Errorf("severity at 100h overdue = %v, want critical", prev)
	}
}

func TestEscalationMonitor_Evaluate(t *testing.T) {
	m := NewEscalationMonitor(72*time.Hour, &testLogger{})
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

	t.Run("none returns nil", func(t *testing.T) {
		if got := m.Evaluate(overdueConfig(now.Add(time.Hour)), now); got != nil {
			t.Errorf("future due date should not escalate, got %+v", got)
		}
	})

	t.Run("overdue content", func(t *testing.T) {
		cfg := overdueConfig(now.Add(-65 * time.Hour))
		got := m.Evaluate(cfg, now)
		if got == nil {
			t.Fatal("expected an escalation")
		}
		if got.Severity != types.SeverityCritical {
			t.Errorf("severity = %v, want critical", got.Severity)
		}
		if got.DaysOverdue != 2 {
			t.Errorf("days overdue = %d, want 2", got.DaysOverdue)
		}
		if !strings.Contains(got.Body, "Monstera") {
			t.Errorf("body should name the plant: %q", got.Body)
		}
		if !strings.HasPrefix(got.Title, "Overdue:") {
			t.Errorf("title = %q, want Overdue: prefix", got.Title)
		}
	})
}
