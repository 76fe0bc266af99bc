package engine

import (
	"fmt"
	"sort"
	"time"

	"growmate/internal/types"
)

// Default batching bounds. Both are operator-tunable via EngineConfig; the
// assembler receives the effective values at construction.
const (
	DefaultBatchWindow  = 60 * time.Minute
	DefaultMaxBatchSize = 5
)

// BatchAssembler groups pending notifications for the same plant that fall
// within a sliding time window into one composite notification. Assembly is
// pure and side-effect-free; batches are materialized only at the moment of
// delivery request and never persisted.
type BatchAssembler struct {
	window  time.Duration
	maxSize int
}

// NewBatchAssembler creates an assembler with the given window and size cap.
// Non-positive values fall back to the defaults.
func NewBatchAssembler(window time.Duration, maxSize int) *BatchAssembler {
	if window <= 0 {
		window = DefaultBatchWindow
	}
	if maxSize <= 0 {
		maxSize = DefaultMaxBatchSize
	}
	return &BatchAssembler{window: window, maxSize: maxSize}
}

// Assemble groups the pending members into batches. Within a plant, members
// are sorted by delivery instant and accumulated greedily: a member joins the
// open batch while its instant is within the window of the batch's first
// member and the batch is under the size cap; otherwise the batch closes and
// a new one opens for the same plant.
//
// When batchingEnabled is false, every member becomes its own batch of size
// one regardless of timing. Re-running Assemble on single-member output never
// merges already-closed batches when batching is disabled; with batching
// enabled the operation is idempotent because grouping depends only on the
// members' plant and instants.
func (a *BatchAssembler) Assemble(pending []types.BatchMember, batchingEnabled bool) []types.Batch {
	if len(pending) == 0 {
		return nil
	}

	if !batchingEnabled {
		out := make([]types.Batch, 0, len(pending))
		for _, m := range pending {
			out = append(out, singletonBatch(m))
		}
		return out
	}

	// Group by plant.
	byPlant := make(map[string][]types.BatchMember)
	var plantOrder []string
	for _, m := range pending {
		if _, seen := byPlant[m.Config.PlantID]; !seen {
			plantOrder = append(plantOrder, m.Config.PlantID)
		}
		byPlant[m.Config.PlantID] = append(byPlant[m.Config.PlantID], m)
	}

	var out []types.Batch
	for _, plantID := range plantOrder {
		members := byPlant[plantID]
		sort.SliceStable(members, func(i, j int) bool {
			return members[i].DeliverAt.Before(members[j].DeliverAt)
		})

		var open *types.Batch
		for _, m := range members {
			if open != nil &&
				len(open.Members) < a.maxSize &&
				m.DeliverAt.Sub(open.Members[0].DeliverAt) <= a.window {
				open.Members = append(open.Members, m)
				continue
			}
			if open != nil {
				out = append(out, *open)
			}
			b := singletonBatch(m)
			open = &b
		}
		if open != nil {
			out = append(out, *open)
		}
	}

	return out
}

// singletonBatch wraps one member into a batch anchored at its instant.
func singletonBatch(m types.BatchMember) types.Batch {
	return types.Batch{
		PlantID:   m.Config.PlantID,
		PlantName: m.Config.PlantName,
		Members:   []types.BatchMember{m},
		DeliverAt: m.DeliverAt,
	}
}

// ComposeContent renders the title and body for a batch. A batch of one is a
// normal single-task notification; a batch of two or more is a composite
// whose body enumerates the task count and plant name.
func ComposeContent(b types.Batch) (title, body string) {
	if len(b.Members) == 1 {
		cfg := b.Members[0].Config
		title = cfg.TaskTitle
		if title == "" {
			title = fmt.Sprintf("%s: %s", cfg.PlantName, cfg.TaskType)
		}
		body = fmt.Sprintf("Time to take care of %s (%s).", cfg.PlantName, cfg.TaskType)
		return title, body
	}

	title = fmt.Sprintf("%s needs attention", b.PlantName)
	body = fmt.Sprintf("You have %d tasks for %s", len(b.Members), b.PlantName)
	return title, body
}
