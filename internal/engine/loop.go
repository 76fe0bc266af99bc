package engine

import (
	"context"
	"time"

	"growmate/internal/types"
)

// Loop drives the periodic overdue sweep. It owns its goroutine: Start
// launches it, Stop cancels it and waits for the in-flight cycle to finish.
type Loop struct {
	engine   *Engine
	interval time.Duration
	logger   types.Logger

	cancel context.CancelFunc
	done   chan struct{}
}

// NewLoop creates a sweep loop with the given cycle interval.
func NewLoop(engine *Engine, interval time.Duration, logger types.Logger) *Loop {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &Loop{
		engine:   engine,
		interval: interval,
		logger:   logger,
	}
}

// Start launches the sweep goroutine. The first cycle runs immediately.
func (l *Loop) Start(ctx context.Context) {
	ctx, l.cancel = context.WithCancel(ctx)
	l.done = make(chan struct{})

	go l.run(ctx)

	l.logger.Info("overdue sweep loop started",
		"interval", l.interval.String(),
	)
}

// Stop cancels the loop and blocks until the current cycle completes.
func (l *Loop) Stop() {
	if l.cancel == nil {
		return
	}
	l.cancel()
	<-l.done
	l.logger.Info("overdue sweep loop stopped")
}

func (l *Loop) run(ctx context.Context) {
	defer close(l.done)

	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()

	l.cycle(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.cycle(ctx)
		}
	}
}

func (l *Loop) cycle(ctx context.Context) {
	results, err := l.engine.ProcessOverdue(ctx)
	if err != nil {
		l.logger.Error("overdue sweep cycle failed",
			"error", err.Error(),
		)
		return
	}
	if len(results) > 0 {
		stats := l.engine.Stats()
		l.logger.Info("sweep cycle stats",
			"escalated", len(results),
			"active_batches", stats.ActiveBatches,
			"scheduled_tasks", stats.ScheduledTasks,
		)
	}
}
