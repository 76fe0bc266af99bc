// Package maintenance runs the retention sweep: terminal delivery records
// older than the retention window are archived to zstd-compressed JSONL
// files and then hard-deleted, and soft-deleted schedule entries past the
// grace period are purged.
package maintenance

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/klauspost/compress/zstd"

	"growmate/internal/config"
	"growmate/internal/types"
)

// RetentionService owns one retention cycle: archive, delete, purge. Each
// step is independent; a failed archive aborts the delete so no record is
// lost, but a failed purge never blocks archiving.
type RetentionService struct {
	entries    types.ScheduleEntryRepository
	deliveries types.DeliveryRecordRepository
	cfg        config.RetentionConfig
	clock      types.Clock
	logger     types.Logger
}

// NewRetentionService creates a retention service.
func NewRetentionService(
	entries types.ScheduleEntryRepository,
	deliveries types.DeliveryRecordRepository,
	cfg config.RetentionConfig,
	clock types.Clock,
	logger types.Logger,
) *RetentionService {
	if clock == nil {
		clock = types.RealClock{}
	}
	return &RetentionService{
		entries:    entries,
		deliveries: deliveries,
		cfg:        cfg,
		clock:      clock,
		logger:     logger,
	}
}

// Run executes one retention cycle.
func (s *RetentionService) Run(ctx context.Context) error {
	now := s.clock.Now()

	archived, err := s.archiveDeliveries(ctx, now)
	if err != nil {
		return err
	}

	purged, err := s.entries.PurgeDeleted(ctx, now.Add(-s.cfg.SoftDeleteGrace))
	if err != nil {
		s.logger.Error("failed to purge soft-deleted schedule entries",
			"error", err.Error(),
		)
	}

	s.logger.Info("retention cycle complete",
		"archived_deliveries", archived,
		"purged_entries", purged,
	)
	return nil
}

// archiveDeliveries writes terminal records past the retention window to a
// compressed archive file, then deletes them. Deletion only runs after the
// archive file is synced, so a crash mid-cycle re-archives rather than
// loses records.
func (s *RetentionService) archiveDeliveries(ctx context.Context, now time.Time) (int, error) {
	cutoff := now.Add(-s.cfg.DeliveryRecordAge)

	records, err := s.deliveries.ListTerminalBefore(ctx, cutoff, 0)
	if err != nil {
		return 0, err
	}
	if len(records) == 0 {
		return 0, nil
	}

	if s.cfg.ArchiveDir != "" {
		if err := s.writeArchive(now, records); err != nil {
			return 0, err
		}
	}

	deleted, err := s.deliveries.DeleteBefore(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	if int(deleted) != len(records) {
		s.logger.Warn("archive and delete counts differ",
			"archived", len(records),
			"deleted", deleted,
		)
	}
	return len(records), nil
}

// writeArchive writes records as zstd-compressed JSONL named by cycle
// timestamp.
func (s *RetentionService) writeArchive(now time.Time, records []*types.DeliveryRecord) error {
	if err := os.MkdirAll(s.cfg.ArchiveDir, 0o755); err != nil {
		return fmt.Errorf("maintenance: failed to create archive dir: %w", err)
	}

	name := fmt.Sprintf("deliveries-%s.jsonl.zst", now.Format("20060102T150405"))
	path := filepath.Join(s.cfg.ArchiveDir, name)

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("maintenance: failed to create archive file: %w", err)
	}
	defer f.Close()

	enc, err := zstd.NewWriter(f)
	if err != nil {
		return fmt.Errorf("maintenance: failed to create zstd writer: %w", err)
	}

	encoder := json.NewEncoder(enc)
	for _, rec := range records {
		if err := encoder.Encode(rec); err != nil {
			enc.Close()
			return fmt.Errorf("maintenance: failed to encode delivery record: %w", err)
		}
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("maintenance: failed to finalize archive: %w", err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("maintenance: failed to sync archive file: %w", err)
	}

	s.logger.Info("delivery records archived",
		"path", path,
		"count", len(records),
	)
	return nil
}

// Loop runs retention cycles on a fixed interval until its context is
// cancelled.
type Loop struct {
	service  *RetentionService
	interval time.Duration
	logger   types.Logger

	cancel context.CancelFunc
	done   chan struct{}
}

// NewLoop creates a retention loop.
func NewLoop(service *RetentionService, interval time.Duration, logger types.Logger) *Loop {
	if interval <= 0 {
		interval = 6 * time.Hour
	}
	return &Loop{
		service:  service,
		interval: interval,
		logger:   logger,
	}
}

// Start launches the retention goroutine.
func (l *Loop) Start(ctx context.Context) {
	ctx, l.cancel = context.WithCancel(ctx)
	l.done = make(chan struct{})

	go func() {
		defer close(l.done)

		ticker := time.NewTicker(l.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := l.service.Run(ctx); err != nil {
					l.logger.Error("retention cycle failed",
						"error", err.Error(),
					)
				}
			}
		}
	}()

	l.logger.Info("retention loop started",
		"interval", l.interval.String(),
	)
}

// Stop cancels the loop and waits for the in-flight cycle.
func (l *Loop) Stop() {
	if l.cancel == nil {
		return
	}
	l.cancel()
	<-l.done
	l.logger.Info("retention loop stopped")
}
