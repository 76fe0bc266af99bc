package maintenance

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/klauspost/compress/zstd"

	"growmate/internal/config"
	"growmate/internal/types"
)

type nopLogger struct{}

func (nopLogger) Info(string, ...any)        {}
func (nopLogger) Warn(string, ...any)        {}
func (nopLogger) Error(string, ...any)       {}
func (l nopLogger) With(...any) types.Logger { return l }

type frozenClock struct{ now time.Time }

func (c frozenClock) Now() time.Time { return c.now }

// stubDeliveries serves a fixed terminal-record set and counts deletes.
type stubDeliveries struct {
	types.DeliveryRecordRepository

	terminal []*types.DeliveryRecord
	listErr  error
	deleted  int64
}

func (s *stubDeliveries) ListTerminalBefore(_ context.Context, _ time.Time, _ int) ([]*types.DeliveryRecord, error) {
	if s.listErr != nil {
		return nil, s.listErr
	}
	return s.terminal, nil
}

func (s *stubDeliveries) DeleteBefore(context.Context, time.Time) (int64, error) {
	s.deleted = int64(len(s.terminal))
	return s.deleted, nil
}

// stubEntries counts purge calls.
type stubEntries struct {
	types.ScheduleEntryRepository

	purged     int64
	purgeCalls int
}

func (s *stubEntries) PurgeDeleted(context.Context, time.Time) (int64, error) {
	s.purgeCalls++
	return s.purged, nil
}

func terminalRecord(id string, status types.DeliveryStatus) *types.DeliveryRecord {
	return &types.DeliveryRecord{
		NotificationID: id,
		TaskID:         "t-" + id,
		Status:         status,
		UpdatedAt:      time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	}
}

func newTestService(deliveries *stubDeliveries, entries *stubEntries, archiveDir string) *RetentionService {
	cfg := config.RetentionConfig{
		DeliveryRecordAge: 90 * 24 * time.Hour,
		SoftDeleteGrace:   30 * 24 * time.Hour,
		ArchiveDir:        archiveDir,
	}
	clock := frozenClock{now: time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)}
	return NewRetentionService(entries, deliveries, cfg, clock, nopLogger{})
}

func TestRun_ArchivesThenDeletes(t *testing.T) {
	dir := t.TempDir()
	deliveries := &stubDeliveries{terminal: []*types.DeliveryRecord{
		terminalRecord("n1", types.DeliveryStatusDelivered),
		terminalRecord("n2", types.DeliveryStatusFailed),
	}}
	entries := &stubEntries{}
	svc := newTestService(deliveries, entries, dir)

	if err := svc.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if deliveries.deleted != 2 {
		t.Errorf("deleted %d records, want 2", deliveries.deleted)
	}
	if entries.purgeCalls != 1 {
		t.Errorf("purge called %d times, want 1", entries.purgeCalls)
	}

	matches, err := filepath.Glob(filepath.Join(dir, "deliveries-*.jsonl.zst"))
	if err != nil || len(matches) != 1 {
		t.Fatalf("archive files = %v (err %v), want exactly 1", matches, err)
	}

	// The archive round-trips to the original records.
	f, err := os.Open(matches[0])
	if err != nil {
		t.Fatalf("open archive: %v", err)
	}
	defer f.Close()
	dec, err := zstd.NewReader(f)
	if err != nil {
		t.Fatalf("zstd reader: %v", err)
	}
	defer dec.Close()

	var got []types.DeliveryRecord
	scanner := bufio.NewScanner(dec)
	for scanner.Scan() {
		var rec types.DeliveryRecord
		if err := json.Unmarshal(scanner.Bytes(), &rec); err != nil {
			t.Fatalf("decode archive line: %v", err)
		}
		got = append(got, rec)
	}
	if err := scanner.Err(); err != nil {
		t.Fatalf("scan archive: %v", err)
	}

	if len(got) != 2 {
		t.Fatalf("archive holds %d records, want 2", len(got))
	}
	if got[0].NotificationID != "n1" || got[1].NotificationID != "n2" {
		t.Errorf("archive contents out of order: %+v", got)
	}
}

func TestRun_NoEligibleRecordsWritesNoArchive(t *testing.T) {
	dir := t.TempDir()
	deliveries := &stubDeliveries{}
	svc := newTestService(deliveries, &stubEntries{}, dir)

	if err := svc.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	matches, _ := filepath.Glob(filepath.Join(dir, "*"))
	if len(matches) != 0 {
		t.Errorf("empty cycle created files: %v", matches)
	}
}

func TestRun_EmptyArchiveDirSkipsArchiving(t *testing.T) {
	deliveries := &stubDeliveries{terminal: []*types.DeliveryRecord{
		terminalRecord("n1", types.DeliveryStatusRead),
	}}
	svc := newTestService(deliveries, &stubEntries{}, "")

	if err := svc.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if deliveries.deleted != 1 {
		t.Errorf("deleted %d, want 1 (delete proceeds without archiving)", deliveries.deleted)
	}
}

func TestRun_ListFailureAbortsDelete(t *testing.T) {
	deliveries := &stubDeliveries{listErr: errors.New("db down")}
	svc := newTestService(deliveries, &stubEntries{}, t.TempDir())

	if err := svc.Run(context.Background()); err == nil {
		t.Fatal("expected the cycle to fail")
	}
	if deliveries.deleted != 0 {
		t.Error("no delete may run when listing failed")
	}
}

func TestLoop_StartStop(t *testing.T) {
	deliveries := &stubDeliveries{}
	svc := newTestService(deliveries, &stubEntries{}, "")

	loop := NewLoop(svc, 10*time.Millisecond, nopLogger{})
	loop.Start(context.Background())

	time.Sleep(50 * time.Millisecond)
	loop.Stop()

	// Stop is idempotent with respect to the goroutine lifetime: the done
	// channel is closed exactly once and Stop returned after it.
	select {
	case <-loop.done:
	default:
		t.Error("loop goroutine still running after Stop")
	}
}
