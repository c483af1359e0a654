package telemetry

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"grabia/internal/backoff"
	"grabia/internal/httpclient"
	"grabia/internal/queue"
	"grabia/internal/scaling"
	"grabia/internal/scanner"
	"grabia/internal/storage"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

type fakeLogTail struct{ next int }

func (f fakeLogTail) Tail(from int) ([]string, int) { return nil, f.next }

func newTestTelemetry(t *testing.T) (*Telemetry, *storage.Store) {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	db.Exec("PRAGMA journal_mode=WAL;")
	if err := db.AutoMigrate(&storage.FileRecord{}); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	store := &storage.Store{DB: db}

	client := httpclient.New(httpclient.Config{})
	q := queue.New()
	sc := scanner.New(client, store, q, slog.New(slog.NewTextHandler(io.Discard, nil)), scanner.Config{})
	sCtl := scaling.New(false, 4)
	bo := backoff.New()

	tel := New(store, sc, q, sCtl, bo, fakeLogTail{next: 7}, t.TempDir())
	return tel, store
}

func TestStatsReportsStableKeySet(t *testing.T) {
	tel, _ := newTestTelemetry(t)
	snap := tel.Stats()

	if snap.VaultStatus != "healthy" {
		t.Errorf("expected vault_status healthy, got %q", snap.VaultStatus)
	}
	if snap.TargetWorkers != 4 || snap.ActiveThreads != 4 {
		t.Errorf("expected target/active threads 4, got %d/%d", snap.TargetWorkers, snap.ActiveThreads)
	}
	if snap.LastLogIndex != 7 {
		t.Errorf("expected last_log_index 7, got %d", snap.LastLogIndex)
	}
	if snap.Heartbeat == "" {
		t.Error("expected nonempty heartbeat")
	}
}

func TestAddBytesAccumulatesTotal(t *testing.T) {
	tel, _ := newTestTelemetry(t)
	tel.AddBytes(100)
	tel.AddBytes(50)

	snap := tel.Stats()
	if snap.TotalBytesDownloaded != 150 {
		t.Errorf("expected total 150, got %d", snap.TotalBytesDownloaded)
	}
}

func TestTaskDoneAndTaskFailedIncrementCounters(t *testing.T) {
	tel, _ := newTestTelemetry(t)
	tel.TaskDone()
	tel.TaskDone()
	tel.TaskFailed()

	snap := tel.Stats()
	if snap.ItemsDone != 2 {
		t.Errorf("expected items_done 2, got %d", snap.ItemsDone)
	}
	if snap.FailedFiles != 1 {
		t.Errorf("expected failed_files 1, got %d", snap.FailedFiles)
	}
}

func TestJobCountersReadFromStore(t *testing.T) {
	tel, store := newTestTelemetry(t)

	if err := store.Upsert(storage.FileRecord{ItemID: "foo", FileName: "a.txt"}); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if err := store.Upsert(storage.FileRecord{ItemID: "foo", FileName: "b.bin"}); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if err := store.SetStatus("foo", "a.txt", storage.StatusDone, 0); err != nil {
		t.Fatalf("set status: %v", err)
	}

	snap := tel.Stats()
	if snap.JobTotalFiles != 2 || snap.JobFilesDone != 1 {
		t.Errorf("unexpected job counters: %+v", snap)
	}
	if snap.JobPercentComplete != 50 {
		t.Errorf("expected 50%% complete, got %f", snap.JobPercentComplete)
	}
}

func TestBackoffActiveReflectsCoordinator(t *testing.T) {
	tel, _ := newTestTelemetry(t)
	snap := tel.Stats()
	if snap.BackoffActive {
		t.Error("expected backoff inactive initially")
	}
}

func TestETAIsZeroWithoutThroughput(t *testing.T) {
	tel, store := newTestTelemetry(t)
	if err := store.Upsert(storage.FileRecord{ItemID: "foo", FileName: "a.txt", Size: 1000}); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	snap := tel.Stats()
	if snap.ETASeconds != 0 {
		t.Errorf("expected zero eta with no measured throughput yet, got %f", snap.ETASeconds)
	}
}

func TestETADividesPendingBytesByThroughput(t *testing.T) {
	tel, store := newTestTelemetry(t)
	if err := store.Upsert(storage.FileRecord{ItemID: "foo", FileName: "a.txt", Size: 1000}); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	// Force a window rollover so bytes_per_sec reflects a known rate.
	tel.mu.Lock()
	tel.windowStart = tel.windowStart.Add(-2 * time.Second)
	tel.mu.Unlock()
	tel.AddBytes(200)

	snap := tel.Stats()
	if snap.BytesPerSec <= 0 {
		t.Fatalf("expected positive bytes_per_sec after window rollover, got %f", snap.BytesPerSec)
	}
	want := 1000 / snap.BytesPerSec
	if snap.ETASeconds != want {
		t.Errorf("expected eta_seconds = pending_bytes/bytes_per_sec = %f, got %f", want, snap.ETASeconds)
	}
}
