// Package telemetry produces the stats() snapshot and serves the
// incremental log tail external observers poll.
package telemetry

import (
	"math"
	"sync"
	"sync/atomic"
	"time"

	"grabia/internal/backoff"
	"grabia/internal/diskspace"
	"grabia/internal/queue"
	"grabia/internal/scaling"
	"grabia/internal/scanner"
	"grabia/internal/storage"
)

// LogTail is the subset of grablog.RingHandler that Telemetry needs.
type LogTail interface {
	Tail(from int) ([]string, int)
}

// Snapshot is the stable stats() contract, keyed by its exact field
// names so JSON marshaling reproduces the contract verbatim for
// external collaborators.
type Snapshot struct {
	ScannedIDs             int64   `json:"scanned_ids"`
	ItemsDone              int64   `json:"items_done"`
	TotalFiles             int64   `json:"total_files"`
	ActiveThreads           int     `json:"active_threads"`
	BytesPerSec             float64 `json:"bytes_per_sec"`
	BackoffActive           bool    `json:"backoff_active"`
	DiskRemaining           uint64  `json:"disk_remaining"`
	LastLogIndex            int     `json:"last_log_index"`
	VaultStatus             string  `json:"vault_status"`
	ETASeconds               float64 `json:"eta_seconds"`
	PercentComplete          float64 `json:"percent_complete"`
	CurrentSpeedMbps         float64 `json:"current_speed_mbps"`
	TotalBytesDownloaded     int64   `json:"total_bytes_downloaded"`
	FailedFiles              int64   `json:"failed_files"`
	TargetWorkers            int     `json:"target_workers"`
	SuccessStreak            int     `json:"success_streak"`
	GlobalBackoffUntil       string  `json:"global_backoff_until"`
	ScannerActive            bool    `json:"scanner_active"`
	QueueDepth               int     `json:"queue_depth"`
	Heartbeat                string  `json:"heartbeat"`
	JobTotalFiles            int64   `json:"job_total_files"`
	JobFilesDone             int64   `json:"job_files_done"`
	JobPercentComplete       float64 `json:"job_percent_complete"`
}

// Telemetry holds in-memory counters plus the collaborators it reads
// through for the store-backed and derived keys.
type Telemetry struct {
	mu              sync.Mutex
	bytesThisSecond int64
	bytesPerSec     float64
	windowStart     time.Time
	totalBytes      int64

	itemsDone   atomic.Int64
	failedFiles atomic.Int64

	store     *storage.Store
	scanner   *scanner.Scanner
	queue     *queue.Queue
	scaling   *scaling.Controller
	backoff   *backoff.Coordinator
	logs      LogTail
	outputDir string
}

// New builds a Telemetry collecting from the given collaborators.
func New(store *storage.Store, sc *scanner.Scanner, q *queue.Queue, sCtl *scaling.Controller, bo *backoff.Coordinator, logs LogTail, outputDir string) *Telemetry {
	return &Telemetry{
		store: store, scanner: sc, queue: q, scaling: sCtl, backoff: bo, logs: logs,
		outputDir:   outputDir,
		windowStart: time.Now(),
	}
}

// AddBytes accumulates bytes_this_second, implementing Reporter for
// worker. When >= 1s has elapsed since the last window rollover,
// bytes_per_sec is recomputed and the bucket resets.
func (t *Telemetry) AddBytes(n int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.bytesThisSecond += n
	t.totalBytes += n

	elapsed := time.Since(t.windowStart)
	if elapsed >= time.Second {
		t.bytesPerSec = float64(t.bytesThisSecond) / elapsed.Seconds()
		t.bytesThisSecond = 0
		t.windowStart = time.Now()
	}
}

// TaskDone increments items_done, implementing Reporter for worker.
func (t *Telemetry) TaskDone() { t.itemsDone.Add(1) }

// TaskFailed increments failed_files, implementing Reporter for worker.
func (t *Telemetry) TaskFailed() { t.failedFiles.Add(1) }

// Stats returns the full stable snapshot.
func (t *Telemetry) Stats() Snapshot {
	t.mu.Lock()
	bytesPerSec := t.bytesPerSec
	totalBytes := t.totalBytes
	t.mu.Unlock()

	free, _ := diskspace.Remaining(t.outputDir)

	counts, _ := t.store.Counts()
	var jobPercent float64
	if counts.Total > 0 {
		jobPercent = float64(counts.Done) / float64(counts.Total) * 100
	}

	itemsDone := t.itemsDone.Load()
	totalFiles := t.scanner.TotalFiles()
	var percentComplete float64
	if totalFiles > 0 {
		percentComplete = float64(itemsDone) / float64(totalFiles) * 100
	}

	var eta float64
	if bytesPerSec > 0 {
		if pendingBytes, err := t.store.PendingBytes(); err == nil && pendingBytes > 0 {
			eta = float64(pendingBytes) / bytesPerSec
		}
	}

	var backoffUntil string
	if until := t.backoff.Until(); !until.IsZero() {
		backoffUntil = until.Format(time.RFC3339)
	}

	_, lastLogIndex := t.logs.Tail(math.MaxInt)

	return Snapshot{
		ScannedIDs:           t.scanner.ScannedIDs(),
		ItemsDone:            itemsDone,
		TotalFiles:           totalFiles,
		ActiveThreads:        t.scaling.TargetWorkers(),
		BytesPerSec:          bytesPerSec,
		BackoffActive:        t.backoff.Active(),
		DiskRemaining:        free,
		LastLogIndex:         lastLogIndex,
		VaultStatus:          "healthy",
		ETASeconds:           eta,
		PercentComplete:      percentComplete,
		CurrentSpeedMbps:     bytesPerSec * 8 / 1_000_000,
		TotalBytesDownloaded: totalBytes,
		FailedFiles:          t.failedFiles.Load(),
		TargetWorkers:        t.scaling.TargetWorkers(),
		SuccessStreak:        t.scaling.SuccessStreak(),
		GlobalBackoffUntil:   backoffUntil,
		ScannerActive:        t.scanner.Active(),
		QueueDepth:           t.queue.Len(),
		Heartbeat:            time.Now().Format(time.RFC3339),
		JobTotalFiles:        counts.Total,
		JobFilesDone:         counts.Done,
		JobPercentComplete:   jobPercent,
	}
}

// Logs returns the tail of the bounded log ring starting at from_index,
// plus the new sentinel index.
func (t *Telemetry) Logs(fromIndex int) ([]string, int) {
	return t.logs.Tail(fromIndex)
}
