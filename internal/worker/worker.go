// Package worker implements the download protocol: dequeue, download,
// verify, publish, update state, retry.
package worker

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"math/rand"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"grabia/internal/backoff"
	"grabia/internal/httpclient"
	"grabia/internal/queue"
	"grabia/internal/ratelimit"
	"grabia/internal/storage"
)

const (
	streamChunkSize = 128 * 1024
	md5BufferSize   = 4 * 1024
	maxAttempts     = 3
)

// Reporter receives telemetry side effects from completed work. Worker
// never holds the telemetry lock itself; it only calls through this
// interface.
type Reporter interface {
	AddBytes(n int64)
	TaskDone()
	TaskFailed()
}

// Scaler receives each worker outcome so the Scaling Controller can drift
// target_workers.
type Scaler interface {
	RecordOutcome(success bool)
}

// Semaphore bounds how many tasks across the whole pool may be handled
// concurrently. A Worker acquires one permit per task, not once for its
// whole run, so a limit lowered at runtime throttles tasks already queued,
// not only workers started afterwards; a task already holding a permit
// runs to completion.
type Semaphore interface {
	Acquire(ctx context.Context) bool
	Release()
}

// Config is everything one Worker needs to run its loop.
type Config struct {
	Client    *httpclient.Client
	Store     *storage.Store
	Queue     *queue.Queue
	Limiter   *ratelimit.Limiter
	Backoff   *backoff.Coordinator
	Reporter  Reporter
	Scaler    Scaler
	Semaphore Semaphore
	Log       *slog.Logger
	OutputDir string
	SyncMode  bool

	// RetryDelay computes the jittered exponential sleep before an attempt
	// with AttemptCount > 0. Defaults to min(2^attempt + U(0,1), 60s);
	// overridable so tests don't have to wait out real backoffs.
	RetryDelay func(attempt int) time.Duration
}

// Worker pops tasks from the shared queue and runs them to completion
// until its context is cancelled.
type Worker struct {
	cfg Config
}

// New builds a Worker from cfg.
func New(cfg Config) *Worker {
	if cfg.RetryDelay == nil {
		cfg.RetryDelay = defaultRetryDelay
	}
	return &Worker{cfg: cfg}
}

func defaultRetryDelay(attempt int) time.Duration {
	seconds := math.Min(math.Pow(2, float64(attempt))+rand.Float64(), 60)
	return time.Duration(seconds * float64(time.Second))
}

// Run loops until ctx is cancelled. The backoff wait, retry sleep, token
// consume, HTTP request and per-chunk body copy observe ctx; a queue pop
// returns within its 1s timeout before ctx is checked again. MD5
// verification does not check ctx and runs to completion once started.
// The semaphore permit is acquired after a task is popped and released as
// soon as it's handled, so at most target_workers tasks are ever in flight
// at once regardless of how many Worker goroutines exist.
func (w *Worker) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		if w.cfg.Backoff.Active() {
			w.cfg.Backoff.Wait(ctx)
			continue
		}

		task, ok := w.cfg.Queue.Pop(time.Second)
		if !ok {
			continue
		}

		if !w.cfg.Semaphore.Acquire(ctx) {
			// ctx ended while waiting for a permit: put the task back
			// untouched and exit without handling it.
			w.cfg.Queue.Push(task)
			w.cfg.Queue.Done()
			return
		}

		w.handle(ctx, task)
		w.cfg.Semaphore.Release()
		w.cfg.Queue.Done()
	}
}

func (w *Worker) handle(ctx context.Context, task *queue.Task) {
	rec, err := w.cfg.Store.Get(task.ItemID, task.FileName)
	if err != nil {
		w.cfg.Log.Error("worker: load record", "item", task.ItemID, "file", task.FileName, "error", err)
		return
	}

	if rec.AttemptCount > 0 {
		delay := w.cfg.RetryDelay(rec.AttemptCount)
		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}
	}

	err = w.download(ctx, task, rec)

	if errors.Is(err, context.Canceled) || ctx.Err() != nil {
		// Cancelled: not an error, leaves .part in place for resume.
		return
	}

	if err != nil {
		w.cfg.Log.Warn("worker: attempt failed", "item", task.ItemID, "file", task.FileName, "error", err, "attempt", rec.AttemptCount)
		w.cfg.Scaler.RecordOutcome(false)

		if rec.AttemptCount < maxAttempts {
			next := rec.AttemptCount + 1
			if setErr := w.cfg.Store.SetStatus(task.ItemID, task.FileName, storage.StatusRetrying, next); setErr != nil {
				w.cfg.Log.Error("worker: set status retrying", "error", setErr)
			}
			w.cfg.Queue.Push(task)
		} else {
			if setErr := w.cfg.Store.SetStatus(task.ItemID, task.FileName, storage.StatusFailed, rec.AttemptCount); setErr != nil {
				w.cfg.Log.Error("worker: set status failed", "error", setErr)
			}
			w.cfg.Reporter.TaskFailed()
		}
		return
	}

	if setErr := w.cfg.Store.SetStatus(task.ItemID, task.FileName, storage.StatusDone, rec.AttemptCount); setErr != nil {
		w.cfg.Log.Error("worker: set status done", "error", setErr)
	}
	w.cfg.Reporter.TaskDone()
	w.cfg.Scaler.RecordOutcome(true)
}

// download runs the full protocol for one task: sync fast-path, resume
// probe, request, stream, verify, publish.
func (w *Worker) download(ctx context.Context, task *queue.Task, rec storage.FileRecord) error {
	finalPath := filepath.Join(w.cfg.OutputDir, task.ItemID, task.FileName)
	partPath := finalPath + ".part"

	if w.cfg.SyncMode {
		if done, err := w.syncFastPath(finalPath, task); err != nil {
			return err
		} else if done {
			return nil
		}
	}

	if err := os.MkdirAll(filepath.Dir(finalPath), 0o755); err != nil {
		return fmt.Errorf("mkdir: %w", err)
	}

	var resume int64
	if info, err := os.Stat(partPath); err == nil {
		resume = info.Size()
	}

	resp, usedRange, err := w.issueRequest(ctx, task, resume)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		if usedRange {
			// Server ignored the range: restart clean.
			resp.Body.Close()
			os.Remove(partPath)
			resume = 0
			resp, _, err = w.issueRequest(ctx, task, 0)
			if err != nil {
				return err
			}
			defer resp.Body.Close()
		}
	case http.StatusPartialContent:
		// expected resumed path
	case http.StatusTooManyRequests:
		w.cfg.Backoff.Trigger429()
		return fmt.Errorf("worker: 429 from server")
	case http.StatusServiceUnavailable:
		w.cfg.Backoff.Trigger503()
		return fmt.Errorf("worker: 503 from server")
	default:
		return fmt.Errorf("worker: unexpected status %d", resp.StatusCode)
	}

	if err := w.stream(ctx, resp.Body, partPath, resume > 0 && resp.StatusCode == http.StatusPartialContent); err != nil {
		return err
	}

	if task.Size > 0 {
		info, err := os.Stat(partPath)
		if err != nil {
			return fmt.Errorf("stat part: %w", err)
		}
		if info.Size() != task.Size {
			os.Remove(partPath)
			return fmt.Errorf("worker: size mismatch, got %d want %d", info.Size(), task.Size)
		}
	}

	if task.ExpectedMD5 != "" {
		sum, err := md5File(partPath)
		if err != nil {
			return fmt.Errorf("md5: %w", err)
		}
		if !strings.EqualFold(sum, task.ExpectedMD5) {
			os.Remove(partPath)
			return fmt.Errorf("worker: md5 mismatch, got %s want %s", sum, task.ExpectedMD5)
		}
	}

	if err := os.Rename(partPath, finalPath); err != nil {
		return fmt.Errorf("publish: %w", err)
	}
	return nil
}

// syncFastPath implements §4.6's "sync mode" skip. It returns done=true
// when the task can be marked complete without a network request.
func (w *Worker) syncFastPath(finalPath string, task *queue.Task) (bool, error) {
	info, err := os.Stat(finalPath)
	if err != nil {
		return false, nil
	}
	if task.ExpectedMD5 != "" {
		sum, err := md5File(finalPath)
		if err == nil && strings.EqualFold(sum, task.ExpectedMD5) {
			return true, nil
		}
		return false, nil
	}
	if task.Size > 0 {
		return info.Size() == task.Size, nil
	}
	return true, nil
}

func (w *Worker) issueRequest(ctx context.Context, task *queue.Task, resume int64) (*http.Response, bool, error) {
	req, err := w.cfg.Client.NewRequest("GET", task.FileURL)
	if err != nil {
		return nil, false, err
	}
	req = req.WithContext(ctx)

	usedRange := false
	if resume > 0 && task.Size > 0 {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", resume))
		usedRange = true
	}

	resp, err := w.cfg.Client.Do(req)
	if err != nil {
		return nil, false, err
	}
	return resp, usedRange, nil
}

// stream copies body into partPath in 128 KiB chunks, consuming rate
// limiter tokens and updating byte counters per chunk. isResume selects
// append-mode writes for a 206 resume.
func (w *Worker) stream(ctx context.Context, body io.Reader, partPath string, isResume bool) error {
	flags := os.O_CREATE | os.O_WRONLY
	if isResume {
		flags |= os.O_APPEND
	} else {
		flags |= os.O_TRUNC
	}
	f, err := os.OpenFile(partPath, flags, 0o644)
	if err != nil {
		return fmt.Errorf("open part: %w", err)
	}
	defer f.Close()

	buf := make([]byte, streamChunkSize)
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		n, readErr := body.Read(buf)
		if n > 0 {
			if err := w.cfg.Limiter.Wait(ctx, n); err != nil {
				return err
			}
			if _, werr := f.Write(buf[:n]); werr != nil {
				return fmt.Errorf("write part: %w", werr)
			}
			w.cfg.Reporter.AddBytes(int64(n))
		}
		if readErr != nil {
			if readErr == io.EOF {
				return nil
			}
			return readErr
		}
	}
}

func md5File(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := md5.New()
	buf := make([]byte, md5BufferSize)
	if _, err := io.CopyBuffer(h, f, buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
