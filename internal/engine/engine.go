// Package engine composes every other internal package into the single
// orchestration point a caller drives: configure, Start, poll Stats/Logs,
// Stop.
package engine

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"regexp"
	"sync"
	"time"

	"grabia/internal/apiserver"
	"grabia/internal/backoff"
	"grabia/internal/grablog"
	"grabia/internal/httpclient"
	"grabia/internal/queue"
	"grabia/internal/ratelimit"
	"grabia/internal/scaling"
	"grabia/internal/scanner"
	"grabia/internal/storage"
	"grabia/internal/telemetry"
	"grabia/internal/worker"
)

// Config is everything a caller supplies to build an Engine.
type Config struct {
	OutputDir          string
	DBPath             string
	MaxWorkers         int
	SpeedLimitBPS      int64
	SyncMode           bool
	MetadataOnly       bool
	DynamicScaling     bool
	FilterRegex        *regexp.Regexp
	ExtensionWhitelist []string
	Credentials        *httpclient.Credentials
	UserAgent          string
	LogPath            string
	ConsoleOutput      io.Writer
	APIPort            int
	AuditLogPath       string
}

// Engine owns the full component graph: storage, rate limiting, backoff,
// the HTTP client, the priority queue, the scanner, the worker pool, the
// scaling controller, telemetry, and the loopback stats/logs server.
type Engine struct {
	cfg Config

	store     *storage.Store
	limiter   *ratelimit.Limiter
	backoff   *backoff.Coordinator
	client    *httpclient.Client
	queue     *queue.Queue
	scanner   *scanner.Scanner
	scaling   *scaling.Controller
	semaphore *scaling.Semaphore
	telemetry *telemetry.Telemetry
	log       *slog.Logger
	ring      *grablog.RingHandler
	audit     *apiserver.AuditLogger
	api       *apiserver.Server
	listener  *apiserver.Listener

	cancel context.CancelFunc
	wg     sync.WaitGroup

	scaleMu   sync.Mutex
	workerIDs int
}

// New builds an Engine from cfg, applying defaults for zero-valued
// fields. It opens the state store and log files but starts no
// goroutines; call Start to begin work.
func New(cfg Config) (*Engine, error) {
	if cfg.MaxWorkers <= 0 {
		cfg.MaxWorkers = 4
	}
	if cfg.DBPath == "" {
		cfg.DBPath = filepath.Join(cfg.OutputDir, "grabia_state.db")
	}
	if cfg.ConsoleOutput == nil {
		cfg.ConsoleOutput = io.Discard
	}
	if cfg.APIPort == 0 {
		cfg.APIPort = 7878
	}
	if cfg.AuditLogPath == "" {
		cfg.AuditLogPath = "grabia_access.log"
	}

	log, ring, err := grablog.New(cfg.ConsoleOutput, cfg.LogPath)
	if err != nil {
		return nil, fmt.Errorf("engine: build logger: %w", err)
	}

	store, err := storage.Open(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("engine: open store: %w", err)
	}

	client := httpclient.New(httpclient.Config{
		UserAgent:   cfg.UserAgent,
		Credentials: cfg.Credentials,
	})

	q := queue.New()
	bo := backoff.New()
	limiter := ratelimit.New(cfg.SpeedLimitBPS)
	sCtl := scaling.New(cfg.DynamicScaling, cfg.MaxWorkers)
	sem := scaling.NewSemaphore(sCtl.TargetWorkers())

	sc := scanner.New(client, store, q, log, scanner.Config{
		FilterRegex:        cfg.FilterRegex,
		ExtensionWhitelist: cfg.ExtensionWhitelist,
		MetadataOnly:       cfg.MetadataOnly,
	})

	tel := telemetry.New(store, sc, q, sCtl, bo, ring, cfg.OutputDir)

	audit, err := apiserver.NewAuditLogger(cfg.AuditLogPath, log)
	if err != nil {
		return nil, fmt.Errorf("engine: open audit log: %w", err)
	}

	api := apiserver.New(tel, audit, log)

	return &Engine{
		cfg:       cfg,
		store:     store,
		limiter:   limiter,
		backoff:   bo,
		client:    client,
		queue:     q,
		scanner:   sc,
		scaling:   sCtl,
		semaphore: sem,
		telemetry: tel,
		log:       log,
		ring:      ring,
		audit:     audit,
		api:       api,
	}, nil
}

// Start launches the scanner over identifiers and the worker pool, and
// binds the loopback stats/logs server. It returns once everything is
// running; work continues in the background until ctx is cancelled or
// Stop is called.
func (e *Engine) Start(ctx context.Context, identifiers []string) error {
	runCtx, cancel := context.WithCancel(ctx)
	e.cancel = cancel

	listener, err := e.api.ListenAndServe(e.cfg.APIPort)
	if err != nil {
		cancel()
		return fmt.Errorf("engine: start api server: %w", err)
	}
	e.listener = listener

	for i := 0; i < e.cfg.MaxWorkers; i++ {
		e.spawnWorker(runCtx)
	}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.runScaler(runCtx)
	}()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.scanner.Run(runCtx, identifiers)
	}()

	e.log.Info("engine started", "workers", e.cfg.MaxWorkers, "items", len(identifiers))
	return nil
}

// spawnWorker starts one worker goroutine. The pool always runs MaxWorkers
// goroutines; the semaphore passed into worker.Config is what actually caps
// how many tasks run concurrently, acquired and released once per task
// inside Worker.Run so a limit change takes effect on work already queued.
func (e *Engine) spawnWorker(ctx context.Context) {
	e.scaleMu.Lock()
	e.workerIDs++
	e.scaleMu.Unlock()

	w := worker.New(worker.Config{
		Client:    e.client,
		Store:     e.store,
		Queue:     e.queue,
		Limiter:   e.limiter,
		Backoff:   e.backoff,
		Reporter:  e.telemetry,
		Scaler:    e.scaling,
		Semaphore: e.semaphore,
		Log:       e.log,
		OutputDir: e.cfg.OutputDir,
		SyncMode:  e.cfg.SyncMode,
	})

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		w.Run(ctx)
	}()
}

// runScaler polls the Scaling Controller's drifting target and keeps the
// semaphore's limit matched to it, implementing adaptive worker scaling
// without tearing down running workers.
func (e *Engine) runScaler(ctx context.Context) {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.semaphore.SetLimit(e.scaling.TargetWorkers())
		}
	}
}

// SetMaxWorkers adjusts the worker pool's concurrency ceiling at runtime.
func (e *Engine) SetMaxWorkers(n int) {
	if n < 1 {
		n = 1
	}
	e.semaphore.SetLimit(n)
}

// SetSpeedLimit adjusts the global byte-rate cap at runtime, 0 disables
// throttling.
func (e *Engine) SetSpeedLimit(bytesPerSec int64) {
	e.limiter.SetLimit(bytesPerSec)
}

// Stats returns the current telemetry snapshot.
func (e *Engine) Stats() telemetry.Snapshot {
	return e.telemetry.Stats()
}

// Logs returns the log tail starting at fromIndex, plus the new sentinel.
func (e *Engine) Logs(fromIndex int) ([]string, int) {
	return e.telemetry.Logs(fromIndex)
}

// Stop cancels all background work, closes the API listener, checkpoints
// the state store, and releases file handles. It blocks until every
// worker, the scanner, and the scaler goroutine have returned.
func (e *Engine) Stop() error {
	if e.cancel != nil {
		e.cancel()
	}
	if e.listener != nil {
		e.listener.Close()
	}
	e.wg.Wait()

	if e.audit != nil {
		e.audit.Close()
	}
	return e.store.Close()
}
