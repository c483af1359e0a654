// Package scanner resolves Internet Archive identifiers to file lists,
// writes the initial State Store rows, and enqueues download tasks.
package scanner

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"strings"
	"sync/atomic"

	"grabia/internal/httpclient"
	"grabia/internal/queue"
	"grabia/internal/storage"
)

// systemFilePatterns excludes Internet Archive's own bookkeeping files
// from every item's file list.
var systemFilePatterns = []*regexp.Regexp{
	regexp.MustCompile(`_meta\.xml$`),
	regexp.MustCompile(`_meta\.sqlite$`),
	regexp.MustCompile(`_files\.xml$`),
	regexp.MustCompile(`_thumb\.jpg$`),
	regexp.MustCompile(`_itemimage\.jpg$`),
}

// sanitizeReplacer collapses every reserved filesystem character to "_".
// Lossy by design: two distinct names differing only in reserved
// characters map to the same local name.
var sanitizeReplacer = strings.NewReplacer(
	"<", "_", ">", "_", ":", "_", `"`, "_",
	"/", "_", `\`, "_", "|", "_", "?", "_", "*", "_",
)

// Sanitize produces the on-disk file name for an archive.org file name.
func Sanitize(name string) string {
	return sanitizeReplacer.Replace(name)
}

// flexInt unmarshals a JSON field that the Internet Archive metadata API
// emits as either a string or a number, defaulting to 0 on parse failure.
type flexInt int64

func (f *flexInt) UnmarshalJSON(b []byte) error {
	var n int64
	if err := json.Unmarshal(b, &n); err == nil {
		*f = flexInt(n)
		return nil
	}
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		*f = 0
		return nil
	}
	if s == "" {
		*f = 0
		return nil
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		*f = 0
		return nil
	}
	*f = flexInt(n)
	return nil
}

type metadataFile struct {
	Name string  `json:"name"`
	Size flexInt `json:"size"`
	MD5  string  `json:"md5"`
}

type metadataResponse struct {
	Metadata json.RawMessage `json:"metadata"`
	Files    []metadataFile  `json:"files"`
}

// ReadmeWriter is the per-item README emission hook: an external
// collaborator invoked once per successfully-scanned item. Its error is
// logged and swallowed; it must never block the scan, and it is the
// caller's responsibility to make it idempotent (skip if the README
// already exists).
type ReadmeWriter func(ctx context.Context, itemID string, raw json.RawMessage) error

// Config controls which files a scan keeps.
type Config struct {
	BaseURL            string // defaults to https://archive.org
	FilterRegex        *regexp.Regexp
	ExtensionWhitelist []string // case-insensitive suffixes
	MetadataOnly       bool
	ReadmeWriter       ReadmeWriter
}

// Scanner resolves identifiers to file lists.
type Scanner struct {
	client *httpclient.Client
	store  *storage.Store
	queue  *queue.Queue
	log    *slog.Logger
	cfg    Config

	scannedIDs atomic.Int64
	totalFiles atomic.Int64
	active     atomic.Bool
}

// New builds a Scanner. cfg.BaseURL defaults to archive.org's production
// host.
func New(client *httpclient.Client, store *storage.Store, q *queue.Queue, log *slog.Logger, cfg Config) *Scanner {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://archive.org"
	}
	return &Scanner{client: client, store: store, queue: q, log: log, cfg: cfg}
}

// ScannedIDs returns the number of identifiers scanned so far.
func (s *Scanner) ScannedIDs() int64 { return s.scannedIDs.Load() }

// TotalFiles returns the number of files enqueued so far.
func (s *Scanner) TotalFiles() int64 { return s.totalFiles.Load() }

// Active reports whether a Run is currently in progress.
func (s *Scanner) Active() bool { return s.active.Load() }

// Run scans every identifier in order, aborting mid-identifier if ctx is
// cancelled. scanner_active clears when Run returns, success or not.
func (s *Scanner) Run(ctx context.Context, identifiers []string) {
	s.active.Store(true)
	defer s.active.Store(false)

	for _, id := range identifiers {
		select {
		case <-ctx.Done():
			return
		default:
		}
		s.scanOne(ctx, id)
	}
}

func (s *Scanner) scanOne(ctx context.Context, itemID string) {
	url := fmt.Sprintf("%s/metadata/%s", s.cfg.BaseURL, itemID)
	req, err := s.client.NewRequest("GET", url)
	if err != nil {
		s.log.Error("scanner: build request", "item", itemID, "error", err)
		return
	}
	req = req.WithContext(ctx)

	resp, err := s.client.Do(req)
	if err != nil {
		s.log.Warn("scanner: metadata fetch failed", "item", itemID, "error", err)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode != 200 {
		s.log.Warn("scanner: non-200 metadata response", "item", itemID, "status", resp.StatusCode)
		return
	}

	var meta metadataResponse
	if err := json.NewDecoder(resp.Body).Decode(&meta); err != nil {
		s.log.Warn("scanner: malformed metadata", "item", itemID, "error", err)
		return
	}

	if s.cfg.ReadmeWriter != nil {
		if err := s.cfg.ReadmeWriter(ctx, itemID, meta.Metadata); err != nil {
			s.log.Warn("scanner: readme writer failed", "item", itemID, "error", err)
		}
	}
	s.scannedIDs.Add(1)

	for _, f := range meta.Files {
		select {
		case <-ctx.Done():
			return
		default:
		}
		s.considerFile(itemID, f)
	}
}

func (s *Scanner) considerFile(itemID string, f metadataFile) {
	if f.Name == "" || f.Size == 0 {
		return
	}
	for _, pat := range systemFilePatterns {
		if pat.MatchString(f.Name) {
			return
		}
	}

	lower := strings.ToLower(f.Name)

	if len(s.cfg.ExtensionWhitelist) > 0 {
		keep := false
		for _, ext := range s.cfg.ExtensionWhitelist {
			if strings.HasSuffix(lower, strings.ToLower(ext)) {
				keep = true
				break
			}
		}
		if !keep {
			return
		}
	}

	if s.cfg.FilterRegex != nil && !s.cfg.FilterRegex.MatchString(f.Name) {
		return
	}

	if s.cfg.MetadataOnly {
		if !(strings.Contains(lower, ".xml") || strings.Contains(lower, ".json") ||
			strings.Contains(lower, ".txt") || strings.Contains(lower, "readme")) {
			return
		}
	}

	safeName := Sanitize(f.Name)
	size := int64(f.Size)

	if err := s.store.Upsert(storage.FileRecord{
		ItemID:      itemID,
		FileName:    safeName,
		Size:        size,
		ExpectedMD5: f.MD5,
	}); err != nil {
		s.log.Error("scanner: upsert failed", "item", itemID, "file", safeName, "error", err)
		return
	}
	s.totalFiles.Add(1)

	s.queue.Push(&queue.Task{
		ItemID:      itemID,
		FileName:    safeName,
		FileURL:     fmt.Sprintf("%s/download/%s/%s", s.cfg.BaseURL, itemID, f.Name),
		Size:        size,
		ExpectedMD5: f.MD5,
		Priority:    queue.DerivePriority(safeName, size),
	})
}
