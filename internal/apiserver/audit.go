package apiserver

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// AccessLogEntry is one line of the JSON access log.
type AccessLogEntry struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	SourceIP  string    `json:"source_ip"`
	UserAgent string    `json:"user_agent"`
	Action    string    `json:"action"`
}

// AuditLogger appends one JSON line per request to a local access log.
type AuditLogger struct {
	mu      sync.Mutex
	logFile *os.File
	logPath string
	logger  *slog.Logger
}

// NewAuditLogger opens (or creates) path in append mode.
func NewAuditLogger(path string, logger *slog.Logger) (*AuditLogger, error) {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	return &AuditLogger{logFile: f, logPath: path, logger: logger}, nil
}

// Log records one access, writing a JSON line and emitting a debug record.
func (a *AuditLogger) Log(sourceIP, userAgent, action string) {
	entry := AccessLogEntry{
		ID:        uuid.New().String(),
		Timestamp: time.Now(),
		SourceIP:  sourceIP,
		UserAgent: userAgent,
		Action:    action,
	}

	a.mu.Lock()
	if a.logFile != nil {
		if b, err := json.Marshal(entry); err == nil {
			a.logFile.WriteString(string(b) + "\n")
		}
	}
	a.mu.Unlock()

	if a.logger != nil {
		a.logger.Log(context.Background(), slog.LevelDebug, "apiserver access", "action", action, "ip", sourceIP)
	}
}

// Close releases the underlying file handle.
func (a *AuditLogger) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.logFile != nil {
		return a.logFile.Close()
	}
	return nil
}

// RecentLogs returns up to limit entries, most recent first.
func (a *AuditLogger) RecentLogs(limit int) []AccessLogEntry {
	a.mu.Lock()
	defer a.mu.Unlock()

	content, err := os.ReadFile(a.logPath)
	if err != nil {
		return nil
	}

	lines := strings.Split(string(content), "\n")
	var entries []AccessLogEntry
	for i := len(lines) - 1; i >= 0; i-- {
		line := strings.TrimSpace(lines[i])
		if line == "" {
			continue
		}
		var entry AccessLogEntry
		if err := json.Unmarshal([]byte(line), &entry); err == nil {
			entries = append(entries, entry)
		}
		if len(entries) >= limit {
			break
		}
	}
	return entries
}
