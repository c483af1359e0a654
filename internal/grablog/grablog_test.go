package grablog

import (
	"context"
	"log/slog"
	"strings"
	"testing"
	"time"
)

func TestRingHandlerTailFromStart(t *testing.T) {
	h := NewRingHandler(10)
	logger := slog.New(h)
	logger.Info("first")
	logger.Info("second")

	lines, next := h.Tail(0)
	if len(lines) != 2 {
		t.Fatalf("expected 2 lines, got %d", len(lines))
	}
	if !strings.Contains(lines[0], "first") || !strings.Contains(lines[1], "second") {
		t.Errorf("unexpected lines: %v", lines)
	}
	if next != 2 {
		t.Errorf("expected next index 2, got %d", next)
	}
}

func TestRingHandlerTailIsIncremental(t *testing.T) {
	h := NewRingHandler(10)
	logger := slog.New(h)
	logger.Info("first")
	_, next := h.Tail(0)

	logger.Info("second")
	lines, next2 := h.Tail(next)
	if len(lines) != 1 || !strings.Contains(lines[0], "second") {
		t.Errorf("expected only the new line, got %v", lines)
	}
	if next2 != 2 {
		t.Errorf("expected next index 2, got %d", next2)
	}
}

func TestRingHandlerCapsAtCapacity(t *testing.T) {
	h := NewRingHandler(3)
	logger := slog.New(h)
	for i := 0; i < 5; i++ {
		logger.Info("line")
	}
	lines, next := h.Tail(0)
	if len(lines) != 3 {
		t.Errorf("expected ring capped at 3 lines, got %d", len(lines))
	}
	if next != 5 {
		t.Errorf("expected next index 5 regardless of cap, got %d", next)
	}
}

func TestFanoutHandlerDispatchesToEveryHandler(t *testing.T) {
	a := NewRingHandler(10)
	b := NewRingHandler(10)
	fan := &FanoutHandler{handlers: []slog.Handler{a, b}}

	r := slog.NewRecord(time.Now(), slog.LevelInfo, "hello", 0)
	if err := fan.Handle(context.Background(), r); err != nil {
		t.Fatalf("handle: %v", err)
	}

	for name, h := range map[string]*RingHandler{"a": a, "b": b} {
		lines, _ := h.Tail(0)
		if len(lines) != 1 {
			t.Errorf("%s: expected 1 line, got %d", name, len(lines))
		}
	}
}
