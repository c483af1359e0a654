package ratelimit

import (
	"context"
	"testing"
	"time"
)

func TestDisabledLimiterReturnsImmediately(t *testing.T) {
	l := New(0)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	if err := l.Wait(ctx, 10_000_000); err != nil {
		t.Fatalf("disabled limiter should never block: %v", err)
	}
}

func TestLimiterThrottles(t *testing.T) {
	l := New(100) // 100 B/s, burst 200 B
	ctx := context.Background()

	// Burst is free.
	if err := l.Wait(ctx, 200); err != nil {
		t.Fatalf("burst consume: %v", err)
	}

	start := time.Now()
	if err := l.Wait(ctx, 100); err != nil {
		t.Fatalf("throttled consume: %v", err)
	}
	if elapsed := time.Since(start); elapsed < 500*time.Millisecond {
		t.Errorf("expected consume to wait for refill, only waited %v", elapsed)
	}
}

func TestLimiterObservesCancellation(t *testing.T) {
	l := New(1) // tiny rate, burst 2
	ctx, cancel := context.WithCancel(context.Background())

	if err := l.Wait(ctx, 2); err != nil {
		t.Fatalf("burst consume: %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- l.Wait(ctx, 1) }()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err == nil {
			t.Error("expected cancellation error")
		}
	case <-time.After(time.Second):
		t.Fatal("Wait did not observe cancellation")
	}
}

func TestSetLimitUpdatesRate(t *testing.T) {
	l := New(100)
	l.SetLimit(0)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if err := l.Wait(ctx, 10_000_000); err != nil {
		t.Fatalf("expected disabling the limit to stop throttling: %v", err)
	}
}
