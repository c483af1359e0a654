package scaling

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestDisabledControllerPinsToMax(t *testing.T) {
	c := New(false, 8)
	if c.TargetWorkers() != 8 {
		t.Errorf("expected target pinned to max, got %d", c.TargetWorkers())
	}
	c.RecordOutcome(false)
	c.RecordOutcome(false)
	if c.TargetWorkers() != 8 {
		t.Errorf("disabled controller must never drift, got %d", c.TargetWorkers())
	}
}

func TestEnabledControllerStartsAtOne(t *testing.T) {
	c := New(true, 8)
	if c.TargetWorkers() != 1 {
		t.Errorf("expected target 1 at start, got %d", c.TargetWorkers())
	}
}

func TestSuccessStreakGrowsTarget(t *testing.T) {
	c := New(true, 8)
	for i := 0; i < 4; i++ {
		c.RecordOutcome(true)
	}
	if c.TargetWorkers() != 1 {
		t.Errorf("target should not grow before streak of 5, got %d", c.TargetWorkers())
	}
	c.RecordOutcome(true)
	if c.TargetWorkers() != 2 {
		t.Errorf("expected target to grow to 2 after streak of 5, got %d", c.TargetWorkers())
	}
	if c.SuccessStreak() != 0 {
		t.Errorf("streak should reset after growing target, got %d", c.SuccessStreak())
	}
}

func TestTargetNeverExceedsMax(t *testing.T) {
	c := New(true, 2)
	for i := 0; i < 50; i++ {
		c.RecordOutcome(true)
	}
	if c.TargetWorkers() > 2 {
		t.Errorf("target must never exceed max_workers, got %d", c.TargetWorkers())
	}
}

func TestFailureShrinksTargetAndResetsStreak(t *testing.T) {
	c := New(true, 8)
	for i := 0; i < 5; i++ {
		c.RecordOutcome(true)
	}
	if c.TargetWorkers() != 2 {
		t.Fatalf("setup: expected target 2, got %d", c.TargetWorkers())
	}
	c.RecordOutcome(false)
	if c.TargetWorkers() != 1 {
		t.Errorf("expected target to shrink to 1, got %d", c.TargetWorkers())
	}
	c.RecordOutcome(false)
	if c.TargetWorkers() != 1 {
		t.Errorf("target must never drop below 1, got %d", c.TargetWorkers())
	}
}

func TestSemaphoreBoundsConcurrency(t *testing.T) {
	ctx := context.Background()
	s := NewSemaphore(2)
	s.Acquire(ctx)
	s.Acquire(ctx)

	acquired := make(chan struct{})
	go func() {
		s.Acquire(ctx)
		close(acquired)
	}()

	select {
	case <-acquired:
		t.Fatal("third acquire should block at limit 2")
	case <-time.After(50 * time.Millisecond):
	}

	s.Release()
	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("third acquire should unblock after a release")
	}
}

func TestSemaphoreSetLimitWakesWaiters(t *testing.T) {
	ctx := context.Background()
	s := NewSemaphore(1)
	s.Acquire(ctx)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.Acquire(ctx)
	}()

	time.Sleep(20 * time.Millisecond)
	s.SetLimit(2)

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("raising the limit should wake a blocked waiter")
	}
}

func TestSemaphoreAcquireObservesCancellation(t *testing.T) {
	s := NewSemaphore(1)
	ctx := context.Background()
	s.Acquire(ctx)

	cancelCtx, cancel := context.WithCancel(context.Background())
	result := make(chan bool)
	go func() {
		result <- s.Acquire(cancelCtx)
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case ok := <-result:
		if ok {
			t.Error("expected Acquire to report false after cancellation")
		}
	case <-time.After(time.Second):
		t.Fatal("Acquire did not observe cancellation")
	}
}
