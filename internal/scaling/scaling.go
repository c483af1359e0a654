// Package scaling implements the Scaling Controller: it drifts
// target_workers from a success-streak rule and bounds in-flight
// downloads with a resizable counting semaphore.
package scaling

import (
	"context"
	"sync"
)

const successStreakThreshold = 5

// Controller tracks target_workers and success_streak under one mutex,
// applying a global success-streak rule rather than a per-host AIMD/RTT
// algorithm.
type Controller struct {
	mu             sync.Mutex
	enabled        bool
	maxWorkers     int
	target         int
	successStreak  int
}

// New builds a Controller. When enabled is false, target_workers is
// pinned to maxWorkers forever. When enabled, target starts at 1 and
// drifts toward maxWorkers as successes accumulate.
func New(enabled bool, maxWorkers int) *Controller {
	target := maxWorkers
	if enabled {
		target = 1
	}
	return &Controller{enabled: enabled, maxWorkers: maxWorkers, target: target}
}

// RecordOutcome applies one worker outcome to the drift rule:
//   - success: success_streak += 1; if streak >= 5 and target < max,
//     target += 1 and streak resets to 0.
//   - failure: success_streak = 0; if target > 1, target -= 1.
func (c *Controller) RecordOutcome(success bool) {
	if !c.enabled {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if success {
		c.successStreak++
		if c.successStreak >= successStreakThreshold && c.target < c.maxWorkers {
			c.target++
			c.successStreak = 0
		}
		return
	}
	c.successStreak = 0
	if c.target > 1 {
		c.target--
	}
}

// TargetWorkers returns the current advisory desired worker count,
// reported via telemetry as active_threads and target_workers.
func (c *Controller) TargetWorkers() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.target
}

// SuccessStreak returns the current consecutive-success count.
func (c *Controller) SuccessStreak() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.successStreak
}

// Semaphore bounds concurrent in-flight downloads to a resizable permit
// count: SetLimit adjusts the ceiling live and wakes waiters, rather than
// requiring the pool itself to be resized.
type Semaphore struct {
	mu      sync.Mutex
	cond    *sync.Cond
	limit   int
	inUse   int
}

// NewSemaphore builds a Semaphore with an initial permit ceiling.
func NewSemaphore(limit int) *Semaphore {
	s := &Semaphore{limit: limit}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// Acquire blocks until a permit is free under the current limit, or ctx
// is cancelled. It reports whether a permit was actually acquired; a
// false return means ctx ended the wait and no Release is owed. Callers
// should call this once per unit of work, not once for a goroutine's
// entire lifetime, so a lowered limit throttles already-running workers
// immediately rather than only new ones.
func (s *Semaphore) Acquire(ctx context.Context) bool {
	// Acquire has no way to wake on ctx cancellation through sync.Cond
	// alone, so a short-lived watcher broadcasts once ctx ends; it exits
	// via done as soon as this call returns either way.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			s.mu.Lock()
			s.cond.Broadcast()
			s.mu.Unlock()
		case <-done:
		}
	}()

	s.mu.Lock()
	defer s.mu.Unlock()
	for s.inUse >= s.limit {
		if ctx.Err() != nil {
			return false
		}
		s.cond.Wait()
	}
	if ctx.Err() != nil {
		return false
	}
	s.inUse++
	return true
}

// Release returns a permit and wakes any waiter.
func (s *Semaphore) Release() {
	s.mu.Lock()
	s.inUse--
	s.mu.Unlock()
	s.cond.Signal()
}

// SetLimit resizes the ceiling at runtime and wakes every waiter so newly
// freed permits (from a raised limit) are noticed immediately.
func (s *Semaphore) SetLimit(limit int) {
	s.mu.Lock()
	s.limit = limit
	s.mu.Unlock()
	s.cond.Broadcast()
}
