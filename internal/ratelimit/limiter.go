// Package ratelimit throttles aggregate download bytes to a configured
// rate, shared across every worker.
package ratelimit

import (
	"context"

	"golang.org/x/time/rate"
)

// Limiter is a token bucket over bytes: capacity 2x the configured rate,
// refilling at rate bytes/sec. rate == 0 disables throttling entirely.
type Limiter struct {
	rl *rate.Limiter
}

// New builds a Limiter for bytesPerSec. A rate of 0 disables the limiter;
// every Wait then returns immediately.
func New(bytesPerSec int64) *Limiter {
	if bytesPerSec <= 0 {
		return &Limiter{rl: rate.NewLimiter(rate.Inf, 0)}
	}
	burst := int(bytesPerSec * 2)
	if burst <= 0 {
		burst = 1
	}
	return &Limiter{rl: rate.NewLimiter(rate.Limit(bytesPerSec), burst)}
}

// SetLimit changes the refill rate and burst at runtime (max_workers and
// speed_limit_bps are the only two knobs the engine may update live).
func (l *Limiter) SetLimit(bytesPerSec int64) {
	if bytesPerSec <= 0 {
		l.rl.SetLimit(rate.Inf)
		l.rl.SetBurst(0)
		return
	}
	l.rl.SetLimit(rate.Limit(bytesPerSec))
	burst := int(bytesPerSec * 2)
	if burst <= 0 {
		burst = 1
	}
	l.rl.SetBurst(burst)
}

// Wait consumes n tokens (bytes), blocking until they are available or ctx
// is cancelled. The bucket's own monotonic-clock refill means wall-clock
// jumps never corrupt the balance.
func (l *Limiter) Wait(ctx context.Context, n int) error {
	for n > 0 {
		// WaitN rejects any n above the burst outright, so consume in
		// burst-sized pieces.
		step := n
		if b := l.rl.Burst(); b > 0 && step > b {
			step = b
		}
		if err := l.rl.WaitN(ctx, step); err != nil {
			return err
		}
		n -= step
	}
	return nil
}
