// Package ratelimit throttles every call to the trading network.
package ratelimit

import (
	"context"
	"time"

	"escrow-engine/internal/metrics"

	"golang.org/x/time/rate"
)

// Config sets the global request budget.
type Config struct {
	RequestsPerSecond float64
	Burst             int
}

// Limiter is a global token bucket. Calls over budget wait rather than fail,
// and are admitted in the order they asked.
type Limiter struct {
	lim *rate.Limiter
}

// NewLimiter creates a limiter. A non-positive rate means unlimited.
func NewLimiter(cfg Config) *Limiter {
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	r := rate.Limit(cfg.RequestsPerSecond)
	if cfg.RequestsPerSecond <= 0 {
		r = rate.Inf
	}
	return &Limiter{lim: rate.NewLimiter(r, burst)}
}

// Execute waits for a slot and runs fn, returning fn's error unchanged.
// If ctx ends while waiting, fn is not run and ctx's error is returned.
func (l *Limiter) Execute(ctx context.Context, fn func(context.Context) error) error {
	if err := l.wait(ctx); err != nil {
		return err
	}
	return fn(ctx)
}

// Do is Execute for calls that return a value.
func Do[T any](ctx context.Context, l *Limiter, fn func(context.Context) (T, error)) (T, error) {
	if err := l.wait(ctx); err != nil {
		var zero T
		return zero, err
	}
	return fn(ctx)
}

// wait reserves a token up front so waiters are served in reservation order.
func (l *Limiter) wait(ctx context.Context) error {
	start := time.Now()
	r := l.lim.Reserve()
	if !r.OK() {
		return context.DeadlineExceeded
	}

	delay := r.Delay()
	if delay > 0 {
		t := time.NewTimer(delay)
		defer t.Stop()
		select {
		case <-t.C:
		case <-ctx.Done():
			r.Cancel()
			return ctx.Err()
		}
	}
	metrics.RateLimitWait.Observe(time.Since(start).Seconds())
	return nil
}
