package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/rutaquest/visitguard/internal/circuitbreaker"
)

const breakerKey = "counter_store"

// Guarded wraps a Counter with a per-call timeout and a circuit breaker so
// an unhealthy backend costs at most one timeout before calls short-circuit.
// Every failure is reported as ErrUnavailable; FailOpen tells callers what
// to do about it.
type Guarded struct {
	inner    Counter
	breaker  *circuitbreaker.Breaker
	timeout  time.Duration
	failOpen bool
}

// NewGuarded wraps inner. failOpen is the outage policy callers should apply.
func NewGuarded(inner Counter, breaker *circuitbreaker.Breaker, timeout time.Duration, failOpen bool) *Guarded {
	if breaker == nil {
		breaker = circuitbreaker.New(5, 10*time.Second)
	}
	if timeout <= 0 {
		timeout = 250 * time.Millisecond
	}
	return &Guarded{inner: inner, breaker: breaker, timeout: timeout, failOpen: failOpen}
}

// FailOpen reports whether limit and ban checks should be skipped while the
// store is unavailable.
func (g *Guarded) FailOpen() bool { return g.failOpen }

func (g *Guarded) call(ctx context.Context, fn func(ctx context.Context) error) error {
	err := g.breaker.Execute(breakerKey, func() error {
		ctx, cancel := context.WithTimeout(ctx, g.timeout)
		defer cancel()
		return fn(ctx)
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

func (g *Guarded) Hit(ctx context.Context, key string, window time.Duration, now time.Time) (int64, error) {
	var n int64
	err := g.call(ctx, func(ctx context.Context) (err error) {
		n, err = g.inner.Hit(ctx, key, window, now)
		return err
	})
	return n, err
}

func (g *Guarded) Incr(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	var n int64
	err := g.call(ctx, func(ctx context.Context) (err error) {
		n, err = g.inner.Incr(ctx, key, ttl)
		return err
	})
	return n, err
}

func (g *Guarded) Ban(ctx context.Context, key string, ttl time.Duration) error {
	return g.call(ctx, func(ctx context.Context) error {
		return g.inner.Ban(ctx, key, ttl)
	})
}

func (g *Guarded) BanRemaining(ctx context.Context, key string) (time.Duration, error) {
	var d time.Duration
	err := g.call(ctx, func(ctx context.Context) (err error) {
		d, err = g.inner.BanRemaining(ctx, key)
		return err
	})
	return d, err
}

var _ Counter = (*Guarded)(nil)
