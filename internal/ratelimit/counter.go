package ratelimit

import (
	"context"
	"errors"
	"time"
)

// ErrUnavailable wraps counter-store failures (backend down, circuit open,
// timeout). Callers decide whether to fail open.
var ErrUnavailable = errors.New("ratelimit: counter store unavailable")

// Counter is the shared state behind sliding-window limits, violation
// counters and temporary bans. Implementations must be safe for concurrent
// use and atomic per key.
type Counter interface {
	// Hit records one event for key at now and returns the number of events
	// in (now-window, now], including this one.
	Hit(ctx context.Context, key string, window time.Duration, now time.Time) (int64, error)

	// Incr increments a fixed counter. The TTL is set when the counter is
	// created and not extended by later increments.
	Incr(ctx context.Context, key string, ttl time.Duration) (int64, error)

	// Ban marks key as banned for ttl.
	Ban(ctx context.Context, key string, ttl time.Duration) error

	// BanRemaining returns how long key stays banned, or 0.
	BanRemaining(ctx context.Context, key string) (time.Duration, error)
}
