package challenge

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"
)

// Retention is how long an expired challenge row is kept so replays still
// report ALREADY_USED or EXPIRED rather than NOT_FOUND.
const Retention = 10 * time.Minute

// Timer periodically deletes challenges that expired more than Retention ago.
type Timer struct {
	store    Store
	interval time.Duration
	logger   *slog.Logger
	stop     chan struct{}
	running  atomic.Bool
}

// NewTimer creates a new challenge sweeper.
func NewTimer(store Store, logger *slog.Logger) *Timer {
	return &Timer{
		store:    store,
		interval: time.Minute,
		logger:   logger,
		stop:     make(chan struct{}),
	}
}

// Running reports whether the timer loop is actively running.
func (t *Timer) Running() bool {
	return t.running.Load()
}

// Start begins the sweep loop. Call in a goroutine.
func (t *Timer) Start(ctx context.Context) {
	t.running.Store(true)
	defer t.running.Store(false)

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.stop:
			return
		case <-ticker.C:
			t.safeSweep(ctx)
		}
	}
}

// Stop signals the timer to stop.
func (t *Timer) Stop() {
	select {
	case t.stop <- struct{}{}:
	default:
	}
}

func (t *Timer) safeSweep(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("panic in challenge timer", "panic", fmt.Sprint(r))
		}
	}()
	t.sweep(ctx, time.Now())
}

func (t *Timer) sweep(ctx context.Context, now time.Time) {
	n, err := t.store.DeleteExpired(ctx, now.Add(-Retention))
	if err != nil {
		t.logger.Warn("failed to delete expired challenges", "error", err)
		return
	}
	if n > 0 {
		t.logger.Debug("deleted expired challenges", "count", n)
	}
}
