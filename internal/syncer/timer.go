package syncer

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"
)

// Timer runs sync passes periodically and whenever a wake signal arrives
// (connectivity recovery, manual trigger).
type Timer struct {
	scheduler *Scheduler
	interval  time.Duration
	wake      chan struct{}
	logger    *slog.Logger
	stop      chan struct{}
	running   atomic.Bool

	// onPass, if set, is called after each completed pass. The notification
	// barrier hooks this to reconcile as soon as new records become synced.
	onPass func(Result)
}

// NewTimer creates a sync timer with the given pass interval.
func NewTimer(scheduler *Scheduler, interval time.Duration, logger *slog.Logger) *Timer {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Timer{
		scheduler: scheduler,
		interval:  interval,
		wake:      make(chan struct{}, 1),
		logger:    logger,
		stop:      make(chan struct{}),
	}
}

// OnPass sets a callback invoked after every non-skipped pass.
func (t *Timer) OnPass(fn func(Result)) {
	t.onPass = fn
}

// Wake requests an immediate pass. Coalesces if one is already requested.
func (t *Timer) Wake() {
	select {
	case t.wake <- struct{}{}:
	default:
	}
}

// Running reports whether the timer loop is actively running.
func (t *Timer) Running() bool {
	return t.running.Load()
}

// Start begins the periodic sync loop. Call in a goroutine.
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
			t.safeRun(ctx)
		case <-t.wake:
			t.safeRun(ctx)
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

func (t *Timer) safeRun(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("panic in sync timer", "panic", fmt.Sprint(r))
		}
	}()

	res, err := t.scheduler.RunPass(ctx)
	if err != nil {
		t.logger.Warn("sync pass failed", "error", err)
		return
	}
	if !res.Skipped && t.onPass != nil {
		t.onPass(res)
	}
}
