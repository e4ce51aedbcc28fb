// Package connectivity watches backend reachability.
//
// The agent keeps capturing attendance while offline; what changes on a
// reconnect is urgency. The monitor polls the backend health endpoint and,
// on an offline to online transition, wakes the sync and notification
// loops immediately instead of letting pending work sit until the next
// scheduled tick.
package connectivity

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/zinlatt/presenced/internal/metrics"
)

// Pinger checks whether the backend is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Waker is anything that can be prodded into running a pass now.
type Waker interface {
	Wake()
}

// Monitor polls the backend and tracks the online state.
type Monitor struct {
	pinger   Pinger
	wakers   []Waker
	interval time.Duration
	logger   *slog.Logger
	online   atomic.Bool
	stop     chan struct{}
	running  atomic.Bool
}

// New creates a monitor polling at the given interval.
func New(pinger Pinger, interval time.Duration, logger *slog.Logger, wakers ...Waker) *Monitor {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &Monitor{
		pinger:   pinger,
		wakers:   wakers,
		interval: interval,
		logger:   logger,
		stop:     make(chan struct{}),
	}
}

// Online reports the last observed backend reachability.
func (m *Monitor) Online() bool {
	return m.online.Load()
}

// Running reports whether the poll loop is actively running.
func (m *Monitor) Running() bool {
	return m.running.Load()
}

// Start begins the poll loop. Call in a goroutine.
func (m *Monitor) Start(ctx context.Context) {
	m.running.Store(true)
	defer m.running.Store(false)

	// Establish the initial state before the first tick.
	m.check(ctx)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stop:
			return
		case <-ticker.C:
			m.check(ctx)
		}
	}
}

// Stop signals the monitor to stop.
func (m *Monitor) Stop() {
	select {
	case m.stop <- struct{}{}:
	default:
	}
}

func (m *Monitor) check(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("panic in connectivity check", "panic", fmt.Sprint(r))
		}
	}()

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	err := m.pinger.Ping(pingCtx)
	cancel()

	was := m.online.Load()
	now := err == nil
	m.online.Store(now)
	if now {
		metrics.RemoteOnline.Set(1)
	} else {
		metrics.RemoteOnline.Set(0)
	}

	switch {
	case !was && now:
		m.logger.Info("backend reachable, waking work loops")
		for _, w := range m.wakers {
			w.Wake()
		}
	case was && !now:
		m.logger.Warn("backend unreachable, entering offline mode", "error", err)
	}
}
