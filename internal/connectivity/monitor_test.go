package connectivity

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"
)

type flakyPinger struct {
	up atomic.Bool
}

func (p *flakyPinger) Ping(_ context.Context) error {
	if p.up.Load() {
		return nil
	}
	return errors.New("connection refused")
}

type countingWaker struct {
	wakes atomic.Int64
}

func (w *countingWaker) Wake() { w.wakes.Add(1) }

func testLogger() *slog.Logger { return slog.New(slog.DiscardHandler) }

func TestMonitor_WakesOnReconnect(t *testing.T) {
	pinger := &flakyPinger{}
	waker := &countingWaker{}
	m := New(pinger, 10*time.Millisecond, testLogger(), waker)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.Start(ctx)

	// Starts offline.
	deadline := time.After(time.Second)
	for !m.Running() {
		select {
		case <-deadline:
			t.Fatal("monitor never started")
		default:
			time.Sleep(time.Millisecond)
		}
	}
	if m.Online() {
		t.Fatal("monitor should observe offline state")
	}
	if waker.wakes.Load() != 0 {
		t.Fatal("no wake while offline")
	}

	// Backend comes back.
	pinger.up.Store(true)
	deadline = time.After(time.Second)
	for waker.wakes.Load() == 0 {
		select {
		case <-deadline:
			t.Fatal("reconnect did not wake the work loops")
		default:
			time.Sleep(time.Millisecond)
		}
	}
	if !m.Online() {
		t.Fatal("monitor should observe online state")
	}
}

func TestMonitor_NoWakeWhileStable(t *testing.T) {
	pinger := &flakyPinger{}
	pinger.up.Store(true)
	waker := &countingWaker{}
	m := New(pinger, 5*time.Millisecond, testLogger(), waker)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.Start(ctx)

	// First check transitions unknown->online: one wake is allowed. After
	// that the state is stable and wakes must not accumulate.
	time.Sleep(100 * time.Millisecond)
	if waker.wakes.Load() > 1 {
		t.Fatalf("stable online state must not keep waking, got %d", waker.wakes.Load())
	}
}

func TestMonitor_Stop(t *testing.T) {
	pinger := &flakyPinger{}
	m := New(pinger, 10*time.Millisecond, testLogger())

	done := make(chan struct{})
	go func() {
		m.Start(context.Background())
		close(done)
	}()

	deadline := time.After(time.Second)
	for !m.Running() {
		select {
		case <-deadline:
			t.Fatal("monitor never started")
		default:
			time.Sleep(time.Millisecond)
		}
	}

	m.Stop()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("monitor did not stop")
	}
}
