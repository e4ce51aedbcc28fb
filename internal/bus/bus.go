// Package bus carries agent lifecycle events to in-process subscribers
// and out-of-process notifiers.
//
// Publishing never blocks: a subscriber that stops draining its channel
// loses events rather than stalling the publisher. Callers that need
// durability use the mutation ledger, not the bus.
package bus

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Kind classifies an event.
type Kind string

const (
	KindSuccess Kind = "success"
	KindFailure Kind = "failure"
	KindError   Kind = "error"
)

// Event is a single agent lifecycle event.
type Event struct {
	Kind    Kind      `json:"kind"`
	Message string    `json:"message"`
	Time    time.Time `json:"time"`
}

// Bus fans events out to subscribers.
type Bus struct {
	mu     sync.RWMutex
	subs   map[chan Event]struct{}
	logger *slog.Logger
	buffer int
}

// New creates a bus. Each subscriber gets a channel buffered to the
// given size; zero means a default of 16.
func New(buffer int, logger *slog.Logger) *Bus {
	if buffer <= 0 {
		buffer = 16
	}
	return &Bus{
		subs:   make(map[chan Event]struct{}),
		logger: logger,
		buffer: buffer,
	}
}

// Subscribe registers a new subscriber. The returned cancel function
// removes the subscription and closes the channel.
func (b *Bus) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, b.buffer)
	b.mu.Lock()
	b.subs[ch] = struct{}{}
	b.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, ch)
			b.mu.Unlock()
			close(ch)
		})
	}
	return ch, cancel
}

// Publish delivers an event to every subscriber. A full subscriber
// channel drops the event for that subscriber.
func (b *Bus) Publish(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now().UTC()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subs {
		select {
		case ch <- ev:
		default:
			b.logger.Warn("event dropped for slow subscriber",
				"kind", ev.Kind, "message", ev.Message)
		}
	}
}

// Notifier delivers an event to an external channel.
type Notifier interface {
	Notify(ctx context.Context, ev Event) error
}

// Fanout drains a bus subscription and forwards each event to every
// notifier. One notifier failing never stops the others.
type Fanout struct {
	notifiers []Notifier
	logger    *slog.Logger
}

// NewFanout creates a fanout over the given notifiers.
func NewFanout(logger *slog.Logger, notifiers ...Notifier) *Fanout {
	return &Fanout{notifiers: notifiers, logger: logger}
}

// Run consumes events until the channel closes or ctx is cancelled.
// Call in a goroutine.
func (f *Fanout) Run(ctx context.Context, events <-chan Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			f.deliver(ctx, ev)
		}
	}
}

func (f *Fanout) deliver(ctx context.Context, ev Event) {
	for _, n := range f.notifiers {
		if err := n.Notify(ctx, ev); err != nil {
			f.logger.Warn("notifier failed", "kind", ev.Kind, "error", err)
		}
	}
}

// LogNotifier writes events to the agent log.
type LogNotifier struct {
	logger *slog.Logger
}

// NewLogNotifier creates a notifier that logs every event.
func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

func (n *LogNotifier) Notify(_ context.Context, ev Event) error {
	switch ev.Kind {
	case KindSuccess:
		n.logger.Info("event", "kind", ev.Kind, "message", ev.Message)
	default:
		n.logger.Warn("event", "kind", ev.Kind, "message", ev.Message)
	}
	return nil
}
