package bus

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger { return slog.New(slog.DiscardHandler) }

func TestPublishReachesAllSubscribers(t *testing.T) {
	b := New(4, testLogger())

	ch1, cancel1 := b.Subscribe()
	ch2, cancel2 := b.Subscribe()
	defer cancel1()
	defer cancel2()

	b.Publish(Event{Kind: KindSuccess, Message: "synced"})

	for _, ch := range []<-chan Event{ch1, ch2} {
		select {
		case ev := <-ch:
			if ev.Kind != KindSuccess || ev.Message != "synced" {
				t.Fatalf("unexpected event: %+v", ev)
			}
			if ev.Time.IsZero() {
				t.Fatal("publish must stamp the event time")
			}
		case <-time.After(time.Second):
			t.Fatal("subscriber did not receive event")
		}
	}
}

func TestSlowSubscriberDropsNotBlocks(t *testing.T) {
	b := New(1, testLogger())

	ch, cancel := b.Subscribe()
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 10; i++ {
			b.Publish(Event{Kind: KindError, Message: "overflow"})
		}
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a full subscriber channel")
	}

	// Exactly the buffered event survives.
	if len(ch) != 1 {
		t.Fatalf("expected 1 buffered event, got %d", len(ch))
	}
}

func TestCancelClosesChannel(t *testing.T) {
	b := New(4, testLogger())
	ch, cancel := b.Subscribe()
	cancel()
	cancel() // idempotent

	if _, open := <-ch; open {
		t.Fatal("cancel must close the subscriber channel")
	}

	// Publishing after cancel must not panic.
	b.Publish(Event{Kind: KindSuccess, Message: "late"})
}

type countingNotifier struct {
	calls atomic.Int64
	err   error
}

func (n *countingNotifier) Notify(_ context.Context, _ Event) error {
	n.calls.Add(1)
	return n.err
}

func TestFanoutIsolatesFailures(t *testing.T) {
	failing := &countingNotifier{err: errors.New("smtp down")}
	healthy := &countingNotifier{}
	f := NewFanout(testLogger(), failing, healthy)

	events := make(chan Event, 2)
	events <- Event{Kind: KindSuccess, Message: "one"}
	events <- Event{Kind: KindFailure, Message: "two"}
	close(events)

	f.Run(context.Background(), events)

	if failing.calls.Load() != 2 || healthy.calls.Load() != 2 {
		t.Fatalf("every notifier must see every event: failing=%d healthy=%d",
			failing.calls.Load(), healthy.calls.Load())
	}
}

func TestWebhookNotifierSignsPayload(t *testing.T) {
	const secret = "whsec_test"

	var gotBody []byte
	var gotSig, gotKind string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotBody, _ = io.ReadAll(r.Body)
		gotSig = r.Header.Get("X-Presenced-Signature")
		gotKind = r.Header.Get("X-Presenced-Event")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	n := NewWebhookNotifier(srv.URL, secret)
	err := n.Notify(context.Background(), Event{
		Kind: KindSuccess, Message: "guardians notified", Time: time.Now().UTC(),
	})
	require.NoError(t, err)

	assert.Equal(t, "success", gotKind)
	assert.True(t, VerifySignature(gotBody, secret, gotSig), "signature must verify")

	var ev Event
	require.NoError(t, json.Unmarshal(gotBody, &ev))
	assert.Equal(t, "guardians notified", ev.Message)
}

func TestWebhookNotifierRejectsErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	n := NewWebhookNotifier(srv.URL, "")
	err := n.Notify(context.Background(), Event{Kind: KindFailure, Message: "x"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")
}
