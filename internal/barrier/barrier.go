// Package barrier gates guardian notification on attendance durability.
//
// A session's guardians are notified only after the session has ended and
// every attendance record captured for it has been acknowledged by the
// backend. Until then the session carries a pending notification entry that
// survives restarts, so a notification is never lost to a crash and never
// sent on the strength of local-only data.
package barrier

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/zinlatt/presenced/internal/bus"
	"github.com/zinlatt/presenced/internal/ledger"
	"github.com/zinlatt/presenced/internal/metrics"
	"github.com/zinlatt/presenced/internal/syncutil"
	"github.com/zinlatt/presenced/internal/traces"
)

// NotificationStatus tracks a pending notification entry's lifecycle.
type NotificationStatus string

const (
	StatusPending NotificationStatus = "pending"
	StatusSent    NotificationStatus = "sent"
)

// PendingNotification marks a session whose guardians still need notifying.
type PendingNotification struct {
	SessionID string             `json:"sessionId"`
	Status    NotificationStatus `json:"status"`
	CreatedAt time.Time          `json:"createdAt"`
}

// ErrNotFound is returned when no pending entry exists for a session.
var ErrNotFound = errors.New("pending notification not found")

// Store persists pending notification entries.
type Store interface {
	Put(ctx context.Context, n *PendingNotification) error
	Get(ctx context.Context, sessionID string) (*PendingNotification, error)
	List(ctx context.Context) ([]*PendingNotification, error)
	Delete(ctx context.Context, sessionID string) error
}

// SessionStore is the slice of session storage the barrier needs.
type SessionStore interface {
	GetSession(ctx context.Context, id string) (*ledger.Session, error)
	SetNotified(ctx context.Context, id string) error
}

// Notifier delivers guardian notifications and records the delivery remotely.
type Notifier interface {
	NotifyGuardians(ctx context.Context, sessionID string) error
	MarkSessionNotified(ctx context.Context, sessionID string) error
}

// Reconciler drives pending notifications to completion.
type Reconciler struct {
	store    Store
	sessions SessionStore
	ledger   *ledger.Ledger
	notifier Notifier
	events   *bus.Bus
	logger   *slog.Logger
	orgID    string
	flight   syncutil.Flight
}

// New creates a reconciler for the given org.
func New(store Store, sessions SessionStore, l *ledger.Ledger, n Notifier, events *bus.Bus, orgID string, logger *slog.Logger) *Reconciler {
	return &Reconciler{
		store:    store,
		sessions: sessions,
		ledger:   l,
		notifier: n,
		events:   events,
		logger:   logger,
		orgID:    orgID,
	}
}

// SessionEnded registers a session for eventual guardian notification.
// Registering the same session twice is harmless.
func (r *Reconciler) SessionEnded(ctx context.Context, sessionID string) error {
	if _, err := r.store.Get(ctx, sessionID); err == nil {
		return nil
	} else if !errors.Is(err, ErrNotFound) {
		return err
	}
	return r.store.Put(ctx, &PendingNotification{
		SessionID: sessionID,
		Status:    StatusPending,
		CreatedAt: time.Now().UTC(),
	})
}

// Result summarizes a reconciliation pass.
type Result struct {
	Skipped  bool
	Examined int
	Notified int
	Dropped  int // entries for sessions already notified elsewhere
	Deferred int
	Failed   int
}

// Reconcile walks every pending entry and notifies guardians for each
// session whose attendance is fully durable. At most one pass runs per org
// at a time; an overlapping call returns with Skipped set.
func (r *Reconciler) Reconcile(ctx context.Context) (Result, error) {
	done, ok := r.flight.TryBegin(r.orgID)
	if !ok {
		return Result{Skipped: true}, nil
	}
	defer done()

	ctx, span := traces.StartSpan(ctx, "barrier.reconcile", traces.OrgID(r.orgID))
	defer span.End()

	pending, err := r.store.List(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("list pending notifications: %w", err)
	}

	var res Result
	for _, entry := range pending {
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		res.Examined++
		switch err := r.reconcileOne(ctx, entry); {
		case err == nil:
			res.Notified++
		case errors.Is(err, errAlreadyNotified):
			res.Dropped++
		case errors.Is(err, errNotReady):
			res.Deferred++
		default:
			res.Failed++
			metrics.NotificationsTotal.WithLabelValues("failed").Inc()
			r.logger.Warn("guardian notification failed",
				"session_id", entry.SessionID, "error", err)
			r.events.Publish(bus.Event{
				Kind:    bus.KindFailure,
				Message: fmt.Sprintf("notification for session %s failed: %v", entry.SessionID, err),
			})
		}
	}

	if res.Notified > 0 || res.Dropped > 0 || res.Failed > 0 {
		r.logger.Info("notification reconcile pass complete",
			"examined", res.Examined, "notified", res.Notified,
			"dropped", res.Dropped, "deferred", res.Deferred, "failed", res.Failed)
	}
	return res, nil
}

// errNotReady marks entries whose preconditions have not been met yet.
// They stay in the store untouched until a later pass. errAlreadyNotified
// marks entries dropped because the session was delivered elsewhere.
var (
	errNotReady        = errors.New("notification preconditions not met")
	errAlreadyNotified = errors.New("session already notified")
)

func (r *Reconciler) reconcileOne(ctx context.Context, entry *PendingNotification) error {
	sess, err := r.sessions.GetSession(ctx, entry.SessionID)
	if err != nil {
		return fmt.Errorf("load session %s: %w", entry.SessionID, err)
	}
	if !sess.Ended() {
		return errNotReady
	}
	if sess.ParentsNotified {
		// Already delivered, possibly by another device. Drop the entry.
		if err := r.store.Delete(ctx, entry.SessionID); err != nil {
			return fmt.Errorf("drop pending entry: %w", err)
		}
		return errAlreadyNotified
	}

	synced, err := r.ledger.SessionAttendanceSynced(ctx, entry.SessionID)
	if err != nil {
		return fmt.Errorf("check attendance durability: %w", err)
	}
	if !synced {
		return errNotReady
	}

	// The entry stays in the store on any delivery error, transient or
	// not, so the next pass retries. At-least-once, never zero.
	if err := r.notifier.NotifyGuardians(ctx, entry.SessionID); err != nil {
		return fmt.Errorf("notify guardians: %w", err)
	}

	// Delivery acknowledged. The entry is removed first so a crash between
	// the two remote calls re-sends the notified flag, never the texts.
	if err := r.store.Delete(ctx, entry.SessionID); err != nil {
		return fmt.Errorf("drop pending entry: %w", err)
	}
	if err := r.sessions.SetNotified(ctx, entry.SessionID); err != nil {
		r.logger.Warn("failed to mark session notified locally",
			"session_id", entry.SessionID, "error", err)
	}
	if err := r.notifier.MarkSessionNotified(ctx, entry.SessionID); err != nil {
		r.logger.Warn("failed to mark session notified remotely",
			"session_id", entry.SessionID, "error", err)
	}

	metrics.NotificationsTotal.WithLabelValues("sent").Inc()
	r.events.Publish(bus.Event{
		Kind:    bus.KindSuccess,
		Message: fmt.Sprintf("guardians notified for session %s", entry.SessionID),
	})
	return nil
}
