// Package ledger tracks local mutations awaiting remote reconciliation.
//
// Flow:
//  1. A local action (e.g. an accepted check-in) records a mutation
//  2. The sync scheduler drains pending mutations to the remote authority
//  3. Acknowledged mutations become SYNCED (or are removed, for deletions)
//  4. The notification barrier reads SYNCED state to release notifications
package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/zinlatt/presenced/internal/syncutil"
)

var (
	ErrNotFound      = errors.New("mutation not found")
	ErrUnknownEntity = errors.New("unknown entity type")
	ErrNoStatus      = errors.New("sync status must be set")
)

// StorageError wraps a local persistence failure. Callers must not assume a
// ledger write succeeded when one is returned.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string { return fmt.Sprintf("ledger storage: %s: %v", e.Op, e.Err) }
func (e *StorageError) Unwrap() error { return e.Err }

func storageErr(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrNotFound) {
		return err
	}
	return &StorageError{Op: op, Err: err}
}

// Store persists mutations. Implementations must keep Query results in stable
// creation order so sync passes are deterministic.
type Store interface {
	Insert(ctx context.Context, m *Mutation) error
	GetByEntity(ctx context.Context, t EntityType, key string) (*Mutation, error)
	Update(ctx context.Context, m *Mutation) error
	UpdateStatus(ctx context.Context, id string, status SyncStatus) error
	Query(ctx context.Context, f Filter) ([]*Mutation, error)
	Delete(ctx context.Context, id string) error
}

// Ledger applies the mutation merge rules on top of a Store. Read-modify-write
// on one entity is serialized per natural key, so a verification write and a
// concurrent sync acknowledgment cannot lose updates.
type Ledger struct {
	store Store
	locks syncutil.ShardedMutex
	now   func() time.Time
	newID func() string
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithClock overrides the time source (for tests).
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

// WithIDFunc overrides mutation ID generation (for tests).
func WithIDFunc(fn func() string) Option {
	return func(l *Ledger) { l.newID = fn }
}

// New creates a ledger over the given store.
func New(store Store, opts ...Option) *Ledger {
	l := &Ledger{
		store: store,
		now:   time.Now,
		newID: defaultID,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func lockKey(t EntityType, key string) string {
	return string(t) + ":" + key
}

// Record registers a local change for the entity identified by (t, key).
// It is idempotent per natural key: a second pending change for the same
// entity overwrites pending state rather than duplicating it, and a pending
// deletion always dominates pending creation or modification.
//
// A deletion recorded over a never-synced creation removes the entry locally;
// the remote authority has never seen the entity, so there is nothing to push.
func (l *Ledger) Record(ctx context.Context, t EntityType, key string, status SyncStatus, payload any) (*Mutation, error) {
	if !t.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrUnknownEntity, t)
	}
	if !status.Pending() {
		return nil, fmt.Errorf("%w: got %q", ErrNoStatus, status)
	}

	var raw json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("encode payload: %w", err)
		}
		raw = b
	}

	unlock := l.locks.Lock(lockKey(t, key))
	defer unlock()

	existing, err := l.store.GetByEntity(ctx, t, key)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, storageErr("get", err)
	}

	if existing == nil {
		m := &Mutation{
			ID:         l.newID(),
			EntityType: t,
			EntityKey:  key,
			Status:     status,
			Payload:    raw,
			CreatedAt:  l.now(),
			UpdatedAt:  l.now(),
		}
		if err := l.store.Insert(ctx, m); err != nil {
			return nil, storageErr("insert", err)
		}
		return m, nil
	}

	merged, remove := mergeStatus(existing.Status, status)
	if remove {
		if err := l.store.Delete(ctx, existing.ID); err != nil {
			return nil, storageErr("delete", err)
		}
		return nil, nil
	}

	existing.Status = merged
	if raw != nil {
		existing.Payload = raw
	}
	existing.UpdatedAt = l.now()
	if err := l.store.Update(ctx, existing); err != nil {
		return nil, storageErr("update", err)
	}
	return existing, nil
}

// mergeStatus resolves a new pending status against the existing one.
// remove means the entry should be dropped locally instead of updated.
func mergeStatus(existing, incoming SyncStatus) (merged SyncStatus, remove bool) {
	switch existing {
	case StatusPendingDeletion:
		// Delete dominates everything until the remote confirms it.
		return StatusPendingDeletion, false
	case StatusPendingCreation:
		if incoming == StatusPendingDeletion {
			return "", true
		}
		// Creation intent is preserved; only the payload is refreshed.
		return StatusPendingCreation, false
	case StatusPendingModification:
		if incoming == StatusPendingDeletion {
			return StatusPendingDeletion, false
		}
		return StatusPendingModification, false
	case StatusSynced:
		// A new local change reopens the record.
		if incoming == StatusPendingDeletion {
			return StatusPendingDeletion, false
		}
		return StatusPendingModification, false
	default:
		return incoming, false
	}
}

// MarkSynced transitions a mutation to its terminal synced state. Only the
// sync scheduler calls this, and only after an affirmative remote ack.
func (l *Ledger) MarkSynced(ctx context.Context, m *Mutation) error {
	unlock := l.locks.Lock(lockKey(m.EntityType, m.EntityKey))
	defer unlock()
	return storageErr("update status", l.store.UpdateStatus(ctx, m.ID, StatusSynced))
}

// Remove deletes a mutation entry. Used after the remote confirms a deletion.
func (l *Ledger) Remove(ctx context.Context, m *Mutation) error {
	unlock := l.locks.Lock(lockKey(m.EntityType, m.EntityKey))
	defer unlock()
	return storageErr("delete", l.store.Delete(ctx, m.ID))
}

// Query returns mutations matching the filter in stable creation order.
func (l *Ledger) Query(ctx context.Context, f Filter) ([]*Mutation, error) {
	out, err := l.store.Query(ctx, f)
	return out, storageErr("query", err)
}

// PendingByRank returns all pending mutations grouped by entity type, in
// ascending rank order. Within one type the store's stable creation order is
// preserved.
func (l *Ledger) PendingByRank(ctx context.Context) ([][]*Mutation, error) {
	var groups [][]*Mutation
	for _, t := range EntityTypesByRank() {
		ms, err := l.store.Query(ctx, Filter{EntityType: t, PendingOnly: true})
		if err != nil {
			return nil, storageErr("query", err)
		}
		if len(ms) > 0 {
			groups = append(groups, ms)
		}
	}
	return groups, nil
}

// SessionAttendanceSynced reports whether every attendance mutation belonging
// to the session has reached SYNCED. A session with no attendance mutations is
// vacuously synced.
func (l *Ledger) SessionAttendanceSynced(ctx context.Context, sessionID string) (bool, error) {
	ms, err := l.store.Query(ctx, Filter{EntityType: EntityAttendance})
	if err != nil {
		return false, storageErr("query", err)
	}
	for _, m := range ms {
		rec, err := DecodeAttendance(m)
		if err != nil {
			return false, fmt.Errorf("decode attendance %s: %w", m.ID, err)
		}
		if rec.SessionID != sessionID {
			continue
		}
		if m.Status != StatusSynced {
			return false, nil
		}
	}
	return true, nil
}
