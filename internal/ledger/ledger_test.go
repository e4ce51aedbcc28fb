package ledger

import (
	"context"
	"errors"
	"testing"
	"time"
)

func newTestLedger() (*Ledger, *MemoryStore) {
	store := NewMemoryStore()
	var n int
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	l := New(store,
		WithIDFunc(func() string {
			n++
			return "mut_" + string(rune('a'+n-1))
		}),
		WithClock(func() time.Time {
			n++
			return base.Add(time.Duration(n) * time.Second)
		}),
	)
	return l, store
}

func TestRecordStartsPending(t *testing.T) {
	l, _ := newTestLedger()
	ctx := context.Background()

	m, err := l.Record(ctx, EntityAttendance, "att-1", StatusPendingCreation, &AttendanceRecord{ID: "att-1", SessionID: "s1"})
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	if m.Status != StatusPendingCreation {
		t.Fatalf("expected pending_creation, got %s", m.Status)
	}

	ms, err := l.Query(ctx, Filter{EntityType: EntityAttendance})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(ms) != 1 {
		t.Fatalf("expected 1 mutation, got %d", len(ms))
	}
}

func TestRecordRejectsUnknownEntity(t *testing.T) {
	l, _ := newTestLedger()
	if _, err := l.Record(context.Background(), EntityType("invoice"), "x", StatusPendingCreation, nil); !errors.Is(err, ErrUnknownEntity) {
		t.Fatalf("expected ErrUnknownEntity, got %v", err)
	}
}

func TestRecordRejectsNonPendingStatus(t *testing.T) {
	l, _ := newTestLedger()
	if _, err := l.Record(context.Background(), EntityCustomer, "c1", StatusSynced, nil); !errors.Is(err, ErrNoStatus) {
		t.Fatalf("expected ErrNoStatus for synced, got %v", err)
	}
	if _, err := l.Record(context.Background(), EntityCustomer, "c1", StatusUndefined, nil); !errors.Is(err, ErrNoStatus) {
		t.Fatalf("expected ErrNoStatus for undefined, got %v", err)
	}
}

func TestRecordIdempotentPerKey(t *testing.T) {
	l, _ := newTestLedger()
	ctx := context.Background()

	if _, err := l.Record(ctx, EntityCustomer, "c1", StatusPendingModification, map[string]string{"name": "old"}); err != nil {
		t.Fatalf("first record: %v", err)
	}
	if _, err := l.Record(ctx, EntityCustomer, "c1", StatusPendingModification, map[string]string{"name": "new"}); err != nil {
		t.Fatalf("second record: %v", err)
	}

	ms, _ := l.Query(ctx, Filter{EntityType: EntityCustomer})
	if len(ms) != 1 {
		t.Fatalf("expected exactly 1 entry, got %d", len(ms))
	}
	if ms[0].Status != StatusPendingModification {
		t.Fatalf("expected pending_modification, got %s", ms[0].Status)
	}
}

func TestDeleteDominatesModification(t *testing.T) {
	l, _ := newTestLedger()
	ctx := context.Background()

	if _, err := l.Record(ctx, EntityCustomer, "c1", StatusPendingModification, nil); err != nil {
		t.Fatalf("record modification: %v", err)
	}
	if _, err := l.Record(ctx, EntityCustomer, "c1", StatusPendingDeletion, nil); err != nil {
		t.Fatalf("record deletion: %v", err)
	}

	ms, _ := l.Query(ctx, Filter{EntityType: EntityCustomer})
	if len(ms) != 1 || ms[0].Status != StatusPendingDeletion {
		t.Fatalf("expected single pending_deletion entry, got %+v", ms)
	}

	// And once pending, deletion cannot be downgraded.
	if _, err := l.Record(ctx, EntityCustomer, "c1", StatusPendingModification, nil); err != nil {
		t.Fatalf("record after deletion: %v", err)
	}
	ms, _ = l.Query(ctx, Filter{EntityType: EntityCustomer})
	if len(ms) != 1 || ms[0].Status != StatusPendingDeletion {
		t.Fatalf("deletion should dominate, got %+v", ms)
	}
}

func TestDeletionOverUnsyncedCreationRemovesEntry(t *testing.T) {
	l, _ := newTestLedger()
	ctx := context.Background()

	if _, err := l.Record(ctx, EntitySession, "s1", StatusPendingCreation, nil); err != nil {
		t.Fatalf("record creation: %v", err)
	}
	if _, err := l.Record(ctx, EntitySession, "s1", StatusPendingDeletion, nil); err != nil {
		t.Fatalf("record deletion: %v", err)
	}

	ms, _ := l.Query(ctx, Filter{EntityType: EntitySession})
	if len(ms) != 0 {
		t.Fatalf("entry should be removed locally, got %+v", ms)
	}
}

func TestModificationPreservesCreationIntent(t *testing.T) {
	l, _ := newTestLedger()
	ctx := context.Background()

	if _, err := l.Record(ctx, EntitySession, "s1", StatusPendingCreation, map[string]string{"name": "morning"}); err != nil {
		t.Fatalf("record creation: %v", err)
	}
	if _, err := l.Record(ctx, EntitySession, "s1", StatusPendingModification, map[string]string{"name": "afternoon"}); err != nil {
		t.Fatalf("record modification: %v", err)
	}

	ms, _ := l.Query(ctx, Filter{EntityType: EntitySession})
	if len(ms) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(ms))
	}
	if ms[0].Status != StatusPendingCreation {
		t.Fatalf("creation intent must be preserved, got %s", ms[0].Status)
	}
	if string(ms[0].Payload) != `{"name":"afternoon"}` {
		t.Fatalf("payload should be overwritten, got %s", ms[0].Payload)
	}
}

func TestSyncedReopensAsModification(t *testing.T) {
	l, _ := newTestLedger()
	ctx := context.Background()

	m, err := l.Record(ctx, EntityCustomer, "c1", StatusPendingCreation, nil)
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	if err := l.MarkSynced(ctx, m); err != nil {
		t.Fatalf("mark synced: %v", err)
	}

	if _, err := l.Record(ctx, EntityCustomer, "c1", StatusPendingModification, nil); err != nil {
		t.Fatalf("record after sync: %v", err)
	}
	ms, _ := l.Query(ctx, Filter{EntityType: EntityCustomer})
	if len(ms) != 1 || ms[0].Status != StatusPendingModification {
		t.Fatalf("synced record should reopen, got %+v", ms)
	}
}

func TestPendingByRankOrdering(t *testing.T) {
	l, _ := newTestLedger()
	ctx := context.Background()

	// Insert in scrambled rank order.
	for _, tt := range []EntityType{EntityAttendance, EntityStock, EntitySession, EntityBilling, EntityCustomer, EntityTransaction} {
		if _, err := l.Record(ctx, tt, "k-"+string(tt), StatusPendingCreation, nil); err != nil {
			t.Fatalf("record %s: %v", tt, err)
		}
	}

	groups, err := l.PendingByRank(ctx)
	if err != nil {
		t.Fatalf("pending by rank: %v", err)
	}
	if len(groups) != 6 {
		t.Fatalf("expected 6 groups, got %d", len(groups))
	}
	want := EntityTypesByRank()
	for i, g := range groups {
		if g[0].EntityType != want[i] {
			t.Fatalf("group %d: expected %s, got %s", i, want[i], g[0].EntityType)
		}
	}
}

func TestPendingByRankSkipsSynced(t *testing.T) {
	l, _ := newTestLedger()
	ctx := context.Background()

	m, _ := l.Record(ctx, EntityStock, "st1", StatusPendingCreation, nil)
	if err := l.MarkSynced(ctx, m); err != nil {
		t.Fatalf("mark synced: %v", err)
	}
	if _, err := l.Record(ctx, EntityAttendance, "a1", StatusPendingCreation, &AttendanceRecord{SessionID: "s1"}); err != nil {
		t.Fatalf("record: %v", err)
	}

	groups, err := l.PendingByRank(ctx)
	if err != nil {
		t.Fatalf("pending by rank: %v", err)
	}
	if len(groups) != 1 || groups[0][0].EntityType != EntityAttendance {
		t.Fatalf("synced stock must not appear, got %+v", groups)
	}
}

func TestSessionAttendanceSynced(t *testing.T) {
	l, _ := newTestLedger()
	ctx := context.Background()

	var muts []*Mutation
	for _, id := range []string{"a1", "a2", "a3"} {
		m, err := l.Record(ctx, EntityAttendance, id, StatusPendingCreation,
			&AttendanceRecord{ID: id, SessionID: "s1", StudentID: "stu-" + id})
		if err != nil {
			t.Fatalf("record %s: %v", id, err)
		}
		muts = append(muts, m)
	}

	ok, err := l.SessionAttendanceSynced(ctx, "s1")
	if err != nil {
		t.Fatalf("session synced: %v", err)
	}
	if ok {
		t.Fatal("no record synced yet, session must not report synced")
	}

	// Sync two of three: still not complete.
	for _, m := range muts[:2] {
		if err := l.MarkSynced(ctx, m); err != nil {
			t.Fatalf("mark synced: %v", err)
		}
	}
	if ok, _ := l.SessionAttendanceSynced(ctx, "s1"); ok {
		t.Fatal("one record unsynced, session must not report synced")
	}

	if err := l.MarkSynced(ctx, muts[2]); err != nil {
		t.Fatalf("mark synced: %v", err)
	}
	if ok, _ := l.SessionAttendanceSynced(ctx, "s1"); !ok {
		t.Fatal("all records synced, session should report synced")
	}

	// Unrelated session with no attendance is vacuously synced.
	if ok, _ := l.SessionAttendanceSynced(ctx, "s-empty"); !ok {
		t.Fatal("session without attendance should be vacuously synced")
	}
}

type failingStore struct {
	*MemoryStore
	failInsert bool
}

func (f *failingStore) Insert(ctx context.Context, m *Mutation) error {
	if f.failInsert {
		return errors.New("disk full")
	}
	return f.MemoryStore.Insert(ctx, m)
}

func TestStorageErrorWrapped(t *testing.T) {
	store := &failingStore{MemoryStore: NewMemoryStore(), failInsert: true}
	l := New(store)

	_, err := l.Record(context.Background(), EntityCustomer, "c1", StatusPendingCreation, nil)
	var se *StorageError
	if !errors.As(err, &se) {
		t.Fatalf("expected StorageError, got %v", err)
	}
}
