package verify

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/zinlatt/presenced/internal/idgen"
	"github.com/zinlatt/presenced/internal/ledger"
)

// ErrNoActiveSession means an acceptance arrived while no session is running
// on the device.
var ErrNoActiveSession = errors.New("verify: no active session")

// DefaultDebounce is the minimum gap between two attendance events for the
// same student in the same session. A student lingering in front of the
// camera produces one event, not one per sampled frame.
const DefaultDebounce = 2 * time.Minute

// Recorder is the attendance-creation path: it turns accepted verifications
// into pending-creation attendance mutations. The first event for a student
// in a session is a check-in, the next (after the debounce window) a
// check-out, and so on.
type Recorder struct {
	ledger   *ledger.Ledger
	session  func() string // current session ID, "" when none
	debounce time.Duration
	now      func() time.Time
	newID    func() string

	mu   sync.Mutex
	seen map[string]lastEvent // session:student
}

type lastEvent struct {
	kind ledger.AttendanceKind
	at   time.Time
}

// NewRecorder creates a recorder writing into the given ledger.
func NewRecorder(l *ledger.Ledger, session func() string) *Recorder {
	return &Recorder{
		ledger:   l,
		session:  session,
		debounce: DefaultDebounce,
		now:      time.Now,
		newID:    func() string { return idgen.WithPrefix("att_") },
		seen:     make(map[string]lastEvent),
	}
}

// SetDebounce overrides the per-student debounce window.
func (r *Recorder) SetDebounce(d time.Duration) { r.debounce = d }

// SetClock overrides the time source (for tests).
func (r *Recorder) SetClock(now func() time.Time) { r.now = now }

// Accepted mints an attendance mutation for the verified student.
func (r *Recorder) Accepted(ctx context.Context, res Result) error {
	sessionID := r.session()
	if sessionID == "" {
		return ErrNoActiveSession
	}

	r.mu.Lock()
	key := sessionID + ":" + res.StudentID
	last, ok := r.seen[key]
	now := r.now()
	if ok && now.Sub(last.at) < r.debounce {
		r.mu.Unlock()
		return nil // same student, same presence, not a new event
	}
	kind := ledger.CheckIn
	if ok && last.kind == ledger.CheckIn {
		kind = ledger.CheckOut
	}
	r.seen[key] = lastEvent{kind: kind, at: now}
	r.mu.Unlock()

	rec := &ledger.AttendanceRecord{
		ID:         r.newID(),
		SessionID:  sessionID,
		StudentID:  res.StudentID,
		Kind:       kind,
		Confidence: res.Confidence,
		GPSMatch:   res.GPSMatch,
		Liveness:   res.Liveness,
		RecordedAt: now,
	}
	_, err := r.ledger.Record(ctx, ledger.EntityAttendance, rec.ID, ledger.StatusPendingCreation, rec)
	if err != nil {
		// The event was not persisted; forget it so the next acceptance
		// retries instead of silently flipping check-in/check-out state.
		r.mu.Lock()
		if ok {
			r.seen[key] = last
		} else {
			delete(r.seen, key)
		}
		r.mu.Unlock()
	}
	return err
}
