package verify

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/zinlatt/presenced/internal/geo"
	"github.com/zinlatt/presenced/internal/ledger"
)

var testFence = geo.Geofence{Center: geo.Point{Lat: 16.8409, Lng: 96.1735}, RadiusM: 150}

var insideFence = geo.Point{Lat: 16.8410, Lng: 96.1736}
var outsideFence = geo.Point{Lat: 16.9409, Lng: 96.1735}

type fakeDetector struct {
	calls   atomic.Int64
	regions []Region
	err     error
	panicOn bool
	block   chan struct{}
}

func (d *fakeDetector) DetectFaces(_ context.Context, _ Frame) ([]Region, error) {
	if d.block != nil {
		<-d.block
	}
	d.calls.Add(1)
	if d.panicOn {
		panic("detector exploded")
	}
	return d.regions, d.err
}

type fakeRecognizer struct {
	id  Identity
	err error
}

func (r *fakeRecognizer) Recognize(_ context.Context, _ Frame, _ Region) (Identity, error) {
	return r.id, r.err
}

type fakeLiveness struct {
	live bool
	err  error
}

func (l *fakeLiveness) Check(_ context.Context, _ Frame, _ Region) (bool, error) {
	return l.live, l.err
}

type captureSink struct {
	mu      sync.Mutex
	results []Result
}

func (s *captureSink) Accepted(_ context.Context, res Result) error {
	s.mu.Lock()
	s.results = append(s.results, res)
	s.mu.Unlock()
	return nil
}

func (s *captureSink) list() []Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Result, len(s.results))
	copy(out, s.results)
	return out
}

func testLogger() *slog.Logger { return slog.New(slog.DiscardHandler) }

func passingPipeline(sink Sink, det *fakeDetector) *Pipeline {
	return NewPipeline(
		Config{SampleEvery: 60, MatchThreshold: 0.85, Fence: testFence},
		det,
		&fakeRecognizer{id: Identity{StudentID: "stu-1", Confidence: 0.95}},
		&fakeLiveness{live: true},
		sink,
		testLogger(),
	)
}

func feedFrames(p *Pipeline, count int, loc geo.Point, released *atomic.Int64) {
	for i := 0; i < count; i++ {
		p.HandleFrame(context.Background(), Frame{
			Seq:      uint64(i + 1),
			Location: loc,
			Release:  func() { released.Add(1) },
		})
		// Give in-flight processing a moment so consecutive sampled frames
		// are not dropped as busy.
		p.Wait()
	}
}

func TestSamplingEveryNth(t *testing.T) {
	det := &fakeDetector{}
	sink := &captureSink{}
	p := passingPipeline(sink, det)

	var released atomic.Int64
	feedFrames(p, 180, insideFence, &released)
	p.Wait()

	// Frames 1, 61, 121 are sampled.
	if got := det.calls.Load(); got != 3 {
		t.Fatalf("expected detector invoked 3 times for 180 frames at N=60, got %d", got)
	}
	if got := released.Load(); got != 180 {
		t.Fatalf("every frame must be released exactly once, got %d releases", got)
	}
}

func TestBusyFrameDropped(t *testing.T) {
	det := &fakeDetector{block: make(chan struct{})}
	sink := &captureSink{}
	p := NewPipeline(
		Config{SampleEvery: 1, MatchThreshold: 0.85, Fence: testFence},
		det,
		&fakeRecognizer{id: Identity{StudentID: "stu-1", Confidence: 0.95}},
		&fakeLiveness{live: true},
		sink,
		testLogger(),
	)

	var released atomic.Int64
	release := func() { released.Add(1) }

	p.HandleFrame(context.Background(), Frame{Seq: 1, Location: insideFence, Release: release})
	// Second sampled frame arrives while the first is still processing.
	p.HandleFrame(context.Background(), Frame{Seq: 2, Location: insideFence, Release: release})

	// The dropped frame is released immediately, before processing finishes.
	deadline := time.After(time.Second)
	for released.Load() < 1 {
		select {
		case <-deadline:
			t.Fatal("dropped frame was not released")
		default:
			time.Sleep(time.Millisecond)
		}
	}

	close(det.block)
	p.Wait()

	if got := released.Load(); got != 2 {
		t.Fatalf("both frames must be released, got %d", got)
	}
	if got := det.calls.Load(); got != 1 {
		t.Fatalf("only the first frame should reach detection, got %d", got)
	}
}

func TestAllGatesPassMintsOneResult(t *testing.T) {
	det := &fakeDetector{regions: []Region{{W: 80, H: 80}}}
	sink := &captureSink{}
	p := passingPipeline(sink, det)

	var released atomic.Int64
	p.HandleFrame(context.Background(), Frame{Seq: 1, Location: insideFence, Release: func() { released.Add(1) }})
	p.Wait()

	results := sink.list()
	if len(results) != 1 {
		t.Fatalf("expected exactly 1 accepted result, got %d", len(results))
	}
	res := results[0]
	if !res.Accepted || res.StudentID != "stu-1" || !res.FaceMatch || !res.GPSMatch || !res.Liveness {
		t.Fatalf("unexpected result: %+v", res)
	}
}

func TestEachGateBlocksIndependently(t *testing.T) {
	cases := []struct {
		name       string
		rec        *fakeRecognizer
		live       *fakeLiveness
		loc        geo.Point
		wantFailed string
	}{
		{
			name:       "low confidence",
			rec:        &fakeRecognizer{id: Identity{StudentID: "stu-1", Confidence: 0.5}},
			live:       &fakeLiveness{live: true},
			loc:        insideFence,
			wantFailed: GateFaceMatch,
		},
		{
			name:       "gps mismatch",
			rec:        &fakeRecognizer{id: Identity{StudentID: "stu-1", Confidence: 0.95}},
			live:       &fakeLiveness{live: true},
			loc:        outsideFence,
			wantFailed: GateGPSMatch,
		},
		{
			name:       "liveness failed",
			rec:        &fakeRecognizer{id: Identity{StudentID: "stu-1", Confidence: 0.95}},
			live:       &fakeLiveness{live: false},
			loc:        insideFence,
			wantFailed: GateLiveness,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			det := &fakeDetector{regions: []Region{{W: 80, H: 80}}}
			sink := &captureSink{}
			p := NewPipeline(
				Config{SampleEvery: 1, MatchThreshold: 0.85, Fence: testFence},
				det, tc.rec, tc.live, sink, testLogger(),
			)

			p.HandleFrame(context.Background(), Frame{Seq: 1, Location: tc.loc, Release: func() {}})
			p.Wait()

			if len(sink.list()) != 0 {
				t.Fatalf("failed gate must not produce an accepted result")
			}

			// Evaluate directly to check gate diagnostics.
			res := p.evaluate(context.Background(), Frame{Location: tc.loc}, Region{})
			found := false
			for _, g := range res.FailedGates {
				if g == tc.wantFailed {
					found = true
				}
			}
			if !found {
				t.Fatalf("expected failing gate %q in %v", tc.wantFailed, res.FailedGates)
			}
		})
	}
}

func TestAllGatesFailingAllReported(t *testing.T) {
	p := NewPipeline(
		Config{SampleEvery: 1, MatchThreshold: 0.85, Fence: testFence},
		&fakeDetector{},
		&fakeRecognizer{id: Identity{StudentID: "stu-1", Confidence: 0.2}},
		&fakeLiveness{live: false},
		&captureSink{},
		testLogger(),
	)

	res := p.evaluate(context.Background(), Frame{Location: outsideFence}, Region{})
	if len(res.FailedGates) != 3 {
		t.Fatalf("expected all 3 gates reported, got %v", res.FailedGates)
	}
}

func TestDetectorErrorDoesNotKillStream(t *testing.T) {
	det := &fakeDetector{err: errors.New("model not loaded")}
	sink := &captureSink{}
	p := NewPipeline(Config{SampleEvery: 1, MatchThreshold: 0.85, Fence: testFence},
		det, &fakeRecognizer{}, &fakeLiveness{}, sink, testLogger())

	var released atomic.Int64
	p.HandleFrame(context.Background(), Frame{Seq: 1, Location: insideFence, Release: func() { released.Add(1) }})
	p.Wait()

	// Stream continues: the next frame still goes through.
	det.err = nil
	det.regions = []Region{{W: 10, H: 10}}
	p.HandleFrame(context.Background(), Frame{Seq: 2, Location: insideFence, Release: func() { released.Add(1) }})
	p.Wait()

	if released.Load() != 2 {
		t.Fatalf("both frames must be released, got %d", released.Load())
	}
}

func TestDetectorPanicRecovered(t *testing.T) {
	det := &fakeDetector{panicOn: true}
	p := NewPipeline(Config{SampleEvery: 1, MatchThreshold: 0.85, Fence: testFence},
		det, &fakeRecognizer{}, &fakeLiveness{}, &captureSink{}, testLogger())

	var released atomic.Int64
	p.HandleFrame(context.Background(), Frame{Seq: 1, Location: insideFence, Release: func() { released.Add(1) }})
	p.Wait()

	if released.Load() != 1 {
		t.Fatal("frame must be released even when the detector panics")
	}
	// Pipeline still accepts new frames.
	det.panicOn = false
	p.HandleFrame(context.Background(), Frame{Seq: 2, Location: insideFence, Release: func() { released.Add(1) }})
	p.Wait()
	if released.Load() != 2 {
		t.Fatal("pipeline must keep running after a panic")
	}
}

func TestRecorderMintsPendingCreation(t *testing.T) {
	l := ledger.New(ledger.NewMemoryStore())
	rec := NewRecorder(l, func() string { return "s1" })

	err := rec.Accepted(context.Background(), Result{
		Accepted: true, StudentID: "stu-1", Confidence: 0.95,
		FaceMatch: true, GPSMatch: true, Liveness: true,
	})
	if err != nil {
		t.Fatalf("accepted: %v", err)
	}

	ms, _ := l.Query(context.Background(), ledger.Filter{EntityType: ledger.EntityAttendance})
	if len(ms) != 1 {
		t.Fatalf("expected exactly 1 attendance mutation, got %d", len(ms))
	}
	if ms[0].Status != ledger.StatusPendingCreation {
		t.Fatalf("expected pending_creation, got %s", ms[0].Status)
	}
	att, err := ledger.DecodeAttendance(ms[0])
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if att.Kind != ledger.CheckIn || att.StudentID != "stu-1" || att.SessionID != "s1" {
		t.Fatalf("unexpected attendance record: %+v", att)
	}
}

func TestRecorderDebounceAndCheckOut(t *testing.T) {
	l := ledger.New(ledger.NewMemoryStore())
	rec := NewRecorder(l, func() string { return "s1" })

	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	rec.SetClock(func() time.Time { return now })

	res := Result{Accepted: true, StudentID: "stu-1", Confidence: 0.95, FaceMatch: true, GPSMatch: true, Liveness: true}
	ctx := context.Background()

	if err := rec.Accepted(ctx, res); err != nil {
		t.Fatalf("first: %v", err)
	}
	// Within the debounce window: ignored.
	now = now.Add(30 * time.Second)
	if err := rec.Accepted(ctx, res); err != nil {
		t.Fatalf("debounced: %v", err)
	}
	ms, _ := l.Query(ctx, ledger.Filter{EntityType: ledger.EntityAttendance})
	if len(ms) != 1 {
		t.Fatalf("debounced acceptance must not mint, got %d", len(ms))
	}

	// After the window: a check-out.
	now = now.Add(DefaultDebounce)
	if err := rec.Accepted(ctx, res); err != nil {
		t.Fatalf("checkout: %v", err)
	}
	ms, _ = l.Query(ctx, ledger.Filter{EntityType: ledger.EntityAttendance})
	if len(ms) != 2 {
		t.Fatalf("expected 2 mutations, got %d", len(ms))
	}
	att, _ := ledger.DecodeAttendance(ms[1])
	if att.Kind != ledger.CheckOut {
		t.Fatalf("second event should be check-out, got %s", att.Kind)
	}
}

func TestRecorderNoActiveSession(t *testing.T) {
	l := ledger.New(ledger.NewMemoryStore())
	rec := NewRecorder(l, func() string { return "" })

	err := rec.Accepted(context.Background(), Result{Accepted: true, StudentID: "stu-1"})
	if !errors.Is(err, ErrNoActiveSession) {
		t.Fatalf("expected ErrNoActiveSession, got %v", err)
	}
}
