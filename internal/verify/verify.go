// Package verify turns a live camera frame stream into accepted attendance
// verdicts.
//
// Only every Nth frame enters the expensive detection stage; everything else
// is released straight back to the camera. A sampled frame is processed off
// the camera goroutine, and if a new sampled frame arrives mid-processing it
// is dropped rather than queued; staleness beats backlog for a live feed.
//
// A detection hypothesis becomes an accepted verification only when all three
// secure gates hold at once: face-match confidence, geofence, and liveness.
package verify

import (
	"context"

	"github.com/zinlatt/presenced/internal/geo"
)

// Gate names reported on rejection.
const (
	GateFaceMatch = "face_match"
	GateGPSMatch  = "gps_match"
	GateLiveness  = "liveness"
)

// Frame is one camera frame plus its capture metadata. Release must be called
// exactly once; the pipeline owns that obligation from the moment HandleFrame
// is entered.
type Frame struct {
	Seq         uint64
	Image       []byte
	Orientation int // degrees clockwise from sensor-native
	Location    geo.Point
	Release     func()
}

// Region is a detected face bounding box in frame coordinates.
type Region struct {
	X, Y, W, H int
}

// Identity is a recognition hypothesis against the known gallery.
type Identity struct {
	StudentID  string
	Confidence float64
}

// Detector finds face regions in a frame. External model boundary.
type Detector interface {
	DetectFaces(ctx context.Context, f Frame) ([]Region, error)
}

// Recognizer matches a face region against the known-identity gallery.
type Recognizer interface {
	Recognize(ctx context.Context, f Frame, r Region) (Identity, error)
}

// LivenessChecker decides whether the subject is live rather than a photo or
// replay. External model boundary.
type LivenessChecker interface {
	Check(ctx context.Context, f Frame, r Region) (bool, error)
}

// Result is the ephemeral verdict for one recognition hypothesis. It is never
// persisted; an accepted result is consumed immediately to mint an attendance
// mutation.
type Result struct {
	Accepted    bool
	StudentID   string
	Confidence  float64
	FaceMatch   bool
	GPSMatch    bool
	Liveness    bool
	FailedGates []string
}

// Sink consumes accepted results.
type Sink interface {
	Accepted(ctx context.Context, res Result) error
}
