package verify

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/zinlatt/presenced/internal/geo"
	"github.com/zinlatt/presenced/internal/metrics"
)

// Config tunes the pipeline.
type Config struct {
	SampleEvery    int     // process every Nth frame
	MatchThreshold float64 // minimum face-match confidence
	Fence          geo.Geofence
}

// Pipeline samples frames, runs detection and recognition, and applies the
// secure gates.
type Pipeline struct {
	cfg    Config
	det    Detector
	rec    Recognizer
	live   LivenessChecker
	sink   Sink
	logger *slog.Logger

	frames atomic.Uint64
	busy   atomic.Bool
	wg     sync.WaitGroup
}

// NewPipeline creates a verification pipeline.
func NewPipeline(cfg Config, det Detector, rec Recognizer, live LivenessChecker, sink Sink, logger *slog.Logger) *Pipeline {
	if cfg.SampleEvery < 1 {
		cfg.SampleEvery = 1
	}
	return &Pipeline{
		cfg:    cfg,
		det:    det,
		rec:    rec,
		live:   live,
		sink:   sink,
		logger: logger,
	}
}

// HandleFrame is the camera source's entry point. It never blocks: unsampled
// frames are released immediately, and a sampled frame that arrives while a
// previous one is still processing is dropped.
//
// The first frame is sampled, then every Nth after it.
func (p *Pipeline) HandleFrame(ctx context.Context, f Frame) {
	n := p.frames.Add(1)
	if (n-1)%uint64(p.cfg.SampleEvery) != 0 {
		f.Release()
		return
	}

	if !p.busy.CompareAndSwap(false, true) {
		metrics.FramesDropped.Inc()
		f.Release()
		return
	}

	metrics.FramesSampled.Inc()
	p.wg.Add(1)
	go p.process(ctx, f)
}

// Wait blocks until in-flight frame processing finishes. Used on shutdown so
// an accepted verdict is not lost mid-write.
func (p *Pipeline) Wait() {
	p.wg.Wait()
}

// process runs detection and recognition for one sampled frame. Any failure
// degrades to a rejection for this frame; the stream must never die.
func (p *Pipeline) process(ctx context.Context, f Frame) {
	defer p.wg.Done()
	defer p.busy.Store(false)
	defer f.Release()
	defer func() {
		if r := recover(); r != nil {
			metrics.VerificationsTotal.WithLabelValues("pipeline_panic").Inc()
			p.logger.Error("panic in verification pipeline", "panic", fmt.Sprint(r), "frame", f.Seq)
		}
	}()

	regions, err := p.det.DetectFaces(ctx, f)
	if err != nil {
		metrics.VerificationsTotal.WithLabelValues("detector_error").Inc()
		p.logger.Warn("face detection failed", "frame", f.Seq, "error", err)
		return
	}

	for _, region := range regions {
		res := p.evaluate(ctx, f, region)
		if !res.Accepted {
			// Rejections stay observable for abuse detection but never touch
			// the ledger.
			for _, gate := range res.FailedGates {
				metrics.VerificationsTotal.WithLabelValues("rejected_" + gate).Inc()
			}
			p.logger.Info("verification rejected",
				"frame", f.Seq,
				"student_id", res.StudentID,
				"confidence", res.Confidence,
				"failed_gates", strings.Join(res.FailedGates, ","),
			)
			continue
		}

		metrics.VerificationsTotal.WithLabelValues("accepted").Inc()
		if err := p.sink.Accepted(ctx, res); err != nil {
			p.logger.Error("accepted verification not recorded", "student_id", res.StudentID, "error", err)
		}
	}
}

// evaluate applies the three secure gates to one recognition hypothesis.
// All gates are checked so diagnostics name every failure, not just the first.
func (p *Pipeline) evaluate(ctx context.Context, f Frame, region Region) Result {
	id, err := p.rec.Recognize(ctx, f, region)
	if err != nil {
		p.logger.Warn("recognition failed", "frame", f.Seq, "error", err)
		return Result{FailedGates: []string{GateFaceMatch}}
	}

	res := Result{
		StudentID:  id.StudentID,
		Confidence: id.Confidence,
		FaceMatch:  id.StudentID != "" && id.Confidence >= p.cfg.MatchThreshold,
		GPSMatch:   p.cfg.Fence.Contains(f.Location),
	}

	live, err := p.live.Check(ctx, f, region)
	if err != nil {
		p.logger.Warn("liveness check failed", "frame", f.Seq, "error", err)
		live = false
	}
	res.Liveness = live

	if !res.FaceMatch {
		res.FailedGates = append(res.FailedGates, GateFaceMatch)
	}
	if !res.GPSMatch {
		res.FailedGates = append(res.FailedGates, GateGPSMatch)
	}
	if !res.Liveness {
		res.FailedGates = append(res.FailedGates, GateLiveness)
	}

	res.Accepted = len(res.FailedGates) == 0
	return res
}
