// Package syncer drains pending ledger mutations to the remote authority in
// dependency order.
//
// One pass walks entity types by ascending rank (stock → billing →
// transaction → customer → session → attendance), so a mutation never reaches
// the authority before the entities it references have had their chance. The
// guarantee is at-least-once per mutation: nothing is marked synced without an
// affirmative remote acknowledgment.
package syncer

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/zinlatt/presenced/internal/ledger"
	"github.com/zinlatt/presenced/internal/metrics"
	"github.com/zinlatt/presenced/internal/remote"
	"github.com/zinlatt/presenced/internal/syncutil"
	"github.com/zinlatt/presenced/internal/traces"
)

// Remote is the slice of the authority boundary the scheduler needs.
type Remote interface {
	CreateEntity(ctx context.Context, t ledger.EntityType, key string, payload json.RawMessage) error
	UpdateEntity(ctx context.Context, t ledger.EntityType, key string, payload json.RawMessage) error
	DeleteEntity(ctx context.Context, t ledger.EntityType, key string) error
}

// Result summarizes one sync pass.
type Result struct {
	Skipped   bool // another pass was already in flight
	Attempted int
	Synced    int
	Failed    int
}

// Scheduler pushes pending mutations remotely, one pass at a time.
type Scheduler struct {
	ledger   *ledger.Ledger
	remote   Remote
	logger   *slog.Logger
	deviceID string
	flight   syncutil.Flight
}

// New creates a scheduler for the device's ledger.
func New(l *ledger.Ledger, r Remote, deviceID string, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		ledger:   l,
		remote:   r,
		logger:   logger,
		deviceID: deviceID,
	}
}

// RunPass executes one dependency-ordered sync pass. At most one pass runs at
// a time per device; a pass that finds another in flight returns immediately
// with Skipped set.
//
// Failures are isolated per record, so a failed push never blocks later
// records. ErrUnauthorized is the exception and aborts the pass: every further
// call would
// fail identically, and the caller needs to re-authenticate first.
func (s *Scheduler) RunPass(ctx context.Context) (Result, error) {
	done, ok := s.flight.TryBegin(s.deviceID)
	if !ok {
		metrics.SyncPassesSkipped.Inc()
		return Result{Skipped: true}, nil
	}
	defer done()

	ctx, span := traces.StartSpan(ctx, "syncer.pass")
	defer span.End()

	timer := metrics.NewPassTimer()
	defer timer.ObserveDuration()

	var res Result
	groups, err := s.ledger.PendingByRank(ctx)
	if err != nil {
		return res, err
	}

	for _, group := range groups {
		for _, m := range group {
			if err := ctx.Err(); err != nil {
				// Cancellation leaves every remaining record in its pre-call
				// status; nothing is marked synced speculatively.
				return res, err
			}

			res.Attempted++
			if err := s.pushOne(ctx, m); err != nil {
				if errors.Is(err, remote.ErrUnauthorized) {
					s.logger.Error("remote rejected credentials, aborting pass",
						"entity_type", m.EntityType, "entity_key", m.EntityKey)
					return res, err
				}
				res.Failed++
				metrics.SyncRecordsTotal.WithLabelValues(string(m.EntityType), "failed").Inc()
				s.logger.Warn("mutation push failed, will retry next pass",
					"entity_type", m.EntityType,
					"entity_key", m.EntityKey,
					"status", m.Status,
					"error", err,
				)
				continue
			}
			res.Synced++
			metrics.SyncRecordsTotal.WithLabelValues(string(m.EntityType), "synced").Inc()
		}
	}

	s.updatePendingGauges(ctx)
	s.logger.Info("sync pass complete",
		"attempted", res.Attempted, "synced", res.Synced, "failed", res.Failed)
	return res, nil
}

// pushOne dispatches a single mutation and applies the resulting status
// transition. The transition happens only after the remote acknowledged.
func (s *Scheduler) pushOne(ctx context.Context, m *ledger.Mutation) error {
	ctx, span := traces.StartSpan(ctx, "syncer.push",
		traces.EntityType(string(m.EntityType)),
		traces.EntityKey(m.EntityKey),
	)
	defer span.End()

	switch m.Status {
	case ledger.StatusPendingCreation:
		if err := s.remote.CreateEntity(ctx, m.EntityType, m.EntityKey, m.Payload); err != nil {
			return err
		}
		return s.ledger.MarkSynced(ctx, m)
	case ledger.StatusPendingModification:
		if err := s.remote.UpdateEntity(ctx, m.EntityType, m.EntityKey, m.Payload); err != nil {
			return err
		}
		return s.ledger.MarkSynced(ctx, m)
	case ledger.StatusPendingDeletion:
		if err := s.remote.DeleteEntity(ctx, m.EntityType, m.EntityKey); err != nil {
			return err
		}
		// A confirmed deletion removes the entry entirely.
		return s.ledger.Remove(ctx, m)
	default:
		return nil
	}
}

func (s *Scheduler) updatePendingGauges(ctx context.Context) {
	for _, t := range ledger.EntityTypesByRank() {
		ms, err := s.ledger.Query(ctx, ledger.Filter{EntityType: t, PendingOnly: true})
		if err != nil {
			return
		}
		metrics.PendingMutations.WithLabelValues(string(t)).Set(float64(len(ms)))
	}
}
