// Package health aggregates named subsystem checks into an overall state.
//
// Checks come in two weights. A critical check failing makes the device
// unhealthy. A degradable check failing only degrades it, which matters for
// an offline-first agent: the remote authority being unreachable is a normal
// operating state, not an outage, and must never fail a liveness probe.
package health

import (
	"context"
	"sync"
)

// State is the aggregate health of the device.
type State string

const (
	StateHealthy   State = "healthy"
	StateDegraded  State = "degraded"
	StateUnhealthy State = "unhealthy"
)

// Status is the result of a single subsystem check.
type Status struct {
	Name    string `json:"name"`
	Healthy bool   `json:"healthy"`
	Detail  string `json:"detail,omitempty"`
}

// Checker probes one subsystem.
type Checker func(ctx context.Context) Status

// Registry holds the registered checks and runs them on demand.
type Registry struct {
	mu     sync.RWMutex
	checks []check
}

type check struct {
	name     string
	critical bool
	run      Checker
}

func NewRegistry() *Registry {
	return &Registry{}
}

// Register adds a critical check. Its failure makes the device unhealthy.
func (r *Registry) Register(name string, c Checker) {
	r.add(name, true, c)
}

// RegisterDegradable adds a check whose failure degrades the device without
// failing it.
func (r *Registry) RegisterDegradable(name string, c Checker) {
	r.add(name, false, c)
}

func (r *Registry) add(name string, critical bool, c Checker) {
	r.mu.Lock()
	r.checks = append(r.checks, check{name: name, critical: critical, run: c})
	r.mu.Unlock()
}

// CheckAll runs every registered check and folds the results into a State.
// An empty registry is healthy.
func (r *Registry) CheckAll(ctx context.Context) (State, []Status) {
	r.mu.RLock()
	checks := make([]check, len(r.checks))
	copy(checks, r.checks)
	r.mu.RUnlock()

	state := StateHealthy
	statuses := make([]Status, len(checks))

	for i, c := range checks {
		statuses[i] = c.run(ctx)
		if statuses[i].Healthy {
			continue
		}
		if c.critical {
			state = StateUnhealthy
		} else if state == StateHealthy {
			state = StateDegraded
		}
	}

	return state, statuses
}
