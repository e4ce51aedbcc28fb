// Package circuitbreaker guards the device's outbound circuits to the remote
// authority. Each circuit trips independently, so a broken notification
// endpoint never blocks entity sync pushes and vice versa.
package circuitbreaker

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Circuit names an independent outbound path, e.g. "sync" or "notify".
type Circuit string

// State of a single circuit.
type State int

const (
	StateClosed   State = iota // calls flow through
	StateOpen                  // tripped, calls rejected until the cooldown passes
	StateHalfOpen              // one probe call in flight
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

var transitionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "presenced",
	Subsystem: "circuitbreaker",
	Name:      "state_transitions_total",
	Help:      "Circuit state transitions by circuit, from-state, and to-state.",
}, []string{"circuit", "from_state", "to_state"})

func init() {
	prometheus.MustRegister(transitionsTotal)
}

type circuitState struct {
	state    State
	failures int
	openedAt time.Time
}

// Breaker tracks consecutive failures per circuit. A circuit trips open after
// trip failures in a row and stays open for the cooldown, measured from the
// moment it tripped. After the cooldown one probe call is let through: its
// success closes the circuit, its failure reopens it for another cooldown.
type Breaker struct {
	mu       sync.Mutex
	circuits map[Circuit]*circuitState
	trip     int
	cooldown time.Duration
	now      func() time.Time
}

// New creates a breaker that trips after trip consecutive failures and cools
// down for cooldown before probing.
func New(trip int, cooldown time.Duration) *Breaker {
	if trip <= 0 {
		trip = 5
	}
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	return &Breaker{
		circuits: make(map[Circuit]*circuitState),
		trip:     trip,
		cooldown: cooldown,
		now:      time.Now,
	}
}

// SetClock overrides the time source (for tests).
func (b *Breaker) SetClock(now func() time.Time) {
	b.mu.Lock()
	b.now = now
	b.mu.Unlock()
}

// Allow reports whether a call on the circuit may proceed. On an open circuit
// whose cooldown has passed it admits a single probe and moves to half-open.
func (b *Breaker) Allow(c Circuit) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	cs, ok := b.circuits[c]
	if !ok {
		return true // untracked circuit is closed
	}

	switch cs.state {
	case StateOpen:
		if b.now().Sub(cs.openedAt) >= b.cooldown {
			b.shift(c, cs, StateHalfOpen)
			return true
		}
		return false
	case StateHalfOpen:
		return false // a probe is already in flight
	default:
		return true
	}
}

// Success resets the failure streak and closes a half-open circuit.
func (b *Breaker) Success(c Circuit) {
	b.mu.Lock()
	defer b.mu.Unlock()

	cs, ok := b.circuits[c]
	if !ok {
		return
	}
	if cs.state == StateHalfOpen {
		b.shift(c, cs, StateClosed)
	}
	cs.failures = 0
}

// Failure extends the failure streak. It trips a closed circuit at the
// threshold and reopens a half-open one whose probe failed.
func (b *Breaker) Failure(c Circuit) {
	b.mu.Lock()
	defer b.mu.Unlock()

	cs, ok := b.circuits[c]
	if !ok {
		cs = &circuitState{}
		b.circuits[c] = cs
	}
	cs.failures++

	switch {
	case cs.state == StateHalfOpen:
		b.shift(c, cs, StateOpen)
	case cs.state == StateClosed && cs.failures >= b.trip:
		b.shift(c, cs, StateOpen)
	}
}

// State returns the circuit's state. Untracked circuits are closed.
func (b *Breaker) State(c Circuit) State {
	b.mu.Lock()
	defer b.mu.Unlock()

	if cs, ok := b.circuits[c]; ok {
		return cs.state
	}
	return StateClosed
}

// shift moves the circuit to a new state. Caller holds b.mu.
func (b *Breaker) shift(c Circuit, cs *circuitState, to State) {
	from := cs.state
	if from == to {
		return
	}
	cs.state = to
	if to == StateOpen {
		cs.openedAt = b.now()
	}
	transitionsTotal.WithLabelValues(string(c), from.String(), to.String()).Inc()
}
