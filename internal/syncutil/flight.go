package syncutil

import "sync"

// Flight guarantees at most one in-flight operation per key. Unlike a mutex,
// a caller that loses the race is told so immediately instead of queueing;
// sync and reconciliation passes skip rather than pile up.
type Flight struct {
	mu     sync.Mutex
	active map[string]struct{}
}

// TryBegin attempts to start an operation for key. If no operation is in
// flight it returns a done function (which the caller must invoke) and true.
// If one is already running it returns nil and false.
func (f *Flight) TryBegin(key string) (done func(), ok bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.active == nil {
		f.active = make(map[string]struct{})
	}
	if _, busy := f.active[key]; busy {
		return nil, false
	}
	f.active[key] = struct{}{}
	return func() {
		f.mu.Lock()
		delete(f.active, key)
		f.mu.Unlock()
	}, true
}

// InFlight reports whether an operation is currently running for key.
func (f *Flight) InFlight(key string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, busy := f.active[key]
	return busy
}
