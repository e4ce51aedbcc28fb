// Package remote is the device's client for the remote authority.
//
// The authority is the source of truth for all reconciled state. Every call
// here is idempotent by entity natural key, so the sync scheduler is free to
// retry without at-most-once bookkeeping.
package remote

import (
	"errors"
	"fmt"
)

var (
	// ErrUnauthorized means the authority rejected our credentials. Retrying
	// is pointless until re-authentication happens.
	ErrUnauthorized = errors.New("remote: unauthorized")

	// ErrCircuitOpen means the local circuit breaker is rejecting calls.
	ErrCircuitOpen = errors.New("remote: circuit open")
)

// TransientError marks a failure worth retrying on a later pass (network
// errors, 5xx responses).
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string { return fmt.Sprintf("remote: %s: %v", e.Op, e.Err) }
func (e *TransientError) Unwrap() error { return e.Err }

// IsTransient reports whether err should be retried on the next pass.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te) || errors.Is(err, ErrCircuitOpen)
}
