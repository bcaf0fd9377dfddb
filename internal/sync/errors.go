package sync

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidPayload marks a malformed operation shape; never queued.
	ErrInvalidPayload = errors.New("invalid payload")

	// ErrInvalidTransition marks a disallowed queue-entry state change.
	ErrInvalidTransition = errors.New("invalid transition")

	// ErrDependencyUnmet is soft: the entry stays PENDING and is
	// re-evaluated next cycle.
	ErrDependencyUnmet = errors.New("dependency unmet")

	// ErrResolutionRequired means the conflict needs a manual strategy.
	ErrResolutionRequired = errors.New("manual resolution required")

	// ErrBudgetExceeded means eviction could not free enough cache space.
	ErrBudgetExceeded = errors.New("cache budget exceeded")

	// ErrSessionHasPending blocks ending a session with work outstanding.
	ErrSessionHasPending = errors.New("session has pending operations")
)

// TransportError wraps a failure reported by the server sync endpoint.
// Code carries an HTTP-style status; 0 means the request never reached
// the server (network failure).
type TransportError struct {
	Code    int
	Message string
}

func (e *TransportError) Error() string {
	if e.Code == 0 {
		return fmt.Sprintf("transport: network error: %s", e.Message)
	}
	return fmt.Sprintf("transport: server returned %d: %s", e.Code, e.Message)
}
