package pkg

import (
	"errors"
	"fmt"
)

// Transport errors. These are recovered locally by the swarm's reconnect
// policy and surface to the ring layer only as disconnect events.
var (
	// ErrConnectTimeout is returned when negotiating a channel exceeds its deadline
	ErrConnectTimeout = errors.New("connect timeout")

	// ErrConnectRefused is returned when the remote peer refuses the channel
	ErrConnectRefused = errors.New("connect refused")

	// ErrSignalingFailed is returned when the connection broker cannot negotiate a channel
	ErrSignalingFailed = errors.New("signaling failed")

	// ErrChannelClosed is returned when sending on a channel that has closed underneath us
	ErrChannelClosed = errors.New("channel closed")

	// ErrNotOpen is returned when sending on a connection that never reached the open state
	ErrNotOpen = errors.New("connection not open")
)

// Ring protocol errors.
var (
	// ErrJoinUnreachable is returned when the bootstrap peer cannot be reached
	// within the retry budget. Fatal to the join attempt.
	ErrJoinUnreachable = errors.New("bootstrap peer unreachable")

	// ErrLookupExhausted is returned when a lookup exceeds its hop budget.
	// Degrades the single request only, never ring state.
	ErrLookupExhausted = errors.New("lookup hop budget exhausted")

	// ErrInconsistentTopology is returned when a ring loop or interval violation
	// is detected. Triggers forced re-stabilization, not a crash.
	ErrInconsistentTopology = errors.New("inconsistent ring topology")
)

// Dispatch errors.
var (
	// ErrRequestTimeout is returned when a pending request's deadline elapses
	ErrRequestTimeout = errors.New("request timeout")

	// ErrNoRoute is returned when no next hop toward the target is known
	ErrNoRoute = errors.New("no route to target")

	// ErrDuplicateCorrelationID indicates two outstanding requests shared a
	// correlation id. Programmer error, treated as fatal by callers.
	ErrDuplicateCorrelationID = errors.New("duplicate correlation id")
)

// RemoteError carries a structured error returned by a remote peer in a
// response envelope, so callers can distinguish "the remote answered with an
// error" from "we never heard back".
type RemoteError struct {
	Code    int
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("remote error %d: %s", e.Code, e.Message)
}

// IsUnreachable reports whether err means the target could not be reached at
// all, as opposed to timing out while reachable or having no known route.
func IsUnreachable(err error) bool {
	return errors.Is(err, ErrConnectRefused) ||
		errors.Is(err, ErrConnectTimeout) ||
		errors.Is(err, ErrSignalingFailed)
}
