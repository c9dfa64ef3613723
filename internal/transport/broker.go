// Package transport turns a raw bidirectional channel, obtained from a
// connection broker, into a reliable ordered stream of framed messages with
// an explicit connection state machine.
//
// The broker is assumed to hand back an ordered, reliable channel (a QUIC
// stream, a negotiated data channel, an in-process pipe). The wrapper does
// not layer its own sequence numbers on top; an unordered broker would need
// its own adaptation below this package.
package transport

import (
	"context"
	"io"
)

// RawChannel is the ordered, reliable byte channel a broker negotiates.
// Close must unblock any pending reads on both ends.
type RawChannel interface {
	io.ReadWriteCloser
}

// Broker establishes raw channels to remote peers. Implementations must never
// assume direct socket access beyond their own scope: the core runs against
// this interface only, so a restricted environment can supply a broker that
// relays through whatever it has.
type Broker interface {
	// Negotiate opens a channel to the peer listening at addr. Failures map
	// onto pkg.ErrConnectTimeout, pkg.ErrConnectRefused or
	// pkg.ErrSignalingFailed.
	Negotiate(ctx context.Context, addr string) (RawChannel, error)

	// Accept yields channels initiated by remote peers. The channel is closed
	// when the broker shuts down.
	Accept() <-chan RawChannel

	// Addr returns the address remote peers can negotiate toward.
	Addr() string

	// Close releases the broker and closes the accept stream.
	Close() error
}
