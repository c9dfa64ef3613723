package transport

import (
	"sync"
	"sync/atomic"

	"github.com/halo-p2p/halo/pkg"
)

// State of a peer connection.
type State int32

const (
	// StateConnecting means the channel is negotiated but the peer handshake
	// has not completed yet.
	StateConnecting State = iota
	// StateOpen means the connection is usable for framed messages.
	StateOpen
	// StateClosing means a local Close is in progress.
	StateClosing
	// StateClosed is terminal: the connection was shut down deliberately.
	StateClosed
	// StateFailed is terminal: the underlying channel errored.
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

const sendQueueSize = 256

// Conn wraps one raw channel to a remote peer as a reliable, ordered, framed
// message stream. A single writer goroutine drains the send queue and a
// single reader goroutine feeds the inbound channel, so messages on one
// connection are delivered in send order.
type Conn struct {
	ch RawChannel

	state atomic.Int32

	sendQ   chan []byte
	inbound chan []byte

	done     chan struct{}
	doneOnce sync.Once

	errMu sync.Mutex
	err   error
}

// NewConn wraps a negotiated raw channel. The connection starts in the
// connecting state; the owner promotes it with MarkOpen once the peer
// handshake has completed.
func NewConn(ch RawChannel) *Conn {
	c := &Conn{
		ch:      ch,
		sendQ:   make(chan []byte, sendQueueSize),
		inbound: make(chan []byte, sendQueueSize),
		done:    make(chan struct{}),
	}
	c.state.Store(int32(StateConnecting))

	go c.writeLoop()
	go c.readLoop()

	return c
}

// State returns the current connection state.
func (c *Conn) State() State {
	return State(c.state.Load())
}

// MarkOpen promotes a connecting connection to open. No-op in any other state.
func (c *Conn) MarkOpen() {
	c.state.CompareAndSwap(int32(StateConnecting), int32(StateOpen))
}

// Send queues one framed message. Handshake frames may be sent while the
// connection is still connecting; anything after a terminal state fails.
func (c *Conn) Send(payload []byte) error {
	switch c.State() {
	case StateConnecting, StateOpen:
	case StateFailed:
		return pkg.ErrChannelClosed
	default:
		return pkg.ErrNotOpen
	}

	select {
	case c.sendQ <- payload:
		return nil
	case <-c.done:
		return pkg.ErrChannelClosed
	}
}

// Inbound returns the stream of received messages. It is lazy and infinite
// until the connection terminates, at which point it is closed exactly once.
// It is not restartable: a new connection means a new stream.
func (c *Conn) Inbound() <-chan []byte {
	return c.inbound
}

// Done is closed when the connection reaches a terminal state.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// Err reports why the connection failed, or nil after a clean close.
func (c *Conn) Err() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.err
}

// Close shuts the connection down deliberately. Idempotent.
func (c *Conn) Close() error {
	for {
		s := c.State()
		if s == StateClosed || s == StateFailed {
			return nil
		}
		if c.state.CompareAndSwap(int32(s), int32(StateClosing)) {
			break
		}
	}

	err := c.ch.Close()
	c.state.Store(int32(StateClosed))
	c.finish()
	return err
}

// fail transitions to the failed state and records the cause.
func (c *Conn) fail(err error) {
	for {
		s := c.State()
		if s == StateClosed || s == StateFailed {
			return
		}
		if s == StateClosing {
			// A racing Close wins: treat the error as part of shutdown.
			return
		}
		if c.state.CompareAndSwap(int32(s), int32(StateFailed)) {
			break
		}
	}

	c.errMu.Lock()
	c.err = err
	c.errMu.Unlock()

	_ = c.ch.Close()
	c.finish()
}

func (c *Conn) finish() {
	c.doneOnce.Do(func() { close(c.done) })
}

func (c *Conn) writeLoop() {
	for {
		select {
		case payload := <-c.sendQ:
			if err := WriteFrame(c.ch, payload); err != nil {
				c.fail(err)
				return
			}
		case <-c.done:
			return
		}
	}
}

func (c *Conn) readLoop() {
	defer close(c.inbound)

	for {
		payload, err := ReadFrame(c.ch)
		if err != nil {
			c.fail(err)
			return
		}
		select {
		case c.inbound <- payload:
		case <-c.done:
			return
		}
	}
}
