// Package swarm owns the set of live peer connections. Other layers borrow
// connections by peer identifier and never hold them directly; the swarm is
// the single place where channels are negotiated, deduplicated, retried and
// torn down.
package swarm

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/halo-p2p/halo/internal/config"
	"github.com/halo-p2p/halo/internal/peer"
	"github.com/halo-p2p/halo/internal/transport"
	"github.com/halo-p2p/halo/pkg"
)

// EventType classifies swarm events.
type EventType int

const (
	// EventConnected fires when a connection to a peer becomes usable.
	EventConnected EventType = iota
	// EventDisconnected fires when a peer's connection reaches a terminal
	// state. The ring layer uses this to trigger failure handling.
	EventDisconnected
)

// Event notifies consumers of connection lifecycle changes.
type Event struct {
	Type EventType
	Peer *peer.Peer
}

// Message is one inbound frame together with its origin.
type Message struct {
	From    *peer.Peer
	Payload []byte
}

// entry tracks one peer slot. While conn is nil the first caller is dialing
// and everyone else waits on ready.
type entry struct {
	peer  *peer.Peer
	conn  *transport.Conn
	ready chan struct{}
	err   error
}

// Swarm is the connection pool, keyed by peer identifier.
type Swarm struct {
	self   *peer.Peer
	broker transport.Broker
	cfg    *config.Config
	logger *pkg.Logger

	mu    sync.Mutex
	conns map[string]*entry

	events  chan Event
	inbound chan Message

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a swarm for the given local peer over the given broker and
// starts accepting inbound channels.
func New(self *peer.Peer, broker transport.Broker, cfg *config.Config, logger *pkg.Logger) *Swarm {
	ctx, cancel := context.WithCancel(context.Background())

	s := &Swarm{
		self:    self,
		broker:  broker,
		cfg:     cfg,
		logger:  logger.WithComponent("swarm"),
		conns:   make(map[string]*entry),
		events:  make(chan Event, 64),
		inbound: make(chan Message, 256),
		ctx:     ctx,
		cancel:  cancel,
	}

	s.wg.Add(1)
	go s.acceptLoop()

	return s
}

// Self returns the local peer descriptor.
func (s *Swarm) Self() *peer.Peer {
	return s.self
}

// Events returns the connection lifecycle stream.
func (s *Swarm) Events() <-chan Event {
	return s.events
}

// Inbound returns the merged stream of messages from all live connections.
func (s *Swarm) Inbound() <-chan Message {
	return s.inbound
}

// GetOrConnect returns the live connection to the given peer, dialing it if
// necessary. Concurrent calls for the same peer converge on a single dial:
// the first caller negotiates, the rest wait for its outcome.
func (s *Swarm) GetOrConnect(ctx context.Context, p *peer.Peer) (*transport.Conn, error) {
	key := p.Key()

	for {
		s.mu.Lock()
		if s.ctx.Err() != nil {
			s.mu.Unlock()
			return nil, pkg.ErrChannelClosed
		}

		e, ok := s.conns[key]
		if !ok {
			e = &entry{peer: p.Copy(), ready: make(chan struct{})}
			s.conns[key] = e
			s.mu.Unlock()

			conn, err := s.dial(ctx, p)

			s.mu.Lock()
			if err != nil {
				delete(s.conns, key)
				e.err = err
			} else {
				e.conn = conn
			}
			close(e.ready)
			s.mu.Unlock()

			if err != nil {
				return nil, err
			}
			s.watch(e.peer, conn)
			s.emit(Event{Type: EventConnected, Peer: e.peer.Copy()})
			return conn, nil
		}
		s.mu.Unlock()

		select {
		case <-e.ready:
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: waiting for connection to %s", pkg.ErrConnectTimeout, p)
		}

		if e.err != nil {
			return nil, e.err
		}
		if e.conn != nil && e.conn.State() == transport.StateOpen {
			return e.conn, nil
		}

		// The shared connection died between ready and now. Evict the stale
		// entry before retrying; waiting for the watch goroutine's drop would
		// spin this loop against the dead entry.
		s.mu.Lock()
		if cur, ok := s.conns[key]; ok && cur == e {
			delete(s.conns, key)
		}
		s.mu.Unlock()
	}
}

// Get returns the open connection to the peer with the given key, if any.
func (s *Swarm) Get(key string) (*transport.Conn, *peer.Peer, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.conns[key]
	if !ok || e.conn == nil || e.conn.State() != transport.StateOpen {
		return nil, nil, false
	}
	return e.conn, e.peer.Copy(), true
}

// Peers lists the peers with a usable connection.
func (s *Swarm) Peers() []*peer.Peer {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*peer.Peer, 0, len(s.conns))
	for _, e := range s.conns {
		if e.conn != nil && e.conn.State() == transport.StateOpen {
			out = append(out, e.peer.Copy())
		}
	}
	return out
}

// Close tears down the connection to one peer.
func (s *Swarm) Close(key string) {
	s.mu.Lock()
	e, ok := s.conns[key]
	s.mu.Unlock()

	if ok && e.conn != nil {
		_ = e.conn.Close()
	}
}

// Shutdown closes every connection and stops the accept loop.
func (s *Swarm) Shutdown() {
	s.cancel()

	s.mu.Lock()
	entries := make([]*entry, 0, len(s.conns))
	for _, e := range s.conns {
		entries = append(entries, e)
	}
	s.mu.Unlock()

	for _, e := range entries {
		if e.conn != nil {
			_ = e.conn.Close()
		}
	}

	_ = s.broker.Close()
	s.wg.Wait()
}

// dial negotiates a channel to the peer with exponential backoff and jitter,
// trying each known address per attempt.
func (s *Swarm) dial(ctx context.Context, p *peer.Peer) (*transport.Conn, error) {
	if len(p.Addrs) == 0 {
		return nil, fmt.Errorf("%w: peer %s has no addresses", pkg.ErrNoRoute, p)
	}

	var lastErr error
	for attempt := 0; attempt < s.cfg.ReconnectAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(s.backoff(attempt)):
			case <-ctx.Done():
				return nil, fmt.Errorf("%w: dialing %s", pkg.ErrConnectTimeout, p)
			case <-s.ctx.Done():
				return nil, pkg.ErrChannelClosed
			}
		}

		for _, addr := range p.Addrs {
			conn, err := s.open(ctx, p, addr)
			if err == nil {
				return conn, nil
			}
			lastErr = err
			s.logger.Debug().
				Err(err).
				Str("peer", p.Key()).
				Str("addr", addr).
				Int("attempt", attempt+1).
				Msg("Dial attempt failed")
		}
	}

	return nil, fmt.Errorf("peer %s unreachable after %d attempts: %w", p, s.cfg.ReconnectAttempts, lastErr)
}

// open negotiates one channel and runs the hello exchange on it.
func (s *Swarm) open(ctx context.Context, p *peer.Peer, addr string) (*transport.Conn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, s.cfg.RPCTimeout)
	defer cancel()

	ch, err := s.broker.Negotiate(dialCtx, addr)
	if err != nil {
		return nil, err
	}

	conn := transport.NewConn(ch)
	if err := s.sendHello(conn); err != nil {
		_ = conn.Close()
		return nil, err
	}

	remote, err := s.readHello(conn)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	if !remote.Equals(p) {
		_ = conn.Close()
		return nil, fmt.Errorf("%w: peer at %s identified as %s, expected %s",
			pkg.ErrSignalingFailed, addr, remote, p)
	}

	conn.MarkOpen()
	return conn, nil
}

func (s *Swarm) backoff(attempt int) time.Duration {
	d := s.cfg.ReconnectBase << uint(attempt-1)
	if d > s.cfg.ReconnectMax {
		d = s.cfg.ReconnectMax
	}
	// Full jitter keeps concurrent redials from thundering.
	return time.Duration(rand.Int63n(int64(d))) + d/2
}

// acceptLoop registers inbound channels after their hello identifies the
// remote peer.
func (s *Swarm) acceptLoop() {
	defer s.wg.Done()

	for {
		select {
		case ch, ok := <-s.broker.Accept():
			if !ok {
				return
			}
			s.wg.Add(1)
			go func(ch transport.RawChannel) {
				defer s.wg.Done()
				s.handleInbound(ch)
			}(ch)
		case <-s.ctx.Done():
			return
		}
	}
}

func (s *Swarm) handleInbound(ch transport.RawChannel) {
	conn := transport.NewConn(ch)

	remote, err := s.readHello(conn)
	if err != nil {
		s.logger.Debug().Err(err).Msg("Inbound hello failed")
		_ = conn.Close()
		return
	}
	if err := s.sendHello(conn); err != nil {
		_ = conn.Close()
		return
	}
	conn.MarkOpen()

	key := remote.Key()

	s.mu.Lock()
	if e, ok := s.conns[key]; ok && e.conn != nil && e.conn.State() == transport.StateOpen {
		// Simultaneous open: keep the established connection.
		s.mu.Unlock()
		s.logger.Debug().Str("peer", key).Msg("Duplicate inbound connection dropped")
		_ = conn.Close()
		return
	}
	e := &entry{peer: remote, conn: conn, ready: make(chan struct{})}
	close(e.ready)
	s.conns[key] = e
	s.mu.Unlock()

	s.logger.Debug().Str("peer", key).Msg("Inbound connection registered")
	s.watch(remote, conn)
	s.emit(Event{Type: EventConnected, Peer: remote.Copy()})
}

// watch pumps a connection's inbound frames into the shared stream and
// reports its termination.
func (s *Swarm) watch(p *peer.Peer, conn *transport.Conn) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		for {
			select {
			case payload, ok := <-conn.Inbound():
				if !ok {
					s.drop(p, conn)
					return
				}
				select {
				case s.inbound <- Message{From: p.Copy(), Payload: payload}:
				case <-s.ctx.Done():
					return
				}
			case <-s.ctx.Done():
				return
			}
		}
	}()
}

func (s *Swarm) drop(p *peer.Peer, conn *transport.Conn) {
	key := p.Key()

	s.mu.Lock()
	if e, ok := s.conns[key]; ok && e.conn == conn {
		delete(s.conns, key)
	}
	s.mu.Unlock()

	if err := conn.Err(); err != nil {
		s.logger.Debug().Err(err).Str("peer", key).Msg("Connection failed")
	} else {
		s.logger.Debug().Str("peer", key).Msg("Connection closed")
	}

	s.emit(Event{Type: EventDisconnected, Peer: p.Copy()})
}

func (s *Swarm) emit(ev Event) {
	select {
	case s.events <- ev:
	case <-s.ctx.Done():
	default:
		s.logger.Warn().
			Str("peer", ev.Peer.Key()).
			Msg("Event stream full, dropping event")
	}
}
