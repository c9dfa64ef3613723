// Package peer defines the peer descriptor shared by the transport, swarm,
// and ring layers.
package peer

import (
	"fmt"
	"math/big"

	"github.com/halo-p2p/halo/pkg/ring"
)

// Peer describes a remote node: its ring identifier and the transport
// addresses it can be reached at. Descriptors are never mutated in place;
// refreshing addresses replaces the whole value.
type Peer struct {
	ID    *big.Int
	Addrs []string
}

// New creates a peer descriptor. The id is copied so later mutation of the
// caller's value cannot alias ring state.
func New(id *big.Int, addrs ...string) *Peer {
	if id == nil {
		id = new(big.Int)
	}
	cp := make([]string, len(addrs))
	copy(cp, addrs)
	return &Peer{ID: new(big.Int).Set(id), Addrs: cp}
}

// Key returns the canonical map key for this peer.
func (p *Peer) Key() string {
	if p == nil {
		return ""
	}
	return ring.Key(p.ID)
}

// Addr returns the preferred transport address, or "" when none is known.
func (p *Peer) Addr() string {
	if p == nil || len(p.Addrs) == 0 {
		return ""
	}
	return p.Addrs[0]
}

// Equals compares peers by identifier.
func (p *Peer) Equals(other *Peer) bool {
	if p == nil || other == nil {
		return p == other
	}
	return p.ID.Cmp(other.ID) == 0
}

// WithAddrs returns a copy of the descriptor carrying refreshed addresses.
func (p *Peer) WithAddrs(addrs ...string) *Peer {
	return New(p.ID, addrs...)
}

// Copy creates a deep copy of the descriptor.
func (p *Peer) Copy() *Peer {
	if p == nil {
		return nil
	}
	return New(p.ID, p.Addrs...)
}

func (p *Peer) String() string {
	if p == nil {
		return "Peer{nil}"
	}
	return fmt.Sprintf("Peer{%s %v}", ring.ShortKey(p.ID), p.Addrs)
}
