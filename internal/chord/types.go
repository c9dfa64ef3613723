// Package chord implements the ring state machine: finger table, successor
// list, predecessor, and the maintenance protocol (join, stabilize, notify,
// fix-fingers, leave) that keeps the overlay converged.
package chord

import (
	"math/big"

	"github.com/halo-p2p/halo/internal/peer"
)

// Membership is the node's lifecycle state within the ring.
type Membership int32

const (
	// MembershipJoining means the node has a successor but has not completed
	// a stabilization round yet.
	MembershipJoining Membership = iota
	// MembershipStable means the node participates fully in the ring.
	MembershipStable
	// MembershipLeaving means a graceful departure is in progress.
	MembershipLeaving
	// MembershipLeft means the node is out of the ring.
	MembershipLeft
)

func (m Membership) String() string {
	switch m {
	case MembershipJoining:
		return "joining"
	case MembershipStable:
		return "stable"
	case MembershipLeaving:
		return "leaving"
	case MembershipLeft:
		return "left"
	default:
		return "unknown"
	}
}

// FingerEntry is one routing hint: the peer believed to succeed Start on the
// ring. Entries are hints only and get re-validated on use; Peer is nil while
// the entry is stale.
type FingerEntry struct {
	Start *big.Int
	Peer  *peer.Peer
}

// NewFingerEntry creates a finger entry with copied fields.
func NewFingerEntry(start *big.Int, p *peer.Peer) *FingerEntry {
	return &FingerEntry{Start: new(big.Int).Set(start), Peer: p.Copy()}
}

// Copy creates a deep copy of the entry.
func (f *FingerEntry) Copy() *FingerEntry {
	if f == nil {
		return nil
	}
	return &FingerEntry{Start: new(big.Int).Set(f.Start), Peer: f.Peer.Copy()}
}

// Info is a read-only snapshot of ring state for diagnostics and the RPC
// surface.
type Info struct {
	Self        *peer.Peer
	Predecessor *peer.Peer
	Successors  []*peer.Peer
	Membership  Membership
	// FingerPeers is the deduplicated set of peers currently referenced by
	// the finger table.
	FingerPeers []*peer.Peer
}
