package chord

import (
	"context"
	"math/big"

	"github.com/halo-p2p/halo/internal/peer"
)

// RemoteClient issues ring control calls to a specific peer. The dispatcher
// provides the implementation; the ring state machine never touches the wire
// directly.
type RemoteClient interface {
	// FindSuccessor asks p to resolve the successor of id with the given
	// remaining hop budget.
	FindSuccessor(ctx context.Context, p *peer.Peer, id *big.Int, hops int) (*peer.Peer, error)

	// Predecessor asks p for its current predecessor. A nil peer with nil
	// error means p has none.
	Predecessor(ctx context.Context, p *peer.Peer) (*peer.Peer, error)

	// SuccessorList asks p for its successor list.
	SuccessorList(ctx context.Context, p *peer.Peer) ([]*peer.Peer, error)

	// Notify tells p that candidate might be its predecessor.
	Notify(ctx context.Context, p *peer.Peer, candidate *peer.Peer) error

	// Leave tells p that the local node is departing, carrying the
	// replacement pointers p needs to repair its own state.
	Leave(ctx context.Context, p *peer.Peer, successor, predecessor *peer.Peer) error

	// Ping checks that p is reachable and responding.
	Ping(ctx context.Context, p *peer.Peer) error
}
