package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"

	"github.com/halo-p2p/halo/internal/peer"
	"github.com/halo-p2p/halo/pkg/ring"
)

// ChordClient issues ring control calls over direct peer connections. It is
// the dispatcher-backed implementation of the state machine's remote client.
type ChordClient struct {
	d *Dispatcher
}

// NewChordClient creates the control client for the given dispatcher.
func NewChordClient(d *Dispatcher) *ChordClient {
	return &ChordClient{d: d}
}

func (c *ChordClient) controlEnvelope(kind Kind, to *peer.Peer, payload json.RawMessage) *Envelope {
	return &Envelope{
		Version: envelopeVersion,
		Kind:    kind,
		From:    c.d.self.Key(),
		To:      to.Key(),
		Payload: payload,
	}
}

// FindSuccessor asks p to resolve the successor of id.
func (c *ChordClient) FindSuccessor(ctx context.Context, p *peer.Peer, id *big.Int, hops int) (*peer.Peer, error) {
	env := c.controlEnvelope(KindFindSuccessor, p,
		marshalPayload(findSuccessorReq{ID: ring.Key(id), Hops: hops}))

	data, err := c.d.requestDirect(ctx, p, env)
	if err != nil {
		return nil, err
	}

	var resp peerResp
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("bad find_successor response: %w", err)
	}
	return resp.Peer.peer()
}

// Predecessor asks p for its predecessor; nil means p has none.
func (c *ChordClient) Predecessor(ctx context.Context, p *peer.Peer) (*peer.Peer, error) {
	env := c.controlEnvelope(KindPredecessor, p, nil)

	data, err := c.d.requestDirect(ctx, p, env)
	if err != nil {
		return nil, err
	}

	var resp peerResp
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("bad predecessor response: %w", err)
	}
	return resp.Peer.peer()
}

// SuccessorList asks p for its successor list.
func (c *ChordClient) SuccessorList(ctx context.Context, p *peer.Peer) ([]*peer.Peer, error) {
	env := c.controlEnvelope(KindSuccessorList, p, nil)

	data, err := c.d.requestDirect(ctx, p, env)
	if err != nil {
		return nil, err
	}

	var resp peerListResp
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("bad successor_list response: %w", err)
	}

	list := make([]*peer.Peer, 0, len(resp.Peers))
	for _, w := range resp.Peers {
		p, err := w.peer()
		if err != nil {
			return nil, err
		}
		if p != nil {
			list = append(list, p)
		}
	}
	return list, nil
}

// Notify tells p that candidate might be its predecessor.
func (c *ChordClient) Notify(ctx context.Context, p *peer.Peer, candidate *peer.Peer) error {
	env := c.controlEnvelope(KindNotify, p,
		marshalPayload(notifyReq{Candidate: toWirePeer(candidate)}))

	_, err := c.d.requestDirect(ctx, p, env)
	return err
}

// Leave announces the local node's departure to p with the pointers p needs
// to repair its state.
func (c *ChordClient) Leave(ctx context.Context, p *peer.Peer, successor, predecessor *peer.Peer) error {
	env := c.controlEnvelope(KindLeave, p,
		marshalPayload(leaveReq{Successor: toWirePeer(successor), Predecessor: toWirePeer(predecessor)}))

	_, err := c.d.requestDirect(ctx, p, env)
	return err
}

// Ping checks that p answers control traffic.
func (c *ChordClient) Ping(ctx context.Context, p *peer.Peer) error {
	env := c.controlEnvelope(KindPing, p, nil)
	_, err := c.d.requestDirect(ctx, p, env)
	return err
}
