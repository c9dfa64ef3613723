// Package dispatch moves envelopes between peers: request/response
// correlation, ring-routed forwarding, topic publish/subscribe, and delivery
// of control messages to the ring state machine.
package dispatch

import (
	"encoding/json"
	"fmt"
	"math/big"

	"github.com/halo-p2p/halo/internal/peer"
	"github.com/halo-p2p/halo/pkg/ring"
)

// envelopeVersion is bumped on incompatible wire changes.
const envelopeVersion = 1

// Kind tags the semantic of an envelope.
type Kind string

const (
	// Ring control, addressed to a specific peer over its direct connection.
	KindFindSuccessor Kind = "chord.find_successor"
	KindPredecessor   Kind = "chord.predecessor"
	KindNotify        Kind = "chord.notify"
	KindSuccessorList Kind = "chord.successor_list"
	KindLeave         Kind = "chord.leave"
	KindPing          Kind = "chord.ping"

	// Application traffic, ring-routed by target identifier.
	KindAppRequest  Kind = "app.request"
	KindAppResponse Kind = "app.response"
	KindAppNotify   Kind = "app.notify"

	// Topic fan-out.
	KindSubscribe   Kind = "pubsub.subscribe"
	KindUnsubscribe Kind = "pubsub.unsubscribe"
	KindPublish     Kind = "pubsub.publish"
	KindEvent       Kind = "pubsub.event"
)

// control reports whether the kind belongs to the ring maintenance protocol.
func (k Kind) control() bool {
	switch k {
	case KindFindSuccessor, KindPredecessor, KindNotify,
		KindSuccessorList, KindLeave, KindPing:
		return true
	}
	return false
}

// WireError is a structured error carried in a response envelope.
type WireError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Envelope is the unit of exchange between peers. Control envelopes are
// addressed to a direct neighbor; application and pubsub envelopes are
// ring-routed toward To.
type Envelope struct {
	Version int             `json:"version"`
	Kind    Kind            `json:"kind"`
	From    string          `json:"from"`
	To      string          `json:"to,omitempty"`
	CID     string          `json:"cid,omitempty"`
	Reply   bool            `json:"reply,omitempty"`
	TTL     int             `json:"ttl,omitempty"`
	Hops    int             `json:"hops,omitempty"`
	Topic   string          `json:"topic,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   *WireError      `json:"error,omitempty"`
}

// Encode serializes the envelope for the wire.
func (e *Envelope) Encode() ([]byte, error) {
	return json.Marshal(e)
}

// DecodeEnvelope parses and validates one wire frame.
func DecodeEnvelope(data []byte) (*Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("malformed envelope: %w", err)
	}
	if e.Version != envelopeVersion {
		return nil, fmt.Errorf("unsupported envelope version %d", e.Version)
	}
	if e.Kind == "" {
		return nil, fmt.Errorf("envelope without kind")
	}
	return &e, nil
}

// target parses the To field as a ring identifier.
func (e *Envelope) target() (*big.Int, error) {
	if e.To == "" {
		return nil, fmt.Errorf("envelope without target")
	}
	return ring.ParseKey(e.To)
}

// wirePeer is the JSON form of a peer descriptor.
type wirePeer struct {
	ID    string   `json:"id"`
	Addrs []string `json:"addrs,omitempty"`
}

func toWirePeer(p *peer.Peer) *wirePeer {
	if p == nil {
		return nil
	}
	return &wirePeer{ID: p.Key(), Addrs: p.Addrs}
}

func (w *wirePeer) peer() (*peer.Peer, error) {
	if w == nil {
		return nil, nil
	}
	id, err := ring.ParseKey(w.ID)
	if err != nil {
		return nil, fmt.Errorf("bad peer id: %w", err)
	}
	return peer.New(id, w.Addrs...), nil
}

// Control payloads.

type findSuccessorReq struct {
	ID   string `json:"id"`
	Hops int    `json:"hops"`
}

type notifyReq struct {
	Candidate *wirePeer `json:"candidate"`
}

type leaveReq struct {
	Successor   *wirePeer `json:"successor,omitempty"`
	Predecessor *wirePeer `json:"predecessor,omitempty"`
}

type peerResp struct {
	Peer *wirePeer `json:"peer,omitempty"`
}

type peerListResp struct {
	Peers []*wirePeer `json:"peers"`
}

func marshalPayload(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		// All payload types here marshal cleanly; a failure is programmer error.
		panic(fmt.Sprintf("dispatch: marshal payload: %v", err))
	}
	return data
}
