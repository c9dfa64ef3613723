package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/halo-p2p/halo/internal/chord"
	"github.com/halo-p2p/halo/internal/config"
	"github.com/halo-p2p/halo/internal/peer"
	"github.com/halo-p2p/halo/internal/swarm"
	"github.com/halo-p2p/halo/pkg"
	"github.com/halo-p2p/halo/pkg/ring"
)

// Handler processes application payloads delivered to this node. The returned
// payload answers requests; it is discarded for notifications.
type Handler func(ctx context.Context, from *peer.Peer, payload json.RawMessage) (json.RawMessage, error)

type pendingResult struct {
	env *Envelope
	err error
}

// pendingRequest resolves exactly once: the first of response, timeout, and
// connection failure wins the claim, the rest are no-ops.
type pendingRequest struct {
	peerKey string
	done    atomic.Bool
	ch      chan pendingResult
}

func (p *pendingRequest) resolve(res pendingResult) bool {
	if !p.done.CompareAndSwap(false, true) {
		return false
	}
	p.ch <- res
	return true
}

// Subscription is a live topic subscription. Events arrive on C; Cancel
// releases it.
type Subscription struct {
	ID    string
	Topic string
	C     <-chan json.RawMessage

	ch     chan json.RawMessage
	cancel func()
}

// Cancel releases the subscription.
func (s *Subscription) Cancel() {
	s.cancel()
}

// Dispatcher routes envelopes: control messages to the ring state machine,
// application messages to the responsible node, topic events to subscribers.
type Dispatcher struct {
	self   *peer.Peer
	sw     *swarm.Swarm
	node   *chord.Node
	cfg    *config.Config
	logger *pkg.Logger

	pendingMu sync.Mutex
	pending   map[string]*pendingRequest

	handlerMu sync.RWMutex
	handler   Handler
	peerEvent func(swarm.Event)

	subMu      sync.Mutex
	localSubs  map[string]map[string]*Subscription // topic -> sub id
	remoteSubs map[string]map[string]struct{}      // topic -> subscriber key

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a dispatcher over the given swarm and ring state machine.
func New(sw *swarm.Swarm, node *chord.Node, cfg *config.Config, logger *pkg.Logger) *Dispatcher {
	ctx, cancel := context.WithCancel(context.Background())

	return &Dispatcher{
		self:       sw.Self(),
		sw:         sw,
		node:       node,
		cfg:        cfg,
		logger:     logger.WithComponent("dispatch"),
		pending:    make(map[string]*pendingRequest),
		localSubs:  make(map[string]map[string]*Subscription),
		remoteSubs: make(map[string]map[string]struct{}),
		ctx:        ctx,
		cancel:     cancel,
	}
}

// Start launches the inbound and event pumps and the subscription refresher.
func (d *Dispatcher) Start() {
	d.wg.Add(3)
	go d.inboundLoop()
	go d.eventLoop()
	go d.refreshLoop()
}

// Stop halts the pumps and fails every outstanding request.
func (d *Dispatcher) Stop() {
	d.cancel()

	d.pendingMu.Lock()
	outstanding := make([]*pendingRequest, 0, len(d.pending))
	for _, pr := range d.pending {
		outstanding = append(outstanding, pr)
	}
	d.pendingMu.Unlock()

	for _, pr := range outstanding {
		pr.resolve(pendingResult{err: pkg.ErrChannelClosed})
	}

	d.wg.Wait()
}

// OnRequest registers the application handler.
func (d *Dispatcher) OnRequest(h Handler) {
	d.handlerMu.Lock()
	d.handler = h
	d.handlerMu.Unlock()
}

// OnPeerEvent registers an observer for connection lifecycle events. The
// dispatcher owns the swarm's event stream, so interested parties tap it
// here.
func (d *Dispatcher) OnPeerEvent(fn func(swarm.Event)) {
	d.handlerMu.Lock()
	d.peerEvent = fn
	d.handlerMu.Unlock()
}

// SendRequest routes an application request to the node responsible for
// target and waits for its response.
func (d *Dispatcher) SendRequest(ctx context.Context, target *big.Int, payload json.RawMessage) (json.RawMessage, error) {
	return d.requestRouted(ctx, KindAppRequest, target, "", payload)
}

// SendNotification routes a fire-and-forget application message to the node
// responsible for target.
func (d *Dispatcher) SendNotification(ctx context.Context, target *big.Int, payload json.RawMessage) error {
	env := &Envelope{
		Version: envelopeVersion,
		Kind:    KindAppNotify,
		From:    d.self.Key(),
		To:      ring.Key(target),
		TTL:     d.cfg.ForwardTTL,
		Payload: payload,
	}
	return d.route(ctx, env)
}

// Publish routes the payload to the node responsible for hash(topic), which
// fans it out to every subscriber.
func (d *Dispatcher) Publish(ctx context.Context, topic string, payload json.RawMessage) error {
	if topic == "" {
		return fmt.Errorf("topic cannot be empty")
	}
	topicID := ring.IDFromString(topic)

	if d.node.Responsible(topicID) {
		d.fanOut(topic, payload)
		return nil
	}

	_, err := d.requestRouted(ctx, KindPublish, topicID, topic, payload)
	return err
}

// Subscribe registers interest in a topic. Events published to the topic
// arrive on the returned subscription's channel. When another node owns the
// topic, the registration is forwarded to it.
func (d *Dispatcher) Subscribe(ctx context.Context, topic string) (*Subscription, error) {
	if topic == "" {
		return nil, fmt.Errorf("topic cannot be empty")
	}
	topicID := ring.IDFromString(topic)

	sub := &Subscription{
		ID:    uuid.NewString(),
		Topic: topic,
		ch:    make(chan json.RawMessage, 16),
	}
	sub.C = sub.ch
	sub.cancel = func() { d.unsubscribe(sub) }

	d.subMu.Lock()
	if d.localSubs[topic] == nil {
		d.localSubs[topic] = make(map[string]*Subscription)
	}
	d.localSubs[topic][sub.ID] = sub
	d.subMu.Unlock()

	if !d.node.Responsible(topicID) {
		if _, err := d.requestRouted(ctx, KindSubscribe, topicID, topic, nil); err != nil {
			d.unsubscribe(sub)
			return nil, fmt.Errorf("registering subscription for %q: %w", topic, err)
		}
	}

	d.logger.Debug().Str("topic", topic).Str("sub_id", sub.ID).Msg("Subscribed")
	return sub, nil
}

func (d *Dispatcher) unsubscribe(sub *Subscription) {
	d.subMu.Lock()
	subs, ok := d.localSubs[sub.Topic]
	if ok {
		delete(subs, sub.ID)
		if len(subs) == 0 {
			delete(d.localSubs, sub.Topic)
		}
	}
	lastLocal := len(subs) == 0
	d.subMu.Unlock()

	if !ok {
		return
	}
	close(sub.ch)

	// Drop the remote registration once no local subscriber remains.
	topicID := ring.IDFromString(sub.Topic)
	if lastLocal && !d.node.Responsible(topicID) {
		env := &Envelope{
			Version: envelopeVersion,
			Kind:    KindUnsubscribe,
			From:    d.self.Key(),
			To:      ring.Key(topicID),
			TTL:     d.cfg.ForwardTTL,
			Topic:   sub.Topic,
		}
		ctx, cancel := context.WithTimeout(d.ctx, d.cfg.RPCTimeout)
		defer cancel()
		if err := d.route(ctx, env); err != nil {
			d.logger.Debug().Err(err).Str("topic", sub.Topic).Msg("Failed to drop remote subscription")
		}
	}
}

// refreshLoop periodically re-issues the remote registration for every
// locally subscribed topic. Registrations live at whichever node currently
// owns hash(topic); when that node crashes or ownership moves to a newly
// joined node, the next refresh re-establishes them with the new owner.
func (d *Dispatcher) refreshLoop() {
	defer d.wg.Done()

	ticker := time.NewTicker(d.cfg.StabilizeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			d.refreshSubscriptions()
		case <-d.ctx.Done():
			return
		}
	}
}

// refreshSubscriptions re-registers each subscribed topic with its current
// owner. Registration is idempotent at the owner, so re-issuing against an
// owner that already knows us is harmless.
func (d *Dispatcher) refreshSubscriptions() {
	d.subMu.Lock()
	topics := make([]string, 0, len(d.localSubs))
	for topic := range d.localSubs {
		topics = append(topics, topic)
	}
	d.subMu.Unlock()

	for _, topic := range topics {
		topicID := ring.IDFromString(topic)
		if d.node.Responsible(topicID) {
			continue
		}

		ctx, cancel := context.WithTimeout(d.ctx, d.cfg.RPCTimeout)
		_, err := d.requestRouted(ctx, KindSubscribe, topicID, topic, nil)
		cancel()
		if err != nil {
			d.logger.Debug().
				Err(err).
				Str("topic", topic).
				Msg("Subscription refresh failed")
		}
	}
}

// requestRouted sends a request envelope toward the owner of target and waits
// for the correlated response.
func (d *Dispatcher) requestRouted(ctx context.Context, kind Kind, target *big.Int, topic string, payload json.RawMessage) (json.RawMessage, error) {
	env := &Envelope{
		Version: envelopeVersion,
		Kind:    kind,
		From:    d.self.Key(),
		To:      ring.Key(target),
		CID:     uuid.NewString(),
		TTL:     d.cfg.ForwardTTL,
		Topic:   topic,
		Payload: payload,
	}

	pr, err := d.register(env.CID, "")
	if err != nil {
		return nil, err
	}
	defer d.unregister(env.CID)

	if err := d.route(ctx, env); err != nil {
		return nil, err
	}
	return d.await(ctx, pr)
}

// requestDirect sends a request envelope to a specific peer over its direct
// connection and waits for the correlated response. Used for ring control.
func (d *Dispatcher) requestDirect(ctx context.Context, p *peer.Peer, env *Envelope) (json.RawMessage, error) {
	if env.CID == "" {
		env.CID = uuid.NewString()
	}

	pr, err := d.register(env.CID, p.Key())
	if err != nil {
		return nil, err
	}
	defer d.unregister(env.CID)

	if err := d.send(ctx, p, env); err != nil {
		return nil, err
	}
	return d.await(ctx, pr)
}

func (d *Dispatcher) register(cid, peerKey string) (*pendingRequest, error) {
	d.pendingMu.Lock()
	defer d.pendingMu.Unlock()

	if _, exists := d.pending[cid]; exists {
		return nil, fmt.Errorf("%w: %s", pkg.ErrDuplicateCorrelationID, cid)
	}
	pr := &pendingRequest{peerKey: peerKey, ch: make(chan pendingResult, 1)}
	d.pending[cid] = pr
	return pr, nil
}

func (d *Dispatcher) unregister(cid string) {
	d.pendingMu.Lock()
	delete(d.pending, cid)
	d.pendingMu.Unlock()
}

func (d *Dispatcher) await(ctx context.Context, pr *pendingRequest) (json.RawMessage, error) {
	timer := time.NewTimer(d.cfg.RPCTimeout)
	defer timer.Stop()

	select {
	case res := <-pr.ch:
		if res.err != nil {
			return nil, res.err
		}
		if res.env.Error != nil {
			return nil, &pkg.RemoteError{Code: res.env.Error.Code, Message: res.env.Error.Message}
		}
		return res.env.Payload, nil
	case <-timer.C:
		pr.resolve(pendingResult{err: pkg.ErrRequestTimeout})
		<-pr.ch
		return nil, pkg.ErrRequestTimeout
	case <-ctx.Done():
		pr.resolve(pendingResult{err: ctx.Err()})
		<-pr.ch
		return nil, ctx.Err()
	case <-d.ctx.Done():
		return nil, pkg.ErrChannelClosed
	}
}

// send delivers one envelope to a direct neighbor.
func (d *Dispatcher) send(ctx context.Context, p *peer.Peer, env *Envelope) error {
	data, err := env.Encode()
	if err != nil {
		return err
	}
	conn, err := d.sw.GetOrConnect(ctx, p)
	if err != nil {
		return err
	}
	return conn.Send(data)
}

// route moves an envelope one step toward the owner of its target: local
// delivery when this node is responsible, otherwise a hop through the ring.
func (d *Dispatcher) route(ctx context.Context, env *Envelope) error {
	target, err := env.target()
	if err != nil {
		return err
	}

	if d.node.Responsible(target) {
		d.handle(d.self, env)
		return nil
	}

	hop := d.node.NextHop(target)
	if hop == nil {
		return fmt.Errorf("%w: %s", pkg.ErrNoRoute, env.To)
	}
	return d.send(ctx, hop, env)
}

func (d *Dispatcher) inboundLoop() {
	defer d.wg.Done()

	for {
		select {
		case msg := <-d.sw.Inbound():
			env, err := DecodeEnvelope(msg.Payload)
			if err != nil {
				d.logger.Warn().Err(err).Str("peer", msg.From.Key()).Msg("Dropping malformed envelope")
				continue
			}
			d.wg.Add(1)
			go func(from *peer.Peer, env *Envelope) {
				defer d.wg.Done()
				d.handle(from, env)
			}(msg.From, env)
		case <-d.ctx.Done():
			return
		}
	}
}

func (d *Dispatcher) eventLoop() {
	defer d.wg.Done()

	for {
		select {
		case ev := <-d.sw.Events():
			switch ev.Type {
			case swarm.EventConnected:
				d.logger.Debug().Str("peer", ev.Peer.Key()).Msg("Peer connected")
			case swarm.EventDisconnected:
				d.node.HandleDisconnect(ev.Peer)
				d.failPending(ev.Peer.Key())
			}

			d.handlerMu.RLock()
			observer := d.peerEvent
			d.handlerMu.RUnlock()
			if observer != nil {
				observer(ev)
			}
		case <-d.ctx.Done():
			return
		}
	}
}

// failPending resolves every request outstanding against a lost peer.
func (d *Dispatcher) failPending(peerKey string) {
	d.pendingMu.Lock()
	lost := make([]*pendingRequest, 0)
	for _, pr := range d.pending {
		if pr.peerKey == peerKey {
			lost = append(lost, pr)
		}
	}
	d.pendingMu.Unlock()

	for _, pr := range lost {
		pr.resolve(pendingResult{err: fmt.Errorf("%w: peer %s lost", pkg.ErrChannelClosed, peerKey)})
	}
}

// handle is the central inbound switch. from is the direct sender, which for
// locally routed envelopes is the node itself.
func (d *Dispatcher) handle(from *peer.Peer, env *Envelope) {
	if env.Reply {
		d.handleReply(from, env)
		return
	}
	if env.Kind.control() {
		d.handleControl(from, env)
		return
	}

	target, err := env.target()
	if err != nil {
		d.logger.Warn().Err(err).Str("kind", string(env.Kind)).Msg("Dropping unroutable envelope")
		return
	}

	if d.node.Responsible(target) {
		d.deliver(from, env)
		return
	}
	d.forward(env)
}

func (d *Dispatcher) handleReply(from *peer.Peer, env *Envelope) {
	// A reply in transit toward another node keeps moving.
	if env.To != d.self.Key() {
		d.forward(env)
		return
	}

	d.pendingMu.Lock()
	pr, ok := d.pending[env.CID]
	d.pendingMu.Unlock()

	if !ok || !pr.resolve(pendingResult{env: env}) {
		d.logger.Debug().
			Str("cid", env.CID).
			Str("peer", from.Key()).
			Msg("Late or unknown reply dropped")
	}
}

// forward moves an envelope one hop closer to its target, enforcing the TTL
// and hop bounds.
func (d *Dispatcher) forward(env *Envelope) {
	env.TTL--
	env.Hops++

	if env.TTL <= 0 || env.Hops > d.cfg.MaxHops {
		d.logger.Warn().
			Str("kind", string(env.Kind)).
			Str("to", env.To).
			Int("hops", env.Hops).
			Msg("Envelope exceeded forwarding budget, dropped")
		return
	}

	ctx, cancel := context.WithTimeout(d.ctx, d.cfg.RPCTimeout)
	defer cancel()

	if err := d.route(ctx, env); err != nil {
		d.logger.Warn().
			Err(err).
			Str("kind", string(env.Kind)).
			Str("to", env.To).
			Msg("Forwarding failed")
	}
}

// deliver handles an envelope this node is responsible for.
func (d *Dispatcher) deliver(from *peer.Peer, env *Envelope) {
	switch env.Kind {
	case KindAppRequest:
		d.deliverRequest(from, env)
	case KindAppNotify:
		d.invokeHandler(from, env.Payload)
	case KindSubscribe:
		// Key the registration by the subscriber named in the envelope, not
		// by the direct sender: a registration that crossed several hops
		// arrives from the last forwarder, not from the subscriber.
		d.subMu.Lock()
		if d.remoteSubs[env.Topic] == nil {
			d.remoteSubs[env.Topic] = make(map[string]struct{})
		}
		d.remoteSubs[env.Topic][env.From] = struct{}{}
		d.subMu.Unlock()
		d.reply(env, marshalPayload(struct{}{}), nil)
	case KindUnsubscribe:
		d.subMu.Lock()
		if subs, ok := d.remoteSubs[env.Topic]; ok {
			delete(subs, env.From)
			if len(subs) == 0 {
				delete(d.remoteSubs, env.Topic)
			}
		}
		d.subMu.Unlock()
	case KindPublish:
		d.fanOut(env.Topic, env.Payload)
		d.reply(env, marshalPayload(struct{}{}), nil)
	case KindEvent:
		d.deliverEvent(env.Topic, env.Payload)
	default:
		d.logger.Warn().Str("kind", string(env.Kind)).Msg("Unknown envelope kind dropped")
	}
}

func (d *Dispatcher) deliverRequest(from *peer.Peer, env *Envelope) {
	result, err := d.invokeHandler(from, env.Payload)
	d.reply(env, result, err)
}

func (d *Dispatcher) invokeHandler(from *peer.Peer, payload json.RawMessage) (json.RawMessage, error) {
	d.handlerMu.RLock()
	h := d.handler
	d.handlerMu.RUnlock()

	if h == nil {
		return nil, fmt.Errorf("no application handler registered")
	}

	ctx, cancel := context.WithTimeout(d.ctx, d.cfg.RPCTimeout)
	defer cancel()
	return h(ctx, from, payload)
}

// reply routes a response envelope back to the request's origin.
func (d *Dispatcher) reply(req *Envelope, payload json.RawMessage, err error) {
	if req.CID == "" {
		return
	}

	kind := req.Kind
	if kind == KindAppRequest {
		kind = KindAppResponse
	}

	resp := &Envelope{
		Version: envelopeVersion,
		Kind:    kind,
		From:    d.self.Key(),
		To:      req.From,
		CID:     req.CID,
		Reply:   true,
		TTL:     d.cfg.ForwardTTL,
		Topic:   req.Topic,
		Payload: payload,
	}
	if err != nil {
		resp.Payload = nil
		resp.Error = &WireError{Code: 1, Message: err.Error()}
	}

	ctx, cancel := context.WithTimeout(d.ctx, d.cfg.RPCTimeout)
	defer cancel()

	if routeErr := d.route(ctx, resp); routeErr != nil {
		d.logger.Warn().
			Err(routeErr).
			Str("cid", req.CID).
			Str("to", req.From).
			Msg("Failed to deliver reply")
	}
}

// fanOut delivers a topic event to local subscribers and ring-routes it to
// every registered remote subscriber. Events are addressed to the
// subscriber's own identifier; a node is always responsible for its own id,
// so the event terminates there even when the owner holds no direct
// connection to the subscriber.
func (d *Dispatcher) fanOut(topic string, payload json.RawMessage) {
	d.deliverEvent(topic, payload)

	d.subMu.Lock()
	subscribers := make([]string, 0, len(d.remoteSubs[topic]))
	for key := range d.remoteSubs[topic] {
		if key != d.self.Key() {
			subscribers = append(subscribers, key)
		}
	}
	d.subMu.Unlock()

	for _, key := range subscribers {
		env := &Envelope{
			Version: envelopeVersion,
			Kind:    KindEvent,
			From:    d.self.Key(),
			To:      key,
			TTL:     d.cfg.ForwardTTL,
			Topic:   topic,
			Payload: payload,
		}
		d.wg.Add(1)
		go func(key string, env *Envelope) {
			defer d.wg.Done()

			ctx, cancel := context.WithTimeout(d.ctx, d.cfg.RPCTimeout)
			defer cancel()
			if err := d.route(ctx, env); err != nil {
				d.logger.Debug().
					Err(err).
					Str("subscriber", key).
					Str("topic", topic).
					Msg("Event push failed")
			}
		}(key, env)
	}
}

// deliverEvent hands a topic event to local subscription channels. Slow
// consumers lose events rather than stalling the dispatcher.
func (d *Dispatcher) deliverEvent(topic string, payload json.RawMessage) {
	d.subMu.Lock()
	defer d.subMu.Unlock()

	for _, sub := range d.localSubs[topic] {
		select {
		case sub.ch <- payload:
		default:
			d.logger.Warn().
				Str("topic", topic).
				Str("sub_id", sub.ID).
				Msg("Subscriber channel full, event dropped")
		}
	}
}

// handleControl answers ring maintenance requests on behalf of the state
// machine.
func (d *Dispatcher) handleControl(from *peer.Peer, env *Envelope) {
	var payload json.RawMessage
	var err error

	switch env.Kind {
	case KindFindSuccessor:
		var req findSuccessorReq
		if err = json.Unmarshal(env.Payload, &req); err == nil {
			var id *big.Int
			id, err = ring.ParseKey(req.ID)
			if err == nil {
				ctx, cancel := context.WithTimeout(d.ctx, d.cfg.RPCTimeout)
				var p *peer.Peer
				p, err = d.node.FindSuccessor(ctx, id, req.Hops)
				cancel()
				if err == nil {
					payload = marshalPayload(peerResp{Peer: toWirePeer(p)})
				}
			}
		}
	case KindPredecessor:
		payload = marshalPayload(peerResp{Peer: toWirePeer(d.node.Predecessor())})
	case KindSuccessorList:
		list := d.node.Successors()
		wire := make([]*wirePeer, len(list))
		for i, p := range list {
			wire[i] = toWirePeer(p)
		}
		payload = marshalPayload(peerListResp{Peers: wire})
	case KindNotify:
		var req notifyReq
		if err = json.Unmarshal(env.Payload, &req); err == nil {
			var candidate *peer.Peer
			candidate, err = req.Candidate.peer()
			if err == nil && candidate != nil {
				d.node.Notify(candidate)
				payload = marshalPayload(struct{}{})
			}
		}
	case KindLeave:
		var req leaveReq
		if err = json.Unmarshal(env.Payload, &req); err == nil {
			var succ, pred *peer.Peer
			succ, err = req.Successor.peer()
			if err == nil {
				pred, err = req.Predecessor.peer()
			}
			if err == nil {
				d.node.HandleLeave(from, succ, pred)
				payload = marshalPayload(struct{}{})
			}
		}
	case KindPing:
		payload = marshalPayload(struct{}{})
	default:
		err = fmt.Errorf("unknown control kind %s", env.Kind)
	}

	if err != nil {
		d.logger.Debug().
			Err(err).
			Str("kind", string(env.Kind)).
			Str("peer", from.Key()).
			Msg("Control request failed")
	}
	d.replyDirect(from, env, payload, err)
}

// replyDirect answers a control request over the sender's direct connection.
func (d *Dispatcher) replyDirect(to *peer.Peer, req *Envelope, payload json.RawMessage, err error) {
	if req.CID == "" {
		return
	}

	resp := &Envelope{
		Version: envelopeVersion,
		Kind:    req.Kind,
		From:    d.self.Key(),
		To:      req.From,
		CID:     req.CID,
		Reply:   true,
		Payload: payload,
	}
	if err != nil {
		resp.Payload = nil
		resp.Error = &WireError{Code: 1, Message: err.Error()}
	}

	// Self-addressed control happens when the ring routes through the local
	// node; resolve it without touching the wire.
	if to.Equals(d.self) {
		d.handleReply(d.self, resp)
		return
	}

	ctx, cancel := context.WithTimeout(d.ctx, d.cfg.RPCTimeout)
	defer cancel()

	if sendErr := d.send(ctx, to, resp); sendErr != nil {
		d.logger.Debug().
			Err(sendErr).
			Str("peer", to.Key()).
			Msg("Failed to send control reply")
	}
}
