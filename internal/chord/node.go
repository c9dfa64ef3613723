package chord

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/halo-p2p/halo/internal/config"
	"github.com/halo-p2p/halo/internal/peer"
	"github.com/halo-p2p/halo/pkg"
	"github.com/halo-p2p/halo/pkg/ring"
)

// Node is the local ring state machine. One mutex owns all topology fields;
// every read hands out copies and remote calls are never made with the lock
// held.
type Node struct {
	self   *peer.Peer
	cfg    *config.Config
	logger *pkg.Logger

	// remote issues control calls to other peers. Set once before Create or
	// Join via SetRemote.
	remote RemoteClient

	mu         sync.RWMutex
	fingers    []*FingerEntry
	succList   []*peer.Peer
	pred       *peer.Peer
	nextFinger int
	membership Membership

	// kick schedules an immediate stabilization round out of band, ahead of
	// the next ticker fire.
	kick chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	startOnce sync.Once
	stopOnce  sync.Once
}

// NewNode creates a ring state machine for the given local peer.
func NewNode(self *peer.Peer, cfg *config.Config, logger *pkg.Logger) (*Node, error) {
	if self == nil {
		return nil, fmt.Errorf("self peer cannot be nil")
	}
	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if !ring.IsValidID(self.ID) {
		return nil, fmt.Errorf("invalid node identifier %s", ring.Key(self.ID))
	}

	ctx, cancel := context.WithCancel(context.Background())

	n := &Node{
		self:       self.Copy(),
		cfg:        cfg,
		logger:     logger.WithComponent("chord").WithFields(pkg.Fields{"node_id": ring.ShortKey(self.ID)}),
		fingers:    make([]*FingerEntry, ring.M),
		succList:   make([]*peer.Peer, 0, cfg.SuccessorListSize),
		membership: MembershipJoining,
		kick:       make(chan struct{}, 1),
		ctx:        ctx,
		cancel:     cancel,
	}

	n.logger.Info().
		Str("node_id", ring.ShortKey(self.ID)).
		Strs("addrs", self.Addrs).
		Msg("Ring node created")

	return n, nil
}

// Self returns the local peer descriptor.
func (n *Node) Self() *peer.Peer {
	return n.self.Copy()
}

// SetRemote sets the client used for control calls to other peers. Must be
// called before Create or Join.
func (n *Node) SetRemote(remote RemoteClient) {
	n.remote = remote
}

// Membership returns the current lifecycle state.
func (n *Node) Membership() Membership {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.membership
}

func (n *Node) setMembership(m Membership) {
	n.mu.Lock()
	prev := n.membership
	n.membership = m
	n.mu.Unlock()

	if prev != m {
		n.logger.Info().
			Str("from", prev.String()).
			Str("to", m.String()).
			Msg("Membership changed")
	}
}

// Successor returns the immediate successor, nil when the list is empty.
func (n *Node) Successor() *peer.Peer {
	n.mu.RLock()
	defer n.mu.RUnlock()

	if len(n.succList) > 0 {
		return n.succList[0].Copy()
	}
	return nil
}

// setSuccessor places p at the head of the successor list and keeps finger[0]
// aligned with it.
func (n *Node) setSuccessor(p *peer.Peer) {
	if p == nil {
		return
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	newList := make([]*peer.Peer, 0, n.cfg.SuccessorListSize)
	newList = append(newList, p.Copy())
	for _, s := range n.succList {
		if len(newList) >= n.cfg.SuccessorListSize {
			break
		}
		if !s.Equals(p) {
			newList = append(newList, s.Copy())
		}
	}
	n.succList = newList

	start := ring.AddPowerOfTwo(n.self.ID, 0)
	n.fingers[0] = NewFingerEntry(start, p)
}

// Successors returns a copy of the successor list.
func (n *Node) Successors() []*peer.Peer {
	n.mu.RLock()
	defer n.mu.RUnlock()

	out := make([]*peer.Peer, len(n.succList))
	for i, s := range n.succList {
		out[i] = s.Copy()
	}
	return out
}

// setSuccessorList replaces the tail of the successor list, keeping head as
// position 0 and dropping self references.
func (n *Node) setSuccessorList(head *peer.Peer, tail []*peer.Peer) {
	n.mu.Lock()
	defer n.mu.Unlock()

	newList := make([]*peer.Peer, 0, n.cfg.SuccessorListSize)
	newList = append(newList, head.Copy())
	for _, s := range tail {
		if len(newList) >= n.cfg.SuccessorListSize {
			break
		}
		if s == nil || s.Equals(n.self) || s.Equals(head) {
			continue
		}
		newList = append(newList, s.Copy())
	}
	n.succList = newList

	start := ring.AddPowerOfTwo(n.self.ID, 0)
	n.fingers[0] = NewFingerEntry(start, head)
}

// Predecessor returns the current predecessor, nil when unknown.
func (n *Node) Predecessor() *peer.Peer {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.pred.Copy()
}

func (n *Node) setPredecessor(p *peer.Peer) {
	n.mu.Lock()
	n.pred = p.Copy()
	n.mu.Unlock()

	n.logger.Debug().
		Str("predecessor", p.Key()).
		Msg("Predecessor updated")
}

func (n *Node) initFingers(p *peer.Peer) {
	n.mu.Lock()
	defer n.mu.Unlock()

	for i := 0; i < ring.M; i++ {
		start := ring.AddPowerOfTwo(n.self.ID, i)
		n.fingers[i] = NewFingerEntry(start, p)
	}
}

// Create starts a new ring with this node as its only member.
func (n *Node) Create() error {
	n.logger.Info().Msg("Creating new ring")

	n.mu.Lock()
	n.pred = nil
	n.mu.Unlock()

	n.setSuccessor(n.self)
	n.initFingers(n.self)
	n.setMembership(MembershipStable)
	n.startMaintenance()

	return nil
}

// Join joins an existing ring through the given bootstrap peer. The bootstrap
// resolves this node's successor; the predecessor is learned through
// stabilization. Retries up to the configured budget before giving up with
// ErrJoinUnreachable.
func (n *Node) Join(ctx context.Context, bootstrap *peer.Peer) error {
	if bootstrap == nil {
		return fmt.Errorf("bootstrap peer cannot be nil")
	}
	if bootstrap.Equals(n.self) {
		return fmt.Errorf("cannot join through self")
	}
	if n.remote == nil {
		return fmt.Errorf("remote client not set, call SetRemote before Join")
	}

	n.logger.Info().
		Str("bootstrap", ring.ShortKey(bootstrap.ID)).
		Msg("Joining ring")

	var succ *peer.Peer
	var lastErr error
	for attempt := 0; attempt < n.cfg.JoinRetries; attempt++ {
		rpcCtx, cancel := context.WithTimeout(ctx, n.cfg.RPCTimeout)
		succ, lastErr = n.remote.FindSuccessor(rpcCtx, bootstrap, n.self.ID, n.cfg.MaxHops)
		cancel()

		if lastErr == nil && succ != nil {
			break
		}
		n.logger.Warn().
			Err(lastErr).
			Int("attempt", attempt+1).
			Msg("Bootstrap lookup failed")

		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: %v", pkg.ErrJoinUnreachable, ctx.Err())
		case <-time.After(n.cfg.ReconnectBase):
		}
	}
	if lastErr != nil {
		return fmt.Errorf("%w: %v", pkg.ErrJoinUnreachable, lastErr)
	}
	if succ == nil {
		return fmt.Errorf("%w: bootstrap returned no successor", pkg.ErrJoinUnreachable)
	}

	n.logger.Info().
		Str("successor", ring.ShortKey(succ.ID)).
		Msg("Successor resolved")

	n.mu.Lock()
	n.pred = nil
	n.mu.Unlock()

	if succ.Equals(n.self) {
		// The bootstrap resolved us to ourselves, which means the ring does
		// not know us yet. Take the bootstrap as successor and let
		// stabilization place us.
		succ = bootstrap
	}

	n.setSuccessor(succ)
	n.initFingers(succ)
	n.setMembership(MembershipJoining)

	// Tell the successor about us right away. Stabilization repairs this if
	// it fails.
	rpcCtx, cancel := context.WithTimeout(ctx, n.cfg.RPCTimeout)
	if err := n.remote.Notify(rpcCtx, succ, n.self); err != nil {
		n.logger.Warn().Err(err).Msg("Failed to notify successor during join")
	}
	cancel()

	n.startMaintenance()

	n.logger.Info().Msg("Joined ring")
	return nil
}

func (n *Node) startMaintenance() {
	n.startOnce.Do(func() {
		n.wg.Add(2)
		go n.stabilizeLoop()
		go n.fixFingersLoop()
		n.logger.Debug().Msg("Maintenance loops started")
	})
}

func (n *Node) stabilizeLoop() {
	defer n.wg.Done()

	ticker := time.NewTicker(n.cfg.StabilizeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-n.ctx.Done():
			return
		case <-ticker.C:
			if err := n.Stabilize(); err != nil {
				n.logger.Error().Err(err).Msg("Stabilization failed")
			}
		case <-n.kick:
			if err := n.Stabilize(); err != nil {
				n.logger.Error().Err(err).Msg("Forced stabilization failed")
			}
		}
	}
}

func (n *Node) fixFingersLoop() {
	defer n.wg.Done()

	ticker := time.NewTicker(n.cfg.FixFingersInterval)
	defer ticker.Stop()

	for {
		select {
		case <-n.ctx.Done():
			return
		case <-ticker.C:
			if err := n.FixFingers(); err != nil {
				n.logger.Debug().Err(err).Msg("Fix fingers round failed")
			}
		}
	}
}

// Stabilize runs one stabilization round: verify the successor by asking for
// its predecessor, adopt a closer one, reconcile the successor list, then
// notify the successor of our presence.
func (n *Node) Stabilize() error {
	if m := n.Membership(); m == MembershipLeaving || m == MembershipLeft {
		return nil
	}

	succ := n.Successor()
	if succ == nil {
		// Lost every successor. Fall back to self so the ring can reform
		// around us.
		n.setSuccessor(n.self)
		return nil
	}

	if succ.Equals(n.self) {
		pred := n.Predecessor()
		if pred == nil || pred.Equals(n.self) {
			// Alone in the ring.
			n.markStable()
			return nil
		}
		// Another node joined us: close the two-node ring.
		n.logger.Debug().
			Str("predecessor", ring.ShortKey(pred.ID)).
			Msg("Adopting predecessor as successor")
		n.setSuccessor(pred)
		succ = pred
	}

	if n.remote == nil {
		return nil
	}

	rpcCtx, cancel := context.WithTimeout(n.ctx, n.cfg.RPCTimeout)
	x, err := n.remote.Predecessor(rpcCtx, succ)
	cancel()
	if err != nil {
		if pkg.IsUnreachable(err) {
			n.logger.Warn().
				Err(err).
				Str("successor", ring.ShortKey(succ.ID)).
				Msg("Successor unreachable, promoting backup")
			n.HandleDisconnect(succ)
			return nil
		}
		n.logger.Debug().Err(err).Msg("Failed to get successor's predecessor")
		return nil
	}

	if x != nil && !x.Equals(n.self) && !x.Equals(succ) {
		if ring.Between(x.ID, n.self.ID, succ.ID) {
			n.logger.Debug().
				Str("new_successor", ring.ShortKey(x.ID)).
				Msg("Closer successor adopted")
			n.setSuccessor(x)
			succ = x
		} else {
			// The successor's predecessor pointer lies outside (self, succ).
			// Notify below forces the successor to reconsider, and an extra
			// round confirms the repair without waiting out the ticker.
			n.logger.Warn().
				Err(pkg.ErrInconsistentTopology).
				Str("successor", ring.ShortKey(succ.ID)).
				Str("its_predecessor", ring.ShortKey(x.ID)).
				Msg("Interval violation at successor")
			n.forceStabilize()
		}
	}

	// Reconcile successor redundancy from the successor's own list.
	rpcCtx, cancel = context.WithTimeout(n.ctx, n.cfg.RPCTimeout)
	list, err := n.remote.SuccessorList(rpcCtx, succ)
	cancel()
	if err == nil {
		n.setSuccessorList(succ, list)
	} else {
		n.logger.Debug().Err(err).Msg("Failed to reconcile successor list")
	}

	rpcCtx, cancel = context.WithTimeout(n.ctx, n.cfg.RPCTimeout)
	err = n.remote.Notify(rpcCtx, succ, n.self)
	cancel()
	if err != nil {
		n.logger.Debug().
			Err(err).
			Str("successor", ring.ShortKey(succ.ID)).
			Msg("Failed to notify successor")
		return nil
	}

	n.markStable()
	return nil
}

// forceStabilize queues one out-of-band stabilization round. A round already
// queued absorbs further requests.
func (n *Node) forceStabilize() {
	select {
	case n.kick <- struct{}{}:
	default:
	}
}

// markStable promotes Joining to Stable after a completed stabilize round.
func (n *Node) markStable() {
	n.mu.Lock()
	promote := n.membership == MembershipJoining
	if promote {
		n.membership = MembershipStable
	}
	n.mu.Unlock()

	if promote {
		n.logger.Info().Msg("Stabilization complete, node is stable")
	}
}

// Notify handles another node's claim to be our predecessor. The candidate is
// adopted when we have none or when it falls strictly between the current
// predecessor and us. Idempotent.
func (n *Node) Notify(candidate *peer.Peer) {
	if candidate == nil || candidate.Equals(n.self) {
		return
	}

	pred := n.Predecessor()
	if pred == nil || ring.Between(candidate.ID, pred.ID, n.self.ID) {
		n.setPredecessor(candidate)
	}
}

// FixFingers refreshes one finger entry per call, round-robin. A failed
// lookup keeps the previous entry in place.
func (n *Node) FixFingers() error {
	n.mu.Lock()
	next := n.nextFinger
	n.nextFinger = (next + 1) % ring.M
	n.mu.Unlock()

	target := ring.AddPowerOfTwo(n.self.ID, next)

	ctx, cancel := context.WithTimeout(n.ctx, n.cfg.RPCTimeout)
	defer cancel()

	p, err := n.FindSuccessor(ctx, target, n.cfg.MaxHops)
	if err != nil {
		n.logger.Debug().
			Err(err).
			Int("finger", next).
			Msg("Finger refresh failed, keeping stale entry")
		return err
	}

	n.mu.Lock()
	n.fingers[next] = NewFingerEntry(target, p)
	n.mu.Unlock()

	return nil
}

// FindSuccessor resolves the peer responsible for id. Recursive: if id falls
// in (self, successor] the successor is the answer, otherwise the query is
// forwarded to the closest preceding candidate with a decremented hop budget.
func (n *Node) FindSuccessor(ctx context.Context, id *big.Int, hops int) (*peer.Peer, error) {
	if id == nil {
		return nil, fmt.Errorf("id cannot be nil")
	}
	if hops <= 0 {
		return nil, fmt.Errorf("%w: resolving %s", pkg.ErrLookupExhausted, ring.ShortKey(id))
	}

	if id.Cmp(n.self.ID) == 0 {
		return n.self.Copy(), nil
	}

	succ := n.Successor()
	if succ == nil || succ.Equals(n.self) {
		return n.self.Copy(), nil
	}

	if ring.InRange(id, n.self.ID, succ.ID) {
		return succ, nil
	}

	next := n.closestPreceding(id)
	if next == nil || next.Equals(n.self) {
		return succ, nil
	}

	if n.remote == nil {
		// Best local answer without a wire.
		return next, nil
	}

	result, err := n.remote.FindSuccessor(ctx, next, id, hops-1)
	if err != nil {
		if pkg.IsUnreachable(err) {
			n.HandleDisconnect(next)
		}
		return nil, fmt.Errorf("forwarding lookup for %s via %s: %w",
			ring.ShortKey(id), ring.ShortKey(next.ID), err)
	}
	return result, nil
}

// closestPreceding picks, from fingers and the successor list, the known peer
// closest to id going clockwise from self without reaching id.
func (n *Node) closestPreceding(id *big.Int) *peer.Peer {
	n.mu.RLock()
	defer n.mu.RUnlock()

	byKey := make(map[string]*peer.Peer)
	candidates := make([]*big.Int, 0, ring.M+len(n.succList))

	for _, f := range n.fingers {
		if f == nil || f.Peer == nil {
			continue
		}
		key := f.Peer.Key()
		if _, seen := byKey[key]; !seen {
			byKey[key] = f.Peer
			candidates = append(candidates, f.Peer.ID)
		}
	}
	for _, s := range n.succList {
		key := s.Key()
		if _, seen := byKey[key]; !seen {
			byKey[key] = s
			candidates = append(candidates, s.ID)
		}
	}

	best := ring.ClosestPreceding(n.self.ID, id, candidates)
	if best == nil {
		return nil
	}
	return byKey[ring.Key(best)].Copy()
}

// NextHop returns the peer one forwarding step closer to id, or nil when the
// local node is the best known answer. Used by the dispatcher for ring-routed
// application messages.
func (n *Node) NextHop(id *big.Int) *peer.Peer {
	if id == nil {
		return nil
	}

	succ := n.Successor()
	if succ == nil || succ.Equals(n.self) {
		return nil
	}
	if ring.InRange(id, n.self.ID, succ.ID) {
		return succ
	}
	if next := n.closestPreceding(id); next != nil && !next.Equals(n.self) {
		return next
	}
	return succ
}

// Responsible reports whether the local node owns id, that is whether
// id lies in (predecessor, self].
func (n *Node) Responsible(id *big.Int) bool {
	if id == nil {
		return false
	}
	if id.Cmp(n.self.ID) == 0 {
		return true
	}

	pred := n.Predecessor()
	if pred == nil || pred.Equals(n.self) {
		succ := n.Successor()
		// Without a predecessor we only claim ownership when alone,
		// otherwise routing decides.
		return succ == nil || succ.Equals(n.self)
	}
	return ring.InRange(id, pred.ID, n.self.ID)
}

// HandleDisconnect reacts to a peer becoming unreachable: its finger entries
// go stale, it is dropped from the successor list (promoting the next backup)
// and cleared as predecessor.
func (n *Node) HandleDisconnect(p *peer.Peer) {
	if p == nil || p.Equals(n.self) {
		return
	}
	key := p.Key()

	n.mu.Lock()

	for _, f := range n.fingers {
		if f != nil && f.Peer != nil && f.Peer.Key() == key {
			f.Peer = nil
		}
	}

	filtered := n.succList[:0]
	for _, s := range n.succList {
		if s.Key() != key {
			filtered = append(filtered, s)
		}
	}
	promoted := len(filtered) != len(n.succList)
	n.succList = filtered
	if len(n.succList) == 0 {
		n.succList = append(n.succList, n.self.Copy())
	}
	if promoted {
		start := ring.AddPowerOfTwo(n.self.ID, 0)
		n.fingers[0] = NewFingerEntry(start, n.succList[0])
	}

	clearedPred := n.pred != nil && n.pred.Key() == key
	if clearedPred {
		n.pred = nil
	}

	head := n.succList[0].Copy()
	n.mu.Unlock()

	n.logger.Info().
		Str("peer", ring.ShortKey(p.ID)).
		Bool("was_successor", promoted).
		Bool("was_predecessor", clearedPred).
		Str("successor", ring.ShortKey(head.ID)).
		Msg("Peer failure handled")
}

// Leave departs the ring gracefully: the predecessor and successor each get
// the pointer they need to close the gap, then maintenance stops.
func (n *Node) Leave(ctx context.Context) error {
	if m := n.Membership(); m == MembershipLeaving || m == MembershipLeft {
		return nil
	}
	n.setMembership(MembershipLeaving)

	succ := n.Successor()
	pred := n.Predecessor()

	if n.remote != nil {
		if succ != nil && !succ.Equals(n.self) {
			rpcCtx, cancel := context.WithTimeout(ctx, n.cfg.RPCTimeout)
			if err := n.remote.Leave(rpcCtx, succ, succ, pred); err != nil {
				n.logger.Warn().Err(err).Msg("Failed to notify successor of departure")
			}
			cancel()
		}
		if pred != nil && !pred.Equals(n.self) && !pred.Equals(succ) {
			rpcCtx, cancel := context.WithTimeout(ctx, n.cfg.RPCTimeout)
			if err := n.remote.Leave(rpcCtx, pred, succ, pred); err != nil {
				n.logger.Warn().Err(err).Msg("Failed to notify predecessor of departure")
			}
			cancel()
		}
	}

	n.Stop()
	n.setMembership(MembershipLeft)

	n.logger.Info().Msg("Left ring")
	return nil
}

// HandleLeave processes a departure announcement from a peer: if it was our
// successor we adopt its successor, if it was our predecessor we adopt its
// predecessor, and its finger entries go stale.
func (n *Node) HandleLeave(from, departingSucc, departingPred *peer.Peer) {
	if from == nil || from.Equals(n.self) {
		return
	}

	n.logger.Info().
		Str("peer", ring.ShortKey(from.ID)).
		Msg("Peer announced departure")

	succ := n.Successor()
	if succ != nil && succ.Equals(from) {
		replacement := departingSucc
		if replacement == nil || replacement.Equals(from) {
			replacement = n.self
		}
		n.setSuccessor(replacement)
	}

	pred := n.Predecessor()
	if pred != nil && pred.Equals(from) {
		n.mu.Lock()
		if departingPred != nil && !departingPred.Equals(from) {
			n.pred = departingPred.Copy()
		} else {
			n.pred = nil
		}
		n.mu.Unlock()
	}

	// Drop the departing peer from routing state without waiting for its
	// connection to die.
	n.HandleDisconnect(from)
}

// Snapshot returns a copy of the ring state for diagnostics.
func (n *Node) Snapshot() *Info {
	n.mu.RLock()
	defer n.mu.RUnlock()

	info := &Info{
		Self:        n.self.Copy(),
		Predecessor: n.pred.Copy(),
		Successors:  make([]*peer.Peer, len(n.succList)),
		Membership:  n.membership,
	}
	for i, s := range n.succList {
		info.Successors[i] = s.Copy()
	}

	seen := make(map[string]bool)
	for _, f := range n.fingers {
		if f == nil || f.Peer == nil {
			continue
		}
		key := f.Peer.Key()
		if !seen[key] {
			seen[key] = true
			info.FingerPeers = append(info.FingerPeers, f.Peer.Copy())
		}
	}
	return info
}

// Stop halts the maintenance loops without announcing departure. Use Leave
// for a graceful exit.
func (n *Node) Stop() {
	n.stopOnce.Do(func() {
		n.cancel()
		n.wg.Wait()
		n.logger.Debug().Msg("Maintenance loops stopped")
	})
}
