package node

import (
	"context"
	"fmt"
	"time"

	"github.com/halo-p2p/halo/internal/api"
	"github.com/halo-p2p/halo/internal/chord"
	"github.com/halo-p2p/halo/internal/config"
	"github.com/halo-p2p/halo/internal/dispatch"
	"github.com/halo-p2p/halo/internal/peer"
	"github.com/halo-p2p/halo/internal/swarm"
	"github.com/halo-p2p/halo/pkg"
	"github.com/halo-p2p/halo/pkg/ring"
)

// Node is one running overlay member.
type Node struct {
	cfg    *config.Config
	logger *pkg.Logger

	sw   *swarm.Swarm
	ring *chord.Node
	d    *dispatch.Dispatcher
	api  *api.Server
}

// Self returns the local peer descriptor.
func (n *Node) Self() *peer.Peer {
	return n.ring.Self()
}

// Ring exposes the ring state machine.
func (n *Node) Ring() *chord.Node {
	return n.ring
}

// Dispatch exposes the message dispatcher for application handlers,
// requests and pubsub.
func (n *Node) Dispatch() *dispatch.Dispatcher {
	return n.d
}

// Swarm exposes the connection pool.
func (n *Node) Swarm() *swarm.Swarm {
	return n.sw
}

// Start brings the node up: the dispatcher first, then ring membership
// (create when no bootstrap is configured, join otherwise), then the API.
func (n *Node) Start(ctx context.Context) error {
	n.d.Start()

	if n.api != nil {
		hub := n.api.Hub()
		n.d.OnPeerEvent(func(ev swarm.Event) {
			kind := "connected"
			if ev.Type == swarm.EventDisconnected {
				kind = "disconnected"
			}
			_ = hub.Broadcast(map[string]any{
				"type":  "ring_update",
				"event": kind,
				"peer":  map[string]any{"id": ev.Peer.Key(), "addrs": ev.Peer.Addrs},
			})
		})
	}

	if len(n.cfg.Bootstrap) == 0 {
		if err := n.ring.Create(); err != nil {
			return fmt.Errorf("creating ring: %w", err)
		}
	} else {
		if err := n.join(ctx); err != nil {
			return err
		}
	}

	if n.api != nil {
		if err := n.api.Start(); err != nil {
			return fmt.Errorf("starting api: %w", err)
		}
	}

	n.logger.Info().
		Str("node_id", ring.ShortKey(n.Self().ID)).
		Str("membership", n.ring.Membership().String()).
		Msg("Node started")
	return nil
}

// join tries each configured bootstrap address in order. Bootstrap
// identifiers are derived from their addresses, the same derivation every
// node applies to itself.
func (n *Node) join(ctx context.Context) error {
	var lastErr error
	for _, addr := range n.cfg.Bootstrap {
		bootstrap := peer.New(ring.IDFromString(addr), addr)
		if bootstrap.Equals(n.Self()) {
			continue
		}

		if err := n.ring.Join(ctx, bootstrap); err != nil {
			lastErr = err
			n.logger.Warn().Err(err).Str("bootstrap", addr).Msg("Bootstrap attempt failed")
			continue
		}
		return nil
	}

	if lastErr == nil {
		return fmt.Errorf("no usable bootstrap peer configured")
	}
	return fmt.Errorf("joining ring: %w", lastErr)
}

// Stop leaves the ring gracefully and tears the stack down in reverse
// startup order.
func (n *Node) Stop() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := n.ring.Leave(ctx); err != nil {
		n.logger.Warn().Err(err).Msg("Graceful leave failed")
	}

	if n.api != nil {
		if err := n.api.Stop(); err != nil {
			n.logger.Warn().Err(err).Msg("API shutdown failed")
		}
	}

	n.d.Stop()
	n.sw.Shutdown()

	n.logger.Info().Msg("Node stopped")
}
