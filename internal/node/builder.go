// Package node assembles a complete halo node: broker, swarm, ring state
// machine, dispatcher and API server, with create-or-join startup and
// graceful shutdown.
package node

import (
	"fmt"

	"github.com/halo-p2p/halo/internal/api"
	"github.com/halo-p2p/halo/internal/chord"
	"github.com/halo-p2p/halo/internal/config"
	"github.com/halo-p2p/halo/internal/dispatch"
	"github.com/halo-p2p/halo/internal/peer"
	"github.com/halo-p2p/halo/internal/swarm"
	"github.com/halo-p2p/halo/internal/transport"
	"github.com/halo-p2p/halo/pkg"
	"github.com/halo-p2p/halo/pkg/ring"
)

// Builder wires a node step by step. Zero-value options fall back to the
// QUIC broker and a logger derived from the config.
type Builder struct {
	cfg    *config.Config
	broker transport.Broker
	logger *pkg.Logger
}

// NewBuilder starts a build over the given configuration.
func NewBuilder(cfg *config.Config) *Builder {
	return &Builder{cfg: cfg}
}

// WithBroker overrides the connection broker. Tests plug the in-memory
// network in here.
func (b *Builder) WithBroker(broker transport.Broker) *Builder {
	b.broker = broker
	return b
}

// WithLogger overrides the logger.
func (b *Builder) WithLogger(logger *pkg.Logger) *Builder {
	b.logger = logger
	return b
}

// Build assembles the node. The node identifier is derived from the broker's
// listen address, so peers can compute it from the address alone.
func (b *Builder) Build() (*Node, error) {
	if b.cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if err := b.cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	logger := b.logger
	if logger == nil {
		var err error
		logger, err = pkg.NewLogger(&pkg.LogConfig{
			Level:  b.cfg.LogLevel,
			Format: b.cfg.LogFormat,
		})
		if err != nil {
			return nil, fmt.Errorf("creating logger: %w", err)
		}
	}

	broker := b.broker
	if broker == nil {
		var err error
		broker, err = transport.NewQUICBroker(b.cfg.ListenAddr, logger)
		if err != nil {
			return nil, fmt.Errorf("starting broker: %w", err)
		}
	}

	self := peer.New(ring.IDFromString(broker.Addr()), broker.Addr())

	sw := swarm.New(self, broker, b.cfg, logger)

	ringNode, err := chord.NewNode(self, b.cfg, logger)
	if err != nil {
		sw.Shutdown()
		return nil, err
	}

	d := dispatch.New(sw, ringNode, b.cfg, logger)
	ringNode.SetRemote(dispatch.NewChordClient(d))

	var apiServer *api.Server
	if b.cfg.APIAddr != "" {
		apiServer = api.NewServer(sw, ringNode, d, b.cfg, logger)
	}

	return &Node{
		cfg:    b.cfg,
		logger: logger.WithComponent("node"),
		sw:     sw,
		ring:   ringNode,
		d:      d,
		api:    apiServer,
	}, nil
}
