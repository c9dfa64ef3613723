package transport

import (
	"context"
	"fmt"
	"net"
	"sync"

	"github.com/halo-p2p/halo/pkg"
)

// MemoryNetwork is an in-process broker fabric: every broker registered on it
// can negotiate channels to every other by address, with no real network
// underneath. Used by tests and by environments with no socket access at all.
type MemoryNetwork struct {
	mu      sync.Mutex
	brokers map[string]*MemoryBroker
}

// NewMemoryNetwork creates an empty fabric.
func NewMemoryNetwork() *MemoryNetwork {
	return &MemoryNetwork{brokers: make(map[string]*MemoryBroker)}
}

// Broker registers and returns a broker listening on addr within the fabric.
func (n *MemoryNetwork) Broker(addr string) *MemoryBroker {
	n.mu.Lock()
	defer n.mu.Unlock()

	b := &MemoryBroker{
		network: n,
		addr:    addr,
		accept:  make(chan RawChannel, 16),
		done:    make(chan struct{}),
	}
	n.brokers[addr] = b
	return b
}

func (n *MemoryNetwork) lookup(addr string) *MemoryBroker {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.brokers[addr]
}

func (n *MemoryNetwork) remove(addr string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.brokers, addr)
}

// MemoryBroker implements Broker over an in-process pipe pair.
type MemoryBroker struct {
	network *MemoryNetwork
	addr    string

	accept chan RawChannel

	closeOnce sync.Once
	done      chan struct{}
}

var _ Broker = (*MemoryBroker)(nil)

// Negotiate connects to the broker registered at addr on the same fabric.
func (b *MemoryBroker) Negotiate(ctx context.Context, addr string) (RawChannel, error) {
	select {
	case <-b.done:
		return nil, pkg.ErrSignalingFailed
	default:
	}

	remote := b.network.lookup(addr)
	if remote == nil {
		return nil, fmt.Errorf("%w: no peer at %s", pkg.ErrConnectRefused, addr)
	}

	local, far := net.Pipe()

	select {
	case remote.accept <- far:
		return local, nil
	case <-remote.done:
		_ = local.Close()
		_ = far.Close()
		return nil, fmt.Errorf("%w: peer at %s shut down", pkg.ErrConnectRefused, addr)
	case <-ctx.Done():
		_ = local.Close()
		_ = far.Close()
		return nil, fmt.Errorf("%w: negotiating with %s", pkg.ErrConnectTimeout, addr)
	}
}

// Accept yields inbound channels.
func (b *MemoryBroker) Accept() <-chan RawChannel {
	return b.accept
}

// Addr returns the fabric address.
func (b *MemoryBroker) Addr() string {
	return b.addr
}

// Close deregisters the broker. Existing channels stay usable; only new
// negotiation is refused. The accept channel is never closed: a dialer that
// looked this broker up just before Close may still be inside its handoff
// select, and closing under it would turn that send into a panic. Consumers
// observe shutdown through their own context instead.
func (b *MemoryBroker) Close() error {
	b.closeOnce.Do(func() {
		b.network.remove(b.addr)
		close(b.done)
	})
	return nil
}
