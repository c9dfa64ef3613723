package swarm

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/halo-p2p/halo/internal/peer"
	"github.com/halo-p2p/halo/internal/transport"
	"github.com/halo-p2p/halo/pkg"
	"github.com/halo-p2p/halo/pkg/ring"
)

const helloTimeout = 5 * time.Second

// hello is the first frame on every new channel, in both directions. It tells
// the far side who it is talking to, since the broker only knows addresses.
type hello struct {
	ID    string   `json:"id"`
	Addrs []string `json:"addrs"`
}

func (s *Swarm) sendHello(conn *transport.Conn) error {
	h := hello{ID: s.self.Key(), Addrs: s.self.Addrs}
	data, err := json.Marshal(h)
	if err != nil {
		return err
	}
	return conn.Send(data)
}

// readHello waits for the remote hello frame and returns the resulting
// descriptor.
func (s *Swarm) readHello(conn *transport.Conn) (*peer.Peer, error) {
	select {
	case data, ok := <-conn.Inbound():
		if !ok {
			return nil, pkg.ErrChannelClosed
		}
		var h hello
		if err := json.Unmarshal(data, &h); err != nil {
			return nil, fmt.Errorf("%w: bad hello: %v", pkg.ErrSignalingFailed, err)
		}
		id, err := ring.ParseKey(h.ID)
		if err != nil {
			return nil, fmt.Errorf("%w: bad hello id: %v", pkg.ErrSignalingFailed, err)
		}
		return peer.New(id, h.Addrs...), nil
	case <-conn.Done():
		return nil, pkg.ErrChannelClosed
	case <-time.After(helloTimeout):
		return nil, fmt.Errorf("%w: hello timeout", pkg.ErrConnectTimeout)
	}
}
