package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/halo-p2p/halo/internal/chord"
	"github.com/halo-p2p/halo/internal/config"
	"github.com/halo-p2p/halo/internal/peer"
	"github.com/halo-p2p/halo/internal/swarm"
	"github.com/halo-p2p/halo/internal/transport"
	"github.com/halo-p2p/halo/pkg"
)

// stack is one full node over the in-memory network: swarm, ring state
// machine, dispatcher.
type stack struct {
	self *peer.Peer
	sw   *swarm.Swarm
	node *chord.Node
	d    *Dispatcher
	cl   *ChordClient
}

func dispatchTestConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.StabilizeInterval = time.Hour // rounds driven by hand
	cfg.FixFingersInterval = time.Hour
	cfg.RPCTimeout = 2 * time.Second
	cfg.ReconnectBase = 10 * time.Millisecond
	cfg.ReconnectMax = 50 * time.Millisecond
	cfg.ReconnectAttempts = 2
	cfg.JoinRetries = 2
	return cfg
}

func newStack(t *testing.T, network *transport.MemoryNetwork, id int64, mutate func(*config.Config)) *stack {
	t.Helper()

	cfg := dispatchTestConfig()
	if mutate != nil {
		mutate(cfg)
	}

	logger, err := pkg.NewLogger(&pkg.LogConfig{Level: "error"})
	require.NoError(t, err)

	addr := fmt.Sprintf("mem-%d", id)
	self := peer.New(big.NewInt(id), addr)

	sw := swarm.New(self, network.Broker(addr), cfg, logger)
	node, err := chord.NewNode(self, cfg, logger)
	require.NoError(t, err)

	d := New(sw, node, cfg, logger)
	node.SetRemote(NewChordClient(d))
	d.Start()

	s := &stack{self: self, sw: sw, node: node, d: d, cl: NewChordClient(d)}
	t.Cleanup(func() {
		s.node.Stop()
		s.d.Stop()
		s.sw.Shutdown()
	})
	return s
}

// formRing builds a converged ring out of the stacks, all protocol traffic
// going over the wire.
func formRing(t *testing.T, stacks ...*stack) {
	t.Helper()

	require.NoError(t, stacks[0].node.Create())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	for _, s := range stacks[1:] {
		require.NoError(t, s.node.Join(ctx, stacks[0].self))
		for r := 0; r < 3; r++ {
			for _, ss := range stacks {
				_ = ss.node.Stabilize()
			}
		}
	}
	for r := 0; r < 2*len(stacks); r++ {
		for _, s := range stacks {
			_ = s.node.Stabilize()
		}
	}
}

func TestControlCallsOverWire(t *testing.T) {
	network := transport.NewMemoryNetwork()
	a := newStack(t, network, 100, nil)
	b := newStack(t, network, 200, nil)
	formRing(t, a, b)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	t.Run("ping", func(t *testing.T) {
		require.NoError(t, a.cl.Ping(ctx, b.self))
	})

	t.Run("predecessor", func(t *testing.T) {
		pred, err := a.cl.Predecessor(ctx, b.self)
		require.NoError(t, err)
		require.NotNil(t, pred)
		assert.True(t, pred.Equals(a.self))
	})

	t.Run("successor list", func(t *testing.T) {
		list, err := a.cl.SuccessorList(ctx, b.self)
		require.NoError(t, err)
		require.NotEmpty(t, list)
		assert.True(t, list[0].Equals(a.self))
	})

	t.Run("find successor", func(t *testing.T) {
		got, err := a.cl.FindSuccessor(ctx, b.self, big.NewInt(150), 16)
		require.NoError(t, err)
		assert.True(t, got.Equals(b.self), "owner of 150 in {100,200} is 200")

		got, err = a.cl.FindSuccessor(ctx, b.self, big.NewInt(250), 16)
		require.NoError(t, err)
		assert.True(t, got.Equals(a.self), "250 wraps to 100")
	})
}

func TestRequestResponse(t *testing.T) {
	network := transport.NewMemoryNetwork()
	a := newStack(t, network, 100, nil)
	b := newStack(t, network, 200, nil)
	formRing(t, a, b)

	// Echo handler on the owner of the target range.
	b.d.OnRequest(func(ctx context.Context, from *peer.Peer, payload json.RawMessage) (json.RawMessage, error) {
		return payload, nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	resp, err := a.d.SendRequest(ctx, big.NewInt(150), json.RawMessage(`{"msg":"hi"}`))
	require.NoError(t, err)
	assert.JSONEq(t, `{"msg":"hi"}`, string(resp))

	t.Run("handler error surfaces as remote error", func(t *testing.T) {
		b.d.OnRequest(func(ctx context.Context, from *peer.Peer, payload json.RawMessage) (json.RawMessage, error) {
			return nil, fmt.Errorf("busy")
		})

		_, err := a.d.SendRequest(ctx, big.NewInt(150), json.RawMessage(`{}`))
		require.Error(t, err)
		var remote *pkg.RemoteError
		require.ErrorAs(t, err, &remote)
		assert.Contains(t, remote.Message, "busy")
	})

	t.Run("local target short-circuits", func(t *testing.T) {
		a.d.OnRequest(func(ctx context.Context, from *peer.Peer, payload json.RawMessage) (json.RawMessage, error) {
			return json.RawMessage(`{"local":true}`), nil
		})

		resp, err := a.d.SendRequest(ctx, big.NewInt(50), json.RawMessage(`{}`))
		require.NoError(t, err)
		assert.JSONEq(t, `{"local":true}`, string(resp))
	})
}

func TestRequestForwardedThroughRing(t *testing.T) {
	network := transport.NewMemoryNetwork()
	a := newStack(t, network, 100, nil)
	b := newStack(t, network, 200, nil)
	c := newStack(t, network, 300, nil)
	formRing(t, a, b, c)

	c.d.OnRequest(func(ctx context.Context, from *peer.Peer, payload json.RawMessage) (json.RawMessage, error) {
		return json.RawMessage(`{"owner":300}`), nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// 250 belongs to node 300; node 100 only routes through 200 since its
	// fingers were never fixed beyond the successor.
	resp, err := a.d.SendRequest(ctx, big.NewInt(250), json.RawMessage(`{}`))
	require.NoError(t, err)
	assert.JSONEq(t, `{"owner":300}`, string(resp))
}

func TestForwardTTLExhaustion(t *testing.T) {
	network := transport.NewMemoryNetwork()
	a := newStack(t, network, 100, func(cfg *config.Config) {
		cfg.ForwardTTL = 1
		cfg.RPCTimeout = 500 * time.Millisecond
	})
	b := newStack(t, network, 200, nil)
	c := newStack(t, network, 300, nil)
	formRing(t, a, b, c)

	c.d.OnRequest(func(ctx context.Context, from *peer.Peer, payload json.RawMessage) (json.RawMessage, error) {
		return payload, nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// The envelope dies at node 200 when its TTL hits zero, so the request
	// can only time out.
	_, err := a.d.SendRequest(ctx, big.NewInt(250), json.RawMessage(`{}`))
	require.Error(t, err)
	assert.ErrorIs(t, err, pkg.ErrRequestTimeout)
}

func TestRequestTimeout(t *testing.T) {
	network := transport.NewMemoryNetwork()
	a := newStack(t, network, 100, func(cfg *config.Config) {
		cfg.RPCTimeout = 200 * time.Millisecond
	})
	b := newStack(t, network, 200, nil)
	formRing(t, a, b)

	b.d.OnRequest(func(ctx context.Context, from *peer.Peer, payload json.RawMessage) (json.RawMessage, error) {
		time.Sleep(time.Second)
		return payload, nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := a.d.SendRequest(ctx, big.NewInt(150), json.RawMessage(`{}`))
	require.Error(t, err)
	assert.ErrorIs(t, err, pkg.ErrRequestTimeout)

	// Late replies for resolved requests are dropped silently; new requests
	// still work.
	b.d.OnRequest(func(ctx context.Context, from *peer.Peer, payload json.RawMessage) (json.RawMessage, error) {
		return payload, nil
	})
	time.Sleep(time.Second)

	resp, err := a.d.SendRequest(ctx, big.NewInt(150), json.RawMessage(`{"again":1}`))
	require.NoError(t, err)
	assert.JSONEq(t, `{"again":1}`, string(resp))
}

func TestDuplicateCorrelationID(t *testing.T) {
	network := transport.NewMemoryNetwork()
	a := newStack(t, network, 100, nil)

	cid := uuid.NewString()
	_, err := a.d.register(cid, "")
	require.NoError(t, err)

	_, err = a.d.register(cid, "")
	require.Error(t, err)
	assert.ErrorIs(t, err, pkg.ErrDuplicateCorrelationID)
}

func TestConcurrentRequestCorrelation(t *testing.T) {
	network := transport.NewMemoryNetwork()
	a := newStack(t, network, 100, func(cfg *config.Config) {
		cfg.RPCTimeout = 10 * time.Second
	})
	b := newStack(t, network, 200, nil)
	formRing(t, a, b)

	b.d.OnRequest(func(ctx context.Context, from *peer.Peer, payload json.RawMessage) (json.RawMessage, error) {
		return payload, nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// Every request must get back exactly its own payload, never a
	// neighbor's.
	const requests = 1000
	errs := make([]error, requests)

	var wg sync.WaitGroup
	for i := 0; i < requests; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()

			want := fmt.Sprintf(`{"n":%d}`, i)
			resp, err := a.d.SendRequest(ctx, big.NewInt(150), json.RawMessage(want))
			if err != nil {
				errs[i] = err
				return
			}
			if string(resp) != want {
				errs[i] = fmt.Errorf("request %d got foreign response %s", i, resp)
			}
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		require.NoError(t, err, "request %d", i)
	}
}

func TestNotificationDelivery(t *testing.T) {
	network := transport.NewMemoryNetwork()
	a := newStack(t, network, 100, nil)
	b := newStack(t, network, 200, nil)
	formRing(t, a, b)

	received := make(chan json.RawMessage, 1)
	b.d.OnRequest(func(ctx context.Context, from *peer.Peer, payload json.RawMessage) (json.RawMessage, error) {
		received <- payload
		return nil, nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	require.NoError(t, a.d.SendNotification(ctx, big.NewInt(150), json.RawMessage(`{"note":1}`)))

	select {
	case payload := <-received:
		assert.JSONEq(t, `{"note":1}`, string(payload))
	case <-ctx.Done():
		t.Fatal("notification not delivered")
	}
}

func TestPubSub(t *testing.T) {
	network := transport.NewMemoryNetwork()
	a := newStack(t, network, 100, nil)
	b := newStack(t, network, 200, nil)
	formRing(t, a, b)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	const topic = "sensor/temperature"

	subA, err := a.d.Subscribe(ctx, topic)
	require.NoError(t, err)
	subB, err := b.d.Subscribe(ctx, topic)
	require.NoError(t, err)

	require.NoError(t, a.d.Publish(ctx, topic, json.RawMessage(`{"temp":21}`)))

	expect := func(sub *Subscription, who string) {
		t.Helper()
		select {
		case payload := <-sub.C:
			assert.JSONEq(t, `{"temp":21}`, string(payload))
		case <-ctx.Done():
			t.Fatalf("subscriber %s got no event", who)
		}
	}
	expect(subA, "a")
	expect(subB, "b")

	t.Run("cancelled subscription stops receiving", func(t *testing.T) {
		subB.Cancel()
		// Give the unsubscribe time to reach the responsible node.
		time.Sleep(200 * time.Millisecond)

		require.NoError(t, b.d.Publish(ctx, topic, json.RawMessage(`{"temp":22}`)))
		expect(subA, "a")

		select {
		case _, ok := <-subB.C:
			assert.False(t, ok, "cancelled subscription must not deliver")
		case <-time.After(300 * time.Millisecond):
		}
	})
}

func TestPublishReachesDistantSubscriber(t *testing.T) {
	network := transport.NewMemoryNetwork()
	a := newStack(t, network, 100, nil)
	b := newStack(t, network, 200, nil)
	c := newStack(t, network, 300, nil)
	formRing(t, a, b, c)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// hash(topic) lies far above every node id here, so ownership wraps to
	// node 100. Node 200's registration travels 200 -> 300 -> 100, and the
	// published event has to cover the same distance back.
	const topic = "alerts/critical"

	sub, err := b.d.Subscribe(ctx, topic)
	require.NoError(t, err)

	a.d.subMu.Lock()
	_, registered := a.d.remoteSubs[topic][b.self.Key()]
	a.d.subMu.Unlock()
	require.True(t, registered,
		"owner must key the registration by the subscriber, not by the last forwarding hop")

	require.NoError(t, c.d.Publish(ctx, topic, json.RawMessage(`{"severity":1}`)))

	select {
	case payload := <-sub.C:
		assert.JSONEq(t, `{"severity":1}`, string(payload))
	case <-ctx.Done():
		t.Fatal("subscriber behind a multi-hop registration got no event")
	}
}

func TestPendingFailsOnDisconnect(t *testing.T) {
	network := transport.NewMemoryNetwork()
	a := newStack(t, network, 100, func(cfg *config.Config) {
		cfg.RPCTimeout = 5 * time.Second
	})
	b := newStack(t, network, 200, nil)
	formRing(t, a, b)

	// b never answers, then its connection dies mid-request.
	b.d.OnRequest(func(ctx context.Context, from *peer.Peer, payload json.RawMessage) (json.RawMessage, error) {
		time.Sleep(10 * time.Second)
		return nil, nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		_ = a.cl.Ping(ctx, b.self) // warm the connection
		_, err := a.d.requestDirect(ctx, b.self, &Envelope{
			Version: envelopeVersion,
			Kind:    KindAppRequest,
			From:    a.self.Key(),
			To:      b.self.Key(),
			Payload: json.RawMessage(`{}`),
		})
		done <- err
	}()

	// Let the request get registered, then cut the link.
	time.Sleep(300 * time.Millisecond)
	a.sw.Close(b.self.Key())

	select {
	case err := <-done:
		require.Error(t, err)
		assert.ErrorIs(t, err, pkg.ErrChannelClosed)
	case <-ctx.Done():
		t.Fatal("request did not fail after disconnect")
	}
}
