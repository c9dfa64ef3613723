package transport

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/halo-p2p/halo/pkg"
)

func TestFrameRoundTrip(t *testing.T) {
	tests := []struct {
		name    string
		payload []byte
		wantErr bool
	}{
		{name: "small payload", payload: []byte("hello")},
		{name: "binary payload", payload: []byte{0, 1, 2, 255, 254}},
		{name: "large payload", payload: bytes.Repeat([]byte("x"), 64<<10)},
		{name: "empty payload rejected", payload: nil, wantErr: true},
		{name: "oversized payload rejected", payload: make([]byte, MaxFrameSize+1), wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			err := WriteFrame(&buf, tt.payload)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)

			got, err := ReadFrame(&buf)
			require.NoError(t, err)
			assert.Equal(t, tt.payload, got)
		})
	}
}

func TestFramePreservesBoundaries(t *testing.T) {
	var buf bytes.Buffer
	msgs := [][]byte{[]byte("one"), []byte("two"), []byte("three")}
	for _, m := range msgs {
		require.NoError(t, WriteFrame(&buf, m))
	}

	for _, want := range msgs {
		got, err := ReadFrame(&buf)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
}

func TestReadFrameRejectsBogusLength(t *testing.T) {
	// Length prefix claims 2 MiB
	buf := bytes.NewBuffer([]byte{0x00, 0x20, 0x00, 0x00, 0xff})
	_, err := ReadFrame(buf)
	assert.Error(t, err)
}

func dialPair(t *testing.T) (*Conn, *Conn) {
	t.Helper()

	network := NewMemoryNetwork()
	ba := network.Broker("a")
	bb := network.Broker("b")
	t.Cleanup(func() {
		_ = ba.Close()
		_ = bb.Close()
	})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	chA, err := ba.Negotiate(ctx, "b")
	require.NoError(t, err)

	chB := <-bb.Accept()
	require.NotNil(t, chB)

	ca, cb := NewConn(chA), NewConn(chB)
	ca.MarkOpen()
	cb.MarkOpen()
	t.Cleanup(func() {
		_ = ca.Close()
		_ = cb.Close()
	})
	return ca, cb
}

func TestConnSendReceive(t *testing.T) {
	ca, cb := dialPair(t)

	require.NoError(t, ca.Send([]byte("ping")))
	select {
	case got := <-cb.Inbound():
		assert.Equal(t, []byte("ping"), got)
	case <-time.After(time.Second):
		t.Fatal("message not delivered")
	}

	require.NoError(t, cb.Send([]byte("pong")))
	select {
	case got := <-ca.Inbound():
		assert.Equal(t, []byte("pong"), got)
	case <-time.After(time.Second):
		t.Fatal("reply not delivered")
	}
}

func TestConnPreservesSendOrder(t *testing.T) {
	ca, cb := dialPair(t)

	const n = 100
	for i := 0; i < n; i++ {
		require.NoError(t, ca.Send([]byte{byte(i)}))
	}

	for i := 0; i < n; i++ {
		select {
		case got := <-cb.Inbound():
			assert.Equal(t, byte(i), got[0], "messages must arrive in send order")
		case <-time.After(time.Second):
			t.Fatalf("message %d not delivered", i)
		}
	}
}

func TestConnStateMachine(t *testing.T) {
	t.Run("close is terminal", func(t *testing.T) {
		ca, _ := dialPair(t)
		assert.Equal(t, StateOpen, ca.State())

		require.NoError(t, ca.Close())
		assert.Equal(t, StateClosed, ca.State())
		assert.ErrorIs(t, ca.Send([]byte("late")), pkg.ErrNotOpen)

		// Idempotent
		require.NoError(t, ca.Close())
		assert.Equal(t, StateClosed, ca.State())
	})

	t.Run("remote close fails the peer connection", func(t *testing.T) {
		ca, cb := dialPair(t)

		require.NoError(t, ca.Close())

		select {
		case <-cb.Done():
		case <-time.After(time.Second):
			t.Fatal("remote close not observed")
		}
		assert.Equal(t, StateFailed, cb.State())
		assert.Error(t, cb.Send([]byte("late")))
	})

	t.Run("inbound closes exactly once", func(t *testing.T) {
		ca, cb := dialPair(t)
		require.NoError(t, ca.Close())

		deadline := time.After(time.Second)
		for {
			select {
			case _, ok := <-cb.Inbound():
				if !ok {
					return
				}
			case <-deadline:
				t.Fatal("inbound never closed")
			}
		}
	})
}

func TestMemoryBrokerNegotiate(t *testing.T) {
	network := NewMemoryNetwork()
	ba := network.Broker("a")
	defer ba.Close()

	t.Run("unknown peer refused", func(t *testing.T) {
		_, err := ba.Negotiate(context.Background(), "nowhere")
		assert.ErrorIs(t, err, pkg.ErrConnectRefused)
	})

	t.Run("closed peer refused", func(t *testing.T) {
		bb := network.Broker("b")
		require.NoError(t, bb.Close())

		_, err := ba.Negotiate(context.Background(), "b")
		assert.ErrorIs(t, err, pkg.ErrConnectRefused)
	})

	t.Run("context timeout maps to connect timeout", func(t *testing.T) {
		// Register a broker that never drains its accept queue.
		bc := network.Broker("c")
		defer bc.Close()
		for i := 0; i < cap(bc.accept); i++ {
			ch, err := ba.Negotiate(context.Background(), "c")
			require.NoError(t, err)
			defer ch.Close()
		}

		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		defer cancel()
		_, err := ba.Negotiate(ctx, "c")
		assert.ErrorIs(t, err, pkg.ErrConnectTimeout)
	})
}

func TestMemoryBrokerNegotiateRacesClose(t *testing.T) {
	// Dialers that looked the target up just before Close must fail cleanly,
	// never panic on the handoff.
	for round := 0; round < 25; round++ {
		network := NewMemoryNetwork()
		origin := network.Broker("origin")
		target := network.Broker("target")

		ctx, cancel := context.WithTimeout(context.Background(), time.Second)

		start := make(chan struct{})
		var wg sync.WaitGroup
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				<-start
				ch, err := origin.Negotiate(ctx, "target")
				if err == nil {
					_ = ch.Close()
					return
				}
				assert.True(t,
					errors.Is(err, pkg.ErrConnectRefused) || errors.Is(err, pkg.ErrConnectTimeout),
					"unexpected negotiate error: %v", err)
			}()
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_ = target.Close()
		}()

		close(start)
		wg.Wait()
		cancel()
		_ = origin.Close()
	}
}

func TestQUICBrokerRoundTrip(t *testing.T) {
	logger, err := pkg.NewLogger(&pkg.LogConfig{Level: "error"})
	require.NoError(t, err)

	server, err := NewQUICBroker("127.0.0.1:0", logger)
	require.NoError(t, err)
	defer server.Close()

	client, err := NewQUICBroker("127.0.0.1:0", logger)
	require.NoError(t, err)
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	chOut, err := client.Negotiate(ctx, server.Addr())
	require.NoError(t, err)

	cOut := NewConn(chOut)
	cOut.MarkOpen()
	defer cOut.Close()

	// Stream acceptance is triggered by first data.
	require.NoError(t, cOut.Send([]byte("hello quic")))

	var chIn RawChannel
	select {
	case chIn = <-server.Accept():
	case <-ctx.Done():
		t.Fatal("inbound channel not accepted")
	}

	cIn := NewConn(chIn)
	cIn.MarkOpen()
	defer cIn.Close()

	select {
	case got := <-cIn.Inbound():
		assert.Equal(t, []byte("hello quic"), got)
	case <-ctx.Done():
		t.Fatal("message not delivered over quic")
	}
}

func TestQUICBrokerDialFailure(t *testing.T) {
	logger, err := pkg.NewLogger(&pkg.LogConfig{Level: "error"})
	require.NoError(t, err)

	b, err := NewQUICBroker("127.0.0.1:0", logger)
	require.NoError(t, err)
	defer b.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()

	_, err = b.Negotiate(ctx, "127.0.0.1:1") // nothing listens there
	require.Error(t, err)
	assert.True(t,
		errors.Is(err, pkg.ErrConnectTimeout) || errors.Is(err, pkg.ErrConnectRefused),
		"got %v", err)
}
