package transport

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	quic "github.com/quic-go/quic-go"

	"github.com/halo-p2p/halo/pkg"
)

const alpnProtocol = "halo/1"

// QUICBroker negotiates channels over QUIC. Each peer pair uses one QUIC
// connection carrying a single bidirectional stream; the stream is the raw
// channel (ordered and reliable by QUIC itself).
//
// TLS here only encrypts the wire. Peer identity is established above this
// layer by the swarm handshake, so the client side does not pin certificates.
type QUICBroker struct {
	listener *quic.Listener
	addr     string

	accept chan RawChannel

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	logger *pkg.Logger
}

var _ Broker = (*QUICBroker)(nil)

// NewQUICBroker listens on addr with an ephemeral self-signed certificate.
func NewQUICBroker(addr string, logger *pkg.Logger) (*QUICBroker, error) {
	if logger == nil {
		logger = pkg.Get()
	}

	tlsConf, err := serverTLSConfig()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", pkg.ErrSignalingFailed, err)
	}

	listener, err := quic.ListenAddr(addr, tlsConf, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: listen on %s: %v", pkg.ErrSignalingFailed, addr, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	b := &QUICBroker{
		listener: listener,
		addr:     listener.Addr().String(),
		accept:   make(chan RawChannel, 16),
		ctx:      ctx,
		cancel:   cancel,
		logger:   logger.WithComponent("quic_broker"),
	}

	b.wg.Add(1)
	go b.acceptLoop()

	b.logger.Info().Str("addr", b.addr).Msg("QUIC broker listening")
	return b, nil
}

// Negotiate dials the remote listener and opens the channel stream.
func (b *QUICBroker) Negotiate(ctx context.Context, addr string) (RawChannel, error) {
	conn, err := quic.DialAddr(ctx, addr, clientTLSConfig(), nil)
	if err != nil {
		return nil, mapDialError(addr, err)
	}

	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		_ = conn.CloseWithError(0, "open stream failed")
		return nil, mapDialError(addr, err)
	}

	return &quicChannel{stream: stream, conn: conn}, nil
}

// Accept yields inbound channels.
func (b *QUICBroker) Accept() <-chan RawChannel {
	return b.accept
}

// Addr returns the bound listen address.
func (b *QUICBroker) Addr() string {
	return b.addr
}

// Close stops the listener and the accept stream.
func (b *QUICBroker) Close() error {
	b.cancel()
	err := b.listener.Close()
	b.wg.Wait()
	close(b.accept)
	return err
}

func (b *QUICBroker) acceptLoop() {
	defer b.wg.Done()

	for {
		conn, err := b.listener.Accept(b.ctx)
		if err != nil {
			if b.ctx.Err() == nil {
				b.logger.Error().Err(err).Msg("QUIC accept failed")
			}
			return
		}

		b.wg.Add(1)
		go func(conn *quic.Conn) {
			defer b.wg.Done()

			// One channel stream per connection.
			stream, err := conn.AcceptStream(b.ctx)
			if err != nil {
				if b.ctx.Err() == nil {
					b.logger.Debug().Err(err).Msg("QUIC accept stream failed")
				}
				_ = conn.CloseWithError(0, "no stream")
				return
			}

			select {
			case b.accept <- &quicChannel{stream: stream, conn: conn}:
			case <-b.ctx.Done():
				_ = conn.CloseWithError(0, "broker shutting down")
			}
		}(conn)
	}
}

// quicChannel binds a stream's lifetime to its connection: closing the
// channel closes both.
type quicChannel struct {
	stream *quic.Stream
	conn   *quic.Conn
}

func (c *quicChannel) Read(p []byte) (int, error)  { return c.stream.Read(p) }
func (c *quicChannel) Write(p []byte) (int, error) { return c.stream.Write(p) }

func (c *quicChannel) Close() error {
	_ = c.stream.Close()
	return c.conn.CloseWithError(0, "closed")
}

func mapDialError(addr string, err error) error {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w: dialing %s", pkg.ErrConnectTimeout, addr)
	case errors.Is(err, context.Canceled):
		return fmt.Errorf("%w: dialing %s canceled", pkg.ErrConnectTimeout, addr)
	default:
		var idleErr *quic.IdleTimeoutError
		if errors.As(err, &idleErr) {
			return fmt.Errorf("%w: dialing %s", pkg.ErrConnectTimeout, addr)
		}
		return fmt.Errorf("%w: dialing %s: %v", pkg.ErrConnectRefused, addr, err)
	}
}

func serverTLSConfig() (*tls.Config, error) {
	cert, err := ephemeralCert()
	if err != nil {
		return nil, err
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		NextProtos:   []string{alpnProtocol},
	}, nil
}

func clientTLSConfig() *tls.Config {
	return &tls.Config{
		InsecureSkipVerify: true,
		NextProtos:         []string{alpnProtocol},
	}
}

func ephemeralCert() (tls.Certificate, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return tls.Certificate{}, err
	}

	template := x509.Certificate{
		SerialNumber: big.NewInt(1),
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(365 * 24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		DNSNames:     []string{"localhost"},
	}

	der, err := x509.CreateCertificate(rand.Reader, &template, &template, pub, priv)
	if err != nil {
		return tls.Certificate{}, err
	}

	return tls.Certificate{
		Certificate: [][]byte{der},
		PrivateKey:  priv,
	}, nil
}
