// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

package listeners

import (
	"context"
	"crypto/tls"
	"errors"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/quic-go/quic-go"
	"golang.org/x/time/rate"
)

var (
	// ErrQUICRequiresTLS indicates a quic listener was configured without tls.
	ErrQUICRequiresTLS = errors.New("quic listener requires a tls config")
)

// QUIC is a listener for establishing connections over the first
// bidirectional stream of a QUIC connection.
type QUIC struct {
	sync.RWMutex
	id      string          // the internal id of the listener
	address string          // the network address to bind to
	config  Config          // configuration values for the listener
	listen  *quic.Listener  // the quic listener accepting connections
	ctx     context.Context // cancelled when the listener closes
	cancel  context.CancelFunc
	log     *slog.Logger  // worker logger
	limiter *rate.Limiter // optional accept rate limiter
	end     uint32        // ensure the close methods are only called once
}

// NewQUIC initialises and returns a new QUIC listener, listening on an address.
func NewQUIC(config Config) *QUIC {
	ctx, cancel := context.WithCancel(context.Background())
	return &QUIC{
		id:      config.ID,
		address: config.Address,
		config:  config,
		ctx:     ctx,
		cancel:  cancel,
		limiter: newLimiter(config),
	}
}

// ID returns the id of the listener.
func (l *QUIC) ID() string {
	return l.id
}

// Address returns the address of the listener.
func (l *QUIC) Address() string {
	if l.listen != nil {
		return l.listen.Addr().String()
	}
	return l.address
}

// Protocol returns the address of the listener.
func (l *QUIC) Protocol() string {
	return "quic"
}

// Init initializes the listener.
func (l *QUIC) Init(log *slog.Logger) error {
	l.log = log

	if l.config.TLSConfig == nil {
		return ErrQUICRequiresTLS
	}

	tlsConfig := l.config.TLSConfig.Clone()
	tlsConfig.MinVersion = tls.VersionTLS13
	if len(tlsConfig.NextProtos) == 0 {
		tlsConfig.NextProtos = []string{"mqtt"}
	}

	var err error
	l.listen, err = quic.ListenAddr(l.address, tlsConfig, &quic.Config{
		MaxIdleTimeout:  5 * time.Minute,
		KeepAlivePeriod: 30 * time.Second,
	})

	return err
}

// Serve starts waiting for new QUIC connections, and calls the establish
// connection callback once the client opens its stream.
func (l *QUIC) Serve(establish EstablishFn) {
	for {
		if atomic.LoadUint32(&l.end) == 1 {
			return
		}

		conn, err := l.listen.Accept(l.ctx)
		if err != nil {
			return
		}

		go l.accept(conn, establish)
	}
}

// accept waits for the client's first stream and establishes it.
func (l *QUIC) accept(conn *quic.Conn, establish EstablishFn) {
	ctx, cancel := context.WithTimeout(l.ctx, 30*time.Second)
	defer cancel()

	st, err := conn.AcceptStream(ctx)
	if err != nil {
		_ = conn.CloseWithError(0, "no stream opened")
		return
	}

	c := &quicConn{conn: conn, stream: st}
	if !admit(l.limiter, c, l.id, l.log) {
		return
	}

	if err := establish(l.id, c); err != nil {
		l.log.Warn("failed to establish quic connection", "listener", l.id, "error", err)
	}
}

// Close closes the listener and any client connections.
func (l *QUIC) Close(closeClients CloseFn) {
	l.Lock()
	defer l.Unlock()

	if atomic.CompareAndSwapUint32(&l.end, 0, 1) {
		closeClients(l.id)
	}

	l.cancel()
	if l.listen != nil {
		_ = l.listen.Close()
	}
}

// quicConn adapts a quic stream to net.Conn.
type quicConn struct {
	conn   *quic.Conn
	stream *quic.Stream
	once   sync.Once
}

func (c *quicConn) Read(b []byte) (int, error)  { return c.stream.Read(b) }
func (c *quicConn) Write(b []byte) (int, error) { return c.stream.Write(b) }
func (c *quicConn) LocalAddr() net.Addr         { return c.conn.LocalAddr() }
func (c *quicConn) RemoteAddr() net.Addr        { return c.conn.RemoteAddr() }

func (c *quicConn) SetDeadline(t time.Time) error      { return c.stream.SetDeadline(t) }
func (c *quicConn) SetReadDeadline(t time.Time) error  { return c.stream.SetReadDeadline(t) }
func (c *quicConn) SetWriteDeadline(t time.Time) error { return c.stream.SetWriteDeadline(t) }

// Close closes the stream and then the whole quic connection.
func (c *quicConn) Close() error {
	var err error
	c.once.Do(func() {
		_ = c.stream.Close()
		err = c.conn.CloseWithError(0, "")
	})
	return err
}

// ConnectionState returns the negotiated tls state, always TLS 1.3.
func (c *quicConn) ConnectionState() tls.ConnectionState {
	return c.conn.ConnectionState().TLS
}
