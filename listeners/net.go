// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2023 mochi-mqtt, mochi-co
// SPDX-FileContributor: Jeroen Rinzema

package listeners

import (
	"log/slog"
	"net"
	"sync"
	"sync/atomic"

	"golang.org/x/time/rate"
)

// Net is a listener for establishing connections on an existing net.Listener.
type Net struct { // [MQTT-4.2.0-1]
	mu       sync.Mutex
	listener net.Listener  // a net.Listener which will listen for new connections
	id       string        // the internal id of the listener
	log      *slog.Logger  // worker logger
	limiter  *rate.Limiter // optional accept rate limiter
	end      uint32        // ensure the close methods are only called once
}

// NewNet initialises and returns a listener serving incoming connections on the given net.Listener
func NewNet(id string, listener net.Listener) *Net {
	return &Net{
		id:       id,
		listener: listener,
	}
}

// ID returns the id of the listener.
func (l *Net) ID() string {
	return l.id
}

// Address returns the address of the listener.
func (l *Net) Address() string {
	return l.listener.Addr().String()
}

// Protocol returns the network of the listener.
func (l *Net) Protocol() string {
	return l.listener.Addr().Network()
}

// Init initializes the listener.
func (l *Net) Init(log *slog.Logger) error {
	l.log = log
	return nil
}

// Serve starts waiting for new connections, and calls the establish
// connection callback for any received.
func (l *Net) Serve(establish EstablishFn) {
	serve(l.listener, l.id, &l.end, l.limiter, l.log, establish)
}

// Close closes the listener and any client connections.
func (l *Net) Close(closeClients CloseFn) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if atomic.CompareAndSwapUint32(&l.end, 0, 1) {
		closeClients(l.id)
	}

	if l.listener != nil {
		_ = l.listener.Close()
	}
}

// serve is the accept loop shared by the stream listeners.
func serve(ln net.Listener, id string, end *uint32, limiter *rate.Limiter, log *slog.Logger, establish EstablishFn) {
	for {
		if atomic.LoadUint32(end) == 1 {
			return
		}

		conn, err := ln.Accept()
		if err != nil {
			return
		}

		if atomic.LoadUint32(end) == 1 {
			_ = conn.Close()
			return
		}

		if !admit(limiter, conn, id, log) {
			continue
		}

		go func() {
			if err := establish(id, conn); err != nil {
				log.Warn("failed to establish connection", "listener", id, "error", err)
			}
		}()
	}
}
