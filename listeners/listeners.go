// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

// Package listeners accepts network connections of various kinds and hands
// them to the transport worker.
package listeners

import (
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"sync"

	"golang.org/x/time/rate"
)

const (
	TypeTCP         = "tcp"
	TypeWS          = "ws"
	TypeUnix        = "unix"
	TypeQUIC        = "quic"
	TypeHealthCheck = "healthcheck"
	TypeSysInfo     = "sysinfo"
	TypeMock        = "mock"
)

// Config contains configuration values for a listener.
type Config struct {
	Type        string      `yaml:"type" json:"type"`
	ID          string      `yaml:"id" json:"id"`
	Address     string      `yaml:"address" json:"address"`
	TLSCertFile string      `yaml:"tls_cert_file" json:"tls_cert_file"` // loaded into TLSConfig by the config package
	TLSKeyFile  string      `yaml:"tls_key_file" json:"tls_key_file"`
	AcceptRate  float64     `yaml:"accept_rate" json:"accept_rate"` // connections per second, 0 for unlimited
	AcceptBurst int         `yaml:"accept_burst" json:"accept_burst"`
	TLSConfig   *tls.Config `yaml:"-" json:"-"`
}

// LoadTLS populates TLSConfig from TLSCertFile and TLSKeyFile when both are
// set and no TLSConfig was given.
func (c *Config) LoadTLS() error {
	if c.TLSConfig != nil || c.TLSCertFile == "" || c.TLSKeyFile == "" {
		return nil
	}

	cert, err := tls.LoadX509KeyPair(c.TLSCertFile, c.TLSKeyFile)
	if err != nil {
		return fmt.Errorf("listener %s: %w", c.ID, err)
	}

	c.TLSConfig = &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}

	return nil
}

// EstablishFn is a callback function for establishing new connections.
type EstablishFn func(id string, c net.Conn) error

// CloseFn is a callback function for closing all listener sessions.
type CloseFn func(id string)

// Listener is an interface for network listeners. A network listener listens
// for incoming connections and hands them to the worker.
type Listener interface {
	Init(*slog.Logger) error // open the network address
	Serve(EstablishFn)       // starting actively listening for new connections
	ID() string              // return the id of the listener
	Address() string         // the address of the listener
	Protocol() string        // the protocol in use by the listener
	Close(CloseFn)           // stop and close the listener
}

// Listeners contains the network listeners for the worker.
type Listeners struct {
	ClientsWg sync.WaitGroup      // a waitgroup that waits for all listeners to finish serving
	internal  map[string]Listener // a map of active listeners
	sync.RWMutex
}

// New returns a new instance of Listeners.
func New() *Listeners {
	return &Listeners{
		internal: map[string]Listener{},
	}
}

// Add adds a new listener to the listeners map, keyed on id.
func (l *Listeners) Add(val Listener) {
	l.Lock()
	defer l.Unlock()
	l.internal[val.ID()] = val
}

// Get returns the value of a listener if it exists.
func (l *Listeners) Get(id string) (Listener, bool) {
	l.RLock()
	defer l.RUnlock()
	val, ok := l.internal[id]
	return val, ok
}

// Len returns the length of the listeners map.
func (l *Listeners) Len() int {
	l.RLock()
	defer l.RUnlock()
	return len(l.internal)
}

// Delete removes a listener from the internal map.
func (l *Listeners) Delete(id string) {
	l.Lock()
	defer l.Unlock()
	delete(l.internal, id)
}

// Serve starts a listener serving from the internal map.
func (l *Listeners) Serve(id string, establisher EstablishFn) {
	l.RLock()
	defer l.RUnlock()
	listener := l.internal[id]

	go func(e EstablishFn) {
		listener.Serve(e)
	}(establisher)
}

// ServeAll starts all listeners serving from the internal map.
func (l *Listeners) ServeAll(establisher EstablishFn) {
	l.RLock()
	i := 0
	ids := make([]string, len(l.internal))
	for id := range l.internal {
		ids[i] = id
		i++
	}
	l.RUnlock()

	for _, id := range ids {
		l.Serve(id, establisher)
	}
}

// Close stops a listener from the internal map.
func (l *Listeners) Close(id string, closer CloseFn) {
	l.RLock()
	defer l.RUnlock()
	if listener, ok := l.internal[id]; ok {
		listener.Close(closer)
	}
}

// CloseAll iterates and closes all registered listeners.
func (l *Listeners) CloseAll(closer CloseFn) {
	l.RLock()
	i := 0
	ids := make([]string, len(l.internal))
	for id := range l.internal {
		ids[i] = id
		i++
	}
	l.RUnlock()

	for _, id := range ids {
		l.Close(id, closer)
	}
	l.ClientsWg.Wait()
}

// newLimiter returns an accept rate limiter for the config, or nil if
// accepts are unlimited.
func newLimiter(config Config) *rate.Limiter {
	if config.AcceptRate <= 0 {
		return nil
	}

	burst := config.AcceptBurst
	if burst < 1 {
		burst = 1
	}

	return rate.NewLimiter(rate.Limit(config.AcceptRate), burst)
}

// admit returns false, closing c, if the limiter refuses the connection.
func admit(limiter *rate.Limiter, c net.Conn, id string, log *slog.Logger) bool {
	if limiter == nil || limiter.Allow() {
		return true
	}

	log.Warn("accept rate exceeded, dropping connection", "listener", id, "remote", c.RemoteAddr())
	_ = c.Close()
	return false
}
