// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2023 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

package transport

import (
	"crypto/tls"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/jinzhu/copier"

	"github.com/mochi-mqtt/transport/hooks/storage"
	"github.com/mochi-mqtt/transport/packets"
	"github.com/mochi-mqtt/transport/stream"
)

// EncryptionLevel is the security level negotiated for a connection.
type EncryptionLevel byte

const (
	EncryptionNone EncryptionLevel = iota
	EncryptionSSL
	EncryptionTLS10
	EncryptionTLS11
	EncryptionTLS12
	EncryptionTLS13
)

var encryptionNames = map[EncryptionLevel]string{
	EncryptionNone:  "none",
	EncryptionSSL:   "ssl3",
	EncryptionTLS10: "tls1.0",
	EncryptionTLS11: "tls1.1",
	EncryptionTLS12: "tls1.2",
	EncryptionTLS13: "tls1.3",
}

// String returns a readable name for the level.
func (e EncryptionLevel) String() string {
	if n, ok := encryptionNames[e]; ok {
		return n
	}
	return "unknown"
}

// EncryptionFromTLS maps a negotiated tls version to an encryption level.
func EncryptionFromTLS(version uint16) EncryptionLevel {
	switch version {
	case 0x0300:
		return EncryptionSSL
	case tls.VersionTLS10:
		return EncryptionTLS10
	case tls.VersionTLS11:
		return EncryptionTLS11
	case tls.VersionTLS12:
		return EncryptionTLS12
	case tls.VersionTLS13:
		return EncryptionTLS13
	default:
		return EncryptionNone
	}
}

type writeState byte

const (
	writeIdle writeState = iota
	writeScheduled
)

type pendingWrite struct {
	pk    packets.Packet
	frame []byte
	done  func(error)
}

// Session is the registry entry for one connected peer.
type Session struct {
	Stream      stream.Stream   // the duplex byte stream, owned and closed by the session
	Port        int             // the local port the connection was accepted on
	Encryption  EncryptionLevel // the negotiated security level
	Listener    string          // the id of the listener which accepted the connection
	Remote      string          // the remote address of the connection
	ConnectedAt int64           // unix time the connection was registered

	id       string
	key      atomic.Value
	deadline atomic.Int64
	frames   *FrameReader
	source   stream.Source

	mu       sync.Mutex // guards the fields below
	watchdog *watchdog
	mask     stream.Event
	state    writeState
	pending  *pendingWrite
	disposed bool

	disposeOnce sync.Once
}

// NewSession returns a session keyed by key. The key doubles as the session's
// immutable id, which pins its frames to one dispatcher column for life.
func NewSession(key string, st stream.Stream, port int, enc EncryptionLevel) *Session {
	s := &Session{
		Stream:      st,
		Port:        port,
		Encryption:  enc,
		ConnectedAt: time.Now().Unix(),
		id:          key,
		frames:      new(FrameReader),
	}
	s.key.Store(key)

	return s
}

// ID returns the immutable id assigned when the session was created.
func (s *Session) ID() string {
	return s.id
}

// Key returns the current registry key of the session.
func (s *Session) Key() string {
	return s.key.Load().(string)
}

func (s *Session) setKey(key string) {
	s.key.Store(key)
}

// Deadline returns the keep-alive watchdog period, or 0 if none is enforced.
func (s *Session) Deadline() time.Duration {
	return time.Duration(s.deadline.Load())
}

// IsEncrypted returns true if the connection negotiated any security level.
func (s *Session) IsEncrypted() bool {
	return s.Encryption != EncryptionNone
}

// Disposed returns true once the session has been torn down.
func (s *Session) Disposed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.disposed
}

// Record returns a storable snapshot of the session.
func (s *Session) Record() (storage.Session, error) {
	var rec storage.Session
	if err := copier.Copy(&rec, s); err != nil {
		return rec, fmt.Errorf("session record: %w", err)
	}

	rec.ID = s.Key()
	rec.T = storage.SessionKey
	rec.Encryption = s.Encryption.String()
	rec.KeepAlive = s.Deadline().Milliseconds()
	return rec, nil
}

// startWatchdog arms a periodic watchdog, replacing any running one.
func (s *Session) startWatchdog(c clock.Clock, period time.Duration, expire func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.disposed {
		return
	}

	if s.watchdog != nil {
		s.watchdog.stop()
	}

	s.deadline.Store(int64(period))
	s.watchdog = newWatchdog(c, period, expire)
	s.watchdog.start()
}

// resetWatchdog restarts the watchdog period from now.
func (s *Session) resetWatchdog() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.watchdog != nil {
		s.watchdog.reset()
	}
}

// takePending removes and returns the pending write, returning the session to idle.
func (s *Session) takePending() *pendingWrite {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := s.pending
	s.pending = nil
	s.state = writeIdle
	return p
}

// Dispose tears the session down exactly once: the watchdog is stopped, the
// stream is unsubscribed from its source, any pending write is failed with
// ErrStreamDisposed and the stream is closed. It returns true for the call
// which performed the teardown.
func (s *Session) Dispose() bool {
	var disposed bool
	s.disposeOnce.Do(func() {
		disposed = true

		s.mu.Lock()
		s.disposed = true
		wd := s.watchdog
		s.watchdog = nil
		p := s.pending
		s.pending = nil
		s.state = writeIdle
		s.mu.Unlock()

		if wd != nil {
			wd.stop()
		}

		if s.source != nil {
			_ = s.source.Unsubscribe(s.Stream)
		}

		if p != nil {
			p.done(ErrStreamDisposed)
		}

		if s.Stream != nil {
			_ = s.Stream.Close()
		}
	})

	return disposed
}
