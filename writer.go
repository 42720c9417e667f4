// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2023 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

package transport

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/mochi-mqtt/transport/packets"
	"github.com/mochi-mqtt/transport/stream"
	"github.com/mochi-mqtt/transport/system"
)

// WriteFn is called exactly once with the outcome of a write.
type WriteFn func(err error)

func once(fn WriteFn) WriteFn {
	var o sync.Once
	return func(err error) {
		o.Do(func() {
			if fn != nil {
				fn(err)
			}
		})
	}
}

// WriteScheduler writes encoded packets to sessions, one in flight per
// session. A write to a stream which is not writable is held in the session's
// pending slot until the event loop reports the stream writable.
type WriteScheduler struct {
	sessions *Registry
	codec    packets.Codec
	log      *slog.Logger
	hooks    *Hooks
	info     *system.Info
}

// NewWriteScheduler returns a new write scheduler.
func NewWriteScheduler(sessions *Registry, codec packets.Codec, log *slog.Logger, hooks *Hooks, info *system.Info) *WriteScheduler {
	return &WriteScheduler{
		sessions: sessions,
		codec:    codec,
		log:      log,
		hooks:    hooks,
		info:     info,
	}
}

// Write encodes pk and writes it to the session registered under id. done is
// called exactly once, either on the calling goroutine or, for a deferred
// write, on the event loop goroutine.
func (ws *WriteScheduler) Write(id string, pk packets.Packet, done WriteFn) {
	done = once(done)

	sess, ok := ws.sessions.Get(id)
	if !ok {
		done(ErrNotConnected)
		return
	}

	frame, err := ws.codec.Encode(pk)
	if err != nil {
		done(fmt.Errorf("encoding %s: %w", packets.TypeName(pk.PacketType()), err))
		return
	}

	sess.mu.Lock()
	if sess.disposed {
		sess.mu.Unlock()
		done(ErrStreamDisposed)
		return
	}

	if sess.state == writeScheduled {
		sess.mu.Unlock()
		done(ErrWriteInFlight)
		return
	}

	if sess.Stream.Writable() {
		_, err := sess.Stream.Write(frame)
		sess.mu.Unlock()
		ws.complete(sess, pk, frame, err, done)
		return
	}

	sess.state = writeScheduled
	sess.pending = &pendingWrite{pk: pk, frame: frame, done: done}
	sess.mask |= stream.Writable
	mask := sess.mask
	sess.mu.Unlock()

	ws.log.Debug("write deferred until stream is writable", "category", "socket", "client", sess.Key())

	if sess.source == nil {
		return
	}

	if err := sess.source.Modify(sess.Stream, mask); err != nil {
		if p := sess.takePending(); p != nil {
			p.done(fmt.Errorf("%w: %w", ErrStream, err))
		}
	}
}

// Flush performs a deferred write once the session's stream is writable. It
// is called from the event loop on a writable event.
func (ws *WriteScheduler) Flush(sess *Session) {
	sess.mu.Lock()
	p := sess.pending
	if p == nil || sess.disposed || !sess.Stream.Writable() {
		sess.mu.Unlock()
		return
	}

	_, err := sess.Stream.Write(p.frame)
	sess.pending = nil
	sess.state = writeIdle
	sess.mask &^= stream.Writable
	mask := sess.mask
	sess.mu.Unlock()

	if sess.source != nil {
		_ = sess.source.Modify(sess.Stream, mask)
	}

	ws.complete(sess, p.pk, p.frame, err, p.done)
}

// Fail completes any pending write on sess with err.
func (ws *WriteScheduler) Fail(sess *Session, err error) {
	if p := sess.takePending(); p != nil {
		p.done(err)
	}
}

func (ws *WriteScheduler) complete(sess *Session, pk packets.Packet, frame []byte, err error, done WriteFn) {
	if err != nil {
		ws.log.Debug("failed to write packet", "category", "socket", "client", sess.Key(), "error", err)
		done(fmt.Errorf("%w: %w", ErrStream, err))
		return
	}

	atomic.AddInt64(&ws.info.BytesSent, int64(len(frame)))
	atomic.AddInt64(&ws.info.PacketsSent, 1)

	var id uint16
	if ip, ok := pk.(packets.Identified); ok {
		id = ip.Identifier()
	}

	ws.log.Debug("sent packet", "category", "socket", "client", sess.Key(), "type", packets.TypeName(pk.PacketType()), "id", id)
	ws.hooks.OnPacketSent(sess, pk, frame)
	done(nil)
}
