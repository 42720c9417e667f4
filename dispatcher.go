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
	"github.com/mochi-mqtt/transport/system"
)

// MessageEvent is delivered for every frame read from a session, whether or
// not it decoded.
type MessageEvent struct {
	ClientID string         // the session key at the time the frame was decoded
	Session  *Session       // the session the frame was read from
	Packet   packets.Packet // the decoded packet, nil if Err is set
	Err      error          // ErrDecoding, ErrMalformedHeader or ErrRejectPacket wrapped failures
}

// MessageFn receives decoded messages.
type MessageFn func(ev MessageEvent)

// Dispatcher decodes frames off the event loop. Frames from one session are
// decoded in order on a single fan pool column; sessions run in parallel.
type Dispatcher struct {
	pool    *FanPool
	codec   packets.Codec
	log     *slog.Logger
	hooks   *Hooks
	info    *system.Info
	mu      sync.RWMutex
	handler MessageFn
}

// NewDispatcher returns a dispatcher with workers decode columns.
func NewDispatcher(workers uint64, codec packets.Codec, log *slog.Logger, hooks *Hooks, info *system.Info) *Dispatcher {
	d := &Dispatcher{
		pool:  NewFanPool(workers),
		codec: codec,
		log:   log,
		hooks: hooks,
		info:  info,
	}

	d.pool.SetOnPanic(func(v any) {
		log.Error("fan pool task panicked", "panic", v)
	})

	return d
}

// OnMessage sets the callback which receives every message event.
func (d *Dispatcher) OnMessage(fn MessageFn) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handler = fn
}

func (d *Dispatcher) deliver(ev MessageEvent) {
	d.mu.RLock()
	fn := d.handler
	d.mu.RUnlock()
	if fn == nil {
		return
	}

	defer func() {
		if r := recover(); r != nil {
			d.log.Error("message handler panicked", "category", "socket", "client", ev.ClientID, "panic", r)
		}
	}()

	fn(ev)
}

// Dispatch queues frame for decoding and delivery.
func (d *Dispatcher) Dispatch(sess *Session, frame []byte) {
	ok := d.pool.Enqueue(sess.ID(), func() {
		defer d.recoverTask(sess)

		pk, err := d.decode(frame)
		if err != nil {
			atomic.AddInt64(&d.info.DecodeErrors, 1)
			d.log.Warn("error deserializing message from network buffer, buffer may be corrupt",
				"category", "socket", "client", sess.Key(), "error", err)
			d.hooks.OnDecodeError(sess, err)
			d.deliver(MessageEvent{ClientID: sess.Key(), Session: sess, Err: err})
			return
		}

		pk, err = d.hooks.OnPacketRead(sess, pk)
		if err != nil {
			d.log.Debug("packet rejected by hook", "category", "socket", "client", sess.Key(), "error", err)
			d.deliver(MessageEvent{ClientID: sess.Key(), Session: sess, Err: err})
			return
		}

		d.deliver(MessageEvent{ClientID: sess.Key(), Session: sess, Packet: pk})
	})

	if !ok {
		d.log.Debug("dropped frame, dispatcher closed", "category", "socket", "client", sess.Key())
	}
}

// DispatchError delivers a read failure, such as a malformed header, in order
// with the session's frames.
func (d *Dispatcher) DispatchError(sess *Session, err error) {
	d.pool.Enqueue(sess.ID(), func() {
		defer d.recoverTask(sess)
		d.hooks.OnDecodeError(sess, err)
		d.deliver(MessageEvent{ClientID: sess.Key(), Session: sess, Err: err})
	})
}

// recoverTask turns a panic anywhere in a dispatch task, hooks included, into
// an error event for the session.
func (d *Dispatcher) recoverTask(sess *Session) {
	r := recover()
	if r == nil {
		return
	}

	atomic.AddInt64(&d.info.DecodeErrors, 1)
	d.log.Error("dispatch task panicked", "category", "socket", "client", sess.Key(), "panic", r)
	d.deliver(MessageEvent{ClientID: sess.Key(), Session: sess, Err: fmt.Errorf("%w: panic: %v", ErrDecoding, r)})
}

func (d *Dispatcher) decode(frame []byte) (pk packets.Packet, err error) {
	defer func() {
		if r := recover(); r != nil {
			pk, err = nil, fmt.Errorf("%w: panic: %v", ErrDecoding, r)
		}
	}()

	pk, err = d.codec.Decode(frame)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDecoding, err)
	}

	return pk, nil
}

// Close stops accepting frames and waits for queued frames to be delivered.
func (d *Dispatcher) Close() {
	d.pool.Close()
	d.pool.Wait()
}
