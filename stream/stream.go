// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2023 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

// Package stream provides the non-blocking duplex byte streams and the
// readiness event sources which the transport event loop pumps.
package stream

import (
	"errors"
	"strings"
	"time"
)

// Event is a bitmask of stream readiness conditions.
type Event uint8

const (
	Readable Event = 1 << iota // bytes are available to read
	Writable                   // the stream can accept a write without blocking
	Errored                    // the stream has failed or the peer has gone away
)

// Has returns true if all bits of o are set in e.
func (e Event) Has(o Event) bool {
	return e&o == o
}

// String returns a readable name for the event mask.
func (e Event) String() string {
	var parts []string
	if e.Has(Readable) {
		parts = append(parts, "readable")
	}
	if e.Has(Writable) {
		parts = append(parts, "writable")
	}
	if e.Has(Errored) {
		parts = append(parts, "errored")
	}
	if len(parts) == 0 {
		return "none"
	}
	return strings.Join(parts, "|")
}

var (
	ErrClosed        = errors.New("stream closed")
	ErrUnsupported   = errors.New("stream type not supported by this event source")
	ErrNotSubscribed = errors.New("stream is not subscribed")
	ErrSubscribed    = errors.New("stream is already subscribed")
)

// Stream is a non-blocking duplex byte stream. Read returns 0, nil when no
// bytes are currently available. Write accepts all of p or fails; bytes which
// cannot be sent immediately are buffered by the stream and Writable reports
// false until they have drained.
type Stream interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	Writable() bool
	Close() error
}

// Buffered is implemented by streams which can report unread bytes held in
// user space.
type Buffered interface {
	Buffered() int
}

// Handler is called by a Source on the polling goroutine when a subscribed
// stream becomes ready.
type Handler func(s Stream, ev Event, err error)

// Source is a readiness event source. Subscribed streams are reported to
// their handlers from within Poll.
type Source interface {
	Subscribe(s Stream, mask Event, h Handler) error
	Modify(s Stream, mask Event) error
	Unsubscribe(s Stream) error
	Poll(timeout time.Duration) (int, error)
	Close() error
}

// Notifier receives readiness notifications from streams which detect
// readiness themselves, such as Conn and Mock.
type Notifier interface {
	Notify(s Stream, ev Event, err error)
}

// Notifying is a Stream which pushes its readiness to a Notifier.
type Notifying interface {
	Stream
	SetNotifier(n Notifier)
}
