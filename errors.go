// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2023 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

package transport

import (
	"errors"

	"github.com/mochi-mqtt/transport/packets"
)

var (
	// ErrNotConnected indicates an operation addressed a session key which is not registered.
	ErrNotConnected = errors.New("no remote connection has been established")

	// ErrDuplicateKey indicates a session was added under a key already in use.
	ErrDuplicateKey = errors.New("session key already exists")

	// ErrMalformedHeader indicates a fixed header whose remaining length did not terminate.
	ErrMalformedHeader = packets.ErrMalformedHeader

	// ErrDecoding wraps any failure of the codec to decode a complete frame.
	ErrDecoding = errors.New("error deserializing message from network buffer, buffer may be corrupt")

	// ErrStream wraps errors reported by the underlying byte stream.
	ErrStream = errors.New("stream error")

	// ErrStreamDisposed is given to a pending write when its session is torn down.
	ErrStreamDisposed = errors.New("stream disposed")

	// ErrWriteInFlight indicates a write was attempted while another was still scheduled.
	ErrWriteInFlight = errors.New("write already in flight")

	// ErrPartialHeader indicates the stream ran dry partway through a fixed header.
	ErrPartialHeader = errors.New("could not read header, aborting")

	// ErrRejectPacket may be returned by an OnPacketRead hook to drop a packet.
	// The message callback receives it in place of the packet.
	ErrRejectPacket = errors.New("packet rejected")

	// ErrNotServing indicates the event loop is not running, either before
	// Serve or after Close.
	ErrNotServing = errors.New("event loop not running")

	// ErrListenerIDExists indicates a listener with the same id is already attached.
	ErrListenerIDExists = errors.New("listener id already exists")

	// ErrConnectionRejected wraps the error of an OnConnect hook which refused a connection.
	ErrConnectionRejected = errors.New("connection rejected by hook")

	// ErrInvalidConfigType indicates a hook was initialised with a config of the wrong type.
	ErrInvalidConfigType = errors.New("invalid config type provided")
)

// DisconnectReason describes why a session left the registry.
type DisconnectReason byte

const (
	ReasonDisconnected DisconnectReason = iota
	ReasonKeepAliveExpired
	ReasonStreamFailed
	ReasonEvicted // replaced by a newer session with the same client id
	ReasonShutdown
)

var reasonNames = map[DisconnectReason]string{
	ReasonDisconnected:     "disconnected",
	ReasonKeepAliveExpired: "keep alive time expired",
	ReasonStreamFailed:     "stream failed",
	ReasonEvicted:          "evicted",
	ReasonShutdown:         "shutdown",
}

// String returns a readable name for the reason.
func (r DisconnectReason) String() string {
	if n, ok := reasonNames[r]; ok {
		return n
	}
	return "unknown"
}
