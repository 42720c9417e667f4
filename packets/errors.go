// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

package packets

import "errors"

var (
	// ErrMalformedHeader indicates a remaining length which did not terminate within four bytes.
	ErrMalformedHeader = errors.New("malformed fixed header: remaining length exceeds four bytes")

	ErrHeaderComplete       = errors.New("fixed header already complete")
	ErrHeaderIncomplete     = errors.New("fixed header incomplete")
	ErrInvalidFlags         = errors.New("invalid flags set for packet")
	ErrInvalidType          = errors.New("invalid packet type")
	ErrFrameLength          = errors.New("frame length does not match remaining length")
	ErrOversizedPacket      = errors.New("packet exceeds maximum remaining length")
	ErrUnsupportedPacket    = errors.New("unsupported packet for encoding")
	ErrMalformedProtocol    = errors.New("malformed packet: protocol name")
	ErrMalformedVersion     = errors.New("malformed packet: protocol version")
	ErrMalformedFlags       = errors.New("malformed packet: flags")
	ErrMalformedKeepalive   = errors.New("malformed packet: keepalive")
	ErrMalformedClientID    = errors.New("malformed packet: client id")
	ErrMalformedProperties  = errors.New("malformed packet: properties")
	ErrMalformedWill        = errors.New("malformed packet: will")
	ErrMalformedCredentials = errors.New("malformed packet: credentials")
	ErrMalformedTopic       = errors.New("malformed packet: topic name")
	ErrMalformedPacketID    = errors.New("malformed packet: packet id")
	ErrMalformedReasonCode  = errors.New("malformed packet: reason code")
	ErrMalformedOffset      = errors.New("malformed packet: offset out of range")
	ErrMalformedUTF8        = errors.New("malformed packet: invalid utf-8 string")
)
