// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

package packets

import (
	"bytes"
)

// MaxRemainingLength is the largest remaining length a four byte varint can carry.
const MaxRemainingLength = 268435455

// FixedHeader contains the values of the fixed header portion of the MQTT packet.
type FixedHeader struct {
	Type      byte // the type of the packet (PUBLISH, SUBSCRIBE, etc) from bits 7 - 4 (byte 1)
	Flags     byte // the low nibble of byte 1
	Remaining int  // the number of remaining bytes in the payload
}

// PacketType returns the packet type, satisfying Packet for embedding structs.
func (fh FixedHeader) PacketType() byte {
	return fh.Type
}

// Dup indicates if a PUBLISH packet is a duplicate.
func (fh FixedHeader) Dup() bool {
	return fh.Flags&0x08 > 0
}

// Qos returns the quality of service bits of a PUBLISH packet.
func (fh FixedHeader) Qos() byte {
	return (fh.Flags >> 1) & 0x03
}

// Retain indicates whether a PUBLISH message should be retained.
func (fh FixedHeader) Retain() bool {
	return fh.Flags&0x01 > 0
}

// Encode writes the fixed header bytes to buf.
func (fh FixedHeader) Encode(buf *bytes.Buffer) {
	buf.WriteByte(fh.Type<<4 | fh.Flags&0x0f)
	encodeLength(buf, fh.Remaining)
}

// Decode extracts the type and flag bits from the first header byte.
func (fh *FixedHeader) Decode(headerByte byte) error {
	fh.Type = headerByte >> 4
	fh.Flags = headerByte & 0x0f
	return fh.Validate()
}

// Validate checks the type is known and the reserved flag bits are set as
// required for the type [MQTT-2.2.2-1].
func (fh FixedHeader) Validate() error {
	if fh.Type == Reserved {
		return ErrInvalidType
	}

	switch fh.Type {
	case Publish:
		if fh.Qos() > 2 {
			return ErrInvalidFlags
		}
	case Pubrel, Subscribe, Unsubscribe:
		if fh.Flags != 0x02 {
			return ErrInvalidFlags
		}
	default:
		if fh.Flags != 0 {
			return ErrInvalidFlags
		}
	}

	return nil
}

// encodeLength writes length bits for the header.
func encodeLength(buf *bytes.Buffer, length int) {
	for {
		digit := byte(length % 128)
		length /= 128
		if length > 0 {
			digit |= 0x80
		}
		buf.WriteByte(digit)
		if length == 0 {
			break
		}
	}
}
