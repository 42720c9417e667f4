// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

package packets

import (
	"bytes"
	"encoding/binary"
	"unicode/utf8"

	"github.com/mochi-mqtt/transport/mempool"
)

// ConnectPacket is a decoded CONNECT packet.
type ConnectPacket struct {
	FixedHeader
	ProtocolName    string
	ProtocolVersion byte
	CleanSession    bool
	Keepalive       uint16
	ClientID        string
	WillFlag        bool
	WillQos         byte
	WillRetain      bool
	WillTopic       string
	WillPayload     []byte
	UsernameFlag    bool
	Username        string
	PasswordFlag    bool
	Password        []byte
}

// ConnackPacket is a CONNACK packet.
type ConnackPacket struct {
	FixedHeader
	ProtocolVersion byte
	SessionPresent  bool
	ReasonCode      byte
}

// PublishPacket is a PUBLISH packet. Under MQTT v5 the payload also carries the
// publish properties, which the transport does not interpret.
type PublishPacket struct {
	FixedHeader
	TopicName string
	PacketID  uint16
	Payload   []byte
}

// Identifier returns the packet id.
func (pk *PublishPacket) Identifier() uint16 { return pk.PacketID }

// AckPacket is a PUBACK, PUBREC, PUBREL or PUBCOMP packet.
type AckPacket struct {
	FixedHeader
	PacketID   uint16
	ReasonCode byte
	Properties []byte // raw v5 properties following the reason code, if any
}

// Identifier returns the packet id.
func (pk *AckPacket) Identifier() uint16 { return pk.PacketID }

// RawPacket carries any other control packet. PacketID is populated for
// types which begin their variable header with one.
type RawPacket struct {
	FixedHeader
	PacketID uint16
	Payload  []byte
}

// Identifier returns the packet id, or zero if the type does not carry one.
func (pk *RawPacket) Identifier() uint16 { return pk.PacketID }

// DefaultCodec decodes and encodes the packets above.
type DefaultCodec struct{}

// Decode decodes a complete frame into a packet.
func (DefaultCodec) Decode(frame []byte) (Packet, error) {
	fh, n, err := ParseHeader(frame)
	if err != nil {
		return nil, err
	}

	if n+fh.Remaining != len(frame) {
		return nil, ErrFrameLength
	}

	if err := fh.Validate(); err != nil {
		return nil, err
	}

	body := frame[n:]
	switch fh.Type {
	case Connect:
		pk := &ConnectPacket{FixedHeader: fh}
		return pk, pk.decode(body)
	case Connack:
		pk := &ConnackPacket{FixedHeader: fh}
		return pk, pk.decode(body)
	case Publish:
		pk := &PublishPacket{FixedHeader: fh}
		return pk, pk.decode(body)
	case Puback, Pubrec, Pubrel, Pubcomp:
		pk := &AckPacket{FixedHeader: fh}
		return pk, pk.decode(body)
	default:
		pk := &RawPacket{FixedHeader: fh, Payload: body}
		if hasPacketID(fh.Type) {
			id, next, err := decodeUint16(body, 0)
			if err != nil {
				return pk, ErrMalformedPacketID
			}
			pk.PacketID = id
			pk.Payload = body[next:]
		}
		return pk, nil
	}
}

// Encode encodes a packet into a new frame, computing the remaining length.
func (DefaultCodec) Encode(pk Packet) ([]byte, error) {
	body := mempool.GetBuffer()
	defer mempool.PutBuffer(body)

	var fh FixedHeader
	switch p := pk.(type) {
	case *ConnectPacket:
		fh = p.FixedHeader
		p.encode(body)
	case *ConnackPacket:
		fh = p.FixedHeader
		p.encode(body)
	case *PublishPacket:
		fh = p.FixedHeader
		if err := p.encode(body); err != nil {
			return nil, err
		}
	case *AckPacket:
		fh = p.FixedHeader
		p.encode(body)
	case *RawPacket:
		fh = p.FixedHeader
		if hasPacketID(fh.Type) {
			body.Write(encodeUint16(p.PacketID))
		}
		body.Write(p.Payload)
	default:
		return nil, ErrUnsupportedPacket
	}

	if body.Len() > MaxRemainingLength {
		return nil, ErrOversizedPacket
	}

	fh.Remaining = body.Len()
	out := bytes.NewBuffer(make([]byte, 0, body.Len()+1+maxLengthBytes))
	fh.Encode(out)
	out.Write(body.Bytes())
	return out.Bytes(), nil
}

func (pk *ConnectPacket) decode(buf []byte) error {
	var err error
	var offset int

	pk.ProtocolName, offset, err = decodeString(buf, 0)
	if err != nil {
		return ErrMalformedProtocol
	}

	pk.ProtocolVersion, offset, err = decodeByte(buf, offset)
	if err != nil {
		return ErrMalformedVersion
	}

	switch {
	case pk.ProtocolName == "MQIsdp" && pk.ProtocolVersion == Version31:
	case pk.ProtocolName == "MQTT" && (pk.ProtocolVersion == Version311 || pk.ProtocolVersion == Version5):
	default:
		return ErrMalformedVersion
	}

	flags, offset, err := decodeByte(buf, offset)
	if err != nil || flags&0x01 > 0 { // [MQTT-3.1.2-3]
		return ErrMalformedFlags
	}

	pk.CleanSession = flags&0x02 > 0
	pk.WillFlag = flags&0x04 > 0
	pk.WillQos = (flags >> 3) & 0x03
	pk.WillRetain = flags&0x20 > 0
	pk.PasswordFlag = flags&0x40 > 0
	pk.UsernameFlag = flags&0x80 > 0

	pk.Keepalive, offset, err = decodeUint16(buf, offset)
	if err != nil {
		return ErrMalformedKeepalive
	}

	if pk.ProtocolVersion == Version5 {
		offset, err = skipProperties(buf, offset)
		if err != nil {
			return err
		}
	}

	pk.ClientID, offset, err = decodeString(buf, offset)
	if err != nil {
		return ErrMalformedClientID
	}

	if pk.WillFlag {
		if pk.ProtocolVersion == Version5 {
			offset, err = skipProperties(buf, offset)
			if err != nil {
				return err
			}
		}

		pk.WillTopic, offset, err = decodeString(buf, offset)
		if err != nil {
			return ErrMalformedWill
		}

		pk.WillPayload, offset, err = decodeBytes(buf, offset)
		if err != nil {
			return ErrMalformedWill
		}
	}

	if pk.UsernameFlag {
		pk.Username, offset, err = decodeString(buf, offset)
		if err != nil {
			return ErrMalformedCredentials
		}
	}

	if pk.PasswordFlag {
		pk.Password, _, err = decodeBytes(buf, offset)
		if err != nil {
			return ErrMalformedCredentials
		}
	}

	return nil
}

func (pk *ConnectPacket) encode(buf *bytes.Buffer) {
	name, version := pk.ProtocolName, pk.ProtocolVersion
	if version == 0 {
		version = Version311
	}
	if name == "" {
		name = "MQTT"
		if version == Version31 {
			name = "MQIsdp"
		}
	}

	buf.Write(encodeString(name))
	buf.WriteByte(version)
	buf.WriteByte(encodeBool(pk.CleanSession)<<1 | encodeBool(pk.WillFlag)<<2 | pk.WillQos<<3 |
		encodeBool(pk.WillRetain)<<5 | encodeBool(pk.PasswordFlag)<<6 | encodeBool(pk.UsernameFlag)<<7)
	buf.Write(encodeUint16(pk.Keepalive))
	if version == Version5 {
		buf.WriteByte(0)
	}

	buf.Write(encodeString(pk.ClientID))
	if pk.WillFlag {
		if version == Version5 {
			buf.WriteByte(0)
		}
		buf.Write(encodeString(pk.WillTopic))
		buf.Write(encodeBytes(pk.WillPayload))
	}

	if pk.UsernameFlag {
		buf.Write(encodeString(pk.Username))
	}

	if pk.PasswordFlag {
		buf.Write(encodeBytes(pk.Password))
	}
}

func (pk *ConnackPacket) decode(buf []byte) error {
	var err error
	var present byte
	var offset int

	present, offset, err = decodeByte(buf, 0)
	if err != nil || present > 1 {
		return ErrMalformedFlags
	}
	pk.SessionPresent = present == 1

	pk.ReasonCode, offset, err = decodeByte(buf, offset)
	if err != nil {
		return ErrMalformedReasonCode
	}

	if len(buf) > offset {
		pk.ProtocolVersion = Version5
	}

	return nil
}

func (pk *ConnackPacket) encode(buf *bytes.Buffer) {
	buf.WriteByte(encodeBool(pk.SessionPresent))
	buf.WriteByte(pk.ReasonCode)
	if pk.ProtocolVersion == Version5 {
		buf.WriteByte(0)
	}
}

func (pk *PublishPacket) decode(buf []byte) error {
	var err error
	var offset int

	pk.TopicName, offset, err = decodeString(buf, 0)
	if err != nil {
		return ErrMalformedTopic
	}

	if pk.Qos() > 0 {
		pk.PacketID, offset, err = decodeUint16(buf, offset)
		if err != nil || pk.PacketID == 0 {
			return ErrMalformedPacketID
		}
	}

	pk.Payload = buf[offset:]
	return nil
}

func (pk *PublishPacket) encode(buf *bytes.Buffer) error {
	if pk.Qos() > 0 && pk.PacketID == 0 {
		return ErrMalformedPacketID
	}

	buf.Write(encodeString(pk.TopicName))
	if pk.Qos() > 0 {
		buf.Write(encodeUint16(pk.PacketID))
	}
	buf.Write(pk.Payload)
	return nil
}

func (pk *AckPacket) decode(buf []byte) error {
	var err error
	var offset int

	pk.PacketID, offset, err = decodeUint16(buf, 0)
	if err != nil {
		return ErrMalformedPacketID
	}

	if len(buf) > offset {
		pk.ReasonCode, offset, _ = decodeByte(buf, offset)
		pk.Properties = buf[offset:]
	}

	return nil
}

func (pk *AckPacket) encode(buf *bytes.Buffer) {
	buf.Write(encodeUint16(pk.PacketID))
	if pk.ReasonCode > 0 || len(pk.Properties) > 0 {
		buf.WriteByte(pk.ReasonCode)
		buf.Write(pk.Properties)
	}
}

// skipProperties steps over a v5 property block, which is prefixed by its
// varint encoded length.
func skipProperties(buf []byte, offset int) (int, error) {
	n, size, err := decodeLength(buf, offset)
	if err != nil || offset+size+n > len(buf) {
		return 0, ErrMalformedProperties
	}

	return offset + size + n, nil
}

// decodeLength decodes a variable byte integer beginning at offset, returning
// the value and the number of bytes it occupied.
func decodeLength(buf []byte, offset int) (int, int, error) {
	var value, multiplier int = 0, 1
	for i := 0; i < maxLengthBytes; i++ {
		if offset+i >= len(buf) {
			return 0, 0, ErrMalformedOffset
		}

		b := buf[offset+i]
		value += int(b&0x7f) * multiplier
		if b&0x80 == 0 {
			return value, i + 1, nil
		}
		multiplier *= 128
	}

	return 0, 0, ErrMalformedHeader
}

func decodeByte(buf []byte, offset int) (byte, int, error) {
	if len(buf) <= offset {
		return 0, 0, ErrMalformedOffset
	}
	return buf[offset], offset + 1, nil
}

func decodeUint16(buf []byte, offset int) (uint16, int, error) {
	if len(buf) < offset+2 {
		return 0, 0, ErrMalformedOffset
	}
	return binary.BigEndian.Uint16(buf[offset : offset+2]), offset + 2, nil
}

func decodeBytes(buf []byte, offset int) ([]byte, int, error) {
	length, next, err := decodeUint16(buf, offset)
	if err != nil {
		return nil, 0, err
	}

	if next+int(length) > len(buf) {
		return nil, 0, ErrMalformedOffset
	}

	return buf[next : next+int(length)], next + int(length), nil
}

func decodeString(buf []byte, offset int) (string, int, error) {
	b, n, err := decodeBytes(buf, offset)
	if err != nil {
		return "", 0, err
	}

	if !utf8.Valid(b) || bytes.IndexByte(b, 0x00) != -1 { // [MQTT-1.5.4-1] [MQTT-1.5.4-2]
		return "", 0, ErrMalformedUTF8
	}

	return string(b), n, nil
}

func encodeBool(b bool) byte {
	if b {
		return 1
	}
	return 0
}

func encodeUint16(v uint16) []byte {
	return []byte{byte(v >> 8), byte(v)}
}

func encodeBytes(b []byte) []byte {
	return append(encodeUint16(uint16(len(b))), b...)
}

func encodeString(s string) []byte {
	return encodeBytes([]byte(s))
}
