// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

// Package packets contains the MQTT fixed header parser and a small codec for
// the control packets the transport layer needs to recognise.
package packets

// All of the valid packet types and their packet identifier.
const (
	Reserved    byte = iota
	Connect          // 1
	Connack          // 2
	Publish          // 3
	Puback           // 4
	Pubrec           // 5
	Pubrel           // 6
	Pubcomp          // 7
	Subscribe        // 8
	Suback           // 9
	Unsubscribe      // 10
	Unsuback         // 11
	Pingreq          // 12
	Pingresp         // 13
	Disconnect       // 14
	Auth             // 15
)

// Names is a map that provides human-readable names for the different
// MQTT packet types based on their ids.
var Names = map[byte]string{
	0:  "RESERVED",
	1:  "CONNECT",
	2:  "CONNACK",
	3:  "PUBLISH",
	4:  "PUBACK",
	5:  "PUBREC",
	6:  "PUBREL",
	7:  "PUBCOMP",
	8:  "SUBSCRIBE",
	9:  "SUBACK",
	10: "UNSUBSCRIBE",
	11: "UNSUBACK",
	12: "PINGREQ",
	13: "PINGRESP",
	14: "DISCONNECT",
	15: "AUTH",
}

// Protocol versions recognised in CONNECT packets.
const (
	Version31  byte = 3
	Version311 byte = 4
	Version5   byte = 5
)

// Packet is implemented by every decoded control packet.
type Packet interface {
	PacketType() byte
}

// Identified is a packet which carries a packet identifier.
type Identified interface {
	Packet
	Identifier() uint16
}

// Codec converts between complete wire frames and packets. Decode receives the
// whole frame, fixed header included.
type Codec interface {
	Encode(pk Packet) ([]byte, error)
	Decode(frame []byte) (Packet, error)
}

// TypeName returns the human-readable name of a packet type.
func TypeName(t byte) string {
	if n, ok := Names[t]; ok {
		return n
	}
	return "UNKNOWN"
}

// hasPacketID indicates whether the variable header of a packet type begins
// with a packet identifier. PUBLISH is handled separately as its id depends on qos.
func hasPacketID(t byte) bool {
	switch t {
	case Puback, Pubrec, Pubrel, Pubcomp, Subscribe, Suback, Unsubscribe, Unsuback:
		return true
	}
	return false
}
