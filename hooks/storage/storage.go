// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

// Package storage defines the records written by the session ledger hooks.
package storage

import (
	"encoding/json"
	"errors"
)

const (
	SessionKey = "SES" // unique key to denote sessions in a store
	SysInfoKey = "SYS" // unique key to denote worker system information in a store
)

var (
	// ErrDBFileNotOpen indicates that the file database (e.g. bolt/badger) wasn't open for reading.
	ErrDBFileNotOpen = errors.New("db file not open")
)

// Serializable is an interface for objects that can be serialized and deserialized.
type Serializable interface {
	UnmarshalBinary([]byte) error
	MarshalBinary() (data []byte, err error)
}

// Session is a storable record of a promoted session: which client is
// connected, and where.
type Session struct {
	ID          string `json:"id"`          // the client id / storage key
	T           string `json:"t"`           // the data type (session)
	Listener    string `json:"listener"`    // the listener the session connected on
	Remote      string `json:"remote"`      // the remote address of the session
	Port        int    `json:"port"`        // the local port the session connected on
	Encryption  string `json:"encryption"`  // the negotiated encryption level
	KeepAlive   int64  `json:"keepAlive"`   // the keep-alive watchdog period in milliseconds
	ConnectedAt int64  `json:"connectedAt"` // unix time the session connected
}

// MarshalBinary encodes the values into a json string.
func (d Session) MarshalBinary() (data []byte, err error) {
	return json.Marshal(d)
}

// UnmarshalBinary decodes a json string into a struct.
func (d *Session) UnmarshalBinary(data []byte) error {
	if len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, d)
}

// SystemInfo is a storable snapshot of the worker counters.
type SystemInfo struct {
	ID               string `json:"id"` // the storage key
	T                string `json:"t"`  // the data type (info)
	Version          string `json:"version"`
	Started          int64  `json:"started"`
	BytesReceived    int64  `json:"bytesReceived"`
	BytesSent        int64  `json:"bytesSent"`
	ClientsConnected int64  `json:"clientsConnected"`
	PacketsReceived  int64  `json:"packetsReceived"`
	PacketsSent      int64  `json:"packetsSent"`
}

// MarshalBinary encodes the values into a json string.
func (d SystemInfo) MarshalBinary() (data []byte, err error) {
	return json.Marshal(d)
}

// UnmarshalBinary decodes a json string into a struct.
func (d *SystemInfo) UnmarshalBinary(data []byte) error {
	if len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, d)
}
