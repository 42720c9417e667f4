// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2023 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

//go:build !linux

package stream

import "net"

// NewFD is only available on linux.
func NewFD(c net.Conn) (Stream, error) {
	return nil, ErrUnsupported
}

// NewReactor is only available on linux.
func NewReactor() (Source, error) {
	return nil, ErrUnsupported
}

// IsReactor returns true if src polls FD streams natively.
func IsReactor(src Source) bool {
	return false
}
