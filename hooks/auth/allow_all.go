// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-co
// SPDX-FileContributor: mochi-co

package auth

import (
	"bytes"

	"github.com/mochi-mqtt/transport"
)

// AllowHook is an admission hook which allows every connection.
type AllowHook struct {
	transport.HookBase
}

// ID returns the ID of the hook.
func (h *AllowHook) ID() string {
	return "allow-all-auth"
}

// Provides indicates which hook methods this hook provides.
func (h *AllowHook) Provides(b byte) bool {
	return bytes.Contains([]byte{
		transport.OnConnect,
	}, []byte{b})
}

// OnConnect allows all connections.
func (h *AllowHook) OnConnect(sess *transport.Session) error {
	return nil
}
