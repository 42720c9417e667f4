// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-co
// SPDX-FileContributor: mochi-co

package auth

import (
	"bytes"
	"errors"

	"github.com/mochi-mqtt/transport"
)

// ErrAccessDenied is returned from OnConnect when no rule admits a connection.
var ErrAccessDenied = errors.New("connection refused by access ledger")

// Options contains the configuration/rules data for the access ledger.
type Options struct {
	Data   []byte  `yaml:"-" json:"-"`
	Ledger *Ledger `yaml:"ledger" json:"ledger"`
}

// Hook is an admission hook which checks new connections against an access ledger.
type Hook struct {
	transport.HookBase
	config *Options
	ledger *Ledger
}

// ID returns the ID of the hook.
func (h *Hook) ID() string {
	return "auth-ledger"
}

// Provides indicates which hook methods this hook provides.
func (h *Hook) Provides(b byte) bool {
	return bytes.Contains([]byte{
		transport.OnConnect,
	}, []byte{b})
}

// Init configures the hook with the access ledger to be used for checking.
func (h *Hook) Init(config any) error {
	if _, ok := config.(*Options); !ok && config != nil {
		return transport.ErrInvalidConfigType
	}

	h.config, _ = config.(*Options)
	if h.config == nil {
		h.config = new(Options)
	}

	var err error
	if h.config.Ledger != nil {
		h.ledger = h.config.Ledger
	} else if len(h.config.Data) > 0 {
		h.ledger = new(Ledger)
		err = h.ledger.Unmarshal(h.config.Data)
	}
	if err != nil {
		return err
	}

	if h.ledger == nil {
		h.ledger = &Ledger{
			Access: AccessRules{},
		}
	}

	h.Log.Info("loaded access rules", "access", len(h.ledger.Access))

	return nil
}

// OnConnect refuses the connection unless a ledger rule allows it.
func (h *Hook) OnConnect(sess *transport.Session) error {
	if _, ok := h.ledger.AccessOk(sess); ok {
		return nil
	}

	h.Log.Info("connection failed access check", "remote", sess.Remote, "listener", sess.Listener)

	return ErrAccessDenied
}
