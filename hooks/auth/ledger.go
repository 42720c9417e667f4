// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

package auth

import (
	"encoding/json"
	"net"
	"net/netip"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/mochi-mqtt/transport"
)

// AccessRules defines the admission rules checked in order against each new connection.
type AccessRules []AccessRule

// AccessRule admits or refuses connections matching all of its non-empty fields.
type AccessRule struct {
	Listener   RString `json:"listener,omitempty" yaml:"listener,omitempty"`     // the id of the accepting listener
	Remote     RString `json:"remote,omitempty" yaml:"remote,omitempty"`         // remote address, wildcard or cidr
	Port       int     `json:"port,omitempty" yaml:"port,omitempty"`             // the local port, 0 for any
	Encryption RString `json:"encryption,omitempty" yaml:"encryption,omitempty"` // the negotiated encryption level, e.g. tls1.3
	Allow      bool    `json:"allow,omitempty" yaml:"allow,omitempty"`           // allow or refuse the connection
}

// RString is a rule value string.
type RString string

// Matches returns true if the rule matches a given string.
func (r RString) Matches(a string) bool {
	rr := string(r)
	if r == "" || r == "*" || a == rr {
		return true
	}

	i := strings.Index(rr, "*")
	if i > 0 && len(a) > i && strings.Compare(rr[:i], a[:i]) == 0 {
		return true
	}

	return false
}

// MatchesRemote returns true if the rule matches a remote address. Rules
// containing a slash are treated as cidr prefixes against the host part.
func (r RString) MatchesRemote(remote string) bool {
	rr := string(r)
	if !strings.Contains(rr, "/") {
		return r.Matches(remote) || r.Matches(host(remote))
	}

	prefix, err := netip.ParsePrefix(rr)
	if err != nil {
		return false
	}

	addr, err := netip.ParseAddr(host(remote))
	if err != nil {
		return false
	}

	return prefix.Contains(addr.Unmap())
}

func host(remote string) string {
	h, _, err := net.SplitHostPort(remote)
	if err != nil {
		return remote
	}
	return h
}

// Ledger is an access ledger containing connection admission rules.
type Ledger struct {
	sync.Mutex `json:"-" yaml:"-"`
	Access     AccessRules `json:"access" yaml:"access"`
}

// Update updates the internal values of the ledger.
func (l *Ledger) Update(ln *Ledger) {
	l.Lock()
	defer l.Unlock()
	l.Access = ln.Access
}

// AccessOk returns the index of the first rule matching the session and
// whether it allows the connection. Sessions matching no rule are refused.
func (l *Ledger) AccessOk(sess *transport.Session) (n int, ok bool) {
	l.Lock()
	defer l.Unlock()

	for n, rule := range l.Access {
		if rule.Listener.Matches(sess.Listener) &&
			rule.Remote.MatchesRemote(sess.Remote) &&
			(rule.Port == 0 || rule.Port == sess.Port) &&
			rule.Encryption.Matches(sess.Encryption.String()) {
			return n, rule.Allow
		}
	}

	return 0, false
}

// ToJSON encodes the values into a JSON string.
func (l *Ledger) ToJSON() (data []byte, err error) {
	return json.Marshal(l)
}

// ToYAML encodes the values into a YAML string.
func (l *Ledger) ToYAML() (data []byte, err error) {
	return yaml.Marshal(l)
}

// Unmarshal decodes a JSON or YAML string (such as a rule config from a file) into a struct.
func (l *Ledger) Unmarshal(data []byte) error {
	l.Lock()
	defer l.Unlock()
	if len(data) == 0 {
		return nil
	}

	if data[0] == '{' {
		return json.Unmarshal(data, l)
	}

	return yaml.Unmarshal(data, l)
}
