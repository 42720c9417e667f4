// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-co
// SPDX-FileContributor: mochi-co

package debug

import (
	"log/slog"
	"strings"

	"github.com/mochi-mqtt/transport"
	"github.com/mochi-mqtt/transport/hooks/storage"
	"github.com/mochi-mqtt/transport/packets"
	"github.com/mochi-mqtt/transport/system"
)

// Options contains configuration settings for the debug output.
type Options struct {
	ShowPacketData bool `yaml:"show_packet_data" json:"show_packet_data"` // include decoded packet data (default false)
	ShowPings      bool `yaml:"show_pings" json:"show_pings"`             // show ping requests and responses (default false)
	ShowPasswords  bool `yaml:"show_passwords" json:"show_passwords"`     // show connecting user passwords (default false)
	ShowSysInfo    bool `yaml:"show_sys_info" json:"show_sys_info"`       // log every sys info tick (default false)
}

// Hook is a debugging hook which logs additional low-level information from the worker.
type Hook struct {
	transport.HookBase
	config *Options
	Log    *slog.Logger
}

// ID returns the ID of the hook.
func (h *Hook) ID() string {
	return "debug"
}

// Provides indicates that this hook provides all methods.
func (h *Hook) Provides(b byte) bool {
	return true
}

// Init is called when the hook is initialized.
func (h *Hook) Init(config any) error {
	if _, ok := config.(*Options); !ok && config != nil {
		return transport.ErrInvalidConfigType
	}

	h.config, _ = config.(*Options)
	if h.config == nil {
		h.config = new(Options)
	}

	return nil
}

// SetOpts is called when the hook receives inheritable worker parameters.
func (h *Hook) SetOpts(l *slog.Logger, opts *transport.HookOptions) {
	h.Log = l
	h.Log.Debug("", "method", "SetOpts", "reactor", opts.Reactor, "dispatch_workers", opts.DispatchWorkers)
}

// Stop is called when the hook is stopped.
func (h *Hook) Stop() error {
	h.Log.Debug("", "method", "Stop")
	return nil
}

// OnStarted is called when the worker starts.
func (h *Hook) OnStarted() {
	h.Log.Debug("", "method", "OnStarted")
}

// OnStopped is called when the worker stops.
func (h *Hook) OnStopped() {
	h.Log.Debug("", "method", "OnStopped")
}

// OnSysInfoTick is called when the worker refreshes its counters.
func (h *Hook) OnSysInfoTick(info *system.Info) {
	if !h.config.ShowSysInfo {
		return
	}

	h.Log.Debug("sys info", "method", "OnSysInfoTick", "connected", info.ClientsConnected,
		"received", info.PacketsReceived, "sent", info.PacketsSent)
}

// OnConnect is called when a new connection is registered.
func (h *Hook) OnConnect(sess *transport.Session) error {
	h.Log.Debug("connected", "method", "OnConnect", "client", sess.Key(), "remote", sess.Remote,
		"listener", sess.Listener, "encryption", sess.Encryption.String())
	return nil
}

// OnSessionPromoted is called when a connection token is replaced by a client id.
func (h *Hook) OnSessionPromoted(sess *transport.Session, previousKey string) {
	h.Log.Debug("promoted", "method", "OnSessionPromoted", "client", sess.Key(), "previous", previousKey,
		"deadline", sess.Deadline())
}

// OnDisconnect is called when a session leaves the worker.
func (h *Hook) OnDisconnect(sess *transport.Session, reason transport.DisconnectReason, err error) {
	h.Log.Debug("disconnected", "method", "OnDisconnect", "client", sess.Key(), "reason", reason.String(), "error", err)
}

// OnPacketRead is called when a frame from a session has been decoded.
func (h *Hook) OnPacketRead(sess *transport.Session, pk packets.Packet) (packets.Packet, error) {
	if isPing(pk) && !h.config.ShowPings {
		return pk, nil
	}

	h.Log.Debug(strings.ToUpper(packets.TypeName(pk.PacketType()))+" << "+sess.Key(), h.packetMeta(pk)...)

	return pk, nil
}

// OnPacketSent is called when a packet has been written to a session.
func (h *Hook) OnPacketSent(sess *transport.Session, pk packets.Packet, b []byte) {
	if isPing(pk) && !h.config.ShowPings {
		return
	}

	h.Log.Debug(strings.ToUpper(packets.TypeName(pk.PacketType()))+" >> "+sess.Key(), h.packetMeta(pk)...)
}

// OnDecodeError is called when a frame could not be decoded.
func (h *Hook) OnDecodeError(sess *transport.Session, err error) {
	h.Log.Debug("decode failed", "method", "OnDecodeError", "client", sess.Key(), "error", err)
}

// StoredSessions is called when the worker loads session records from a store.
func (h *Hook) StoredSessions() (v []storage.Session, err error) {
	h.Log.Debug("", "method", "StoredSessions")

	return v, nil
}

func isPing(pk packets.Packet) bool {
	return pk.PacketType() == packets.Pingreq || pk.PacketType() == packets.Pingresp
}

// packetMeta adds additional type-specific attributes to the debug logs.
func (h *Hook) packetMeta(pk packets.Packet) []any {
	m := []any{}
	switch p := pk.(type) {
	case *packets.ConnectPacket:
		m = append(m, "id", p.ClientID, "clean", p.CleanSession, "keepalive", p.Keepalive,
			"version", p.ProtocolVersion, "username", p.Username)
		if h.config.ShowPasswords {
			m = append(m, "password", string(p.Password))
		}
		if p.WillFlag {
			m = append(m, "will_topic", p.WillTopic)
		}
	case *packets.ConnackPacket:
		m = append(m, "reason", int(p.ReasonCode), "session_present", p.SessionPresent)
	case *packets.PublishPacket:
		m = append(m, "topic", p.TopicName, "id", p.PacketID)
		if h.config.ShowPacketData {
			m = append(m, "payload", string(p.Payload))
		}
	case *packets.AckPacket:
		m = append(m, "id", p.PacketID, "reason", int(p.ReasonCode))
	case *packets.RawPacket:
		if p.PacketID > 0 {
			m = append(m, "id", p.PacketID)
		}
		if h.config.ShowPacketData {
			m = append(m, "raw", p.Payload)
		}
	}

	return m
}
