// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co, thedevop, dgduncan

package transport

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/mochi-mqtt/transport/hooks/storage"
	"github.com/mochi-mqtt/transport/packets"
	"github.com/mochi-mqtt/transport/system"
)

const (
	SetOptions byte = iota
	OnSysInfoTick
	OnStarted
	OnStopped
	OnConnect
	OnSessionPromoted
	OnDisconnect
	OnPacketRead
	OnPacketSent
	OnDecodeError
	StoredSessions
)

// Hook provides an interface of handlers for different events which occur
// during the lifecycle of the worker.
type Hook interface {
	ID() string
	Provides(b byte) bool
	Init(config any) error
	Stop() error
	SetOpts(l *slog.Logger, o *HookOptions)
	OnStarted()
	OnStopped()
	OnSysInfoTick(*system.Info)
	OnConnect(sess *Session) error
	OnSessionPromoted(sess *Session, previousKey string)
	OnDisconnect(sess *Session, reason DisconnectReason, err error)
	OnPacketRead(sess *Session, pk packets.Packet) (packets.Packet, error) // triggers when a frame from a session has been decoded
	OnPacketSent(sess *Session, pk packets.Packet, b []byte)               // triggers when packet bytes have been written to the session
	OnDecodeError(sess *Session, err error)
	StoredSessions() ([]storage.Session, error)
}

// HookOptions contains values which are inherited from the worker on initialisation.
type HookOptions struct {
	Reactor         string // the readiness source in use
	ReadBufferSize  int
	DispatchWorkers int
}

// HookLoadConfig contains the hook and configuration as loaded from a configuration (usually file).
type HookLoadConfig struct {
	Hook   Hook
	Config any
}

// Hooks is a slice of Hook interfaces to be called in sequence.
type Hooks struct {
	Log        *slog.Logger   // a logger for the hook (from the worker)
	internal   atomic.Value   // a slice of []Hook
	wg         sync.WaitGroup // a waitgroup for syncing hook shutdown
	qty        int64          // the number of hooks in use
	sync.Mutex                // a mutex for locking when adding hooks
}

// Len returns the number of hooks added.
func (h *Hooks) Len() int64 {
	return atomic.LoadInt64(&h.qty)
}

// Provides returns true if any one hook provides any of the requested hook methods.
func (h *Hooks) Provides(b ...byte) bool {
	for _, hook := range h.GetAll() {
		for _, hb := range b {
			if hook.Provides(hb) {
				return true
			}
		}
	}

	return false
}

// Add adds and initializes a new hook.
func (h *Hooks) Add(hook Hook, config any) error {
	h.Lock()
	defer h.Unlock()

	err := hook.Init(config)
	if err != nil {
		return fmt.Errorf("failed initialising %s hook: %w", hook.ID(), err)
	}

	i, ok := h.internal.Load().([]Hook)
	if !ok {
		i = []Hook{}
	}

	i = append(i, hook)
	h.internal.Store(i)
	atomic.AddInt64(&h.qty, 1)
	h.wg.Add(1)

	return nil
}

// GetAll returns a slice of all the hooks.
func (h *Hooks) GetAll() []Hook {
	i, ok := h.internal.Load().([]Hook)
	if !ok {
		return []Hook{}
	}

	return i
}

// Stop indicates all attached hooks to gracefully end.
func (h *Hooks) Stop() {
	go func() {
		for _, hook := range h.GetAll() {
			h.Log.Info("stopping hook", "hook", hook.ID())
			if err := hook.Stop(); err != nil {
				h.Log.Debug("problem stopping hook", "error", err, "hook", hook.ID())
			}

			h.wg.Done()
		}
	}()

	h.wg.Wait()
}

// OnSysInfoTick is called when the worker refreshes its system counters.
func (h *Hooks) OnSysInfoTick(sys *system.Info) {
	for _, hook := range h.GetAll() {
		if hook.Provides(OnSysInfoTick) {
			hook.OnSysInfoTick(sys)
		}
	}
}

// OnStarted is called when the worker has successfully started.
func (h *Hooks) OnStarted() {
	for _, hook := range h.GetAll() {
		if hook.Provides(OnStarted) {
			hook.OnStarted()
		}
	}
}

// OnStopped is called when the worker has successfully stopped.
func (h *Hooks) OnStopped() {
	for _, hook := range h.GetAll() {
		if hook.Provides(OnStopped) {
			hook.OnStopped()
		}
	}
}

// OnConnect is called when a connection has been accepted, before it is
// registered. Any hook returning an error rejects the connection.
func (h *Hooks) OnConnect(sess *Session) error {
	for _, hook := range h.GetAll() {
		if hook.Provides(OnConnect) {
			if err := hook.OnConnect(sess); err != nil {
				return err
			}
		}
	}
	return nil
}

// OnSessionPromoted is called when a session is rekeyed from its connection
// token to a client id.
func (h *Hooks) OnSessionPromoted(sess *Session, previousKey string) {
	for _, hook := range h.GetAll() {
		if hook.Provides(OnSessionPromoted) {
			hook.OnSessionPromoted(sess, previousKey)
		}
	}
}

// OnDisconnect is called when a session leaves the registry for any reason.
func (h *Hooks) OnDisconnect(sess *Session, reason DisconnectReason, err error) {
	for _, hook := range h.GetAll() {
		if hook.Provides(OnDisconnect) {
			hook.OnDisconnect(sess, reason, err)
		}
	}
}

// OnPacketRead is called when a frame from a session has been decoded. A hook
// may replace the packet, or drop it by returning ErrRejectPacket.
func (h *Hooks) OnPacketRead(sess *Session, pk packets.Packet) (pkx packets.Packet, err error) {
	pkx = pk
	for _, hook := range h.GetAll() {
		if hook.Provides(OnPacketRead) {
			npk, err := hook.OnPacketRead(sess, pkx)
			if err != nil && errors.Is(err, ErrRejectPacket) {
				h.Log.Debug("packet rejected", "hook", hook.ID(), "type", packets.TypeName(pkx.PacketType()))
				return pk, err
			} else if err != nil {
				continue
			}

			pkx = npk
		}
	}

	return
}

// OnPacketSent is called when packet bytes have been written to a session.
func (h *Hooks) OnPacketSent(sess *Session, pk packets.Packet, b []byte) {
	for _, hook := range h.GetAll() {
		if hook.Provides(OnPacketSent) {
			hook.OnPacketSent(sess, pk, b)
		}
	}
}

// OnDecodeError is called when a frame from a session could not be decoded.
func (h *Hooks) OnDecodeError(sess *Session, err error) {
	for _, hook := range h.GetAll() {
		if hook.Provides(OnDecodeError) {
			hook.OnDecodeError(sess, err)
		}
	}
}

// StoredSessions returns the session records held by the first storage hook
// which can provide them.
func (h *Hooks) StoredSessions() (v []storage.Session, err error) {
	for _, hook := range h.GetAll() {
		if hook.Provides(StoredSessions) {
			v, err := hook.StoredSessions()
			if err != nil {
				h.Log.Error("failed to load sessions", "error", err, "hook", hook.ID())
				return v, err
			}

			if len(v) > 0 {
				return v, nil
			}
		}
	}

	return
}

// HookBase provides a set of default methods for each hook. It should be embedded in
// all hooks.
type HookBase struct {
	Hook
	Log  *slog.Logger
	Opts *HookOptions
}

// ID returns the ID of the hook.
func (h *HookBase) ID() string {
	return "base"
}

// Provides indicates which methods a hook provides. The default is none - this method
// should be overridden by the embedding hook.
func (h *HookBase) Provides(b byte) bool {
	return false
}

// Init performs any pre-start initializations for the hook, such as connecting to databases
// or opening files.
func (h *HookBase) Init(config any) error {
	return nil
}

// SetOpts is called by the worker to propagate internal values and generally should
// not be called manually.
func (h *HookBase) SetOpts(l *slog.Logger, opts *HookOptions) {
	h.Log = l
	h.Opts = opts
}

// Stop is called to gracefully shut down the hook.
func (h *HookBase) Stop() error {
	return nil
}

// OnStarted is called when the worker starts.
func (h *HookBase) OnStarted() {}

// OnStopped is called when the worker stops.
func (h *HookBase) OnStopped() {}

// OnSysInfoTick is called when the worker refreshes its system counters.
func (h *HookBase) OnSysInfoTick(*system.Info) {}

// OnConnect is called when a connection is accepted.
func (h *HookBase) OnConnect(sess *Session) error {
	return nil
}

// OnSessionPromoted is called when a session is rekeyed to a client id.
func (h *HookBase) OnSessionPromoted(sess *Session, previousKey string) {}

// OnDisconnect is called when a session is removed.
func (h *HookBase) OnDisconnect(sess *Session, reason DisconnectReason, err error) {}

// OnPacketRead is called when a packet is received.
func (h *HookBase) OnPacketRead(sess *Session, pk packets.Packet) (packets.Packet, error) {
	return pk, nil
}

// OnPacketSent is called immediately after a packet is written to a session.
func (h *HookBase) OnPacketSent(sess *Session, pk packets.Packet, b []byte) {}

// OnDecodeError is called when a frame could not be decoded.
func (h *HookBase) OnDecodeError(sess *Session, err error) {}

// StoredSessions returns all stored session records.
func (h *HookBase) StoredSessions() ([]storage.Session, error) {
	return []storage.Session{}, nil
}
