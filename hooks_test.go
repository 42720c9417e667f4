// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

package transport

import (
	"errors"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/mochi-mqtt/transport/hooks/storage"
	"github.com/mochi-mqtt/transport/packets"
	"github.com/mochi-mqtt/transport/system"
)

type modifiedHookBase struct {
	HookBase
	err          error
	fail         bool
	started      int64
	stopped      int64
	ticks        int64
	promoted     int64
	disconnected int64
	sent         int64
	decodeErrs   int64
	lastReason   atomic.Value
}

var errTestHook = errors.New("error")

func (h *modifiedHookBase) ID() string {
	return "modified"
}

func (h *modifiedHookBase) Init(config any) error {
	if config != nil {
		return errTestHook
	}
	return nil
}

func (h *modifiedHookBase) Provides(b byte) bool {
	return true
}

func (h *modifiedHookBase) Stop() error {
	if h.fail {
		return errTestHook
	}

	return nil
}

func (h *modifiedHookBase) OnStarted() {
	atomic.AddInt64(&h.started, 1)
}

func (h *modifiedHookBase) OnStopped() {
	atomic.AddInt64(&h.stopped, 1)
}

func (h *modifiedHookBase) OnSysInfoTick(*system.Info) {
	atomic.AddInt64(&h.ticks, 1)
}

func (h *modifiedHookBase) OnConnect(sess *Session) error {
	if h.fail {
		return errTestHook
	}

	return nil
}

func (h *modifiedHookBase) OnSessionPromoted(sess *Session, previousKey string) {
	atomic.AddInt64(&h.promoted, 1)
}

func (h *modifiedHookBase) OnDisconnect(sess *Session, reason DisconnectReason, err error) {
	atomic.AddInt64(&h.disconnected, 1)
	h.lastReason.Store(reason)
}

func (h *modifiedHookBase) OnPacketRead(sess *Session, pk packets.Packet) (packets.Packet, error) {
	if h.fail {
		if h.err != nil {
			return pk, h.err
		}

		return pk, errTestHook
	}

	return pk, nil
}

func (h *modifiedHookBase) OnPacketSent(sess *Session, pk packets.Packet, b []byte) {
	atomic.AddInt64(&h.sent, 1)
}

func (h *modifiedHookBase) OnDecodeError(sess *Session, err error) {
	atomic.AddInt64(&h.decodeErrs, 1)
}

func (h *modifiedHookBase) StoredSessions() ([]storage.Session, error) {
	if h.fail {
		return nil, errTestHook
	}

	return []storage.Session{
		{ID: "stale", Port: 1883, Encryption: "tls1.2"},
	}, nil
}

func (h *modifiedHookBase) reason() DisconnectReason {
	r, _ := h.lastReason.Load().(DisconnectReason)
	return r
}

// panickingHook panics in the hooks run from pool tasks.
type panickingHook struct {
	HookBase
}

func (h *panickingHook) ID() string {
	return "panicking"
}

func (h *panickingHook) Provides(b byte) bool {
	return b == OnPacketRead || b == OnDecodeError || b == OnDisconnect
}

func (h *panickingHook) OnPacketRead(sess *Session, pk packets.Packet) (packets.Packet, error) {
	panic("hook exploded")
}

func (h *panickingHook) OnDecodeError(sess *Session, err error) {
	panic("hook exploded")
}

func (h *panickingHook) OnDisconnect(sess *Session, reason DisconnectReason, err error) {
	panic("hook exploded")
}

type providesCheckHook struct {
	HookBase
}

func (h *providesCheckHook) Provides(b byte) bool {
	return b == OnConnect
}

func TestHooksProvides(t *testing.T) {
	h := newTestHooks()
	err := h.Add(new(providesCheckHook), nil)
	require.NoError(t, err)

	err = h.Add(new(HookBase), nil)
	require.NoError(t, err)

	require.True(t, h.Provides(OnConnect, OnDisconnect))
	require.False(t, h.Provides(OnDisconnect, OnPacketSent))
}

func TestHooksAddLenGetAll(t *testing.T) {
	h := newTestHooks()
	err := h.Add(new(HookBase), nil)
	require.NoError(t, err)

	err = h.Add(new(modifiedHookBase), nil)
	require.NoError(t, err)

	require.Equal(t, int64(2), atomic.LoadInt64(&h.qty))
	require.Equal(t, int64(2), h.Len())

	all := h.GetAll()
	require.Equal(t, "base", all[0].ID())
	require.Equal(t, "modified", all[1].ID())
}

func TestHooksAddInitFailure(t *testing.T) {
	h := newTestHooks()
	err := h.Add(new(modifiedHookBase), map[string]any{})
	require.ErrorIs(t, err, errTestHook)
	require.Equal(t, int64(0), h.Len())
}

func TestHooksGetAllEmpty(t *testing.T) {
	h := newTestHooks()
	require.Empty(t, h.GetAll())
}

func TestHooksStop(t *testing.T) {
	h := newTestHooks()
	require.NoError(t, h.Add(new(HookBase), nil))
	require.NoError(t, h.Add(&modifiedHookBase{fail: true}, nil))
	h.Stop()
}

func TestHooksNonReturns(t *testing.T) {
	h := newTestHooks()
	mh := new(modifiedHookBase)
	require.NoError(t, h.Add(mh, nil))

	sess, _ := newTestSession("a", 1883)
	h.OnStarted()
	h.OnStopped()
	h.OnSysInfoTick(new(system.Info))
	h.OnSessionPromoted(sess, "xid")
	h.OnDisconnect(sess, ReasonEvicted, nil)
	h.OnPacketSent(sess, pingresp(), []byte{0xd0, 0x00})
	h.OnDecodeError(sess, ErrDecoding)

	require.Equal(t, int64(1), mh.started)
	require.Equal(t, int64(1), mh.stopped)
	require.Equal(t, int64(1), mh.ticks)
	require.Equal(t, int64(1), mh.promoted)
	require.Equal(t, int64(1), mh.disconnected)
	require.Equal(t, ReasonEvicted, mh.reason())
	require.Equal(t, int64(1), mh.sent)
	require.Equal(t, int64(1), mh.decodeErrs)
}

func TestHooksOnConnect(t *testing.T) {
	h := newTestHooks()
	mh := new(modifiedHookBase)
	require.NoError(t, h.Add(mh, nil))

	sess, _ := newTestSession("a", 1883)
	require.NoError(t, h.OnConnect(sess))

	mh.fail = true
	require.ErrorIs(t, h.OnConnect(sess), errTestHook)
}

func TestHooksOnPacketRead(t *testing.T) {
	h := newTestHooks()
	mh := new(modifiedHookBase)
	require.NoError(t, h.Add(mh, nil))

	sess, _ := newTestSession("a", 1883)
	pk, err := h.OnPacketRead(sess, pingresp())
	require.NoError(t, err)
	require.Equal(t, packets.Pingresp, pk.PacketType())

	// errors other than ErrRejectPacket are ignored
	mh.fail = true
	_, err = h.OnPacketRead(sess, pingresp())
	require.NoError(t, err)

	mh.err = ErrRejectPacket
	_, err = h.OnPacketRead(sess, pingresp())
	require.ErrorIs(t, err, ErrRejectPacket)
}

func TestHooksStoredSessions(t *testing.T) {
	h := newTestHooks()
	v, err := h.StoredSessions()
	require.NoError(t, err)
	require.Empty(t, v)

	mh := new(modifiedHookBase)
	require.NoError(t, h.Add(mh, nil))
	v, err = h.StoredSessions()
	require.NoError(t, err)
	require.Len(t, v, 1)
	require.Equal(t, "stale", v[0].ID)

	mh.fail = true
	_, err = h.StoredSessions()
	require.ErrorIs(t, err, errTestHook)
}

func TestHookBaseDefaults(t *testing.T) {
	h := new(HookBase)
	require.Equal(t, "base", h.ID())
	require.False(t, h.Provides(OnConnect))
	require.NoError(t, h.Init(nil))
	require.NoError(t, h.Stop())

	h.SetOpts(logger, &HookOptions{Reactor: ReactorQueue})
	require.Equal(t, logger, h.Log)
	require.Equal(t, ReactorQueue, h.Opts.Reactor)

	sess, _ := newTestSession("a", 1883)
	require.NoError(t, h.OnConnect(sess))
	pk, err := h.OnPacketRead(sess, pingresp())
	require.NoError(t, err)
	require.NotNil(t, pk)

	v, err := h.StoredSessions()
	require.NoError(t, err)
	require.Empty(t, v)
}
