// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-co
// SPDX-FileContributor: mochi-co

package badger

import (
	"log/slog"
	"os"
	"testing"
	"time"

	badgerdb "github.com/dgraph-io/badger/v4"
	"github.com/stretchr/testify/require"

	"github.com/mochi-mqtt/transport"
	"github.com/mochi-mqtt/transport/hooks/storage"
	"github.com/mochi-mqtt/transport/stream"
	"github.com/mochi-mqtt/transport/system"
)

var logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))

func newSession(id string) *transport.Session {
	sess := transport.NewSession(id, stream.NewMock(), 8883, transport.EncryptionTLS13)
	sess.Listener = "tls"
	sess.Remote = "10.0.0.2:6000"
	return sess
}

func newHook(t *testing.T) *Hook {
	t.Helper()
	h := new(Hook)
	h.SetOpts(logger, nil)
	require.NoError(t, h.Init(&Options{Path: t.TempDir()}))
	t.Cleanup(func() {
		_ = h.Stop()
	})
	return h
}

func TestSessionKey(t *testing.T) {
	require.Equal(t, storage.SessionKey+"_cl1", sessionKey("cl1"))
}

func TestSysInfoKey(t *testing.T) {
	require.Equal(t, storage.SysInfoKey, sysInfoKey())
}

func TestID(t *testing.T) {
	h := new(Hook)
	require.Equal(t, "badger-db", h.ID())
}

func TestProvides(t *testing.T) {
	h := new(Hook)
	require.True(t, h.Provides(transport.OnSessionPromoted))
	require.True(t, h.Provides(transport.OnDisconnect))
	require.True(t, h.Provides(transport.OnSysInfoTick))
	require.True(t, h.Provides(transport.StoredSessions))
	require.False(t, h.Provides(transport.OnConnect))
}

func TestInitBadConfig(t *testing.T) {
	h := new(Hook)
	h.SetOpts(logger, nil)

	err := h.Init(map[string]any{})
	require.ErrorIs(t, err, transport.ErrInvalidConfigType)
}

func TestInitDefaults(t *testing.T) {
	h := newHook(t)
	require.Equal(t, int64(defaultGcInterval), h.config.GcInterval)
	require.Equal(t, defaultGcDiscardRatio, h.config.GcDiscardRatio)
	require.NotNil(t, h.config.Options)
}

func TestInitBadGcDiscardRatio(t *testing.T) {
	h := new(Hook)
	h.SetOpts(logger, nil)
	require.NoError(t, h.Init(&Options{Path: t.TempDir(), GcDiscardRatio: 2, GcInterval: 1}))
	defer h.Stop()

	require.Equal(t, defaultGcDiscardRatio, h.config.GcDiscardRatio)
	require.Equal(t, int64(1), h.config.GcInterval)
}

func TestStopWaitsForGcLoop(t *testing.T) {
	h := new(Hook)
	h.SetOpts(logger, nil)
	require.NoError(t, h.Init(&Options{Path: t.TempDir(), GcInterval: 1}))

	require.NoError(t, h.Stop())
	require.Nil(t, h.db)
	require.Nil(t, h.gcTicker)
	require.NoError(t, h.Stop())
}

func TestGcLoopRunsUntilDone(t *testing.T) {
	h := newHook(t)

	tick := make(chan time.Time)
	done := make(chan struct{})
	exited := make(chan struct{})
	h.gcWg.Add(1)
	go func() {
		h.gcLoop(h.db, tick, done, 0.5)
		close(exited)
	}()

	tick <- time.Now()
	tick <- time.Now()
	close(done)

	select {
	case <-exited:
	case <-time.After(5 * time.Second):
		t.Fatal("gc loop did not exit")
	}
}

func TestOnSessionPromotedThenOnDisconnect(t *testing.T) {
	h := newHook(t)
	sess := newSession("client")

	h.OnSessionPromoted(sess, "xid")

	r := new(storage.Session)
	require.NoError(t, h.getKv(sessionKey("client"), r))
	require.Equal(t, "client", r.ID)
	require.Equal(t, "tls", r.Listener)
	require.Equal(t, "10.0.0.2:6000", r.Remote)
	require.Equal(t, 8883, r.Port)
	require.Equal(t, "tls1.3", r.Encryption)

	h.OnDisconnect(sess, transport.ReasonEvicted, nil)
	require.NoError(t, h.getKv(sessionKey("client"), new(storage.Session)))

	h.OnDisconnect(sess, transport.ReasonStreamFailed, nil)
	err := h.getKv(sessionKey("client"), new(storage.Session))
	require.ErrorIs(t, err, badgerdb.ErrKeyNotFound)
}

func TestStoredSessions(t *testing.T) {
	h := newHook(t)
	h.OnSessionPromoted(newSession("a"), "x1")
	h.OnSessionPromoted(newSession("b"), "x2")
	h.OnSysInfoTick(&system.Info{Version: "1.0.0"})

	v, err := h.StoredSessions()
	require.NoError(t, err)
	require.Len(t, v, 2)
	require.Equal(t, "a", v[0].ID)
	require.Equal(t, "b", v[1].ID)
}

func TestOnSysInfoTick(t *testing.T) {
	h := newHook(t)
	h.OnSysInfoTick(&system.Info{Version: "2.0.0", PacketsSent: 9})

	r, err := h.StoredSysInfo()
	require.NoError(t, err)
	require.Equal(t, "2.0.0", r.Version)
	require.Equal(t, int64(9), r.PacketsSent)
}

func TestStoredSysInfoEmpty(t *testing.T) {
	h := newHook(t)
	r, err := h.StoredSysInfo()
	require.NoError(t, err)
	require.Empty(t, r.Version)
}

func TestNoDB(t *testing.T) {
	h := new(Hook)
	h.SetOpts(logger, nil)
	sess := newSession("client")

	h.OnSessionPromoted(sess, "xid")
	h.OnDisconnect(sess, transport.ReasonDisconnected, nil)
	h.OnSysInfoTick(new(system.Info))

	v, err := h.StoredSessions()
	require.NoError(t, err)
	require.Empty(t, v)
	require.NoError(t, h.Stop())
}

func TestLoggerMethods(t *testing.T) {
	h := new(Hook)
	h.SetOpts(logger, nil)
	h.Errorf("Error %s\n", "a")
	h.Warningf("Warning %s\n", "b")
	h.Infof("Info %s\n", "c")
	h.Debugf("Debug %s\n", "d")
}
