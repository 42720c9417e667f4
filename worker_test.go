// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

package transport

import (
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/require"

	"github.com/mochi-mqtt/transport/hooks/storage"
	"github.com/mochi-mqtt/transport/listeners"
	"github.com/mochi-mqtt/transport/packets"
	"github.com/mochi-mqtt/transport/stream"
)

var logger = slog.New(slog.NewTextHandler(io.Discard, nil))

var pingreqFrame = []byte{0xc0, 0x00}

func newTestHooks() *Hooks {
	return &Hooks{Log: logger}
}

func pingresp() packets.Packet {
	return &packets.RawPacket{FixedHeader: packets.FixedHeader{Type: packets.Pingresp}}
}

// unsupportedPacket has no encoding in the default codec.
type unsupportedPacket struct{}

func (unsupportedPacket) PacketType() byte {
	return packets.Auth
}

func newTestWorker(t *testing.T) (*Worker, *clock.Mock) {
	t.Helper()
	c := clock.NewMock()
	w := New(&Options{
		Source:          stream.NewQueue(),
		Clock:           c,
		Logger:          logger,
		PollTimeoutMs:   5,
		DispatchWorkers: 2,
	})
	t.Cleanup(func() {
		_ = w.Close()
	})

	return w, c
}

type timeoutRecorder struct {
	sync.Mutex
	keys    []string
	reasons []DisconnectReason
}

func (r *timeoutRecorder) record(key string, reason DisconnectReason) {
	r.Lock()
	defer r.Unlock()
	r.keys = append(r.keys, key)
	r.reasons = append(r.reasons, reason)
}

func (r *timeoutRecorder) len() int {
	r.Lock()
	defer r.Unlock()
	return len(r.keys)
}

func (r *timeoutRecorder) get(i int) (string, DisconnectReason) {
	r.Lock()
	defer r.Unlock()
	return r.keys[i], r.reasons[i]
}

func eventually(t *testing.T, cond func() bool) {
	t.Helper()
	require.Eventually(t, cond, 2*time.Second, time.Millisecond)
}

func nextEvent(t *testing.T, events chan MessageEvent) MessageEvent {
	t.Helper()
	select {
	case ev := <-events:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("no message event received")
	}
	return MessageEvent{}
}

func TestNew(t *testing.T) {
	w := New(nil)
	defer w.Close()

	require.NotNil(t, w.Options)
	require.NotNil(t, w.Listeners)
	require.NotNil(t, w.Sessions)
	require.NotNil(t, w.Info)
	require.NotNil(t, w.Log)
	require.NotNil(t, w.source)
	require.Equal(t, Version, w.Info.Version)
	require.Contains(t, []string{ReactorEpoll, ReactorQueue}, w.Options.Reactor)
	require.Equal(t, stream.IsReactor(w.source), w.Options.Reactor == ReactorEpoll)
}

func TestNewQueueReactor(t *testing.T) {
	w := New(&Options{Reactor: ReactorQueue, Logger: logger})
	defer w.Close()

	require.IsType(t, &stream.Queue{}, w.source)
	require.Equal(t, ReactorQueue, w.Options.Reactor)
}

func TestNewWithSourceOverride(t *testing.T) {
	q := stream.NewQueue()
	w := New(&Options{Source: q, Logger: logger})
	defer w.Close()

	require.Equal(t, q, w.source)
	require.Equal(t, ReactorQueue, w.Options.Reactor)
	require.NotNil(t, q.OnPanic)
}

func TestConnectTransport(t *testing.T) {
	w, _ := newTestWorker(t)
	m := stream.NewMock()

	err := w.ConnectTransport(m, 1883, EncryptionNone, "xid")
	require.NoError(t, err)
	require.True(t, w.IsConnected("xid"))
	require.False(t, w.IsEncrypted("xid"))
	require.Equal(t, int64(1), atomic.LoadInt64(&w.Info.ClientsConnected))
	require.Equal(t, int64(1), atomic.LoadInt64(&w.Info.ClientsTotal))
}

func TestConnectTransportEmptyKey(t *testing.T) {
	w, _ := newTestWorker(t)
	err := w.ConnectTransport(stream.NewMock(), 1883, EncryptionTLS12, "")
	require.NoError(t, err)

	all := w.Sessions.GetAll()
	require.Len(t, all, 1)
	require.NotEmpty(t, all[0].Key())
	require.True(t, w.IsEncrypted(all[0].Key()))
}

func TestConnectTransportDuplicateKey(t *testing.T) {
	w, _ := newTestWorker(t)
	require.NoError(t, w.ConnectTransport(stream.NewMock(), 1883, EncryptionNone, "xid"))

	m := stream.NewMock()
	err := w.ConnectTransport(m, 1883, EncryptionNone, "xid")
	require.ErrorIs(t, err, ErrDuplicateKey)
	require.Equal(t, 0, m.Closes())
	require.Equal(t, 1, w.Sessions.Len())
}

func TestConnectTransportRejectedByHook(t *testing.T) {
	w, _ := newTestWorker(t)
	require.NoError(t, w.AddHook(&modifiedHookBase{fail: true}, nil))

	err := w.ConnectTransport(stream.NewMock(), 1883, EncryptionNone, "xid")
	require.ErrorIs(t, err, ErrConnectionRejected)
	require.ErrorIs(t, err, errTestHook)
	require.False(t, w.IsConnected("xid"))
}

func TestConnectTransportSourceClosed(t *testing.T) {
	w, _ := newTestWorker(t)
	_ = w.source.Close()

	err := w.ConnectTransport(stream.NewMock(), 1883, EncryptionNone, "xid")
	require.ErrorIs(t, err, ErrStream)
	require.ErrorIs(t, err, stream.ErrClosed)
	require.False(t, w.IsConnected("xid"))
}

func TestMessageReceived(t *testing.T) {
	w, _ := newTestWorker(t)
	events := make(chan MessageEvent, 4)
	w.OnMessageReceived(func(ev MessageEvent) {
		events <- ev
	})
	require.NoError(t, w.Serve())

	m := stream.NewMock()
	require.NoError(t, w.ConnectTransport(m, 1883, EncryptionNone, "xid"))
	m.Feed(pingreqFrame)

	ev := nextEvent(t, events)
	require.NoError(t, ev.Err)
	require.Equal(t, "xid", ev.ClientID)
	require.Equal(t, packets.Pingreq, ev.Packet.PacketType())
	require.Equal(t, int64(1), atomic.LoadInt64(&w.Info.PacketsReceived))
	require.Equal(t, int64(2), atomic.LoadInt64(&w.Info.BytesReceived))
}

func TestMessageReceivedSplitAcrossReads(t *testing.T) {
	w, _ := newTestWorker(t)
	events := make(chan MessageEvent, 4)
	w.OnMessageReceived(func(ev MessageEvent) {
		events <- ev
	})
	require.NoError(t, w.Serve())

	m := stream.NewMock()
	require.NoError(t, w.ConnectTransport(m, 1883, EncryptionNone, "xid"))
	m.Feed([]byte{0x40, 0x02, 0x00})
	m.Feed([]byte{0x07})

	ev := nextEvent(t, events)
	require.NoError(t, ev.Err)
	require.Equal(t, packets.Puback, ev.Packet.PacketType())
	require.Equal(t, uint16(7), ev.Packet.(*packets.AckPacket).PacketID)
}

func TestMessageMalformedHeader(t *testing.T) {
	w, _ := newTestWorker(t)
	events := make(chan MessageEvent, 4)
	w.OnMessageReceived(func(ev MessageEvent) {
		events <- ev
	})
	require.NoError(t, w.Serve())

	m := stream.NewMock()
	require.NoError(t, w.ConnectTransport(m, 1883, EncryptionNone, "xid"))
	m.Feed([]byte{0x30, 0xff, 0xff, 0xff, 0xff})

	ev := nextEvent(t, events)
	require.ErrorIs(t, ev.Err, packets.ErrMalformedHeader)
	require.Nil(t, ev.Packet)
	require.True(t, w.IsConnected("xid"))
}

func TestMessageDecodingError(t *testing.T) {
	w, _ := newTestWorker(t)
	events := make(chan MessageEvent, 4)
	w.OnMessageReceived(func(ev MessageEvent) {
		events <- ev
	})
	require.NoError(t, w.Serve())

	m := stream.NewMock()
	require.NoError(t, w.ConnectTransport(m, 1883, EncryptionNone, "xid"))
	m.Feed([]byte{0x00, 0x00})

	ev := nextEvent(t, events)
	require.ErrorIs(t, ev.Err, ErrDecoding)
	require.True(t, w.IsConnected("xid"))
}

func TestPromoteToClient(t *testing.T) {
	w, _ := newTestWorker(t)
	mh := new(modifiedHookBase)
	require.NoError(t, w.AddHook(mh, nil))
	require.NoError(t, w.ConnectTransport(stream.NewMock(), 1883, EncryptionNone, "xid"))

	w.PromoteToClient("client", "xid", 10)
	require.True(t, w.IsConnected("client"))
	require.False(t, w.IsConnected("xid"))
	require.Equal(t, int64(1), atomic.LoadInt64(&mh.promoted))
	require.Equal(t, int64(1), atomic.LoadInt64(&w.Info.SessionsPromoted))

	sess, ok := w.Sessions.Get("client")
	require.True(t, ok)
	require.Equal(t, 15*time.Second, sess.Deadline())
}

func TestPromoteToClientZeroKeepAlive(t *testing.T) {
	w, _ := newTestWorker(t)
	require.NoError(t, w.ConnectTransport(stream.NewMock(), 1883, EncryptionNone, "xid"))

	w.PromoteToClient("client", "xid", 0)
	require.True(t, w.IsConnected("xid"))
	require.False(t, w.IsConnected("client"))
	require.Equal(t, int64(0), atomic.LoadInt64(&w.Info.SessionsPromoted))
}

func TestPromoteToClientEvicts(t *testing.T) {
	w, _ := newTestWorker(t)
	mh := new(modifiedHookBase)
	require.NoError(t, w.AddHook(mh, nil))

	m1 := stream.NewMock()
	m2 := stream.NewMock()
	require.NoError(t, w.ConnectTransport(m1, 1883, EncryptionNone, "xid1"))
	require.NoError(t, w.ConnectTransport(m2, 1883, EncryptionNone, "xid2"))

	w.PromoteToClient("client", "xid1", 10)
	w.PromoteToClient("client", "xid2", 10)

	require.Equal(t, 1, m1.Closes())
	require.Equal(t, 0, m2.Closes())
	require.Equal(t, 1, w.Sessions.Len())
	require.Equal(t, int64(1), atomic.LoadInt64(&w.Info.SessionsEvicted))
	require.Equal(t, int64(1), atomic.LoadInt64(&w.Info.ClientsConnected))
	require.Equal(t, ReasonEvicted, mh.reason())

	sess, ok := w.Sessions.Get("client")
	require.True(t, ok)
	require.Equal(t, "xid2", sess.ID())
}

func TestKeepAliveExpiry(t *testing.T) {
	w, c := newTestWorker(t)
	timeouts := new(timeoutRecorder)
	w.OnClientTimeout(timeouts.record)

	m := stream.NewMock()
	require.NoError(t, w.ConnectTransport(m, 1883, EncryptionNone, "xid"))
	w.PromoteToClient("client", "xid", 10)

	c.Add(14 * time.Second)
	require.True(t, w.IsConnected("client"))

	c.Add(time.Second)
	eventually(t, func() bool {
		return timeouts.len() == 1
	})

	key, reason := timeouts.get(0)
	require.Equal(t, "client", key)
	require.Equal(t, ReasonKeepAliveExpired, reason)
	require.False(t, w.IsConnected("client"))
	require.Equal(t, 1, m.Closes())
	require.Equal(t, int64(1), atomic.LoadInt64(&w.Info.SessionsExpired))
	require.Equal(t, int64(0), atomic.LoadInt64(&w.Info.ClientsConnected))
}

func TestResetKeepAlive(t *testing.T) {
	w, c := newTestWorker(t)
	timeouts := new(timeoutRecorder)
	w.OnClientTimeout(timeouts.record)

	require.NoError(t, w.ConnectTransport(stream.NewMock(), 1883, EncryptionNone, "xid"))
	w.PromoteToClient("client", "xid", 10)

	for i := 0; i < 5; i++ {
		c.Add(10 * time.Second)
		w.ResetKeepAlive("client")
	}

	time.Sleep(5 * time.Millisecond)
	require.Equal(t, 0, timeouts.len())
	require.True(t, w.IsConnected("client"))

	w.ResetKeepAlive("missing")
}

func TestStreamFailure(t *testing.T) {
	w, _ := newTestWorker(t)
	mh := new(modifiedHookBase)
	require.NoError(t, w.AddHook(mh, nil))
	timeouts := new(timeoutRecorder)
	w.OnClientTimeout(timeouts.record)
	require.NoError(t, w.Serve())

	m := stream.NewMock()
	require.NoError(t, w.ConnectTransport(m, 1883, EncryptionNone, "xid"))
	m.Fail(io.EOF)

	eventually(t, func() bool {
		return timeouts.len() == 1
	})

	key, reason := timeouts.get(0)
	require.Equal(t, "xid", key)
	require.Equal(t, ReasonStreamFailed, reason)
	require.False(t, w.IsConnected("xid"))
	require.Equal(t, 1, m.Closes())
	require.Equal(t, ReasonStreamFailed, mh.reason())
	require.Equal(t, int64(1), atomic.LoadInt64(&w.Info.StreamErrors))
}

func TestStreamFailureDrainsBufferedFrames(t *testing.T) {
	w, _ := newTestWorker(t)
	events := make(chan MessageEvent, 4)
	w.OnMessageReceived(func(ev MessageEvent) {
		events <- ev
	})
	timeouts := new(timeoutRecorder)
	w.OnClientTimeout(timeouts.record)

	m := stream.NewMock()
	require.NoError(t, w.ConnectTransport(m, 1883, EncryptionNone, "xid"))
	m.Feed(append(append([]byte{}, pingreqFrame...), pingreqFrame...))
	m.Fail(io.EOF)
	require.NoError(t, w.Serve())

	for i := 0; i < 2; i++ {
		ev := nextEvent(t, events)
		require.NoError(t, ev.Err)
		require.Equal(t, packets.Pingreq, ev.Packet.PacketType())
	}

	eventually(t, func() bool {
		return timeouts.len() == 1
	})
	require.Equal(t, 1, m.Closes())
}

func TestStreamFailureFailsPendingWrite(t *testing.T) {
	w, _ := newTestWorker(t)
	require.NoError(t, w.Serve())

	m := stream.NewMock()
	m.SetWritable(false)
	require.NoError(t, w.ConnectTransport(m, 1883, EncryptionNone, "xid"))

	result := make(chan error, 1)
	w.Write("xid", pingresp(), func(err error) {
		result <- err
	})
	m.Fail(io.ErrUnexpectedEOF)

	select {
	case err := <-result:
		require.ErrorIs(t, err, ErrStream)
		require.ErrorIs(t, err, io.ErrUnexpectedEOF)
	case <-time.After(2 * time.Second):
		t.Fatal("pending write was not completed")
	}
}

func TestWrite(t *testing.T) {
	w, _ := newTestWorker(t)
	m := stream.NewMock()
	require.NoError(t, w.ConnectTransport(m, 1883, EncryptionNone, "xid"))

	var got error = io.EOF
	w.Write("xid", pingresp(), func(err error) {
		got = err
	})
	require.NoError(t, got)
	require.Equal(t, []byte{0xd0, 0x00}, m.Output())
	require.Equal(t, int64(1), atomic.LoadInt64(&w.Info.PacketsSent))
}

func TestWriteNotConnected(t *testing.T) {
	w, _ := newTestWorker(t)
	var got error
	w.Write("missing", pingresp(), func(err error) {
		got = err
	})
	require.ErrorIs(t, got, ErrNotConnected)
}

func TestDisconnect(t *testing.T) {
	w, _ := newTestWorker(t)
	mh := new(modifiedHookBase)
	require.NoError(t, w.AddHook(mh, nil))
	timeouts := new(timeoutRecorder)
	w.OnClientTimeout(timeouts.record)

	m := stream.NewMock()
	require.NoError(t, w.ConnectTransport(m, 1883, EncryptionNone, "xid"))

	w.Disconnect("xid")
	w.Disconnect("xid")
	w.Disconnect("missing")

	require.False(t, w.IsConnected("xid"))
	require.Equal(t, 1, m.Closes())
	require.Equal(t, int64(1), atomic.LoadInt64(&mh.disconnected))
	require.Equal(t, ReasonDisconnected, mh.reason())
	require.Equal(t, 0, timeouts.len())
	require.Equal(t, int64(0), atomic.LoadInt64(&w.Info.ClientsConnected))
}

func TestDisconnectAllOnPort(t *testing.T) {
	w, _ := newTestWorker(t)
	streams := map[string]*stream.Mock{}
	for i, port := range []int{1883, 1883, 8883} {
		m := stream.NewMock()
		key := string(rune('a' + i))
		streams[key] = m
		require.NoError(t, w.ConnectTransport(m, port, EncryptionNone, key))
	}

	w.DisconnectAllOnPort(1883)
	require.False(t, w.IsConnected("a"))
	require.False(t, w.IsConnected("b"))
	require.True(t, w.IsConnected("c"))
	require.Equal(t, 1, streams["a"].Closes())
	require.Equal(t, 1, streams["b"].Closes())
	require.Equal(t, 0, streams["c"].Closes())

	w.DisconnectAllOnPort(1)
	require.Equal(t, 1, w.Sessions.Len())
}

func TestDisconnectAll(t *testing.T) {
	w, c := newTestWorker(t)
	timeouts := new(timeoutRecorder)
	w.OnClientTimeout(timeouts.record)

	mocks := make([]*stream.Mock, 100)
	for i := range mocks {
		mocks[i] = stream.NewMock()
		key := "xid-" + string(rune('0'+i/10)) + string(rune('0'+i%10))
		require.NoError(t, w.ConnectTransport(mocks[i], 1883, EncryptionNone, key))
		w.PromoteToClient("client-"+key, key, 1)
	}

	w.DisconnectAll()
	require.Equal(t, 0, w.Sessions.Len())
	for _, m := range mocks {
		require.Equal(t, 1, m.Closes())
	}

	c.Add(time.Hour)
	time.Sleep(5 * time.Millisecond)
	require.Equal(t, 0, timeouts.len())
	require.Equal(t, int64(0), atomic.LoadInt64(&w.Info.ClientsConnected))
}

func TestDisconnectAllRecoversHookPanic(t *testing.T) {
	w, _ := newTestWorker(t)
	require.NoError(t, w.AddHook(new(panickingHook), nil))

	a, b := stream.NewMock(), stream.NewMock()
	require.NoError(t, w.ConnectTransport(a, 1883, EncryptionNone, "a"))
	require.NoError(t, w.ConnectTransport(b, 1883, EncryptionNone, "b"))

	require.NotPanics(t, w.DisconnectAll)
	require.Equal(t, 0, w.Sessions.Len())
	require.Equal(t, 1, a.Closes())
	require.Equal(t, 1, b.Closes())
}

func TestIsConnectedEmpty(t *testing.T) {
	w, _ := newTestWorker(t)
	require.False(t, w.IsConnected(""))
	require.False(t, w.IsEncrypted("missing"))
}

func TestEstablishConnection(t *testing.T) {
	w, _ := newTestWorker(t)
	events := make(chan MessageEvent, 4)
	w.OnMessageReceived(func(ev MessageEvent) {
		events <- ev
	})
	require.NoError(t, w.Serve())

	server, client := net.Pipe()
	defer client.Close()

	require.NoError(t, w.EstablishConnection("mock", server))
	all := w.Sessions.GetAll()
	require.Len(t, all, 1)
	require.Equal(t, "mock", all[0].Listener)
	require.Equal(t, EncryptionNone, all[0].Encryption)
	require.Equal(t, 0, all[0].Port)

	_, err := client.Write(pingreqFrame)
	require.NoError(t, err)

	ev := nextEvent(t, events)
	require.NoError(t, ev.Err)
	require.Equal(t, all[0].Key(), ev.ClientID)
	require.Equal(t, packets.Pingreq, ev.Packet.PacketType())
}

func TestEstablishConnectionPeerClosed(t *testing.T) {
	w, _ := newTestWorker(t)
	timeouts := new(timeoutRecorder)
	w.OnClientTimeout(timeouts.record)
	require.NoError(t, w.Serve())

	server, client := net.Pipe()
	require.NoError(t, w.EstablishConnection("mock", server))
	key := w.Sessions.GetAll()[0].Key()
	_ = client.Close()

	eventually(t, func() bool {
		return timeouts.len() == 1
	})

	got, reason := timeouts.get(0)
	require.Equal(t, key, got)
	require.Equal(t, ReasonStreamFailed, reason)
}

func TestEstablishConnectionRejected(t *testing.T) {
	w, _ := newTestWorker(t)
	require.NoError(t, w.AddHook(&modifiedHookBase{fail: true}, nil))

	server, client := net.Pipe()
	defer client.Close()

	err := w.EstablishConnection("mock", server)
	require.ErrorIs(t, err, ErrConnectionRejected)
	require.Equal(t, 0, w.Sessions.Len())

	_, err = client.Write(pingreqFrame)
	require.Error(t, err)
}

func TestLocalPort(t *testing.T) {
	require.Equal(t, 1883, localPort(&net.TCPAddr{Port: 1883}))
	require.Equal(t, 443, localPort(&net.UDPAddr{Port: 443}))
	require.Equal(t, 0, localPort(&net.UnixAddr{Name: "sock"}))
	require.Equal(t, 0, localPort(nil))
}

func TestAddListener(t *testing.T) {
	w, _ := newTestWorker(t)
	require.NoError(t, w.AddListener(listeners.NewMockListener("t1", ":1882")))

	err := w.AddListener(listeners.NewMockListener("t1", ":1883"))
	require.ErrorIs(t, err, ErrListenerIDExists)

	ml := listeners.NewMockListener("t2", ":1884")
	ml.ErrListen = true
	require.Error(t, w.AddListener(ml))
	require.Equal(t, 1, w.Listeners.Len())
}

func TestAddListenersFromConfig(t *testing.T) {
	w, _ := newTestWorker(t)
	err := w.AddListenersFromConfig([]listeners.Config{
		{Type: listeners.TypeMock, ID: "m1", Address: ":1883"},
		{Type: "unknown", ID: "u1", Address: ":1884"},
		{Type: listeners.TypeHealthCheck, ID: "health", Address: "127.0.0.1:0"},
	})
	require.NoError(t, err)
	require.Equal(t, 2, w.Listeners.Len())

	_, ok := w.Listeners.Get("m1")
	require.True(t, ok)
	_, ok = w.Listeners.Get("u1")
	require.False(t, ok)
}

func TestAddListenersFromConfigBadTLS(t *testing.T) {
	w, _ := newTestWorker(t)
	err := w.AddListenersFromConfig([]listeners.Config{
		{Type: listeners.TypeTCP, ID: "t1", Address: "127.0.0.1:0", TLSCertFile: "missing.crt", TLSKeyFile: "missing.key"},
	})
	require.Error(t, err)
	require.Equal(t, 0, w.Listeners.Len())
}

func TestServeWithListener(t *testing.T) {
	w, _ := newTestWorker(t)
	mh := new(modifiedHookBase)
	require.NoError(t, w.AddHook(mh, nil))

	ml := listeners.NewMockListener("mock", ":1883")
	require.NoError(t, w.AddListener(ml))
	require.NoError(t, w.Serve())

	eventually(t, ml.IsServing)
	require.Equal(t, int64(1), atomic.LoadInt64(&mh.started))

	server, client := net.Pipe()
	defer client.Close()
	ml.Establish(server)

	eventually(t, func() bool {
		return w.Sessions.Len() == 1
	})
	require.Equal(t, "mock", w.Sessions.GetAll()[0].Listener)

	require.NoError(t, w.Close())
	require.Equal(t, 0, w.Sessions.Len())
	require.False(t, ml.IsServing())
	require.Equal(t, int64(1), atomic.LoadInt64(&mh.stopped))
	require.Equal(t, ReasonShutdown, mh.reason())
}

func TestWorkerHealth(t *testing.T) {
	w, _ := newTestWorker(t)
	require.ErrorIs(t, w.Health(), ErrNotServing)

	require.NoError(t, w.Serve())
	require.NoError(t, w.Health())

	require.NoError(t, w.Close())
	require.ErrorIs(t, w.Health(), ErrNotServing)
}

func TestServeListenersFromOptions(t *testing.T) {
	w := New(&Options{
		Source: stream.NewQueue(),
		Logger: logger,
		Listeners: []listeners.Config{
			{Type: listeners.TypeMock, ID: "m1", Address: ":1883"},
		},
	})
	defer w.Close()

	require.NoError(t, w.Serve())
	_, ok := w.Listeners.Get("m1")
	require.True(t, ok)
}

func TestServeHooksFromOptions(t *testing.T) {
	mh := new(modifiedHookBase)
	w := New(&Options{
		Source: stream.NewQueue(),
		Logger: logger,
		Hooks:  []HookLoadConfig{{Hook: mh}},
	})
	defer w.Close()

	require.NoError(t, w.Serve())
	require.Equal(t, int64(1), w.hooks.Len())
	require.Equal(t, int64(1), atomic.LoadInt64(&mh.started))
}

func TestServeClearsStoredSessions(t *testing.T) {
	w, _ := newTestWorker(t)
	mh := new(modifiedHookBase)
	require.NoError(t, w.AddHook(mh, nil))
	require.NoError(t, w.Serve())

	require.Equal(t, int64(1), atomic.LoadInt64(&mh.disconnected))
	require.Equal(t, ReasonShutdown, mh.reason())
}

func TestServeStoredSessionsError(t *testing.T) {
	w, _ := newTestWorker(t)
	require.NoError(t, w.AddHook(&modifiedHookBase{fail: true}, nil))

	err := w.Serve()
	require.ErrorIs(t, err, errTestHook)
}

func TestRestoreSession(t *testing.T) {
	sess := restoreSession(storage.Session{
		ID:          "client",
		Port:        8883,
		Encryption:  "tls1.2",
		Listener:    "tls",
		Remote:      "10.0.0.1:5000",
		KeepAlive:   15000,
		ConnectedAt: 1700000000,
	})

	require.Equal(t, "client", sess.Key())
	require.Equal(t, 8883, sess.Port)
	require.Equal(t, EncryptionTLS12, sess.Encryption)
	require.Equal(t, "tls", sess.Listener)
	require.Equal(t, "10.0.0.1:5000", sess.Remote)
	require.Equal(t, 15*time.Second, sess.Deadline())
	require.Equal(t, int64(1700000000), sess.ConnectedAt)
	require.True(t, sess.Disposed())
}

func TestPublishSysInfo(t *testing.T) {
	w, _ := newTestWorker(t)
	mh := new(modifiedHookBase)
	require.NoError(t, w.AddHook(mh, nil))

	w.publishSysInfo()
	require.Greater(t, atomic.LoadInt64(&w.Info.Threads), int64(0))
	require.Greater(t, atomic.LoadInt64(&w.Info.MemoryAlloc), int64(0))
	require.Equal(t, int64(1), atomic.LoadInt64(&mh.ticks))
}

func TestHandlerPanicRecovered(t *testing.T) {
	w, _ := newTestWorker(t)
	w.OnMessageReceived(func(ev MessageEvent) {
		panic("boom")
	})
	events := make(chan struct{}, 1)
	require.NoError(t, w.Serve())

	m := stream.NewMock()
	require.NoError(t, w.ConnectTransport(m, 1883, EncryptionNone, "xid"))
	m.Feed(pingreqFrame)

	w.OnMessageReceived(func(ev MessageEvent) {
		events <- struct{}{}
	})
	m.Feed(pingreqFrame)

	select {
	case <-events:
	case <-time.After(2 * time.Second):
		t.Fatal("worker stopped delivering after a handler panic")
	}
	require.True(t, w.IsConnected("xid"))
}

func TestCloseIdempotent(t *testing.T) {
	w, _ := newTestWorker(t)
	require.NoError(t, w.Serve())
	m := stream.NewMock()
	require.NoError(t, w.ConnectTransport(m, 1883, EncryptionNone, "xid"))

	require.NoError(t, w.Close())
	require.NoError(t, w.Close())
	require.Equal(t, 1, m.Closes())
	require.False(t, w.IsConnected("xid"))
}
