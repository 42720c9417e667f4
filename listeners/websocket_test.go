// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

package listeners

import (
	"crypto/tls"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

// serveWebsocket runs the listener handler on a test server and returns a
// connected client alongside the worker side of the connection.
func serveWebsocket(t *testing.T, l *Websocket) (*websocket.Conn, net.Conn) {
	t.Helper()

	establish, conns := establishRecorder()
	require.NoError(t, l.Init(logger))
	l.establish = establish

	srv := httptest.NewServer(http.HandlerFunc(l.handler))
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	client, _, err := websocket.DefaultDialer.Dial(url, http.Header{"Sec-WebSocket-Protocol": {"mqtt"}})
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	select {
	case c := <-conns:
		return client, c
	case <-time.After(time.Second):
		t.Fatal("connection was not established")
	}

	return nil, nil
}

func TestNewWebsocket(t *testing.T) {
	l := NewWebsocket(basicConfig)
	require.Equal(t, "t1", l.ID())
	require.Equal(t, testAddr, l.Address())
	require.Equal(t, "ws", l.Protocol())
	require.NotNil(t, l.upgrader)
}

func TestWebsocketProtocolTLS(t *testing.T) {
	l := NewWebsocket(Config{ID: "t1", Address: testAddr, TLSConfig: &tls.Config{}}) // #nosec G402
	require.Equal(t, "wss", l.Protocol())
}

func TestWebsocketInit(t *testing.T) {
	l := NewWebsocket(basicConfig)
	require.NoError(t, l.Init(logger))
	require.NotNil(t, l.listen)
	require.Equal(t, testAddr, l.listen.Addr)
}

func TestWebsocketReadWrite(t *testing.T) {
	client, c := serveWebsocket(t, NewWebsocket(basicConfig))

	require.NoError(t, client.WriteMessage(websocket.BinaryMessage, []byte{0xc0, 0x00}))
	buf := make([]byte, 8)
	n, err := c.Read(buf)
	require.NoError(t, err)
	require.Equal(t, []byte{0xc0, 0x00}, buf[:n])

	n, err = c.Write([]byte{0xd0, 0x00})
	require.NoError(t, err)
	require.Equal(t, 2, n)

	op, msg, err := client.ReadMessage()
	require.NoError(t, err)
	require.Equal(t, websocket.BinaryMessage, op)
	require.Equal(t, []byte{0xd0, 0x00}, msg)
}

func TestWebsocketReadSplitsLargeMessage(t *testing.T) {
	client, c := serveWebsocket(t, NewWebsocket(basicConfig))

	require.NoError(t, client.WriteMessage(websocket.BinaryMessage, []byte{1, 2, 3, 4, 5}))
	require.NoError(t, client.WriteMessage(websocket.BinaryMessage, []byte{6}))

	var got []byte
	buf := make([]byte, 2)
	for len(got) < 6 {
		n, err := c.Read(buf)
		require.NoError(t, err)
		got = append(got, buf[:n]...)
	}
	require.Equal(t, []byte{1, 2, 3, 4, 5, 6}, got)
}

func TestWebsocketReadTextMessage(t *testing.T) {
	client, c := serveWebsocket(t, NewWebsocket(basicConfig))

	require.NoError(t, client.WriteMessage(websocket.TextMessage, []byte("hello")))
	_, err := c.Read(make([]byte, 8))
	require.ErrorIs(t, err, ErrInvalidMessage)
}

func TestWebsocketConnectionStatePlain(t *testing.T) {
	_, c := serveWebsocket(t, NewWebsocket(basicConfig))

	cs, ok := c.(interface{ ConnectionState() tls.ConnectionState })
	require.True(t, ok)
	require.Zero(t, cs.ConnectionState().Version)
}

func TestWebsocketServeAndClose(t *testing.T) {
	l := NewWebsocket(basicConfig)
	require.NoError(t, l.Init(logger))

	o := make(chan bool)
	go func() {
		l.Serve(MockEstablisher)
		o <- true
	}()

	time.Sleep(time.Millisecond * 10)

	var closed bool
	l.Close(func(id string) {
		closed = true
	})
	require.True(t, closed)
	<-o
}
