// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2023 mochi-mqtt, mochi-co
// SPDX-FileContributor: Jeroen Rinzema

package listeners

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestNewNet(t *testing.T) {
	n, err := net.Listen("tcp", testAddr)
	require.NoError(t, err)

	l := NewNet("t1", n)
	require.Equal(t, "t1", l.ID())
	require.Equal(t, n.Addr().String(), l.Address())
	require.Equal(t, "tcp", l.Protocol())
	require.NoError(t, l.Init(logger))
	l.Close(MockCloser)
}

func TestNetServeAndClose(t *testing.T) {
	n, err := net.Listen("tcp", testAddr)
	require.NoError(t, err)

	l := NewNet("t1", n)
	require.NoError(t, l.Init(logger))

	establish, conns := establishRecorder()
	o := make(chan bool)
	go func() {
		l.Serve(establish)
		o <- true
	}()

	c, err := net.Dial("tcp", l.Address())
	require.NoError(t, err)
	defer c.Close()

	select {
	case sc := <-conns:
		_ = sc.Close()
	case <-time.After(time.Second):
		t.Fatal("connection was not established")
	}

	var closed bool
	l.Close(func(id string) {
		closed = true
	})
	require.True(t, closed)
	<-o
}
