// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2023 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

package mempool

import (
	"bytes"
	"runtime/debug"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewFramePool(t *testing.T) {
	require.Equal(t, 1000, NewFramePool(1000).Max())
	require.Equal(t, 0, NewFramePool(0).Max())
	require.Equal(t, 0, NewFramePool(-1).Max())
}

func TestFramePoolReuse(t *testing.T) {
	defer debug.SetGCPercent(debug.SetGCPercent(-1))
	p := NewFramePool(0)

	buf := p.Get()
	buf.Write(bytes.Repeat([]byte{'a'}, 101))
	p.Put(buf)

	buf = p.Get()
	require.Equal(t, 0, buf.Len())

	s := p.Stats()
	require.Equal(t, int64(2), s.Gets)
	require.Equal(t, int64(1), s.Returned)
	require.Equal(t, int64(0), s.Dropped)
	require.GreaterOrEqual(t, s.Allocated, int64(1))
}

func TestFramePoolDropsOversized(t *testing.T) {
	defer debug.SetGCPercent(debug.SetGCPercent(-1))
	p := NewFramePool(100)

	buf := p.Get()
	buf.Write(bytes.Repeat([]byte{'a'}, 101))
	p.Put(buf)

	buf = p.Get()
	require.Equal(t, 0, buf.Len())
	require.Equal(t, 0, buf.Cap())
	require.Equal(t, int64(1), p.Stats().Dropped)
	require.Equal(t, int64(0), p.Stats().Returned)
}

func TestFramePoolPutNil(t *testing.T) {
	p := NewFramePool(10)
	p.Put(nil)
	require.Equal(t, Stats{}, p.Stats())
}

func TestDefaultPoolDropsOversized(t *testing.T) {
	defer debug.SetGCPercent(debug.SetGCPercent(-1))
	defer SetDefault(DefaultMaxCapacity)

	SetDefault(8)
	require.Equal(t, 8, Default().Max())

	buf := GetBuffer()
	buf.Write(make([]byte, 64))
	PutBuffer(buf)
	require.Equal(t, 0, GetBuffer().Cap())
	require.Equal(t, int64(1), Default().Stats().Dropped)
	require.Equal(t, int64(2), Default().Stats().Gets)
}
