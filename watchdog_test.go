// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2023 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

package transport

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/require"
)

func newTestWatchdog(keepAlive uint16) (*watchdog, *clock.Mock, *int64) {
	c := clock.NewMock()
	fired := new(int64)
	w := newWatchdog(c, keepAlivePeriod(keepAlive), func() {
		atomic.AddInt64(fired, 1)
	})
	return w, c, fired
}

func TestKeepAlivePeriod(t *testing.T) {
	require.Equal(t, time.Duration(0), keepAlivePeriod(0))
	require.Equal(t, 1500*time.Millisecond, keepAlivePeriod(1))
	require.Equal(t, 90*time.Second, keepAlivePeriod(60))
	require.Equal(t, 5400*time.Second, keepAlivePeriod(3600))
}

func TestWatchdogFiresAtDeadline(t *testing.T) {
	w, c, fired := newTestWatchdog(60)
	w.start()
	defer w.stop()

	c.Add(89 * time.Second)
	require.Equal(t, int64(0), atomic.LoadInt64(fired))

	c.Add(time.Second)
	require.Eventually(t, func() bool {
		return atomic.LoadInt64(fired) == 1
	}, time.Second, time.Millisecond)
}

func TestWatchdogIsPeriodic(t *testing.T) {
	w, c, fired := newTestWatchdog(1)
	w.start()
	defer w.stop()

	for i := int64(1); i <= 3; i++ {
		c.Add(1500 * time.Millisecond)
		require.Eventually(t, func() bool {
			return atomic.LoadInt64(fired) == i
		}, time.Second, time.Millisecond)
	}
}

func TestWatchdogReset(t *testing.T) {
	w, c, fired := newTestWatchdog(60)
	w.start()
	defer w.stop()

	c.Add(85 * time.Second)
	w.reset()

	c.Add(10 * time.Second)
	require.Equal(t, int64(0), atomic.LoadInt64(fired))

	c.Add(79 * time.Second)
	require.Equal(t, int64(0), atomic.LoadInt64(fired))

	c.Add(time.Second)
	require.Eventually(t, func() bool {
		return atomic.LoadInt64(fired) == 1
	}, time.Second, time.Millisecond)
}

func TestWatchdogStop(t *testing.T) {
	w, c, fired := newTestWatchdog(1)
	w.start()
	w.stop()
	w.stop()

	c.Add(time.Hour)
	time.Sleep(time.Millisecond * 5)
	require.Equal(t, int64(0), atomic.LoadInt64(fired))

	// a stopped watchdog cannot be restarted or reset
	w.start()
	w.reset()
	c.Add(time.Hour)
	time.Sleep(time.Millisecond * 5)
	require.Equal(t, int64(0), atomic.LoadInt64(fired))
	require.Nil(t, w.ticker)
}

func TestWatchdogStopFromExpire(t *testing.T) {
	c := clock.NewMock()
	done := make(chan struct{})
	var w *watchdog
	w = newWatchdog(c, time.Second, func() {
		w.stop()
		close(done)
	})
	w.start()

	c.Add(time.Second)
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("watchdog did not fire")
	}
}

func TestWatchdogStartTwice(t *testing.T) {
	w, _, _ := newTestWatchdog(1)
	w.start()
	first := w.ticker
	w.start()
	require.Equal(t, first, w.ticker)
	w.stop()
}
