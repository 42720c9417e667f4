// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2023 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

package transport

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// KeepAliveGrace is the multiplier applied to a client's keep-alive interval
// to produce the watchdog period [MQTT-3.1.2-24].
const KeepAliveGrace = 1500 * time.Millisecond

// keepAlivePeriod returns the watchdog period for a keep-alive interval in seconds.
func keepAlivePeriod(keepAlive uint16) time.Duration {
	return time.Duration(keepAlive) * KeepAliveGrace
}

// watchdog fires expire every period until stopped. Resetting discards the
// running ticker and starts a new full period.
type watchdog struct {
	clock   clock.Clock
	period  time.Duration
	expire  func()
	mu      sync.Mutex
	ticker  *clock.Ticker
	halt    chan struct{}
	stopped bool
}

func newWatchdog(c clock.Clock, period time.Duration, expire func()) *watchdog {
	return &watchdog{
		clock:  c,
		period: period,
		expire: expire,
	}
}

func (w *watchdog) start() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopped || w.ticker != nil {
		return
	}
	w.arm()
}

func (w *watchdog) arm() {
	t := w.clock.Ticker(w.period)
	halt := make(chan struct{})
	w.ticker, w.halt = t, halt
	go w.run(t, halt)
}

func (w *watchdog) disarm() {
	if w.ticker == nil {
		return
	}
	w.ticker.Stop()
	close(w.halt)
	w.ticker, w.halt = nil, nil
}

func (w *watchdog) run(t *clock.Ticker, halt chan struct{}) {
	for {
		select {
		case <-halt:
			return
		case <-t.C:
			// a tick from a ticker replaced by reset must not fire
			w.mu.Lock()
			current := w.ticker == t && !w.stopped
			w.mu.Unlock()
			if !current {
				return
			}
			w.expire()
		}
	}
}

func (w *watchdog) reset() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopped {
		return
	}
	w.disarm()
	w.arm()
}

// stop halts the watchdog. It does not wait for an expire call in progress,
// so it is safe to call from within expire.
func (w *watchdog) stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopped {
		return
	}
	w.stopped = true
	w.disarm()
}
