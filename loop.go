// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2023 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

package transport

import (
	"context"
	"errors"
	"log/slog"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mochi-mqtt/transport/stream"
)

// EventLoop pumps a readiness source on a dedicated, OS thread locked
// goroutine. All stream handlers run on this goroutine.
type EventLoop struct {
	source      stream.Source
	pollTimeout time.Duration
	delay       time.Duration
	log         *slog.Logger
	cancel      context.CancelFunc
	wg          sync.WaitGroup
	mu          sync.Mutex
	running     atomic.Bool
}

// NewEventLoop returns an event loop for source. Each cycle polls for up to
// pollTimeout, then sleeps for delay.
func NewEventLoop(source stream.Source, pollTimeout, delay time.Duration, log *slog.Logger) *EventLoop {
	return &EventLoop{
		source:      source,
		pollTimeout: pollTimeout,
		delay:       delay,
		log:         log,
	}
}

// Start runs the loop until ctx is cancelled or Stop is called.
func (l *EventLoop) Start(ctx context.Context) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.cancel != nil {
		return
	}

	ctx, l.cancel = context.WithCancel(ctx)
	l.wg.Add(1)
	l.running.Store(true)
	go l.run(ctx)
}

// Running returns true from Start until the loop goroutine exits.
func (l *EventLoop) Running() bool {
	return l.running.Load()
}

func (l *EventLoop) run(ctx context.Context) {
	defer l.wg.Done()
	defer l.running.Store(false)
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	l.log.Debug("event loop started", "category", "socket")
	defer l.log.Debug("event loop stopped", "category", "socket")

	var delay *time.Timer
	if l.delay > 0 {
		delay = time.NewTimer(l.delay)
		defer delay.Stop()
	}

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		_, err := l.source.Poll(l.pollTimeout)
		if errors.Is(err, stream.ErrClosed) {
			return
		}

		if err != nil {
			l.log.Error("event source poll failed", "category", "socket", "error", err)
		}

		if delay == nil {
			continue
		}

		delay.Reset(l.delay)
		select {
		case <-ctx.Done():
			return
		case <-delay.C:
		}
	}
}

// Stop cancels the loop and waits for the current cycle to finish.
func (l *EventLoop) Stop() {
	l.mu.Lock()
	cancel := l.cancel
	l.mu.Unlock()
	if cancel == nil {
		return
	}

	cancel()
	l.wg.Wait()
}
