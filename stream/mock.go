// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2023 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

package stream

import (
	"bytes"
	"sync"
	"sync/atomic"
)

// Mock is an in-memory Notifying stream for tests.
type Mock struct {
	Chunk    int   // if > 0, the most bytes returned by a single Read
	WriteErr error // returned by Write when set
	mu       sync.Mutex
	in       bytes.Buffer
	out      bytes.Buffer
	readErr  error
	notifier Notifier
	blocked  bool
	closed   bool
	closes   int32
	writes   int32
}

// NewMock returns a writable mock stream.
func NewMock() *Mock {
	return new(Mock)
}

// SetNotifier sets the notifier used by Feed, Fail and SetWritable.
func (m *Mock) SetNotifier(n Notifier) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.notifier = n
}

func (m *Mock) notify(ev Event, err error) {
	m.mu.Lock()
	n := m.notifier
	m.mu.Unlock()
	if n != nil {
		n.Notify(m, ev, err)
	}
}

// Feed appends inbound bytes and raises a readable notification.
func (m *Mock) Feed(b []byte) {
	m.mu.Lock()
	m.in.Write(b)
	m.mu.Unlock()
	m.notify(Readable, nil)
}

// Fail sets the read error and raises an errored notification.
func (m *Mock) Fail(err error) {
	m.mu.Lock()
	m.readErr = err
	m.mu.Unlock()
	m.notify(Errored, err)
}

// SetWritable changes write readiness, raising a writable notification when
// the stream becomes writable.
func (m *Mock) SetWritable(writable bool) {
	m.mu.Lock()
	m.blocked = !writable
	m.mu.Unlock()
	if writable {
		m.notify(Writable, nil)
	}
}

// Read implements Stream.
func (m *Mock) Read(p []byte) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.in.Len() > 0 {
		if m.Chunk > 0 && len(p) > m.Chunk {
			p = p[:m.Chunk]
		}
		n, _ := m.in.Read(p)
		return n, nil
	}

	if m.readErr != nil {
		return 0, m.readErr
	}

	if m.closed {
		return 0, ErrClosed
	}

	return 0, nil
}

// Write implements Stream.
func (m *Mock) Write(p []byte) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return 0, ErrClosed
	}

	if m.WriteErr != nil {
		return 0, m.WriteErr
	}

	atomic.AddInt32(&m.writes, 1)
	m.out.Write(p)
	return len(p), nil
}

// Writable implements Stream.
func (m *Mock) Writable() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return !m.closed && !m.blocked
}

// Buffered returns the number of unread inbound bytes.
func (m *Mock) Buffered() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.in.Len()
}

// Close implements Stream, counting every call.
func (m *Mock) Close() error {
	atomic.AddInt32(&m.closes, 1)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// Closes returns the number of times Close was called.
func (m *Mock) Closes() int {
	return int(atomic.LoadInt32(&m.closes))
}

// Writes returns the number of successful writes.
func (m *Mock) Writes() int {
	return int(atomic.LoadInt32(&m.writes))
}

// Output returns a copy of everything written.
func (m *Mock) Output() []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]byte{}, m.out.Bytes()...)
}
