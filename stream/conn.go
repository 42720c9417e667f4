// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2023 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

package stream

import (
	"bytes"
	"net"
	"sync"
)

// DefaultReadSize is the size of the read buffer used by a Conn.
const DefaultReadSize = 4096

// Conn adapts a blocking net.Conn into a non-blocking Notifying stream. A
// reader goroutine fills an inbound buffer and a writer goroutine drains an
// outbound buffer; both report readiness to the notifier set by the source.
type Conn struct {
	conn      net.Conn
	mu        sync.Mutex
	readCond  *sync.Cond
	writeCond *sync.Cond
	in        bytes.Buffer
	out       bytes.Buffer
	notifier  Notifier
	readErr   error
	writeErr  error
	readSize  int
	flushing  bool
	closed    bool
	start     sync.Once
	closeOnce sync.Once
	done      chan struct{}
}

// NewConn wraps c. Reading begins when the stream is first subscribed to a
// source. readSize caps the bytes held unread in the inbound buffer.
func NewConn(c net.Conn, readSize int) *Conn {
	if readSize <= 0 {
		readSize = DefaultReadSize
	}

	s := &Conn{
		conn:     c,
		readSize: readSize,
		done:     make(chan struct{}),
	}
	s.readCond = sync.NewCond(&s.mu)
	s.writeCond = sync.NewCond(&s.mu)
	return s
}

// SetNotifier sets the notifier and starts the io goroutines on first use.
func (s *Conn) SetNotifier(n Notifier) {
	s.mu.Lock()
	s.notifier = n
	s.mu.Unlock()

	if n == nil {
		return
	}

	s.start.Do(func() {
		go s.readLoop()
		go s.writeLoop()
	})
}

func (s *Conn) notify(ev Event, err error) {
	s.mu.Lock()
	n := s.notifier
	s.mu.Unlock()
	if n != nil {
		n.Notify(s, ev, err)
	}
}

func (s *Conn) readLoop() {
	buf := make([]byte, s.readSize)
	for {
		s.mu.Lock()
		for s.in.Len() >= s.readSize && !s.closed {
			s.readCond.Wait()
		}
		closed := s.closed
		s.mu.Unlock()
		if closed {
			return
		}

		n, err := s.conn.Read(buf)

		s.mu.Lock()
		if n > 0 {
			s.in.Write(buf[:n])
		}
		closed = s.closed
		if err != nil && !closed {
			s.readErr = err
		}
		s.mu.Unlock()

		if n > 0 {
			s.notify(Readable, nil)
		}

		if err != nil {
			if !closed {
				s.notify(Errored, err)
			}
			return
		}
	}
}

func (s *Conn) writeLoop() {
	for {
		s.mu.Lock()
		for s.out.Len() == 0 && !s.closed {
			s.writeCond.Wait()
		}
		if s.closed {
			s.mu.Unlock()
			return
		}

		data := make([]byte, s.out.Len())
		copy(data, s.out.Bytes())
		s.out.Reset()
		s.flushing = true
		s.mu.Unlock()

		_, err := s.conn.Write(data)

		s.mu.Lock()
		s.flushing = false
		drained := s.out.Len() == 0
		closed := s.closed
		if err != nil && !closed {
			s.writeErr = err
		}
		s.mu.Unlock()

		switch {
		case closed:
			return
		case err != nil:
			s.notify(Errored, err)
			return
		case drained:
			s.notify(Writable, nil)
		}
	}
}

// Read reads buffered inbound bytes. It returns 0, nil if none are available,
// or the read error once the buffer is drained.
func (s *Conn) Read(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.in.Len() > 0 {
		n, _ := s.in.Read(p)
		s.readCond.Signal()
		return n, nil
	}

	if s.readErr != nil {
		return 0, s.readErr
	}

	if s.closed {
		return 0, ErrClosed
	}

	return 0, nil
}

// Write queues p for the writer goroutine.
func (s *Conn) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return 0, ErrClosed
	}

	if s.writeErr != nil {
		return 0, s.writeErr
	}

	s.out.Write(p)
	s.writeCond.Signal()
	return len(p), nil
}

// Writable returns true if no outbound bytes are waiting to be sent.
func (s *Conn) Writable() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.closed && s.writeErr == nil && !s.flushing && s.out.Len() == 0
}

// Buffered returns the number of unread inbound bytes.
func (s *Conn) Buffered() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.in.Len()
}

// Close closes the underlying connection once.
func (s *Conn) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.readCond.Broadcast()
		s.writeCond.Broadcast()
		s.mu.Unlock()

		err = s.conn.Close()
		close(s.done)
	})

	return err
}

// Done is closed when the stream has been closed.
func (s *Conn) Done() <-chan struct{} {
	return s.done
}

// RemoteAddr returns the remote address of the underlying connection.
func (s *Conn) RemoteAddr() net.Addr {
	return s.conn.RemoteAddr()
}
