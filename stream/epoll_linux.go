// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2023 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

//go:build linux

package stream

import (
	"errors"
	"io"
	"net"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

const maxEpollEvents = 128

// FD is a non-blocking stream over a raw socket descriptor, driven by Epoll.
type FD struct {
	fd        int
	conn      io.Closer
	mu        sync.Mutex
	out       []byte
	writeErr  error
	owner     *Epoll
	closed    bool
	closeOnce sync.Once
}

// NewFD duplicates the descriptor of c into a non-blocking FD stream. The
// stream takes ownership of c and closes it with the descriptor.
func NewFD(c net.Conn) (Stream, error) {
	sc, ok := c.(syscall.Conn)
	if !ok {
		return nil, ErrUnsupported
	}

	raw, err := sc.SyscallConn()
	if err != nil {
		return nil, err
	}

	var fd int
	var dupErr error
	err = raw.Control(func(s uintptr) {
		fd, dupErr = unix.Dup(int(s))
	})
	if err != nil {
		return nil, err
	}
	if dupErr != nil {
		return nil, dupErr
	}

	return newFD(fd, c)
}

func newFD(fd int, conn io.Closer) (*FD, error) {
	if err := unix.SetNonblock(fd, true); err != nil {
		_ = unix.Close(fd)
		return nil, err
	}

	return &FD{fd: fd, conn: conn}, nil
}

// Read reads from the descriptor. It returns 0, nil if the read would block
// and io.EOF when the peer has closed.
func (f *FD) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}

	for {
		n, err := unix.Read(f.fd, p)
		switch {
		case errors.Is(err, unix.EINTR):
			continue
		case errors.Is(err, unix.EAGAIN):
			return 0, nil
		case errors.Is(err, unix.EBADF):
			return 0, ErrClosed
		case err != nil:
			return 0, err
		case n == 0:
			return 0, io.EOF
		}
		return n, nil
	}
}

// Write writes p, buffering whatever the socket does not accept immediately
// and asking the owning Epoll to watch for writability.
func (f *FD) Write(p []byte) (int, error) {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return 0, ErrClosed
	}

	if f.writeErr != nil {
		f.mu.Unlock()
		return 0, f.writeErr
	}

	if len(f.out) > 0 {
		f.out = append(f.out, p...)
		f.mu.Unlock()
		return len(p), nil
	}

	n, err := f.write(p)
	if err != nil {
		f.writeErr = err
		f.mu.Unlock()
		return 0, err
	}

	var rearm bool
	if n < len(p) {
		f.out = append(f.out, p[n:]...)
		rearm = true
	}
	owner := f.owner
	f.mu.Unlock()

	if rearm && owner != nil {
		_ = owner.rearm(f)
	}

	return len(p), nil
}

func (f *FD) write(p []byte) (int, error) {
	for {
		n, err := unix.Write(f.fd, p)
		switch {
		case errors.Is(err, unix.EINTR):
			continue
		case errors.Is(err, unix.EAGAIN):
			return 0, nil
		case err != nil:
			return 0, err
		}
		return n, nil
	}
}

// flush writes pending outbound bytes, returning true if any remain.
func (f *FD) flush() (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if len(f.out) == 0 || f.closed {
		return false, nil
	}

	n, err := f.write(f.out)
	if err != nil {
		f.writeErr = err
		return false, err
	}

	f.out = f.out[n:]
	if len(f.out) == 0 {
		f.out = nil
	}

	return len(f.out) > 0, nil
}

func (f *FD) pending() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.out) > 0
}

// Writable returns true if no outbound bytes are waiting to be sent.
func (f *FD) Writable() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return !f.closed && f.writeErr == nil && len(f.out) == 0
}

// Close closes the descriptor and the connection it was duplicated from.
func (f *FD) Close() error {
	var err error
	f.closeOnce.Do(func() {
		f.mu.Lock()
		f.closed = true
		f.mu.Unlock()

		err = unix.Close(f.fd)
		if f.conn != nil {
			_ = f.conn.Close()
		}
	})

	return err
}

type epollSub struct {
	fd      *FD
	mask    Event
	handler Handler
}

// Epoll is a level triggered epoll(7) Source for FD streams. Notifying
// streams, such as TLS or websocket connections, are also accepted; their
// notifications are queued and an eventfd wakes the poller.
type Epoll struct {
	OnPanic PanicFn // called when a handler panics
	epfd    int
	wakefd  int
	queue   *Queue
	mu      sync.Mutex
	subs    map[int]*epollSub
	events  []unix.EpollEvent
	closed  bool
}

// NewEpoll creates a new epoll instance.
func NewEpoll() (*Epoll, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, err
	}

	wakefd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		_ = unix.Close(epfd)
		return nil, err
	}

	err = unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, wakefd, &unix.EpollEvent{
		Events: unix.EPOLLIN,
		Fd:     int32(wakefd),
	})
	if err != nil {
		_ = unix.Close(wakefd)
		_ = unix.Close(epfd)
		return nil, err
	}

	e := &Epoll{
		epfd:   epfd,
		wakefd: wakefd,
		queue:  NewQueue(),
		subs:   map[int]*epollSub{},
		events: make([]unix.EpollEvent, maxEpollEvents),
	}
	e.queue.wake = e.wake

	return e, nil
}

func (e *Epoll) wake() {
	var one = [8]byte{1}
	_, _ = unix.Write(e.wakefd, one[:])
}

func (e *Epoll) drainWake() {
	var buf [8]byte
	_, _ = unix.Read(e.wakefd, buf[:])
}

// SetOnPanic sets the handler panic callback.
func (e *Epoll) SetOnPanic(fn PanicFn) {
	e.OnPanic = fn
}

// IsReactor returns true if src polls FD streams natively.
func IsReactor(src Source) bool {
	_, ok := src.(*Epoll)
	return ok
}

// NewReactor returns the native readiness source for this platform.
func NewReactor() (Source, error) {
	return NewEpoll()
}

func epollEvents(mask Event, pending bool) uint32 {
	var ev uint32 = unix.EPOLLRDHUP
	if mask.Has(Readable) {
		ev |= unix.EPOLLIN
	}
	if mask.Has(Writable) || pending {
		ev |= unix.EPOLLOUT
	}
	return ev
}

// Subscribe adds the descriptor of s to the epoll set.
func (e *Epoll) Subscribe(s Stream, mask Event, h Handler) error {
	f, ok := s.(*FD)
	if !ok {
		return e.queue.Subscribe(s, mask, h)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrClosed
	}

	if _, ok := e.subs[f.fd]; ok {
		return ErrSubscribed
	}

	err := unix.EpollCtl(e.epfd, unix.EPOLL_CTL_ADD, f.fd, &unix.EpollEvent{
		Events: epollEvents(mask, f.pending()),
		Fd:     int32(f.fd),
	})
	if err != nil {
		return err
	}

	e.subs[f.fd] = &epollSub{fd: f, mask: mask, handler: h}

	f.mu.Lock()
	f.owner = e
	f.mu.Unlock()

	return nil
}

// Modify replaces the interest mask of s.
func (e *Epoll) Modify(s Stream, mask Event) error {
	f, ok := s.(*FD)
	if !ok {
		return e.queue.Modify(s, mask)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	sub, ok := e.subs[f.fd]
	if !ok || sub.fd != f {
		return ErrNotSubscribed
	}

	sub.mask = mask
	return e.ctl(sub)
}

func (e *Epoll) rearm(f *FD) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	sub, ok := e.subs[f.fd]
	if !ok || sub.fd != f {
		return ErrNotSubscribed
	}

	return e.ctl(sub)
}

func (e *Epoll) ctl(sub *epollSub) error {
	return unix.EpollCtl(e.epfd, unix.EPOLL_CTL_MOD, sub.fd.fd, &unix.EpollEvent{
		Events: epollEvents(sub.mask, sub.fd.pending()),
		Fd:     int32(sub.fd.fd),
	})
}

// Unsubscribe removes the descriptor of s from the epoll set.
func (e *Epoll) Unsubscribe(s Stream) error {
	f, ok := s.(*FD)
	if !ok {
		return e.queue.Unsubscribe(s)
	}

	e.mu.Lock()
	sub, ok := e.subs[f.fd]
	if !ok || sub.fd != f {
		e.mu.Unlock()
		return ErrNotSubscribed
	}
	delete(e.subs, f.fd)
	e.mu.Unlock()

	f.mu.Lock()
	f.owner = nil
	f.mu.Unlock()

	err := unix.EpollCtl(e.epfd, unix.EPOLL_CTL_DEL, f.fd, nil)
	if errors.Is(err, unix.ENOENT) || errors.Is(err, unix.EBADF) {
		return nil
	}

	return err
}

// Poll waits up to timeout for readiness and dispatches the handlers of the
// ready descriptors.
func (e *Epoll) Poll(timeout time.Duration) (int, error) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return 0, ErrClosed
	}
	e.mu.Unlock()

	ms := int(timeout.Milliseconds())
	if e.queue.Pending() > 0 {
		ms = 0
	}

	n, err := unix.EpollWait(e.epfd, e.events, ms)
	if errors.Is(err, unix.EINTR) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}

	var called int
	for i := 0; i < n; i++ {
		raw := e.events[i]
		if int(raw.Fd) == e.wakefd {
			e.drainWake()
			continue
		}

		e.mu.Lock()
		sub, ok := e.subs[int(raw.Fd)]
		var mask Event
		if ok {
			mask = sub.mask
		}
		e.mu.Unlock()
		if !ok {
			continue
		}

		var ev Event
		var evErr error
		if raw.Events&(unix.EPOLLIN|unix.EPOLLRDHUP|unix.EPOLLHUP|unix.EPOLLERR) > 0 && mask.Has(Readable) {
			ev |= Readable
		}

		if raw.Events&unix.EPOLLERR > 0 {
			ev |= Errored
			if v, err := unix.GetsockoptInt(sub.fd.fd, unix.SOL_SOCKET, unix.SO_ERROR); err == nil && v != 0 {
				evErr = unix.Errno(v)
			}
		}

		if raw.Events&unix.EPOLLOUT > 0 {
			more, ferr := sub.fd.flush()
			switch {
			case ferr != nil:
				ev |= Errored
				evErr = ferr
			case !more:
				if mask.Has(Writable) {
					ev |= Writable
				} else {
					_ = e.rearm(sub.fd)
				}
			}
		}

		if ev == 0 {
			continue
		}

		dispatch(sub.handler, sub.fd, ev, evErr, e.OnPanic)
		called++
	}

	e.queue.OnPanic = e.OnPanic
	qn, err := e.queue.Poll(0)
	if err != nil {
		return called, err
	}

	return called + qn, nil
}

// Close closes the epoll instance.
func (e *Epoll) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil
	}

	e.closed = true
	e.subs = map[int]*epollSub{}
	_ = e.queue.Close()
	_ = unix.Close(e.wakefd)
	return unix.Close(e.epfd)
}
