// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2023 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

package stream

import (
	"sync"
	"time"

	"github.com/eapache/queue"
)

type subscription struct {
	mask    Event
	handler Handler
}

type notification struct {
	s   Stream
	ev  Event
	err error
}

// Queue is a portable Source for Notifying streams. Notifications are queued
// as they arrive and dispatched in order by Poll. Readable is level triggered:
// a stream which still has buffered bytes after its handler returns is queued again.
type Queue struct {
	OnPanic PanicFn // called when a handler panics
	mu      sync.Mutex
	subs    map[Stream]*subscription
	pending *queue.Queue
	signal  chan struct{}
	closed  bool
	wake    func()
}

// NewQueue returns a new queue source.
func NewQueue() *Queue {
	return &Queue{
		subs:    map[Stream]*subscription{},
		pending: queue.New(),
		signal:  make(chan struct{}, 1),
	}
}

// Subscribe registers interest in mask for s.
func (q *Queue) Subscribe(s Stream, mask Event, h Handler) error {
	ns, ok := s.(Notifying)
	if !ok {
		return ErrUnsupported
	}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrClosed
	}

	if _, ok := q.subs[s]; ok {
		q.mu.Unlock()
		return ErrSubscribed
	}

	q.subs[s] = &subscription{mask: mask, handler: h}
	q.mu.Unlock()

	ns.SetNotifier(q)
	return nil
}

// Modify replaces the interest mask of s. Adding Writable to a stream which is
// already writable queues an immediate writable notification.
func (q *Queue) Modify(s Stream, mask Event) error {
	q.mu.Lock()
	sub, ok := q.subs[s]
	if !ok {
		q.mu.Unlock()
		return ErrNotSubscribed
	}

	added := mask &^ sub.mask
	sub.mask = mask
	q.mu.Unlock()

	if added.Has(Writable) && s.Writable() {
		q.Notify(s, Writable, nil)
	}

	return nil
}

// Unsubscribe removes s. Notifications already queued for s are discarded.
func (q *Queue) Unsubscribe(s Stream) error {
	q.mu.Lock()
	_, ok := q.subs[s]
	delete(q.subs, s)
	q.mu.Unlock()

	if !ok {
		return ErrNotSubscribed
	}

	if ns, ok := s.(Notifying); ok {
		ns.SetNotifier(nil)
	}

	return nil
}

// Notify queues a readiness notification for s.
func (q *Queue) Notify(s Stream, ev Event, err error) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.pending.Add(notification{s: s, ev: ev, err: err})
	q.mu.Unlock()

	select {
	case q.signal <- struct{}{}:
	default:
	}

	if q.wake != nil {
		q.wake()
	}
}

// Pending returns the number of queued notifications.
func (q *Queue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.pending.Length()
}

// Poll waits up to timeout for notifications and dispatches every
// notification queued at the moment it wakes. It returns the number of
// handlers called.
func (q *Queue) Poll(timeout time.Duration) (int, error) {
	batch, err := q.take()
	if err != nil {
		return 0, err
	}

	if len(batch) == 0 && timeout > 0 {
		t := time.NewTimer(timeout)
		select {
		case <-q.signal:
		case <-t.C:
		}
		t.Stop()

		batch, err = q.take()
		if err != nil {
			return 0, err
		}
	}

	var n int
	for _, note := range batch {
		q.mu.Lock()
		sub, ok := q.subs[note.s]
		var mask Event
		if ok {
			mask = sub.mask
		}
		q.mu.Unlock()

		if !ok {
			continue
		}

		ev := note.ev & (mask | Errored)
		if ev == 0 {
			continue
		}

		dispatch(sub.handler, note.s, ev, note.err, q.OnPanic)
		n++

		if ev.Has(Readable) {
			if b, ok := note.s.(Buffered); ok && b.Buffered() > 0 {
				q.Notify(note.s, Readable, nil)
			}
		}
	}

	return n, nil
}

func (q *Queue) take() ([]notification, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil, ErrClosed
	}

	batch := make([]notification, 0, q.pending.Length())
	for q.pending.Length() > 0 {
		batch = append(batch, q.pending.Remove().(notification))
	}

	return batch, nil
}

// Len returns the number of subscribed streams.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.subs)
}

// Close stops the source. Subsequent polls return ErrClosed.
func (q *Queue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	q.subs = map[Stream]*subscription{}
	return nil
}

// PanicFn receives the value recovered from a panicking handler.
type PanicFn func(s Stream, ev Event, v any)

func dispatch(h Handler, s Stream, ev Event, err error, onPanic PanicFn) {
	defer func() {
		if r := recover(); r != nil && onPanic != nil {
			onPanic(s, ev, r)
		}
	}()

	h(s, ev, err)
}

// SetOnPanic sets the handler panic callback.
func (q *Queue) SetOnPanic(fn PanicFn) {
	q.OnPanic = fn
}
