// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-co
// SPDX-FileContributor: mochi-co, chowyu08, muXxer

package transport

import (
	"sync"
	"sync/atomic"

	xh "github.com/cespare/xxhash/v2"
	"github.com/eapache/queue"
)

// column is a single unbounded task queue processed by one goroutine.
type column struct {
	mu     sync.Mutex
	cond   *sync.Cond
	tasks  *queue.Queue
	closed bool
}

func newColumn() *column {
	c := &column{tasks: queue.New()}
	c.cond = sync.NewCond(&c.mu)
	return c
}

func (c *column) push(task func()) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}

	c.tasks.Add(task)
	c.cond.Signal()
	return true
}

// pop blocks until a task is available, returning false once the column is
// closed and drained.
func (c *column) pop() (func(), bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for c.tasks.Length() == 0 && !c.closed {
		c.cond.Wait()
	}

	if c.tasks.Length() == 0 {
		return nil, false
	}

	return c.tasks.Remove().(func()), true
}

func (c *column) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	c.cond.Broadcast()
}

func (c *column) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tasks.Length()
}

// FanPool is a fixed-sized fan-style worker pool with multiple
// working 'columns'. Tasks enqueued with the same id always land in the same
// column and so run in the order they were enqueued, while different ids are
// spread across columns and run in parallel. Columns are unbounded, so
// Enqueue never blocks the caller.
// Very special thanks are given to the authors of HMQ in particular
// @chowyu08 and @muXxer for their work on the fixpool worker pool
// https://github.com/fhmq/hmq/blob/master/pool/fixpool.go
// from which this fan-pool is heavily inspired.
type FanPool struct {
	columns  []*column
	wg       sync.WaitGroup
	capacity uint64
	onPanic  atomic.Value // TaskPanicFn
}

// NewFanPool returns a new instance of FanPool with fanSize columns.
func NewFanPool(fanSize uint64) *FanPool {
	pool := &FanPool{
		capacity: fanSize,
		columns:  make([]*column, fanSize),
	}

	pool.fillWorkers(fanSize)

	return pool
}

// fillWorkers adds columns to the fan pool with an associated worker goroutine.
func (p *FanPool) fillWorkers(n uint64) {
	for i := uint64(0); i < n; i++ {
		p.columns[i] = newColumn()
		p.wg.Add(1)
		go p.worker(p.columns[i])
	}
}

// worker is a worker goroutine which processes tasks from a single column.
func (p *FanPool) worker(c *column) {
	defer p.wg.Done()
	for {
		task, ok := c.pop()
		if !ok {
			return
		}
		runTask(task, &p.onPanic)
	}
}

// SetOnPanic sets the function receiving panics recovered from tasks.
func (p *FanPool) SetOnPanic(fn TaskPanicFn) {
	p.onPanic.Store(fn)
}

// Enqueue adds a new task to the column selected by id. It returns false if
// the pool has been closed.
func (p *FanPool) Enqueue(id string, task func()) bool {
	size := p.Size()
	if size == 0 {
		return false
	}

	// xh.Sum64 gives a stable column index for an id, so each
	// session keeps to its own column.
	return p.columns[xh.Sum64String(id)%size].push(task)
}

// Pending returns the number of tasks waiting across all columns.
func (p *FanPool) Pending() int {
	var n int
	for _, c := range p.columns {
		n += c.len()
	}
	return n
}

// Wait blocks until all the workers in the pool have completed.
func (p *FanPool) Wait() {
	p.wg.Wait()
}

// Close issues a shutdown signal to the workers. Tasks already enqueued are
// still run.
func (p *FanPool) Close() {
	if atomic.SwapUint64(&p.capacity, 0) == 0 {
		return
	}

	for _, c := range p.columns {
		c.close()
	}
}

// Size returns the current number of columns in the pool.
func (p *FanPool) Size() uint64 {
	return atomic.LoadUint64(&p.capacity)
}
