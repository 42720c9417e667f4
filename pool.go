// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2023 mochi-co
// SPDX-FileContributor: mochi-co

package transport

import (
	"sync"
	"sync/atomic"
)

// PoolTask is the function signature for functions processed by the pool.
type PoolTask func()

// PoolTaskChan is a channel of tasks to be run.
type PoolTaskChan chan PoolTask

// TaskPanicFn receives the value of a panic recovered from a pool task.
type TaskPanicFn func(v any)

// runTask runs task, recovering any panic and passing it to the TaskPanicFn
// held by onPanic, if one is set.
func runTask(task func(), onPanic *atomic.Value) {
	defer func() {
		if r := recover(); r != nil {
			if fn, ok := onPanic.Load().(TaskPanicFn); ok && fn != nil {
				fn(r)
			}
		}
	}()

	task()
}

// Pool is a fairly basic fixed sized worker pool, used to run bulk session
// teardown with bounded parallelism.
type Pool struct {
	wg       sync.WaitGroup
	queue    PoolTaskChan
	capacity uint64
	mu       sync.RWMutex
	onPanic  atomic.Value // TaskPanicFn
}

// NewPool returns a new instance of Pool with a specified number of workers.
// A pool of size zero runs every task inline.
func NewPool(size uint64) *Pool {
	p := &Pool{
		capacity: size,
		queue:    make(PoolTaskChan, size),
	}

	for i := uint64(0); i < size; i++ {
		p.wg.Add(1)
		go p.worker(p.queue)
	}

	return p
}

// worker is a worker goroutine which processes tasks from the queue.
func (p *Pool) worker(ch PoolTaskChan) {
	defer p.wg.Done()
	for task := range ch {
		runTask(task, &p.onPanic)
	}
}

// SetOnPanic sets the function receiving panics recovered from tasks.
func (p *Pool) SetOnPanic(fn TaskPanicFn) {
	p.onPanic.Store(fn)
}

// Enqueue adds a new task to the queue to be processed. If the pool has no
// workers the task is run on the calling goroutine.
func (p *Pool) Enqueue(task PoolTask) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.Size() == 0 || p.queue == nil {
		runTask(task, &p.onPanic)
		return
	}

	p.queue <- task
}

// Run runs every task on the pool and blocks until all of them have returned.
func (p *Pool) Run(tasks ...PoolTask) {
	var wg sync.WaitGroup
	wg.Add(len(tasks))
	for _, task := range tasks {
		task := task
		p.Enqueue(func() {
			defer wg.Done()
			task()
		})
	}
	wg.Wait()
}

// Wait blocks until all the workers in the pool have completed.
func (p *Pool) Wait() {
	p.wg.Wait()
}

// Close issues a shutdown signal to the workers.
func (p *Pool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.queue == nil {
		return
	}

	close(p.queue)
	atomic.StoreUint64(&p.capacity, 0)
	p.queue = nil
}

// Size returns the current number of workers in the pool.
func (p *Pool) Size() uint64 {
	return atomic.LoadUint64(&p.capacity)
}
