// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2023 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

// Package mempool pools the buffers used to encode outbound frames.
package mempool

import (
	"bytes"
	"sync"
	"sync/atomic"
)

// DefaultMaxCapacity is the largest frame buffer the default pool will retain.
// Buffers grown past it, such as those used to encode big publishes, are left
// to the collector.
const DefaultMaxCapacity = 64 * 1024

var frames atomic.Pointer[FramePool]

func init() {
	frames.Store(NewFramePool(DefaultMaxCapacity))
}

// SetDefault replaces the default frame pool with one retaining buffers up to max bytes.
// A max <= 0 retains buffers of any size.
func SetDefault(max int) { frames.Store(NewFramePool(max)) }

// Default returns the frame pool used by GetBuffer and PutBuffer.
func Default() *FramePool { return frames.Load() }

// GetBuffer takes an empty frame buffer from the default pool.
func GetBuffer() *bytes.Buffer { return frames.Load().Get() }

// PutBuffer returns a frame buffer to the default pool.
func PutBuffer(x *bytes.Buffer) { frames.Load().Put(x) }

// Stats is a point-in-time snapshot of a frame pool's counters.
type Stats struct {
	Gets      int64 `json:"gets"`      // buffers handed out
	Allocated int64 `json:"allocated"` // buffers created because the pool was empty
	Returned  int64 `json:"returned"`  // buffers accepted back for reuse
	Dropped   int64 `json:"dropped"`   // buffers discarded for exceeding the retention cap
}

// FramePool recycles frame encoding buffers, discarding any which have grown
// beyond the retention cap so one large publish does not pin memory for every
// later frame.
type FramePool struct {
	pool      sync.Pool
	max       int
	gets      atomic.Int64
	allocated atomic.Int64
	returned  atomic.Int64
	dropped   atomic.Int64
}

// NewFramePool returns a frame pool retaining buffers up to max bytes of capacity.
// If max <= 0, no limit is enforced.
func NewFramePool(max int) *FramePool {
	p := &FramePool{max: max}
	p.pool.New = func() any {
		p.allocated.Add(1)
		return new(bytes.Buffer)
	}
	return p
}

// Max returns the retention cap, or 0 when unbounded.
func (p *FramePool) Max() int {
	if p.max < 0 {
		return 0
	}
	return p.max
}

// Get takes an empty buffer from the pool.
func (p *FramePool) Get() *bytes.Buffer {
	p.gets.Add(1)
	return p.pool.Get().(*bytes.Buffer)
}

// Put resets x and returns it to the pool, unless its capacity exceeds the cap.
func (p *FramePool) Put(x *bytes.Buffer) {
	if x == nil {
		return
	}

	if p.max > 0 && x.Cap() > p.max {
		p.dropped.Add(1)
		return
	}

	x.Reset()
	p.returned.Add(1)
	p.pool.Put(x)
}

// Stats returns a snapshot of the pool counters.
func (p *FramePool) Stats() Stats {
	return Stats{
		Gets:      p.gets.Load(),
		Allocated: p.allocated.Load(),
		Returned:  p.returned.Load(),
		Dropped:   p.dropped.Load(),
	}
}
