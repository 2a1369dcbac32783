package dma

import (
	"sync/atomic"

	"golang.org/x/sys/cpu"
)

// Counters is a snapshot of a channel's counters.
type Counters struct {
	HW   int64 `json:"hw"`
	SW   int64 `json:"sw"`
	User int64 `json:"user"`
}

// ringCounters keeps each counter on its own cache line; they are written
// from different goroutines.
type ringCounters struct {
	hw   atomic.Int64
	_    cpu.CacheLinePad
	sw   atomic.Int64
	_    cpu.CacheLinePad
	user atomic.Int64
	_    cpu.CacheLinePad
}

func (c *ringCounters) snapshot() Counters {
	// sw before user before hw keeps the snapshot ordered for RX readers.
	sw := c.sw.Load()
	user := c.user.Load()
	hw := c.hw.Load()
	return Counters{HW: hw, SW: sw, User: user}
}

func (c *ringCounters) reset() {
	c.hw.Store(0)
	c.user.Store(0)
	c.sw.Store(0)
}

// bumpHW moves hw forward to next if next is ahead. hw is only ever raised.
func (c *ringCounters) bumpHW(next int64) {
	for {
		cur := c.hw.Load()
		if next <= cur || c.hw.CompareAndSwap(cur, next) {
			return
		}
	}
}
