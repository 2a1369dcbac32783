// Package api defines the slot-level contracts shared by streams, shared
// rings and the bridges that couple them.
package api

import (
	"context"
	"time"
)

// SlotFunc works on one slot lent by a SlotReader or SlotWriter. The slice
// must not be retained after it returns.
type SlotFunc func(slot []byte) error

// SlotReader lends filled slots one at a time. The slot is handed back when
// fn returns, whatever fn returned.
type SlotReader interface {
	ReadSlot(ctx context.Context, timeout time.Duration, fn SlotFunc) error
	SlotSize() int
}

// SlotWriter lends free slots one at a time. The slot is published when fn
// returns nil.
type SlotWriter interface {
	WriteSlot(ctx context.Context, timeout time.Duration, fn SlotFunc) error
	SlotSize() int
}

// SlotPublisher copies a payload into the next slot under its own full-ring policy.
type SlotPublisher interface {
	Write(ctx context.Context, p []byte) error
}

// SlotFiller reads one slot into p without waiting, zero-filling it and
// reporting filled when nothing was published.
type SlotFiller interface {
	ReadFill(ctx context.Context, p []byte) (n int, filled bool, err error)
}

// Finisher marks the end of a producer's data.
type Finisher interface {
	Finish()
	Finished() bool
}
