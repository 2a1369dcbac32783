package shm

import (
	"context"
	"errors"
	"time"

	"github.com/srediag/dmaring/api"
)

var (
	_ api.SlotReader    = (*Ring)(nil)
	_ api.SlotWriter    = (*Ring)(nil)
	_ api.SlotPublisher = (*Ring)(nil)
	_ api.SlotFiller    = (*Ring)(nil)
	_ api.Finisher      = (*Ring)(nil)
)

// ReadSlot lends the oldest published slot to fn and consumes it afterwards,
// waiting up to timeout for one. A negative timeout waits until ctx is done
// and zero does not wait.
func (r *Ring) ReadSlot(ctx context.Context, timeout time.Duration, fn api.SlotFunc) error {
	slot, err := r.peek(ctx, timeout)
	if err != nil {
		return err
	}
	return errors.Join(fn(slot), r.Consume(ctx))
}

// WriteSlot lends the next free slot to fn and publishes it when fn returns
// nil. A full ring is handled by the FullPolicy, waiting up to timeout under Block.
func (r *Ring) WriteSlot(ctx context.Context, timeout time.Duration, fn api.SlotFunc) error {
	slot, err := r.reserve(ctx, timeout)
	if err != nil {
		return err
	}
	if err := fn(slot); err != nil {
		return err
	}
	return r.Publish(ctx)
}
