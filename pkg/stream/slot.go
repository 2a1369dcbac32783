package stream

import (
	"context"
	"errors"
	"time"

	"github.com/srediag/dmaring/api"
)

var (
	_ api.SlotReader = (*Stream)(nil)
	_ api.SlotWriter = (*Stream)(nil)
)

// SlotSize returns the slot payload size of the device.
func (s *Stream) SlotSize() int { return s.dev.Info().Geometry.SlotSize }

// ReadSlot acquires one whole RX slot, lends it to fn and releases it, even
// when fn fails.
func (s *Stream) ReadSlot(ctx context.Context, timeout time.Duration, fn api.SlotFunc) error {
	b, err := s.AcquireRead(ctx, timeout)
	if err != nil {
		return err
	}
	ferr := fn(b.Data)
	if ferr == nil {
		s.rx.metrics.bytes.Add(float64(len(b.Data)))
	}
	return errors.Join(ferr, s.Release(b))
}

// WriteSlot acquires one whole TX slot, lets fn fill it and releases it to
// the engine. When fn fails the slot is zeroed before release, since a TX
// slot cannot be handed back unsent.
func (s *Stream) WriteSlot(ctx context.Context, timeout time.Duration, fn api.SlotFunc) error {
	b, err := s.AcquireWrite(ctx, timeout)
	if err != nil {
		return err
	}
	ferr := fn(b.Data)
	if ferr != nil {
		clear(b.Data)
	} else {
		s.tx.metrics.bytes.Add(float64(len(b.Data)))
	}
	return errors.Join(ferr, s.Release(b))
}
