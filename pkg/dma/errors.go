package dma

import (
	"errors"
	"fmt"
)

var (
	// ErrTimeout is returned when no slot became available before the deadline.
	ErrTimeout = errors.New("dma: timeout")
	// ErrOverflow is matched by *OverflowError. The ring has been drained.
	ErrOverflow = errors.New("dma: overflow")
	// ErrUnderflow is matched by *UnderflowError. The ring has been resynchronized.
	ErrUnderflow = errors.New("dma: underflow")
	// ErrInvalidHandle is returned when releasing a handle that is out of range,
	// typically because an overflow drain invalidated it.
	ErrInvalidHandle = errors.New("dma: invalid handle")
	// ErrChannelStopped is returned by acquisitions on a channel that is not running.
	ErrChannelStopped = errors.New("dma: channel stopped")
	// ErrFatal wraps engine failures the channel cannot recover from.
	ErrFatal = errors.New("dma: fatal")
	// ErrInvalidGeometry is returned for a slot size or count the arena cannot hold.
	ErrInvalidGeometry = errors.New("dma: invalid geometry")
)

// OverflowError reports an RX drain. Lost is the number of slots that were in
// flight (produced but not released) when the drain happened.
type OverflowError struct {
	Lost int64
}

func (e *OverflowError) Error() string {
	return fmt.Sprintf("dma: overflow, %d slots lost", e.Lost)
}

func (e *OverflowError) Is(target error) bool { return target == ErrOverflow }

// UnderflowError reports a TX resync. Missed is the number of slots the
// hardware transmitted without software having filled them.
type UnderflowError struct {
	Missed int64
}

func (e *UnderflowError) Error() string {
	return fmt.Sprintf("dma: underflow, %d slots missed", e.Missed)
}

func (e *UnderflowError) Is(target error) bool { return target == ErrUnderflow }

// IsRecoverable reports whether err is one the caller may retry after.
func IsRecoverable(err error) bool {
	return errors.Is(err, ErrTimeout) || errors.Is(err, ErrOverflow) || errors.Is(err, ErrUnderflow)
}
