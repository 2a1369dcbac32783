package dma

import "context"

// Descriptor is one entry of the engine's descriptor loop.
type Descriptor struct {
	// Offset is the slot offset inside the mapped region.
	Offset uint64
	Length uint32
	// Data aliases the slot memory for engines that move bytes in software.
	Data []byte
	// IRQ requests a completion callback when this descriptor finishes.
	IRQ bool
}

// Engine is the descriptor programmer and completion source for one device.
//
// The completion handler is called from the engine's interrupt context. The
// position register is wraparound limited: index is modulo the slot count and
// epoch counts loops modulo 2^EpochBits.
type Engine interface {
	// Program writes the descriptor loop for d.
	Program(d Direction, descs []Descriptor) error
	// Flush discards stale descriptor state and resets the position register.
	Flush(d Direction) error
	Enable(d Direction) error
	// Disable stops d and returns once the engine has acknowledged it. It
	// must succeed on a direction that was never enabled.
	Disable(ctx context.Context, d Direction) error
	Position(d Direction) (index, epoch uint32)
	SetCompletionHandler(d Direction, fn func())
	EpochBits() uint
}
