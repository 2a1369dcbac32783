package dma

import "math"

// Handle identifies one acquired slot. It is the user count at acquisition.
type Handle int64

// InvalidHandle marks a buffer that must not be released.
const InvalidHandle Handle = math.MinInt64

// Valid reports whether h is not the sentinel.
func (h Handle) Valid() bool { return h >= 0 }

// Buffer is an acquired slot.
type Buffer struct {
	Handle Handle
	// Data aliases the slot and is only valid until Release.
	Data []byte
}
