package dma

import "fmt"

// Direction selects one half of a full-duplex stream.
type Direction uint8

const (
	// RX moves data from the hardware to the application.
	RX Direction = iota
	// TX moves data from the application to the hardware.
	TX
)

// Directions lists both directions in region order.
var Directions = [...]Direction{TX, RX}

func (d Direction) String() string {
	switch d {
	case RX:
		return "rx"
	case TX:
		return "tx"
	default:
		return fmt.Sprintf("direction(%d)", uint8(d))
	}
}

// MarshalText encodes the direction as "rx" or "tx".
func (d Direction) MarshalText() ([]byte, error) { return []byte(d.String()), nil }

// Valid reports whether d is RX or TX.
func (d Direction) Valid() bool { return d == RX || d == TX }

// Geometry is the fixed slot layout of one direction.
type Geometry struct {
	SlotSize  int `json:"slot_size"`
	SlotCount int `json:"slot_count"`
}

// Validate checks that the geometry describes a usable ring.
func (g Geometry) Validate() error {
	if g.SlotCount < 2 {
		return fmt.Errorf("%w: slot count %d, need at least 2", ErrInvalidGeometry, g.SlotCount)
	}
	if g.SlotSize <= 0 {
		return fmt.Errorf("%w: slot size %d", ErrInvalidGeometry, g.SlotSize)
	}
	if uint64(g.SlotCount) > 1<<31 || uint64(g.SlotSize) > 1<<31 {
		return fmt.Errorf("%w: %d x %d too large", ErrInvalidGeometry, g.SlotCount, g.SlotSize)
	}
	return nil
}

// Bytes returns the size of one direction's slot region.
func (g Geometry) Bytes() int { return g.SlotSize * g.SlotCount }

// Layout gives the byte offsets of each direction inside the mapped region:
// every TX slot first, then every RX slot.
type Layout struct {
	TXOffset int `json:"tx_offset"`
	RXOffset int `json:"rx_offset"`
	Size     int `json:"size"`
}

// LayoutFor computes the region layout for g.
func LayoutFor(g Geometry) Layout {
	return Layout{
		TXOffset: 0,
		RXOffset: g.Bytes(),
		Size:     2 * g.Bytes(),
	}
}

// Offset returns the region offset of slot i in direction d.
func (l Layout) Offset(g Geometry, d Direction, i int) int {
	base := l.TXOffset
	if d == RX {
		base = l.RXOffset
	}
	return base + i*g.SlotSize
}
