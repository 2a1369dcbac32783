package dma

import (
	"context"
	"fmt"
	"sync"

	internalshm "github.com/srediag/dmaring/internal/shm"
)

// Arena is the single mapped region holding both directions' slots.
type Arena struct {
	mu     sync.Mutex
	region *internalshm.MappedRegion
	mem    []byte
	geo    Geometry
	layout Layout
}

// NewArena maps a zeroed, page-aligned region for g.
func NewArena(g Geometry) (*Arena, error) {
	if err := g.Validate(); err != nil {
		return nil, err
	}
	layout := LayoutFor(g)
	page := internalshm.PageSize()
	size := (layout.Size + page - 1) / page * page
	region, err := internalshm.MapAnonymous(size)
	if err != nil {
		return nil, fmt.Errorf("map arena of %d bytes: %w", size, err)
	}
	return &Arena{
		region: region,
		mem:    region.Addr[:layout.Size],
		geo:    g,
		layout: layout,
	}, nil
}

// Geometry returns the slot geometry.
func (a *Arena) Geometry() Geometry { return a.geo }

// Layout returns the region layout.
func (a *Arena) Layout() Layout { return a.layout }

// Slot returns slot i of direction d. The slice aliases the mapped region.
func (a *Arena) Slot(d Direction, i int) []byte {
	off := a.layout.Offset(a.geo, d, i)
	return a.mem[off : off+a.geo.SlotSize : off+a.geo.SlotSize]
}

// Region returns the slots of direction d as one contiguous slice.
func (a *Arena) Region(d Direction) []byte {
	off := a.layout.Offset(a.geo, d, 0)
	return a.mem[off : off+a.geo.Bytes()]
}

// Descriptors builds the descriptor loop covering every slot of d.
func (a *Arena) Descriptors(d Direction) []Descriptor {
	descs := make([]Descriptor, a.geo.SlotCount)
	for i := range descs {
		descs[i] = Descriptor{
			Offset: uint64(a.layout.Offset(a.geo, d, i)),
			Length: uint32(a.geo.SlotSize),
			Data:   a.Slot(d, i),
			IRQ:    true,
		}
	}
	return descs
}

// Close unmaps the region. Callers must have stopped every channel first.
func (a *Arena) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.region == nil {
		return nil
	}
	err := internalshm.UnmapRegion(context.Background(), a.region)
	a.region = nil
	a.mem = nil
	return err
}
