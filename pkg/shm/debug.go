package shm

import (
	"context"
	"fmt"
	"strings"

	internalshm "github.com/srediag/dmaring/internal/shm"
)

// DebugRingDetail maps the ring file at path and describes its header and
// occupancy. It does not modify the ring.
func DebugRingDetail(path string) (string, error) {
	ctx := context.Background()
	region, err := internalshm.MapRegion(ctx, internalshm.MapOptions{Path: path})
	if err != nil {
		return "", err
	}
	defer internalshm.UnmapRegion(ctx, region) //nolint:errcheck
	if region.Size < HeaderSize {
		return "", fmt.Errorf("%w: %s is %d bytes", ErrNotReady, path, region.Size)
	}
	h := headerAt(region.Addr).snapshot()
	var b strings.Builder
	fmt.Fprintf(&b, "ring %s (%d bytes)\n", path, region.Size)
	fmt.Fprintf(&b, "  role=%s finished=%t flags=%#04x\n", h.Role(), h.Finished(), h.Flags)
	fmt.Fprintf(&b, "  slots=%d slot_size=%d channels=%d sample_size=%d\n",
		h.SlotCount, h.SlotSize, h.Channels, h.SampleSize)
	fmt.Fprintf(&b, "  write=%d read=%d used=%d\n", h.WriteIndex, h.ReadIndex, h.Used())
	fmt.Fprintf(&b, "  errors=%d stalls=%d", h.ErrorCount, h.StallCount)
	log.Debugf("%s", b.String())
	return b.String(), nil
}

// Inspect returns the header of the ring file at path without opening it as
// a consumer.
func Inspect(path string) (Header, error) {
	ctx := context.Background()
	region, err := internalshm.MapRegion(ctx, internalshm.MapOptions{Path: path})
	if err != nil {
		return Header{}, err
	}
	defer internalshm.UnmapRegion(ctx, region) //nolint:errcheck
	if region.Size < HeaderSize {
		return Header{}, fmt.Errorf("%w: %s is %d bytes", ErrNotReady, path, region.Size)
	}
	return headerAt(region.Addr).snapshot(), nil
}
