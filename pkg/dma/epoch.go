package dma

// advanceCount reconstructs the monotonic completion count from the
// position register. period is slots * 2^epochBits, the span after which
// the register repeats. The register value is compared to last modulo
// period: a forward distance of more than half a period is a stale read
// from a racing refresh, not progress, and leaves the count unchanged.
func advanceCount(last int64, index, epoch uint32, slots int64, epochBits uint) int64 {
	period := uint64(slots) << epochBits
	raw := (uint64(epoch)&(1<<epochBits-1))*uint64(slots) + uint64(index)
	cur := uint64(last) % period
	delta := (raw + period - cur) % period
	if delta > period/2 {
		return last
	}
	return last + int64(delta)
}

// positionOf is the inverse of advanceCount: the register value an engine
// reports after count completions.
func positionOf(count int64, slots int64, epochBits uint) (index, epoch uint32) {
	c := uint64(count)
	index = uint32(c % uint64(slots))
	epoch = uint32((c / uint64(slots)) & (1<<epochBits - 1))
	return index, epoch
}
