//go:build !dmaring_debug

package dma

// DebugBuild reports whether invalid handles panic.
const DebugBuild = false

func invalidHandle(c *Channel, h Handle) error {
	c.log.Warnf("%s release of invalid handle %d ignored (sw=%d user=%d)",
		c.dir, int64(h), c.counters.sw.Load(), c.counters.user.Load())
	c.invalid.Add(1)
	return ErrInvalidHandle
}
