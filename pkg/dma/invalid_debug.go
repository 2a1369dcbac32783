//go:build dmaring_debug

package dma

import "fmt"

// DebugBuild reports whether invalid handles panic.
const DebugBuild = true

func invalidHandle(c *Channel, h Handle) error {
	panic(fmt.Sprintf("dma: %s release of invalid handle %d (sw=%d user=%d)",
		c.dir, int64(h), c.counters.sw.Load(), c.counters.user.Load()))
}
