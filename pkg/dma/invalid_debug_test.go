//go:build dmaring_debug

package dma_test

import "github.com/srediag/dmaring/pkg/dma"

func (s *ChannelTestSuite) TestReleaseOfInvalidHandlePanics() {
	s.Panics(func() { _ = s.rx.Release(dma.InvalidHandle) })
}
