//go:build !dmaring_debug

package dma_test

import (
	"context"

	"github.com/srediag/dmaring/pkg/dma"
)

func (s *ChannelTestSuite) TestReleaseAfterOverflowIsRejected() {
	ctx := context.Background()
	s.engine.Step(dma.RX, 1)
	buf, err := s.rx.AcquireRead(ctx, 0)
	s.Require().NoError(err)

	s.engine.Step(dma.RX, 5)
	_, err = s.rx.AcquireRead(ctx, 0)
	s.Require().ErrorIs(err, dma.ErrOverflow)

	before := s.rx.Counters()
	s.ErrorIs(s.rx.Release(buf.Handle), dma.ErrInvalidHandle)
	s.ErrorIs(s.rx.Release(dma.InvalidHandle), dma.ErrInvalidHandle)
	s.Equal(before, s.rx.Counters())
	s.Equal(uint64(2), s.rx.Stats().InvalidRelease)
}
