package dma_test

import (
	"context"
	"errors"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"github.com/srediag/dmaring/pkg/dma"
	"github.com/srediag/dmaring/pkg/sim"
)

type ChannelTestSuite struct {
	suite.Suite
	arena  *dma.Arena
	engine *sim.Engine
	rx     *dma.Channel
	tx     *dma.Channel
}

func (s *ChannelTestSuite) SetupTest() {
	s.setup(dma.Geometry{SlotSize: 64, SlotCount: 8}, sim.DefaultConfig(), dma.DefaultPolicy())
}

func (s *ChannelTestSuite) setup(g dma.Geometry, cfg sim.Config, p dma.Policy) {
	if s.arena != nil {
		s.TearDownTest()
	}
	var err error
	s.arena, err = dma.NewArena(g)
	s.Require().NoError(err)
	s.engine = sim.New(cfg)
	s.rx, err = dma.NewChannel(dma.RX, s.arena, s.engine, p)
	s.Require().NoError(err)
	s.tx, err = dma.NewChannel(dma.TX, s.arena, s.engine, p)
	s.Require().NoError(err)
	s.Require().NoError(s.rx.Start())
	s.Require().NoError(s.tx.Start())
}

func (s *ChannelTestSuite) TearDownTest() {
	ctx := context.Background()
	s.NoError(s.rx.Stop(ctx))
	s.NoError(s.tx.Stop(ctx))
	s.NoError(s.arena.Close())
	s.arena = nil
}

func (s *ChannelTestSuite) assertRX() {
	c := s.rx.Counters()
	s.Require().LessOrEqual(c.SW, c.User, "%+v", c)
	s.Require().LessOrEqual(c.User, c.HW, "%+v", c)
}

func (s *ChannelTestSuite) assertTX() {
	c := s.tx.Counters()
	s.Require().LessOrEqual(c.HW, c.User, "%+v", c)
	s.Require().LessOrEqual(c.User-c.HW, int64(8), "%+v", c)
}

func (s *ChannelTestSuite) TestRXCounterOrderHolds() {
	ctx := context.Background()
	rng := rand.New(rand.NewSource(1))
	var held []dma.Handle
	for i := 0; i < 2000; i++ {
		switch rng.Intn(3) {
		case 0:
			c := s.rx.Counters()
			k := rng.Intn(3)
			if c.HW+int64(k)-c.SW <= 4 {
				s.engine.Step(dma.RX, k)
			}
		case 1:
			buf, err := s.rx.AcquireRead(ctx, 0)
			if err != nil {
				s.Require().ErrorIs(err, dma.ErrTimeout)
				break
			}
			held = append(held, buf.Handle)
		case 2:
			if len(held) > 0 {
				s.Require().NoError(s.rx.Release(held[0]))
				held = held[1:]
			}
		}
		s.assertRX()
	}
	s.Zero(s.rx.Stats().Overflows)
}

func (s *ChannelTestSuite) TestRXSlotsArriveInOrder() {
	ctx := context.Background()
	s.Equal(3, s.engine.Step(dma.RX, 3))
	for want := uint64(0); want < 3; want++ {
		buf, err := s.rx.AcquireRead(ctx, 0)
		s.Require().NoError(err)
		s.Equal(dma.Handle(want), buf.Handle)
		s.Len(buf.Data, 64)
		seq, ok := sim.SequenceOf(buf.Data)
		s.True(ok)
		s.Equal(want, seq)
		s.NoError(s.rx.Release(buf.Handle))
	}
	s.Equal(dma.Counters{HW: 3, SW: 3, User: 3}, s.rx.Counters())
}

func (s *ChannelTestSuite) TestRXOverflowIsIdempotent() {
	ctx := context.Background()
	s.engine.Step(dma.RX, 5)
	_, err := s.rx.AcquireRead(ctx, 0)
	var ov *dma.OverflowError
	s.Require().True(errors.As(err, &ov))
	s.Equal(int64(5), ov.Lost)
	s.True(errors.Is(err, dma.ErrOverflow))
	s.Equal(dma.Counters{HW: 5, SW: 5, User: 5}, s.rx.Counters())

	s.engine.Step(dma.RX, 6)
	_, err = s.rx.AcquireRead(ctx, 0)
	s.Require().ErrorIs(err, dma.ErrOverflow)
	s.Equal(dma.Counters{HW: 11, SW: 11, User: 11}, s.rx.Counters())

	_, err = s.rx.AcquireRead(ctx, 0)
	s.ErrorIs(err, dma.ErrTimeout)
	s.Equal(dma.Counters{HW: 11, SW: 11, User: 11}, s.rx.Counters())

	st := s.rx.Stats()
	s.Equal(uint64(2), st.Overflows)
	s.Equal(uint64(11), st.LostSlots)
}

func (s *ChannelTestSuite) TestOverflowThresholdIsConfigurable() {
	p := dma.DefaultPolicy()
	p.OverflowThreshold = 6
	s.setup(dma.Geometry{SlotSize: 64, SlotCount: 8}, sim.DefaultConfig(), p)
	ctx := context.Background()

	s.engine.Step(dma.RX, 6)
	_, err := s.rx.AcquireRead(ctx, 0)
	s.Require().NoError(err)
	s.engine.Step(dma.RX, 1)
	_, err = s.rx.AcquireRead(ctx, 0)
	s.ErrorIs(err, dma.ErrOverflow)
}

func (s *ChannelTestSuite) TestCheckWhenBlockedRefreshesBeforeWaiting() {
	p := dma.Policy{Check: dma.CheckWhenBlocked}
	s.setup(dma.Geometry{SlotSize: 64, SlotCount: 8}, sim.DefaultConfig(), p)
	ctx := context.Background()

	s.engine.StepQuiet(dma.RX, 3)
	buf, err := s.rx.AcquireRead(ctx, 0)
	s.Require().NoError(err)
	s.Equal(dma.Handle(0), buf.Handle)

	// Lag above the threshold goes unnoticed until the ring is lapped.
	s.engine.Step(dma.RX, 3)
	_, err = s.rx.AcquireRead(ctx, 0)
	s.Require().NoError(err)

	s.engine.Step(dma.RX, 8)
	_, err = s.rx.AcquireRead(ctx, 0)
	s.ErrorIs(err, dma.ErrOverflow)
	c := s.rx.Counters()
	s.Equal(c.HW, c.SW)
	s.Equal(c.HW, c.User)
}

func (s *ChannelTestSuite) TestAcquireReadTimesOut() {
	start := time.Now()
	_, err := s.rx.AcquireRead(context.Background(), 20*time.Millisecond)
	s.ErrorIs(err, dma.ErrTimeout)
	s.GreaterOrEqual(time.Since(start), 20*time.Millisecond)
	s.Equal(uint64(1), s.rx.Stats().Timeouts)
}

func (s *ChannelTestSuite) TestAcquireReadWakesOnCompletion() {
	time.AfterFunc(10*time.Millisecond, func() { s.engine.Step(dma.RX, 1) })
	buf, err := s.rx.AcquireRead(context.Background(), 2*time.Second)
	s.Require().NoError(err)
	s.Equal(dma.Handle(0), buf.Handle)
}

func (s *ChannelTestSuite) TestAcquireReadHonorsContext() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := s.rx.AcquireRead(ctx, -1)
	s.ErrorIs(err, context.DeadlineExceeded)
}

func (s *ChannelTestSuite) TestStopWakesWaiter() {
	time.AfterFunc(10*time.Millisecond, func() { _ = s.rx.Stop(context.Background()) })
	_, err := s.rx.AcquireRead(context.Background(), -1)
	s.ErrorIs(err, dma.ErrChannelStopped)
	s.False(s.rx.Running())
	s.Equal(dma.Counters{}, s.rx.Counters())
}

func (s *ChannelTestSuite) TestStopWithoutStart() {
	ch, err := dma.NewChannel(dma.RX, s.arena, sim.New(sim.DefaultConfig()), dma.DefaultPolicy())
	s.Require().NoError(err)
	s.NoError(ch.Stop(context.Background()))
	s.NoError(ch.Stop(context.Background()))
	_, err = ch.AcquireRead(context.Background(), 0)
	s.ErrorIs(err, dma.ErrChannelStopped)
}

func (s *ChannelTestSuite) TestRestartResetsCounters() {
	ctx := context.Background()
	s.engine.Step(dma.RX, 2)
	_, err := s.rx.AcquireRead(ctx, 0)
	s.Require().NoError(err)
	s.Require().NoError(s.rx.Stop(ctx))
	s.Require().NoError(s.rx.Start())
	s.Equal(dma.Counters{}, s.rx.Counters())
	s.Equal(uint64(0), s.engine.Completed(dma.RX))
}

func (s *ChannelTestSuite) TestTXCounterOrderHolds() {
	ctx := context.Background()
	rng := rand.New(rand.NewSource(2))
	var held []dma.Handle
	for i := 0; i < 2000; i++ {
		switch rng.Intn(3) {
		case 0:
			buf, err := s.tx.AcquireWrite(ctx, 0)
			if err != nil {
				s.Require().ErrorIs(err, dma.ErrTimeout)
				break
			}
			held = append(held, buf.Handle)
		case 1:
			if len(held) > 0 {
				s.Require().NoError(s.tx.Release(held[0]))
				held = held[1:]
			}
		case 2:
			c := s.tx.Counters()
			if pending := int(c.User - c.HW); pending > 0 {
				s.engine.Step(dma.TX, rng.Intn(pending)+1)
				// Transmitted slots cannot be released anymore.
				for len(held) > 0 && int64(held[0]) < s.tx.Counters().HW {
					s.Require().NoError(s.tx.Release(held[0]))
					held = held[1:]
				}
			}
		}
		s.assertTX()
	}
	s.Zero(s.tx.Stats().Underflows)
}

func (s *ChannelTestSuite) TestTXBlocksWhenFull() {
	ctx := context.Background()
	for i := 0; i < 8; i++ {
		buf, err := s.tx.AcquireWrite(ctx, 0)
		s.Require().NoError(err)
		s.Require().NoError(s.tx.Release(buf.Handle))
	}
	_, err := s.tx.AcquireWrite(ctx, 0)
	s.ErrorIs(err, dma.ErrTimeout)

	time.AfterFunc(10*time.Millisecond, func() { s.engine.Step(dma.TX, 1) })
	buf, err := s.tx.AcquireWrite(ctx, 2*time.Second)
	s.Require().NoError(err)
	s.Equal(dma.Handle(8), buf.Handle)
	s.assertTX()
}

func (s *ChannelTestSuite) TestTXUnderflowResyncs() {
	ctx := context.Background()
	for i := 0; i < 2; i++ {
		buf, err := s.tx.AcquireWrite(ctx, 0)
		s.Require().NoError(err)
		s.Require().NoError(s.tx.Release(buf.Handle))
	}
	s.engine.Step(dma.TX, 5)

	_, err := s.tx.AcquireWrite(ctx, 0)
	var uf *dma.UnderflowError
	s.Require().True(errors.As(err, &uf))
	s.Equal(int64(3), uf.Missed)
	s.Equal(dma.Counters{HW: 5, SW: 5, User: 5}, s.tx.Counters())

	buf, err := s.tx.AcquireWrite(ctx, 0)
	s.Require().NoError(err)
	s.Equal(dma.Handle(5), buf.Handle)
	s.assertTX()
}

func (s *ChannelTestSuite) TestTXCapturesReleasedPayload() {
	cfg := sim.DefaultConfig()
	cfg.CaptureDepth = 4
	s.setup(dma.Geometry{SlotSize: 64, SlotCount: 8}, cfg, dma.DefaultPolicy())
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		buf, err := s.tx.AcquireWrite(ctx, 0)
		s.Require().NoError(err)
		for j := range buf.Data {
			buf.Data[j] = byte(i + 1)
		}
		s.Require().NoError(s.tx.Release(buf.Handle))
	}
	s.engine.Step(dma.TX, 3)
	got := s.engine.Captured()
	s.Require().Len(got, 3)
	for i, c := range got {
		s.Equal(uint64(i), c.Seq)
		s.Equal(byte(i+1), c.Data[0])
		s.Equal(byte(i+1), c.Data[63])
	}
}

func (s *ChannelTestSuite) TestSlotIndexFollowsEpochWrap() {
	cfg := sim.DefaultConfig()
	cfg.EpochBits = 2
	s.setup(dma.Geometry{SlotSize: 16, SlotCount: 4}, cfg, dma.DefaultPolicy())
	ctx := context.Background()

	for i := 0; i < 1000; i++ {
		s.Require().Equal(1, s.engine.Step(dma.RX, 1))
		buf, err := s.rx.AcquireRead(ctx, 0)
		s.Require().NoError(err)
		s.Require().Equal(dma.Handle(i), buf.Handle)
		seq, _ := sim.SequenceOf(buf.Data)
		s.Require().Equal(uint64(i), seq)
		s.Require().NoError(s.rx.Release(buf.Handle))
	}
	s.Equal(int64(1000), s.rx.Counters().HW)
}

func (s *ChannelTestSuite) TestFreeRunningEngine() {
	cfg := sim.DefaultConfig()
	cfg.Period = time.Millisecond
	s.setup(dma.Geometry{SlotSize: 64, SlotCount: 8}, cfg, dma.Policy{OverflowThreshold: 7})
	ctx := context.Background()

	var next int64
	for i := 0; i < 20; i++ {
		buf, err := s.rx.AcquireRead(ctx, time.Second)
		if errors.Is(err, dma.ErrOverflow) {
			next = s.rx.Counters().User
			continue
		}
		s.Require().NoError(err)
		s.Require().GreaterOrEqual(int64(buf.Handle), next)
		next = int64(buf.Handle) + 1
		s.Require().NoError(s.rx.Release(buf.Handle))
	}
	s.NoError(s.rx.Stop(ctx))
	s.False(s.rx.Running())
}

func TestChannelTestSuite(t *testing.T) {
	suite.Run(t, new(ChannelTestSuite))
}
