package device

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/suite"

	"github.com/srediag/dmaring/pkg/dma"
	"github.com/srediag/dmaring/pkg/sim"
)

type DeviceTestSuite struct {
	suite.Suite
	engine *sim.Engine
	dev    *Device
	cfg    Config
}

func (s *DeviceTestSuite) SetupTest() {
	s.cfg = DefaultConfig()
	s.cfg.Geometry = dma.Geometry{SlotSize: 256, SlotCount: 8}
	s.cfg.LockDir = s.T().TempDir()
	s.engine = sim.New(sim.DefaultConfig())
	var err error
	s.dev, err = Open(s.cfg, s.engine)
	s.Require().NoError(err)
}

func (s *DeviceTestSuite) TearDownTest() {
	s.NoError(s.dev.Close(context.Background()))
}

func (s *DeviceTestSuite) TestInfo() {
	want := Info{
		Name:      "dma0",
		Geometry:  dma.Geometry{SlotSize: 256, SlotCount: 8},
		Layout:    dma.Layout{TXOffset: 0, RXOffset: 2048, Size: 4096},
		EpochBits: 16,
	}
	if diff := cmp.Diff(want, s.dev.Info()); diff != "" {
		s.Failf("info mismatch", "(-want +got):\n%s", diff)
	}
}

func (s *DeviceTestSuite) TestEnableReportUpdate() {
	ctx := context.Background()
	c, err := s.dev.Enable(ctx, dma.RX, true)
	s.Require().NoError(err)
	s.Equal(dma.Counters{}, c)
	_, err = s.dev.Enable(ctx, dma.RX, true)
	s.ErrorIs(err, ErrBusy)

	s.engine.Step(dma.RX, 3)
	s.Equal(dma.Counters{HW: 3}, s.dev.Report(dma.RX))

	ch := s.dev.Channel(dma.RX)
	for i := 0; i < 2; i++ {
		_, err := ch.AcquireRead(ctx, 0)
		s.Require().NoError(err)
	}
	s.NoError(s.dev.UpdateSoftware(dma.RX, 2))
	s.Equal(dma.Counters{HW: 3, SW: 2, User: 2}, s.dev.Report(dma.RX))
	s.Error(s.dev.UpdateSoftware(dma.RX, 1))
	s.Error(s.dev.UpdateSoftware(dma.RX, 3))

	c, err = s.dev.Enable(ctx, dma.RX, false)
	s.Require().NoError(err)
	s.Equal(dma.Counters{}, c)
	_, err = s.dev.Enable(ctx, dma.RX, false)
	s.NoError(err)
}

func (s *DeviceTestSuite) TestSynchronizerWaitsForBothDirections() {
	ctx := context.Background()
	s.False(s.dev.Synchronized())
	_, err := s.dev.Enable(ctx, dma.RX, true)
	s.Require().NoError(err)
	_, err = s.dev.Enable(ctx, dma.TX, true)
	s.Require().NoError(err)
	s.True(s.dev.Synchronized())

	_, err = s.dev.Enable(ctx, dma.RX, false)
	s.Require().NoError(err)
	s.True(s.dev.Synchronized())
	_, err = s.dev.Enable(ctx, dma.TX, false)
	s.Require().NoError(err)
	s.False(s.dev.Synchronized())
}

func (s *DeviceTestSuite) TestLeasesAreExclusive() {
	r, err := s.dev.Acquire(dma.RX, Reader)
	s.Require().NoError(err)
	s.True(s.dev.Held(dma.RX, Reader))

	_, err = s.dev.Acquire(dma.RX, Reader)
	s.ErrorIs(err, ErrBusy)

	w, err := s.dev.Acquire(dma.RX, Writer)
	s.Require().NoError(err)
	t, err := s.dev.Acquire(dma.TX, Reader)
	s.Require().NoError(err)

	s.NoError(s.dev.Release(r))
	s.ErrorIs(s.dev.Release(r), ErrNotLeased)
	s.False(s.dev.Held(dma.RX, Reader))

	again, err := s.dev.Acquire(dma.RX, Reader)
	s.Require().NoError(err)
	s.Equal(dma.RX, again.Direction())
	s.Equal(Reader, again.Role())
	s.NoError(s.dev.Release(again))
	s.NoError(s.dev.Release(w))
	s.NoError(s.dev.Release(t))
}

func (s *DeviceTestSuite) TestLeaseExcludesOtherDeviceHandle() {
	other, err := Open(s.cfg, sim.New(sim.DefaultConfig()))
	s.Require().NoError(err)
	defer other.Close(context.Background()) //nolint:errcheck

	l, err := s.dev.Acquire(dma.TX, Writer)
	s.Require().NoError(err)
	_, err = other.Acquire(dma.TX, Writer)
	s.ErrorIs(err, ErrBusy)
	s.False(other.Held(dma.TX, Writer))

	s.Require().NoError(s.dev.Release(l))
	l2, err := other.Acquire(dma.TX, Writer)
	s.Require().NoError(err)
	s.NoError(other.Release(l2))
}

func (s *DeviceTestSuite) TestLeaseTimeoutWaitsForOtherHandle() {
	cfg := s.cfg
	cfg.LeaseTimeout = 2 * time.Second
	other, err := Open(cfg, sim.New(sim.DefaultConfig()))
	s.Require().NoError(err)
	defer other.Close(context.Background()) //nolint:errcheck

	l, err := s.dev.Acquire(dma.RX, Reader)
	s.Require().NoError(err)
	time.AfterFunc(20*time.Millisecond, func() { _ = s.dev.Release(l) })
	got, err := other.Acquire(dma.RX, Reader)
	s.Require().NoError(err)
	s.NoError(other.Release(got))
}

func (s *DeviceTestSuite) TestRegistry() {
	s.NoError(s.dev.Register("rx0", 1))
	s.ErrorIs(s.dev.Register("rx0", 2), ErrBusy)
	v, ok := s.dev.Lookup("rx0")
	s.True(ok)
	s.Equal(1, v)
	s.Equal([]string{"rx0"}, s.dev.Streams())
	s.dev.Unregister("rx0")
	_, ok = s.dev.Lookup("rx0")
	s.False(ok)
}

func (s *DeviceTestSuite) TestClosedDevice() {
	ctx := context.Background()
	_, err := s.dev.Enable(ctx, dma.RX, true)
	s.Require().NoError(err)
	l, err := s.dev.Acquire(dma.RX, Reader)
	s.Require().NoError(err)

	s.Require().NoError(s.dev.Close(ctx))
	s.False(s.dev.Channel(dma.RX).Running())
	s.ErrorIs(s.dev.Release(l), ErrNotLeased)
	_, err = s.dev.Enable(ctx, dma.RX, true)
	s.True(errors.Is(err, ErrClosed))
	_, err = s.dev.Acquire(dma.RX, Reader)
	s.ErrorIs(err, ErrClosed)
	s.ErrorIs(s.dev.Register("x", nil), ErrClosed)
}

func TestVerifyConfig(t *testing.T) {
	cfg := DefaultConfig()
	if err := VerifyConfig(&cfg); err != nil {
		t.Fatal(err)
	}
	cfg.Policy.OverflowThreshold = cfg.Geometry.SlotCount
	if err := VerifyConfig(&cfg); err == nil {
		t.Fatal("threshold equal to slot count accepted")
	}
}

func TestDeviceTestSuite(t *testing.T) {
	suite.Run(t, new(DeviceTestSuite))
}
