package adapter

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/suite"
	"github.com/sugawarayuuta/sonnet"
	"go.opentelemetry.io/otel/metric/noop"

	"github.com/srediag/dmaring/pkg/device"
	"github.com/srediag/dmaring/pkg/dma"
	"github.com/srediag/dmaring/pkg/shm"
	"github.com/srediag/dmaring/pkg/sim"
	"github.com/srediag/dmaring/pkg/stream"
)

type AdapterTestSuite struct {
	suite.Suite
	dev  *device.Device
	ring *shm.Ring
	reg  *prometheus.Registry
}

func (s *AdapterTestSuite) SetupTest() {
	cfg := device.DefaultConfig()
	cfg.Geometry = dma.Geometry{SlotSize: 64, SlotCount: 4}
	var err error
	s.dev, err = device.Open(cfg, sim.New(sim.DefaultConfig()))
	s.Require().NoError(err)

	rcfg := shm.DefaultConfig()
	rcfg.Path = filepath.Join(s.T().TempDir(), "rx0")
	rcfg.SlotSize = 64
	rcfg.SlotCount = 2
	rcfg.Full = shm.Drop
	s.ring, err = shm.Create(context.Background(), rcfg)
	s.Require().NoError(err)
	s.reg = prometheus.NewRegistry()
}

func (s *AdapterTestSuite) TearDownTest() {
	s.NoError(s.ring.Close())
	s.NoError(s.dev.Close(context.Background()))
}

func get(h http.Handler, path string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func (s *AdapterTestSuite) TestLivenessFollowsChannel() {
	ctx := context.Background()
	h := NewHealth(s.reg)
	h.AddLivenessCheck("dma_rx", ChannelRunning(s.dev.Channel(dma.RX)))
	mux := NewServer(h, s.reg, nil).Handler()

	s.Equal(http.StatusServiceUnavailable, get(mux, "/live").Code)
	_, err := s.dev.Enable(ctx, dma.RX, true)
	s.Require().NoError(err)
	s.Equal(http.StatusOK, get(mux, "/live").Code)

	body := get(mux, "/metrics").Body.String()
	s.Contains(body, `dmaring_healthcheck_status{check="dma_rx"}`)
}

func (s *AdapterTestSuite) TestReadinessFailsWhileStalling() {
	ctx := context.Background()
	h := NewHealth(nil)
	h.AddReadinessCheck("ring_rx0", RingNotStalling(s.ring, 1))

	s.Equal(http.StatusOK, get(http.HandlerFunc(h.ReadyEndpoint), "/ready").Code)
	for j := 0; j < 4; j++ {
		_ = s.ring.Write(ctx, []byte{1})
	}
	s.Equal(uint64(2), s.ring.Stats().StallCount)
	s.Equal(http.StatusServiceUnavailable, get(http.HandlerFunc(h.ReadyEndpoint), "/ready").Code)
	s.Equal(http.StatusOK, get(http.HandlerFunc(h.ReadyEndpoint), "/ready").Code)
}

func (s *AdapterTestSuite) TestRingCollector() {
	ctx := context.Background()
	c := NewRingCollector()
	c.Add("rx0", s.ring)
	s.Require().NoError(s.reg.Register(c))
	s.Require().NoError(s.ring.Write(ctx, []byte{1}))

	mfs, err := s.reg.Gather()
	s.Require().NoError(err)
	got := map[string]float64{}
	for _, mf := range mfs {
		for _, m := range mf.GetMetric() {
			if m.GetGauge() != nil {
				got[mf.GetName()] = m.GetGauge().GetValue()
			} else {
				got[mf.GetName()] = m.GetCounter().GetValue()
			}
		}
	}
	s.Equal(1.0, got["dmaring_ring_write_index"])
	s.Equal(1.0, got["dmaring_ring_used_slots"])
	s.Equal(0.0, got["dmaring_ring_finished"])

	c.Remove("rx0")
	mfs, err = s.reg.Gather()
	s.Require().NoError(err)
	s.Empty(mfs)
}

func (s *AdapterTestSuite) TestObserveRings() {
	reg, err := ObserveRings(noop.NewMeterProvider().Meter("test"), map[string]*shm.Ring{"rx0": s.ring})
	s.Require().NoError(err)
	s.NoError(reg.Unregister())
}

func (s *AdapterTestSuite) TestStatusHandler() {
	h := StatusHandler(func() any { return map[string]any{"rings": []string{"rx0"}} })
	rec := get(h, "/status")
	s.Equal(http.StatusOK, rec.Code)
	s.Equal("application/json", rec.Header().Get("Content-Type"))
	var got map[string][]string
	s.Require().NoError(sonnet.Unmarshal(rec.Body.Bytes(), &got))
	s.Equal([]string{"rx0"}, got["rings"])

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/status", nil))
	s.Equal(http.StatusMethodNotAllowed, rec.Code)
}

func (s *AdapterTestSuite) TestServerServesOverTCP() {
	h := NewHealth(nil)
	srv := NewServer(h, s.reg, func() any { return "ok" })
	s.Require().NoError(srv.Start("127.0.0.1:0"))
	resp, err := http.Get("http://" + srv.Addr() + "/status")
	s.Require().NoError(err)
	body, err := io.ReadAll(resp.Body)
	s.Require().NoError(err)
	s.NoError(resp.Body.Close())
	s.Equal(`"ok"`, strings.TrimSpace(string(body)))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	s.NoError(srv.Shutdown(ctx))
}

type fakeEvents struct {
	events []stream.Event
}

func (f *fakeEvents) Name() string { return "iq0" }

func (f *fakeEvents) NextEvent(time.Duration) (stream.Event, error) {
	if len(f.events) == 0 {
		return stream.Event{}, stream.ErrClosed
	}
	ev := f.events[0]
	f.events = f.events[1:]
	return ev, nil
}

func (s *AdapterTestSuite) TestEventLogKeepsRecent() {
	src := &fakeEvents{}
	for i := 0; i < 5; i++ {
		src.events = append(src.events, stream.Event{Kind: stream.EventOverflow, Direction: dma.RX, Slots: int64(i)})
	}
	l := NewEventLog(3)
	s.Require().NoError(l.Drain(context.Background(), src, time.Millisecond))
	s.Equal(uint64(5), l.Total())
	recent := l.Recent()
	s.Require().Len(recent, 3)
	s.Equal(int64(2), recent[0].Slots)
	s.Equal(int64(4), recent[2].Slots)
	s.Equal("iq0", recent[0].Stream)

	body, err := sonnet.Marshal(recent[0])
	s.Require().NoError(err)
	s.Contains(string(body), `"kind":"overflow"`)
	s.Contains(string(body), `"direction":"rx"`)
}

func TestAdapterTestSuite(t *testing.T) {
	suite.Run(t, new(AdapterTestSuite))
}
