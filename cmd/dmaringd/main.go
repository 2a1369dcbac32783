// Command dmaringd runs a DMA device on the simulated engine and bridges its
// stream to shared rings for other processes. It serves /live, /ready,
// /metrics and /status, and writes the final stats on exit.
package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/heptiolabs/healthcheck"
	"github.com/natefinch/atomic"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sugawarayuuta/sonnet"
	"go.opentelemetry.io/otel"

	"github.com/srediag/dmaring/adapter"
	"github.com/srediag/dmaring/internal/logging"
	"github.com/srediag/dmaring/pkg/bridge"
	"github.com/srediag/dmaring/pkg/device"
	"github.com/srediag/dmaring/pkg/dma"
	"github.com/srediag/dmaring/pkg/shm"
	"github.com/srediag/dmaring/pkg/sim"
	"github.com/srediag/dmaring/pkg/stream"
)

var log = logging.New("dmaringd")

func main() {
	opts, err := parseFlags(os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, "dmaringd:", err)
		os.Exit(2)
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := run(ctx, opts); err != nil {
		log.Errorf("%v", err)
		os.Exit(1)
	}
}

// daemon holds everything run opened, in opening order.
type daemon struct {
	cfg    Config
	engine *sim.Engine
	dev    *device.Device
	st     *stream.Stream
	rings  map[string]*shm.Ring
	group  *bridge.Group
	events *adapter.EventLog
	server *adapter.Server
}

// Status is the /status document and the final stats file.
type Status struct {
	Time    time.Time             `json:"time"`
	Device  device.Info           `json:"device"`
	Stream  stream.Stats          `json:"stream"`
	Bridges []bridge.Stats        `json:"bridges"`
	Rings   map[string]shm.Header `json:"rings"`
	Events  []adapter.StreamEvent `json:"recent_events"`
	Totals  map[string]uint64     `json:"totals"`
}

func applyLogLevel(cfg Config) {
	if l, err := logging.ParseLevel(cfg.LogLevel); err == nil {
		logging.SetLogLevel(l)
	}
}

func run(ctx context.Context, opts options) (err error) {
	cfg := opts.cfg
	applyLogLevel(cfg)

	d := &daemon{cfg: cfg, rings: make(map[string]*shm.Ring)}
	defer func() {
		err = errors.Join(err, d.close())
	}()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	streamMetrics, err := stream.NewMetrics(reg)
	if err != nil {
		return err
	}
	bridgeMetrics, err := bridge.NewMetrics(reg)
	if err != nil {
		return err
	}

	devCfg, err := cfg.deviceConfig()
	if err != nil {
		return err
	}
	d.engine = sim.New(cfg.engineConfig())
	if d.dev, err = device.Open(devCfg, d.engine); err != nil {
		return err
	}
	if d.st, err = stream.Open(ctx, d.dev, cfg.Stream.Name, cfg.streamConfig(streamMetrics)); err != nil {
		return err
	}

	health := adapter.NewHealth(reg)
	ringCollector := adapter.NewRingCollector()
	reg.MustRegister(ringCollector)
	if d.group, err = bridge.NewGroup(2); err != nil {
		return err
	}
	for _, dir := range dma.Directions {
		if d.dev.Channel(dir).Running() {
			health.AddLivenessCheck("dma_"+dir.String(), adapter.ChannelRunning(d.dev.Channel(dir)))
		}
	}

	var bridges []*bridge.Bridge
	if cfg.Rings.RX != "" {
		ring, err := shm.Create(ctx, cfg.ringConfig(cfg.Rings.RX, shm.RoleRX))
		if err != nil {
			return err
		}
		d.rings[cfg.Rings.RX] = ring
		b, err := bridge.NewRX(cfg.Rings.RX, d.st, ring, cfg.bridgeConfig(bridgeMetrics))
		if err != nil {
			return err
		}
		bridges = append(bridges, b)
	}
	if cfg.Rings.TX != "" {
		log.Infof("waiting for TX ring %s", cfg.Rings.TX)
		ring, err := shm.OpenWait(ctx, cfg.ringConfig(cfg.Rings.TX, shm.RoleTX))
		if err != nil {
			return err
		}
		d.rings[cfg.Rings.TX] = ring
		b, err := bridge.NewTX(cfg.Rings.TX, ring, d.st, cfg.bridgeConfig(bridgeMetrics))
		if err != nil {
			return err
		}
		bridges = append(bridges, b)
	}
	for name, ring := range d.rings {
		ringCollector.Add(name, ring)
		health.AddReadinessCheck("ring_"+name, healthcheck.Timeout(adapter.RingNotStalling(ring, cfg.Rings.MaxStalls), time.Second))
	}
	otelReg, err := adapter.ObserveRings(otel.GetMeterProvider().Meter("github.com/srediag/dmaring"), d.rings)
	if err != nil {
		return err
	}
	defer func() { _ = otelReg.Unregister() }()

	for _, b := range bridges {
		health.AddLivenessCheck("bridge_"+b.Name(), adapter.BridgeRunning(b))
		if err := d.group.Go(ctx, b); err != nil {
			return err
		}
	}

	d.events = adapter.NewEventLog(cfg.EventDepth)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := d.events.Drain(ctx, d.st, 100*time.Millisecond); err != nil {
			log.Errorf("event log: %v", err)
		}
	}()

	adapter.OnHangup(ctx, func() error {
		next, err := loadConfig(opts.configPath)
		if err != nil {
			return err
		}
		if err := next.validate(); err != nil {
			return err
		}
		applyLogLevel(next)
		return nil
	})

	d.server = adapter.NewServer(health, reg, func() any { return d.status() })
	if cfg.Listen != "" {
		if err := d.server.Start(cfg.Listen); err != nil {
			return err
		}
	}
	log.Infof("running stream %s: %d x %d byte slots", cfg.Stream.Name, cfg.Device.SlotCount, cfg.Device.SlotSize)

	<-ctx.Done()
	log.Infof("shutting down")
	err = d.group.Close()
	// Closing the stream ends the event drain.
	d.closeStream()
	wg.Wait()
	return errors.Join(err, d.writeStats())
}

func (d *daemon) status() Status {
	st := Status{
		Time:   time.Now(),
		Device: d.dev.Info(),
		Rings:  make(map[string]shm.Header, len(d.rings)),
		Totals: map[string]uint64{},
	}
	if d.st != nil {
		st.Stream = d.st.Stats()
	}
	if d.group != nil {
		for _, b := range d.group.Bridges() {
			st.Bridges = append(st.Bridges, b.Stats())
		}
	}
	for name, r := range d.rings {
		st.Rings[name] = r.Stats()
	}
	if d.events != nil {
		st.Events = d.events.Recent()
		st.Totals["events"] = d.events.Total()
	}
	return st
}

func (d *daemon) writeStats() error {
	if d.cfg.StatsFile == "" {
		return nil
	}
	body, err := sonnet.Marshal(d.status())
	if err != nil {
		return err
	}
	if err := atomic.WriteFile(d.cfg.StatsFile, bytes.NewReader(append(body, '\n'))); err != nil {
		return fmt.Errorf("write stats: %w", err)
	}
	log.Infof("wrote stats to %s", d.cfg.StatsFile)
	return nil
}

func (d *daemon) closeStream() {
	if d.st == nil {
		return
	}
	if err := d.st.Close(context.Background()); err != nil {
		log.Warnf("close stream: %v", err)
	}
}

// close releases what run opened. Every step tolerates a partial startup.
func (d *daemon) close() error {
	var errs []error
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if d.server != nil {
		errs = append(errs, d.server.Shutdown(ctx))
	}
	if d.group != nil {
		errs = append(errs, d.group.Close())
	}
	d.closeStream()
	for name, r := range d.rings {
		if r.Role() == shm.RoleRX {
			errs = append(errs, r.Remove())
		}
		errs = append(errs, r.Close())
		delete(d.rings, name)
	}
	if d.dev != nil {
		errs = append(errs, d.dev.Close(ctx))
	}
	return errors.Join(errs...)
}
