// Package bridge couples DMA streams to shared rings inside the DMA-facing
// process. An RX bridge copies every received slot into a ring for another
// process; a TX bridge feeds the hardware from a ring, sending zeroed filler
// slots whenever the ring runs dry.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/srediag/dmaring/api"
	"github.com/srediag/dmaring/internal/logging"
	"github.com/srediag/dmaring/pkg/dma"
	"github.com/srediag/dmaring/pkg/shm"
)

var (
	// ErrRunning is returned by Run on a bridge that is already running.
	ErrRunning = errors.New("bridge: already running")
	// ErrSlotSize is returned when the two ends disagree on the slot size.
	ErrSlotSize = errors.New("bridge: slot size mismatch")
)

// Kind is the direction a bridge pumps.
type Kind uint8

const (
	// KindRX pumps a stream into a ring.
	KindRX Kind = iota
	// KindTX pumps a ring into a stream.
	KindTX
)

func (k Kind) String() string {
	if k == KindTX {
		return "tx"
	}
	return "rx"
}

// Config holds bridge parameters.
type Config struct {
	// PollTimeout bounds each stream acquisition, and so how long Stop takes
	// to be noticed.
	PollTimeout time.Duration
	// FinishOnStop marks the ring of an RX bridge finished when Run returns.
	FinishOnStop bool
	// StopOnFinish ends a TX bridge once its ring is finished and drained.
	StopOnFinish bool
	// Metrics receives the bridge counters. Nil uses unregistered ones.
	Metrics *Metrics
}

// DefaultConfig returns the default bridge config.
func DefaultConfig() Config {
	return Config{
		PollTimeout:  100 * time.Millisecond,
		FinishOnStop: true,
		StopOnFinish: true,
	}
}

// VerifyConfig checks cfg and fills in defaults.
func VerifyConfig(cfg *Config) error {
	if cfg.PollTimeout < 0 {
		return fmt.Errorf("negative poll timeout %s", cfg.PollTimeout)
	}
	if cfg.PollTimeout == 0 {
		cfg.PollTimeout = DefaultConfig().PollTimeout
	}
	if cfg.Metrics == nil {
		cfg.Metrics = unregistered
	}
	return nil
}

type outcome uint8

const (
	outForwarded outcome = iota
	outFilled
	outDropped
	outOverflow
	outUnderflow
	outTimeout
	outDone
)

var outcomeNames = [...]string{"forwarded", "filled", "dropped", "overflow", "underflow", "timeout", "done"}

// Stats is a snapshot of a bridge.
type Stats struct {
	Name       string `json:"name"`
	Kind       string `json:"kind"`
	Running    bool   `json:"running"`
	Forwarded  uint64 `json:"forwarded"`
	Filled     uint64 `json:"filled"`
	Dropped    uint64 `json:"dropped"`
	Overflows  uint64 `json:"overflows"`
	Underflows uint64 `json:"underflows"`
	Timeouts   uint64 `json:"timeouts"`
}

// Bridge pumps slots between a stream and a ring. Run drives it on one
// goroutine; Stop and Stats may be called from any goroutine.
type Bridge struct {
	name string
	kind Kind
	cfg  Config
	log  *logging.Logger
	step func(ctx context.Context) (outcome, error)
	done func()

	running  atomic.Bool
	stopping atomic.Bool
	counts   [len(outcomeNames)]atomic.Uint64
	slots    [len(outcomeNames)]prometheus.Counter
	gauge    prometheus.Gauge
}

func newBridge(name string, kind Kind, cfg Config) (*Bridge, error) {
	if err := VerifyConfig(&cfg); err != nil {
		return nil, err
	}
	b := &Bridge{
		name:  name,
		kind:  kind,
		cfg:   cfg,
		log:   logging.New("bridge/" + name),
		gauge: cfg.Metrics.Running.WithLabelValues(name, kind.String()),
	}
	for i, o := range outcomeNames {
		b.slots[i] = cfg.Metrics.Slots.WithLabelValues(name, o)
	}
	return b, nil
}

type sized interface{ SlotSize() int }

func checkSizes(a, b any) error {
	sa, ok1 := a.(sized)
	sb, ok2 := b.(sized)
	if ok1 && ok2 && sa.SlotSize() != sb.SlotSize() {
		return fmt.Errorf("%w: %d and %d bytes", ErrSlotSize, sa.SlotSize(), sb.SlotSize())
	}
	return nil
}

// NewRX returns a bridge that copies every slot read from src into dst. A
// slot dst cannot take is released anyway and counted as dropped.
func NewRX(name string, src api.SlotReader, dst api.SlotPublisher, cfg Config) (*Bridge, error) {
	if err := checkSizes(src, dst); err != nil {
		return nil, err
	}
	b, err := newBridge(name, KindRX, cfg)
	if err != nil {
		return nil, err
	}
	b.step = func(ctx context.Context) (outcome, error) {
		err := src.ReadSlot(ctx, b.cfg.PollTimeout, func(slot []byte) error {
			return dst.Write(ctx, slot)
		})
		return classify(ctx, err)
	}
	if f, ok := dst.(api.Finisher); ok && b.cfg.FinishOnStop {
		b.done = f.Finish
	}
	return b, nil
}

// NewTX returns a bridge that fills every slot written to dst from src,
// zero-filling when src is empty. With StopOnFinish and a src that is an
// api.Finisher, the bridge ends at the first filler slot after src finished.
func NewTX(name string, src api.SlotFiller, dst api.SlotWriter, cfg Config) (*Bridge, error) {
	if err := checkSizes(src, dst); err != nil {
		return nil, err
	}
	b, err := newBridge(name, KindTX, cfg)
	if err != nil {
		return nil, err
	}
	fin, _ := src.(api.Finisher)
	b.step = func(ctx context.Context) (outcome, error) {
		// Sampled before the read: a finished producer has published everything.
		finished := fin != nil && b.cfg.StopOnFinish && fin.Finished()
		var filled bool
		err := dst.WriteSlot(ctx, b.cfg.PollTimeout, func(slot []byte) error {
			var err error
			_, filled, err = src.ReadFill(ctx, slot)
			return err
		})
		if err != nil || !filled {
			return classify(ctx, err)
		}
		if finished {
			return outDone, nil
		}
		return outFilled, nil
	}
	return b, nil
}

func classify(ctx context.Context, err error) (outcome, error) {
	switch {
	case err == nil:
		return outForwarded, nil
	case errors.Is(err, shm.ErrRingFull):
		return outDropped, nil
	case errors.Is(err, dma.ErrTimeout):
		return outTimeout, nil
	case errors.Is(err, dma.ErrOverflow):
		return outOverflow, nil
	case errors.Is(err, dma.ErrUnderflow):
		return outUnderflow, nil
	case errors.Is(err, shm.ErrFinished), ctx.Err() != nil:
		return outDone, nil
	}
	return outDone, err
}

// Name returns the bridge name.
func (b *Bridge) Name() string { return b.name }

// Kind returns the bridge direction.
func (b *Bridge) Kind() Kind { return b.kind }

// Running reports whether Run is pumping.
func (b *Bridge) Running() bool { return b.running.Load() }

// Run pumps slots until Stop is called, ctx is done, the ring ends or an
// unrecoverable error occurs, which it returns. Overflows, underflows,
// timeouts and drops are counted and pumping goes on.
func (b *Bridge) Run(ctx context.Context) error {
	if !b.running.CompareAndSwap(false, true) {
		return ErrRunning
	}
	b.gauge.Set(1)
	b.log.Infof("%s bridge running", b.kind)
	defer func() {
		if b.done != nil {
			b.done()
		}
		b.gauge.Set(0)
		b.running.Store(false)
	}()

	for !b.stopping.Load() {
		o, err := b.step(ctx)
		if err != nil {
			b.log.Errorf("%s bridge failed: %v", b.kind, err)
			return err
		}
		b.counts[o].Add(1)
		b.slots[o].Inc()
		switch o {
		case outDone:
			b.log.Infof("%s bridge done", b.kind)
			return nil
		case outOverflow, outUnderflow, outDropped:
			b.log.Debugf("%s bridge %s", b.kind, outcomeNames[o])
		}
	}
	b.log.Infof("%s bridge stopped", b.kind)
	return nil
}

// Stop asks Run to return after the step in progress. A stopped bridge does
// not pump again.
func (b *Bridge) Stop() {
	b.stopping.Store(true)
}

// Stats returns a snapshot of the bridge counters.
func (b *Bridge) Stats() Stats {
	return Stats{
		Name:       b.name,
		Kind:       b.kind.String(),
		Running:    b.running.Load(),
		Forwarded:  b.counts[outForwarded].Load(),
		Filled:     b.counts[outFilled].Load(),
		Dropped:    b.counts[outDropped].Load(),
		Overflows:  b.counts[outOverflow].Load(),
		Underflows: b.counts[outUnderflow].Load(),
		Timeouts:   b.counts[outTimeout].Load(),
	}
}
