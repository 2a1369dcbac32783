// Package stream is the process-facing stream API over a device: named
// streams with whole-slot acquisition and byte-level Read and Write that carry
// a partially consumed slot across calls.
package stream

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Workiva/go-datastructures/queue"

	"github.com/srediag/dmaring/internal/logging"
	"github.com/srediag/dmaring/pkg/device"
	"github.com/srediag/dmaring/pkg/dma"
)

var (
	// ErrClosed is returned by operations on a closed stream.
	ErrClosed = errors.New("stream: closed")
	// ErrNotConfigured is returned when reading or writing before Configure.
	ErrNotConfigured = errors.New("stream: format not configured")
	// ErrConfigured is returned by Configure after the first transfer.
	ErrConfigured = errors.New("stream: already in use")
	// ErrDirection is returned for a direction the stream was not opened for.
	ErrDirection = errors.New("stream: direction not open")
)

// Format is the sample layout of a slot: Channels interleaved samples of
// SampleSize bytes each.
type Format struct {
	SampleSize int `json:"sample_size"`
	Channels   int `json:"channels"`
}

// FrameSize returns the bytes of one sample across all channels.
func (f Format) FrameSize() int { return f.SampleSize * f.Channels }

// Validate checks f against slot geometry g.
func (f Format) Validate(g dma.Geometry) error {
	if f.SampleSize <= 0 || f.Channels <= 0 {
		return fmt.Errorf("invalid format %d bytes x %d channels", f.SampleSize, f.Channels)
	}
	if g.SlotSize%f.FrameSize() != 0 {
		return fmt.Errorf("slot size %d is not a multiple of frame size %d", g.SlotSize, f.FrameSize())
	}
	return nil
}

// Config selects the directions and defaults of a stream.
type Config struct {
	RX bool
	TX bool
	// Format is applied at open when set; otherwise Configure must be called.
	Format Format
	// EventDepth bounds the event mailbox.
	EventDepth uint64
	// Metrics receives the stream counters. Nil uses unregistered counters.
	Metrics *Metrics
	// StopTimeout bounds the engine disable wait at Close.
	StopTimeout time.Duration
}

// DefaultConfig opens a receive-only stream.
func DefaultConfig() Config {
	return Config{RX: true, EventDepth: 64, StopTimeout: time.Second}
}

// VerifyConfig checks cfg.
func VerifyConfig(cfg *Config) error {
	if !cfg.RX && !cfg.TX {
		return errors.New("stream needs at least one direction")
	}
	if cfg.EventDepth == 0 {
		cfg.EventDepth = DefaultConfig().EventDepth
	}
	if cfg.Metrics == nil {
		cfg.Metrics = unregistered
	}
	return nil
}

// Buffer is a whole slot acquired through the stream.
type Buffer struct {
	dma.Buffer
	Direction dma.Direction
}

type side struct {
	mu      sync.Mutex
	ch      *dma.Channel
	lease   *device.Lease
	rem     remainder
	metrics dirMetrics
	// left mirrors the remainder size for Stats without taking mu.
	left atomic.Int64
}

func (sd *side) set(r remainder) {
	sd.rem = r
	if h, ok := r.(holding); ok {
		sd.left.Store(int64(h.remaining()))
	} else {
		sd.left.Store(0)
	}
}

// Stream is an open named stream. Reads and writes are each serialized; a
// reader and a writer may run concurrently.
type Stream struct {
	name   string
	dev    *device.Device
	cfg    Config
	rx     *side
	tx     *side
	events *queue.RingBuffer
	log    *logging.Logger

	fmtMu  sync.Mutex
	format Format
	used   atomic.Bool
	closed atomic.Bool
}

// Open registers name on dev, takes the reader lease for RX and the writer
// lease for TX and enables those directions. Remainders start empty.
func Open(ctx context.Context, dev *device.Device, name string, cfg Config) (_ *Stream, err error) {
	if err := VerifyConfig(&cfg); err != nil {
		return nil, err
	}
	s := &Stream{
		name:   name,
		dev:    dev,
		cfg:    cfg,
		events: queue.NewRingBuffer(cfg.EventDepth),
		log:    logging.New("stream/" + name),
	}
	if err := dev.Register(name, s); err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			s.teardown(ctx)
		}
	}()
	if cfg.RX {
		if s.rx, err = s.openSide(ctx, dma.RX, device.Reader); err != nil {
			return nil, err
		}
	}
	if cfg.TX {
		if s.tx, err = s.openSide(ctx, dma.TX, device.Writer); err != nil {
			return nil, err
		}
	}
	if cfg.Format != (Format{}) {
		if err = s.Configure(cfg.Format); err != nil {
			return nil, err
		}
	}
	s.log.Infof("opened rx=%t tx=%t", cfg.RX, cfg.TX)
	return s, nil
}

func (s *Stream) openSide(ctx context.Context, dir dma.Direction, role device.Role) (*side, error) {
	lease, err := s.dev.Acquire(dir, role)
	if err != nil {
		return nil, err
	}
	sd := &side{
		ch:      s.dev.Channel(dir),
		lease:   lease,
		rem:     empty{},
		metrics: s.cfg.Metrics.bind(s.name, dir.String()),
	}
	if _, err := s.dev.Enable(ctx, dir, true); err != nil {
		_ = s.dev.Release(lease)
		return nil, err
	}
	return sd, nil
}

// Name returns the stream name.
func (s *Stream) Name() string { return s.name }

// Configure sets the sample format. It fails once data has moved.
func (s *Stream) Configure(f Format) error {
	if s.closed.Load() {
		return ErrClosed
	}
	if s.used.Load() {
		return ErrConfigured
	}
	if err := f.Validate(s.dev.Info().Geometry); err != nil {
		return err
	}
	s.fmtMu.Lock()
	s.format = f
	s.fmtMu.Unlock()
	return nil
}

// Format returns the configured format.
func (s *Stream) Format() Format {
	s.fmtMu.Lock()
	defer s.fmtMu.Unlock()
	return s.format
}

func (s *Stream) begin(sd *side) error {
	if s.closed.Load() {
		return ErrClosed
	}
	if sd == nil {
		return ErrDirection
	}
	if s.Format() == (Format{}) {
		return ErrNotConfigured
	}
	s.used.Store(true)
	return nil
}

// AcquireRead acquires one whole RX slot. It bypasses the Read remainder;
// releasing it also releases a partially read slot held by Read.
func (s *Stream) AcquireRead(ctx context.Context, timeout time.Duration) (Buffer, error) {
	if err := s.begin(s.rx); err != nil {
		return Buffer{}, err
	}
	s.rx.mu.Lock()
	defer s.rx.mu.Unlock()
	b, err := s.acquire(ctx, s.rx, timeout)
	return Buffer{Buffer: b, Direction: dma.RX}, err
}

// AcquireWrite acquires one whole TX slot.
func (s *Stream) AcquireWrite(ctx context.Context, timeout time.Duration) (Buffer, error) {
	if err := s.begin(s.tx); err != nil {
		return Buffer{}, err
	}
	s.tx.mu.Lock()
	defer s.tx.mu.Unlock()
	b, err := s.acquire(ctx, s.tx, timeout)
	return Buffer{Buffer: b, Direction: dma.TX}, err
}

// Release hands a slot from AcquireRead or AcquireWrite back.
func (s *Stream) Release(b Buffer) error {
	sd := s.side(b.Direction)
	if sd == nil {
		return ErrDirection
	}
	return sd.ch.Release(b.Handle)
}

func (s *Stream) side(dir dma.Direction) *side {
	if dir == dma.TX {
		return s.tx
	}
	return s.rx
}

// acquire takes one slot on sd and accounts for the outcome. The caller
// holds sd.mu.
func (s *Stream) acquire(ctx context.Context, sd *side, timeout time.Duration) (dma.Buffer, error) {
	var (
		b   dma.Buffer
		err error
	)
	dir := sd.ch.Direction()
	if dir == dma.RX {
		b, err = sd.ch.AcquireRead(ctx, timeout)
	} else {
		b, err = sd.ch.AcquireWrite(ctx, timeout)
	}
	if err == nil {
		sd.metrics.slots.Inc()
		return b, nil
	}
	var (
		ov *dma.OverflowError
		uf *dma.UnderflowError
	)
	switch {
	case errors.As(err, &ov):
		sd.metrics.overflows.Inc()
		sd.metrics.lost.Add(float64(ov.Lost))
		s.dropRemainder(sd)
		s.post(sd.metrics, Event{Kind: EventOverflow, Direction: dir, Slots: ov.Lost, Counters: sd.ch.Counters(), Time: time.Now()})
	case errors.As(err, &uf):
		sd.metrics.underflows.Inc()
		sd.metrics.lost.Add(float64(uf.Missed))
		s.dropRemainder(sd)
		s.post(sd.metrics, Event{Kind: EventUnderflow, Direction: dir, Slots: uf.Missed, Counters: sd.ch.Counters(), Time: time.Now()})
	case errors.Is(err, dma.ErrTimeout):
		sd.metrics.timeouts.Inc()
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
	case errors.Is(err, dma.ErrChannelStopped) && s.closed.Load():
		err = ErrClosed
	default:
		err = fmt.Errorf("%w: %s %s: %v", dma.ErrFatal, s.name, dir, err)
	}
	return b, err
}

// dropRemainder forgets a held slot without releasing it: its handle was
// invalidated by a drain or resync.
func (s *Stream) dropRemainder(sd *side) {
	if _, ok := sd.rem.(holding); ok {
		sd.set(empty{})
	}
}

// validRemainder drops the remainder when its handle is no longer valid and
// reports whether one is still held.
func (s *Stream) validRemainder(sd *side) (holding, bool) {
	h, ok := sd.rem.(holding)
	if !ok {
		return holding{}, false
	}
	if sd.ch.ValidHandle(h.handle) {
		return h, true
	}
	sd.set(empty{})
	s.post(sd.metrics, Event{Kind: EventRemainderDropped, Direction: sd.ch.Direction(), Slots: 1, Counters: sd.ch.Counters(), Time: time.Now()})
	return holding{}, false
}

// Stats is a snapshot of a stream.
type Stats struct {
	Name     string          `json:"name"`
	Format   Format          `json:"format"`
	RX       *DirectionStats `json:"rx,omitempty"`
	TX       *DirectionStats `json:"tx,omitempty"`
	Events   int             `json:"pending_events"`
	Geometry dma.Geometry    `json:"geometry"`
}

// DirectionStats are the counters of one open direction.
type DirectionStats struct {
	Counters  dma.Counters     `json:"counters"`
	Channel   dma.ChannelStats `json:"channel"`
	Remainder int              `json:"remainder"`
}

// Stats returns a snapshot of the stream.
func (s *Stream) Stats() Stats {
	st := Stats{
		Name:     s.name,
		Format:   s.Format(),
		Events:   s.PendingEvents(),
		Geometry: s.dev.Info().Geometry,
	}
	for _, sd := range []*side{s.rx, s.tx} {
		if sd == nil {
			continue
		}
		ds := &DirectionStats{
			Counters:  sd.ch.Counters(),
			Channel:   sd.ch.Stats(),
			Remainder: int(sd.left.Load()),
		}
		if sd.ch.Direction() == dma.RX {
			st.RX = ds
		} else {
			st.TX = ds
		}
	}
	return st
}

// Close stops the open directions, which wakes blocked readers and writers,
// drops the remainders without releasing them, gives the leases back and
// unregisters the stream. Pending events are discarded. A reopened stream
// starts with empty remainders.
func (s *Stream) Close(ctx context.Context) error {
	if s.closed.Swap(true) {
		return nil
	}
	err := s.teardown(ctx)
	s.log.Infof("closed")
	return err
}

func (s *Stream) teardown(ctx context.Context) error {
	if s.cfg.StopTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.StopTimeout)
		defer cancel()
	}
	var errs []error
	for _, sd := range []*side{s.rx, s.tx} {
		if sd == nil {
			continue
		}
		if _, err := s.dev.Enable(ctx, sd.ch.Direction(), false); err != nil && !errors.Is(err, device.ErrClosed) {
			errs = append(errs, err)
		}
		sd.mu.Lock()
		sd.set(empty{})
		sd.mu.Unlock()
		if err := s.dev.Release(sd.lease); err != nil && !errors.Is(err, device.ErrNotLeased) {
			errs = append(errs, err)
		}
	}
	s.events.Dispose()
	s.dev.Unregister(s.name)
	s.cfg.Metrics.Forget(s.name)
	return errors.Join(errs...)
}
