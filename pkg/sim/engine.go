// Package sim is a software dma.Engine. The RX side is a free-running
// producer that stamps every slot with its sequence number; the TX side is a
// free-running consumer that optionally captures what it transmitted. Both
// keep a wraparound-limited position register like a real descriptor engine.
package sim

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/eapache/queue"

	"github.com/srediag/dmaring/pkg/dma"
)

var (
	ErrNotProgrammed = errors.New("sim: direction not programmed")
	ErrEnabled       = errors.New("sim: direction enabled")
)

// FillFunc writes the payload of RX slot number seq.
type FillFunc func(seq uint64, slot []byte)

// Config tunes the engine.
type Config struct {
	// EpochBits is the width of the epoch field of the position register.
	EpochBits uint
	// Period is the time per slot of the free-running loop. Zero disables the
	// loop; slots then only move with Step.
	Period time.Duration
	// CaptureDepth bounds how many transmitted TX slots are kept. Zero keeps none.
	CaptureDepth int
	Fill         FillFunc
}

// DefaultConfig returns a manually stepped engine with a 16-bit epoch.
func DefaultConfig() Config {
	return Config{EpochBits: 16, Fill: SequenceFill}
}

// Capture is one transmitted TX slot.
type Capture struct {
	Seq  uint64
	Data []byte
}

type direction struct {
	mu      sync.Mutex
	descs   []dma.Descriptor
	slots   atomic.Uint64
	pos     atomic.Uint64
	enabled atomic.Bool
	handler atomic.Pointer[func()]
	stop    chan struct{}
	done    chan struct{}

	capMu   sync.Mutex
	capture *queue.Queue
}

// Engine implements dma.Engine in software.
type Engine struct {
	cfg  Config
	dirs [2]direction
}

var _ dma.Engine = (*Engine)(nil)

// New returns an engine. Zero fields of cfg take their defaults.
func New(cfg Config) *Engine {
	if cfg.EpochBits == 0 {
		cfg.EpochBits = 16
	}
	if cfg.Fill == nil {
		cfg.Fill = SequenceFill
	}
	e := &Engine{cfg: cfg}
	for i := range e.dirs {
		e.dirs[i].capture = queue.New()
	}
	return e
}

func (e *Engine) dir(d dma.Direction) *direction { return &e.dirs[d&1] }

func (e *Engine) EpochBits() uint { return e.cfg.EpochBits }

func (e *Engine) SetCompletionHandler(d dma.Direction, fn func()) {
	e.dir(d).handler.Store(&fn)
}

func (e *Engine) Program(d dma.Direction, descs []dma.Descriptor) error {
	s := e.dir(d)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.enabled.Load() {
		return ErrEnabled
	}
	s.descs = append([]dma.Descriptor(nil), descs...)
	s.slots.Store(uint64(len(descs)))
	return nil
}

func (e *Engine) Flush(d dma.Direction) error {
	s := e.dir(d)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.enabled.Load() {
		return ErrEnabled
	}
	s.descs = nil
	s.slots.Store(0)
	s.pos.Store(0)
	return nil
}

func (e *Engine) Enable(d dma.Direction) error {
	s := e.dir(d)
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.descs) == 0 {
		return ErrNotProgrammed
	}
	if s.enabled.Swap(true) {
		return nil
	}
	if e.cfg.Period > 0 {
		s.stop = make(chan struct{})
		s.done = make(chan struct{})
		go e.loop(d, s.stop, s.done)
	}
	return nil
}

// Disable stops the loop and waits for it to exit.
func (e *Engine) Disable(ctx context.Context, d dma.Direction) error {
	s := e.dir(d)
	s.mu.Lock()
	s.enabled.Store(false)
	stop, done := s.stop, s.done
	s.stop, s.done = nil, nil
	s.mu.Unlock()
	if stop == nil {
		return nil
	}
	close(stop)
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("sim: %s disable not acknowledged: %w", d, ctx.Err())
	}
}

func (e *Engine) Position(d dma.Direction) (index, epoch uint32) {
	s := e.dir(d)
	n := s.slots.Load()
	if n == 0 {
		return 0, 0
	}
	p := s.pos.Load()
	return uint32(p % n), uint32((p / n) & (1<<e.cfg.EpochBits - 1))
}

// Completed returns the total number of slots the engine has processed in d
// since the last flush.
func (e *Engine) Completed(d dma.Direction) uint64 { return e.dir(d).pos.Load() }

// Step processes up to n slots in d, calling the completion handler after
// each. It returns the number processed, which is short when d is disabled.
func (e *Engine) Step(d dma.Direction, n int) int { return e.advance(d, n, true) }

// StepQuiet processes slots without completion callbacks, as if interrupts
// were coalesced.
func (e *Engine) StepQuiet(d dma.Direction, n int) int { return e.advance(d, n, false) }

func (e *Engine) advance(d dma.Direction, n int, irq bool) int {
	s := e.dir(d)
	done := 0
	for ; done < n; done++ {
		s.mu.Lock()
		if !s.enabled.Load() || len(s.descs) == 0 {
			s.mu.Unlock()
			break
		}
		seq := s.pos.Load()
		desc := s.descs[seq%uint64(len(s.descs))]
		if d == dma.RX {
			e.cfg.Fill(seq, desc.Data)
		} else if e.cfg.CaptureDepth > 0 {
			s.record(seq, desc.Data, e.cfg.CaptureDepth)
		}
		s.pos.Add(1)
		s.mu.Unlock()
		if irq && desc.IRQ {
			if fn := s.handler.Load(); fn != nil {
				(*fn)()
			}
		}
	}
	return done
}

func (s *direction) record(seq uint64, data []byte, depth int) {
	s.capMu.Lock()
	defer s.capMu.Unlock()
	for s.capture.Length() >= depth {
		s.capture.Remove()
	}
	s.capture.Add(Capture{Seq: seq, Data: append([]byte(nil), data...)})
}

// Captured drains the TX capture queue, oldest first.
func (e *Engine) Captured() []Capture {
	s := e.dir(dma.TX)
	s.capMu.Lock()
	defer s.capMu.Unlock()
	out := make([]Capture, 0, s.capture.Length())
	for s.capture.Length() > 0 {
		out = append(out, s.capture.Remove().(Capture))
	}
	return out
}

func (e *Engine) loop(d dma.Direction, stop, done chan struct{}) {
	defer close(done)
	t := time.NewTicker(e.cfg.Period)
	defer t.Stop()
	for {
		select {
		case <-stop:
			return
		case <-t.C:
			e.advance(d, 1, true)
		}
	}
}

// SequenceFill stamps the little-endian sequence number at the start of the
// slot and fills the rest with a counting pattern derived from it.
func SequenceFill(seq uint64, slot []byte) {
	if len(slot) >= 8 {
		binary.LittleEndian.PutUint64(slot, seq)
		slot = slot[8:]
	}
	b := byte(seq)
	for i := range slot {
		slot[i] = b + byte(i)
	}
}

// SequenceOf returns the sequence number SequenceFill wrote to slot.
func SequenceOf(slot []byte) (uint64, bool) {
	if len(slot) < 8 {
		return 0, false
	}
	return binary.LittleEndian.Uint64(slot), true
}
