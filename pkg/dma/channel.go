package dma

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/srediag/dmaring/internal/logging"
)

// ChannelStats are cumulative event counts since the channel was created.
type ChannelStats struct {
	Overflows      uint64 `json:"overflows"`
	LostSlots      uint64 `json:"lost_slots"`
	Underflows     uint64 `json:"underflows"`
	MissedSlots    uint64 `json:"missed_slots"`
	Timeouts       uint64 `json:"timeouts"`
	InvalidRelease uint64 `json:"invalid_release"`
	Completions    uint64 `json:"completions"`
}

// run is the lifetime of one Start/Stop cycle.
type run struct {
	done chan struct{}
}

// Channel is one direction of a stream bound to an engine and its slots.
type Channel struct {
	dir    Direction
	geo    Geometry
	slots  int64
	engine Engine
	arena  *Arena
	policy Policy
	thresh int64
	bits   uint
	log    *logging.Logger

	counters ringCounters

	// notify is the completion mailbox. Completion does a non-blocking send.
	notify chan struct{}
	cur    atomic.Pointer[run]
	mu     sync.Mutex

	overflows   atomic.Uint64
	lost        atomic.Uint64
	underflows  atomic.Uint64
	missed      atomic.Uint64
	timeouts    atomic.Uint64
	invalid     atomic.Uint64
	completions atomic.Uint64
}

// NewChannel binds direction d of arena to engine. The engine's completion
// handler for d is set to the channel.
func NewChannel(d Direction, arena *Arena, engine Engine, p Policy) (*Channel, error) {
	if !d.Valid() {
		return nil, fmt.Errorf("invalid direction %d", d)
	}
	g := arena.Geometry()
	if err := p.Validate(g.SlotCount); err != nil {
		return nil, err
	}
	bits := engine.EpochBits()
	if bits == 0 || bits > 32 {
		return nil, fmt.Errorf("engine epoch width %d unsupported", bits)
	}
	c := &Channel{
		dir:    d,
		geo:    g,
		slots:  int64(g.SlotCount),
		engine: engine,
		arena:  arena,
		policy: p,
		thresh: p.threshold(g.SlotCount),
		bits:   bits,
		log:    logging.New("dma/" + d.String()),
		notify: make(chan struct{}, 1),
	}
	engine.SetCompletionHandler(d, c.Complete)
	return c, nil
}

// Direction returns the channel direction.
func (c *Channel) Direction() Direction { return c.dir }

// Geometry returns the slot geometry.
func (c *Channel) Geometry() Geometry { return c.geo }

// Policy returns the counter policy.
func (c *Channel) Policy() Policy { return c.policy }

// Running reports whether the channel has been started and not stopped.
func (c *Channel) Running() bool { return c.cur.Load() != nil }

// Start flushes the engine, programs one descriptor per slot, resets the
// counters and enables the engine. Starting a running channel is a no-op.
func (c *Channel) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cur.Load() != nil {
		return nil
	}
	if err := c.engine.Flush(c.dir); err != nil {
		return fmt.Errorf("%w: flush %s: %v", ErrFatal, c.dir, err)
	}
	if err := c.engine.Program(c.dir, c.arena.Descriptors(c.dir)); err != nil {
		return fmt.Errorf("%w: program %s: %v", ErrFatal, c.dir, err)
	}
	c.counters.reset()
	c.drainNotify()
	c.cur.Store(&run{done: make(chan struct{})})
	if err := c.engine.Enable(c.dir); err != nil {
		c.cur.Store(nil)
		return fmt.Errorf("%w: enable %s: %v", ErrFatal, c.dir, err)
	}
	c.log.Debugf("started, %d slots of %d bytes", c.geo.SlotCount, c.geo.SlotSize)
	return nil
}

// Stop disables the engine, waits for the acknowledgement, flushes and zeroes
// the counters. It is safe on a channel that was never started. Waiters
// return ErrChannelStopped. The arena may be unmapped once Stop returns nil.
func (c *Channel) Stop(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if r := c.cur.Swap(nil); r != nil {
		close(r.done)
	}
	if err := c.engine.Disable(ctx, c.dir); err != nil {
		return fmt.Errorf("disable %s: %w", c.dir, err)
	}
	if err := c.engine.Flush(c.dir); err != nil {
		return fmt.Errorf("%w: flush %s: %v", ErrFatal, c.dir, err)
	}
	c.counters.reset()
	c.drainNotify()
	c.log.Debugf("stopped")
	return nil
}

// Complete is the engine's completion handler. It samples the position
// register, advances hw and wakes the waiter. It never blocks or allocates.
func (c *Channel) Complete() {
	if c.cur.Load() == nil {
		return
	}
	c.refresh()
	c.completions.Add(1)
	select {
	case c.notify <- struct{}{}:
	default:
	}
}

func (c *Channel) refresh() int64 {
	index, epoch := c.engine.Position(c.dir)
	last := c.counters.hw.Load()
	next := advanceCount(last, index, epoch, c.slots, c.bits)
	if next > last {
		c.counters.bumpHW(next)
	}
	return c.counters.hw.Load()
}

func (c *Channel) drainNotify() {
	select {
	case <-c.notify:
	default:
	}
}

// Counters returns a snapshot of hw, sw and user.
func (c *Channel) Counters() Counters { return c.counters.snapshot() }

// Stats returns cumulative event counts.
func (c *Channel) Stats() ChannelStats {
	return ChannelStats{
		Overflows:      c.overflows.Load(),
		LostSlots:      c.lost.Load(),
		Underflows:     c.underflows.Load(),
		MissedSlots:    c.missed.Load(),
		Timeouts:       c.timeouts.Load(),
		InvalidRelease: c.invalid.Load(),
		Completions:    c.completions.Load(),
	}
}

// Wait blocks until a completion arrives, the deadline passes or the channel
// stops. A zero deadline waits without a time limit.
func (c *Channel) Wait(ctx context.Context, deadline time.Time) error {
	r := c.cur.Load()
	if r == nil {
		return ErrChannelStopped
	}
	var expired <-chan time.Time
	if !deadline.IsZero() {
		d := time.Until(deadline)
		if d <= 0 {
			return ErrTimeout
		}
		t := time.NewTimer(d)
		defer t.Stop()
		expired = t.C
	}
	select {
	case <-c.notify:
		return nil
	case <-r.done:
		return ErrChannelStopped
	case <-expired:
		return ErrTimeout
	case <-ctx.Done():
		return ctx.Err()
	}
}

// deadlineFor turns an acquisition timeout into a deadline. Negative waits
// forever, zero polls once.
func deadlineFor(timeout time.Duration) (time.Time, bool) {
	switch {
	case timeout < 0:
		return time.Time{}, true
	case timeout == 0:
		return time.Time{}, false
	default:
		return time.Now().Add(timeout), true
	}
}

// AcquireRead returns the next filled RX slot. It returns *OverflowError when
// the hardware lag exceeded the threshold; the ring is drained and every
// outstanding handle becomes invalid. A negative timeout waits until a slot
// arrives or the channel stops; zero does not wait.
func (c *Channel) AcquireRead(ctx context.Context, timeout time.Duration) (Buffer, error) {
	if c.dir != RX {
		return Buffer{Handle: InvalidHandle}, fmt.Errorf("acquire read on %s channel", c.dir)
	}
	deadline, block := deadlineFor(timeout)
	every := c.policy.Check == CheckEveryAcquire
	for {
		if c.cur.Load() == nil {
			return Buffer{Handle: InvalidHandle}, ErrChannelStopped
		}
		var hw int64
		if every {
			hw = c.refresh()
		} else {
			hw = c.counters.hw.Load()
		}
		user := c.counters.user.Load()
		avail := hw - user
		if every || avail >= c.slots {
			if err := c.checkOverflow(hw); err != nil {
				return Buffer{Handle: InvalidHandle}, err
			}
		}
		if avail > 0 {
			c.counters.user.Store(user + 1)
			return Buffer{Handle: Handle(user), Data: c.slot(user)}, nil
		}
		if !every {
			if hw = c.refresh(); hw > user {
				continue
			}
			if err := c.checkOverflow(hw); err != nil {
				return Buffer{Handle: InvalidHandle}, err
			}
		}
		if err := c.wait(ctx, deadline, block); err != nil {
			return Buffer{Handle: InvalidHandle}, err
		}
	}
}

// checkOverflow drains the ring when hw - sw exceeds the threshold.
func (c *Channel) checkOverflow(hw int64) error {
	sw := c.counters.sw.Load()
	if hw-sw <= c.thresh {
		return nil
	}
	// user first so sw <= user holds for concurrent snapshots.
	c.counters.user.Store(hw)
	c.counters.sw.Store(hw)
	lost := hw - sw
	c.overflows.Add(1)
	c.lost.Add(uint64(lost))
	c.log.Infof("overflow: hw=%d sw=%d, drained %d slots", hw, sw, lost)
	return &OverflowError{Lost: lost}
}

// AcquireWrite returns the next free TX slot. It returns *UnderflowError when
// the hardware consumed more slots than were filled; user and sw are moved up
// to hw and outstanding handles become invalid.
func (c *Channel) AcquireWrite(ctx context.Context, timeout time.Duration) (Buffer, error) {
	if c.dir != TX {
		return Buffer{Handle: InvalidHandle}, fmt.Errorf("acquire write on %s channel", c.dir)
	}
	deadline, block := deadlineFor(timeout)
	every := c.policy.Check == CheckEveryAcquire
	for {
		if c.cur.Load() == nil {
			return Buffer{Handle: InvalidHandle}, ErrChannelStopped
		}
		var hw int64
		if every {
			hw = c.refresh()
		} else {
			hw = c.counters.hw.Load()
		}
		user := c.counters.user.Load()
		pending := user - hw
		if pending <= 0 && !every {
			hw = c.refresh()
			pending = user - hw
		}
		if pending < 0 {
			return Buffer{Handle: InvalidHandle}, c.resyncUnderflow(hw, user)
		}
		if pending < c.slots {
			c.counters.user.Store(user + 1)
			return Buffer{Handle: Handle(user), Data: c.slot(user)}, nil
		}
		if !every && c.refresh() > hw {
			continue
		}
		if err := c.wait(ctx, deadline, block); err != nil {
			return Buffer{Handle: InvalidHandle}, err
		}
	}
}

func (c *Channel) resyncUnderflow(hw, user int64) error {
	missed := hw - user
	c.counters.user.Store(hw)
	if c.counters.sw.Load() < hw {
		c.counters.sw.Store(hw)
	}
	c.underflows.Add(1)
	c.missed.Add(uint64(missed))
	c.log.Infof("underflow: hw=%d user=%d, resynced", hw, user)
	return &UnderflowError{Missed: missed}
}

func (c *Channel) wait(ctx context.Context, deadline time.Time, block bool) error {
	if !block {
		c.timeouts.Add(1)
		return ErrTimeout
	}
	err := c.Wait(ctx, deadline)
	if errors.Is(err, ErrTimeout) {
		c.timeouts.Add(1)
	}
	return err
}

func (c *Channel) slot(count int64) []byte {
	return c.arena.Slot(c.dir, int(count%c.slots))
}

// Release hands the slot of h back, setting sw to h+1. Earlier handles that
// were not released yet are released with it. A handle outside [sw, user) is
// invalid: it panics in debug builds and is ignored with ErrInvalidHandle
// otherwise.
func (c *Channel) Release(h Handle) error {
	sw := c.counters.sw.Load()
	user := c.counters.user.Load()
	if !h.Valid() || int64(h) < sw || int64(h) >= user {
		return invalidHandle(c, h)
	}
	c.counters.sw.Store(int64(h) + 1)
	return nil
}

// SetSoftware sets sw from the control channel. sw may only move forward and
// never past user.
func (c *Channel) SetSoftware(sw int64) error {
	cur := c.counters.sw.Load()
	user := c.counters.user.Load()
	if sw < cur || sw > user {
		return fmt.Errorf("%w: sw %d outside [%d, %d]", ErrInvalidHandle, sw, cur, user)
	}
	c.counters.sw.Store(sw)
	return nil
}

// ValidHandle reports whether h may still be released.
func (c *Channel) ValidHandle(h Handle) bool {
	return h.Valid() && int64(h) >= c.counters.sw.Load() && int64(h) < c.counters.user.Load()
}
