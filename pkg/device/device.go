// Package device is the control channel of one DMA device: it owns the slot
// arena and both ring channels, enables and disables directions through the
// full-duplex synchronizer, reports and updates counters, hands out exclusive
// reader and writer leases and keeps the registry of open streams.
package device

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	cmap "github.com/orcaman/concurrent-map/v2"

	"github.com/srediag/dmaring/internal/logging"
	"github.com/srediag/dmaring/pkg/dma"
)

var (
	// ErrBusy is returned when a lease, stream name or direction is taken.
	ErrBusy = errors.New("device: busy")
	// ErrNotLeased is returned when releasing a lease that is not held.
	ErrNotLeased = errors.New("device: not leased")
	// ErrClosed is returned by every call on a closed device.
	ErrClosed = errors.New("device: closed")
)

// Config describes the device.
type Config struct {
	// Name identifies the device in lock file names and logs.
	Name     string
	Geometry dma.Geometry
	Policy   dma.Policy
	// LockDir holds cross-process lease files. Empty disables them and
	// leases only exclude within the process.
	LockDir string
	// LeaseTimeout is how long Acquire waits for a cross-process lease.
	LeaseTimeout time.Duration
	// StopTimeout bounds the wait for the engine to acknowledge a disable.
	StopTimeout time.Duration
}

// DefaultConfig returns a small default device config.
func DefaultConfig() Config {
	return Config{
		Name:        "dma0",
		Geometry:    dma.Geometry{SlotSize: 8192, SlotCount: 64},
		Policy:      dma.DefaultPolicy(),
		StopTimeout: time.Second,
	}
}

// VerifyConfig checks cfg.
func VerifyConfig(cfg *Config) error {
	if cfg.Name == "" {
		return errors.New("device name is required")
	}
	if err := cfg.Geometry.Validate(); err != nil {
		return err
	}
	if err := cfg.Policy.Validate(cfg.Geometry.SlotCount); err != nil {
		return err
	}
	if cfg.LeaseTimeout < 0 || cfg.StopTimeout < 0 {
		return errors.New("timeouts must not be negative")
	}
	return nil
}

// Info is the static geometry reported by the control channel.
type Info struct {
	Name      string       `json:"name"`
	Geometry  dma.Geometry `json:"geometry"`
	Layout    dma.Layout   `json:"layout"`
	EpochBits uint         `json:"epoch_bits"`
}

// Device is one opened DMA device.
type Device struct {
	cfg      Config
	engine   dma.Engine
	arena    *dma.Arena
	channels [2]*dma.Channel
	sync     synchronizer
	leases   cmap.ConcurrentMap[string, *Lease]
	streams  cmap.ConcurrentMap[string, any]
	mu       sync.Mutex
	closed   atomic.Bool
	log      *logging.Logger
}

// Open maps the arena for cfg.Geometry and binds both directions to engine.
// Neither direction is enabled.
func Open(cfg Config, engine dma.Engine) (*Device, error) {
	if err := VerifyConfig(&cfg); err != nil {
		return nil, err
	}
	arena, err := dma.NewArena(cfg.Geometry)
	if err != nil {
		return nil, err
	}
	d := &Device{
		cfg:     cfg,
		engine:  engine,
		arena:   arena,
		leases:  cmap.New[*Lease](),
		streams: cmap.New[any](),
		log:     logging.New("device/" + cfg.Name),
	}
	for _, dir := range dma.Directions {
		ch, err := dma.NewChannel(dir, arena, engine, cfg.Policy)
		if err != nil {
			_ = arena.Close()
			return nil, err
		}
		d.channels[dir] = ch
	}
	d.log.Infof("opened: %d slots of %d bytes per direction", cfg.Geometry.SlotCount, cfg.Geometry.SlotSize)
	return d, nil
}

// Name returns the device name.
func (d *Device) Name() string { return d.cfg.Name }

// Config returns the device config.
func (d *Device) Config() Config { return d.cfg }

// Info returns the ring geometry and region offsets.
func (d *Device) Info() Info {
	return Info{
		Name:      d.cfg.Name,
		Geometry:  d.arena.Geometry(),
		Layout:    d.arena.Layout(),
		EpochBits: d.engine.EpochBits(),
	}
}

// Channel returns the ring channel of dir.
func (d *Device) Channel(dir dma.Direction) *dma.Channel {
	return d.channels[dir&1]
}

// Enable starts (on) or stops dir and returns the counters afterwards.
// Enabling a running direction returns ErrBusy. Stopping waits for the engine
// to acknowledge and is a no-op on a stopped direction.
func (d *Device) Enable(ctx context.Context, dir dma.Direction, on bool) (dma.Counters, error) {
	if d.closed.Load() {
		return dma.Counters{}, ErrClosed
	}
	if !dir.Valid() {
		return dma.Counters{}, fmt.Errorf("invalid direction %d", dir)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	ch := d.channels[dir]
	if on {
		if ch.Running() {
			return ch.Counters(), fmt.Errorf("%w: %s already enabled", ErrBusy, dir)
		}
		if d.sync.join(dir) {
			d.log.Debugf("synchronizer enabled by %s", dir)
		}
		if err := ch.Start(); err != nil {
			d.sync.leave(dir)
			return ch.Counters(), err
		}
		return ch.Counters(), nil
	}
	err := d.stop(ctx, dir)
	return ch.Counters(), err
}

func (d *Device) stop(ctx context.Context, dir dma.Direction) error {
	if d.cfg.StopTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.cfg.StopTimeout)
		defer cancel()
	}
	if err := d.channels[dir].Stop(ctx); err != nil {
		return err
	}
	if d.sync.leave(dir) {
		d.log.Debugf("synchronizer disabled after %s", dir)
	}
	return nil
}

// Synchronized reports whether the full-duplex synchronizer is enabled, that
// is whether at least one direction is running.
func (d *Device) Synchronized() bool { return d.sync.enabled() }

// Report returns the current hw, sw and user counters of dir.
func (d *Device) Report(dir dma.Direction) dma.Counters {
	return d.Channel(dir).Counters()
}

// UpdateSoftware pushes a new sw count for dir.
func (d *Device) UpdateSoftware(dir dma.Direction, sw int64) error {
	if d.closed.Load() {
		return ErrClosed
	}
	return d.Channel(dir).SetSoftware(sw)
}

// Register binds name to an open stream. Names are unique per device.
func (d *Device) Register(name string, v any) error {
	if d.closed.Load() {
		return ErrClosed
	}
	if !d.streams.SetIfAbsent(name, v) {
		return fmt.Errorf("%w: stream %q already open", ErrBusy, name)
	}
	return nil
}

// Lookup returns the stream registered under name.
func (d *Device) Lookup(name string) (any, bool) {
	return d.streams.Get(name)
}

// Unregister removes name from the registry.
func (d *Device) Unregister(name string) {
	d.streams.Remove(name)
}

// Streams returns the registered stream names.
func (d *Device) Streams() []string {
	return d.streams.Keys()
}

// Close stops both directions, drops every lease and unmaps the arena.
func (d *Device) Close(ctx context.Context) error {
	if d.closed.Swap(true) {
		return nil
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	var errs []error
	for _, dir := range dma.Directions {
		if err := d.stop(ctx, dir); err != nil {
			errs = append(errs, err)
		}
	}
	for _, l := range d.leases.Items() {
		if err := d.release(l); err != nil && !errors.Is(err, ErrNotLeased) {
			errs = append(errs, err)
		}
	}
	d.streams.Clear()
	if len(errs) > 0 {
		// The engine may still be writing; leave the arena mapped.
		return errors.Join(errs...)
	}
	d.log.Infof("closed")
	return d.arena.Close()
}
