package shm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/srediag/dmaring/internal/logging"
	internalshm "github.com/srediag/dmaring/internal/shm"
)

var (
	// ErrGeometryMismatch is returned by Open when the ring file disagrees
	// with the requested geometry. It is not retried.
	ErrGeometryMismatch = errors.New("shm: ring geometry mismatch")
	// ErrRingFull is returned when a producer cannot publish a slot.
	ErrRingFull = errors.New("shm: ring full")
	// ErrRingEmpty is returned when a consumer finds no published slot.
	ErrRingEmpty = errors.New("shm: ring empty")
	// ErrFinished is returned once the producer has finished and the ring is drained.
	ErrFinished = errors.New("shm: producer finished")
	// ErrNoSpace is returned when the shared memory filesystem is too small.
	ErrNoSpace = internalshm.ErrNoSpace
	// ErrNotReady is returned by Open while the producer is still creating the ring.
	ErrNotReady = errors.New("shm: ring not initialized")
	// ErrClosed is returned by operations on a closed ring.
	ErrClosed = errors.New("shm: ring closed")
	// ErrUnsupportedPlatform is returned on big-endian hosts.
	ErrUnsupportedPlatform = errors.New("shm: little-endian host required")
)

var log = logging.New("shm")

// Ring is one side of a shared ring. A Ring is used by a single goroutine;
// the producer side calls the write methods and the consumer side the read
// methods.
type Ring struct {
	cfg       Config
	region    *internalshm.MappedRegion
	hdr       *ringHeader
	data      []byte
	slotSize  uint64
	slotCount uint64
	creator   bool
	role      Role
	in        *instruments
}

// Size returns the file size of a ring with the given geometry.
func Size(slotSize, slotCount int) int {
	return HeaderSize + slotSize*slotCount
}

// Create makes a new ring file with a zeroed header and maps it as the producer.
func Create(ctx context.Context, cfg Config) (r *Ring, err error) {
	if err := VerifyConfig(&cfg, true); err != nil {
		return nil, err
	}
	if !internalshm.IsLittleEndian {
		return nil, ErrUnsupportedPlatform
	}
	in, err := newInstruments(&cfg, ringName(cfg))
	if err != nil {
		return nil, err
	}
	ctx, span := in.tracer.Start(ctx, "shm.Create", trace.WithAttributes(
		attribute.String("ring", ringName(cfg)),
		attribute.Int("slot_size", cfg.SlotSize),
		attribute.Int("slot_count", cfg.SlotCount),
	))
	defer endSpan(span, &err)

	region, err := internalshm.MapRegion(ctx, internalshm.MapOptions{
		Path:   cfg.Path,
		Name:   cfg.Name,
		Size:   Size(cfg.SlotSize, cfg.SlotCount),
		Create: true,
	})
	if err != nil {
		return nil, fmt.Errorf("create ring %s: %w", ringName(cfg), err)
	}
	var flags uint16
	if cfg.Role == RoleTX {
		flags |= flagTXRole
	}
	hdr := headerAt(region.Addr)
	hdr.init(uint32(cfg.SlotSize), uint32(cfg.SlotCount), uint16(cfg.Channels), uint32(cfg.SampleSize), flags)
	r = newRing(cfg, region, in, true)
	log.Infof("created ring %s: %d slots of %d bytes, role %s", region.Path, cfg.SlotCount, cfg.SlotSize, cfg.Role)
	return r, nil
}

// Open maps an existing ring as the consumer and verifies its geometry.
func Open(ctx context.Context, cfg Config) (r *Ring, err error) {
	if err := VerifyConfig(&cfg, false); err != nil {
		return nil, err
	}
	if !internalshm.IsLittleEndian {
		return nil, ErrUnsupportedPlatform
	}
	in, err := newInstruments(&cfg, ringName(cfg))
	if err != nil {
		return nil, err
	}
	ctx, span := in.tracer.Start(ctx, "shm.Open", trace.WithAttributes(attribute.String("ring", ringName(cfg))))
	defer endSpan(span, &err)

	region, err := internalshm.MapRegion(ctx, internalshm.MapOptions{Path: cfg.Path, Name: cfg.Name})
	if err != nil {
		return nil, fmt.Errorf("open ring %s: %w", ringName(cfg), err)
	}
	if err := adoptGeometry(&cfg, region); err != nil {
		_ = internalshm.UnmapRegion(ctx, region)
		return nil, err
	}
	r = newRing(cfg, region, in, false)
	log.Debugf("opened ring %s: %d slots of %d bytes, role %s", region.Path, cfg.SlotCount, cfg.SlotSize, r.role)
	return r, nil
}

// OpenWait is Open retried with exponential backoff while the ring file does
// not exist yet or is still being initialized. Geometry mismatches are not retried.
func OpenWait(ctx context.Context, cfg Config) (*Ring, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Millisecond
	b.MaxInterval = 100 * time.Millisecond
	b.MaxElapsedTime = cfg.Timeout
	var ring *Ring
	op := func() error {
		r, err := Open(ctx, cfg)
		if err == nil {
			ring = r
			return nil
		}
		if errors.Is(err, os.ErrNotExist) || errors.Is(err, ErrNotReady) {
			return err
		}
		return backoff.Permanent(err)
	}
	if err := backoff.Retry(op, backoff.WithContext(b, ctx)); err != nil {
		return nil, err
	}
	return ring, nil
}

func adoptGeometry(cfg *Config, region *internalshm.MappedRegion) error {
	if region.Size < HeaderSize {
		return fmt.Errorf("%w: %s is %d bytes", ErrNotReady, region.Path, region.Size)
	}
	h := headerAt(region.Addr)
	count := h.SlotCount()
	if count == 0 {
		return fmt.Errorf("%w: %s", ErrNotReady, region.Path)
	}
	size := h.SlotSize()
	if got, want := region.Size, Size(int(size), int(count)); got != want {
		return fmt.Errorf("%w: %s is %d bytes, header describes %d", ErrGeometryMismatch, region.Path, got, want)
	}
	check := func(field string, want *int, got int) error {
		if *want != 0 && *want != got {
			return fmt.Errorf("%w: %s %s is %d, want %d", ErrGeometryMismatch, region.Path, field, got, *want)
		}
		*want = got
		return nil
	}
	return errors.Join(
		check("slot_payload_size", &cfg.SlotSize, int(size)),
		check("slot_count", &cfg.SlotCount, int(count)),
		check("channel_count", &cfg.Channels, int(h.ChannelCount())),
		check("sample_size", &cfg.SampleSize, int(h.SampleSize())),
	)
}

func newRing(cfg Config, region *internalshm.MappedRegion, in *instruments, creator bool) *Ring {
	hdr := headerAt(region.Addr)
	role := RoleRX
	if hdr.Flags()&flagTXRole != 0 {
		role = RoleTX
	}
	return &Ring{
		cfg:       cfg,
		region:    region,
		hdr:       hdr,
		data:      region.Addr[HeaderSize:],
		slotSize:  uint64(cfg.SlotSize),
		slotCount: uint64(cfg.SlotCount),
		creator:   creator,
		role:      role,
		in:        in,
	}
}

func ringName(cfg Config) string {
	if cfg.Path != "" {
		return filepath.Base(cfg.Path)
	}
	return cfg.Name
}

func endSpan(span trace.Span, err *error) {
	if *err != nil {
		span.RecordError(*err)
		span.SetStatus(codes.Error, (*err).Error())
	}
	span.End()
}

// Path returns the ring file path.
func (r *Ring) Path() string { return r.region.Path }

// Role returns the role recorded in the header.
func (r *Ring) Role() Role { return r.role }

// SlotSize returns the slot payload size.
func (r *Ring) SlotSize() int { return int(r.slotSize) }

// SlotCount returns the number of slots.
func (r *Ring) SlotCount() int { return int(r.slotCount) }

// Channels returns the channel count recorded in the header.
func (r *Ring) Channels() int { return r.cfg.Channels }

// SampleSize returns the per-channel sample size recorded in the header.
func (r *Ring) SampleSize() int { return r.cfg.SampleSize }

// Stats returns a snapshot of the header.
func (r *Ring) Stats() Header {
	if r.region.Addr == nil {
		return Header{}
	}
	return r.hdr.snapshot()
}

func (r *Ring) slot(idx uint64) []byte {
	off := (idx % r.slotCount) * r.slotSize
	return r.data[off : off+r.slotSize : off+r.slotSize]
}

// CanWrite reports whether a producer at write index w has a free slot.
func (r *Ring) CanWrite(w uint64) bool {
	return w-r.hdr.ReadIndex() < r.slotCount
}

// CanRead reports whether a published slot is waiting.
func (r *Ring) CanRead() bool {
	return r.hdr.ReadIndex() < r.hdr.WriteIndex()
}

// Finish sets the producer finished flag. It is never cleared.
func (r *Ring) Finish() {
	r.hdr.SetFlags(flagFinished)
}

// Finished reports whether the producer has finished.
func (r *Ring) Finished() bool {
	return r.hdr.Flags()&flagFinished != 0
}

// Reserve returns the next free slot without publishing it. It does not wait.
func (r *Ring) Reserve() ([]byte, error) {
	if r.region.Addr == nil {
		return nil, ErrClosed
	}
	if r.Finished() {
		return nil, ErrFinished
	}
	w := r.hdr.WriteIndex()
	if !r.CanWrite(w) {
		return nil, ErrRingFull
	}
	return r.slot(w), nil
}

// Publish makes the slot returned by Reserve visible to the consumer.
func (r *Ring) Publish(ctx context.Context) error {
	if r.region.Addr == nil {
		return ErrClosed
	}
	w := r.hdr.WriteIndex()
	if !r.CanWrite(w) {
		return ErrRingFull
	}
	r.hdr.SetWriteIndex(w + 1)
	r.in.add(ctx, r.in.written)
	return nil
}

// Write copies p into the next slot and publishes it, zeroing the rest of the
// slot. With the Block policy it waits for space; with Drop it returns
// ErrRingFull at once. Either way a full ring counts a stall, and a slot that
// is not written counts as an error on RX-role rings.
func (r *Ring) Write(ctx context.Context, p []byte) error {
	if uint64(len(p)) > r.slotSize {
		return fmt.Errorf("shm: payload of %d bytes exceeds slot size %d", len(p), r.slotSize)
	}
	slot, err := r.reserve(ctx, r.waitTimeout())
	if err != nil {
		return err
	}
	n := copy(slot, p)
	clear(slot[n:])
	return r.Publish(ctx)
}

// Peek returns the oldest published slot without consuming it.
func (r *Ring) Peek() ([]byte, error) {
	if r.region.Addr == nil {
		return nil, ErrClosed
	}
	read := r.hdr.ReadIndex()
	if read >= r.hdr.WriteIndex() {
		if r.Finished() && read >= r.hdr.WriteIndex() {
			return nil, ErrFinished
		}
		return nil, ErrRingEmpty
	}
	return r.slot(read), nil
}

// Consume releases the slot returned by Peek back to the producer.
func (r *Ring) Consume(ctx context.Context) error {
	if r.region.Addr == nil {
		return ErrClosed
	}
	read := r.hdr.ReadIndex()
	if read >= r.hdr.WriteIndex() {
		return ErrRingEmpty
	}
	r.hdr.SetReadIndex(read + 1)
	r.in.add(ctx, r.in.read)
	return nil
}

// Read copies the oldest slot into p, waiting for one up to Timeout. p must
// hold a full slot. It returns ErrRingEmpty when Timeout passes and
// ErrFinished once the producer has finished and every slot was read.
func (r *Ring) Read(ctx context.Context, p []byte) (int, error) {
	if uint64(len(p)) < r.slotSize {
		return 0, io.ErrShortBuffer
	}
	slot, err := r.peek(ctx, r.waitTimeout())
	if err != nil {
		return 0, err
	}
	n := copy(p, slot)
	return n, r.Consume(ctx)
}

// waitTimeout maps Config.Timeout onto the reserve and peek convention.
func (r *Ring) waitTimeout() time.Duration {
	if r.cfg.Timeout == 0 {
		return -1
	}
	return r.cfg.Timeout
}

// reserve returns the next free slot. A full ring counts a stall; with the
// Block policy it then waits up to timeout (negative waits for ctx, zero does
// not wait). A slot that cannot be written counts as an error on RX-role rings.
func (r *Ring) reserve(ctx context.Context, timeout time.Duration) ([]byte, error) {
	slot, err := r.Reserve()
	if !errors.Is(err, ErrRingFull) {
		return slot, err
	}
	r.hdr.AddStall()
	r.in.add(ctx, r.in.stalls)
	if r.cfg.Full == Block {
		err = r.poll(ctx, timeout, func() bool { return r.CanWrite(r.hdr.WriteIndex()) })
		if err == nil {
			slot, err = r.Reserve()
		}
	}
	if errors.Is(err, ErrRingFull) {
		if r.role == RoleRX {
			r.hdr.AddErrors(1)
		}
		r.in.add(ctx, r.in.drops)
	}
	return slot, err
}

// peek returns the oldest published slot, counting a stall and waiting up to
// timeout when there is none.
func (r *Ring) peek(ctx context.Context, timeout time.Duration) ([]byte, error) {
	slot, err := r.Peek()
	if !errors.Is(err, ErrRingEmpty) {
		return slot, err
	}
	r.hdr.AddStall()
	r.in.add(ctx, r.in.stalls)
	err = r.poll(ctx, timeout, func() bool { return r.CanRead() || r.Finished() })
	if err != nil {
		if errors.Is(err, ErrRingFull) {
			err = ErrRingEmpty
		}
		return nil, err
	}
	return r.Peek()
}

// ReadFill is the TX-role consumer read: it never waits. When the ring is
// empty it zero-fills one slot worth of p, counts an error and reports
// filled, so a real-time sink never sees a gap.
func (r *Ring) ReadFill(ctx context.Context, p []byte) (n int, filled bool, err error) {
	if uint64(len(p)) < r.slotSize {
		return 0, false, io.ErrShortBuffer
	}
	slot, err := r.Peek()
	switch {
	case err == nil:
		n = copy(p, slot)
		return n, false, r.Consume(ctx)
	case errors.Is(err, ErrRingEmpty), errors.Is(err, ErrFinished):
		clear(p[:r.slotSize])
		r.hdr.AddErrors(1)
		r.in.add(ctx, r.in.fills)
		return int(r.slotSize), true, nil
	default:
		return 0, false, err
	}
}

// poll repolls ready with exponential backoff until it returns true, timeout
// passes (ErrRingFull) or ctx is done. A negative timeout waits for ctx.
func (r *Ring) poll(ctx context.Context, timeout time.Duration, ready func() bool) error {
	if timeout == 0 {
		if ready() {
			return nil
		}
		return ErrRingFull
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.cfg.PollInterval
	b.MaxInterval = r.cfg.MaxPollInterval
	b.MaxElapsedTime = max(timeout, 0)
	b.RandomizationFactor = 0
	b.Reset()
	bc := backoff.WithContext(b, ctx)
	for !ready() {
		d := bc.NextBackOff()
		if d == backoff.Stop {
			if err := ctx.Err(); err != nil {
				return err
			}
			if ready() {
				return nil
			}
			return ErrRingFull
		}
		t := time.NewTimer(d)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
	return nil
}

// Close unmaps the ring. The file stays until Remove. Close is idempotent.
func (r *Ring) Close() error {
	return internalshm.UnmapRegion(context.Background(), r.region)
}

// Remove unlinks the ring file. Peers that mapped it keep their mapping.
func (r *Ring) Remove() error {
	if err := os.Remove(r.region.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}
