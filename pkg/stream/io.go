package stream

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/valyala/bytebufferpool"

	"github.com/srediag/dmaring/pkg/dma"
)

// waitLeft converts what is left of a Read or Write timeout into the
// timeout of the next acquisition.
func waitLeft(deadline time.Time, timeout time.Duration) time.Duration {
	if timeout <= 0 {
		return timeout
	}
	return max(time.Until(deadline), 0)
}

// partial decides what a transfer that moved n bytes returns on err. A
// timeout after some progress is a short count, everything else is reported.
func partial(n int, err error) (int, error) {
	if n > 0 && errors.Is(err, dma.ErrTimeout) {
		return n, nil
	}
	return n, err
}

// Read copies received bytes into p, acquiring slots as needed. A slot that
// is only partly read stays held for the next call and is released once its
// last byte is read. Read returns once p is full, or with a short count when
// the timeout passes after some bytes arrived. A negative timeout waits
// without limit.
func (s *Stream) Read(ctx context.Context, timeout time.Duration, p []byte) (int, error) {
	if err := s.begin(s.rx); err != nil {
		return 0, err
	}
	sd := s.rx
	sd.mu.Lock()
	defer sd.mu.Unlock()

	deadline := time.Now().Add(timeout)
	n := 0
	for n < len(p) {
		h, ok := s.validRemainder(sd)
		if !ok {
			b, err := s.acquire(ctx, sd, waitLeft(deadline, timeout))
			if err != nil {
				sd.metrics.bytes.Add(float64(n))
				return partial(n, err)
			}
			h = holding{handle: b.Handle, data: b.Data}
		}
		c := copy(p[n:], h.rest())
		n += c
		h.offset += c
		if err := s.settle(sd, h); err != nil {
			return n, err
		}
	}
	sd.metrics.bytes.Add(float64(n))
	return n, nil
}

// Write copies p into TX slots, acquiring them as needed. A slot is released
// to the hardware once full; a partly filled slot stays held for the next
// call or Flush.
func (s *Stream) Write(ctx context.Context, timeout time.Duration, p []byte) (int, error) {
	if err := s.begin(s.tx); err != nil {
		return 0, err
	}
	sd := s.tx
	sd.mu.Lock()
	defer sd.mu.Unlock()

	deadline := time.Now().Add(timeout)
	n := 0
	for n < len(p) {
		h, ok := s.validRemainder(sd)
		if !ok {
			b, err := s.acquire(ctx, sd, waitLeft(deadline, timeout))
			if err != nil {
				sd.metrics.bytes.Add(float64(n))
				return partial(n, err)
			}
			h = holding{handle: b.Handle, data: b.Data}
		}
		c := copy(h.rest(), p[n:])
		n += c
		h.offset += c
		if err := s.settle(sd, h); err != nil {
			return n, err
		}
	}
	sd.metrics.bytes.Add(float64(n))
	return n, nil
}

// settle releases h when it is used up and keeps it as the remainder otherwise.
func (s *Stream) settle(sd *side, h holding) error {
	if h.remaining() > 0 {
		sd.set(h)
		return nil
	}
	sd.set(empty{})
	return sd.ch.Release(h.handle)
}

// Flush zero-pads a partly written TX slot and releases it.
func (s *Stream) Flush() error {
	if err := s.begin(s.tx); err != nil {
		return err
	}
	sd := s.tx
	sd.mu.Lock()
	defer sd.mu.Unlock()
	h, ok := s.validRemainder(sd)
	if !ok {
		return nil
	}
	clear(h.rest())
	h.offset = len(h.data)
	return s.settle(sd, h)
}

// ReadChannels reads whole frames and de-interleaves them: dst[c] receives
// the samples of channel c. It returns the number of samples written to
// each channel. Frames stay aligned as long as plain Read calls use
// multiples of the frame size.
func (s *Stream) ReadChannels(ctx context.Context, timeout time.Duration, dst [][]byte) (int, error) {
	f := s.Format()
	if f == (Format{}) {
		return 0, ErrNotConfigured
	}
	if len(dst) != f.Channels {
		return 0, fmt.Errorf("stream: %d destination channels, format has %d", len(dst), f.Channels)
	}
	samples := -1
	for _, d := range dst {
		if k := len(d) / f.SampleSize; samples < 0 || k < samples {
			samples = k
		}
	}
	if samples <= 0 {
		return 0, nil
	}
	frame := f.FrameSize()

	buf := bytebufferpool.Get()
	defer bytebufferpool.Put(buf)
	buf.B = slices.Grow(buf.B[:0], samples*frame)[:samples*frame]

	n, err := s.Read(ctx, timeout, buf.B)
	frames := n / frame
	for i := 0; i < frames; i++ {
		src := buf.B[i*frame : (i+1)*frame]
		for c := 0; c < f.Channels; c++ {
			copy(dst[c][i*f.SampleSize:], src[c*f.SampleSize:(c+1)*f.SampleSize])
		}
	}
	return frames, err
}
