package stream

import (
	"fmt"
	"time"

	"github.com/Workiva/go-datastructures/queue"

	"github.com/srediag/dmaring/pkg/dma"
)

// EventKind classifies a stream event.
type EventKind uint8

const (
	EventOverflow EventKind = iota + 1
	EventUnderflow
	// EventRemainderDropped means a held partial slot was invalidated.
	EventRemainderDropped
)

func (k EventKind) String() string {
	switch k {
	case EventOverflow:
		return "overflow"
	case EventUnderflow:
		return "underflow"
	case EventRemainderDropped:
		return "remainder-dropped"
	default:
		return fmt.Sprintf("event(%d)", uint8(k))
	}
}

// MarshalText encodes the kind by name.
func (k EventKind) MarshalText() ([]byte, error) { return []byte(k.String()), nil }

// Event records a recoverable condition on a stream.
type Event struct {
	Kind      EventKind     `json:"kind"`
	Direction dma.Direction `json:"direction"`
	// Slots is the lost, missed or dropped slot count.
	Slots    int64        `json:"slots"`
	Counters dma.Counters `json:"counters"`
	Time     time.Time    `json:"time"`
}

// post offers ev to the mailbox without blocking. A full mailbox drops it.
func (s *Stream) post(m dirMetrics, ev Event) {
	ok, err := s.events.Offer(ev)
	if err != nil || !ok {
		m.events.Inc()
	}
}

// NextEvent waits up to timeout for the next event. It returns
// dma.ErrTimeout when none arrives and ErrClosed after Close.
func (s *Stream) NextEvent(timeout time.Duration) (Event, error) {
	if timeout <= 0 {
		if s.events.Len() == 0 {
			return Event{}, dma.ErrTimeout
		}
		timeout = time.Millisecond
	}
	v, err := s.events.Poll(timeout)
	switch err {
	case nil:
		return v.(Event), nil
	case queue.ErrTimeout:
		return Event{}, dma.ErrTimeout
	case queue.ErrDisposed:
		return Event{}, ErrClosed
	default:
		return Event{}, err
	}
}

// PendingEvents returns the number of queued events.
func (s *Stream) PendingEvents() int {
	return int(s.events.Len())
}
