package adapter

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/eapache/queue"

	"github.com/srediag/dmaring/internal/logging"
	"github.com/srediag/dmaring/pkg/dma"
	"github.com/srediag/dmaring/pkg/stream"
)

var log = logging.New("adapter")

// EventSource is a stream event mailbox.
type EventSource interface {
	Name() string
	NextEvent(timeout time.Duration) (stream.Event, error)
}

// StreamEvent is an event tagged with the stream it came from.
type StreamEvent struct {
	Stream string `json:"stream"`
	stream.Event
}

// EventLog keeps the most recent stream events and logs each one.
type EventLog struct {
	mu    sync.Mutex
	q     *queue.Queue
	depth int
	total uint64
}

// NewEventLog returns a log keeping the last depth events.
func NewEventLog(depth int) *EventLog {
	return &EventLog{q: queue.New(), depth: max(depth, 1)}
}

// Record appends ev, evicting the oldest entry when full.
func (l *EventLog) Record(name string, ev stream.Event) {
	log.Warnf("stream %s: %s on %s, %d slots (hw=%d sw=%d user=%d)",
		name, ev.Kind, ev.Direction, ev.Slots, ev.Counters.HW, ev.Counters.SW, ev.Counters.User)
	l.mu.Lock()
	defer l.mu.Unlock()
	for l.q.Length() >= l.depth {
		l.q.Remove()
	}
	l.q.Add(StreamEvent{Stream: name, Event: ev})
	l.total++
}

// Recent returns the kept events, oldest first.
func (l *EventLog) Recent() []StreamEvent {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]StreamEvent, l.q.Length())
	for i := range out {
		out[i] = l.q.Get(i).(StreamEvent)
	}
	return out
}

// Total returns how many events were recorded, evicted ones included.
func (l *EventLog) Total() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.total
}

// Drain records events from src until ctx is done or src is closed. poll
// bounds each wait so ctx is noticed.
func (l *EventLog) Drain(ctx context.Context, src EventSource, poll time.Duration) error {
	for ctx.Err() == nil {
		ev, err := src.NextEvent(poll)
		switch {
		case err == nil:
			l.Record(src.Name(), ev)
		case errors.Is(err, dma.ErrTimeout):
		case errors.Is(err, stream.ErrClosed):
			return nil
		default:
			return err
		}
	}
	return nil
}
