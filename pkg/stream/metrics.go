package stream

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics are the stream counters, labelled by stream name and direction.
type Metrics struct {
	Slots      *prometheus.CounterVec
	Bytes      *prometheus.CounterVec
	Overflows  *prometheus.CounterVec
	Underflows *prometheus.CounterVec
	LostSlots  *prometheus.CounterVec
	Timeouts   *prometheus.CounterVec
	Events     *prometheus.CounterVec
}

// NewMetrics creates the stream metrics and registers them with reg when it
// is not nil.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	labels := []string{"stream", "direction"}
	m := &Metrics{
		Slots: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dmaring", Subsystem: "stream", Name: "slots_total",
			Help: "Slots acquired.",
		}, labels),
		Bytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dmaring", Subsystem: "stream", Name: "bytes_total",
			Help: "Bytes moved by Read, Write and the slot methods.",
		}, labels),
		Overflows: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dmaring", Subsystem: "stream", Name: "overflows_total",
			Help: "RX drains after the consumer fell behind.",
		}, labels),
		Underflows: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dmaring", Subsystem: "stream", Name: "underflows_total",
			Help: "TX resyncs after the hardware ran dry.",
		}, labels),
		LostSlots: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dmaring", Subsystem: "stream", Name: "lost_slots_total",
			Help: "Slots discarded by overflow drains or missed by underflows.",
		}, labels),
		Timeouts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dmaring", Subsystem: "stream", Name: "timeouts_total",
			Help: "Acquisitions that timed out.",
		}, labels),
		Events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dmaring", Subsystem: "stream", Name: "events_dropped_total",
			Help: "Events dropped because the event mailbox was full.",
		}, labels),
	}
	if reg != nil {
		for _, c := range m.collectors() {
			if err := reg.Register(c); err != nil {
				return nil, err
			}
		}
	}
	return m, nil
}

func (m *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{m.Slots, m.Bytes, m.Overflows, m.Underflows, m.LostSlots, m.Timeouts, m.Events}
}

// Forget drops the series of one stream.
func (m *Metrics) Forget(name string) {
	for _, c := range m.collectors() {
		c.(*prometheus.CounterVec).DeletePartialMatch(prometheus.Labels{"stream": name})
	}
}

// dirMetrics are the curried counters of one stream direction.
type dirMetrics struct {
	slots, bytes, overflows, underflows, lost, timeouts, events prometheus.Counter
}

func (m *Metrics) bind(name, dir string) dirMetrics {
	return dirMetrics{
		slots:      m.Slots.WithLabelValues(name, dir),
		bytes:      m.Bytes.WithLabelValues(name, dir),
		overflows:  m.Overflows.WithLabelValues(name, dir),
		underflows: m.Underflows.WithLabelValues(name, dir),
		lost:       m.LostSlots.WithLabelValues(name, dir),
		timeouts:   m.Timeouts.WithLabelValues(name, dir),
		events:     m.Events.WithLabelValues(name, dir),
	}
}

var unregistered, _ = NewMetrics(nil)
