package bridge

import "github.com/prometheus/client_golang/prometheus"

// Metrics are the bridge counters and gauges, labelled by bridge name.
type Metrics struct {
	Slots   *prometheus.CounterVec
	Running *prometheus.GaugeVec
}

// NewMetrics creates the bridge metrics and registers them with reg when it
// is not nil.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		Slots: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dmaring", Subsystem: "bridge", Name: "slots_total",
			Help: "Bridge steps by outcome.",
		}, []string{"bridge", "outcome"}),
		Running: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "dmaring", Subsystem: "bridge", Name: "running",
			Help: "1 while the bridge pump runs.",
		}, []string{"bridge", "kind"}),
	}
	if reg != nil {
		for _, c := range []prometheus.Collector{m.Slots, m.Running} {
			if err := reg.Register(c); err != nil {
				return nil, err
			}
		}
	}
	return m, nil
}

var unregistered, _ = NewMetrics(nil)
