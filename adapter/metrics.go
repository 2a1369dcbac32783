package adapter

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/srediag/dmaring/pkg/shm"
)

// MetricsHandler serves the metrics gathered by g.
func MetricsHandler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

var (
	ringLabels   = []string{"ring", "role"}
	descWrite    = prometheus.NewDesc("dmaring_ring_write_index", "Slots published by the producer.", ringLabels, nil)
	descRead     = prometheus.NewDesc("dmaring_ring_read_index", "Slots consumed by the consumer.", ringLabels, nil)
	descUsed     = prometheus.NewDesc("dmaring_ring_used_slots", "Published slots not yet consumed.", ringLabels, nil)
	descErrors   = prometheus.NewDesc("dmaring_ring_errors_total", "Dropped slots on RX rings, filler slots on TX rings.", ringLabels, nil)
	descStalls   = prometheus.NewDesc("dmaring_ring_stalls_total", "Times either side found the ring full or empty.", ringLabels, nil)
	descFinished = prometheus.NewDesc("dmaring_ring_finished", "1 once the producer finished.", ringLabels, nil)
)

// RingCollector exports the headers of a set of rings, read at scrape time.
type RingCollector struct {
	mu    sync.Mutex
	rings map[string]*shm.Ring
}

var _ prometheus.Collector = (*RingCollector)(nil)

// NewRingCollector returns an empty collector.
func NewRingCollector() *RingCollector {
	return &RingCollector{rings: make(map[string]*shm.Ring)}
}

// Add exports r under name, replacing any ring of that name.
func (c *RingCollector) Add(name string, r *shm.Ring) {
	c.mu.Lock()
	c.rings[name] = r
	c.mu.Unlock()
}

// Remove stops exporting name.
func (c *RingCollector) Remove(name string) {
	c.mu.Lock()
	delete(c.rings, name)
	c.mu.Unlock()
}

func (c *RingCollector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range []*prometheus.Desc{descWrite, descRead, descUsed, descErrors, descStalls, descFinished} {
		ch <- d
	}
}

func (c *RingCollector) Collect(ch chan<- prometheus.Metric) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for name, r := range c.rings {
		h := r.Stats()
		role := h.Role().String()
		finished := 0.0
		if h.Finished() {
			finished = 1
		}
		ch <- prometheus.MustNewConstMetric(descWrite, prometheus.GaugeValue, float64(h.WriteIndex), name, role)
		ch <- prometheus.MustNewConstMetric(descRead, prometheus.GaugeValue, float64(h.ReadIndex), name, role)
		ch <- prometheus.MustNewConstMetric(descUsed, prometheus.GaugeValue, float64(h.Used()), name, role)
		ch <- prometheus.MustNewConstMetric(descErrors, prometheus.CounterValue, float64(h.ErrorCount), name, role)
		ch <- prometheus.MustNewConstMetric(descStalls, prometheus.CounterValue, float64(h.StallCount), name, role)
		ch <- prometheus.MustNewConstMetric(descFinished, prometheus.GaugeValue, finished, name, role)
	}
}
