package adapter

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/srediag/dmaring/pkg/shm"
)

// ObserveRings registers asynchronous OpenTelemetry instruments that report
// the fill level and counters of rings at every collection. Unregister the
// returned registration before closing the rings.
func ObserveRings(meter metric.Meter, rings map[string]*shm.Ring) (metric.Registration, error) {
	used, err := meter.Int64ObservableGauge("dmaring.ring.used",
		metric.WithDescription("Published slots not yet consumed."),
		metric.WithUnit("{slot}"))
	if err != nil {
		return nil, err
	}
	errs, err := meter.Int64ObservableCounter("dmaring.ring.errors",
		metric.WithDescription("Dropped slots on RX rings, filler slots on TX rings."),
		metric.WithUnit("{slot}"))
	if err != nil {
		return nil, err
	}
	stalls, err := meter.Int64ObservableCounter("dmaring.ring.stalls",
		metric.WithDescription("Times either side found the ring full or empty."))
	if err != nil {
		return nil, err
	}
	return meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		for name, r := range rings {
			h := r.Stats()
			attrs := metric.WithAttributes(
				attribute.String("ring", name),
				attribute.String("role", h.Role().String()),
			)
			o.ObserveInt64(used, int64(h.Used()), attrs)
			o.ObserveInt64(errs, int64(h.ErrorCount), attrs)
			o.ObserveInt64(stalls, int64(h.StallCount), attrs)
		}
		return nil
	}, used, errs, stalls)
}
