package shm

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
)

const instrumentationName = "github.com/srediag/dmaring/pkg/shm"

type instruments struct {
	tracer  trace.Tracer
	attrs   metric.MeasurementOption
	written metric.Int64Counter
	read    metric.Int64Counter
	stalls  metric.Int64Counter
	drops   metric.Int64Counter
	fills   metric.Int64Counter
}

func newInstruments(cfg *Config, name string) (*instruments, error) {
	meter := cfg.Meter
	if meter == nil {
		meter = metricnoop.NewMeterProvider().Meter(instrumentationName)
	}
	tracer := cfg.Tracer
	if tracer == nil {
		tracer = tracenoop.NewTracerProvider().Tracer(instrumentationName)
	}
	in := &instruments{
		tracer: tracer,
		attrs:  metric.WithAttributes(attribute.String("ring", name), attribute.String("role", cfg.Role.String())),
	}
	var err error
	if in.written, err = meter.Int64Counter("dmaring.shm.slots_written",
		metric.WithDescription("Slots published by the producer")); err != nil {
		return nil, err
	}
	if in.read, err = meter.Int64Counter("dmaring.shm.slots_read",
		metric.WithDescription("Slots consumed by the consumer")); err != nil {
		return nil, err
	}
	if in.stalls, err = meter.Int64Counter("dmaring.shm.stalls",
		metric.WithDescription("Waits caused by a full or empty ring")); err != nil {
		return nil, err
	}
	if in.drops, err = meter.Int64Counter("dmaring.shm.drops",
		metric.WithDescription("Slots dropped by a producer facing a full ring")); err != nil {
		return nil, err
	}
	if in.fills, err = meter.Int64Counter("dmaring.shm.fills",
		metric.WithDescription("Zero-filled slots synthesized by a TX consumer")); err != nil {
		return nil, err
	}
	return in, nil
}

func (in *instruments) add(ctx context.Context, c metric.Int64Counter) {
	c.Add(ctx, 1, in.attrs)
}
