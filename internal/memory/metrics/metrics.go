package metrics

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

const (
	OpInsert = "insert"
	OpRemove = "remove"
)

type Metrics struct {
	RegionsCounter metric.Int64UpDownCounter
	HotplugCounter metric.Int64Counter
	ExportedPages  metric.Int64Counter
	ExportDuration metric.Int64Histogram
}

func NewMetrics(meterProvider metric.MeterProvider) (Metrics, error) {
	memoryMeter := meterProvider.Meter("internal.memory.metrics")

	regions, err := memoryMeter.Int64UpDownCounter("vm_memory.regions",
		metric.WithDescription("Guest memory regions currently mapped"),
		metric.WithUnit("{region}"),
	)
	if err != nil {
		return Metrics{}, fmt.Errorf("failed to get regions metric: %w", err)
	}

	hotplug, err := memoryMeter.Int64Counter("vm_memory.hotplug",
		metric.WithDescription("Guest memory hot-plug operations"),
		metric.WithUnit("{operation}"),
	)
	if err != nil {
		return Metrics{}, fmt.Errorf("failed to get hotplug metric: %w", err)
	}

	exported, err := memoryMeter.Int64Counter("vm_memory.snapshot.pages",
		metric.WithDescription("Dirty pages exported to snapshots"),
		metric.WithUnit("{page}"),
	)
	if err != nil {
		return Metrics{}, fmt.Errorf("failed to get exported pages metric: %w", err)
	}

	duration, err := memoryMeter.Int64Histogram("vm_memory.snapshot.duration",
		metric.WithDescription("Time spent exporting dirty pages"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return Metrics{}, fmt.Errorf("failed to get export duration metric: %w", err)
	}

	return Metrics{
		RegionsCounter: regions,
		HotplugCounter: hotplug,
		ExportedPages:  exported,
		ExportDuration: duration,
	}, nil
}

// NewNoopMetrics returns instruments that record nothing.
func NewNoopMetrics() Metrics {
	m, err := NewMetrics(noop.NewMeterProvider())
	if err != nil {
		// The noop provider never fails.
		panic(err)
	}

	return m
}

func (c Metrics) Begin(metric metric.Int64Histogram) Stopwatch {
	return Stopwatch{metric: metric, start: time.Now()}
}

func KV[T ~string](key string, value T) attribute.KeyValue {
	return attribute.String(key, string(value))
}

type Stopwatch struct {
	metric metric.Int64Histogram
	start  time.Time
}

func (t Stopwatch) End(ctx context.Context, kv ...attribute.KeyValue) {
	amount := time.Since(t.start).Milliseconds()
	t.metric.Record(ctx, amount, metric.WithAttributes(kv...))
}
