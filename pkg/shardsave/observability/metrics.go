package observability

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// MetricsRecorder records save metrics.
// Use NewMetricsRecorder() for OTel metrics or NoopMetrics{} when disabled.
type MetricsRecorder interface {
	// RecordSave records a finished save call on one rank.
	RecordSave(ctx context.Context, rank int, success bool, duration time.Duration)

	// RecordRound records a collective round with its duration and error status.
	RecordRound(ctx context.Context, round string, duration time.Duration, err error)

	// RecordWrite records the items and bytes one rank persisted.
	RecordWrite(ctx context.Context, rank int, items int, bytes int64)
}

// otelMetrics implements MetricsRecorder using OpenTelemetry.
type otelMetrics struct {
	saveRuns     metric.Int64Counter
	saveLatency  metric.Float64Histogram
	roundLatency metric.Float64Histogram
	roundErrors  metric.Int64Counter
	writeItems   metric.Int64Counter
	writeBytes   metric.Int64Histogram
}

var (
	defaultMetrics     *otelMetrics
	defaultMetricsOnce sync.Once
	defaultMetricsErr  error
)

// getDefaultMetrics lazily initializes the shared OTel metrics instance.
func getDefaultMetrics() (*otelMetrics, error) {
	defaultMetricsOnce.Do(func() {
		defaultMetrics, defaultMetricsErr = newOtelMetrics()
	})
	return defaultMetrics, defaultMetricsErr
}

func newOtelMetrics() (*otelMetrics, error) {
	meter := otel.Meter("shardsave")

	saveRuns, err := meter.Int64Counter("shardsave.save.runs",
		metric.WithDescription("Number of save calls per rank"),
	)
	if err != nil {
		return nil, err
	}

	saveLatency, err := meter.Float64Histogram("shardsave.save.latency_ms",
		metric.WithDescription("Save call latency in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}

	roundLatency, err := meter.Float64Histogram("shardsave.round.latency_ms",
		metric.WithDescription("Collective round latency in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}

	roundErrors, err := meter.Int64Counter("shardsave.round.errors",
		metric.WithDescription("Number of failed collective rounds"),
	)
	if err != nil {
		return nil, err
	}

	writeItems, err := meter.Int64Counter("shardsave.write.items",
		metric.WithDescription("Number of items written"),
	)
	if err != nil {
		return nil, err
	}

	writeBytes, err := meter.Int64Histogram("shardsave.write.bytes",
		metric.WithDescription("Bytes written per rank per save"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return nil, err
	}

	return &otelMetrics{
		saveRuns:     saveRuns,
		saveLatency:  saveLatency,
		roundLatency: roundLatency,
		roundErrors:  roundErrors,
		writeItems:   writeItems,
		writeBytes:   writeBytes,
	}, nil
}

// NewMetricsRecorder returns a MetricsRecorder that uses OpenTelemetry.
// If metrics initialization fails, returns a no-op recorder.
//
// The recorder uses the global OTel meter provider. Configure the provider
// before calling this function:
//
//	otel.SetMeterProvider(yourProvider)
func NewMetricsRecorder() MetricsRecorder {
	m, err := getDefaultMetrics()
	if err != nil {
		slog.Warn("metrics initialization failed, using no-op recorder",
			slog.String("error", err.Error()))
		return NoopMetrics{}
	}
	return m
}

// RecordSave records a save call.
func (m *otelMetrics) RecordSave(ctx context.Context, rank int, success bool, duration time.Duration) {
	attrs := metric.WithAttributes(
		attribute.Int("rank", rank),
		attribute.Bool("success", success),
	)
	m.saveRuns.Add(ctx, 1, attrs)
	m.saveLatency.Record(ctx, float64(duration.Milliseconds()), attrs)
}

// RecordRound records a collective round.
func (m *otelMetrics) RecordRound(ctx context.Context, round string, duration time.Duration, err error) {
	attrs := metric.WithAttributes(attribute.String("round", round))
	m.roundLatency.Record(ctx, float64(duration.Milliseconds()), attrs)
	if err != nil {
		m.roundErrors.Add(ctx, 1, attrs)
	}
}

// RecordWrite records one rank's writes.
func (m *otelMetrics) RecordWrite(ctx context.Context, rank int, items int, bytes int64) {
	attrs := metric.WithAttributes(attribute.Int("rank", rank))
	m.writeItems.Add(ctx, int64(items), attrs)
	m.writeBytes.Record(ctx, bytes, attrs)
}
