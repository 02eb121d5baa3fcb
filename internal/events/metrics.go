package events

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "eventbus"

// Metrics receives the reliability signals of the stream backend.
// Use NewMetrics(logger) for OTel metrics or NoopMetrics{} when disabled.
type Metrics interface {
	RecordReclaimed(ctx context.Context, eventName string)
	RecordDeadLettered(ctx context.Context, eventName string)
	RecordReclaimFailure(ctx context.Context, eventName string)
	RecordPendingSize(ctx context.Context, stream, group string, size int64)
}

type otelMetrics struct {
	reclaimed       metric.Int64Counter
	deadLettered    metric.Int64Counter
	reclaimFailures metric.Int64Counter
	pendingEntries  metric.Int64Gauge
}

func newOtelMetrics(provider metric.MeterProvider) (*otelMetrics, error) {
	meter := provider.Meter(meterName)

	reclaimed, err := meter.Int64Counter("eventbus.reclaimed",
		metric.WithDescription("Pending entries reclaimed and processed successfully"),
	)
	if err != nil {
		return nil, err
	}

	deadLettered, err := meter.Int64Counter("eventbus.dead_lettered",
		metric.WithDescription("Pending entries moved to a dead-letter stream"),
	)
	if err != nil {
		return nil, err
	}

	reclaimFailures, err := meter.Int64Counter("eventbus.reclaim_failures",
		metric.WithDescription("Reclaim attempts that could neither ack nor dead-letter"),
	)
	if err != nil {
		return nil, err
	}

	pendingEntries, err := meter.Int64Gauge("eventbus.pending_entries",
		metric.WithDescription("Pending entries list size per stream and group"),
	)
	if err != nil {
		return nil, err
	}

	return &otelMetrics{
		reclaimed:       reclaimed,
		deadLettered:    deadLettered,
		reclaimFailures: reclaimFailures,
		pendingEntries:  pendingEntries,
	}, nil
}

// NewMetrics returns an OTel-backed recorder using the global meter provider.
// If instrument creation fails, it logs and returns NoopMetrics.
func NewMetrics(logger *slog.Logger) Metrics {
	return NewMetricsWithProvider(otel.GetMeterProvider(), logger)
}

func NewMetricsWithProvider(provider metric.MeterProvider, logger *slog.Logger) Metrics {
	m, err := newOtelMetrics(provider)
	if err != nil {
		logger.Warn("metrics initialization failed, using no-op recorder", "error", err)
		return NoopMetrics{}
	}
	return m
}

func (m *otelMetrics) RecordReclaimed(ctx context.Context, eventName string) {
	m.reclaimed.Add(ctx, 1, metric.WithAttributes(attribute.String("event", eventName)))
}

func (m *otelMetrics) RecordDeadLettered(ctx context.Context, eventName string) {
	m.deadLettered.Add(ctx, 1, metric.WithAttributes(attribute.String("event", eventName)))
}

func (m *otelMetrics) RecordReclaimFailure(ctx context.Context, eventName string) {
	m.reclaimFailures.Add(ctx, 1, metric.WithAttributes(attribute.String("event", eventName)))
}

func (m *otelMetrics) RecordPendingSize(ctx context.Context, stream, group string, size int64) {
	m.pendingEntries.Record(ctx, size, metric.WithAttributes(
		attribute.String("stream", stream),
		attribute.String("group", group),
	))
}

// NoopMetrics discards everything.
type NoopMetrics struct{}

var _ Metrics = NoopMetrics{}

func (NoopMetrics) RecordReclaimed(context.Context, string)                  {}
func (NoopMetrics) RecordDeadLettered(context.Context, string)               {}
func (NoopMetrics) RecordReclaimFailure(context.Context, string)             {}
func (NoopMetrics) RecordPendingSize(context.Context, string, string, int64) {}
