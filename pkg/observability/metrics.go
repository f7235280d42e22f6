// Package observability is a slim metrics facade over the OpenTelemetry
// API. No exporter pipeline is wired here; with the default global
// provider every instrument is a no-op, and deployments that want metrics
// install their own provider before calling NewMetrics.
package observability

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds the platform's counters.
type Metrics struct {
	syncRuns      metric.Int64Counter
	outboxFlushes metric.Int64Counter
	decisions     metric.Int64Counter
}

// NewMetrics registers the instruments on the global meter provider.
func NewMetrics() (*Metrics, error) {
	return NewMetricsWith(otel.GetMeterProvider())
}

// NewMetricsWith registers the instruments on the given provider.
func NewMetricsWith(provider metric.MeterProvider) (*Metrics, error) {
	meter := provider.Meter("github.com/engramhq/engram")

	syncRuns, err := meter.Int64Counter("engram.sync.runs",
		metric.WithDescription("Sync runs by job type and status"))
	if err != nil {
		return nil, err
	}
	outboxFlushes, err := meter.Int64Counter("engram.outbox.flushes",
		metric.WithDescription("Outbox delivery attempts by result"))
	if err != nil {
		return nil, err
	}
	decisions, err := meter.Int64Counter("engram.gateway.decisions",
		metric.WithDescription("Gateway write decisions by action"))
	if err != nil {
		return nil, err
	}
	return &Metrics{syncRuns: syncRuns, outboxFlushes: outboxFlushes, decisions: decisions}, nil
}

// RecordSyncRun counts one finished sync run.
func (m *Metrics) RecordSyncRun(ctx context.Context, jobType, status string) {
	if m == nil {
		return
	}
	m.syncRuns.Add(ctx, 1, metric.WithAttributes(
		attribute.String("job_type", jobType), attribute.String("status", status)))
}

// RecordOutboxFlush counts one delivery attempt.
func (m *Metrics) RecordOutboxFlush(ctx context.Context, result string) {
	if m == nil {
		return
	}
	m.outboxFlushes.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
}

// RecordDecision counts one gateway verdict.
func (m *Metrics) RecordDecision(ctx context.Context, action string) {
	if m == nil {
		return
	}
	m.decisions.Add(ctx, 1, metric.WithAttributes(attribute.String("action", action)))
}
