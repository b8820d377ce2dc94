// Package observe provides observability primitives for the medrag server:
// OpenTelemetry metric instruments, a Prometheus exporter bridge, and the
// tool-dispatch observer the tool server reports into.
//
// Metrics are recorded through the OpenTelemetry Metrics API and exported via
// the Prometheus bridge set up by [InitProvider], so they can be scraped from
// the standard /metrics endpoint. Tests should use [NewMetrics] with a custom
// [metric.MeterProvider] to avoid cross-test pollution.
package observe

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/openclinic/medrag/internal/toolserver"
	"github.com/openclinic/medrag/pkg/fault"
)

// meterName is the instrumentation scope name used for all medrag metrics.
const meterName = "github.com/openclinic/medrag"

var _ toolserver.Observer = (*Metrics)(nil)

// Metrics holds the OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use; the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// ToolCalls counts tool dispatches. Attributes:
	//   attribute.String("tool", ...), attribute.String("status", ...)
	// where status is "ok" or the fault kind of the error.
	ToolCalls metric.Int64Counter

	// ToolDuration tracks tool dispatch latency with the same attributes
	// as ToolCalls.
	ToolDuration metric.Float64Histogram

	// SyncedDocuments counts documents handled by the graph sync engine.
	// Attribute: attribute.String("status", "processed"|"failed").
	SyncedDocuments metric.Int64Counter

	// RecalledMemories counts memories attached to responses by
	// auto-recall.
	RecalledMemories metric.Int64Counter
}

// latencyBuckets defines histogram bucket boundaries (in seconds) sized for
// tool dispatches that may fan out to the database and the embedding server.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// NewMetrics creates a fully initialised [Metrics] using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.ToolCalls, err = m.Int64Counter("medrag.tool.calls",
		metric.WithDescription("Total tool dispatches by tool name and status."),
	); err != nil {
		return nil, err
	}
	if met.ToolDuration, err = m.Float64Histogram("medrag.tool.duration",
		metric.WithDescription("Latency of tool dispatches."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.SyncedDocuments, err = m.Int64Counter("medrag.sync.documents",
		metric.WithDescription("Documents handled by graph sync, by status."),
	); err != nil {
		return nil, err
	}
	if met.RecalledMemories, err = m.Int64Counter("medrag.memory.recalled",
		metric.WithDescription("Memories attached to responses by auto-recall."),
	); err != nil {
		return nil, err
	}

	return met, nil
}

// ToolDispatched records one tool dispatch. It satisfies the tool server's
// observer contract: status is "ok" for a nil error and the fault kind
// otherwise.
func (m *Metrics) ToolDispatched(ctx context.Context, tool string, duration time.Duration, err error) {
	status := "ok"
	if err != nil {
		status = string(fault.KindOf(err))
	}
	attrs := metric.WithAttributes(
		attribute.String("tool", tool),
		attribute.String("status", status),
	)
	m.ToolCalls.Add(ctx, 1, attrs)
	m.ToolDuration.Record(ctx, duration.Seconds(), attrs)
}

// RecordSyncReport records the outcome of one sync run.
func (m *Metrics) RecordSyncReport(ctx context.Context, processed, failed int64) {
	m.SyncedDocuments.Add(ctx, processed,
		metric.WithAttributes(attribute.String("status", "processed")))
	if failed > 0 {
		m.SyncedDocuments.Add(ctx, failed,
			metric.WithAttributes(attribute.String("status", "failed")))
	}
}
