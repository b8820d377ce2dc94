package observe

import (
	"context"
	"testing"
	"time"

	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/openclinic/medrag/pkg/fault"
)

// newTestMetrics returns a Metrics instance backed by a ManualReader for
// programmatic metric inspection.
func newTestMetrics(t *testing.T) (*Metrics, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })

	m, err := NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m, reader
}

// collect gathers all metric data from the reader.
func collect(t *testing.T, reader *sdkmetric.ManualReader) metricdata.ResourceMetrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	return rm
}

// findMetric searches for a metric by name across all scope metrics.
func findMetric(rm metricdata.ResourceMetrics, name string) *metricdata.Metrics {
	for _, sm := range rm.ScopeMetrics {
		for i := range sm.Metrics {
			if sm.Metrics[i].Name == name {
				return &sm.Metrics[i]
			}
		}
	}
	return nil
}

// statusOf extracts the "status" attribute of a counter data point.
func statusOf(dp metricdata.DataPoint[int64]) string {
	v, _ := dp.Attributes.Value(attribute.Key("status"))
	return v.AsString()
}

func TestToolDispatched_RecordsCounterAndHistogram(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.ToolDispatched(ctx, "search_documents", 42*time.Millisecond, nil)
	m.ToolDispatched(ctx, "search_documents", 10*time.Millisecond,
		fault.New(fault.StoreUnavailable, "db down"))

	rm := collect(t, reader)

	calls := findMetric(rm, "medrag.tool.calls")
	if calls == nil {
		t.Fatal("medrag.tool.calls not recorded")
	}
	sum, ok := calls.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatalf("tool.calls data type: %T", calls.Data)
	}
	if len(sum.DataPoints) != 2 {
		t.Fatalf("tool.calls data points: %d", len(sum.DataPoints))
	}
	statuses := map[string]int64{}
	for _, dp := range sum.DataPoints {
		statuses[statusOf(dp)] += dp.Value
	}
	if statuses["ok"] != 1 || statuses[string(fault.StoreUnavailable)] != 1 {
		t.Errorf("statuses: %v", statuses)
	}

	dur := findMetric(rm, "medrag.tool.duration")
	if dur == nil {
		t.Fatal("medrag.tool.duration not recorded")
	}
	hist, ok := dur.Data.(metricdata.Histogram[float64])
	if !ok {
		t.Fatalf("tool.duration data type: %T", dur.Data)
	}
	var count uint64
	for _, dp := range hist.DataPoints {
		count += dp.Count
	}
	if count != 2 {
		t.Errorf("histogram count: %d", count)
	}
}

func TestRecordSyncReport(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordSyncReport(ctx, 120, 3)
	m.RecordSyncReport(ctx, 5, 0)

	rm := collect(t, reader)
	docs := findMetric(rm, "medrag.sync.documents")
	if docs == nil {
		t.Fatal("medrag.sync.documents not recorded")
	}
	sum := docs.Data.(metricdata.Sum[int64])

	totals := map[string]int64{}
	for _, dp := range sum.DataPoints {
		totals[statusOf(dp)] += dp.Value
	}
	if totals["processed"] != 125 || totals["failed"] != 3 {
		t.Errorf("totals: %v", totals)
	}
}
