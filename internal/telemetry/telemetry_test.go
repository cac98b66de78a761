package telemetry

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func collect(t *testing.T, reader *sdkmetric.ManualReader) map[string]metricdata.Metrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	out := make(map[string]metricdata.Metrics)
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			out[m.Name] = m
		}
	}
	return out
}

func sumByAttr(t *testing.T, m metricdata.Metrics, key string) map[string]int64 {
	t.Helper()
	sum, ok := m.Data.(metricdata.Sum[int64])
	require.True(t, ok, "%s is not an int64 sum", m.Name)
	out := make(map[string]int64)
	for _, dp := range sum.DataPoints {
		v, _ := dp.Attributes.Value(attribute.Key(key))
		out[v.AsString()] += dp.Value
	}
	return out
}

func TestReconcileMetrics(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })

	m, err := NewReconcileMetrics(mp.Meter(InstrumentationName))
	require.NoError(t, err)

	ctx := context.Background()
	m.RecordPass(ctx, "ok", 1500*time.Millisecond)
	m.RecordPass(ctx, "ok", time.Second)
	m.RecordPass(ctx, "skipped", 0)
	m.RecordOutcome(ctx, "completed")
	m.RecordOutcome(ctx, "running")
	m.RecordOutcome(ctx, "running")

	metrics := collect(t, reader)

	assert.Equal(t, map[string]int64{"ok": 2, "skipped": 1},
		sumByAttr(t, metrics["workflow_service.reconcile.passes"], "result"))
	assert.Equal(t, map[string]int64{"completed": 1, "running": 2},
		sumByAttr(t, metrics["workflow_service.reconcile.records"], "outcome"))

	hist, ok := metrics["workflow_service.reconcile.duration"].Data.(metricdata.Histogram[float64])
	require.True(t, ok)
	var count uint64
	var total float64
	for _, dp := range hist.DataPoints {
		count += dp.Count
		total += dp.Sum
	}
	assert.Equal(t, uint64(3), count)
	assert.InDelta(t, 2.5, total, 1e-9)
}

func TestNew_Disabled(t *testing.T) {
	p, err := New(context.Background(), Config{Enabled: false}, slog.Default())
	require.NoError(t, err)
	assert.Nil(t, p.tracerProvider)
	assert.Nil(t, p.meterProvider)
	assert.NoError(t, p.Shutdown(context.Background()))
	assert.NotNil(t, Tracer())
}

func TestNewReconcileMetrics_GlobalMeter(t *testing.T) {
	m, err := NewReconcileMetrics(nil)
	require.NoError(t, err)
	// The global no-op meter accepts recordings.
	m.RecordPass(context.Background(), "ok", time.Second)
	m.RecordOutcome(context.Background(), "failed")
}
