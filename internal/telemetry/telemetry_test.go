package telemetry

import (
	"context"
	"testing"

	"river-workorder/internal/config"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func TestInitDisabled(t *testing.T) {
	require.NoError(t, Init(context.Background(), config.TelemetryConfig{}, "test"))
	assert.NotNil(t, Tracer(""))
	assert.NotNil(t, Meter(""))
	Shutdown(context.Background())
}

func TestNilMetricsAreNoop(t *testing.T) {
	var m *Metrics
	ctx := context.Background()
	m.Transition(ctx, "assign", "pending_dispatch", "dispatched")
	m.Rejection(ctx, "invalid_state", "status")
	m.CapacityAcquire(ctx, true)
	m.Delivery(ctx, "message", false)
	m.AuditBuffered(ctx, 1)
}

func TestMetricsRecorded(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	m, err := NewMetrics(provider.Meter("test"))
	require.NoError(t, err)

	ctx := context.Background()
	m.Transition(ctx, "assign", "pending_dispatch", "dispatched")
	m.Transition(ctx, "start", "dispatched", "processing")

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(ctx, &rm))
	require.Len(t, rm.ScopeMetrics, 1)

	var total int64
	for _, md := range rm.ScopeMetrics[0].Metrics {
		if md.Name != "workorder.transitions" {
			continue
		}
		sum, ok := md.Data.(metricdata.Sum[int64])
		require.True(t, ok)
		for _, dp := range sum.DataPoints {
			total += dp.Value
		}
	}
	assert.Equal(t, int64(2), total)
}
