package metrics

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func sum(t *testing.T, reader *sdkmetric.ManualReader, name string) int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	var total int64
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != name {
				continue
			}
			data, ok := m.Data.(metricdata.Sum[int64])
			require.True(t, ok)
			for _, dp := range data.DataPoints {
				total += dp.Value
			}
		}
	}
	return total
}

func TestRecorder(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	r, err := New(provider.Meter("test"))
	require.NoError(t, err)

	ctx := context.Background()
	r.TerminalFailure(ctx, "classification")
	r.TerminalFailure(ctx, "medication_extraction")
	r.Dispatched(ctx, "classification")
	r.StepFailed(ctx, "split", true)
	r.InstanceCompleted(ctx, "medication_extraction")

	assert.Equal(t, int64(2), sum(t, reader, "docflow.recovery.terminal_failures"))
	assert.Equal(t, int64(1), sum(t, reader, "docflow.recovery.dispatched"))
	assert.Equal(t, int64(1), sum(t, reader, "docflow.steps.failed"))
	assert.Equal(t, int64(1), sum(t, reader, "docflow.instances.completed"))
}
