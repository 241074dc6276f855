package internaltelemetry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// --- Test Helpers ---

func newTestMeter(t *testing.T) (*sdkmetric.ManualReader, *sdkmetric.MeterProvider) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	return reader, sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
}

// sumOf returns the total of all data points of the named int64 sum.
func sumOf(t *testing.T, reader *sdkmetric.ManualReader, name string) int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	var total int64
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != name {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			require.True(t, ok, "metric %s is not an int64 sum", name)
			for _, dp := range sum.DataPoints {
				total += dp.Value
			}
		}
	}
	return total
}

// --- Test Cases ---

func TestTxnMetricsRecord(t *testing.T) {
	reader, provider := newTestMeter(t)
	m, err := NewTxnMetrics(provider.Meter("test"))
	require.NoError(t, err)

	ctx := context.Background()
	m.TransactionStarted(ctx)
	m.AttemptFinished(ctx, "ABORTED")
	m.Conflict(ctx, "transient")
	m.AttemptFinished(ctx, "COMPLETED")
	m.TransactionFinished(ctx, "committed", 5*time.Millisecond)
	m.Cleanup(ctx, "rolled_back")

	require.EqualValues(t, 1, sumOf(t, reader, "gojotxn.txn.transactions_total"))
	require.EqualValues(t, 2, sumOf(t, reader, "gojotxn.txn.attempts_total"))
	require.EqualValues(t, 1, sumOf(t, reader, "gojotxn.txn.conflicts_total"))
	require.EqualValues(t, 1, sumOf(t, reader, "gojotxn.txn.cleanup_total"))
	require.EqualValues(t, 0, sumOf(t, reader, "gojotxn.txn.active"))
}

func TestNoopTxnMetrics(t *testing.T) {
	m := NoopTxnMetrics()
	require.NotNil(t, m)
	m.TransactionStarted(context.Background())
	m.TransactionFinished(context.Background(), "failed", time.Second)
}

func TestUnaryServerInterceptor(t *testing.T) {
	reader, provider := newTestMeter(t)
	m, err := NewGrpcServerMetrics(provider.Meter("test"))
	require.NoError(t, err)

	intercept := m.UnaryServerInterceptor()
	info := &grpc.UnaryServerInfo{FullMethod: "/gojotxn.store.v1.DocumentStore/Get"}

	_, err = intercept(context.Background(), nil, info, func(ctx context.Context, req interface{}) (interface{}, error) {
		return "ok", nil
	})
	require.NoError(t, err)
	_, err = intercept(context.Background(), nil, info, func(ctx context.Context, req interface{}) (interface{}, error) {
		return nil, status.Error(codes.NotFound, "missing")
	})
	require.Equal(t, codes.NotFound, status.Code(err))

	require.EqualValues(t, 2, sumOf(t, reader, "gojotxn.grpc.server.started_total"))
	require.EqualValues(t, 2, sumOf(t, reader, "gojotxn.grpc.server.handled_total"))
	require.EqualValues(t, 0, sumOf(t, reader, "gojotxn.grpc.server.active_rpcs"))
}
