package library

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func collect(t *testing.T, reader *sdkmetric.ManualReader) map[string]metricdata.Aggregation {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm), "collect metrics")
	out := map[string]metricdata.Aggregation{}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			out[m.Name] = m.Data
		}
	}
	return out
}

func sumByOutcome(t *testing.T, data metricdata.Aggregation) map[string]int64 {
	t.Helper()
	sum, ok := data.(metricdata.Sum[int64])
	require.True(t, ok, "expected int64 sum, got %T", data)
	out := map[string]int64{}
	for _, dp := range sum.DataPoints {
		v, _ := dp.Attributes.Value("outcome")
		out[v.AsString()] += dp.Value
	}
	return out
}

func gaugeValue(t *testing.T, data metricdata.Aggregation) int64 {
	t.Helper()
	g, ok := data.(metricdata.Gauge[int64])
	require.True(t, ok, "expected int64 gauge, got %T", data)
	require.Len(t, g.DataPoints, 1)
	return g.DataPoints[0].Value
}

func Test_Metrics_BorrowAndReturnOutcomes(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	mgr := newManager(t, WithMeter(provider.Meter("test")))
	ctx := context.Background()

	admin := newAdmin(t, mgr)
	alice := newUser(t, mgr, "alice")
	bob := newUser(t, mgr, "bob")
	b, err := mgr.AddBook(ctx, admin, "Dune", "Frank Herbert", "Science Fiction", 1)
	require.NoError(t, err)

	loan, err := mgr.Borrow(ctx, alice, b.ID, days(7))
	require.NoError(t, err)
	_, err = mgr.Borrow(ctx, bob, b.ID, days(7))
	require.ErrorIs(t, err, ErrUnavailable)
	require.ErrorIs(t, mgr.Return(ctx, bob, loan.ID), ErrForbidden)

	data := collect(t, reader)
	assert.Equal(t, map[string]int64{"success": 1, "unavailable": 1}, sumByOutcome(t, data["library_borrows_total"]))
	assert.Equal(t, map[string]int64{"forbidden": 1}, sumByOutcome(t, data["library_returns_total"]))

	assert.Equal(t, int64(1), gaugeValue(t, data["books_total"]))
	assert.Equal(t, int64(0), gaugeValue(t, data["book_copies_available"]))
	assert.Equal(t, int64(1), gaugeValue(t, data["book_copies_borrowed"]))
	assert.Equal(t, int64(3), gaugeValue(t, data["users_total"]))
	assert.Equal(t, int64(1), gaugeValue(t, data["active_borrows"]))
}

func Test_Metrics_GaugesFollowReturn(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	mgr := newManager(t, WithMeter(provider.Meter("test")))
	ctx := context.Background()

	admin := newAdmin(t, mgr)
	alice := newUser(t, mgr, "alice")
	b, err := mgr.AddBook(ctx, admin, "Emma", "Jane Austen", "Romance", 2)
	require.NoError(t, err)
	loan, err := mgr.Borrow(ctx, alice, b.ID, days(1))
	require.NoError(t, err)
	require.NoError(t, mgr.Return(ctx, alice, loan.ID))

	data := collect(t, reader)
	assert.Equal(t, int64(2), gaugeValue(t, data["book_copies_available"]))
	assert.Equal(t, int64(0), gaugeValue(t, data["active_borrows"]))
	assert.Equal(t, map[string]int64{"success": 1}, sumByOutcome(t, data["library_returns_total"]))
}
