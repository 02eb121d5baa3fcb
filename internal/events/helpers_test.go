package events

import (
	"context"
	"testing"
	"time"

	"eventbus/internal/testutil"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

const (
	testGroup    = "app"
	testConsumer = "test-consumer"
	orderEvent   = "order.submitted"
)

// newTestMetrics returns an OTel recorder wired to a manual reader so tests
// can read back what was recorded.
func newTestMetrics(t *testing.T) (Metrics, *sdkmetric.ManualReader) {
	t.Helper()

	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() {
		_ = provider.Shutdown(context.Background())
	})

	m, err := newOtelMetrics(provider)
	require.NoError(t, err)
	return m, reader
}

func collectMetrics(t *testing.T, reader *sdkmetric.ManualReader) metricdata.ResourceMetrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	return rm
}

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

// counterValue returns the counter value for one event name, 0 if absent.
func counterValue(t *testing.T, reader *sdkmetric.ManualReader, name, eventName string) int64 {
	t.Helper()

	m := findMetric(collectMetrics(t, reader), name)
	if m == nil {
		return 0
	}
	sum, ok := m.Data.(metricdata.Sum[int64])
	require.True(t, ok, "expected Sum[int64] for %s", name)

	for _, dp := range sum.DataPoints {
		if v, ok := dp.Attributes.Value(attribute.Key("event")); ok && v.AsString() == eventName {
			return dp.Value
		}
	}
	return 0
}

// gaugeValue returns the pending gauge for a stream/group pair.
func gaugeValue(t *testing.T, reader *sdkmetric.ManualReader, stream, group string) (int64, bool) {
	t.Helper()

	m := findMetric(collectMetrics(t, reader), "eventbus.pending_entries")
	if m == nil {
		return 0, false
	}
	gauge, ok := m.Data.(metricdata.Gauge[int64])
	require.True(t, ok, "expected Gauge[int64]")

	for _, dp := range gauge.DataPoints {
		s, _ := dp.Attributes.Value(attribute.Key("stream"))
		g, _ := dp.Attributes.Value(attribute.Key("group"))
		if s.AsString() == stream && g.AsString() == group {
			return dp.Value, true
		}
	}
	return 0, false
}

func newTestStreamBus(t *testing.T, rdb redis.Cmdable, metrics Metrics) *StreamBus {
	t.Helper()

	bus := NewStreamBus(rdb, StreamConfig{
		Group:        testGroup,
		Consumer:     testConsumer,
		BlockTimeout: 50 * time.Millisecond,
		RetryBackoff: 20 * time.Millisecond,
	}, metrics, testutil.NewTestLogger())
	t.Cleanup(func() {
		_ = bus.Close()
	})
	return bus
}

func newTestListBus(t *testing.T, rdb redis.Cmdable) *ListBus {
	t.Helper()

	bus := NewListBus(rdb, ListConfig{
		BlockTimeout: 50 * time.Millisecond,
		RetryBackoff: 20 * time.Millisecond,
	}, testutil.NewTestLogger())
	t.Cleanup(func() {
		_ = bus.Close()
	})
	return bus
}

func pendingOf(t *testing.T, rdb redis.Cmdable, eventName string) int64 {
	t.Helper()
	n, err := pendingCount(context.Background(), rdb, StreamKey(eventName), testGroup)
	require.NoError(t, err)
	return n
}

// onlyEntryID returns the ID of the single entry in the event's stream.
func onlyEntryID(t *testing.T, rdb redis.Cmdable, eventName string) string {
	t.Helper()
	msgs, err := rdb.XRange(context.Background(), StreamKey(eventName), "-", "+").Result()
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	return msgs[0].ID
}
