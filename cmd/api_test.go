package main

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"eventbus/internal/events"
	"eventbus/internal/testutil"

	"github.com/stretchr/testify/assert"
)

func newTestApp(t *testing.T, bus events.Bus) *application {
	t.Helper()
	t.Cleanup(func() { _ = bus.Close() })

	return &application{
		config: config{
			events: events.Config{ReclaimMinIdle: events.DefaultReclaimMinIdle, ReclaimBatch: events.DefaultReclaimBatch},
		},
		bus:          bus,
		eventMetrics: events.NoopMetrics{},
		metrics: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte("# metrics"))
		}),
		logger: testutil.NewTestLogger(),
	}
}

func TestMount_Routes(t *testing.T) {
	app := newTestApp(t, events.NewMemoryBus(testutil.NewTestLogger()))
	h := app.mount()

	tests := []struct {
		method, path string
		want         int
	}{
		{http.MethodGet, "/health", http.StatusOK},
		{http.MethodGet, "/metrics", http.StatusOK},
		{http.MethodGet, "/admin/events/order.submitted/pending", http.StatusServiceUnavailable},
		{http.MethodGet, "/nope", http.StatusNotFound},
	}
	for _, tt := range tests {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(tt.method, tt.path, nil))
		assert.Equal(t, tt.want, rec.Code, tt.path)
	}
}

func TestMount_AdminOnStreamBackend(t *testing.T) {
	_, rdb := testutil.NewRedis(t)
	bus := events.NewStreamBus(rdb, events.StreamConfig{Group: "app", Consumer: "c1"}, nil, testutil.NewTestLogger())
	bus.Subscribe("order.submitted", func(ctx context.Context, payload any) error { return nil })

	app := newTestApp(t, bus)
	rec := httptest.NewRecorder()
	app.mount().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/admin/events/order.submitted/pending", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"stream":"stream:order.submitted"`)
}

func TestSubscribe_StartsReliabilityLoopsOnStreams(t *testing.T) {
	_, rdb := testutil.NewRedis(t)
	bus := events.NewStreamBus(rdb, events.StreamConfig{Group: "app", Consumer: "c1"}, nil, testutil.NewTestLogger())

	app := newTestApp(t, bus)
	app.config.auditEvents = []string{"order.submitted", "order.cancelled"}
	app.config.idempotencyField = "orderId"
	app.subscribe()

	assert.Len(t, app.stops, 2)
	assert.ElementsMatch(t, []string{"order.submitted", "order.cancelled"}, bus.EventNames())
	for _, stop := range app.stops {
		stop()
	}
}

func TestSubscribe_MemoryBackendHasNoLoops(t *testing.T) {
	app := newTestApp(t, events.NewMemoryBus(testutil.NewTestLogger()))
	app.config.auditEvents = []string{"order.submitted"}
	app.subscribe()

	assert.Empty(t, app.stops)
}

func TestSplitList(t *testing.T) {
	assert.Equal(t, []string{"a", "b.c"}, splitList(" a, ,b.c,"))
	assert.Nil(t, splitList(""))
}
