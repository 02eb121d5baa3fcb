package admin_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"eventbus/internal/events"
	"eventbus/internal/handlers/admin"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// --- MOCKS ---

type MockStreams struct {
	mock.Mock
}

func (m *MockStreams) Pending(ctx context.Context, eventName string) (*redis.XPending, error) {
	args := m.Called(ctx, eventName)
	p, _ := args.Get(0).(*redis.XPending)
	return p, args.Error(1)
}

func (m *MockStreams) ReclaimAndProcess(ctx context.Context, eventName string, minIdle time.Duration, maxCount int64) (events.ReclaimResult, error) {
	args := m.Called(ctx, eventName, minIdle, maxCount)
	return args.Get(0).(events.ReclaimResult), args.Error(1)
}

func (m *MockStreams) DeadLetters(ctx context.Context, eventName string, count int64) ([]events.DeadLetter, error) {
	args := m.Called(ctx, eventName, count)
	letters, _ := args.Get(0).([]events.DeadLetter)
	return letters, args.Error(1)
}

func serve(t *testing.T, h http.Handler, method, target string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(method, target, nil))
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	return body
}

// --- TESTS ---

func TestGetPending_ReturnsSummary(t *testing.T) {
	streams := new(MockStreams)
	streams.On("Pending", mock.Anything, "order.submitted").Return(&redis.XPending{
		Count:     2,
		Lower:     "1-0",
		Higher:    "2-0",
		Consumers: map[string]int64{"worker-1": 2},
	}, nil)

	h := admin.NewHandler(streams, admin.Config{}).Routes()
	rec := serve(t, h, http.MethodGet, "/events/order.submitted/pending")

	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, "stream:order.submitted", body["stream"])
	assert.Equal(t, float64(2), body["count"])
	assert.Equal(t, map[string]any{"worker-1": float64(2)}, body["consumers"])
	streams.AssertExpectations(t)
}

func TestGetPending_BackendError(t *testing.T) {
	streams := new(MockStreams)
	streams.On("Pending", mock.Anything, "order.submitted").Return(nil, errors.New("NOGROUP"))

	h := admin.NewHandler(streams, admin.Config{}).Routes()
	rec := serve(t, h, http.MethodGet, "/events/order.submitted/pending")

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "INTERNAL", decode(t, rec)["error_code"])
}

func TestReclaim_UsesDefaults(t *testing.T) {
	// SCENARIO: no query parameters.
	// EXPECT: the configured min idle and batch size are used.
	streams := new(MockStreams)
	streams.On("ReclaimAndProcess", mock.Anything, "order.submitted", 45*time.Second, int64(25)).
		Return(events.ReclaimResult{Pending: 3, Claimed: 3, Reclaimed: 2, DeadLettered: 1}, nil)

	h := admin.NewHandler(streams, admin.Config{DefaultMinIdle: 45 * time.Second, DefaultCount: 25}).Routes()
	rec := serve(t, h, http.MethodPost, "/events/order.submitted/reclaim")

	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, float64(2), body["reclaimed"])
	assert.Equal(t, float64(1), body["dead_lettered"])
	streams.AssertExpectations(t)
}

func TestReclaim_QueryOverrides(t *testing.T) {
	streams := new(MockStreams)
	streams.On("ReclaimAndProcess", mock.Anything, "order.submitted", time.Duration(0), int64(5)).
		Return(events.ReclaimResult{Pending: 0}, nil)

	h := admin.NewHandler(streams, admin.Config{}).Routes()
	rec := serve(t, h, http.MethodPost, "/events/order.submitted/reclaim?min_idle=0s&count=5")

	assert.Equal(t, http.StatusOK, rec.Code)
	streams.AssertExpectations(t)
}

func TestReclaim_RejectsBadInput(t *testing.T) {
	tests := []struct {
		name  string
		query string
	}{
		{"unparseable min_idle", "?min_idle=soon"},
		{"negative min_idle", "?min_idle=-5s"},
		{"zero count", "?count=0"},
		{"non-numeric count", "?count=lots"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			streams := new(MockStreams)
			h := admin.NewHandler(streams, admin.Config{}).Routes()

			rec := serve(t, h, http.MethodPost, "/events/order.submitted/reclaim"+tt.query)

			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Equal(t, "INVALID_INPUT", decode(t, rec)["error_code"])
			streams.AssertNotCalled(t, "ReclaimAndProcess", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
		})
	}
}

func TestGetDeadLetters(t *testing.T) {
	streams := new(MockStreams)
	streams.On("DeadLetters", mock.Anything, "order.submitted", int64(10)).Return([]events.DeadLetter{
		{ID: "9-0", OriginalID: "1-0", ClaimedBy: "worker-2", FailedAt: "2026-01-01T00:00:00Z", Error: "declined", Payload: map[string]any{"orderId": "1"}},
	}, nil)

	h := admin.NewHandler(streams, admin.Config{}).Routes()
	rec := serve(t, h, http.MethodGet, "/events/order.submitted/dlq?count=10")

	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, "stream:dlq:order.submitted", body["stream"])

	entries, ok := body["entries"].([]any)
	require.True(t, ok)
	require.Len(t, entries, 1)
	entry := entries[0].(map[string]any)
	assert.Equal(t, "1-0", entry["original_id"])
	assert.Equal(t, "declined", entry["error"])
	streams.AssertExpectations(t)
}

func TestRoutes_WithoutStreamBackend(t *testing.T) {
	// SCENARIO: the process runs the in-memory or list backend.
	// EXPECT: every admin route answers 503.
	h := admin.NewHandler(nil, admin.Config{}).Routes()

	for _, req := range []struct{ method, path string }{
		{http.MethodGet, "/events/x/pending"},
		{http.MethodPost, "/events/x/reclaim"},
		{http.MethodGet, "/events/x/dlq"},
	} {
		rec := serve(t, h, req.method, req.path)
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code, req.path)
	}
}
