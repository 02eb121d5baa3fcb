package events

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"eventbus/internal/testutil"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestListBus_PublishPersistsBeforeAnyConsumer(t *testing.T) {
	_, rdb := testutil.NewRedis(t)
	bus := newTestListBus(t, rdb)

	bus.Publish(context.Background(), orderEvent, orderSubmitted{OrderID: "1"})

	items, err := rdb.LRange(context.Background(), QueueKey(orderEvent), 0, -1).Result()
	require.NoError(t, err)
	assert.Equal(t, []string{`{"orderId":"1"}`}, items)
}

func TestListBus_QueuedMessageDeliveredOnSubscribe(t *testing.T) {
	_, rdb := testutil.NewRedis(t)
	bus := newTestListBus(t, rdb)

	bus.Publish(context.Background(), orderEvent, orderSubmitted{OrderID: "1"})

	got := make(chan any, 1)
	bus.Subscribe(orderEvent, func(ctx context.Context, payload any) error {
		got <- payload
		return nil
	})

	select {
	case p := <-got:
		assert.Equal(t, map[string]any{"orderId": "1"}, p)
	case <-time.After(2 * time.Second):
		t.Fatal("queued message was not delivered")
	}

	n, err := rdb.LLen(context.Background(), QueueKey(orderEvent)).Result()
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestListBus_HandlerIsolation(t *testing.T) {
	_, rdb := testutil.NewRedis(t)
	bus := newTestListBus(t, rdb)

	var failing, healthy atomic.Int32
	bus.Subscribe(orderEvent, func(ctx context.Context, payload any) error {
		failing.Add(1)
		panic("broken handler")
	})
	bus.Subscribe(orderEvent, func(ctx context.Context, payload any) error {
		healthy.Add(1)
		return nil
	})

	bus.Publish(context.Background(), orderEvent, orderSubmitted{OrderID: "1"})

	require.Eventually(t, func() bool {
		return failing.Load() == 1 && healthy.Load() == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestListBus_FailedMessageIsNotRedelivered(t *testing.T) {
	// The pop happens before dispatch: a message every handler rejects is gone.
	_, rdb := testutil.NewRedis(t)
	bus := newTestListBus(t, rdb)

	var calls atomic.Int32
	bus.Subscribe(orderEvent, func(ctx context.Context, payload any) error {
		calls.Add(1)
		return errors.New("always fails")
	})

	bus.Publish(context.Background(), orderEvent, orderSubmitted{OrderID: "1"})

	require.Eventually(t, func() bool { return calls.Load() == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Never(t, func() bool { return calls.Load() > 1 }, 200*time.Millisecond, 20*time.Millisecond)

	n, err := rdb.LLen(context.Background(), QueueKey(orderEvent)).Result()
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestListBus_RawPayloadFallback(t *testing.T) {
	_, rdb := testutil.NewRedis(t)
	bus := newTestListBus(t, rdb)

	got := make(chan any, 1)
	bus.Subscribe(orderEvent, func(ctx context.Context, payload any) error {
		got <- payload
		return nil
	})
	require.NoError(t, rdb.RPush(context.Background(), QueueKey(orderEvent), "{broken").Err())

	select {
	case p := <-got:
		assert.Equal(t, "{broken", p)
	case <-time.After(2 * time.Second):
		t.Fatal("raw message was not delivered")
	}
}

func TestListBus_RecoversAfterStoreErrors(t *testing.T) {
	mr, rdb := testutil.NewRedis(t)
	bus := newTestListBus(t, rdb)

	got := make(chan any, 1)
	bus.Subscribe(orderEvent, func(ctx context.Context, payload any) error {
		got <- payload
		return nil
	})

	mr.SetError("ERR server unavailable")
	time.Sleep(150 * time.Millisecond)
	mr.SetError("")

	bus.Publish(context.Background(), orderEvent, orderSubmitted{OrderID: "after-outage"})

	select {
	case p := <-got:
		assert.Equal(t, map[string]any{"orderId": "after-outage"}, p)
	case <-time.After(2 * time.Second):
		t.Fatal("consumer loop did not recover")
	}
}

func TestListBus_OneLoopPerEvent(t *testing.T) {
	_, rdb := testutil.NewRedis(t)
	bus := newTestListBus(t, rdb)

	bus.Subscribe(orderEvent, noop)
	bus.Subscribe(orderEvent, noop)

	assert.True(t, bus.loops.isRunning(orderEvent))
	assert.Len(t, bus.loops.running, 1)
}

func TestListBus_CloseStopsLoops(t *testing.T) {
	_, rdb := testutil.NewRedis(t)
	bus := newTestListBus(t, rdb)
	bus.Subscribe(orderEvent, noop)

	done := make(chan struct{})
	go func() {
		_ = bus.Close()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Close did not return after the bounded wait")
	}
	assert.False(t, bus.loops.isRunning(orderEvent))

	// Closing twice is fine.
	assert.NoError(t, bus.Close())
}
