package events

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
)

var _ Bus = (*ListBus)(nil)

// QueueKey is the Redis list backing an event name on the simple queue backend.
func QueueKey(eventName string) string {
	return "events:" + eventName
}

type ListConfig struct {
	BlockTimeout time.Duration
	RetryBackoff time.Duration
}

// ListBus is a durable FIFO per event name. Publishing survives restarts, but
// a message is popped before dispatch: if every handler fails it is gone.
// Handlers run fire-and-forget like MemoryBus.
type ListBus struct {
	rdb      redis.Cmdable
	cfg      ListConfig
	handlers *registry
	loops    *loops
	log      *slog.Logger

	// owned is closed on Close when the bus created its own connection.
	owned io.Closer
}

func NewListBus(rdb redis.Cmdable, cfg ListConfig, logger *slog.Logger) *ListBus {
	if cfg.BlockTimeout <= 0 {
		cfg.BlockTimeout = DefaultBlockTimeout
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = DefaultRetryBackoff
	}

	return &ListBus{
		rdb:      rdb,
		cfg:      cfg,
		handlers: newRegistry(),
		loops:    newLoops(),
		log:      logger,
	}
}

func (b *ListBus) Subscribe(eventName string, handler Handler) func() {
	id, first := b.handlers.add(eventName, handler)
	if first {
		if b.loops.start(eventName, func(running *atomic.Bool) { b.consume(eventName, running) }) {
			b.log.Info("Started queue consumer", "event", eventName, "queue", QueueKey(eventName))
		}
	}
	return b.handlers.unsubscriber(eventName, id)
}

func (b *ListBus) Publish(ctx context.Context, eventName string, payload any) {
	data, err := encodePayload(payload)
	if err != nil {
		b.log.ErrorContext(ctx, "Failed to serialize event", "event", eventName, "error", err)
		return
	}

	ctx, cancel := publishContext(ctx)
	defer cancel()

	if err := b.rdb.RPush(ctx, QueueKey(eventName), data).Err(); err != nil {
		b.log.ErrorContext(ctx, "Failed to publish event", "event", eventName, "error", err)
	}
}

func (b *ListBus) consume(eventName string, running *atomic.Bool) {
	key := QueueKey(eventName)
	ctx := context.Background()

	for running.Load() {
		res, err := b.rdb.BLPop(ctx, b.cfg.BlockTimeout, key).Result()
		if errors.Is(err, redis.Nil) {
			// bounded wait elapsed, re-check the run flag
			continue
		}
		if err != nil {
			if !running.Load() {
				return
			}
			b.log.Error("Queue read failed, backing off", "event", eventName, "error", err, "backoff", b.cfg.RetryBackoff)
			if !b.loops.backoff(b.cfg.RetryBackoff) {
				return
			}
			continue
		}
		if len(res) < 2 {
			continue
		}

		handlers := b.handlers.snapshot(eventName)
		if len(handlers) == 0 {
			b.log.Debug("No handlers for event, dropping", "event", eventName)
			continue
		}
		dispatchAsync(ctx, b.log, eventName, handlers, decodePayload(res[1]))
	}
}

// Close stops every consumer loop. Loops exit once their current blocking
// pop returns, so this can take up to BlockTimeout.
func (b *ListBus) Close() error {
	b.loops.stop()
	if b.owned != nil {
		return b.owned.Close()
	}
	return nil
}
