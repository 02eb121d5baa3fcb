package events

import (
	"context"
	"log/slog"
	"sync/atomic"
)

var _ Bus = (*MemoryBus)(nil)

// MemoryBus fans out to handlers in the same process. Nothing is persisted:
// delivery is at-most-once and a publish with no subscribers is dropped.
type MemoryBus struct {
	handlers *registry
	log      *slog.Logger
	closed   atomic.Bool
}

func NewMemoryBus(logger *slog.Logger) *MemoryBus {
	return &MemoryBus{
		handlers: newRegistry(),
		log:      logger,
	}
}

func (b *MemoryBus) Subscribe(eventName string, handler Handler) func() {
	id, _ := b.handlers.add(eventName, handler)
	b.log.Debug("Subscribed to event", "event", eventName)
	return b.handlers.unsubscriber(eventName, id)
}

func (b *MemoryBus) Publish(ctx context.Context, eventName string, payload any) {
	if b.closed.Load() {
		b.log.Warn("Publish on closed bus, dropping event", "event", eventName)
		return
	}

	handlers := b.handlers.snapshot(eventName)
	if len(handlers) == 0 {
		b.log.Debug("No handlers for event, dropping", "event", eventName)
		return
	}

	dispatchAsync(ctx, b.log, eventName, handlers, payload)
}

func (b *MemoryBus) Close() error {
	b.closed.Store(true)
	return nil
}
