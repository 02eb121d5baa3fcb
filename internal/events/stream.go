package events

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/multierr"
)

var _ Bus = (*StreamBus)(nil)

// payloadField is the single stream entry field holding the JSON payload.
const payloadField = "p"

func StreamKey(eventName string) string {
	return "stream:" + eventName
}

func DeadLetterKey(eventName string) string {
	return "stream:dlq:" + eventName
}

type StreamConfig struct {
	Group        string
	Consumer     string
	BlockTimeout time.Duration
	ReadCount    int64
	RetryBackoff time.Duration
}

// StreamBus delivers through Redis Streams consumer groups. An entry is acked
// only after every registered handler succeeded; otherwise it stays in the
// group's pending entries list until ReclaimAndProcess picks it up.
type StreamBus struct {
	rdb      redis.Cmdable
	cfg      StreamConfig
	handlers *registry
	loops    *loops
	metrics  Metrics
	tracer   trace.Tracer
	log      *slog.Logger

	// one reclaim pass per event name at a time in this process
	reclaimMu   sync.Mutex
	reclaimLock map[string]*sync.Mutex

	owned io.Closer
}

func NewStreamBus(rdb redis.Cmdable, cfg StreamConfig, metrics Metrics, logger *slog.Logger) *StreamBus {
	if cfg.Group == "" {
		cfg.Group = DefaultGroup
	}
	if cfg.Consumer == "" {
		cfg.Consumer = DefaultConsumerName()
	}
	if cfg.BlockTimeout <= 0 {
		cfg.BlockTimeout = DefaultBlockTimeout
	}
	if cfg.ReadCount <= 0 {
		cfg.ReadCount = DefaultReadCount
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = DefaultRetryBackoff
	}
	if metrics == nil {
		metrics = NoopMetrics{}
	}

	return &StreamBus{
		rdb:      rdb,
		cfg:      cfg,
		handlers: newRegistry(),
		loops:    newLoops(),
		metrics:  metrics,
		tracer:   otel.Tracer("eventbus/events"),
		log:      logger.With("group", cfg.Group, "consumer", cfg.Consumer),

		reclaimLock: make(map[string]*sync.Mutex),
	}
}

func (b *StreamBus) Group() string    { return b.cfg.Group }
func (b *StreamBus) Consumer() string { return b.cfg.Consumer }

// Redis exposes the connection so the PEL sampler can share it.
func (b *StreamBus) Redis() redis.Cmdable { return b.rdb }

// EventNames lists every event name this bus has consumers for.
func (b *StreamBus) EventNames() []string {
	return b.handlers.eventNames()
}

func (b *StreamBus) Subscribe(eventName string, handler Handler) func() {
	id, first := b.handlers.add(eventName, handler)
	if first {
		// The group is created before Subscribe returns so a publish issued
		// right after it lands behind the group's cursor.
		ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
		err := b.ensureGroup(ctx, eventName)
		cancel()
		if err != nil {
			b.log.Error("Failed to create consumer group, consumer will retry", "event", eventName, "error", err)
		}

		groupReady := err == nil
		if b.loops.start(eventName, func(running *atomic.Bool) { b.consume(eventName, groupReady, running) }) {
			b.log.Info("Started stream consumer", "event", eventName, "stream", StreamKey(eventName))
		}
	}
	return b.handlers.unsubscriber(eventName, id)
}

func (b *StreamBus) Publish(ctx context.Context, eventName string, payload any) {
	data, err := encodePayload(payload)
	if err != nil {
		b.log.ErrorContext(ctx, "Failed to serialize event", "event", eventName, "error", err)
		return
	}

	ctx, cancel := publishContext(ctx)
	defer cancel()

	id, err := b.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: StreamKey(eventName),
		Values: map[string]any{payloadField: data},
	}).Result()
	if err != nil {
		b.log.ErrorContext(ctx, "Failed to publish event", "event", eventName, "error", err)
		return
	}
	b.log.DebugContext(ctx, "Published event", "event", eventName, "id", id, "data_size", len(data))
}

// ensureGroup creates the consumer group at the stream tail. An existing
// group is not an error.
func (b *StreamBus) ensureGroup(ctx context.Context, eventName string) error {
	err := b.rdb.XGroupCreateMkStream(ctx, StreamKey(eventName), b.cfg.Group, "$").Err()
	if err != nil && !isBusyGroup(err) {
		return fmt.Errorf("create group %s on %s: %w", b.cfg.Group, StreamKey(eventName), err)
	}
	return nil
}

func (b *StreamBus) consume(eventName string, groupReady bool, running *atomic.Bool) {
	key := StreamKey(eventName)
	ctx := context.Background()

	for running.Load() {
		if !groupReady {
			if err := b.ensureGroup(ctx, eventName); err != nil {
				b.log.Error("Consumer group unavailable, backing off", "event", eventName, "error", err)
				if !b.loops.backoff(b.cfg.RetryBackoff) {
					return
				}
				continue
			}
			groupReady = true
		}

		streams, err := b.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    b.cfg.Group,
			Consumer: b.cfg.Consumer,
			Streams:  []string{key, ">"},
			Count:    b.cfg.ReadCount,
			Block:    b.cfg.BlockTimeout,
		}).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			if !running.Load() {
				return
			}
			if isNoGroup(err) {
				groupReady = false
			}
			b.log.Error("Stream read failed, backing off", "event", eventName, "error", err, "backoff", b.cfg.RetryBackoff)
			if !b.loops.backoff(b.cfg.RetryBackoff) {
				return
			}
			continue
		}

		for _, s := range streams {
			for _, msg := range s.Messages {
				b.process(ctx, eventName, msg)
			}
		}
	}
}

func (b *StreamBus) process(ctx context.Context, eventName string, msg redis.XMessage) {
	if err := b.deliver(ctx, eventName, msg.ID, payloadOf(msg)); err != nil {
		b.log.Warn("Delivery failed, entry left pending", "event", eventName, "id", msg.ID, "error", err)
		return
	}

	if err := b.rdb.XAck(ctx, StreamKey(eventName), b.cfg.Group, msg.ID).Err(); err != nil {
		b.log.Error("Failed to ack entry", "event", eventName, "id", msg.ID, "error", err)
	}
}

// deliver runs every current handler in order and returns the combined
// failures. A nil result means the entry may be acked.
func (b *StreamBus) deliver(ctx context.Context, eventName, id string, payload any) error {
	ctx, span := b.tracer.Start(ctx, "events.deliver",
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("event", eventName),
			attribute.String("message_id", id),
			attribute.String("consumer", b.cfg.Consumer),
		),
	)
	defer span.End()

	var errs error
	for i, h := range b.handlers.snapshot(eventName) {
		if err := invoke(ctx, h, payload); err != nil {
			b.log.ErrorContext(ctx, "Event handler failed", "event", eventName, "id", id, "handler", i, "error", err)
			errs = multierr.Append(errs, err)
		}
	}

	if errs != nil {
		span.RecordError(errs)
		span.SetStatus(codes.Error, "handler failed")
	}
	return errs
}

// Pending returns the pending entries summary for the event's stream.
func (b *StreamBus) Pending(ctx context.Context, eventName string) (*redis.XPending, error) {
	p, err := b.rdb.XPending(ctx, StreamKey(eventName), b.cfg.Group).Result()
	if err != nil {
		return nil, fmt.Errorf("pending %s: %w", StreamKey(eventName), err)
	}
	return p, nil
}

// Close stops every consumer loop. Loops exit once their current blocking
// read returns, so this can take up to BlockTimeout.
func (b *StreamBus) Close() error {
	b.loops.stop()
	if b.owned != nil {
		return b.owned.Close()
	}
	return nil
}

func payloadOf(msg redis.XMessage) any {
	raw, ok := msg.Values[payloadField]
	if !ok {
		return nil
	}
	if s, ok := raw.(string); ok {
		return decodePayload(s)
	}
	return raw
}

func isBusyGroup(err error) bool {
	return err != nil && strings.HasPrefix(err.Error(), "BUSYGROUP")
}

func isNoGroup(err error) bool {
	return err != nil && strings.Contains(err.Error(), "NOGROUP")
}
