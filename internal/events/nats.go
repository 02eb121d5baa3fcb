package events

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"go.uber.org/multierr"
)

var _ Bus = (*NATSBus)(nil)

const natsSubjectPrefix = "events"

// NATSSubject is the JetStream subject an event name is published on.
func NATSSubject(eventName string) string {
	return natsSubjectPrefix + "." + eventName
}

type NATSConfig struct {
	URL    string
	Stream string
	Group  string
	Name   string
	// HandlerTimeout bounds one delivery (all handlers together).
	HandlerTimeout time.Duration
}

// NATSBus consumes through JetStream queue subscriptions. Like StreamBus, a
// message is acked only when every handler succeeded; failures are Nak'd
// and JetStream redelivers them.
type NATSBus struct {
	nats     *nats.Conn
	js       nats.JetStreamContext
	cfg      NATSConfig
	handlers *registry
	log      *slog.Logger

	mu   sync.Mutex
	subs map[string]*nats.Subscription
}

func NewNATSBus(cfg NATSConfig, logger *slog.Logger) (*NATSBus, error) {
	if cfg.Stream == "" {
		cfg.Stream = DefaultNATSStream
	}
	if cfg.Group == "" {
		cfg.Group = DefaultGroup
	}
	if cfg.Name == "" {
		cfg.Name = "eventbus"
	}
	if cfg.HandlerTimeout <= 0 {
		cfg.HandlerTimeout = 30 * time.Second
	}

	opts := []nats.Option{
		nats.Name(cfg.Name),

		// Never give up reconnecting, and wait 3s between attempts.
		nats.MaxReconnects(-1),
		nats.ReconnectWait(3 * time.Second),

		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			logger.Warn("NATS disconnected, buffering messages", "error", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("NATS reconnected", "url", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(nc *nats.Conn) {
			logger.Info("NATS connection closed")
		}),
	}
	nc, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("jetstream context: %w", err)
	}

	b := &NATSBus{
		nats:     nc,
		js:       js,
		cfg:      cfg,
		handlers: newRegistry(),
		log:      logger,
		subs:     make(map[string]*nats.Subscription),
	}
	if err := b.ensureStream(); err != nil {
		nc.Close()
		return nil, err
	}
	return b, nil
}

func (b *NATSBus) ensureStream() error {
	_, err := b.js.StreamInfo(b.cfg.Stream)
	if err == nil {
		return nil
	}
	if !errors.Is(err, nats.ErrStreamNotFound) {
		return fmt.Errorf("stream info %s: %w", b.cfg.Stream, err)
	}

	_, err = b.js.AddStream(&nats.StreamConfig{
		Name:     b.cfg.Stream,
		Subjects: []string{natsSubjectPrefix + ".>"},
		Storage:  nats.FileStorage,
	})
	if err != nil {
		return fmt.Errorf("create stream %s: %w", b.cfg.Stream, err)
	}
	b.log.Info("Created JetStream stream", "stream", b.cfg.Stream)
	return nil
}

func (b *NATSBus) Subscribe(eventName string, handler Handler) func() {
	id, _ := b.handlers.add(eventName, handler)
	if err := b.ensureSubscription(eventName); err != nil {
		b.log.Error("Failed to subscribe to subject", "event", eventName, "error", err)
	}
	return b.handlers.unsubscriber(eventName, id)
}

// ensureSubscription creates the queue subscription once per event name. A
// failed attempt is retried on the next Subscribe.
func (b *NATSBus) ensureSubscription(eventName string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.subs[eventName]; ok {
		return nil
	}

	subject := NATSSubject(eventName)
	b.log.Info("Subscribing to subject", "subject", subject, "queue", b.cfg.Group)

	sub, err := b.js.QueueSubscribe(subject, b.cfg.Group, func(msg *nats.Msg) {
		b.process(eventName, msg)
	},
		nats.Durable(durableName(b.cfg.Group, eventName)),
		nats.ManualAck(),
		nats.AckExplicit(),
		nats.DeliverNew(),
		nats.MaxAckPending(int(DefaultReadCount)),
	)
	if err != nil {
		return fmt.Errorf("queue subscribe %s: %w", subject, err)
	}

	b.subs[eventName] = sub
	return nil
}

func (b *NATSBus) process(eventName string, msg *nats.Msg) {
	// A fresh, bounded context per message keeps a stuck handler from
	// holding the subscription forever.
	ctx, cancel := context.WithTimeout(context.Background(), b.cfg.HandlerTimeout)
	defer cancel()

	payload := decodePayload(string(msg.Data))

	var errs error
	for _, h := range b.handlers.snapshot(eventName) {
		if err := invoke(ctx, h, payload); err != nil {
			b.log.Error("Event handler failed", "event", eventName, "error", err)
			errs = multierr.Append(errs, err)
		}
	}

	if errs != nil {
		if err := msg.Nak(); err != nil {
			b.log.Error("Failed to Nak message", "event", eventName, "error", err)
		}
		return
	}

	if err := msg.Ack(); err != nil {
		b.log.Error("Failed to Ack message", "event", eventName, "error", err)
	}
}

func (b *NATSBus) Publish(ctx context.Context, eventName string, payload any) {
	data, err := encodePayload(payload)
	if err != nil {
		b.log.ErrorContext(ctx, "Failed to serialize event", "event", eventName, "error", err)
		return
	}

	ctx, cancel := publishContext(ctx)
	defer cancel()

	subject := NATSSubject(eventName)
	if _, err := b.js.Publish(subject, []byte(data), nats.MsgId(uuid.NewString()), nats.Context(ctx)); err != nil {
		b.log.ErrorContext(ctx, "Failed to publish event", "subject", subject, "error", err)
		return
	}
	b.log.DebugContext(ctx, "Published event", "subject", subject, "data_size", len(data))
}

// Close drains the connection so in-flight messages finish first.
func (b *NATSBus) Close() error {
	b.log.Info("Draining NATS connection")
	return b.nats.Drain()
}

// durableName makes a consumer name that JetStream accepts (no dots or wildcards).
func durableName(group, eventName string) string {
	r := strings.NewReplacer(".", "_", "*", "_", ">", "_", " ", "_")
	return r.Replace(group + "-" + eventName)
}
