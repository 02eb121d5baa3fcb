package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// ErrHandlerPanic wraps a recovered handler panic. The delivery then fails
// the same way as a handler that returned an error.
var ErrHandlerPanic = errors.New("events: handler panicked")

// ErrRetryLater is wrapped by handler errors that should leave a reclaimed
// entry pending for a later pass instead of dead-lettering it.
var ErrRetryLater = errors.New("events: retry later")

// Handler processes one delivered payload. Returning an error (or panicking)
// marks the delivery as failed for this handler.
//
// Delivery is at-least-once on the durable backends, so handlers must be safe
// to run more than once for the same logical event.
type Handler func(ctx context.Context, payload any) error

// Bus is the only surface callers see. Publish never fails the caller and never
// waits on handler execution.
type Bus interface {
	Subscribe(eventName string, handler Handler) (unsubscribe func())
	Publish(ctx context.Context, eventName string, payload any)
	Close() error
}

type subscription struct {
	id      uint64
	handler Handler
}

// registry holds the handlers per event name. Dispatch always works on a
// snapshot so a concurrent unsubscribe never changes a handler set mid-delivery.
type registry struct {
	mu       sync.RWMutex
	nextID   uint64
	handlers map[string][]subscription
	started  map[string]bool
}

func newRegistry() *registry {
	return &registry{
		handlers: make(map[string][]subscription),
		started:  make(map[string]bool),
	}
}

// add registers the handler and reports whether this is the first subscription
// ever seen for the event name in this process.
func (r *registry) add(eventName string, h Handler) (uint64, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.nextID++
	id := r.nextID
	r.handlers[eventName] = append(r.handlers[eventName], subscription{id: id, handler: h})

	first := !r.started[eventName]
	r.started[eventName] = true
	return id, first
}

func (r *registry) remove(eventName string, id uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	subs := r.handlers[eventName]
	for i, s := range subs {
		if s.id == id {
			next := make([]subscription, 0, len(subs)-1)
			next = append(next, subs[:i]...)
			next = append(next, subs[i+1:]...)
			r.handlers[eventName] = next
			return
		}
	}
}

func (r *registry) snapshot(eventName string) []Handler {
	r.mu.RLock()
	defer r.mu.RUnlock()

	subs := r.handlers[eventName]
	out := make([]Handler, len(subs))
	for i, s := range subs {
		out[i] = s.handler
	}
	return out
}

// eventNames returns every event name that has ever been subscribed.
func (r *registry) eventNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.started))
	for name := range r.started {
		names = append(names, name)
	}
	return names
}

// unsubscriber wraps remove so repeated calls are no-ops.
func (r *registry) unsubscriber(eventName string, id uint64) func() {
	var once sync.Once
	return func() {
		once.Do(func() { r.remove(eventName, id) })
	}
}

// invoke runs one handler, turning a panic into an error.
func invoke(ctx context.Context, h Handler, payload any) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("%w: %v", ErrHandlerPanic, rec)
		}
	}()
	return h(ctx, payload)
}

// dispatchAsync fires every handler on its own goroutine. Failures are logged
// and never reach the publisher or sibling handlers.
func dispatchAsync(ctx context.Context, logger *slog.Logger, eventName string, handlers []Handler, payload any) {
	ctx = context.WithoutCancel(ctx)
	for _, h := range handlers {
		go func(h Handler) {
			if err := invoke(ctx, h, payload); err != nil {
				logger.ErrorContext(ctx, "Event handler failed", "event", eventName, "error", err)
			}
		}(h)
	}
}

// decodePayload turns the stored wire string back into a value. Anything
// that is not valid JSON is handed to handlers as the raw string.
func decodePayload(raw string) any {
	var v any
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return raw
	}
	return v
}

func encodePayload(payload any) (string, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}
	return string(data), nil
}

// Decode converts a delivered payload into T. In-process backends deliver the
// published value untouched; durable backends deliver decoded JSON.
func Decode[T any](payload any) (T, error) {
	var out T
	if v, ok := payload.(T); ok {
		return v, nil
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return out, fmt.Errorf("decode payload: %w", err)
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return out, fmt.Errorf("decode payload: %w", err)
	}
	return out, nil
}
