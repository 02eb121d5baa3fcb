package idempotency

import (
	"context"
	"fmt"
	"log/slog"

	"eventbus/internal/events"
)

// ErrInProgress is returned while another delivery of the same event holds
// the lock. It wraps events.ErrRetryLater, so a reclaim pass leaves the entry
// pending instead of dead-lettering it.
var ErrInProgress = fmt.Errorf("idempotency: event is already being processed: %w", events.ErrRetryLater)

// KeyFunc derives the de-duplication key of a payload. ok=false disables
// de-duplication for that payload.
type KeyFunc func(payload any) (key string, ok bool)

// FieldKey reads a top-level field of a JSON object payload.
func FieldKey(field string) KeyFunc {
	return func(payload any) (string, bool) {
		obj, err := events.Decode[map[string]any](payload)
		if err != nil {
			return "", false
		}
		v, ok := obj[field]
		if !ok || v == nil {
			return "", false
		}
		key := fmt.Sprint(v)
		return key, key != ""
	}
}

// Handler wraps next so a payload whose key was already handled successfully
// is skipped. scope separates handlers that share an event name.
func Handler(store Store, scope string, key KeyFunc, next events.Handler, logger *slog.Logger) events.Handler {
	return func(ctx context.Context, payload any) error {
		k, ok := key(payload)
		if !ok {
			return next(ctx, payload)
		}
		k = scope + ":" + k

		// Fail closed: if the store is unreachable the delivery fails and is
		// retried rather than risk running twice.
		acquired, err := store.Lock(ctx, k)
		if err != nil {
			return fmt.Errorf("idempotency lock %s: %w", k, err)
		}
		if !acquired {
			if _, done, err := store.Done(ctx, k); err == nil && done {
				logger.DebugContext(ctx, "Duplicate event skipped", "key", k)
				return nil
			}
			return ErrInProgress
		}

		if err := next(ctx, payload); err != nil {
			if relErr := store.Release(context.WithoutCancel(ctx), k); relErr != nil {
				logger.ErrorContext(ctx, "Failed to release idempotency lock", "key", k, "error", relErr)
			}
			return err
		}

		if err := store.MarkDone(ctx, k); err != nil {
			logger.ErrorContext(ctx, "Failed to record handled event", "key", k, "error", err)
		}
		return nil
	}
}
