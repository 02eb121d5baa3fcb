package events

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Dead-letter entry fields, next to payloadField.
const (
	fieldOriginalID = "originalId"
	fieldClaimedBy  = "claimedBy"
	fieldFailedAt   = "failedAt"
	fieldError      = "error"
)

// ReclaimResult summarizes one ReclaimAndProcess pass.
type ReclaimResult struct {
	// Pending is the sampled PEL size before claiming, -1 if sampling failed.
	Pending      int64 `json:"pending"`
	Claimed      int   `json:"claimed"`
	Reclaimed    int   `json:"reclaimed"`
	DeadLettered int   `json:"dead_lettered"`
	// Deferred entries failed with ErrRetryLater and were left pending.
	Deferred int `json:"deferred"`
	Failed   int `json:"failed"`
}

// claimFloor is the smallest idle time passed to XCLAIM. An entry another
// reclaimer claimed a moment ago has a reset idle time and is skipped, even
// when the caller asked for minIdle 0.
const claimFloor = time.Millisecond

// ReclaimAndProcess claims up to maxCount entries that have been pending for
// at least minIdle, reruns the handlers on them and acks on success. Entries
// that fail again are copied to the dead-letter stream and acked. If the
// dead-letter write fails the entry stays pending for an operator. Failures
// wrapping ErrRetryLater are neither acked nor dead-lettered.
//
// Passes for the same event name are serialized within a process. Across
// processes, XCLAIM resets the idle time of an entry it hands out, so a
// concurrent reclaimer elsewhere skips it.
func (b *StreamBus) ReclaimAndProcess(ctx context.Context, eventName string, minIdle time.Duration, maxCount int64) (ReclaimResult, error) {
	mu := b.reclaimMutex(eventName)
	mu.Lock()
	defer mu.Unlock()

	res := ReclaimResult{Pending: -1}
	key := StreamKey(eventName)
	log := b.log.With("event", eventName, "stream", key)

	if n, err := b.samplePending(ctx, eventName); err != nil {
		log.Warn("Failed to sample pending entries", "error", err)
	} else {
		res.Pending = n
	}

	if maxCount <= 0 {
		maxCount = DefaultReclaimBatch
	}

	pending, err := b.rdb.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: key,
		Group:  b.cfg.Group,
		Idle:   minIdle,
		Start:  "-",
		End:    "+",
		Count:  maxCount,
	}).Result()
	if err != nil {
		b.metrics.RecordReclaimFailure(ctx, eventName)
		return res, fmt.Errorf("list pending %s: %w", key, err)
	}

	for _, p := range pending {
		if p.Idle < minIdle {
			continue
		}

		claimed, err := b.rdb.XClaim(ctx, &redis.XClaimArgs{
			Stream:   key,
			Group:    b.cfg.Group,
			Consumer: b.cfg.Consumer,
			MinIdle:  max(minIdle, claimFloor),
			Messages: []string{p.ID},
		}).Result()
		if err != nil {
			log.Error("Failed to claim pending entry", "id", p.ID, "owner", p.Consumer, "error", err)
			b.metrics.RecordReclaimFailure(ctx, eventName)
			res.Failed++
			continue
		}
		if len(claimed) == 0 {
			// another reclaimer got it first, or the entry was trimmed
			continue
		}

		msg := claimed[0]
		res.Claimed++
		log.Info("Claimed pending entry", "id", msg.ID, "previous_owner", p.Consumer, "deliveries", p.RetryCount, "idle", p.Idle)

		handlerErr := b.deliver(ctx, eventName, msg.ID, payloadOf(msg))
		if handlerErr == nil {
			if err := b.rdb.XAck(ctx, key, b.cfg.Group, msg.ID).Err(); err != nil {
				log.Error("Failed to ack reclaimed entry", "id", msg.ID, "error", err)
				b.metrics.RecordReclaimFailure(ctx, eventName)
				res.Failed++
				continue
			}
			b.metrics.RecordReclaimed(ctx, eventName)
			res.Reclaimed++
			continue
		}

		if errors.Is(handlerErr, ErrRetryLater) {
			log.Info("Reclaimed entry deferred, left pending", "id", msg.ID, "error", handlerErr)
			res.Deferred++
			continue
		}

		if err := b.deadLetter(ctx, eventName, msg, handlerErr); err != nil {
			log.Error("Dead-letter write failed, entry left pending for manual inspection", "id", msg.ID, "error", err, "handler_error", handlerErr)
			b.metrics.RecordReclaimFailure(ctx, eventName)
			res.Failed++
			continue
		}

		if err := b.rdb.XAck(ctx, key, b.cfg.Group, msg.ID).Err(); err != nil {
			log.Error("Failed to ack dead-lettered entry", "id", msg.ID, "error", err)
			b.metrics.RecordReclaimFailure(ctx, eventName)
			res.Failed++
			continue
		}
		log.Warn("Entry dead-lettered", "id", msg.ID, "dlq", DeadLetterKey(eventName), "error", handlerErr)
		b.metrics.RecordDeadLettered(ctx, eventName)
		res.DeadLettered++
	}

	return res, nil
}

func (b *StreamBus) reclaimMutex(eventName string) *sync.Mutex {
	b.reclaimMu.Lock()
	defer b.reclaimMu.Unlock()

	mu, ok := b.reclaimLock[eventName]
	if !ok {
		mu = &sync.Mutex{}
		b.reclaimLock[eventName] = mu
	}
	return mu
}

func (b *StreamBus) deadLetter(ctx context.Context, eventName string, msg redis.XMessage, cause error) error {
	values := map[string]any{
		payloadField:    msg.Values[payloadField],
		fieldOriginalID: msg.ID,
		fieldClaimedBy:  b.cfg.Consumer,
		fieldFailedAt:   time.Now().UTC().Format(time.RFC3339Nano),
	}
	if values[payloadField] == nil {
		values[payloadField] = ""
	}
	if cause != nil {
		values[fieldError] = cause.Error()
	}

	return b.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: DeadLetterKey(eventName),
		Values: values,
	}).Err()
}

// samplePending reads the PEL size and records it on the pending gauge.
func (b *StreamBus) samplePending(ctx context.Context, eventName string) (int64, error) {
	n, err := pendingCount(ctx, b.rdb, StreamKey(eventName), b.cfg.Group)
	if err != nil {
		return 0, err
	}
	b.metrics.RecordPendingSize(ctx, StreamKey(eventName), b.cfg.Group, n)
	return n, nil
}

func pendingCount(ctx context.Context, rdb redis.Cmdable, stream, group string) (int64, error) {
	p, err := rdb.XPending(ctx, stream, group).Result()
	if err != nil {
		return 0, err
	}
	return p.Count, nil
}

// DeadLetter is one entry of a dead-letter stream.
type DeadLetter struct {
	ID         string `json:"id"`
	OriginalID string `json:"original_id"`
	ClaimedBy  string `json:"claimed_by"`
	FailedAt   string `json:"failed_at"`
	Error      string `json:"error,omitempty"`
	Payload    any    `json:"payload"`
}

// DeadLetters returns up to count dead-letter entries, newest first. Reading
// never replays or removes them.
func (b *StreamBus) DeadLetters(ctx context.Context, eventName string, count int64) ([]DeadLetter, error) {
	msgs, err := b.rdb.XRevRangeN(ctx, DeadLetterKey(eventName), "+", "-", count).Result()
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", DeadLetterKey(eventName), err)
	}

	out := make([]DeadLetter, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, DeadLetter{
			ID:         m.ID,
			OriginalID: stringField(m, fieldOriginalID),
			ClaimedBy:  stringField(m, fieldClaimedBy),
			FailedAt:   stringField(m, fieldFailedAt),
			Error:      stringField(m, fieldError),
			Payload:    payloadOf(m),
		})
	}
	return out, nil
}

func stringField(msg redis.XMessage, field string) string {
	s, _ := msg.Values[field].(string)
	return s
}
