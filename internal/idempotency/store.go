package idempotency

import (
	"context"
	"time"

	"eventbus/internal/cache"

	"github.com/redis/go-redis/v9"
)

const (
	keyPrefix  = "idem:"
	lockSuffix = ":lock"
	doneSuffix = ":done"
	lockTTL    = 30 * time.Second   // How long a running handler blocks duplicates
	doneTTL    = 24 * 7 * time.Hour // How long a completed event is remembered
)

// Store remembers which event keys were already handled.
type Store interface {
	Lock(ctx context.Context, key string) (bool, error)
	Done(ctx context.Context, key string) (*Record, bool, error)
	MarkDone(ctx context.Context, key string) error
	Release(ctx context.Context, key string) error
}

type Record struct {
	CompletedAt time.Time `json:"completed_at"`
}

type RedisStore struct {
	rdb     redis.Cmdable
	lockTTL time.Duration
	doneTTL time.Duration
}

func NewRedisStore(rdb redis.Cmdable) *RedisStore {
	return &RedisStore{rdb: rdb, lockTTL: lockTTL, doneTTL: doneTTL}
}

func (s *RedisStore) Done(ctx context.Context, key string) (*Record, bool, error) {
	return cache.Get[Record](s.rdb, ctx, keyPrefix+key+doneSuffix)
}

// Lock claims the key for one running handler. It fails if the key is
// already done or another handler holds the lock.
func (s *RedisStore) Lock(ctx context.Context, key string) (bool, error) {
	_, found, err := s.Done(ctx, key)
	if err != nil {
		return false, err
	}
	if found {
		return false, nil
	}
	return cache.SetNX(s.rdb, ctx, keyPrefix+key+lockSuffix, "1", s.lockTTL)
}

// MarkDone records completion and drops the lock so waiters see the result.
func (s *RedisStore) MarkDone(ctx context.Context, key string) error {
	if err := cache.Set(s.rdb, ctx, keyPrefix+key+doneSuffix, Record{CompletedAt: time.Now().UTC()}, s.doneTTL); err != nil {
		return err
	}
	// The completion record is what counts; a leftover lock just expires.
	_ = cache.Del(s.rdb, ctx, keyPrefix+key+lockSuffix)
	return nil
}

// Release drops the lock after a failed attempt so a redelivery can retry.
func (s *RedisStore) Release(ctx context.Context, key string) error {
	return cache.Del(s.rdb, ctx, keyPrefix+key+lockSuffix)
}
