package events

import (
	"fmt"
	"log/slog"

	"eventbus/internal/cache"
)

// New builds the one Bus the process should use. A backend whose connection
// settings are missing falls back to MemoryBus; a backend that is configured
// but unreachable is an error.
func New(cfg Config, metrics Metrics, logger *slog.Logger) (Bus, error) {
	cfg = cfg.withDefaults()
	if metrics == nil {
		metrics = NoopMetrics{}
	}

	switch cfg.Backend {
	case BackendMemory, "":
		return newMemory(logger), nil

	case BackendRedisList, BackendRedis:
		if !cfg.Redis.Configured() {
			return fallback(cfg.Backend, "REDIS_URL or REDIS_ADDR is not set", logger), nil
		}
		rdb, err := cache.NewRedisClient(cfg.Redis)
		if err != nil {
			return nil, fmt.Errorf("event bus %s: %w", cfg.Backend, err)
		}
		b := NewListBus(rdb, ListConfig{
			BlockTimeout: cfg.BlockTimeout,
			RetryBackoff: cfg.RetryBackoff,
		}, logger.With("backend", string(BackendRedisList)))
		b.owned = rdb
		logger.Info("Event bus ready", "backend", string(BackendRedisList))
		return b, nil

	case BackendRedisStreams:
		if !cfg.Redis.Configured() {
			return fallback(cfg.Backend, "REDIS_URL or REDIS_ADDR is not set", logger), nil
		}
		rdb, err := cache.NewRedisClient(cfg.Redis)
		if err != nil {
			return nil, fmt.Errorf("event bus %s: %w", cfg.Backend, err)
		}
		b := NewStreamBus(rdb, StreamConfig{
			Group:        cfg.Group,
			Consumer:     cfg.Consumer,
			BlockTimeout: cfg.BlockTimeout,
			ReadCount:    cfg.ReadCount,
			RetryBackoff: cfg.RetryBackoff,
		}, metrics, logger.With("backend", string(BackendRedisStreams)))
		b.owned = rdb
		logger.Info("Event bus ready", "backend", string(BackendRedisStreams), "group", cfg.Group, "consumer", cfg.Consumer)
		return b, nil

	case BackendNATS:
		if cfg.NATSURL == "" {
			return fallback(cfg.Backend, "NATS_URL is not set", logger), nil
		}
		b, err := NewNATSBus(NATSConfig{
			URL:    cfg.NATSURL,
			Stream: cfg.NATSStream,
			Group:  cfg.Group,
			Name:   cfg.Consumer,
		}, logger.With("backend", string(BackendNATS)))
		if err != nil {
			return nil, fmt.Errorf("event bus %s: %w", cfg.Backend, err)
		}
		logger.Info("Event bus ready", "backend", string(BackendNATS), "stream", cfg.NATSStream)
		return b, nil

	default:
		return fallback(cfg.Backend, "unknown backend", logger), nil
	}
}

func newMemory(logger *slog.Logger) *MemoryBus {
	logger.Info("Event bus ready", "backend", string(BackendMemory))
	return NewMemoryBus(logger.With("backend", string(BackendMemory)))
}

func fallback(requested Backend, reason string, logger *slog.Logger) *MemoryBus {
	logger.Warn("Event bus backend unavailable, falling back to in-memory",
		"requested", string(requested),
		"reason", reason,
	)
	return newMemory(logger)
}
