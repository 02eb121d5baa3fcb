package events

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"eventbus/internal/cache"

	"github.com/google/uuid"
)

type Backend string

const (
	BackendMemory       Backend = "in-memory"
	BackendRedisList    Backend = "redis-list"
	BackendRedis        Backend = "redis" // alias for redis-list
	BackendRedisStreams Backend = "redis-streams"
	BackendNATS         Backend = "nats"
)

const (
	DefaultGroup           = "app"
	DefaultBlockTimeout    = 5 * time.Second
	DefaultReadCount       = 10
	DefaultRetryBackoff    = time.Second
	DefaultNATSStream      = "EVENTS"
	DefaultSampleInterval  = 60 * time.Second
	DefaultReclaimInterval = 30 * time.Second
	DefaultReclaimMinIdle  = 60 * time.Second
	DefaultReclaimBatch    = 100
)

type Config struct {
	Backend Backend
	Redis   cache.Config

	// Group is the consumer group (streams) or durable queue group (NATS).
	Group    string
	Consumer string

	BlockTimeout time.Duration
	ReadCount    int64
	RetryBackoff time.Duration

	NATSURL    string
	NATSStream string

	SampleInterval  time.Duration
	ReclaimInterval time.Duration
	ReclaimMinIdle  time.Duration
	ReclaimBatch    int64
}

// LoadConfig reads the environment. Zero or negative durations and counts
// mean the default, the same as for a hand-built Config.
func LoadConfig() Config {
	return Config{
		Backend: Backend(getenv("EVENT_BUS_BACKEND", string(BackendMemory))),
		Redis: cache.Config{
			URL:          os.Getenv("REDIS_URL"),
			Addr:         os.Getenv("REDIS_ADDR"),
			Password:     os.Getenv("REDIS_PASSWORD"),
			DB:           getenvInt("REDIS_DB", 0),
			PoolSize:     getenvInt("REDIS_POOL_SIZE", 0),
			MinIdleConns: getenvInt("REDIS_MIN_IDLE_CONNS", 0),
		},
		Group:           getenv("EVENT_BUS_GROUP", DefaultGroup),
		Consumer:        getenv("EVENT_BUS_CONSUMER", DefaultConsumerName()),
		BlockTimeout:    getenvDuration("EVENT_BUS_BLOCK_TIMEOUT", DefaultBlockTimeout),
		ReadCount:       int64(getenvInt("EVENT_BUS_READ_COUNT", DefaultReadCount)),
		RetryBackoff:    getenvDuration("EVENT_BUS_RETRY_BACKOFF", DefaultRetryBackoff),
		NATSURL:         os.Getenv("NATS_URL"),
		NATSStream:      getenv("EVENT_BUS_NATS_STREAM", DefaultNATSStream),
		SampleInterval:  getenvDuration("PEL_SAMPLE_INTERVAL", DefaultSampleInterval),
		ReclaimInterval: getenvDuration("RECLAIM_INTERVAL", DefaultReclaimInterval),
		ReclaimMinIdle:  getenvDuration("RECLAIM_MIN_IDLE", DefaultReclaimMinIdle),
		ReclaimBatch:    int64(getenvInt("RECLAIM_BATCH", DefaultReclaimBatch)),
	}.withDefaults()
}

// withDefaults fills zero values so a hand-built Config behaves like LoadConfig.
func (c Config) withDefaults() Config {
	if c.Group == "" {
		c.Group = DefaultGroup
	}
	if c.Consumer == "" {
		c.Consumer = DefaultConsumerName()
	}
	if c.BlockTimeout <= 0 {
		c.BlockTimeout = DefaultBlockTimeout
	}
	if c.ReadCount <= 0 {
		c.ReadCount = DefaultReadCount
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = DefaultRetryBackoff
	}
	if c.NATSStream == "" {
		c.NATSStream = DefaultNATSStream
	}
	if c.SampleInterval <= 0 {
		c.SampleInterval = DefaultSampleInterval
	}
	if c.ReclaimInterval <= 0 {
		c.ReclaimInterval = DefaultReclaimInterval
	}
	if c.ReclaimMinIdle <= 0 {
		c.ReclaimMinIdle = DefaultReclaimMinIdle
	}
	if c.ReclaimBatch <= 0 {
		c.ReclaimBatch = DefaultReclaimBatch
	}
	return c
}

// DefaultConsumerName builds a consumer identity unique to this process.
func DefaultConsumerName() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "consumer"
	}
	return fmt.Sprintf("%s-%d-%s", host, os.Getpid(), uuid.NewString()[:8])
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getenvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func getenvDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}
