package events

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// StreamGroup names one consumer group on one stream.
type StreamGroup struct {
	Stream string
	Group  string
}

// PELSampler periodically publishes the pending entries count of each target
// as a gauge. A failing target is logged and skipped; the others keep being
// sampled.
type PELSampler struct {
	rdb      redis.Cmdable
	targets  []StreamGroup
	interval time.Duration
	metrics  Metrics
	log      *slog.Logger

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	stopped bool
}

func NewPELSampler(rdb redis.Cmdable, targets []StreamGroup, interval time.Duration, metrics Metrics, logger *slog.Logger) *PELSampler {
	if interval <= 0 {
		interval = DefaultSampleInterval
	}
	if metrics == nil {
		metrics = NoopMetrics{}
	}

	return &PELSampler{
		rdb:      rdb,
		targets:  append([]StreamGroup(nil), targets...),
		interval: interval,
		metrics:  metrics,
		log:      logger,
	}
}

// Start begins sampling and returns a stop function. Calling stop more than
// once is harmless.
func (s *PELSampler) Start() (stop func()) {
	ctx, cancel := context.WithCancel(context.Background())

	s.mu.Lock()
	if s.stopped || s.cancel != nil {
		s.mu.Unlock()
		cancel()
		return s.Stop
	}
	s.cancel = cancel
	s.mu.Unlock()

	s.wg.Add(1)
	go s.run(ctx)

	s.log.Info("PEL sampler started", "targets", len(s.targets), "interval", s.interval.String())
	return s.Stop
}

func (s *PELSampler) Stop() {
	s.mu.Lock()
	if s.stopped || s.cancel == nil {
		s.stopped = true
		s.mu.Unlock()
		return
	}
	s.stopped = true
	s.cancel()
	s.mu.Unlock()

	s.wg.Wait()
	s.log.Info("PEL sampler stopped")
}

func (s *PELSampler) Stopped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopped
}

func (s *PELSampler) run(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.SampleOnce(ctx)
		}
	}
}

// SampleOnce samples every target a single time.
func (s *PELSampler) SampleOnce(ctx context.Context) {
	for _, t := range s.targets {
		n, err := pendingCount(ctx, s.rdb, t.Stream, t.Group)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			s.log.Warn("Failed to sample pending entries", "stream", t.Stream, "group", t.Group, "error", err)
			continue
		}
		s.metrics.RecordPendingSize(ctx, t.Stream, t.Group, n)
	}
}
