package events

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

type ReclaimerConfig struct {
	Interval time.Duration // How often to scan (default: 30s)
	MinIdle  time.Duration // Entries idle at least this long are reclaimed (default: 60s)
	Batch    int64         // Max entries per event name per scan (default: 100)
}

// Reclaimer runs ReclaimAndProcess on a schedule for every event name the bus
// consumes.
type Reclaimer struct {
	bus *StreamBus
	cfg ReclaimerConfig
	log *slog.Logger

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	stopped bool
}

func NewReclaimer(bus *StreamBus, cfg ReclaimerConfig, logger *slog.Logger) *Reclaimer {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultReclaimInterval
	}
	if cfg.MinIdle <= 0 {
		cfg.MinIdle = DefaultReclaimMinIdle
	}
	if cfg.Batch <= 0 {
		cfg.Batch = DefaultReclaimBatch
	}

	return &Reclaimer{
		bus: bus,
		cfg: cfg,
		log: logger,
	}
}

func (r *Reclaimer) Start() (stop func()) {
	ctx, cancel := context.WithCancel(context.Background())

	r.mu.Lock()
	if r.stopped || r.cancel != nil {
		r.mu.Unlock()
		cancel()
		return r.Stop
	}
	r.cancel = cancel
	r.mu.Unlock()

	r.wg.Add(1)
	go r.run(ctx)

	r.log.Info("Reclaimer started",
		"interval", r.cfg.Interval.String(),
		"min_idle", r.cfg.MinIdle.String(),
		"batch", r.cfg.Batch,
	)
	return r.Stop
}

func (r *Reclaimer) Stop() {
	r.mu.Lock()
	if r.stopped || r.cancel == nil {
		r.stopped = true
		r.mu.Unlock()
		return
	}
	r.stopped = true
	r.cancel()
	r.mu.Unlock()

	r.wg.Wait()
	r.log.Info("Reclaimer stopped")
}

func (r *Reclaimer) run(ctx context.Context) {
	defer r.wg.Done()

	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.RunOnce(ctx)
		}
	}
}

// RunOnce reclaims every consumed event name a single time.
func (r *Reclaimer) RunOnce(ctx context.Context) {
	for _, name := range r.bus.EventNames() {
		if ctx.Err() != nil {
			return
		}

		res, err := r.bus.ReclaimAndProcess(ctx, name, r.cfg.MinIdle, r.cfg.Batch)
		if err != nil {
			r.log.Error("Reclaim failed", "event", name, "error", err)
			continue
		}
		if res.Claimed > 0 || res.Failed > 0 {
			r.log.Info("Reclaim pass finished",
				"event", name,
				"pending", res.Pending,
				"claimed", res.Claimed,
				"reclaimed", res.Reclaimed,
				"dead_lettered", res.DeadLettered,
				"deferred", res.Deferred,
				"failed", res.Failed,
			)
		}
	}
}
