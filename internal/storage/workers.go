package storage

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/xtxerr/memtier/internal/errors"
	"github.com/xtxerr/memtier/internal/storage/buffer"
	"github.com/xtxerr/memtier/internal/storage/health"
	"github.com/xtxerr/memtier/internal/storage/stats"
	"github.com/xtxerr/memtier/internal/storage/tier"
	"github.com/xtxerr/memtier/internal/storage/types"
)

// startWorker runs fn every interval until Stop. With immediate set, fn
// also runs once right away.
func (s *Service) startWorker(name string, interval time.Duration, immediate bool, fn func(context.Context)) {
	if interval <= 0 {
		s.log.Warn("worker disabled", "worker", name)
		return
	}
	ctx := s.ctx

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		if immediate {
			fn(ctx)
		}

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				fn(ctx)
			}
		}
	}()
}

// =============================================================================
// Promotion
// =============================================================================

// SyncResult summarizes one promotion cycle.
type SyncResult struct {
	CycleID    string        `json:"cycle_id"`
	Drained    int           `json:"drained"`
	Promoted   int           `json:"promoted"`
	Superseded int           `json:"superseded"`
	Requeued   int           `json:"requeued"`
	Dropped    int           `json:"dropped"`
	Duration   time.Duration `json:"duration"`
}

// SyncNow drains the sync queue and replays each entry into the primary
// tier with a single attempt. Entries whose key was deleted or rewritten
// since they were queued are skipped. Failed entries are queued again;
// when the queue is full they are dropped and the record stays on the
// tier that accepted it.
func (s *Service) SyncNow(ctx context.Context) SyncResult {
	s.syncMu.Lock()
	defer s.syncMu.Unlock()

	start := time.Now()
	res := SyncResult{CycleID: uuid.NewString()}
	defer s.stats.SyncCycle()

	primary := s.primary()
	if primary == nil {
		return res
	}

	entries := s.queue.Drain()
	drainedAt := s.now()
	res.Drained = len(entries)

	for i, e := range entries {
		if ctx.Err() != nil {
			// Put back what was not attempted.
			for _, rest := range entries[i:] {
				if !s.enqueue(rest) {
					res.Dropped++
					s.stats.Promotion(stats.PromotionDropped, 0)
				} else {
					res.Requeued++
				}
			}
			break
		}
		s.promote(ctx, primary, e, &res)
	}

	s.pruneTombstones(drainedAt)
	res.Duration = time.Since(start)

	if res.Drained > 0 {
		s.log.Info("promotion cycle finished",
			"cycle", res.CycleID,
			"drained", res.Drained,
			"promoted", res.Promoted,
			"superseded", res.Superseded,
			"requeued", res.Requeued,
			"dropped", res.Dropped,
			"duration", res.Duration)
	}
	return res
}

func (s *Service) promote(ctx context.Context, primary tier.Backend, e buffer.Entry, res *SyncResult) {
	key := e.Key()
	mu := s.keyLock(key)
	mu.Lock()
	defer mu.Unlock()

	if s.superseded(ctx, primary, e) {
		res.Superseded++
		s.stats.Promotion(stats.PromotionSuperseded, 0)
		return
	}

	start := time.Now()
	rec := e.Record.WithTier(types.TierPrimary)
	err := primary.Store(ctx, rec)
	d := time.Since(start)
	if err == nil {
		res.Promoted++
		s.stats.Promotion(stats.PromotionOK, d)
		s.retagCache(rec)
		s.log.Debug("promoted", "key", key, "from", e.Record.Tier, "attempts", e.Attempts+1)
		return
	}

	s.stats.Promotion(stats.PromotionFailed, d)
	e.Attempts++
	if s.queue.Push(e) {
		res.Requeued++
		s.log.Warn("promotion failed, requeued", "key", key, "attempts", e.Attempts, "error", err)
		return
	}
	res.Dropped++
	s.stats.Promotion(stats.PromotionDropped, 0)
	s.log.Error("promotion dropped, sync queue full",
		"key", key, "kept_on", e.Record.Tier, "attempts", e.Attempts, "error", err)
}

// superseded reports whether e no longer needs promoting: its key was
// deleted, or a version at least as new is cached or already in primary.
func (s *Service) superseded(ctx context.Context, primary tier.Backend, e buffer.Entry) bool {
	key := e.Key()

	s.cacheMu.RLock()
	_, gone := s.deleted[key]
	cur, cached := s.cache[key]
	s.cacheMu.RUnlock()

	if gone {
		return true
	}
	if cached && cur.rec.Timestamp.After(e.Record.Timestamp) {
		return true
	}

	have, err := primary.Retrieve(ctx, key, e.Record.Context())
	if err != nil {
		return false
	}
	return !have.Timestamp.Before(e.Record.Timestamp)
}

// pruneTombstones forgets deletes that happened before the last drain.
// No entry drained earlier is still in flight.
func (s *Service) pruneTombstones(before time.Time) {
	s.cacheMu.Lock()
	defer s.cacheMu.Unlock()
	for key, at := range s.deleted {
		if at.Before(before) {
			delete(s.deleted, key)
		}
	}
}

// PendingPromotions returns a copy of the queued entries, oldest first.
func (s *Service) PendingPromotions() []buffer.Entry {
	return s.queue.Snapshot()
}

// =============================================================================
// Health and checkpoints
// =============================================================================

// Health probes every tier and returns the report. It never blocks other
// operations and never fails.
func (s *Service) Health(ctx context.Context) health.Report {
	return s.registry.Probe(ctx)
}

func (s *Service) healthCycle(ctx context.Context) {
	s.registry.Probe(ctx)
	if n := s.sweepCache(); n > 0 {
		s.stats.CacheExpired(n)
		s.log.Debug("expired cache entries evicted", "count", n)
	}
}

// Checkpoint persists every tier that supports it.
func (s *Service) Checkpoint(ctx context.Context) error {
	var errs []error
	for _, b := range s.backends {
		cp, ok := b.(tier.Checkpointer)
		if !ok {
			continue
		}
		if err := cp.Checkpoint(ctx); err != nil {
			s.stats.CheckpointFailure()
			s.log.Error("checkpoint failed", "tier", b.Name(), "error", err)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// =============================================================================
// Metrics
// =============================================================================

// Metrics is a point-in-time view of the store.
type Metrics struct {
	Timestamp     time.Time                       `json:"timestamp"`
	Status        health.Status                   `json:"overall_status"`
	CacheSize     int                             `json:"cache_size"`
	SyncQueueSize int                             `json:"sync_queue_size"`
	VolatileSize  int                             `json:"volatile_size"`
	Health        map[string]bool                 `json:"tier_health"`
	Queue         buffer.QueueStats               `json:"queue"`
	Counters      stats.Counters                  `json:"counters"`
	Latency       map[string]stats.LatencySummary `json:"latency"`
}

// Metrics returns current sizes, the last known tier health, counters
// and latency quantiles. It does not probe.
func (s *Service) Metrics() Metrics {
	snap := s.registry.Snapshot()
	tiers := make(map[string]bool, len(snap.Tiers))
	for _, ts := range snap.Tiers {
		tiers[ts.Backend] = ts.Online
	}

	return Metrics{
		Timestamp:     time.Now().UTC(),
		Status:        snap.Overall,
		CacheSize:     s.CacheLen(),
		SyncQueueSize: s.queue.Len(),
		VolatileSize:  s.volatileSize(),
		Health:        tiers,
		Queue:         s.queue.Stats(),
		Counters:      s.stats.Counters(),
		Latency:       s.stats.Latencies(),
	}
}

func (s *Service) volatileSize() int {
	if sz, ok := s.emergency().(tier.Sizer); ok {
		return sz.Len()
	}
	return 0
}

func (s *Service) registerGauges() {
	online := make(map[string]func() float64, len(s.backends))
	for _, b := range s.backends {
		t := b.Tier()
		online[b.Name()] = func() float64 { return boolGauge(s.registry.Online(t)) }
	}
	s.stats.RegisterGauges(stats.Gauges{
		CacheSize:     func() float64 { return float64(s.CacheLen()) },
		QueueSize:     func() float64 { return float64(s.queue.Len()) },
		VolatileSize:  func() float64 { return float64(s.volatileSize()) },
		HealthyStatus: func() float64 { return boolGauge(s.registry.Status() == health.StatusHealthy) },
		TierOnline:    online,
	})
}

func boolGauge(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
