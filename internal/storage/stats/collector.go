// Package stats collects operation counters and latency quantiles for the
// store and exports them as Prometheus metrics.
//
// Every Collector owns its own prometheus.Registry, so several stores can
// live in one process (tests do this) without duplicate registrations.
package stats

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/xtxerr/memtier/internal/errors"
)

// Operation names used as the "op" label and latency key.
const (
	OpStore    = "store"
	OpRetrieve = "retrieve"
	OpQuery    = "query"
	OpDelete   = "delete"
	OpPromote  = "promote"
)

// Promotion results used as the "result" label.
const (
	PromotionOK         = "ok"
	PromotionFailed     = "failed"
	PromotionDropped    = "dropped"
	PromotionSuperseded = "superseded"
)

// Counters is a snapshot of the collector's counters.
type Counters struct {
	Stores             int64 `json:"stores"`
	Retrieves          int64 `json:"retrieves"`
	Queries            int64 `json:"queries"`
	Deletes            int64 `json:"deletes"`
	CacheHits          int64 `json:"cache_hits"`
	CacheMisses        int64 `json:"cache_misses"`
	CacheExpired       int64 `json:"cache_expired"`
	FallbackWrites     int64 `json:"fallback_writes"`
	Exhausted          int64 `json:"exhausted"`
	IntegrityFailures  int64 `json:"integrity_failures"`
	PromotionsOK       int64 `json:"promotions_ok"`
	PromotionsFailed   int64 `json:"promotions_failed"`
	PromotionsDropped  int64 `json:"promotions_dropped"`
	PromotionsSkipped  int64 `json:"promotions_superseded"`
	QueueRejected      int64 `json:"queue_rejected"`
	SyncCycles         int64 `json:"sync_cycles"`
	CheckpointFailures int64 `json:"checkpoint_failures"`
}

// Gauges supplies the live values exported as gauge functions.
type Gauges struct {
	CacheSize     func() float64
	QueueSize     func() float64
	VolatileSize  func() float64
	HealthyStatus func() float64
	TierOnline    map[string]func() float64
}

// Collector records store activity.
type Collector struct {
	registry *prometheus.Registry

	latMu     sync.RWMutex
	latencies map[string]*Latency

	stores             atomic.Int64
	retrieves          atomic.Int64
	queries            atomic.Int64
	deletes            atomic.Int64
	cacheHits          atomic.Int64
	cacheMisses        atomic.Int64
	cacheExpired       atomic.Int64
	fallbackWrites     atomic.Int64
	exhausted          atomic.Int64
	integrityFailures  atomic.Int64
	promoOK            atomic.Int64
	promoFailed        atomic.Int64
	promoDropped       atomic.Int64
	promoSkipped       atomic.Int64
	queueRejected      atomic.Int64
	syncCycles         atomic.Int64
	checkpointFailures atomic.Int64

	opTotal         *prometheus.CounterVec
	opDuration      *prometheus.HistogramVec
	cacheTotal      *prometheus.CounterVec
	writesByTier    *prometheus.CounterVec
	integrityTotal  *prometheus.CounterVec
	promotionsTotal *prometheus.CounterVec
	queueRejects    prometheus.Counter
}

// New creates a collector with a fresh registry.
func New() *Collector {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)

	c := &Collector{
		registry:  reg,
		latencies: make(map[string]*Latency),

		opTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "memtier_operations_total",
			Help: "Store operations by operation and result",
		}, []string{"op", "result"}),

		opDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "memtier_operation_duration_seconds",
			Help:    "Store operation duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.0001, 2, 16), // 0.1ms to ~3s
		}, []string{"op"}),

		cacheTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "memtier_cache_lookups_total",
			Help: "Cache lookups by result",
		}, []string{"result"}),

		writesByTier: f.NewCounterVec(prometheus.CounterOpts{
			Name: "memtier_writes_total",
			Help: "Accepted writes by tier",
		}, []string{"tier"}),

		integrityTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "memtier_integrity_failures_total",
			Help: "Hash mismatches detected on read, by source",
		}, []string{"source"}),

		promotionsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "memtier_promotions_total",
			Help: "Background promotions to the primary tier by result",
		}, []string{"result"}),

		queueRejects: f.NewCounter(prometheus.CounterOpts{
			Name: "memtier_sync_queue_rejected_total",
			Help: "Promotions rejected because the sync queue was full",
		}),
	}

	return c
}

// Registry returns the registry holding every collector metric.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// RegisterGauges exports live values. Nil functions are skipped.
func (c *Collector) RegisterGauges(g Gauges) {
	f := promauto.With(c.registry)
	gauge := func(name, help string, fn func() float64) {
		if fn != nil {
			f.NewGaugeFunc(prometheus.GaugeOpts{Name: name, Help: help}, fn)
		}
	}
	gauge("memtier_cache_size", "Records held in the in-process cache", g.CacheSize)
	gauge("memtier_sync_queue_size", "Promotions waiting for the primary tier", g.QueueSize)
	gauge("memtier_volatile_size", "Records held by the emergency tier", g.VolatileSize)
	gauge("memtier_healthy", "1 when the primary tier is online", g.HealthyStatus)

	for name, fn := range g.TierOnline {
		f.NewGaugeFunc(prometheus.GaugeOpts{
			Name:        "memtier_tier_online",
			Help:        "1 when the tier answered its last probe",
			ConstLabels: prometheus.Labels{"tier": name},
		}, fn)
	}
}

func result(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.IsNotFound(err):
		return "not_found"
	case errors.IsExhausted(err):
		return "exhausted"
	default:
		return "error"
	}
}

// Observe records one foreground operation.
func (c *Collector) Observe(op string, d time.Duration, err error) {
	c.opTotal.WithLabelValues(op, result(err)).Inc()
	c.opDuration.WithLabelValues(op).Observe(d.Seconds())
	c.latency(op).Observe(d)

	switch op {
	case OpStore:
		c.stores.Add(1)
	case OpRetrieve:
		c.retrieves.Add(1)
	case OpQuery:
		c.queries.Add(1)
	case OpDelete:
		c.deletes.Add(1)
	}
	if errors.IsExhausted(err) {
		c.exhausted.Add(1)
	}
}

func (c *Collector) latency(op string) *Latency {
	c.latMu.RLock()
	l, ok := c.latencies[op]
	c.latMu.RUnlock()
	if ok {
		return l
	}

	c.latMu.Lock()
	defer c.latMu.Unlock()
	if l, ok = c.latencies[op]; !ok {
		l = NewLatency()
		c.latencies[op] = l
	}
	return l
}

// CacheHit records a verified cache hit.
func (c *Collector) CacheHit() {
	c.cacheHits.Add(1)
	c.cacheTotal.WithLabelValues("hit").Inc()
}

// CacheMiss records a cache miss.
func (c *Collector) CacheMiss() {
	c.cacheMisses.Add(1)
	c.cacheTotal.WithLabelValues("miss").Inc()
}

// CacheExpired records entries dropped by TTL.
func (c *Collector) CacheExpired(n int) {
	if n <= 0 {
		return
	}
	c.cacheExpired.Add(int64(n))
	c.cacheTotal.WithLabelValues("expired").Add(float64(n))
}

// Write records which tier accepted a write.
func (c *Collector) Write(tier string, fallback bool) {
	c.writesByTier.WithLabelValues(tier).Inc()
	if fallback {
		c.fallbackWrites.Add(1)
	}
}

// IntegrityFailure records a hash mismatch found in source.
func (c *Collector) IntegrityFailure(source string) {
	c.integrityFailures.Add(1)
	c.integrityTotal.WithLabelValues(source).Inc()
}

// Promotion records the outcome of one promotion attempt.
func (c *Collector) Promotion(result string, d time.Duration) {
	c.promotionsTotal.WithLabelValues(result).Inc()
	switch result {
	case PromotionOK:
		c.promoOK.Add(1)
		c.latency(OpPromote).Observe(d)
	case PromotionFailed:
		c.promoFailed.Add(1)
		c.latency(OpPromote).Observe(d)
	case PromotionDropped:
		c.promoDropped.Add(1)
	case PromotionSuperseded:
		c.promoSkipped.Add(1)
	}
}

// QueueRejected records a promotion the full queue refused.
func (c *Collector) QueueRejected() {
	c.queueRejected.Add(1)
	c.queueRejects.Inc()
}

// SyncCycle records one promotion cycle.
func (c *Collector) SyncCycle() { c.syncCycles.Add(1) }

// CheckpointFailure records a failed emergency checkpoint.
func (c *Collector) CheckpointFailure() { c.checkpointFailures.Add(1) }

// Counters returns a snapshot of every counter.
func (c *Collector) Counters() Counters {
	return Counters{
		Stores:             c.stores.Load(),
		Retrieves:          c.retrieves.Load(),
		Queries:            c.queries.Load(),
		Deletes:            c.deletes.Load(),
		CacheHits:          c.cacheHits.Load(),
		CacheMisses:        c.cacheMisses.Load(),
		CacheExpired:       c.cacheExpired.Load(),
		FallbackWrites:     c.fallbackWrites.Load(),
		Exhausted:          c.exhausted.Load(),
		IntegrityFailures:  c.integrityFailures.Load(),
		PromotionsOK:       c.promoOK.Load(),
		PromotionsFailed:   c.promoFailed.Load(),
		PromotionsDropped:  c.promoDropped.Load(),
		PromotionsSkipped:  c.promoSkipped.Load(),
		QueueRejected:      c.queueRejected.Load(),
		SyncCycles:         c.syncCycles.Load(),
		CheckpointFailures: c.checkpointFailures.Load(),
	}
}

// Latencies returns a summary per operation that has been observed.
func (c *Collector) Latencies() map[string]LatencySummary {
	c.latMu.RLock()
	defer c.latMu.RUnlock()

	out := make(map[string]LatencySummary, len(c.latencies))
	for op, l := range c.latencies {
		out[op] = l.Summary()
	}
	return out
}
