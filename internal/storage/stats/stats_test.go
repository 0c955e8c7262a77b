package stats

import (
	"math"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xtxerr/memtier/internal/errors"
)

func TestLatencySummary(t *testing.T) {
	l := NewLatency()
	assert.Equal(t, LatencySummary{}, l.Summary())

	for i := 1; i <= 100; i++ {
		l.Observe(time.Duration(i) * time.Millisecond)
	}

	s := l.Summary()
	assert.Equal(t, int64(100), s.Count)
	assert.InDelta(t, 50.5, s.AvgMs, 0.001)
	assert.InDelta(t, 1, s.MinMs, 0.001)
	assert.InDelta(t, 100, s.MaxMs, 0.001)
	// DDSketch guarantees 1% relative accuracy.
	assert.InEpsilon(t, 50, s.P50Ms, 0.03)
	assert.InEpsilon(t, 99, s.P99Ms, 0.03)

	l.Reset()
	assert.Zero(t, l.Summary().Count)
}

func TestLatencyIgnoresNegative(t *testing.T) {
	l := NewLatency()
	l.Observe(-time.Second)
	s := l.Summary()
	assert.Equal(t, int64(1), s.Count)
	assert.False(t, math.Signbit(s.MinMs))
}

func TestCollectorCounters(t *testing.T) {
	c := New()

	c.Observe(OpStore, time.Millisecond, nil)
	c.Observe(OpStore, time.Millisecond, &errors.ExhaustedError{Op: "store", Key: "k"})
	c.Observe(OpRetrieve, time.Millisecond, errors.ErrNotFound)
	c.CacheHit()
	c.CacheMiss()
	c.CacheExpired(3)
	c.CacheExpired(0)
	c.Write("secondary", true)
	c.Write("primary", false)
	c.IntegrityFailure("cache")
	c.Promotion(PromotionOK, time.Millisecond)
	c.Promotion(PromotionFailed, time.Millisecond)
	c.Promotion(PromotionDropped, 0)
	c.Promotion(PromotionSuperseded, 0)
	c.QueueRejected()
	c.SyncCycle()
	c.CheckpointFailure()

	got := c.Counters()
	assert.Equal(t, Counters{
		Stores:             2,
		Retrieves:          1,
		CacheHits:          1,
		CacheMisses:        1,
		CacheExpired:       3,
		FallbackWrites:     1,
		Exhausted:          1,
		IntegrityFailures:  1,
		PromotionsOK:       1,
		PromotionsFailed:   1,
		PromotionsDropped:  1,
		PromotionsSkipped:  1,
		QueueRejected:      1,
		SyncCycles:         1,
		CheckpointFailures: 1,
	}, got)

	lat := c.Latencies()
	require.Contains(t, lat, OpStore)
	require.Contains(t, lat, OpPromote)
	assert.Equal(t, int64(2), lat[OpStore].Count)
	assert.Equal(t, int64(2), lat[OpPromote].Count)
}

func TestCollectorPrometheus(t *testing.T) {
	c := New()
	c.Observe(OpStore, time.Millisecond, nil)
	c.Observe(OpRetrieve, time.Millisecond, errors.ErrNotFound)
	c.QueueRejected()

	size := 7.0
	c.RegisterGauges(Gauges{
		CacheSize: func() float64 { return size },
		TierOnline: map[string]func() float64{
			"primary": func() float64 { return 1 },
		},
	})

	expected := `
# HELP memtier_cache_size Records held in the in-process cache
# TYPE memtier_cache_size gauge
memtier_cache_size 7
# HELP memtier_operations_total Store operations by operation and result
# TYPE memtier_operations_total counter
memtier_operations_total{op="retrieve",result="not_found"} 1
memtier_operations_total{op="store",result="ok"} 1
# HELP memtier_sync_queue_rejected_total Promotions rejected because the sync queue was full
# TYPE memtier_sync_queue_rejected_total counter
memtier_sync_queue_rejected_total 1
# HELP memtier_tier_online 1 when the tier answered its last probe
# TYPE memtier_tier_online gauge
memtier_tier_online{tier="primary"} 1
`
	err := testutil.GatherAndCompare(c.Registry(), strings.NewReader(expected),
		"memtier_cache_size", "memtier_operations_total",
		"memtier_sync_queue_rejected_total", "memtier_tier_online")
	assert.NoError(t, err)
}

func TestCollectorsAreIndependent(t *testing.T) {
	a, b := New(), New()
	a.QueueRejected()
	assert.Equal(t, int64(1), a.Counters().QueueRejected)
	assert.Zero(t, b.Counters().QueueRejected)
}
