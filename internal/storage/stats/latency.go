package stats

import (
	"math"
	"sync"
	"time"

	"github.com/DataDog/sketches-go/ddsketch"
)

// Latency is a streaming latency summary. Quantiles come from a DDSketch
// with 1% relative accuracy.
type Latency struct {
	mu sync.Mutex

	count int64
	sum   float64
	min   float64
	max   float64

	// nil if the sketch could not be created
	sketch *ddsketch.DDSketch
}

// LatencySummary is a point-in-time view of a Latency, in milliseconds.
type LatencySummary struct {
	Count int64   `json:"count"`
	AvgMs float64 `json:"avg_ms"`
	MinMs float64 `json:"min_ms"`
	MaxMs float64 `json:"max_ms"`
	P50Ms float64 `json:"p50_ms"`
	P90Ms float64 `json:"p90_ms"`
	P99Ms float64 `json:"p99_ms"`
}

// NewLatency creates an empty summary.
func NewLatency() *Latency {
	l := &Latency{}
	l.reset()
	return l
}

func (l *Latency) reset() {
	l.count = 0
	l.sum = 0
	l.min = math.MaxFloat64
	l.max = -math.MaxFloat64
	// DDSketch doesn't have a Clear method
	if sketch, err := ddsketch.NewDefaultDDSketch(0.01); err == nil {
		l.sketch = sketch
	}
}

// Observe adds one duration.
func (l *Latency) Observe(d time.Duration) {
	ms := float64(d) / float64(time.Millisecond)
	if ms < 0 {
		ms = 0
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	l.count++
	l.sum += ms
	if ms < l.min {
		l.min = ms
	}
	if ms > l.max {
		l.max = ms
	}
	if l.sketch != nil {
		_ = l.sketch.Add(ms)
	}
}

// Summary returns the current statistics.
func (l *Latency) Summary() LatencySummary {
	l.mu.Lock()
	defer l.mu.Unlock()

	s := LatencySummary{Count: l.count}
	if l.count == 0 {
		return s
	}
	s.AvgMs = l.sum / float64(l.count)
	s.MinMs = l.min
	s.MaxMs = l.max

	if l.sketch != nil {
		s.P50Ms, _ = l.sketch.GetValueAtQuantile(0.50)
		s.P90Ms, _ = l.sketch.GetValueAtQuantile(0.90)
		s.P99Ms, _ = l.sketch.GetValueAtQuantile(0.99)
	}
	return s
}

// Reset clears every observation.
func (l *Latency) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.reset()
}
