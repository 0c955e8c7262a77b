// Package health tracks per-tier liveness and the aggregate status of the
// store.
//
// The aggregate status follows one rule:
//
//	healthy   primary online
//	degraded  primary offline, some other tier online
//	offline   nothing online (emergency never goes offline, so this
//	          indicates a process-level failure)
//
// Health is advisory. The store walks its full fallback chain whatever
// the registry reports.
package health

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/xtxerr/memtier/internal/logging"
	"github.com/xtxerr/memtier/internal/storage/tier"
	"github.com/xtxerr/memtier/internal/storage/types"
)

// DefaultProbeTimeout bounds a single backend probe.
const DefaultProbeTimeout = 5 * time.Second

// Status is the aggregate health of the store.
type Status int

const (
	// StatusHealthy - the primary tier is online.
	StatusHealthy Status = iota

	// StatusDegraded - the primary tier is offline, writes land on fallbacks.
	StatusDegraded

	// StatusOffline - no tier answered.
	StatusOffline
)

// String returns the string representation of the status.
func (s Status) String() string {
	switch s {
	case StatusHealthy:
		return "healthy"
	case StatusDegraded:
		return "degraded"
	case StatusOffline:
		return "offline"
	default:
		return "unknown"
	}
}

// MarshalText encodes the status by name.
func (s Status) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// TierStatus is the last probe result for one tier.
type TierStatus struct {
	Tier      types.Tier `json:"tier"`
	Backend   string     `json:"backend"`
	Online    bool       `json:"online"`
	CheckedAt time.Time  `json:"checked_at"`
}

// Report is the result of a health check.
type Report struct {
	Timestamp time.Time    `json:"timestamp"`
	Overall   Status       `json:"overall_status"`
	Tiers     []TierStatus `json:"tiers"`
}

// Online reports whether tier t was online in this report.
func (r Report) Online(t types.Tier) bool {
	for _, ts := range r.Tiers {
		if ts.Tier == t {
			return ts.Online
		}
	}
	return false
}

// Offline returns the names of the offline tiers.
func (r Report) Offline() []string {
	var out []string
	for _, ts := range r.Tiers {
		if !ts.Online {
			out = append(out, ts.Tier.String())
		}
	}
	return out
}

// Evaluate derives the aggregate status from per-tier results.
func Evaluate(tiers []TierStatus) Status {
	primary, other := false, false
	for _, ts := range tiers {
		if !ts.Online {
			continue
		}
		if ts.Tier == types.TierPrimary {
			primary = true
		} else {
			other = true
		}
	}
	switch {
	case primary:
		return StatusHealthy
	case other:
		return StatusDegraded
	default:
		return StatusOffline
	}
}

// Stats holds registry statistics.
type Stats struct {
	Probes      int64 `json:"probes"`
	Transitions int64 `json:"transitions"`
	Degraded    int64 `json:"degraded"`
	Recovered   int64 `json:"recovered"`
}

// Registry owns the ordered tier list and their last known liveness.
type Registry struct {
	mu sync.RWMutex

	// checkMu serializes Probe so results are recorded in call order.
	checkMu sync.Mutex

	backends []tier.Backend
	last     []TierStatus
	status   atomic.Int32
	timeout  time.Duration
	log      *slog.Logger

	stats Stats

	onStatusChange func(old, new Status)
}

// New creates a registry over backends. Until the first Probe every tier
// is assumed online.
func New(backends []tier.Backend, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = logging.Component("health")
	}
	r := &Registry{
		backends: backends,
		last:     make([]TierStatus, len(backends)),
		timeout:  DefaultProbeTimeout,
		log:      logger,
	}
	for i, b := range backends {
		r.last[i] = TierStatus{Tier: b.Tier(), Backend: b.Name(), Online: true}
	}
	r.status.Store(int32(Evaluate(r.last)))
	return r
}

// SetProbeTimeout changes the per-backend probe deadline.
func (r *Registry) SetProbeTimeout(d time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.timeout = d
}

// SetOnStatusChange sets the callback for status transitions. The
// callback runs after the registry lock is released.
func (r *Registry) SetOnStatusChange(fn func(old, new Status)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onStatusChange = fn
}

// Backends returns the registered backends in tier order.
func (r *Registry) Backends() []tier.Backend {
	return r.backends
}

// Probe checks every tier concurrently, records the results and returns
// the report. Transitions are logged: degraded at warn, recovery at info.
// Overlapping calls run one after the other.
func (r *Registry) Probe(ctx context.Context) Report {
	r.checkMu.Lock()
	defer r.checkMu.Unlock()

	r.mu.RLock()
	timeout := r.timeout
	r.mu.RUnlock()

	results := make([]TierStatus, len(r.backends))
	g, gctx := errgroup.WithContext(ctx)
	for i, b := range r.backends {
		g.Go(func() error {
			pctx, cancel := context.WithTimeout(gctx, timeout)
			defer cancel()
			results[i] = TierStatus{
				Tier:      b.Tier(),
				Backend:   b.Name(),
				Online:    b.Probe(pctx),
				CheckedAt: time.Now().UTC(),
			}
			return nil
		})
	}
	_ = g.Wait()

	report := Report{
		Timestamp: time.Now().UTC(),
		Overall:   Evaluate(results),
		Tiers:     results,
	}

	r.mu.Lock()
	r.last = results
	r.stats.Probes++
	old := Status(r.status.Swap(int32(report.Overall)))
	var cb func(old, new Status)
	if old != report.Overall {
		r.stats.Transitions++
		switch report.Overall {
		case StatusDegraded:
			r.stats.Degraded++
		case StatusHealthy:
			r.stats.Recovered++
		}
		cb = r.onStatusChange
	}
	r.mu.Unlock()

	if old != report.Overall {
		r.logTransition(old, report)
		if cb != nil {
			cb(old, report.Overall)
		}
	}

	return report
}

func (r *Registry) logTransition(old Status, report Report) {
	offline := strings.Join(report.Offline(), ",")
	switch report.Overall {
	case StatusDegraded:
		r.log.Warn("memory system degraded", "previous", old, "offline_tiers", offline)
	case StatusOffline:
		r.log.Error("all tiers offline", "previous", old)
	case StatusHealthy:
		r.log.Info("memory system recovered", "previous", old, "offline_tiers", offline)
	}
}

// Snapshot returns the last recorded results without probing.
func (r *Registry) Snapshot() Report {
	r.mu.RLock()
	defer r.mu.RUnlock()

	tiers := make([]TierStatus, len(r.last))
	copy(tiers, r.last)
	return Report{
		Timestamp: time.Now().UTC(),
		Overall:   Status(r.status.Load()),
		Tiers:     tiers,
	}
}

// Status returns the current aggregate status.
func (r *Registry) Status() Status {
	return Status(r.status.Load())
}

// Online reports the last known liveness of tier t.
func (r *Registry) Online(t types.Tier) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, ts := range r.last {
		if ts.Tier == t {
			return ts.Online
		}
	}
	return false
}

// OnlineBackends returns the backends whose last probe succeeded, in tier
// order.
func (r *Registry) OnlineBackends() []tier.Backend {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]tier.Backend, 0, len(r.backends))
	for i, b := range r.backends {
		if r.last[i].Online {
			out = append(out, b)
		}
	}
	return out
}

// Stats returns registry statistics.
func (r *Registry) Stats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.stats
}
