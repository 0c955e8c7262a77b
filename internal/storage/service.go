package storage

import (
	"context"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/xtxerr/memtier/internal/errors"
	"github.com/xtxerr/memtier/internal/logging"
	"github.com/xtxerr/memtier/internal/storage/agentbank"
	"github.com/xtxerr/memtier/internal/storage/buffer"
	"github.com/xtxerr/memtier/internal/storage/config"
	"github.com/xtxerr/memtier/internal/storage/duckstore"
	"github.com/xtxerr/memtier/internal/storage/filecache"
	"github.com/xtxerr/memtier/internal/storage/health"
	"github.com/xtxerr/memtier/internal/storage/journal"
	"github.com/xtxerr/memtier/internal/storage/policy"
	"github.com/xtxerr/memtier/internal/storage/stats"
	"github.com/xtxerr/memtier/internal/storage/tier"
	"github.com/xtxerr/memtier/internal/storage/types"
	"github.com/xtxerr/memtier/internal/storage/volatile"
)

const lockStripes = 64

// Service is the resilient store. It owns the tiers, the cache, the sync
// queue and the background workers.
type Service struct {
	id     string
	config *config.Config
	log    *slog.Logger
	now    func() time.Time

	backends []tier.Backend
	registry *health.Registry
	queue    *buffer.Queue
	stats    *stats.Collector
	retry    policy.RetryPolicy

	cacheMu sync.RWMutex
	cache   map[string]cacheEntry
	deleted map[string]time.Time

	group  singleflight.Group
	locks  [lockStripes]sync.Mutex
	syncMu sync.Mutex

	// State
	running atomic.Bool
	closed  atomic.Bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	stateMu sync.Mutex

	startTime time.Time
}

type cacheEntry struct {
	rec      types.Record
	storedAt time.Time
}

// Option customizes a Service.
type Option func(*Service)

// WithLogger sets the service logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.log = l }
}

// WithSleep replaces the backoff wait of the retry policy.
func WithSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(s *Service) { s.retry.Sleep = fn }
}

// WithClock replaces the clock used for cache expiry.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// New creates a service over backends. Backends must be strictly ordered
// by tier and end with the emergency tier. A pending journal at the
// configured path is loaded into the sync queue.
func New(cfg *config.Config, backends []tier.Backend, opts ...Option) (*Service, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if err := checkOrder(backends); err != nil {
		return nil, err
	}

	s := &Service{
		id:       uuid.NewString(),
		config:   cfg,
		now:      time.Now,
		backends: backends,
		queue:    buffer.New(cfg.Memory.MaxQueueSize),
		stats:    stats.New(),
		retry:    policy.Exponential(cfg.Memory.MaxRetries, cfg.Memory.BaseDelay()),
		cache:    make(map[string]cacheEntry),
		deleted:  make(map[string]time.Time),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.log == nil {
		s.log = logging.Component("storage")
	}
	s.log = s.log.With("instance", s.id[:8])
	s.retry.OnRetry = func(attempt int, delay time.Duration, err error) {
		s.log.Warn("primary attempt failed, retrying", "attempt", attempt, "delay", delay, "error", err)
	}

	s.registry = health.New(backends, s.log.With("component", "health"))
	s.registerGauges()

	if err := s.loadJournal(); err != nil {
		s.log.Error("sync journal not restored", "path", cfg.JournalPath(), "error", err)
	}
	return s, nil
}

func checkOrder(backends []tier.Backend) error {
	if len(backends) == 0 {
		return errors.NewMissingField("backends")
	}
	for i := 1; i < len(backends); i++ {
		if backends[i].Tier() <= backends[i-1].Tier() {
			return errors.NewValidation("backends", fmt.Sprintf("%s listed after %s", backends[i].Tier(), backends[i-1].Tier()))
		}
	}
	if last := backends[len(backends)-1]; last.Tier() != types.TierEmergency {
		return errors.NewValidation("backends", "chain must end with the emergency tier")
	}
	return nil
}

// Open builds the four tiers from cfg and creates a service over them.
// A primary database that cannot be opened leaves the primary tier
// offline instead of failing.
func Open(cfg *config.Config, opts ...Option) (*Service, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if err := cfg.EnsureDirectories(); err != nil {
		return nil, fmt.Errorf("ensure directories: %w", err)
	}

	log := logging.Component("storage")

	dcfg := duckstore.DefaultConfig()
	dcfg.Enabled = cfg.Primary.Enabled
	dcfg.DSN = cfg.PrimaryDSN()
	dcfg.ContextID = cfg.ContextID
	primary, err := duckstore.New(dcfg)
	if err != nil {
		log.Error("primary tier unavailable", "dsn", dcfg.DSN, "error", err)
		dcfg.Enabled = false
		if primary, err = duckstore.New(dcfg); err != nil {
			return nil, err
		}
	}

	emergency, err := volatile.Open(cfg.CheckpointPath())
	if err != nil {
		log.Error("emergency checkpoint not restored", "path", cfg.CheckpointPath(), "error", err)
		emergency = volatile.New(cfg.CheckpointPath())
	}

	backends := []tier.Backend{
		primary,
		filecache.New(cfg.CacheDir()),
		agentbank.New(cfg.AgentsDir()),
		emergency,
	}

	s, err := New(cfg, backends, opts...)
	if err != nil {
		for _, b := range backends {
			b.Close()
		}
		return nil, err
	}
	return s, nil
}

// Start starts the sync, health and checkpoint workers.
func (s *Service) Start() error {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()

	if s.closed.Load() {
		return errors.ErrClosed
	}
	if s.running.Load() {
		return errors.ErrAlreadyRunning
	}

	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.startTime = time.Now()
	s.running.Store(true)

	m := s.config.Memory
	s.startWorker("sync", m.SyncInterval(), false, func(ctx context.Context) { s.SyncNow(ctx) })
	s.startWorker("health", m.HealthInterval(), true, s.healthCycle)
	s.startWorker("checkpoint", m.CheckpointInterval(), false, func(ctx context.Context) {
		s.Checkpoint(ctx)
	})

	s.log.Info("memory system started",
		"tiers", tier.Names(s.backends),
		"sync_interval", m.SyncInterval(),
		"health_interval", m.HealthInterval(),
		"pending", s.queue.Len())
	return nil
}

// Stop stops the workers, writes the emergency checkpoint and saves the
// pending promotions. Stopping a stopped service is a no-op.
func (s *Service) Stop() error {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()

	if !s.running.Load() {
		return nil
	}
	s.running.Store(false)
	s.cancel()

	// Wait for background workers
	s.wg.Wait()

	err := s.persist()
	s.log.Info("memory system stopped", "uptime", time.Since(s.startTime).Round(time.Second))
	return err
}

// Close stops the service and closes every tier. Later operations fail
// with errors.ErrClosed.
func (s *Service) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}

	var errs []error
	if s.IsRunning() {
		errs = append(errs, s.Stop())
	} else {
		errs = append(errs, s.persist())
	}

	for i := len(s.backends) - 1; i >= 0; i-- {
		b := s.backends[i]
		if err := b.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", b.Name(), err))
		}
	}
	return errors.Join(errs...)
}

// persist checkpoints the emergency tier and saves the sync queue.
func (s *Service) persist() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var errs []error
	if err := s.Checkpoint(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := s.saveJournal(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (s *Service) loadJournal() error {
	entries, skipped, err := journal.Load(s.config.JournalPath())
	restored := 0
	for _, e := range entries {
		if s.queue.Push(e) {
			restored++
		} else {
			s.stats.QueueRejected()
		}
	}
	if restored > 0 || skipped > 0 {
		s.log.Info("sync journal restored", "entries", restored, "corrupt", skipped,
			"dropped", len(entries)-restored)
	}
	return err
}

func (s *Service) saveJournal() error {
	pending := s.queue.Snapshot()
	if err := journal.Save(s.config.JournalPath(), pending); err != nil {
		return fmt.Errorf("save sync journal: %w", err)
	}
	if len(pending) > 0 {
		s.log.Info("sync journal saved", "entries", len(pending))
	}
	return nil
}

// checkOpen returns errors.ErrClosed once Close was called.
func (s *Service) checkOpen() error {
	if s.closed.Load() {
		return errors.ErrClosed
	}
	return nil
}

// opContext applies the configured per-operation deadline.
func (s *Service) opContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if d := s.config.Memory.OperationTimeout(); d > 0 {
		return context.WithTimeout(ctx, d)
	}
	return context.WithCancel(ctx)
}

// keyLock serializes writers, promotions and deletes of one key.
func (s *Service) keyLock(key string) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(key))
	return &s.locks[h.Sum32()%lockStripes]
}

func (s *Service) chain(op string) policy.FallbackChain {
	return policy.FallbackChain{
		Backends: s.backends,
		Retry:    s.retry,
		OnFailure: func(b tier.Backend, err error) {
			if errors.IsNotFound(err) {
				s.log.Debug("tier miss", "op", op, "tier", b.Name())
				return
			}
			s.log.Warn("tier failed, falling back", "op", op, "tier", b.Name(), "error", err)
		},
	}
}

// primary returns the primary backend, or nil when the chain has none.
func (s *Service) primary() tier.Backend {
	if b := s.backends[0]; b.Tier() == types.TierPrimary {
		return b
	}
	return nil
}

// emergency returns the last backend of the chain.
func (s *Service) emergency() tier.Backend {
	return s.backends[len(s.backends)-1]
}

// ID returns the instance id.
func (s *Service) ID() string { return s.id }

// Config returns the current configuration.
func (s *Service) Config() *config.Config { return s.config }

// Backends returns the tiers in chain order.
func (s *Service) Backends() []tier.Backend { return s.backends }

// Registry returns the health registry.
func (s *Service) Registry() *health.Registry { return s.registry }

// Collector returns the statistics collector.
func (s *Service) Collector() *stats.Collector { return s.stats }

// IsRunning returns whether the workers are running.
func (s *Service) IsRunning() bool { return s.running.Load() }
