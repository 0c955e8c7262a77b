package storage

import (
	"context"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/xtxerr/memtier/config"
	"github.com/xtxerr/memtier/internal/errors"
	"github.com/xtxerr/memtier/internal/storage/buffer"
	"github.com/xtxerr/memtier/internal/storage/stats"
	"github.com/xtxerr/memtier/internal/storage/tier"
	"github.com/xtxerr/memtier/internal/storage/types"
)

// Store writes value under key. The write goes to the primary tier under
// the retry policy, then falls back through the remaining tiers in order.
// The returned record is tagged with the tier that accepted it. Writes
// accepted by a fallback tier are queued for promotion.
//
// When every tier fails, Store returns an error matching
// errors.ErrTiersExhausted and nothing is cached or queued.
//
// Writes of the same key are serialized; the last one to complete is the
// one the cache holds.
func (s *Service) Store(ctx context.Context, key string, value any, contextLabel string) (types.Record, error) {
	start := time.Now()
	rec, err := s.store(ctx, key, value, contextLabel)
	s.stats.Observe(stats.OpStore, time.Since(start), err)
	return rec, err
}

func (s *Service) store(ctx context.Context, key string, value any, contextLabel string) (types.Record, error) {
	if err := s.checkOpen(); err != nil {
		return types.Record{}, err
	}
	if contextLabel == "" {
		contextLabel = config.DefaultContext
	}
	rec, err := types.NewRecord(key, value, types.TierPrimary, map[string]string{types.MetaContext: contextLabel})
	if err != nil {
		return types.Record{}, err
	}

	ctx, cancel := s.opContext(ctx)
	defer cancel()

	mu := s.keyLock(key)
	mu.Lock()
	defer mu.Unlock()

	var stored types.Record
	accepted, err := s.chain("store").Run(ctx, "store", key, func(ctx context.Context, b tier.Backend) error {
		stored = rec.WithTier(b.Tier())
		return b.Store(ctx, stored)
	})
	if err != nil {
		if errors.IsExhausted(err) {
			s.log.Error("all tiers failed to store", "key", key, "error", err)
		}
		return types.Record{}, err
	}

	s.putCache(stored)
	fallback := accepted.Tier() != types.TierPrimary
	s.stats.Write(accepted.Name(), fallback)

	if fallback && s.primary() != nil {
		s.log.Warn("stored on fallback tier", "key", key, "tier", accepted.Name())
		s.enqueue(buffer.Entry{Op: buffer.OpStore, Record: stored})
	} else {
		s.log.Debug("stored", "key", key, "tier", accepted.Name())
	}
	return stored, nil
}

func (s *Service) enqueue(e buffer.Entry) bool {
	if s.queue.Push(e) {
		return true
	}
	s.stats.QueueRejected()
	s.log.Error("sync queue full, promotion not queued",
		"key", e.Key(), "tier", e.Record.Tier, "capacity", s.queue.Cap())
	return false
}

// Retrieve reads key. It returns found == false with a nil error when no
// tier holds the key. Cache hits are verified before they are trusted; a
// corrupt cache entry is discarded and the tiers are read instead.
// Concurrent reads of the same key share one tier walk. The walk does not
// end when one caller gives up; each caller stops waiting when its own ctx
// is done.
func (s *Service) Retrieve(ctx context.Context, key, contextLabel string) (rec types.Record, found bool, err error) {
	start := time.Now()
	defer func() {
		s.stats.Observe(stats.OpRetrieve, time.Since(start), err)
	}()

	if err := s.checkOpen(); err != nil {
		return types.Record{}, false, err
	}
	if key == "" {
		return types.Record{}, false, errors.Wrap(errors.ErrInvalidKey, "empty key")
	}
	if contextLabel == "" {
		contextLabel = config.DefaultContext
	}

	if rec, ok := s.cached(key); ok {
		s.stats.CacheHit()
		return rec, true, nil
	}
	s.stats.CacheMiss()

	if err := ctx.Err(); err != nil {
		return types.Record{}, false, errors.Wrapf(err, "retrieve %q", key)
	}

	walk := context.WithoutCancel(ctx)
	ch := s.group.DoChan(key+"\x00"+contextLabel, func() (any, error) {
		return s.fetch(walk, key, contextLabel)
	})

	var res singleflight.Result
	select {
	case <-ctx.Done():
		return types.Record{}, false, errors.Wrapf(ctx.Err(), "retrieve %q", key)
	case res = <-ch:
	}
	if errors.IsNotFound(res.Err) {
		return types.Record{}, false, nil
	}
	if res.Err != nil {
		return types.Record{}, false, res.Err
	}
	return res.Val.(types.Record), true, nil
}

// fetch walks the chain for key and fills the cache with the first
// verified record.
func (s *Service) fetch(ctx context.Context, key, contextLabel string) (types.Record, error) {
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	var found types.Record
	_, err := s.chain("retrieve").Run(ctx, "retrieve", key, func(ctx context.Context, b tier.Backend) error {
		rec, err := b.Retrieve(ctx, key, contextLabel)
		if err != nil {
			return err
		}
		if s.config.Memory.IntegrityCheckEnabled {
			if err := rec.Verify(); err != nil {
				s.stats.IntegrityFailure(b.Name())
				s.log.Error("integrity check failed", "key", key, "tier", b.Name(), "error", err)
				return err
			}
		}
		found = rec
		return nil
	})
	if err != nil {
		if errors.IsExhausted(err) {
			s.log.Error("all tiers failed to retrieve", "key", key, "error", err)
		}
		return types.Record{}, err
	}

	s.fillCache(found)
	return found, nil
}

// Delete removes key from the cache, the sync queue and every tier.
// Tier failures are joined into the returned error; the remaining tiers
// are still visited.
func (s *Service) Delete(ctx context.Context, key string) error {
	start := time.Now()
	err := s.delete(ctx, key)
	s.stats.Observe(stats.OpDelete, time.Since(start), err)
	return err
}

func (s *Service) delete(ctx context.Context, key string) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	if key == "" {
		return errors.Wrap(errors.ErrInvalidKey, "empty key")
	}

	ctx, cancel := s.opContext(ctx)
	defer cancel()

	mu := s.keyLock(key)
	mu.Lock()
	defer mu.Unlock()

	// Purge the queue before the tombstone is written so that any entry
	// drained earlier is already in flight and will see it.
	purged := s.queue.Remove(key)

	s.cacheMu.Lock()
	delete(s.cache, key)
	s.deleted[key] = s.now()
	s.cacheMu.Unlock()

	var errs []error
	for _, b := range s.backends {
		if err := b.Delete(ctx, key); err != nil {
			s.log.Warn("tier delete failed", "key", key, "tier", b.Name(), "error", err)
			errs = append(errs, err)
		}
	}
	s.log.Debug("deleted", "key", key, "purged_promotions", purged)
	return errors.Join(errs...)
}

// =============================================================================
// Cache
// =============================================================================

// cached returns the verified, unexpired cache entry for key. Expired and
// corrupt entries are evicted.
func (s *Service) cached(key string) (types.Record, bool) {
	s.cacheMu.RLock()
	e, ok := s.cache[key]
	s.cacheMu.RUnlock()
	if !ok {
		return types.Record{}, false
	}

	if s.expired(e) {
		if s.evict(key, e) {
			s.stats.CacheExpired(1)
		}
		return types.Record{}, false
	}

	if s.config.Memory.IntegrityCheckEnabled {
		if err := e.rec.Verify(); err != nil {
			s.stats.IntegrityFailure("cache")
			s.log.Warn("discarding corrupt cache entry", "key", key, "error", err)
			s.evict(key, e)
			return types.Record{}, false
		}
	}
	return e.rec, true
}

func (s *Service) expired(e cacheEntry) bool {
	ttl := s.config.Memory.CacheTTL()
	return ttl > 0 && s.now().Sub(e.storedAt) > ttl
}

// evict removes key if it still holds e.
func (s *Service) evict(key string, e cacheEntry) bool {
	s.cacheMu.Lock()
	defer s.cacheMu.Unlock()
	cur, ok := s.cache[key]
	if !ok || cur.storedAt != e.storedAt || cur.rec.Hash != e.rec.Hash {
		return false
	}
	delete(s.cache, key)
	return true
}

// putCache installs a freshly written record and clears its tombstone.
func (s *Service) putCache(rec types.Record) {
	s.cacheMu.Lock()
	s.cache[rec.ID] = cacheEntry{rec: rec, storedAt: s.now()}
	delete(s.deleted, rec.ID)
	s.cacheMu.Unlock()
}

// fillCache installs a record read from a tier unless the cache already
// holds a newer version or the key was deleted.
func (s *Service) fillCache(rec types.Record) {
	s.cacheMu.Lock()
	defer s.cacheMu.Unlock()
	if _, gone := s.deleted[rec.ID]; gone {
		return
	}
	if cur, ok := s.cache[rec.ID]; ok && cur.rec.Timestamp.After(rec.Timestamp) {
		return
	}
	s.cache[rec.ID] = cacheEntry{rec: rec, storedAt: s.now()}
}

// retagCache marks the cached copy of rec as held by the primary tier
// after a promotion.
func (s *Service) retagCache(rec types.Record) {
	s.cacheMu.Lock()
	defer s.cacheMu.Unlock()
	if cur, ok := s.cache[rec.ID]; ok && cur.rec.Hash == rec.Hash && cur.rec.Timestamp.Equal(rec.Timestamp) {
		cur.rec = rec
		s.cache[rec.ID] = cur
	}
}

// sweepCache evicts every expired entry and returns how many went.
func (s *Service) sweepCache() int {
	if s.config.Memory.CacheTTL() <= 0 {
		return 0
	}
	s.cacheMu.Lock()
	defer s.cacheMu.Unlock()
	n := 0
	for key, e := range s.cache {
		if s.expired(e) {
			delete(s.cache, key)
			n++
		}
	}
	return n
}

// CacheLen returns the number of cached records.
func (s *Service) CacheLen() int {
	s.cacheMu.RLock()
	defer s.cacheMu.RUnlock()
	return len(s.cache)
}
