package storage

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/xtxerr/memtier/internal/storage/stats"
	"github.com/xtxerr/memtier/internal/storage/types"
)

// Query matches text against every tier that answered its last probe.
// Each tier returns at most limit records. Records failing verification
// are dropped, duplicates by content hash keep the first occurrence in
// tier order, and the result is sorted newest first and cut to limit.
// Empty text matches every record. A limit of zero or less uses the
// configured default.
func (s *Service) Query(ctx context.Context, text string, limit int) ([]types.Record, error) {
	start := time.Now()
	recs, err := s.query(ctx, text, limit)
	s.stats.Observe(stats.OpQuery, time.Since(start), err)
	return recs, err
}

func (s *Service) query(ctx context.Context, text string, limit int) ([]types.Record, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = s.config.Memory.QueryDefaultLimit
	}

	backends := s.registry.OnlineBackends()
	results := make([][]types.Record, len(backends))

	g, gctx := errgroup.WithContext(ctx)
	for i, b := range backends {
		g.Go(func() error {
			recs, err := b.Scan(gctx, text, limit)
			if err != nil {
				s.log.Warn("tier scan failed", "tier", b.Name(), "error", err)
			}
			results[i] = recs
			return nil
		})
	}
	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	seen := make(map[string]struct{})
	var merged []types.Record
	for i, recs := range results {
		for _, rec := range recs {
			if s.config.Memory.IntegrityCheckEnabled {
				if err := rec.Verify(); err != nil {
					s.stats.IntegrityFailure(backends[i].Name())
					s.log.Warn("query dropped corrupt record", "key", rec.ID, "tier", backends[i].Name())
					continue
				}
			}
			if _, dup := seen[rec.Hash]; dup {
				continue
			}
			seen[rec.Hash] = struct{}{}
			merged = append(merged, rec)
		}
	}

	types.SortNewestFirst(merged)
	if len(merged) > limit {
		merged = merged[:limit]
	}
	return merged, nil
}
