// Package volatile implements the emergency tier: an in-process map that
// is always online. Contents can be checkpointed to a Parquet file and
// restored from it on the next start.
package volatile

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sort"
	"sync"

	merrors "github.com/xtxerr/memtier/internal/errors"
	"github.com/xtxerr/memtier/internal/logging"
	"github.com/xtxerr/memtier/internal/storage/parquet"
	"github.com/xtxerr/memtier/internal/storage/types"
)

// Name is the backend name reported in health output.
var Name = types.TierEmergency.Backend()

// Store is the emergency tier.
type Store struct {
	mu      sync.RWMutex
	records map[string]types.Record

	checkpointPath string
	logger         *slog.Logger
}

// New returns an empty store. An empty checkpointPath disables
// checkpointing.
func New(checkpointPath string) *Store {
	return &Store{
		records:        make(map[string]types.Record),
		checkpointPath: checkpointPath,
		logger:         logging.Component("volatile"),
	}
}

// Open returns a store restored from checkpointPath. A missing checkpoint
// yields an empty store. Rows that fail integrity verification are
// skipped and logged.
func Open(checkpointPath string) (*Store, error) {
	s := New(checkpointPath)
	if checkpointPath == "" {
		return s, nil
	}

	recs, err := parquet.ReadFile(checkpointPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return s, nil
		}
		return nil, merrors.Wrapf(err, "restore %s", checkpointPath)
	}

	skipped := 0
	for _, rec := range recs {
		if err := rec.Verify(); err != nil {
			skipped++
			s.logger.Warn("dropping corrupt checkpoint row", "key", rec.ID, "error", err)
			continue
		}
		s.records[rec.ID] = rec.WithTier(types.TierEmergency)
	}
	s.logger.Info("restored checkpoint", "path", checkpointPath, "records", len(s.records), "skipped", skipped)
	return s, nil
}

func (s *Store) Tier() types.Tier { return types.TierEmergency }
func (s *Store) Name() string     { return Name }

func (s *Store) Store(ctx context.Context, rec types.Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	s.records[rec.ID] = rec
	s.mu.Unlock()
	return nil
}

func (s *Store) Retrieve(ctx context.Context, key, _ string) (types.Record, error) {
	if err := ctx.Err(); err != nil {
		return types.Record{}, err
	}
	s.mu.RLock()
	rec, ok := s.records[key]
	s.mu.RUnlock()
	if !ok {
		return types.Record{}, merrors.NewNotFound(Name, key)
	}
	return rec, nil
}

// Scan walks records in key order.
func (s *Store) Scan(ctx context.Context, text string, limit int) ([]types.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	snapshot := s.snapshot()

	var out []types.Record
	for _, rec := range snapshot {
		if limit > 0 && len(out) >= limit {
			break
		}
		if rec.Matches(text) {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (s *Store) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	delete(s.records, key)
	s.mu.Unlock()
	return nil
}

// Probe always succeeds.
func (s *Store) Probe(context.Context) bool { return true }

// Len returns the number of records held.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

// Checkpoint atomically writes every record to the checkpoint file.
func (s *Store) Checkpoint(ctx context.Context) error {
	if s.checkpointPath == "" {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	recs := s.snapshot()
	if err := parquet.WriteFile(s.checkpointPath, recs, parquet.DefaultOptions()); err != nil {
		return merrors.NewTierError(Name, "checkpoint", "", err)
	}
	s.logger.Debug("checkpoint written", "path", s.checkpointPath, "records", len(recs))
	return nil
}

// Close is a no-op. Callers checkpoint before closing.
func (s *Store) Close() error { return nil }

func (s *Store) snapshot() []types.Record {
	s.mu.RLock()
	out := make([]types.Record, 0, len(s.records))
	for _, rec := range s.records {
		out = append(out, rec)
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
