// Package duckstore implements the primary tier ("memory plugin") on
// DuckDB.
//
// Records live in a single table partitioned by context id. The routing
// context label on a record is mapped to a context id through the
// configured contexts; unknown labels use the global id.
package duckstore

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sync"
	"time"

	_ "github.com/marcboeker/go-duckdb"

	merrors "github.com/xtxerr/memtier/internal/errors"
	"github.com/xtxerr/memtier/internal/logging"
	"github.com/xtxerr/memtier/internal/storage/types"
)

// Name is the backend name reported in health output.
var Name = types.TierPrimary.Backend()

// =============================================================================
// Store Configuration
// =============================================================================

// Config holds store configuration options.
type Config struct {
	// Enabled turns the tier on. A disabled store reports itself offline
	// and fails every operation with errors.ErrTierOffline.
	Enabled bool

	// DSN is the database path. Empty opens an in-memory database.
	DSN string

	// ContextID maps a routing label to a context id. Nil stores every
	// record under the label itself.
	ContextID func(label string) string

	// MaxOpenConns is the maximum number of open connections.
	MaxOpenConns int

	// ConnMaxLifetime is the maximum lifetime of a connection.
	ConnMaxLifetime time.Duration

	// ProbeTimeout bounds the liveness query.
	ProbeTimeout time.Duration
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Enabled:         true,
		MaxOpenConns:    8,
		ConnMaxLifetime: 5 * time.Minute,
		ProbeTimeout:    5 * time.Second,
	}
}

// =============================================================================
// Store
// =============================================================================

// Store is the primary tier.
//
// Store is safe for concurrent use.
type Store struct {
	db     *sql.DB
	config Config
	logger *slog.Logger

	mu     sync.RWMutex
	closed bool
}

// New opens the database and applies the schema. A disabled config
// returns a store without a database.
func New(cfg Config) (*Store, error) {
	s := &Store{config: cfg, logger: logging.Component("duckstore")}
	if !cfg.Enabled {
		s.logger.Info("primary tier disabled")
		return s, nil
	}

	db, err := sql.Open("duckdb", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	// Verify connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	if err := migrate(ctx, db, s.logger); err != nil {
		db.Close()
		return nil, err
	}

	s.db = db
	return s, nil
}

// Close closes the store.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true

	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Enabled reports whether the store has a database.
func (s *Store) Enabled() bool { return s.db != nil }

// conn returns the database or an offline error.
func (s *Store) conn() (*sql.DB, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.db == nil {
		return nil, merrors.ErrTierOffline
	}
	if s.closed {
		return nil, merrors.ErrClosed
	}
	return s.db, nil
}

// =============================================================================
// Health Check
// =============================================================================

// Probe pings the database and runs a trivial query.
func (s *Store) Probe(ctx context.Context) bool {
	db, err := s.conn()
	if err != nil {
		return false
	}
	if s.config.ProbeTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.config.ProbeTimeout)
		defer cancel()
	}
	if err := db.PingContext(ctx); err != nil {
		return false
	}
	var one int
	if err := db.QueryRowContext(ctx, `SELECT 1`).Scan(&one); err != nil {
		s.logger.Debug("probe query failed", "error", err)
		return false
	}
	return one == 1
}
