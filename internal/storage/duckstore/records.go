package duckstore

import (
	"context"
	"database/sql"
	"errors"

	"github.com/xtxerr/memtier/config"
	merrors "github.com/xtxerr/memtier/internal/errors"
	"github.com/xtxerr/memtier/internal/storage/types"
)

func (s *Store) Tier() types.Tier { return types.TierPrimary }
func (s *Store) Name() string     { return Name }

// contextID resolves the partition for a routing label.
func (s *Store) contextID(label string) string {
	if s.config.ContextID != nil {
		return s.config.ContextID(label)
	}
	return label
}

// Store upserts rec into the partition of its context.
func (s *Store) Store(ctx context.Context, rec types.Record) error {
	db, err := s.conn()
	if err != nil {
		return merrors.NewTierError(Name, "store", rec.ID, err)
	}
	env, err := types.MarshalEnvelope(rec)
	if err != nil {
		return merrors.NewTierError(Name, "store", rec.ID, err)
	}

	_, err = db.ExecContext(ctx,
		`INSERT OR REPLACE INTO records (context_id, id, envelope, hash, ts) VALUES (?, ?, ?, ?, ?)`,
		s.contextID(rec.Context()), rec.ID, string(env), rec.Hash, rec.Timestamp)
	if err != nil {
		return merrors.NewTierError(Name, "store", rec.ID, err)
	}
	return nil
}

// Retrieve reads key from the partition of contextLabel.
func (s *Store) Retrieve(ctx context.Context, key, contextLabel string) (types.Record, error) {
	db, err := s.conn()
	if err != nil {
		return types.Record{}, merrors.NewTierError(Name, "retrieve", key, err)
	}
	if contextLabel == "" {
		contextLabel = config.DefaultContext
	}

	var env string
	err = db.QueryRowContext(ctx,
		`SELECT envelope FROM records WHERE context_id = ? AND id = ?`,
		s.contextID(contextLabel), key).Scan(&env)
	if errors.Is(err, sql.ErrNoRows) {
		return types.Record{}, merrors.NewNotFound(Name, key)
	}
	if err != nil {
		return types.Record{}, merrors.NewTierError(Name, "retrieve", key, err)
	}

	rec, err := types.UnmarshalEnvelope([]byte(env))
	if err != nil {
		return types.Record{}, merrors.NewTierError(Name, "retrieve", key, err)
	}
	return rec, nil
}

// Scan matches text against the stored envelopes across every context,
// newest first.
func (s *Store) Scan(ctx context.Context, text string, limit int) ([]types.Record, error) {
	db, err := s.conn()
	if err != nil {
		return nil, merrors.NewTierError(Name, "scan", "", err)
	}

	query := `SELECT envelope FROM records`
	var args []any
	if text != "" {
		query += ` WHERE strpos(lower(envelope), lower(?)) > 0`
		args = append(args, text)
	}
	query += ` ORDER BY ts DESC, id`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, merrors.NewTierError(Name, "scan", "", err)
	}
	defer rows.Close()

	var out []types.Record
	for rows.Next() {
		var env string
		if err := rows.Scan(&env); err != nil {
			return out, merrors.NewTierError(Name, "scan", "", err)
		}
		rec, err := types.UnmarshalEnvelope([]byte(env))
		if err != nil {
			s.logger.Warn("skipping undecodable row", "error", err)
			continue
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return out, merrors.NewTierError(Name, "scan", "", err)
	}
	return out, nil
}

// Delete removes key from every context.
func (s *Store) Delete(ctx context.Context, key string) error {
	db, err := s.conn()
	if err != nil {
		return merrors.NewTierError(Name, "delete", key, err)
	}
	if _, err := db.ExecContext(ctx, `DELETE FROM records WHERE id = ?`, key); err != nil {
		return merrors.NewTierError(Name, "delete", key, err)
	}
	return nil
}

// Len returns the number of stored records.
func (s *Store) Len() int {
	db, err := s.conn()
	if err != nil {
		return 0
	}
	var n int
	if err := db.QueryRow(`SELECT count(*) FROM records`).Scan(&n); err != nil {
		return 0
	}
	return n
}
