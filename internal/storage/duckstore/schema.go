package duckstore

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
)

// migrate creates the records table. It is idempotent.
func migrate(ctx context.Context, db *sql.DB, log *slog.Logger) error {
	migrations := []struct {
		name string
		sql  string
	}{
		{
			name: "records",
			sql: `CREATE TABLE IF NOT EXISTS records (
				context_id VARCHAR NOT NULL,
				id         VARCHAR NOT NULL,
				envelope   VARCHAR NOT NULL,
				hash       VARCHAR NOT NULL,
				ts         TIMESTAMP NOT NULL,
				PRIMARY KEY (context_id, id)
			)`,
		},
	}

	for _, m := range migrations {
		if _, err := db.ExecContext(ctx, m.sql); err != nil {
			return fmt.Errorf("migration %s: %w", m.name, err)
		}
		log.Debug("migration applied", "name", m.name)
	}
	return nil
}
