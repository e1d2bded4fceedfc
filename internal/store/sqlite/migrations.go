package sqlite

import (
	"context"
	"fmt"
)

func (s *Store) migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS reports (
			id TEXT PRIMARY KEY,
			cycle_id TEXT NOT NULL,
			email TEXT NOT NULL,
			install_id TEXT NOT NULL DEFAULT '',
			authenticated INTEGER NOT NULL DEFAULT 0,
			heartbeat_status INTEGER,
			earnings_json TEXT,
			created_at INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_reports_created_at ON reports (created_at);`,
		`CREATE INDEX IF NOT EXISTS idx_reports_email ON reports (email, created_at);`,
	}

	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}
