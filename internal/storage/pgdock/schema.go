package pgdock

import (
	"context"

	"github.com/pkg/errors"
)

func (s *Storage) initSchema(ctx context.Context) error {
	stmts := []string{
		`
CREATE TABLE IF NOT EXISTS dock_cycles (
  id TEXT PRIMARY KEY,
  dock_id INT NOT NULL,
  destination TEXT NOT NULL DEFAULT '',
  box_count INT NOT NULL DEFAULT 0,
  truck_limit INT NOT NULL DEFAULT 0,
  pallets JSONB NOT NULL,
  loading_started_at TIMESTAMPTZ NULL,
  completed_at TIMESTAMPTZ NULL,
  documented_at TIMESTAMPTZ NULL,
  shipped_at TIMESTAMPTZ NOT NULL,
  documenting_user TEXT NULL,
  shipping_user TEXT NOT NULL,
  created_at TIMESTAMPTZ NOT NULL
)`,
		`CREATE INDEX IF NOT EXISTS idx_dock_cycles_dock_id_shipped_at ON dock_cycles(dock_id, shipped_at DESC)`,
		// Снапшот живого состояния — единственная строка, перезаписывается целиком.
		`
CREATE TABLE IF NOT EXISTS dock_snapshots (
  id INT PRIMARY KEY CHECK (id = 1),
  docks JSONB NOT NULL,
  audit JSONB NOT NULL,
  saved_at TIMESTAMPTZ NOT NULL
)`,
	}

	for _, q := range stmts {
		if _, err := s.db.Exec(ctx, q); err != nil {
			return errors.Wrap(err, "init schema")
		}
	}
	return nil
}
