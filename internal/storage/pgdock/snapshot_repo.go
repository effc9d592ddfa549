package pgdock

import (
	"context"
	"encoding/json"
	"time"

	"github.com/BearBump/DockBox/internal/models"
	"github.com/jackc/pgx/v5"
	"github.com/pkg/errors"
)

// SaveSnapshot перезаписывает снимок живого состояния: таблицу анденов и
// хвост аудита. Снимок best-effort, пишется по копии вне локов.
func (s *Storage) SaveSnapshot(ctx context.Context, docks []models.Dock, entries []models.AuditEntry) error {
	docksJSON, err := json.Marshal(docks)
	if err != nil {
		return errors.Wrap(err, "marshal docks")
	}
	auditJSON, err := json.Marshal(entries)
	if err != nil {
		return errors.Wrap(err, "marshal audit")
	}

	_, err = s.db.Exec(ctx, `
INSERT INTO dock_snapshots (id, docks, audit, saved_at)
VALUES (1, $1, $2, $3)
ON CONFLICT (id) DO UPDATE SET docks = $1, audit = $2, saved_at = $3
`, docksJSON, auditJSON, time.Now().UTC())
	return errors.Wrap(err, "save snapshot")
}

// LoadSnapshot возвращает последний снимок; (nil, nil, nil), если его нет —
// чистый старт.
func (s *Storage) LoadSnapshot(ctx context.Context) ([]models.Dock, []models.AuditEntry, error) {
	var docksJSON, auditJSON []byte
	err := s.db.QueryRow(ctx, `SELECT docks, audit FROM dock_snapshots WHERE id = 1`).
		Scan(&docksJSON, &auditJSON)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, errors.Wrap(err, "load snapshot")
	}

	var docks []models.Dock
	if err := json.Unmarshal(docksJSON, &docks); err != nil {
		return nil, nil, errors.Wrap(err, "unmarshal docks")
	}
	var entries []models.AuditEntry
	if err := json.Unmarshal(auditJSON, &entries); err != nil {
		return nil, nil, errors.Wrap(err, "unmarshal audit")
	}
	return docks, entries, nil
}
