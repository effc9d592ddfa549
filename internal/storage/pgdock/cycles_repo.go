package pgdock

import (
	"context"
	"encoding/json"

	"github.com/BearBump/DockBox/internal/models"
	"github.com/pkg/errors"
)

// SaveCycleRecord дописывает закрытый цикл в постоянную историю. Запись
// неизменяемая, поэтому повторная вставка того же id — no-op.
func (s *Storage) SaveCycleRecord(ctx context.Context, rec models.CycleRecord) error {
	pallets, err := json.Marshal(rec.Pallets)
	if err != nil {
		return errors.Wrap(err, "marshal pallets")
	}

	_, err = s.db.Exec(ctx, `
INSERT INTO dock_cycles (
  id, dock_id, destination, box_count, truck_limit, pallets,
  loading_started_at, completed_at, documented_at, shipped_at,
  documenting_user, shipping_user, created_at
)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
ON CONFLICT (id) DO NOTHING
`, rec.ID, rec.DockID, rec.Destination, rec.BoxCount, rec.TruckLimit, pallets,
		rec.LoadingStartedAt, rec.CompletedAt, rec.DocumentedAt, rec.ShippedAt.UTC(),
		rec.DocumentingUser, rec.ShippingUser, rec.CreatedAt.UTC())
	return errors.Wrap(err, "insert dock cycle")
}

// ListCycleRecords отдаёт историю циклов, новые впереди. dockID 0 — все андены.
func (s *Storage) ListCycleRecords(ctx context.Context, dockID, limit, offset int) ([]models.CycleRecord, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}

	rows, err := s.db.Query(ctx, `
SELECT
  id, dock_id, destination, box_count, truck_limit, pallets,
  loading_started_at, completed_at, documented_at, shipped_at,
  documenting_user, shipping_user, created_at
FROM dock_cycles
WHERE ($1 = 0 OR dock_id = $1)
ORDER BY shipped_at DESC
LIMIT $2 OFFSET $3
`, dockID, limit, offset)
	if err != nil {
		return nil, errors.Wrap(err, "select dock cycles")
	}
	defer rows.Close()

	var out []models.CycleRecord
	for rows.Next() {
		var rec models.CycleRecord
		var pallets []byte
		if err := rows.Scan(
			&rec.ID, &rec.DockID, &rec.Destination, &rec.BoxCount, &rec.TruckLimit, &pallets,
			&rec.LoadingStartedAt, &rec.CompletedAt, &rec.DocumentedAt, &rec.ShippedAt,
			&rec.DocumentingUser, &rec.ShippingUser, &rec.CreatedAt,
		); err != nil {
			return nil, errors.Wrap(err, "scan dock cycle")
		}
		if err := json.Unmarshal(pallets, &rec.Pallets); err != nil {
			return nil, errors.Wrap(err, "unmarshal pallets")
		}
		out = append(out, rec)
	}
	if rows.Err() != nil {
		return nil, errors.Wrap(rows.Err(), "rows")
	}
	return out, nil
}
