package messages

import (
	"encoding/json"
	"time"
)

// Типы событий в топике обновлений анденов.
const (
	EventScan   = "scan"   // принята паллета
	EventStatus = "status" // статус пересчитан вручную или удалением
	EventCycle  = "cycle"  // жизненный цикл: документирование, отгрузка, сброс
)

// DockUpdated публикуется после каждого изменения андена. Потребители —
// табло и интеграции склада; сообщение самодостаточно, дочитывать состояние
// по API не нужно.
type DockUpdated struct {
	DockID      int       `json:"dock_id"`
	Event       string    `json:"event"`
	Status      string    `json:"status"`
	PalletCount int       `json:"pallet_count"`
	PalletCode  string    `json:"pallet_code,omitempty"`
	Destination string    `json:"destination,omitempty"`
	OccurredAt  time.Time `json:"occurred_at"`
}

// ScanRequested — скан, приехавший через брокер от шлюзов, которые не ходят
// в HTTP напрямую. Payload — сырые байты события, как их отдал сканер.
type ScanRequested struct {
	DockID  int             `json:"dock_id,omitempty"`
	Payload json.RawMessage `json:"payload"`
	Source  string          `json:"source,omitempty"`
}
